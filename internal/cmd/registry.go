package cmd

import (
	"path/filepath"

	"github.com/benmcmorran/usbipd-win/internal/configpaths"
	"github.com/benmcmorran/usbipd-win/internal/registry"
)

const registryFileName = "registry.toml"

func registryFilePath() (string, error) {
	dir, err := configpaths.DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, registryFileName), nil
}

func loadRegistry() (*registry.Registry, error) {
	path, err := registryFilePath()
	if err != nil {
		return nil, err
	}
	return registry.LoadFile(path)
}

func saveRegistry(reg *registry.Registry) error {
	path, err := registryFilePath()
	if err != nil {
		return err
	}
	if err := configpaths.EnsureDir(path); err != nil {
		return err
	}
	return reg.SaveFile(path)
}
