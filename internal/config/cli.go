// Package config defines the Kong root command: the flags and subcommands
// that make up usbipd-win's CLI surface.
package config

import (
	"github.com/alecthomas/kong"

	"github.com/benmcmorran/usbipd-win/internal/cmd"
)

// CLI is the Kong root command.
type CLI struct {
	Log LogConfig `embed:"" prefix:"log."`

	List    cmd.List          `cmd:"" help:"List local USB devices and their share state"`
	Bind    cmd.Bind          `cmd:"" help:"Share a device so a remote client may attach to it"`
	Unbind  cmd.Unbind        `cmd:"" help:"Stop sharing a device"`
	Server  cmd.Server        `cmd:"" help:"Run the USB/IP server"`
	Config  cmd.ConfigCommand `cmd:"" help:"Generate a configuration file template"`
	License cmd.License       `cmd:"" help:"Print license information"`

	Version kong.VersionFlag `short:"v" help:"Show version and exit"`
}

// LogConfig controls the slog handler(s) SetupLogger builds and the raw
// wire-protocol logger.
type LogConfig struct {
	Level   string `help:"Log level: trace, debug, info, warn, error" default:"info" env:"USBIPD_LOG_LEVEL"`
	File    string `help:"Write logs additionally to this file" env:"USBIPD_LOG_FILE"`
	RawFile string `help:"Write raw wire-protocol traffic (hex dump) to this file" env:"USBIPD_LOG_RAW_FILE"`
}
