package cmd

import (
	"log/slog"

	"github.com/benmcmorran/usbipd-win/internal/device"
	"github.com/benmcmorran/usbipd-win/internal/driver"
)

func newShimAndEnumerator(logger *slog.Logger) (*driver.Shim, device.Enumerator, error) {
	shim := driver.New(&driver.WindowsBackend{})
	enumerator := device.NewWindowsEnumerator(logger)
	return shim, enumerator, nil
}
