package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/benmcmorran/usbipd-win/internal/device"
)

// Bind shares a local device so a remote USB/IP client may attach to it.
type Bind struct {
	BusID string `short:"b" help:"Bus id of the device to share (e.g. 1-2)" xor:"target"`
	All   bool   `short:"a" help:"Share every currently attached device" xor:"target"`
}

func (b *Bind) Run(logger *slog.Logger) error {
	if b.BusID == "" && !b.All {
		return errors.New("specify -b <busid> or -a")
	}

	enumerator := device.NewWindowsEnumerator(logger)
	devices, err := enumerator.Enumerate(context.Background())
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}

	reg, err := loadRegistry()
	if err != nil {
		return fmt.Errorf("load share registry: %w", err)
	}

	var targets []device.ExportedDevice
	if b.All {
		targets = devices
	} else {
		for _, d := range devices {
			if d.BusID == b.BusID {
				targets = append(targets, d)
			}
		}
		if len(targets) == 0 {
			return fmt.Errorf("no device present at bus id %s", b.BusID)
		}
	}

	for _, d := range targets {
		rec, err := reg.Share(d.BusID, friendlyName(d), d.VendorID, d.ProductID)
		if err != nil {
			return fmt.Errorf("share %s: %w", d.BusID, err)
		}
		logger.Info("sharing device", "busid", d.BusID, "guid", rec.GUID)
	}

	return saveRegistry(reg)
}

func friendlyName(d device.ExportedDevice) string {
	return fmt.Sprintf("USB device %04x:%04x", d.VendorID, d.ProductID)
}
