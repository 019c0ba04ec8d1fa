package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"golang.org/x/term"

	"github.com/benmcmorran/usbipd-win/internal/device"
	"github.com/benmcmorran/usbipd-win/internal/registry"
)

// List prints every locally attached USB device together with its
// shared/attached state, the way `usbip list -l` plus share state would.
type List struct {
	Usb bool `help:"List only devices that are currently shared" xor:"scope"`
}

func (l *List) Run(logger *slog.Logger) error {
	enumerator := device.NewWindowsEnumerator(logger)
	devices, err := enumerator.Enumerate(context.Background())
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}

	reg, err := loadRegistry()
	if err != nil {
		return fmt.Errorf("load share registry: %w", err)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].BusID < devices[j].BusID })

	width := terminalWidth()
	for _, d := range devices {
		rec, shared := reg.Lookup(d.BusID)
		if l.Usb && !shared {
			continue
		}
		printDeviceRow(d, rec, shared, width)
	}
	return nil
}

func printDeviceRow(d device.ExportedDevice, rec registry.ShareRecord, shared bool, width int) {
	state := "not shared"
	switch {
	case shared && rec.AttachedTo != "":
		state = fmt.Sprintf("attached to %s", rec.AttachedTo)
	case shared:
		state = "shared"
	}

	label := fmt.Sprintf("%-8s  %04x:%04x  %-6s  %s", d.BusID, d.VendorID, d.ProductID, d.Speed, state)
	if width > 0 && len(label) > width {
		label = label[:width]
	}
	fmt.Println(label)
	if shared && rec.GUID != "" {
		fmt.Printf("          guid: %s\n", rec.GUID)
	}
}

func terminalWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	return w
}
