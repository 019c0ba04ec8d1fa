package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/benmcmorran/usbipd-win/internal/registry"
)

// Unbind stops sharing one or every device. Devices currently attached to a
// remote client refuse to unshare until the client detaches.
type Unbind struct {
	BusID string `short:"b" help:"Bus id of the device to stop sharing" xor:"target"`
	GUID  string `short:"g" help:"Share GUID of the device to stop sharing" xor:"target"`
	All   bool   `short:"a" help:"Stop sharing every device" xor:"target"`
}

func (u *Unbind) Run(logger *slog.Logger) error {
	if u.BusID == "" && u.GUID == "" && !u.All {
		return errors.New("specify -b <busid>, -g <guid>, or -a")
	}

	reg, err := loadRegistry()
	if err != nil {
		return fmt.Errorf("load share registry: %w", err)
	}

	var busIDs []string
	switch {
	case u.All:
		for _, rec := range reg.AllShared() {
			busIDs = append(busIDs, rec.BusID)
		}
	case u.GUID != "":
		rec, ok := reg.LookupByGUID(u.GUID)
		if !ok {
			return fmt.Errorf("no shared device with guid %s", u.GUID)
		}
		busIDs = []string{rec.BusID}
	default:
		busIDs = []string{u.BusID}
	}

	var firstErr error
	for _, busID := range busIDs {
		if err := reg.Unshare(busID); err != nil {
			var aa *registry.AlreadyAttached
			if errors.As(err, &aa) {
				logger.Warn("device is attached, skipping unshare", "busid", busID, "attachedTo", aa.AttachedTo)
				continue
			}
			logger.Error("failed to unshare device", "busid", busID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logger.Info("stopped sharing device", "busid", busID)
	}

	if err := saveRegistry(reg); err != nil {
		return err
	}
	return firstErr
}
