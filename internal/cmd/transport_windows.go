//go:build windows

package cmd

import (
	"golang.org/x/sys/windows"

	"github.com/benmcmorran/usbipd-win/internal/driver"
	"github.com/benmcmorran/usbipd-win/internal/session"
	"github.com/benmcmorran/usbipd-win/internal/urb"
)

// newTransportFactory binds a claimed device's handle to the overlapped-IO
// URB transport; every Session gets its own Engine over the same claimed
// device handle.
func newTransportFactory() session.TransportFactory {
	return func(claimed *driver.ClaimedDevice) urb.Transport {
		return urb.NewWindowsTransport(windows.Handle(claimed.DeviceTok))
	}
}
