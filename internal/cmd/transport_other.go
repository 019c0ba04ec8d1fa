//go:build !windows

package cmd

import (
	"context"
	"errors"

	"github.com/benmcmorran/usbipd-win/internal/driver"
	"github.com/benmcmorran/usbipd-win/internal/session"
	"github.com/benmcmorran/usbipd-win/internal/urb"
)

var errNoTransport = errors.New("urb transport requires Windows")

type noopTransport struct{}

func (noopTransport) SubmitAsync(ctx context.Context, u *urb.Urb, done func(urb.Completion)) error {
	return errNoTransport
}

func (noopTransport) Cancel(seqnum uint32) error { return errNoTransport }

func newTransportFactory() session.TransportFactory {
	return func(*driver.ClaimedDevice) urb.Transport { return noopTransport{} }
}
