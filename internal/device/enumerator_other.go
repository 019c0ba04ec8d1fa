//go:build !windows

package device

import (
	"context"
	"fmt"
	"log/slog"
)

// WindowsEnumerator only exists to keep the package buildable off Windows
// (for `go vet`/tests of the rest of the module); the filter shim and driver
// IOCTLs it backs are Windows-only per the server's actual scope.
type WindowsEnumerator struct{}

func NewWindowsEnumerator(logger *slog.Logger) *WindowsEnumerator { return &WindowsEnumerator{} }

func (e *WindowsEnumerator) Enumerate(ctx context.Context) ([]ExportedDevice, error) {
	return nil, &EnumerationFailed{Cause: fmt.Errorf("device enumeration requires Windows")}
}
