//go:build !windows

package driver

import "fmt"

// WindowsBackend stub: the capture filter is a Windows kernel component, so
// every call fails here. Kept so the package builds off Windows for tests
// that exercise Shim with FakeBackend instead.
type WindowsBackend struct{}

func NewWindowsBackend() *WindowsBackend { return &WindowsBackend{} }

var errNotWindows = fmt.Errorf("capture filter driver requires Windows")

func (b *WindowsBackend) checkVersion() (Version, error) { return Version{}, errNotWindows }
func (b *WindowsBackend) addFilter(spec ClaimSpec) (int32, int32, error) {
	return 0, -1, errNotWindows
}
func (b *WindowsBackend) removeFilter(filterID int32) error       { return errNotWindows }
func (b *WindowsBackend) runFilters() error                       { return errNotWindows }
func (b *WindowsBackend) tryOpenClaimed(spec ClaimSpec) (Handle, bool, error) {
	return 0, false, errNotWindows
}
func (b *WindowsBackend) claimToken(tok Handle) (int32, error) { return -1, errNotWindows }
func (b *WindowsBackend) releaseToken(tok Handle) error        { return errNotWindows }
