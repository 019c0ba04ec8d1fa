package device

import (
	"context"
	"log/slog"
	"sort"
)

// EnumerationFailed is returned by Enumerate when the OS denies access to
// device-info entirely (not for per-device failures, which are skipped and
// logged instead).
type EnumerationFailed struct {
	Cause error
}

func (e *EnumerationFailed) Error() string { return "device enumeration failed: " + e.Cause.Error() }
func (e *EnumerationFailed) Unwrap() error { return e.Cause }

// Enumerator discovers host USB devices and lifts them into ExportedDevice
// snapshots. Enumerate must return devices ordered by BusID lexicographically
// and must be stable within a single call; per-device failures (a device
// that vanishes mid-enumeration, a descriptor read that fails) are skipped
// with a logged warning rather than aborting the whole call. Hub devices'
// own upstream ports are enumerated too, not just downstream leaves.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]ExportedDevice, error)
}

// sortByBusID orders a device snapshot slice lexicographically by BusID, as
// required by the C1 contract. It is exposed so platform backends can share
// one sort implementation instead of reimplementing the comparison.
func sortByBusID(devices []ExportedDevice) {
	sort.Slice(devices, func(i, j int) bool { return devices[i].BusID < devices[j].BusID })
}

// logSkippedDevice centralizes the "skip, don't abort" policy for per-device
// enumeration failures.
func logSkippedDevice(logger *slog.Logger, busID string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("skipping device during enumeration", "busID", busID, "error", err)
}
