// Package driver talks to the kernel capture-filter component: installing
// filters, running them, and claiming an exclusively-owned handle to a
// physically re-enumerated device. The IOCTL plumbing mirrors the
// usbip-win2 interop pattern (SetupDi* discovery + DeviceIoControl), kept
// platform-specific in driver_windows.go; this file holds the
// platform-independent contract, error taxonomy, and per-bus-id
// serialization.
package driver

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Handle is the opaque token the kernel driver hands back for a claimed
// device. It is never dereferenced, only compared and passed back into
// later calls (cross-check against the filter set, release).
type Handle uint64

// ExpectedVersion is the {major, minor} the shim requires of the kernel
// component. check_version fails with UnsupportedDriver when the major
// differs (lower or higher), or when the minor is below the expected minor.
type Version struct {
	Major uint16
	Minor uint16
}

var ExpectedVersion = Version{Major: 2, Minor: 0}

// UnsupportedDriver is returned by CheckVersion on a major/minor mismatch.
// It is a startup-fatal error: the Listener refuses to begin.
type UnsupportedDriver struct {
	Got      Version
	Expected Version
}

func (e *UnsupportedDriver) Error() string {
	return fmt.Sprintf("unsupported capture driver: got v%d.%d, require v%d.x with minor >= %d",
		e.Got.Major, e.Got.Minor, e.Expected.Major, e.Expected.Minor)
}

// FilterRejected wraps a non-success return code from add_filter.
type FilterRejected struct {
	Rc int32
}

func (e *FilterRejected) Error() string { return fmt.Sprintf("filter rejected, rc=%d", e.Rc) }

// DriverError is the catch-all taxonomy member for a non-success code from
// any other control call (claim, run_filters, release).
type DriverError struct {
	Op string
	Rc int32
}

func (e *DriverError) Error() string { return fmt.Sprintf("driver error in %s: rc=%d", e.Op, e.Rc) }

// NotClaimable is returned by Claim when the driver answers fClaimed=false.
type NotClaimable struct{ BusID string }

func (e *NotClaimable) Error() string { return fmt.Sprintf("device %s could not be claimed", e.BusID) }

// Timeout is returned by Claim after 5s of DeviceNotFound.
type Timeout struct{ BusID string }

func (e *Timeout) Error() string {
	return fmt.Sprintf("claim timed out waiting for device %s to re-enumerate", e.BusID)
}

// ClaimSpec is the subset of an ExportedDevice the filter keys on, all as
// NUM_EXACT matches, plus the target (hub, port) the claim loop polls for.
type ClaimSpec struct {
	VendorID  uint16
	ProductID uint16
	BcdDevice uint16
	Class     uint8
	SubClass  uint8
	Protocol  uint8

	BusNum uint32
	DevNum uint32
	BusID  string
}

// ClaimedDevice is the resource pair produced by a successful Claim: a
// capture filter and the opaque device handle it diverted. The two share a
// lifetime; Release tears down both as one operation, never just one.
type ClaimedDevice struct {
	FilterID   int32
	DeviceTok  Handle
	BusID      string
	driver     *Shim
}

// Release removes the capture filter and closes the device handle. It is
// safe to call more than once; only the first call does work.
func (c *ClaimedDevice) Release() error {
	if c == nil || c.driver == nil {
		return nil
	}
	d := c.driver
	c.driver = nil
	return d.releaseClaimed(c)
}

const (
	claimTimeout     = 5 * time.Second
	claimPollInterval = 100 * time.Millisecond
)

// backend is the platform-specific half: the actual IOCTL calls. Implemented
// by driver_windows.go; driver_other.go supplies a stub that always fails,
// matching the "Windows-only kernel component" scope of this shim.
type backend interface {
	checkVersion() (Version, error)
	addFilter(spec ClaimSpec) (filterID int32, rc int32, err error)
	removeFilter(filterID int32) error
	runFilters() error
	tryOpenClaimed(spec ClaimSpec) (tok Handle, found bool, err error)
	claimToken(tok Handle) (rc int32, err error)
	releaseToken(tok Handle) error
}

// Shim is the C2 Filter/Capture Driver Shim. One Shim is shared process-wide;
// per-bus-id critical sections serialize add_filter+run_filters+claim so two
// sessions racing on the same bus id never interleave those three calls.
type Shim struct {
	backend backend

	mu        sync.Mutex
	busLocks  map[string]*sync.Mutex
}

func New(backend backend) *Shim {
	return &Shim{backend: backend, busLocks: make(map[string]*sync.Mutex)}
}

// CheckVersion fails with UnsupportedDriver if the kernel component reports
// a major version other than expected, or the same major with a lower minor.
func (s *Shim) CheckVersion() error {
	got, err := s.backend.checkVersion()
	if err != nil {
		return &DriverError{Op: "check_version", Rc: -1}
	}
	if got.Major != ExpectedVersion.Major || got.Minor < ExpectedVersion.Minor {
		return &UnsupportedDriver{Got: got, Expected: ExpectedVersion}
	}
	return nil
}

func (s *Shim) busLock(busID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.busLocks[busID]
	if !ok {
		l = &sync.Mutex{}
		s.busLocks[busID] = l
	}
	return l
}

// Claim runs the full add_filter → run_filters → claim sequence as one
// logical critical section per bus id, polling the capture driver's
// device-interface class every 100ms for up to 5s.
func (s *Shim) Claim(ctx context.Context, spec ClaimSpec) (*ClaimedDevice, error) {
	lock := s.busLock(spec.BusID)
	lock.Lock()
	defer lock.Unlock()

	filterID, rc, err := s.backend.addFilter(spec)
	if err != nil {
		return nil, &DriverError{Op: "add_filter", Rc: rc}
	}
	if rc != 0 {
		return nil, &FilterRejected{Rc: rc}
	}

	claimed, err := s.claimAfterFilter(ctx, spec, filterID)
	if err != nil {
		// Best-effort cleanup of the partial filter; the caller's session
		// teardown does not get a second chance at this.
		_ = s.backend.removeFilter(filterID)
		return nil, err
	}
	return claimed, nil
}

func (s *Shim) claimAfterFilter(ctx context.Context, spec ClaimSpec, filterID int32) (*ClaimedDevice, error) {
	if err := s.backend.runFilters(); err != nil {
		return nil, &DriverError{Op: "run_filters", Rc: -1}
	}

	deadline := time.Now().Add(claimTimeout)
	ticker := time.NewTicker(claimPollInterval)
	defer ticker.Stop()

	for {
		tok, found, err := s.backend.tryOpenClaimed(spec)
		if err != nil {
			// Per the Open Question: transient errors during re-enumeration
			// are not retried, only DeviceNotFound (found=false, err=nil) is.
			return nil, &DriverError{Op: "claim", Rc: -1}
		}
		if found {
			rc, err := s.backend.claimToken(tok)
			if err != nil {
				return nil, &DriverError{Op: "claim", Rc: rc}
			}
			if rc != 0 {
				_ = s.backend.releaseToken(tok)
				return nil, &NotClaimable{BusID: spec.BusID}
			}
			return &ClaimedDevice{FilterID: filterID, DeviceTok: tok, BusID: spec.BusID, driver: s}, nil
		}

		if time.Now().After(deadline) {
			return nil, &Timeout{BusID: spec.BusID}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Shim) releaseClaimed(c *ClaimedDevice) error {
	lock := s.busLock(c.BusID)
	lock.Lock()
	defer lock.Unlock()

	tokErr := s.backend.releaseToken(c.DeviceTok)
	filterErr := s.backend.removeFilter(c.FilterID)
	if tokErr != nil {
		return tokErr
	}
	return filterErr
}
