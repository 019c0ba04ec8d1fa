package driver

import "sync"

// FakeBackend is an in-memory backend for testing Shim without a real
// kernel driver. ReEnumerateAfter simulates the claim loop's polling by
// requiring N tryOpenClaimed calls before reporting found=true.
type FakeBackend struct {
	mu sync.Mutex

	Version Version
	VersionErr error

	AddFilterRc  int32
	AddFilterErr error
	nextFilterID int32
	filters      map[int32]ClaimSpec

	ReEnumerateAfter int
	opensSoFar       map[string]int
	ClaimRc          int32
	NotFound         bool

	nextToken Handle
	released  map[Handle]bool
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		Version:    ExpectedVersion,
		filters:    make(map[int32]ClaimSpec),
		opensSoFar: make(map[string]int),
		released:   make(map[Handle]bool),
		nextToken:  1,
	}
}

func (f *FakeBackend) checkVersion() (Version, error) { return f.Version, f.VersionErr }

func (f *FakeBackend) addFilter(spec ClaimSpec) (int32, int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AddFilterErr != nil {
		return 0, -1, f.AddFilterErr
	}
	if f.AddFilterRc != 0 {
		return 0, f.AddFilterRc, nil
	}
	f.nextFilterID++
	id := f.nextFilterID
	f.filters[id] = spec
	return id, 0, nil
}

func (f *FakeBackend) removeFilter(filterID int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.filters, filterID)
	return nil
}

func (f *FakeBackend) runFilters() error { return nil }

func (f *FakeBackend) FilterCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.filters)
}

func (f *FakeBackend) tryOpenClaimed(spec ClaimSpec) (Handle, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NotFound {
		return 0, false, nil
	}
	f.opensSoFar[spec.BusID]++
	if f.opensSoFar[spec.BusID] <= f.ReEnumerateAfter {
		return 0, false, nil
	}
	tok := f.nextToken
	f.nextToken++
	return tok, true, nil
}

func (f *FakeBackend) claimToken(tok Handle) (int32, error) {
	return f.ClaimRc, nil
}

func (f *FakeBackend) releaseToken(tok Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[tok] = true
	return nil
}
