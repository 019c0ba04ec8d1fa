package urb

import (
	"context"
	"sync"
)

// FakeTransport is an in-memory Transport for testing Engine. Completions
// are delivered only when the test calls Complete; SubmitAsync never blocks
// and never completes on its own, which makes unlink-races deterministic.
type FakeTransport struct {
	mu        sync.Mutex
	accepted  map[uint32]func(Completion)
	submitted map[uint32]*Urb
	canceled  map[uint32]bool

	RejectSubmit error
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		accepted:  make(map[uint32]func(Completion)),
		submitted: make(map[uint32]*Urb),
		canceled:  make(map[uint32]bool),
	}
}

func (f *FakeTransport) SubmitAsync(ctx context.Context, u *Urb, done func(Completion)) error {
	if f.RejectSubmit != nil {
		return f.RejectSubmit
	}
	f.mu.Lock()
	f.accepted[u.Seqnum] = done
	f.submitted[u.Seqnum] = u
	f.mu.Unlock()
	return nil
}

// Submitted returns the Urb the engine last submitted for seqnum, letting
// tests inspect fields (TransferLength, Setup, ...) the transport would have
// consumed. Returns nil if no submit is on record for seqnum.
func (f *FakeTransport) Submitted(seqnum uint32) *Urb {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted[seqnum]
}

func (f *FakeTransport) Cancel(seqnum uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled[seqnum] = true
	return nil
}

// Complete simulates the OS completing seqnum with the given result. It is
// the test's stand-in for the completion pump task.
func (f *FakeTransport) Complete(c Completion) {
	f.mu.Lock()
	done := f.accepted[c.Seqnum]
	delete(f.accepted, c.Seqnum)
	f.mu.Unlock()
	if done != nil {
		done(c)
	}
}

func (f *FakeTransport) WasCanceled(seqnum uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canceled[seqnum]
}
