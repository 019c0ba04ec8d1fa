// Package urb implements the C3 URB Engine: submits, cancels, and completes
// asynchronous USB transfers against a claimed device, owning the
// per-endpoint in-flight set. Per the cross-task completion design, the map
// has exactly one mutator discipline: Submit/Unlink (the Session's reader
// task) and the completion delivery path both take a short critical section,
// and completions are handed off through a channel so the drain side (the
// Session's writer task) never touches the map directly.
package urb

import (
	"context"
	"fmt"
	"sync"

	"github.com/benmcmorran/usbipd-win/usbip"
)

type Direction uint8

const (
	DirOut Direction = 0
	DirIn  Direction = 1
)

type TransferType uint8

const (
	Control TransferType = iota
	Bulk
	Interrupt
	Isochronous
)

// Urb is one in-flight transfer. Setup is meaningful only for Control.
// TransferLength is the client-requested transfer_buffer_length: for OUT
// transfers it equals len(Buffer) (the payload already read off the wire),
// but for IN transfers Buffer is empty and TransferLength is the only record
// of how many bytes the client expects back — the transport allocates the
// receive buffer from it.
type Urb struct {
	Seqnum         uint32
	Direction      Direction
	Endpoint       uint8
	Type           TransferType
	Setup          [8]byte
	Buffer         []byte
	TransferLength uint32
	IsoPackets     []usbip.IsoPacketDesc
	StartFrame     uint32
	Interval       uint32
	Flags          uint32
}

// Completion is a single (seqnum, status, actual_length, ...) event, pushed
// to the completions channel in completion order — not submission order,
// since USB/IP permits reorder per endpoint.
type Completion struct {
	Seqnum       uint32
	Status       int32
	ActualLength uint32
	StartFrame   uint32
	IsoPackets   []usbip.IsoPacketDesc
	Payload      []byte // meaningful only for IN transfers
}

type UnlinkResult int

const (
	Cancelled UnlinkResult = iota
	AlreadyCompleted
	NotFound
)

func (r UnlinkResult) String() string {
	switch r {
	case Cancelled:
		return "cancelled"
	case AlreadyCompleted:
		return "already_completed"
	default:
		return "not_found"
	}
}

// EndpointHalted is returned by Submit when the endpoint's halt feature is
// set and has not since been cleared by a CLEAR_FEATURE control request.
type EndpointHalted struct {
	Endpoint  uint8
	Direction Direction
}

func (e *EndpointHalted) Error() string {
	return fmt.Sprintf("endpoint %d (dir=%d) is halted", e.Endpoint, e.Direction)
}

// Transport performs the actual OS-level transfer. SubmitAsync must not
// block; it reports completion by invoking done exactly once, from any
// goroutine. A non-nil error from SubmitAsync means the transfer was
// rejected before being queued with the OS — the engine does not register
// the urb in that case.
type Transport interface {
	SubmitAsync(ctx context.Context, u *Urb, done func(Completion)) error
	Cancel(seqnum uint32) error
}

func endpointKey(endpoint uint8, dir Direction) uint16 {
	return uint16(endpoint)<<1 | uint16(dir)
}

// Engine is the C3 URB Engine for one claimed device.
type Engine struct {
	transport Transport

	mu        sync.Mutex
	inFlight  map[uint32]*Urb
	completed map[uint32]struct{}
	halted    map[uint16]bool

	completions chan Completion
}

// New constructs an Engine backed by transport. completionBuffer sizes the
// internal completions channel; the writer task is expected to drain it
// promptly, so a small buffer (e.g. 32) is usually enough to avoid the
// completion pump blocking on a slow writer.
func New(transport Transport, completionBuffer int) *Engine {
	return &Engine{
		transport:   transport,
		inFlight:    make(map[uint32]*Urb),
		completed:   make(map[uint32]struct{}),
		halted:      make(map[uint16]bool),
		completions: make(chan Completion, completionBuffer),
	}
}

// Completions is the FIFO sequence of completion events. The caller (the
// Session's writer task) must range over it until the engine is torn down.
func (e *Engine) Completions() <-chan Completion {
	return e.completions
}

// Submit queues u with the OS driver and returns immediately; the result
// arrives later via Completions. A non-nil error means the urb was rejected
// at submit time (e.g. EndpointHalted, or a transport-level failure) and was
// never registered — the caller must synthesize an immediate RET_SUBMIT
// itself rather than waiting on a completion that will never come.
func (e *Engine) Submit(ctx context.Context, u *Urb) error {
	key := endpointKey(u.Endpoint, u.Direction)

	e.mu.Lock()
	if e.halted[key] {
		e.mu.Unlock()
		return &EndpointHalted{Endpoint: u.Endpoint, Direction: u.Direction}
	}
	e.inFlight[u.Seqnum] = u
	e.mu.Unlock()

	err := e.transport.SubmitAsync(ctx, u, func(c Completion) { e.deliver(c) })
	if err != nil {
		e.mu.Lock()
		delete(e.inFlight, u.Seqnum)
		e.mu.Unlock()
		return err
	}
	return nil
}

func (e *Engine) deliver(c Completion) {
	e.mu.Lock()
	if _, ok := e.inFlight[c.Seqnum]; !ok {
		// Suppressed: Unlink already claimed this seqnum.
		e.mu.Unlock()
		return
	}
	delete(e.inFlight, c.Seqnum)
	e.completed[c.Seqnum] = struct{}{}
	e.mu.Unlock()

	e.completions <- c
}

// Unlink attempts to cancel an in-flight urb. The race is resolved by
// atomically removing the map entry first: if that succeeds, the engine
// guarantees no completion for seqnum will ever be posted, even if the OS
// itself reports the transfer already finished.
func (e *Engine) Unlink(seqnum uint32) UnlinkResult {
	e.mu.Lock()
	_, inFlight := e.inFlight[seqnum]
	if inFlight {
		delete(e.inFlight, seqnum)
	}
	_, wasCompleted := e.completed[seqnum]
	e.mu.Unlock()

	if inFlight {
		_ = e.transport.Cancel(seqnum)
		return Cancelled
	}
	if wasCompleted {
		return AlreadyCompleted
	}
	return NotFound
}

// SetHalt records or clears the halt-feature state for an endpoint. The
// Session calls this in response to SET_FEATURE(ENDPOINT_HALT) and
// CLEAR_FEATURE(ENDPOINT_HALT) control requests it intercepts.
func (e *Engine) SetHalt(endpoint uint8, dir Direction, halted bool) {
	key := endpointKey(endpoint, dir)
	e.mu.Lock()
	defer e.mu.Unlock()
	if halted {
		e.halted[key] = true
	} else {
		delete(e.halted, key)
	}
}

// CancelAll cancels every in-flight urb without posting completions for any
// of them — the "drain completions with suppression" step of the shutdown
// sequence. It returns once every urb has been removed from the map.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	seqnums := make([]uint32, 0, len(e.inFlight))
	for s := range e.inFlight {
		seqnums = append(seqnums, s)
	}
	for _, s := range seqnums {
		delete(e.inFlight, s)
	}
	e.mu.Unlock()

	for _, s := range seqnums {
		_ = e.transport.Cancel(s)
	}
}

// InFlightCount reports the number of urbs currently parked in the map.
// Exposed for tests verifying resource conservation after teardown.
func (e *Engine) InFlightCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inFlight)
}
