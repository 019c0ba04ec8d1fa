//go:build windows

package urb

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/benmcmorran/usbipd-win/usbip"
)

const (
	fileDeviceUnknown = 0x00000022
	methodBuffered    = 0
	fileReadData      = 0x0001
	fileWriteData     = 0x0002

	ioctlSubmitURB = (fileDeviceUnknown << 16) | ((fileReadData | fileWriteData) << 14) | (0x900 << 2) | methodBuffered
	ioctlCancelURB = (fileDeviceUnknown << 16) | ((fileReadData | fileWriteData) << 14) | (0x901 << 2) | methodBuffered
)

type urbHeaderIOCTL struct {
	Seqnum            uint32
	Type              uint8
	Direction         uint8
	Endpoint          uint8
	_                 uint8
	Setup             [8]byte
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32

	Status       int32
	ActualLength uint32
}

// WindowsTransport issues OVERLAPPED DeviceIoControl calls against a claimed
// device handle and runs one goroutine per pending urb blocked on
// GetOverlappedResult — the completion pump task of the concurrency model.
// One WindowsTransport is bound to exactly one claimed device's handle.
type WindowsTransport struct {
	Handle windows.Handle

	mu      sync.Mutex
	pending map[uint32]*pendingCall
}

type pendingCall struct {
	overlapped windows.Overlapped
	header     urbHeaderIOCTL
	buffer     []byte
	isoOut     []byte
	cancel     func()
}

func NewWindowsTransport(h windows.Handle) *WindowsTransport {
	return &WindowsTransport{Handle: h, pending: make(map[uint32]*pendingCall)}
}

func (t *WindowsTransport) SubmitAsync(ctx context.Context, u *Urb, done func(Completion)) error {
	event, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return fmt.Errorf("CreateEvent: %w", err)
	}

	call := &pendingCall{
		header: urbHeaderIOCTL{
			Seqnum:            u.Seqnum,
			Type:              uint8(u.Type),
			Direction:         uint8(u.Direction),
			Endpoint:          u.Endpoint,
			Setup:             u.Setup,
			TransferBufferLen: u.TransferLength,
			StartFrame:        u.StartFrame,
			Interval:          u.Interval,
		},
	}
	if u.Direction == DirIn {
		// OUT transfers carry their payload in u.Buffer already; IN transfers
		// carry none, so the receive buffer has to be sized from the
		// client-requested transfer_buffer_length instead.
		call.buffer = make([]byte, u.TransferLength)
	} else {
		call.buffer = u.Buffer
	}
	if u.Type == Isochronous {
		call.header.NumberOfPackets = uint32(len(u.IsoPackets))
	} else {
		call.header.NumberOfPackets = usbip.NonISO
	}
	call.overlapped.HEvent = event

	t.mu.Lock()
	t.pending[u.Seqnum] = call
	t.mu.Unlock()

	var returned uint32
	inPtr, inLen := (*byte)(unsafe.Pointer(&call.header)), uint32(unsafe.Sizeof(call.header))
	err = windows.DeviceIoControl(t.Handle, ioctlSubmitURB, inPtr, inLen,
		(*byte)(unsafe.Pointer(&call.header)), inLen, &returned, &call.overlapped)
	if err != nil && err != windows.ERROR_IO_PENDING {
		t.mu.Lock()
		delete(t.pending, u.Seqnum)
		t.mu.Unlock()
		windows.CloseHandle(event)
		return fmt.Errorf("DeviceIoControl(submit): %w", err)
	}

	go t.waitAndDeliver(u.Seqnum, call, done)
	return nil
}

func (t *WindowsTransport) waitAndDeliver(seqnum uint32, call *pendingCall, done func(Completion)) {
	defer windows.CloseHandle(call.overlapped.HEvent)

	var transferred uint32
	err := windows.GetOverlappedResult(t.Handle, &call.overlapped, &transferred, true)

	t.mu.Lock()
	_, stillPending := t.pending[seqnum]
	delete(t.pending, seqnum)
	t.mu.Unlock()
	if !stillPending {
		// Cancel beat us to it; the engine already suppressed this seqnum.
		return
	}

	status := call.header.Status
	if err != nil {
		status = -5 // -EIO; the session forwards this status to the client unchanged
	}

	c := Completion{
		Seqnum:       seqnum,
		Status:       status,
		ActualLength: transferred,
		StartFrame:   call.header.StartFrame,
	}
	if call.header.Direction == uint8(DirIn) {
		c.Payload = call.buffer[:transferred]
	}
	done(c)
}

func (t *WindowsTransport) Cancel(seqnum uint32) error {
	t.mu.Lock()
	call, ok := t.pending[seqnum]
	if ok {
		delete(t.pending, seqnum)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return windows.CancelIoEx(t.Handle, &call.overlapped)
}
