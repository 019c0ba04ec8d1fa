// Package session implements the C5 Session State Machine: one instance per
// TCP connection, driving OP phase (devlist/import) then CMD phase
// (submit/unlink/reply). It wires together the device enumerator (C1), the
// filter/capture driver shim (C2), the URB engine (C3), the wire codec
// (C4), and the share registry (C6).
package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/benmcmorran/usbipd-win/internal/device"
	"github.com/benmcmorran/usbipd-win/internal/driver"
	applog "github.com/benmcmorran/usbipd-win/internal/log"
	"github.com/benmcmorran/usbipd-win/internal/registry"
	"github.com/benmcmorran/usbipd-win/internal/urb"
	"github.com/benmcmorran/usbipd-win/usbip"
)

type state int

const (
	opIdle state = iota
	opListSent
	importOK
	cmdMode
	closed
)

// ProtocolError covers a malformed frame or a command the session's current
// state doesn't accept. A reply is sent when the command in question has a
// defined failure reply; the connection is always closed afterward.
type ProtocolError struct {
	Cause error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol error: %s", e.Cause) }
func (e *ProtocolError) Unwrap() error { return e.Cause }

// DeviceGone signals the claimed device disappeared mid-attachment.
type DeviceGone struct{ BusID string }

func (e *DeviceGone) Error() string { return fmt.Sprintf("device %s is gone", e.BusID) }

// TransportFactory builds the URB transport for a freshly claimed device.
// Bound at construction so Session never imports a platform package
// directly; production wiring supplies the Windows overlapped-IO transport,
// tests supply urb.NewFakeTransport-backed factories.
type TransportFactory func(claimed *driver.ClaimedDevice) urb.Transport

// Session drives one TCP connection end to end.
type Session struct {
	conn   net.Conn
	logger *slog.Logger
	raw    applog.RawLogger

	enumerator device.Enumerator
	shim       *driver.Shim
	registry   *registry.Registry
	transport  TransportFactory
	peerID     string

	mu        sync.Mutex
	state     state
	busID     string
	claimed   *driver.ClaimedDevice
	engine    *urb.Engine
	cancel    context.CancelFunc
}

// Config bundles a Session's collaborators; one Config is shared by every
// Session a Listener spawns.
type Config struct {
	Enumerator device.Enumerator
	Shim       *driver.Shim
	Registry   *registry.Registry
	Transport  TransportFactory
	Logger     *slog.Logger
	RawLogger  applog.RawLogger
}

// New constructs a Session bound to conn. peerID identifies the remote side
// for the share registry's attach bookkeeping (typically RemoteAddr).
func New(conn net.Conn, cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:       conn,
		logger:     logger,
		raw:        cfg.RawLogger,
		enumerator: cfg.Enumerator,
		shim:       cfg.Shim,
		registry:   cfg.Registry,
		transport:  cfg.Transport,
		peerID:     conn.RemoteAddr().String(),
		state:      opIdle,
	}
}

// Run drives the session to completion. It never returns until the
// connection closes, either because the peer disconnected, a protocol
// violation occurred, or ctx was cancelled (server shutdown).
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer s.teardown()

	// Closing the connection on cancellation unblocks any pending read, so a
	// server shutdown ends the session even while it waits on the client.
	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	var hdr [8]byte
	if err := readExactly(s.loggedConn(), hdr[:]); err != nil {
		return fmt.Errorf("read op header: %w", err)
	}

	ver := binary.BigEndian.Uint16(hdr[0:2])
	code := binary.BigEndian.Uint16(hdr[2:4])
	if ver != usbip.Version {
		return &ProtocolError{Cause: fmt.Errorf("unsupported version 0x%04x", ver)}
	}

	switch code {
	case usbip.OpReqDevlist:
		return s.handleDevlist()
	case usbip.OpReqImport:
		if err := s.handleImport(ctx, hdr[:]); err != nil {
			return err
		}
		return s.runCmdMode(ctx)
	default:
		return &ProtocolError{Cause: fmt.Errorf("unexpected op code 0x%04x in OP_IDLE", code)}
	}
}

func (s *Session) loggedConn() io.ReadWriter {
	if s.raw == nil {
		return s.conn
	}
	return &loggedConn{Conn: s.conn, raw: s.raw}
}

type loggedConn struct {
	net.Conn
	raw applog.RawLogger
}

func (c *loggedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.raw.Log(true, p[:n])
	}
	return n, err
}

func (c *loggedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.raw.Log(false, p[:n])
	}
	return n, err
}

// handleDevlist replies with every shared device and closes — USB/IP
// devlist sessions are one-shot, never transitioning into CMD_MODE.
func (s *Session) handleDevlist() error {
	s.setState(opListSent)

	devices, err := s.enumerator.Enumerate(context.Background())
	if err != nil {
		return &ProtocolError{Cause: err}
	}

	var shared []device.ExportedDevice
	for _, d := range devices {
		if s.registry.IsShared(d.BusID) {
			shared = append(shared, d)
		}
	}

	var buf bytes.Buffer
	hdr := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepDevlist, Status: 0}
	if err := hdr.Write(&buf); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(shared))); err != nil {
		return err
	}
	for _, d := range shared {
		wire := d.ToWire()
		if err := wire.WriteDevlist(&buf); err != nil {
			return err
		}
	}

	_, err = s.loggedConn().Write(buf.Bytes())
	s.setState(closed)
	return err
}

// handleImport drives the full attach sequence: lookup, share check, registry
// attach, filter + claim (detaching again if the claim fails),
// success/failure reply.
func (s *Session) handleImport(ctx context.Context, hdr8 []byte) error {
	var raw [32]byte
	if err := readExactly(s.loggedConn(), raw[:]); err != nil {
		return fmt.Errorf("read import request: %w", err)
	}
	req, err := usbip.DecodeImportRequest(raw[:])
	if err != nil {
		return &ProtocolError{Cause: err}
	}
	busID := req.BusIDString()

	dev, ferr := s.findDevice(ctx, busID)
	if ferr != nil {
		return s.failImport(ferr)
	}

	if !s.registry.IsShared(busID) {
		return s.failImport(&registry.NotShared{BusID: busID})
	}

	if err := s.registry.MarkAttached(busID, s.peerID); err != nil {
		return s.failImport(err)
	}

	claimed, cerr := s.shim.Claim(ctx, driver.ClaimSpec{
		VendorID: dev.VendorID, ProductID: dev.ProductID, BcdDevice: dev.BcdDevice,
		Class: dev.DeviceClass, SubClass: dev.SubClass, Protocol: dev.Protocol,
		BusNum: dev.BusNum, DevNum: dev.DevNum, BusID: busID,
	})
	if cerr != nil {
		s.registry.MarkDetached(busID)
		return s.failImport(cerr)
	}

	s.mu.Lock()
	s.busID = busID
	s.claimed = claimed
	s.engine = urb.New(s.transport(claimed), 64)
	s.mu.Unlock()

	var buf bytes.Buffer
	replyHdr := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: 0}
	if err := replyHdr.Write(&buf); err != nil {
		return err
	}
	wire := dev.ToWire()
	if err := wire.WriteImport(&buf); err != nil {
		return err
	}
	if _, err := s.loggedConn().Write(buf.Bytes()); err != nil {
		return err
	}

	s.setState(cmdMode)
	return nil
}

func (s *Session) findDevice(ctx context.Context, busID string) (device.ExportedDevice, error) {
	devices, err := s.enumerator.Enumerate(ctx)
	if err != nil {
		return device.ExportedDevice{}, err
	}
	for _, d := range devices {
		if d.BusID == busID {
			return d, nil
		}
	}
	return device.ExportedDevice{}, &DeviceGone{BusID: busID}
}

func (s *Session) failImport(cause error) error {
	var buf bytes.Buffer
	hdr := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: 1}
	_ = hdr.Write(&buf)
	_, _ = s.loggedConn().Write(buf.Bytes())
	s.setState(closed)
	return cause
}

// runCmdMode concurrently reads client CMD frames and drains engine
// completions, per the reader/writer/completion-pump split: this goroutine
// is the reader; a second goroutine is the writer draining s.engine's
// completions channel. Only the reader ever issues Submit/Unlink, so the
// engine's in-flight map has the single-writer discipline §9 requires.
func (s *Session) runCmdMode(ctx context.Context) error {
	// writerCtx is scoped to this call, not to the Session's lifetime ctx:
	// the writer must stop as soon as the reader exits, and the reader can
	// exit on an ordinary client disconnect long before Run returns and
	// teardown cancels the outer ctx.
	writerCtx, stopWriter := context.WithCancel(ctx)
	defer stopWriter()

	writerErrCh := make(chan error, 1)
	go func() { writerErrCh <- s.runWriter(writerCtx) }()

	readErr := s.runReader(ctx)
	stopWriter()

	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine != nil {
		engine.CancelAll()
	}

	writerErr := <-writerErrCh
	if readErr != nil {
		return readErr
	}
	return writerErr
}

func (s *Session) runReader(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		// Every CMD/RET header (submit and unlink alike) is a fixed 48 bytes
		// on the wire; the command code in the first 4 bytes selects how the
		// rest decodes.
		var hdr [usbip.CmdSubmitHeaderSize]byte
		if err := readExactly(s.loggedConn(), hdr[:]); err != nil {
			if isClientDisconnect(err) {
				return nil
			}
			return fmt.Errorf("read cmd header: %w", err)
		}
		cmd := binary.BigEndian.Uint32(hdr[0:4])

		switch cmd {
		case usbip.CmdSubmitCode:
			if err := s.handleCmdSubmit(ctx, hdr[:]); err != nil {
				return err
			}
		case usbip.CmdUnlinkCode:
			if err := s.handleCmdUnlink(hdr[:]); err != nil {
				return err
			}
		default:
			return &ProtocolError{Cause: fmt.Errorf("unexpected cmd 0x%08x in CMD_MODE", cmd)}
		}
	}
}

func (s *Session) handleCmdSubmit(ctx context.Context, full []byte) error {
	cmd, err := usbip.DecodeCmdSubmitHeader(full)
	if err != nil {
		return &ProtocolError{Cause: err}
	}

	var payload []byte
	if cmd.Basic.Dir == usbip.DirOut && cmd.TransferBufferLen > 0 {
		payload = make([]byte, cmd.TransferBufferLen)
		if err := readExactly(s.loggedConn(), payload); err != nil {
			return fmt.Errorf("read cmd_submit payload: %w", err)
		}
	}
	var isoPackets []usbip.IsoPacketDesc
	if cmd.IsISO() {
		isoBytes := make([]byte, cmd.NumberOfPackets*16)
		if err := readExactly(s.loggedConn(), isoBytes); err != nil {
			return fmt.Errorf("read iso packet descriptors: %w", err)
		}
		isoPackets, err = usbip.DecodeIsoPackets(isoBytes, cmd.NumberOfPackets)
		if err != nil {
			return &ProtocolError{Cause: err}
		}
	}

	u := &urb.Urb{
		Seqnum:         cmd.Basic.Seqnum,
		Direction:      urb.Direction(cmd.Basic.Dir),
		Endpoint:       uint8(cmd.Basic.Ep),
		Setup:          cmd.Setup,
		Buffer:         payload,
		TransferLength: cmd.TransferBufferLen,
		IsoPackets:     isoPackets,
		StartFrame:     cmd.StartFrame,
		Interval:       cmd.Interval,
		Flags:          cmd.TransferFlags,
	}
	if cmd.Basic.Ep == 0 {
		u.Type = urb.Control
	} else if cmd.IsISO() {
		u.Type = urb.Isochronous
	} else {
		u.Type = urb.Bulk
	}

	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()

	if cmd.Basic.Ep == 0 {
		if endpoint, dir, halt, ok := standardHaltRequest(cmd.Setup); ok {
			engine.SetHalt(endpoint, dir, halt)
		}
	}

	if err := engine.Submit(ctx, u); err != nil {
		// Submit-time failure: synthesize an immediate RET_SUBMIT ourselves,
		// the engine never registered this seqnum.
		return s.writeRetSubmit(urb.Completion{Seqnum: u.Seqnum, Status: -1})
	}
	return nil
}

// Standard control-request constants (USB 2.0 spec table 9-4/9-6), used only
// to recognize SET_FEATURE/CLEAR_FEATURE(ENDPOINT_HALT) on endpoint 0 so the
// engine's halt backpressure (spec §4.3) actually gets set and cleared.
const (
	stdRequestClearFeature   = 0x01
	stdRequestSetFeature     = 0x03
	featureEndpointHalt      = 0x0000
	requestRecipientMask     = 0x1f
	requestRecipientEndpoint = 0x02
)

// standardHaltRequest reports whether setup is a standard, endpoint-
// recipient SET_FEATURE or CLEAR_FEATURE(ENDPOINT_HALT) request, and if so,
// which endpoint and direction it targets. wValue/wIndex are little-endian
// within the setup packet, per the USB wire format the USB/IP envelope
// carries verbatim.
func standardHaltRequest(setup [8]byte) (endpoint uint8, dir urb.Direction, halt bool, ok bool) {
	bmRequestType := setup[0]
	bRequest := setup[1]
	if bmRequestType&requestRecipientMask != requestRecipientEndpoint {
		return 0, 0, false, false
	}
	switch bRequest {
	case stdRequestSetFeature:
		halt = true
	case stdRequestClearFeature:
		halt = false
	default:
		return 0, 0, false, false
	}
	featureSelector := uint16(setup[2]) | uint16(setup[3])<<8
	if featureSelector != featureEndpointHalt {
		return 0, 0, false, false
	}
	epAddr := setup[4]
	endpoint = epAddr & 0x0f
	dir = urb.DirOut
	if epAddr&0x80 != 0 {
		dir = urb.DirIn
	}
	return endpoint, dir, halt, true
}

func (s *Session) handleCmdUnlink(full []byte) error {
	cmd, err := usbip.DecodeCmdUnlink(full)
	if err != nil {
		return &ProtocolError{Cause: err}
	}

	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()

	result := engine.Unlink(cmd.UnlinkSeqnum)

	status := int32(0)
	switch result {
	case urb.NotFound:
		status = usbip.StatusNoDevice
	case urb.AlreadyCompleted:
		status = usbip.StatusConnReset
	}
	ret := usbip.RetUnlink{
		Basic:  usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: cmd.Basic.Seqnum},
		Status: status,
	}
	var buf bytes.Buffer
	if err := ret.Write(&buf); err != nil {
		return err
	}
	_, err = s.loggedConn().Write(buf.Bytes())
	return err
}

// runWriter drains engine completions in FIFO order and writes RET_SUBMIT
// frames — the writer task of the concurrency model.
func (s *Session) runWriter(ctx context.Context) error {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-engine.Completions():
			if !ok {
				return nil
			}
			if err := s.writeRetSubmit(c); err != nil {
				return err
			}
		}
	}
}

func (s *Session) writeRetSubmit(c urb.Completion) error {
	numberOfPackets := uint32(usbip.NonISO)
	if len(c.IsoPackets) > 0 {
		// The client reads number_of_packets off the header to know how many
		// 16-byte iso descriptors follow in the trailer; leaving this at
		// NonISO while still appending descriptors produces a malformed reply.
		numberOfPackets = uint32(len(c.IsoPackets))
	}
	ret := usbip.RetSubmit{
		Basic:           usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: c.Seqnum},
		Status:          c.Status,
		ActualLength:    c.ActualLength,
		StartFrame:      c.StartFrame,
		NumberOfPackets: numberOfPackets,
	}
	var buf bytes.Buffer
	if err := ret.Write(&buf); err != nil {
		return err
	}
	if len(c.Payload) > 0 {
		buf.Write(c.Payload)
	}
	if len(c.IsoPackets) > 0 {
		if err := usbip.EncodeIsoPackets(&buf, c.IsoPackets); err != nil {
			return err
		}
	}
	_, err := s.loggedConn().Write(buf.Bytes())
	return err
}

func (s *Session) setState(st state) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// teardown runs the full cancellation sequence from §5: reader exit (caller
// already returned), engine cancel_all, device handle close, filter
// removal, registry detach. It executes every step even if an earlier one
// errors.
func (s *Session) teardown() {
	s.mu.Lock()
	cancel := s.cancel
	engine := s.engine
	claimed := s.claimed
	busID := s.busID
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if engine != nil {
		engine.CancelAll()
	}
	_ = s.conn.Close()
	if claimed != nil {
		_ = claimed.Release()
	}
	if busID != "" {
		s.registry.MarkDetached(busID)
	}
}

func readExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

// isClientDisconnect reports whether err represents an ordinary client
// disconnect (EOF, reset, broken pipe) rather than a genuine I/O failure.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return false
}
