// Package usbip implements the USB/IP wire protocol: big-endian, fixed-width
// management (OP_*) and command (CMD_*/RET_*) messages. Every struct here
// mirrors a byte layout from the USB/IP kernel documentation; Encode/Decode
// pairs are meant to round-trip exactly.
package usbip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Wire constants (network byte order / big-endian).
const (
	Version = 0x0111

	// Management commands.
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	// URB transfer commands.
	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	// Directions used in usbip_header_basic.direction.
	DirOut = 0x00000000
	DirIn  = 0x00000001

	// NumberOfPackets sentinel meaning "not an isochronous transfer".
	NonISO = 0xFFFFFFFF

	// -ECONNRESET, used as RET_UNLINK status when the submit had already
	// completed and could not be cancelled (a cancelled submit replies 0).
	StatusConnReset = -104
	// -ENODEV, used as RET_UNLINK status when the seqnum is unknown.
	StatusNoDevice = -19
)

// MalformedFrame is returned by decoders when a frame violates a structural
// invariant (short read already excluded; this is for internal inconsistency
// such as a packet-count/body-length mismatch).
type MalformedFrame struct {
	Reason string
}

func (e *MalformedFrame) Error() string { return "usbip: malformed frame: " + e.Reason }

func malformed(format string, args ...any) error {
	return &MalformedFrame{Reason: fmt.Sprintf(format, args...)}
}

// ReadExactly fills buf completely or returns the first read error
// encountered (including io.EOF on a clean zero-byte close).
func ReadExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

// --- OP (management) messages -------------------------------------------

// MgmtHeader is the 8-byte header shared by every OP_* exchange.
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

const mgmtHeaderSize = 8

func (h *MgmtHeader) Write(w io.Writer) error {
	var buf [mgmtHeaderSize]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	_, err := w.Write(buf[:])
	return err
}

// DecodeMgmtHeader parses a peeked 8-byte OP header.
func DecodeMgmtHeader(buf []byte) (MgmtHeader, error) {
	if len(buf) < mgmtHeaderSize {
		return MgmtHeader{}, malformed("short OP header: %d bytes", len(buf))
	}
	return MgmtHeader{
		Version: binary.BigEndian.Uint16(buf[0:2]),
		Command: binary.BigEndian.Uint16(buf[2:4]),
		Status:  binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// DevListReplyHeader follows MgmtHeader in an OP_REP_DEVLIST reply.
type DevListReplyHeader struct {
	NDevices uint32
}

func (d *DevListReplyHeader) Write(w io.Writer) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[0:4], d.NDevices)
	_, err := w.Write(buf[:])
	return err
}

func DecodeDevListReplyHeader(buf []byte) (DevListReplyHeader, error) {
	if len(buf) < 4 {
		return DevListReplyHeader{}, malformed("short devlist reply header")
	}
	return DevListReplyHeader{NDevices: binary.BigEndian.Uint32(buf[0:4])}, nil
}

// ImportRequest is the OP_REQ_IMPORT body: a NUL-padded bus id.
type ImportRequest struct {
	BusID [32]byte
}

// BusIDString returns the bus id as a Go string, trimmed at the first NUL.
func (r *ImportRequest) BusIDString() string {
	if i := bytes.IndexByte(r.BusID[:], 0); i >= 0 {
		return string(r.BusID[:i])
	}
	return string(r.BusID[:])
}

func DecodeImportRequest(buf []byte) (ImportRequest, error) {
	var r ImportRequest
	if len(buf) < len(r.BusID) {
		return r, malformed("short import request")
	}
	copy(r.BusID[:], buf)
	return r, nil
}

// InterfaceDesc is the 4-byte (class, subclass, protocol, pad) triple that
// follows each device record in an OP_REP_DEVLIST reply.
type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

// ExportedDevice is the 312-byte device record shared by OP_REP_DEVLIST (with
// trailing interface triples) and OP_REP_IMPORT (without them).
type ExportedDevice struct {
	Path      [256]byte
	BusID     [32]byte
	BusNum    uint32
	DevNum    uint32
	Speed     uint32
	IDVendor  uint16
	IDProduct uint16

	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	Interfaces []InterfaceDesc
}

const exportedDeviceFixedSize = 256 + 32 + 4 + 4 + 4 + 2 + 2 + 2 + 1 + 1 + 1 + 1 + 1 + 1

func putFixedString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func (d *ExportedDevice) writeFixed(w io.Writer) error {
	var buf bytes.Buffer
	buf.Grow(exportedDeviceFixedSize)
	buf.Write(d.Path[:])
	buf.Write(d.BusID[:])
	_ = binary.Write(&buf, binary.BigEndian, d.BusNum)
	_ = binary.Write(&buf, binary.BigEndian, d.DevNum)
	_ = binary.Write(&buf, binary.BigEndian, d.Speed)
	_ = binary.Write(&buf, binary.BigEndian, d.IDVendor)
	_ = binary.Write(&buf, binary.BigEndian, d.IDProduct)
	_ = binary.Write(&buf, binary.BigEndian, d.BcdDevice)
	buf.Write([]byte{
		d.BDeviceClass,
		d.BDeviceSubClass,
		d.BDeviceProtocol,
		d.BConfigurationValue,
		d.BNumConfigurations,
		d.BNumInterfaces,
	})
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteDevlist writes the device entry for OP_REP_DEVLIST, including the
// per-interface (class, subclass, protocol, pad) triples.
func (d *ExportedDevice) WriteDevlist(w io.Writer) error {
	if err := d.writeFixed(w); err != nil {
		return err
	}
	for _, iface := range d.Interfaces {
		if _, err := w.Write([]byte{iface.Class, iface.SubClass, iface.Protocol, 0}); err != nil {
			return err
		}
	}
	return nil
}

// WriteImport writes the device entry for OP_REP_IMPORT: the fixed record
// only, with no trailing interface descriptors.
func (d *ExportedDevice) WriteImport(w io.Writer) error {
	return d.writeFixed(w)
}

// DecodeExportedDeviceFixed parses the 312-byte fixed portion of a device
// record. Callers that expect interface triples (devlist) must read and
// decode them separately using DecodeInterfaceDesc, one per interface.
func DecodeExportedDeviceFixed(buf []byte) (ExportedDevice, error) {
	var d ExportedDevice
	if len(buf) < exportedDeviceFixedSize {
		return d, malformed("short device record: %d bytes", len(buf))
	}
	off := 0
	copy(d.Path[:], buf[off:off+256])
	off += 256
	copy(d.BusID[:], buf[off:off+32])
	off += 32
	d.BusNum = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	d.DevNum = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	d.Speed = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	d.IDVendor = binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	d.IDProduct = binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	d.BcdDevice = binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	d.BDeviceClass = buf[off]
	d.BDeviceSubClass = buf[off+1]
	d.BDeviceProtocol = buf[off+2]
	d.BConfigurationValue = buf[off+3]
	d.BNumConfigurations = buf[off+4]
	d.BNumInterfaces = buf[off+5]
	return d, nil
}

func DecodeInterfaceDesc(buf [4]byte) InterfaceDesc {
	return InterfaceDesc{Class: buf[0], SubClass: buf[1], Protocol: buf[2]}
}

// --- CMD/RET (URB) messages ------------------------------------------------

// HeaderBasic is common to all URB commands and replies.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

const headerBasicSize = 20

func (h *HeaderBasic) write(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Seqnum)
	binary.BigEndian.PutUint32(buf[8:12], h.Devid)
	binary.BigEndian.PutUint32(buf[12:16], h.Dir)
	binary.BigEndian.PutUint32(buf[16:20], h.Ep)
}

func decodeHeaderBasic(buf []byte) HeaderBasic {
	return HeaderBasic{
		Command: binary.BigEndian.Uint32(buf[0:4]),
		Seqnum:  binary.BigEndian.Uint32(buf[4:8]),
		Devid:   binary.BigEndian.Uint32(buf[8:12]),
		Dir:     binary.BigEndian.Uint32(buf[12:16]),
		Ep:      binary.BigEndian.Uint32(buf[16:20]),
	}
}

// IsoPacketDesc is one 16-byte isochronous packet descriptor, carried in the
// CMD_SUBMIT/RET_SUBMIT trailer for iso transfers.
type IsoPacketDesc struct {
	Offset       uint32
	Length       uint32
	ActualLength uint32
	Status       int32
}

const isoPacketDescSize = 16

func (p *IsoPacketDesc) write(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], p.Offset)
	binary.BigEndian.PutUint32(buf[4:8], p.Length)
	binary.BigEndian.PutUint32(buf[8:12], p.ActualLength)
	binary.BigEndian.PutUint32(buf[12:16], uint32(p.Status))
}

func decodeIsoPacketDesc(buf []byte) IsoPacketDesc {
	return IsoPacketDesc{
		Offset:       binary.BigEndian.Uint32(buf[0:4]),
		Length:       binary.BigEndian.Uint32(buf[4:8]),
		ActualLength: binary.BigEndian.Uint32(buf[8:12]),
		Status:       int32(binary.BigEndian.Uint32(buf[12:16])),
	}
}

// EncodeIsoPackets serializes a slice of iso packet descriptors.
func EncodeIsoPackets(w io.Writer, packets []IsoPacketDesc) error {
	buf := make([]byte, isoPacketDescSize)
	for i := range packets {
		packets[i].write(buf)
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// DecodeIsoPackets parses n iso packet descriptors, validating that exactly
// n*16 bytes are present.
func DecodeIsoPackets(buf []byte, n uint32) ([]IsoPacketDesc, error) {
	want := int(n) * isoPacketDescSize
	if len(buf) != want {
		return nil, malformed("iso packet trailer: want %d bytes for %d packets, got %d", want, n, len(buf))
	}
	out := make([]IsoPacketDesc, n)
	for i := 0; i < int(n); i++ {
		out[i] = decodeIsoPacketDesc(buf[i*isoPacketDescSize : (i+1)*isoPacketDescSize])
	}
	return out, nil
}

// CmdSubmitHeaderSize is the fixed 48-byte header length of USBIP_CMD_SUBMIT,
// before any OUT payload or iso packet descriptors.
const CmdSubmitHeaderSize = 48

// CmdSubmit is USBIP_CMD_SUBMIT: header then transfer parameters and the
// 8-byte control setup packet (zero for non-control transfers).
type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [8]byte
}

func (c *CmdSubmit) Write(w io.Writer) error {
	var buf [CmdSubmitHeaderSize]byte
	c.Basic.write(buf[:headerBasicSize])
	off := headerBasicSize
	binary.BigEndian.PutUint32(buf[off:off+4], c.TransferFlags)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], c.TransferBufferLen)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], c.StartFrame)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], c.NumberOfPackets)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], c.Interval)
	off += 4
	copy(buf[off:off+8], c.Setup[:])
	_, err := w.Write(buf[:])
	return err
}

// DecodeCmdSubmitHeader parses the fixed 48-byte CMD_SUBMIT header. The
// caller is responsible for reading TransferBufferLen OUT-payload bytes (for
// DirOut) and NumberOfPackets*16 iso descriptor bytes (when NumberOfPackets
// != NonISO) immediately afterward.
func DecodeCmdSubmitHeader(buf []byte) (CmdSubmit, error) {
	if len(buf) < CmdSubmitHeaderSize {
		return CmdSubmit{}, malformed("short CMD_SUBMIT header: %d bytes", len(buf))
	}
	var c CmdSubmit
	c.Basic = decodeHeaderBasic(buf[0:headerBasicSize])
	off := headerBasicSize
	c.TransferFlags = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	c.TransferBufferLen = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	c.StartFrame = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	c.NumberOfPackets = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	c.Interval = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	copy(c.Setup[:], buf[off:off+8])
	return c, nil
}

// IsISO reports whether this submit describes an isochronous transfer.
func (c *CmdSubmit) IsISO() bool { return c.NumberOfPackets != NonISO }

// RetSubmitHeaderSize is the fixed 48-byte header length of USBIP_RET_SUBMIT.
const RetSubmitHeaderSize = 48

// RetSubmit is USBIP_RET_SUBMIT: header then transfer completion status.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
}

func (r *RetSubmit) Write(w io.Writer) error {
	var buf [RetSubmitHeaderSize]byte
	r.Basic.write(buf[:headerBasicSize])
	off := headerBasicSize
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(r.Status))
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], r.ActualLength)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], r.StartFrame)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], r.NumberOfPackets)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], r.ErrorCount)
	_, err := w.Write(buf[:])
	return err
}

func DecodeRetSubmitHeader(buf []byte) (RetSubmit, error) {
	if len(buf) < RetSubmitHeaderSize {
		return RetSubmit{}, malformed("short RET_SUBMIT header: %d bytes", len(buf))
	}
	var r RetSubmit
	r.Basic = decodeHeaderBasic(buf[0:headerBasicSize])
	off := headerBasicSize
	r.Status = int32(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4
	r.ActualLength = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	r.StartFrame = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	r.NumberOfPackets = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	r.ErrorCount = binary.BigEndian.Uint32(buf[off : off+4])
	return r, nil
}

// CmdUnlink is USBIP_CMD_UNLINK: header then the seqnum being cancelled.
type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
}

const cmdUnlinkSize = headerBasicSize + 4 + 24

func (c *CmdUnlink) Write(w io.Writer) error {
	var buf [cmdUnlinkSize]byte
	c.Basic.write(buf[:headerBasicSize])
	binary.BigEndian.PutUint32(buf[headerBasicSize:headerBasicSize+4], c.UnlinkSeqnum)
	_, err := w.Write(buf[:])
	return err
}

func DecodeCmdUnlink(buf []byte) (CmdUnlink, error) {
	if len(buf) < cmdUnlinkSize {
		return CmdUnlink{}, malformed("short CMD_UNLINK: %d bytes", len(buf))
	}
	var c CmdUnlink
	c.Basic = decodeHeaderBasic(buf[0:headerBasicSize])
	c.UnlinkSeqnum = binary.BigEndian.Uint32(buf[headerBasicSize : headerBasicSize+4])
	return c, nil
}

// RetUnlink is USBIP_RET_UNLINK: header then status (0 if cancelled, a
// negative errno-style code otherwise).
type RetUnlink struct {
	Basic  HeaderBasic
	Status int32
}

const retUnlinkSize = headerBasicSize + 4 + 24

func (r *RetUnlink) Write(w io.Writer) error {
	var buf [retUnlinkSize]byte
	r.Basic.write(buf[:headerBasicSize])
	binary.BigEndian.PutUint32(buf[headerBasicSize:headerBasicSize+4], uint32(r.Status))
	_, err := w.Write(buf[:])
	return err
}

func DecodeRetUnlink(buf []byte) (RetUnlink, error) {
	if len(buf) < retUnlinkSize {
		return RetUnlink{}, malformed("short RET_UNLINK: %d bytes", len(buf))
	}
	var r RetUnlink
	r.Basic = decodeHeaderBasic(buf[0:headerBasicSize])
	r.Status = int32(binary.BigEndian.Uint32(buf[headerBasicSize : headerBasicSize+4]))
	return r, nil
}

// PeekCommand reads the 4-byte command discriminator shared by CMD_SUBMIT
// and CMD_UNLINK without consuming the rest of the header.
func PeekCommand(buf [4]byte) uint32 {
	return binary.BigEndian.Uint32(buf[:])
}

// PutBusID writes a bus id string into a fixed 32-byte wire field.
func PutBusID(dst *[32]byte, busID string) { putFixedString(dst[:], busID) }

// PutPath writes a host path string into a fixed 256-byte wire field.
func PutPath(dst *[256]byte, path string) { putFixedString(dst[:], path) }
