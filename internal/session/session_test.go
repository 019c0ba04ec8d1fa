package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmcmorran/usbipd-win/internal/device"
	"github.com/benmcmorran/usbipd-win/internal/driver"
	"github.com/benmcmorran/usbipd-win/internal/registry"
	"github.com/benmcmorran/usbipd-win/internal/urb"
	"github.com/benmcmorran/usbipd-win/usbip"
)

func testConfig(t *testing.T, devices []device.ExportedDevice, transport *urb.FakeTransport) (Config, *registry.Registry) {
	reg := registry.New([]byte("test-salt"))
	shim := driver.New(driver.NewFakeBackend())
	if transport == nil {
		transport = urb.NewFakeTransport()
	}
	cfg := Config{
		Enumerator: &device.FakeEnumerator{Devices: devices},
		Shim:       shim,
		Registry:   reg,
		Transport:  func(*driver.ClaimedDevice) urb.Transport { return transport },
	}
	return cfg, reg
}

func runSessionAsync(t *testing.T, srv net.Conn, cfg Config) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		s := New(srv, cfg)
		errCh <- s.Run(context.Background())
	}()
	return errCh
}

func writeDevlistRequest(t *testing.T, conn net.Conn) {
	t.Helper()
	hdr := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqDevlist, Status: 0}
	var buf bytes.Buffer
	require.NoError(t, hdr.Write(&buf))
	_, err := conn.Write(buf.Bytes())
	require.NoError(t, err)
}

func TestDevlistEmpty(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	cfg, _ := testConfig(t, nil, nil)
	errCh := runSessionAsync(t, srv, cfg)

	writeDevlistRequest(t, client)

	var hdr [8]byte
	_, err := client.Read(hdr[:])
	require.NoError(t, err)
	got, err := usbip.DecodeMgmtHeader(hdr[:])
	require.NoError(t, err)
	assert.Equal(t, uint16(usbip.OpRepDevlist), got.Command)

	var nDev [4]byte
	_, err = client.Read(nDev[:])
	require.NoError(t, err)
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(nDev[:]))

	require.NoError(t, <-errCh)
}

func TestDevlistWithSharedDevice(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	dev := device.ExportedDevice{BusID: "1-2", VendorID: 0x1234, ProductID: 0x5678, DeviceClass: 0x03, Speed: device.SpeedHigh}
	cfg, reg := testConfig(t, []device.ExportedDevice{dev}, nil)
	_, err := reg.Share("1-2", "Widget", dev.VendorID, dev.ProductID)
	require.NoError(t, err)

	errCh := runSessionAsync(t, srv, cfg)
	writeDevlistRequest(t, client)

	var hdr [8]byte
	_, err = client.Read(hdr[:])
	require.NoError(t, err)

	var nDev [4]byte
	_, err = client.Read(nDev[:])
	require.NoError(t, err)
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(nDev[:]))

	rec := make([]byte, 312)
	_, err = readFull(client, rec)
	require.NoError(t, err)
	got, err := usbip.DecodeExportedDeviceFixed(rec)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), got.IDVendor)
	assert.Equal(t, uint32(3), got.Speed)

	require.NoError(t, <-errCh)
}

func TestDevlistSkipsUnsharedDevices(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	dev := device.ExportedDevice{BusID: "1-2"}
	cfg, _ := testConfig(t, []device.ExportedDevice{dev}, nil)
	errCh := runSessionAsync(t, srv, cfg)
	writeDevlistRequest(t, client)

	var hdr [8]byte
	_, _ = client.Read(hdr[:])
	var nDev [4]byte
	_, err := client.Read(nDev[:])
	require.NoError(t, err)
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(nDev[:]))

	require.NoError(t, <-errCh)
}

func TestImportSuccessThenSubmitCompletes(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	dev := device.ExportedDevice{BusID: "1-2", VendorID: 0x1234, ProductID: 0x5678}
	transport := urb.NewFakeTransport()
	cfg, reg := testConfig(t, []device.ExportedDevice{dev}, transport)
	_, err := reg.Share("1-2", "Widget", dev.VendorID, dev.ProductID)
	require.NoError(t, err)

	errCh := runSessionAsync(t, srv, cfg)

	// OP_REQ_IMPORT
	var reqBuf bytes.Buffer
	hdr := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}
	require.NoError(t, hdr.Write(&reqBuf))
	var busID [32]byte
	usbip.PutBusID(&busID, "1-2")
	reqBuf.Write(busID[:])
	_, err = client.Write(reqBuf.Bytes())
	require.NoError(t, err)

	var replyHdr [8]byte
	_, err = readFull(client, replyHdr[:])
	require.NoError(t, err)
	gotHdr, err := usbip.DecodeMgmtHeader(replyHdr[:])
	require.NoError(t, err)
	assert.Equal(t, uint32(0), gotHdr.Status)

	rec := make([]byte, 312)
	_, err = readFull(client, rec)
	require.NoError(t, err)

	attachedRec, ok := reg.Lookup("1-2")
	require.True(t, ok)
	assert.NotEmpty(t, attachedRec.AttachedTo)

	// CMD_SUBMIT seqnum=1, ep=0, dir=IN
	submit := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 1, Dir: usbip.DirIn, Ep: 0},
		TransferBufferLen: 18,
		NumberOfPackets:   usbip.NonISO,
	}
	var submitBuf bytes.Buffer
	require.NoError(t, submit.Write(&submitBuf))
	_, err = client.Write(submitBuf.Bytes())
	require.NoError(t, err)

	// Drive the fake transport's completion from the test goroutine.
	go func() {
		time.Sleep(20 * time.Millisecond)
		transport.Complete(urb.Completion{Seqnum: 1, Status: 0, ActualLength: 18, Payload: make([]byte, 18)})
	}()

	retBuf := make([]byte, usbip.RetSubmitHeaderSize+18)
	_, err = readFull(client, retBuf)
	require.NoError(t, err)
	ret, err := usbip.DecodeRetSubmitHeader(retBuf[:usbip.RetSubmitHeaderSize])
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ret.Basic.Seqnum)
	assert.Equal(t, uint32(18), ret.ActualLength)

	// The IN request's transfer_buffer_length must reach the transport so it
	// can size the receive buffer; Buffer itself is empty for an IN submit.
	submitted := transport.Submitted(1)
	require.NotNil(t, submitted)
	assert.Equal(t, uint32(18), submitted.TransferLength)

	client.Close()
	<-errCh
}

func TestIsoCompletionSetsNumberOfPackets(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	dev := device.ExportedDevice{BusID: "1-2", VendorID: 0x1234, ProductID: 0x5678}
	transport := urb.NewFakeTransport()
	cfg, reg := testConfig(t, []device.ExportedDevice{dev}, transport)
	_, err := reg.Share("1-2", "Widget", dev.VendorID, dev.ProductID)
	require.NoError(t, err)

	errCh := runSessionAsync(t, srv, cfg)
	importDevice(t, client, "1-2")

	// CMD_SUBMIT seqnum=5, ep=1, dir=IN, 2 iso packets, non-ctrl so Type=Isochronous.
	// The submit frame itself carries the client's iso packet descriptors
	// (offset/length per packet) regardless of direction.
	submit := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 5, Dir: usbip.DirIn, Ep: 1},
		TransferBufferLen: 0,
		NumberOfPackets:   2,
	}
	var submitBuf bytes.Buffer
	require.NoError(t, submit.Write(&submitBuf))
	require.NoError(t, usbip.EncodeIsoPackets(&submitBuf, []usbip.IsoPacketDesc{{Length: 4}, {Offset: 4, Length: 4}}))
	_, err = client.Write(submitBuf.Bytes())
	require.NoError(t, err)

	isoPackets := []usbip.IsoPacketDesc{{Offset: 0, Length: 4, ActualLength: 4}, {Offset: 4, Length: 4, ActualLength: 4}}
	go func() {
		time.Sleep(20 * time.Millisecond)
		transport.Complete(urb.Completion{Seqnum: 5, Status: 0, IsoPackets: isoPackets})
	}()

	retHdr := make([]byte, usbip.RetSubmitHeaderSize)
	_, err = readFull(client, retHdr)
	require.NoError(t, err)
	ret, err := usbip.DecodeRetSubmitHeader(retHdr)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), ret.Basic.Seqnum)
	// Must reflect the real packet count, not usbip.NonISO, or the client
	// can't tell how many 16-byte descriptors follow in the trailer.
	assert.Equal(t, uint32(len(isoPackets)), ret.NumberOfPackets)

	trailer := make([]byte, len(isoPackets)*16)
	_, err = readFull(client, trailer)
	require.NoError(t, err)
	decoded, err := usbip.DecodeIsoPackets(trailer, ret.NumberOfPackets)
	require.NoError(t, err)
	assert.Len(t, decoded, len(isoPackets))

	client.Close()
	<-errCh
}

func TestSetFeatureEndpointHaltRefusesSubsequentSubmit(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	dev := device.ExportedDevice{BusID: "1-2", VendorID: 0x1234, ProductID: 0x5678}
	transport := urb.NewFakeTransport()
	cfg, reg := testConfig(t, []device.ExportedDevice{dev}, transport)
	_, err := reg.Share("1-2", "Widget", dev.VendorID, dev.ProductID)
	require.NoError(t, err)

	errCh := runSessionAsync(t, srv, cfg)
	importDevice(t, client, "1-2")

	// SET_FEATURE(ENDPOINT_HALT) targeting endpoint 1 IN: bmRequestType=0x02
	// (recipient=endpoint), bRequest=0x03 (SET_FEATURE), wValue=0 (HALT),
	// wIndex=0x81 (ep 1, IN).
	haltSetup := [8]byte{0x02, 0x03, 0x00, 0x00, 0x81, 0x00, 0x00, 0x00}
	setFeature := usbip.CmdSubmit{
		Basic:           usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 1, Dir: usbip.DirOut, Ep: 0},
		NumberOfPackets: usbip.NonISO,
		Setup:           haltSetup,
	}
	var buf bytes.Buffer
	require.NoError(t, setFeature.Write(&buf))
	_, err = client.Write(buf.Bytes())
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		transport.Complete(urb.Completion{Seqnum: 1, Status: 0})
	}()
	retHdr := make([]byte, usbip.RetSubmitHeaderSize)
	_, err = readFull(client, retHdr)
	require.NoError(t, err)

	// A subsequent submit on the now-halted endpoint must be refused
	// immediately with a synthesized error RET_SUBMIT, never reaching the
	// transport.
	submit := usbip.CmdSubmit{
		Basic:           usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 2, Dir: usbip.DirIn, Ep: 1},
		NumberOfPackets: usbip.NonISO,
	}
	buf.Reset()
	require.NoError(t, submit.Write(&buf))
	_, err = client.Write(buf.Bytes())
	require.NoError(t, err)

	retHdr2 := make([]byte, usbip.RetSubmitHeaderSize)
	_, err = readFull(client, retHdr2)
	require.NoError(t, err)
	ret2, err := usbip.DecodeRetSubmitHeader(retHdr2)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), ret2.Basic.Seqnum)
	assert.NotEqual(t, int32(0), ret2.Status)
	assert.Nil(t, transport.Submitted(2))

	client.Close()
	<-errCh
}

// importDevice drives OP_REQ_IMPORT to completion for busID and discards the
// reply, leaving client/srv ready for CMD_MODE traffic.
func importDevice(t *testing.T, client net.Conn, busID string) {
	t.Helper()
	var reqBuf bytes.Buffer
	hdr := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}
	require.NoError(t, hdr.Write(&reqBuf))
	var raw [32]byte
	usbip.PutBusID(&raw, busID)
	reqBuf.Write(raw[:])
	_, err := client.Write(reqBuf.Bytes())
	require.NoError(t, err)

	replyHdr := make([]byte, 8)
	_, err = readFull(client, replyHdr)
	require.NoError(t, err)
	rec := make([]byte, 312)
	_, err = readFull(client, rec)
	require.NoError(t, err)
}

func TestImportFailsForUnsharedDevice(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	dev := device.ExportedDevice{BusID: "1-2"}
	cfg, _ := testConfig(t, []device.ExportedDevice{dev}, nil)
	errCh := runSessionAsync(t, srv, cfg)

	var reqBuf bytes.Buffer
	hdr := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}
	require.NoError(t, hdr.Write(&reqBuf))
	var busID [32]byte
	usbip.PutBusID(&busID, "1-2")
	reqBuf.Write(busID[:])
	_, err := client.Write(reqBuf.Bytes())
	require.NoError(t, err)

	var replyHdr [8]byte
	_, err = readFull(client, replyHdr[:])
	require.NoError(t, err)
	gotHdr, err := usbip.DecodeMgmtHeader(replyHdr[:])
	require.NoError(t, err)
	assert.NotEqual(t, uint32(0), gotHdr.Status)

	require.Error(t, <-errCh)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
