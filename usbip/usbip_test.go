package usbip

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMgmtHeaderRoundTrip(t *testing.T) {
	h := MgmtHeader{Version: Version, Command: OpRepDevlist, Status: 0}
	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))
	assert.Equal(t, 8, buf.Len())

	got, err := DecodeMgmtHeader(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestExportedDeviceDevlistRoundTrip(t *testing.T) {
	d := ExportedDevice{
		BusNum:              1,
		DevNum:              2,
		Speed:               3,
		IDVendor:            0x1234,
		IDProduct:           0x5678,
		BcdDevice:           0x0100,
		BDeviceClass:        0x03,
		BDeviceSubClass:     0x01,
		BDeviceProtocol:     0x02,
		BConfigurationValue: 1,
		BNumConfigurations:  1,
		BNumInterfaces:      2,
		Interfaces: []InterfaceDesc{
			{Class: 3, SubClass: 1, Protocol: 2},
			{Class: 3, SubClass: 0, Protocol: 0},
		},
	}
	PutBusID(&d.BusID, "1-2")
	PutPath(&d.Path, "/sys/devices/pci0000:00/usb1/1-2")

	var buf bytes.Buffer
	require.NoError(t, d.WriteDevlist(&buf))
	// 312 fixed bytes + 4 bytes per interface.
	assert.Equal(t, 312+4*len(d.Interfaces), buf.Len())

	got, err := DecodeExportedDeviceFixed(buf.Bytes()[:exportedDeviceFixedSize])
	require.NoError(t, err)
	got.Interfaces = nil
	want := d
	want.Interfaces = nil
	assert.Equal(t, want, got)

	rest := buf.Bytes()[exportedDeviceFixedSize:]
	require.Len(t, rest, 4*len(d.Interfaces))
	for i := range d.Interfaces {
		var quad [4]byte
		copy(quad[:], rest[i*4:i*4+4])
		assert.Equal(t, d.Interfaces[i], DecodeInterfaceDesc(quad))
	}
}

func TestExportedDeviceImportHasNoInterfaceTrailer(t *testing.T) {
	d := ExportedDevice{BNumInterfaces: 3, Interfaces: []InterfaceDesc{{Class: 1}, {Class: 2}, {Class: 3}}}
	var buf bytes.Buffer
	require.NoError(t, d.WriteImport(&buf))
	assert.Equal(t, exportedDeviceFixedSize, buf.Len())
}

func TestCmdSubmitRoundTrip(t *testing.T) {
	c := CmdSubmit{
		Basic:             HeaderBasic{Command: CmdSubmitCode, Seqnum: 1, Devid: 0x00010002, Dir: DirIn, Ep: 0},
		TransferFlags:     0,
		TransferBufferLen: 18,
		NumberOfPackets:   NonISO,
		Setup:             [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00},
	}
	var buf bytes.Buffer
	require.NoError(t, c.Write(&buf))
	assert.Equal(t, CmdSubmitHeaderSize, buf.Len())

	got, err := DecodeCmdSubmitHeader(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, c, got)
	assert.False(t, got.IsISO())
}

func TestRetSubmitRoundTrip(t *testing.T) {
	r := RetSubmit{
		Basic:           HeaderBasic{Command: RetSubmitCode, Seqnum: 1},
		Status:          0,
		ActualLength:    18,
		NumberOfPackets: NonISO,
	}
	var buf bytes.Buffer
	require.NoError(t, r.Write(&buf))
	assert.Equal(t, RetSubmitHeaderSize, buf.Len())

	got, err := DecodeRetSubmitHeader(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestCmdUnlinkRoundTrip(t *testing.T) {
	c := CmdUnlink{Basic: HeaderBasic{Command: CmdUnlinkCode, Seqnum: 9}, UnlinkSeqnum: 7}
	var buf bytes.Buffer
	require.NoError(t, c.Write(&buf))
	assert.Equal(t, cmdUnlinkSize, buf.Len())

	got, err := DecodeCmdUnlink(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestRetUnlinkRoundTrip(t *testing.T) {
	r := RetUnlink{Basic: HeaderBasic{Command: RetUnlinkCode, Seqnum: 7}, Status: 0}
	var buf bytes.Buffer
	require.NoError(t, r.Write(&buf))
	assert.Equal(t, retUnlinkSize, buf.Len())

	got, err := DecodeRetUnlink(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestIsoPacketsRoundTrip(t *testing.T) {
	packets := []IsoPacketDesc{
		{Offset: 0, Length: 64, ActualLength: 64, Status: 0},
		{Offset: 64, Length: 64, ActualLength: 32, Status: 0},
	}
	var buf bytes.Buffer
	require.NoError(t, EncodeIsoPackets(&buf, packets))
	assert.Equal(t, len(packets)*isoPacketDescSize, buf.Len())

	got, err := DecodeIsoPackets(buf.Bytes(), uint32(len(packets)))
	require.NoError(t, err)
	assert.Equal(t, packets, got)
}

func TestDecodeIsoPacketsRejectsLengthMismatch(t *testing.T) {
	_, err := DecodeIsoPackets(make([]byte, 15), 1)
	require.Error(t, err)
	var mf *MalformedFrame
	assert.ErrorAs(t, err, &mf)
}

func TestDecodeImportRequestTrimsAtNUL(t *testing.T) {
	var raw [32]byte
	copy(raw[:], "1-2")
	r, err := DecodeImportRequest(raw[:])
	require.NoError(t, err)
	assert.Equal(t, "1-2", r.BusIDString())
}

func TestShortHeaderIsMalformed(t *testing.T) {
	_, err := DecodeMgmtHeader([]byte{0x01, 0x11})
	require.Error(t, err)
	var mf *MalformedFrame
	assert.ErrorAs(t, err, &mf)
}
