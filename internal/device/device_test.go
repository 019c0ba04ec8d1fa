package device

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevidPacksBusAndDevNum(t *testing.T) {
	d := ExportedDevice{BusNum: 2, DevNum: 5}
	assert.Equal(t, uint32(2<<16|5), d.Devid())
}

func TestToWireRoundTripsInterfaces(t *testing.T) {
	d := ExportedDevice{
		BusID:     "1-2",
		Path:      `\\?\usb#vid_1234`,
		VendorID:  0x1234,
		ProductID: 0x5678,
		Interfaces: []InterfaceDescriptor{
			{Class: 3, SubClass: 1, Protocol: 2},
		},
	}
	w := d.ToWire()
	require.Len(t, w.Interfaces, 1)
	assert.Equal(t, uint8(3), w.Interfaces[0].Class)
	assert.Equal(t, uint16(0x1234), w.IDVendor)
}

func TestBusPortBusIDTruncatesPathologicalInput(t *testing.T) {
	id := BusPortBusID(^uint32(0), ^uint32(0))
	assert.LessOrEqual(t, len(id), 31)
}

func TestSpeedString(t *testing.T) {
	assert.Equal(t, "high", SpeedHigh.String())
	assert.Equal(t, "unknown", Speed(99).String())
}

func TestFakeEnumeratorOrdersByBusID(t *testing.T) {
	fe := &FakeEnumerator{Devices: []ExportedDevice{
		{BusID: "2-1"},
		{BusID: "1-1"},
	}}
	got, err := fe.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1-1", got[0].BusID)
	assert.Equal(t, "2-1", got[1].BusID)
}

func TestFakeEnumeratorPropagatesError(t *testing.T) {
	wantErr := errors.New("boom")
	fe := &FakeEnumerator{Err: wantErr}
	_, err := fe.Enumerate(context.Background())
	assert.ErrorIs(t, err, wantErr)
}

func TestEnumerationFailedUnwraps(t *testing.T) {
	cause := errors.New("access denied")
	err := &EnumerationFailed{Cause: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "access denied")
}
