// Package device holds the host-side USB device model: the immutable
// snapshot produced by enumeration (C1) and the speed/identity fields the
// rest of the attach pipeline (filter shim, URB engine, session) key off of.
package device

import (
	"fmt"

	"github.com/benmcmorran/usbipd-win/usbip"
)

// Speed is the USB/IP wire speed code for a device.
type Speed uint32

const (
	SpeedUnknown Speed = 0
	SpeedLow     Speed = 1
	SpeedFull    Speed = 2
	SpeedHigh    Speed = 3
	SpeedSuper   Speed = 5
)

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	case SpeedSuper:
		return "super"
	default:
		return "unknown"
	}
}

// InterfaceDescriptor is the (class, subclass, protocol) triple for one
// interface of the device's active configuration.
type InterfaceDescriptor struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

// ExportedDevice is an immutable snapshot of a host USB device as produced by
// Enumerate. BusID has the wire form "<hub>-<port>"; Path is a host-internal
// handle path that is never sent on the wire.
type ExportedDevice struct {
	BusID string
	Path  string

	BusNum uint32
	DevNum uint32

	Speed Speed

	VendorID  uint16
	ProductID uint16
	BcdDevice uint16

	DeviceClass uint8
	SubClass    uint8
	Protocol    uint8

	ConfigurationValue uint8
	NumConfigurations  uint8
	NumInterfaces      uint8

	Interfaces []InterfaceDescriptor
}

// Devid packs BusNum/DevNum the way USB/IP does: (busnum<<16)|devnum.
func (d *ExportedDevice) Devid() uint32 {
	return (d.BusNum << 16) | d.DevNum
}

// ToWire converts the domain snapshot into the wire record used by the
// OP_REP_DEVLIST/OP_REP_IMPORT codec in package usbip.
func (d *ExportedDevice) ToWire() usbip.ExportedDevice {
	var w usbip.ExportedDevice
	usbip.PutPath(&w.Path, d.Path)
	usbip.PutBusID(&w.BusID, d.BusID)
	w.BusNum = d.BusNum
	w.DevNum = d.DevNum
	w.Speed = uint32(d.Speed)
	w.IDVendor = d.VendorID
	w.IDProduct = d.ProductID
	w.BcdDevice = d.BcdDevice
	w.BDeviceClass = d.DeviceClass
	w.BDeviceSubClass = d.SubClass
	w.BDeviceProtocol = d.Protocol
	w.BConfigurationValue = d.ConfigurationValue
	w.BNumConfigurations = d.NumConfigurations
	w.BNumInterfaces = d.NumInterfaces
	for _, iface := range d.Interfaces {
		w.Interfaces = append(w.Interfaces, usbip.InterfaceDesc{
			Class:    iface.Class,
			SubClass: iface.SubClass,
			Protocol: iface.Protocol,
		})
	}
	return w
}

// BusPortBusID formats the canonical "<hub>-<port>" bus id form, truncated to
// fit the 31-usable-byte (32 with NUL) wire field if a pathological topology
// ever produces a longer string.
func BusPortBusID(hub, port uint32) string {
	id := fmt.Sprintf("%d-%d", hub, port)
	if len(id) > 31 {
		id = id[:31]
	}
	return id
}
