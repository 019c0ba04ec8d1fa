//go:build windows

package device

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	setupapi = windows.NewLazySystemDLL("setupapi.dll")

	procSetupDiGetClassDevsW             = setupapi.NewProc("SetupDiGetClassDevsW")
	procSetupDiEnumDeviceInfo            = setupapi.NewProc("SetupDiEnumDeviceInfo")
	procSetupDiGetDeviceInstanceIdW      = setupapi.NewProc("SetupDiGetDeviceInstanceIdW")
	procSetupDiGetDeviceRegistryPropertyW = setupapi.NewProc("SetupDiGetDeviceRegistryPropertyW")
	procSetupDiDestroyDeviceInfoList     = setupapi.NewProc("SetupDiDestroyDeviceInfoList")
)

const (
	digcfPresent     = 0x00000002
	digcfAllClasses  = 0x00000004
	digcfProfile     = 0x00000008

	sprdAddress            = 0x0000001C
	sprdBusNumber          = 0x00000015
	sprdFriendlyName       = 0x0000000C
	sprdDeviceDesc         = 0x00000000
	sprdHardwareID         = 0x00000001
	sprdLocationInformation = 0x0000000D
)

// GUID_DEVCLASS_USB from devguid.h. Restricting SetupDiGetClassDevsW to this
// class (rather than GUID_DEVINTERFACE_USB_DEVICE) is what surfaces hub
// upstream ports alongside function devices, matching the Enumerate contract.
var usbDeviceClassGUID = windows.GUID{
	Data1: 0x36FC9E60,
	Data2: 0xC465,
	Data3: 0x11CF,
	Data4: [8]byte{0x80, 0x56, 0x44, 0x45, 0x53, 0x54, 0x00, 0x00},
}

type spDevinfoData struct {
	CbSize    uint32
	ClassGUID windows.GUID
	DevInst   uint32
	Reserved  uintptr
}

var vidPidPattern = regexp.MustCompile(`VID_([0-9A-Fa-f]{4})&PID_([0-9A-Fa-f]{4})`)

// WindowsEnumerator enumerates USB devices via SetupDi* against
// GUID_DEVCLASS_USB, the same family of calls the filter shim's discovery
// path uses to locate its own device interface.
type WindowsEnumerator struct {
	Logger *slog.Logger
}

func NewWindowsEnumerator(logger *slog.Logger) *WindowsEnumerator {
	return &WindowsEnumerator{Logger: logger}
}

func (e *WindowsEnumerator) Enumerate(ctx context.Context) ([]ExportedDevice, error) {
	r0, _, callErr := syscall.SyscallN(procSetupDiGetClassDevsW.Addr(),
		uintptr(unsafe.Pointer(&usbDeviceClassGUID)),
		0,
		0,
		uintptr(digcfPresent))

	devInfo := windows.Handle(r0)
	if devInfo == windows.InvalidHandle {
		if callErr != 0 {
			return nil, &EnumerationFailed{Cause: fmt.Errorf("SetupDiGetClassDevsW: %w", callErr)}
		}
		return nil, &EnumerationFailed{Cause: fmt.Errorf("SetupDiGetClassDevsW returned an invalid handle")}
	}
	defer func() {
		syscall.SyscallN(procSetupDiDestroyDeviceInfoList.Addr(), uintptr(devInfo))
	}()

	var devices []ExportedDevice
	busNumbers := map[string]uint32{}
	nextBusNum := uint32(1)

	for index := uint32(0); ; index++ {
		if ctx.Err() != nil {
			return nil, &EnumerationFailed{Cause: ctx.Err()}
		}

		var info spDevinfoData
		info.CbSize = uint32(unsafe.Sizeof(info))
		r1, _, callErr := syscall.SyscallN(procSetupDiEnumDeviceInfo.Addr(),
			uintptr(devInfo),
			uintptr(index),
			uintptr(unsafe.Pointer(&info)))
		if r1 == 0 {
			if callErr == windows.ERROR_NO_MORE_ITEMS {
				break
			}
			// Transient per-index failures are treated like any other
			// per-device failure: skip and keep enumerating.
			logSkippedDevice(e.Logger, fmt.Sprintf("<index %d>", index), fmt.Errorf("SetupDiEnumDeviceInfo: %w", callErr))
			continue
		}

		dev, err := e.describeDevice(devInfo, &info, busNumbers, &nextBusNum)
		if err != nil {
			logSkippedDevice(e.Logger, fmt.Sprintf("<index %d>", index), err)
			continue
		}
		devices = append(devices, dev)
	}

	sortByBusID(devices)
	return devices, nil
}

func (e *WindowsEnumerator) describeDevice(devInfo windows.Handle, info *spDevinfoData, busNumbers map[string]uint32, nextBusNum *uint32) (ExportedDevice, error) {
	instanceID, err := deviceInstanceID(devInfo, info)
	if err != nil {
		return ExportedDevice{}, err
	}

	vendorID, productID, ok := parseVidPid(instanceID)
	if !ok {
		return ExportedDevice{}, fmt.Errorf("instance id %q has no VID/PID", instanceID)
	}

	locationInfo, _ := deviceRegistryPropertyString(devInfo, info, sprdLocationInformation)
	port := portFromLocationInfo(locationInfo)

	busKey := parentBusKey(instanceID, locationInfo)
	busNum, ok := busNumbers[busKey]
	if !ok {
		busNum = *nextBusNum
		busNumbers[busKey] = busNum
		*nextBusNum++
	}

	friendlyName, _ := deviceRegistryPropertyString(devInfo, info, sprdFriendlyName)
	if friendlyName == "" {
		friendlyName, _ = deviceRegistryPropertyString(devInfo, info, sprdDeviceDesc)
	}

	dev := ExportedDevice{
		BusID:     BusPortBusID(busNum, port),
		Path:      instanceID,
		BusNum:    busNum,
		DevNum:    port,
		Speed:     SpeedUnknown,
		VendorID:  vendorID,
		ProductID: productID,
	}
	_ = friendlyName // available for a future friendly-name wire extension; not part of the 312-byte record
	return dev, nil
}

func deviceInstanceID(devInfo windows.Handle, info *spDevinfoData) (string, error) {
	var required uint32
	syscall.SyscallN(procSetupDiGetDeviceInstanceIdW.Addr(),
		uintptr(devInfo),
		uintptr(unsafe.Pointer(info)),
		0,
		0,
		uintptr(unsafe.Pointer(&required)))
	if required == 0 {
		return "", fmt.Errorf("SetupDiGetDeviceInstanceIdW: zero-length instance id")
	}

	buf := make([]uint16, required)
	r, _, callErr := syscall.SyscallN(procSetupDiGetDeviceInstanceIdW.Addr(),
		uintptr(devInfo),
		uintptr(unsafe.Pointer(info)),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(required),
		0)
	if r == 0 {
		return "", fmt.Errorf("SetupDiGetDeviceInstanceIdW: %w", callErr)
	}
	return windows.UTF16ToString(buf), nil
}

func deviceRegistryPropertyString(devInfo windows.Handle, info *spDevinfoData, property uint32) (string, error) {
	var required uint32
	syscall.SyscallN(procSetupDiGetDeviceRegistryPropertyW.Addr(),
		uintptr(devInfo),
		uintptr(unsafe.Pointer(info)),
		uintptr(property),
		0, 0, 0,
		uintptr(unsafe.Pointer(&required)))
	if required == 0 {
		return "", fmt.Errorf("property %d not present", property)
	}

	buf := make([]uint16, required/2+1)
	r, _, callErr := syscall.SyscallN(procSetupDiGetDeviceRegistryPropertyW.Addr(),
		uintptr(devInfo),
		uintptr(unsafe.Pointer(info)),
		uintptr(property),
		0,
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)*2),
		0)
	if r == 0 {
		return "", fmt.Errorf("SetupDiGetDeviceRegistryPropertyW(%d): %w", property, callErr)
	}
	return windows.UTF16ToString(buf), nil
}

func parseVidPid(instanceID string) (vendor, product uint16, ok bool) {
	m := vidPidPattern.FindStringSubmatch(instanceID)
	if m == nil {
		return 0, 0, false
	}
	v, err1 := strconv.ParseUint(m[1], 16, 16)
	p, err2 := strconv.ParseUint(m[2], 16, 16)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return uint16(v), uint16(p), true
}

var locationPortPattern = regexp.MustCompile(`Port_#(\d+)`)

func portFromLocationInfo(locationInfo string) uint32 {
	m := locationPortPattern.FindStringSubmatch(locationInfo)
	if m == nil {
		return 0
	}
	port, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0
	}
	return uint32(port)
}

var hubPattern = regexp.MustCompile(`Hub_#(\d+)`)

// parentBusKey groups devices sharing the same upstream hub into one bus
// number. Devices whose location string lacks a recognizable hub are bucketed
// by their own instance id, which still yields a stable (if singleton) bus.
func parentBusKey(instanceID, locationInfo string) string {
	if m := hubPattern.FindStringSubmatch(locationInfo); m != nil {
		return "hub:" + m[1]
	}
	return "dev:" + instanceID
}
