//go:build windows

package driver

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Same driver family, IOCTL style, and GUID-literal construction as the
// filter discovery path: SetupDi* for the device interface path,
// DeviceIoControl for the control calls themselves.
var (
	setupapi = windows.NewLazySystemDLL("setupapi.dll")

	procSetupDiGetClassDevsW             = setupapi.NewProc("SetupDiGetClassDevsW")
	procSetupDiEnumDeviceInterfaces      = setupapi.NewProc("SetupDiEnumDeviceInterfaces")
	procSetupDiGetDeviceInterfaceDetailW = setupapi.NewProc("SetupDiGetDeviceInterfaceDetailW")
	procSetupDiDestroyDeviceInfoList     = setupapi.NewProc("SetupDiDestroyDeviceInfoList")
)

const (
	digcfPresent         = 0x00000002
	digcfDeviceInterface = 0x00000010
)

type spDeviceInterfaceData struct {
	CbSize             uint32
	InterfaceClassGUID windows.GUID
	Flags              uint32
	Reserved           uintptr
}

type spDeviceInterfaceDetailData struct {
	CbSize     uint32
	DevicePath [1]uint16
}

// Capture filter driver device interface GUID (usbip-win2 family).
var captureFilterGUID = windows.GUID{
	Data1: 0xB4030C06,
	Data2: 0xDC5F,
	Data3: 0x4FCC,
	Data4: [8]byte{0x87, 0xEB, 0xE5, 0x51, 0x5A, 0x09, 0x35, 0xC0},
}

const (
	fileDeviceUnknown = 0x00000022
	methodBuffered    = 0
	fileReadData      = 0x0001
	fileWriteData     = 0x0002

	ioctlGetVersion  = (fileDeviceUnknown << 16) | ((fileReadData | fileWriteData) << 14) | (0x801 << 2) | methodBuffered
	ioctlAddFilter   = (fileDeviceUnknown << 16) | ((fileReadData | fileWriteData) << 14) | (0x802 << 2) | methodBuffered
	ioctlRemoveFilter = (fileDeviceUnknown << 16) | ((fileReadData | fileWriteData) << 14) | (0x803 << 2) | methodBuffered
	ioctlRunFilters  = (fileDeviceUnknown << 16) | ((fileReadData | fileWriteData) << 14) | (0x804 << 2) | methodBuffered
	ioctlGetClaimed  = (fileDeviceUnknown << 16) | ((fileReadData | fileWriteData) << 14) | (0x805 << 2) | methodBuffered
	ioctlClaim       = (fileDeviceUnknown << 16) | ((fileReadData | fileWriteData) << 14) | (0x806 << 2) | methodBuffered
	ioctlRelease     = (fileDeviceUnknown << 16) | ((fileReadData | fileWriteData) << 14) | (0x807 << 2) | methodBuffered
)

type versionIOCTL struct {
	Major uint16
	Minor uint16
}

type filterSpecIOCTL struct {
	VendorID  uint16
	ProductID uint16
	BcdDevice uint16
	Class     uint8
	SubClass  uint8
	Protocol  uint8
	Port      uint32
}

type addFilterIOCTL struct {
	Spec     filterSpecIOCTL
	FilterID int32
	Rc       int32
}

type claimQueryIOCTL struct {
	BusNum uint32
	DevNum uint32
	Token  uint64
	Found  int32
}

type claimIOCTL struct {
	Token uint64
	Rc    int32
}

// WindowsBackend is the production driver backend, talking to the capture
// filter driver's device interface via DeviceIoControl.
type WindowsBackend struct{}

func NewWindowsBackend() *WindowsBackend { return &WindowsBackend{} }

func (b *WindowsBackend) open() (windows.Handle, error) {
	path, err := captureFilterDevicePath()
	if err != nil {
		return 0, err
	}
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	h, err := windows.CreateFile(pathPtr,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil, windows.OPEN_EXISTING, windows.FILE_ATTRIBUTE_NORMAL, 0)
	if err != nil {
		return 0, fmt.Errorf("open capture filter device: %w", err)
	}
	return h, nil
}

func (b *WindowsBackend) checkVersion() (Version, error) {
	h, err := b.open()
	if err != nil {
		return Version{}, err
	}
	defer windows.CloseHandle(h)

	var v versionIOCTL
	var returned uint32
	err = windows.DeviceIoControl(h, ioctlGetVersion, nil, 0,
		(*byte)(unsafe.Pointer(&v)), uint32(unsafe.Sizeof(v)), &returned, nil)
	if err != nil {
		return Version{}, err
	}
	return Version{Major: v.Major, Minor: v.Minor}, nil
}

func (b *WindowsBackend) addFilter(spec ClaimSpec) (int32, int32, error) {
	h, err := b.open()
	if err != nil {
		return 0, -1, err
	}
	defer windows.CloseHandle(h)

	in := addFilterIOCTL{Spec: filterSpecIOCTL{
		VendorID: spec.VendorID, ProductID: spec.ProductID, BcdDevice: spec.BcdDevice,
		Class: spec.Class, SubClass: spec.SubClass, Protocol: spec.Protocol, Port: spec.DevNum,
	}}
	var returned uint32
	err = windows.DeviceIoControl(h, ioctlAddFilter,
		(*byte)(unsafe.Pointer(&in)), uint32(unsafe.Sizeof(in)),
		(*byte)(unsafe.Pointer(&in)), uint32(unsafe.Sizeof(in)), &returned, nil)
	if err != nil {
		return 0, -1, err
	}
	return in.FilterID, in.Rc, nil
}

func (b *WindowsBackend) removeFilter(filterID int32) error {
	h, err := b.open()
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)

	in := filterID
	var returned uint32
	return windows.DeviceIoControl(h, ioctlRemoveFilter,
		(*byte)(unsafe.Pointer(&in)), uint32(unsafe.Sizeof(in)), nil, 0, &returned, nil)
}

func (b *WindowsBackend) runFilters() error {
	h, err := b.open()
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)

	var returned uint32
	return windows.DeviceIoControl(h, ioctlRunFilters, nil, 0, nil, 0, &returned, nil)
}

func (b *WindowsBackend) tryOpenClaimed(spec ClaimSpec) (Handle, bool, error) {
	h, err := b.open()
	if err != nil {
		return 0, false, err
	}
	defer windows.CloseHandle(h)

	in := claimQueryIOCTL{BusNum: spec.BusNum, DevNum: spec.DevNum}
	var returned uint32
	err = windows.DeviceIoControl(h, ioctlGetClaimed,
		(*byte)(unsafe.Pointer(&in)), uint32(unsafe.Sizeof(in)),
		(*byte)(unsafe.Pointer(&in)), uint32(unsafe.Sizeof(in)), &returned, nil)
	if err == windows.ERROR_FILE_NOT_FOUND {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if in.Found == 0 {
		return 0, false, nil
	}
	return Handle(in.Token), true, nil
}

func (b *WindowsBackend) claimToken(tok Handle) (int32, error) {
	h, err := b.open()
	if err != nil {
		return -1, err
	}
	defer windows.CloseHandle(h)

	in := claimIOCTL{Token: uint64(tok)}
	var returned uint32
	err = windows.DeviceIoControl(h, ioctlClaim,
		(*byte)(unsafe.Pointer(&in)), uint32(unsafe.Sizeof(in)),
		(*byte)(unsafe.Pointer(&in)), uint32(unsafe.Sizeof(in)), &returned, nil)
	if err != nil {
		return -1, err
	}
	return in.Rc, nil
}

func (b *WindowsBackend) releaseToken(tok Handle) error {
	h, err := b.open()
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)

	in := uint64(tok)
	var returned uint32
	return windows.DeviceIoControl(h, ioctlRelease,
		(*byte)(unsafe.Pointer(&in)), uint32(unsafe.Sizeof(in)), nil, 0, &returned, nil)
}

func captureFilterDevicePath() (string, error) {
	r0, _, e1 := syscall.SyscallN(procSetupDiGetClassDevsW.Addr(),
		uintptr(unsafe.Pointer(&captureFilterGUID)), 0, 0,
		uintptr(digcfPresent|digcfDeviceInterface))
	devInfo := windows.Handle(r0)
	if devInfo == windows.InvalidHandle {
		if e1 != 0 {
			return "", fmt.Errorf("SetupDiGetClassDevsW: %w", e1)
		}
		return "", fmt.Errorf("SetupDiGetClassDevsW returned an invalid handle")
	}
	defer func() {
		syscall.SyscallN(procSetupDiDestroyDeviceInfoList.Addr(), uintptr(devInfo))
	}()

	var ifaceData spDeviceInterfaceData
	ifaceData.CbSize = uint32(unsafe.Sizeof(ifaceData))
	r1, _, e2 := syscall.SyscallN(procSetupDiEnumDeviceInterfaces.Addr(),
		uintptr(devInfo), 0, uintptr(unsafe.Pointer(&captureFilterGUID)), 0,
		uintptr(unsafe.Pointer(&ifaceData)))
	if r1 == 0 {
		if e2 != 0 {
			return "", fmt.Errorf("capture filter driver not found: %w", e2)
		}
		return "", fmt.Errorf("capture filter driver not found")
	}

	var required uint32
	syscall.SyscallN(procSetupDiGetDeviceInterfaceDetailW.Addr(),
		uintptr(devInfo), uintptr(unsafe.Pointer(&ifaceData)), 0, 0,
		uintptr(unsafe.Pointer(&required)), 0)

	detail := make([]byte, required)
	header := (*spDeviceInterfaceDetailData)(unsafe.Pointer(&detail[0]))
	header.CbSize = uint32(unsafe.Sizeof(spDeviceInterfaceDetailData{}))

	r2, _, e3 := syscall.SyscallN(procSetupDiGetDeviceInterfaceDetailW.Addr(),
		uintptr(devInfo), uintptr(unsafe.Pointer(&ifaceData)),
		uintptr(unsafe.Pointer(header)), uintptr(required), 0, 0)
	if r2 == 0 {
		if e3 != 0 {
			return "", fmt.Errorf("SetupDiGetDeviceInterfaceDetailW: %w", e3)
		}
		return "", fmt.Errorf("SetupDiGetDeviceInterfaceDetailW failed")
	}

	return windows.UTF16PtrToString(&header.DevicePath[0]), nil
}
