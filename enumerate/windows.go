//go:build windows

package enumerate

import (
	"fmt"
	"strings"
	"syscall"
	"unsafe"

	"github.com/efficientgo/core/errors"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

// Windows DLL bindings, following the SetupAPI enumeration idiom used by
// printer/USB device discovery code on this platform: walk a device
// interface class GUID with SetupDiGetClassDevs/SetupDiEnumDeviceInterfaces,
// then pull descriptor fields out of the registry for each match.
var (
	setupapi = windows.NewLazySystemDLL("setupapi.dll")

	procSetupDiGetClassDevsW             = setupapi.NewProc("SetupDiGetClassDevsW")
	procSetupDiEnumDeviceInterfaces       = setupapi.NewProc("SetupDiEnumDeviceInterfaces")
	procSetupDiGetDeviceInterfaceDetailW = setupapi.NewProc("SetupDiGetDeviceInterfaceDetailW")
	procSetupDiDestroyDeviceInfoList      = setupapi.NewProc("SetupDiDestroyDeviceInfoList")
)

const (
	digcfPresent         = 0x00000002
	digcfDeviceInterface = 0x00000010
	invalidHandleValue   = ^uintptr(0)
)

// guidDevInterfaceUSBDevice is the device-interface class for plain USB
// devices; guidDevInterfaceUSBHub is the equivalent for hub ports, which
// enumerate() also walks to find devices hanging off internal hubs.
var (
	guidDevInterfaceUSBDevice = windows.GUID{
		Data1: 0xA5DCBF10, Data2: 0x6530, Data3: 0x11D2,
		Data4: [8]byte{0x90, 0x1F, 0x00, 0xC0, 0x4F, 0xB9, 0x51, 0xED},
	}
	guidDevInterfaceUSBHub = windows.GUID{
		Data1: 0xF18A0E88, Data2: 0xC30C, Data3: 0x11D0,
		Data4: [8]byte{0x88, 0x15, 0x00, 0xA0, 0xC9, 0x06, 0xBE, 0xD8},
	}
)

type spDeviceInterfaceData struct {
	Size     uint32
	GUID     windows.GUID
	Flags    uint32
	Reserved uintptr
}

type windowsEnumerator struct {
	logger Logger
}

// NewWindowsEnumerator returns the SetupAPI-backed Enumerator used in production.
func NewWindowsEnumerator(logger Logger) Enumerator {
	if logger == nil {
		logger = nopLogger{}
	}
	return &windowsEnumerator{logger: logger}
}

func (e *windowsEnumerator) Enumerate() ([]Device, error) {
	var devices []Device
	for _, class := range [...]windows.GUID{guidDevInterfaceUSBDevice, guidDevInterfaceUSBHub} {
		found, err := e.enumerateClass(class)
		if err != nil {
			return nil, errors.Wrap(err, "failed to enumerate device interface class")
		}
		devices = append(devices, found...)
	}
	ByBusID(devices)
	return devices, nil
}

func (e *windowsEnumerator) enumerateClass(class windows.GUID) ([]Device, error) {
	hDevInfo, _, callErr := procSetupDiGetClassDevsW.Call(
		uintptr(unsafe.Pointer(&class)),
		0, 0,
		digcfPresent|digcfDeviceInterface,
	)
	if hDevInfo == invalidHandleValue {
		return nil, errors.Wrapf(ErrEnumerationFailed, "SetupDiGetClassDevs: %v", callErr)
	}
	defer procSetupDiDestroyDeviceInfoList.Call(hDevInfo)

	var devices []Device
	for index := uint32(0); ; index++ {
		var ifaceData spDeviceInterfaceData
		ifaceData.Size = uint32(unsafe.Sizeof(ifaceData))

		ret, _, _ := procSetupDiEnumDeviceInterfaces.Call(
			hDevInfo, 0,
			uintptr(unsafe.Pointer(&class)),
			uintptr(index),
			uintptr(unsafe.Pointer(&ifaceData)),
		)
		if ret == 0 {
			break // ERROR_NO_MORE_ITEMS
		}

		path := e.deviceInterfaceDetail(hDevInfo, &ifaceData)
		if path == "" {
			continue
		}

		dev, err := e.describe(path)
		if err != nil {
			e.logger.Warn("skipping device that failed to describe", "path", path, "err", err)
			continue
		}
		devices = append(devices, *dev)
	}
	return devices, nil
}

func (e *windowsEnumerator) deviceInterfaceDetail(hDevInfo uintptr, ifaceData *spDeviceInterfaceData) string {
	var requiredSize uint32
	procSetupDiGetDeviceInterfaceDetailW.Call(
		hDevInfo, uintptr(unsafe.Pointer(ifaceData)), 0, 0,
		uintptr(unsafe.Pointer(&requiredSize)), 0,
	)
	if requiredSize == 0 {
		return ""
	}

	buf := make([]byte, requiredSize)
	if unsafe.Sizeof(uintptr(0)) == 8 {
		*(*uint32)(unsafe.Pointer(&buf[0])) = 8
	} else {
		*(*uint32)(unsafe.Pointer(&buf[0])) = 6
	}
	ret, _, _ := procSetupDiGetDeviceInterfaceDetailW.Call(
		hDevInfo, uintptr(unsafe.Pointer(ifaceData)),
		uintptr(unsafe.Pointer(&buf[0])), uintptr(requiredSize), 0, 0,
	)
	if ret == 0 {
		return ""
	}
	return syscall.UTF16ToString((*[260]uint16)(unsafe.Pointer(&buf[4]))[:])
}

// busPortFromPath extracts the "<hub>-<port>" parts from a device interface
// path of the form `\\?\USB#VID_xxxx&PID_xxxx#5&26a4d3b&0&2#{guid}`: the
// port is the last "&" field of the instance segment. The hub is not
// derived from the path; every device is reported on hub "1".
func busPortFromPath(path string) (hub, port string, ok bool) {
	upper := strings.ToUpper(path)
	parts := strings.Split(upper, "#")
	if len(parts) < 3 {
		return "", "", false
	}
	instance := parts[2]
	fields := strings.Split(instance, "&")
	if len(fields) == 0 {
		return "", "", false
	}
	last := fields[len(fields)-1]
	return "1", last, true
}

func (e *windowsEnumerator) describe(devicePath string) (*Device, error) {
	hub, port, ok := busPortFromPath(devicePath)
	if !ok {
		return nil, errors.Newf("could not parse bus/port from device path %q", devicePath)
	}

	vid, pid := parseVidPid(devicePath)
	if vid == 0 || pid == 0 {
		return nil, errors.Newf("device path %q has no VID/PID", devicePath)
	}

	busID := fmt.Sprintf("%s-%s", hub, port)
	dev := &Device{
		BusID:     busID,
		Path:      devicePath,
		BusNum:    1,
		DevNum:    parsePortNumber(port),
		Speed:     SpeedHigh,
		VendorID:  vid,
		ProductID: pid,
	}

	fillFromRegistry(dev, vid, pid)
	return dev, nil
}

func parseVidPid(devicePath string) (vid, pid uint16) {
	upper := strings.ToUpper(devicePath)
	var v, p uint32
	if idx := strings.Index(upper, "VID_"); idx >= 0 && idx+8 <= len(upper) {
		fmt.Sscanf(upper[idx+4:idx+8], "%04X", &v)
	}
	if idx := strings.Index(upper, "PID_"); idx >= 0 && idx+8 <= len(upper) {
		fmt.Sscanf(upper[idx+4:idx+8], "%04X", &p)
	}
	return uint16(v), uint16(p)
}

func parsePortNumber(field string) uint32 {
	var n uint32
	fmt.Sscanf(field, "%d", &n)
	return n
}

func fillFromRegistry(dev *Device, vid, pid uint16) {
	key := fmt.Sprintf(`SYSTEM\CurrentControlSet\Enum\USB\VID_%04X&PID_%04X`, vid, pid)
	usbKey, err := registry.OpenKey(registry.LOCAL_MACHINE, key, registry.READ)
	if err != nil {
		return
	}
	defer usbKey.Close()

	instances, err := usbKey.ReadSubKeyNames(1)
	if err != nil || len(instances) == 0 {
		return
	}
	instanceKey, err := registry.OpenKey(usbKey, instances[0], registry.READ)
	if err != nil {
		return
	}
	defer instanceKey.Close()

	if class, _, err := instanceKey.GetStringValue("DeviceClass"); err == nil {
		var c uint32
		fmt.Sscanf(class, "%d", &c)
		dev.DeviceClass = uint8(c)
	}
	dev.ConfigurationValue = 1
	dev.NumConfigurations = 1
}
