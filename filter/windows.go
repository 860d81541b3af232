//go:build windows

// SPDX-License-Identifier: GPL-2.0-only

package filter

import (
	baseerrors "errors"
	"time"
	"unsafe"

	"github.com/efficientgo/core/errors"
	"golang.org/x/sys/windows"

	"github.com/benmcmorran/usbipd-win/enumerate"
)

// Device-interface class GUID for the capture/filter driver, and its IOCTL
// codes. Laid out the way driver/driver.go talks to the vhci driver (open,
// issue an ioctl, interpret the return code, close) but through
// DeviceIoControl since there's no libudev on Windows.
var guidFilterDriverInterface = windows.GUID{
	Data1: 0x6155cda2, Data2: 0x8899, Data3: 0x4c63,
	Data4: [8]byte{0xad, 0x61, 0x6b, 0xba, 0x6c, 0x3d, 0x62, 0xe1},
}

const (
	ioctlCheckVersion = 0x220000
	ioctlAddFilter    = 0x220004
	ioctlRunFilters   = 0x220008
	ioctlGetClaimed   = 0x22000C
	ioctlClaim        = 0x220010
	ioctlRemoveFilter = 0x220014
)

type versionReply struct {
	Major, Minor uint32
}

// claimedOut is the fixed-shape reply to ioctlGetClaimed: the driver's
// opaque device token plus whether it reports itself claimed.
type claimedOut struct {
	HDev     uint64
	FClaimed uint32
}

type shim struct {
	handle windows.Handle
}

// NewShim opens a handle to the capture/filter driver's control device.
func NewShim() (Shim, error) {
	path, err := windows.UTF16PtrFromString(`\\.\UsbipFilter`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode filter driver path")
	}
	h, err := windows.CreateFile(
		path,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil, windows.OPEN_EXISTING, windows.FILE_FLAG_OVERLAPPED, 0,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open filter driver")
	}
	return &shim{handle: h}, nil
}

func (s *shim) ioctl(code uint32, in, out []byte) error {
	var returned uint32
	err := windows.DeviceIoControl(
		s.handle, code,
		bufPtr(in), uint32(len(in)),
		bufPtr(out), uint32(len(out)),
		&returned, nil,
	)
	if err != nil {
		if errno, ok := err.(windows.Errno); ok {
			return DriverError{RC: uint32(errno)}
		}
		return errors.Wrap(err, "device i/o control failed")
	}
	return nil
}

func bufPtr(b []byte) *byte {
	if len(b) == 0 {
		return nil
	}
	return &b[0]
}

func (s *shim) CheckVersion() error {
	var reply versionReply
	out := (*[8]byte)(unsafe.Pointer(&reply))[:]
	if err := s.ioctl(ioctlCheckVersion, nil, out); err != nil {
		return errors.Wrap(err, "failed to query filter driver version")
	}
	if reply.Major != ExpectedMajor || reply.Minor < ExpectedMinor {
		return errors.Wrapf(ErrUnsupportedDriver, "driver reports %d.%d, expected >= %d.%d",
			reply.Major, reply.Minor, ExpectedMajor, ExpectedMinor)
	}
	return nil
}

func (s *shim) AddFilter(dev enumerate.Device) (FilterID, error) {
	key := keyFor(dev)
	in := (*[unsafe.Sizeof(matchKey{})]byte)(unsafe.Pointer(&key))[:]
	var id uint32
	out := (*[4]byte)(unsafe.Pointer(&id))[:]
	if err := s.ioctl(ioctlAddFilter, in, out); err != nil {
		if de, ok := err.(DriverError); ok {
			return 0, FilterRejected{RC: de.RC}
		}
		return 0, err
	}
	return FilterID(id), nil
}

func (s *shim) RunFilters() error {
	return s.ioctl(ioctlRunFilters, nil, nil)
}

func (s *shim) RemoveFilter(id FilterID) error {
	in := (*[4]byte)(unsafe.Pointer(&id))[:]
	return s.ioctl(ioctlRemoveFilter, in, nil)
}

// Claim polls the capture driver (ioctlGetClaimed) for up to 5 seconds
// looking for a captured device matching dev's filter key (vendor, product,
// bcdDevice, class triple and port), using a poll/sleep/retry loop. Only
// ErrDeviceNotFound is retried; any other error aborts immediately.
// filterID is the filter the caller already installed via AddFilter; Claim
// stores it in the returned ClaimedDevice without checking the driver's
// token against it, and never installs a second filter of its own.
func (s *shim) Claim(dev enumerate.Device, filterID FilterID) (*ClaimedDevice, error) {
	deadline := time.Now().Add(claimTimeout)
	key := keyFor(dev)

	for {
		query, err := s.findCapturedDevice(key)
		if err != nil {
			if baseerrors.Is(err, ErrDeviceNotFound) {
				if time.Now().After(deadline) {
					return nil, errors.Wrap(ErrTimeout, "claim")
				}
				time.Sleep(claimPollInterval)
				continue
			}
			return nil, err
		}
		if query.FClaimed == 0 {
			return nil, ErrNotClaimable
		}

		in := (*[8]byte)(unsafe.Pointer(&query.HDev))[:]
		if err := s.ioctl(ioctlClaim, in, nil); err != nil {
			return nil, errors.Wrap(err, "claim ioctl failed")
		}

		devHandle, err := openDeviceHandle(dev.Path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open claimed device")
		}

		return &ClaimedDevice{
			FilterHandle: filterID,
			DeviceHandle: DeviceHandle(devHandle),
			HDev:         HDevice(query.HDev),
			shim:         s,
		}, nil
	}
}

func openDeviceHandle(path string) (windows.Handle, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, errors.Wrap(err, "failed to encode device path")
	}
	return windows.CreateFile(
		p,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil, windows.OPEN_EXISTING, windows.FILE_FLAG_OVERLAPPED, 0,
	)
}

func (s *shim) findCapturedDevice(key matchKey) (*claimedOut, error) {
	var q claimedOut
	in := (*[unsafe.Sizeof(matchKey{})]byte)(unsafe.Pointer(&key))[:]
	out := (*[12]byte)(unsafe.Pointer(&q))[:]
	if err := s.ioctl(ioctlGetClaimed, in, out); err != nil {
		if de, ok := err.(DriverError); ok && de.RC == 2 { // ERROR_FILE_NOT_FOUND
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return &q, nil
}

func closeDeviceHandle(h DeviceHandle) error {
	if h == 0 {
		return nil
	}
	return windows.CloseHandle(windows.Handle(h))
}

// Close releases the shim's own handle to the filter driver control device.
func (s *shim) Close() error {
	return windows.CloseHandle(s.handle)
}
