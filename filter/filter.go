// SPDX-License-Identifier: GPL-2.0-only

// Package filter talks to the kernel capture/filter driver: installing
// capture filters, re-evaluating them, and claiming the resulting captured
// device for exclusive user-mode access.
package filter

import (
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/benmcmorran/usbipd-win/enumerate"
)

// Expected driver version; check_version fails UnsupportedDriver otherwise.
const (
	ExpectedMajor = 1
	ExpectedMinor = 0
)

var (
	ErrUnsupportedDriver = errors.New("unsupported filter driver version")
	ErrNotClaimable      = errors.New("device reported not claimable")
	ErrTimeout           = errors.New("timed out waiting for device to re-enumerate")
	ErrDeviceNotFound    = errors.New("device not found under capture class")
)

// FilterRejected wraps a non-success return code from add_filter.
type FilterRejected struct{ RC uint32 }

func (e FilterRejected) Error() string {
	return errors.Newf("filter rejected, rc=%d", e.RC).Error()
}

// DriverError wraps a non-success return code from any other driver call.
type DriverError struct{ RC uint32 }

func (e DriverError) Error() string {
	return errors.Newf("driver error, rc=%d", e.RC).Error()
}

// FilterID identifies an installed capture filter within the driver's filter set.
type FilterID uint32

// HDevice is an opaque token returned by the driver; never dereferenced,
// used only for filter cross-checks.
type HDevice uint64

// DeviceHandle is the open OS handle used to submit I/O to the claimed
// device; owned by ClaimedDevice alongside the filter handle so both close
// together.
type DeviceHandle uintptr

// ClaimedDevice is the per-Session handle on an exclusively-claimed device:
// {filter_handle, device_handle, hdev_token}. Exactly one owner: the
// Session that claimed it, which keeps it for the whole attachment (the URB
// Engine only gets a backend opened on DeviceHandle) and releases it during
// teardown, before marking the bus id detached.
type ClaimedDevice struct {
	FilterHandle FilterID
	DeviceHandle DeviceHandle
	HDev         HDevice

	shim Shim
}

// Shim is the capture driver's control surface.
type Shim interface {
	CheckVersion() error
	AddFilter(dev enumerate.Device) (FilterID, error)
	RunFilters() error
	// Claim polls for the captured device and exclusively opens it. filterID
	// is the filter already installed for dev via AddFilter; the returned
	// ClaimedDevice takes ownership of that same filter id so Release tears
	// down exactly the filter that was installed, never a second one.
	Claim(dev enumerate.Device, filterID FilterID) (*ClaimedDevice, error)
	RemoveFilter(id FilterID) error
}

const (
	claimTimeout       = 5 * time.Second
	claimPollInterval  = 100 * time.Millisecond
)

// matchKey is the capture filter's keying tuple: every field must match
// exactly.
type matchKey struct {
	VendorID, ProductID, BCDDevice uint16
	Class, SubClass, Protocol      uint8
	Port                           uint32
}

// Release closes the device handle and removes the matching capture filter.
// Both steps run even if one fails: dropping a ClaimedDevice must remove
// its filter and close both handles.
// Device-handle closing is platform-specific (closeDeviceHandle, defined in
// windows.go and stubbed for other platforms).
func (c *ClaimedDevice) Release() error {
	var errs []string
	if err := closeDeviceHandle(c.DeviceHandle); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.shim.RemoveFilter(c.FilterHandle); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func keyFor(dev enumerate.Device) matchKey {
	return matchKey{
		VendorID:  dev.VendorID,
		ProductID: dev.ProductID,
		BCDDevice: dev.BCDDevice,
		Class:     dev.DeviceClass,
		SubClass:  dev.DeviceSubClass,
		Protocol:  dev.DeviceProtocol,
		Port:      dev.DevNum,
	}
}
