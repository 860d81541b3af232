// Package enumerate discovers USB devices attached to the host and lifts
// them into exportable descriptors.
package enumerate

import (
	"sort"

	"github.com/efficientgo/core/errors"
)

// Speed mirrors the USB/IP wire speed codes.
type Speed uint32

const (
	SpeedUnknown Speed = 0
	SpeedLow     Speed = 1
	SpeedFull    Speed = 2
	SpeedHigh    Speed = 3
	SpeedSuper   Speed = 5
)

// ErrEnumerationFailed is returned only when the OS denies device-info
// access outright; per-device failures are never fatal to a whole
// enumeration call.
var ErrEnumerationFailed = errors.New("enumeration failed")

// Device is an immutable snapshot of a host USB device.
type Device struct {
	BusID              string // "<hub>-<port>", max 31 bytes
	Path               string // host-internal handle path; never serialized
	BusNum             uint32
	DevNum             uint32
	Speed              Speed
	VendorID           uint16
	ProductID          uint16
	BCDDevice          uint16
	DeviceClass        uint8
	DeviceSubClass     uint8
	DeviceProtocol     uint8
	ConfigurationValue uint8
	NumConfigurations  uint8
	NumInterfaces      uint8
	Interfaces         []InterfaceDescriptor
}

// InterfaceDescriptor is one interface's class triple, used to build the
// per-interface trailer of an OP_REP_DEVLIST record.
type InterfaceDescriptor struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

// WireBusID returns BusID after checking that it fits the wire's
// 31-usable-byte, NUL-padded-to-32 field; a longer BusID is an error, not
// truncated.
func (d Device) WireBusID() (string, error) {
	if len(d.BusID) > 31 {
		return "", errors.Newf("bus id %q exceeds 31 bytes", d.BusID)
	}
	return d.BusID, nil
}

// DevID packs BusNum/DevNum into the wire's single devid field.
func (d Device) DevID() uint32 {
	return (d.BusNum << 16) | d.DevNum
}

// Logger is the minimal logging surface enumerate needs; satisfied by
// go-kit/log.Logger via an adapter in the caller, kept narrow here so this
// package stays decoupled from the logging library.
type Logger interface {
	Warn(msg string, keyvals ...any)
}

type nopLogger struct{}

func (nopLogger) Warn(string, ...any) {}

// Enumerator discovers present USB devices.
type Enumerator interface {
	// Enumerate returns devices ordered by BusID, lexicographically, stable
	// within a single call. Hubs' own ports are included. Individual device
	// failures are skipped with a logged warning; only total inability to
	// query the OS returns ErrEnumerationFailed.
	Enumerate() ([]Device, error)
}

// ByBusID sorts devices by BusID in place, matching the Enumerate contract.
func ByBusID(devices []Device) {
	sort.Slice(devices, func(i, j int) bool { return devices[i].BusID < devices[j].BusID })
}
