package filter

import (
	"testing"

	"github.com/benmcmorran/usbipd-win/enumerate"
)

func TestKeyForMatchesDeviceFields(t *testing.T) {
	dev := enumerate.Device{
		VendorID:       0xdead,
		ProductID:      0xbeef,
		BCDDevice:      0x0100,
		DeviceClass:    0x09,
		DeviceSubClass: 0x00,
		DeviceProtocol: 0x01,
		DevNum:         2,
	}
	key := keyFor(dev)
	want := matchKey{
		VendorID: 0xdead, ProductID: 0xbeef, BCDDevice: 0x0100,
		Class: 0x09, SubClass: 0x00, Protocol: 0x01,
		Port: 2,
	}
	if key != want {
		t.Errorf("keyFor(%+v) = %+v; want %+v", dev, key, want)
	}
}

func TestErrorMessagesIncludeReturnCode(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want string
	}{
		{name: "filter rejected", err: FilterRejected{RC: 7}, want: "filter rejected, rc=7"},
		{name: "driver error", err: DriverError{RC: 2}, want: "driver error, rc=2"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.Error(); got != tc.want {
				t.Errorf("got %q; want %q", got, tc.want)
			}
		})
	}
}
