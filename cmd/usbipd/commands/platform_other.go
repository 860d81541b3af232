//go:build !windows

package commands

import (
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"

	"github.com/benmcmorran/usbipd-win/enumerate"
	"github.com/benmcmorran/usbipd-win/filter"
	"github.com/benmcmorran/usbipd-win/urbengine"
)

// usbipd claims physical devices through a Windows kernel filter driver;
// off Windows there is nothing to enumerate or claim, so the CLI still
// builds (for list/bind/unbind against the registry alone) but server
// refuses to start.
var errWindowsOnly = errors.New("usbipd requires Windows to enumerate and claim USB devices")

func newEnumerator(log.Logger) enumerate.Enumerator {
	return &enumerate.Fake{}
}

func newShim() (filter.Shim, error) {
	return nil, errWindowsOnly
}

func newBackendFactory() func(*filter.ClaimedDevice) (urbengine.Backend, error) {
	return func(*filter.ClaimedDevice) (urbengine.Backend, error) {
		return nil, errWindowsOnly
	}
}
