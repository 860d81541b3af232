//go:build windows

package commands

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/benmcmorran/usbipd-win/enumerate"
	"github.com/benmcmorran/usbipd-win/filter"
	"github.com/benmcmorran/usbipd-win/urbengine"
)

// warnLogger adapts a go-kit logger to enumerate.Logger.
type warnLogger struct{ logger log.Logger }

func (w warnLogger) Warn(msg string, keyvals ...any) {
	level.Warn(w.logger).Log(append([]any{"msg", msg}, keyvals...)...)
}

func newEnumerator(logger log.Logger) enumerate.Enumerator {
	if logger == nil {
		return enumerate.NewWindowsEnumerator(nil)
	}
	return enumerate.NewWindowsEnumerator(warnLogger{logger: logger})
}

func newShim() (filter.Shim, error) {
	return filter.NewShim()
}

func newBackendFactory() func(*filter.ClaimedDevice) (urbengine.Backend, error) {
	return func(claimed *filter.ClaimedDevice) (urbengine.Backend, error) {
		return urbengine.NewWindowsBackend(claimed.DeviceHandle)
	}
}
