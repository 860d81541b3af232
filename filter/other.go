//go:build !windows

// SPDX-License-Identifier: GPL-2.0-only

package filter

// closeDeviceHandle is a no-op off Windows: there is no real capture driver
// to talk to, and tests only ever construct ClaimedDevice with a zero
// DeviceHandle via Fake.
func closeDeviceHandle(DeviceHandle) error { return nil }
