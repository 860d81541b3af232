// SPDX-License-Identifier: GPL-2.0-only

package filter

import "github.com/benmcmorran/usbipd-win/enumerate"

// Fake is an in-memory Shim for tests, mirroring enumerate.Fake: callers
// inject canned responses instead of talking to the real kernel driver.
type Fake struct {
	VersionErr error

	ClaimResult *ClaimedDevice
	ClaimErr    error

	AddFilterErr error
	NextFilterID FilterID

	RemovedFilters []FilterID
}

func (f *Fake) CheckVersion() error { return f.VersionErr }

func (f *Fake) AddFilter(enumerate.Device) (FilterID, error) {
	if f.AddFilterErr != nil {
		return 0, f.AddFilterErr
	}
	f.NextFilterID++
	return f.NextFilterID, nil
}

func (f *Fake) RunFilters() error { return nil }

func (f *Fake) Claim(_ enumerate.Device, filterID FilterID) (*ClaimedDevice, error) {
	if f.ClaimErr != nil {
		return nil, f.ClaimErr
	}
	if f.ClaimResult == nil {
		return &ClaimedDevice{FilterHandle: filterID, shim: f}, nil
	}
	f.ClaimResult.FilterHandle = filterID
	f.ClaimResult.shim = f
	return f.ClaimResult, nil
}

func (f *Fake) RemoveFilter(id FilterID) error {
	f.RemovedFilters = append(f.RemovedFilters, id)
	return nil
}
