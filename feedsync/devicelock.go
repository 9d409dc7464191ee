// Copyright 2025 ConectaBoi
// SPDX-License-Identifier: Apache-2.0

package feedsync

import "sync"

// deviceLocks serializes upload admission per device_id so successive
// batches from the same device apply in the order the device issued them.
// Different devices proceed in parallel. Entries are reference-counted and
// removed when the last holder releases, so the map stays bounded by the
// number of concurrently syncing devices.
type deviceLocks struct {
	mu    sync.Mutex
	locks map[string]*deviceLock
}

type deviceLock struct {
	mu   sync.Mutex
	refs int
}

func newDeviceLocks() *deviceLocks {
	return &deviceLocks{locks: make(map[string]*deviceLock)}
}

// lock acquires the per-device lock and returns its release function
func (d *deviceLocks) lock(deviceID string) func() {
	d.mu.Lock()
	dl, ok := d.locks[deviceID]
	if !ok {
		dl = &deviceLock{}
		d.locks[deviceID] = dl
	}
	dl.refs++
	d.mu.Unlock()

	dl.mu.Lock()

	return func() {
		dl.mu.Unlock()
		d.mu.Lock()
		dl.refs--
		if dl.refs == 0 {
			delete(d.locks, deviceID)
		}
		d.mu.Unlock()
	}
}
