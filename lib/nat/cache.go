// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package nat

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

// The Cache holds every device discovered during the life of the process,
// keyed by device ID. Entries are never evicted.
type Cache struct {
	devices *xsync.MapOf[string, Device]
}

func NewCache() *Cache {
	return &Cache{
		devices: xsync.NewMapOf[string, Device](),
	}
}

// Add stores dev unless a device with the same ID is already cached, in
// which case the cached device is touched instead. The cached device is
// returned either way.
func (c *Cache) Add(dev Device) Device {
	cached, loaded := c.devices.LoadOrStore(dev.ID(), dev)
	if loaded {
		cached.Touch()
		l.Debugln("Touched cached device", cached.ID())
		return cached
	}
	l.Debugln("Caching new device", dev.ID())
	metricCachedDevices.Set(float64(c.devices.Size()))
	return dev
}

func (c *Cache) Get(id string) (Device, bool) {
	return c.devices.Load(id)
}

func (c *Cache) Len() int {
	return c.devices.Size()
}

// Devices returns the cached devices ordered by ID.
func (c *Cache) Devices() []Device {
	devs := make([]Device, 0, c.devices.Size())
	c.devices.Range(func(_ string, dev Device) bool {
		devs = append(devs, dev)
		return true
	})
	slices.SortFunc(devs, func(a, b Device) int {
		return strings.Compare(a.ID(), b.ID())
	})
	return devs
}

// ReleaseAll deletes every tracked mapping on every cached device.
func (c *Cache) ReleaseAll(ctx context.Context) error {
	return c.each(ctx, "releasing all mappings", Device.ReleaseAll)
}

// ReleaseSessionMappings deletes the session mappings on every cached
// device, leaving permanent and manual ones in place.
func (c *Cache) ReleaseSessionMappings(ctx context.Context) error {
	return c.each(ctx, "releasing session mappings", Device.ReleaseSessionMappings)
}

func (c *Cache) each(ctx context.Context, what string, fn func(Device, context.Context) error) error {
	var errs []error
	for _, dev := range c.Devices() {
		if err := fn(dev, ctx); err != nil {
			l.Infof("Error %s on %s: %v", what, dev.ID(), err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
