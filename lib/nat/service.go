// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package nat

import (
	"context"
	"fmt"
	"sync"

	"github.com/syncthing/portmap/lib/config"
)

// Service ties discovery, the device cache and the renewal loop together.
// Serve runs the renewal loop and releases session mappings when it
// returns.
type Service struct {
	opts     config.Options
	cache    *Cache
	disc     *Discoverer
	renewer  *Renewer
	shutdown sync.Once
}

func NewService(opts config.Options) *Service {
	cache := NewCache()
	return &Service{
		opts:    opts,
		cache:   cache,
		disc:    NewDiscoverer(opts, cache),
		renewer: NewRenewer(opts, cache),
	}
}

func (s *Service) Serve(ctx context.Context) error {
	l.Debugln(s, "starting")
	defer l.Debugln(s, "exiting")

	err := s.renewer.Serve(ctx)
	if ctx.Err() != nil {
		s.Shutdown()
	}
	return err
}

func (s *Service) String() string {
	return fmt.Sprintf("nat.Service@%p", s)
}

// OnRenewalFailure sets a hook called when renewing a device fails. It must
// be called before Serve.
func (s *Service) OnRenewalFailure(fn func(id string, err error)) {
	s.renewer.OnFailure = fn
}

func (s *Service) DiscoverDevice(ctx context.Context) (Device, error) {
	return s.disc.DiscoverDevice(ctx)
}

func (s *Service) DiscoverOne(ctx context.Context, mappers Mapper) (Device, error) {
	return s.disc.DiscoverOne(ctx, mappers)
}

func (s *Service) DiscoverAll(ctx context.Context, mappers Mapper) ([]Device, error) {
	return s.disc.DiscoverAll(ctx, mappers)
}

// Devices returns every device discovered so far.
func (s *Service) Devices() []Device {
	return s.cache.Devices()
}

// ReleaseAll deletes every mapping this process opened, of any lifetime.
func (s *Service) ReleaseAll(ctx context.Context) error {
	return s.cache.ReleaseAll(ctx)
}

// Shutdown releases the session mappings on all known devices, bounded by
// the release timeout. Only the first call has any effect.
func (s *Service) Shutdown() {
	s.shutdown.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ReleaseTimeout())
		defer cancel()
		l.Debugf("Releasing session mappings on %d devices", s.cache.Len())
		if err := s.cache.ReleaseSessionMappings(ctx); err != nil {
			l.Infoln("Releasing session mappings:", err)
		}
	})
}
