// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package nat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/syncthing/portmap/lib/config"
)

// A Discoverer runs the protocol searchers concurrently and records what
// they find in a Cache.
type Discoverer struct {
	opts        config.Options
	cache       *Cache
	searcherFor func(Mapper) Searcher
}

func NewDiscoverer(opts config.Options, cache *Cache) *Discoverer {
	return &Discoverer{
		opts:  opts,
		cache: cache,
		searcherFor: func(m Mapper) Searcher {
			return registeredSearcher(m, opts)
		},
	}
}

// DiscoverDevice looks for the first device of any enabled protocol, giving
// up after the configured discovery timeout unless ctx ends first.
func (d *Discoverer) DiscoverDevice(ctx context.Context) (Device, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.DiscoveryTimeout())
	defer cancel()
	return d.DiscoverOne(ctx, EnabledMappers(d.opts))
}

// DiscoverOne returns the first device found by any of the given mappers.
// The remaining searches are cancelled as soon as one device answers. If
// nothing is found before ctx ends, ErrDeviceNotFound is returned.
func (d *Discoverer) DiscoverOne(ctx context.Context, mappers Mapper) (Device, error) {
	devs, err := d.discover(ctx, mappers, true)
	if err != nil {
		return nil, err
	}
	if len(devs) == 0 {
		metricDiscoveries.WithLabelValues("one", metricResultNotFound).Inc()
		l.Infof("No NAT device found using %v. Common reasons are that the router has UPnP and NAT-PMP disabled, that the network has no NAT device, or that a firewall blocks the discovery traffic.", mappers)
		return nil, ErrDeviceNotFound
	}
	metricDiscoveries.WithLabelValues("one", metricResultFound).Inc()
	return devs[0], nil
}

// DiscoverAll returns every device found by the given mappers until ctx
// ends or all searches complete. No devices is not an error.
func (d *Discoverer) DiscoverAll(ctx context.Context, mappers Mapper) ([]Device, error) {
	devs, err := d.discover(ctx, mappers, false)
	if err != nil {
		return nil, err
	}
	res := metricResultFound
	if len(devs) == 0 {
		res = metricResultNotFound
	}
	metricDiscoveries.WithLabelValues("all", res).Inc()
	return devs, nil
}

type searchResult struct {
	mapper  Mapper
	devices []Device
	err     error
}

func (d *Discoverer) discover(ctx context.Context, mappers Mapper, onlyOne bool) ([]Device, error) {
	if !mappers.valid() {
		return nil, invalidArgument("no port mapper selected")
	}

	// Cancelling this context stops every searcher of this call, and
	// nothing else.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var first atomic.Bool
	var winner string
	found := func(dev Device) {
		l.Debugln("Found device", dev.ID())
		if onlyOne && first.CompareAndSwap(false, true) {
			winner = dev.ID()
			cancel()
		}
	}

	var selected []Mapper
	for _, mn := range mapperNames {
		if mappers.Has(mn.mapper) {
			selected = append(selected, mn.mapper)
		}
	}

	l.Debugln("Starting discovery using", mappers)
	results := make([]searchResult, len(selected))
	var wg sync.WaitGroup
	for i, m := range selected {
		results[i].mapper = m
		s := d.searcherFor(m)
		if s == nil {
			l.Debugln("No searcher registered for", m)
			continue
		}
		wg.Add(1)
		go func(res *searchResult, s Searcher) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					res.devices, res.err = nil, fmt.Errorf("searcher panic: %v", r)
				}
			}()
			res.devices, res.err = s.Search(ctx, found)
		}(&results[i], s)
	}
	wg.Wait()
	l.Debugln("Finished discovery using", mappers)

	var devs []Device
	seen := make(map[string]struct{})
	for _, res := range results {
		if res.err != nil {
			if ctx.Err() != nil && (errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded)) {
				l.Debugf("Discovery using %v was cancelled", res.mapper)
			} else {
				metricSearchErrors.WithLabelValues(res.mapper.String()).Inc()
				l.Warnf("Discovery using %v: %v", res.mapper, res.err)
			}
			continue
		}
		metricDevicesFound.WithLabelValues(res.mapper.String()).Add(float64(len(res.devices)))
		for _, dev := range res.devices {
			dev = d.cache.Add(dev)
			if _, ok := seen[dev.ID()]; ok {
				continue
			}
			seen[dev.ID()] = struct{}{}
			if dev.ID() == winner {
				devs = append([]Device{dev}, devs...)
			} else {
				devs = append(devs, dev)
			}
		}
	}
	return devs, nil
}
