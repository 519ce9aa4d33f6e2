// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package nat

import (
	"context"
	"fmt"
	"time"

	"github.com/syncthing/portmap/lib/config"
	"github.com/syncthing/portmap/lib/util"
)

// The Renewer periodically asks every cached device to renew its mappings.
// Devices are handled one after the other, each with its own timeout, and
// a failing device does not keep the others from being renewed.
type Renewer struct {
	cache    *Cache
	warmup   time.Duration
	interval time.Duration
	timeout  time.Duration

	// OnFailure is called with the device ID and error when a renewal
	// fails or panics. It must be set before Serve is called.
	OnFailure func(id string, err error)
}

func NewRenewer(opts config.Options, cache *Cache) *Renewer {
	return &Renewer{
		cache:    cache,
		warmup:   opts.RenewalWarmup(),
		interval: opts.RenewalInterval(),
		timeout:  opts.RenewalTimeout(),
	}
}

func (r *Renewer) String() string {
	return fmt.Sprintf("nat.Renewer@%p", r)
}

func (r *Renewer) Serve(ctx context.Context) error {
	l.Debugf("%v: first renewal in %s, then every %s", r, util.NiceDurationString(r.warmup), util.NiceDurationString(r.interval))
	timer := clk.Timer(r.warmup)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		return nil
	}

	ticker := clk.Ticker(r.interval)
	defer ticker.Stop()
	for {
		r.renewAll(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Renewer) renewAll(ctx context.Context) {
	for _, dev := range r.cache.Devices() {
		if ctx.Err() != nil {
			return
		}
		r.renew(ctx, dev)
	}
}

func (r *Renewer) renew(ctx context.Context, dev Device) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var err error
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			metricRenewals.WithLabelValues(metricResultPanic).Inc()
		} else if err != nil {
			metricRenewals.WithLabelValues(metricResultFailure).Inc()
		} else {
			metricRenewals.WithLabelValues(metricResultSuccess).Inc()
			return
		}
		l.Warnf("Renewing mappings on %s: %v", dev.ID(), err)
		if r.OnFailure != nil {
			r.OnFailure(dev.ID(), err)
		}
	}()

	err = dev.RenewMappings(ctx)
}
