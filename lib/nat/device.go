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
	"net"
	"sync"
	"sync/atomic"
	"time"
)

type device struct {
	gw       Gateway
	lastSeen atomic.Int64 // unix nanoseconds

	mut      sync.Mutex // serializes gateway operations, protects mappings
	mappings []*Mapping
}

// NewDevice returns a Device running the mapping lifecycle on top of gw.
func NewDevice(gw Gateway) Device {
	d := &device{gw: gw}
	d.Touch()
	return d
}

func (d *device) ID() string {
	return d.gw.ID()
}

func (d *device) String() string {
	return d.gw.ID()
}

func (d *device) Touch() {
	d.lastSeen.Store(clk.Now().UnixNano())
}

func (d *device) LastSeen() time.Time {
	return time.Unix(0, d.lastSeen.Load())
}

func (d *device) GetLocalIPv4Address() net.IP {
	return d.gw.GetLocalIPv4Address()
}

func (d *device) GetExternalIPv4Address(ctx context.Context) (net.IP, error) {
	d.mut.Lock()
	defer d.mut.Unlock()
	return d.gw.GetExternalIPv4Address(ctx)
}

func (d *device) GetMappings(ctx context.Context) ([]*Mapping, error) {
	d.mut.Lock()
	defer d.mut.Unlock()

	ms, err := d.gw.GetPortMappings(ctx)
	if errors.Is(err, ErrNotSupported) {
		l.Debugf("%s cannot list mappings, returning the %d opened here", d, len(d.mappings))
		ms = make([]*Mapping, len(d.mappings))
		for i, m := range d.mappings {
			ms[i] = m.Clone()
		}
		return ms, nil
	}
	return ms, err
}

func (d *device) CreateMapping(ctx context.Context, m *Mapping) error {
	if m == nil {
		return invalidArgument("nil mapping")
	}

	d.mut.Lock()
	defer d.mut.Unlock()

	c := m.Clone()
	if c.privateIP.IsUnspecified() {
		local := d.gw.GetLocalIPv4Address()
		if local == nil {
			return ErrNoLocalAddress
		}
		c.privateIP = local
	}

	if err := d.addLocked(ctx, c); err != nil {
		return fmt.Errorf("creating %v on %s: %w", m, d, err)
	}

	if ip, err := d.gw.GetExternalIPv4Address(ctx); err != nil {
		l.Debugf("Getting external address of %s: %v", d, err)
	} else {
		c.publicIP = ip
	}

	d.trackLocked(c)
	*m = *c.Clone()
	l.Debugf("Created %v on %s", m, d)
	return nil
}

// addLocked issues the mapping to the gateway, falling back to a permanent
// lease when the gateway refuses temporary ones.
func (d *device) addLocked(ctx context.Context, m *Mapping) error {
	duration := gatewayDuration(m.lease)
	port, err := d.gw.AddPortMapping(ctx, m.protocol, m.privateIP, m.privatePort, m.publicPort, m.description, duration)
	if errors.Is(err, ErrOnlyPermanentLeases) && duration > 0 {
		l.Infof("%s only supports permanent leases, %v will stay open on the gateway until released", d, m)
		port, err = d.gw.AddPortMapping(ctx, m.protocol, m.privateIP, m.privatePort, m.publicPort, m.description, 0)
		if err == nil && m.lease.IsSession() {
			m.forcedSession = true
		}
	}
	if err != nil {
		return err
	}
	if port != 0 {
		m.publicPort = port
	}
	m.SetLease(m.lease)
	return nil
}

func gatewayDuration(lease Lease) time.Duration {
	switch lease.Lifetime() {
	case Permanent:
		return 0
	case Session:
		return SessionLease + sessionSlack
	default:
		return lease.Duration()
	}
}

// trackLocked replaces an equal mapping or adds m.
func (d *device) trackLocked(m *Mapping) {
	for i, old := range d.mappings {
		if old.Equal(m) {
			d.mappings[i] = m
			return
		}
	}
	d.mappings = append(d.mappings, m)
}

func (d *device) DeleteMapping(ctx context.Context, protocol Protocol, publicPort int) error {
	if !protocol.valid() {
		return invalidArgument("unknown protocol %q", protocol)
	}
	if err := checkPort("public", publicPort); err != nil {
		return err
	}

	d.mut.Lock()
	defer d.mut.Unlock()

	if err := d.gw.DeletePortMapping(ctx, protocol, publicPort); err != nil {
		return fmt.Errorf("deleting %s %d on %s: %w", protocol, publicPort, d, err)
	}

	kept := d.mappings[:0]
	for _, m := range d.mappings {
		if m.protocol != protocol || m.publicPort != publicPort {
			kept = append(kept, m)
		}
	}
	d.mappings = kept
	return nil
}

func (d *device) RenewMappings(ctx context.Context) error {
	d.mut.Lock()
	defer d.mut.Unlock()

	var errs []error
	kept := make([]*Mapping, 0, len(d.mappings))
	for _, m := range d.mappings {
		switch {
		case m.ShouldRenew():
			if err := d.addLocked(ctx, m); err != nil {
				l.Infof("Renewing %v on %s: %v", m, d, err)
				errs = append(errs, err)
			} else {
				l.Debugf("Renewed %v on %s", m, d)
			}
			kept = append(kept, m)
		case m.lease.IsManual() && m.IsExpired():
			l.Debugf("Forgetting expired %v on %s", m, d)
		default:
			kept = append(kept, m)
		}
	}
	d.mappings = kept
	return errors.Join(errs...)
}

func (d *device) ReleaseAll(ctx context.Context) error {
	return d.release(ctx, func(*Mapping) bool { return true })
}

func (d *device) ReleaseSessionMappings(ctx context.Context) error {
	return d.release(ctx, func(m *Mapping) bool { return m.lease.IsSession() })
}

// release deletes the selected mappings from the gateway. Mappings that
// fail to delete stay tracked.
func (d *device) release(ctx context.Context, selected func(*Mapping) bool) error {
	d.mut.Lock()
	defer d.mut.Unlock()

	var errs []error
	kept := make([]*Mapping, 0, len(d.mappings))
	for _, m := range d.mappings {
		if !selected(m) {
			kept = append(kept, m)
			continue
		}
		if err := d.gw.DeletePortMapping(ctx, m.protocol, m.publicPort); err != nil {
			l.Infof("Releasing %v on %s: %v", m, d, err)
			errs = append(errs, err)
			kept = append(kept, m)
			continue
		}
		l.Debugf("Released %v on %s", m, d)
	}
	d.mappings = kept
	return errors.Join(errs...)
}
