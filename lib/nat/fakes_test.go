// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package nat

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/syncthing/portmap/lib/config"
)

func useMockClock(t *testing.T) *clock.Mock {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	old := clk
	clk = mock
	t.Cleanup(func() { clk = old })
	return mock
}

type addCall struct {
	protocol     Protocol
	internalPort int
	externalPort int
	description  string
	duration     time.Duration
	internalIP   string
}

type deleteCall struct {
	protocol     Protocol
	externalPort int
}

type fakeGateway struct {
	id         string
	localIP    net.IP
	externalIP net.IP
	// assignPort, if set, is the external port returned for every add.
	assignPort int
	// addErr is consulted on every add.
	addErr    func(call addCall) error
	deleteErr error
	listErr   error
	listed    []*Mapping

	mut     sync.Mutex
	adds    []addCall
	deletes []deleteCall
}

func newFakeGateway(id string) *fakeGateway {
	return &fakeGateway{
		id:         id,
		localIP:    net.ParseIP("192.168.1.10").To4(),
		externalIP: net.ParseIP("203.0.113.7").To4(),
		listErr:    ErrNotSupported,
	}
}

func (g *fakeGateway) ID() string                  { return g.id }
func (g *fakeGateway) GetLocalIPv4Address() net.IP { return g.localIP }

func (g *fakeGateway) GetExternalIPv4Address(context.Context) (net.IP, error) {
	return g.externalIP, nil
}

func (g *fakeGateway) AddPortMapping(_ context.Context, protocol Protocol, internalIP net.IP, internalPort, externalPort int, description string, duration time.Duration) (int, error) {
	call := addCall{protocol, internalPort, externalPort, description, duration, internalIP.String()}
	g.mut.Lock()
	g.adds = append(g.adds, call)
	g.mut.Unlock()
	if g.addErr != nil {
		if err := g.addErr(call); err != nil {
			return 0, err
		}
	}
	if g.assignPort != 0 {
		return g.assignPort, nil
	}
	return externalPort, nil
}

func (g *fakeGateway) DeletePortMapping(_ context.Context, protocol Protocol, externalPort int) error {
	g.mut.Lock()
	g.deletes = append(g.deletes, deleteCall{protocol, externalPort})
	g.mut.Unlock()
	return g.deleteErr
}

func (g *fakeGateway) GetPortMappings(context.Context) ([]*Mapping, error) {
	return g.listed, g.listErr
}

func (g *fakeGateway) addCalls() []addCall {
	g.mut.Lock()
	defer g.mut.Unlock()
	return append([]addCall(nil), g.adds...)
}

func (g *fakeGateway) deleteCalls() []deleteCall {
	g.mut.Lock()
	defer g.mut.Unlock()
	return append([]deleteCall(nil), g.deletes...)
}

// fakeDevice counts lifecycle calls and delegates renewal to renew.
type fakeDevice struct {
	id    string
	renew func(ctx context.Context) error

	touches         atomic.Int32
	renewals        atomic.Int32
	releasedAll     atomic.Int32
	releasedSession atomic.Int32
}

func (d *fakeDevice) ID() string                  { return d.id }
func (d *fakeDevice) Touch()                      { d.touches.Add(1) }
func (d *fakeDevice) LastSeen() time.Time         { return time.Time{} }
func (d *fakeDevice) GetLocalIPv4Address() net.IP { return nil }

func (d *fakeDevice) GetExternalIPv4Address(context.Context) (net.IP, error) {
	return nil, ErrNotSupported
}

func (d *fakeDevice) GetMappings(context.Context) ([]*Mapping, error) {
	return nil, nil
}

func (d *fakeDevice) CreateMapping(context.Context, *Mapping) error {
	return ErrNotSupported
}

func (d *fakeDevice) DeleteMapping(context.Context, Protocol, int) error {
	return ErrNotSupported
}

func (d *fakeDevice) RenewMappings(ctx context.Context) error {
	d.renewals.Add(1)
	if d.renew != nil {
		return d.renew(ctx)
	}
	return nil
}

func (d *fakeDevice) ReleaseAll(context.Context) error {
	d.releasedAll.Add(1)
	return nil
}

func (d *fakeDevice) ReleaseSessionMappings(context.Context) error {
	d.releasedSession.Add(1)
	return nil
}

// fakeSearcher finds its devices after delay, or never when delay is zero.
// It records how long it ran before seeing its context end.
type fakeSearcher struct {
	delay   time.Duration
	devices []Device
	err     error
	panics  bool

	calls          atomic.Int32
	cancelledAfter atomic.Int64
}

func (s *fakeSearcher) Search(ctx context.Context, found func(Device)) ([]Device, error) {
	s.calls.Add(1)
	if s.panics {
		panic("searcher exploded")
	}
	start := time.Now()

	var after <-chan time.Time
	if s.delay > 0 {
		after = time.After(s.delay)
	}
	select {
	case <-after:
		for _, dev := range s.devices {
			found(dev)
		}
		if s.err != nil {
			return s.devices, s.err
		}
		return s.devices, nil
	case <-ctx.Done():
		s.cancelledAfter.Store(int64(time.Since(start)))
		return nil, ctx.Err()
	}
}

func (s *fakeSearcher) cancelled() (time.Duration, bool) {
	v := s.cancelledAfter.Load()
	return time.Duration(v), v != 0
}

func testOptions() config.Options {
	return config.New().Options
}

// newTestDiscoverer returns a discoverer using the given searchers instead
// of the registered ones.
func newTestDiscoverer(cache *Cache, searchers map[Mapper]Searcher) *Discoverer {
	d := NewDiscoverer(testOptions(), cache)
	d.searcherFor = func(m Mapper) Searcher {
		if s, ok := searchers[m]; ok {
			return s
		}
		return nil
	}
	return d
}
