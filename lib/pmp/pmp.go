// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package pmp implements NAT-PMP gateway discovery and port mapping on top
// of the nat package's device lifecycle.
package pmp

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"

	"github.com/syncthing/portmap/lib/config"
	"github.com/syncthing/portmap/lib/nat"
	"github.com/syncthing/portmap/lib/netutil"
	"github.com/syncthing/portmap/lib/svcutil"
)

func init() {
	nat.Register(nat.PMP, NewSearcher)
}

// The NAT-PMP server port, fixed by the protocol.
const serverPort = "5351"

// client is the part of *natpmp.Client in use here.
type client interface {
	GetExternalAddress() (*natpmp.GetExternalAddressResult, error)
	AddPortMapping(protocol string, internalPort, requestedExternalPort int, lifetime int) (*natpmp.AddPortMappingResult, error)
}

type searcher struct {
	opts            config.Options
	discoverGateway func() (net.IP, error)
	newClient       func(gw net.IP, timeout time.Duration) client
}

// NewSearcher returns a Searcher probing the default gateway for NAT-PMP.
func NewSearcher(opts config.Options) nat.Searcher {
	return &searcher{
		opts:            opts,
		discoverGateway: gateway.DiscoverGateway,
		newClient: func(gw net.IP, timeout time.Duration) client {
			return natpmp.NewClientWithTimeout(gw, timeout)
		},
	}
}

// Search asks the default gateway for its external address. A gateway that
// does not answer in time is taken to not speak NAT-PMP.
func (s *searcher) Search(ctx context.Context, found func(nat.Device)) ([]nat.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.SearchTimeout())
	defer cancel()

	var ip net.IP
	err := svcutil.CallWithContext(ctx, func() error {
		var err error
		ip, err = s.discoverGateway()
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			l.Debugln("Failed to discover gateway:", err)
		}
		return nil, nil
	}
	if ip == nil || ip.IsUnspecified() {
		return nil, nil
	}

	l.Debugln("Discovered gateway at", ip)

	c := s.newClient(ip, s.opts.SearchTimeout())
	err = svcutil.CallWithContext(ctx, func() error {
		_, err := c.GetExternalAddress()
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			l.Debugln("No NAT-PMP answer from", ip, "assuming it is not available:", err)
		}
		return nil, nil
	}

	localIP, err := localIPFor(ctx, ip)
	if err != nil {
		l.Debugln("Failed to look up local IP facing", ip, err)
	}

	dev := nat.NewDevice(&Gateway{
		permanentLease: s.opts.PMPPermanentLease(),
		localIP:        localIP,
		gatewayIP:      ip,
		client:         c,
		internalPorts:  make(map[portKey]int),
	})
	found(dev)
	return []nat.Device{dev}, nil
}

func localIPFor(ctx context.Context, gw net.IP) (net.IP, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "udp4", net.JoinHostPort(gw.String(), serverPort))
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return netutil.IPFromAddr(conn.LocalAddr())
}

type portKey struct {
	protocol nat.Protocol
	external int
}

// A Gateway is a NAT-PMP speaking default gateway. It implements
// nat.Gateway.
type Gateway struct {
	permanentLease time.Duration
	localIP        net.IP
	gatewayIP      net.IP
	client         client

	// Deletion needs the internal port, the lifecycle only knows the
	// external one.
	mut           sync.Mutex
	internalPorts map[portKey]int
}

var _ nat.Gateway = (*Gateway)(nil)

func (g *Gateway) ID() string {
	return fmt.Sprintf("NAT-PMP@%s", g.gatewayIP.String())
}

func (g *Gateway) GetLocalIPv4Address() net.IP {
	return g.localIP
}

func (g *Gateway) GetExternalIPv4Address(ctx context.Context) (net.IP, error) {
	var result *natpmp.GetExternalAddressResult
	err := svcutil.CallWithContext(ctx, func() error {
		var err error
		result, err = g.client.GetExternalAddress()
		return err
	})
	if err != nil {
		return nil, err
	}
	a := result.ExternalIPAddress
	return net.IPv4(a[0], a[1], a[2], a[3]).To4(), nil
}

// AddPortMapping maps to this host only; NAT-PMP forwards to the address the
// request came from.
func (g *Gateway) AddPortMapping(ctx context.Context, protocol nat.Protocol, internalIP net.IP, internalPort, externalPort int, _ string, duration time.Duration) (int, error) {
	if internalIP != nil && !internalIP.IsUnspecified() && !internalIP.Equal(g.localIP) {
		return 0, fmt.Errorf("%w: NAT-PMP cannot forward to %v, only to %v", nat.ErrInvalidArgument, internalIP, g.localIP)
	}

	// A zero lifetime deletes the mapping in NAT-PMP, so permanent
	// mappings are requested with a long lease instead.
	if duration == 0 {
		duration = g.permanentLease
	}

	var result *natpmp.AddPortMappingResult
	err := svcutil.CallWithContext(ctx, func() error {
		var err error
		result, err = g.client.AddPortMapping(strings.ToLower(string(protocol)), internalPort, externalPort, int(duration/time.Second))
		return err
	})
	if err != nil {
		return 0, err
	}

	port := int(result.MappedExternalPort)
	g.mut.Lock()
	g.internalPorts[portKey{protocol, port}] = internalPort
	g.mut.Unlock()
	return port, nil
}

func (g *Gateway) DeletePortMapping(ctx context.Context, protocol nat.Protocol, externalPort int) error {
	key := portKey{protocol, externalPort}
	g.mut.Lock()
	internalPort, ok := g.internalPorts[key]
	g.mut.Unlock()
	if !ok {
		internalPort = externalPort
	}

	err := svcutil.CallWithContext(ctx, func() error {
		_, err := g.client.AddPortMapping(strings.ToLower(string(protocol)), internalPort, 0, 0)
		return err
	})
	if err != nil {
		return err
	}

	g.mut.Lock()
	delete(g.internalPorts, key)
	g.mut.Unlock()
	return nil
}

// GetPortMappings is not part of the NAT-PMP protocol.
func (g *Gateway) GetPortMappings(context.Context) ([]*nat.Mapping, error) {
	return nil, nat.ErrNotSupported
}
