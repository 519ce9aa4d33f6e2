// Copyright (C) 2024 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"

	"github.com/syncthing/portmap/lib/nat"
	"github.com/syncthing/portmap/lib/svcutil"
)

type discoverCommand struct{}

func (*discoverCommand) Run(e *runEnv) error {
	devs, err := e.discoverAll()
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		return nat.ErrDeviceNotFound
	}
	for _, dev := range devs {
		printf("%s\n\tlocal %v, external %s\n", dev.ID(), dev.GetLocalIPv4Address(), e.externalIP(dev))
	}
	return nil
}

type ipCommand struct{}

func (*ipCommand) Run(e *runEnv) error {
	dev, err := e.discoverOne()
	if err != nil {
		return err
	}
	ip, err := dev.GetExternalIPv4Address(e.ctx)
	if err != nil {
		return err
	}
	printf("%s\n", ip)
	return nil
}

type listCommand struct{}

func (*listCommand) Run(e *runEnv) error {
	dev, err := e.discoverOne()
	if err != nil {
		return err
	}
	ms, err := dev.GetMappings(e.ctx)
	if err != nil {
		return err
	}
	return writeMappings(os.Stdout, e.externalIP(dev), ms)
}

type addCommand struct {
	Protocol    string `arg:"" enum:"tcp,udp,TCP,UDP" help:"tcp or udp"`
	PrivatePort int    `arg:"" help:"Port on this host"`
	PublicPort  int    `arg:"" optional:"" help:"Port on the gateway (default: the private port)"`
	PrivateIP   string `name:"private-ip" placeholder:"IP" help:"Private address to forward to (default: the address facing the gateway)"`
	Lease       string `default:"permanent" help:"permanent, session or a duration such as 1h"`
	Description string `help:"Mapping description (default: as configured)"`
}

func (c *addCommand) Run(e *runEnv) error {
	if c.Description == "" {
		c.Description = e.opts.Description
	}
	m, err := c.mapping()
	if err != nil {
		return err
	}
	if m.Lease().IsSession() {
		l.Infoln("Session mappings are released when stnat exits; use the keep command to hold them")
	}

	dev, err := e.discoverOne()
	if err != nil {
		return err
	}
	if err := dev.CreateMapping(e.ctx, m); err != nil {
		return err
	}
	printf("Added %v on %s\n", m, dev.ID())
	return nil
}

func (c *addCommand) mapping() (*nat.Mapping, error) {
	protocol, err := nat.ParseProtocol(c.Protocol)
	if err != nil {
		return nil, err
	}
	lease, err := nat.ParseLease(c.Lease)
	if err != nil {
		return nil, err
	}
	ip := net.IPv4zero
	if c.PrivateIP != "" {
		if ip = net.ParseIP(c.PrivateIP); ip == nil {
			return nil, fmt.Errorf("%w: bad private IP %q", nat.ErrInvalidArgument, c.PrivateIP)
		}
	}
	public := c.PublicPort
	if public == 0 {
		public = c.PrivatePort
	}
	return nat.NewMapping(protocol, ip, c.PrivatePort, public, lease, c.Description)
}

type deleteCommand struct {
	Protocol   string `arg:"" enum:"tcp,udp,TCP,UDP" help:"tcp or udp"`
	PublicPort int    `arg:"" help:"Port on the gateway"`
}

func (c *deleteCommand) Run(e *runEnv) error {
	protocol, err := nat.ParseProtocol(c.Protocol)
	if err != nil {
		return err
	}
	dev, err := e.discoverOne()
	if err != nil {
		return err
	}
	if err := dev.DeleteMapping(e.ctx, protocol, c.PublicPort); err != nil {
		return err
	}
	printf("Deleted %s %d on %s\n", protocol, c.PublicPort, dev.ID())
	return nil
}

type demoCommand struct {
	Keep bool `help:"Leave the permanent and manual mappings on the gateway"`
}

// Run opens one mapping of each lifetime, prints the gateway's table, and
// removes one of them again.
func (c *demoCommand) Run(e *runEnv) error {
	dev, err := e.discoverOne()
	if err != nil {
		return err
	}
	ip := e.externalIP(dev)

	ms, err := demoMappings()
	if err != nil {
		return err
	}
	for _, m := range ms {
		if err := dev.CreateMapping(e.ctx, m); err != nil {
			return err
		}
	}
	printf("Your IP: %s\n", ip)
	printf("Added mapping: %s:1700 -> %v:1600\n\n", ip, dev.GetLocalIPv4Address())

	ms, err = dev.GetMappings(e.ctx)
	if err != nil {
		return err
	}
	if err := writeMappings(os.Stdout, ip, ms); err != nil {
		return err
	}

	printf("\n[Removing TCP mapping] %s:1700 -> %v:1600\n", ip, dev.GetLocalIPv4Address())
	if err := dev.DeleteMapping(e.ctx, nat.TCP, 1700); err != nil {
		return err
	}
	if !c.Keep {
		if err := dev.ReleaseAll(e.ctx); err != nil {
			return err
		}
	}
	printf("[Done]\n")
	return nil
}

// demoMappings returns one TCP mapping of each lifetime to the address
// facing the gateway. Only 1600 -> 1700 is removed again by the demo itself.
func demoMappings() ([]*nat.Mapping, error) {
	manual, _ := nat.NewLease(20 * time.Second)
	demo := []struct {
		private, public int
		lease           nat.Lease
		desc            string
	}{
		{1600, 1700, nat.LeasePermanent, "portmap (temporary)"},
		{1601, 1701, nat.LeaseSession, "portmap (session lifetime)"},
		{1602, 1702, nat.LeasePermanent, "portmap (permanent lifetime)"},
		{1603, 1703, manual, "portmap (manual lifetime)"},
	}
	ms := make([]*nat.Mapping, 0, len(demo))
	for _, d := range demo {
		m, err := nat.NewMapping(nat.TCP, net.IPv4zero, d.private, d.public, d.lease, d.desc)
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	return ms, nil
}

type keepCommand struct {
	Mappings      []string `arg:"" placeholder:"PROTO:PRIVATE[:PUBLIC]" help:"Mappings to hold, such as tcp:8080 or udp:5353:53"`
	MetricsListen string   `name:"metrics-listen" placeholder:"ADDR" help:"Serve Prometheus metrics on this address"`
}

func (c *keepCommand) Run(e *runEnv) error {
	var ms []*nat.Mapping
	for _, spec := range c.Mappings {
		m, err := parseKeepMapping(spec, e.opts.Description)
		if err != nil {
			return err
		}
		ms = append(ms, m)
	}

	dev, err := e.discoverOne()
	if err != nil {
		return err
	}
	for _, m := range ms {
		if err := dev.CreateMapping(e.ctx, m); err != nil {
			return err
		}
		l.Infof("Holding %v on %s", m, dev.ID())
	}

	main := suture.New("stnat", svcutil.SpecWithInfoLogger(l))
	main.Add(e.svc)
	var metrics svcutil.ServiceWithError
	if c.MetricsListen != "" {
		metrics = svcutil.AsService(func(ctx context.Context) error {
			return serveMetrics(ctx, c.MetricsListen)
		}, "metrics")
		main.Add(metrics)
	}

	err = main.Serve(e.ctx)
	if metrics != nil {
		if merr := metrics.Error(); merr != nil && !errors.Is(merr, context.Canceled) {
			l.Warnf("Metrics on %s: %v", c.MetricsListen, merr)
		}
	}
	if e.ctx.Err() != nil {
		l.Infoln("Interrupted, releasing session mappings")
		return nil
	}
	return err
}

// parseKeepMapping parses proto:private[:public] into a session mapping to
// the address facing the gateway.
func parseKeepMapping(spec, desc string) (*nat.Mapping, error) {
	fields := strings.Split(spec, ":")
	if len(fields) < 2 || len(fields) > 3 {
		return nil, fmt.Errorf("%w: mapping %q is not proto:private[:public]", nat.ErrInvalidArgument, spec)
	}
	protocol, err := nat.ParseProtocol(fields[0])
	if err != nil {
		return nil, err
	}
	var ports []int
	for _, f := range fields[1:] {
		port, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("%w: mapping %q: %v", nat.ErrInvalidArgument, spec, err)
		}
		ports = append(ports, port)
	}
	public := ports[0]
	if len(ports) == 2 {
		public = ports[1]
	}
	return nat.NewMapping(protocol, net.IPv4zero, ports[0], public, nat.LeaseSession, desc)
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	l.Infoln("Serving metrics on", addr)
	err := srv.ListenAndServe()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// An address that cannot be listened on stays that way.
	return svcutil.NoRestartErr(err)
}

type configCommand struct{}

func (*configCommand) Run(e *runEnv) error {
	return e.cfg.WriteXML(os.Stdout)
}
