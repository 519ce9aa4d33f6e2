// Copyright (C) 2024 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command stnat discovers NAT gateways over UPnP and NAT-PMP and manages
// port mappings on them.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/syncthing/portmap/lib/config"
	"github.com/syncthing/portmap/lib/logger"
	"github.com/syncthing/portmap/lib/nat"
	_ "github.com/syncthing/portmap/lib/pmp"
	"github.com/syncthing/portmap/lib/svcutil"
	_ "github.com/syncthing/portmap/lib/upnp"
)

var l = logger.DefaultLogger.NewFacility("main", "Main package")

type CLI struct {
	Config  string        `name:"config" short:"c" placeholder:"PATH" env:"STNAT_CONFIG" help:"Configuration file (.xml or .yaml)"`
	Mappers string        `name:"mappers" placeholder:"LIST" help:"Port mappers to use: upnp, pmp or all (default: as configured)"`
	Timeout time.Duration `name:"timeout" help:"Discovery deadline (default: as configured)"`
	Debug   []string      `name:"debug" placeholder:"FACILITY" help:"Enable debug output for a facility (nat, upnp, pmp, config, main, all)"`

	Discover  discoverCommand `cmd:"" help:"List the NAT devices on the network"`
	IP        ipCommand       `cmd:"" name:"ip" help:"Show the external address of the first device found"`
	List      listCommand     `cmd:"" help:"List the port mappings of the first device found"`
	Add       addCommand      `cmd:"" help:"Create a port mapping"`
	Delete    deleteCommand   `cmd:"" help:"Delete a port mapping"`
	Demo      demoCommand     `cmd:"" help:"Create mappings of every lifetime, show the table and remove them"`
	Keep      keepCommand     `cmd:"" help:"Create session mappings and keep them renewed until interrupted"`
	ConfigCmd configCommand   `cmd:"" name:"config" help:"Print the effective configuration as XML"`
}

// runEnv is bound into every command's Run method.
type runEnv struct {
	ctx     context.Context
	cfg     config.Configuration
	opts    config.Options
	svc     *nat.Service
	mappers nat.Mapper
	timeout time.Duration
}

func main() {
	var cli CLI
	kongCtx := kong.Parse(&cli,
		kong.Name("stnat"),
		kong.Description("Discover NAT gateways and manage port mappings over UPnP and NAT-PMP."),
		kong.UsageOnError(),
	)

	for _, facility := range cli.Debug {
		if facility == "all" {
			for name := range logger.DefaultLogger.Facilities() {
				logger.DefaultLogger.SetDebug(name, true)
			}
			continue
		}
		logger.DefaultLogger.SetDebug(facility, true)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := cli.newRunEnv(ctx)
	if err != nil {
		l.Warnln(err)
		os.Exit(svcutil.ExitUsage.AsInt())
	}

	err = kongCtx.Run(env)
	env.svc.Shutdown()
	if err != nil {
		l.Warnln(err)
		os.Exit(exitStatus(err).AsInt())
	}
}

func (cli *CLI) newRunEnv(ctx context.Context) (*runEnv, error) {
	cfg := config.New()
	if cli.Config != "" {
		var err error
		if cfg, err = config.Load(cli.Config); err != nil {
			return nil, err
		}
	}

	mappers := nat.EnabledMappers(cfg.Options)
	if cli.Mappers != "" {
		var err error
		if mappers, err = nat.ParseMapper(cli.Mappers); err != nil {
			return nil, err
		}
	}

	timeout := cfg.Options.DiscoveryTimeout()
	if cli.Timeout > 0 {
		timeout = cli.Timeout
	}

	return &runEnv{
		ctx:     ctx,
		cfg:     cfg,
		opts:    cfg.Options,
		svc:     nat.NewService(cfg.Options),
		mappers: mappers,
		timeout: timeout,
	}, nil
}

func exitStatus(err error) svcutil.ExitStatus {
	switch {
	case errors.Is(err, nat.ErrDeviceNotFound):
		return svcutil.ExitNotFound
	case errors.Is(err, nat.ErrInvalidArgument):
		return svcutil.ExitUsage
	default:
		return svcutil.ExitError
	}
}

// discoverOne returns the first device answering within the deadline.
func (e *runEnv) discoverOne() (nat.Device, error) {
	ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
	defer cancel()
	dev, err := e.svc.DiscoverOne(ctx, e.mappers)
	if err != nil {
		return nil, err
	}
	l.Verboseln("Using device", dev.ID())
	return dev, nil
}

func (e *runEnv) discoverAll() ([]nat.Device, error) {
	ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
	defer cancel()
	return e.svc.DiscoverAll(ctx, e.mappers)
}

func (e *runEnv) externalIP(dev nat.Device) string {
	ip, err := dev.GetExternalIPv4Address(e.ctx)
	if err != nil {
		l.Debugf("External address of %s: %v", dev.ID(), err)
		return "unknown"
	}
	return ip.String()
}

func printf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, format, args...)
}
