// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package nat

import (
	"context"
	"net"
	"time"
)

// A Gateway speaks one port mapping protocol to one NAT device. It holds no
// mapping state; NewDevice wraps it with the mapping lifecycle.
type Gateway interface {
	// ID is stable for a given physical device and protocol.
	ID() string
	GetLocalIPv4Address() net.IP
	GetExternalIPv4Address(ctx context.Context) (net.IP, error)
	// AddPortMapping asks for externalPort to be forwarded to internalPort
	// on internalIP, for duration or permanently when it is zero. It
	// returns the external port the gateway assigned.
	AddPortMapping(ctx context.Context, protocol Protocol, internalIP net.IP, internalPort, externalPort int, description string, duration time.Duration) (int, error)
	DeletePortMapping(ctx context.Context, protocol Protocol, externalPort int) error
	// GetPortMappings returns ErrNotSupported when the protocol cannot
	// enumerate the gateway's table.
	GetPortMappings(ctx context.Context) ([]*Mapping, error)
}

// A Device is a discovered NAT device together with the mappings this
// process opened on it. Operations on one device are serialized.
type Device interface {
	ID() string
	// Touch marks the device as seen by a discovery.
	Touch()
	LastSeen() time.Time
	GetLocalIPv4Address() net.IP
	GetExternalIPv4Address(ctx context.Context) (net.IP, error)
	// GetMappings lists the gateway's mappings, or those opened by this
	// process if the gateway cannot list them.
	GetMappings(ctx context.Context) ([]*Mapping, error)
	// CreateMapping opens m on the gateway and tracks it. The public port
	// and IP of m are updated to what the gateway assigned.
	CreateMapping(ctx context.Context, m *Mapping) error
	DeleteMapping(ctx context.Context, protocol Protocol, publicPort int) error
	// RenewMappings refreshes session mappings that are due and forgets
	// expired manual ones.
	RenewMappings(ctx context.Context) error
	ReleaseAll(ctx context.Context) error
	ReleaseSessionMappings(ctx context.Context) error
}

// A Searcher looks for devices of one protocol. Search calls found for
// every device as soon as it is discovered and returns all of them when the
// search completes. Cancellation or the searcher's own timeout end the
// search without error.
type Searcher interface {
	Search(ctx context.Context, found func(Device)) ([]Device, error)
}
