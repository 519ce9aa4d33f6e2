// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package nat

import (
	"fmt"
	"net"
	"time"
)

const maxPort = 65535

// A Mapping is a port forwarding from a public port on the gateway to a
// private endpoint on the local network.
type Mapping struct {
	protocol    Protocol
	privateIP   net.IP
	privatePort int
	publicIP    net.IP
	publicPort  int
	description string

	lease      Lease
	expiration time.Time

	// Set when a session mapping had to be created with a permanent lease
	// on the gateway. Such mappings are neither expired nor renewed.
	forcedSession bool
}

// NewMapping validates its arguments and returns a mapping with the
// expiration derived from lease. An unspecified private IP is replaced by
// the device's local address when the mapping is created.
func NewMapping(protocol Protocol, privateIP net.IP, privatePort, publicPort int, lease Lease, description string) (*Mapping, error) {
	if !protocol.valid() {
		return nil, invalidArgument("unknown protocol %q", protocol)
	}
	if privateIP == nil {
		return nil, invalidArgument("missing private IP")
	}
	if err := checkPort("private", privatePort); err != nil {
		return nil, err
	}
	if err := checkPort("public", publicPort); err != nil {
		return nil, err
	}

	m := &Mapping{
		protocol:    protocol,
		privateIP:   privateIP,
		privatePort: privatePort,
		publicPort:  publicPort,
		description: description,
	}
	m.SetLease(lease)
	return m, nil
}

func checkPort(which string, port int) error {
	if port < 0 || port > maxPort {
		return invalidArgument("%s port %d out of range", which, port)
	}
	return nil
}

func (m *Mapping) Protocol() Protocol    { return m.protocol }
func (m *Mapping) PrivateIP() net.IP     { return m.privateIP }
func (m *Mapping) PrivatePort() int      { return m.privatePort }
func (m *Mapping) PublicIP() net.IP      { return m.publicIP }
func (m *Mapping) PublicPort() int       { return m.publicPort }
func (m *Mapping) Description() string   { return m.description }
func (m *Mapping) Lease() Lease          { return m.lease }
func (m *Mapping) Expiration() time.Time { return m.expiration }

// ForcedSession is true for session mappings the gateway only accepted
// with a permanent lease.
func (m *Mapping) ForcedSession() bool { return m.forcedSession }

// SetLease replaces the lease and recomputes the expiration from the
// current time.
func (m *Mapping) SetLease(lease Lease) {
	m.lease = lease
	m.expiration = clk.Now().Add(lease.Duration())
}

// SetExpiration sets the expiration and turns the mapping into a manual
// one, with the lease derived from the time remaining until t.
func (m *Mapping) SetExpiration(t time.Time) {
	m.expiration = t
	m.lease = clampedLease(int64(t.Sub(clk.Now()) / time.Second))
}

// IsExpired returns true for non permanent mappings past their expiration.
func (m *Mapping) IsExpired() bool {
	if m.lease.IsPermanent() || m.forcedSession {
		return false
	}
	return m.expiration.Before(clk.Now())
}

// ShouldRenew returns true for session mappings whose window has elapsed.
func (m *Mapping) ShouldRenew() bool {
	return m.lease.IsSession() && m.IsExpired()
}

// Equal compares the public and private ports only. A TCP and a UDP mapping
// over the same ports are the same mapping as far as bookkeeping goes.
func (m *Mapping) Equal(o *Mapping) bool {
	if o == nil {
		return false
	}
	return m.publicPort == o.publicPort && m.privatePort == o.privatePort
}

func (m *Mapping) Clone() *Mapping {
	c := *m
	c.privateIP = cloneIP(m.privateIP)
	c.publicIP = cloneIP(m.publicIP)
	return &c
}

func cloneIP(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}
	return append(net.IP(nil), ip...)
}

func (m *Mapping) String() string {
	public := fmt.Sprintf("%d", m.publicPort)
	if m.publicIP != nil {
		public = net.JoinHostPort(m.publicIP.String(), public)
	}
	return fmt.Sprintf("%s %s -> %s (%q, %v)", m.protocol, public,
		net.JoinHostPort(m.privateIP.String(), fmt.Sprintf("%d", m.privatePort)), m.description, m.lease)
}
