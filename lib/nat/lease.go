// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package nat

import (
	"math"
	"strings"
	"time"
)

// Lifetime classifies how a mapping is kept alive.
type Lifetime int

const (
	// Permanent mappings never expire on the gateway and are never renewed.
	Permanent Lifetime = iota
	// Session mappings are renewed in short windows for as long as the
	// process runs, and released when it shuts down.
	Session
	// Manual mappings live for the requested time and are then forgotten.
	Manual
)

func (t Lifetime) String() string {
	switch t {
	case Permanent:
		return "permanent"
	case Session:
		return "session"
	case Manual:
		return "manual"
	default:
		return "unknown"
	}
}

// SessionLease is the window a session mapping is valid for before the
// renewal loop refreshes it.
const SessionLease = 10 * time.Minute

// sessionSlack is added to the lease requested from the gateway for session
// mappings, so that renewal happens before the gateway drops them.
const sessionSlack = time.Minute

const sessionSeconds = math.MaxInt32

// A Lease is the requested lifetime of a mapping. The zero value is a
// permanent lease.
type Lease struct {
	seconds int32
}

var (
	LeasePermanent = Lease{}
	LeaseSession   = Lease{seconds: sessionSeconds}
)

// NewLease returns a manual lease of d, truncated to whole seconds. Leases
// shorter than a second, or long enough to collide with the session marker,
// are rejected.
func NewLease(d time.Duration) (Lease, error) {
	secs := int64(d / time.Second)
	if secs < 1 {
		return Lease{}, invalidArgument("lease %v is shorter than one second", d)
	}
	if secs >= sessionSeconds {
		return Lease{}, invalidArgument("lease %v is too long for a manual lease", d)
	}
	return Lease{seconds: int32(secs)}, nil
}

// ParseLease accepts "permanent", "session" or a duration such as "90s".
func ParseLease(s string) (Lease, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "permanent", "":
		return LeasePermanent, nil
	case "session":
		return LeaseSession, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return Lease{}, invalidArgument("lease %q: %v", s, err)
	}
	return NewLease(d)
}

// clampedLease returns the manual lease closest to secs.
func clampedLease(secs int64) Lease {
	switch {
	case secs < 1:
		secs = 1
	case secs >= sessionSeconds:
		secs = sessionSeconds - 1
	}
	return Lease{seconds: int32(secs)}
}

func (l Lease) Lifetime() Lifetime {
	switch l.seconds {
	case 0:
		return Permanent
	case sessionSeconds:
		return Session
	default:
		return Manual
	}
}

func (l Lease) IsPermanent() bool { return l.Lifetime() == Permanent }
func (l Lease) IsSession() bool   { return l.Lifetime() == Session }
func (l Lease) IsManual() bool    { return l.Lifetime() == Manual }

// Seconds returns the raw lease value: zero for permanent leases and
// math.MaxInt32 for session leases.
func (l Lease) Seconds() int {
	return int(l.seconds)
}

// Duration is how long a mapping with this lease stays valid locally.
func (l Lease) Duration() time.Duration {
	switch l.Lifetime() {
	case Permanent:
		return 0
	case Session:
		return SessionLease
	default:
		return time.Duration(l.seconds) * time.Second
	}
}

func (l Lease) String() string {
	if l.IsManual() {
		return l.Duration().String()
	}
	return l.Lifetime().String()
}
