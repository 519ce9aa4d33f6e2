// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package nat

import (
	"strings"

	"github.com/syncthing/portmap/lib/config"
)

type Protocol string

const (
	TCP Protocol = "TCP"
	UDP Protocol = "UDP"
)

func (p Protocol) valid() bool {
	return p == TCP || p == UDP
}

// ParseProtocol accepts "tcp" or "udp" in any case.
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(strings.ToUpper(strings.TrimSpace(s)))
	if !p.valid() {
		return "", invalidArgument("unknown protocol %q", s)
	}
	return p, nil
}

// A Mapper is a set of port mapping protocols used for discovery.
type Mapper uint8

const (
	UPnP Mapper = 1 << iota
	PMP

	AllMappers = UPnP | PMP
)

var mapperNames = []struct {
	mapper Mapper
	name   string
}{
	{UPnP, "upnp"},
	{PMP, "pmp"},
}

// Has returns true if all of the mappers in o are set in m.
func (m Mapper) Has(o Mapper) bool {
	return o != 0 && m&o == o
}

func (m Mapper) valid() bool {
	return m&AllMappers != 0
}

func (m Mapper) String() string {
	var names []string
	for _, mn := range mapperNames {
		if m.Has(mn.mapper) {
			names = append(names, mn.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseMapper parses a comma or pipe separated list of "upnp", "pmp" and
// "all".
func ParseMapper(s string) (Mapper, error) {
	var m Mapper
	for _, field := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return r == ',' || r == '|' }) {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if field == "all" {
			m |= AllMappers
			continue
		}
		known := false
		for _, mn := range mapperNames {
			if field == mn.name {
				m |= mn.mapper
				known = true
			}
		}
		if !known {
			return 0, invalidArgument("unknown port mapper %q", field)
		}
	}
	if !m.valid() {
		return 0, invalidArgument("no port mapper in %q", s)
	}
	return m, nil
}

// EnabledMappers returns the mappers enabled in the given options.
func EnabledMappers(opts config.Options) Mapper {
	var m Mapper
	if opts.UPnPEnabled {
		m |= UPnP
	}
	if opts.PMPEnabled {
		m |= PMP
	}
	return m
}
