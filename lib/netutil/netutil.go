// Copyright (C) 2023 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package netutil enumerates the local network interfaces that discovery
// searches are sent from.
package netutil

import (
	"net"
	"runtime"
	"slices"
)

// An InterfaceLister returns the local network interfaces. It is Interfaces
// in production and a fixed list in tests.
type InterfaceLister func() ([]net.Interface, error)

// MulticastInterfaces returns the interfaces that are up and multicast
// capable. If names is non-empty only interfaces with those names are
// returned.
func MulticastInterfaces(list InterfaceLister, names []string) ([]net.Interface, error) {
	if list == nil {
		list = Interfaces
	}
	intfs, err := list()
	if err != nil {
		return nil, err
	}
	return filterMulticast(intfs, names, runtime.GOOS), nil
}

func filterMulticast(intfs []net.Interface, names []string, goos string) []net.Interface {
	res := make([]net.Interface, 0, len(intfs))
	for _, intf := range intfs {
		if len(names) > 0 && !slices.Contains(names, intf.Name) {
			continue
		}
		// Interface flags seem to always be 0 on Windows
		if goos != "windows" && (intf.Flags&net.FlagUp == 0 || intf.Flags&net.FlagMulticast == 0) {
			continue
		}
		res = append(res, intf)
	}
	return res
}

// IPFromAddr returns the IP part of a TCP, UDP or host:port address.
func IPFromAddr(addr net.Addr) (net.IP, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP, nil
	case *net.UDPAddr:
		return a.IP, nil
	default:
		host, _, err := net.SplitHostPort(addr.String())
		return net.ParseIP(host), err
	}
}
