// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"time"

	"github.com/syncthing/portmap/lib/util"
)

type Options struct {
	UPnPEnabled        bool     `xml:"upnpEnabled" json:"upnpEnabled" default:"true"`
	PMPEnabled         bool     `xml:"pmpEnabled" json:"pmpEnabled" default:"true"`
	DiscoveryTimeoutS  int      `xml:"discoveryTimeoutSeconds" json:"discoveryTimeoutSeconds" default:"3"`
	SearchTimeoutS     int      `xml:"searchTimeoutSeconds" json:"searchTimeoutSeconds" default:"5"`
	RenewalWarmupS     int      `xml:"renewalWarmupSeconds" json:"renewalWarmupSeconds" default:"5"`
	RenewalIntervalS   int      `xml:"renewalIntervalSeconds" json:"renewalIntervalSeconds" default:"2"`
	RenewalTimeoutS    int      `xml:"renewalTimeoutSeconds" json:"renewalTimeoutSeconds" default:"10"`
	ReleaseTimeoutS    int      `xml:"releaseTimeoutSeconds" json:"releaseTimeoutSeconds" default:"5"`
	PMPPermanentLeaseM int      `xml:"pmpPermanentLeaseMinutes" json:"pmpPermanentLeaseMinutes" default:"10080"`
	Interfaces         []string `xml:"interface" json:"interfaces"`
	Description        string   `xml:"description" json:"description" default:"portmap"`
}

// DiscoveryTimeout is the deadline used for single device discovery when
// the caller does not set one.
func (o Options) DiscoveryTimeout() time.Duration {
	return time.Duration(o.DiscoveryTimeoutS) * time.Second
}

// SearchTimeout is how long one protocol search runs at most.
func (o Options) SearchTimeout() time.Duration {
	return time.Duration(o.SearchTimeoutS) * time.Second
}

func (o Options) RenewalWarmup() time.Duration {
	return time.Duration(o.RenewalWarmupS) * time.Second
}

func (o Options) RenewalInterval() time.Duration {
	return time.Duration(o.RenewalIntervalS) * time.Second
}

// RenewalTimeout bounds the renewal of a single device within a cycle.
func (o Options) RenewalTimeout() time.Duration {
	return time.Duration(o.RenewalTimeoutS) * time.Second
}

func (o Options) ReleaseTimeout() time.Duration {
	return time.Duration(o.ReleaseTimeoutS) * time.Second
}

// PMPPermanentLease is the lifetime requested from NAT-PMP gateways for
// permanent mappings, as the protocol has no way of expressing one.
func (o Options) PMPPermanentLease() time.Duration {
	return time.Duration(o.PMPPermanentLeaseM) * time.Minute
}

// prepare replaces nonsensical values with their defaults.
func (o *Options) prepare() {
	var def Options
	util.SetDefaults(&def)

	fixups := []struct {
		val *int
		def int
	}{
		{&o.DiscoveryTimeoutS, def.DiscoveryTimeoutS},
		{&o.SearchTimeoutS, def.SearchTimeoutS},
		{&o.RenewalWarmupS, def.RenewalWarmupS},
		{&o.RenewalIntervalS, def.RenewalIntervalS},
		{&o.RenewalTimeoutS, def.RenewalTimeoutS},
		{&o.ReleaseTimeoutS, def.ReleaseTimeoutS},
		{&o.PMPPermanentLeaseM, def.PMPPermanentLeaseM},
	}
	for _, f := range fixups {
		if *f.val <= 0 {
			*f.val = f.def
		}
	}

	o.Interfaces = util.UniqueTrimmedStrings(o.Interfaces)
}
