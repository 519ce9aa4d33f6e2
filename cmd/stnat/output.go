// Copyright (C) 2024 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/syncthing/portmap/lib/nat"
)

// writeMappings prints a mapping table, one row per mapping.
func writeMappings(w io.Writer, externalIP string, ms []*nat.Mapping) error {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROTO\tPUBLIC IP\tPORT\tPRIVATE IP\tPORT\tDESCRIPTION\tLEASE\tEXPIRES\t")
	for _, m := range ms {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%v\t%d\t%s\t%v\t%s\t\n",
			m.Protocol(), externalIP, m.PublicPort(), m.PrivateIP(), m.PrivatePort(),
			m.Description(), m.Lease(), expires(m))
	}
	return tw.Flush()
}

func expires(m *nat.Mapping) string {
	if m.Lease().IsPermanent() || m.ForcedSession() {
		return "never"
	}
	return m.Expiration().Local().Format(time.DateTime)
}
