// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package nat

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned synchronously for precondition
	// violations: bad ports, protocols, leases or mapper selections.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDeviceNotFound is returned by single device discovery when no
	// device answered before the deadline. It does not tell a timeout apart
	// from a network without NAT devices.
	ErrDeviceNotFound = errors.New("NAT device not found")

	ErrNotSupported        = errors.New("not supported by the gateway")
	ErrOnlyPermanentLeases = errors.New("gateway only supports permanent leases")
	ErrMappingConflict     = errors.New("conflicting mapping entry on the gateway")
	ErrNoLocalAddress      = errors.New("no local IPv4 address for the gateway")
)

func invalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
