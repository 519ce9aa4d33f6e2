// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package nat

import (
	"sync"

	"github.com/syncthing/portmap/lib/config"
)

// A SearcherFunc creates the Searcher for one protocol from the options.
type SearcherFunc func(opts config.Options) Searcher

var (
	searchersMut sync.Mutex
	searchers    = make(map[Mapper]SearcherFunc)
)

// Register makes a protocol implementation available to discovery. It is
// meant to be called from the init function of the implementing package.
func Register(m Mapper, fn SearcherFunc) {
	searchersMut.Lock()
	searchers[m] = fn
	searchersMut.Unlock()
}

func registeredSearcher(m Mapper, opts config.Options) Searcher {
	searchersMut.Lock()
	fn, ok := searchers[m]
	searchersMut.Unlock()
	if !ok {
		return nil
	}
	return fn(opts)
}
