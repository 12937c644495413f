// Copyright (C) 2024-2026  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

package nexrpc

// process-wide rpc registry

import (
	"sync"

	"github.com/pkg/errors"
)

// registry maps rpc id -> Rpc instance within one Nexus.
//
// Mutations happen at instance construction/destruction; the only other
// reader is the session-management thread, whose lookups are rare enough to
// pay the lock.
type registry struct {
	mu  sync.Mutex
	tab map[uint8]*Rpc
}

func (r *registry) register(id uint8, rpc *Rpc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tab == nil {
		r.tab = make(map[uint8]*Rpc)
	}
	if _, dup := r.tab[id]; dup {
		return errors.Errorf("rpc id %d already registered", id)
	}
	r.tab[id] = rpc
	return nil
}

func (r *registry) deregister(id uint8) {
	r.mu.Lock()
	delete(r.tab, id)
	r.mu.Unlock()
}

func (r *registry) lookup(id uint8) *Rpc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tab[id]
}

// list snapshots all registered instances.
func (r *registry) list() []*Rpc {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := make([]*Rpc, 0, len(r.tab))
	for _, rpc := range r.tab {
		l = append(l, rpc)
	}
	return l
}
