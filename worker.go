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

// background worker pool

import (
	"context"
	"time"

	"github.com/petermattis/goid"
)

// worker executes background handlers off the datapath.
//
// Hand-off uses per-(Rpc, worker) SPSC rings in both directions, so each ring
// has exactly one producer and one consumer. The worker never touches the
// transport or the buffer pool - all transport-visible work stays with the
// owning event loop, which drains the return rings in its step 5.
type worker struct {
	nx  *Nexus
	idx int
}

func (w *worker) run(ctx context.Context) error {
	gid := goid.Get()
	w.nx.wgidMu.Lock()
	w.nx.wgid[gid] = w.idx
	w.nx.wgidMu.Unlock()

	idle := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		did := false
		for _, rpc := range w.nx.registry.list() {
			h, err := rpc.wreq[w.idx].Dequeue()
			if err != nil {
				continue // ring empty
			}
			did = true
			w.serve(rpc, h)
		}

		if did {
			idle = 0
			continue
		}
		// nothing swept; back off a little but keep latency bounded
		idle++
		if idle > 64 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(20 * time.Microsecond):
			}
		}
	}
}

// serve runs one background handler and posts the result back.
func (w *worker) serve(rpc *Rpc, h *ReqHandle) {
	h.bg = true
	w.nx.handlers[h.ReqType].fn(h)

	if !h.ready {
		// handler did not enqueue a response before returning; a later
		// EnqueueResponse on the event loop (e.g. from a nested
		// request's continuation) transmits it directly, while one from
		// any other goroutine is never posted and the slot stays busy
		return
	}

	// return ring: producer = this worker only, consumer = owning loop
	for {
		err := rpc.wresp[w.idx].Enqueue(&h)
		if err == nil {
			return
		}
		time.Sleep(time.Microsecond) // loop is draining; retry
	}
}
