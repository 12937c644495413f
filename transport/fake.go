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

package transport

// in-process fake fabric for tests

import (
	"fmt"
	"math/rand"
	"sync"

	"lab.nexedi.com/kirr/nexrpc/proto"
)

const (
	fakeMTU      = 1024
	fakeMaxBurst = 32
)

// Fabric is an in-process packet switch connecting FakeEndpoints.
//
// It plays for nexrpc tests the role pipenet plays for stream-based tests:
// several endpoints inside one process, full observability, and - since
// delivery is datagram-style - deterministic loss and duplication injection
// driven by a seeded rng.
type Fabric struct {
	mu    sync.Mutex
	ports map[string]*FakeEndpoint
	rng   *rand.Rand

	lossProb float64
	dupProb  float64

	ntx, ndrop, ndup int
	counts           map[proto.PktType]int
}

// NewFabric creates a fabric with deterministic loss decisions seeded by seed.
func NewFabric(seed int64) *Fabric {
	return &Fabric{
		ports:  make(map[string]*FakeEndpoint),
		rng:    rand.New(rand.NewSource(seed)),
		counts: make(map[proto.PktType]int),
	}
}

// SetLoss makes every transmitted packet be dropped with probability p.
func (f *Fabric) SetLoss(p float64) {
	f.mu.Lock()
	f.lossProb = p
	f.mu.Unlock()
}

// SetDup makes every delivered packet be delivered twice with probability p.
func (f *Fabric) SetDup(p float64) {
	f.mu.Lock()
	f.dupProb = p
	f.mu.Unlock()
}

// TxCount returns how many packets endpoints submitted so far.
func (f *Fabric) TxCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ntx
}

// DropCount returns how many packets the fabric dropped so far.
func (f *Fabric) DropCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ndrop
}

// Count returns how many packets of type t were submitted so far.
func (f *Fabric) Count(t proto.PktType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[t]
}

// Endpoint creates (or returns existing) endpoint attached to the fabric
// under the given name. Its URI is "fake://<name>".
func (f *Fabric) Endpoint(name string) *FakeEndpoint {
	f.mu.Lock()
	defer f.mu.Unlock()

	ep, ok := f.ports[name]
	if !ok {
		ep = &FakeEndpoint{fabric: f, name: name}
		f.ports[name] = ep
	}
	return ep
}

// FakeEndpoint implements Transport over a Fabric.
type FakeEndpoint struct {
	fabric *Fabric
	name   string

	rxq       [][]byte // guarded by fabric.mu - peers append from their goroutines
	txpending int      // local to the owning event loop
	down      bool
}

type fakeRoute struct {
	ep *FakeEndpoint
}

func (r *fakeRoute) String() string { return "fake://" + r.ep.name }

func (ep *FakeEndpoint) LocalURI() string { return "fake://" + ep.name }

func (ep *FakeEndpoint) Resolve(uri string) (Route, error) {
	f := ep.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(uri) < 8 || uri[:7] != "fake://" {
		return nil, fmt.Errorf("transport: fake: resolve %q: wrong scheme", uri)
	}
	dst, ok := f.ports[uri[7:]]
	if !ok {
		return nil, fmt.Errorf("transport: fake: resolve %q: no such endpoint", uri)
	}
	return &fakeRoute{dst}, nil
}

func (ep *FakeEndpoint) TxBurst(pkts []TxPkt) int {
	f := ep.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if ep.down {
		return 0
	}

	n := 0
	for _, p := range pkts {
		if n == fakeMaxBurst {
			break
		}
		n++
		f.ntx++
		if len(p.Hdr) >= proto.PktHeaderLen {
			f.counts[proto.HeaderOf(p.Hdr).PktType()]++
		}

		if f.lossProb > 0 && f.rng.Float64() < f.lossProb {
			f.ndrop++
			continue
		}

		dst := p.Route.(*fakeRoute).ep
		if dst.down {
			continue
		}
		data := make([]byte, 0, len(p.Hdr)+len(p.Payload))
		data = append(data, p.Hdr...)
		data = append(data, p.Payload...)
		dst.rxq = append(dst.rxq, data)
		if f.dupProb > 0 && f.rng.Float64() < f.dupProb {
			f.ndup++
			dup := make([]byte, len(data))
			copy(dup, data)
			dst.rxq = append(dst.rxq, dup)
		}
	}
	ep.txpending += n
	return n
}

func (ep *FakeEndpoint) RxBurst(into []RxPkt) int {
	f := ep.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for n < len(into) && n < fakeMaxBurst && len(ep.rxq) > 0 {
		into[n] = RxPkt{Data: ep.rxq[0]}
		ep.rxq = ep.rxq[1:]
		n++
	}
	return n
}

func (ep *FakeEndpoint) PollTxCompletions() int {
	n := ep.txpending
	ep.txpending = 0
	return n
}

func (ep *FakeEndpoint) Register(buf []byte) uint32 { return 0 }

func (ep *FakeEndpoint) MTU() int      { return fakeMTU }
func (ep *FakeEndpoint) Headroom() int { return 0 }
func (ep *FakeEndpoint) MaxBurst() int { return fakeMaxBurst }

// Close detaches the endpoint: queued and future packets to it are dropped.
func (ep *FakeEndpoint) Close() error {
	f := ep.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	ep.down = true
	ep.rxq = nil
	return nil
}
