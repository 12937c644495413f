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

// Package nexrpc is a low-latency request/response rpc engine for datacenter
// networks with kernel-bypass NICs.
//
// A process holds one Nexus - the process-wide endpoint carrying the handler
// table, the session-management thread and the background worker pool. Each
// datapath thread owns one Rpc instance bound to a transport endpoint and
// drives it by polling RunEventLoop. Sessions connect pairs of Rpc instances
// across the network; requests flow through per-session sliding windows with
// explicit credit return, request-for-response pulls and rate-based (Timely)
// congestion control.
//
// See package transport for the NIC abstraction and package proto for the
// wire format.
package nexrpc

import (
	"context"
	"hash/crc64"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"lab.nexedi.com/kirr/nexrpc/internal/log"
)

// HandlerMode says where a request handler runs.
type HandlerMode int

const (
	// HandleInline runs the handler directly on the event-loop goroutine.
	// Inline handlers must not block.
	HandleInline HandlerMode = iota

	// HandleBackground hands the request to the Nexus worker pool.
	// Background handlers may block.
	HandleBackground
)

// ReqFunc is a request handler.
//
// It receives the fully reassembled request and eventually must call
// Rpc.EnqueueResponse on the handle.
type ReqFunc func(h *ReqHandle)

type handlerDesc struct {
	fn   ReqFunc
	mode HandlerMode
	ok   bool
}

// Nexus is the process-wide rpc endpoint.
//
// It carries the request-type -> handler table, the session-management
// thread listening on the management port, and the background worker pool.
// Rpc instances attach to it at construction.
type Nexus struct {
	sock *net.UDPConn // management socket; rx by the SM thread, tx by anyone

	handlers [256]handlerDesc
	sealed   atomic.Bool // no more RegisterHandler once an Rpc exists
	hash     uint64      // handler table hash, fixed at seal time

	registry registry

	// background workers; gid -> worker index for routing datapath calls
	// made from inside background handlers
	nworkers int
	wgidMu   sync.RWMutex
	wgid     map[int64]int

	serveWg *errgroup.Group
	cancel  context.CancelFunc
}

// NewNexus creates a Nexus listening for session management on laddr
// ("host:port", port 0 picks a free one) and running nworkers background
// workers.
func NewNexus(laddr string, nworkers int) (_ *Nexus, err error) {
	defer func() {
		if err != nil {
			err = errors.Wrap(err, "nexus")
		}
	}()

	ua, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, err
	}
	sock, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, err
	}

	nx := &Nexus{
		sock:     sock,
		nworkers: nworkers,
		wgid:     make(map[int64]int),
	}

	ctx, cancel := context.WithCancel(context.Background())
	nx.cancel = cancel
	nx.serveWg, ctx = errgroup.WithContext(ctx)

	nx.serveWg.Go(func() error {
		return nx.smServe(ctx)
	})
	for i := 0; i < nworkers; i++ {
		w := &worker{nx: nx, idx: i}
		nx.serveWg.Go(func() error {
			return w.run(ctx)
		})
	}

	log.Infof(ctx, "nexus: listening on %s; %d background workers", sock.LocalAddr(), nworkers)
	return nx, nil
}

// MgmtAddr returns the management address peers use in CreateSession.
func (nx *Nexus) MgmtAddr() string {
	return nx.sock.LocalAddr().String()
}

// RegisterHandler registers fn to serve requests of the given type.
//
// All handlers must be registered before the first Rpc instance is created;
// afterwards the table is read lock-free by the datapath.
func (nx *Nexus) RegisterHandler(reqType uint8, fn ReqFunc, mode HandlerMode) error {
	if nx.sealed.Load() {
		return errors.New("nexus: register handler: an Rpc instance already exists")
	}
	if fn == nil {
		return errors.New("nexus: register handler: nil func")
	}
	if nx.handlers[reqType].ok {
		return errors.Errorf("nexus: register handler: type %d already registered", reqType)
	}
	nx.handlers[reqType] = handlerDesc{fn: fn, mode: mode, ok: true}
	return nil
}

// seal freezes the handler table. Called by NewRpc.
func (nx *Nexus) seal() {
	if nx.sealed.CompareAndSwap(false, true) {
		nx.hash = nx.handlerHash()
	}
}

// handlerHash digests the registered (type, mode) table.
//
// Both ends of a session must agree on it - a mismatch means the peers run
// different applications and the connect is refused.
func (nx *Nexus) handlerHash() uint64 {
	d := crc64.New(crc64.MakeTable(crc64.ECMA))
	for typ := 0; typ < 256; typ++ {
		h := &nx.handlers[typ]
		if !h.ok {
			continue
		}
		d.Write([]byte{byte(typ), byte(h.mode)})
	}
	return d.Sum64()
}

// workerIndexOf returns which background worker runs on goroutine gid.
func (nx *Nexus) workerIndexOf(gid int64) (int, bool) {
	nx.wgidMu.RLock()
	i, ok := nx.wgid[gid]
	nx.wgidMu.RUnlock()
	return i, ok
}

// Close shuts the session-management thread and the worker pool down.
//
// All Rpc instances must be closed first.
func (nx *Nexus) Close() error {
	nx.cancel()
	err1 := nx.sock.Close() // unblocks smServe
	err2 := nx.serveWg.Wait()
	if err1 != nil {
		return errors.Wrap(err1, "nexus: close")
	}
	return err2
}
