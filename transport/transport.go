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

// Package transport abstracts unreliable datagram NICs for the rpc engine.
//
// A Transport moves raw packets between endpoints and nothing more: delivery
// is unreliable and unordered, reliability belongs to the rpc layer above.
// Real deployments use kernel-bypass backends (verbs, raw ethernet, poll-mode
// drivers); this package ships UDP as the portable fallback and Fabric as an
// in-process switch for tests.
//
// All Transport methods except Resolve and Register must be called only from
// the owning event-loop goroutine.
package transport

// Route is an opaque per-peer routing blob.
//
// It is produced by Resolve from the peer URI exchanged over the
// session-management channel, and consumed by TxBurst.
type Route interface {
	String() string
}

// TxPkt is one packet submitted for transmission.
//
// Hdr and Payload are separate spans so the engine can pair a message
// fragment with its wire header without copying payload bytes. Both spans
// must stay untouched until PollTxCompletions reports the transmission done.
type TxPkt struct {
	Route   Route
	Hdr     []byte
	Payload []byte
}

// RxPkt is one received packet: wire header followed by payload.
//
// Data is owned by the transport and valid only until the next RxBurst call.
type RxPkt struct {
	Data []byte
}

// Transport is the uniform capability interface over one NIC backend.
type Transport interface {
	// LocalURI returns the URI under which peers can Resolve a route to
	// this endpoint. It is carried in session-management metadata.
	LocalURI() string

	// Resolve converts a peer URI into a Route usable with TxBurst.
	Resolve(uri string) (Route, error)

	// TxBurst submits up to len(pkts) packets for transmission.
	//
	// It may queue internally but never blocks. It returns how many
	// packets were accepted; the rest must be resubmitted after tx
	// completions are polled.
	TxBurst(pkts []TxPkt) int

	// RxBurst fills into with packets received since the last call and
	// returns their count. Non-blocking.
	RxBurst(into []RxPkt) int

	// PollTxCompletions reclaims descriptors of finished transmissions
	// and returns how many completed since the last call. Buffer spans of
	// completed packets may be reused.
	PollTxCompletions() int

	// Register registers a memory region with the NIC if the backend
	// requires that, returning the local key; otherwise returns an opaque
	// tag.
	Register(buf []byte) uint32

	// MTU returns the maximum wire packet size (header included).
	MTU() int

	// Headroom returns how many link-level bytes the backend reserves in
	// front of every packet (0 for rdma, 40 for ethernet-class headers).
	Headroom() int

	// MaxBurst returns the largest useful burst size for Tx/RxBurst.
	MaxBurst() int

	Close() error
}
