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

package mem

// message buffers and their pool

import (
	"fmt"
	"math/bits"

	"lab.nexedi.com/kirr/nexrpc/proto"
)

// MsgBuffer is a message payload with per-packet wire headers interleaved at
// known offsets.
//
// Backing layout within its slab span:
//
//	[hdr 0][payload 0 .. maxLen)[hdr 1][hdr 2]...[hdr K-1]
//
// The payload is contiguous. Header 0 sits immediately before payload so the
// first packet of a message goes out as one span; headers of the remaining
// fragments live in the tail region, each adjacent in the span but paired
// with its fragment only at tx time. K = ceil(maxLen / mtuData) is fixed at
// allocation.
type MsgBuffer struct {
	buf     []byte // whole backing span
	dataLen int    // current payload size
	maxLen  int    // payload capacity; fixed at alloc
	mtuData int    // per-packet payload capacity of the owning pool's transport
	lkey    uint32 // registration tag of the backing arena
	class   int    // pool size class; -1 for non-pooled buffers
}

// Data returns the payload of the buffer.
func (m *MsgBuffer) Data() []byte { return m.buf[proto.PktHeaderLen : proto.PktHeaderLen+m.dataLen] }

// Size returns current payload size.
func (m *MsgBuffer) Size() int { return m.dataLen }

// MaxSize returns payload capacity fixed at allocation.
func (m *MsgBuffer) MaxSize() int { return m.maxLen }

// Lkey returns the registration tag of the backing memory region.
func (m *MsgBuffer) Lkey() uint32 { return m.lkey }

// NumPkts returns into how many packets the current payload segments.
//
// A zero-size message still occupies one packet.
func (m *MsgBuffer) NumPkts() int {
	if m.dataLen == 0 {
		return 1
	}
	return (m.dataLen + m.mtuData - 1) / m.mtuData
}

// Hdr returns the wire-header bytes reserved for packet i.
func (m *MsgBuffer) Hdr(i int) []byte {
	if i == 0 {
		return m.buf[:proto.PktHeaderLen]
	}
	off := proto.PktHeaderLen + m.maxLen + (i-1)*proto.PktHeaderLen
	return m.buf[off : off+proto.PktHeaderLen]
}

// Frag returns payload bytes of packet i of the current message.
func (m *MsgBuffer) Frag(i int) []byte {
	lo := i * m.mtuData
	hi := lo + m.mtuData
	if hi > m.dataLen {
		hi = m.dataLen
	}
	return m.buf[proto.PktHeaderLen+lo : proto.PktHeaderLen+hi]
}

// spanLen returns how many bytes a buffer with payload capacity cap needs.
func spanLen(cap, mtuData int) int {
	k := 1
	if cap > 0 {
		k = (cap + mtuData - 1) / mtuData
	}
	return proto.PktHeaderLen + cap + (k-1)*proto.PktHeaderLen
}

// minClassShift fixes the smallest size class: 64-byte payloads.
const minClassShift = 6
const numClasses = 25 - minClassShift // up to 16MiB payload

// classOf returns the pool size class for payload size n.
func classOf(n int) int {
	if n <= 1<<minClassShift {
		return 0
	}
	return bits.Len(uint(n-1)) - minClassShift
}

// Pool allocates MsgBuffers out of transport-registered slab arenas.
//
// It is single-owner: every Rpc instance holds its own Pool and only the
// owning event-loop goroutine may call it.
type Pool struct {
	mtuData  int
	register func([]byte) uint32 // transport memory registration hook
	arenas   []*arena
	free     [numClasses][]*MsgBuffer
	maxBytes int // cap on total mapped bytes
	mapped   int
}

// NewPool creates a pool whose buffers segment into packets carrying mtuData
// payload bytes each.
//
// register is called once per mapped arena to obtain the NIC registration
// tag; maxBytes bounds total slab memory (0 means the 1GiB default).
func NewPool(mtuData int, register func([]byte) uint32, maxBytes int) *Pool {
	if maxBytes == 0 {
		maxBytes = 1 << 30
	}
	if register == nil {
		register = func([]byte) uint32 { return 0 }
	}
	return &Pool{mtuData: mtuData, register: register, maxBytes: maxBytes}
}

// Alloc returns a buffer with payload size = size.
//
// Fails with proto.OUT_OF_MEMORY when the backing slabs cannot be extended.
func (p *Pool) Alloc(size int) (*MsgBuffer, error) {
	if size > proto.MaxMsgSize {
		return nil, &proto.Error{Code: proto.TOO_LARGE, Message: fmt.Sprintf("alloc %d", size)}
	}

	c := classOf(size)
	if l := len(p.free[c]); l > 0 {
		m := p.free[c][l-1]
		p.free[c] = p.free[c][:l-1]
		m.dataLen = size
		return m, nil
	}

	cap := 1 << (c + minClassShift)
	span := p.carve(spanLen(cap, p.mtuData))
	if span == nil {
		return nil, &proto.Error{Code: proto.OUT_OF_MEMORY, Message: fmt.Sprintf("alloc %d", size)}
	}

	return &MsgBuffer{
		buf:     span,
		dataLen: size,
		maxLen:  cap,
		mtuData: p.mtuData,
		lkey:    p.arenas[len(p.arenas)-1].lkey,
		class:   c,
	}, nil
}

// carve bump-allocates n bytes, mapping a new arena when the current one is full.
func (p *Pool) carve(n int) []byte {
	if len(p.arenas) > 0 {
		if s := p.arenas[len(p.arenas)-1].alloc(n); s != nil {
			return s
		}
	}

	size := n
	if size < hugePageSize {
		size = hugePageSize
	}
	if p.mapped+size > p.maxBytes {
		return nil
	}

	a, err := mapArena(size)
	if err != nil {
		return nil
	}
	a.lkey = p.register(a.mem)
	p.arenas = append(p.arenas, a)
	p.mapped += len(a.mem)

	return a.alloc(n)
}

// Resize adjusts the payload size of m without reallocation.
//
// size must not exceed the buffer's allocation-time capacity.
func (p *Pool) Resize(m *MsgBuffer, size int) error {
	if size > m.maxLen {
		return &proto.Error{Code: proto.TOO_LARGE,
			Message: fmt.Sprintf("resize %d > cap %d", size, m.maxLen)}
	}
	m.dataLen = size
	return nil
}

// Free returns m's slab span to the pool.
//
// The caller must guarantee no in-flight packet still references the span.
func (p *Pool) Free(m *MsgBuffer) {
	if m == nil || m.class < 0 {
		return
	}
	p.free[m.class] = append(p.free[m.class], m)
}

// Close unmaps all arenas. All buffers become invalid.
func (p *Pool) Close() error {
	var err error
	for _, a := range p.arenas {
		if e := a.release(); e != nil && err == nil {
			err = e
		}
	}
	p.arenas = nil
	for c := range p.free {
		p.free[c] = nil
	}
	return err
}
