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

// Package mem provides message buffers backed by a hugepage slab allocator.
//
// Buffers are handed to applications as MsgBuffer and to the NIC as spans of
// transport-registered arenas. The arena free-list layout is internal - the
// only contract is the one Pool provides: every allocated buffer's payload is
// addressable through a registered region, and a freed buffer is never
// referenced by an in-flight packet (the engine enforces the latter by owning
// buffer lifetime until tx completion).
package mem

import (
	"golang.org/x/sys/unix"
)

// hugePageSize is the slab granularity. 2MiB matches the common x86-64
// hugepage size; arenas grow in multiples of it.
const hugePageSize = 2 * 1024 * 1024

// arena is one contiguous mmap'ed region registered with the transport.
type arena struct {
	mem  []byte
	huge bool   // whether backed by real hugepages
	lkey uint32 // transport registration tag
	off  int    // bump-allocation watermark
}

// mapArena maps a new region of at least size bytes, preferring hugepages.
//
// CI machines and laptops usually have no hugepages configured - in that case
// the mapping silently falls back to normal pages. The transport does not
// care; only TLB pressure does.
func mapArena(size int) (*arena, error) {
	size = (size + hugePageSize - 1) &^ (hugePageSize - 1)

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB)
	if err == nil {
		return &arena{mem: mem, huge: true}, nil
	}

	mem, err = unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	return &arena{mem: mem}, nil
}

// alloc carves n bytes out of the arena.
// Returns nil when the arena has no room left.
func (a *arena) alloc(n int) []byte {
	if a.off+n > len(a.mem) {
		return nil
	}
	s := a.mem[a.off : a.off+n : a.off+n]
	a.off += n
	return s
}

// release unmaps the arena.
func (a *arena) release() error {
	mem := a.mem
	a.mem = nil
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}
