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

import (
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/nexrpc/proto"
)

const mtuData = 1024 - proto.PktHeaderLen // 1008, as in the MTU=1024 scenario

func TestAllocLayout(t *testing.T) {
	p := NewPool(mtuData, nil, 0)
	defer p.Close()

	// 4096-byte payload segments into 5 packets at mtuData=1008
	m, err := p.Alloc(4096)
	require.NoError(t, err)
	require.Equal(t, 4096, m.Size())
	require.Equal(t, 4096, m.MaxSize())
	require.Equal(t, 5, m.NumPkts())
	require.Equal(t, 4096, len(m.Data()))

	// fragments tile the payload exactly
	total := 0
	for i := 0; i < m.NumPkts(); i++ {
		require.Equal(t, proto.PktHeaderLen, len(m.Hdr(i)))
		total += len(m.Frag(i))
	}
	require.Equal(t, 4096, total)

	// payload is contiguous: writing through Data shows up in fragments
	data := m.Data()
	for i := range data {
		data[i] = byte(i)
	}
	require.Equal(t, byte(mtuData&0xff), m.Frag(1)[0])

	// headers do not overlap payload
	m.Hdr(1)[0] = 0xee
	m.Hdr(4)[proto.PktHeaderLen-1] = 0xdd
	require.Equal(t, byte(0), data[0])
	require.Equal(t, byte(4095&0xff), data[4095])
}

func TestResize(t *testing.T) {
	p := NewPool(mtuData, nil, 0)
	defer p.Close()

	m, err := p.Alloc(4096)
	require.NoError(t, err)

	// shrink within capacity - no reallocation, fragment count follows
	base := &m.buf[0]
	require.NoError(t, p.Resize(m, 100))
	require.Equal(t, 100, m.Size())
	require.Equal(t, 1, m.NumPkts())
	require.Equal(t, base, &m.buf[0])

	// grow back up to capacity
	require.NoError(t, p.Resize(m, 4096))
	require.Equal(t, 5, m.NumPkts())

	// beyond capacity is refused
	err = p.Resize(m, 4097)
	require.Error(t, err)
	require.Equal(t, proto.TOO_LARGE, proto.ErrEncode(err))
}

func TestFreeReuse(t *testing.T) {
	p := NewPool(mtuData, nil, 0)
	defer p.Close()

	m1, err := p.Alloc(64)
	require.NoError(t, err)
	span := &m1.buf[0]
	p.Free(m1)

	// same class alloc reuses the span
	m2, err := p.Alloc(33)
	require.NoError(t, err)
	require.Equal(t, span, &m2.buf[0])
	require.Equal(t, 33, m2.Size())
}

func TestAllocExhausted(t *testing.T) {
	// pool capped at one hugepage
	p := NewPool(mtuData, nil, hugePageSize)
	defer p.Close()

	// first arena-sized allocation fits...
	m, err := p.Alloc(1 << 20)
	require.NoError(t, err)
	_ = m

	// ...but the pool cannot map a second arena for another megabyte one
	for {
		_, err = p.Alloc(1 << 20)
		if err != nil {
			break
		}
	}
	require.Equal(t, proto.OUT_OF_MEMORY, proto.ErrEncode(err))
}

func TestAllocTooLarge(t *testing.T) {
	p := NewPool(mtuData, nil, 0)
	defer p.Close()

	_, err := p.Alloc(proto.MaxMsgSize + 1)
	require.Error(t, err)
	require.Equal(t, proto.TOO_LARGE, proto.ErrEncode(err))
}

func TestRegisterHook(t *testing.T) {
	nreg := 0
	reg := func(b []byte) uint32 { nreg++; return 0x42 }

	p := NewPool(mtuData, reg, 0)
	defer p.Close()

	m, err := p.Alloc(128)
	require.NoError(t, err)
	require.Equal(t, 1, nreg)
	require.Equal(t, uint32(0x42), m.Lkey())
}
