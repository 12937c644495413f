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

package proto

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/nexrpc/internal/packed"
)

func TestPktHeaderLen(t *testing.T) {
	// the wire format is fixed - the header must stay exactly 16 bytes
	require.Equal(t, 16, PktHeaderLen)
}

func TestPktHeaderPack(t *testing.T) {
	b := make([]byte, PktHeaderLen)
	h := HeaderOf(b)

	h.ReqType = 0xab
	h.SetMsgSize(0x123456)
	h.DestSess = packed.Hton16(0x7788)
	h.SetTypeNum(REQ_FOR_RESP, 0xfff)
	h.ReqNum = packed.Hton64(0x1122334455667788)

	// on-wire bytes are big-endian at fixed offsets
	want := []byte{
		0xab,             // ReqType
		0x12, 0x34, 0x56, // MsgSize
		0x77, 0x88, // DestSess
		0x2f, 0xff, // PktType<<12 | PktNum
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, // ReqNum
	}
	require.Equal(t, want, b)

	// and read back through the accessors
	require.Equal(t, uint32(0x123456), h.MsgSize())
	require.Equal(t, REQ_FOR_RESP, h.PktType())
	require.Equal(t, uint16(0xfff), h.PktNum())
	require.Equal(t, uint16(0x7788), packed.Ntoh16(h.DestSess))
	require.Equal(t, uint64(0x1122334455667788), packed.Ntoh64(h.ReqNum))
}

func TestPktHeaderLimits(t *testing.T) {
	b := make([]byte, PktHeaderLen)
	h := HeaderOf(b)

	// max representable values pack and unpack cleanly
	h.SetMsgSize(MaxMsgSize)
	require.Equal(t, uint32(MaxMsgSize), h.MsgSize())

	h.SetTypeNum(EXPLICIT_CR, MaxPktsPerMsg-1)
	require.Equal(t, EXPLICIT_CR, h.PktType())
	require.Equal(t, uint16(MaxPktsPerMsg-1), h.PktNum())

	// overflow is caught, not silently truncated
	require.Panics(t, func() { h.SetMsgSize(MaxMsgSize + 1) })
	require.Panics(t, func() { h.SetTypeNum(REQ, MaxPktsPerMsg) })
}

func TestSMCodec(t *testing.T) {
	m := &SMMsg{
		Op:            SM_CONNECT_REQ,
		SenderURI:     "udp://host1:31850",
		SenderRpcId:   3,
		RemoteRpcId:   7,
		SenderSessNum: 12,
		HandlerHash:   0xdeadbeefcafe,
		MemKey:        0x1234,
	}

	data, err := SMEncode(m)
	require.NoError(t, err)

	m2, err := SMDecode(data)
	require.NoError(t, err)
	if diff := pretty.Compare(m, m2); diff != "" {
		t.Errorf("sm codec roundtrip: (-want +got):\n%s", diff)
	}
}

func TestSMDecodeInvalid(t *testing.T) {
	// garbage
	_, err := SMDecode([]byte("\xff\xff\xff"))
	require.Error(t, err)

	// structurally valid msgpack but bad op
	data, err := SMEncode(&SMMsg{Op: 0})
	require.NoError(t, err)
	_, err = SMDecode(data)
	require.Error(t, err)
}

func TestErrCode(t *testing.T) {
	require.Nil(t, NO_ERROR.Err())

	err := SESSION_RESET.Err()
	require.EqualError(t, err, "session reset")
	require.Equal(t, SESSION_RESET, ErrEncode(err))
	require.Equal(t, NO_ERROR, ErrEncode(nil))
}
