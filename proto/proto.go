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

// Package proto provides definition of the nexrpc wire protocol.
//
// The datapath protocol is packet-oriented: every wire packet starts with
// fixed 16-byte PktHeader followed by up to (transport MTU - PktHeaderLen)
// bytes of message payload. Messages larger than one MTU are segmented into
// several packets numbered by PktNum and reassembled at the receiver by
// (ReqNum, PktNum).
//
// The session-management side channel speaks SMMsg messages encoded with
// msgpack over a plain datagram socket - see sm.go.
package proto

import (
	"fmt"
	"unsafe"

	"lab.nexedi.com/kirr/nexrpc/internal/packed"
)

// PktType is the type of one wire packet.
type PktType uint8

const (
	REQ          PktType = 0 // request data
	RESP         PktType = 1 // response data
	REQ_FOR_RESP PktType = 2 // pull next response segment
	EXPLICIT_CR  PktType = 3 // grant credits for multi-packet request

	pktTypeMask uint16 = 0xf000
	pktNumMask  uint16 = 0x0fff
)

// PktHeader represents header of a raw packet.
//
// The layout is fixed and is the same on all transports:
//
//	off 0    uint8   request type
//	off 1-3  24 bits message size (total payload bytes of the message)
//	off 4-5  be16    destination session number
//	off 6-7  be16    4 bits packet type | 12 bits packet number
//	off 8-15 be64    request number
type PktHeader struct {
	ReqType  uint8       // handler type id of the carried message
	msgSize  [3]byte     // 24-bit total message payload size
	DestSess packed.BE16 // receiver's session number
	typNum   packed.BE16 // packet type | packet number within message
	ReqNum   packed.BE64 // request number; monotonic per (session, slot)
}

const PktHeaderLen = int(unsafe.Sizeof(PktHeader{})) // = 16

// MaxPktsPerMsg is how many packets one message can be segmented into.
// PktNum is 12 bits wide.
const MaxPktsPerMsg = 1 << 12

// MaxMsgSize is the hard wire-format bound on message payload size.
// MsgSize is 24 bits wide.
const MaxMsgSize = 1<<24 - 1

// HeaderOf interprets start of b as PktHeader.
//
// b must be allocated with len(b) >= PktHeaderLen.
func HeaderOf(b []byte) *PktHeader {
	return (*PktHeader)(unsafe.Pointer(&b[0]))
}

// MsgSize returns total payload size of the message this packet belongs to.
func (h *PktHeader) MsgSize() uint32 {
	return uint32(h.msgSize[2]) | uint32(h.msgSize[1])<<8 | uint32(h.msgSize[0])<<16
}

// SetMsgSize sets total message payload size.
//
// size must be < 2^24.
func (h *PktHeader) SetMsgSize(size uint32) {
	if size > MaxMsgSize {
		panic("msgSize overflows 24 bits")
	}
	h.msgSize = [3]byte{byte(size >> 16), byte(size >> 8), byte(size)}
}

// PktType returns type of the packet.
func (h *PktHeader) PktType() PktType {
	return PktType(packed.Ntoh16(h.typNum) >> 12)
}

// PktNum returns number of the packet within its message.
//
// For REQ_FOR_RESP the number names the response segment being pulled;
// EXPLICIT_CR packets carry 0.
func (h *PktHeader) PktNum() uint16 {
	return packed.Ntoh16(h.typNum) & pktNumMask
}

// SetTypeNum sets packet type and packet number together.
func (h *PktHeader) SetTypeNum(typ PktType, num uint16) {
	if num >= MaxPktsPerMsg {
		panic("pktNum overflows 12 bits")
	}
	h.typNum = packed.Hton16(uint16(typ)<<12 | num)
}

func (t PktType) String() string {
	switch t {
	case REQ:
		return "req"
	case RESP:
		return "resp"
	case REQ_FOR_RESP:
		return "rfr"
	case EXPLICIT_CR:
		return "cr"
	}
	return fmt.Sprintf("?(%d)", uint8(t))
}

// String dumps a header in human-readable form.
func (h *PktHeader) String() string {
	return fmt.Sprintf(".%d %s #%d/%d t%d [%d]",
		packed.Ntoh16(h.DestSess), h.PktType(), packed.Ntoh64(h.ReqNum),
		h.PktNum(), h.ReqType, h.MsgSize())
}
