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

// sliding-window slots: the reliability and flow-control core
//
// Every session has W slots. A slot serializes its requests: request numbers
// start at the slot index and advance by W on reuse, so reqNum mod W names
// the slot on both ends and reqNums are unique per session.
//
// Client side                                     Server side
//
//	idle --enqueue--> inProgress                   reassemble request packets,
//	inProgress --first resp pkt--> awaitingResp    CR after packet 0,
//	awaitingResp --resp complete--> idle           serve RFR pulls,
//	{any} --session reset--> idle (error cont)     keep last response for dup
//	                                               request packets

import (
	"context"

	"lab.nexedi.com/kirr/nexrpc/internal/log"
	"lab.nexedi.com/kirr/nexrpc/internal/packed"
	"lab.nexedi.com/kirr/nexrpc/mem"
	"lab.nexedi.com/kirr/nexrpc/proto"
)

type slotState int

const (
	slotIdle slotState = iota
	slotInProgress
	slotAwaitingResp
)

// sslot is one element of a session's request window.
//
// Client-role sessions use the client fields, server-role sessions the srv
// fields; a session never uses both sides of a slot.
type sslot struct {
	sess *session
	idx  int

	state slotState

	// client
	reqNum     uint64 // request currently (or last) occupying the slot
	nextReqNum uint64
	reqBuf     *mem.MsgBuffer
	respBuf    *mem.MsgBuffer
	cont       ContFunc
	tag        uint64
	reqTotal   int // request packets overall
	reqSent    int // request packets transmitted
	crRcvd     bool
	creditsOut int // credits consumed by this slot's in-flight packets
	respTotal  int // response packets overall; 0 = response size unknown yet
	respGot    int
	respRcvd   []bool
	txTime     int64 // when packet 0 went out; RTT sample base
	nretx      int   // consecutive timeouts without progress
	backoff    int64 // current retransmission interval, ns
	rto        wtimer

	// server
	srvSeen      bool
	srvReqNum    uint64
	srvReqBuf    *mem.MsgBuffer // request under reassembly / being handled
	srvRcvd      []bool
	srvGot       int
	srvTotal     int
	srvBusy      bool            // handler running (possibly on a worker)
	srvRespBuf   *mem.MsgBuffer  // kept until the next request reuses the slot
	srvRespTotal int
	srvDyn       bool // srvRespBuf is pool-allocated, not the slot prealloc
	prealloc     *mem.MsgBuffer // lazily allocated one-MTU response buffer
	crSent       bool
}

func newSlot(s *session, idx int) *sslot {
	slot := &sslot{sess: s, idx: idx, nextReqNum: uint64(idx)}
	slot.rto = wtimer{kind: timerRTO, sess: s, slot: slot}
	return slot
}

// ---- client: issue requests ----

// startRequest engages an idle slot for the queued request.
func (s *session) startRequest(slot *sslot, p pendingReq) {
	rpc := s.rpc

	slot.state = slotInProgress
	slot.reqNum = slot.nextReqNum
	slot.nextReqNum += uint64(len(s.slots))

	slot.reqBuf, slot.respBuf = p.req, p.resp
	slot.cont, slot.tag = p.cont, p.tag
	slot.reqTotal = p.req.NumPkts()
	slot.reqSent = 0
	slot.crRcvd = false
	slot.creditsOut = 0
	slot.respTotal, slot.respGot, slot.respRcvd = 0, 0, nil
	slot.nretx = 0
	slot.backoff = rpc.rtoInterval(&s.cc)

	// wire headers for every request packet live in the buffer itself
	for i := 0; i < slot.reqTotal; i++ {
		h := proto.HeaderOf(p.req.Hdr(i))
		h.ReqType = p.reqType
		h.SetMsgSize(uint32(p.req.Size()))
		h.DestSess = packed.Hton16(s.remoteSessNum)
		h.SetTypeNum(proto.REQ, uint16(i))
		h.ReqNum = packed.Hton64(slot.reqNum)
	}

	// packet 0 goes out eagerly; the rest wait for the server's CR
	s.txq = append(s.txq, txWork{txReqPkt, slot, 0, slot.reqNum})
	s.flushTx()

	slot.rto.when = rpc.now + slot.backoff
	rpc.wheel.arm(&slot.rto)
}

// rxClientPkt processes one RESP or EXPLICIT_CR packet on a client session.
func (s *session) rxClientPkt(h *proto.PktHeader, payload []byte) {
	rpc := s.rpc
	reqNum := packed.Ntoh64(h.ReqNum)
	slot := s.slots[reqNum%uint64(len(s.slots))]

	if slot.state == slotIdle || slot.reqNum != reqNum {
		return // response for an already-completed or unknown request
	}

	switch h.PktType() {
	case proto.EXPLICIT_CR:
		if slot.state != slotInProgress || slot.crRcvd {
			return
		}
		slot.crRcvd = true
		s.cc.update(rpc.now - slot.txTime)

		// packet 0 is acknowledged - its credit comes back
		s.creditReturn(slot, 1)

		// release the withheld packets
		for i := 1; i < slot.reqTotal; i++ {
			s.txq = append(s.txq, txWork{txReqPkt, slot, i, slot.reqNum})
		}
		slot.progress()
		s.flushTx()

	case proto.RESP:
		s.rxRespPkt(slot, h, payload)

	default:
		log.Warningf(context.Background(), "rpc %d: sess %d: client got %s", rpc.id, s.num, h.PktType())
	}
}

// rxRespPkt folds one response segment into the slot.
func (s *session) rxRespPkt(slot *sslot, h *proto.PktHeader, payload []byte) {
	rpc := s.rpc

	if slot.state == slotInProgress {
		// a response implies the server holds the whole request:
		// everything still counted as in flight is acknowledged
		s.creditReturn(slot, slot.creditsOut)
		slot.state = slotAwaitingResp
	}

	if slot.respTotal == 0 {
		// first segment fixes the response geometry
		size := int(h.MsgSize())
		if size > slot.respBuf.MaxSize() {
			// the application's response buffer cannot hold the
			// message - memory corruption would follow
			log.Fatalf(context.Background(),
				"rpc %d: sess %d slot %d: response %d bytes > buffer cap %d",
				rpc.id, s.num, slot.idx, size, slot.respBuf.MaxSize())
		}
		rpc.pool.Resize(slot.respBuf, size)
		slot.respTotal = slot.respBuf.NumPkts()
		slot.respRcvd = make([]bool, slot.respTotal)
		s.cc.update(rpc.now - slot.txTime)
	}

	pktNum := int(h.PktNum())
	if pktNum >= slot.respTotal || slot.respRcvd[pktNum] {
		return // duplicate or out-of-range segment
	}

	frag := slot.respBuf.Frag(pktNum)
	if len(payload) != len(frag) {
		log.Warningf(context.Background(), "rpc %d: sess %d: resp pkt %d/%d: size mismatch %d != %d",
			rpc.id, s.num, pktNum, slot.respTotal, len(payload), len(frag))
		return
	}
	copy(frag, payload)
	slot.respRcvd[pktNum] = true
	slot.respGot++
	slot.progress()

	if slot.respGot == slot.respTotal {
		slot.complete(nil)
		return
	}

	// pull the next missing segment
	rpc.sendCtrl(s, proto.REQ_FOR_RESP, slot.reqNum, uint16(slot.firstMissingResp()))
}

func (slot *sslot) firstMissingResp() int {
	for i, got := range slot.respRcvd {
		if !got {
			return i
		}
	}
	return 0
}

// creditReturn gives n credits back to the session, clamped to the window.
func (s *session) creditReturn(slot *sslot, n int) {
	if n > slot.creditsOut {
		n = slot.creditsOut
	}
	slot.creditsOut -= n
	s.credits += n
	if s.credits > len(s.slots) {
		s.credits = len(s.slots)
	}
}

// progress notes that the peer moved this request forward: the backoff clock
// restarts from the base interval.
func (slot *sslot) progress() {
	rpc := slot.sess.rpc
	slot.nretx = 0
	slot.backoff = rpc.rtoInterval(&slot.sess.cc)
	slot.rto.when = rpc.now + slot.backoff
	rpc.wheel.arm(&slot.rto)
}

// complete finishes the request occupying the slot and fires its continuation.
//
// The slot is freed before the continuation runs, so a nested enqueue from
// inside the continuation may take it over right away.
func (slot *sslot) complete(err error) {
	s := slot.sess
	rpc := s.rpc

	rpc.wheel.cancel(&slot.rto)
	s.creditReturn(slot, slot.creditsOut)

	cont, tag, resp := slot.cont, slot.tag, slot.respBuf
	slot.state = slotIdle
	slot.reqBuf, slot.respBuf, slot.cont = nil, nil, nil
	slot.respRcvd = nil

	if cont != nil {
		cont(&RespHandle{rpc: rpc, Resp: resp, Err: err}, tag)
	}
}

// ---- server: serve requests ----

// rxServerPkt processes one REQ or REQ_FOR_RESP packet on a server session.
func (s *session) rxServerPkt(h *proto.PktHeader, payload []byte) {
	rpc := s.rpc
	reqNum := packed.Ntoh64(h.ReqNum)
	slot := s.slots[reqNum%uint64(len(s.slots))]

	switch h.PktType() {
	case proto.REQ:
		s.rxReqPkt(slot, reqNum, h, payload)

	case proto.REQ_FOR_RESP:
		if !slot.srvSeen || slot.srvReqNum != reqNum || slot.srvRespBuf == nil {
			return // not ready; the client will ask again
		}
		n := int(h.PktNum())
		if n >= slot.srvRespTotal {
			return
		}
		s.txq = append(s.txq, txWork{txRespPkt, slot, n, reqNum})
		s.flushTx()

	default:
		log.Warningf(context.Background(), "rpc %d: sess %d: server got %s", rpc.id, s.num, h.PktType())
	}
}

func (s *session) rxReqPkt(slot *sslot, reqNum uint64, h *proto.PktHeader, payload []byte) {
	rpc := s.rpc

	if slot.srvSeen && reqNum < slot.srvReqNum {
		return // stale duplicate of a long-gone request
	}

	if slot.srvSeen && reqNum == slot.srvReqNum {
		switch {
		case slot.srvRespBuf != nil:
			// request already served, yet the client still
			// retransmits - the response must have been lost;
			// resend segment 0 whatever duplicate packet arrived
			s.txq = append(s.txq, txWork{txRespPkt, slot, 0, reqNum})
			s.flushTx()
		case slot.srvBusy:
			// handler still running; nothing to do
		default:
			s.rxReqSegment(slot, h, payload)
		}
		return
	}

	// new request takes over the slot; the previous response is dropped -
	// the client reusing the slot proves it was delivered
	if slot.srvBusy {
		log.Warningf(context.Background(), "rpc %d: sess %d slot %d: new request %d while busy",
			rpc.id, s.num, slot.idx, reqNum)
		return
	}
	slot.releaseServerBufs()

	slot.srvSeen = true
	slot.srvReqNum = reqNum
	size := int(h.MsgSize())
	buf, err := rpc.pool.Alloc(size)
	if err != nil {
		// drop; the client retransmits and may find memory then
		log.Warningf(context.Background(), "rpc %d: sess %d: req %d: %s", rpc.id, s.num, reqNum, err)
		slot.srvSeen = false
		return
	}
	slot.srvReqBuf = buf
	// reassembly copies payload only; keep the handler type in header 0
	// where deliverRequest looks it up
	proto.HeaderOf(buf.Hdr(0)).ReqType = h.ReqType
	slot.srvTotal = buf.NumPkts()
	slot.srvGot = 0
	slot.srvRcvd = make([]bool, slot.srvTotal)
	slot.crSent = false

	s.rxReqSegment(slot, h, payload)
}

// rxReqSegment folds one request packet into the reassembly buffer.
func (s *session) rxReqSegment(slot *sslot, h *proto.PktHeader, payload []byte) {
	rpc := s.rpc
	pktNum := int(h.PktNum())

	if pktNum >= slot.srvTotal {
		return
	}
	if slot.srvRcvd[pktNum] {
		// duplicate; if the client repeats packet 0 of a multi-packet
		// request our CR was probably lost - grant again
		if pktNum == 0 && slot.crSent && slot.srvGot < slot.srvTotal {
			rpc.sendCtrl(s, proto.EXPLICIT_CR, slot.srvReqNum, 0)
		}
		return
	}

	frag := slot.srvReqBuf.Frag(pktNum)
	if len(payload) != len(frag) {
		log.Warningf(context.Background(), "rpc %d: sess %d: req pkt %d/%d: size mismatch %d != %d",
			rpc.id, s.num, pktNum, slot.srvTotal, len(payload), len(frag))
		return
	}
	copy(frag, payload)
	slot.srvRcvd[pktNum] = true
	slot.srvGot++

	// one CR grants the whole remainder of a multi-packet request
	if pktNum == 0 && slot.srvTotal > 1 && !slot.crSent {
		slot.crSent = true
		rpc.sendCtrl(s, proto.EXPLICIT_CR, slot.srvReqNum, 0)
	}

	if slot.srvGot == slot.srvTotal {
		s.deliverRequest(slot)
	}
}

// deliverRequest hands the reassembled request to its handler.
func (s *session) deliverRequest(slot *sslot) {
	rpc := s.rpc
	reqType := proto.HeaderOf(slot.srvReqBuf.Hdr(0)).ReqType

	desc := &rpc.nexus.handlers[reqType]
	if !desc.ok {
		log.Warningf(context.Background(), "rpc %d: sess %d: no handler for req type %d",
			rpc.id, s.num, reqType)
		rpc.pool.Free(slot.srvReqBuf)
		slot.srvReqBuf = nil
		slot.srvSeen = false
		return
	}

	if slot.prealloc == nil {
		pre, err := rpc.pool.Alloc(rpc.mtuData)
		if err != nil {
			log.Warningf(context.Background(), "rpc %d: sess %d: prealloc: %s", rpc.id, s.num, err)
			return // dropped; client retransmits
		}
		slot.prealloc = pre
	}
	rpc.pool.Resize(slot.prealloc, rpc.mtuData)

	h := &ReqHandle{
		rpc:          rpc,
		sess:         s,
		slot:         slot,
		reqNum:       slot.srvReqNum,
		ReqType:      reqType,
		Req:          slot.srvReqBuf,
		PreallocResp: slot.prealloc,
	}
	slot.srvBusy = true

	if desc.mode == HandleInline {
		desc.fn(h)
	} else {
		rpc.dispatchBg(h)
	}
}

// finishResponse makes the handler's response transmittable.
// Runs on the event loop for both inline and background handlers.
func (rpc *Rpc) finishResponse(h *ReqHandle) {
	s, slot := h.sess, h.slot

	// request buffer is engine-owned and dies with the handler
	rpc.pool.Free(slot.srvReqBuf)
	slot.srvReqBuf = nil
	slot.srvBusy = false

	if s.state != sessConnected {
		if h.DynResp != nil {
			rpc.pool.Free(h.DynResp)
		}
		return // teardown won the race; nothing to send
	}

	resp := h.DynResp
	slot.srvDyn = resp != nil
	if resp == nil {
		resp = h.PreallocResp
	}
	slot.srvRespBuf = resp
	slot.srvRespTotal = resp.NumPkts()

	for i := 0; i < slot.srvRespTotal; i++ {
		hdr := proto.HeaderOf(resp.Hdr(i))
		hdr.ReqType = h.ReqType
		hdr.SetMsgSize(uint32(resp.Size()))
		hdr.DestSess = packed.Hton16(s.remoteSessNum)
		hdr.SetTypeNum(proto.RESP, uint16(i))
		hdr.ReqNum = packed.Hton64(slot.srvReqNum)
	}

	// segment 0 goes out eagerly; the client pulls the rest with RFRs
	s.txq = append(s.txq, txWork{txRespPkt, slot, 0, slot.srvReqNum})
	s.flushTx()
}

// releaseServerBufs returns engine-owned server-side buffers to the pool.
func (slot *sslot) releaseServerBufs() {
	rpc := slot.sess.rpc
	if slot.srvReqBuf != nil {
		rpc.pool.Free(slot.srvReqBuf)
		slot.srvReqBuf = nil
	}
	if slot.srvRespBuf != nil && slot.srvDyn {
		rpc.pool.Free(slot.srvRespBuf)
	}
	slot.srvRespBuf = nil
	slot.srvBusy = false
}

// ---- timeouts ----

// onTimer is the timing-wheel callback.
func (rpc *Rpc) onTimer(t *wtimer) {
	switch t.kind {
	case timerPace:
		t.sess.flushTx()

	case timerRTO:
		rpc.onRTO(t.sess, t.slot)
	}
}

// onRTO handles one retransmission timeout of a client slot.
func (rpc *Rpc) onRTO(s *session, slot *sslot) {
	if slot.state == slotIdle || s.state != sessConnected {
		return
	}

	slot.nretx++
	if slot.nretx > rpc.cfg.MaxRetries {
		// peer is gone
		log.Warningf(context.Background(), "rpc %d: sess %d slot %d: req %d: retransmission cap; resetting session",
			rpc.id, s.num, slot.idx, slot.reqNum)
		rpc.resetSession(s, proto.SESSION_RESET, true)
		return
	}

	switch slot.state {
	case slotInProgress:
		if !slot.crRcvd {
			// packet 0 unacknowledged (or the CR was lost; the
			// server re-grants on seeing the duplicate)
			rpc.txPkt(s.route, slot.reqBuf, 0)
		} else {
			// the CR acknowledged only packet 0 - everything after
			// it is unacknowledged until the response shows up
			for i := 1; i < slot.reqSent; i++ {
				rpc.txPkt(s.route, slot.reqBuf, i)
			}
		}

	case slotAwaitingResp:
		// pull whatever response segment is missing (0 pulls the
		// lost first segment as well)
		rpc.sendCtrl(s, proto.REQ_FOR_RESP, slot.reqNum, uint16(slot.firstMissingResp()))
	}

	// exponential backoff, bounded
	slot.backoff *= 2
	if max := int64(rpc.cfg.RTOBase) * 64; slot.backoff > max {
		slot.backoff = max
	}
	slot.rto.when = rpc.now + slot.backoff
	rpc.wheel.arm(&slot.rto)
}

// rtoInterval returns the base retransmission interval for current rtt.
func (rpc *Rpc) rtoInterval(cc *timely) int64 {
	rto := int64(rpc.cfg.RTOBase)
	if srtt := int64(cc.srtt); 4*srtt > rto {
		rto = 4 * srtt
	}
	return rto
}
