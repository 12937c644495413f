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

// sessions and their lifecycle

import (
	"context"
	"net"

	"lab.nexedi.com/kirr/nexrpc/internal/log"
	"lab.nexedi.com/kirr/nexrpc/mem"
	"lab.nexedi.com/kirr/nexrpc/proto"
	"lab.nexedi.com/kirr/nexrpc/transport"
)

type sessRole int

const (
	roleClient sessRole = iota
	roleServer
)

type sessState int

const (
	sessConnecting sessState = iota
	sessConnected
	sessDraining // disconnect requested; waiting for peer ack
	sessReset    // peer died or explicitly reset; no further traffic
)

// txKind tells what a queued transmission carries.
type txKind int

const (
	txReqPkt  txKind = iota // request data packet; consumes a credit
	txRespPkt               // response data packet; pulled by RFRs
)

// txWork is one data packet waiting for credits and pacing budget.
//
// reqNum snapshots the request the work belongs to: if the slot moved on
// (completion, reset) the work is stale and dropped at flush time.
type txWork struct {
	kind   txKind
	slot   *sslot
	pktNum int
	reqNum uint64
}

// pendingReq is an accepted EnqueueRequest waiting for a free window slot.
type pendingReq struct {
	reqType uint8
	req     *mem.MsgBuffer
	resp    *mem.MsgBuffer
	cont    ContFunc
	tag     uint64
}

// session is one bidirectional channel between two Rpc instances.
type session struct {
	rpc   *Rpc
	num   int // local session number
	role  sessRole
	state sessState

	remoteRpcId   uint8
	remoteSessNum uint16
	remoteURI     string
	route         transport.Route
	peerSM        *net.UDPAddr // peer's management socket
	memKey        uint32       // peer's memory-region key (rdma backends)

	slots   []*sslot
	credits int // in-flight request-packet allowance; ≤ W always

	cc        timely
	pace      pacer
	paceTimer wtimer

	txq    []txWork
	stallq []pendingReq
}

// ---- construction / lookup ----

// newSession allocates a session in the lowest free slot of the instance table.
func (rpc *Rpc) newSession(role sessRole) (*session, error) {
	num := -1
	for i, s := range rpc.sessions {
		if s == nil {
			num = i
			break
		}
	}
	if num == -1 {
		if len(rpc.sessions) >= rpc.cfg.MaxSessions {
			return nil, &proto.Error{Code: proto.TOO_MANY_SESSIONS}
		}
		num = len(rpc.sessions)
		rpc.sessions = append(rpc.sessions, nil)
	}

	W := rpc.cfg.ReqWindow
	s := &session{
		rpc:     rpc,
		num:     num,
		role:    role,
		credits: W,
		slots:   make([]*sslot, W),
	}
	for i := range s.slots {
		s.slots[i] = newSlot(s, i)
	}
	s.cc.init(rpc.cfg)
	s.pace.init(rpc.now, rpc.trans.MTU()*rpc.trans.MaxBurst())
	s.paceTimer = wtimer{kind: timerPace, sess: s}

	rpc.sessions[num] = s
	rpc.nactive++
	return s, nil
}

func (rpc *Rpc) sessionByNum(num int) *session {
	if num < 0 || num >= len(rpc.sessions) {
		return nil
	}
	return rpc.sessions[num]
}

// freeSession drops the session and releases engine-owned buffers.
func (rpc *Rpc) freeSession(s *session) {
	for _, slot := range s.slots {
		slot.releaseServerBufs()
		rpc.wheel.cancel(&slot.rto)
	}
	rpc.wheel.cancel(&s.paceTimer)
	s.txq, s.stallq = nil, nil
	rpc.sessions[s.num] = nil
	rpc.nactive--
}

// ---- public lifecycle API ----

// CreateSession starts connecting to rpc remoteRpcId behind the Nexus at
// remoteMgmt ("host:port").
//
// It returns the local session number immediately; the connect completes
// asynchronously and is announced through the SmHandler callback.
func (rpc *Rpc) CreateSession(remoteMgmt string, remoteRpcId uint8) (_ int, err error) {
	rpc.checkOwner("CreateSession")
	defer func() {
		if err != nil {
			log.Warningf(context.Background(), "rpc %d: create session -> %s/%d: %s",
				rpc.id, remoteMgmt, remoteRpcId, err)
		}
	}()

	addr, err := net.ResolveUDPAddr("udp", remoteMgmt)
	if err != nil {
		return -1, err
	}

	s, err := rpc.newSession(roleClient)
	if err != nil {
		return -1, err
	}
	s.state = sessConnecting
	s.remoteRpcId = remoteRpcId
	s.peerSM = addr

	rpc.nexus.smSend(addr, &proto.SMMsg{
		Op:            proto.SM_CONNECT_REQ,
		SenderURI:     rpc.trans.LocalURI(),
		SenderRpcId:   rpc.id,
		RemoteRpcId:   remoteRpcId,
		SenderSessNum: uint16(s.num),
		HandlerHash:   rpc.nexus.hash,
		MemKey:        rpc.memKey,
	})

	return s.num, nil
}

// DestroySession starts asynchronous teardown of a session.
//
// Every still-in-flight request continuation fires with SESSION_RESET before
// this call returns; the final notification arrives via the SmHandler once
// the peer acknowledged the disconnect.
func (rpc *Rpc) DestroySession(sessNum int) error {
	rpc.checkOwner("DestroySession")

	s := rpc.sessionByNum(sessNum)
	if s == nil {
		return &proto.Error{Code: proto.DISCONNECTED, Message: "no such session"}
	}

	switch s.state {
	case sessDraining:
		return nil // already on its way out

	case sessConnecting, sessReset:
		// nothing on the wire to wind down; requests stalled while
		// connecting still owe their continuation
		s.failInFlight(proto.SESSION_RESET)
		rpc.freeSession(s)
		if rpc.smFn != nil {
			rpc.smFn(sessNum, SmDisconnected, proto.NO_ERROR)
		}
		return nil
	}

	s.failInFlight(proto.SESSION_RESET)
	s.state = sessDraining

	rpc.nexus.smSend(s.peerSM, &proto.SMMsg{
		Op:            proto.SM_DISCONNECT_REQ,
		SenderRpcId:   rpc.id,
		RemoteRpcId:   s.remoteRpcId,
		SenderSessNum: uint16(s.num),
		RemoteSessNum: s.remoteSessNum,
	})
	return nil
}

// IsConnected reports whether the session is fully established.
func (rpc *Rpc) IsConnected(sessNum int) bool {
	s := rpc.sessionByNum(sessNum)
	return s != nil && s.state == sessConnected
}

// ---- reset ----

// resetSession fails everything in flight and cuts the session off.
//
// Continuations of pending requests fire with SESSION_RESET in slot-index
// order. The session stays allocated (in sessReset state) until the
// application calls DestroySession.
func (rpc *Rpc) resetSession(s *session, code proto.ErrCode, notifyPeer bool) {
	if s.state == sessReset {
		return
	}
	wasConnected := s.state == sessConnected
	s.state = sessReset

	s.failInFlight(code)

	if notifyPeer && wasConnected && s.peerSM != nil {
		rpc.nexus.smSend(s.peerSM, &proto.SMMsg{
			Op:            proto.SM_RESET,
			SenderRpcId:   rpc.id,
			RemoteRpcId:   s.remoteRpcId,
			SenderSessNum: uint16(s.num),
			RemoteSessNum: s.remoteSessNum,
		})
	}

	if rpc.smFn != nil {
		rpc.smFn(s.num, SmReset, code)
	}
}

// failInFlight fires all pending continuations with code and clears the
// session's transmission state.
func (s *session) failInFlight(code proto.ErrCode) {
	rpc := s.rpc

	s.txq = nil
	rpc.wheel.cancel(&s.paceTimer)

	// slot-index order
	for _, slot := range s.slots {
		if s.role == roleClient && slot.state != slotIdle {
			slot.complete(code.Err())
		}
		slot.releaseServerBufs()
		rpc.wheel.cancel(&slot.rto)
	}

	// queued requests that never made it to a slot still owe their
	// exactly-once continuation
	stallq := s.stallq
	s.stallq = nil
	for _, p := range stallq {
		if p.cont != nil {
			p.cont(&RespHandle{rpc: rpc, Resp: p.resp, Err: code.Err()}, p.tag)
		}
	}
	s.credits = rpc.cfg.ReqWindow
}

// ---- tx queue ----

// flushTx releases queued data packets while credits and pacing allow.
// This is step 7 of the event loop for one session.
func (s *session) flushTx() {
	rpc := s.rpc

	for len(s.txq) > 0 {
		w := s.txq[0]

		if w.stale() {
			s.txq = s.txq[1:]
			continue
		}
		// packet 0 of a request opens the slot's window entry and costs a
		// credit; the rest of a multi-packet request was granted
		// wholesale by the server's CR and rides on that grant
		needCredit := w.kind == txReqPkt && w.pktNum == 0
		if needCredit && s.credits <= 0 {
			break // wait for credit return
		}

		buf := w.buf()
		size := len(buf.Frag(w.pktNum)) + proto.PktHeaderLen

		s.pace.replenish(rpc.now, s.cc.rate)
		if !s.pace.admit(size) {
			// out of budget; let the wheel wake us instead of
			// starving other sessions
			s.paceTimer.when = s.pace.nextAt(s.cc.rate, size)
			rpc.wheel.arm(&s.paceTimer)
			break
		}

		if !rpc.txPkt(s.route, buf, w.pktNum) {
			break // tx ring exhausted; retry next tick
		}

		if w.kind == txReqPkt {
			if needCredit {
				s.credits--
				w.slot.creditsOut++
				w.slot.txTime = rpc.now
			}
			// the slot stays in-progress until the first response
			// packet acknowledges the request; only then do RFR
			// pulls make sense
			w.slot.reqSent++
		}
		s.txq = s.txq[1:]
	}
}

// stale reports whether the queued work refers to an already-finished request.
func (w *txWork) stale() bool {
	switch w.kind {
	case txReqPkt:
		return w.slot.state == slotIdle || w.slot.reqNum != w.reqNum
	default:
		return w.slot.srvRespBuf == nil || w.slot.srvReqNum != w.reqNum
	}
}

func (w *txWork) buf() *mem.MsgBuffer {
	if w.kind == txReqPkt {
		return w.slot.reqBuf
	}
	return w.slot.srvRespBuf
}

// admitStalled moves queued requests into freed-up window slots.
func (s *session) admitStalled() {
	for len(s.stallq) > 0 {
		slot := s.idleSlot()
		if slot == nil {
			return
		}
		p := s.stallq[0]
		s.stallq = s.stallq[1:]
		s.startRequest(slot, p)
	}
}

func (s *session) idleSlot() *sslot {
	for _, slot := range s.slots {
		if slot.state == slotIdle {
			return slot
		}
	}
	return nil
}
