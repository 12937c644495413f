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

// session management side channel
//
// One goroutine per Nexus serves the management socket. It never touches
// datapath state - every message is routed by rpc id through the registry and
// posted into the target instance's SPSC event queue, drained by the event
// loop one message per iteration.

import (
	"context"
	"net"

	"lab.nexedi.com/kirr/nexrpc/internal/log"
	"lab.nexedi.com/kirr/nexrpc/internal/task"
	"lab.nexedi.com/kirr/nexrpc/proto"
)

// SmEventKind tells the application what happened to a session.
type SmEventKind int

const (
	SmConnected SmEventKind = iota
	SmConnectFailed
	SmDisconnected
	SmReset
)

// SmHandler is the application callback for session-management events.
//
// It always runs on the owning event-loop goroutine.
type SmHandler func(sessNum int, ev SmEventKind, code proto.ErrCode)

// smEvent is one management message en route from the SM thread to an event loop.
type smEvent struct {
	msg *proto.SMMsg
	src *net.UDPAddr
}

// smServe is the session-management thread.
func (nx *Nexus) smServe(ctx context.Context) (err error) {
	defer task.Runningf(&ctx, "sm %s", nx.sock.LocalAddr())(&err)

	buf := make([]byte, 4096)
	for {
		n, src, err := nx.sock.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil // shut down via socket close
			}
			return err
		}

		msg, err := proto.SMDecode(buf[:n])
		if err != nil {
			log.Warningf(ctx, "sm: %s: %s", src, err)
			continue
		}

		rpc := nx.registry.lookup(msg.RemoteRpcId)
		if rpc == nil {
			log.Warningf(ctx, "sm: %s: %s for unknown rpc %d", src, msg.Op, msg.RemoteRpcId)
			if msg.Op == proto.SM_CONNECT_REQ {
				nx.smSend(src, &proto.SMMsg{
					Op:            proto.SM_CONNECT_RESP,
					RemoteRpcId:   msg.SenderRpcId,
					RemoteSessNum: msg.SenderSessNum,
					Code:          proto.INVALID_REMOTE_RPC_ID,
				})
			}
			continue
		}

		ev := smEvent{msg: msg, src: copyUDPAddr(src)}
		if err := rpc.smq.Enqueue(&ev); err != nil {
			// queue full - drop; datagram semantics, the peer retries
			log.Warningf(ctx, "sm: %s: event queue of rpc %d full; dropping %s",
				src, msg.RemoteRpcId, msg.Op)
		}
	}
}

// smSend transmits one management message.
//
// Safe to call from any goroutine - UDP writes are atomic.
func (nx *Nexus) smSend(addr *net.UDPAddr, msg *proto.SMMsg) {
	data, err := proto.SMEncode(msg)
	if err != nil {
		log.Errorf(context.Background(), "sm: encode %s: %s", msg.Op, err)
		return
	}
	_, err = nx.sock.WriteToUDP(data, addr)
	if err != nil {
		log.Warningf(context.Background(), "sm: send %s to %s: %s", msg.Op, addr, err)
	}
}

func copyUDPAddr(a *net.UDPAddr) *net.UDPAddr {
	b := *a
	b.IP = append(net.IP{}, a.IP...)
	return &b
}

// ---- event-loop side ----

// processSmEvent handles one management message on the datapath.
// This is step 6 of the event loop.
func (rpc *Rpc) processSmEvent(ev smEvent) {
	msg := ev.msg
	ctx := context.Background()
	log.V(2).Infof("rpc %d: sm: %s from %s", rpc.id, msg.Op, ev.src)

	switch msg.Op {
	case proto.SM_CONNECT_REQ:
		rpc.smConnectReq(msg, ev.src)

	case proto.SM_CONNECT_RESP:
		rpc.smConnectResp(msg)

	case proto.SM_DISCONNECT_REQ:
		rpc.smDisconnectReq(msg, ev.src)

	case proto.SM_DISCONNECT_RESP:
		rpc.smDisconnectResp(msg)

	case proto.SM_RESET:
		s := rpc.sessionByNum(int(msg.RemoteSessNum))
		if s == nil {
			return
		}
		rpc.resetSession(s, proto.SESSION_RESET, false)

	default:
		log.Warningf(ctx, "rpc %d: sm: unexpected %s", rpc.id, msg.Op)
	}
}

// smConnectReq serves an incoming connect: allocate a server-side session and
// reply with its coordinates.
func (rpc *Rpc) smConnectReq(msg *proto.SMMsg, src *net.UDPAddr) {
	reply := &proto.SMMsg{
		Op:            proto.SM_CONNECT_RESP,
		SenderRpcId:   rpc.id,
		RemoteRpcId:   msg.SenderRpcId,
		RemoteSessNum: msg.SenderSessNum,
		SenderURI:     rpc.trans.LocalURI(),
		MemKey:        rpc.memKey,
	}

	if msg.HandlerHash != rpc.nexus.hash {
		reply.Code = proto.INVALID_REMOTE_RPC_ID
		rpc.nexus.smSend(src, reply)
		return
	}

	route, err := rpc.trans.Resolve(msg.SenderURI)
	if err != nil {
		reply.Code = proto.INVALID_REMOTE_RPC_ID
		rpc.nexus.smSend(src, reply)
		return
	}

	s, err := rpc.newSession(roleServer)
	if err != nil {
		reply.Code = proto.ErrEncode(err)
		rpc.nexus.smSend(src, reply)
		return
	}

	s.state = sessConnected
	s.remoteRpcId = msg.SenderRpcId
	s.remoteSessNum = msg.SenderSessNum
	s.remoteURI = msg.SenderURI
	s.route = route
	s.peerSM = src

	reply.SenderSessNum = uint16(s.num)
	rpc.nexus.smSend(src, reply)

	if rpc.smFn != nil {
		rpc.smFn(s.num, SmConnected, proto.NO_ERROR)
	}
}

// smConnectResp completes CreateSession on the client side.
func (rpc *Rpc) smConnectResp(msg *proto.SMMsg) {
	s := rpc.sessionByNum(int(msg.RemoteSessNum))
	if s == nil || s.role != roleClient || s.state != sessConnecting {
		return // stale or duplicate response
	}

	if msg.Code != proto.NO_ERROR {
		s.failInFlight(msg.Code) // requests stalled while connecting
		rpc.freeSession(s)
		if rpc.smFn != nil {
			rpc.smFn(s.num, SmConnectFailed, msg.Code)
		}
		return
	}

	route, err := rpc.trans.Resolve(msg.SenderURI)
	if err != nil {
		s.failInFlight(proto.INVALID_REMOTE_RPC_ID)
		rpc.freeSession(s)
		if rpc.smFn != nil {
			rpc.smFn(s.num, SmConnectFailed, proto.INVALID_REMOTE_RPC_ID)
		}
		return
	}

	s.state = sessConnected
	s.remoteSessNum = msg.SenderSessNum
	s.remoteURI = msg.SenderURI
	s.route = route
	s.memKey = msg.MemKey

	if rpc.smFn != nil {
		rpc.smFn(s.num, SmConnected, proto.NO_ERROR)
	}
}

// smDisconnectReq serves graceful teardown initiated by the peer.
func (rpc *Rpc) smDisconnectReq(msg *proto.SMMsg, src *net.UDPAddr) {
	reply := &proto.SMMsg{
		Op:            proto.SM_DISCONNECT_RESP,
		SenderRpcId:   rpc.id,
		RemoteRpcId:   msg.SenderRpcId,
		RemoteSessNum: msg.SenderSessNum,
	}

	s := rpc.sessionByNum(int(msg.RemoteSessNum))
	if s != nil {
		num := s.num
		rpc.freeSession(s)
		if rpc.smFn != nil {
			rpc.smFn(num, SmDisconnected, proto.NO_ERROR)
		}
	}
	rpc.nexus.smSend(src, reply)
}

// smDisconnectResp completes DestroySession on the initiator side.
func (rpc *Rpc) smDisconnectResp(msg *proto.SMMsg) {
	s := rpc.sessionByNum(int(msg.RemoteSessNum))
	if s == nil || s.state != sessDraining {
		return
	}
	num := s.num
	rpc.freeSession(s)
	if rpc.smFn != nil {
		rpc.smFn(num, SmDisconnected, proto.NO_ERROR)
	}
}
