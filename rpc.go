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

// Rpc instance and its event loop

import (
	"context"
	"runtime"
	"time"

	"code.hybscloud.com/lfq"
	"github.com/petermattis/goid"

	"lab.nexedi.com/kirr/nexrpc/internal/log"
	"lab.nexedi.com/kirr/nexrpc/internal/packed"
	"lab.nexedi.com/kirr/nexrpc/mem"
	"lab.nexedi.com/kirr/nexrpc/proto"
	"lab.nexedi.com/kirr/nexrpc/transport"
)

// ContFunc is the continuation invoked when a request's response is fully
// received, or when the session dies first.
//
// It always runs on the event-loop goroutine that issued the request. The
// response buffer is borrowed for the duration of the call.
type ContFunc func(h *RespHandle, tag uint64)

// RespHandle carries a completed response to its continuation.
type RespHandle struct {
	rpc      *Rpc
	Resp     *mem.MsgBuffer // the application's response buffer, resized to the actual size
	Err      error          // nil, or e.g. SESSION_RESET
	released bool
}

// ReqHandle represents one request being served.
//
// The handler reads the request from Req and responds either through
// PreallocResp (one MTU of payload, resize down as needed) or by allocating
// DynResp, then calls Rpc.EnqueueResponse. Req is engine-owned and dies when
// the response is enqueued.
type ReqHandle struct {
	rpc    *Rpc
	sess   *session
	slot   *sslot
	reqNum uint64

	ReqType      uint8
	Req          *mem.MsgBuffer
	PreallocResp *mem.MsgBuffer
	DynResp      *mem.MsgBuffer

	bg    bool // running on a background worker
	ready bool // response enqueued from worker context
}

// Rpc returns the instance serving the request.
func (h *ReqHandle) Rpc() *Rpc { return h.rpc }

// InBackground reports whether the handler runs on a background worker.
func (h *ReqHandle) InBackground() bool { return h.bg }

// SessNum returns the server-side session number the request arrived on.
func (h *ReqHandle) SessNum() int { return h.sess.num }

// pendingSub is an EnqueueRequest issued from a background handler, en route
// to the owning event loop.
type pendingSub struct {
	sessNum int
	reqType uint8
	req     *mem.MsgBuffer
	resp    *mem.MsgBuffer
	cont    ContFunc
	tag     uint64
}

// ctrlRing provides scratch headers for control packets (CR, RFR).
//
// Entries recycle in order after ctrlRingSize allocations; the instance-wide
// outstanding-tx counter guarantees an entry is never reused while its packet
// may still sit in the NIC queue.
const ctrlRingSize = 1024

// txRingHi is the outstanding-descriptor level at which the instance treats
// the transport TX ring as exhausted: control packets are suppressed and new
// requests are refused with RING_EXHAUSTED until completions are reclaimed.
const txRingHi = ctrlRingSize / 2

type ctrlRing struct {
	mem  []byte
	head int
}

func (r *ctrlRing) init() {
	r.mem = make([]byte, ctrlRingSize*proto.PktHeaderLen)
}

func (r *ctrlRing) alloc() []byte {
	off := r.head * proto.PktHeaderLen
	r.head = (r.head + 1) % ctrlRingSize
	return r.mem[off : off+proto.PktHeaderLen]
}

// Rpc is a per-thread rpc endpoint: one transport handle, one buffer pool,
// its sessions and one congestion-control state per session.
//
// An Rpc is bound to the goroutine that created it; all datapath methods must
// be called from there, except EnqueueRequest/EnqueueResponse which may also
// be called from inside background handlers.
type Rpc struct {
	nexus *Nexus
	id    uint8
	trans transport.Transport
	pool  *mem.Pool
	cfg   *Config
	smFn  SmHandler

	mtuData int    // payload bytes per packet
	memKey  uint32 // local memory-region key advertised to peers

	t0  time.Time
	now int64 // ns since t0; refreshed once per loop iteration

	sessions []*session
	nactive  int

	wheel *wheel
	ctrl  ctrlRing

	txOutstanding int // packets submitted and not yet completion-polled

	smq *lfq.SPSC[smEvent]

	// per-worker SPSC rings
	wreq  []*lfq.SPSC[*ReqHandle]   // loop -> worker: requests to serve
	wresp []*lfq.SPSC[*ReqHandle]   // worker -> loop: responses to transmit
	wsub  []*lfq.SPSC[pendingSub]   // worker -> loop: nested enqueues
	bgOverflow []*ReqHandle         // dispatch retries when a ring is full
	nextWorker int

	rx []transport.RxPkt

	owner  int64 // gid of the owning goroutine
	closed bool
}

// NewRpc creates an rpc instance with the given id over the transport.
//
// The instance is bound to the calling goroutine. smFn (may be nil) receives
// session-management notifications on that same goroutine.
func NewRpc(nx *Nexus, id uint8, trans transport.Transport, smFn SmHandler, cfg *Config) (_ *Rpc, err error) {
	ccfg := Config{}
	if cfg != nil {
		ccfg = *cfg
	}
	ccfg.fillDefaults()

	nx.seal()

	rpc := &Rpc{
		nexus:   nx,
		id:      id,
		trans:   trans,
		cfg:     &ccfg,
		smFn:    smFn,
		mtuData: trans.MTU() - proto.PktHeaderLen,
		t0:      time.Now(),
		owner:   goid.Get(),
		rx:      make([]transport.RxPkt, trans.MaxBurst()),
	}
	rpc.pool = mem.NewPool(rpc.mtuData, trans.Register, ccfg.PoolMaxBytes)
	rpc.wheel = newWheel(0, rpc.onTimer)
	rpc.ctrl.init()

	rpc.smq = &lfq.SPSC[smEvent]{}
	rpc.smq.Init(64)
	for i := 0; i < nx.nworkers; i++ {
		q1 := &lfq.SPSC[*ReqHandle]{}
		q1.Init(64)
		q2 := &lfq.SPSC[*ReqHandle]{}
		q2.Init(64)
		q3 := &lfq.SPSC[pendingSub]{}
		q3.Init(64)
		rpc.wreq = append(rpc.wreq, q1)
		rpc.wresp = append(rpc.wresp, q2)
		rpc.wsub = append(rpc.wsub, q3)
	}

	err = nx.registry.register(id, rpc)
	if err != nil {
		rpc.pool.Close()
		return nil, err
	}

	log.Infof(context.Background(), "rpc %d: attached to %s", id, trans.LocalURI())
	return rpc, nil
}

// Close destroys the instance.
//
// Every in-flight request continuation fires with SESSION_RESET and peers of
// connected sessions are notified so their side resets too.
func (rpc *Rpc) Close() error {
	rpc.checkOwner("Close")
	if rpc.closed {
		return nil
	}
	rpc.closed = true

	for _, s := range rpc.sessions {
		if s == nil {
			continue
		}
		rpc.resetSession(s, proto.SESSION_RESET, true)
		rpc.freeSession(s)
	}

	rpc.nexus.registry.deregister(rpc.id)
	err1 := rpc.trans.Close()
	err2 := rpc.pool.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// NumActiveSessions returns how many sessions the instance currently holds.
func (rpc *Rpc) NumActiveSessions() int { return rpc.nactive }

// InEventLoop reports whether the caller is the owning event-loop goroutine.
func (rpc *Rpc) InEventLoop() bool { return goid.Get() == rpc.owner }

// GetMaxDataPerPkt returns how many payload bytes fit into one packet.
func (rpc *Rpc) GetMaxDataPerPkt() int { return rpc.mtuData }

// GetMaxMsgSize returns the configured message size limit.
func (rpc *Rpc) GetMaxMsgSize() int { return rpc.cfg.MaxMsgSize }

func (rpc *Rpc) checkOwner(op string) {
	if goid.Get() != rpc.owner {
		log.Fatalf(context.Background(), "rpc %d: %s called from foreign goroutine", rpc.id, op)
	}
}

// ---- buffers ----

// AllocMsgBuffer allocates a message buffer with payload size = size.
func (rpc *Rpc) AllocMsgBuffer(size int) (*mem.MsgBuffer, error) {
	rpc.checkOwner("AllocMsgBuffer")
	if size > rpc.cfg.MaxMsgSize {
		return nil, &proto.Error{Code: proto.TOO_LARGE}
	}
	return rpc.pool.Alloc(size)
}

// FreeMsgBuffer returns a buffer to the instance pool.
//
// The buffer must not be lent to the engine (in flight) at this point.
func (rpc *Rpc) FreeMsgBuffer(m *mem.MsgBuffer) {
	rpc.checkOwner("FreeMsgBuffer")
	rpc.pool.Free(m)
}

// ResizeMsgBuffer shrinks or re-grows a buffer within its allocated capacity.
// Callable from background handlers too - it only adjusts the payload length.
func (rpc *Rpc) ResizeMsgBuffer(m *mem.MsgBuffer, size int) error {
	return rpc.pool.Resize(m, size)
}

// ---- request issue / response enqueue ----

// EnqueueRequest issues a request on a session.
//
// req and resp are lent to the engine until the continuation fires; resp must
// be able to hold the whole response. From the owning goroutine errors are
// reported synchronously - including RING_EXHAUSTED when the transport TX
// ring has no free descriptors, in which case the caller should retry after
// the next event-loop tick. From background handlers the call is queued to
// the event loop and errors surface through the continuation.
func (rpc *Rpc) EnqueueRequest(sessNum int, reqType uint8, req, resp *mem.MsgBuffer,
	cont ContFunc, tag uint64) error {

	if gid := goid.Get(); gid != rpc.owner {
		widx, ok := rpc.nexus.workerIndexOf(gid)
		if !ok {
			log.Fatalf(context.Background(),
				"rpc %d: EnqueueRequest from foreign goroutine", rpc.id)
		}
		sub := pendingSub{sessNum, reqType, req, resp, cont, tag}
		for rpc.wsub[widx].Enqueue(&sub) != nil {
			time.Sleep(time.Microsecond) // loop is draining; retry
		}
		return nil
	}

	return rpc.enqueueRequest1(pendingSub{sessNum, reqType, req, resp, cont, tag})
}

func (rpc *Rpc) enqueueRequest1(sub pendingSub) error {
	s := rpc.sessionByNum(sub.sessNum)
	if s == nil || s.role != roleClient {
		return &proto.Error{Code: proto.DISCONNECTED, Message: "invalid session"}
	}
	switch s.state {
	case sessConnecting, sessConnected:
		// ok
	default:
		return &proto.Error{Code: proto.DISCONNECTED}
	}
	if sub.req.Size() > rpc.cfg.MaxMsgSize || sub.req.NumPkts() > proto.MaxPktsPerMsg {
		return &proto.Error{Code: proto.TOO_LARGE}
	}

	// transport descriptor ring saturated - admitting more requests would
	// only grow the backlog; the caller retries after the next event-loop
	// tick has polled completions
	if rpc.txOutstanding >= txRingHi {
		rpc.txOutstanding -= rpc.trans.PollTxCompletions()
		if rpc.txOutstanding >= txRingHi {
			return &proto.Error{Code: proto.RING_EXHAUSTED}
		}
	}

	p := pendingReq{sub.reqType, sub.req, sub.resp, sub.cont, sub.tag}

	// not yet connected requests wait in the stall queue, as do requests
	// arriving while the window is full
	if s.state == sessConnecting {
		s.stallq = append(s.stallq, p)
		return nil
	}
	slot := s.idleSlot()
	if slot == nil {
		s.stallq = append(s.stallq, p)
		return nil
	}
	s.startRequest(slot, p)
	return nil
}

// EnqueueResponse submits the handler's response for transmission.
//
// For inline handlers this transmits right away; from a background worker the
// response travels back to the event loop through the worker's return ring.
func (rpc *Rpc) EnqueueResponse(h *ReqHandle) {
	if !rpc.InEventLoop() {
		h.ready = true // the worker posts h back after the handler returns
		return
	}
	rpc.finishResponse(h)
}

// ReleaseResponse tells the engine the continuation is done with the
// response buffer. Valid only while the continuation runs; the release is
// otherwise implied when the continuation returns.
func (rpc *Rpc) ReleaseResponse(h *RespHandle) {
	h.released = true
}

// dispatchBg hands a request to a background worker.
func (rpc *Rpc) dispatchBg(h *ReqHandle) {
	n := len(rpc.wreq)
	if n == 0 {
		log.Fatalf(context.Background(),
			"rpc %d: background handler for type %d but nexus has no workers", rpc.id, h.ReqType)
	}
	for i := 0; i < n; i++ {
		w := rpc.nextWorker
		rpc.nextWorker = (rpc.nextWorker + 1) % n
		if rpc.wreq[w].Enqueue(&h) == nil {
			return
		}
	}
	// all rings full; retry in step 5 of the next iterations
	rpc.bgOverflow = append(rpc.bgOverflow, h)
}

// ---- event loop ----

// RunEventLoopOnce runs a single event-loop iteration.
func (rpc *Rpc) RunEventLoopOnce() {
	rpc.checkOwner("RunEventLoopOnce")
	rpc.loopOnce()
}

// RunEventLoop polls the datapath until at least d has elapsed.
//
// The deadline is advisory: the loop returns as soon as the iteration in
// progress when it expires completes.
func (rpc *Rpc) RunEventLoop(d time.Duration) {
	rpc.checkOwner("RunEventLoop")
	deadline := time.Now().Add(d)
	for {
		rpc.loopOnce()
		if !time.Now().Before(deadline) {
			return
		}
		// cooperative poll loop: let workers and peer loops breathe
		runtime.Gosched()
	}
}

// loopOnce is one scheduler iteration; every step runs to completion.
func (rpc *Rpc) loopOnce() {
	rpc.now = int64(time.Since(rpc.t0))

	// 1+2. poll rx; demultiplex into sessions; advance slot state
	n := rpc.trans.RxBurst(rpc.rx)
	for i := 0; i < n; i++ {
		rpc.rxPkt(rpc.rx[i].Data)
	}

	// 3. reclaim finished transmissions
	rpc.txOutstanding -= rpc.trans.PollTxCompletions()

	// 4. timers: retransmissions, RFR pulls, pace wake-ups
	rpc.wheel.advance(rpc.now)

	// 5. work posted by background workers
	rpc.drainWorkers()

	// 6. at most one session-management event
	if ev, err := rpc.smq.Dequeue(); err == nil {
		rpc.processSmEvent(ev)
	}

	// 7. admit pending requests and flush tx queues under pacing
	for _, s := range rpc.sessions {
		if s == nil || s.state != sessConnected {
			continue
		}
		s.admitStalled()
		s.flushTx()
	}
}

// rxPkt routes one received packet into its session.
func (rpc *Rpc) rxPkt(data []byte) {
	if len(data) < proto.PktHeaderLen {
		log.Warningf(context.Background(), "rpc %d: rx runt packet [%d]", rpc.id, len(data))
		return
	}
	h := proto.HeaderOf(data)
	payload := data[proto.PktHeaderLen:]

	s := rpc.sessionByNum(int(packed.Ntoh16(h.DestSess)))
	if s == nil || (s.state != sessConnected && s.state != sessDraining) {
		return // session gone; stale packet
	}

	switch h.PktType() {
	case proto.REQ, proto.REQ_FOR_RESP:
		if s.role != roleServer {
			return
		}
		s.rxServerPkt(h, payload)

	case proto.RESP, proto.EXPLICIT_CR:
		if s.role != roleClient {
			return
		}
		s.rxClientPkt(h, payload)
	}
}

// drainWorkers is step 5: responses and nested enqueues posted by workers.
func (rpc *Rpc) drainWorkers() {
	// retry background dispatches that found all rings full
	if len(rpc.bgOverflow) > 0 {
		pending := rpc.bgOverflow
		rpc.bgOverflow = nil
		for _, h := range pending {
			rpc.dispatchBg(h)
		}
	}

	for i := range rpc.wresp {
		for {
			h, err := rpc.wresp[i].Dequeue()
			if err != nil {
				break
			}
			rpc.finishResponse(h)
		}
	}
	for i := range rpc.wsub {
		for {
			sub, err := rpc.wsub[i].Dequeue()
			if err != nil {
				break
			}
			err = rpc.enqueueRequest1(sub)
			if err != nil && sub.cont != nil {
				// deferred validation - deliver the error the way
				// a response would arrive
				sub.cont(&RespHandle{rpc: rpc, Resp: sub.resp, Err: err}, sub.tag)
			}
		}
	}
}

// ---- raw tx ----

// txPkt submits packet pktNum of buf. Reports false when the tx ring is full.
func (rpc *Rpc) txPkt(route transport.Route, buf *mem.MsgBuffer, pktNum int) bool {
	if route == nil {
		return false
	}
	n := rpc.trans.TxBurst([]transport.TxPkt{{
		Route:   route,
		Hdr:     buf.Hdr(pktNum),
		Payload: buf.Frag(pktNum),
	}})
	if n == 0 {
		return false
	}
	rpc.txOutstanding++
	return true
}

// sendCtrl transmits a header-only control packet (CR or RFR).
func (rpc *Rpc) sendCtrl(s *session, typ proto.PktType, reqNum uint64, pktNum uint16) {
	if rpc.txOutstanding >= txRingHi {
		rpc.txOutstanding -= rpc.trans.PollTxCompletions()
		if rpc.txOutstanding >= txRingHi {
			return // saturated; timers recover the lost grant/pull
		}
	}

	hdr := rpc.ctrl.alloc()
	h := proto.HeaderOf(hdr)
	h.ReqType = 0
	h.SetMsgSize(0)
	h.DestSess = packed.Hton16(s.remoteSessNum)
	h.SetTypeNum(typ, pktNum)
	h.ReqNum = packed.Hton64(reqNum)

	n := rpc.trans.TxBurst([]transport.TxPkt{{Route: s.route, Hdr: hdr}})
	if n == 1 {
		rpc.txOutstanding++
	}
}
