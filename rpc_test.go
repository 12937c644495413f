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

// end-to-end scenarios over the fake fabric

import (
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petermattis/goid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"lab.nexedi.com/kirr/go123/exc"

	"lab.nexedi.com/kirr/nexrpc/mem"
	"lab.nexedi.com/kirr/nexrpc/proto"
	"lab.nexedi.com/kirr/nexrpc/transport"
)

const (
	tEcho     uint8 = 10 // echo request bytes back
	tBigResp  uint8 = 11 // reply with a 4096-byte pattern
	tNestedCP uint8 = 21 // client -> primary; forwarded +1 to backup
	tNestedPB uint8 = 22 // primary -> backup; echoed +1
	tPartial  uint8 = 30 // respond to the first 4 requests, park the rest
	tBgEcho   uint8 = 40 // echo, registered as background
)

// spin drives rpc until cond becomes true.
func spin(rpc *Rpc, timeout time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for !cond() {
		rpc.RunEventLoopOnce()
		if time.Now().After(deadline) {
			return errors.New("spin: timeout")
		}
		runtime.Gosched()
	}
	return nil
}

// serveNode runs one simulated server process: its own Nexus, one Rpc polled
// until *stop, handlers registered by setup.
//
// post, if non-nil, runs on the serving goroutine right after the Rpc is
// created (e.g. to connect a session of its own). The management address is
// delivered through ready once the node serves.
func serveNode(fab *transport.Fabric, port string, rpcId uint8, nworkers int, cfg *Config,
	setup func(nx *Nexus) error, post func(rpc *Rpc) error,
	ready chan<- string, stop *atomic.Bool) error {

	nx, err := NewNexus("127.0.0.1:0", nworkers)
	if err != nil {
		return err
	}
	defer nx.Close()

	if setup != nil {
		if err := setup(nx); err != nil {
			return err
		}
	}

	rpc, err := NewRpc(nx, rpcId, fab.Endpoint(port), nil, cfg)
	if err != nil {
		return err
	}
	if post != nil {
		if err := post(rpc); err != nil {
			rpc.Close()
			return err
		}
	}

	ready <- nx.MgmtAddr()
	for !stop.Load() {
		rpc.RunEventLoopOnce()
		runtime.Gosched()
	}
	return rpc.Close()
}

// xalloc allocates a message buffer and raises on error.
// Use under exc.Runx / exc.Funcx.
func xalloc(rpc *Rpc, size int) *mem.MsgBuffer {
	m, err := rpc.AllocMsgBuffer(size)
	exc.Raiseif(err)
	return m
}

// echoHandler copies the request bytes into the preallocated response.
func echoHandler(h *ReqHandle) {
	rpc := h.Rpc()
	data := h.Req.Data()
	rpc.ResizeMsgBuffer(h.PreallocResp, len(data))
	copy(h.PreallocResp.Data(), data)
	rpc.EnqueueResponse(h)
}

// regEcho registers the handler table shared by client and server nexuses in
// the simple scenarios (both sides must agree on the table hash).
func regEcho(nx *Nexus) error {
	return nx.RegisterHandler(tEcho, echoHandler, HandleInline)
}

// startClient creates the client-side Nexus+Rpc owned by the test goroutine
// and connects one session to srvAddr.
func startClient(t *testing.T, fab *transport.Fabric, port string, rpcId uint8,
	reg func(nx *Nexus) error, smFn SmHandler, cfg *Config,
	srvAddr string, srvRpcId uint8) (*Nexus, *Rpc, int) {

	t.Helper()

	nx, err := NewNexus("127.0.0.1:0", 0)
	require.NoError(t, err)
	if reg != nil {
		require.NoError(t, reg(nx))
	}

	rpc, err := NewRpc(nx, rpcId, fab.Endpoint(port), smFn, cfg)
	require.NoError(t, err)

	sn, err := rpc.CreateSession(srvAddr, srvRpcId)
	require.NoError(t, err)
	require.NoError(t, spin(rpc, 5*time.Second, func() bool { return rpc.IsConnected(sn) }))

	return nx, rpc, sn
}

// ---- scenario 1: small echo ----

func TestEchoSmall(t *testing.T) {
	fab := transport.NewFabric(1)
	var stop atomic.Bool
	ready := make(chan string, 1)
	// a generous RTO keeps scheduler hiccups from injecting retransmissions
	// into the exact packet counts below
	cfg := &Config{RTOBase: 500 * time.Millisecond}
	g := errgroup.Group{}
	g.Go(func() error {
		return serveNode(fab, "srv", 1, 0, cfg, regEcho, nil, ready, &stop)
	})

	nx, rpc, sn := startClient(t, fab, "cli", 2, regEcho, nil, cfg, <-ready, 1)
	defer nx.Close()

	req, err := rpc.AllocMsgBuffer(64)
	require.NoError(t, err)
	resp, err := rpc.AllocMsgBuffer(4096)
	require.NoError(t, err)
	for i := range req.Data() {
		req.Data()[i] = 0xaa
	}

	fired := 0
	var got []byte
	var gotErr error
	cont := func(h *RespHandle, tag uint64) {
		fired++
		gotErr = h.Err
		got = append([]byte(nil), h.Resp.Data()...)
		rpc.ReleaseResponse(h)
	}

	require.NoError(t, rpc.EnqueueRequest(sn, tEcho, req, resp, cont, 7))
	require.NoError(t, spin(rpc, 5*time.Second, func() bool { return fired == 1 }))

	require.NoError(t, gotErr)
	require.Len(t, got, 64)
	for _, b := range got {
		require.Equal(t, byte(0xaa), b)
	}

	// single-packet exchange, no retransmissions, no control packets
	require.Equal(t, 1, fab.Count(proto.REQ))
	require.Equal(t, 1, fab.Count(proto.RESP))
	require.Equal(t, 0, fab.Count(proto.EXPLICIT_CR))
	require.Equal(t, 0, fab.Count(proto.REQ_FOR_RESP))

	// the slot is idle again: a second request on the same session completes
	require.NoError(t, rpc.EnqueueRequest(sn, tEcho, req, resp, cont, 8))
	require.NoError(t, spin(rpc, 5*time.Second, func() bool { return fired == 2 }))
	require.Equal(t, 2, fab.Count(proto.REQ))

	stop.Store(true)
	require.NoError(t, g.Wait())
	require.NoError(t, rpc.Close())
}

// ---- scenario 2: multi-packet request ----

func TestMultiPacketRequest(t *testing.T) {
	fab := transport.NewFabric(1)
	var stop atomic.Bool
	ready := make(chan string, 1)
	var srvSaw atomic.Int32 // request size observed contiguous and correct

	reg := func(nx *Nexus) error {
		return nx.RegisterHandler(tEcho, func(h *ReqHandle) {
			rpc := h.Rpc()
			ok := h.Req.Size() == 4096
			for i, b := range h.Req.Data() {
				if b != byte(i) {
					ok = false
					break
				}
			}
			if ok {
				srvSaw.Add(1)
			}
			rpc.ResizeMsgBuffer(h.PreallocResp, 8)
			copy(h.PreallocResp.Data(), "reqok!!!")
			rpc.EnqueueResponse(h)
		}, HandleInline)
	}

	cfg := &Config{RTOBase: 500 * time.Millisecond}
	g := errgroup.Group{}
	g.Go(func() error {
		return serveNode(fab, "srv", 1, 0, cfg, reg, nil, ready, &stop)
	})

	nx, rpc, sn := startClient(t, fab, "cli", 2, reg, nil, cfg, <-ready, 1)
	defer nx.Close()

	// mtu 1024 -> 1008 payload bytes per packet -> 5 packets for 4096 bytes
	require.Equal(t, 1024-proto.PktHeaderLen, rpc.GetMaxDataPerPkt())

	req, err := rpc.AllocMsgBuffer(4096)
	require.NoError(t, err)
	resp, err := rpc.AllocMsgBuffer(64)
	require.NoError(t, err)
	for i := range req.Data() {
		req.Data()[i] = byte(i)
	}

	fired := 0
	cont := func(h *RespHandle, tag uint64) {
		fired++
		require.NoError(t, h.Err)
	}
	require.NoError(t, rpc.EnqueueRequest(sn, tEcho, req, resp, cont, 0))
	require.NoError(t, spin(rpc, 5*time.Second, func() bool { return fired == 1 }))

	require.Equal(t, int32(1), srvSaw.Load())

	// packet 0 eagerly, CR grants the rest, then packets 1..4
	require.Equal(t, 5, fab.Count(proto.REQ))
	require.Equal(t, 1, fab.Count(proto.EXPLICIT_CR))
	require.Equal(t, 1, fab.Count(proto.RESP))

	stop.Store(true)
	require.NoError(t, g.Wait())
	require.NoError(t, rpc.Close())
}

// ---- multi-packet response: RFR pulls ----

func TestMultiPacketResponse(t *testing.T) {
	fab := transport.NewFabric(1)
	var stop atomic.Bool
	ready := make(chan string, 1)

	reg := func(nx *Nexus) error {
		return nx.RegisterHandler(tBigResp, func(h *ReqHandle) {
			rpc := h.Rpc()
			dyn, err := rpc.AllocMsgBuffer(4096)
			if err != nil {
				return
			}
			for i := range dyn.Data() {
				dyn.Data()[i] = byte(i * 3)
			}
			h.DynResp = dyn
			rpc.EnqueueResponse(h)
		}, HandleInline)
	}

	cfg := &Config{RTOBase: 500 * time.Millisecond}
	g := errgroup.Group{}
	g.Go(func() error {
		return serveNode(fab, "srv", 1, 0, cfg, reg, nil, ready, &stop)
	})

	nx, rpc, sn := startClient(t, fab, "cli", 2, reg, nil, cfg, <-ready, 1)
	defer nx.Close()

	req, err := rpc.AllocMsgBuffer(16)
	require.NoError(t, err)
	resp, err := rpc.AllocMsgBuffer(8192)
	require.NoError(t, err)

	fired := 0
	var got []byte
	cont := func(h *RespHandle, tag uint64) {
		fired++
		require.NoError(t, h.Err)
		got = append([]byte(nil), h.Resp.Data()...)
	}
	require.NoError(t, rpc.EnqueueRequest(sn, tBigResp, req, resp, cont, 0))
	require.NoError(t, spin(rpc, 5*time.Second, func() bool { return fired == 1 }))

	require.Len(t, got, 4096)
	for i, b := range got {
		require.Equal(t, byte(i*3), b)
	}

	// segment 0 eagerly, then one RFR pull per remaining segment
	require.Equal(t, 5, fab.Count(proto.RESP))
	require.Equal(t, 4, fab.Count(proto.REQ_FOR_RESP))

	stop.Store(true)
	require.NoError(t, g.Wait())
	require.NoError(t, rpc.Close())
}

// ---- scenario 3: nested rpc ----

// nestedPrimary forwards tNestedCP requests (+1 per byte) to the backup and
// replies to the client with the backup's answer +1.
type nestedPrimary struct {
	snBackup int
	wantBg   bool
	calls    [16]struct {
		h         *ReqHandle
		req, resp *mem.MsgBuffer
	}
	free    chan int
	modeErr atomic.Int32
}

func (p *nestedPrimary) handleCP(h *ReqHandle) {
	rpc := h.Rpc()
	if h.InBackground() != p.wantBg {
		p.modeErr.Add(1)
	}

	idx := <-p.free
	c := &p.calls[idx]
	c.h = h
	for i, b := range h.Req.Data() {
		c.req.Data()[i] = b + 1
	}
	rpc.ResizeMsgBuffer(c.req, h.Req.Size())
	rpc.ResizeMsgBuffer(c.resp, c.resp.MaxSize())

	rpc.EnqueueRequest(p.snBackup, tNestedPB, c.req, c.resp, p.cont, uint64(idx))
}

func (p *nestedPrimary) cont(rh *RespHandle, tag uint64) {
	c := &p.calls[tag]
	rpc := c.h.Rpc()

	rpc.ResizeMsgBuffer(c.h.PreallocResp, rh.Resp.Size())
	for i, b := range rh.Resp.Data() {
		c.h.PreallocResp.Data()[i] = b + 1
	}
	rpc.ReleaseResponse(rh)

	h := c.h
	c.h = nil
	p.free <- int(tag)
	rpc.EnqueueResponse(h)
}

func backupHandler(h *ReqHandle) {
	rpc := h.Rpc()
	rpc.ResizeMsgBuffer(h.PreallocResp, h.Req.Size())
	for i, b := range h.Req.Data() {
		h.PreallocResp.Data()[i] = b + 1
	}
	rpc.EnqueueResponse(h)
}

func testNested(t *testing.T, primaryMode, backupMode HandlerMode) {
	fab := transport.NewFabric(1)
	var stopB, stopP atomic.Bool
	readyB := make(chan string, 1)
	readyP := make(chan string, 1)

	p := &nestedPrimary{wantBg: primaryMode == HandleBackground, free: make(chan int, 16)}

	regAll := func(nx *Nexus) error {
		if err := nx.RegisterHandler(tNestedCP, p.handleCP, primaryMode); err != nil {
			return err
		}
		return nx.RegisterHandler(tNestedPB, backupHandler, backupMode)
	}

	g := errgroup.Group{}
	g.Go(func() error { // backup
		return serveNode(fab, "backup", 3, 2, nil, regAll, nil, readyB, &stopB)
	})
	backupAddr := <-readyB

	g.Go(func() error { // primary
		return serveNode(fab, "primary", 2, 2, nil, regAll, func(rpc *Rpc) error {
			sn, err := rpc.CreateSession(backupAddr, 3)
			if err != nil {
				return err
			}
			if err := spin(rpc, 5*time.Second, func() bool { return rpc.IsConnected(sn) }); err != nil {
				return err
			}
			p.snBackup = sn
			// buffer pairs for forwarded calls, allocated on the loop
			// goroutine - workers must not touch the pool
			return exc.Runx(func() {
				for i := range p.calls {
					p.calls[i].req = xalloc(rpc, 1024)
					p.calls[i].resp = xalloc(rpc, 1024)
					p.free <- i
				}
			})
		}, readyP, &stopP)
	})

	nx, rpc, sn := startClient(t, fab, "cli", 1, regAll, nil, nil, <-readyP, 2)
	defer nx.Close()

	const nreq = 8
	var fired int
	reqs := make([]*mem.MsgBuffer, nreq)
	resps := make([]*mem.MsgBuffer, nreq)
	cont := func(h *RespHandle, tag uint64) {
		fired++
		require.NoError(t, h.Err)
		require.Equal(t, 128, h.Resp.Size())
		for _, b := range h.Resp.Data() {
			require.Equal(t, byte(13), b) // 10 +1 +1 +1
		}
	}
	for i := 0; i < nreq; i++ {
		req, err := rpc.AllocMsgBuffer(128)
		require.NoError(t, err)
		resp, err := rpc.AllocMsgBuffer(1024)
		require.NoError(t, err)
		for j := range req.Data() {
			req.Data()[j] = 10
		}
		reqs[i], resps[i] = req, resp
		require.NoError(t, rpc.EnqueueRequest(sn, tNestedCP, req, resp, cont, uint64(i)))
	}

	require.NoError(t, spin(rpc, 10*time.Second, func() bool { return fired == nreq }))
	require.Equal(t, int32(0), p.modeErr.Load())

	stopP.Store(true)
	stopB.Store(true)
	require.NoError(t, g.Wait())
	require.NoError(t, rpc.Close())
}

func TestNestedForeground(t *testing.T) { testNested(t, HandleInline, HandleInline) }
func TestNestedBackground(t *testing.T) { testNested(t, HandleBackground, HandleBackground) }

// ---- scenario 4: packet loss ----

func TestPacketLoss(t *testing.T) {
	fab := transport.NewFabric(42)
	var stop atomic.Bool
	ready := make(chan string, 1)
	// enough retries that an unlucky run of drops cannot reset the session
	cfg := &Config{MaxRetries: 20}
	g := errgroup.Group{}
	g.Go(func() error {
		return serveNode(fab, "srv", 1, 0, cfg, regEcho, nil, ready, &stop)
	})

	nx, rpc, sn := startClient(t, fab, "cli", 2, regEcho, nil, cfg, <-ready, 1)
	defer nx.Close()

	fab.SetLoss(0.10)

	const nreq = 33
	const W = 8
	fired := 0
	sent := 0
	reqs := make([]*mem.MsgBuffer, W)
	resps := make([]*mem.MsgBuffer, W)
	for i := 0; i < W; i++ {
		req, err := rpc.AllocMsgBuffer(64)
		require.NoError(t, err)
		resp, err := rpc.AllocMsgBuffer(1024)
		require.NoError(t, err)
		reqs[i], resps[i] = req, resp
	}

	var issue func(i int)
	issue = func(i int) {
		for j := range reqs[i].Data() {
			reqs[i].Data()[j] = byte(sent)
		}
		want := byte(sent)
		sent++
		err := rpc.EnqueueRequest(sn, tEcho, reqs[i], resps[i], func(h *RespHandle, tag uint64) {
			fired++
			require.NoError(t, h.Err)
			for _, b := range h.Resp.Data() {
				require.Equal(t, want, b)
			}
			if sent < nreq {
				issue(int(tag))
			}
		}, uint64(i))
		require.NoError(t, err)
	}
	for i := 0; i < W; i++ {
		issue(i)
	}

	require.NoError(t, spin(rpc, 60*time.Second, func() bool { return fired == nreq }))

	// the fabric really dropped packets, and retransmissions made up for them
	require.Greater(t, fab.DropCount(), 0)
	require.Greater(t, fab.TxCount(), 2*nreq)

	stop.Store(true)
	require.NoError(t, g.Wait())
	require.NoError(t, rpc.Close())
}

// ---- scenario 5: session reset during flight ----

func TestSessionResetInFlight(t *testing.T) {
	fab := transport.NewFabric(1)
	var stop atomic.Bool
	ready := make(chan string, 1)
	var served atomic.Int32

	reg := func(nx *Nexus) error {
		return nx.RegisterHandler(tPartial, func(h *ReqHandle) {
			if served.Add(1) > 4 {
				return // park: no response; the client will be reset
			}
			echoHandler(h)
		}, HandleInline)
	}

	g := errgroup.Group{}
	g.Go(func() error {
		return serveNode(fab, "srv", 1, 0, nil, reg, nil, ready, &stop)
	})

	var smEvents []SmEventKind
	smFn := func(sessNum int, ev SmEventKind, code proto.ErrCode) {
		smEvents = append(smEvents, ev)
	}

	nx, rpc, sn := startClient(t, fab, "cli", 2, reg, smFn, nil, <-ready, 1)
	defer nx.Close()

	const nreq = 8
	okFired := 0
	var resetTags []uint64
	reqs := make([]*mem.MsgBuffer, nreq)
	resps := make([]*mem.MsgBuffer, nreq)
	for i := 0; i < nreq; i++ {
		req, err := rpc.AllocMsgBuffer(32)
		require.NoError(t, err)
		resp, err := rpc.AllocMsgBuffer(1024)
		require.NoError(t, err)
		reqs[i], resps[i] = req, resp
		err = rpc.EnqueueRequest(sn, tPartial, req, resp, func(h *RespHandle, tag uint64) {
			if h.Err == nil {
				okFired++
				return
			}
			require.Equal(t, proto.SESSION_RESET, proto.ErrEncode(h.Err))
			resetTags = append(resetTags, tag)
		}, uint64(i))
		require.NoError(t, err)
	}

	// first 4 come back normally
	require.NoError(t, spin(rpc, 10*time.Second, func() bool { return okFired == 4 }))

	// destroying the peer instance resets the session on our side
	stop.Store(true)
	require.NoError(t, g.Wait())
	require.NoError(t, spin(rpc, 10*time.Second, func() bool { return len(resetTags) == 4 }))

	// reset continuations fire in slot-index order
	require.Equal(t, []uint64{4, 5, 6, 7}, resetTags)
	require.Contains(t, smEvents, SmReset)

	// no further packets go to the dead peer
	n := fab.TxCount()
	rpc.RunEventLoop(50 * time.Millisecond)
	require.Equal(t, n, fab.TxCount())

	// teardown of a reset session completes locally
	require.NoError(t, rpc.DestroySession(sn))
	require.Equal(t, 0, rpc.NumActiveSessions())
	require.Equal(t, SmDisconnected, smEvents[len(smEvents)-1])

	require.NoError(t, rpc.Close())
}

// ---- scenario 6: background handlers ----

func TestBackgroundHandler(t *testing.T) {
	fab := transport.NewFabric(1)
	var stop atomic.Bool
	ready := make(chan string, 1)
	var onLoop, inBg atomic.Int32

	reg := func(nx *Nexus) error {
		return nx.RegisterHandler(tBgEcho, func(h *ReqHandle) {
			if h.Rpc().InEventLoop() {
				onLoop.Add(1)
			}
			if h.InBackground() {
				inBg.Add(1)
			}
			echoHandler(h)
		}, HandleBackground)
	}

	g := errgroup.Group{}
	g.Go(func() error {
		return serveNode(fab, "srv", 1, 2, nil, reg, nil, ready, &stop)
	})

	nx, rpc, sn := startClient(t, fab, "cli", 2, reg, nil, nil, <-ready, 1)
	defer nx.Close()

	clientGid := goid.Get()
	const nreq = 16
	fired := 0
	gidErr := 0
	for i := 0; i < nreq; i++ {
		req, err := rpc.AllocMsgBuffer(32)
		require.NoError(t, err)
		resp, err := rpc.AllocMsgBuffer(1024)
		require.NoError(t, err)
		for j := range req.Data() {
			req.Data()[j] = byte(i)
		}
		err = rpc.EnqueueRequest(sn, tBgEcho, req, resp, func(h *RespHandle, tag uint64) {
			fired++
			if goid.Get() != clientGid {
				gidErr++
			}
			require.NoError(t, h.Err)
			require.Equal(t, byte(tag), h.Resp.Data()[0])
		}, uint64(i))
		require.NoError(t, err)
	}

	require.NoError(t, spin(rpc, 10*time.Second, func() bool { return fired == nreq }))

	// handlers always observed worker context, continuations the loop
	require.Equal(t, int32(0), onLoop.Load())
	require.Equal(t, int32(nreq), inBg.Load())
	require.Equal(t, 0, gidErr)

	stop.Store(true)
	require.NoError(t, g.Wait())
	require.NoError(t, rpc.Close())
}

// ---- per-slot ordering ----

func TestSlotOrdering(t *testing.T) {
	fab := transport.NewFabric(1)
	var stop atomic.Bool
	ready := make(chan string, 1)
	cfg := &Config{ReqWindow: 1} // both ends: a single slot serializes everything

	g := errgroup.Group{}
	g.Go(func() error {
		return serveNode(fab, "srv", 1, 0, cfg, regEcho, nil, ready, &stop)
	})

	nx, rpc, sn := startClient(t, fab, "cli", 2, regEcho, nil, cfg, <-ready, 1)
	defer nx.Close()

	const nreq = 5
	var order []uint64
	for i := 0; i < nreq; i++ {
		req, err := rpc.AllocMsgBuffer(16)
		require.NoError(t, err)
		resp, err := rpc.AllocMsgBuffer(64)
		require.NoError(t, err)
		err = rpc.EnqueueRequest(sn, tEcho, req, resp, func(h *RespHandle, tag uint64) {
			require.NoError(t, h.Err)
			order = append(order, tag)
		}, uint64(i))
		require.NoError(t, err)
	}

	require.NoError(t, spin(rpc, 10*time.Second, func() bool { return len(order) == nreq }))
	require.Equal(t, []uint64{0, 1, 2, 3, 4}, order)

	stop.Store(true)
	require.NoError(t, g.Wait())
	require.NoError(t, rpc.Close())
}

// ---- idempotent retransmission: duplicates everywhere ----

func TestDupDelivery(t *testing.T) {
	fab := transport.NewFabric(1)
	var stop atomic.Bool
	ready := make(chan string, 1)
	var invoked atomic.Int32

	reg := func(nx *Nexus) error {
		return nx.RegisterHandler(tBigResp, func(h *ReqHandle) {
			invoked.Add(1)
			rpc := h.Rpc()
			dyn, err := rpc.AllocMsgBuffer(4096)
			if err != nil {
				return
			}
			for i := range dyn.Data() {
				dyn.Data()[i] = byte(i ^ 0x5c)
			}
			h.DynResp = dyn
			rpc.EnqueueResponse(h)
		}, HandleInline)
	}

	cfg := &Config{RTOBase: 500 * time.Millisecond}
	g := errgroup.Group{}
	g.Go(func() error {
		return serveNode(fab, "srv", 1, 0, cfg, reg, nil, ready, &stop)
	})

	nx, rpc, sn := startClient(t, fab, "cli", 2, reg, nil, cfg, <-ready, 1)
	defer nx.Close()

	fab.SetDup(1.0) // every delivered packet arrives twice

	const nreq = 3
	fired := 0
	req, err := rpc.AllocMsgBuffer(4096)
	require.NoError(t, err)
	resp, err := rpc.AllocMsgBuffer(4096)
	require.NoError(t, err)
	for i := range req.Data() {
		req.Data()[i] = byte(i)
	}

	cont := func(h *RespHandle, tag uint64) {
		fired++
		require.NoError(t, h.Err)
		require.Equal(t, 4096, h.Resp.Size())
		for i, b := range h.Resp.Data() {
			require.Equal(t, byte(i^0x5c), b)
		}
	}
	for i := 0; i < nreq; i++ {
		n := fired
		require.NoError(t, rpc.EnqueueRequest(sn, tBigResp, req, resp, cont, uint64(i)))
		require.NoError(t, spin(rpc, 10*time.Second, func() bool { return fired == n+1 }))
	}

	// at-most-once: duplicates never re-invoke the handler
	require.Equal(t, int32(nreq), invoked.Load())

	stop.Store(true)
	require.NoError(t, g.Wait())
	require.NoError(t, rpc.Close())
}

// ---- session management errors ----

func TestConnectInvalidRpcId(t *testing.T) {
	fab := transport.NewFabric(1)
	var stop atomic.Bool
	ready := make(chan string, 1)
	g := errgroup.Group{}
	g.Go(func() error {
		return serveNode(fab, "srv", 1, 0, nil, regEcho, nil, ready, &stop)
	})
	srvAddr := <-ready

	nx, err := NewNexus("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer nx.Close()
	require.NoError(t, regEcho(nx))

	var failed atomic.Bool
	var code proto.ErrCode
	rpc, err := NewRpc(nx, 2, fab.Endpoint("cli"), func(sessNum int, ev SmEventKind, c proto.ErrCode) {
		if ev == SmConnectFailed {
			code = c
			failed.Store(true)
		}
	}, nil)
	require.NoError(t, err)

	// rpc id 99 does not exist behind the server nexus
	sn, err := rpc.CreateSession(srvAddr, 99)
	require.NoError(t, err)
	require.NoError(t, spin(rpc, 5*time.Second, func() bool { return failed.Load() }))
	require.Equal(t, proto.INVALID_REMOTE_RPC_ID, code)
	require.False(t, rpc.IsConnected(sn))

	stop.Store(true)
	require.NoError(t, g.Wait())
	require.NoError(t, rpc.Close())
}

func TestConnectHandlerHashMismatch(t *testing.T) {
	fab := transport.NewFabric(1)
	var stop atomic.Bool
	ready := make(chan string, 1)
	g := errgroup.Group{}
	g.Go(func() error {
		return serveNode(fab, "srv", 1, 0, nil, regEcho, nil, ready, &stop)
	})
	srvAddr := <-ready

	nx, err := NewNexus("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer nx.Close()
	require.NoError(t, regEcho(nx))
	// one extra handler makes the table hash differ from the server's
	require.NoError(t, nx.RegisterHandler(tBgEcho, echoHandler, HandleInline))

	var failed atomic.Bool
	rpc, err := NewRpc(nx, 2, fab.Endpoint("cli"), func(sessNum int, ev SmEventKind, c proto.ErrCode) {
		if ev == SmConnectFailed && c == proto.INVALID_REMOTE_RPC_ID {
			failed.Store(true)
		}
	}, nil)
	require.NoError(t, err)

	_, err = rpc.CreateSession(srvAddr, 1)
	require.NoError(t, err)
	require.NoError(t, spin(rpc, 5*time.Second, func() bool { return failed.Load() }))

	stop.Store(true)
	require.NoError(t, g.Wait())
	require.NoError(t, rpc.Close())
}

// ---- graceful disconnect ----

func TestDestroySession(t *testing.T) {
	fab := transport.NewFabric(1)
	var stop atomic.Bool
	ready := make(chan string, 1)
	g := errgroup.Group{}
	g.Go(func() error {
		return serveNode(fab, "srv", 1, 0, nil, regEcho, nil, ready, &stop)
	})

	var smEvents []SmEventKind
	nx, rpc, sn := startClient(t, fab, "cli", 2, regEcho,
		func(sessNum int, ev SmEventKind, code proto.ErrCode) {
			smEvents = append(smEvents, ev)
		}, nil, <-ready, 1)
	defer nx.Close()

	require.Equal(t, 1, rpc.NumActiveSessions())
	require.NoError(t, rpc.DestroySession(sn))
	require.NoError(t, spin(rpc, 5*time.Second, func() bool {
		return len(smEvents) > 0 && smEvents[len(smEvents)-1] == SmDisconnected
	}))
	require.Equal(t, 0, rpc.NumActiveSessions())
	require.False(t, rpc.IsConnected(sn))

	// sending on a destroyed session is a synchronous error
	req, err := rpc.AllocMsgBuffer(16)
	require.NoError(t, err)
	resp, err := rpc.AllocMsgBuffer(64)
	require.NoError(t, err)
	err = rpc.EnqueueRequest(sn, tEcho, req, resp, func(*RespHandle, uint64) {}, 0)
	require.Error(t, err)
	require.Equal(t, proto.DISCONNECTED, proto.ErrEncode(err))

	stop.Store(true)
	require.NoError(t, g.Wait())
	require.NoError(t, rpc.Close())
}

// ---- tx ring exhaustion ----

// stallTransport never reclaims tx descriptors, so the outstanding counter
// only ever grows - as on a NIC whose completion queue stopped draining.
type stallTransport struct {
	*transport.FakeEndpoint
}

func (st *stallTransport) PollTxCompletions() int { return 0 }

func TestRingExhausted(t *testing.T) {
	fab := transport.NewFabric(1)
	var stop atomic.Bool
	ready := make(chan string, 1)
	g := errgroup.Group{}
	g.Go(func() error {
		return serveNode(fab, "srv", 1, 0, nil, regEcho, nil, ready, &stop)
	})
	srvAddr := <-ready

	nx, err := NewNexus("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer nx.Close()
	require.NoError(t, regEcho(nx))

	rpc, err := NewRpc(nx, 2, &stallTransport{fab.Endpoint("cli")}, nil, nil)
	require.NoError(t, err)

	sn, err := rpc.CreateSession(srvAddr, 1)
	require.NoError(t, err)
	require.NoError(t, spin(rpc, 5*time.Second, func() bool { return rpc.IsConnected(sn) }))

	req, err := rpc.AllocMsgBuffer(16)
	require.NoError(t, err)
	resp, err := rpc.AllocMsgBuffer(64)
	require.NoError(t, err)

	// every request leaves one descriptor outstanding forever; once the
	// ring's worth is used up, new requests are refused until completions
	// would be reclaimed
	fired := 0
	cont := func(h *RespHandle, tag uint64) { fired++ }
	for i := 0; i < txRingHi+8; i++ {
		err = rpc.EnqueueRequest(sn, tEcho, req, resp, cont, uint64(i))
		if err != nil {
			break
		}
		require.NoError(t, spin(rpc, 5*time.Second, func() bool { return fired == i+1 }))
	}
	require.Error(t, err)
	require.Equal(t, proto.RING_EXHAUSTED, proto.ErrEncode(err))
	require.Equal(t, txRingHi, fired)

	// the session itself is still healthy - only the ring is out of
	// descriptors, so the error asks the caller to retry, not to reset
	require.True(t, rpc.IsConnected(sn))

	stop.Store(true)
	require.NoError(t, g.Wait())
	require.NoError(t, rpc.Close())
}

// ---- api validation ----

func TestAPIValidation(t *testing.T) {
	fab := transport.NewFabric(1)
	var stop atomic.Bool
	ready := make(chan string, 1)
	g := errgroup.Group{}
	g.Go(func() error {
		return serveNode(fab, "srv", 1, 0, nil, regEcho, nil, ready, &stop)
	})

	cfg := &Config{MaxMsgSize: 1 << 20}
	nx, rpc, sn := startClient(t, fab, "cli", 2, regEcho, nil, cfg, <-ready, 1)
	defer nx.Close()

	_, err := rpc.AllocMsgBuffer(1<<20 + 1)
	require.Error(t, err)
	require.Equal(t, proto.TOO_LARGE, proto.ErrEncode(err))

	req, err := rpc.AllocMsgBuffer(1 << 20)
	require.NoError(t, err)
	resp, err := rpc.AllocMsgBuffer(64)
	require.NoError(t, err)

	// invalid session numbers are synchronous errors
	err = rpc.EnqueueRequest(sn+100, tEcho, req, resp, func(*RespHandle, uint64) {}, 0)
	require.Error(t, err)
	require.Equal(t, proto.DISCONNECTED, proto.ErrEncode(err))

	stop.Store(true)
	require.NoError(t, g.Wait())
	require.NoError(t, rpc.Close())
}
