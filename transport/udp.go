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

package transport

// UDP fallback backend

import (
	"net"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

const (
	udpMTU      = 1472 // ethernet MTU - ip - udp
	udpMaxBurst = 32
)

// UDP is the commodity-socket backend.
//
// It exists so that the engine runs everywhere; a kernel-bypass deployment
// substitutes a verbs or poll-mode implementation of Transport with the same
// contract.
type UDP struct {
	conn *net.UDPConn
	uri  string

	rxscratch []byte // backing storage for one rx burst
	txpending int
}

type udpRoute struct {
	addr *net.UDPAddr
}

func (r *udpRoute) String() string { return "udp://" + r.addr.String() }

// ListenUDP creates a UDP transport endpoint bound to laddr ("host:port",
// port 0 picks a free one).
func ListenUDP(laddr string) (_ *UDP, err error) {
	defer func() {
		if err != nil {
			err = errors.Wrap(err, "transport: udp listen")
		}
	}()

	ua, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, err
	}

	return &UDP{
		conn:      conn,
		uri:       "udp://" + conn.LocalAddr().String(),
		rxscratch: make([]byte, udpMaxBurst*udpMTU),
	}, nil
}

func (u *UDP) LocalURI() string { return u.uri }

func (u *UDP) Resolve(uri string) (Route, error) {
	hostport, ok := strings.CutPrefix(uri, "udp://")
	if !ok {
		return nil, errors.Errorf("transport: udp: resolve %q: wrong scheme", uri)
	}
	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: udp: resolve %q", uri)
	}
	return &udpRoute{addr}, nil
}

func (u *UDP) TxBurst(pkts []TxPkt) int {
	n := 0
	for _, p := range pkts {
		buf := make([]byte, 0, len(p.Hdr)+len(p.Payload))
		buf = append(buf, p.Hdr...)
		buf = append(buf, p.Payload...)
		_, err := u.conn.WriteToUDP(buf, p.Route.(*udpRoute).addr)
		if err != nil {
			// tx-queue pressure; caller retries after completions
			break
		}
		n++
	}
	u.txpending += n
	return n
}

func (u *UDP) RxBurst(into []RxPkt) int {
	// poll: non-blocking recvfrom on the raw socket (a read deadline in
	// the past would fail every read without looking at the socket)
	rc, err := u.conn.SyscallConn()
	if err != nil {
		return 0
	}

	n := 0
	for n < len(into) && n < udpMaxBurst {
		buf := u.rxscratch[n*udpMTU : (n+1)*udpMTU]
		var sz int
		var rerr error
		err := rc.Read(func(fd uintptr) bool {
			sz, _, rerr = syscall.Recvfrom(int(fd), buf, syscall.MSG_DONTWAIT)
			return true
		})
		if err != nil || rerr != nil {
			break
		}
		into[n] = RxPkt{Data: buf[:sz]}
		n++
	}
	return n
}

func (u *UDP) PollTxCompletions() int {
	// the kernel owns the datagram once WriteToUDP returns
	n := u.txpending
	u.txpending = 0
	return n
}

func (u *UDP) Register(buf []byte) uint32 { return 0 }

func (u *UDP) MTU() int      { return udpMTU }
func (u *UDP) Headroom() int { return 0 }
func (u *UDP) MaxBurst() int { return udpMaxBurst }

func (u *UDP) Close() error { return u.conn.Close() }
