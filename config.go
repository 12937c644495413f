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

import "time"

// Config tunes one Rpc instance.
//
// The zero value asks for defaults on every field.
type Config struct {
	// ReqWindow is the number of request slots per session (W).
	ReqWindow int

	// MaxMsgSize bounds request and response payloads.
	MaxMsgSize int

	// MaxSessions caps sessions per Rpc instance.
	MaxSessions int

	// PoolMaxBytes caps slab memory of the instance's buffer pool.
	PoolMaxBytes int

	// RTOBase is the floor of the retransmission timeout. The effective
	// timeout is max(RTOBase, 4·srtt), doubled on every consecutive
	// expiry up to 64·RTOBase, and reset when the slot makes progress.
	RTOBase time.Duration

	// MaxRetries is how many consecutive timeouts without progress a slot
	// tolerates before the whole session is declared reset.
	MaxRetries int

	// Timely congestion-control parameters.
	TLow      time.Duration // additive increase below this RTT
	THigh     time.Duration // multiplicative decrease above this RTT
	EwmaAlpha float64       // rtt-gradient smoothing
	Beta      float64       // multiplicative decrease factor
	AddRate   float64       // additive increase step, bytes/s
	MinRTT    time.Duration // propagation rtt used to normalize the gradient
	LinkRate  float64       // rate ceiling, bytes/s
	MinRate   float64       // rate floor, bytes/s
}

func (c *Config) fillDefaults() {
	if c.ReqWindow == 0 {
		c.ReqWindow = 8
	}
	if c.MaxMsgSize == 0 {
		c.MaxMsgSize = 8 << 20
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = 1024
	}
	if c.RTOBase == 0 {
		c.RTOBase = 5 * time.Millisecond
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 6
	}
	if c.TLow == 0 {
		c.TLow = 50 * time.Microsecond
	}
	if c.THigh == 0 {
		c.THigh = time.Millisecond
	}
	if c.EwmaAlpha == 0 {
		c.EwmaAlpha = 0.46
	}
	if c.Beta == 0 {
		c.Beta = 0.8
	}
	if c.AddRate == 0 {
		c.AddRate = 5e6
	}
	if c.MinRTT == 0 {
		c.MinRTT = 2 * time.Microsecond
	}
	if c.LinkRate == 0 {
		c.LinkRate = 1.25e9 // 10 Gbit/s
	}
	if c.MinRate == 0 {
		c.MinRate = 1e5
	}
}
