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

// Timely-style congestion control + rate pacing

// timely keeps per-session congestion state driven by RTT samples.
//
// Below TLow the rate grows additively; above THigh it shrinks
// multiplicatively in proportion to the overshoot; in between the smoothed
// RTT gradient decides.
type timely struct {
	cfg *Config

	rate    float64 // current target rate, bytes/s
	srtt    float64 // smoothed rtt, ns
	prevRTT float64 // last sample, ns
	rttDiff float64 // ewma of consecutive-sample deltas, ns
}

func (t *timely) init(cfg *Config) {
	t.cfg = cfg
	t.rate = cfg.LinkRate
}

// update feeds one RTT sample (ns) taken at an acknowledged packet.
func (t *timely) update(rttNs int64) {
	cfg := t.cfg
	rtt := float64(rttNs)

	if t.srtt == 0 {
		t.srtt = rtt
	} else {
		t.srtt = 0.875*t.srtt + 0.125*rtt
	}

	newDiff := rtt - t.prevRTT
	if t.prevRTT == 0 {
		newDiff = 0 // first sample carries no gradient
	}
	t.prevRTT = rtt
	t.rttDiff = (1-cfg.EwmaAlpha)*t.rttDiff + cfg.EwmaAlpha*newDiff

	switch {
	case rtt < float64(cfg.TLow):
		t.rate += cfg.AddRate

	case rtt > float64(cfg.THigh):
		t.rate *= 1 - cfg.Beta*(1-float64(cfg.THigh)/rtt)

	default:
		gradient := t.rttDiff / float64(cfg.MinRTT)
		if gradient <= 0 {
			t.rate += cfg.AddRate
		} else {
			factor := 1 - cfg.Beta*gradient
			if factor < 0.5 {
				factor = 0.5 // one sample halves the rate at most
			}
			t.rate *= factor
		}
	}

	if t.rate > cfg.LinkRate {
		t.rate = cfg.LinkRate
	}
	if t.rate < cfg.MinRate {
		t.rate = cfg.MinRate
	}
}

// ---- pacing ----

// pacer converts the session rate into a per-tick byte budget.
//
// Unspent budget carries over up to one burst so a session idle for a while
// does not accumulate an unbounded backlog allowance.
type pacer struct {
	budget   float64 // bytes the session may transmit now
	lastTick int64   // ns of last replenishment
	burstMax float64 // carry-over cap, bytes
}

func (p *pacer) init(now int64, burstMax int) {
	p.lastTick = now
	p.burstMax = float64(burstMax)
	p.budget = p.burstMax // allow the first packets out without warm-up
}

// replenish accrues budget for the time elapsed since the last call.
func (p *pacer) replenish(now int64, rate float64) {
	dt := now - p.lastTick
	if dt <= 0 {
		return
	}
	p.lastTick = now
	p.budget += rate * float64(dt) / 1e9
	if p.budget > p.burstMax {
		p.budget = p.burstMax
	}
}

// admit asks to transmit n bytes now. It returns false when the budget is
// exhausted; the caller then schedules a pace wake-up.
func (p *pacer) admit(n int) bool {
	if p.budget < float64(n) {
		return false
	}
	p.budget -= float64(n)
	return true
}

// nextAt returns when, at the given rate, the budget will cover n bytes.
func (p *pacer) nextAt(rate float64, n int) int64 {
	missing := float64(n) - p.budget
	if missing <= 0 {
		return p.lastTick
	}
	if rate <= 0 {
		rate = 1
	}
	return p.lastTick + int64(missing/rate*1e9) + 1
}
