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

// error codes surfaced to applications

import "fmt"

// ErrCode is the kind of an RPC-level error.
type ErrCode uint8

const (
	NO_ERROR              ErrCode = iota // success
	TOO_LARGE                            // message exceeds configured maximum
	OUT_OF_MEMORY                        // buffer pool exhausted
	TOO_MANY_SESSIONS                    // per-instance session cap reached
	INVALID_REMOTE_RPC_ID                // peer rejected the session request
	SESSION_RESET                        // peer died or explicitly reset
	DISCONNECTED                         // send attempted on session in teardown
	RING_EXHAUSTED                       // transport TX queue full; retry next tick
)

func (c ErrCode) String() string {
	switch c {
	case NO_ERROR:
		return "no error"
	case TOO_LARGE:
		return "message too large"
	case OUT_OF_MEMORY:
		return "out of memory"
	case TOO_MANY_SESSIONS:
		return "too many sessions"
	case INVALID_REMOTE_RPC_ID:
		return "invalid remote rpc id"
	case SESSION_RESET:
		return "session reset"
	case DISCONNECTED:
		return "session disconnected"
	case RING_EXHAUSTED:
		return "tx ring exhausted"
	}
	return fmt.Sprintf("?(%d)", uint8(c))
}

// Err converts code into error to return to applications.
//
// NO_ERROR converts to nil.
func (c ErrCode) Err() error {
	if c == NO_ERROR {
		return nil
	}
	return &Error{Code: c}
}

// Error is an RPC-level error with code and optional detail.
type Error struct {
	Code    ErrCode
	Message string
}

func (e *Error) Error() string {
	s := e.Code.String()
	if e.Message != "" {
		s += ": " + e.Message
	}
	return s
}

// ErrEncode extracts ErrCode from an error returned by nexrpc operations.
//
// nil maps to NO_ERROR.
func ErrEncode(err error) ErrCode {
	if err == nil {
		return NO_ERROR
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return SESSION_RESET
}
