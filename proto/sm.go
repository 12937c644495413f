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

// session-management side-channel messages

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// SMOp is the operation carried by one session-management message.
type SMOp uint8

const (
	SM_CONNECT_REQ SMOp = iota + 1
	SM_CONNECT_RESP
	SM_DISCONNECT_REQ
	SM_DISCONNECT_RESP
	SM_RESET
)

func (op SMOp) String() string {
	switch op {
	case SM_CONNECT_REQ:
		return "connect-req"
	case SM_CONNECT_RESP:
		return "connect-resp"
	case SM_DISCONNECT_REQ:
		return "disconnect-req"
	case SM_DISCONNECT_RESP:
		return "disconnect-resp"
	case SM_RESET:
		return "reset"
	}
	return fmt.Sprintf("?(%d)", uint8(op))
}

// SMMsg is one message exchanged over the management socket.
//
// Requests carry the sender's coordinates so the receiver can both route the
// session and reply; connect requests additionally carry the sender's handler
// table hash and memory-region key for rdma-class transports.
type SMMsg struct {
	Op            SMOp    `msgpack:"op"`
	SenderURI     string  `msgpack:"uri"`   // transport URI of sender's datapath endpoint
	SenderRpcId   uint8   `msgpack:"rpc"`   // sender's rpc id within its nexus
	RemoteRpcId   uint8   `msgpack:"rrpc"`  // addressee's rpc id
	SenderSessNum uint16  `msgpack:"sess"`  // sender's session number
	RemoteSessNum uint16  `msgpack:"rsess"` // addressee's session number (0 in connect-req)
	HandlerHash   uint64  `msgpack:"hash"`  // hash of registered (type, mode) table
	MemKey        uint32  `msgpack:"mkey"`  // sender's memory-region key
	Code          ErrCode `msgpack:"code"`  // NO_ERROR on success
}

// SMEncode encodes m for transmission over the management socket.
func SMEncode(m *SMMsg) ([]byte, error) {
	return msgpack.Marshal(m)
}

// SMDecode decodes data received from the management socket.
func SMDecode(data []byte) (*SMMsg, error) {
	m := &SMMsg{}
	err := msgpack.Unmarshal(data, m)
	if err != nil {
		return nil, fmt.Errorf("sm: decode: %s", err)
	}
	if m.Op < SM_CONNECT_REQ || m.Op > SM_RESET {
		return nil, fmt.Errorf("sm: decode: invalid op %d", m.Op)
	}
	return m, nil
}
