// Package carrier passes an accepted connection's file descriptor from the
// daemon to a worker process across the control channel (C1 in the
// design): the daemon keeps the listener, a worker keeps the connection.
package carrier

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/wyrmd/wyrm/internal/protocol"
)

// SendDispatch writes a MsgDispatch control message to ctrl and hands off
// conn's underlying connection to the worker on the other end, in the
// same underlying send where the platform allows it. The concrete
// mechanism is platform-specific: SCM_RIGHTS ancillary data on POSIX
// (carrier_unix.go); a loopback rendezvous listener elsewhere
// (carrier_other.go). On POSIX the caller's copy of conn is closed by the
// time this returns successfully; the loopback fallback keeps conn open
// and relays bytes through it until either side closes.
func SendDispatch(ctrl *net.UnixConn, conn net.Conn, meta protocol.DispatchMeta) error {
	return sendDispatch(ctrl, conn, meta)
}

// SendControl writes a framed control message that carries no connection
// handoff (e.g. MsgShutdown). It uses the same wire framing RecvControl
// expects, so either a daemon or a worker may call it.
func SendControl(ctrl *net.UnixConn, msg *protocol.Message) error {
	payload, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("carrier: marshal %s message: %w", msg.Type, err)
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := ctrl.Write(buf); err != nil {
		return fmt.Errorf("carrier: write failed: %w", err)
	}
	return nil
}

// RecvControl reads the next control message from ctrl. A MsgDispatch
// message additionally yields the handed-off connection; every other
// message type yields a nil conn. Callers that expect to receive both
// DISPATCH and non-DISPATCH messages on the same channel (a worker's main
// loop) must always read through RecvControl, never a plain frame reader,
// so that a DISPATCH's ancillary data is never silently dropped.
func RecvControl(ctrl *net.UnixConn) (*protocol.Message, net.Conn, error) {
	return recvControl(ctrl)
}
