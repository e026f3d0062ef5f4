//go:build !unix

// Non-POSIX fallback: rather than duplicate a file descriptor across the
// process boundary (no SCM_RIGHTS equivalent here), the daemon opens a
// one-shot loopback listener, tells the worker where to dial via the
// control channel, and proxies bytes between the original connection and
// the new one. This is the "handle duplication via the target process"
// alternative the design calls for on platforms without POSIX ancillary
// data.
package carrier

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/wyrmd/wyrm/internal/protocol"
)

const maxFrameSize = 64 * 1024

const rendezvousAcceptTimeout = 5 * time.Second

func sendDispatch(ctrl *net.UnixConn, conn net.Conn, meta protocol.DispatchMeta) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("carrier: failed to open rendezvous listener: %w", err)
	}
	meta.RendezvousAddr = ln.Addr().String()

	msg, err := protocol.NewMessage(protocol.MsgDispatch, meta)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("carrier: build DISPATCH message: %w", err)
	}
	payload, err := msg.Marshal()
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("carrier: marshal DISPATCH message: %w", err)
	}

	go proxyRendezvous(ln, conn)

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := ctrl.Write(buf); err != nil {
		return fmt.Errorf("carrier: failed to send DISPATCH: %w", err)
	}
	return nil
}

// proxyRendezvous accepts the worker's single rendezvous dial and then
// relays bytes bidirectionally between it and conn until either side
// closes, simulating fd handle duplication on platforms without
// SCM_RIGHTS.
func proxyRendezvous(ln net.Listener, conn net.Conn) {
	defer func() { _ = ln.Close() }()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		c, err := ln.Accept()
		accepted <- acceptResult{c, err}
	}()

	select {
	case res := <-accepted:
		if res.err != nil {
			_ = conn.Close()
			return
		}
		proxy(conn, res.conn)
	case <-time.After(rendezvousAcceptTimeout):
		_ = conn.Close()
	}
}

// proxy relays bytes between two connections until either side closes,
// then closes both.
func proxy(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
	_ = a.Close()
	_ = b.Close()
}

func recvControl(ctrl *net.UnixConn) (*protocol.Message, net.Conn, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(ctrl, header); err != nil {
		return nil, nil, fmt.Errorf("carrier: read frame length: %w", err)
	}
	length := binary.BigEndian.Uint32(header)
	if length > maxFrameSize {
		return nil, nil, fmt.Errorf("carrier: frame size %d exceeds max %d", length, maxFrameSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(ctrl, payload); err != nil {
		return nil, nil, fmt.Errorf("carrier: read frame payload: %w", err)
	}

	var msg protocol.Message
	if err := msg.Unmarshal(payload); err != nil {
		return nil, nil, fmt.Errorf("carrier: unmarshal control message: %w", err)
	}

	if msg.Type != protocol.MsgDispatch {
		return &msg, nil, nil
	}

	var meta protocol.DispatchMeta
	if err := msg.DecodePayload(&meta); err != nil {
		return nil, nil, fmt.Errorf("carrier: decode dispatch meta: %w", err)
	}
	if meta.RendezvousAddr == "" {
		return nil, nil, fmt.Errorf("carrier: dispatch message missing rendezvous address")
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), rendezvousAcceptTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", meta.RendezvousAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("carrier: dial rendezvous address: %w", err)
	}
	return &msg, conn, nil
}
