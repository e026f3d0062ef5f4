//go:build unix

package carrier

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/wyrmd/wyrm/internal/protocol"
)

// maxOOBSize is generous for a single SCM_RIGHTS control message carrying
// one file descriptor.
const maxOOBSize = 128

// maxFrameSize bounds a single control-message frame (header JSON plus a
// handed-off fd's metadata never needs more than a few hundred bytes; the
// control channel never pipelines, so one message is ever in flight).
const maxFrameSize = 64 * 1024

func sendDispatch(ctrl *net.UnixConn, conn net.Conn, meta protocol.DispatchMeta) error {
	msg, err := protocol.NewMessage(protocol.MsgDispatch, meta)
	if err != nil {
		return fmt.Errorf("carrier: build DISPATCH message: %w", err)
	}
	payload, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("carrier: marshal DISPATCH message: %w", err)
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)

	syscallConn, ok := conn.(syscall.Conn)
	if !ok {
		return fmt.Errorf("carrier: %T does not support fd extraction", conn)
	}
	raw, err := syscallConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("carrier: SyscallConn failed: %w", err)
	}

	var dupFD int
	var dupErr error
	if err := raw.Control(func(fd uintptr) {
		dupFD, dupErr = unix.Dup(int(fd))
	}); err != nil {
		return fmt.Errorf("carrier: raw control failed: %w", err)
	}
	if dupErr != nil {
		return fmt.Errorf("carrier: dup failed: %w", dupErr)
	}

	oob := unix.UnixRights(dupFD)
	if _, _, err := ctrl.WriteMsgUnix(buf, oob, nil); err != nil {
		_ = unix.Close(dupFD)
		return fmt.Errorf("carrier: WriteMsgUnix failed: %w", err)
	}
	_ = unix.Close(dupFD)
	return conn.Close()
}

func recvControl(ctrl *net.UnixConn) (*protocol.Message, net.Conn, error) {
	msgBuf := make([]byte, maxFrameSize)
	oobBuf := make([]byte, maxOOBSize)

	n, oobn, _, _, err := ctrl.ReadMsgUnix(msgBuf, oobBuf)
	if err != nil {
		return nil, nil, fmt.Errorf("carrier: ReadMsgUnix failed: %w", err)
	}
	// A frame written in more than one write (framing.Framer writes the
	// length header and the payload separately) can arrive across several
	// reads; read the rest of it before decoding.
	if n < 4 {
		m, err := io.ReadFull(ctrl, msgBuf[n:4])
		if err != nil {
			return nil, nil, fmt.Errorf("carrier: short read (%d bytes): %w", n, err)
		}
		n += m
	}
	length := binary.BigEndian.Uint32(msgBuf[:4])
	if int(length) > maxFrameSize-4 {
		return nil, nil, fmt.Errorf("carrier: frame size %d exceeds max %d", length, maxFrameSize-4)
	}
	if int(length) > n-4 {
		m, err := io.ReadFull(ctrl, msgBuf[n:4+int(length)])
		if err != nil {
			return nil, nil, fmt.Errorf("carrier: read frame payload: %w", err)
		}
		n += m
	}
	if int(length) != n-4 {
		return nil, nil, fmt.Errorf("carrier: frame length mismatch: header says %d, got %d", length, n-4)
	}

	var msg protocol.Message
	if err := msg.Unmarshal(msgBuf[4:n]); err != nil {
		return nil, nil, fmt.Errorf("carrier: unmarshal control message: %w", err)
	}

	if oobn == 0 {
		return &msg, nil, nil
	}

	scms, err := unix.ParseSocketControlMessage(oobBuf[:oobn])
	if err != nil {
		return nil, nil, fmt.Errorf("carrier: parse control message: %w", err)
	}
	if len(scms) != 1 {
		return nil, nil, fmt.Errorf("carrier: expected 1 control message, got %d", len(scms))
	}

	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil {
		return nil, nil, fmt.Errorf("carrier: parse unix rights: %w", err)
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			_ = unix.Close(fd)
		}
		return nil, nil, fmt.Errorf("carrier: expected 1 fd, got %d", len(fds))
	}

	file := os.NewFile(uintptr(fds[0]), "dispatched-connection")
	conn, err := net.FileConn(file)
	_ = file.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("carrier: FileConn failed: %w", err)
	}

	return &msg, conn, nil
}
