package framing

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/wyrmd/wyrm/internal/protocol"
)

func TestFramer_WriteMessage(t *testing.T) {
	tests := []struct {
		name    string
		msg     *protocol.Message
		wantErr bool
	}{
		{
			name:    "dispatch message",
			msg:     mustMessage(t, protocol.MsgDispatch, protocol.DispatchMeta{ListenerIndex: 0, PeerAddr: "127.0.0.1:9001"}),
			wantErr: false,
		},
		{
			name:    "ready message with no payload",
			msg:     &protocol.Message{Type: protocol.MsgReady},
			wantErr: false,
		},
		{
			name:    "shutdown message",
			msg:     mustMessage(t, protocol.MsgShutdown, protocol.ShutdownMeta{Reason: "drain"}),
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			framer := NewFramer(&buf)

			data, err := tt.msg.Marshal()
			if err != nil {
				t.Fatalf("failed to marshal message: %v", err)
			}

			err = framer.WriteMessage(data)
			if (err != nil) != tt.wantErr {
				t.Errorf("WriteMessage() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				written := buf.Bytes()
				if len(written) < 4 {
					t.Fatal("frame too short")
				}

				lengthBytes := written[:4]
				length := binary.BigEndian.Uint32(lengthBytes)
				if int(length) != len(data) {
					t.Errorf("length mismatch: header=%d, actual=%d", length, len(data))
				}

				payload := written[4:]
				if !bytes.Equal(payload, data) {
					t.Error("payload mismatch")
				}
			}
		})
	}
}

func TestFramer_ReadMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  *protocol.Message
	}{
		{name: "ready", msg: &protocol.Message{Type: protocol.MsgReady}},
		{name: "exiting", msg: mustMessage(t, protocol.MsgExiting, protocol.ExitingMeta{WorkerIndex: 2})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.msg.Marshal()
			if err != nil {
				t.Fatalf("failed to marshal message: %v", err)
			}

			var buf bytes.Buffer
			framer := NewFramer(&buf)
			if err := framer.WriteMessage(data); err != nil {
				t.Fatalf("failed to write message: %v", err)
			}

			readFramer := NewFramer(&buf)
			msg, err := readFramer.ReadMessage()
			if err != nil {
				t.Fatalf("ReadMessage() error = %v", err)
			}

			if !bytes.Equal(msg, data) {
				t.Error("read message doesn't match original")
			}

			var decoded protocol.Message
			if err := decoded.Unmarshal(msg); err != nil {
				t.Errorf("failed to unmarshal message: %v", err)
			}
			if decoded.Type != tt.msg.Type {
				t.Errorf("type mismatch: got=%s, want=%s", decoded.Type, tt.msg.Type)
			}
		})
	}
}

func TestFramer_MaxFrameSize(t *testing.T) {
	var buf bytes.Buffer
	maxSize := 100
	framer := NewFramerWithMaxSize(&buf, maxSize)

	largeData := make([]byte, maxSize+1)
	err := framer.WriteMessage(largeData)
	if err == nil {
		t.Error("expected error for oversized message")
	}
}

func TestFramer_PartialRead(t *testing.T) {
	msg := mustMessage(t, protocol.MsgDispatch, protocol.DispatchMeta{ListenerIndex: 1, PeerAddr: "10.0.0.2:55001"})
	data, _ := msg.Marshal()

	var fullBuf bytes.Buffer
	framer := NewFramer(&fullBuf)
	_ = framer.WriteMessage(data)

	fullData := fullBuf.Bytes()
	pr := &partialReader{
		data:      fullData,
		chunkSize: 10,
	}

	readFramer := NewFramer(pr)
	read, err := readFramer.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}

	if !bytes.Equal(read, data) {
		t.Error("partial read resulted in corrupted message")
	}
}

func mustMessage(t *testing.T, typ protocol.MessageType, payload interface{}) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(typ, payload)
	if err != nil {
		t.Fatalf("failed to build message: %v", err)
	}
	return msg
}

// partialReader simulates reading data in small chunks
type partialReader struct {
	data      []byte
	offset    int
	chunkSize int
}

func (r *partialReader) Read(p []byte) (n int, err error) {
	if r.offset >= len(r.data) {
		return 0, io.EOF
	}

	remaining := len(r.data) - r.offset
	toRead := r.chunkSize
	if toRead > remaining {
		toRead = remaining
	}
	if toRead > len(p) {
		toRead = len(p)
	}

	copy(p, r.data[r.offset:r.offset+toRead])
	r.offset += toRead
	return toRead, nil
}

func (r *partialReader) Write(_ []byte) (n int, err error) {
	return 0, io.ErrClosedPipe
}
