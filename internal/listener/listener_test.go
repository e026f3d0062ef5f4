package listener

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/wyrmd/wyrm/internal/config"
	"github.com/wyrmd/wyrm/internal/wlog"
)

type collectingSink struct {
	mu   sync.Mutex
	seen []Accepted
	done chan struct{}
}

func newCollectingSink(want int) *collectingSink {
	return &collectingSink{done: make(chan struct{}, want)}
}

func (s *collectingSink) Accept(a Accepted) {
	s.mu.Lock()
	s.seen = append(s.seen, a)
	s.mu.Unlock()
	_ = a.Conn.Close()
	s.done <- struct{}{}
}

func testLogger() *wlog.Logger {
	return wlog.New(wlog.Config{Level: "error", Format: "text"})
}

func TestSetAcceptsAndAnnotatesConnections(t *testing.T) {
	cfg := []config.Listener{{Index: 0, Address: "127.0.0.1:0", Family: "v4"}}
	set, err := New(cfg, 128, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = set.Close() }()

	addr := set.listeners[0].ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := newCollectingSink(1)
	go set.Serve(ctx, sink)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	select {
	case <-sink.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.seen) != 1 {
		t.Fatalf("expected 1 accepted connection, got %d", len(sink.seen))
	}
	if sink.seen[0].ListenerIndex != 0 {
		t.Errorf("expected listener index 0, got %d", sink.seen[0].ListenerIndex)
	}
	if sink.seen[0].PeerAddr == "" {
		t.Error("expected non-empty peer address")
	}
}

func TestNewRejectsUnbindableAddress(t *testing.T) {
	cfg := []config.Listener{{Index: 0, Address: "not-an-address", Family: "v4"}}
	_, err := New(cfg, 128, testLogger())
	if err == nil {
		t.Fatal("expected bind failure for invalid address")
	}
}

func TestIsTransientRetriesResourceExhaustion(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"EMFILE", &net.OpError{Op: "accept", Err: syscall.EMFILE}, true},
		{"ENFILE", &net.OpError{Op: "accept", Err: syscall.ENFILE}, true},
		{"ECONNABORTED", &net.OpError{Op: "accept", Err: syscall.ECONNABORTED}, true},
		{"other errno", &net.OpError{Op: "accept", Err: syscall.EINVAL}, false},
		{"generic error", errors.New("boom"), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := isTransient(c.err); got != c.want {
				t.Errorf("isTransient(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestCloseStopsAcceptLoop(t *testing.T) {
	cfg := []config.Listener{{Index: 0, Address: "127.0.0.1:0", Family: "v4"}}
	set, err := New(cfg, 128, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	sink := newCollectingSink(0)

	serveDone := make(chan struct{})
	go func() {
		set.Serve(ctx, sink)
		close(serveDone)
	}()

	time.Sleep(50 * time.Millisecond)
	if err := set.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case <-serveDone:
	case <-time.After(2 * time.Second):
		t.Fatal("accept loop did not exit after Close")
	}
}
