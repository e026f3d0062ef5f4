package dispatcher

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/wyrmd/wyrm/internal/carrier"
	"github.com/wyrmd/wyrm/internal/framing"
	"github.com/wyrmd/wyrm/internal/listener"
	"github.com/wyrmd/wyrm/internal/pool"
	"github.com/wyrmd/wyrm/internal/protocol"
	"github.com/wyrmd/wyrm/internal/wlog"
)

// TestMain intercepts re-exec calls used to simulate a worker process
// inside the test binary itself, mirroring internal/pool's fixture: no
// standalone worker binary exists to spawn in these unit tests.
func TestMain(m *testing.M) {
	if os.Getenv("WYRM_TEST_HELPER_PROCESS") == "1" {
		runHelperWorker()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func helperWorkerExec() (exec string, args []string, env map[string]string) {
	return os.Args[0], []string{"-test.run=TestMain"}, map[string]string{
		"WYRM_TEST_HELPER_PROCESS": "1",
	}
}

// runHelperWorker accepts exactly one DISPATCH per loop iteration and
// immediately reports READY, acknowledging SHUTDOWN with EXITING.
func runHelperWorker() {
	sockPath := os.Getenv("WYRM_CONTROL_SOCKET")
	if sockPath == "" {
		os.Exit(1)
	}
	_ = os.Remove(sockPath)

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = ln.Close() }()

	conn, err := ln.Accept()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		os.Exit(1)
	}

	framer := framing.NewFramer(conn)
	readyMsg, _ := protocol.NewMessage(protocol.MsgReady, nil)
	readyData, _ := readyMsg.Marshal()
	if err := framer.WriteMessage(readyData); err != nil {
		os.Exit(1)
	}

	for {
		msg, handed, err := carrier.RecvControl(unixConn)
		if err != nil {
			return
		}
		switch msg.Type {
		case protocol.MsgDispatch:
			if handed != nil {
				_ = handed.Close()
			}
			reply, _ := protocol.NewMessage(protocol.MsgReady, nil)
			data, _ := reply.Marshal()
			if err := framer.WriteMessage(data); err != nil {
				return
			}
		case protocol.MsgShutdown:
			reply, _ := protocol.NewMessage(protocol.MsgExiting, protocol.ExitingMeta{Reason: "shutdown"})
			data, _ := reply.Marshal()
			_ = framer.WriteMessage(data)
			return
		}
	}
}

func testLogger() *wlog.Logger {
	return wlog.New(wlog.Config{Level: "error", Format: "text"})
}

func newTestPool(t *testing.T, min, max int) *pool.Pool {
	t.Helper()
	exec, args, env := helperWorkerExec()
	bounds := pool.Bounds{
		MinWorkers:           min,
		MaxWorkers:           max,
		MaxWorkerLifetime:    time.Hour,
		MaxWorkerIdle:        time.Hour,
		MaxDynamicWorkerIdle: time.Hour,
		StartTimeout:         5 * time.Second,
	}
	spec := pool.SpawnSpec{
		Exec:      exec,
		Args:      args,
		Env:       env,
		SocketDir: t.TempDir(),
	}
	return pool.New(bounds, spec, testLogger())
}

// testConn returns a real TCP connection (so it satisfies syscall.Conn for
// fd extraction by the connection carrier) along with a closer for the
// listener backing it.
func testConn(t *testing.T) (net.Conn, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptedCh <- c
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	accepted := <-acceptedCh
	return accepted, func() {
		_ = client.Close()
		_ = ln.Close()
	}
}

func TestDispatcherHandsOffToIdleWorker(t *testing.T) {
	p := newTestPool(t, 1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	d := New(p, 4, testLogger())

	conn, closeConn := testConn(t)
	defer closeConn()

	d.Accept(listener.Accepted{
		Conn:          conn,
		ListenerIndex: 0,
		PeerAddr:      "127.0.0.1:1",
		ReceivedAt:    time.Now(),
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p.Size() == 1 && p.CheckoutIdle() != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("worker never returned to idle after dispatch")
}

func TestDispatcherRejectsAtCapacity(t *testing.T) {
	p := newTestPool(t, 1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	d := New(p, 4, testLogger())

	// Occupy the sole worker directly; it stays Busy until Checkin reads
	// its READY.
	conn1, closeConn1 := testConn(t)
	defer closeConn1()
	w, err := p.Dispatch(ctx, conn1, protocol.DispatchMeta{ListenerIndex: 0, PeerAddr: "127.0.0.1:1"})
	if err != nil {
		t.Fatalf("priming dispatch failed: %v", err)
	}

	conn2, closeConn2 := testConn(t)
	defer closeConn2()

	d.Accept(listener.Accepted{
		Conn:          conn2,
		ListenerIndex: 0,
		PeerAddr:      "127.0.0.1:2",
		ReceivedAt:    time.Now(),
	})

	buf := make([]byte, 1)
	_ = conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn2.Read(buf); err == nil {
		t.Fatal("expected admission-rejected connection to be closed")
	}

	p.Checkin(ctx, w)
}
