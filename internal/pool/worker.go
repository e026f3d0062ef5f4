// Package pool manages the daemon's worker processes: spawning, the
// control-channel handshake, checkout/checkin for dispatch, and the
// reaper that enforces lifetime and idle bounds (C5 in the design).
package pool

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wyrmd/wyrm/internal/carrier"
	"github.com/wyrmd/wyrm/internal/framing"
	"github.com/wyrmd/wyrm/internal/protocol"
	"github.com/wyrmd/wyrm/internal/wlog"
)

// State is a worker's position in its lifecycle.
type State int32

const (
	StateStarting State = iota
	StateReady
	StateBusy
	StateIdle
	StateStopping
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateIdle:
		return "idle"
	case StateStopping:
		return "stopping"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// WorkerConfig configures a single worker's process.
type WorkerConfig struct {
	Index        int
	Permanent    bool // fills one of the min_workers permanent slots
	Exec         string
	Args         []string
	Env          map[string]string
	SocketPath   string
	StartTimeout time.Duration
	WorkerUser   string
	WorkerGroup  string
}

// Worker is one process in the pool: its OS identity, control-channel
// endpoint, and lifecycle state.
type Worker struct {
	cfg    WorkerConfig
	logger *wlog.Logger

	cmd      *exec.Cmd
	cmdMu    sync.RWMutex
	waitOnce sync.Once
	waitErr  error

	state atomic.Int32
	pid   atomic.Int32

	birth        time.Time
	lastActivity atomic.Int64 // unix nanos

	ctrl   *net.UnixConn
	ctrlMu sync.Mutex

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWorker constructs a Worker in state Starting; call Start to spawn it.
func NewWorker(cfg WorkerConfig, logger *wlog.Logger) *Worker {
	w := &Worker{
		cfg:    cfg,
		logger: logger.WithWorker(cfg.Index),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	w.state.Store(int32(StateStarting))
	return w
}

// Index returns the worker's stable pool index.
func (w *Worker) Index() int { return w.cfg.Index }

// Permanent reports whether this worker fills one of the min_workers
// permanent slots. Indices are not reused: a permanent worker respawned by
// the pool gets the next unused index, which can be min_workers or above.
func (w *Worker) Permanent() bool { return w.cfg.Permanent }

// State returns the worker's current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// PID returns the worker process's OS pid, or 0 if not running.
func (w *Worker) PID() int { return int(w.pid.Load()) }

// Birth returns when the worker process was started.
func (w *Worker) Birth() time.Time { return w.birth }

// LastActivity returns the last time the worker transitioned out of Busy.
func (w *Worker) LastActivity() time.Time {
	return time.Unix(0, w.lastActivity.Load())
}

// touch records the current time as the worker's last-activity timestamp.
func (w *Worker) touch() {
	w.lastActivity.Store(time.Now().UnixNano())
}

// Start spawns the worker process and waits for its control channel to
// come up and report READY.
func (w *Worker) Start(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(StateStarting), int32(StateStarting)) {
		return fmt.Errorf("worker %d: cannot start from state %s", w.cfg.Index, w.State())
	}

	_ = os.Remove(w.cfg.SocketPath)

	cmd := exec.CommandContext(ctx, w.cfg.Exec, w.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range w.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("WYRM_WORKER_INDEX=%d", w.cfg.Index),
		fmt.Sprintf("WYRM_CONTROL_SOCKET=%s", w.cfg.SocketPath),
	)
	if w.cfg.WorkerUser != "" {
		cmd.Env = append(cmd.Env, fmt.Sprintf("WYRM_WORKER_USER=%s", w.cfg.WorkerUser))
	}
	if w.cfg.WorkerGroup != "" {
		cmd.Env = append(cmd.Env, fmt.Sprintf("WYRM_WORKER_GROUP=%s", w.cfg.WorkerGroup))
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		w.state.Store(int32(StateDead))
		return fmt.Errorf("worker %d: failed to start process: %w", w.cfg.Index, err)
	}

	w.cmdMu.Lock()
	w.cmd = cmd
	w.cmdMu.Unlock()
	w.pid.Store(int32(cmd.Process.Pid))
	w.birth = time.Now()
	w.touch()

	ln, err := dialWithTimeout(ctx, w.cfg.SocketPath, w.cfg.StartTimeout)
	if err != nil {
		_ = w.kill()
		w.state.Store(int32(StateDead))
		return fmt.Errorf("worker %d: %w", w.cfg.Index, err)
	}

	w.ctrlMu.Lock()
	w.ctrl = ln
	w.ctrlMu.Unlock()

	if err := w.awaitReady(ctx); err != nil {
		_ = w.kill()
		w.state.Store(int32(StateDead))
		return fmt.Errorf("worker %d: %w", w.cfg.Index, err)
	}

	go w.monitor()

	w.state.Store(int32(StateIdle))
	w.logger.Info("worker ready", "pid", cmd.Process.Pid)
	return nil
}

func dialWithTimeout(ctx context.Context, socketPath string, timeout time.Duration) (*net.UnixConn, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("unix", socketPath, 500*time.Millisecond)
		if err == nil {
			return conn.(*net.UnixConn), nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("control socket not ready after %v: %w", timeout, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) awaitReady(ctx context.Context) error {
	w.ctrlMu.Lock()
	conn := w.ctrl
	w.ctrlMu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(w.cfg.StartTimeout))
	framer := framing.NewFramer(conn)
	data, err := framer.ReadMessage()
	if err != nil {
		return fmt.Errorf("waiting for READY: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var msg protocol.Message
	if err := msg.Unmarshal(data); err != nil {
		return fmt.Errorf("invalid READY message: %w", err)
	}
	if msg.Type != protocol.MsgReady {
		return fmt.Errorf("expected READY, got %s", msg.Type)
	}
	return nil
}

// Dispatch hands conn off to the worker via the connection carrier (C1),
// alongside a DISPATCH control message carrying meta, and moves the worker
// to Busy. It returns once the message is sent; waiting for the worker's
// next READY or EXITING is AwaitIdle's job. The caller must not use conn again after this
// call succeeds; ownership has transferred to the worker process.
func (w *Worker) Dispatch(ctx context.Context, conn net.Conn, meta protocol.DispatchMeta) error {
	if !w.state.CompareAndSwap(int32(StateIdle), int32(StateBusy)) {
		return fmt.Errorf("worker %d: not idle, in state %s", w.cfg.Index, w.State())
	}

	w.ctrlMu.Lock()
	ctrl := w.ctrl
	w.ctrlMu.Unlock()

	if err := carrier.SendDispatch(ctrl, conn, meta); err != nil {
		w.state.Store(int32(StateDead))
		return fmt.Errorf("worker %d: failed to send DISPATCH: %w", w.cfg.Index, err)
	}

	return nil
}

// AwaitIdle blocks until the worker reports READY (it finished serving
// the dispatched connection) or the worker process exits, whichever
// comes first. If ctx carries a deadline (the pool's max_request_time
// bound), a worker that has not reported idle by then is killed here:
// max_request_time overrun is always fatal to the worker, enforced by
// the daemon rather than left to the worker to police itself.
func (w *Worker) AwaitIdle(ctx context.Context) error {
	w.ctrlMu.Lock()
	conn := w.ctrl
	w.ctrlMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}

	framer := framing.NewFramer(conn)
	data, err := framer.ReadMessage()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			w.logger.Error("worker exceeded max_request_time, killing", "pid", w.PID())
			_ = w.kill()
			w.state.Store(int32(StateDead))
			return fmt.Errorf("worker %d: request time budget exceeded: %w", w.cfg.Index, err)
		}
		w.state.Store(int32(StateDead))
		return fmt.Errorf("worker %d: control channel lost: %w", w.cfg.Index, err)
	}

	var msg protocol.Message
	if err := msg.Unmarshal(data); err != nil {
		w.state.Store(int32(StateDead))
		return fmt.Errorf("worker %d: malformed control message: %w", w.cfg.Index, err)
	}

	w.touch()
	switch msg.Type {
	case protocol.MsgReady:
		w.state.Store(int32(StateIdle))
		return nil
	case protocol.MsgExiting:
		w.state.Store(int32(StateStopping))
		return fmt.Errorf("worker %d: exiting", w.cfg.Index)
	default:
		w.state.Store(int32(StateDead))
		return fmt.Errorf("worker %d: unexpected message %s while awaiting idle", w.cfg.Index, msg.Type)
	}
}

// Shutdown sends SHUTDOWN and waits (bounded) for the process to exit.
func (w *Worker) Shutdown(ctx context.Context, reason string) error {
	prev := w.State()
	if prev == StateDead {
		return nil
	}
	w.state.Store(int32(StateStopping))

	w.ctrlMu.Lock()
	conn := w.ctrl
	w.ctrlMu.Unlock()

	if conn != nil {
		msg, err := protocol.NewMessage(protocol.MsgShutdown, protocol.ShutdownMeta{Reason: reason})
		if err == nil {
			if data, err := msg.Marshal(); err == nil {
				framer := framing.NewFramer(conn)
				_ = framer.WriteMessage(data)
			}
		}
	}

	close(w.stopCh)

	done := make(chan error, 1)
	go func() { done <- w.wait() }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		w.logger.Warn("worker did not exit gracefully, killing")
		_ = w.kill()
		<-done
	}

	<-w.doneCh
	_ = os.Remove(w.cfg.SocketPath)
	w.state.Store(int32(StateDead))
	w.pid.Store(0)
	return nil
}

func (w *Worker) kill() error {
	w.cmdMu.RLock()
	cmd := w.cmd
	w.cmdMu.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func (w *Worker) wait() error {
	w.cmdMu.RLock()
	cmd := w.cmd
	w.cmdMu.RUnlock()
	if cmd == nil {
		return nil
	}
	w.waitOnce.Do(func() {
		w.waitErr = cmd.Wait()
	})
	return w.waitErr
}

func (w *Worker) monitor() {
	defer close(w.doneCh)

	waitCh := make(chan error, 1)
	go func() { waitCh <- w.wait() }()

	select {
	case <-w.stopCh:
		<-waitCh
	case err := <-waitCh:
		if w.State() != StateStopping && w.State() != StateDead {
			if err != nil {
				w.logger.Error("worker process exited unexpectedly", "error", err)
			} else {
				w.logger.Warn("worker process exited unexpectedly with status 0")
			}
			w.state.Store(int32(StateDead))
			w.pid.Store(0)
		}
	}
}
