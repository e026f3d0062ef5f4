// Package daemon wires the configuration, listener set, worker pool,
// dispatcher, and endpoint table into the running process spec.md
// describes as a whole: it owns startup order, the periodic reaper, and
// graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/wyrmd/wyrm/internal/config"
	"github.com/wyrmd/wyrm/internal/dispatcher"
	"github.com/wyrmd/wyrm/internal/endpoint"
	"github.com/wyrmd/wyrm/internal/listener"
	wpool "github.com/wyrmd/wyrm/internal/pool"
	"github.com/wyrmd/wyrm/internal/protocol"
	"github.com/wyrmd/wyrm/internal/wire"
	"github.com/wyrmd/wyrm/internal/wlog"
)

// AbortError is returned by Start when cfg.ReturnCode is non-zero: per
// spec.md, a non-zero return_code aborts startup with that code rather
// than running at all (used to script deliberate non-zero exits, e.g.
// from deployment tooling verifying exit-code plumbing).
type AbortError struct {
	Code int
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("daemon: startup aborted by return_code=%d", e.Code)
}

// workerModeArg is the hidden cmd/wyrmd subcommand a spawned worker
// process re-invokes itself with when Config.WorkerExec is left empty.
const workerModeArg = "__worker"

// Daemon owns the running process's listener set, worker pool, and
// dispatcher for the lifetime of one Start/Shutdown cycle.
type Daemon struct {
	cfg    *config.Config
	table  *endpoint.Table
	logger *wlog.Logger

	listeners *listener.Set
	pool      *wpool.Pool
	dispatch  *dispatcher.Dispatcher

	reapInterval time.Duration
	reapStop     chan struct{}
	reapDone     chan struct{}

	serveDone chan struct{}

	mu       sync.Mutex
	shutdown bool
}

// New constructs a Daemon from a validated cfg and a built endpoint
// table. Call Start to bring it up.
func New(cfg *config.Config, table *endpoint.Table, logger *wlog.Logger) *Daemon {
	return &Daemon{
		cfg:          cfg,
		table:        table,
		logger:       logger.WithComponent("daemon"),
		reapInterval: reapIntervalFor(cfg),
	}
}

// reapIntervalFor picks a reap cadence proportional to the tightest
// configured idle/lifetime bound, clamped to a sane range so a very small
// bound (as in tests) doesn't busy-loop and a very large one doesn't
// leave workers lingering long past their budget.
func reapIntervalFor(cfg *config.Config) time.Duration {
	tightest := cfg.MaxWorkerLifetime
	for _, d := range []time.Duration{cfg.MaxWorkerIdle, cfg.MaxDynamicWorkerIdle} {
		if d > 0 && (tightest <= 0 || d < tightest) {
			tightest = d
		}
	}
	interval := tightest / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	return interval
}

// Start brings the daemon fully up: binds listeners, warms the worker
// pool, runs the daemon_start lifecycle hook, and begins accepting
// connections. It returns once startup has either fully succeeded or
// failed; serving continues on background goroutines after a successful
// return. Call Shutdown to stop.
func (d *Daemon) Start(ctx context.Context) error {
	if d.cfg.ReturnCode != 0 {
		return &AbortError{Code: d.cfg.ReturnCode}
	}

	if d.cfg.ControlCodec == "msgpack" {
		codec, err := wire.NewCodec(wire.CodecMessagePack)
		if err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		protocol.SetCodec(codec)
	}

	for _, w := range d.cfg.Warnings() {
		d.logger.Warn(w)
	}

	spawnSpec, err := d.workerSpawnSpec()
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}

	bounds := wpool.Bounds{
		MinWorkers:           d.cfg.MinWorkers,
		MaxWorkers:           d.cfg.MaxWorkers,
		MaxWorkerLifetime:    d.cfg.MaxWorkerLifetime,
		MaxWorkerIdle:        d.cfg.MaxWorkerIdle,
		MaxDynamicWorkerIdle: d.cfg.MaxDynamicWorkerIdle,
		StartTimeout:         10 * time.Second,
		MaxRequestTime:       d.cfg.MaxRequestTime,
	}
	d.pool = wpool.New(bounds, spawnSpec, d.logger)
	if err := d.pool.Start(ctx); err != nil {
		return fmt.Errorf("daemon: worker pool startup: %w", err)
	}

	listeners, err := listener.New(d.cfg.Listeners, d.cfg.ListenerBacklog, d.logger)
	if err != nil {
		_ = d.pool.Shutdown(context.Background())
		return fmt.Errorf("daemon: %w", err)
	}
	d.listeners = listeners

	d.dispatch = dispatcher.New(d.pool, d.cfg.MaxWorkers, d.logger)

	d.table.Lifecycle(endpoint.KindDaemonStart, &endpoint.Request{ReceivedAt: time.Now().UnixNano()})

	d.reapStop = make(chan struct{})
	d.reapDone = make(chan struct{})
	go d.reapLoop()

	d.serveDone = make(chan struct{})
	go func() {
		defer close(d.serveDone)
		d.listeners.Serve(ctx, d.dispatch)
	}()

	d.logger.Info("daemon started",
		"min_workers", d.cfg.MinWorkers,
		"max_workers", d.cfg.MaxWorkers,
		"listeners", len(d.cfg.Listeners),
	)
	return nil
}

// workerSpawnSpec builds the pool.SpawnSpec for worker processes,
// defaulting to re-invoking the daemon's own executable in hidden worker
// mode when WorkerExec is unset.
func (d *Daemon) workerSpawnSpec() (wpool.SpawnSpec, error) {
	exec := d.cfg.WorkerExec
	args := d.cfg.WorkerArgs
	if exec == "" {
		self, err := os.Executable()
		if err != nil {
			return wpool.SpawnSpec{}, fmt.Errorf("resolving self executable for worker spawn: %w", err)
		}
		exec = self
		args = []string{workerModeArg}
	}

	env := map[string]string{
		"WYRM_MAX_REQUEST_SIZE":   strconv.FormatInt(d.cfg.MaxRequestSize, 10),
		"WYRM_MAX_HTTP_WAITING":   d.cfg.MaxHTTPWaiting.String(),
		"WYRM_KEEP_ALIVE_ENABLED": strconv.FormatBool(d.cfg.KeepAliveEnabled),
		"WYRM_KEEP_ALIVE_TIMEOUT": d.cfg.KeepAliveTimeout.String(),
		"WYRM_WITH_REMOTE_IP":     strconv.FormatBool(d.cfg.WithRemoteIP),
	}
	if d.cfg.ControlCodec != "" {
		env["WYRM_CONTROL_CODEC"] = d.cfg.ControlCodec
	}

	return wpool.SpawnSpec{
		Exec:        exec,
		Args:        args,
		Env:         env,
		SocketDir:   os.TempDir(),
		WorkerUser:  d.cfg.WorkerUser,
		WorkerGroup: d.cfg.WorkerGroup,
	}, nil
}

func (d *Daemon) reapLoop() {
	defer close(d.reapDone)
	ticker := time.NewTicker(d.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.reapStop:
			return
		case <-ticker.C:
			if err := d.pool.ReapExpired(context.Background()); err != nil {
				d.logger.Warn("reaper encountered errors", "error", err)
			}
		}
	}
}

// Shutdown stops accepting new connections, drains the reaper, runs the
// daemon_stop lifecycle hook, and shuts down every worker. Safe to call
// more than once.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return nil
	}
	d.shutdown = true
	d.mu.Unlock()

	if d.listeners != nil {
		_ = d.listeners.Close()
		<-d.serveDone
	}

	if d.reapStop != nil {
		close(d.reapStop)
		<-d.reapDone
	}

	d.table.Lifecycle(endpoint.KindDaemonStop, &endpoint.Request{ReceivedAt: time.Now().UnixNano()})

	if d.pool != nil {
		if err := d.pool.Shutdown(ctx); err != nil {
			return fmt.Errorf("daemon: worker shutdown: %w", err)
		}
	}

	d.logger.Info("daemon stopped")
	return nil
}

// Metrics exposes the worker pool's metrics snapshot for diagnostics.
func (d *Daemon) Metrics() wpool.Snapshot {
	if d.pool == nil {
		return wpool.Snapshot{}
	}
	return d.pool.Metrics().Snapshot()
}

// WorkerModeArg is the argument cmd/wyrmd checks for to enter worker mode
// when it is the hidden subcommand re-invocation target (see
// workerSpawnSpec).
func WorkerModeArg() string { return workerModeArg }
