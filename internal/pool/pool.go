package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/wyrmd/wyrm/internal/protocol"
	"github.com/wyrmd/wyrm/internal/wlog"
)

// ErrPoolShutdown is returned by Dispatch once Shutdown has begun.
var ErrPoolShutdown = errors.New("pool: shutting down")

// ErrAdmissionReject is returned by Dispatch when no idle worker is
// available and the pool is already at max_workers: the caller should
// close the connection without reading (intentional backpressure).
var ErrAdmissionReject = errors.New("pool: admission rejected, at capacity")

// Bounds mirrors the worker-lifecycle knobs of the daemon configuration.
type Bounds struct {
	MinWorkers           int
	MaxWorkers           int
	MaxWorkerLifetime    time.Duration
	MaxWorkerIdle        time.Duration
	MaxDynamicWorkerIdle time.Duration
	StartTimeout         time.Duration

	// MaxRequestTime bounds a single dispatched request end-to-end; a
	// worker that has not reported idle within this window is killed
	// (zero disables the bound).
	MaxRequestTime time.Duration
}

// SpawnSpec is everything a new Worker needs beyond its index/permanence.
type SpawnSpec struct {
	Exec        string
	Args        []string
	Env         map[string]string
	SocketDir   string
	WorkerUser  string
	WorkerGroup string
}

// Pool owns the set of worker processes, growing and reaping them to stay
// within Bounds, and checks workers in and out for dispatch.
type Pool struct {
	bounds Bounds
	spec   SpawnSpec
	logger *wlog.Logger
	metrics *Metrics

	mu      sync.Mutex
	workers []*Worker
	nextIdx int

	shutdown bool
}

// New constructs a Pool. Call Start to warm up permanent workers.
func New(bounds Bounds, spec SpawnSpec, logger *wlog.Logger) *Pool {
	return &Pool{
		bounds:  bounds,
		spec:    spec,
		logger:  logger.WithComponent("pool"),
		metrics: NewMetrics(),
	}
}

// Metrics exposes the pool's counters for diagnostics/export.
func (p *Pool) Metrics() *Metrics { return p.metrics }

// Start spawns min_workers permanent workers and waits for each to report
// READY. A failure tears down every worker started so far and returns
// the first error (startup failure per spec).
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < p.bounds.MinWorkers; i++ {
		w, err := p.spawnLocked(ctx, true)
		if err != nil {
			for _, started := range p.workers {
				_ = started.Shutdown(context.Background(), "startup failure")
			}
			p.workers = nil
			return fmt.Errorf("pool: warm-up failed at worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
	}

	p.logger.Info("pool started", "permanent_workers", p.bounds.MinWorkers)
	return nil
}

// spawnLocked must be called with p.mu held.
func (p *Pool) spawnLocked(ctx context.Context, permanent bool) (*Worker, error) {
	idx := p.nextIdx
	p.nextIdx++

	cfg := WorkerConfig{
		Index:        idx,
		Permanent:    permanent,
		Exec:         p.spec.Exec,
		Args:         p.spec.Args,
		Env:          p.spec.Env,
		SocketPath:   fmt.Sprintf("%s/worker-%d.sock", p.spec.SocketDir, idx),
		StartTimeout: p.bounds.StartTimeout,
		WorkerUser:   p.spec.WorkerUser,
		WorkerGroup:  p.spec.WorkerGroup,
	}

	w := NewWorker(cfg, p.logger)
	if err := w.Start(ctx); err != nil {
		p.metrics.spawnFailures.Add(1)
		return nil, err
	}
	p.metrics.spawned.Add(1)
	return w, nil
}

// CheckoutIdle returns the idle worker with the oldest last-activity
// timestamp (LRU), or nil if none are idle.
func (p *Pool) CheckoutIdle() *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	var candidates []*Worker
	for _, w := range p.workers {
		if w.State() == StateIdle {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastActivity().Before(candidates[j].LastActivity())
	})
	return candidates[0]
}

// Dispatch checks out an idle worker (spawning a dynamic one on demand if
// the pool has headroom) and hands it conn via the connection carrier,
// alongside a DISPATCH control message for meta. Returns
// ErrAdmissionReject when no worker is available and the pool is at
// max_workers, and ErrPoolShutdown once shutdown has begun. On success
// the caller must not use conn again — ownership transferred to the
// worker.
func (p *Pool) Dispatch(ctx context.Context, conn net.Conn, meta protocol.DispatchMeta) (*Worker, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, ErrPoolShutdown
	}
	p.mu.Unlock()

	w := p.CheckoutIdle()
	if w == nil {
		var err error
		w, err = p.growLocked(ctx)
		if err != nil {
			p.metrics.admissionRejects.Add(1)
			return nil, ErrAdmissionReject
		}
	}

	if err := w.Dispatch(ctx, conn, meta); err != nil {
		p.metrics.dispatchFailures.Add(1)
		return nil, err
	}
	p.metrics.dispatched.Add(1)
	return w, nil
}

func (p *Pool) growLocked(ctx context.Context) (*Worker, error) {
	p.mu.Lock()
	if len(p.workers) >= p.bounds.MaxWorkers {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: at max_workers (%d)", p.bounds.MaxWorkers)
	}

	w, err := p.spawnLocked(ctx, false)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.workers = append(p.workers, w)
	p.mu.Unlock()

	return w, nil
}

// Checkin waits for a dispatched worker to report idle again (or exit),
// updating pool bookkeeping. Call this after handing a worker off via
// Dispatch. If bounds.MaxRequestTime is set, it bounds the wait: a worker
// that overruns it is killed by AwaitIdle itself (the daemon enforcing
// max_request_time per spec, never the worker enforcing it on itself).
func (p *Pool) Checkin(ctx context.Context, w *Worker) {
	waitCtx := ctx
	if p.bounds.MaxRequestTime > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.bounds.MaxRequestTime)
		defer cancel()
	}

	if err := w.AwaitIdle(waitCtx); err != nil {
		p.logger.Warn("worker left service", "worker_index", w.Index(), "error", err)
		p.removeDead(w)
	}
}

func (p *Pool) removeDead(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.workers {
		if c == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			break
		}
	}
	p.metrics.dead.Add(1)
	if w.Permanent() {
		go p.respawnPermanent(context.Background())
	}
}

func (p *Pool) respawnPermanent(ctx context.Context) {
	p.mu.Lock()
	w, err := p.spawnLocked(ctx, true)
	if err != nil {
		p.mu.Unlock()
		p.logger.Error("failed to respawn permanent worker", "error", err)
		return
	}
	p.workers = append(p.workers, w)
	p.mu.Unlock()
}

// ReapExpired enforces the three retirement rules from the design: a
// worker past max_worker_lifetime is recycled (permanent) or retired
// (dynamic); a permanent worker idle past max_worker_idle is recycled; a
// dynamic worker idle past max_dynamic_worker_idle is retired without
// replacement. Each worker is checked concurrently via a bounded
// goroutine pool, and any shutdown errors are aggregated.
func (p *Pool) ReapExpired(ctx context.Context) error {
	now := time.Now()

	p.mu.Lock()
	snapshot := make([]*Worker, len(p.workers))
	copy(snapshot, p.workers)
	p.mu.Unlock()

	var errMu sync.Mutex
	var errs error

	workPool := pool.New().WithMaxGoroutines(8)
	for _, w := range snapshot {
		w := w
		workPool.Go(func() {
			if err := p.reapOne(ctx, w, now); err != nil {
				errMu.Lock()
				errs = multierr.Append(errs, err)
				errMu.Unlock()
			}
		})
	}
	workPool.Wait()

	return errs
}

func (p *Pool) reapOne(ctx context.Context, w *Worker, now time.Time) error {
	state := w.State()
	if state != StateIdle {
		return nil
	}

	lifetimeExceeded := p.bounds.MaxWorkerLifetime > 0 && now.Sub(w.Birth()) >= p.bounds.MaxWorkerLifetime
	idle := now.Sub(w.LastActivity())

	var idleExceeded bool
	if w.Permanent() {
		idleExceeded = p.bounds.MaxWorkerIdle > 0 && idle >= p.bounds.MaxWorkerIdle
	} else {
		idleExceeded = p.bounds.MaxDynamicWorkerIdle > 0 && idle >= p.bounds.MaxDynamicWorkerIdle
	}

	if !lifetimeExceeded && !idleExceeded {
		return nil
	}

	reason := "idle timeout"
	if lifetimeExceeded {
		reason = "lifetime exceeded"
	}

	p.logger.Info("reaping worker", "worker_index", w.Index(), "permanent", w.Permanent(), "reason", reason)
	if err := w.Shutdown(ctx, reason); err != nil {
		return fmt.Errorf("worker %d: %w", w.Index(), err)
	}
	p.metrics.reaped.Add(1)

	p.removeDead(w)

	// Dynamic workers retiring on idle are not replaced; permanent
	// workers recycling (lifetime or idle) are replaced by removeDead's
	// respawnPermanent call when w.Permanent() is true.
	return nil
}

// Size returns the current worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Shutdown stops every worker, aggregating errors across them.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	snapshot := make([]*Worker, len(p.workers))
	copy(snapshot, p.workers)
	p.mu.Unlock()

	var errMu sync.Mutex
	var errs error

	workPool := pool.New().WithMaxGoroutines(8)
	for _, w := range snapshot {
		w := w
		workPool.Go(func() {
			if err := w.Shutdown(ctx, "daemon shutdown"); err != nil {
				errMu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("worker %d: %w", w.Index(), err))
				errMu.Unlock()
			}
		})
	}
	workPool.Wait()

	p.mu.Lock()
	p.workers = nil
	p.mu.Unlock()

	return errs
}
