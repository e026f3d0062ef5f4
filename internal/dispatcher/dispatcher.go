// Package dispatcher pairs an accepted connection with an idle worker (C7
// in the design): it implements listener.Sink, checks out or grows a
// worker from the pool, hands the connection off via the connection
// carrier, and applies admission backpressure when the pool is saturated.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/wyrmd/wyrm/internal/listener"
	wpool "github.com/wyrmd/wyrm/internal/pool"
	"github.com/wyrmd/wyrm/internal/protocol"
	"github.com/wyrmd/wyrm/internal/wlog"
)

// Dispatcher implements listener.Sink, fanning accepted connections out to
// the worker pool without ever blocking the calling accept loop: each
// connection's checkout/send/checkin sequence runs on its own goroutine,
// bounded by a conc pool sized to max_workers so dispatch fan-out can
// never outrun the pool it's feeding.
type Dispatcher struct {
	pool   *wpool.Pool
	logger *wlog.Logger
	work   *pool.Pool
}

// New constructs a Dispatcher over p. maxInFlight bounds the number of
// concurrent dispatch goroutines (normally max_workers: there is never a
// reason to have more dispatches in flight than there are workers to
// receive them).
func New(p *wpool.Pool, maxInFlight int, logger *wlog.Logger) *Dispatcher {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &Dispatcher{
		pool:   p,
		logger: logger.WithComponent("dispatcher"),
		work:   pool.New().WithMaxGoroutines(maxInFlight),
	}
}

// Accept implements listener.Sink. It must not block the accept loop: the
// actual checkout/dispatch/checkin sequence is handed to the bounded work
// pool and this method returns immediately (or blocks only while every
// work-pool slot is occupied, which is itself the intended backpressure —
// accept keeps draining the OS queue while dispatch catches up).
func (d *Dispatcher) Accept(a listener.Accepted) {
	d.work.Go(func() {
		d.dispatchOne(a)
	})
}

// dispatchOne runs the five-step algorithm: checkout (or grow), transition
// to Busy and hand off the connection, then wait for the worker to report
// idle again so it can be checked back in for the next dispatch.
func (d *Dispatcher) dispatchOne(a listener.Accepted) {
	ctx := context.Background()

	meta := protocol.DispatchMeta{
		ListenerIndex: a.ListenerIndex,
		PeerAddr:      a.PeerAddr,
		ReceivedAt:    a.ReceivedAt,
	}

	w, err := d.pool.Dispatch(ctx, a.Conn, meta)
	if err != nil {
		d.rejectAdmission(a, err)
		return
	}

	start := time.Now()
	d.pool.Checkin(ctx, w)
	d.pool.Metrics().RecordLatency(time.Since(start))
}

// rejectAdmission applies the spec's intentional backpressure: close the
// connection without reading anything from it, and log at warning.
func (d *Dispatcher) rejectAdmission(a listener.Accepted, cause error) {
	_ = a.Conn.Close()

	level := d.logger.Warn
	if !errors.Is(cause, wpool.ErrAdmissionReject) && !errors.Is(cause, wpool.ErrPoolShutdown) {
		level = d.logger.Error
	}
	level("admission rejected",
		"listener_index", a.ListenerIndex,
		"peer_addr", a.PeerAddr,
		"error", cause,
	)
}

// ensure Dispatcher satisfies listener.Sink at compile time.
var _ listener.Sink = (*Dispatcher)(nil)
