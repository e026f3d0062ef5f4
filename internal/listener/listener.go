// Package listener owns the daemon's listening sockets and accept loops
// (C6 in the design): binding, backlog, and handing accepted connections
// downstream to a Sink with backoff on transient accept errors.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/wyrmd/wyrm/internal/config"
	"github.com/wyrmd/wyrm/internal/wlog"
)

// Accepted is one accepted connection annotated with where it came from.
type Accepted struct {
	Conn          net.Conn
	ListenerIndex int
	PeerAddr      string
	ReceivedAt    time.Time
}

// Sink receives accepted connections. Implementations (the Dispatcher)
// must not block the calling accept loop for long; Sink itself may hand
// off to a goroutine or channel.
type Sink interface {
	Accept(a Accepted)
}

// backoff bounds to apply on a transient accept error, per spec.md's
// unspecified-but-required "bounded exponential schedule" open question.
const (
	minBackoff = 5 * time.Millisecond
	maxBackoff = 1 * time.Second
)

// Set owns one net.Listener per configured address/family and runs an
// accept loop for each.
type Set struct {
	logger    *wlog.Logger
	listeners []*boundListener
	wg        sync.WaitGroup
}

type boundListener struct {
	index int
	ln    net.Listener
	addr  string
}

// New binds every listener described by cfg. On any bind failure it
// closes listeners already opened and returns the error (fatal
// configuration error per §7).
func New(cfg []config.Listener, backlog int, logger *wlog.Logger) (*Set, error) {
	s := &Set{logger: logger.WithComponent("listener")}

	for _, lc := range cfg {
		for _, network := range networksFor(lc) {
			ln, err := listenWithBacklog(network, lc.Address, backlog)
			if err != nil {
				s.closeAll()
				return nil, fmt.Errorf("listener: bind %s (index %d, %s): %w", lc.Address, lc.Index, network, err)
			}
			s.listeners = append(s.listeners, &boundListener{index: lc.Index, ln: ln, addr: lc.Address})
		}
	}

	if len(s.listeners) == 0 {
		return nil, errors.New("listener: no listener bindable")
	}
	return s, nil
}

// networksFor returns the one or two net.Listen networks a config entry
// binds: "both" binds a tcp4 and a tcp6 socket on the same address and
// index, per spec.md's "v4, v6, or both-as-two-sockets".
func networksFor(lc config.Listener) []string {
	switch lc.Family {
	case "v6":
		return []string{"tcp6"}
	case "both":
		return []string{"tcp4", "tcp6"}
	default:
		return []string{"tcp4"}
	}
}

// Serve starts one accept loop per bound listener, feeding accepted
// connections to sink, until ctx is cancelled or Close is called. It
// blocks until every loop has exited.
func (s *Set) Serve(ctx context.Context, sink Sink) {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = s.closeAll()
		case <-stop:
		}
	}()
	for _, bl := range s.listeners {
		bl := bl
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.acceptLoop(ctx, bl, sink)
		}()
	}
	s.wg.Wait()
	close(stop)
}

func (s *Set) acceptLoop(ctx context.Context, bl *boundListener, sink Sink) {
	backoff := minBackoff
	for {
		conn, err := bl.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isTransient(err) {
				s.logger.Warn("transient accept error, retrying", "listener_index", bl.index, "error", err, "backoff", backoff)
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			s.logger.Error("fatal accept error, listener down", "listener_index", bl.index, "error", err)
			return
		}
		backoff = minBackoff

		sink.Accept(Accepted{
			Conn:          conn,
			ListenerIndex: bl.index,
			PeerAddr:      conn.RemoteAddr().String(),
			ReceivedAt:    time.Now(),
		})
	}
}

// isTransient reports whether err should be retried with backoff rather
// than taken as fatal to the listener: a deadline/timeout (net.Error),
// or one of the resource-exhaustion errnos §4.6/§7 name as transient
// (too many open files, accept queue torn down under load).
func isTransient(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ECONNABORTED)
}

// Close closes every bound listener, interrupting their accept loops.
func (s *Set) Close() error {
	return s.closeAll()
}

func (s *Set) closeAll() error {
	var first error
	for _, bl := range s.listeners {
		if err := bl.ln.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Wait blocks until every accept loop has returned (after Close or ctx
// cancellation in Serve).
func (s *Set) Wait() {
	s.wg.Wait()
}

// Addr returns the resolved local address of the first bound listener
// matching index (as bound by the OS, so an ephemeral ":0" port in
// config resolves to the actual port assigned). Returns "" if no
// listener with that index exists.
func (s *Set) Addr(index int) string {
	for _, bl := range s.listeners {
		if bl.index == index {
			return bl.ln.Addr().String()
		}
	}
	return ""
}
