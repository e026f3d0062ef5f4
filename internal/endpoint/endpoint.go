// Package endpoint holds the priority-ordered table of request filters
// and handlers a worker consults to resolve an incoming request (C4 in
// the design).
package endpoint

import (
	"net/http"
	"sort"
	"strings"
)

// Filter is a pure, side-effect-free predicate evaluated against a
// request to decide whether its paired Handler should run.
type Filter func(r *Request) bool

// Handler serves a request once its Filter has matched. It reports
// whether it actually produced a response (wrote a status/header/body);
// if it did not, resolution continues to the next entry.
type Handler func(w ResponseWriter, r *Request) bool

// Request is the subset of an HTTP request an endpoint filter/handler
// needs. It is distinct from net/http.Request because the daemon parses
// its own HTTP/1.x frames (C3) rather than using net/http's server.
type Request struct {
	Method     string
	RawTarget  string // percent-encoded request-target, unmodified
	ProtoMajor int
	ProtoMinor int
	Header     http.Header
	Body       []byte
	PeerAddr   string
	ReceivedAt int64 // unix nanos
}

// ResponseWriter is the minimal surface a Handler uses to produce a
// response; C3's connection state machine implements it against the
// wire.
type ResponseWriter interface {
	WriteHeader(status int)
	Header() http.Header
	Write(p []byte) (int, error)
	// Written reports whether WriteHeader or Write has been called yet.
	Written() bool
}

// Kind distinguishes request-dispatch entries, which participate in
// endpoint resolution, from the lifecycle-hook kinds that the daemon and
// worker runtimes invoke directly by kind rather than through Resolve.
type Kind int

const (
	KindRequest Kind = iota
	KindDaemonStart
	KindDaemonStop
	KindWorkerStart
	KindWorkerStop
	KindWSUpgrade
	KindWSStart
	KindWSStop
)

// entry is one registered (priority, filter, handler, kind) tuple.
type entry struct {
	priority int
	seq      int // declaration order, for stable sort
	kind     Kind
	filter   Filter
	handler  Handler
}

// Table is the endpoint registration surface: built once at startup,
// then read concurrently by every connection's resolution.
type Table struct {
	entries []entry
	built   bool
	seq     int
}

// NewTable constructs an empty, mutable Table. Call Build once
// registration is complete and before serving any request.
func NewTable() *Table {
	return &Table{}
}

// Register adds an entry at priority for the given kind, gated by
// filter. Only KindRequest entries participate in Resolve; other kinds
// are invoked directly by the daemon/worker runtime via Lifecycle.
func (t *Table) Register(priority int, filter Filter, kind Kind, handler Handler) {
	if t.built {
		panic("endpoint: Register called after Build")
	}
	if filter == nil {
		filter = func(*Request) bool { return true }
	}
	t.entries = append(t.entries, entry{priority: priority, seq: t.seq, kind: kind, filter: filter, handler: handler})
	t.seq++
}

// All combines multiple filters into one that requires every one of
// them to match (logical AND), per §4.4's "multiple filters... combine
// as logical AND".
func All(fs ...Filter) Filter {
	return func(r *Request) bool {
		for _, f := range fs {
			if !f(r) {
				return false
			}
		}
		return true
	}
}

// Route builds a Filter matching the raw, percent-encoded request target
// exactly against path. path must begin with "/"; violating this panics
// at registration time ("checked at build time" per the design).
func Route(path string) Filter {
	if !strings.HasPrefix(path, "/") {
		panic("endpoint: route path must begin with '/': " + path)
	}
	return func(r *Request) bool {
		return r.RawTarget == path
	}
}

// Method builds a Filter matching the request's HTTP method exactly.
func Method(method string) Filter {
	return func(r *Request) bool {
		return r.Method == method
	}
}

// Build sorts entries by descending priority, stable on declaration
// order, and locks the table against further registration.
func (t *Table) Build() {
	sort.SliceStable(t.entries, func(i, j int) bool {
		return t.entries[i].priority > t.entries[j].priority
	})
	t.built = true
}

// Resolve evaluates KindRequest entries in priority order against r,
// invoking the first handler whose filter matches and which actually
// writes a response. Returns false if no entry produced a response (the
// caller replies 404).
func (t *Table) Resolve(w ResponseWriter, r *Request) bool {
	for _, e := range t.entries {
		if e.kind != KindRequest || !e.filter(r) {
			continue
		}
		if e.handler(w, r) || w.Written() {
			return true
		}
	}
	return false
}

// Lifecycle invokes every handler registered under kind, in priority
// order, ignoring their boolean return (lifecycle hooks don't produce a
// response). Used for daemon_start/stop, worker_start/stop, ws_* hooks.
func (t *Table) Lifecycle(kind Kind, r *Request) {
	for _, e := range t.entries {
		if e.kind != kind {
			continue
		}
		e.handler(noopWriter{}, r)
	}
}

// noopWriter discards any response a lifecycle hook mistakenly writes.
type noopWriter struct{}

func (noopWriter) WriteHeader(int)             {}
func (noopWriter) Header() http.Header         { return make(http.Header) }
func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
func (noopWriter) Written() bool               { return false }
