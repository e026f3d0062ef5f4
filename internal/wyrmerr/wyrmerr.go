// Package wyrmerr defines the sentinel error scopes the daemon routes on.
// Each sentinel marks the blast radius of a failure: a config error is
// fatal at startup, a transient accept error is retried, a protocol error
// is scoped to a single connection, and a worker fault is scoped to a
// single worker.
package wyrmerr

import "errors"

var (
	// ErrConfig marks a configuration validation failure. Fatal at startup.
	ErrConfig = errors.New("invalid configuration")

	// ErrTransientAccept marks an Accept() failure the listener should
	// retry after a bounded backoff rather than give up on.
	ErrTransientAccept = errors.New("transient accept error")

	// ErrProtocol marks a malformed or unsupported request on a single
	// connection. The connection is closed with an appropriate status;
	// no other connection or worker is affected.
	ErrProtocol = errors.New("protocol error")

	// ErrWorkerFault marks a failure scoped to one worker: a lifetime or
	// request-time overrun, a crashed process, a control-channel
	// desync. The daemon kills and, if the worker was permanent,
	// respawns it. No other worker or connection is affected.
	ErrWorkerFault = errors.New("worker fault")
)

// ConfigError wraps err so errors.Is(err, ErrConfig) succeeds, carrying the
// field name that failed validation.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config: " + e.Field + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() []error {
	return []error{ErrConfig, e.Err}
}

// ProtocolError wraps err with the HTTP status the connection should be
// closed with.
type ProtocolError struct {
	Status int
	Err    error
}

func (e *ProtocolError) Error() string {
	return e.Err.Error()
}

func (e *ProtocolError) Unwrap() []error {
	return []error{ErrProtocol, e.Err}
}

// WorkerFault wraps err with the worker index it is fatal to.
type WorkerFault struct {
	WorkerIndex int
	Err         error
}

func (e *WorkerFault) Error() string {
	return e.Err.Error()
}

func (e *WorkerFault) Unwrap() []error {
	return []error{ErrWorkerFault, e.Err}
}
