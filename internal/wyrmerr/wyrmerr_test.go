package wyrmerr

import (
	"errors"
	"testing"
)

func TestConfigErrorIsErrConfig(t *testing.T) {
	err := &ConfigError{Field: "min_workers", Err: errors.New("must be >= 0")}
	if !errors.Is(err, ErrConfig) {
		t.Error("expected errors.Is(err, ErrConfig) to be true")
	}
	if err.Error() == "" {
		t.Error("expected non-empty error message")
	}
}

func TestProtocolErrorCarriesStatus(t *testing.T) {
	err := &ProtocolError{Status: 413, Err: errors.New("request too large")}
	if !errors.Is(err, ErrProtocol) {
		t.Error("expected errors.Is(err, ErrProtocol) to be true")
	}
	if err.Status != 413 {
		t.Errorf("expected status 413, got %d", err.Status)
	}
}

func TestWorkerFaultCarriesIndex(t *testing.T) {
	err := &WorkerFault{WorkerIndex: 3, Err: errors.New("request time exceeded")}
	if !errors.Is(err, ErrWorkerFault) {
		t.Error("expected errors.Is(err, ErrWorkerFault) to be true")
	}
	var fault *WorkerFault
	if !errors.As(err, &fault) {
		t.Fatal("expected errors.As to unwrap WorkerFault")
	}
	if fault.WorkerIndex != 3 {
		t.Errorf("expected worker index 3, got %d", fault.WorkerIndex)
	}
}
