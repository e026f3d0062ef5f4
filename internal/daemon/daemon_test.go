package daemon

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/wyrmd/wyrm/internal/config"
	"github.com/wyrmd/wyrm/internal/endpoint"
	"github.com/wyrmd/wyrm/internal/httpconn"
	"github.com/wyrmd/wyrm/internal/wlog"
	"github.com/wyrmd/wyrm/internal/workerproc"
)

// TestMain intercepts a re-exec of this test binary as a worker process,
// the way internal/pool and internal/dispatcher do: no standalone worker
// binary exists in these unit tests, so the daemon spawns the test binary
// itself with WYRM_TEST_HELPER_PROCESS=1.
func TestMain(m *testing.M) {
	if os.Getenv("WYRM_TEST_HELPER_PROCESS") == "1" {
		runHelperWorker()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runHelperWorker deliberately passes a fallback httpconn.Config that
// does NOT match any real test's expectations (a generous 64MiB/30s/60s
// set of bounds distinct from every value testConfig configures): the
// only way a test observes the bounds it actually set in config.Config
// is if daemon.workerSpawnSpec's env really overlays onto this
// fallback, the way ConfigFromEnv documents. A fallback that happened
// to match would hide a spawn-env wiring regression.
func runHelperWorker() {
	cfg, err := workerproc.ConfigFromEnv(httpconn.Config{
		MaxRequestSize:   64 << 20,
		MaxHTTPWaiting:   30 * time.Second,
		KeepAliveEnabled: false,
		KeepAliveTimeout: 60 * time.Second,
		WithRemoteIP:     false,
	})
	if err != nil {
		os.Exit(1)
	}
	logger := wlog.New(wlog.Config{Level: "error", Format: "text"})
	if err := workerproc.Run(context.Background(), cfg, buildTestTable(), logger); err != nil {
		os.Exit(1)
	}
}

// buildTestTable registers the same endpoints the parent test process
// expects to see served, shared by value (not by reference across the
// process boundary) between the daemon-driving test and the worker-mode
// helper process.
func buildTestTable() *endpoint.Table {
	table := endpoint.NewTable()
	table.Register(0, endpoint.Route("/hello"), endpoint.KindRequest, func(w endpoint.ResponseWriter, r *endpoint.Request) bool {
		_, _ = w.Write([]byte("hello"))
		return true
	})
	table.Register(0, endpoint.All(endpoint.Method("POST"), endpoint.Route("/echo")), endpoint.KindRequest, func(w endpoint.ResponseWriter, r *endpoint.Request) bool {
		_, _ = w.Write(r.Body)
		return true
	})
	table.Build()
	return table
}

func testLogger() *wlog.Logger {
	return wlog.New(wlog.Config{Level: "error", Format: "text"})
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	// Spawned workers inherit this process's environment (pool.Worker.Start
	// starts from os.Environ), which is how the re-executed test binary
	// sees WYRM_TEST_HELPER_PROCESS=1 and enters runHelperWorker.
	t.Setenv("WYRM_TEST_HELPER_PROCESS", "1")
	cfg := &config.Config{
		MinWorkers:           1,
		MaxWorkers:           2,
		MaxWorkerLifetime:    time.Hour,
		MaxWorkerIdle:        time.Hour,
		MaxDynamicWorkerIdle: time.Hour,
		MaxRequestTime:       5 * time.Second,
		MaxHTTPWaiting:       5 * time.Second,
		MaxRequestSize:       1 << 20,
		ListenerBacklog:      128,
		KeepAliveEnabled:     true,
		KeepAliveTimeout:     2 * time.Second,
		LogLevel:             "error",
		LogFormat:            "text",
		Listeners: []config.Listener{
			{Index: 0, Address: "127.0.0.1:0", Family: "v4"},
		},
		WorkerExec: os.Args[0],
		WorkerArgs: []string{"-test.run=TestMain"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config failed to validate: %v", err)
	}
	return cfg
}

func TestDaemonServesRegisteredEndpointOverHTTP(t *testing.T) {
	cfg := testConfig(t)
	d := New(cfg, buildTestTable(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = d.Shutdown(context.Background()) }()

	addr := boundAddr(t, d)

	resp, err := httpGetWithRetry(fmt.Sprintf("http://%s/hello", addr))
	if err != nil {
		t.Fatalf("GET /hello failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body failed: %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("expected body %q, got %q", "hello", body)
	}
}

func TestDaemonUnmatchedRouteReturns404(t *testing.T) {
	cfg := testConfig(t)
	d := New(cfg, buildTestTable(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = d.Shutdown(context.Background()) }()

	addr := boundAddr(t, d)

	resp, err := httpGetWithRetry(fmt.Sprintf("http://%s/nope", addr))
	if err != nil {
		t.Fatalf("GET /nope failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

// TestDaemonEnforcesConfiguredMaxRequestSize drives scenario 3: a
// configured max_request_size must actually reach the worker that
// enforces it, not the worker's own built-in fallback bounds.
func TestDaemonEnforcesConfiguredMaxRequestSize(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRequestSize = 1024
	d := New(cfg, buildTestTable(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = d.Shutdown(context.Background()) }()

	addr := boundAddr(t, d)
	url := fmt.Sprintf("http://%s/echo", addr)

	okResp, err := httpPostWithRetry(url, make([]byte, 512))
	if err != nil {
		t.Fatalf("POST within bound failed: %v", err)
	}
	_ = okResp.Body.Close()
	if okResp.StatusCode != 200 {
		t.Fatalf("expected 200 for a body within max_request_size, got %d", okResp.StatusCode)
	}

	tooBigResp, err := http.Post(url, "application/octet-stream", bytesReader(make([]byte, 2048)))
	if err != nil {
		t.Fatalf("POST over bound failed: %v", err)
	}
	_ = tooBigResp.Body.Close()
	if tooBigResp.StatusCode != 413 {
		t.Fatalf("expected 413 for a body over max_request_size, got %d", tooBigResp.StatusCode)
	}
}

func TestDaemonAbortsStartupOnNonZeroReturnCode(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReturnCode = 7
	d := New(cfg, buildTestTable(), testLogger())

	err := d.Start(context.Background())
	if err == nil {
		t.Fatal("expected Start to abort with non-zero return_code")
	}
	var abortErr *AbortError
	if !asAbortError(err, &abortErr) {
		t.Fatalf("expected *AbortError, got %v", err)
	}
	if abortErr.Code != 7 {
		t.Fatalf("expected code 7, got %d", abortErr.Code)
	}
}

func TestDaemonShutdownIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	d := New(cfg, buildTestTable(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown failed: %v", err)
	}
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown failed: %v", err)
	}
}

// boundAddr returns the OS-resolved address of the daemon's listener
// index 0. Its config address is "127.0.0.1:0", so the real port is only
// known from the listener set, which binds synchronously inside Start.
func boundAddr(t *testing.T, d *Daemon) string {
	t.Helper()
	return d.listeners.Addr(0)
}

func httpGetWithRetry(url string) (*http.Response, error) {
	var lastErr error
	client := &http.Client{Timeout: 3 * time.Second}
	for i := 0; i < 50; i++ {
		resp, err := client.Get(url)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		time.Sleep(20 * time.Millisecond)
	}
	return nil, lastErr
}

func asAbortError(err error, target **AbortError) bool {
	ae, ok := err.(*AbortError)
	if !ok {
		return false
	}
	*target = ae
	return true
}

// httpPostWithRetry retries the same way httpGetWithRetry does, for the
// brief window after Start returns before the listener is reliably
// dialable.
func httpPostWithRetry(url string, body []byte) (*http.Response, error) {
	var lastErr error
	client := &http.Client{Timeout: 3 * time.Second}
	for i := 0; i < 50; i++ {
		resp, err := client.Post(url, "application/octet-stream", bytesReader(body))
		if err == nil {
			return resp, nil
		}
		lastErr = err
		time.Sleep(20 * time.Millisecond)
	}
	return nil, lastErr
}

func bytesReader(p []byte) io.Reader {
	return bytes.NewReader(p)
}
