// Command wyrmd is the daemon binary: a process-isolated HTTP/1.x server
// that spawns itself in a hidden worker mode for each pool member.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/wyrmd/wyrm/internal/config"
	"github.com/wyrmd/wyrm/internal/daemon"
	"github.com/wyrmd/wyrm/internal/endpoint"
	"github.com/wyrmd/wyrm/internal/httpconn"
	"github.com/wyrmd/wyrm/internal/workerproc"
	"github.com/wyrmd/wyrm/internal/wlog"
)

var rootCmd = &cobra.Command{
	Use:     "wyrmd",
	Short:   "wyrmd - a process-isolated HTTP/1.x application daemon",
	Long:    `wyrmd runs a pool of process-isolated workers behind one or more listeners, dispatching accepted connections over a control channel rather than sharing memory between requests.`,
	Version: "0.1.0",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon until SIGINT/SIGTERM",
	RunE:  runServe,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate configuration without running",
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)

	serveCmd.Flags().String("config", "", "path to wyrm.yaml")
	validateCmd.Flags().String("config", "", "path to wyrm.yaml")
}

// workerModeIndex is where cmd/wyrmd checks for the hidden worker-mode
// re-exec argument before cobra ever sees argv, since a spawned worker
// is not meant to present a CLI at all.
const workerModeIndex = 1

func main() {
	if len(os.Args) > workerModeIndex && os.Args[workerModeIndex] == daemon.WorkerModeArg() {
		runWorker()
		return
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runWorker is the hidden subcommand a spawned worker process runs: it
// never touches cobra, reading everything it needs from the environment
// the daemon's pool set before spawning it. The httpconn.Config passed
// to ConfigFromEnv here is only the fallback for a worker started
// outside daemon.Start (no WYRM_MAX_REQUEST_SIZE etc. set); a
// daemon-spawned worker always has config.Config's own values
// overlaid on top of it (see daemon.workerSpawnSpec).
func runWorker() {
	fallback := httpconn.Config{
		MaxRequestSize:   defaultMaxRequestSize,
		MaxHTTPWaiting:   10 * time.Second,
		KeepAliveEnabled: true,
		KeepAliveTimeout: 3 * time.Second,
	}
	cfg, err := workerproc.ConfigFromEnv(fallback)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := wlog.New(wlog.Config{Level: "info", Format: "json"})
	table := buildTable()

	if err := workerproc.Run(context.Background(), cfg, table, logger); err != nil {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

const defaultMaxRequestSize = 10 * 1024 * 1024

// buildTable constructs the endpoint table this binary serves. wyrmd is
// the generic daemon rather than a bespoke application, so the only
// route it registers itself is a liveness check; an embedding project
// forks this command to register its own handlers before calling
// daemon.New, in the worker process and the daemon process alike.
func buildTable() *endpoint.Table {
	table := endpoint.NewTable()
	table.Register(0, endpoint.All(endpoint.Method("GET"), endpoint.Route("/healthz")), endpoint.KindRequest,
		func(w endpoint.ResponseWriter, r *endpoint.Request) bool {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(200)
			_, _ = w.Write([]byte("ok"))
			return true
		})
	table.Build()
	return table
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := wlog.New(wlog.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	stopWatch, err := config.WatchFile(configPath, func(_ fsnotify.Event) {
		logger.Warn("configuration file changed on disk; wyrmd does not hot-reload, restart to apply")
	})
	if err != nil {
		logger.Warn("failed to watch config file for changes", "error", err)
		stopWatch = func() {}
	}
	defer stopWatch()

	table := buildTable()
	d := daemon.New(cfg, table, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		var abortErr *daemon.AbortError
		if as(err, &abortErr) {
			os.Exit(abortErr.Code)
		}
		logger.Error("daemon failed to start", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := d.Shutdown(shutdownCtx); err != nil {
		logger.Error("daemon shutdown reported errors", "error", err)
		os.Exit(1)
	}

	os.Exit(cfg.ReturnCode)
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	for _, w := range cfg.Warnings() {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}

	fmt.Printf("configuration valid\n")
	fmt.Printf("  min_workers=%d max_workers=%d\n", cfg.MinWorkers, cfg.MaxWorkers)
	fmt.Printf("  max_worker_lifetime=%s max_worker_idle=%s\n", cfg.MaxWorkerLifetime, cfg.MaxWorkerIdle)
	fmt.Printf("  max_request_time=%s max_request_size=%d\n", cfg.MaxRequestTime, cfg.MaxRequestSize)
	for _, l := range cfg.Listeners {
		fmt.Printf("  listener[%d] %s (%s)\n", l.Index, l.Address, l.Family)
	}
	return nil
}

func as(err error, target **daemon.AbortError) bool {
	ae, ok := err.(*daemon.AbortError)
	if !ok {
		return false
	}
	*target = ae
	return true
}
