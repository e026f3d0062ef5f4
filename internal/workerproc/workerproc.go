// Package workerproc is the worker side of the daemon/worker boundary: the
// entry point a spawned process runs (cmd/wyrmd's hidden worker mode),
// speaking the control channel protocol (C2) and driving a connection's
// HTTP/1.x state machine (C3) for each dispatched handoff.
package workerproc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/wyrmd/wyrm/internal/carrier"
	"github.com/wyrmd/wyrm/internal/endpoint"
	"github.com/wyrmd/wyrm/internal/httpconn"
	"github.com/wyrmd/wyrm/internal/peercred"
	"github.com/wyrmd/wyrm/internal/protocol"
	"github.com/wyrmd/wyrm/internal/wire"
	"github.com/wyrmd/wyrm/internal/wlog"
)

// Config is everything a worker process needs, read from the environment
// variables the daemon's pool.Worker.Start sets before spawning it.
type Config struct {
	ControlSocket string
	WorkerIndex   int
	WorkerUser    string
	WorkerGroup   string
	ControlCodec  string
	HTTP          httpconn.Config
}

// ConfigFromEnv reads the WYRM_* environment variables a daemon-spawned
// worker process is started with, including the subset of
// config.Config's HTTP-relevant fields (10.1) the daemon serializes at
// spawn so C3 enforces the same bounds the operator configured rather
// than a set of built-in defaults.
func ConfigFromEnv(httpCfg httpconn.Config) (Config, error) {
	sock := os.Getenv("WYRM_CONTROL_SOCKET")
	if sock == "" {
		return Config{}, fmt.Errorf("workerproc: WYRM_CONTROL_SOCKET not set")
	}
	idx, err := strconv.Atoi(os.Getenv("WYRM_WORKER_INDEX"))
	if err != nil {
		return Config{}, fmt.Errorf("workerproc: invalid WYRM_WORKER_INDEX: %w", err)
	}

	http, err := httpConfigFromEnv(httpCfg)
	if err != nil {
		return Config{}, err
	}

	return Config{
		ControlSocket: sock,
		WorkerIndex:   idx,
		WorkerUser:    os.Getenv("WYRM_WORKER_USER"),
		WorkerGroup:   os.Getenv("WYRM_WORKER_GROUP"),
		ControlCodec:  os.Getenv("WYRM_CONTROL_CODEC"),
		HTTP:          http,
	}, nil
}

// httpConfigFromEnv overlays the WYRM_MAX_REQUEST_SIZE,
// WYRM_MAX_HTTP_WAITING, WYRM_KEEP_ALIVE_ENABLED, WYRM_KEEP_ALIVE_TIMEOUT
// and WYRM_WITH_REMOTE_IP environment variables (set
// by daemon.workerSpawnSpec from config.Config) onto fallback, which a
// caller passes for any value that was never spawned with an override
// (e.g. a test driving workerproc.Run directly without going through
// the daemon's spawn path).
func httpConfigFromEnv(fallback httpconn.Config) (httpconn.Config, error) {
	cfg := fallback

	if v := os.Getenv("WYRM_MAX_REQUEST_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return httpconn.Config{}, fmt.Errorf("workerproc: invalid WYRM_MAX_REQUEST_SIZE: %w", err)
		}
		cfg.MaxRequestSize = n
	}
	if v := os.Getenv("WYRM_MAX_HTTP_WAITING"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return httpconn.Config{}, fmt.Errorf("workerproc: invalid WYRM_MAX_HTTP_WAITING: %w", err)
		}
		cfg.MaxHTTPWaiting = d
	}
	if v := os.Getenv("WYRM_KEEP_ALIVE_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return httpconn.Config{}, fmt.Errorf("workerproc: invalid WYRM_KEEP_ALIVE_ENABLED: %w", err)
		}
		cfg.KeepAliveEnabled = b
	}
	if v := os.Getenv("WYRM_KEEP_ALIVE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return httpconn.Config{}, fmt.Errorf("workerproc: invalid WYRM_KEEP_ALIVE_TIMEOUT: %w", err)
		}
		cfg.KeepAliveTimeout = d
	}
	if v := os.Getenv("WYRM_WITH_REMOTE_IP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return httpconn.Config{}, fmt.Errorf("workerproc: invalid WYRM_WITH_REMOTE_IP: %w", err)
		}
		cfg.WithRemoteIP = b
	}

	return cfg, nil
}

// Run listens on its control socket, accepts the daemon's connection,
// completes the handshake, and serves dispatches against
// table until the daemon sends SHUTDOWN or the control channel is lost.
// It never returns a nil error on an unexpected control-channel loss, so
// callers should treat any error as "exit non-zero".
func Run(ctx context.Context, cfg Config, table *endpoint.Table, logger *wlog.Logger) error {
	if cfg.ControlCodec == "msgpack" {
		codec, err := wire.NewCodec(wire.CodecMessagePack)
		if err != nil {
			return fmt.Errorf("workerproc: %w", err)
		}
		protocol.SetCodec(codec)
	}

	logger = logger.WithWorker(cfg.WorkerIndex)

	_ = os.Remove(cfg.ControlSocket)
	ln, err := net.Listen("unix", cfg.ControlSocket)
	if err != nil {
		return fmt.Errorf("workerproc: listen on control socket: %w", err)
	}

	ctrlConn, err := ln.Accept()
	_ = ln.Close()
	if err != nil {
		return fmt.Errorf("workerproc: accept control connection: %w", err)
	}
	ctrl, ok := ctrlConn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("workerproc: control connection is not a unix socket")
	}
	defer func() { _ = ctrl.Close() }()

	if _, err := peercred.Verify(ctrl, nil, nil, true); err != nil {
		if !errors.Is(err, peercred.ErrUnsupported) {
			return fmt.Errorf("workerproc: control channel peer verification failed: %w", err)
		}
		logger.Warn("peer credential verification unsupported on this platform, skipping", "error", err)
	}

	if cfg.WorkerUser != "" || cfg.WorkerGroup != "" {
		if err := dropPrivileges(cfg.WorkerUser, cfg.WorkerGroup); err != nil {
			return fmt.Errorf("workerproc: drop privileges: %w", err)
		}
		logger.Info("dropped privileges", "user", cfg.WorkerUser, "group", cfg.WorkerGroup)
	}

	table.Lifecycle(endpoint.KindWorkerStart, &endpoint.Request{ReceivedAt: time.Now().UnixNano()})

	if err := sendReady(ctrl, cfg.WorkerIndex); err != nil {
		return fmt.Errorf("workerproc: send initial READY: %w", err)
	}

	for {
		msg, handoff, err := carrier.RecvControl(ctrl)
		if err != nil {
			return fmt.Errorf("workerproc: control channel lost: %w", err)
		}

		switch msg.Type {
		case protocol.MsgDispatch:
			serveDispatch(ctx, msg, handoff, cfg, table, logger)
			if err := sendReady(ctrl, cfg.WorkerIndex); err != nil {
				return fmt.Errorf("workerproc: send READY: %w", err)
			}
		case protocol.MsgShutdown:
			var meta protocol.ShutdownMeta
			_ = msg.DecodePayload(&meta)
			table.Lifecycle(endpoint.KindWorkerStop, &endpoint.Request{ReceivedAt: time.Now().UnixNano()})
			return sendExiting(ctrl, cfg.WorkerIndex, meta.Reason)
		default:
			logger.Warn("unexpected control message while idle", "type", msg.Type)
		}
	}
}

func serveDispatch(ctx context.Context, msg *protocol.Message, handoff net.Conn, cfg Config, table *endpoint.Table, logger *wlog.Logger) {
	if handoff == nil {
		logger.Error("dispatch message carried no connection handle")
		return
	}
	var meta protocol.DispatchMeta
	if err := msg.DecodePayload(&meta); err != nil {
		logger.Error("malformed dispatch meta, closing connection", "error", err)
		_ = handoff.Close()
		return
	}

	conn := httpconn.New(handoff, cfg.HTTP, table, logger, meta.ListenerIndex, meta.PeerAddr)
	conn.Serve(ctx)
}

func sendReady(ctrl *net.UnixConn, workerIndex int) error {
	msg, err := protocol.NewMessage(protocol.MsgReady, protocol.ReadyMeta{WorkerIndex: workerIndex})
	if err != nil {
		return err
	}
	return carrier.SendControl(ctrl, msg)
}

func sendExiting(ctrl *net.UnixConn, workerIndex int, reason string) error {
	msg, err := protocol.NewMessage(protocol.MsgExiting, protocol.ExitingMeta{WorkerIndex: workerIndex, Reason: reason})
	if err != nil {
		return err
	}
	return carrier.SendControl(ctrl, msg)
}
