// Package config loads and validates the daemon's configuration record.
// Loading follows the teacher pattern: viper defaults, an optional YAML
// file, then environment variables under the WYRM_ prefix, unmarshaled
// into a plain struct and validated as a unit.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/wyrmd/wyrm/internal/wyrmerr"
)

// Listener describes one address the daemon binds and accepts on.
type Listener struct {
	Index   int    `mapstructure:"index"`
	Address string `mapstructure:"address"`
	Family  string `mapstructure:"family"` // "v4", "v6", or "both" (one socket each)
}

// Config is the daemon's full, immutable-after-Validate configuration
// record. Field names track spec vocabulary directly so the YAML/env
// surface reads the same as the design document.
type Config struct {
	MinWorkers           int           `mapstructure:"min_workers"`
	MaxWorkers           int           `mapstructure:"max_workers"`
	MaxWorkerLifetime    time.Duration `mapstructure:"max_worker_lifetime"`
	MaxWorkerIdle        time.Duration `mapstructure:"max_worker_idle"`
	MaxDynamicWorkerIdle time.Duration `mapstructure:"max_dynamic_worker_idle"`
	MaxRequestTime       time.Duration `mapstructure:"max_request_time"`
	MaxHTTPWaiting       time.Duration `mapstructure:"max_http_waiting"`
	MaxRequestSize       int64         `mapstructure:"max_request_size"`
	ListenerBacklog      int           `mapstructure:"listener_backlog"`
	KeepAliveEnabled     bool          `mapstructure:"keep_alive_enabled"`
	KeepAliveTimeout     time.Duration `mapstructure:"keep_alive_timeout"`
	WithRemoteIP         bool          `mapstructure:"with_remote_ip"`
	LogLevel             string        `mapstructure:"log_level"`
	LogFormat            string        `mapstructure:"log_format"`
	WorkerUser           string        `mapstructure:"worker_user"`
	WorkerGroup          string        `mapstructure:"worker_group"`
	Listeners            []Listener    `mapstructure:"listeners"`
	ReturnCode           int           `mapstructure:"return_code"`

	// ControlCodec selects the control-channel envelope encoding:
	// "json" (default) or "msgpack".
	ControlCodec string `mapstructure:"control_codec"`

	// WorkerExec is the path to the binary to spawn for each worker
	// process. Not named in the distilled spec but required to actually
	// start one; defaults to re-invoking the daemon's own executable in
	// worker mode. WorkerArgs accompanies a non-empty WorkerExec (e.g. in
	// tests, re-invoking the test binary itself with -test.run).
	WorkerExec string   `mapstructure:"worker_exec"`
	WorkerArgs []string `mapstructure:"worker_args"`
}

// Load reads configuration from configPath (if non-empty), overlays
// WYRM_-prefixed environment variables, and returns a validated Config.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("wyrm")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/wyrm")
	}

	v.SetEnvPrefix("WYRM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, &wyrmerr.ConfigError{Field: "file", Err: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &wyrmerr.ConfigError{Field: "unmarshal", Err: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// WatchFile watches configPath on disk and invokes onChange whenever it is
// written, using viper's fsnotify-backed file watcher. The daemon does
// not reload its running configuration from this: listeners, pool shape,
// and endpoints are fixed for the life of the process (hot-reload is out
// of scope), so onChange exists purely to let the caller log that the
// file on disk no longer matches what is running. The returned stop is a
// no-op in every case: calling it does not end the watch, which lasts for
// the life of the process. An empty configPath watches nothing.
func WatchFile(configPath string, onChange func(event fsnotify.Event)) (stop func(), err error) {
	if configPath == "" {
		return func() {}, nil
	}
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", configPath, err)
	}
	v.OnConfigChange(onChange)
	v.WatchConfig()
	return func() {}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("min_workers", 1)
	v.SetDefault("max_workers", 8)
	v.SetDefault("max_worker_lifetime", 6*time.Hour)
	v.SetDefault("max_worker_idle", time.Hour)
	v.SetDefault("max_dynamic_worker_idle", 10*time.Second)
	v.SetDefault("max_request_time", 5*time.Second)
	v.SetDefault("max_http_waiting", 10*time.Second)
	v.SetDefault("max_request_size", 10*1024*1024)
	v.SetDefault("listener_backlog", 2048)
	v.SetDefault("keep_alive_enabled", true)
	v.SetDefault("keep_alive_timeout", 3*time.Second)
	v.SetDefault("with_remote_ip", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("worker_user", "")
	v.SetDefault("worker_group", "")
	v.SetDefault("return_code", 0)
	v.SetDefault("control_codec", "json")
	v.SetDefault("listeners", []map[string]any{
		{"index": 0, "address": "0.0.0.0:8080", "family": "v4"},
	})
}

// Validate checks every bound spec.md places on Config. It never panics:
// it always returns either nil (cfg is safe to run with) or a
// *wyrmerr.ConfigError describing the first violated bound. Warnings
// (non-fatal oddities) are appended to Warnings rather than rejected.
func (c *Config) Validate() error {
	if c.MinWorkers < 0 {
		return &wyrmerr.ConfigError{Field: "min_workers", Err: fmt.Errorf("must be >= 0, got %d", c.MinWorkers)}
	}
	if c.MaxWorkers < 1 {
		return &wyrmerr.ConfigError{Field: "max_workers", Err: fmt.Errorf("must be >= 1, got %d", c.MaxWorkers)}
	}
	if c.MaxWorkers > 1024 {
		return &wyrmerr.ConfigError{Field: "max_workers", Err: fmt.Errorf("must be <= 1024, got %d", c.MaxWorkers)}
	}
	if c.MinWorkers > c.MaxWorkers {
		return &wyrmerr.ConfigError{Field: "min_workers", Err: fmt.Errorf("min_workers (%d) must be <= max_workers (%d)", c.MinWorkers, c.MaxWorkers)}
	}
	if c.MaxRequestSize <= 0 {
		return &wyrmerr.ConfigError{Field: "max_request_size", Err: fmt.Errorf("must be > 0, got %d", c.MaxRequestSize)}
	}
	if c.ListenerBacklog <= 0 {
		return &wyrmerr.ConfigError{Field: "listener_backlog", Err: fmt.Errorf("must be > 0, got %d", c.ListenerBacklog)}
	}
	if len(c.Listeners) == 0 {
		return &wyrmerr.ConfigError{Field: "listeners", Err: fmt.Errorf("at least one listener is required")}
	}
	seen := make(map[int]bool, len(c.Listeners))
	for _, l := range c.Listeners {
		if seen[l.Index] {
			return &wyrmerr.ConfigError{Field: "listeners", Err: fmt.Errorf("duplicate listener index %d", l.Index)}
		}
		seen[l.Index] = true
		if l.Address == "" {
			return &wyrmerr.ConfigError{Field: "listeners", Err: fmt.Errorf("listener %d has empty address", l.Index)}
		}
		switch l.Family {
		case "v4", "v6", "both", "":
		default:
			return &wyrmerr.ConfigError{Field: "listeners", Err: fmt.Errorf("listener %d has unknown family %q", l.Index, l.Family)}
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return &wyrmerr.ConfigError{Field: "log_level", Err: fmt.Errorf("unknown level %q", c.LogLevel)}
	}
	switch c.ControlCodec {
	case "json", "msgpack", "":
	default:
		return &wyrmerr.ConfigError{Field: "control_codec", Err: fmt.Errorf("unknown codec %q", c.ControlCodec)}
	}

	// Open question (a): min_workers == 0 (lazy pool) is permitted, not
	// rejected, but is surfaced so Warnings() can log it.
	return nil
}

// Warnings returns non-fatal validation notices a caller should log at
// startup (e.g. via internal/wlog) after a successful Validate().
func (c *Config) Warnings() []string {
	var warnings []string
	if c.MinWorkers == 0 {
		warnings = append(warnings, "min_workers is 0: pool starts with no permanent workers (lazy pool)")
	}
	if c.WorkerUser == "" && c.WorkerGroup == "" {
		warnings = append(warnings, "worker_user/worker_group unset: workers inherit the daemon's identity")
	}
	return warnings
}
