// Package config loads the ngxcore worker configuration. There is
// deliberately no directive-language grammar here (that parser is out
// of scope per the specification) — just a typed YAML document loaded
// through viper, the same stack used elsewhere in the retrieval pack
// for service configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Listener describes one bound address the master process opens and
// hands down to workers.
type Listener struct {
	Address       string `mapstructure:"address"`
	Backlog       int    `mapstructure:"backlog"`
	ReusePort     bool   `mapstructure:"reuse_port"`
	DeferAccept   bool   `mapstructure:"defer_accept"`
}

// Resolver configures the async DNS resolver (C10).
type Resolver struct {
	Nameservers   []string      `mapstructure:"nameservers"`
	Timeout       time.Duration `mapstructure:"timeout"`
	CacheValid    time.Duration `mapstructure:"cache_valid"`
	StaleGrace    time.Duration `mapstructure:"stale_grace"`
	MaxCacheItems int           `mapstructure:"max_cache_items"`
}

// FileCache configures the open-file cache (C11).
type FileCache struct {
	MaxItems int           `mapstructure:"max_items"`
	Inactive time.Duration `mapstructure:"inactive"`
	MinUses  int           `mapstructure:"min_uses"`
	Valid    time.Duration `mapstructure:"valid"`
}

// RateLimit configures a single catrate window, e.g. limit_rate pacing.
type RateLimit struct {
	Window time.Duration `mapstructure:"window"`
	Events int           `mapstructure:"events"`
}

// Config is the top-level worker configuration document.
type Config struct {
	WorkerProcesses   int           `mapstructure:"worker_processes"`
	WorkerConnections int           `mapstructure:"worker_connections"`
	AcceptMutex       bool          `mapstructure:"accept_mutex"`
	AcceptMutexDelay  time.Duration `mapstructure:"accept_mutex_delay"`
	ThreadPoolSize    int           `mapstructure:"thread_pool_size"`
	Listeners         []Listener    `mapstructure:"listeners"`
	Resolver          Resolver      `mapstructure:"resolver"`
	FileCache         FileCache     `mapstructure:"file_cache"`
	RateLimits        []RateLimit   `mapstructure:"rate_limits"`
	PIDFile           string        `mapstructure:"pid_file"`
	LogLevel          string        `mapstructure:"log_level"`
	// ShutdownTimeout bounds how long a worker waits, once asked to stop
	// gracefully, for queued work and armed non-cancelable timers to
	// drain before forcing termination. Zero means wait indefinitely,
	// matching nginx's worker_shutdown_timeout default.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Defaults populates a Config with the same conservative baseline
// nginx ships out of the box.
func Defaults() Config {
	return Config{
		WorkerProcesses:   1,
		WorkerConnections: 1024,
		AcceptMutex:       true,
		AcceptMutexDelay:  500 * time.Millisecond,
		ThreadPoolSize:    32,
		Resolver: Resolver{
			Timeout:       5 * time.Second,
			CacheValid:    300 * time.Second,
			StaleGrace:    30 * time.Second,
			MaxCacheItems: 4096,
		},
		FileCache: FileCache{
			MaxItems: 1024,
			Inactive: 60 * time.Second,
			MinUses:  1,
			Valid:    30 * time.Second,
		},
		PIDFile:  "/run/ngxd.pid",
		LogLevel: "info",
	}
}

// Load reads a YAML configuration file at path, falling back to
// Defaults() for anything unset, and applies pflag overrides if fs is
// non-nil (cmd/ngxd passes a flag set with no flags defined in it).
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	cfg := Defaults()
	v.SetDefault("worker_processes", cfg.WorkerProcesses)
	v.SetDefault("worker_connections", cfg.WorkerConnections)
	v.SetDefault("accept_mutex", cfg.AcceptMutex)
	v.SetDefault("accept_mutex_delay", cfg.AcceptMutexDelay)
	v.SetDefault("thread_pool_size", cfg.ThreadPoolSize)
	v.SetDefault("pid_file", cfg.PIDFile)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("shutdown_timeout", cfg.ShutdownTimeout)

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// With an explicit path viper reports a missing file as a plain
		// fs error rather than ConfigFileNotFoundError.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants the rest of ngxcore assumes hold.
func (c Config) Validate() error {
	if c.WorkerProcesses < 1 {
		return fmt.Errorf("config: worker_processes must be >= 1")
	}
	if c.WorkerConnections < 1 {
		return fmt.Errorf("config: worker_connections must be >= 1")
	}
	if len(c.Listeners) == 0 {
		return fmt.Errorf("config: at least one listener is required")
	}
	return nil
}
