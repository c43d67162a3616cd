// File: config/config.go
// Package config carries the configuration consumed by the framework.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Loading from disk stays outside the core; callers populate Config from
// whatever source they use and hand it to the server facade.

package config

import (
	"fmt"
	"time"

	"github.com/momentics/hioload-rpc/asynclog"
)

// Config holds the keys the framework consumes.
type Config struct {
	// IoThreads is the worker count of the IO thread pool.
	IoThreads int

	// LogLevel is one of DEBUG, INFO, ERROR; anything else parses to
	// UNKNOWN and disables logging.
	LogLevel string

	// Async logger sink settings.
	LogFileName     string
	LogFilePath     string
	LogMaxFileSize  int64
	LogSyncInterval time.Duration
}

// Default returns a config suitable for tests and small deployments.
func Default() *Config {
	return &Config{
		IoThreads:       2,
		LogLevel:        "INFO",
		LogFileName:     "hioload_rpc",
		LogFilePath:     ".",
		LogMaxFileSize:  1 << 30,
		LogSyncInterval: 500 * time.Millisecond,
	}
}

// Validate checks the fields the core depends on.
func (c *Config) Validate() error {
	if c.IoThreads <= 0 {
		return fmt.Errorf("io_threads must be positive, got %d", c.IoThreads)
	}
	if c.LogMaxFileSize < 0 {
		return fmt.Errorf("log_max_file_size must be non-negative, got %d", c.LogMaxFileSize)
	}
	return nil
}

// LoggerOptions converts the logging keys for asynclog.Init.
func (c *Config) LoggerOptions() asynclog.Options {
	return asynclog.Options{
		FileName:     c.LogFileName,
		FilePath:     c.LogFilePath,
		MaxFileSize:  c.LogMaxFileSize,
		SyncInterval: c.LogSyncInterval,
		Level:        asynclog.ParseLevel(c.LogLevel),
	}
}
