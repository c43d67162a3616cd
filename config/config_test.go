// File: config/config_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package config

import (
	"testing"
	"time"

	"github.com/momentics/hioload-rpc/asynclog"
)

func TestConfig_Validate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cfg.IoThreads = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero io_threads accepted")
	}

	cfg = Default()
	cfg.LogMaxFileSize = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative log_max_file_size accepted")
	}
}

func TestConfig_LoggerOptions(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "ERROR"
	cfg.LogFileName = "svc"
	cfg.LogFilePath = "/tmp"
	cfg.LogMaxFileSize = 4096
	cfg.LogSyncInterval = 250 * time.Millisecond

	opts := cfg.LoggerOptions()
	if opts.Level != asynclog.LevelError {
		t.Errorf("Level = %v, want error", opts.Level)
	}
	if opts.FileName != "svc" || opts.FilePath != "/tmp" {
		t.Errorf("file opts = %q %q", opts.FileName, opts.FilePath)
	}
	if opts.MaxFileSize != 4096 || opts.SyncInterval != 250*time.Millisecond {
		t.Errorf("size/interval = %d %v", opts.MaxFileSize, opts.SyncInterval)
	}

	cfg.LogLevel = "verbose"
	if cfg.LoggerOptions().Level != asynclog.LevelUnknown {
		t.Error("unknown level string did not map to UNKNOWN")
	}
}
