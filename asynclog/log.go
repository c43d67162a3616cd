// File: asynclog/log.go
// Package asynclog provides the leveled, asynchronous logging used across
// hioload-rpc, with separate framework and application sinks.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package asynclog

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level orders log severities. Unknown disables output entirely.
type Level int32

const (
	LevelUnknown Level = iota
	LevelDebug
	LevelInfo
	LevelError
)

// ParseLevel maps the config strings DEBUG, INFO and ERROR; anything
// else is Unknown.
func ParseLevel(s string) Level {
	switch s {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "ERROR":
		return LevelError
	default:
		return LevelUnknown
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ContextProvider supplies the in-flight (msg-id, method) pair of the
// calling thread so log lines can be annotated. Installed by the rpc
// package; nil until then.
type ContextProvider func() (msgID, method string)

// Options configures the file-backed sinks.
type Options struct {
	FileName     string
	FilePath     string
	MaxFileSize  int64
	SyncInterval time.Duration
	Level        Level
}

// Logger fans formatted records out to a console echo and, once Init has
// run, to two rotating async file sinks: "rpc" for framework records and
// "app" for application records.
type Logger struct {
	level     atomic.Int32
	console   *consoleSink
	mu        sync.RWMutex
	framework *asyncWriter
	app       *asyncWriter
	provider  atomic.Value // ContextProvider
}

var std = &Logger{console: newConsoleSink()}

func init() {
	std.level.Store(int32(LevelDebug))
}

// Default returns the process-wide logger handle.
func Default() *Logger {
	return std
}

// Init attaches the rotating file sinks and sets the level. Records
// logged before Init only reach the console.
func Init(opts Options) error {
	std.level.Store(int32(opts.Level))

	fw, err := newAsyncWriter(opts, "rpc")
	if err != nil {
		return fmt.Errorf("open framework sink: %w", err)
	}
	app, err := newAsyncWriter(opts, "app")
	if err != nil {
		fw.close(time.Second)
		return fmt.Errorf("open application sink: %w", err)
	}

	std.mu.Lock()
	std.framework = fw
	std.app = app
	std.mu.Unlock()
	return nil
}

// SetContextProvider installs the per-thread run-time annotation source.
func SetContextProvider(p ContextProvider) {
	std.provider.Store(p)
}

// FlushOnAbort performs a best-effort synchronous flush of both sinks,
// bounded by wait. Meant to be called from a pre-abort hook; it replaces
// joining writer threads from a signal handler, which is unsafe.
func FlushOnAbort(wait time.Duration) {
	std.mu.RLock()
	fw, app := std.framework, std.app
	std.mu.RUnlock()
	if fw != nil {
		fw.close(wait)
	}
	if app != nil {
		app.close(wait)
	}
}

func (lg *Logger) enabled(lvl Level) bool {
	min := Level(lg.level.Load())
	return min != LevelUnknown && lvl >= min
}

func (lg *Logger) format(lvl Level, msg string) string {
	now := time.Now().Format("2006-01-02 15:04:05.000")
	var annot string
	if p, ok := lg.provider.Load().(ContextProvider); ok && p != nil {
		if msgID, method := p(); msgID != "" || method != "" {
			annot = fmt.Sprintf("\t[%s:%s]", msgID, method)
		}
	}
	return fmt.Sprintf("[%s]\t[%s]\t[%d]%s\t%s\n", lvl, now, os.Getpid(), annot, msg)
}

func (lg *Logger) log(lvl Level, app bool, format string, args ...any) {
	if !lg.enabled(lvl) {
		return
	}
	line := lg.format(lvl, fmt.Sprintf(format, args...))
	lg.console.write(lvl, line)

	lg.mu.RLock()
	w := lg.framework
	if app {
		w = lg.app
	}
	lg.mu.RUnlock()
	if w != nil {
		w.push(line)
	}
}

// Debugf logs a framework record at DEBUG.
func Debugf(format string, args ...any) { std.log(LevelDebug, false, format, args...) }

// Infof logs a framework record at INFO.
func Infof(format string, args ...any) { std.log(LevelInfo, false, format, args...) }

// Errorf logs a framework record at ERROR.
func Errorf(format string, args ...any) { std.log(LevelError, false, format, args...) }

// AppDebugf logs an application record at DEBUG.
func AppDebugf(format string, args ...any) { std.log(LevelDebug, true, format, args...) }

// AppInfof logs an application record at INFO.
func AppInfof(format string, args ...any) { std.log(LevelInfo, true, format, args...) }

// AppErrorf logs an application record at ERROR.
func AppErrorf(format string, args ...any) { std.log(LevelError, true, format, args...) }

// consoleSink echoes records to stdout, colorizing whole ERROR and DEBUG
// lines when attached to a terminal.
type consoleSink struct {
	mu  sync.Mutex
	out *os.File
	w   interface{ Write([]byte) (int, error) }
	tty bool
}

func newConsoleSink() *consoleSink {
	return &consoleSink{
		out: os.Stdout,
		w:   colorable.NewColorable(os.Stdout),
		tty: isatty.IsTerminal(os.Stdout.Fd()),
	}
}

func (c *consoleSink) write(lvl Level, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tty {
		switch lvl {
		case LevelError:
			line = "\x1b[31m" + line + "\x1b[0m"
		case LevelDebug:
			line = "\x1b[90m" + line + "\x1b[0m"
		}
	}
	c.w.Write([]byte(line))
}
