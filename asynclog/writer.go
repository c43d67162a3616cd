// File: asynclog/writer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// asyncWriter drains queued records to per-day log files on its own
// goroutine, rolling to a numbered sibling when the size limit is hit.

package asynclog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// asyncWriter owns one sink's file state. Producers push formatted lines;
// the writer goroutine flushes on every sync interval tick and on close.
type asyncWriter struct {
	name         string
	path         string
	sink         string
	maxFileSize  int64
	syncInterval time.Duration

	mu      sync.Mutex
	entries *queue.Queue
	flushCh chan chan struct{}
	done    chan struct{}

	file     *os.File
	fileDay  string
	fileSeq  int
	fileSize int64
}

func newAsyncWriter(opts Options, sink string) (*asyncWriter, error) {
	w := &asyncWriter{
		name:         opts.FileName,
		path:         opts.FilePath,
		sink:         sink,
		maxFileSize:  opts.MaxFileSize,
		syncInterval: opts.SyncInterval,
		entries:      queue.New(),
		flushCh:      make(chan chan struct{}, 1),
		done:         make(chan struct{}),
	}
	if w.syncInterval <= 0 {
		w.syncInterval = 500 * time.Millisecond
	}
	if err := w.openFile(time.Now()); err != nil {
		return nil, err
	}
	go w.run()
	return w, nil
}

// push enqueues one formatted line; never blocks the caller.
func (w *asyncWriter) push(line string) {
	w.mu.Lock()
	w.entries.Add(line)
	w.mu.Unlock()
}

// close flushes pending records, bounded by wait, and stops the writer.
func (w *asyncWriter) close(wait time.Duration) {
	ack := make(chan struct{})
	select {
	case w.flushCh <- ack:
		select {
		case <-ack:
		case <-time.After(wait):
		}
	case <-time.After(wait):
	}
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

func (w *asyncWriter) run() {
	ticker := time.NewTicker(w.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.flush()
		case ack := <-w.flushCh:
			w.flush()
			close(ack)
		case <-w.done:
			w.flush()
			if w.file != nil {
				w.file.Close()
			}
			return
		}
	}
}

// flush drains the queue into the current file, rotating as needed.
func (w *asyncWriter) flush() {
	for {
		w.mu.Lock()
		if w.entries.Length() == 0 {
			w.mu.Unlock()
			if w.file != nil {
				w.file.Sync()
			}
			return
		}
		line := w.entries.Remove().(string)
		w.mu.Unlock()

		now := time.Now()
		if w.file == nil || w.fileDay != dayStamp(now) {
			w.fileSeq = 0
			if err := w.openFile(now); err != nil {
				continue
			}
		}
		if w.maxFileSize > 0 && w.fileSize+int64(len(line)) > w.maxFileSize {
			w.fileSeq++
			if err := w.openFile(now); err != nil {
				continue
			}
		}
		n, err := w.file.WriteString(line)
		if err == nil {
			w.fileSize += int64(n)
		}
	}
}

// openFile swings to <path>/<name>_<yyyymmdd>_<sink>_<seq>.log.
func (w *asyncWriter) openFile(now time.Time) error {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	day := dayStamp(now)
	full := filepath.Join(w.path, fileName(w.name, day, w.sink, w.fileSeq))
	f, err := os.OpenFile(full, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.fileDay = day
	w.fileSize = st.Size()
	return nil
}

func dayStamp(t time.Time) string {
	return t.Format("20060102")
}

func fileName(name, day, sink string, seq int) string {
	return fmt.Sprintf("%s_%s_%s_%d.log", name, day, sink, seq)
}
