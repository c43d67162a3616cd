// Package reactor provides the single-threaded event loops at the heart
// of hioload-rpc: epoll-driven readiness dispatch, monotonic timers, and
// cross-thread task hand-off, plus the IO thread group that runs one loop
// per worker. Linux only.
package reactor
