//go:build linux

// File: rpc/runtime.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-thread run-time slot. The dispatcher populates it with the
// in-flight (msg-id, method) before invoking a handler so diagnostics
// further down the stack can annotate their output. Loop threads are
// OS-locked, so keying by kernel thread id is exact.

package rpc

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rpc/asynclog"
)

// RunTime is the per-thread in-flight request slot.
type RunTime struct {
	MsgID      string
	MethodName string
}

var (
	runTimesMu sync.RWMutex
	runTimes   = make(map[int]*RunTime)
)

// CurrentRunTime returns the slot of the calling thread, creating it on
// first use. Slots are never removed, so a slot outlives its thread.
func CurrentRunTime() *RunTime {
	tid := unix.Gettid()

	runTimesMu.RLock()
	rt, ok := runTimes[tid]
	runTimesMu.RUnlock()
	if ok {
		return rt
	}

	runTimesMu.Lock()
	defer runTimesMu.Unlock()
	if rt, ok = runTimes[tid]; ok {
		return rt
	}
	rt = &RunTime{}
	runTimes[tid] = rt
	return rt
}

func init() {
	asynclog.SetContextProvider(func() (string, string) {
		rt := CurrentRunTime()
		return rt.MsgID, rt.MethodName
	})
}
