//go:build linux

// File: reactor/iothread_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// TestIoThreadPool_StartBarrier ensures Start returns only after every
// worker loop is processing work.
func TestIoThreadPool_StartBarrier(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := NewIoThreadPool(4)
	defer p.Stop()

	start := time.Now()
	p.Start()
	elapsed := time.Since(start)

	// After Start every loop must execute a fresh task promptly.
	var wg sync.WaitGroup
	for i := 0; i < p.Size(); i++ {
		wg.Add(1)
		p.Next().Loop().Post(wg.Done)
	}
	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(time.Second):
		t.Fatalf("workers not all live after Start (rendezvous took %v)", elapsed)
	}
}

// TestIoThreadPool_RoundRobin hands out workers in rotation.
func TestIoThreadPool_RoundRobin(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := NewIoThreadPool(3)
	defer p.Stop()
	p.Start()

	first := make([]*IoThread, p.Size())
	for i := range first {
		first[i] = p.Next()
	}
	seen := make(map[*IoThread]bool)
	for _, w := range first {
		if seen[w] {
			t.Fatal("round robin repeated a worker within one rotation")
		}
		seen[w] = true
	}
	// Second rotation revisits in the same order.
	for i := 0; i < p.Size(); i++ {
		if p.Next() != first[i] {
			t.Fatal("round robin order changed across rotations")
		}
	}
}

// TestIoThreadPool_DistinctLoops gives each worker its own loop bound to
// its own thread.
func TestIoThreadPool_DistinctLoops(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := NewIoThreadPool(3)
	defer p.Stop()
	p.Start()

	tids := make(map[int]bool)
	for i := 0; i < p.Size(); i++ {
		loop := p.Next().Loop()
		if tids[loop.Tid()] {
			t.Fatal("two workers share one thread")
		}
		tids[loop.Tid()] = true
	}
}
