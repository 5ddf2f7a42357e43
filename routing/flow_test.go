package routing

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-knx/internal/clock"
)

func TestRateLimitCapsWindow(t *testing.T) {
	clk := clock.NewFake()
	var limited atomic.Int32
	f := newFlowControl(clk, func(int) { limited.Add(1) })

	// The first fifty sends pass without blocking.
	for i := 0; i < maxIndicationsPerSecond; i++ {
		f.acquire()
	}

	done := make(chan struct{})
	go func() {
		f.acquire()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("send 51 passed inside the window")
	case <-time.After(100 * time.Millisecond):
	}

	if limited.Load() == 0 {
		t.Error("no rate-limit notification")
	}

	clk.Advance(rateWindow)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("send 51 still blocked after the window refilled")
	}
}

func TestBusyBackoffPausesSending(t *testing.T) {
	clk := clock.NewFake()
	f := newFlowControl(clk, nil)

	f.onBusy(50)
	if f.busyCount() != 1 {
		t.Fatalf("busy count = %d, want 1", f.busyCount())
	}

	done := make(chan struct{})
	go func() {
		f.acquire()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("acquire passed during the busy pause")
	case <-time.After(100 * time.Millisecond):
	}

	// Worst case pause: waitTime + N x 50 ms random slice.
	clk.Advance(100 * time.Millisecond)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("acquire still blocked after the pause")
	}
}

func TestBusyCountIncrementsPerDistinctBusy(t *testing.T) {
	clk := clock.NewFake()
	f := newFlowControl(clk, nil)

	f.onBusy(20)
	clk.Advance(busyCountThreshold)
	time.Sleep(10 * time.Millisecond)
	f.onBusy(20)

	if got := f.busyCount(); got != 2 {
		t.Errorf("busy count = %d, want 2", got)
	}
}

func TestBusyCountDecays(t *testing.T) {
	clk := clock.NewFake()
	f := newFlowControl(clk, nil)

	f.onBusy(20)
	if f.busyCount() != 1 {
		t.Fatalf("busy count = %d, want 1", f.busyCount())
	}

	// Past the slowdown period the counter decays on the 5 ms grid.
	clk.Advance(busySlowdownPerCount)
	for i := 0; i < 100 && f.busyCount() > 0; i++ {
		clk.Advance(busyDecayInterval)
		time.Sleep(2 * time.Millisecond)
	}

	if got := f.busyCount(); got != 0 {
		t.Errorf("busy count = %d, want 0 after decay", got)
	}
}
