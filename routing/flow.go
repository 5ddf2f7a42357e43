package routing

import (
	"math/rand"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-knx/internal/clock"
)

// Flow-control parameters from the routing specification.
const (
	// maxIndicationsPerSecond caps the outgoing routing-indication
	// rate.
	maxIndicationsPerSecond = 50

	// rateWindow is the sliding-counter window.
	rateWindow = time.Second

	// busyCountThreshold separates distinct busy notifications: a
	// busy arriving at least this long after the previous one bumps
	// the backoff counter.
	busyCountThreshold = 10 * time.Millisecond

	// busyRandomSlice is the per-count random backoff component.
	busyRandomSlice = 50 * time.Millisecond

	// busySlowdownPerCount is the quiet period (per count) before
	// the counter starts decaying.
	busySlowdownPerCount = 100 * time.Millisecond

	// busyDecayInterval is how fast the counter decays once the
	// slowdown period elapsed.
	busyDecayInterval = 5 * time.Millisecond

	// busyCountCap bounds the backoff counter.
	busyCountCap = 100
)

// flowControl owns the leaky-bucket rate limiter and the
// Routing-Busy backoff state shared by all senders on one endpoint.
type flowControl struct {
	clk clock.Clock

	mu          sync.Mutex
	windowStart time.Time
	count       int

	// Routing-Busy backoff state.
	n          int
	lastBusy   time.Time
	pauseUntil time.Time

	decayDone chan struct{}
	decaying  bool

	// onRateLimit fires with a count of 1 each time a send stalls on
	// the exhausted bucket.
	onRateLimit func(delayed int)

	rnd *rand.Rand
}

func newFlowControl(clk clock.Clock, onRateLimit func(int)) *flowControl {
	return &flowControl{
		clk:         clk,
		windowStart: clk.Now(),
		onRateLimit: onRateLimit,
		decayDone:   make(chan struct{}),
		rnd:         rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
}

// acquire blocks until the caller may send one indication: first the
// busy backoff, then the rate limit.
func (f *flowControl) acquire() {
	for {
		f.mu.Lock()
		now := f.clk.Now()

		if now.Before(f.pauseUntil) {
			wait := f.pauseUntil.Sub(now)
			f.mu.Unlock()
			f.clk.Sleep(wait)
			continue
		}

		if now.Sub(f.windowStart) >= rateWindow {
			f.windowStart = now
			f.count = 0
		}

		if f.count < maxIndicationsPerSecond {
			f.count++
			f.mu.Unlock()
			return
		}

		// Bucket exhausted: stall until the window refills.
		wait := rateWindow - now.Sub(f.windowStart)
		cb := f.onRateLimit
		f.mu.Unlock()

		if cb != nil {
			cb(1)
		}
		f.clk.Sleep(wait)
	}
}

// onBusy applies one ROUTING_BUSY: pause for the requested wait time
// plus a random slice per accumulated busy count.
func (f *flowControl) onBusy(waitMillis uint16) {
	f.mu.Lock()

	now := f.clk.Now()
	if f.lastBusy.IsZero() || now.Sub(f.lastBusy) >= busyCountThreshold {
		if f.n < busyCountCap {
			f.n++
		}
	}
	f.lastBusy = now

	wait := time.Duration(waitMillis)*time.Millisecond +
		time.Duration(f.rnd.Float64()*float64(f.n)*float64(busyRandomSlice))
	if until := now.Add(wait); until.After(f.pauseUntil) {
		f.pauseUntil = until
	}

	startDecay := !f.decaying
	f.decaying = true
	f.mu.Unlock()

	if startDecay {
		go f.decayLoop()
	}
}

// decayLoop decrements the busy count by one every 5 ms once the
// slowdown period (N x 100 ms since the last busy) has elapsed, and
// exits when the count reaches zero.
func (f *flowControl) decayLoop() {
	for {
		select {
		case <-f.decayDone:
			return
		case <-f.clk.After(busyDecayInterval):
		}

		f.mu.Lock()
		now := f.clk.Now()
		slowdown := time.Duration(f.n) * busySlowdownPerCount
		if now.Sub(f.lastBusy) >= slowdown {
			f.n--
		}
		if f.n <= 0 {
			f.n = 0
			f.decaying = false
			f.mu.Unlock()
			return
		}
		f.mu.Unlock()
	}
}

// busyCount returns the current backoff counter (for tests and
// diagnostics).
func (f *flowControl) busyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

// stop terminates the decay goroutine if it is running.
func (f *flowControl) stop() {
	close(f.decayDone)
}
