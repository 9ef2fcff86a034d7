package event

import (
	"sync"
	"time"
)

// TIMER_FREQ is the tick rate of the timer wheel.
const TIMER_FREQ = 1000 // Hz

/// Timer_t is one armed timer: `remaining` counts down by one tick
/// (1ms) at a time until it fires, at which point its event is
/// triggered and Fired is set.
type Timer_t struct {
	remaining time.Duration
	ev        *Event_t
	fired     bool
	index     int // position in the armed vector, for O(1) disarm
}

/// Event returns the timer's underlying event, the thing callers
/// Await on.
func (t *Timer_t) Event() *Event_t { return t.ev }

/// Fired reports whether the timer has expired.
func (t *Timer_t) Fired() bool { return t.fired }

/// Wheel is the flat vector of armed timers plus the tick goroutine
/// that advances them. One Wheel exists per kernel
/// instance; production code uses the package-level Default.
type Wheel struct {
	mu        sync.Mutex
	armed     []*Timer_t
	monoNs    int64
	wallNs    int64
	stop      chan struct{}
	closeOnce sync.Once
}

/// NewWheel starts a tick goroutine advancing the wheel at TIMER_FREQ.
/// wallClockNs seeds the realtime clock from the boot-protocol
/// timestamp.
func NewWheel(wallClockNs int64) *Wheel {
	w := &Wheel{wallNs: wallClockNs, stop: make(chan struct{})}
	go w.tickLoop()
	return w
}

func (w *Wheel) tickLoop() {
	tick := time.NewTicker(time.Second / TIMER_FREQ)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			w.onTick()
		case <-w.stop:
			return
		}
	}
}

func (w *Wheel) onTick() {
	const tickNs = int64(time.Second / TIMER_FREQ)
	w.mu.Lock()
	w.monoNs += tickNs
	w.wallNs += tickNs
	for _, t := range w.armed {
		t.remaining -= time.Second / TIMER_FREQ
		if t.remaining <= 0 && !t.fired {
			t.fired = true
			t.ev.Trigger(false)
		}
	}
	w.mu.Unlock()
}

/// MonotonicNs returns nanoseconds since boot. Never decreases.
func (w *Wheel) MonotonicNs() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.monoNs
}

/// WallClockNs returns the current realtime clock in nanoseconds.
func (w *Wheel) WallClockNs() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wallNs
}

/// New arms a new timer for duration d and returns it.
func (w *Wheel) New(d time.Duration) *Timer_t {
	t := &Timer_t{remaining: d, ev: &Event_t{}}
	w.mu.Lock()
	t.index = len(w.armed)
	w.armed = append(w.armed, t)
	w.mu.Unlock()
	return t
}

/// Disarm removes t from the armed set in O(1) via last-element swap.
func (w *Wheel) Disarm(t *Timer_t) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.armed)
	if t.index < 0 || t.index >= n || w.armed[t.index] != t {
		return
	}
	last := w.armed[n-1]
	w.armed[t.index] = last
	last.index = t.index
	w.armed = w.armed[:n-1]
	t.index = -1
}

/// Close stops the tick goroutine. Used by tests to avoid leaking
/// timers across cases.
func (w *Wheel) Close() {
	w.closeOnce.Do(func() { close(w.stop) })
}

var (
	defaultOnce  sync.Once
	defaultWheel *Wheel
)

/// Default returns the package-level Wheel production code arms its
/// timers against (TCP retransmission backoff, TIME_WAIT expiry, ...).
/// Lazily started on first use so packages that never touch a timer
/// never pay for the tick goroutine.
func Default() *Wheel {
	defaultOnce.Do(func() { defaultWheel = NewWheel(0) })
	return defaultWheel
}
