package event

import (
	"context"
	"sync"
	"testing"
	"time"
)

// Event no-lost-wake: an Await that begins before Trigger observes
// zero listeners is woken exactly once.
func TestAwaitTriggerNoLostWake(t *testing.T) {
	ev := &Event_t{}
	started := make(chan struct{})
	done := make(chan int, 1)

	go func() {
		close(started)
		idx, err := Await(context.Background(), []*Event_t{ev}, true)
		if err != 0 {
			t.Errorf("unexpected err %v", err)
		}
		done <- idx
	}()

	<-started
	// give the goroutine a moment to reach Await and attach its listener
	time.Sleep(10 * time.Millisecond)
	if n := ev.Trigger(false); n != 1 {
		t.Fatalf("expected 1 listener woken, got %d", n)
	}

	select {
	case idx := <-done:
		if idx != 0 {
			t.Fatalf("expected index 0, got %d", idx)
		}
	case <-time.After(time.Second):
		t.Fatal("awaiter was never woken")
	}
}

func TestTriggerBeforeAwaitSetsPending(t *testing.T) {
	ev := &Event_t{}
	ev.Trigger(false)
	idx, err := Await(context.Background(), []*Event_t{ev}, false)
	if err != 0 || idx != 0 {
		t.Fatalf("expected immediate pending hit, got idx=%d err=%v", idx, err)
	}
}

func TestAwaitNonBlockingMiss(t *testing.T) {
	ev := &Event_t{}
	idx, err := Await(context.Background(), []*Event_t{ev}, false)
	if idx != -1 || err != 0 {
		t.Fatalf("expected no-op miss, got idx=%d err=%v", idx, err)
	}
}

func TestAwaitCancel(t *testing.T) {
	ev := &Event_t{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan defs_Err)
	go func() {
		_, err := Await(ctx, []*Event_t{ev}, true)
		done <- defs_Err(err)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != defs_Err(EINTR) {
			t.Fatalf("expected EINTR, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancellation did not wake the awaiter")
	}
}

type defs_Err int

func TestMultiWaitWakesOnEitherEvent(t *testing.T) {
	a, b := &Event_t{}, &Event_t{}
	done := make(chan int, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		idx, _ := Await(context.Background(), []*Event_t{a, b}, true)
		done <- idx
	}()
	time.Sleep(10 * time.Millisecond)
	b.Trigger(false)
	wg.Wait()
	if idx := <-done; idx != 1 {
		t.Fatalf("expected event b (index 1), got %d", idx)
	}
}

func TestTimerMonotonicity(t *testing.T) {
	w := NewWheel(0)
	defer w.Close()
	before := w.MonotonicNs()
	timer := w.New(30 * time.Millisecond)
	_, _ = Await(context.Background(), []*Event_t{timer.Event()}, true)
	after := w.MonotonicNs()
	if after < before {
		t.Fatal("monotonic clock went backwards")
	}
	if after-before < int64(29*time.Millisecond) {
		t.Fatalf("timer fired too early: elapsed %dns", after-before)
	}
	if !timer.Fired() {
		t.Fatal("timer not marked fired")
	}
}

func TestTimerDisarm(t *testing.T) {
	w := NewWheel(0)
	defer w.Close()
	t1 := w.New(time.Hour)
	t2 := w.New(time.Hour)
	w.Disarm(t1)
	if len(w.armed) != 1 || w.armed[0] != t2 {
		t.Fatalf("disarm did not swap-remove correctly: %+v", w.armed)
	}
}
