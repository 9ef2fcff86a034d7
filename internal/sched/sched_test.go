package sched

import (
	"context"
	"testing"
	"time"

	"lyrekernel/internal/event"
)

func TestKernelThreadLifecycle(t *testing.T) {
	s := New()
	ran := make(chan struct{})
	th := s.NewKernelThread(func(ctx context.Context) {
		close(ran)
	})
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("thread function never ran")
	}
	th.Wait()
	if s.Count() != 0 {
		t.Fatalf("expected thread table empty after exit, got %d", s.Count())
	}
}

func TestKillWakesBlockedThread(t *testing.T) {
	s := New()
	ev := &event.Event_t{}
	result := make(chan int, 1)
	th := s.NewKernelThread(func(ctx context.Context) {
		_, err := event.Await(ctx, []*event.Event_t{ev}, true)
		result <- int(err)
	})
	time.Sleep(10 * time.Millisecond)
	s.Kill(th)
	select {
	case err := <-result:
		if err != int(event.EINTR) {
			t.Fatalf("expected EINTR, got %d", err)
		}
	case <-time.After(time.Second):
		t.Fatal("killed thread never woke")
	}
}

func TestDistinctTidsAssigned(t *testing.T) {
	s := New()
	done := make(chan struct{})
	th1 := s.NewKernelThread(func(ctx context.Context) { close(done) })
	<-done
	th1.Wait()
	th2 := s.NewKernelThread(func(ctx context.Context) {})
	th2.Wait()
	if th1.Tid == th2.Tid {
		t.Fatal("expected distinct tids across separate threads")
	}
}
