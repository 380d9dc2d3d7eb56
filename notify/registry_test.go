package notify

import (
	"testing"
	"time"
)

func TestNotifyWakesRegisteredWaiter(t *testing.T) {
	r := NewRegistry()
	ch := r.Register("/s")
	defer r.Unregister("/s", ch)

	r.Notify("/s")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestNotifyDoesNotWakeOtherPaths(t *testing.T) {
	r := NewRegistry()
	ch := r.Register("/a")
	defer r.Unregister("/a", ch)

	r.Notify("/b")

	select {
	case <-ch:
		t.Fatal("waiter on /a was woken by notify on /b")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnregisterRemovesWaiter(t *testing.T) {
	r := NewRegistry()
	ch := r.Register("/s")
	r.Unregister("/s", ch)

	if _, ok := r.waiters["/s"]; ok {
		t.Fatal("expected empty path entry to be pruned")
	}
}

func TestCancelAllWakesEveryWaiter(t *testing.T) {
	r := NewRegistry()
	chA := r.Register("/a")
	chB := r.Register("/b")

	r.CancelAll()

	for _, ch := range []chan struct{}{chA, chB} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("waiter not woken by CancelAll")
		}
	}
	if len(r.waiters) != 0 {
		t.Fatalf("expected no waiters left, got %d paths", len(r.waiters))
	}
}

func TestCancelPathLeavesOtherPaths(t *testing.T) {
	r := NewRegistry()
	chA := r.Register("/a")
	chB := r.Register("/b")
	defer r.Unregister("/b", chB)

	r.CancelPath("/a")

	select {
	case <-chA:
	case <-time.After(time.Second):
		t.Fatal("waiter on cancelled path not woken")
	}
	select {
	case <-chB:
		t.Fatal("waiter on unrelated path should not be woken")
	case <-time.After(50 * time.Millisecond):
	}
}
