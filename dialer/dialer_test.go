package dialer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestCacheGetBlocksUntilFirstPublish(t *testing.T) {
	released := make(chan struct{})
	obtain := RouteSourceFunc(func(ctx context.Context) (DialerSnapshot, error) {
		<-released
		return NewDialerSnapshot(nil, "exit-1", "tcp", nil), nil
	})
	c := NewCache(obtain, time.Hour)

	done := make(chan DialerSnapshot, 1)
	go func() {
		snap, err := c.Get(context.Background())
		if err != nil {
			t.Errorf("Get: %v", err)
		}
		done <- snap
	}()

	select {
	case <-done:
		t.Fatal("Get returned before obtain produced a snapshot")
	case <-time.After(50 * time.Millisecond):
	}

	close(released)

	select {
	case snap := <-done:
		if snap.ExitIdentity != "exit-1" {
			t.Errorf("exit identity = %q, want exit-1", snap.ExitIdentity)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Get never returned")
	}
}

func TestCacheRetriesOnObtainFailure(t *testing.T) {
	var attempts int32
	obtain := RouteSourceFunc(func(ctx context.Context) (DialerSnapshot, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return DialerSnapshot{}, errors.New("transient")
		}
		return NewDialerSnapshot(nil, "exit-eventual", "tcp", nil), nil
	})
	c := NewCache(obtain, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	snap, err := c.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.ExitIdentity != "exit-eventual" {
		t.Errorf("exit identity = %q, want exit-eventual", snap.ExitIdentity)
	}
	if atomic.LoadInt32(&attempts) < 3 {
		t.Errorf("expected at least 3 attempts, got %d", attempts)
	}
}

func TestCacheServesStaleSnapshotWithoutBlocking(t *testing.T) {
	var fetches int32
	obtain := RouteSourceFunc(func(ctx context.Context) (DialerSnapshot, error) {
		n := atomic.AddInt32(&fetches, 1)
		if n == 1 {
			return NewDialerSnapshot(nil, "exit-first", "tcp", nil), nil
		}
		return NewDialerSnapshot(nil, "exit-second", "tcp", nil), nil
	})
	c := NewCache(obtain, time.Millisecond)

	first, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first.ExitIdentity != "exit-first" {
		t.Fatalf("first snapshot = %q, want exit-first", first.ExitIdentity)
	}

	time.Sleep(5 * time.Millisecond)

	start := time.Now()
	stale, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Get on stale snapshot should not block, took %s", elapsed)
	}
	if stale.ExitIdentity != "exit-first" {
		t.Errorf("a stale-but-serving Get should still return the last good snapshot, got %q", stale.ExitIdentity)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&fetches) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&fetches) < 2 {
		t.Error("expected a background refresh to have run")
	}
}

func TestJitterBackoffStaysInRange(t *testing.T) {
	prev := 2 * time.Second
	for i := 0; i < 100; i++ {
		got := jitterBackoff(prev)
		if got < prev || got > prev+prev/2 {
			t.Fatalf("jitterBackoff(%s) = %s, want within [prev, 1.5*prev]", prev, got)
		}
	}
}

func TestJitterBackoffHandlesZero(t *testing.T) {
	if got := jitterBackoff(0); got <= 0 {
		t.Errorf("jitterBackoff(0) = %s, want positive fallback", got)
	}
}
