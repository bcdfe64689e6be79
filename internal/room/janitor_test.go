package room

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func TestJanitor_SweepsOnTicker(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g := NewRegistry(4)
	g.now = func() time.Time { return base.Add(3 * time.Hour) }

	g.mu.Lock()
	g.rooms["orphan"] = newRoom("orphan", 4, base)
	g.mu.Unlock()

	var swept atomic.Int64
	j := &Janitor{
		Registry:  g,
		Interval:  5 * time.Millisecond,
		Retention: 2 * time.Hour,
		Log:       slog.Default(),
		OnSweep:   func(removed int) { swept.Add(int64(removed)) },
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if g.Snapshot().Rooms == 0 && swept.Load() == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("janitor never swept the stale room")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("janitor did not stop on context cancellation")
	}
}

func TestJanitor_StopsImmediatelyWhenCancelled(t *testing.T) {
	j := &Janitor{Registry: NewRegistry(4)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("janitor did not observe cancelled context")
	}
}
