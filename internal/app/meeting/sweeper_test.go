package meeting

import (
	"context"
	"testing"
	"time"
)

type fakeLiveness struct {
	active map[string]bool
	pruned int
}

func (f *fakeLiveness) ActiveSince(code string, _ time.Time) bool { return f.active[code] }

func (f *fakeLiveness) Prune(time.Time) int {
	f.pruned++
	return 0
}

func TestSweepDeletesOnlyIdleMeetings(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }
	for _, c := range []string{"OLD00001", "OLD00002"} {
		if err := store.Create(ctx, Meeting{Code: c, HostID: "h"}); err != nil {
			t.Fatal(err)
		}
	}

	store.now = func() time.Time { return base.Add(50 * time.Minute) }
	if err := store.Create(ctx, Meeting{Code: "NEW00001", HostID: "h"}); err != nil {
		t.Fatal(err)
	}

	live := &fakeLiveness{active: map[string]bool{"OLD00002": true}}
	sw := NewSweeper(store, live, time.Minute, 30*time.Minute)
	sw.now = func() time.Time { return base.Add(time.Hour) }

	deleted, err := sw.SweepOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	for c, want := range map[string]bool{"OLD00001": false, "OLD00002": true, "NEW00001": true} {
		if ok, _ := store.Exists(ctx, c); ok != want {
			t.Errorf("%s exists = %v, want %v", c, ok, want)
		}
	}
	if live.pruned != 1 {
		t.Fatalf("registry pruned %d times, want 1", live.pruned)
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	sw := NewSweeper(NewMemoryStore(), &fakeLiveness{}, time.Millisecond, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
