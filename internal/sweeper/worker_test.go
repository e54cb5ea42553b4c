package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSweeper struct {
	mu      sync.Mutex
	cutoffs []time.Time
	n       int
	err     error
}

func (f *fakeSweeper) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.n, f.err
}

func (f *fakeSweeper) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

type fakePruner struct {
	cutoff time.Time
	err    error
}

func (f *fakePruner) PruneRuns(_ context.Context, cutoff time.Time) (int, error) {
	f.cutoff = cutoff
	return 3, f.err
}

func TestRunOnce_UsesTTLCutoff(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &fakeSweeper{n: 4}
	var hooked int
	w := NewWorker(s, time.Hour, time.Minute, WithSweepHook(func(n int) { hooked = n }))
	w.now = func() time.Time { return now }

	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 4 || hooked != 4 {
		t.Errorf("n = %d, hooked = %d; want 4", n, hooked)
	}
	if !s.cutoffs[0].Equal(now.Add(-time.Hour)) {
		t.Errorf("cutoff = %v, want %v", s.cutoffs[0], now.Add(-time.Hour))
	}
}

func TestRunOnce_SweepError(t *testing.T) {
	s := &fakeSweeper{err: errors.New("disk gone")}
	w := NewWorker(s, time.Hour, time.Minute)

	if _, err := w.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunOnce_PrunesRunHistory(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &fakePruner{}
	w := NewWorker(&fakeSweeper{}, time.Hour, time.Minute, WithRunHistory(p, 24*time.Hour))
	w.now = func() time.Time { return now }

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !p.cutoff.Equal(now.Add(-24 * time.Hour)) {
		t.Errorf("prune cutoff = %v", p.cutoff)
	}

	p.err = errors.New("locked")
	if _, err := w.RunOnce(context.Background()); err == nil {
		t.Error("expected prune error to surface")
	}
}

func TestNewWorker_DefaultInterval(t *testing.T) {
	tests := []struct {
		ttl  time.Duration
		want time.Duration
	}{
		{ttl: time.Minute, want: time.Minute},
		{ttl: time.Hour, want: 15 * time.Minute},
		{ttl: 24 * time.Hour, want: time.Hour},
	}
	for _, tt := range tests {
		w := NewWorker(&fakeSweeper{}, tt.ttl, 0)
		if w.every != tt.want {
			t.Errorf("ttl %v: every = %v, want %v", tt.ttl, w.every, tt.want)
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := &fakeSweeper{}
	w := NewWorker(s, time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.calls() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if s.calls() < 2 {
		t.Errorf("sweeps = %d, want at least 2", s.calls())
	}
}
