package run

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/local/bookfetch/internal/progress"
)

func waitFor(t *testing.T, r *Registry, id string) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := r.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
	return s
}

func TestRunSucceeds(t *testing.T) {
	r := New(Options{})
	snap, err := r.Start("photobook", "out/a.pdf", map[string]any{"url": "x"}, func(ctx context.Context, sink progress.Sink) (any, error) {
		progress.Emit(sink, progress.Event{Kind: progress.KindStage, Message: "fetching"})
		progress.Emit(sink, progress.Event{Kind: progress.KindPageFetched, Page: 1, Done: 1, Total: 2, OK: true})
		return "done", nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if snap.State != StateRunning || snap.Started == nil {
		t.Fatalf("start snapshot = %+v", snap)
	}

	got := waitFor(t, r, snap.ID)
	if got.State != StateSucceeded {
		t.Fatalf("state = %s, want succeeded", got.State)
	}
	if got.Result != "done" || got.Error != "" {
		t.Fatalf("result = %v, err = %q", got.Result, got.Error)
	}
	if got.Progress != (Progress{Done: 1, Total: 2}) || got.Stage != "fetching" || got.Events != 2 {
		t.Fatalf("progress = %+v stage = %q events = %d", got.Progress, got.Stage, got.Events)
	}
	if got.Finished == nil {
		t.Fatalf("finished time not set")
	}
}

func TestRunFailureIsClassified(t *testing.T) {
	r := New(Options{Classify: func(error) string { return "NO_PAGES" }})
	snap, _ := r.Start("photobook", "", nil, func(context.Context, progress.Sink) (any, error) {
		return nil, errors.New("nothing fetched")
	})
	got := waitFor(t, r, snap.ID)
	if got.State != StateFailed || got.ErrorCode != "NO_PAGES" || got.Error != "nothing fetched" {
		t.Fatalf("snapshot = %+v", got)
	}
}

func TestRunPanicBecomesFailure(t *testing.T) {
	r := New(Options{})
	snap, _ := r.Start("spreads", "", nil, func(context.Context, progress.Sink) (any, error) {
		panic("boom")
	})
	got := waitFor(t, r, snap.ID)
	if got.State != StateFailed || got.ErrorCode != "FAILED" {
		t.Fatalf("snapshot = %+v", got)
	}
}

func TestSameLockKeyIsBusy(t *testing.T) {
	r := New(Options{})
	release := make(chan struct{})
	first, err := r.Start("photobook", "out/book.pdf", nil, func(ctx context.Context, _ progress.Sink) (any, error) {
		<-release
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := r.Start("photobook", "out/book.pdf", nil, func(context.Context, progress.Sink) (any, error) { return nil, nil }); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	if !r.Busy("out/book.pdf") {
		t.Fatalf("Busy = false while first run is active")
	}

	other, err := r.Start("photobook", "out/other.pdf", nil, func(context.Context, progress.Sink) (any, error) { return nil, nil })
	if err != nil {
		t.Fatalf("different lock key rejected: %v", err)
	}
	waitFor(t, r, other.ID)

	close(release)
	waitFor(t, r, first.ID)
	if _, err := r.Start("photobook", "out/book.pdf", nil, func(context.Context, progress.Sink) (any, error) { return nil, nil }); err != nil {
		t.Fatalf("lock not released after finish: %v", err)
	}
}

func TestCancelEndsAsCancelled(t *testing.T) {
	r := New(Options{})
	started := make(chan struct{})
	snap, _ := r.Start("photobook", "", nil, func(ctx context.Context, _ progress.Sink) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	<-started
	if err := r.Cancel(snap.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got := waitFor(t, r, snap.ID)
	if got.State != StateFailed || got.ErrorCode != CodeCancelled {
		t.Fatalf("snapshot = %+v", got)
	}
	if err := r.Cancel(snap.ID); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second cancel err = %v, want ErrNotRunning", err)
	}
	if err := r.Cancel("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown cancel err = %v, want ErrNotFound", err)
	}
}

func TestCancelAfterCleanReturnStillFails(t *testing.T) {
	r := New(Options{})
	proceed := make(chan struct{})
	snap, _ := r.Start("photobook", "", nil, func(ctx context.Context, _ progress.Sink) (any, error) {
		<-proceed
		<-ctx.Done()
		return "partial", nil
	})
	if err := r.Cancel(snap.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(proceed)
	got := waitFor(t, r, snap.ID)
	if got.State != StateFailed || got.ErrorCode != CodeCancelled {
		t.Fatalf("snapshot = %+v", got)
	}
}

func TestEventsSinceAndLimit(t *testing.T) {
	r := New(Options{EventLimit: 3})
	snap, _ := r.Start("photobook", "", nil, func(_ context.Context, sink progress.Sink) (any, error) {
		for i := 1; i <= 5; i++ {
			progress.Emit(sink, progress.Event{Kind: progress.KindPageFetched, Page: i})
		}
		return nil, nil
	})
	waitFor(t, r, snap.ID)

	all, err := r.Events(snap.ID, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(all) != 3 || all[0].Seq != 3 || all[2].Seq != 5 {
		t.Fatalf("retained = %+v, want seq 3..5", all)
	}
	tail, _ := r.Events(snap.ID, 4)
	if len(tail) != 1 || tail[0].Page != 5 {
		t.Fatalf("since 4 = %+v", tail)
	}
	if _, err := r.Events("missing", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	r := New(Options{})
	snap, _ := r.Start("spreads", "", map[string]any{"start": 2}, func(context.Context, progress.Sink) (any, error) { return nil, nil })
	waitFor(t, r, snap.ID)

	snap.Params["start"] = 99
	got, _ := r.Get(snap.ID)
	if got.Params["start"] != 2 {
		t.Fatalf("params mutated through snapshot: %v", got.Params)
	}
	*got.Finished = time.Time{}
	again, _ := r.Get(snap.ID)
	if again.Finished.IsZero() {
		t.Fatalf("finished mutated through snapshot")
	}
}

func TestTransitionsAreEnforced(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StateRunning, true},
		{StateIdle, StateFailed, true},
		{StateIdle, StateSucceeded, false},
		{StateRunning, StateSucceeded, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateIdle, false},
		{StateSucceeded, StateRunning, false},
		{StateFailed, StateRunning, false},
		{StateFailed, StateSucceeded, false},
	}
	for _, c := range cases {
		if got := canTransition(c.from, c.to); got != c.ok {
			t.Fatalf("canTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}

	r := New(Options{})
	snap, _ := r.Start("photobook", "", nil, func(context.Context, progress.Sink) (any, error) { return nil, nil })
	waitFor(t, r, snap.ID)
	if err := r.transition(snap.ID, StateRunning, nil, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

type memMirror struct {
	mu    sync.Mutex
	saved []Snapshot
}

func (m *memMirror) SaveRun(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	m.saved = append(m.saved, s)
	m.mu.Unlock()
	return nil
}

type memLocker struct {
	mu    sync.Mutex
	held  map[string]string
	calls int
}

func (l *memLocker) Acquire(_ context.Context, key, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if _, ok := l.held[key]; ok {
		return false, nil
	}
	l.held[key] = owner
	return true, nil
}

func (l *memLocker) Release(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == owner {
		delete(l.held, key)
	}
	return nil
}

func TestMirrorAndLocker(t *testing.T) {
	mirror := &memMirror{}
	locker := &memLocker{held: map[string]string{"taken.pdf": "other-process"}}
	var rec progress.Recorder
	r := New(Options{Mirror: mirror, Locker: locker, Sink: &rec})

	if _, err := r.Start("photobook", "taken.pdf", nil, func(context.Context, progress.Sink) (any, error) { return nil, nil }); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy from locker", err)
	}
	if len(r.List()) != 0 {
		t.Fatalf("rejected run left in registry")
	}

	snap, err := r.Start("photobook", "free.pdf", nil, func(_ context.Context, sink progress.Sink) (any, error) {
		progress.Emit(sink, progress.Event{Kind: progress.KindStage, Message: "assembling"})
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, r, snap.ID)

	locker.mu.Lock()
	_, stillHeld := locker.held["free.pdf"]
	locker.mu.Unlock()
	if stillHeld {
		t.Fatalf("lock not released")
	}
	if rec.Count(progress.KindStage) != 1 {
		t.Fatalf("global sink saw %d stage events", rec.Count(progress.KindStage))
	}
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if len(mirror.saved) < 3 {
		t.Fatalf("mirror saved %d snapshots, want running, stage and succeeded", len(mirror.saved))
	}
	if last := mirror.saved[len(mirror.saved)-1]; last.State != StateSucceeded {
		t.Fatalf("last mirrored state = %s", last.State)
	}
}

func TestShutdownCancelsActiveRuns(t *testing.T) {
	r := New(Options{})
	snap, _ := r.Start("photobook", "", nil, func(ctx context.Context, _ progress.Sink) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	got, _ := r.Get(snap.ID)
	if got.State != StateFailed {
		t.Fatalf("state after shutdown = %s", got.State)
	}
}

func TestPruneDropsOldFinishedRuns(t *testing.T) {
	r := New(Options{})
	snap, _ := r.Start("photobook", "", nil, func(context.Context, progress.Sink) (any, error) { return nil, nil })
	waitFor(t, r, snap.ID)
	if n := r.Prune(time.Hour); n != 0 {
		t.Fatalf("pruned %d recent runs", n)
	}
	if n := r.Prune(-time.Second); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, ok := r.Get(snap.ID); ok {
		t.Fatalf("run still present after prune")
	}
}

func TestHooksSeeEveryRunOnce(t *testing.T) {
	var mu sync.Mutex
	var started, finished []Snapshot
	r := New(Options{
		OnStart: func(s Snapshot) {
			mu.Lock()
			started = append(started, s)
			mu.Unlock()
		},
		OnFinish: func(s Snapshot) {
			mu.Lock()
			finished = append(finished, s)
			mu.Unlock()
		},
	})
	ok, _ := r.Start("spreads", "a", nil, func(context.Context, progress.Sink) (any, error) { return nil, nil })
	bad, _ := r.Start("spreads", "b", nil, func(context.Context, progress.Sink) (any, error) { return nil, errors.New("x") })
	waitFor(t, r, ok.ID)
	waitFor(t, r, bad.ID)

	mu.Lock()
	defer mu.Unlock()
	if len(started) != 2 || len(finished) != 2 {
		t.Fatalf("hooks: %d starts, %d finishes", len(started), len(finished))
	}
	states := map[string]State{}
	for _, s := range finished {
		states[s.ID] = s.State
	}
	if states[ok.ID] != StateSucceeded || states[bad.ID] != StateFailed {
		t.Fatalf("finished states = %v", states)
	}
}
