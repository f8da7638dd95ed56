// Package run tracks long-running operations: one state machine per run,
// a bounded event log, cooperative cancellation, and read-only snapshots.
package run

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/bookfetch/internal/progress"
)

// State is the lifecycle position of a run.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateSucceeded || s == StateFailed }

var (
	ErrNotFound          = errors.New("run not found")
	ErrBusy              = errors.New("another run is already writing to this location")
	ErrInvalidTransition = errors.New("invalid run state transition")
	ErrNotRunning        = errors.New("run is not running")
)

// CodeCancelled is the error code of a run stopped through Cancel.
const CodeCancelled = "CANCELLED"

func canTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateRunning || to == StateFailed
	case StateRunning:
		return to == StateSucceeded || to == StateFailed
	}
	return false
}

// Func is the body of a run. It must write progress to sink and return
// promptly once ctx is done, checking it between steps.
type Func func(ctx context.Context, sink progress.Sink) (any, error)

// StatusMirror receives a snapshot on every change. Failures are logged
// and never affect the run.
type StatusMirror interface {
	SaveRun(ctx context.Context, s Snapshot) error
}

// Locker guards a lock key across processes.
type Locker interface {
	Acquire(ctx context.Context, key, owner string) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// Options configures a Registry.
type Options struct {
	// EventLimit bounds the per-run event log; older events are dropped.
	EventLimit int
	Mirror     StatusMirror
	Locker     Locker
	// Sink sees the events of every run, e.g. a metrics collector.
	Sink progress.Sink
	// Classify maps a run error to a short code for snapshots.
	Classify func(error) string
	// OnStart and OnFinish are called once per run, outside the lock.
	OnStart  func(Snapshot)
	OnFinish func(Snapshot)
}

// Progress is the last known done/total counter of a run.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Snapshot is a point-in-time copy of a run. Mutating it has no effect
// on the registry.
type Snapshot struct {
	ID        string         `json:"id"`
	Op        string         `json:"op"`
	LockKey   string         `json:"lock_key,omitempty"`
	State     State          `json:"state"`
	Params    map[string]any `json:"params,omitempty"`
	Progress  Progress       `json:"progress"`
	Stage     string         `json:"stage,omitempty"`
	Events    int            `json:"events"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	Created   time.Time      `json:"created"`
	Started   *time.Time     `json:"started,omitempty"`
	Finished  *time.Time     `json:"finished,omitempty"`
}

type entry struct {
	snap   Snapshot
	events []progress.Event
	seq    int
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry holds every run of this process keyed by id.
type Registry struct {
	opts Options

	mu   sync.RWMutex
	runs map[string]*entry
	wg   sync.WaitGroup
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.EventLimit <= 0 {
		opts.EventLimit = 500
	}
	if opts.Classify == nil {
		opts.Classify = DefaultClassify
	}
	return &Registry{opts: opts, runs: map[string]*entry{}}
}

// DefaultClassify returns CANCELLED for cancellation and FAILED otherwise.
func DefaultClassify(err error) string {
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	return "FAILED"
}

// Start registers a run and launches fn in the background. It fails with
// ErrBusy when a run with the same non-empty lockKey is still running
// here or, with a Locker configured, in another process.
func (r *Registry) Start(op, lockKey string, params map[string]any, fn Func) (Snapshot, error) {
	id := uuid.NewString()
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		snap: Snapshot{
			ID:      id,
			Op:      op,
			LockKey: lockKey,
			State:   StateIdle,
			Params:  cloneParams(params),
			Created: now,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if lockKey != "" {
		for _, other := range r.runs {
			if other.snap.LockKey == lockKey && !other.snap.State.Terminal() {
				r.mu.Unlock()
				cancel()
				return Snapshot{}, fmt.Errorf("%w: %s (run %s)", ErrBusy, lockKey, other.snap.ID)
			}
		}
	}
	r.runs[id] = e
	r.mu.Unlock()

	if lockKey != "" && r.opts.Locker != nil {
		ok, err := r.opts.Locker.Acquire(ctx, lockKey, id)
		if err != nil || !ok {
			r.mu.Lock()
			delete(r.runs, id)
			r.mu.Unlock()
			cancel()
			if err != nil {
				return Snapshot{}, fmt.Errorf("acquire lock %s: %w", lockKey, err)
			}
			return Snapshot{}, fmt.Errorf("%w: %s", ErrBusy, lockKey)
		}
	}

	if err := r.transition(id, StateRunning, nil, nil); err != nil {
		cancel()
		return Snapshot{}, err
	}
	snap, _ := r.Get(id)
	log.Info().Str("run_id", id).Str("op", op).Str("lock", lockKey).Msg("run started")
	if r.opts.OnStart != nil {
		r.opts.OnStart(snap)
	}

	r.wg.Add(1)
	go r.execute(ctx, e, id, fn)
	return snap, nil
}

func (r *Registry) execute(ctx context.Context, e *entry, id string, fn Func) {
	defer r.wg.Done()
	defer close(e.done)
	defer e.cancel()

	sink := progress.SinkFunc(func(ev progress.Event) { r.record(id, ev) })
	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("run panicked: %v", p)
			}
		}()
		result, err = fn(ctx, sink)
	}()

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	to := StateSucceeded
	if err != nil {
		to = StateFailed
	}
	if terr := r.transition(id, to, result, err); terr != nil {
		log.Error().Err(terr).Str("run_id", id).Msg("could not finish run")
	}

	snap, _ := r.Get(id)
	if snap.LockKey != "" && r.opts.Locker != nil {
		if rerr := r.opts.Locker.Release(context.Background(), snap.LockKey, id); rerr != nil {
			log.Warn().Err(rerr).Str("run_id", id).Msg("release run lock")
		}
	}
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err).Str("code", snap.ErrorCode)
	}
	ev.Str("run_id", id).Str("op", snap.Op).Str("state", string(snap.State)).Msg("run finished")
	if r.opts.OnFinish != nil {
		r.opts.OnFinish(snap)
	}
}

// transition moves run id to state `to`, recording result and err.
func (r *Registry) transition(id string, to State, result any, err error) error {
	r.mu.Lock()
	e, ok := r.runs[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	from := e.snap.State
	if !canTransition(from, to) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	now := time.Now()
	e.snap.State = to
	switch to {
	case StateRunning:
		e.snap.Started = &now
	case StateSucceeded, StateFailed:
		e.snap.Finished = &now
		e.snap.Result = result
		if err != nil {
			e.snap.Error = err.Error()
			e.snap.ErrorCode = r.opts.Classify(err)
		}
	}
	snap := e.snap.clone()
	r.mu.Unlock()

	r.mirror(snap)
	return nil
}

// record appends ev to the run's log and forwards it to the global sink.
func (r *Registry) record(id string, ev progress.Event) {
	r.mu.Lock()
	e, ok := r.runs[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.seq++
	ev.Seq = e.seq
	e.events = append(e.events, ev)
	if over := len(e.events) - r.opts.EventLimit; over > 0 {
		e.events = append(e.events[:0:0], e.events[over:]...)
	}
	e.snap.Events = e.seq
	if ev.Total > 0 {
		e.snap.Progress = Progress{Done: ev.Done, Total: ev.Total}
	}
	if ev.Kind == progress.KindStage {
		e.snap.Stage = ev.Message
	}
	snap := e.snap.clone()
	r.mu.Unlock()

	if r.opts.Sink != nil {
		r.opts.Sink.Emit(ev)
	}
	switch ev.Kind {
	case progress.KindStage, progress.KindFetchSummary, progress.KindAssembled, progress.KindDiscovered:
		r.mirror(snap)
	}
}

func (r *Registry) mirror(s Snapshot) {
	if r.opts.Mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.opts.Mirror.SaveRun(ctx, s); err != nil {
		log.Debug().Err(err).Str("run_id", s.ID).Msg("status mirror update failed")
	}
}

// Get returns a snapshot of run id.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.runs[id]
	if !ok {
		return Snapshot{}, false
	}
	return e.snap.clone(), true
}

// List returns snapshots of all runs, newest first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.runs))
	for _, e := range r.runs {
		out = append(out, e.snap.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out
}

// Events returns the retained events of run id with Seq > since.
func (r *Registry) Events(id string, since int) ([]progress.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]progress.Event, 0, len(e.events))
	for _, ev := range e.events {
		if ev.Seq > since {
			ev.Pages = append([]int(nil), ev.Pages...)
			out = append(out, ev)
		}
	}
	return out, nil
}

// Busy reports whether a run holding lockKey is still active.
func (r *Registry) Busy(lockKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.runs {
		if e.snap.LockKey == lockKey && !e.snap.State.Terminal() {
			return true
		}
	}
	return false
}

// Cancel asks run id to stop. The run finishes its current step (an
// in-flight request included) and then ends as failed with CANCELLED.
func (r *Registry) Cancel(id string) error {
	r.mu.RLock()
	e, ok := r.runs[id]
	var state State
	if ok {
		state = e.snap.State
	}
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if state.Terminal() {
		return fmt.Errorf("%w: %s", ErrNotRunning, state)
	}
	log.Info().Str("run_id", id).Msg("cancel requested")
	e.cancel()
	return nil
}

// Wait blocks until run id has finished or ctx is done.
func (r *Registry) Wait(ctx context.Context, id string) (Snapshot, error) {
	r.mu.RLock()
	e, ok := r.runs[id]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	s, _ := r.Get(id)
	return s, nil
}

// Shutdown cancels every active run and waits for them to return.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	for _, e := range r.runs {
		if !e.snap.State.Terminal() {
			e.cancel()
		}
	}
	r.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Prune drops finished runs older than maxAge and returns how many went.
func (r *Registry) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.runs {
		if e.snap.State.Terminal() && e.snap.Finished != nil && e.snap.Finished.Before(cutoff) {
			delete(r.runs, id)
			n++
		}
	}
	return n
}

func (s Snapshot) clone() Snapshot {
	s.Params = cloneParams(s.Params)
	if s.Started != nil {
		t := *s.Started
		s.Started = &t
	}
	if s.Finished != nil {
		t := *s.Finished
		s.Finished = &t
	}
	return s
}

func cloneParams(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
