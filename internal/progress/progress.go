package progress

import (
	"sync"
	"time"
)

// Kind names a progress event.
type Kind string

const (
	KindStage         Kind = "stage"
	KindProbe         Kind = "probe"
	KindDiscovered    Kind = "discovered"
	KindPageFetched   Kind = "page_fetched"
	KindPageFailed    Kind = "page_failed"
	KindFetchSummary  Kind = "fetch_summary"
	KindPageRendered  Kind = "page_rendered"
	KindSpreadCreated Kind = "spread_created"
	KindSingleKept    Kind = "single_kept"
	KindAssembled     Kind = "assembled"
	KindUploaded      Kind = "uploaded"
)

// Event is one structured progress record. Operations write events to a
// Sink instead of printing; the dashboard, the CLI progress bar and the
// metrics collector are all just sinks.
type Event struct {
	Seq     int       `json:"seq"`
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Page    int       `json:"page,omitempty"`
	Right   int       `json:"right,omitempty"`
	Pages   []int     `json:"pages,omitempty"`
	Done    int       `json:"done,omitempty"`
	Total   int       `json:"total,omitempty"`
	OK      bool      `json:"ok,omitempty"`
	Message string    `json:"message,omitempty"`
	Err     string    `json:"error,omitempty"`

	Duration time.Duration `json:"duration_ns,omitempty"`
}

// Sink receives progress events. Implementations must not block for long;
// operations call Emit inline between steps.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// Emit stamps ev and hands it to s. A nil sink discards.
func Emit(s Sink, ev Event) {
	if s == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.Emit(ev)
}

// Multi fans each event out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return multi(out)
}

type multi []Sink

func (m multi) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// Recorder keeps every event in memory. Tests use it to assert on the
// stream an operation produced.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
