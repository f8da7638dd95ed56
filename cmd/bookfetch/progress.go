package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/local/bookfetch/internal/progress"
)

// barSink draws one progress bar per phase of an operation.
type barSink struct {
	mu    sync.Mutex
	out   io.Writer
	bar   *progressbar.ProgressBar
	phase string
}

func newBarSink(out io.Writer) *barSink {
	return &barSink{out: out}
}

func (s *barSink) Emit(ev progress.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Kind {
	case progress.KindStage:
		s.finish()
		fmt.Fprintf(s.out, "» %s\n", ev.Message)
	case progress.KindDiscovered:
		fmt.Fprintf(s.out, "  %d pages\n", ev.Total)
	case progress.KindPageFetched, progress.KindPageFailed:
		s.step("Fetching pages", ev.Total, ev.Done)
	case progress.KindPageRendered:
		s.step("Rendering pages", ev.Total, ev.Done)
	case progress.KindSpreadCreated, progress.KindSingleKept:
		s.step("Composing spreads", -1, ev.Done)
	case progress.KindUploaded:
		s.finish()
		if ev.Err != "" {
			fmt.Fprintf(s.out, "  upload failed: %s\n", ev.Err)
		}
	}
}

func (s *barSink) step(phase string, total, done int) {
	if s.bar == nil || s.phase != phase {
		s.finish()
		if total <= 0 {
			total = -1
		}
		s.bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(s.out),
			progressbar.OptionSetDescription(phase),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetWidth(50),
			progressbar.OptionThrottle(65*time.Millisecond),
		)
		s.phase = phase
	}
	_ = s.bar.Set(done)
}

func (s *barSink) finish() {
	if s.bar == nil {
		return
	}
	_ = s.bar.Finish()
	fmt.Fprintln(s.out)
	s.bar = nil
	s.phase = ""
}

// Close ends the current bar.
func (s *barSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finish()
}
