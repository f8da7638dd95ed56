package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/local/bookfetch/internal/progress"
)

func value(m prometheus.Metric) float64 {
	var d dto.Metric
	if err := m.Write(&d); err != nil {
		return -1
	}
	if d.Counter != nil {
		return d.Counter.GetValue()
	}
	return d.Gauge.GetValue()
}

func TestSinkCountsEvents(t *testing.T) {
	okBefore := value(pagesFetched.WithLabelValues("ok"))
	failBefore := value(pagesFetched.WithLabelValues("failed"))
	spreadBefore := value(layoutSlots.WithLabelValues("spread"))
	missBefore := value(probesTotal.WithLabelValues("miss"))

	s := Sink()
	s.Emit(progress.Event{Kind: progress.KindPageFetched, Page: 1, Duration: 20 * time.Millisecond})
	s.Emit(progress.Event{Kind: progress.KindPageFetched, Page: 2})
	s.Emit(progress.Event{Kind: progress.KindPageFailed, Page: 3})
	s.Emit(progress.Event{Kind: progress.KindSpreadCreated, Page: 2, Right: 3})
	s.Emit(progress.Event{Kind: progress.KindProbe, Page: 200})

	if got := value(pagesFetched.WithLabelValues("ok")) - okBefore; got != 2 {
		t.Fatalf("ok pages = %v, want 2", got)
	}
	if got := value(pagesFetched.WithLabelValues("failed")) - failBefore; got != 1 {
		t.Fatalf("failed pages = %v, want 1", got)
	}
	if got := value(layoutSlots.WithLabelValues("spread")) - spreadBefore; got != 1 {
		t.Fatalf("spreads = %v, want 1", got)
	}
	if got := value(probesTotal.WithLabelValues("miss")) - missBefore; got != 1 {
		t.Fatalf("probe misses = %v, want 1", got)
	}
}

func TestRunGauge(t *testing.T) {
	before := value(runsActive)
	RunStarted()
	if got := value(runsActive) - before; got != 1 {
		t.Fatalf("active = %v, want +1", got)
	}
	RunFinished("photobook", "succeeded")
	if got := value(runsActive); got != before {
		t.Fatalf("active = %v, want %v", got, before)
	}
	if value(runsTotal.WithLabelValues("photobook", "succeeded")) < 1 {
		t.Fatalf("runs_total not incremented")
	}
}
