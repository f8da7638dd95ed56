package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/local/bookfetch/internal/progress"
)

var (
	pagesFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookfetch",
			Name:      "pages_total",
			Help:      "Page fetch attempts by result (ok, failed)",
		},
		[]string{"result"},
	)

	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookfetch",
			Name:      "discovery_probes_total",
			Help:      "Existence probes by outcome (hit, miss)",
		},
		[]string{"outcome"},
	)

	fetchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "bookfetch",
			Name:      "page_fetch_duration_seconds",
			Help:      "Duration of single page downloads",
			Buckets:   prometheus.DefBuckets,
		},
	)

	layoutSlots = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookfetch",
			Name:      "layout_slots_total",
			Help:      "Composed output slots by kind (single, spread)",
		},
		[]string{"kind"},
	)

	pagesRendered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bookfetch",
			Name:      "pages_rendered_total",
			Help:      "PDF pages rasterised for spread composition",
		},
	)

	documents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookfetch",
			Name:      "documents_total",
			Help:      "Assembled and uploaded documents",
		},
		[]string{"action"},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookfetch",
			Name:      "runs_total",
			Help:      "Finished runs by operation and state",
		},
		[]string{"op", "state"},
	)

	runsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bookfetch",
			Name:      "runs_active",
			Help:      "Runs currently executing",
		},
	)
)

// Init registers collectors.
func Init() {
	prometheus.MustRegister(pagesFetched, probesTotal, fetchLatency, layoutSlots, pagesRendered, documents, runsTotal, runsActive)
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveFetch(ok bool, dur time.Duration) {
	pagesFetched.WithLabelValues(okLabel(ok)).Inc()
	if dur > 0 {
		fetchLatency.Observe(dur.Seconds())
	}
}

func IncProbe(hit bool) {
	if hit {
		probesTotal.WithLabelValues("hit").Inc()
		return
	}
	probesTotal.WithLabelValues("miss").Inc()
}

func RunStarted() { runsActive.Inc() }

func RunFinished(op, state string) {
	runsActive.Dec()
	runsTotal.WithLabelValues(op, state).Inc()
}

// Sink returns a progress.Sink that turns events into metric updates.
func Sink() progress.Sink {
	return progress.SinkFunc(func(ev progress.Event) {
		switch ev.Kind {
		case progress.KindProbe:
			IncProbe(ev.OK)
		case progress.KindPageFetched:
			ObserveFetch(true, ev.Duration)
		case progress.KindPageFailed:
			ObserveFetch(false, ev.Duration)
		case progress.KindPageRendered:
			pagesRendered.Inc()
		case progress.KindSpreadCreated:
			layoutSlots.WithLabelValues("spread").Inc()
		case progress.KindSingleKept:
			layoutSlots.WithLabelValues("single").Inc()
		case progress.KindAssembled:
			documents.WithLabelValues("assembled").Inc()
		case progress.KindUploaded:
			documents.WithLabelValues("uploaded").Inc()
		}
	})
}

func okLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
