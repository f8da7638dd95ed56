package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/local/bookfetch/internal/photobook"
	"github.com/local/bookfetch/internal/progress"
)

// bookProber answers like an endpoint where pages 1..last exist.
func bookProber(last int, calls *int) Prober {
	return ProberFunc(func(_ context.Context, raw string) bool {
		if calls != nil {
			*calls++
		}
		u, err := url.Parse(raw)
		if err != nil {
			return false
		}
		n, err := strconv.Atoi(u.Query().Get("page"))
		return err == nil && n >= 1 && n <= last
	})
}

func mustTemplate(t *testing.T, raw string) photobook.Template {
	t.Helper()
	tpl, err := photobook.Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%q): %v", raw, err)
	}
	return tpl
}

func TestDiscoverFindsExactLastPage(t *testing.T) {
	tpl := mustTemplate(t, "https://book.example/render.do?orderId=1&page=1&width=800&hash=x")
	for _, k := range []int{1, 3, 4, 5, 9, 10, 24, 27, 49, 50, 51, 73, 100, 149, 151, 200, 250} {
		d := Discoverer{Prober: bookProber(k, nil)}
		got, err := d.Discover(context.Background(), tpl)
		if err != nil {
			t.Fatalf("K=%d: Discover: %v", k, err)
		}
		if !got.Found || got.Pages != k {
			t.Fatalf("K=%d: Discover = %+v, want Pages=%d Found=true", k, got, k)
		}
	}
}

func TestDiscoverFallbackWhenNoCheckpointExists(t *testing.T) {
	tpl := mustTemplate(t, "https://book.example/render.do?page=1")
	var rec progress.Recorder
	d := Discoverer{Prober: bookProber(0, nil), Fallback: 42, Sink: &rec}
	got, err := d.Discover(context.Background(), tpl)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got.Found || got.Pages != 42 {
		t.Fatalf("Discover = %+v, want fallback 42", got)
	}
	if n := rec.Count(progress.KindProbe); n != len(DefaultCheckpoints) {
		t.Fatalf("probe events = %d, want %d", n, len(DefaultCheckpoints))
	}
}

func TestDiscoverWithCoarseCheckpointsKeepsWindowLimits(t *testing.T) {
	tpl := mustTemplate(t, "https://book.example/render.do?page=1")
	d := Discoverer{Prober: bookProber(3, nil), Checkpoints: []int{5, 100, 25, 10, 50}}
	got, _ := d.Discover(context.Background(), tpl)
	if got.Found || got.Pages != DefaultFallback {
		t.Fatalf("K=3 below every checkpoint: got %+v, want fallback %d", got, DefaultFallback)
	}

	// The true count lies beyond checkpoint+window: a known undercount.
	d.Prober = bookProber(151, nil)
	got, _ = d.Discover(context.Background(), tpl)
	if !got.Found || got.Pages != 150 || got.Checkpoint != 100 {
		t.Fatalf("K=151 with window 50: got %+v, want 150 from checkpoint 100", got)
	}

	d.Window = 60
	got, _ = d.Discover(context.Background(), tpl)
	if got.Pages != 151 {
		t.Fatalf("K=151 with window 60: got %d, want 151", got.Pages)
	}
}

func TestDiscoverBinarySearchProbeCount(t *testing.T) {
	tpl := mustTemplate(t, "https://book.example/render.do?page=1")
	calls := 0
	d := Discoverer{Prober: bookProber(73, &calls), Checkpoints: []int{100, 50}}
	got, err := d.Discover(context.Background(), tpl)
	if err != nil || got.Pages != 73 {
		t.Fatalf("Discover = %+v, %v; want 73", got, err)
	}
	// 2 checkpoints + ceil(log2(51)) = 6 search probes.
	if calls != 8 || got.Probes != 8 {
		t.Fatalf("probes = %d (reported %d), want 8", calls, got.Probes)
	}
}

func TestDiscoverStopsOnCancel(t *testing.T) {
	tpl := mustTemplate(t, "https://book.example/render.do?page=1")
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	d := Discoverer{Prober: ProberFunc(func(context.Context, string) bool {
		calls++
		cancel()
		return false
	})}
	_, err := d.Discover(ctx, tpl)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("probes after cancel = %d, want 1", calls)
	}
}

func TestHTTPProber(t *testing.T) {
	var methods []string
	var agents []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		agents = append(agents, r.Header.Get("User-Agent"))
		switch r.URL.Query().Get("page") {
		case "1":
			w.WriteHeader(http.StatusOK)
		case "slow":
			time.Sleep(200 * time.Millisecond)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := HTTPProber{Client: srv.Client(), UserAgent: "probe-test", Timeout: 50 * time.Millisecond}
	ctx := context.Background()
	if !p.Exists(ctx, srv.URL+"?page=1") {
		t.Fatalf("page 1 should exist")
	}
	if p.Exists(ctx, srv.URL+"?page=2") {
		t.Fatalf("404 page should be absent")
	}
	if p.Exists(ctx, srv.URL+"?page=slow") {
		t.Fatalf("timed out probe should be absent")
	}
	if p.Exists(ctx, "http://127.0.0.1:1/?page=1") {
		t.Fatalf("unreachable host should be absent")
	}
	for i, m := range methods {
		if m != http.MethodHead {
			t.Fatalf("request %d method = %s, want HEAD", i, m)
		}
		if agents[i] != "probe-test" {
			t.Fatalf("request %d User-Agent = %q", i, agents[i])
		}
	}
}
