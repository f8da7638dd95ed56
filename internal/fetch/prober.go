package fetch

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Prober reports whether a page URL exists. It never fails: any problem
// reads as "absent".
type Prober interface {
	Exists(ctx context.Context, url string) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, url string) bool

func (f ProberFunc) Exists(ctx context.Context, url string) bool { return f(ctx, url) }

// HTTPProber checks existence with a HEAD request.
type HTTPProber struct {
	Client    *http.Client
	UserAgent string
	Timeout   time.Duration
}

// Exists issues HEAD url and reports true only for a 2xx answer. A probe
// already on the wire is allowed to finish (bounded by Timeout) even if
// ctx is cancelled; callers observe cancellation between probes.
func (p HTTPProber) Exists(ctx context.Context, url string) bool {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("url", url).Bool("transient", isTransient(err)).Msg("probe failed")
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}
