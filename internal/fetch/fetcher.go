package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/webp"

	"github.com/local/bookfetch/internal/artifact"
	"github.com/local/bookfetch/internal/photobook"
	"github.com/local/bookfetch/internal/progress"
)

// maxImageBytes bounds a single page download.
const maxImageBytes = 64 << 20

// PageRange is an inclusive, 1-based range of pages.
type PageRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Validate checks Start >= 1 and End >= Start.
func (r PageRange) Validate() error {
	if r.Start < 1 {
		return fmt.Errorf("start page %d must be >= 1", r.Start)
	}
	if r.End < r.Start {
		return fmt.Errorf("end page %d is before start page %d", r.End, r.Start)
	}
	return nil
}

// Len is the number of pages in the range.
func (r PageRange) Len() int { return r.End - r.Start + 1 }

// Result is one fetch pass. Artifacts are ascending by page; Failed lists
// the pages that could not be fetched, also ascending.
type Result struct {
	Artifacts []artifact.Artifact
	Failed    []int
	Failures  map[int]error
	Elapsed   time.Duration
}

// Fetcher downloads a page range one request at a time.
type Fetcher struct {
	Client    *http.Client
	UserAgent string
	Timeout   time.Duration
	Delay     time.Duration
	Dir       string
	Quality   int
	Sink      progress.Sink

	// Retain keeps decoded rasters on the returned artifacts. Without it
	// only the page files are kept and artifacts are decoded on demand.
	Retain bool
}

// FetchRange fetches every page of rng in ascending order. A failing page
// is recorded and skipped. The pass fails only when no page succeeded
// (ErrNoSuccessfulPages) or when ctx is cancelled between pages; in both
// cases the partial Result is still returned for reporting.
func (f *Fetcher) FetchRange(ctx context.Context, tpl photobook.Template, rng PageRange) (*Result, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()
	res := &Result{Failures: map[int]error{}}
	total := rng.Len()

	for page := rng.Start; page <= rng.End; page++ {
		if err := ctx.Err(); err != nil {
			res.Elapsed = time.Since(started)
			f.summarize(res, total)
			return res, err
		}

		t0 := time.Now()
		a, err := f.fetchPage(ctx, page, tpl.Build(page))
		done := page - rng.Start + 1
		if err != nil {
			res.Failed = append(res.Failed, page)
			res.Failures[page] = err
			log.Warn().Err(err).Int("page", page).Str("kind", string(KindOf(err))).Msg("page fetch failed")
			progress.Emit(f.Sink, progress.Event{Kind: progress.KindPageFailed, Page: page, Done: done, Total: total,
				Err: err.Error(), Duration: time.Since(t0)})
		} else {
			res.Artifacts = append(res.Artifacts, a)
			log.Debug().Int("page", page).Int("width", a.Width).Int("height", a.Height).Msg("page fetched")
			progress.Emit(f.Sink, progress.Event{Kind: progress.KindPageFetched, Page: page, Done: done, Total: total,
				OK: true, Duration: time.Since(t0)})
		}

		if page < rng.End {
			if err := sleepCtx(ctx, f.Delay); err != nil {
				res.Elapsed = time.Since(started)
				f.summarize(res, total)
				return res, err
			}
		}
	}

	res.Elapsed = time.Since(started)
	f.summarize(res, total)
	if len(res.Artifacts) == 0 {
		return res, fmt.Errorf("%w (failed pages: %v)", ErrNoSuccessfulPages, res.Failed)
	}
	return res, nil
}

func (f *Fetcher) summarize(res *Result, total int) {
	log.Info().
		Int("ok", len(res.Artifacts)).
		Int("failed", len(res.Failed)).
		Ints("failed_pages", res.Failed).
		Dur("elapsed", res.Elapsed).
		Msg("fetch pass finished")
	progress.Emit(f.Sink, progress.Event{
		Kind:     progress.KindFetchSummary,
		Done:     len(res.Artifacts),
		Total:    total,
		Pages:    append([]int(nil), res.Failed...),
		OK:       len(res.Artifacts) > 0,
		Message:  fmt.Sprintf("%d ok, %d failed", len(res.Artifacts), len(res.Failed)),
		Duration: res.Elapsed,
	})
}

// fetchPage downloads, validates, normalises and stores one page. On any
// failure the page file is removed so a stale or partial image cannot be
// picked up by a later spread pass.
func (f *Fetcher) fetchPage(ctx context.Context, page int, url string) (artifact.Artifact, error) {
	a, err := f.download(ctx, page, url)
	if err != nil {
		if f.Dir != "" {
			if rmErr := os.Remove(filepath.Join(f.Dir, artifact.FileName(page))); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.Warn().Err(rmErr).Int("page", page).Msg("could not remove page file")
			}
		}
		return artifact.Artifact{}, err
	}
	return a, nil
}

func (f *Fetcher) download(ctx context.Context, page int, url string) (artifact.Artifact, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	// In-flight requests finish (or time out) even when ctx is cancelled.
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return artifact.Artifact{}, &PageError{Page: page, Kind: KindTransient, Err: err}
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return artifact.Artifact{}, &PageError{Page: page, Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return artifact.Artifact{}, &PageError{Page: page, Kind: KindStatus, StatusCode: resp.StatusCode}
	}
	ct := resp.Header.Get("Content-Type")
	if !isImageType(ct) {
		return artifact.Artifact{}, &PageError{Page: page, Kind: KindContentMismatch, ContentType: ct}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return artifact.Artifact{}, &PageError{Page: page, Kind: KindTransient, Err: err}
	}
	if len(body) > maxImageBytes {
		return artifact.Artifact{}, &PageError{Page: page, Kind: KindDecode, Err: fmt.Errorf("image larger than %d bytes", maxImageBytes)}
	}
	if mt := mimetype.Detect(body); !strings.HasPrefix(mt.String(), "image/") {
		return artifact.Artifact{}, &PageError{Page: page, Kind: KindContentMismatch, ContentType: ct + " (sniffed " + mt.String() + ")"}
	}

	img, format, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return artifact.Artifact{}, &PageError{Page: page, Kind: KindDecode, Err: err}
	}
	a := artifact.New(page, artifact.Flatten(img))

	if f.Dir != "" {
		p, err := artifact.Save(f.Dir, a, f.Quality)
		if err != nil {
			return artifact.Artifact{}, &PageError{Page: page, Kind: KindWrite, Err: err}
		}
		a.Path = p
		if !f.Retain {
			a = a.Released()
		}
	}
	log.Debug().Int("page", page).Str("format", format).Int("bytes", len(body)).Msg("decoded page")
	return a, nil
}

func isImageType(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(ct))
	}
	return strings.HasPrefix(mt, "image/")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
