package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/bookfetch/internal/artifact"
	"github.com/local/bookfetch/internal/assemble"
	"github.com/local/bookfetch/internal/fetch"
	"github.com/local/bookfetch/internal/imagerender"
	"github.com/local/bookfetch/internal/photobook"
	"github.com/local/bookfetch/internal/progress"
	"github.com/local/bookfetch/internal/spread"
	"github.com/local/bookfetch/internal/storage"
)

const (
	OpPhotobook = "photobook"
	OpSpreads   = "spreads"
)

var (
	// ErrBadRequest marks invalid operation input.
	ErrBadRequest = errors.New("invalid request")
	// ErrNoInputPages is returned when a spreads pass finds nothing to lay out.
	ErrNoInputPages = errors.New("no input pages")
)

// PhotobookRequest describes one fetch-and-assemble pass.
type PhotobookRequest struct {
	URL       string `json:"url"`
	StartPage int    `json:"start_page,omitempty"`
	// EndPage 0 discovers the page count.
	EndPage int    `json:"end_page,omitempty"`
	Width   int    `json:"width,omitempty"`
	Output  string `json:"output,omitempty"`
}

// SpreadsRequest describes one spread-layout pass. An empty Input lays
// out the page files left in the images directory by a photobook pass.
type SpreadsRequest struct {
	Input       string `json:"input,omitempty"`
	Output      string `json:"output,omitempty"`
	SpreadStart int    `json:"spread_start,omitempty"`
	DPI         int    `json:"dpi,omitempty"`
}

// Summary is the result of an operation.
type Summary struct {
	Op        string             `json:"op"`
	Output    string             `json:"output,omitempty"`
	Pages     int                `json:"pages"`
	Bytes     int64              `json:"bytes,omitempty"`
	Fetched   int                `json:"fetched,omitempty"`
	Failed    []int              `json:"failed,omitempty"`
	Range     *fetch.PageRange   `json:"range,omitempty"`
	Discovery *fetch.Discovery   `json:"discovery,omitempty"`
	Singles   int                `json:"singles,omitempty"`
	Spreads   int                `json:"spreads,omitempty"`
	Published *storage.Published `json:"published,omitempty"`
	Elapsed   time.Duration      `json:"elapsed_ns"`
}

// PhotobookOutput returns the sanitised output file name for req.
func PhotobookOutput(req PhotobookRequest) string {
	if name := artifact.SanitizePDFName(req.Output); name != "" {
		return name
	}
	h := fnv.New32a()
	h.Write([]byte(req.URL))
	return fmt.Sprintf("photobook_%05d.pdf", h.Sum32()%100000)
}

// SpreadsOutput returns the sanitised output file name for req.
func (o *Orchestrator) SpreadsOutput(req SpreadsRequest) string {
	if name := artifact.SanitizePDFName(req.Output); name != "" {
		return name
	}
	base := filepath.Base(o.cfg.Paths.ImagesDir)
	if req.Input != "" {
		base = filepath.Base(strings.TrimPrefix(req.Input, "file://"))
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return artifact.SanitizePDFName(base + "_spreads")
}

// RunPhotobook resolves the page template, discovers the page count when
// no end page is given, fetches the range into the images directory and
// assembles the successful pages into one PDF.
func (o *Orchestrator) RunPhotobook(ctx context.Context, req PhotobookRequest, sink progress.Sink) (*Summary, error) {
	started := time.Now()
	if strings.TrimSpace(req.URL) == "" {
		return nil, fmt.Errorf("%w: url is required", ErrBadRequest)
	}
	if req.StartPage <= 0 {
		req.StartPage = 1
	}
	if req.Width <= 0 {
		req.Width = o.cfg.Fetch.TargetWidth
	}
	if req.EndPage != 0 && req.EndPage < req.StartPage {
		return nil, fmt.Errorf("%w: end page %d before start page %d", ErrBadRequest, req.EndPage, req.StartPage)
	}
	sum := &Summary{Op: OpPhotobook}
	out := filepath.Join(o.cfg.Paths.OutputDir, PhotobookOutput(req))

	stage(sink, "resolving template")
	src := photobook.Source{Client: o.client, UserAgent: o.cfg.Fetch.UserAgent, Timeout: o.cfg.Fetch.FetchTimeout}
	tpl, err := src.Resolve(ctx, req.URL, req.Width)
	if err != nil {
		return nil, fmt.Errorf("resolve template: %w", err)
	}

	rng := fetch.PageRange{Start: req.StartPage, End: req.EndPage}
	if rng.End == 0 {
		stage(sink, "discovering page count")
		d := fetch.Discoverer{
			Prober:      fetch.HTTPProber{Client: o.client, UserAgent: o.cfg.Fetch.UserAgent, Timeout: o.cfg.Fetch.ProbeTimeout},
			Checkpoints: o.cfg.Fetch.Checkpoints,
			Window:      o.cfg.Fetch.Window,
			Fallback:    o.cfg.Fetch.Fallback,
			Sink:        sink,
		}
		disc, err := d.Discover(ctx, tpl)
		if err != nil {
			return nil, err
		}
		sum.Discovery = &disc
		rng.End = disc.Pages
		if rng.End < rng.Start {
			return nil, fmt.Errorf("%w: start page %d is past the %d discovered pages", ErrBadRequest, rng.Start, rng.End)
		}
	}
	sum.Range = &rng

	if n, err := artifact.Clear(o.cfg.Paths.ImagesDir); err != nil {
		return nil, fmt.Errorf("clear images dir: %w", err)
	} else if n > 0 {
		log.Info().Int("removed", n).Str("dir", o.cfg.Paths.ImagesDir).Msg("removed page files from previous pass")
	}

	stage(sink, "fetching pages")
	f := fetch.Fetcher{
		Client:    o.client,
		UserAgent: o.cfg.Fetch.UserAgent,
		Timeout:   o.cfg.Fetch.FetchTimeout,
		Delay:     o.cfg.Fetch.Delay,
		Dir:       o.cfg.Paths.ImagesDir,
		Quality:   o.cfg.Fetch.JPEGQuality,
		Sink:      sink,
	}
	res, err := f.FetchRange(ctx, tpl, rng)
	if res != nil {
		sum.Fetched = len(res.Artifacts)
		sum.Failed = res.Failed
	}
	if err != nil {
		sum.Elapsed = time.Since(started)
		return sum, err
	}

	if err := o.finish(ctx, sum, res.Artifacts, out, sink); err != nil {
		return sum, err
	}
	sum.Elapsed = time.Since(started)
	return sum, nil
}

// RunSpreads lays out an existing PDF (or the page files of the images
// directory) as spreads and assembles the result.
func (o *Orchestrator) RunSpreads(ctx context.Context, req SpreadsRequest, sink progress.Sink) (*Summary, error) {
	started := time.Now()
	if req.SpreadStart <= 0 {
		req.SpreadStart = o.cfg.Spread.Start
	}
	if req.DPI <= 0 {
		req.DPI = o.cfg.Spread.DPI
	}
	sum := &Summary{Op: OpSpreads}
	out := filepath.Join(o.cfg.Paths.OutputDir, o.SpreadsOutput(req))

	work, err := os.MkdirTemp(o.tempDir, "spreads-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(work)

	var arts []artifact.Artifact
	if req.Input == "" {
		stage(sink, "loading page files")
		arts, err = artifact.Scan(o.cfg.Paths.ImagesDir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("scan %s: %w", o.cfg.Paths.ImagesDir, err)
		}
	} else {
		stage(sink, "rendering input pdf")
		in, cleanup, err := o.resolveInput(ctx, req.Input, work)
		if err != nil {
			return nil, err
		}
		defer cleanup()
		if filepath.Clean(in) == filepath.Clean(out) {
			return nil, fmt.Errorf("%w: output would overwrite input %s", ErrBadRequest, in)
		}
		r := imagerender.Renderer{DPI: req.DPI, Dir: filepath.Join(work, "pages"), Quality: o.cfg.Fetch.JPEGQuality, Sink: sink}
		arts, err = r.Render(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", req.Input, err)
		}
	}
	if len(arts) == 0 {
		return nil, ErrNoInputPages
	}

	stage(sink, "composing spreads")
	c := spread.Composer{Dir: filepath.Join(work, "spreads"), Quality: o.cfg.Fetch.JPEGQuality, Sink: sink}
	plan, err := c.Compose(ctx, arts, req.SpreadStart)
	if err != nil {
		return nil, err
	}
	sum.Singles, sum.Spreads = plan.Count()

	if err := o.finish(ctx, sum, plan.Flatten(), out, sink); err != nil {
		return sum, err
	}
	sum.Elapsed = time.Since(started)
	return sum, nil
}

// finish assembles arts into out and publishes the document.
func (o *Orchestrator) finish(ctx context.Context, sum *Summary, arts []artifact.Artifact, out string, sink progress.Sink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stage(sink, "assembling pdf")
	res, err := assemble.WriteFile(ctx, o.asm, arts, out)
	if err != nil {
		return err
	}
	sum.Output = res.Path
	sum.Pages = res.Pages
	sum.Bytes = res.Bytes
	progress.Emit(sink, progress.Event{Kind: progress.KindAssembled, Pages: nil, Done: res.Pages, Total: res.Pages,
		OK: true, Message: filepath.Base(res.Path)})
	log.Info().Str("op", sum.Op).Str("output", res.Path).Int("pages", res.Pages).Int64("bytes", res.Bytes).Msg("document written")

	if o.publisher == nil {
		return nil
	}
	stage(sink, "uploading")
	pub, err := o.publisher.UploadFile(ctx, res.Path, map[string]string{"op": sum.Op, "pages": fmt.Sprint(res.Pages)})
	if err != nil {
		// The local document stands; a failed upload does not fail the run.
		log.Warn().Err(err).Str("output", res.Path).Msg("upload failed")
		progress.Emit(sink, progress.Event{Kind: progress.KindUploaded, Err: err.Error()})
		return nil
	}
	sum.Published = &pub
	progress.Emit(sink, progress.Event{Kind: progress.KindUploaded, OK: true, Message: pub.URL})
	return nil
}

func stage(sink progress.Sink, msg string) {
	log.Debug().Str("stage", msg).Msg("stage")
	progress.Emit(sink, progress.Event{Kind: progress.KindStage, Message: msg})
}

// Classify maps an operation error to a short code for run snapshots and
// API responses.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "CANCELLED"
	case errors.Is(err, fetch.ErrNoSuccessfulPages):
		return "NO_PAGES"
	case errors.Is(err, ErrNoInputPages):
		return "NO_INPUT"
	case errors.Is(err, assemble.ErrAssembly), errors.Is(err, assemble.ErrNoPages):
		return "ASSEMBLY_FAILED"
	case errors.Is(err, photobook.ErrNoPageParam), errors.Is(err, ErrBadRequest):
		return "BAD_REQUEST"
	case errors.Is(err, ErrInputNotFound):
		return "NOT_FOUND"
	}
	return "FAILED"
}
