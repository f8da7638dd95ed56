package statuscheck

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gen2brain/go-fitz"
)

// Pinger models the minimal capability we need from Redis and S3.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Checker aggregates health checks for the dependencies shown on the dashboard.
type Checker struct {
	redis     Pinger
	s3        Pinger
	outputDir string
	imagesDir string
}

// Options configures the Checker. Nil pingers report "not configured".
type Options struct {
	Redis     Pinger
	S3        Pinger
	OutputDir string
	ImagesDir string
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses for the dashboard.
type Summary struct {
	Redis     Status `json:"redis"`
	S3        Status `json:"s3"`
	MuPDF     Status `json:"mupdf"`
	OutputDir Status `json:"output_dir"`
	ImagesDir Status `json:"images_dir"`
}

// New creates a new Checker with the provided options.
func New(opts Options) *Checker {
	return &Checker{
		redis:     opts.Redis,
		s3:        opts.S3,
		outputDir: opts.OutputDir,
		imagesDir: opts.ImagesDir,
	}
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	return Summary{
		Redis:     ping(ctx, c.redis, 2*time.Second),
		S3:        ping(ctx, c.s3, 5*time.Second),
		MuPDF:     checkMuPDF(),
		OutputDir: checkWritable(c.outputDir),
		ImagesDir: checkReadable(c.imagesDir),
	}
}

func ping(ctx context.Context, p Pinger, timeout time.Duration) Status {
	if p == nil {
		return Status{OK: false, Message: "Not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

// checkMuPDF confirms the linked MuPDF library answers; it needs no binary.
func checkMuPDF() (st Status) {
	defer func() {
		if r := recover(); r != nil {
			st = Status{OK: false, Message: fmt.Sprintf("MuPDF unavailable: %v", r)}
		}
	}()
	if _, err := fitz.NewFromMemory([]byte("not a pdf")); err == nil {
		return Status{OK: false, Message: "unexpected open of invalid data"}
	}
	return Status{OK: true, Message: "Available"}
}

func checkWritable(dir string) Status {
	if dir == "" {
		return Status{OK: false, Message: "Not configured"}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	f, err := os.CreateTemp(dir, ".statuscheck-*")
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	name := f.Name()
	f.Close()
	_ = os.Remove(name)
	return Status{OK: true, Message: "Writable"}
}

func checkReadable(dir string) Status {
	if dir == "" {
		return Status{OK: false, Message: "Not configured"}
	}
	matches, err := filepath.Glob(filepath.Join(dir, "page_*.jpg"))
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	if _, err := os.Stat(dir); err != nil {
		return Status{OK: false, Message: "Missing"}
	}
	return Status{OK: true, Message: fmt.Sprintf("%d page images", len(matches))}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
