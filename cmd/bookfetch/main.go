package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/rs/zerolog/log"

	cfgpkg "github.com/local/bookfetch/internal/config"
	logpkg "github.com/local/bookfetch/internal/logger"
	"github.com/local/bookfetch/internal/orchestrator"
	"github.com/local/bookfetch/internal/storage"
)

type FetchCmd struct {
	URL     string `arg:"positional,required" help:"viewer or render URL of the photo book"`
	Start   int    `arg:"-s,--start" default:"1" help:"first page to fetch"`
	End     int    `arg:"-e,--end" help:"last page to fetch; discovered when omitted"`
	Width   int    `arg:"-w,--width" help:"page width in pixels. Defaults to TARGET_WIDTH"`
	Output  string `arg:"-o,--output" help:"output PDF name. Defaults to photobook_NNNNN.pdf"`
	Spreads bool   `arg:"--spreads" help:"also lay the fetched pages out as spreads"`
}

type SpreadsCmd struct {
	Input  string `arg:"positional" help:"PDF to lay out: a path, http(s):// or s3:// URL. Empty uses the fetched page images"`
	Output string `arg:"-o,--output" help:"output PDF name. Defaults to <input>_spreads.pdf"`
	Start  int    `arg:"-s,--spread-start" help:"first page that pairs into a spread. Defaults to SPREAD_START"`
	DPI    int    `arg:"-d,--dpi" help:"render resolution for PDF inputs. Defaults to SPREAD_DPI"`
}

type Args struct {
	Fetch   *FetchCmd   `arg:"subcommand:fetch" help:"download a photo book and assemble it into a PDF"`
	Spreads *SpreadsCmd `arg:"subcommand:spreads" help:"combine facing pages of a PDF into spreads"`
	EnvFile string      `arg:"--env" default:".env" help:"optional .env file"`
	Upload  bool        `arg:"-u,--upload" help:"publish the result to S3 (needs AWS_S3_BUCKET)"`
	Verbose bool        `arg:"-v,--verbose" help:"debug logging"`
}

func (Args) Description() string {
	return "bookfetch downloads online photo books page by page and assembles them into PDFs.\n"
}

func main() {
	var args Args
	p := arg.MustParse(&args)
	if p.Subcommand() == nil {
		p.Fail("missing subcommand: fetch or spreads")
	}

	cfg, err := cfgpkg.Load(args.EnvFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	level := "warn"
	if args.Verbose {
		level = "debug"
	}
	_ = logpkg.Init(logpkg.Options{
		Service: "bookfetch-cli",
		Level:   level,
		Pretty:  true,
		Console: os.Stderr,
	})
	defer logpkg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := orchestrator.Dependencies{Config: cfg, AllowLocalPaths: true}
	if cfg.S3.Bucket != "" {
		s3c, err := storage.NewS3Client(ctx, storage.Options{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Versioned:       cfg.S3.Versioned,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init s3 client")
		}
		deps.Inputs = s3c
		if args.Upload {
			deps.Publisher = s3c
		}
	} else if args.Upload {
		fmt.Fprintln(os.Stderr, "--upload needs AWS_S3_BUCKET")
		os.Exit(2)
	}
	orch := orchestrator.New(deps)
	sink := newBarSink(os.Stderr)

	switch {
	case args.Fetch != nil:
		c := args.Fetch
		sum, err := orch.RunPhotobook(ctx, orchestrator.PhotobookRequest{
			URL:       c.URL,
			StartPage: c.Start,
			EndPage:   c.End,
			Width:     c.Width,
			Output:    c.Output,
		}, sink)
		sink.Close()
		report(sum, err)
		if c.Spreads {
			sum, err = orch.RunSpreads(ctx, orchestrator.SpreadsRequest{}, sink)
			sink.Close()
			report(sum, err)
		}
	case args.Spreads != nil:
		c := args.Spreads
		sum, err := orch.RunSpreads(ctx, orchestrator.SpreadsRequest{
			Input:       c.Input,
			Output:      c.Output,
			SpreadStart: c.Start,
			DPI:         c.DPI,
		}, sink)
		sink.Close()
		report(sum, err)
	}
}

// report prints the outcome and exits on failure.
func report(sum *orchestrator.Summary, err error) {
	if sum != nil && len(sum.Failed) > 0 {
		fmt.Printf("Failed pages: %v\n", sum.Failed)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error [%s]: %v\n", orchestrator.Classify(err), err)
		os.Exit(1)
	}
	if sum.Discovery != nil {
		fmt.Printf("Discovered %d pages with %d probes\n", sum.Discovery.Pages, sum.Discovery.Probes)
	}
	if sum.Spreads > 0 || sum.Singles > 0 {
		fmt.Printf("Layout: %d spreads, %d single pages\n", sum.Spreads, sum.Singles)
	}
	fmt.Printf("Wrote %s (%d pages, %.1f MB) in %s\n", sum.Output, sum.Pages, float64(sum.Bytes)/(1<<20), sum.Elapsed.Round(time.Millisecond))
	if sum.Published != nil {
		fmt.Printf("Published %s\n", sum.Published.URL)
	}
}
