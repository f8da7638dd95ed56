package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	cfgpkg "github.com/local/bookfetch/internal/config"
	logpkg "github.com/local/bookfetch/internal/logger"
	"github.com/local/bookfetch/internal/metrics"
	"github.com/local/bookfetch/internal/orchestrator"
	"github.com/local/bookfetch/internal/run"
	"github.com/local/bookfetch/internal/statuscheck"
	"github.com/local/bookfetch/internal/storage"
	"github.com/local/bookfetch/internal/store"
	web "github.com/local/bookfetch/internal/web"
)

func main() {
	cfg, err := cfgpkg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Init logging
	_ = logpkg.Init(logpkg.Options{
		Service:      "bookfetch",
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	})
	defer logpkg.Close()

	metrics.Init()
	ctx := context.Background()

	// Redis is optional: run mirror and cross-process locks.
	var (
		mirror    run.StatusMirror
		locker    run.Locker
		redisPing statuscheck.Pinger
	)
	if cfg.Redis.URL != "" {
		rs, err := store.NewRedisStatus(cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init redis status store")
		}
		defer rs.Close()
		mirror = rs
		locker = store.NewRedisLockFromClient(rs.Client(), cfg.Run.LockTTL)
		redisPing = statuscheck.PingFunc(func(ctx context.Context) error { return rs.Client().Ping(ctx).Err() })
	}

	// S3 is optional: publishing and s3:// inputs.
	var (
		publisher orchestrator.Publisher
		inputs    orchestrator.InputFetcher
		s3Ping    statuscheck.Pinger
	)
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
		publisher, inputs, s3Ping = s3c, s3c, s3c
		log.Info().Str("bucket", s3c.Bucket()).Bool("versioned", cfg.S3.Versioned).Msg("publishing to s3")
	}

	runs := run.New(run.Options{
		EventLimit: cfg.Run.EventLimit,
		Mirror:     mirror,
		Locker:     locker,
		Sink:       metrics.Sink(),
		Classify:   orchestrator.Classify,
		OnStart:    func(run.Snapshot) { metrics.RunStarted() },
		OnFinish:   func(s run.Snapshot) { metrics.RunFinished(s.Op, string(s.State)) },
	})

	status := statuscheck.New(statuscheck.Options{
		Redis:     redisPing,
		S3:        s3Ping,
		OutputDir: cfg.Paths.OutputDir,
		ImagesDir: cfg.Paths.ImagesDir,
	})
	orch := orchestrator.New(orchestrator.Dependencies{
		Config:    cfg,
		Client:    &http.Client{},
		Runs:      runs,
		Publisher: publisher,
		Inputs:    inputs,
		Status:    status,
	})
	mux := http.NewServeMux()
	orch.RegisterRoutes(mux)
	mux.Handle("GET /metrics", metrics.Handler())

	// Dashboard
	dash, err := web.New(cfg.Web, mux)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init dashboard")
	}
	dash.RegisterRoutes(mux)

	srv := &http.Server{Addr: ":" + cfg.Web.Port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Msgf("HTTP server listening on :%s", cfg.Web.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	// Janitor: forget old runs and remove stale temp files.
	janitor := time.NewTicker(10 * time.Minute)
	defer janitor.Stop()
	go func() {
		for range janitor.C {
			pruned := runs.Prune(24 * time.Hour)
			removed := orch.CleanupTemps(time.Hour)
			if pruned > 0 || removed > 0 {
				log.Info().Int("runs_pruned", pruned).Int("temps_removed", removed).Msg("janitor pass")
			}
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := runs.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("runs did not stop in time")
	}
	fmt.Println("shutdown complete")
}
