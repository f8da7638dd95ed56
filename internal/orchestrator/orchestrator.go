package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/bookfetch/internal/assemble"
	"github.com/local/bookfetch/internal/config"
	"github.com/local/bookfetch/internal/progress"
	"github.com/local/bookfetch/internal/run"
	"github.com/local/bookfetch/internal/statuscheck"
	"github.com/local/bookfetch/internal/storage"
)

// Publisher uploads a finished document.
type Publisher interface {
	UploadFile(ctx context.Context, localPath string, meta map[string]string) (storage.Published, error)
}

// InputFetcher downloads s3:// inputs.
type InputFetcher interface {
	DownloadToTemp(ctx context.Context, s3url, dir string) (string, error)
}

type Dependencies struct {
	Config    config.Config
	Client    *http.Client
	Assembler assemble.Assembler
	// Runs is required for the HTTP API; the CLI runs operations directly.
	Runs      *run.Registry
	Publisher Publisher
	Inputs    InputFetcher
	Status    *statuscheck.Checker
	// AllowLocalPaths lets spreads inputs name any file, not only files in
	// the output directory. The CLI sets it; the HTTP API must not.
	AllowLocalPaths bool
	TempDir         string
}

type Orchestrator struct {
	cfg             config.Config
	client          *http.Client
	asm             assemble.Assembler
	runs            *run.Registry
	publisher       Publisher
	inputs          InputFetcher
	status          *statuscheck.Checker
	allowLocalPaths bool
	tempDir         string
}

func New(deps Dependencies) *Orchestrator {
	o := &Orchestrator{
		cfg:             deps.Config,
		client:          deps.Client,
		asm:             deps.Assembler,
		runs:            deps.Runs,
		publisher:       deps.Publisher,
		inputs:          deps.Inputs,
		status:          deps.Status,
		allowLocalPaths: deps.AllowLocalPaths,
		tempDir:         deps.TempDir,
	}
	if o.client == nil {
		o.client = &http.Client{}
	}
	if o.asm == nil {
		o.asm = assemble.PDFCPU{TempDir: deps.TempDir, Quality: deps.Config.Fetch.JPEGQuality}
	}
	// Typed nil pointers would defeat the nil checks.
	if p, ok := deps.Publisher.(*storage.S3Client); ok && p == nil {
		o.publisher = nil
	}
	if p, ok := deps.Inputs.(*storage.S3Client); ok && p == nil {
		o.inputs = nil
	}
	return o
}

// StartPhotobook validates req and launches it as a background run.
func (o *Orchestrator) StartPhotobook(req PhotobookRequest) (run.Snapshot, error) {
	if strings.TrimSpace(req.URL) == "" {
		return run.Snapshot{}, fmt.Errorf("%w: url is required", ErrBadRequest)
	}
	if req.StartPage < 0 || req.EndPage < 0 || (req.EndPage > 0 && req.EndPage < max(req.StartPage, 1)) {
		return run.Snapshot{}, fmt.Errorf("%w: invalid page range %d-%d", ErrBadRequest, req.StartPage, req.EndPage)
	}
	params := map[string]any{
		"url":        req.URL,
		"start_page": req.StartPage,
		"end_page":   req.EndPage,
		"width":      req.Width,
		"output":     PhotobookOutput(req),
	}
	// The photobook pass rewrites the images directory.
	return o.runs.Start(OpPhotobook, o.imagesLock(), params, func(ctx context.Context, sink progress.Sink) (any, error) {
		defer o.CleanupTemps(time.Hour)
		return o.RunPhotobook(ctx, req, sink)
	})
}

// StartSpreads validates req and launches it as a background run.
func (o *Orchestrator) StartSpreads(req SpreadsRequest) (run.Snapshot, error) {
	if req.SpreadStart < 0 || req.DPI < 0 {
		return run.Snapshot{}, fmt.Errorf("%w: spread_start and dpi must not be negative", ErrBadRequest)
	}
	out := o.SpreadsOutput(req)
	params := map[string]any{
		"input":        req.Input,
		"output":       out,
		"spread_start": req.SpreadStart,
		"dpi":          req.DPI,
	}
	lock := "output:" + filepath.Join(o.cfg.Paths.OutputDir, out)
	if req.Input == "" {
		lock = o.imagesLock()
	}
	return o.runs.Start(OpSpreads, lock, params, func(ctx context.Context, sink progress.Sink) (any, error) {
		defer o.CleanupTemps(time.Hour)
		return o.RunSpreads(ctx, req, sink)
	})
}

func (o *Orchestrator) imagesLock() string {
	return "images:" + filepath.Clean(o.cfg.Paths.ImagesDir)
}

func (o *Orchestrator) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /api/photobook", o.handlePhotobook)
	mux.HandleFunc("POST /api/spreads", o.handleSpreads)
	mux.HandleFunc("GET /api/runs", o.handleRuns)
	mux.HandleFunc("GET /api/runs/{id}", o.handleRun)
	mux.HandleFunc("GET /api/runs/{id}/events", o.handleEvents)
	mux.HandleFunc("POST /api/runs/{id}/cancel", o.handleCancel)
	mux.HandleFunc("GET /api/files", o.handleFiles)
	mux.HandleFunc("GET /api/status", o.handleStatus)
	mux.HandleFunc("GET /download/{name}", o.handleDownload)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiError{Code: code, Message: msg})
}

// writeRunError maps a Start/Cancel error onto an HTTP status.
func writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, run.ErrBusy):
		writeError(w, http.StatusConflict, "BUSY", err.Error())
	case errors.Is(err, run.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, run.ErrNotRunning):
		writeError(w, http.StatusConflict, "NOT_RUNNING", err.Error())
	case errors.Is(err, ErrBadRequest):
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	default:
		log.Error().Err(err).Msg("run request failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json: %v", ErrBadRequest, err)
	}
	return nil
}

func (o *Orchestrator) handlePhotobook(w http.ResponseWriter, r *http.Request) {
	var req PhotobookRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeRunError(w, err)
		return
	}
	snap, err := o.StartPhotobook(req)
	if err != nil {
		writeRunError(w, err)
		return
	}
	log.Info().Str("run_id", snap.ID).Str("url", req.URL).Msg("photobook run accepted")
	writeJSON(w, http.StatusAccepted, snap)
}

func (o *Orchestrator) handleSpreads(w http.ResponseWriter, r *http.Request) {
	var req SpreadsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeRunError(w, err)
		return
	}
	snap, err := o.StartSpreads(req)
	if err != nil {
		writeRunError(w, err)
		return
	}
	log.Info().Str("run_id", snap.ID).Str("input", req.Input).Msg("spreads run accepted")
	writeJSON(w, http.StatusAccepted, snap)
}

func (o *Orchestrator) handleRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": o.runs.List()})
}

func (o *Orchestrator) handleRun(w http.ResponseWriter, r *http.Request) {
	snap, ok := o.runs.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "run not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (o *Orchestrator) handleEvents(w http.ResponseWriter, r *http.Request) {
	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "since must be a non-negative integer")
			return
		}
		since = n
	}
	id := r.PathValue("id")
	events, err := o.runs.Events(id, since)
	if err != nil {
		writeRunError(w, err)
		return
	}
	snap, _ := o.runs.Get(id)
	writeJSON(w, http.StatusOK, map[string]any{"state": snap.State, "last": snap.Events, "events": events})
}

func (o *Orchestrator) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := o.runs.Cancel(id); err != nil {
		writeRunError(w, err)
		return
	}
	snap, _ := o.runs.Get(id)
	writeJSON(w, http.StatusAccepted, snap)
}

// FileInfo describes a finished document in the output directory.
type FileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// ListFiles returns the PDFs in the output directory, newest first.
func (o *Orchestrator) ListFiles() ([]FileInfo, error) {
	entries, err := os.ReadDir(o.cfg.Paths.OutputDir)
	if errors.Is(err, os.ErrNotExist) {
		return []FileInfo{}, nil
	}
	if err != nil {
		return nil, err
	}
	files := []FileInfo{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.EqualFold(filepath.Ext(name), ".pdf") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{Name: name, Size: info.Size(), Modified: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Modified.After(files[j].Modified) })
	return files, nil
}

func (o *Orchestrator) handleFiles(w http.ResponseWriter, r *http.Request) {
	files, err := o.ListFiles()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (o *Orchestrator) handleStatus(w http.ResponseWriter, r *http.Request) {
	if o.status == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "status checks are not configured")
		return
	}
	writeJSON(w, http.StatusOK, o.status.Summary(r.Context()))
}

func (o *Orchestrator) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" || filepath.Base(name) != name || strings.HasPrefix(name, ".") ||
		!strings.EqualFold(filepath.Ext(name), ".pdf") {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid file name")
		return
	}
	p := filepath.Join(o.cfg.Paths.OutputDir, name)
	st, err := os.Stat(p)
	if err != nil || st.IsDir() {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "file not found")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, p)
}
