package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"

	"github.com/local/bookfetch/internal/imagerender"
)

// ErrInputNotFound is returned when a spreads input cannot be located.
var ErrInputNotFound = errors.New("input pdf not found")

// maxInputBytes bounds a downloaded input PDF.
const maxInputBytes = 512 << 20

// resolveInput returns a local path for the PDF referenced by ref.
// Supports:
// - a bare file name, looked up in the output directory
// - file://path or filesystem paths (only when local paths are allowed)
// - http(s):// URLs (downloaded into dir)
// - s3://bucket/key (downloaded into dir, needs an S3 fetcher)
// cleanup removes any downloaded copy.
func (o *Orchestrator) resolveInput(ctx context.Context, ref, dir string) (path string, cleanup func(), err error) {
	cleanup = func() {}
	// Strip optional #page fragment if present
	if i := strings.Index(ref, "#"); i >= 0 {
		ref = ref[:i]
	}

	switch {
	case strings.HasPrefix(ref, "s3://"):
		if o.inputs == nil {
			return "", cleanup, fmt.Errorf("%w: s3 inputs are not configured", ErrBadRequest)
		}
		path, err = o.inputs.DownloadToTemp(ctx, ref, dir)
	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		path, err = o.downloadHTTPToTemp(ctx, ref, dir)
	default:
		path, err = o.localInput(strings.TrimPrefix(ref, "file://"))
		if err != nil {
			return "", cleanup, err
		}
		return path, cleanup, nil
	}
	if err != nil {
		return "", cleanup, err
	}
	cleanup = func() { _ = os.Remove(path) }

	n, err := imagerender.PageCount(path)
	if err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("%w: %s is not a readable pdf: %w", ErrBadRequest, ref, err)
	}
	log.Info().Str("input", ref).Int("pages", n).Msg("input pdf ready")
	return path, cleanup, nil
}

func (o *Orchestrator) localInput(ref string) (string, error) {
	var p string
	switch {
	case ref == "":
		return "", fmt.Errorf("%w: empty input", ErrBadRequest)
	case filepath.Base(ref) == ref:
		p = filepath.Join(o.cfg.Paths.OutputDir, ref)
	case o.allowLocalPaths:
		p = ref
	default:
		return "", fmt.Errorf("%w: input must be a file name in the output directory", ErrBadRequest)
	}
	st, err := os.Stat(p)
	if err != nil || st.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrInputNotFound, ref)
	}
	return p, nil
}

func (o *Orchestrator) downloadHTTPToTemp(ctx context.Context, url, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	if o.cfg.Fetch.UserAgent != "" {
		req.Header.Set("User-Agent", o.cfg.Fetch.UserAgent)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", ErrInputNotFound, url)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: http %d", url, resp.StatusCode)
	}

	f, err := os.CreateTemp(dir, "pdfdl-*.pdf")
	if err != nil {
		return "", err
	}
	n, err := io.Copy(f, io.LimitReader(resp.Body, maxInputBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > maxInputBytes {
		err = fmt.Errorf("download %s: larger than %d bytes", url, maxInputBytes)
	}
	if err == nil {
		var mt *mimetype.MIME
		if mt, err = mimetype.DetectFile(f.Name()); err == nil && !mt.Is("application/pdf") {
			err = fmt.Errorf("%w: %s is %s, not a pdf", ErrBadRequest, url, mt.String())
		}
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
