// Package assemble turns an ordered list of page images into one PDF.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rs/zerolog/log"

	"github.com/local/bookfetch/internal/artifact"
)

var (
	// ErrAssembly marks a failure of the PDF encoder. The whole batch is
	// lost; no partial document is kept.
	ErrAssembly = errors.New("pdf assembly failed")
	// ErrNoPages is returned for an empty input.
	ErrNoPages = errors.New("no pages to assemble")
)

// Assembler produces a complete PDF from arts, in order, or fails for the
// whole batch.
type Assembler interface {
	Assemble(ctx context.Context, arts []artifact.Artifact) ([]byte, error)
}

// FileAssembler writes the PDF straight to a path. WriteFile prefers it
// over Assemble when available.
type FileAssembler interface {
	AssembleFile(ctx context.Context, arts []artifact.Artifact, path string) error
}

// Output describes a written PDF.
type Output struct {
	Path  string `json:"path"`
	Pages int    `json:"pages"`
	Bytes int64  `json:"bytes"`
}

// PDFCPU imports JPEG pages with pdfcpu; every PDF page takes the size of
// its image.
type PDFCPU struct {
	// TempDir holds intermediate JPEGs; empty means os.TempDir().
	TempDir string
	Quality int
}

// Assemble returns the PDF bytes.
func (p PDFCPU) Assemble(ctx context.Context, arts []artifact.Artifact) ([]byte, error) {
	dir, err := os.MkdirTemp(p.TempDir, "assemble-out-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAssembly, err)
	}
	defer os.RemoveAll(dir)
	out := filepath.Join(dir, "book.pdf")
	if err := p.AssembleFile(ctx, arts, out); err != nil {
		return nil, err
	}
	return os.ReadFile(out)
}

// AssembleFile writes the PDF to path. The document is built next to path
// under a temporary name and renamed only after its page count checks out.
func (p PDFCPU) AssembleFile(ctx context.Context, arts []artifact.Artifact, path string) error {
	if len(arts) == 0 {
		return ErrNoPages
	}
	work, err := os.MkdirTemp(p.TempDir, "assemble-*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAssembly, err)
	}
	defer os.RemoveAll(work)

	files := make([]string, 0, len(arts))
	for i, a := range arts {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := p.imageFile(work, i, a)
		if err != nil {
			return fmt.Errorf("%w: page %d: %w", ErrAssembly, a.Page, err)
		}
		files = append(files, f)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrAssembly, err)
	}
	tmp, err := reserveTemp(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAssembly, err)
	}
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(tmp)
		}
	}()

	// pdfcpu appends to an existing file, so tmp must not exist yet.
	if err := api.ImportImagesFile(files, tmp, nil, model.NewDefaultConfiguration()); err != nil {
		return fmt.Errorf("%w: import images: %w", ErrAssembly, err)
	}
	n, err := api.PageCountFile(tmp)
	if err != nil {
		return fmt.Errorf("%w: verify: %w", ErrAssembly, err)
	}
	if n != len(arts) {
		return fmt.Errorf("%w: document has %d pages, want %d", ErrAssembly, n, len(arts))
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: %w", ErrAssembly, err)
	}
	keep = true
	log.Info().Str("path", path).Int("pages", n).Msg("pdf assembled")
	return nil
}

// imageFile returns a JPEG on disk for a. Released JPEG artifacts are used
// in place; anything else is encoded into dir.
func (p PDFCPU) imageFile(dir string, i int, a artifact.Artifact) (string, error) {
	if a.Image == nil && isJPEG(a.Path) {
		return a.Path, nil
	}
	img, err := a.Decoded()
	if err != nil {
		return "", err
	}
	f := filepath.Join(dir, fmt.Sprintf("img_%04d.jpg", i))
	if err := artifact.WriteJPEG(f, img, p.Quality); err != nil {
		return "", err
	}
	return f, nil
}

func isJPEG(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".jpg" || ext == ".jpeg"
}

func reserveTemp(path string) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()
	if err := os.Remove(name); err != nil {
		return "", err
	}
	return name, nil
}

// WriteFile assembles arts into path with all-or-nothing semantics: on
// any failure path is left untouched and no temporary file remains.
func WriteFile(ctx context.Context, a Assembler, arts []artifact.Artifact, path string) (Output, error) {
	if len(arts) == 0 {
		return Output{}, ErrNoPages
	}
	if fa, ok := a.(FileAssembler); ok {
		if err := fa.AssembleFile(ctx, arts, path); err != nil {
			return Output{}, err
		}
	} else {
		data, err := a.Assemble(ctx, arts)
		if err != nil {
			if errors.Is(err, ErrAssembly) || errors.Is(err, context.Canceled) {
				return Output{}, err
			}
			return Output{}, fmt.Errorf("%w: %w", ErrAssembly, err)
		}
		if err := writeAtomic(path, data); err != nil {
			return Output{}, fmt.Errorf("%w: %w", ErrAssembly, err)
		}
	}

	st, err := os.Stat(path)
	if err != nil {
		return Output{}, err
	}
	return Output{Path: path, Pages: len(arts), Bytes: st.Size()}, nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		_ = os.Remove(tmp)
	}
	return err
}

// PageCount returns the number of pages of the PDF at path.
func PageCount(path string) (int, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("pdf page count failed: %w", err)
	}
	return n, nil
}
