package assemble

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/local/bookfetch/internal/artifact"
)

func page(n, w, h int) artifact.Artifact {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(n * 40), G: 90, B: 160, A: 255})
		}
	}
	return artifact.New(n, img)
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	es, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, e := range es {
		names = append(names, e.Name())
	}
	return names
}

func TestPDFCPUWritesOnePagePerArtifact(t *testing.T) {
	dir := t.TempDir()
	released := page(2, 30, 40)
	p, err := artifact.Save(filepath.Join(dir, "pages"), released, 90)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	released.Path = p
	released = released.Released()

	arts := []artifact.Artifact{page(1, 30, 40), released, page(3, 60, 40)}
	out := filepath.Join(dir, "out", "book.pdf")
	res, err := WriteFile(context.Background(), PDFCPU{TempDir: dir}, arts, out)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if res.Pages != 3 || res.Bytes == 0 || res.Path != out {
		t.Fatalf("output = %+v", res)
	}
	n, err := PageCount(out)
	if err != nil {
		t.Fatalf("PageCount: %v", err)
	}
	if n != 3 {
		t.Fatalf("pages = %d, want 3", n)
	}
	if names := dirEntries(t, filepath.Join(dir, "out")); len(names) != 1 {
		t.Fatalf("output dir = %v, want only book.pdf", names)
	}
}

func TestPDFCPUAssembleBytes(t *testing.T) {
	data, err := PDFCPU{TempDir: t.TempDir()}.Assemble(context.Background(), []artifact.Artifact{page(1, 10, 10)})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		t.Fatalf("output does not look like a PDF: %q", data[:min(8, len(data))])
	}
}

func TestPDFCPUFailureKeepsNothing(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "book.pdf")
	arts := []artifact.Artifact{page(1, 10, 10), {Page: 2}}

	_, err := WriteFile(context.Background(), PDFCPU{TempDir: dir}, arts, out)
	if !errors.Is(err, ErrAssembly) {
		t.Fatalf("err = %v, want ErrAssembly", err)
	}
	if names := dirEntries(t, dir); len(names) != 0 {
		t.Fatalf("leftovers after failure: %v", names)
	}
}

func TestWriteFileRejectsEmptyInput(t *testing.T) {
	if _, err := WriteFile(context.Background(), PDFCPU{}, nil, filepath.Join(t.TempDir(), "x.pdf")); !errors.Is(err, ErrNoPages) {
		t.Fatalf("err = %v, want ErrNoPages", err)
	}
}

type funcAssembler func(context.Context, []artifact.Artifact) ([]byte, error)

func (f funcAssembler) Assemble(ctx context.Context, arts []artifact.Artifact) ([]byte, error) {
	return f(ctx, arts)
}

func TestWriteFileWithByteAssembler(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "book.pdf")

	ok := funcAssembler(func(context.Context, []artifact.Artifact) ([]byte, error) { return []byte("%PDF-1.7 fake"), nil })
	res, err := WriteFile(context.Background(), ok, []artifact.Artifact{page(1, 2, 2)}, out)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if res.Bytes != int64(len("%PDF-1.7 fake")) {
		t.Fatalf("bytes = %d", res.Bytes)
	}

	broken := funcAssembler(func(context.Context, []artifact.Artifact) ([]byte, error) { return nil, errors.New("encoder crashed") })
	other := filepath.Join(dir, "other.pdf")
	if _, err := WriteFile(context.Background(), broken, []artifact.Artifact{page(1, 2, 2)}, other); !errors.Is(err, ErrAssembly) {
		t.Fatalf("err = %v, want ErrAssembly", err)
	}
	if _, err := os.Stat(other); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("partial output exists: %v", err)
	}
}

func TestAssembleFileHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := PDFCPU{TempDir: t.TempDir()}.AssembleFile(ctx, []artifact.Artifact{page(1, 2, 2)}, filepath.Join(t.TempDir(), "x.pdf"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
