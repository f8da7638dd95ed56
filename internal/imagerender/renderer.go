package imagerender

import (
	"context"
	"fmt"
	"image"

	"github.com/gen2brain/go-fitz"
	"github.com/rs/zerolog/log"

	"github.com/local/bookfetch/internal/artifact"
	"github.com/local/bookfetch/internal/progress"
)

// DefaultDPI is the resolution pages are rasterised at.
const DefaultDPI = 300

// Renderer rasterises every page of a PDF into artifacts
type Renderer struct {
	DPI     int
	Dir     string // when set, pages are written here and released
	Quality int
	Sink    progress.Sink
}

// Render returns one artifact per PDF page, numbered from 1 in document
// order. ctx is checked between pages.
func (r Renderer) Render(ctx context.Context, pdfPath string) ([]artifact.Artifact, error) {
	dpi := r.DPI
	if dpi <= 0 {
		dpi = DefaultDPI
	}

	doc, err := fitz.New(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	total := doc.NumPage()
	if total == 0 {
		return nil, fmt.Errorf("PDF %s has no pages", pdfPath)
	}
	log.Info().Str("pdf", pdfPath).Int("pages", total).Int("dpi", dpi).Msg("rendering PDF pages")

	out := make([]artifact.Artifact, 0, total)
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pageNum := i + 1
		img, err := renderPage(doc, pageNum, dpi)
		if err != nil {
			return nil, err
		}
		a := artifact.New(pageNum, img)
		if r.Dir != "" {
			p, err := artifact.Save(r.Dir, a, r.Quality)
			if err != nil {
				return nil, err
			}
			a.Path = p
			a = a.Released()
		}
		out = append(out, a)

		log.Debug().
			Int("page", pageNum).
			Int("width", a.Width).
			Int("height", a.Height).
			Int("dpi", dpi).
			Msg("rendered page")
		progress.Emit(r.Sink, progress.Event{Kind: progress.KindPageRendered, Page: pageNum, Done: pageNum, Total: total, OK: true})
	}
	return out, nil
}

// renderPage rasterises one page (1-based) as opaque RGB.
func renderPage(doc *fitz.Document, pageNum, dpi int) (image.Image, error) {
	// go-fitz uses 0-based indexing
	img, err := doc.ImageDPI(pageNum-1, float64(dpi))
	if err != nil {
		return nil, fmt.Errorf("failed to render page %d: %w", pageNum, err)
	}
	return artifact.Flatten(img), nil
}

// PageCount opens pdfPath with MuPDF and returns its page count.
func PageCount(pdfPath string) (int, error) {
	doc, err := fitz.New(pdfPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()
	return doc.NumPage(), nil
}
