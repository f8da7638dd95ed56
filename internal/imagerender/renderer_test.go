package imagerender

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/local/bookfetch/internal/artifact"
	"github.com/local/bookfetch/internal/assemble"
	"github.com/local/bookfetch/internal/progress"
)

func samplePDF(t *testing.T, sizes ...[2]int) string {
	t.Helper()
	var arts []artifact.Artifact
	for i, s := range sizes {
		arts = append(arts, artifact.New(i+1, image.NewRGBA(image.Rect(0, 0, s[0], s[1]))))
	}
	out := filepath.Join(t.TempDir(), "sample.pdf")
	if _, err := assemble.WriteFile(context.Background(), assemble.PDFCPU{TempDir: t.TempDir()}, arts, out); err != nil {
		t.Fatalf("build sample pdf: %v", err)
	}
	return out
}

func near(a, b int) bool { return a-b <= 2 && b-a <= 2 }

func TestRenderProducesOneArtifactPerPage(t *testing.T) {
	pdf := samplePDF(t, [2]int{72, 144}, [2]int{144, 144})
	var rec progress.Recorder

	arts, err := Renderer{DPI: 72, Sink: &rec}.Render(context.Background(), pdf)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(arts) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(arts))
	}
	if arts[0].Page != 1 || arts[1].Page != 2 {
		t.Fatalf("pages = %v", artifact.Pages(arts))
	}
	if !near(arts[0].Width, 72) || !near(arts[0].Height, 144) {
		t.Fatalf("page 1 size = %dx%d, want about 72x144", arts[0].Width, arts[0].Height)
	}
	if _, ok := arts[0].Image.(*image.RGBA); !ok {
		t.Fatalf("image type = %T", arts[0].Image)
	}
	if rec.Count(progress.KindPageRendered) != 2 {
		t.Fatalf("rendered events = %d", rec.Count(progress.KindPageRendered))
	}

	n, err := PageCount(pdf)
	if err != nil || n != 2 {
		t.Fatalf("PageCount = %d, %v; want 2", n, err)
	}
}

func TestRenderScalesWithDPIAndWritesFiles(t *testing.T) {
	pdf := samplePDF(t, [2]int{72, 72})
	dir := t.TempDir()
	arts, err := Renderer{DPI: 144, Dir: dir}.Render(context.Background(), pdf)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !near(arts[0].Width, 144) {
		t.Fatalf("width at 144 dpi = %d, want about 144", arts[0].Width)
	}
	if arts[0].Image != nil {
		t.Fatalf("artifact not released")
	}
	if _, err := os.Stat(filepath.Join(dir, "page_001.jpg")); err != nil {
		t.Fatalf("page file: %v", err)
	}
}

func TestRenderMissingFile(t *testing.T) {
	if _, err := (Renderer{}).Render(context.Background(), filepath.Join(t.TempDir(), "nope.pdf")); err == nil {
		t.Fatalf("expected error for missing pdf")
	}
}
