package artifact

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Artifact is a decoded page raster handed between pipeline stages.
// Page is the book page number, or the 1-based position for pages
// rendered out of an existing PDF.
type Artifact struct {
	Page   int
	Image  image.Image
	Width  int
	Height int
	Path   string
}

// New wraps img, recording its dimensions.
func New(page int, img image.Image) Artifact {
	b := img.Bounds()
	return Artifact{Page: page, Image: img, Width: b.Dx(), Height: b.Dy()}
}

// Released returns a copy without the in-memory raster. The copy must
// have a Path to be decodable again.
func (a Artifact) Released() Artifact {
	a.Image = nil
	return a
}

// Decoded returns the raster, reading it back from Path when the
// artifact was released.
func (a Artifact) Decoded() (image.Image, error) {
	if a.Image != nil {
		return a.Image, nil
	}
	if a.Path == "" {
		return nil, fmt.Errorf("page %d has neither image nor file", a.Page)
	}
	l, err := Load(a.Path, a.Page)
	if err != nil {
		return nil, err
	}
	return l.Image, nil
}

// DefaultQuality is the JPEG quality used for page files.
const DefaultQuality = 95

var pageFileRE = regexp.MustCompile(`^page_(\d{3,})\.jpg$`)

// FileName returns the stable on-disk name for page.
func FileName(page int) string { return fmt.Sprintf("page_%03d.jpg", page) }

// PageFromFileName parses a name produced by FileName.
func PageFromFileName(name string) (int, bool) {
	m := pageFileRE.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// Flatten composites img over white into an opaque RGB raster. Every
// artifact leaving the fetcher or the renderer goes through here so that
// downstream stages see one pixel layout.
func Flatten(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// EncodeJPEG writes img as a baseline JPEG.
func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

// Save writes a to dir under FileName(a.Page) and returns the path. A
// failed write leaves no file behind.
func Save(dir string, a Artifact, quality int) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create images dir: %w", err)
	}
	p := filepath.Join(dir, FileName(a.Page))
	if err := WriteJPEG(p, a.Image, quality); err != nil {
		return "", err
	}
	return p, nil
}

// WriteJPEG encodes img to path, removing the file again on failure.
func WriteJPEG(path string, img image.Image, quality int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	bw := bufio.NewWriter(f)
	err = EncodeJPEG(bw, img, quality)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Load decodes the image at path into an artifact for page.
func Load(path string, page int) (Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return Artifact{}, err
	}
	defer f.Close()
	img, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return Artifact{}, fmt.Errorf("decode %s: %w", path, err)
	}
	a := New(page, Flatten(img))
	a.Path = path
	return a, nil
}

// List loads every page file in dir in ascending page order. Files that
// do not follow the page naming are ignored.
func List(dir string) ([]Artifact, error) {
	files, err := pageFiles(dir)
	if err != nil {
		return nil, err
	}
	out := make([]Artifact, 0, len(files))
	for _, f := range files {
		a, err := Load(f.path, f.page)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	log.Debug().Str("dir", dir).Int("pages", len(out)).Msg("loaded page files")
	return out, nil
}

// Scan is List without decoding pixels: the artifacts come back released,
// carrying only path and dimensions.
func Scan(dir string) ([]Artifact, error) {
	files, err := pageFiles(dir)
	if err != nil {
		return nil, err
	}
	out := make([]Artifact, 0, len(files))
	for _, f := range files {
		cfg, err := decodeConfig(f.path)
		if err != nil {
			return nil, err
		}
		out = append(out, Artifact{Page: f.page, Width: cfg.Width, Height: cfg.Height, Path: f.path})
	}
	return out, nil
}

// Clear removes every page file from dir and reports how many went. A
// missing dir is not an error.
func Clear(dir string) (int, error) {
	files, err := pageFiles(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	for i, f := range files {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return i, err
		}
	}
	return len(files), nil
}

type pageFile struct {
	page int
	path string
}

func pageFiles(dir string) ([]pageFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []pageFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := PageFromFileName(e.Name()); ok {
			files = append(files, pageFile{page: n, path: filepath.Join(dir, e.Name())})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].page < files[j].page })
	return files, nil
}

func decodeConfig(path string) (image.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(bufio.NewReader(f))
	if err != nil {
		return image.Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

// Pages returns the page numbers of arts in order.
func Pages(arts []Artifact) []int {
	out := make([]int, len(arts))
	for i, a := range arts {
		out[i] = a.Page
	}
	return out
}

// SanitizePDFName replaces characters that are unsafe in file names with
// an underscore and makes sure the name ends in .pdf.
func SanitizePDFName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	name = unsafeChars.Replace(name)
	if !strings.HasSuffix(strings.ToLower(name), ".pdf") {
		name += ".pdf"
	}
	return name
}

var unsafeChars = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", `"`, "_", "/", "_",
	`\`, "_", "|", "_", "?", "_", "*", "_",
)
