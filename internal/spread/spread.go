// Package spread pairs consecutive book pages into side-by-side spreads.
package spread

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"

	"github.com/local/bookfetch/internal/artifact"
	"github.com/local/bookfetch/internal/progress"
)

// SlotKind tells a single page from a spread.
type SlotKind string

const (
	KindSingle SlotKind = "single"
	KindSpread SlotKind = "spread"
)

// Slot is one output page. Single slots carry Left only; spread slots
// carry both source pages plus the combined image.
type Slot struct {
	Kind     SlotKind
	Left     artifact.Artifact
	Right    artifact.Artifact
	Combined artifact.Artifact
}

// Plan is the ordered list of output pages.
type Plan struct {
	Slots []Slot
}

// Flatten returns the artifacts to assemble, one per slot.
func (p Plan) Flatten() []artifact.Artifact {
	out := make([]artifact.Artifact, 0, len(p.Slots))
	for _, s := range p.Slots {
		if s.Kind == KindSpread {
			out = append(out, s.Combined)
			continue
		}
		out = append(out, s.Left)
	}
	return out
}

// Count returns the number of single and spread slots.
func (p Plan) Count() (singles, spreads int) {
	for _, s := range p.Slots {
		if s.Kind == KindSpread {
			spreads++
		} else {
			singles++
		}
	}
	return singles, spreads
}

// Composer builds spread plans. With Dir set, every combined image is
// written there as a JPEG and released from memory.
type Composer struct {
	Dir     string
	Quality int
	Sink    progress.Sink
}

// Compose is Composer{}.Compose.
func Compose(ctx context.Context, arts []artifact.Artifact, spreadStart int) (Plan, error) {
	return Composer{}.Compose(ctx, arts, spreadStart)
}

// Compose lays out arts. spreadStart is the 1-based position where pairing
// begins: everything before it stays single, then pages pair two at a
// time, and a leftover last page stays single. Values below 1 pair from
// the first page; values past the end keep every page single. Inputs are
// never modified. ctx is checked before each pair.
func (c Composer) Compose(ctx context.Context, arts []artifact.Artifact, spreadStart int) (Plan, error) {
	if spreadStart < 1 {
		spreadStart = 1
	}
	if c.Dir != "" {
		if err := os.MkdirAll(c.Dir, 0o755); err != nil {
			return Plan{}, fmt.Errorf("create spreads dir: %w", err)
		}
	}

	plan := Plan{Slots: make([]Slot, 0, len(arts))}
	single := func(a artifact.Artifact) {
		plan.Slots = append(plan.Slots, Slot{Kind: KindSingle, Left: a})
		progress.Emit(c.Sink, progress.Event{Kind: progress.KindSingleKept, Page: a.Page, Done: len(plan.Slots)})
	}

	i := 0
	for ; i < len(arts) && i < spreadStart-1; i++ {
		single(arts[i])
	}
	for ; i+1 < len(arts); i += 2 {
		if err := ctx.Err(); err != nil {
			return plan, err
		}
		left, right := arts[i], arts[i+1]
		combined, err := c.combine(left, right)
		if err != nil {
			return plan, err
		}
		plan.Slots = append(plan.Slots, Slot{Kind: KindSpread, Left: left, Right: right, Combined: combined})
		log.Debug().Int("left", left.Page).Int("right", right.Page).
			Int("width", combined.Width).Int("height", combined.Height).Msg("spread created")
		progress.Emit(c.Sink, progress.Event{Kind: progress.KindSpreadCreated, Page: left.Page, Right: right.Page,
			Done: len(plan.Slots)})
	}
	if i < len(arts) {
		single(arts[i])
	}

	singles, spreads := plan.Count()
	log.Info().Int("inputs", len(arts)).Int("singles", singles).Int("spreads", spreads).
		Int("spread_start", spreadStart).Msg("spread plan ready")
	return plan, nil
}

func (c Composer) combine(left, right artifact.Artifact) (artifact.Artifact, error) {
	li, err := left.Decoded()
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("spread %d-%d: %w", left.Page, right.Page, err)
	}
	ri, err := right.Decoded()
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("spread %d-%d: %w", left.Page, right.Page, err)
	}

	out := artifact.New(left.Page, Combine(li, ri))
	if c.Dir == "" {
		return out, nil
	}
	p := filepath.Join(c.Dir, fmt.Sprintf("spread_%03d_%03d.jpg", left.Page, right.Page))
	if err := artifact.WriteJPEG(p, out.Image, c.Quality); err != nil {
		return artifact.Artifact{}, err
	}
	out.Path = p
	return out.Released(), nil
}

// Combine places left and right side by side on a white canvas as tall as
// the taller image. The shorter one is scaled up with its aspect ratio
// kept; left lands at x=0 and right at x=width(left').
func Combine(left, right image.Image) *image.RGBA {
	lb, rb := left.Bounds(), right.Bounds()
	h := max(lb.Dy(), rb.Dy())
	lw := ScaledWidth(lb.Dx(), lb.Dy(), h)
	rw := ScaledWidth(rb.Dx(), rb.Dy(), h)

	canvas := image.NewRGBA(image.Rect(0, 0, lw+rw, h))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	place(canvas, image.Rect(0, 0, lw, h), left)
	place(canvas, image.Rect(lw, 0, lw+rw, h), right)
	return canvas
}

// ScaledWidth is w scaled by targetH/h, rounded to the nearest pixel.
func ScaledWidth(w, h, targetH int) int {
	if h == targetH || h == 0 {
		return w
	}
	return int(math.Round(float64(w) * float64(targetH) / float64(h)))
}

func place(dst *image.RGBA, r image.Rectangle, src image.Image) {
	sb := src.Bounds()
	if sb.Dx() == r.Dx() && sb.Dy() == r.Dy() {
		draw.Draw(dst, r, src, sb.Min, draw.Over)
		return
	}
	draw.CatmullRom.Scale(dst, r, src, sb, draw.Over, nil)
}
