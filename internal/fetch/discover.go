package fetch

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/local/bookfetch/internal/photobook"
	"github.com/local/bookfetch/internal/progress"
)

// DefaultCheckpoints are probed from the top down. Neighbouring checkpoints
// are never more than DefaultWindow apart, so the binary search above the
// first hit always covers the gap to the next checkpoint.
var DefaultCheckpoints = []int{200, 150, 100, 50, 25, 10, 5, 1}

const (
	DefaultWindow   = 50
	DefaultFallback = 50
)

// Discovery is the outcome of a page-count search.
type Discovery struct {
	Pages      int  `json:"pages"` // last page confirmed, or the fallback
	Found      bool `json:"found"` // false when no checkpoint existed
	Checkpoint int  `json:"checkpoint,omitempty"`
	Probes     int  `json:"probes"`
}

// Discoverer finds the last page of a book with HEAD probes: coarse
// checkpoints first, then a binary search over [c, c+Window] above the
// first checkpoint c that exists. A book longer than c+Window is
// undercounted; raise Window rather than retrying.
type Discoverer struct {
	Prober      Prober
	Checkpoints []int
	Window      int
	Fallback    int
	Sink        progress.Sink
}

// Discover returns the last existing page. Inconclusive discovery is not
// an error: it yields the fallback with Found=false. The only error is
// cancellation of ctx, checked between probes.
func (d Discoverer) Discover(ctx context.Context, tpl photobook.Template) (Discovery, error) {
	checkpoints := d.Checkpoints
	if len(checkpoints) == 0 {
		checkpoints = DefaultCheckpoints
	}
	checkpoints = append([]int(nil), checkpoints...)
	sort.Sort(sort.Reverse(sort.IntSlice(checkpoints)))
	window := d.Window
	if window <= 0 {
		window = DefaultWindow
	}
	fallback := d.Fallback
	if fallback <= 0 {
		fallback = DefaultFallback
	}

	res := Discovery{}
	probe := func(page int) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		ok := d.Prober.Exists(ctx, tpl.Build(page))
		res.Probes++
		progress.Emit(d.Sink, progress.Event{Kind: progress.KindProbe, Page: page, OK: ok})
		return ok, nil
	}

	for _, c := range checkpoints {
		ok, err := probe(c)
		if err != nil {
			return res, err
		}
		if !ok {
			continue
		}
		res.Checkpoint = c
		lo, hi := c, c+window
		for lo < hi {
			mid := lo + (hi-lo+1)/2
			ok, err := probe(mid)
			if err != nil {
				return res, err
			}
			if ok {
				lo = mid
			} else {
				hi = mid - 1
			}
		}
		res.Pages, res.Found = lo, true
		if lo == c+window {
			log.Warn().Int("pages", lo).Int("window", window).Msg("discovery hit the top of its window; book may be longer")
		}
		log.Info().Int("pages", lo).Int("checkpoint", c).Int("probes", res.Probes).Msg("discovered page count")
		progress.Emit(d.Sink, progress.Event{Kind: progress.KindDiscovered, Total: lo, OK: true,
			Message: fmt.Sprintf("found %d pages", lo)})
		return res, nil
	}

	res.Pages = fallback
	log.Warn().Ints("checkpoints", checkpoints).Int("fallback", fallback).Msg("no checkpoint page exists; using fallback page count")
	progress.Emit(d.Sink, progress.Event{Kind: progress.KindDiscovered, Total: fallback,
		Message: fmt.Sprintf("discovery inconclusive, assuming %d pages", fallback)})
	return res, nil
}
