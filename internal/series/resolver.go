// Package series answers "values of path P over ticks" queries. The
// resolver picks between the frame cache (fast, possibly sampled) and a full
// source rescan (slow, authoritative), and marks every result that could
// change on a later query as partial.
package series

import (
	"context"
	"fmt"
	"sort"

	"github.com/tickscope/tickscope/internal/cache"
	"github.com/tickscope/tickscope/internal/capture"
	"github.com/tickscope/tickscope/internal/source"
)

// Point is one numeric sample of a metric.
type Point struct {
	Tick  int64   `json:"tick"`
	Value float64 `json:"value"`
}

// Result is the extracted series for one metric path.
type Result struct {
	CaptureID    string  `json:"captureId"`
	FullPath     string  `json:"fullPath"`
	Points       []Point `json:"points"`
	NumericCount int     `json:"numericCount"`
	LastTick     int64   `json:"lastTick"`

	// Partial means the series may be incomplete: the answer came from a
	// sampled cache, or the capture is still ingesting. Callers re-query
	// later to replace partial results.
	Partial bool `json:"partial"`
}

// LiveChecker reports whether a capture has an actively ingesting stream.
type LiveChecker interface {
	Active(captureID string) bool
}

// SourceLookup resolves a capture to its source string for rescans.
// ok is false for captures with no rescannable source (static uploads whose
// bytes were never retained).
type SourceLookup interface {
	SourceFor(captureID string) (src string, ok bool)
}

// Resolver extracts metric series from cached frames or source rescans.
type Resolver struct {
	cache   *cache.FrameCache
	reader  *source.Reader
	live    LiveChecker
	sources SourceLookup
}

// NewResolver creates a resolver over the given cache and reader.
func NewResolver(fc *cache.FrameCache, reader *source.Reader, live LiveChecker, sources SourceLookup) *Resolver {
	return &Resolver{cache: fc, reader: reader, live: live, sources: sources}
}

// Resolve extracts all requested paths in one pass over the chosen frame
// set. The cache is used when preferCache is set and it either has frames or
// the capture is live; otherwise the source is rescanned from the start.
func (r *Resolver) Resolve(ctx context.Context, captureID string, paths [][]string, preferCache bool) ([]Result, error) {
	liveActive := r.live.Active(captureID)
	cached := r.cache.Query(captureID)

	var frames []*capture.Frame
	var partial bool

	if preferCache && (len(cached) > 0 || liveActive) {
		frames = cached
		partial = r.cache.IsSampled(captureID) || liveActive
	} else {
		src, ok := r.sources.SourceFor(captureID)
		if !ok {
			// Nothing to rescan; the cache is the best available answer.
			frames = cached
			partial = r.cache.IsSampled(captureID) || liveActive
		} else {
			res, err := r.reader.Read(ctx, src, 0, 0)
			if err != nil {
				return nil, fmt.Errorf("rescan %s: %w", captureID, err)
			}
			frames = ordered(res.Frames)
			// A rescan is authoritative unless the source is still growing
			// under an active stream.
			partial = liveActive
		}
	}

	return extract(captureID, paths, frames, partial), nil
}

// extract walks the frame set once, extracting every path per frame.
func extract(captureID string, paths [][]string, frames []*capture.Frame, partial bool) []Result {
	results := make([]Result, len(paths))
	for i, p := range paths {
		results[i] = Result{
			CaptureID: captureID,
			FullPath:  capture.JoinPath(p),
			Partial:   partial,
		}
	}

	var lastTick int64
	for _, f := range frames {
		if f.Tick > lastTick {
			lastTick = f.Tick
		}
		for i, p := range paths {
			if v, ok := f.NumericAt(p); ok {
				results[i].Points = append(results[i].Points, Point{Tick: f.Tick, Value: v})
				results[i].NumericCount++
			}
		}
	}
	for i := range results {
		results[i].LastTick = lastTick
	}
	return results
}

// ordered sorts rescanned frames by tick; catch-up reads can deliver frames
// out of order.
func ordered(frames []*capture.Frame) []*capture.Frame {
	for i := 1; i < len(frames); i++ {
		if frames[i].Tick < frames[i-1].Tick {
			return sortFrames(frames)
		}
	}
	return frames
}

func sortFrames(frames []*capture.Frame) []*capture.Frame {
	out := make([]*capture.Frame, len(frames))
	copy(out, frames)
	sort.Slice(out, func(i, j int) bool { return out[i].Tick < out[j].Tick })
	return out
}

// Window trims a result's points to the inclusive tick range [start, end].
// Zero bounds leave that side open.
func Window(res Result, start, end int64) Result {
	if start == 0 && end == 0 {
		return res
	}
	pts := make([]Point, 0, len(res.Points))
	for _, p := range res.Points {
		if start != 0 && p.Tick < start {
			continue
		}
		if end != 0 && p.Tick > end {
			continue
		}
		pts = append(pts, p)
	}
	res.Points = pts
	res.NumericCount = len(pts)
	return res
}
