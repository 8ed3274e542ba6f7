// Package cache implements the bounded-memory frame cache. Each capture
// keeps a dense tail of its most recent frames plus a sparse sampled set of
// older frames; a process-wide byte budget shared across all captures drives
// the sampling ratio. Captures with few frames stay fully resolved, large
// ones degrade to coarser sampling instead of growing without bound.
package cache

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tickscope/tickscope/internal/capture"
)

const (
	// DefaultBudgetBytes is the process-wide cache budget shared across all
	// active captures.
	DefaultBudgetBytes = 2 << 30

	// DefaultTailSize is the number of most recent frames kept unsampled per
	// capture.
	DefaultTailSize = 512
)

// Estimator guesses the retained size of a frame in bytes. Accuracy only
// affects memory-pressure responsiveness, never correctness.
type Estimator func(*capture.Frame) int

// Config holds frame cache construction parameters. Zero values select the
// defaults.
type Config struct {
	BudgetBytes int64
	TailSize    int
	Estimate    Estimator
}

// FrameCache is the shared store of parsed frames for all captures. Entries
// are partitioned by capture with per-entry locking; the only cross-capture
// state is the aggregate byte accounting.
type FrameCache struct {
	mu      sync.RWMutex // guards entries map, not entry contents
	entries map[string]*entry

	budget   int64
	tailSize int
	estimate Estimator

	totalBytes  atomic.Int64
	totalFrames atomic.Int64
}

// entry is the per-capture cache state. sampleEvery only ever increases; the
// sampled set is never rebuilt at a finer granularity.
type entry struct {
	mu          sync.Mutex
	sampleEvery int64
	sampled     []*capture.Frame // ordered by tick, one out of every sampleEvery
	tail        []*capture.Frame // ordered by tick, dense most-recent frames
	totalSeen   int64
	bytes       int64
}

// New creates a frame cache with the given configuration.
func New(cfg Config) *FrameCache {
	if cfg.BudgetBytes <= 0 {
		cfg.BudgetBytes = DefaultBudgetBytes
	}
	if cfg.TailSize <= 0 {
		cfg.TailSize = DefaultTailSize
	}
	if cfg.Estimate == nil {
		cfg.Estimate = EstimateFrameBytes
	}
	return &FrameCache{
		entries:  make(map[string]*entry),
		budget:   cfg.BudgetBytes,
		tailSize: cfg.TailSize,
		estimate: cfg.Estimate,
	}
}

// EstimateFrameBytes is the default frame size estimator. It charges a flat
// overhead per frame, entity, and component value. Nested component objects
// are charged per leaf.
func EstimateFrameBytes(f *capture.Frame) int {
	const (
		frameOverhead  = 64
		entityOverhead = 48
		valueCost      = 32
	)
	n := frameOverhead
	for _, comps := range f.Entities {
		n += entityOverhead
		for _, v := range comps {
			n += leafCost(v)
		}
	}
	return n

}

func leafCost(v any) int {
	const valueCost = 32
	m, ok := v.(map[string]any)
	if !ok {
		return valueCost
	}
	n := valueCost
	for _, sub := range m {
		n += leafCost(sub)
	}
	return n
}

// Admit inserts a frame for a capture, creating the entry on first use.
// Frames are merged in tick order; a frame with an already-present tick has
// its entities merged into the existing frame rather than duplicating the
// tick. On tail overflow the oldest tail frame is demoted into the sampled
// set according to the current sampling ratio.
func (fc *FrameCache) Admit(captureID string, f *capture.Frame) {
	e := fc.entry(captureID, true)

	e.mu.Lock()
	if existing := frameWithTick(e.tail, f.Tick); existing != nil {
		// Same-tick merge: charge only the growth of the merged frame, not
		// the full incoming frame, since overlapping values replace in place.
		before := int64(fc.estimate(existing))
		mergeFrame(existing, f)
		delta := int64(fc.estimate(existing)) - before
		e.bytes += delta
		fc.totalBytes.Add(delta)
		e.mu.Unlock()
		return
	}

	size := int64(fc.estimate(f))
	insertByTick(&e.tail, f)

	e.totalSeen++
	e.bytes += size
	fc.totalBytes.Add(size)
	fc.totalFrames.Add(1)

	for len(e.tail) > fc.tailSize {
		demoted := e.tail[0]
		e.tail = e.tail[1:]
		if (demoted.Tick-1)%e.sampleEvery == 0 {
			e.sampled = append(e.sampled, demoted)
		} else {
			freed := int64(fc.estimate(demoted))
			e.bytes -= freed
			fc.totalBytes.Add(-freed)
		}
	}

	fc.resampleLocked(e)
	e.mu.Unlock()
}

// resampleLocked recomputes the entry's sampling ratio from the shared
// budget. The budget is split across captures proportionally to their frame
// counts, so the per-capture retainable frame count is budget divided by the
// mean frame size. sampleEvery never decreases.
func (fc *FrameCache) resampleLocked(e *entry) {
	stored := int64(len(e.sampled) + len(e.tail))
	if stored == 0 {
		if e.sampleEvery == 0 {
			e.sampleEvery = 1
		}
		return
	}
	meanFrame := e.bytes / stored
	if meanFrame <= 0 {
		meanFrame = 1
	}
	// Proportional budget share cancels down to a single global ratio: every
	// capture may retain budget/meanFrame * (its share of total frames).
	totalFrames := fc.totalFrames.Load()
	if totalFrames == 0 {
		totalFrames = 1
	}
	share := fc.budget * e.totalSeen / totalFrames
	budgeted := share / meanFrame
	if budgeted < int64(fc.tailSize) {
		budgeted = int64(fc.tailSize)
	}

	want := (e.totalSeen + budgeted - 1) / budgeted
	if want < 1 {
		want = 1
	}
	if want > e.sampleEvery {
		e.sampleEvery = want
		fc.compactLocked(e)
	}
	if e.sampleEvery == 0 {
		e.sampleEvery = 1
	}
}

// compactLocked re-filters the sampled set against the increased ratio.
// Frames already dropped are gone for good; this only thins, never refines.
func (fc *FrameCache) compactLocked(e *entry) {
	kept := e.sampled[:0]
	for _, f := range e.sampled {
		if (f.Tick-1)%e.sampleEvery == 0 {
			kept = append(kept, f)
			continue
		}
		freed := int64(fc.estimate(f))
		e.bytes -= freed
		fc.totalBytes.Add(-freed)
	}
	e.sampled = kept
}

// Query returns the retained frames for a capture in tick order: the sampled
// set followed by the dense tail. The slice is a copy and safe to hold while
// admissions continue.
func (fc *FrameCache) Query(captureID string) []*capture.Frame {
	e := fc.entry(captureID, false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*capture.Frame, 0, len(e.sampled)+len(e.tail))
	out = append(out, e.sampled...)
	out = append(out, e.tail...)
	return out
}

// IsSampled reports whether the capture's retained frames may be missing
// ticks, i.e. its sampling ratio has been raised above one.
func (fc *FrameCache) IsSampled(captureID string) bool {
	e := fc.entry(captureID, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sampleEvery > 1 && e.totalSeen > int64(len(e.sampled)+len(e.tail))
}

// LastTick returns the highest admitted tick for a capture, or zero when no
// frame has been admitted. The tail always holds the most recent frame.
func (fc *FrameCache) LastTick(captureID string) int64 {
	e := fc.entry(captureID, false)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.tail) == 0 {
		return 0
	}
	return e.tail[len(e.tail)-1].Tick
}

// Remove evicts a capture's entry and frees its byte accounting immediately.
func (fc *FrameCache) Remove(captureID string) {
	fc.mu.Lock()
	e, ok := fc.entries[captureID]
	delete(fc.entries, captureID)
	fc.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	fc.totalBytes.Add(-e.bytes)
	fc.totalFrames.Add(-e.totalSeen)
	e.bytes = 0
	e.sampled = nil
	e.tail = nil
	e.mu.Unlock()
}

// Stats describes the cache state of one capture.
type Stats struct {
	SampleEvery int64 `json:"sampleEvery"`
	Sampled     int   `json:"sampledFrames"`
	Tail        int   `json:"tailFrames"`
	TotalSeen   int64 `json:"totalSeen"`
	Bytes       int64 `json:"bytes"`
}

// CaptureStats returns per-capture cache statistics, or ok=false for an
// unknown capture.
func (fc *FrameCache) CaptureStats(captureID string) (Stats, bool) {
	e := fc.entry(captureID, false)
	if e == nil {
		return Stats{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		SampleEvery: e.sampleEvery,
		Sampled:     len(e.sampled),
		Tail:        len(e.tail),
		TotalSeen:   e.totalSeen,
		Bytes:       e.bytes,
	}, true
}

// TotalBytes returns the aggregate retained bytes across all captures.
func (fc *FrameCache) TotalBytes() int64 {
	return fc.totalBytes.Load()
}

func (fc *FrameCache) entry(captureID string, create bool) *entry {
	fc.mu.RLock()
	e, ok := fc.entries[captureID]
	fc.mu.RUnlock()
	if ok || !create {
		return e
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if e, ok = fc.entries[captureID]; ok {
		return e
	}
	e = &entry{sampleEvery: 1}
	fc.entries[captureID] = e
	return e
}

// insertByTick inserts f into frames keeping tick order. The caller has
// already ruled out a same-tick frame.
func insertByTick(frames *[]*capture.Frame, f *capture.Frame) {
	fs := *frames
	i := sort.Search(len(fs), func(i int) bool { return fs[i].Tick >= f.Tick })
	fs = append(fs, nil)
	copy(fs[i+1:], fs[i:])
	fs[i] = f
	*frames = fs
}

// frameWithTick returns the frame holding the given tick, or nil.
func frameWithTick(frames []*capture.Frame, tick int64) *capture.Frame {
	i := sort.Search(len(frames), func(i int) bool { return frames[i].Tick >= tick })
	if i < len(frames) && frames[i].Tick == tick {
		return frames[i]
	}
	return nil
}

func mergeFrame(dst, src *capture.Frame) {
	for entity, comps := range src.Entities {
		d, ok := dst.Entities[entity]
		if !ok {
			dst.Entities[entity] = comps
			continue
		}
		for comp, v := range comps {
			d[comp] = v
		}
	}
}
