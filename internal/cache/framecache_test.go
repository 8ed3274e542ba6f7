package cache

import (
	"fmt"
	"testing"

	"github.com/tickscope/tickscope/internal/capture"
)

func tickFrame(tick int64) *capture.Frame {
	return &capture.Frame{
		Tick:     tick,
		Entities: map[string]map[string]any{"player": {"hp": float64(tick)}},
	}
}

// flatEstimate makes sampling math deterministic in tests.
func flatEstimate(*capture.Frame) int { return 100 }

// TestCacheBasic tests admission, ordered queries, and stats.
func TestCacheBasic(t *testing.T) {
	fc := New(Config{BudgetBytes: 1 << 20, TailSize: 8, Estimate: flatEstimate})

	for tick := int64(1); tick <= 3; tick++ {
		fc.Admit("cap", tickFrame(tick))
	}

	frames := fc.Query("cap")
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if f.Tick != int64(i+1) {
			t.Errorf("frame %d: expected tick %d, got %d", i, i+1, f.Tick)
		}
	}

	if fc.LastTick("cap") != 3 {
		t.Errorf("expected last tick 3, got %d", fc.LastTick("cap"))
	}
	if fc.IsSampled("cap") {
		t.Error("small capture must not be sampled")
	}

	stats, ok := fc.CaptureStats("cap")
	if !ok {
		t.Fatal("expected stats for known capture")
	}
	if stats.TotalSeen != 3 || stats.Tail != 3 || stats.Sampled != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	if fc.Query("ghost") != nil {
		t.Error("unknown capture should yield nil")
	}
}

// TestCacheOutOfOrderMerge tests tick-ordered insertion and same-tick entity
// merging.
func TestCacheOutOfOrderMerge(t *testing.T) {
	fc := New(Config{BudgetBytes: 1 << 20, TailSize: 8, Estimate: flatEstimate})

	fc.Admit("cap", tickFrame(2))
	fc.Admit("cap", tickFrame(1))

	late := &capture.Frame{
		Tick:     2,
		Entities: map[string]map[string]any{"enemy": {"hp": 50.0}},
	}
	fc.Admit("cap", late)

	frames := fc.Query("cap")
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames after merge, got %d", len(frames))
	}
	if frames[0].Tick != 1 || frames[1].Tick != 2 {
		t.Fatalf("frames out of order: %d, %d", frames[0].Tick, frames[1].Tick)
	}
	if _, ok := frames[1].Entities["player"]; !ok {
		t.Error("merge lost original entity")
	}
	if _, ok := frames[1].Entities["enemy"]; !ok {
		t.Error("merge lost late entity")
	}

	stats, _ := fc.CaptureStats("cap")
	if stats.TotalSeen != 2 {
		t.Errorf("same-tick merge must not count as a new frame: %+v", stats)
	}
}

// TestCacheMergeBytesDelta tests that a same-tick merge charges the growth
// of the merged frame, not the incoming frame's full estimated size.
func TestCacheMergeBytesDelta(t *testing.T) {
	fc := New(Config{BudgetBytes: 1 << 20, TailSize: 8})

	fc.Admit("cap", tickFrame(1))
	base := fc.TotalBytes()

	// Fully overlapping values replace in place: retained bytes hold still.
	fc.Admit("cap", tickFrame(1))
	if fc.TotalBytes() != base {
		t.Errorf("overlap merge moved bytes from %d to %d", base, fc.TotalBytes())
	}

	// A new entity grows the frame; retained bytes track the merged result.
	fc.Admit("cap", &capture.Frame{
		Tick:     1,
		Entities: map[string]map[string]any{"enemy": {"hp": 50.0}},
	})
	merged := fc.Query("cap")[0]
	if got, want := fc.TotalBytes(), int64(EstimateFrameBytes(merged)); got != want {
		t.Errorf("retained bytes = %d, want %d for the merged frame", got, want)
	}
}

// TestCacheSampling tests that a capture over budget thins its history while
// keeping a dense tail, and that the sampling ratio only ever increases.
func TestCacheSampling(t *testing.T) {
	// Budget of 4 flat frames, tail of 2. ceil(20/4) pushes the ratio to 5.
	fc := New(Config{BudgetBytes: 400, TailSize: 2, Estimate: flatEstimate})

	var prevRatio int64
	for tick := int64(1); tick <= 20; tick++ {
		fc.Admit("cap", tickFrame(tick))
		stats, _ := fc.CaptureStats("cap")
		if stats.SampleEvery < prevRatio {
			t.Fatalf("sampling ratio decreased: %d -> %d at tick %d", prevRatio, stats.SampleEvery, tick)
		}
		prevRatio = stats.SampleEvery
	}

	stats, _ := fc.CaptureStats("cap")
	if stats.SampleEvery != 5 {
		t.Errorf("expected sampling ratio 5, got %d", stats.SampleEvery)
	}
	if !fc.IsSampled("cap") {
		t.Error("over-budget capture must report sampled")
	}

	frames := fc.Query("cap")
	// The tail always holds the newest frames densely.
	n := len(frames)
	if n < 2 || frames[n-1].Tick != 20 || frames[n-2].Tick != 19 {
		t.Fatalf("tail must hold the latest ticks, got %v", ticksOf(frames))
	}
	// Every retained frame outside the tail satisfies the keep rule.
	for _, f := range frames[:n-2] {
		if (f.Tick-1)%stats.SampleEvery != 0 {
			t.Errorf("sampled frame tick %d violates keep rule at ratio %d", f.Tick, stats.SampleEvery)
		}
	}
	if fc.LastTick("cap") != 20 {
		t.Errorf("expected last tick 20, got %d", fc.LastTick("cap"))
	}
}

// TestCacheRemove tests that removal frees the byte accounting.
func TestCacheRemove(t *testing.T) {
	fc := New(Config{BudgetBytes: 1 << 20, TailSize: 8, Estimate: flatEstimate})

	for tick := int64(1); tick <= 5; tick++ {
		fc.Admit("cap", tickFrame(tick))
	}
	if fc.TotalBytes() == 0 {
		t.Fatal("expected nonzero byte accounting")
	}

	fc.Remove("cap")
	if fc.TotalBytes() != 0 {
		t.Errorf("expected zero bytes after removal, got %d", fc.TotalBytes())
	}
	if fc.Query("cap") != nil {
		t.Error("removed capture should yield nil")
	}
	fc.Remove("cap") // idempotent
}

// TestEstimateFrameBytes sanity-checks the default estimator ordering.
func TestEstimateFrameBytes(t *testing.T) {
	small := tickFrame(1)
	big := &capture.Frame{
		Tick: 1,
		Entities: map[string]map[string]any{
			"player": {"hp": 1.0, "position": map[string]any{"x": 1.0, "y": 2.0, "z": 3.0}},
			"enemy":  {"hp": 2.0},
		},
	}
	if EstimateFrameBytes(big) <= EstimateFrameBytes(small) {
		t.Error("larger frame must cost more")
	}
}

func ticksOf(frames []*capture.Frame) string {
	out := ""
	for _, f := range frames {
		out += fmt.Sprintf("%d ", f.Tick)
	}
	return out
}
