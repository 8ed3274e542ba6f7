package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"
)

// Simple program that writes a synthetic capture file one frame at a time,
// simulating a simulation process appending to its capture while running.
// Point a tickscope live stream at the output file to exercise live polling.
//
// Usage: go run write_capture.go <file> [ticks] [interval-ms]
// Example: go run write_capture.go /tmp/run.jsonl 500 100
func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <file> [ticks] [interval-ms]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Example: %s /tmp/run.jsonl 500 100\n", os.Args[0])
		os.Exit(1)
	}

	path := os.Args[1]
	ticks := 500
	intervalMs := 100
	if len(os.Args) > 2 {
		if n, err := strconv.Atoi(os.Args[2]); err == nil && n > 0 {
			ticks = n
		}
	}
	if len(os.Args) > 3 {
		if n, err := strconv.Atoi(os.Args[3]); err == nil && n > 0 {
			intervalMs = n
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to open %s: %v\n", path, err)
		os.Exit(1)
	}
	defer f.Close()

	fmt.Printf("📝 Writing %d frames to %s every %dms\n", ticks, path, intervalMs)

	enc := json.NewEncoder(f)
	for tick := 1; tick <= ticks; tick++ {
		t := float64(tick)
		frame := map[string]any{
			"tick": tick,
			"entities": map[string]any{
				"player": map[string]any{
					"hp":   100 - t/10,
					"mana": 50 + 25*math.Sin(t/20),
					"position": map[string]any{
						"x": 10 * math.Cos(t/30),
						"y": 10 * math.Sin(t/30),
					},
				},
				"world": map[string]any{
					"entity_count": 100 + int(20*math.Sin(t/50)),
					"tick_ms":      16 + 4*math.Sin(t/7),
				},
			},
		}
		if err := enc.Encode(frame); err != nil {
			fmt.Fprintf(os.Stderr, "❌ Write failed at tick %d: %v\n", tick, err)
			os.Exit(1)
		}
		if tick%100 == 0 {
			fmt.Printf("  tick %d\n", tick)
		}
		time.Sleep(time.Duration(intervalMs) * time.Millisecond)
	}

	fmt.Printf("✅ Done: %d frames written to %s\n", ticks, path)
}
