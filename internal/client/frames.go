package client

import (
	"encoding/json"
	"sort"

	"github.com/tickscope/tickscope/internal/capture"
)

func decode(raw json.RawMessage, v any) bool {
	return json.Unmarshal(raw, v) == nil
}

// filterFrame copies a frame keeping only the values reachable through the
// given paths. Returns nil when nothing matched.
func filterFrame(f *capture.Frame, paths [][]string) *capture.Frame {
	out := &capture.Frame{Tick: f.Tick, Entities: map[string]map[string]any{}}
	kept := false
	for _, path := range paths {
		if v, ok := f.NumericAt(path); ok {
			setPath(out, path, v)
			kept = true
		}
	}
	if !kept {
		return nil
	}
	return out
}

// setPath writes a numeric value at the path, creating nested maps as
// needed. Paths shorter than entity/component are ignored.
func setPath(f *capture.Frame, path []string, value float64) {
	if len(path) < 2 {
		return
	}
	comps, ok := f.Entities[path[0]]
	if !ok {
		comps = map[string]any{}
		f.Entities[path[0]] = comps
	}
	if len(path) == 2 {
		comps[path[1]] = value
		return
	}
	m, _ := comps[path[1]].(map[string]any)
	if m == nil {
		m = map[string]any{}
		comps[path[1]] = m
	}
	for _, key := range path[2 : len(path)-1] {
		next, _ := m[key].(map[string]any)
		if next == nil {
			next = map[string]any{}
			m[key] = next
		}
		m = next
	}
	m[path[len(path)-1]] = value
}

// deletePath removes the value at the path, pruning maps that become empty.
func deletePath(f *capture.Frame, path []string) {
	if len(path) < 2 {
		return
	}
	comps, ok := f.Entities[path[0]]
	if !ok {
		return
	}
	if len(path) == 2 {
		delete(comps, path[1])
	} else {
		maps := []map[string]any{comps}
		cur, _ := comps[path[1]].(map[string]any)
		for _, key := range path[2 : len(path)-1] {
			if cur == nil {
				return
			}
			maps = append(maps, cur)
			cur, _ = cur[key].(map[string]any)
		}
		if cur == nil {
			return
		}
		delete(cur, path[len(path)-1])
		// Prune now-empty intermediate maps back up the chain.
		keys := path[1:]
		for i := len(maps) - 1; i >= 1; i-- {
			if len(cur) == 0 {
				delete(maps[i], keys[i])
				cur = maps[i]
			} else {
				break
			}
		}
		if inner, _ := comps[path[1]].(map[string]any); inner != nil && len(inner) == 0 {
			delete(comps, path[1])
		}
	}
	if len(comps) == 0 {
		delete(f.Entities, path[0])
	}
}

// frameAt finds or inserts the mirror frame for a tick, keeping the slice
// tick ordered.
func frameAt(m *mirror, tick int64) *capture.Frame {
	i := sort.Search(len(m.frames), func(i int) bool { return m.frames[i].Tick >= tick })
	if i < len(m.frames) && m.frames[i].Tick == tick {
		return m.frames[i]
	}
	f := &capture.Frame{Tick: tick, Entities: map[string]map[string]any{}}
	m.frames = append(m.frames, nil)
	copy(m.frames[i+1:], m.frames[i:])
	m.frames[i] = f
	return f
}

// insertMirrorFrame merges an already-filtered frame into the mirror at its
// tick position.
func insertMirrorFrame(m *mirror, f *capture.Frame) {
	dst := frameAt(m, f.Tick)
	for entity, comps := range f.Entities {
		existing, ok := dst.Entities[entity]
		if !ok {
			dst.Entities[entity] = comps
			continue
		}
		for name, v := range comps {
			existing[name] = v
		}
	}
}
