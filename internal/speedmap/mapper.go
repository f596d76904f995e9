// Package speedmap holds user overrides for decoded road speed limits.
package speedmap

import (
	"sort"
	"sync"
)

// Mapper translates a decoded speed limit to a user-chosen substitute.
// It is read on every decode and written from the settings flow.
type Mapper struct {
	mu sync.RWMutex
	m  map[int]int
}

func New() *Mapper {
	return &Mapper{m: make(map[int]int)}
}

// Set maps original to target. A non-positive target, or one equal to
// original, removes any mapping for original instead.
func (m *Mapper) Set(original, target int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if target > 0 && target != original {
		m.m[original] = target
		return
	}
	delete(m.m, original)
}

func (m *Mapper) Clear() {
	m.mu.Lock()
	m.m = make(map[int]int)
	m.mu.Unlock()
}

// Apply returns the mapped target for v, or v itself.
func (m *Mapper) Apply(v int) int {
	if m == nil {
		return v
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.m[v]; ok {
		return t
	}
	return v
}

func (m *Mapper) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}

// Entry is one mapping, used for listing and persistence.
type Entry struct {
	From int `json:"from" yaml:"from"`
	To   int `json:"to" yaml:"to"`
}

// Entries returns the table sorted by From.
func (m *Mapper) Entries() []Entry {
	m.mu.RLock()
	out := make([]Entry, 0, len(m.m))
	for k, v := range m.m {
		out = append(out, Entry{From: k, To: v})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].From < out[j].From })
	return out
}

// Replace swaps the whole table, applying the same rules as Set.
func (m *Mapper) Replace(entries []Entry) {
	next := make(map[int]int, len(entries))
	for _, e := range entries {
		if e.To > 0 && e.To != e.From {
			next[e.From] = e.To
		}
	}
	m.mu.Lock()
	m.m = next
	m.mu.Unlock()
}

// WithEntry returns a copy of entries with from mapped to to, under the same
// rules as Set. The result is sorted by From.
func WithEntry(entries []Entry, from, to int) []Entry {
	out := make([]Entry, 0, len(entries)+1)
	for _, e := range entries {
		if e.From != from {
			out = append(out, e)
		}
	}
	if to > 0 && to != from {
		out = append(out, Entry{From: from, To: to})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From < out[j].From })
	return out
}
