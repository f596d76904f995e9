package source

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"navbridge/internal/decoder"
)

const DefaultCaptureSize = 50

// Capture is one recorded inbound payload, kept for inspecting what the
// navigation host actually broadcasts.
type Capture struct {
	TimeUTC string   `json:"time_utc"`
	Source  string   `json:"source"`
	Keys    []string `json:"keys"`
	Raw     string   `json:"raw"`
}

// CaptureRing keeps the most recent payloads, oldest first.
type CaptureRing struct {
	mu       sync.Mutex
	max      int
	maxBytes int
	items    []Capture
	total    uint64
}

func NewCaptureRing(max int) *CaptureRing {
	if max < 0 {
		max = 0
	}
	return &CaptureRing{max: max, maxBytes: 16 * 1024, items: make([]Capture, 0, max)}
}

func (r *CaptureRing) Add(nowUTC time.Time, name string, p decoder.Payload) {
	if r == nil {
		return
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	raw, err := json.Marshal(p)
	if err != nil {
		raw = []byte(err.Error())
	}
	if len(raw) > r.maxBytes {
		raw = raw[:r.maxBytes]
	}
	c := Capture{
		TimeUTC: nowUTC.UTC().Format(time.RFC3339Nano),
		Source:  name,
		Keys:    keys,
		Raw:     string(raw),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.total++
	if r.max == 0 {
		return
	}
	if len(r.items) < r.max {
		r.items = append(r.items, c)
		return
	}
	copy(r.items, r.items[1:])
	r.items[len(r.items)-1] = c
}

func (r *CaptureRing) Snapshot() []Capture {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Capture, 0, len(r.items))
	out = append(out, r.items...)
	return out
}

// Total counts every payload seen, including ones already evicted.
func (r *CaptureRing) Total() uint64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *CaptureRing) Clear() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.items = r.items[:0]
	r.mu.Unlock()
}
