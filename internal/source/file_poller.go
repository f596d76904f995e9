package source

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"navbridge/internal/decoder"
)

type FilePollerConfig struct {
	Name     string
	Path     string
	Interval time.Duration
}

// FilePoller watches a file that a navigation host rewrites with its latest
// broadcast. Each new version of the file is delivered once.
type FilePoller struct {
	cfg FilePollerConfig

	started atomic.Bool
	closed  atomic.Bool

	mu       sync.RWMutex
	state    string
	lastErr  string
	lastSeen time.Time
	modTime  time.Time
	size     int64
	reads    uint64
	payloads uint64
	dropped  uint64

	cancel context.CancelFunc
	done   chan struct{}
}

type FilePollerSnapshot struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Interval    string `json:"interval"`
	State       string `json:"state"`
	LastError   string `json:"last_error,omitempty"`
	LastSeenUTC string `json:"last_seen_utc,omitempty"`
	Reads       uint64 `json:"reads"`
	Payloads    uint64 `json:"payloads"`
	Dropped     uint64 `json:"dropped"`
}

func NewFilePoller(cfg FilePollerConfig) (*FilePoller, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("file poller name is required")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("file poller path is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 200 * time.Millisecond
	}
	return &FilePoller{cfg: cfg, state: "stopped", done: make(chan struct{})}, nil
}

func (p *FilePoller) Start(ctx context.Context, h Handler) error {
	if p == nil {
		return fmt.Errorf("file poller is nil")
	}
	if p.closed.Load() {
		return fmt.Errorf("file poller is closed")
	}
	if h == nil {
		return fmt.Errorf("file poller handler is nil")
	}
	if p.started.Swap(true) {
		return fmt.Errorf("file poller already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.setState("polling", "")

	go func() {
		defer close(p.done)
		p.runLoop(runCtx, h)
	}()
	return nil
}

func (p *FilePoller) Close() {
	if p == nil || p.closed.Swap(true) {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	if p.started.Load() {
		<-p.done
	}
}

func (p *FilePoller) Snapshot(nowUTC time.Time) FilePollerSnapshot {
	if p == nil {
		return FilePollerSnapshot{}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := FilePollerSnapshot{
		Name:      p.cfg.Name,
		Path:      p.cfg.Path,
		Interval:  p.cfg.Interval.String(),
		State:     p.state,
		LastError: p.lastErr,
		Reads:     p.reads,
		Payloads:  p.payloads,
		Dropped:   p.dropped,
	}
	if !p.lastSeen.IsZero() {
		out.LastSeenUTC = p.lastSeen.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (p *FilePoller) runLoop(ctx context.Context, h Handler) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.poll(h)
	for {
		select {
		case <-ctx.Done():
			p.setState("stopped", "")
			return
		case <-ticker.C:
			p.poll(h)
		}
	}
}

func (p *FilePoller) poll(h Handler) {
	st, err := os.Stat(p.cfg.Path)
	if err != nil {
		p.setState("waiting", err.Error())
		return
	}

	p.mu.RLock()
	unchanged := !p.modTime.IsZero() && st.ModTime().Equal(p.modTime) && st.Size() == p.size
	p.mu.RUnlock()
	if unchanged {
		return
	}

	b, err := os.ReadFile(p.cfg.Path)
	if err != nil {
		p.setState("error", err.Error())
		return
	}

	// A version is consumed even when it does not parse, so one bad write is
	// reported once instead of on every tick.
	payload, perr := decoder.ParsePayload(b)
	p.mu.Lock()
	p.reads++
	p.modTime = st.ModTime()
	p.size = st.Size()
	if perr != nil {
		p.dropped++
		p.lastErr = perr.Error()
	} else {
		p.payloads++
		p.lastSeen = time.Now().UTC()
		p.lastErr = ""
	}
	p.state = "polling"
	p.mu.Unlock()

	if perr == nil {
		h(p.cfg.Name, payload)
	}
}

func (p *FilePoller) setState(state string, lastErr string) {
	p.mu.Lock()
	p.state = state
	if lastErr != "" {
		p.lastErr = lastErr
	} else if state == "polling" || state == "stopped" {
		p.lastErr = ""
	}
	p.mu.Unlock()
}
