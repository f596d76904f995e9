package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"navbridge/internal/decoder"
)

type NDJSONClientConfig struct {
	Name string
	Addr string

	ReconnectDelay time.Duration
	MaxLineBytes   int

	// DialTimeout is used for the initial TCP connect.
	DialTimeout time.Duration
}

// NDJSONClient reads one JSON object per line from a TCP endpoint and
// reconnects after a fixed delay when the stream ends.
type NDJSONClient struct {
	cfg NDJSONClientConfig

	started atomic.Bool
	closed  atomic.Bool

	mu       sync.RWMutex
	state    string
	lastErr  string
	lastSeen time.Time
	count    uint64
	dropped  uint64

	cancel context.CancelFunc
	done   chan struct{}
}

type NDJSONSnapshot struct {
	Name        string `json:"name"`
	Addr        string `json:"addr"`
	State       string `json:"state"`
	LastError   string `json:"last_error,omitempty"`
	LastSeenUTC string `json:"last_seen_utc,omitempty"`
	Payloads    uint64 `json:"payloads"`
	Dropped     uint64 `json:"dropped"`
}

func NewNDJSONClient(cfg NDJSONClientConfig) (*NDJSONClient, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("ndjson client name is required")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("ndjson client addr is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 1 * time.Second
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 256 * 1024
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}

	return &NDJSONClient{cfg: cfg, state: "stopped", done: make(chan struct{})}, nil
}

// Start connects in the background. Lines that are not JSON objects are
// counted as dropped and do not break the connection.
func (c *NDJSONClient) Start(ctx context.Context, h Handler) error {
	if c == nil {
		return fmt.Errorf("ndjson client is nil")
	}
	if c.closed.Load() {
		return fmt.Errorf("ndjson client is closed")
	}
	if h == nil {
		return fmt.Errorf("ndjson handler is nil")
	}
	if c.started.Swap(true) {
		return fmt.Errorf("ndjson client already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setState("connecting", "")

	go func() {
		defer close(c.done)
		c.runLoop(runCtx, h)
	}()
	return nil
}

func (c *NDJSONClient) Close() {
	if c == nil {
		return
	}
	if c.closed.Swap(true) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.started.Load() {
		<-c.done
	}
}

func (c *NDJSONClient) Snapshot(nowUTC time.Time) NDJSONSnapshot {
	if c == nil {
		return NDJSONSnapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := NDJSONSnapshot{
		Name:      c.cfg.Name,
		Addr:      c.cfg.Addr,
		State:     c.state,
		LastError: c.lastErr,
		Payloads:  c.count,
		Dropped:   c.dropped,
	}
	if !c.lastSeen.IsZero() {
		out.LastSeenUTC = c.lastSeen.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (c *NDJSONClient) runLoop(ctx context.Context, h Handler) {
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}

	for {
		if ctx.Err() != nil {
			c.setState("stopped", "")
			return
		}

		c.setState("connecting", "")
		conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
		if err != nil {
			c.setState("error", err.Error())
			if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
				c.setState("stopped", "")
				return
			}
			continue
		}

		c.setState("connected", "")
		c.readConn(ctx, conn, h)
		if ctx.Err() != nil {
			c.setState("stopped", "")
			return
		}

		if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
			c.setState("stopped", "")
			return
		}
	}
}

func (c *NDJSONClient) readConn(ctx context.Context, conn net.Conn, h Handler) {
	// Unblock the pending read on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			c.handleLine(line, h)
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				c.setState("disconnected", "")
			} else {
				c.setState("disconnected", err.Error())
			}
			return
		}
	}
}

func (c *NDJSONClient) handleLine(line []byte, h Handler) {
	if len(line) > c.cfg.MaxLineBytes {
		c.drop(fmt.Sprintf("ndjson line too large (%d bytes)", len(line)))
		return
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	p, err := decoder.ParsePayload(line)
	if err != nil {
		c.drop(err.Error())
		return
	}

	now := time.Now().UTC()
	c.mu.Lock()
	c.lastSeen = now
	c.count++
	c.mu.Unlock()

	h(c.cfg.Name, p)
}

func (c *NDJSONClient) drop(msg string) {
	c.mu.Lock()
	c.dropped++
	c.lastErr = msg
	c.mu.Unlock()
}

func (c *NDJSONClient) setState(state string, lastErr string) {
	c.mu.Lock()
	c.state = state
	if lastErr != "" {
		c.lastErr = lastErr
	} else {
		// Clear stale errors on healthy/neutral states so status output doesn't
		// look broken after a transient startup failure.
		if state == "connected" || state == "connecting" || state == "stopped" {
			c.lastErr = ""
		}
	}
	c.mu.Unlock()
}
