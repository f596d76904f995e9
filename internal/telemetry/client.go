// Package telemetry follows the peer's vehicle telemetry WebSocket for
// display. It never influences the bridge connection state.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type Config struct {
	Port int
	Path string

	// RetryDelay is the fixed wait after any dial or read failure.
	RetryDelay  time.Duration
	DialTimeout time.Duration
}

type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	started atomic.Bool
	closed  atomic.Bool
	peerCh  chan struct{}

	mu       sync.RWMutex
	peer     string
	conn     *websocket.Conn
	state    string
	lastErr  string
	last     json.RawMessage
	lastSeen time.Time
	count    uint64
	dials    uint64

	cancel context.CancelFunc
	done   chan struct{}
}

type Snapshot struct {
	URL            string          `json:"url,omitempty"`
	State          string          `json:"state"`
	LastError      string          `json:"last_error,omitempty"`
	LastMessageUTC string          `json:"last_message_utc,omitempty"`
	Messages       uint64          `json:"messages"`
	Dials          uint64          `json:"dials"`
	Last           json.RawMessage `json:"last,omitempty"`
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("telemetry port must be 1..65535")
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.Path[0] != '/' {
		cfg.Path = "/" + cfg.Path
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 3 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	return &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		peerCh: make(chan struct{}, 1),
		state:  "idle",
		done:   make(chan struct{}),
	}, nil
}

func (c *Client) Start(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("telemetry client is nil")
	}
	if c.closed.Load() {
		return fmt.Errorf("telemetry client is closed")
	}
	if c.started.Swap(true) {
		return fmt.Errorf("telemetry client already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go func() {
		defer close(c.done)
		c.runLoop(runCtx)
	}()
	return nil
}

// SetPeer points the client at a new host. An open connection to a
// different host is dropped. An empty host pauses the client.
func (c *Client) SetPeer(host string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if host == c.peer {
		c.mu.Unlock()
		return
	}
	c.peer = host
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	select {
	case c.peerCh <- struct{}{}:
	default:
	}
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.closed.Swap(true) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		_ = conn.Close()
	}
	if c.started.Load() {
		<-c.done
	}
}

func (c *Client) Snapshot(nowUTC time.Time) Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := Snapshot{
		State:     c.state,
		LastError: c.lastErr,
		Messages:  c.count,
		Dials:     c.dials,
		Last:      c.last,
	}
	if c.peer != "" {
		out.URL = c.urlFor(c.peer)
	}
	if !c.lastSeen.IsZero() {
		out.LastMessageUTC = c.lastSeen.Format(time.RFC3339Nano)
	}
	return out
}

func (c *Client) urlFor(host string) string {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(c.cfg.Port)), Path: c.cfg.Path}
	return u.String()
}

func (c *Client) runLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.setState("stopped", "")
			return
		}

		c.mu.RLock()
		peer := c.peer
		c.mu.RUnlock()
		if peer == "" {
			c.setState("idle", "")
			select {
			case <-ctx.Done():
				c.setState("stopped", "")
				return
			case <-c.peerCh:
			}
			continue
		}

		if err := c.session(ctx, peer); err != nil && ctx.Err() == nil {
			c.setState("error", err.Error())
		}
		if !c.wait(ctx, c.cfg.RetryDelay) {
			c.setState("stopped", "")
			return
		}
	}
}

// wait sleeps for d, returning early on a peer change. It reports false
// when ctx is done.
func (c *Client) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.peerCh:
		return true
	case <-t.C:
		return true
	}
}

func (c *Client) session(ctx context.Context, peer string) error {
	target := c.urlFor(peer)
	c.setState("connecting", "")
	c.mu.Lock()
	c.dials++
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}

	c.mu.Lock()
	if c.peer != peer || c.closed.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()
	c.setState("connected", "")

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.setState("disconnected", "")
				return nil
			}
			return fmt.Errorf("read %s: %w", target, err)
		}
		if !json.Valid(msg) {
			continue
		}
		now := time.Now().UTC()
		c.mu.Lock()
		c.last = append(json.RawMessage(nil), msg...)
		c.lastSeen = now
		c.count++
		c.mu.Unlock()
	}
}

func (c *Client) setState(state string, lastErr string) {
	c.mu.Lock()
	c.state = state
	if lastErr != "" {
		c.lastErr = lastErr
	} else if state == "connected" || state == "stopped" {
		c.lastErr = ""
	}
	c.mu.Unlock()
}
