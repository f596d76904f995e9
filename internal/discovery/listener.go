package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultPort = 7705

type Config struct {
	// Addr is the local bind address, e.g. ":7705".
	Addr string

	// Wait bounds each receive so the loop can report idle periods and
	// notice shutdown without traffic.
	Wait time.Duration

	ReuseAddr bool
}

// Handler receives discovery events. Calls are made from the listener
// goroutine, one at a time.
type Handler interface {
	// PeerSeen is called for every datagram with the sender's IP.
	PeerSeen(ip string)
	// Idle is called when a receive wait expires without traffic.
	Idle()
}

type Listener struct {
	cfg Config

	started atomic.Bool
	closed  atomic.Bool

	mu       sync.RWMutex
	conn     net.PacketConn
	state    string
	lastErr  string
	lastPeer string
	lastSeen time.Time
	count    uint64

	cancel context.CancelFunc
	done   chan struct{}
}

type Snapshot struct {
	Addr        string `json:"addr"`
	State       string `json:"state"`
	LastError   string `json:"last_error,omitempty"`
	LastPeer    string `json:"last_peer,omitempty"`
	LastSeenUTC string `json:"last_seen_utc,omitempty"`
	Datagrams   uint64 `json:"datagrams"`
}

func NewListener(cfg Config) *Listener {
	if cfg.Addr == "" {
		cfg.Addr = fmt.Sprintf(":%d", DefaultPort)
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 5 * time.Second
	}
	return &Listener{cfg: cfg, state: "stopped", done: make(chan struct{})}
}

// Start binds the socket and runs the receive loop in the background. A bind
// error is returned and leaves the listener inactive.
func (l *Listener) Start(ctx context.Context, h Handler) error {
	if l == nil {
		return fmt.Errorf("discovery listener is nil")
	}
	if l.closed.Load() {
		return fmt.Errorf("discovery listener is closed")
	}
	if h == nil {
		return fmt.Errorf("discovery handler is nil")
	}
	if l.started.Swap(true) {
		return fmt.Errorf("discovery listener already started")
	}

	lc := net.ListenConfig{}
	if l.cfg.ReuseAddr {
		lc.Control = reuseAddrControl
	}
	conn, err := lc.ListenPacket(ctx, "udp", l.cfg.Addr)
	if err != nil {
		l.setState("error", err.Error())
		close(l.done)
		return fmt.Errorf("discovery bind %s: %w", l.cfg.Addr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.conn = conn
	l.cancel = cancel
	l.mu.Unlock()
	l.setState("listening", "")

	go func() {
		<-runCtx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(l.done)
		l.runLoop(runCtx, conn, h)
	}()
	return nil
}

// LocalAddr reports the bound address, or nil before a successful Start.
func (l *Listener) LocalAddr() net.Addr {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

func (l *Listener) Close() {
	if l == nil {
		return
	}
	if l.closed.Swap(true) {
		return
	}
	l.mu.RLock()
	cancel := l.cancel
	l.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	if l.started.Load() {
		<-l.done
	}
}

func (l *Listener) Snapshot(nowUTC time.Time) Snapshot {
	if l == nil {
		return Snapshot{}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := Snapshot{
		Addr:      l.cfg.Addr,
		State:     l.state,
		LastError: l.lastErr,
		LastPeer:  l.lastPeer,
		Datagrams: l.count,
	}
	if !l.lastSeen.IsZero() {
		out.LastSeenUTC = l.lastSeen.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (l *Listener) runLoop(ctx context.Context, conn net.PacketConn, h Handler) {
	// Payload content is ignored; only the source address matters.
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			l.setState("stopped", "")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(l.cfg.Wait))
		_, from, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				h.Idle()
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.setState("stopped", "")
				return
			}
			l.setState("error", err.Error())
			return
		}

		ip := hostOf(from)
		if ip == "" {
			continue
		}
		now := time.Now().UTC()
		l.mu.Lock()
		l.lastPeer = ip
		l.lastSeen = now
		l.count++
		l.mu.Unlock()

		h.PeerSeen(ip)
	}
}

func hostOf(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.UDPAddr:
		if a.IP == nil {
			return ""
		}
		return a.IP.String()
	case nil:
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	return host
}

func (l *Listener) setState(state string, lastErr string) {
	l.mu.Lock()
	l.state = state
	if lastErr != "" {
		l.lastErr = lastErr
	} else if state == "listening" || state == "stopped" {
		l.lastErr = ""
	}
	l.mu.Unlock()
}
