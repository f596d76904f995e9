package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"navbridge/internal/bridge"
	"navbridge/internal/config"
	"navbridge/internal/decoder"
	"navbridge/internal/navrecord"
	"navbridge/internal/source"
	"navbridge/internal/speedmap"
)

// Controller is the part of the bridge the HTTP surface drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop()
	Snapshot(now time.Time) bridge.Snapshot
	Record() navrecord.Record
	SetPeer(addr string) error
	ClearPeer()
	SetSpeedMapping(from, to int)
	ClearSpeedMappings()
	SpeedMappings() []speedmap.Entry
}

type Deps struct {
	Status   *Status
	Bridge   Controller
	Settings SettingsStore
	Logs     *LogBuffer
	Captures *source.CaptureRing
	Events   *EventBroadcaster

	// Ingest receives payloads posted to /api/broadcast.
	Ingest func(name string, p decoder.Payload) (decoder.Result, error)

	// SessionContext parents bridge sessions started over HTTP. Defaults to
	// context.Background.
	SessionContext context.Context
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // The API is served on the local network only.
	},
}

func Handler(d Deps) http.Handler {
	if d.SessionContext == nil {
		d.SessionContext = context.Background()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet) {
			return
		}
		if d.Status == nil {
			http.Error(w, "status unavailable", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, d.Status.Snapshot(time.Now().UTC()))
	})

	mux.HandleFunc("/api/record", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet) || !requireBridge(w, d.Bridge) {
			return
		}
		writeJSON(w, http.StatusOK, d.Bridge.Record())
	})

	mux.HandleFunc("/api/peer", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet, http.MethodPost, http.MethodDelete) || !requireBridge(w, d.Bridge) {
			return
		}
		switch r.Method {
		case http.MethodPost:
			var in struct {
				Addr string `json:"addr"`
			}
			if err := readJSON(w, r, &in); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := d.setPeer(in.Addr); err != nil {
				http.Error(w, err.Error(), editErrorStatus(err))
				return
			}
		case http.MethodDelete:
			if err := d.clearPeer(); err != nil {
				http.Error(w, err.Error(), editErrorStatus(err))
				return
			}
		}
		writeJSON(w, http.StatusOK, peerResponse(d.Bridge.Snapshot(time.Now().UTC())))
	})

	mux.HandleFunc("/api/speedmap", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet, http.MethodPost, http.MethodDelete) || !requireBridge(w, d.Bridge) {
			return
		}
		switch r.Method {
		case http.MethodPost:
			var in speedmap.Entry
			if err := readJSON(w, r, &in); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if in.From <= 0 {
				http.Error(w, "from must be > 0", http.StatusBadRequest)
				return
			}
			// to <= 0 removes the mapping for from.
			if err := d.setSpeedMapping(in.From, in.To); err != nil {
				http.Error(w, err.Error(), editErrorStatus(err))
				return
			}
		case http.MethodDelete:
			if err := d.clearSpeedMappings(); err != nil {
				http.Error(w, err.Error(), editErrorStatus(err))
				return
			}
		}
		writeJSON(w, http.StatusOK, struct {
			Entries []speedmap.Entry `json:"entries"`
		}{Entries: d.Bridge.SpeedMappings()})
	})

	mux.HandleFunc("/api/bridge/start", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodPost) || !requireBridge(w, d.Bridge) {
			return
		}
		if err := d.Bridge.Start(d.SessionContext); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, d.Bridge.Snapshot(time.Now().UTC()))
	})

	mux.HandleFunc("/api/bridge/stop", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodPost) || !requireBridge(w, d.Bridge) {
			return
		}
		d.Bridge.Stop()
		writeJSON(w, http.StatusOK, d.Bridge.Snapshot(time.Now().UTC()))
	})

	mux.HandleFunc("/api/broadcast", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodPost) {
			return
		}
		if d.Ingest == nil {
			http.Error(w, "ingest unavailable", http.StatusNotFound)
			return
		}
		body, err := readBody(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p, err := decoder.ParsePayload(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		res, err := d.Ingest("web", p)
		if err != nil {
			if errors.Is(err, bridge.ErrNotRunning) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Kind    string `json:"kind"`
			Applied bool   `json:"applied"`
			Digest  string `json:"digest"`
		}{Kind: res.Kind.String(), Applied: res.Applied, Digest: res.Digest})
	})

	mux.HandleFunc("/api/captures", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet, http.MethodDelete) {
			return
		}
		if d.Captures == nil {
			http.Error(w, "captures unavailable", http.StatusNotFound)
			return
		}
		if r.Method == http.MethodDelete {
			d.Captures.Clear()
		}
		writeJSON(w, http.StatusOK, struct {
			Total    uint64           `json:"total"`
			Captures []source.Capture `json:"captures"`
		}{Total: d.Captures.Total(), Captures: d.Captures.Snapshot()})
	})

	mux.HandleFunc("/api/events", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet) {
			return
		}
		if d.Events == nil {
			http.Error(w, "events unavailable", http.StatusNotFound)
			return
		}
		serveEvents(w, r, d.Events)
	})

	// Settings API (read/write YAML config). Changes are applied immediately.
	mux.Handle("/api/settings", d.Settings.Handler())

	if d.Logs != nil {
		mux.Handle("/api/logs", d.Logs.Handler())
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet) {
			return
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>navbridge</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>navbridge</h1>")
		if d.Bridge != nil {
			snap := d.Bridge.Snapshot(time.Now().UTC())
			_, _ = fmt.Fprintf(w, "<pre>state=%s\npeer=%s\nmanual=%v\npackets=%d\nlast=%s</pre>",
				snap.State, html.EscapeString(snap.Peer), snap.ManualPeer, snap.Packets, html.EscapeString(snap.LastDigest),
			)
		}
		_, _ = fmt.Fprintf(w, "<p>See <a href=\"/api/status\">/api/status</a>, <a href=\"/api/record\">/api/record</a>, <a href=\"/api/captures\">/api/captures</a> and <a href=\"/api/logs?format=text\">/api/logs</a>.</p>")
		_, _ = fmt.Fprintf(w, "</body></html>")
	})

	return mux
}

func serveEvents(w http.ResponseWriter, r *http.Request, events *EventBroadcaster) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: events upgrade err=%v", err)
		return
	}
	defer conn.Close()

	id, ch := events.Subscribe(32)
	defer events.Unsubscribe(id)

	// Drain client frames so close and ping are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("web: events write err=%v", err)
				}
				return
			}
		}
	}
}

type peerStatus struct {
	State  bridge.ConnectionState `json:"state"`
	Peer   string                 `json:"peer"`
	Manual bool                   `json:"manual"`
}

func peerResponse(s bridge.Snapshot) peerStatus {
	return peerStatus{State: s.State, Peer: s.Peer, Manual: s.ManualPeer}
}

// editsSettings reports whether peer and speed-map edits go through the
// settings store, which saves them and keeps the running config in step.
// Otherwise they only change the running bridge.
func (d Deps) editsSettings() bool {
	return d.Settings.Apply != nil
}

func (d Deps) setPeer(addr string) error {
	peer, err := bridge.NormalizePeer(addr)
	if err != nil {
		return err
	}
	if !d.editsSettings() {
		return d.Bridge.SetPeer(peer)
	}
	_, err = d.Settings.Update(func(cfg *config.Config) error {
		cfg.Peer.Addr = peer
		return nil
	})
	return err
}

func (d Deps) clearPeer() error {
	if !d.editsSettings() {
		d.Bridge.ClearPeer()
		return nil
	}
	_, err := d.Settings.Update(func(cfg *config.Config) error {
		cfg.Peer.Addr = ""
		return nil
	})
	return err
}

func (d Deps) setSpeedMapping(from, to int) error {
	if !d.editsSettings() {
		d.Bridge.SetSpeedMapping(from, to)
		return nil
	}
	_, err := d.Settings.Update(func(cfg *config.Config) error {
		cfg.SpeedMap = speedmap.WithEntry(cfg.SpeedMap, from, to)
		return nil
	})
	return err
}

func (d Deps) clearSpeedMappings() error {
	if !d.editsSettings() {
		d.Bridge.ClearSpeedMappings()
		return nil
	}
	_, err := d.Settings.Update(func(cfg *config.Config) error {
		cfg.SpeedMap = nil
		return nil
	})
	return err
}

func editErrorStatus(err error) int {
	if errors.Is(err, bridge.ErrInvalidPeer) || errors.Is(err, ErrInvalidSettings) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func requireBridge(w http.ResponseWriter, c Controller) bool {
	if c == nil {
		http.Error(w, "bridge unavailable", http.StatusNotFound)
		return false
	}
	return true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if ct := strings.TrimSpace(r.Header.Get("Content-Type")); !strings.HasPrefix(ct, "application/json") {
		return nil, errors.New("content-type must be application/json")
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MiB
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}
	return body, nil
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func Serve(ctx context.Context, listenAddr string, d Deps) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
