package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"navbridge/internal/bridge"
	"navbridge/internal/config"
	"navbridge/internal/decoder"
	"navbridge/internal/source"
	"navbridge/internal/speedmap"
)

type nopTransport struct {
	mu   sync.Mutex
	sent int
}

func (n *nopTransport) Send(string, []byte) error {
	n.mu.Lock()
	n.sent++
	n.mu.Unlock()
	return nil
}

func (n *nopTransport) Close() error { return nil }

type testServer struct {
	url      string
	bridge   *bridge.Bridge
	events   *EventBroadcaster
	captures *source.CaptureRing
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	b, err := bridge.New(bridge.Config{
		DisableDiscovery: true,
		SendDelay:        time.Hour,
	}, bridge.WithTransport(&nopTransport{}))
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	t.Cleanup(b.Stop)

	events := NewEventBroadcaster()
	b.OnStateChange(events.PublishState)
	b.OnDataSent(events.PublishSent)
	captures := source.NewCaptureRing(8)

	deps := Deps{
		Status:   NewStatus(b.Snapshot),
		Bridge:   b,
		Logs:     NewLogBuffer(100),
		Captures: captures,
		Events:   events,
		Ingest: func(name string, p decoder.Payload) (decoder.Result, error) {
			captures.Add(time.Now().UTC(), name, p)
			return b.HandlePayload(p)
		},
	}
	ts := httptest.NewServer(Handler(deps))
	t.Cleanup(ts.Close)
	return testServer{url: ts.URL, bridge: b, events: events, captures: captures}
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func TestAPIStatus(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.url+"/api/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}

	var snap StatusSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if snap.Service != "navbridge" {
		t.Fatalf("service=%q", snap.Service)
	}
	if snap.Bridge == nil || snap.Bridge.State != bridge.Searching {
		t.Fatalf("bridge=%+v", snap.Bridge)
	}
}

func TestRootPage(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.url+"/", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "state=SEARCHING") {
		t.Fatalf("root page=%s", body)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.url+"/nope", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown path status=%d", resp.StatusCode)
	}
}

func TestAPIPeer(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.url+"/api/peer", `{"addr":"192.168.1.20"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	var got peerStatus
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != bridge.Connected || got.Peer != "192.168.1.20" || !got.Manual {
		t.Fatalf("peer=%+v", got)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.url+"/api/peer", `{"addr":"192.168.1.20:7706"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid peer status=%d", resp.StatusCode)
	}
	if state, peer := ts.bridge.State(); state != bridge.Connected || peer != "192.168.1.20" {
		t.Fatalf("state=%s peer=%q after rejected peer", state, peer)
	}

	resp, body = doJSON(t, http.MethodDelete, ts.url+"/api/peer", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status=%d", resp.StatusCode)
	}
	got = peerStatus{}
	_ = json.Unmarshal(body, &got)
	if got.State != bridge.Searching || got.Peer != "" {
		t.Fatalf("after delete=%+v", got)
	}

	resp, _ = doJSON(t, http.MethodPut, ts.url+"/api/peer", `{}`)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("PUT status=%d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != "GET, POST, DELETE" {
		t.Fatalf("Allow=%q", allow)
	}
}

func TestAPISpeedMap(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.url+"/api/speedmap", `{"from":120,"to":100}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	if m := ts.bridge.SpeedMappings(); len(m) != 1 || m[0].From != 120 || m[0].To != 100 {
		t.Fatalf("mappings=%v", m)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.url+"/api/speedmap", `{"from":0,"to":100}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("from=0 status=%d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.url+"/api/speedmap", `{"from":120,"to":100}`+"\n")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat status=%d", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodDelete, ts.url+"/api/speedmap", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status=%d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"entries": []`) {
		t.Fatalf("after delete=%s", body)
	}
}

func TestAPIPeerAndSpeedMapSavedThroughSettings(t *testing.T) {
	cfgPath := writeTempConfigFile(t, "speed_map:\n  - {from: 60, to: 50}\n")
	b, err := bridge.New(bridge.Config{DisableDiscovery: true, SendDelay: time.Hour}, bridge.WithTransport(&nopTransport{}))
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	t.Cleanup(b.Stop)

	var mu sync.Mutex
	running, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	settings := SettingsStore{
		ConfigPath: cfgPath,
		Current: func() config.Config {
			mu.Lock()
			defer mu.Unlock()
			return running
		},
		Apply: func(c config.Config) error {
			b.Mapper().Replace(c.SpeedMap)
			if c.Peer.Addr == "" {
				b.ClearPeer()
			} else if err := b.SetPeer(c.Peer.Addr); err != nil {
				return err
			}
			mu.Lock()
			running = c
			mu.Unlock()
			return nil
		},
	}
	ts := httptest.NewServer(Handler(Deps{Bridge: b, Settings: settings}))
	t.Cleanup(ts.Close)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/speedmap", `{"from":120,"to":100}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `"from": 60`) || !strings.Contains(string(body), `"from": 120`) {
		t.Fatalf("entries=%s", body)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/peer", `{"addr":"10.0.0.7"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("peer status=%d body=%s", resp.StatusCode, body)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/peer", `{"addr":"10.0.0.7:7706"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad peer status=%d", resp.StatusCode)
	}

	saved, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() after edits: %v", err)
	}
	if saved.Peer.Addr != "10.0.0.7" {
		t.Fatalf("saved peer=%q", saved.Peer.Addr)
	}
	if len(saved.SpeedMap) != 2 || saved.SpeedMap[1] != (speedmap.Entry{From: 120, To: 100}) {
		t.Fatalf("saved speed_map=%v", saved.SpeedMap)
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/speedmap", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status=%d", resp.StatusCode)
	}
	if saved, _ := config.Load(cfgPath); len(saved.SpeedMap) != 0 {
		t.Fatalf("speed_map after delete=%v", saved.SpeedMap)
	}
}

func TestAPIBroadcastRequiresSession(t *testing.T) {
	ts := newTestServer(t)

	payload := `{"KEY_TYPE":10001,"LIMITED_SPEED":120,"CUR_ROAD_NAME":"G2"}`
	resp, _ := doJSON(t, http.MethodPost, ts.url+"/api/broadcast", payload)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stopped status=%d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.url+"/api/bridge/start", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status=%d", resp.StatusCode)
	}
	if !ts.bridge.Running() {
		t.Fatalf("bridge not running after start")
	}

	resp, body := doJSON(t, http.MethodPost, ts.url+"/api/broadcast", payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `"applied": true`) {
		t.Fatalf("broadcast=%s", body)
	}
	if got := ts.bridge.Record().RoadLimitSpeed; got != 120 {
		t.Fatalf("road limit=%d", got)
	}

	resp, body = doJSON(t, http.MethodGet, ts.url+"/api/record", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"nRoadLimitSpeed": 120`) {
		t.Fatalf("record status=%d body=%s", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.url+"/api/broadcast", `[1,2]`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-object status=%d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.url+"/api/broadcast", bytes.NewReader([]byte(payload)))
	req.Header.Set("Content-Type", "text/plain")
	r2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	r2.Body.Close()
	if r2.StatusCode != http.StatusBadRequest {
		t.Fatalf("text/plain status=%d", r2.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.url+"/api/bridge/stop", "")
	if resp.StatusCode != http.StatusOK || ts.bridge.Running() {
		t.Fatalf("stop status=%d running=%v", resp.StatusCode, ts.bridge.Running())
	}
}

func TestAPICaptures(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	doJSON(t, http.MethodPost, ts.url+"/api/broadcast", `{"KEY_TYPE":10001,"ROUTE_REMAIN_DIS":11000}`)

	resp, body := doJSON(t, http.MethodGet, ts.url+"/api/captures", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var got struct {
		Total    uint64           `json:"total"`
		Captures []source.Capture `json:"captures"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Total != 1 || len(got.Captures) != 1 || got.Captures[0].Source != "web" {
		t.Fatalf("captures=%+v", got)
	}

	doJSON(t, http.MethodDelete, ts.url+"/api/captures", "")
	if n := len(ts.captures.Snapshot()); n != 0 {
		t.Fatalf("captures after delete=%d", n)
	}
}

func TestAPIEventsStreamsStateChanges(t *testing.T) {
	ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.url, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for ts.events.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no subscriber registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := ts.bridge.SetPeer("10.0.0.9"); err != nil {
		t.Fatalf("SetPeer: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if ev.Type != "state" || ev.State == nil {
		t.Fatalf("event=%+v", ev)
	}
	if ev.State.From != bridge.Searching || ev.State.To != bridge.Connected || ev.State.Peer != "10.0.0.9" {
		t.Fatalf("state change=%+v", *ev.State)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for ts.events.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber not released after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAPILogs(t *testing.T) {
	logs := NewLogBuffer(10)
	_, _ = logs.Write([]byte("bridge: state SEARCHING -> CONNECTED\nsender: packets=50\n"))
	ts := httptest.NewServer(Handler(Deps{Logs: logs}))
	defer ts.Close()

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/logs?q=bridge", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var got LogsResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Lines) != 1 || !strings.HasPrefix(got.Lines[0], "bridge:") {
		t.Fatalf("lines=%q", got.Lines)
	}

	doJSON(t, http.MethodDelete, ts.URL+"/api/logs", "")
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/logs", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"lines":[]`) && !strings.Contains(string(body), `"lines": []`) {
		t.Fatalf("after clear status=%d body=%s", resp.StatusCode, body)
	}
}

func TestAPIWithoutBridge(t *testing.T) {
	ts := httptest.NewServer(Handler(Deps{}))
	defer ts.Close()

	for _, path := range []string{"/api/status", "/api/record", "/api/captures", "/api/peer"} {
		resp, _ := doJSON(t, http.MethodGet, ts.URL+path, "")
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s status=%d", path, resp.StatusCode)
		}
	}
}
