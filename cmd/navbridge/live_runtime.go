package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"reflect"
	"sort"
	"sync"
	"time"

	"navbridge/internal/bridge"
	"navbridge/internal/config"
	"navbridge/internal/decoder"
	"navbridge/internal/replay"
	"navbridge/internal/source"
	"navbridge/internal/speedmap"
	"navbridge/internal/telemetry"
	"navbridge/internal/web"
)

type liveRuntime struct {
	configPath string

	mu  sync.Mutex
	cfg config.Config

	mapper   *speedmap.Mapper
	bridge   *bridge.Bridge
	events   *web.EventBroadcaster
	status   *web.Status
	logs     *web.LogBuffer
	captures *source.CaptureRing

	ndjson    *source.NDJSONClient
	mqtt      *source.MQTTSource
	file      *source.FilePoller
	telemetry *telemetry.Client

	recorder   *replay.Writer
	replayRecs []replay.Record
}

func bridgeConfig(c config.Config) bridge.Config {
	return bridge.Config{
		PeerAddr:                 c.Peer.Addr,
		DiscoveryAddr:            c.Discovery.Listen,
		DiscoveryWait:            c.Discovery.Wait,
		ReuseAddr:                c.Discovery.Reuse(),
		DisableDiscovery:         !c.Discovery.Enabled(),
		DiscoveryOverridesManual: c.Peer.DiscoveryOverridesManual,
		DataPort:                 c.Sender.DataPort,
		SendInterval:             c.Sender.Interval,
		SendDelay:                c.Sender.InitialDelay,
		LogEvery:                 uint64(c.Sender.LogEvery),
	}
}

func decoderOptions(c config.Config) []decoder.Option {
	fields := make([]string, 0, len(c.Decoder.ExtraKeys))
	for f := range c.Decoder.ExtraKeys {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	opts := make([]decoder.Option, 0, len(fields))
	for _, f := range fields {
		opts = append(opts, decoder.WithCandidates(f, c.Decoder.ExtraKeys[f]...))
	}
	return opts
}

// newLiveRuntime builds every configured component without starting any of
// them. extra is appended to the bridge options.
func newLiveRuntime(cfg config.Config, configPath string, logs *web.LogBuffer, extra ...bridge.Option) (*liveRuntime, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}
	if logs == nil {
		logs = web.NewLogBuffer(0)
	}

	mapper := speedmap.New()
	mapper.Replace(c.SpeedMap)

	opts := []bridge.Option{
		bridge.WithMapper(mapper),
		bridge.WithDecoderOptions(decoderOptions(c)...),
	}
	b, err := bridge.New(bridgeConfig(c), append(opts, extra...)...)
	if err != nil {
		return nil, err
	}

	r := &liveRuntime{
		configPath: configPath,
		cfg:        c,
		mapper:     mapper,
		bridge:     b,
		events:     web.NewEventBroadcaster(),
		logs:       logs,
		captures:   source.NewCaptureRing(c.Source.CaptureSize),
	}
	r.status = web.NewStatus(b.Snapshot)
	b.OnStateChange(r.events.PublishState)
	b.OnDataSent(r.events.PublishSent)

	if c.Source.NDJSON.Enable {
		cl, err := source.NewNDJSONClient(source.NDJSONClientConfig{
			Name:           "ndjson",
			Addr:           c.Source.NDJSON.Addr,
			ReconnectDelay: c.Source.NDJSON.ReconnectDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("ndjson source: %w", err)
		}
		r.ndjson = cl
	}
	if c.Source.MQTT.Enable {
		s, err := source.NewMQTTSource(source.MQTTConfig{
			Name:     "mqtt",
			Broker:   c.Source.MQTT.Broker,
			Topic:    c.Source.MQTT.Topic,
			ClientID: c.Source.MQTT.ClientID,
			QoS:      byte(c.Source.MQTT.QoS),
		})
		if err != nil {
			return nil, fmt.Errorf("mqtt source: %w", err)
		}
		r.mqtt = s
	}
	if c.Source.File.Enable {
		fp, err := source.NewFilePoller(source.FilePollerConfig{
			Name:     "file",
			Path:     c.Source.File.Path,
			Interval: c.Source.File.Interval,
		})
		if err != nil {
			return nil, fmt.Errorf("file source: %w", err)
		}
		r.file = fp
	}
	if c.Source.Replay.Enable {
		recs, err := replay.ReadFile(c.Source.Replay.Path)
		if err != nil {
			return nil, fmt.Errorf("replay load failed: %w", err)
		}
		r.replayRecs = recs
	}
	if c.Telemetry.Enable {
		tc, err := telemetry.NewClient(telemetry.Config{
			Port:       c.Telemetry.Port,
			Path:       c.Telemetry.Path,
			RetryDelay: c.Telemetry.RetryDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		r.telemetry = tc
		// The telemetry link always follows the bridge peer.
		b.OnStateChange(func(ev bridge.StateChange) { tc.SetPeer(ev.Peer) })
	}

	r.initStatusSections()
	return r, nil
}

func (r *liveRuntime) initStatusSections() {
	r.status.SetSection("captures", func(time.Time) any {
		return map[string]any{"total": r.captures.Total()}
	})
	if r.ndjson != nil {
		r.status.SetSection("ndjson", func(now time.Time) any { return r.ndjson.Snapshot(now) })
	}
	if r.mqtt != nil {
		r.status.SetSection("mqtt", func(now time.Time) any { return r.mqtt.Snapshot(now) })
	}
	if r.file != nil {
		r.status.SetSection("file", func(now time.Time) any { return r.file.Snapshot(now) })
	}
	if r.telemetry != nil {
		r.status.SetSection("telemetry", func(now time.Time) any { return r.telemetry.Snapshot(now) })
	}
	if r.replayRecs != nil {
		r.status.SetSection("replay", func(time.Time) any {
			cfg := r.Config()
			return map[string]any{"path": cfg.Source.Replay.Path, "records": len(r.replayRecs), "loop": cfg.Source.Replay.Loop}
		})
	}
}

func (r *liveRuntime) Config() config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Run starts the bridge and every configured source, then blocks until ctx
// is done or the web server fails.
func (r *liveRuntime) Run(ctx context.Context) error {
	cfg := r.Config()

	if cfg.Source.Record.Enable {
		w, err := replay.CreateWriter(cfg.Source.Record.Path)
		if err != nil {
			return fmt.Errorf("record init failed: %w", err)
		}
		r.recorder = w
		r.status.SetSection("record", func(time.Time) any {
			return map[string]any{"path": cfg.Source.Record.Path, "payloads": w.Count()}
		})
		log.Printf("record enabled path=%s", cfg.Source.Record.Path)
	}
	defer r.Close()

	if err := r.bridge.Start(ctx); err != nil {
		return err
	}

	if r.telemetry != nil {
		if err := r.telemetry.Start(ctx); err != nil {
			log.Printf("telemetry start failed: %v", err)
		}
		_, peer := r.bridge.State()
		r.telemetry.SetPeer(peer)
	}

	h := r.handle
	if r.ndjson != nil {
		if err := r.ndjson.Start(ctx, h); err != nil {
			log.Printf("ndjson source start failed: %v", err)
		}
	}
	if r.mqtt != nil {
		if err := r.mqtt.Start(ctx, h); err != nil {
			log.Printf("mqtt source start failed: %v", err)
		}
	}
	if r.file != nil {
		if err := r.file.Start(ctx, h); err != nil {
			log.Printf("file source start failed: %v", err)
		}
	}
	if r.replayRecs != nil {
		go func() {
			if err := r.runReplay(ctx); err != nil && ctx.Err() == nil {
				log.Printf("replay stopped: %v", err)
			}
		}()
	}

	if !cfg.Web.Enabled() {
		<-ctx.Done()
		return ctx.Err()
	}
	log.Printf("web listen=%s", cfg.Web.Listen)
	return web.Serve(ctx, cfg.Web.Listen, r.webDeps(ctx))
}

func (r *liveRuntime) webDeps(ctx context.Context) web.Deps {
	return web.Deps{
		Status:         r.status,
		Bridge:         r.bridge,
		Settings:       web.SettingsStore{ConfigPath: r.configPath, Current: r.Config, Apply: r.Apply},
		Logs:           r.logs,
		Captures:       r.captures,
		Events:         r.events,
		Ingest:         r.ingest,
		SessionContext: ctx,
	}
}

func (r *liveRuntime) Close() {
	if r.ndjson != nil {
		r.ndjson.Close()
	}
	if r.mqtt != nil {
		r.mqtt.Close()
	}
	if r.file != nil {
		r.file.Close()
	}
	if r.telemetry != nil {
		r.telemetry.Close()
	}
	r.bridge.Stop()
	if r.recorder != nil {
		if err := r.recorder.Close(); err != nil {
			log.Printf("record close failed: %v", err)
		}
		log.Printf("record closed payloads=%d", r.recorder.Count())
		r.recorder = nil
	}
}

// ingest is the single entry point for payloads from every source.
func (r *liveRuntime) ingest(name string, p decoder.Payload) (decoder.Result, error) {
	now := time.Now().UTC()
	r.captures.Add(now, name, p)
	if r.recorder != nil {
		if raw, err := json.Marshal(p); err == nil {
			if err := r.recorder.WritePayload(now, raw); err != nil {
				log.Printf("record write failed: %v", err)
			}
		}
	}
	return r.bridge.HandlePayload(p)
}

func (r *liveRuntime) handle(name string, p decoder.Payload) {
	if _, err := r.ingest(name, p); err != nil {
		log.Printf("%s: payload dropped err=%v", name, err)
	}
}

type ctxSleeper struct{ ctx context.Context }

func (s ctxSleeper) Sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
	case <-t.C:
	}
}

func (r *liveRuntime) runReplay(ctx context.Context) error {
	cfg := r.Config().Source.Replay
	log.Printf("replay enabled path=%s speed=%v loop=%v records=%d", cfg.Path, cfg.Speed, cfg.Loop, len(r.replayRecs))
	return replay.Play(r.replayRecs, cfg.Speed, cfg.Loop, ctxSleeper{ctx}, func(raw json.RawMessage) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := decoder.ParsePayload(raw)
		if err != nil {
			log.Printf("replay: skipped payload err=%v", err)
			return nil
		}
		r.handle("replay", p)
		return nil
	})
}

// Apply makes a saved settings change effective. Only peer and speed map
// settings are live; other sections keep their startup values, which may
// include environment overrides.
func (r *liveRuntime) Apply(next config.Config) error {
	c := next
	if err := config.DefaultAndValidate(&c); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.cfg

	restart := []struct {
		name string
		a, b any
	}{
		{"discovery", c.Discovery, cur.Discovery},
		{"sender", c.Sender, cur.Sender},
		{"decoder", c.Decoder, cur.Decoder},
		{"source", c.Source, cur.Source},
		{"telemetry", c.Telemetry, cur.Telemetry},
		{"web", c.Web, cur.Web},
	}
	for _, s := range restart {
		if !reflect.DeepEqual(s.a, s.b) {
			log.Printf("settings: %s changes take effect after restart", s.name)
		}
	}

	if err := r.syncPeer(c.Peer.Addr); err != nil {
		return err
	}
	r.bridge.SetDiscoveryOverridesManual(c.Peer.DiscoveryOverridesManual)
	r.mapper.Replace(c.SpeedMap)

	cur.Peer = c.Peer
	cur.SpeedMap = c.SpeedMap
	r.cfg = cur
	return nil
}

// syncPeer moves the bridge to addr unless it already runs with addr as its
// manual peer. An empty addr drops a manual peer and leaves a discovered one.
func (r *liveRuntime) syncPeer(addr string) error {
	manual := r.bridge.ManualPeer()
	if addr == "" {
		if manual {
			r.bridge.ClearPeer()
		}
		return nil
	}
	want, err := bridge.NormalizePeer(addr)
	if err != nil {
		return err
	}
	if _, peer := r.bridge.State(); manual && peer == want {
		return nil
	}
	return r.bridge.SetPeer(want)
}
