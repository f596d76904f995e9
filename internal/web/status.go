package web

import (
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"navbridge/internal/bridge"
)

// Status aggregates the bridge snapshot with optional sections contributed
// by sources and the telemetry client.
type Status struct {
	startUnixNano int64
	bridge        func(now time.Time) bridge.Snapshot

	mu       sync.RWMutex
	sections map[string]func(now time.Time) any

	build atomic.Value // BuildInfo
}

type BuildInfo struct {
	GoVersion  string `json:"go_version"`
	ModulePath string `json:"module_path,omitempty"`
	Version    string `json:"version,omitempty"`
	Commit     string `json:"commit,omitempty"`
	Dirty      bool   `json:"dirty,omitempty"`
}

func NewStatus(bridgeSnapshot func(now time.Time) bridge.Snapshot) *Status {
	s := &Status{
		bridge:   bridgeSnapshot,
		sections: make(map[string]func(time.Time) any),
	}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.build.Store(readBuildInfo())
	return s
}

// SetSection registers fn under name. A nil fn removes the section.
func (s *Status) SetSection(name string, fn func(now time.Time) any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.sections, name)
		return
	}
	s.sections[name] = fn
}

type StatusSnapshot struct {
	Service    string           `json:"service"`
	NowUTC     string           `json:"now_utc"`
	UptimeSec  int64            `json:"uptime_sec"`
	Build      BuildInfo        `json:"build"`
	LocalAddrs []string         `json:"local_addrs"`
	Bridge     *bridge.Snapshot `json:"bridge,omitempty"`
	Sections   map[string]any   `json:"sections"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:    "navbridge",
		NowUTC:     nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:  int64(nowUTC.Sub(start).Seconds()),
		Build:      s.build.Load().(BuildInfo),
		LocalAddrs: localInterfaceAddrs(),
		Sections:   map[string]any{},
	}
	if s.bridge != nil {
		b := s.bridge(nowUTC)
		snap.Bridge = &b
	}

	s.mu.RLock()
	names := make([]string, 0, len(s.sections))
	for name := range s.sections {
		names = append(names, name)
	}
	sort.Strings(names)
	fns := make([]func(time.Time) any, 0, len(names))
	for _, name := range names {
		fns = append(fns, s.sections[name])
	}
	s.mu.RUnlock()

	for i, fn := range fns {
		snap.Sections[names[i]] = fn(nowUTC)
	}
	return snap
}

func readBuildInfo() BuildInfo {
	out := BuildInfo{GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return out
	}
	out.ModulePath = bi.Main.Path
	out.Version = bi.Main.Version
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Commit = s.Value
		case "vcs.modified":
			out.Dirty = s.Value == "true"
		}
	}
	return out
}
