package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"navbridge/internal/config"
	"navbridge/internal/speedmap"
)

// ErrInvalidSettings marks edits rejected by validation or by Apply. Nothing
// is saved when it is returned.
var ErrInvalidSettings = errors.New("invalid settings")

// SettingsPayload is what GET /api/settings returns: the user-editable part
// of the config.
type SettingsPayload struct {
	PeerAddr                 string           `json:"peer_addr"`
	DiscoveryOverridesManual bool             `json:"discovery_overrides_manual"`
	SpeedMap                 []speedmap.Entry `json:"speed_map"`
}

// SettingsPayloadIn is the POST body. Every key must be present and non-null.
// An empty peer_addr means discovery only.
type SettingsPayloadIn struct {
	PeerAddr                 *string          `json:"peer_addr"`
	DiscoveryOverridesManual *bool            `json:"discovery_overrides_manual"`
	SpeedMap                 []speedmap.Entry `json:"speed_map"`
}

var settingsKeys = []string{"peer_addr", "discovery_overrides_manual", "speed_map"}

// parseSettings rejects unknown, duplicate, missing and null keys, which a
// plain json.Decoder lets through.
func parseSettings(body []byte) (SettingsPayloadIn, error) {
	var fields map[string]json.RawMessage
	if err := checkObjectKeys(body, &fields); err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	for _, k := range settingsKeys {
		raw, ok := fields[k]
		if !ok {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: missing required key %q", k)
		}
		if string(bytes.TrimSpace(raw)) == "null" {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: %q cannot be null", k)
		}
	}

	var in SettingsPayloadIn
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	return in, nil
}

// checkObjectKeys walks one top-level object token by token and collects its
// values by key.
func checkObjectKeys(body []byte, out *map[string]json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	if tok, err := dec.Token(); err != nil {
		return err
	} else if tok != json.Delim('{') {
		return errors.New("expected object")
	}

	fields := make(map[string]json.RawMessage, len(settingsKeys))
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)
		if !slices.Contains(settingsKeys, key) {
			return fmt.Errorf("unknown key %q", key)
		}
		if _, dup := fields[key]; dup {
			return fmt.Errorf("duplicate key %q", key)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		fields[key] = raw
	}
	if tok, err := dec.Token(); err != nil {
		return err
	} else if tok != json.Delim('}') {
		return errors.New("expected end of object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data")
	}
	*out = fields
	return nil
}

func settingsOf(cfg config.Config) SettingsPayload {
	entries := cfg.SpeedMap
	if entries == nil {
		entries = []speedmap.Entry{}
	}
	return SettingsPayload{
		PeerAddr:                 cfg.Peer.Addr,
		DiscoveryOverridesManual: cfg.Peer.DiscoveryOverridesManual,
		SpeedMap:                 entries,
	}
}

func (in SettingsPayloadIn) applyTo(cfg *config.Config) {
	cfg.Peer.Addr = strings.TrimSpace(*in.PeerAddr)
	cfg.Peer.DiscoveryOverridesManual = *in.DiscoveryOverridesManual
	cfg.SpeedMap = slices.Clone(in.SpeedMap)
}

// SettingsStore edits the peer and speed-map sections of the running config
// and writes them back to ConfigPath.
type SettingsStore struct {
	ConfigPath string
	// Current returns the running config. Edits start from it when set,
	// otherwise from the file.
	Current func() config.Config
	// Apply makes a validated config effective. An error aborts the edit.
	Apply func(cfg config.Config) error
}

var settingsMu sync.Mutex

func (s SettingsStore) persistent() bool {
	return strings.TrimSpace(s.ConfigPath) != ""
}

func (s SettingsStore) current() (config.Config, error) {
	if s.Current != nil {
		return s.Current(), nil
	}
	if !s.persistent() {
		return config.Config{}, errors.New("settings: no config path")
	}
	return config.Load(s.ConfigPath)
}

// Update runs mutate on a copy of the current config, applies the result and
// saves it. If the save fails the previous config is applied again.
func (s SettingsStore) Update(mutate func(cfg *config.Config) error) (config.Config, error) {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	prev, err := s.current()
	if err != nil {
		return config.Config{}, err
	}
	next := prev
	next.SpeedMap = slices.Clone(prev.SpeedMap)
	if err := mutate(&next); err != nil {
		return prev, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	if err := config.DefaultAndValidate(&next); err != nil {
		return prev, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	if s.Apply != nil {
		if err := s.Apply(next); err != nil {
			return prev, fmt.Errorf("%w: apply: %w", ErrInvalidSettings, err)
		}
	}
	if !s.persistent() {
		return next, nil
	}
	if err := s.save(next); err != nil {
		if s.Apply != nil {
			if rerr := s.Apply(prev); rerr != nil {
				log.Printf("settings: rollback failed: %v", rerr)
			}
		}
		return prev, fmt.Errorf("save: %w", err)
	}
	return next, nil
}

// save rewrites only the user-editable sections, so values that came from
// the environment never reach the file.
func (s SettingsStore) save(cfg config.Config) error {
	onDisk, err := config.Load(s.ConfigPath)
	if err != nil {
		return err
	}
	onDisk.Peer = cfg.Peer
	onDisk.SpeedMap = cfg.SpeedMap
	b, err := yaml.Marshal(&onDisk)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.ConfigPath, b)
}

func writeFileAtomic(path string, b []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	_, err = f.Write(b)
	if err == nil {
		err = f.Sync()
	}
	if err == nil {
		err = f.Chmod(0o644)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

func (s SettingsStore) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		if !s.persistent() {
			http.Error(w, "settings not available (no config path)", http.StatusNotImplemented)
			return
		}
		if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
			return
		}

		if r.Method == http.MethodGet {
			cfg, err := s.current()
			if err != nil {
				http.Error(w, fmt.Sprintf("load failed: %v", err), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, settingsOf(cfg))
			return
		}

		body, err := readBody(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		in, err := parseSettings(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cfg, err := s.Update(func(cfg *config.Config) error {
			in.applyTo(cfg)
			return nil
		})
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrInvalidSettings) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, http.StatusOK, settingsOf(cfg))
	})
	return mux
}
