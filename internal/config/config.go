package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"navbridge/internal/decoder"
	"navbridge/internal/speedmap"
)

type Config struct {
	Peer      PeerConfig       `yaml:"peer"`
	Discovery DiscoveryConfig  `yaml:"discovery"`
	Sender    SenderConfig     `yaml:"sender"`
	SpeedMap  []speedmap.Entry `yaml:"speed_map"`
	Decoder   DecoderConfig    `yaml:"decoder"`
	Source    SourceConfig     `yaml:"source"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Web       WebConfig        `yaml:"web"`
}

type PeerConfig struct {
	// Addr is a fixed peer IP or host name. Empty means discovery only.
	Addr string `yaml:"addr"`
	// DiscoveryOverridesManual lets announcements replace a fixed peer.
	DiscoveryOverridesManual bool `yaml:"discovery_overrides_manual"`
}

type DiscoveryConfig struct {
	// Enable defaults to true when omitted.
	Enable    *bool         `yaml:"enable"`
	Listen    string        `yaml:"listen"`
	Wait      time.Duration `yaml:"wait"`
	ReuseAddr *bool         `yaml:"reuse_addr"`
}

type SenderConfig struct {
	DataPort     int           `yaml:"data_port"`
	Interval     time.Duration `yaml:"interval"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	LogEvery     int           `yaml:"log_every"`
}

type DecoderConfig struct {
	// ExtraKeys adds payload key names per logical field, tried after the
	// built-in names.
	ExtraKeys map[string][]string `yaml:"extra_keys"`
}

type SourceConfig struct {
	NDJSON      NDJSONConfig `yaml:"ndjson"`
	MQTT        MQTTConfig   `yaml:"mqtt"`
	File        FileConfig   `yaml:"file"`
	CaptureSize int          `yaml:"capture_size"`
	Record      RecordConfig `yaml:"record"`
	Replay      ReplayConfig `yaml:"replay"`
}

type NDJSONConfig struct {
	Enable         bool          `yaml:"enable"`
	Addr           string        `yaml:"addr"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type MQTTConfig struct {
	Enable   bool   `yaml:"enable"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      int    `yaml:"qos"`
}

// FileConfig polls a file the navigation host rewrites with its latest
// broadcast.
type FileConfig struct {
	Enable   bool          `yaml:"enable"`
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type ReplayConfig struct {
	Enable bool    `yaml:"enable"`
	Path   string  `yaml:"path"`
	Speed  float64 `yaml:"speed"`
	Loop   bool    `yaml:"loop"`
}

type TelemetryConfig struct {
	Enable     bool          `yaml:"enable"`
	Port       int           `yaml:"port"`
	Path       string        `yaml:"path"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type WebConfig struct {
	// Enable defaults to true when omitted.
	Enable *bool  `yaml:"enable"`
	Listen string `yaml:"listen"`
}

func (c DiscoveryConfig) Enabled() bool { return c.Enable == nil || *c.Enable }
func (c DiscoveryConfig) Reuse() bool   { return c.ReuseAddr == nil || *c.ReuseAddr }
func (c WebConfig) Enabled() bool       { return c.Enable == nil || *c.Enable }

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills defaults in place and rejects inconsistent
// settings. It is idempotent.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	cfg.Peer.Addr = strings.TrimSpace(cfg.Peer.Addr)
	if cfg.Peer.Addr != "" && strings.ContainsAny(cfg.Peer.Addr, " \t/:") && net.ParseIP(cfg.Peer.Addr) == nil {
		return fmt.Errorf("peer.addr must be a bare IP address or host name")
	}

	if cfg.Discovery.Listen == "" {
		cfg.Discovery.Listen = ":7705"
	}
	if _, _, err := net.SplitHostPort(cfg.Discovery.Listen); err != nil {
		return fmt.Errorf("discovery.listen is invalid: %v", err)
	}
	if cfg.Discovery.Wait <= 0 {
		cfg.Discovery.Wait = 5 * time.Second
	}

	if cfg.Sender.DataPort == 0 {
		cfg.Sender.DataPort = 7706
	}
	if cfg.Sender.DataPort < 1 || cfg.Sender.DataPort > 65535 {
		return fmt.Errorf("sender.data_port must be 1..65535")
	}
	if cfg.Sender.Interval <= 0 {
		cfg.Sender.Interval = 200 * time.Millisecond
	}
	if cfg.Sender.InitialDelay == 0 {
		cfg.Sender.InitialDelay = 1 * time.Second
	}
	if cfg.Sender.InitialDelay < 0 {
		return fmt.Errorf("sender.initial_delay must be >= 0")
	}
	if cfg.Sender.LogEvery <= 0 {
		cfg.Sender.LogEvery = 50
	}

	seen := make(map[int]struct{}, len(cfg.SpeedMap))
	for i, e := range cfg.SpeedMap {
		if e.From <= 0 || e.To <= 0 {
			return fmt.Errorf("speed_map[%d] speeds must be > 0", i)
		}
		if _, dup := seen[e.From]; dup {
			return fmt.Errorf("speed_map[%d] duplicates from=%d", i, e.From)
		}
		seen[e.From] = struct{}{}
	}

	for field, keys := range cfg.Decoder.ExtraKeys {
		if !decoder.IsField(field) {
			return fmt.Errorf("decoder.extra_keys: unknown field %q", field)
		}
		for _, k := range keys {
			if strings.TrimSpace(k) == "" {
				return fmt.Errorf("decoder.extra_keys.%s contains an empty key", field)
			}
		}
	}

	if err := defaultAndValidateSource(&cfg.Source); err != nil {
		return err
	}

	if cfg.Telemetry.Port == 0 {
		cfg.Telemetry.Port = 8765
	}
	if cfg.Telemetry.Port < 1 || cfg.Telemetry.Port > 65535 {
		return fmt.Errorf("telemetry.port must be 1..65535")
	}
	if cfg.Telemetry.Path == "" {
		cfg.Telemetry.Path = "/telemetry"
	}
	if cfg.Telemetry.RetryDelay <= 0 {
		cfg.Telemetry.RetryDelay = 3 * time.Second
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}
	return nil
}

func defaultAndValidateSource(s *SourceConfig) error {
	if s.NDJSON.Enable && strings.TrimSpace(s.NDJSON.Addr) == "" {
		return fmt.Errorf("source.ndjson.addr is required when source.ndjson.enable is true")
	}
	if s.NDJSON.ReconnectDelay <= 0 {
		s.NDJSON.ReconnectDelay = 1 * time.Second
	}

	if s.MQTT.Enable && strings.TrimSpace(s.MQTT.Broker) == "" {
		return fmt.Errorf("source.mqtt.broker is required when source.mqtt.enable is true")
	}
	if s.MQTT.Topic == "" {
		s.MQTT.Topic = "navbridge/broadcast"
	}
	if s.MQTT.ClientID == "" {
		s.MQTT.ClientID = "navbridge"
	}
	if s.MQTT.QoS < 0 || s.MQTT.QoS > 2 {
		return fmt.Errorf("source.mqtt.qos must be 0, 1 or 2")
	}

	if s.File.Enable && strings.TrimSpace(s.File.Path) == "" {
		return fmt.Errorf("source.file.path is required when source.file.enable is true")
	}
	if s.File.Interval <= 0 {
		s.File.Interval = 200 * time.Millisecond
	}

	if s.CaptureSize == 0 {
		s.CaptureSize = 50
	}
	if s.CaptureSize < 0 {
		return fmt.Errorf("source.capture_size must be >= 0")
	}

	if s.Record.Enable && s.Record.Path == "" {
		return fmt.Errorf("source.record.path is required when source.record.enable is true")
	}
	if s.Replay.Enable {
		if s.Replay.Path == "" {
			return fmt.Errorf("source.replay.path is required when source.replay.enable is true")
		}
		if s.Replay.Speed == 0 {
			s.Replay.Speed = 1
		}
		if s.Replay.Speed < 0 {
			return fmt.Errorf("source.replay.speed must be > 0")
		}
	}
	if s.Record.Enable && s.Replay.Enable {
		return fmt.Errorf("source.record and source.replay cannot both be enabled")
	}
	return nil
}

const (
	EnvPeerAddr   = "NAVBRIDGE_PEER_ADDR"
	EnvWebListen  = "NAVBRIDGE_WEB_LISTEN"
	EnvMQTTBroker = "NAVBRIDGE_MQTT_BROKER"
	EnvDataPort   = "NAVBRIDGE_DATA_PORT"
)

// ApplyEnv overrides file settings from the environment and re-validates.
// lookup is usually os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvPeerAddr); ok {
		cfg.Peer.Addr = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvWebListen); ok && strings.TrimSpace(v) != "" {
		cfg.Web.Listen = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvMQTTBroker); ok && strings.TrimSpace(v) != "" {
		cfg.Source.MQTT.Broker = strings.TrimSpace(v)
		cfg.Source.MQTT.Enable = true
	}
	if v, ok := lookup(EnvDataPort); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %v", EnvDataPort, err)
		}
		cfg.Sender.DataPort = n
	}
	return DefaultAndValidate(cfg)
}
