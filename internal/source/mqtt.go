package source

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"navbridge/internal/decoder"
)

type MQTTConfig struct {
	Name     string
	Broker   string
	Topic    string
	ClientID string
	QoS      byte

	ConnectTimeout time.Duration
}

// MQTTSource subscribes to a topic carrying one JSON payload per message.
// The paho client handles reconnects; the subscription is renewed on every
// connect.
type MQTTSource struct {
	cfg MQTTConfig

	newClient func(*mqtt.ClientOptions) mqtt.Client

	started atomic.Bool
	closed  atomic.Bool

	mu       sync.RWMutex
	client   mqtt.Client
	handler  Handler
	state    string
	lastErr  string
	lastSeen time.Time
	count    uint64
	dropped  uint64
}

type MQTTSnapshot struct {
	Name        string `json:"name"`
	Broker      string `json:"broker"`
	Topic       string `json:"topic"`
	State       string `json:"state"`
	LastError   string `json:"last_error,omitempty"`
	LastSeenUTC string `json:"last_seen_utc,omitempty"`
	Payloads    uint64 `json:"payloads"`
	Dropped     uint64 `json:"dropped"`
}

func NewMQTTSource(cfg MQTTConfig) (*MQTTSource, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("mqtt topic is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt qos must be 0..2")
	}
	if cfg.Name == "" {
		cfg.Name = "mqtt"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "navbridge"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return &MQTTSource{cfg: cfg, newClient: mqtt.NewClient, state: "stopped"}, nil
}

// Start connects to the broker. An initial connect failure is recorded and
// retried by the client in the background; it is not returned.
func (s *MQTTSource) Start(ctx context.Context, h Handler) error {
	if s == nil {
		return fmt.Errorf("mqtt source is nil")
	}
	if s.closed.Load() {
		return fmt.Errorf("mqtt source is closed")
	}
	if h == nil {
		return fmt.Errorf("mqtt handler is nil")
	}
	if s.started.Swap(true) {
		return fmt.Errorf("mqtt source already started")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.setState("disconnected", err.Error())
		})

	client := s.newClient(opts)
	s.mu.Lock()
	s.client = client
	s.handler = h
	s.mu.Unlock()
	s.setState("connecting", "")

	token := client.Connect()
	go func() {
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				s.setState("error", err.Error())
			}
		case <-ctx.Done():
		}
	}()
	context.AfterFunc(ctx, s.Close)
	return nil
}

func (s *MQTTSource) onConnect(c mqtt.Client) {
	s.setState("connected", "")
	token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		s.handleMessage(msg)
	})
	go func() {
		if token.WaitTimeout(s.cfg.ConnectTimeout) && token.Error() != nil {
			s.setState("error", "subscribe: "+token.Error().Error())
			log.Printf("mqtt: subscribe failed topic=%s err=%v", s.cfg.Topic, token.Error())
		}
	}()
}

func (s *MQTTSource) handleMessage(msg mqtt.Message) {
	p, err := decoder.ParsePayload(msg.Payload())
	if err != nil {
		s.mu.Lock()
		s.dropped++
		s.lastErr = err.Error()
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.lastSeen = time.Now().UTC()
	s.count++
	h := s.handler
	s.mu.Unlock()

	if h != nil {
		h(s.cfg.Name, p)
	}
}

func (s *MQTTSource) Close() {
	if s == nil {
		return
	}
	if s.closed.Swap(true) {
		return
	}
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()
	if client != nil {
		client.Disconnect(250)
	}
	s.setState("stopped", "")
}

func (s *MQTTSource) Snapshot(nowUTC time.Time) MQTTSnapshot {
	if s == nil {
		return MQTTSnapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := MQTTSnapshot{
		Name:      s.cfg.Name,
		Broker:    s.cfg.Broker,
		Topic:     s.cfg.Topic,
		State:     s.state,
		LastError: s.lastErr,
		Payloads:  s.count,
		Dropped:   s.dropped,
	}
	if !s.lastSeen.IsZero() {
		out.LastSeenUTC = s.lastSeen.Format(time.RFC3339Nano)
	}
	return out
}

func (s *MQTTSource) setState(state string, lastErr string) {
	s.mu.Lock()
	s.state = state
	if lastErr != "" {
		s.lastErr = lastErr
	} else if state == "connected" || state == "stopped" {
		s.lastErr = ""
	}
	s.mu.Unlock()
}
