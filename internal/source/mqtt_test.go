package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"navbridge/internal/decoder"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestMQTTSource_HandleMessage(t *testing.T) {
	s, err := NewMQTTSource(MQTTConfig{Broker: "tcp://127.0.0.1:1883", Topic: "nav/broadcast"})
	require.NoError(t, err)

	var got []decoder.Payload
	s.handler = func(name string, p decoder.Payload) {
		assert.Equal(t, "mqtt", name)
		got = append(got, p)
	}

	s.handleMessage(fakeMessage{topic: "nav/broadcast", payload: []byte(`{"KEY_TYPE":60073,"nTrafficLight":1}`)})
	s.handleMessage(fakeMessage{topic: "nav/broadcast", payload: []byte(`garbage`)})

	require.Len(t, got, 1)
	snap := s.Snapshot(time.Now())
	assert.Equal(t, uint64(1), snap.Payloads)
	assert.Equal(t, uint64(1), snap.Dropped)
	assert.NotEmpty(t, snap.LastError)
	assert.NotEmpty(t, snap.LastSeenUTC)
}

func TestNewMQTTSource_Validation(t *testing.T) {
	_, err := NewMQTTSource(MQTTConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewMQTTSource(MQTTConfig{Broker: "tcp://b:1883"})
	assert.Error(t, err)
	_, err = NewMQTTSource(MQTTConfig{Broker: "tcp://b:1883", Topic: "t", QoS: 3})
	assert.Error(t, err)

	s, err := NewMQTTSource(MQTTConfig{Broker: "tcp://b:1883", Topic: "t"})
	require.NoError(t, err)
	assert.Equal(t, "navbridge", s.cfg.ClientID)
	assert.Equal(t, "stopped", s.Snapshot(time.Now()).State)
}
