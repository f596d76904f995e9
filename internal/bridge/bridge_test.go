package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"navbridge/internal/decoder"
	"navbridge/internal/navrecord"
)

type fakeTransport struct {
	mu     sync.Mutex
	err    error
	sent   [][]byte
	hosts  []string
	closed int
}

func (f *fakeTransport) Send(host string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, append([]byte(nil), payload...))
	f.hosts = append(f.hosts, host)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type changeLog struct {
	mu      sync.Mutex
	changes []StateChange
}

func (c *changeLog) add(ev StateChange) {
	c.mu.Lock()
	c.changes = append(c.changes, ev)
	c.mu.Unlock()
}

func (c *changeLog) list() []StateChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StateChange(nil), c.changes...)
}

func newTestBridge(t *testing.T, cfg Config) (*Bridge, *fakeTransport, *changeLog) {
	t.Helper()
	ft := &fakeTransport{}
	cfg.DisableDiscovery = true
	b, err := New(cfg, WithTransport(ft))
	require.NoError(t, err)
	cl := &changeLog{}
	b.OnStateChange(cl.add)
	return b, ft, cl
}

func TestDiscoveryFromSearchingConnectsExactlyOnce(t *testing.T) {
	b, _, cl := newTestBridge(t, Config{})

	b.peerSeen("192.168.43.7")
	b.peerSeen("192.168.43.7")

	state, peer := b.State()
	assert.Equal(t, Connected, state)
	assert.Equal(t, "192.168.43.7", peer)

	changes := cl.list()
	require.Len(t, changes, 1)
	assert.Equal(t, Searching, changes[0].From)
	assert.Equal(t, Connected, changes[0].To)
	assert.Equal(t, "192.168.43.7", changes[0].Peer)
}

func TestDiscoveryAdoptsChangedAddress(t *testing.T) {
	b, _, cl := newTestBridge(t, Config{})

	b.peerSeen("10.0.0.1")
	b.peerSeen("10.0.0.2")

	_, peer := b.State()
	assert.Equal(t, "10.0.0.2", peer)
	require.Len(t, cl.list(), 2)
}

func TestThreeFailedSendsDisconnectOnce(t *testing.T) {
	b, ft, cl := newTestBridge(t, Config{})
	require.NoError(t, b.SetPeer("10.0.0.9"))
	ft.setErr(errors.New("network unreachable"))

	var sent []uint64
	b.OnDataSent(func(n uint64) { sent = append(sent, n) })

	store := navrecord.NewStore()
	for i := 0; i < 3; i++ {
		assert.False(t, b.sendOnce(store))
	}

	state, peer := b.State()
	assert.Equal(t, Disconnected, state)
	assert.Equal(t, "10.0.0.9", peer, "peer is retained after failures")
	assert.Equal(t, uint64(0), b.PacketCount())
	assert.Empty(t, sent)

	changes := cl.list()
	require.Len(t, changes, 2)
	assert.Equal(t, Connected, changes[0].To)
	assert.Equal(t, Disconnected, changes[1].To)

	snap := b.Snapshot(time.Now())
	assert.Equal(t, uint64(3), snap.SendFailures)
	assert.Contains(t, snap.LastSendError, "unreachable")
}

func TestSuccessfulSendAfterFailureReconnects(t *testing.T) {
	b, ft, cl := newTestBridge(t, Config{})
	require.NoError(t, b.SetPeer("10.0.0.9"))
	store := navrecord.NewStore()

	ft.setErr(errors.New("refused"))
	b.sendOnce(store)
	ft.setErr(nil)
	require.True(t, b.sendOnce(store))

	state, _ := b.State()
	assert.Equal(t, Connected, state)
	assert.Equal(t, uint64(1), b.PacketCount())
	require.Len(t, cl.list(), 3)
}

func TestDiscoveryDoesNotLiftDisconnected(t *testing.T) {
	b, ft, _ := newTestBridge(t, Config{})
	b.peerSeen("10.0.0.3")
	ft.setErr(errors.New("refused"))
	b.sendOnce(navrecord.NewStore())

	b.peerSeen("10.0.0.3")
	state, _ := b.State()
	assert.Equal(t, Disconnected, state)
}

func TestSendSkippedWithoutPeer(t *testing.T) {
	b, ft, cl := newTestBridge(t, Config{})
	assert.False(t, b.sendOnce(navrecord.NewStore()))
	assert.Equal(t, 0, ft.count())
	assert.Empty(t, cl.list())
}

func TestSendSerializesRecord(t *testing.T) {
	b, ft, _ := newTestBridge(t, Config{})
	require.NoError(t, b.SetPeer("10.0.0.4"))

	store := navrecord.NewStore()
	limit := 80
	store.Apply(time.Now(), navrecord.Update{RoadLimitSpeed: &limit})
	require.True(t, b.sendOnce(store))

	var got map[string]any
	require.NoError(t, json.Unmarshal(ft.sent[0], &got))
	assert.Equal(t, float64(80), got["nRoadLimitSpeed"])
	assert.Equal(t, float64(navrecord.NoCamera), got["nSdiType"])
	assert.Equal(t, "10.0.0.4", ft.hosts[0])
}

func TestManualPeerFromSearchingConnects(t *testing.T) {
	b, _, cl := newTestBridge(t, Config{})

	require.NoError(t, b.SetPeer(" 192.168.1.50 "))

	state, peer := b.State()
	assert.Equal(t, Connected, state)
	assert.Equal(t, "192.168.1.50", peer)
	assert.True(t, b.ManualPeer())
	require.Len(t, cl.list(), 1)
}

func TestInvalidPeerRejectedWithoutStateChange(t *testing.T) {
	b, _, cl := newTestBridge(t, Config{})

	for _, addr := range []string{"", "   ", "http://10.0.0.1", "10.0.0.1:7706", "192.168.1", "bad host", "-x.local"} {
		err := b.SetPeer(addr)
		require.Error(t, err, addr)
		assert.True(t, errors.Is(err, ErrInvalidPeer), addr)
	}
	state, peer := b.State()
	assert.Equal(t, Searching, state)
	assert.Empty(t, peer)
	assert.Empty(t, cl.list())

	require.NoError(t, b.SetPeer("dashboard.local"))
	_, peer = b.State()
	assert.Equal(t, "dashboard.local", peer)
}

func TestManualPeerNotOverriddenByDefault(t *testing.T) {
	b, _, _ := newTestBridge(t, Config{PeerAddr: "10.0.0.1"})

	b.peerSeen("10.0.0.2")
	_, peer := b.State()
	assert.Equal(t, "10.0.0.1", peer)
	assert.True(t, b.ManualPeer())
}

func TestManualPeerOverriddenWhenConfigured(t *testing.T) {
	b, _, _ := newTestBridge(t, Config{PeerAddr: "10.0.0.1", DiscoveryOverridesManual: true})

	b.peerSeen("10.0.0.2")
	_, peer := b.State()
	assert.Equal(t, "10.0.0.2", peer)
	assert.False(t, b.ManualPeer())
}

func TestClearPeerReturnsToSearching(t *testing.T) {
	b, _, cl := newTestBridge(t, Config{})
	require.NoError(t, b.SetPeer("10.0.0.1"))

	b.ClearPeer()
	b.discoveryIdle()

	state, peer := b.State()
	assert.Equal(t, Searching, state)
	assert.Empty(t, peer)
	assert.False(t, b.ManualPeer())
	require.Len(t, cl.list(), 2)
}

func TestInvalidConfiguredPeer(t *testing.T) {
	_, err := New(Config{PeerAddr: "not a host"})
	require.ErrorIs(t, err, ErrInvalidPeer)
}

func TestObserverCancel(t *testing.T) {
	b, _, _ := newTestBridge(t, Config{})
	calls := 0
	cancel := b.OnStateChange(func(StateChange) { calls++ })
	b.peerSeen("10.0.0.1")
	cancel()
	b.ClearPeer()
	assert.Equal(t, 1, calls)
}

func TestHandlePayloadRequiresRunningSession(t *testing.T) {
	b, _, _ := newTestBridge(t, Config{})
	_, err := b.HandlePayload(decoder.Payload{"nRoadLimitSpeed": 60})
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestSessionLifecycle(t *testing.T) {
	b, ft, _ := newTestBridge(t, Config{SendDelay: 5 * time.Millisecond, SendInterval: 5 * time.Millisecond})
	b.SetSpeedMapping(120, 100)

	sent := make(chan uint64, 64)
	b.OnDataSent(func(n uint64) {
		select {
		case sent <- n:
		default:
		}
	})

	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()), "second start is a no-op")
	first := b.Snapshot(time.Now()).SessionID
	require.NotEmpty(t, first)

	res, err := b.HandlePayload(decoder.Payload{"KEY_TYPE": 10001, "LIMITED_SPEED": 120, "CUR_ROAD_NAME": "G2"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 120, res.OriginalLimit)
	assert.Equal(t, 100, b.Record().RoadLimitSpeed)

	require.NoError(t, b.SetPeer("127.0.0.1"))
	select {
	case n := <-sent:
		assert.Equal(t, uint64(1), n)
	case <-time.After(2 * time.Second):
		t.Fatalf("no data sent")
	}

	b.Stop()
	assert.False(t, b.Running())
	assert.GreaterOrEqual(t, ft.count(), 1)
	assert.Equal(t, 1, ft.closed)

	state, peer := b.State()
	assert.Equal(t, Connected, state, "manual peer survives stop")
	assert.Equal(t, "127.0.0.1", peer)

	snap := b.Snapshot(time.Now())
	require.NotNil(t, snap.OriginalLimit)
	assert.Equal(t, 120, *snap.OriginalLimit)
	assert.Equal(t, 1, snap.SpeedMappings)

	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()
	snap = b.Snapshot(time.Now())
	assert.NotEqual(t, first, snap.SessionID)
	assert.Equal(t, uint64(0), snap.Packets)
	assert.Equal(t, navrecord.New(), b.Record(), "new session starts with a fresh record")
}

func TestSessionDiscoveryOverLoopback(t *testing.T) {
	ft := &fakeTransport{}
	b, err := New(Config{
		DiscoveryAddr: "127.0.0.1:0",
		DiscoveryWait: 50 * time.Millisecond,
		SendDelay:     5 * time.Millisecond,
		SendInterval:  5 * time.Millisecond,
	}, WithTransport(ft))
	require.NoError(t, err)

	connected := make(chan StateChange, 4)
	b.OnStateChange(func(ev StateChange) {
		if ev.To == Connected {
			connected <- ev
		}
	})

	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	addr := b.Snapshot(time.Now()).Discovery
	if addr.State != "listening" {
		t.Skipf("discovery not listening: %+v", addr)
	}
	b.mu.Lock()
	local := b.disc.LocalAddr().(*net.UDPAddr)
	b.mu.Unlock()

	tx, err := net.DialUDP("udp", nil, local)
	require.NoError(t, err)
	defer tx.Close()
	_, err = tx.Write([]byte("hi"))
	require.NoError(t, err)

	select {
	case ev := <-connected:
		assert.Equal(t, "127.0.0.1", ev.Peer)
	case <-time.After(2 * time.Second):
		t.Fatalf("peer not discovered")
	}

	deadline := time.Now().Add(2 * time.Second)
	for ft.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sender never sent to discovered peer")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
