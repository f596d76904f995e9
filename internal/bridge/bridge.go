package bridge

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"navbridge/internal/decoder"
	"navbridge/internal/discovery"
	"navbridge/internal/navrecord"
	"navbridge/internal/speedmap"
	"navbridge/internal/udp"
)

const (
	DefaultDataPort     = 7706
	DefaultSendInterval = 200 * time.Millisecond
	DefaultSendDelay    = time.Second
	DefaultLogEvery     = 50
)

type Config struct {
	// PeerAddr is a manually configured peer (IP or host name). Empty means
	// the peer is learned through discovery.
	PeerAddr string

	DiscoveryAddr    string
	DiscoveryWait    time.Duration
	ReuseAddr        bool
	DisableDiscovery bool

	// DiscoveryOverridesManual lets an announcement from another address
	// replace a manually configured peer.
	DiscoveryOverridesManual bool

	DataPort     int
	SendInterval time.Duration
	SendDelay    time.Duration

	// LogEvery controls progress and failure log cadence, in packets.
	LogEvery uint64
}

// Transport delivers one serialized record to the peer.
type Transport interface {
	Send(host string, payload []byte) error
	Close() error
}

type Option func(*Bridge)

// WithMapper shares a speed limit table with the bridge, e.g. one loaded
// from settings.
func WithMapper(m *speedmap.Mapper) Option {
	return func(b *Bridge) {
		if m != nil {
			b.mapper = m
		}
	}
}

func WithTransport(t Transport) Option {
	return func(b *Bridge) {
		if t != nil {
			b.transport = t
		}
	}
}

func WithDecoderOptions(opts ...decoder.Option) Option {
	return func(b *Bridge) {
		b.decoderOpts = append(b.decoderOpts, opts...)
	}
}

// Bridge owns one peer, one record store and the activities feeding them:
// discovery, the periodic sender and payload decoding.
type Bridge struct {
	cfg         Config
	mapper      *speedmap.Mapper
	decoder     *decoder.Decoder
	decoderOpts []decoder.Option
	transport   Transport

	lifeMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// notifyMu orders state decisions and their observer delivery. It is
	// always taken before mu.
	notifyMu sync.Mutex

	mu           sync.Mutex
	running      bool
	sessionID    string
	startedAt    time.Time
	store        *navrecord.Store
	disc         *discovery.Listener
	state        ConnectionState
	peer         string
	manual       bool
	overrides    bool
	packets      uint64
	sendFailures uint64
	failRun      uint64
	lastSendErr  string
	decodes      uint64
	lastDecode   decoder.Result
	lastDecodeAt time.Time

	obsMu    sync.Mutex
	nextObs  int
	stateObs map[int]func(StateChange)
	sentObs  map[int]func(uint64)
}

func New(cfg Config, opts ...Option) (*Bridge, error) {
	if cfg.DataPort <= 0 {
		cfg.DataPort = DefaultDataPort
	}
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = DefaultSendInterval
	}
	if cfg.SendDelay < 0 {
		cfg.SendDelay = 0
	}
	if cfg.LogEvery == 0 {
		cfg.LogEvery = DefaultLogEvery
	}

	b := &Bridge{
		cfg:       cfg,
		mapper:    speedmap.New(),
		store:     navrecord.NewStore(),
		state:     Searching,
		overrides: cfg.DiscoveryOverridesManual,
		stateObs:  make(map[int]func(StateChange)),
		sentObs:   make(map[int]func(uint64)),
	}
	for _, o := range opts {
		o(b)
	}
	if b.transport == nil {
		b.transport = udp.NewSender(cfg.DataPort)
	}
	b.decoder = decoder.New(b.mapper, b.decoderOpts...)

	if cfg.PeerAddr != "" {
		peer, err := NormalizePeer(cfg.PeerAddr)
		if err != nil {
			return nil, err
		}
		b.peer = peer
		b.manual = true
	}
	return b, nil
}

// Start begins a session: fresh record, fresh counter, discovery and the
// sender. It is a no-op when already running. A discovery bind failure is
// logged and leaves discovery inactive for the session.
func (b *Bridge) Start(ctx context.Context) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	store := navrecord.NewStore()
	id := uuid.NewString()

	b.update(func() {
		b.running = true
		b.sessionID = id
		b.startedAt = time.Now().UTC()
		b.store = store
		b.packets = 0
		b.sendFailures = 0
		b.failRun = 0
		b.lastSendErr = ""
		b.decodes = 0
		b.lastDecode = decoder.Result{}
		b.lastDecodeAt = time.Time{}
		if b.peer != "" {
			b.state = Connected
		} else {
			b.state = Searching
		}
	})
	b.cancel = cancel

	state, peer := b.State()
	log.Printf("bridge: started session=%s state=%s peer=%q", id, state, peer)

	if !b.cfg.DisableDiscovery {
		disc := discovery.NewListener(discovery.Config{
			Addr:      b.cfg.DiscoveryAddr,
			Wait:      b.cfg.DiscoveryWait,
			ReuseAddr: b.cfg.ReuseAddr,
		})
		if err := disc.Start(runCtx, discoveryHandler{b}); err != nil {
			log.Printf("bridge: discovery inactive err=%v", err)
		}
		b.mu.Lock()
		b.disc = disc
		b.mu.Unlock()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runSender(runCtx, store)
	}()
	return nil
}

// Stop ends the session and releases both sockets. A learned peer is
// forgotten; a manual one is kept for the next session.
func (b *Bridge) Stop() {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	b.mu.Lock()
	running := b.running
	disc := b.disc
	id := b.sessionID
	packets := b.packets
	b.mu.Unlock()
	if !running {
		return
	}

	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	disc.Close()
	b.wg.Wait()
	if err := b.transport.Close(); err != nil {
		log.Printf("bridge: close transport err=%v", err)
	}

	b.update(func() {
		b.running = false
		if !b.manual {
			b.peer = ""
			b.state = Searching
		} else {
			b.state = Connected
		}
	})
	log.Printf("bridge: stopped session=%s packets=%d", id, packets)
}

func (b *Bridge) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// State returns the connection state and the current peer address.
func (b *Bridge) State() (ConnectionState, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.peer
}

func (b *Bridge) PacketCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.packets
}

// SetPeer fixes the peer address. Invalid input is rejected without any
// state change.
func (b *Bridge) SetPeer(addr string) error {
	peer, err := NormalizePeer(addr)
	if err != nil {
		return err
	}
	b.update(func() {
		b.peer = peer
		b.manual = true
		b.state = Connected
	})
	log.Printf("bridge: manual peer=%s", peer)
	return nil
}

// ClearPeer forgets the peer, manual or learned, and returns to SEARCHING.
func (b *Bridge) ClearPeer() {
	b.update(func() {
		b.peer = ""
		b.manual = false
		b.state = Searching
	})
}

func (b *Bridge) ManualPeer() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.manual
}

// SetDiscoveryOverridesManual changes whether announcements may replace a
// manually set peer.
func (b *Bridge) SetDiscoveryOverridesManual(v bool) {
	b.mu.Lock()
	b.overrides = v
	b.mu.Unlock()
}

func (b *Bridge) SetSpeedMapping(from, to int) {
	b.mapper.Set(from, to)
}

func (b *Bridge) ClearSpeedMappings() {
	b.mapper.Clear()
}

func (b *Bridge) SpeedMappings() []speedmap.Entry {
	return b.mapper.Entries()
}

func (b *Bridge) Mapper() *speedmap.Mapper {
	return b.mapper
}

// HandlePayload decodes one inbound broadcast into the session record.
func (b *Bridge) HandlePayload(p decoder.Payload) (decoder.Result, error) {
	b.mu.Lock()
	running := b.running
	store := b.store
	b.mu.Unlock()
	if !running {
		return decoder.Result{}, ErrNotRunning
	}

	res := b.decoder.Apply(store, p)

	b.mu.Lock()
	b.decodes++
	b.lastDecode = res
	b.lastDecodeAt = time.Now().UTC()
	b.mu.Unlock()
	return res, nil
}

// Record returns a copy of the current session record.
func (b *Bridge) Record() navrecord.Record {
	b.mu.Lock()
	store := b.store
	b.mu.Unlock()
	return store.Snapshot()
}

// LastDecode returns the most recent decode result and when it happened.
func (b *Bridge) LastDecode() (decoder.Result, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastDecode, b.lastDecodeAt
}

type Snapshot struct {
	Running                  bool               `json:"running"`
	SessionID                string             `json:"session_id,omitempty"`
	StartedUTC               string             `json:"started_utc,omitempty"`
	State                    ConnectionState    `json:"state"`
	Peer                     string             `json:"peer,omitempty"`
	ManualPeer               bool               `json:"manual_peer"`
	DiscoveryOverridesManual bool               `json:"discovery_overrides_manual"`
	Packets                  uint64             `json:"packets"`
	SendFailures             uint64             `json:"send_failures"`
	LastSendError            string             `json:"last_send_error,omitempty"`
	Decodes                  uint64             `json:"decodes"`
	LastDigest               string             `json:"last_digest,omitempty"`
	LastDecodeUTC            string             `json:"last_decode_utc,omitempty"`
	OriginalLimit            *int               `json:"original_limit,omitempty"`
	RecordUpdates            uint64             `json:"record_updates"`
	RecordUTC                string             `json:"record_utc,omitempty"`
	SpeedMappings            int                `json:"speed_mappings"`
	Discovery                discovery.Snapshot `json:"discovery"`
}

func (b *Bridge) Snapshot(nowUTC time.Time) Snapshot {
	b.mu.Lock()
	out := Snapshot{
		Running:                  b.running,
		SessionID:                b.sessionID,
		State:                    b.state,
		Peer:                     b.peer,
		ManualPeer:               b.manual,
		DiscoveryOverridesManual: b.overrides,
		Packets:                  b.packets,
		SendFailures:             b.sendFailures,
		LastSendError:            b.lastSendErr,
		Decodes:                  b.decodes,
		LastDigest:               b.lastDecode.Digest,
	}
	if !b.startedAt.IsZero() {
		out.StartedUTC = b.startedAt.Format(time.RFC3339Nano)
	}
	if !b.lastDecodeAt.IsZero() {
		out.LastDecodeUTC = b.lastDecodeAt.Format(time.RFC3339Nano)
	}
	if b.lastDecode.HasLimit {
		v := b.lastDecode.OriginalLimit
		out.OriginalLimit = &v
	}
	store := b.store
	disc := b.disc
	b.mu.Unlock()

	updatedAt, updates := store.LastUpdate()
	out.RecordUpdates = updates
	if !updatedAt.IsZero() {
		out.RecordUTC = updatedAt.Format(time.RFC3339Nano)
	}
	out.SpeedMappings = b.mapper.Len()
	out.Discovery = disc.Snapshot(nowUTC)
	return out
}

// OnStateChange registers fn for state and peer changes. Observers run one at
// a time in transition order and must not call SetPeer, ClearPeer, Start or
// Stop synchronously.
func (b *Bridge) OnStateChange(fn func(StateChange)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	b.obsMu.Lock()
	id := b.nextObs
	b.nextObs++
	b.stateObs[id] = fn
	b.obsMu.Unlock()
	return func() {
		b.obsMu.Lock()
		delete(b.stateObs, id)
		b.obsMu.Unlock()
	}
}

// OnDataSent registers fn to receive the running packet count after each
// successful send.
func (b *Bridge) OnDataSent(fn func(count uint64)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	b.obsMu.Lock()
	id := b.nextObs
	b.nextObs++
	b.sentObs[id] = fn
	b.obsMu.Unlock()
	return func() {
		b.obsMu.Lock()
		delete(b.sentObs, id)
		b.obsMu.Unlock()
	}
}

// update runs mutate under mu and notifies observers if state or peer
// changed.
func (b *Bridge) update(mutate func()) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	from, prevPeer := b.state, b.peer
	mutate()
	ev := StateChange{From: from, To: b.state, Peer: b.peer}
	b.mu.Unlock()

	if ev.From == ev.To && ev.Peer == prevPeer {
		return
	}
	ev.At = time.Now().UTC()
	log.Printf("bridge: state %s -> %s peer=%q", ev.From, ev.To, ev.Peer)
	b.emitState(ev)
}

func (b *Bridge) emitState(ev StateChange) {
	b.obsMu.Lock()
	fns := make([]func(StateChange), 0, len(b.stateObs))
	for _, fn := range b.stateObs {
		fns = append(fns, fn)
	}
	b.obsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (b *Bridge) emitSent(n uint64) {
	b.obsMu.Lock()
	fns := make([]func(uint64), 0, len(b.sentObs))
	for _, fn := range b.sentObs {
		fns = append(fns, fn)
	}
	b.obsMu.Unlock()
	for _, fn := range fns {
		fn(n)
	}
}

type discoveryHandler struct{ b *Bridge }

func (h discoveryHandler) PeerSeen(ip string) { h.b.peerSeen(ip) }
func (h discoveryHandler) Idle()              { h.b.discoveryIdle() }

func (b *Bridge) peerSeen(ip string) {
	b.update(func() {
		if b.manual && ip != b.peer && !b.overrides {
			return
		}
		if ip == b.peer && b.state != Searching {
			// Known peer. Discovery alone never lifts DISCONNECTED.
			return
		}
		if ip != b.peer {
			b.manual = false
		}
		b.peer = ip
		b.state = Connected
	})
}

func (b *Bridge) discoveryIdle() {
	b.update(func() {
		if b.peer == "" {
			b.state = Searching
		}
	})
}
