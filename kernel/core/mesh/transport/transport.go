package transport

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pion/webrtc/v3"
	"github.com/sony/gobreaker"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/nmxmxh/openstar/kernel/core/mesh/common"
	"github.com/nmxmxh/openstar/kernel/threads/mailbox"
)

// Config holds transport configuration
type Config struct {
	// Relay settings
	RelayURL       string        `json:"relay_url" mapstructure:"relay_url"`
	DialTimeout    time.Duration `json:"dial_timeout" mapstructure:"dial_timeout"`
	ReconnectDelay time.Duration `json:"reconnect_delay" mapstructure:"reconnect_delay"`

	// WebRTC settings
	ICEServers []string `json:"ice_servers" mapstructure:"ice_servers"`

	// Handshake retry
	RetryDelay time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries"`

	// Frames larger than this are brotli compressed
	CompressThreshold int `json:"compress_threshold" mapstructure:"compress_threshold"`

	// Inbound limits
	RateLimit         RateLimitConfig `json:"rate_limit" mapstructure:"rate_limit"`
	VerifiedCacheSize int             `json:"verified_cache_size" mapstructure:"verified_cache_size"`
}

// RateLimitConfig bounds inbound frames per peer.
type RateLimitConfig struct {
	MessagesPerSecond int `json:"messages_per_second" mapstructure:"messages_per_second"`
	BurstSize         int `json:"burst_size" mapstructure:"burst_size"`
}

// DefaultConfig returns sensible production defaults
func DefaultConfig() Config {
	return Config{
		RelayURL:       "wss://relay.openstar.network",
		DialTimeout:    10 * time.Second,
		ReconnectDelay: 3 * time.Second,
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:global.stun.twilio.com:3478",
		},
		RetryDelay:        time.Second,
		MaxRetries:        5,
		CompressThreshold: 4096,
		RateLimit: RateLimitConfig{
			MessagesPerSecond: 200,
			BurstSize:         400,
		},
		VerifiedCacheSize: 4096,
	}
}

// ConnectionState is the lifecycle of one negotiation attempt.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateOffered
	StateAnswered
	StateConnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOffered:
		return "offered"
	case StateAnswered:
		return "answered"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// attempt is one session with a peer, identified by who created the offer.
// Its fields are owned by the handshake loop.
type attempt struct {
	peer          common.Address
	initiator     common.Address
	session       Session
	state         ConnectionState
	remoteSet     bool
	answerApplied bool
}

// link tracks every attempt with one peer.
type link struct {
	peer     common.Address
	offered  *attempt // initiated by us
	answered *attempt // initiated by the peer
	active   *attempt
	pending  map[common.Address][]webrtc.ICECandidateInit
	retries  int
}

func (l *link) attemptFor(initiator common.Address) *attempt {
	for _, a := range []*attempt{l.offered, l.answered, l.active} {
		if a != nil && a.initiator == initiator {
			return a
		}
	}
	return nil
}

func (l *link) live() bool {
	return l.offered != nil || l.answered != nil || l.active != nil
}

// Stats holds transport counters
type Stats struct {
	Connected        int    `json:"connected"`
	Links            int    `json:"links"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	BytesSent        uint64 `json:"bytes_sent"`
	BytesReceived    uint64 `json:"bytes_received"`
	Dropped          uint64 `json:"dropped"`
	RelayConnected   bool   `json:"relay_connected"`
}

// Option customizes a Transport.
type Option func(*Transport)

// WithSessionFactory replaces the pion session factory.
func WithSessionFactory(f SessionFactory) Option {
	return func(t *Transport) { t.newSession = f }
}

// WithDialer replaces the websocket relay dialer.
func WithDialer(d DialFunc) Option {
	return func(t *Transport) { t.dial = d }
}

// Transport is the peer transport of one oracle: it meets peers in the
// oracle's relay room, negotiates one data channel per peer and carries
// signed envelopes over those channels.
type Transport struct {
	oracle   string
	self     common.Address
	identity common.IdentityProvider
	config   Config
	logger   *slog.Logger

	newSession SessionFactory
	dial       DialFunc
	breaker    *gobreaker.CircuitBreaker
	limiter    *limiter.TokenBucket
	verified   *lru.Cache

	// Handshake state, owned by the loop
	loop  *mailbox.Mailbox
	links map[common.Address]*link

	relay   SignalingChannel
	relayMu sync.RWMutex

	// Open channels, read by Send and Peers
	channels map[common.Address]*attempt
	chanMu   sync.RWMutex

	handler     common.Handler
	connectOnce sync.Once

	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	dropped          atomic.Uint64

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

var _ common.Network = (*Transport)(nil)

// New creates the transport for one oracle.
func New(oracle string, identity common.IdentityProvider, config Config, logger *slog.Logger, opts ...Option) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if identity == nil {
		return nil, errors.New("identity provider is required")
	}

	defaults := DefaultConfig()
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	if config.RateLimit.MessagesPerSecond <= 0 {
		config.RateLimit = defaults.RateLimit
	}
	if config.VerifiedCacheSize <= 0 {
		config.VerifiedCacheSize = defaults.VerifiedCacheSize
	}

	self := identity.Address()
	t := &Transport{
		oracle:   oracle,
		self:     self,
		identity: identity,
		config:   config,
		logger:   logger.With("component", "transport", "oracle", oracle, "node_id", self.Short()),
		links:    make(map[common.Address]*link),
		channels: make(map[common.Address]*attempt),
	}
	t.loop = mailbox.New(t.logger)

	for _, opt := range opts {
		opt(t)
	}
	if t.newSession == nil {
		t.newSession = NewWebRTCSessionFactory(config.ICEServers)
	}
	if t.dial == nil {
		t.dial = WebSocketDialer(config.DialTimeout)
	}

	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "relay-" + oracle,
		Timeout: 4 * config.ReconnectDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Info("relay circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	var err error
	t.limiter, err = limiter.NewTokenBucket(
		limiter.Config{
			Rate:     int64(config.RateLimit.MessagesPerSecond),
			Duration: time.Second,
			Burst:    int64(config.RateLimit.BurstSize),
		},
		store.NewMemoryStore(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	t.verified, err = lru.New(config.VerifiedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create signature cache: %w", err)
	}

	return t, nil
}

// Self returns the local address.
func (t *Transport) Self() common.Address {
	return t.self
}

// Start joins the relay room and delivers verified messages to handler.
func (t *Transport) Start(ctx context.Context, handler common.Handler) error {
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("transport already started")
	}
	t.handler = handler

	ctx, t.cancel = context.WithCancel(ctx)
	t.logger.Info("starting transport", "relay", RoomURL(t.config.RelayURL, t.oracle))

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.loop.Run(ctx)
	}()
	go func() {
		defer t.wg.Done()
		t.relayLoop(ctx)
	}()
	return nil
}

// Stop leaves the relay and closes every peer session.
func (t *Transport) Stop() error {
	if !t.started.Load() {
		return nil
	}
	t.logger.Info("stopping transport")
	t.cancel()

	t.relayMu.Lock()
	if t.relay != nil {
		t.relay.Close()
		t.relay = nil
	}
	t.relayMu.Unlock()

	t.wg.Wait()

	for _, l := range t.links {
		t.dropLink(l)
	}
	t.started.Store(false)
	t.logger.Info("transport stopped")
	return nil
}

// Peers lists peers with an open channel.
func (t *Transport) Peers() []common.Address {
	t.chanMu.RLock()
	defer t.chanMu.RUnlock()

	peers := make([]common.Address, 0, len(t.channels))
	for peer := range t.channels {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Less(peers[j]) })
	return peers
}

// Stats returns transport counters.
func (t *Transport) Stats() Stats {
	t.chanMu.RLock()
	connected := len(t.channels)
	t.chanMu.RUnlock()

	t.relayMu.RLock()
	relayUp := t.relay != nil && t.relay.IsConnected()
	t.relayMu.RUnlock()

	// links is loop-owned
	links := 0
	if t.started.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = t.loop.Do(ctx, func() { links = len(t.links) })
		cancel()
	}

	return Stats{
		Connected:        connected,
		Links:            links,
		MessagesSent:     t.messagesSent.Load(),
		MessagesReceived: t.messagesReceived.Load(),
		BytesSent:        t.bytesSent.Load(),
		BytesReceived:    t.bytesReceived.Load(),
		Dropped:          t.dropped.Load(),
		RelayConnected:   relayUp,
	}
}

// Send signs msg and sends it to every connected peer, returning how many
// peers accepted the frame.
func (t *Transport) Send(ctx context.Context, msg common.Message) (int, error) {
	frame, binary, err := t.frame(msg)
	if err != nil {
		return 0, err
	}

	t.chanMu.RLock()
	targets := make([]*attempt, 0, len(t.channels))
	for _, a := range t.channels {
		targets = append(targets, a)
	}
	t.chanMu.RUnlock()

	if len(targets) == 0 {
		t.logger.Debug("no connected peers, message not sent", "kind", msg.Kind.String())
		return 0, nil
	}

	sent := 0
	for _, a := range targets {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if err := t.write(a, frame, binary); err != nil {
			t.logger.Debug("send failed", "peer", a.peer.Short(), "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

func (t *Transport) frame(msg common.Message) ([]byte, bool, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode message: %w", err)
	}
	sig, err := t.identity.Sign(payload)
	if err != nil {
		return nil, false, fmt.Errorf("failed to sign message: %w", err)
	}
	return encodeFrame(common.Envelope{Message: payload, Signature: sig}, t.config.CompressThreshold)
}

func (t *Transport) write(a *attempt, frame []byte, binary bool) error {
	if err := a.session.Send(frame, !binary); err != nil {
		return err
	}
	t.messagesSent.Add(1)
	t.bytesSent.Add(uint64(len(frame)))
	return nil
}

// ========== Relay ==========

func (t *Transport) relayLoop(ctx context.Context) {
	room := RoomURL(t.config.RelayURL, t.oracle)
	for {
		ch, err := t.connectRelay(ctx, room)
		if err != nil {
			t.logger.Warn("failed to connect to relay, will retry", "error", err)
		} else {
			t.logger.Info("connected to relay", "room", room)
			t.loop.Post(t.announce)
			t.receiveRelay(ch)

			t.relayMu.Lock()
			if t.relay == ch {
				t.relay = nil
			}
			t.relayMu.Unlock()
			ch.Close()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.config.ReconnectDelay):
		}
	}
}

func (t *Transport) connectRelay(ctx context.Context, room string) (SignalingChannel, error) {
	res, err := t.breaker.Execute(func() (interface{}, error) {
		return t.dial(ctx, room)
	})
	if err != nil {
		return nil, common.WrapProtocolError(common.ErrCodeConnectivity, "relay dial failed", err)
	}
	ch := res.(SignalingChannel)

	t.relayMu.Lock()
	t.relay = ch
	t.relayMu.Unlock()
	return ch, nil
}

func (t *Transport) receiveRelay(ch SignalingChannel) {
	for {
		data, err := ch.Receive()
		if err != nil {
			t.logger.Debug("relay connection closed", "error", err)
			return
		}
		var m RelayMessage
		if err := json.Unmarshal(data, &m); err != nil {
			t.logger.Warn("failed to unmarshal relay message", "error", err)
			continue
		}
		t.loop.Post(func() { t.handleRelay(m) })
	}
}

func (t *Transport) sendRelay(m RelayMessage) {
	t.relayMu.RLock()
	ch := t.relay
	t.relayMu.RUnlock()

	if ch == nil {
		t.logger.Debug("relay not connected, dropping handshake record", "type", m.Type)
		return
	}
	m.From = t.self
	if err := ch.Send(m); err != nil {
		t.logger.Warn("failed to send relay message", "type", m.Type, "error", err)
	}
}

func (t *Transport) announce() {
	t.sendRelay(RelayMessage{Type: RelayAnnounce})
}

// ========== Handshake (loop only) ==========

func (t *Transport) handleRelay(m RelayMessage) {
	if m.From == "" || m.From == t.self {
		return
	}
	if m.To != "" && m.To != t.self {
		return
	}

	switch m.Type {
	case RelayAnnounce:
		t.onAnnounce(m.From)
	case RelayOffer:
		if m.Description == nil {
			t.logger.Warn("offer without description", "peer", m.From.Short())
			return
		}
		t.onOffer(m.From, *m.Description)
	case RelayAnswer:
		if m.Description == nil {
			t.logger.Warn("answer without description", "peer", m.From.Short())
			return
		}
		t.onAnswer(m.From, *m.Description)
	case RelayCandidate:
		if m.Candidate == nil {
			return
		}
		initiator := m.Initiator
		if initiator == "" {
			initiator = m.From
		}
		t.onCandidate(m.From, initiator, *m.Candidate)
	default:
		t.logger.Debug("unknown relay message", "type", m.Type)
	}
}

func (t *Transport) linkFor(peer common.Address) *link {
	l, ok := t.links[peer]
	if !ok {
		l = &link{peer: peer, pending: make(map[common.Address][]webrtc.ICECandidateInit)}
		t.links[peer] = l
	}
	return l
}

func (t *Transport) onAnnounce(peer common.Address) {
	l := t.linkFor(peer)
	if l.live() {
		t.logger.Debug("announce from peer with live attempt", "peer", peer.Short())
		return
	}
	t.offer(l)
}

func (t *Transport) offer(l *link) {
	a, err := t.newAttempt(l.peer, t.self)
	if err != nil {
		t.logger.Error("failed to create session", "peer", l.peer.Short(), "error", err)
		t.fail(l, a)
		return
	}
	l.offered = a

	desc, err := a.session.CreateOffer()
	if err != nil {
		t.logger.Error("failed to create offer", "peer", l.peer.Short(), "error", err)
		t.fail(l, a)
		return
	}
	a.state = StateOffered
	t.logger.Debug("sending offer", "peer", l.peer.Short())
	t.sendRelay(RelayMessage{Type: RelayOffer, To: l.peer, Description: &desc})
}

func (t *Transport) onOffer(peer common.Address, desc webrtc.SessionDescription) {
	l := t.linkFor(peer)

	if a := l.offered; a != nil && a.state == StateOffered && !a.answerApplied {
		// Glare: the attempt of the lower address survives.
		if t.self.Less(peer) {
			t.logger.Debug("glare: keeping local offer", "peer", peer.Short())
			return
		}
		t.logger.Debug("glare: rolling back local offer", "peer", peer.Short())
		if err := a.session.Rollback(); err != nil {
			t.logger.Warn("rollback failed", "peer", peer.Short(), "error", err)
			t.fail(l, a)
			return
		}
		l.offered = nil
		a.initiator = peer
		a.answerApplied = false
		t.replaceAnswered(l, a)
		t.answer(l, a, desc)
		return
	}

	a, err := t.newAttempt(peer, peer)
	if err != nil {
		t.logger.Error("failed to create session", "peer", peer.Short(), "error", err)
		t.fail(l, nil)
		return
	}
	t.replaceAnswered(l, a)
	t.answer(l, a, desc)
}

func (t *Transport) replaceAnswered(l *link, a *attempt) {
	if old := l.answered; old != nil && old != a {
		t.logger.Debug("replacing stale answerer attempt", "peer", l.peer.Short())
		t.closeAttempt(old)
	}
	l.answered = a
}

func (t *Transport) answer(l *link, a *attempt, offer webrtc.SessionDescription) {
	if err := a.session.SetRemoteDescription(offer); err != nil {
		t.logger.Warn("failed to apply offer", "peer", l.peer.Short(), "error", err)
		t.fail(l, a)
		return
	}
	a.remoteSet = true
	t.flushCandidates(l, a)

	desc, err := a.session.CreateAnswer()
	if err != nil {
		t.logger.Warn("failed to create answer", "peer", l.peer.Short(), "error", err)
		t.fail(l, a)
		return
	}
	a.state = StateAnswered
	t.logger.Debug("sending answer", "peer", l.peer.Short())
	t.sendRelay(RelayMessage{Type: RelayAnswer, To: l.peer, Description: &desc})
}

func (t *Transport) onAnswer(peer common.Address, desc webrtc.SessionDescription) {
	l, ok := t.links[peer]
	if !ok || l.offered == nil {
		t.logger.Debug("answer without outstanding offer", "peer", peer.Short())
		return
	}
	a := l.offered
	if a.answerApplied {
		t.logger.Debug("duplicate answer ignored", "peer", peer.Short())
		return
	}
	if err := a.session.SetRemoteDescription(desc); err != nil {
		t.logger.Warn("failed to apply answer", "peer", peer.Short(), "error", err)
		t.fail(l, a)
		return
	}
	a.answerApplied = true
	a.remoteSet = true
	t.flushCandidates(l, a)
}

func (t *Transport) onCandidate(peer, initiator common.Address, c webrtc.ICECandidateInit) {
	l := t.linkFor(peer)
	a := l.attemptFor(initiator)
	if a == nil || !a.remoteSet {
		l.pending[initiator] = append(l.pending[initiator], c)
		return
	}
	if err := a.session.AddICECandidate(c); err != nil {
		t.logger.Debug("failed to add candidate", "peer", peer.Short(), "error", err)
	}
}

func (t *Transport) flushCandidates(l *link, a *attempt) {
	queued := l.pending[a.initiator]
	delete(l.pending, a.initiator)
	for _, c := range queued {
		if err := a.session.AddICECandidate(c); err != nil {
			t.logger.Debug("failed to add queued candidate", "peer", l.peer.Short(), "error", err)
		}
	}
}

func (t *Transport) newAttempt(peer, initiator common.Address) (*attempt, error) {
	a := &attempt{peer: peer, initiator: initiator, state: StateNew}
	session, err := t.newSession(SessionCallbacks{
		OnCandidate: func(c webrtc.ICECandidateInit) {
			t.loop.Post(func() { t.onLocalCandidate(a, c) })
		},
		OnOpen: func() {
			t.loop.Post(func() { t.onOpen(a) })
		},
		OnMessage: func(data []byte, isString bool) {
			t.receive(a, data, isString)
		},
		OnClose: func() {
			t.loop.Post(func() { t.onClosed(a, nil) })
		},
		OnFailed: func(err error) {
			t.loop.Post(func() { t.onClosed(a, err) })
		},
	})
	if err != nil {
		return nil, err
	}
	a.session = session
	return a, nil
}

func (t *Transport) onLocalCandidate(a *attempt, c webrtc.ICECandidateInit) {
	if a.state == StateClosed {
		return
	}
	t.sendRelay(RelayMessage{Type: RelayCandidate, To: a.peer, Initiator: a.initiator, Candidate: &c})
}

func (t *Transport) onOpen(a *attempt) {
	if a.state == StateClosed {
		return
	}
	l, ok := t.links[a.peer]
	if !ok {
		t.closeAttempt(a)
		return
	}

	a.state = StateConnected
	if l.offered == a {
		l.offered = nil
	}
	if l.answered == a {
		l.answered = nil
	}
	// First to connect wins; anything still negotiating is torn down.
	for _, other := range []*attempt{l.active, l.offered, l.answered} {
		if other != nil && other != a {
			t.closeAttempt(other)
		}
	}
	l.active, l.offered, l.answered = a, nil, nil
	l.retries = 0
	l.pending = make(map[common.Address][]webrtc.ICECandidateInit)

	t.chanMu.Lock()
	t.channels[a.peer] = a
	t.chanMu.Unlock()

	t.logger.Info("peer channel open", "peer", a.peer.Short(), "initiator", a.initiator.Short())

	t.connectOnce.Do(func() {
		if t.handler != nil {
			t.handler.OnConnect()
		}
	})
}

func (t *Transport) onClosed(a *attempt, cause error) {
	if a.state == StateClosed {
		return
	}
	l, ok := t.links[a.peer]
	wasActive := ok && l.active == a
	t.closeAttempt(a)

	if cause != nil {
		t.logger.Warn("peer connection failed", "peer", a.peer.Short(), "error", cause)
	} else if wasActive {
		t.logger.Info("peer channel closed", "peer", a.peer.Short())
	}
	if ok {
		t.fail(l, nil)
	}
}

// fail records a failed attempt and schedules a re-announce, dropping the
// link once the retry budget is spent.
func (t *Transport) fail(l *link, a *attempt) {
	if a != nil {
		t.closeAttempt(a)
	}
	if l.live() {
		return
	}

	l.retries++
	if l.retries > t.config.MaxRetries {
		t.logger.Warn("dropping peer after repeated failures", "peer", l.peer.Short(), "retries", l.retries-1)
		t.dropLink(l)
		return
	}

	delay := time.Duration(l.retries) * t.config.RetryDelay
	peer := l.peer
	time.AfterFunc(delay, func() {
		t.loop.Post(func() { t.retry(peer) })
	})
}

func (t *Transport) retry(peer common.Address) {
	l, ok := t.links[peer]
	if !ok || l.live() {
		return
	}
	t.logger.Debug("re-announcing", "peer", peer.Short(), "retries", l.retries)
	t.announce()
}

func (t *Transport) closeAttempt(a *attempt) {
	if a.state == StateClosed {
		return
	}
	a.state = StateClosed

	if l, ok := t.links[a.peer]; ok {
		if l.active == a {
			l.active = nil
		}
		if l.offered == a {
			l.offered = nil
		}
		if l.answered == a {
			l.answered = nil
		}
	}

	t.chanMu.Lock()
	if t.channels[a.peer] == a {
		delete(t.channels, a.peer)
	}
	t.chanMu.Unlock()

	if a.session != nil {
		if err := a.session.Close(); err != nil {
			t.logger.Debug("session close failed", "peer", a.peer.Short(), "error", err)
		}
	}
}

func (t *Transport) dropLink(l *link) {
	for _, a := range []*attempt{l.active, l.offered, l.answered} {
		if a != nil {
			t.closeAttempt(a)
		}
	}
	delete(t.links, l.peer)
}

// ========== Inbound ==========

func (t *Transport) receive(a *attempt, data []byte, isString bool) {
	t.messagesReceived.Add(1)
	t.bytesReceived.Add(uint64(len(data)))

	if !t.limiter.Allow(string(a.peer)) {
		t.dropped.Add(1)
		t.logger.Debug("rate limited", "peer", a.peer.Short())
		return
	}

	env, err := decodeFrame(data, isString)
	if err != nil {
		t.dropped.Add(1)
		t.logger.Warn("dropping malformed frame", "peer", a.peer.Short(), "error", err)
		return
	}

	if !t.verify(a.peer, env) {
		t.dropped.Add(1)
		t.logger.Warn("dropping frame with invalid signature", "peer", a.peer.Short())
		return
	}

	var msg common.Message
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		t.dropped.Add(1)
		t.logger.Warn("dropping malformed message", "peer", a.peer.Short(), "error", err)
		return
	}

	if t.handler == nil {
		return
	}
	reply := func(ctx context.Context, m common.Message) error {
		frame, binary, err := t.frame(m)
		if err != nil {
			return err
		}
		if err := t.write(a, frame, binary); err != nil {
			return common.WrapProtocolError(common.ErrCodeNotConnected, "reply failed", err).
				WithContext("peer", string(a.peer))
		}
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("message handler panicked", "peer", a.peer.Short(), "panic", fmt.Sprint(r))
		}
	}()
	t.handler.HandleMessage(a.peer, msg, reply)
}

func (t *Transport) verify(peer common.Address, env common.Envelope) bool {
	digest := sha256.Sum256(env.Message)
	key := string(peer) + ":" + env.Signature
	if v, ok := t.verified.Get(key); ok && v.([32]byte) == digest {
		return true
	}
	if !t.identity.Verify(env.Signature, env.Message, peer) {
		return false
	}
	t.verified.Add(key, digest)
	return true
}
