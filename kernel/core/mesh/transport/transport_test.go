package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/openstar/internal/identity"
	"github.com/nmxmxh/openstar/kernel/core/mesh/common"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// MockSignalingServer is a relay: every text frame is forwarded to the other
// connections of the same room (URL path).
type MockSignalingServer struct {
	server *httptest.Server
	rooms  map[string][]*websocket.Conn
	mu     sync.Mutex
}

func NewMockSignalingServer() *MockSignalingServer {
	s := &MockSignalingServer{rooms: make(map[string][]*websocket.Conn)}
	s.server = httptest.NewServer(http.HandlerFunc(s.handleWS))
	return s
}

func (s *MockSignalingServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	room := r.URL.Path

	s.mu.Lock()
	s.rooms[room] = append(s.rooms[room], conn)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		conns := s.rooms[room]
		for i, c := range conns {
			if c == conn {
				s.rooms[room] = append(conns[:i], conns[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		for _, c := range s.rooms[room] {
			if c != conn {
				c.WriteMessage(websocket.TextMessage, message)
			}
		}
		s.mu.Unlock()
	}
}

func (s *MockSignalingServer) URL() string {
	return strings.Replace(s.server.URL, "http", "ws", 1)
}

func (s *MockSignalingServer) Close() {
	s.server.Close()
}

// fakeNet pairs fake sessions by the token carried in their descriptions.
type fakeNet struct {
	mu       sync.Mutex
	next     int
	sessions map[string]*fakeSession
	manual   bool // no automatic candidates or channel open
}

func newFakeNet(manual bool) *fakeNet {
	return &fakeNet{sessions: make(map[string]*fakeSession), manual: manual}
}

func (n *fakeNet) factory() SessionFactory {
	return func(cb SessionCallbacks) (Session, error) {
		return &fakeSession{net: n, cb: cb}, nil
	}
}

func (n *fakeNet) register(s *fakeSession) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	token := fmt.Sprintf("fake-%d", n.next)
	n.sessions[token] = s
	return token
}

func (n *fakeNet) lookup(token string) *fakeSession {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessions[token]
}

type fakeSession struct {
	net *fakeNet
	cb  SessionCallbacks

	mu         sync.Mutex
	token      string
	peer       *fakeSession
	closed     bool
	rollbacks  int
	remoteSets int
	candidates int
	sent       [][]byte
}

func (s *fakeSession) describe(typ webrtc.SDPType) webrtc.SessionDescription {
	token := s.net.register(s)
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	if !s.net.manual {
		go s.cb.OnCandidate(webrtc.ICECandidateInit{Candidate: "candidate:" + token})
	}
	return webrtc.SessionDescription{Type: typ, SDP: token}
}

func (s *fakeSession) CreateOffer() (webrtc.SessionDescription, error) {
	return s.describe(webrtc.SDPTypeOffer), nil
}

func (s *fakeSession) CreateAnswer() (webrtc.SessionDescription, error) {
	return s.describe(webrtc.SDPTypeAnswer), nil
}

func (s *fakeSession) SetRemoteDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	s.remoteSets++
	s.mu.Unlock()

	if desc.Type != webrtc.SDPTypeAnswer {
		return nil
	}
	other := s.net.lookup(desc.SDP)
	if other == nil {
		return errors.New("unknown answer")
	}
	s.mu.Lock()
	s.peer = other
	s.mu.Unlock()
	other.mu.Lock()
	other.peer = s
	other.mu.Unlock()

	if !s.net.manual {
		go s.cb.OnOpen()
		go other.cb.OnOpen()
	}
	return nil
}

func (s *fakeSession) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbacks++
	s.token = ""
	return nil
}

func (s *fakeSession) AddICECandidate(webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates++
	return nil
}

func (s *fakeSession) Send(data []byte, text bool) error {
	s.mu.Lock()
	peer, closed := s.peer, s.closed
	s.sent = append(s.sent, append([]byte(nil), data...))
	s.mu.Unlock()

	if closed {
		return errors.New("session closed")
	}
	if peer != nil {
		peer.cb.OnMessage(append([]byte(nil), data...), text)
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peer := s.peer
	s.mu.Unlock()

	if peer != nil && !s.net.manual {
		go peer.cb.OnClose()
	}
	return nil
}

func (s *fakeSession) stats() (rollbacks, remoteSets, candidates int, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbacks, s.remoteSets, s.candidates, s.closed
}

// recordingRelay captures handshake records sent by a transport under test.
type recordingRelay struct {
	mu   sync.Mutex
	sent []RelayMessage
}

func (r *recordingRelay) Send(message interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, message.(RelayMessage))
	return nil
}

func (r *recordingRelay) Receive() ([]byte, error) { return nil, io.EOF }
func (r *recordingRelay) Close() error             { return nil }
func (r *recordingRelay) IsConnected() bool        { return true }

func (r *recordingRelay) ofType(typ RelayType) []RelayMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RelayMessage
	for _, m := range r.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type received struct {
	from  common.Address
	msg   common.Message
	reply common.Replier
}

type recordingHandler struct {
	connects atomic.Int32
	msgs     chan received
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{msgs: make(chan received, 64)}
}

func (h *recordingHandler) HandleMessage(from common.Address, msg common.Message, reply common.Replier) {
	h.msgs <- received{from: from, msg: msg, reply: reply}
}

func (h *recordingHandler) OnConnect() {
	h.connects.Add(1)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.MaxRetries = 2
	return cfg
}

func newKey(t *testing.T) *identity.KeyManager {
	t.Helper()
	k, err := identity.NewKeyManager()
	require.NoError(t, err)
	return k
}

// orderedKeys returns two identities with low.Address() < high.Address().
func orderedKeys(t *testing.T) (low, high *identity.KeyManager) {
	a, b := newKey(t), newKey(t)
	if b.Address().Less(a.Address()) {
		a, b = b, a
	}
	return a, b
}

// newManualTransport builds a transport whose loop is stepped by the test.
func newManualTransport(t *testing.T, id common.IdentityProvider, cfg Config, net *fakeNet) (*Transport, *recordingRelay) {
	t.Helper()
	tr, err := New("TEST_ORACLE", id, cfg, nil, WithSessionFactory(net.factory()))
	require.NoError(t, err)
	rec := &recordingRelay{}
	tr.relay = rec
	return tr, rec
}

func sessionOf(a *attempt) *fakeSession {
	return a.session.(*fakeSession)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotEmpty(t, cfg.RelayURL)
	assert.NotEmpty(t, cfg.ICEServers)
	assert.Greater(t, cfg.MaxRetries, 0)
	assert.Greater(t, cfg.CompressThreshold, 0)
	assert.Equal(t, "wss://relay/ORC20_COIN", RoomURL("wss://relay/", "ORC20_COIN"))
}

func TestTransport_TwoPeersExchangeSignedMessages(t *testing.T) {
	server := NewMockSignalingServer()
	defer server.Close()

	net := newFakeNet(false)
	cfg := testConfig()
	cfg.RelayURL = server.URL()

	ka, kb := newKey(t), newKey(t)
	a, err := New("TEST_ORACLE", ka, cfg, nil, WithSessionFactory(net.factory()))
	require.NoError(t, err)
	b, err := New("TEST_ORACLE", kb, cfg, nil, WithSessionFactory(net.factory()))
	require.NoError(t, err)

	ha, hb := newRecordingHandler(), newRecordingHandler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.Start(ctx, ha))
	defer a.Stop()
	require.NoError(t, b.Start(ctx, hb))
	defer b.Stop()

	require.Eventually(t, func() bool {
		return len(a.Peers()) == 1 && len(b.Peers()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []common.Address{kb.Address()}, a.Peers())
	assert.Equal(t, []common.Address{ka.Address()}, b.Peers())

	n, err := a.Send(ctx, common.Ping())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case got := <-hb.msgs:
		assert.Equal(t, ka.Address(), got.from)
		assert.Equal(t, common.KindPing, got.msg.Kind)
		require.NoError(t, got.reply(ctx, common.Pong()))
	case <-time.After(2 * time.Second):
		t.Fatal("ping not delivered")
	}

	select {
	case got := <-ha.msgs:
		assert.Equal(t, kb.Address(), got.from)
		assert.Equal(t, common.KindPong, got.msg.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("pong not delivered")
	}

	assert.Equal(t, int32(1), ha.connects.Load())
	assert.Equal(t, int32(1), hb.connects.Load())

	stats := a.Stats()
	assert.Equal(t, 1, stats.Connected)
	assert.True(t, stats.RelayConnected)
	assert.GreaterOrEqual(t, stats.MessagesSent, uint64(1))
}

func TestTransport_GlareLowerAddressWins(t *testing.T) {
	low, high := orderedKeys(t)

	t.Run("lower side keeps its offer", func(t *testing.T) {
		tr, rec := newManualTransport(t, low, testConfig(), newFakeNet(true))

		tr.handleRelay(RelayMessage{Type: RelayAnnounce, From: high.Address()})
		require.Len(t, rec.ofType(RelayOffer), 1)

		remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote"}
		tr.handleRelay(RelayMessage{Type: RelayOffer, From: high.Address(), To: low.Address(), Description: &remote})

		l := tr.links[high.Address()]
		require.NotNil(t, l.offered)
		assert.Equal(t, StateOffered, l.offered.state)
		assert.Nil(t, l.answered)
		assert.Empty(t, rec.ofType(RelayAnswer))
	})

	t.Run("higher side rolls back and answers", func(t *testing.T) {
		tr, rec := newManualTransport(t, high, testConfig(), newFakeNet(true))

		tr.handleRelay(RelayMessage{Type: RelayAnnounce, From: low.Address()})
		l := tr.links[low.Address()]
		require.NotNil(t, l.offered)
		session := sessionOf(l.offered)

		remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote"}
		tr.handleRelay(RelayMessage{Type: RelayOffer, From: low.Address(), To: high.Address(), Description: &remote})

		assert.Nil(t, l.offered)
		require.NotNil(t, l.answered)
		assert.Equal(t, StateAnswered, l.answered.state)
		assert.Equal(t, low.Address(), l.answered.initiator)
		assert.Same(t, session, sessionOf(l.answered), "answer reuses the rolled back session")

		rollbacks, remoteSets, _, _ := session.stats()
		assert.Equal(t, 1, rollbacks)
		assert.Equal(t, 1, remoteSets)

		answers := rec.ofType(RelayAnswer)
		require.Len(t, answers, 1)
		assert.Equal(t, low.Address(), answers[0].To)
		assert.Equal(t, high.Address(), answers[0].From)
	})
}

func TestTransport_DuplicateAnswerAppliedOnce(t *testing.T) {
	self, peer := newKey(t), newKey(t)
	net := newFakeNet(true)
	tr, _ := newManualTransport(t, self, testConfig(), net)

	tr.handleRelay(RelayMessage{Type: RelayAnnounce, From: peer.Address()})
	l := tr.links[peer.Address()]
	require.NotNil(t, l.offered)

	// Register a counterpart so the answer token resolves.
	counterpart := &fakeSession{net: net}
	answer, err := counterpart.CreateAnswer()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		tr.handleRelay(RelayMessage{Type: RelayAnswer, From: peer.Address(), To: self.Address(), Description: &answer})
	}

	_, remoteSets, _, _ := sessionOf(l.offered).stats()
	assert.Equal(t, 1, remoteSets)
	assert.True(t, l.offered.answerApplied)
}

func TestTransport_EarlyCandidatesAreQueued(t *testing.T) {
	self, peer := newKey(t), newKey(t)
	tr, rec := newManualTransport(t, self, testConfig(), newFakeNet(true))

	cand := webrtc.ICECandidateInit{Candidate: "candidate:early"}
	tr.handleRelay(RelayMessage{Type: RelayCandidate, From: peer.Address(), Initiator: peer.Address(), Candidate: &cand})
	tr.handleRelay(RelayMessage{Type: RelayCandidate, From: peer.Address(), Initiator: peer.Address(), Candidate: &cand})

	l := tr.links[peer.Address()]
	require.NotNil(t, l)
	assert.Len(t, l.pending[peer.Address()], 2)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote"}
	tr.handleRelay(RelayMessage{Type: RelayOffer, From: peer.Address(), To: self.Address(), Description: &offer})

	require.NotNil(t, l.answered)
	_, _, candidates, _ := sessionOf(l.answered).stats()
	assert.Equal(t, 2, candidates)
	assert.Empty(t, l.pending[peer.Address()])
	assert.Len(t, rec.ofType(RelayAnswer), 1)

	// Later candidates go straight to the session.
	tr.handleRelay(RelayMessage{Type: RelayCandidate, From: peer.Address(), Initiator: peer.Address(), Candidate: &cand})
	_, _, candidates, _ = sessionOf(l.answered).stats()
	assert.Equal(t, 3, candidates)
}

func TestTransport_IgnoresRecordsForOthers(t *testing.T) {
	self, peer, other := newKey(t), newKey(t), newKey(t)
	tr, rec := newManualTransport(t, self, testConfig(), newFakeNet(true))

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote"}
	tr.handleRelay(RelayMessage{Type: RelayOffer, From: peer.Address(), To: other.Address(), Description: &offer})
	tr.handleRelay(RelayMessage{Type: RelayAnnounce, From: self.Address()})

	assert.Empty(t, tr.links)
	assert.Empty(t, rec.ofType(RelayAnswer))
	assert.Empty(t, rec.ofType(RelayOffer))
}

func TestTransport_FirstConnectedAttemptWins(t *testing.T) {
	self, peer := newKey(t), newKey(t)
	net := newFakeNet(true)
	tr, _ := newManualTransport(t, self, testConfig(), net)
	h := newRecordingHandler()
	tr.handler = h

	// Our offer is answered but not yet open; the peer then offers too.
	tr.handleRelay(RelayMessage{Type: RelayAnnounce, From: peer.Address()})
	l := tr.links[peer.Address()]
	counterpart := &fakeSession{net: net}
	answer, _ := counterpart.CreateAnswer()
	tr.handleRelay(RelayMessage{Type: RelayAnswer, From: peer.Address(), Description: &answer})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote"}
	tr.handleRelay(RelayMessage{Type: RelayOffer, From: peer.Address(), Description: &offer})
	require.NotNil(t, l.offered)
	require.NotNil(t, l.answered)

	offered, answered := l.offered, l.answered
	sessionOf(answered).cb.OnOpen()
	sessionOf(offered).cb.OnOpen()
	tr.loop.Drain()

	assert.Same(t, answered, l.active)
	assert.Equal(t, StateConnected, answered.state)
	assert.Equal(t, StateClosed, offered.state)
	_, _, _, closed := sessionOf(offered).stats()
	assert.True(t, closed)
	assert.Equal(t, []common.Address{peer.Address()}, tr.Peers())
	assert.Equal(t, int32(1), h.connects.Load())
}

func TestTransport_ConnectLatchFiresOnce(t *testing.T) {
	self := newKey(t)
	net := newFakeNet(true)
	tr, _ := newManualTransport(t, self, testConfig(), net)
	h := newRecordingHandler()
	tr.handler = h

	for i := 0; i < 3; i++ {
		peer := newKey(t)
		tr.handleRelay(RelayMessage{Type: RelayAnnounce, From: peer.Address()})
		sessionOf(tr.links[peer.Address()].offered).cb.OnOpen()
		tr.loop.Drain()
	}

	assert.Len(t, tr.Peers(), 3)
	assert.Equal(t, int32(1), h.connects.Load())
}

func TestTransport_RetriesDropPeer(t *testing.T) {
	self, peer := newKey(t), newKey(t)
	cfg := testConfig()
	cfg.MaxRetries = 1
	tr, rec := newManualTransport(t, self, cfg, newFakeNet(true))

	tr.handleRelay(RelayMessage{Type: RelayAnnounce, From: peer.Address()})
	sessionOf(tr.links[peer.Address()].offered).cb.OnFailed(errors.New("ice failed"))
	tr.loop.Drain()

	l, ok := tr.links[peer.Address()]
	require.True(t, ok, "first failure keeps the link")
	assert.Equal(t, 1, l.retries)
	assert.False(t, l.live())

	// The retry timer re-announces through the loop.
	require.Eventually(t, func() bool {
		tr.loop.Drain()
		return len(rec.ofType(RelayAnnounce)) == 1
	}, time.Second, 5*time.Millisecond)

	tr.handleRelay(RelayMessage{Type: RelayAnnounce, From: peer.Address()})
	sessionOf(l.offered).cb.OnFailed(errors.New("ice failed again"))
	tr.loop.Drain()

	_, ok = tr.links[peer.Address()]
	assert.False(t, ok, "link dropped once retries exceed the bound")

	// A fresh announce starts over.
	tr.handleRelay(RelayMessage{Type: RelayAnnounce, From: peer.Address()})
	l = tr.links[peer.Address()]
	require.NotNil(t, l)
	assert.Equal(t, 0, l.retries)
	assert.NotNil(t, l.offered)
}

func TestTransport_SendCountsOnlyConnectedPeers(t *testing.T) {
	self, connected, pending := newKey(t), newKey(t), newKey(t)
	tr, _ := newManualTransport(t, self, testConfig(), newFakeNet(true))

	tr.handleRelay(RelayMessage{Type: RelayAnnounce, From: connected.Address()})
	tr.handleRelay(RelayMessage{Type: RelayAnnounce, From: pending.Address()})
	open := tr.links[connected.Address()].offered
	sessionOf(open).cb.OnOpen()
	tr.loop.Drain()

	n, err := tr.Send(context.Background(), common.StateMessage("TEST_ORACLE", json.RawMessage(`{"n":1}`)))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	session := sessionOf(open)
	session.mu.Lock()
	require.Len(t, session.sent, 1)
	frame := session.sent[0]
	session.mu.Unlock()

	env, err := decodeFrame(frame, true)
	require.NoError(t, err)
	assert.True(t, self.Verify(env.Signature, env.Message, self.Address()))
	assert.JSONEq(t, `["TEST_ORACLE","state",{"n":1}]`, string(env.Message))

	lonely, _ := newManualTransport(t, newKey(t), testConfig(), newFakeNet(true))
	n, err = lonely.Send(context.Background(), common.Ping())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTransport_InboundVerification(t *testing.T) {
	self, peer, impostor := newKey(t), newKey(t), newKey(t)
	tr, _ := newManualTransport(t, self, testConfig(), newFakeNet(true))
	h := newRecordingHandler()
	tr.handler = h

	tr.handleRelay(RelayMessage{Type: RelayAnnounce, From: peer.Address()})
	a := tr.links[peer.Address()].offered
	sessionOf(a).cb.OnOpen()
	tr.loop.Drain()

	payload := []byte(`["ping"]`)
	frameBy := func(k *identity.KeyManager) []byte {
		sig, err := k.Sign(payload)
		require.NoError(t, err)
		data, err := json.Marshal(common.Envelope{Message: payload, Signature: sig})
		require.NoError(t, err)
		return data
	}

	tr.receive(a, frameBy(impostor), true)
	tr.receive(a, []byte("not json"), true)
	assert.Len(t, h.msgs, 0)
	assert.Equal(t, uint64(2), tr.Stats().Dropped)

	good := frameBy(peer)
	tr.receive(a, good, true)
	tr.receive(a, good, true) // served from the verified cache
	require.Len(t, h.msgs, 2)
	got := <-h.msgs
	assert.Equal(t, peer.Address(), got.from)
	assert.Equal(t, common.KindPing, got.msg.Kind)

	// A cached signature does not vouch for a different payload.
	var env common.Envelope
	require.NoError(t, json.Unmarshal(good, &env))
	env.Message = json.RawMessage(`["pong"]`)
	forged, _ := json.Marshal(env)
	tr.receive(a, forged, true)
	assert.Len(t, h.msgs, 1)
}

func TestTransport_RateLimit(t *testing.T) {
	self, peer := newKey(t), newKey(t)
	cfg := testConfig()
	cfg.RateLimit = RateLimitConfig{MessagesPerSecond: 1, BurstSize: 2}
	tr, _ := newManualTransport(t, self, cfg, newFakeNet(true))
	h := newRecordingHandler()
	tr.handler = h

	tr.handleRelay(RelayMessage{Type: RelayAnnounce, From: peer.Address()})
	a := tr.links[peer.Address()].offered

	payload := []byte(`["ping"]`)
	sig, _ := peer.Sign(payload)
	frame, _ := json.Marshal(common.Envelope{Message: payload, Signature: sig})
	for i := 0; i < 10; i++ {
		tr.receive(a, frame, true)
	}
	assert.Less(t, len(h.msgs), 10)
	assert.Greater(t, tr.Stats().Dropped, uint64(0))
}

func TestWebSocketRelay_RoundTrip(t *testing.T) {
	server := NewMockSignalingServer()
	defer server.Close()

	dial := WebSocketDialer(time.Second)
	ctx := context.Background()
	room := RoomURL(server.URL(), "ORC20_COIN")

	a, err := dial(ctx, room)
	require.NoError(t, err)
	defer a.Close()
	b, err := dial(ctx, room)
	require.NoError(t, err)
	defer b.Close()
	other, err := dial(ctx, RoomURL(server.URL(), "ORC1_BLOCKCHAIN"))
	require.NoError(t, err)
	defer other.Close()
	assert.True(t, a.IsConnected())

	// Wait for both joins to register before sending.
	time.Sleep(50 * time.Millisecond)

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	sent := RelayMessage{Type: RelayOffer, From: "0xaaaa", To: "0xbbbb", Description: &desc}
	require.NoError(t, a.Send(sent))

	data, err := b.Receive()
	require.NoError(t, err)
	var got RelayMessage
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, sent, got)

	require.NoError(t, a.Close())
	assert.False(t, a.IsConnected())
	assert.ErrorIs(t, a.Send(sent), common.ErrNotConnected)
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "offered", StateOffered.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "unknown(9)", ConnectionState(9).String())
}
