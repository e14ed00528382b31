package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
)

const channelLabel = "openstar"

// Session is one negotiation attempt with a peer: a peer connection plus
// its single data channel. Callbacks may fire on any goroutine.
type Session interface {
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and sets it as the local description.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// Rollback discards a local offer that has not been answered.
	Rollback() error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Send(data []byte, text bool) error
	Close() error
}

// SessionCallbacks receive session events.
type SessionCallbacks struct {
	OnCandidate func(webrtc.ICECandidateInit)
	OnOpen      func()
	OnMessage   func(data []byte, isString bool)
	OnClose     func()
	OnFailed    func(error)
}

// SessionFactory creates sessions. Tests substitute in-memory sessions.
type SessionFactory func(cb SessionCallbacks) (Session, error)

// NewWebRTCSessionFactory returns a factory producing pion sessions.
func NewWebRTCSessionFactory(iceServers []string) SessionFactory {
	config := createWebRTCConfig(iceServers)
	return func(cb SessionCallbacks) (Session, error) {
		s := &webrtcSession{config: config, cb: cb}
		if err := s.build(); err != nil {
			return nil, err
		}
		return s, nil
	}
}

func createWebRTCConfig(servers []string) webrtc.Configuration {
	var iceServers []webrtc.ICEServer
	for _, server := range servers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{server},
		})
	}

	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
		BundlePolicy:       webrtc.BundlePolicyMaxCompat,
		RTCPMuxPolicy:      webrtc.RTCPMuxPolicyRequire,
	}
}

type webrtcSession struct {
	config webrtc.Configuration
	cb     SessionCallbacks

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	closed bool
}

func (s *webrtcSession) build() error {
	pc, err := webrtc.NewPeerConnection(s.config)
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	// Both sides open the same pre-negotiated channel, so no in-band
	// channel announcement is needed.
	negotiated := true
	id := uint16(0)
	ordered := true
	dc, err := pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
		Ordered:    &ordered,
	})
	if err != nil {
		pc.Close()
		return fmt.Errorf("failed to create data channel: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || !s.current(pc) || s.cb.OnCandidate == nil {
			return
		}
		s.cb.OnCandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if !s.current(pc) {
			return
		}
		switch state {
		case webrtc.PeerConnectionStateFailed:
			if s.cb.OnFailed != nil {
				s.cb.OnFailed(fmt.Errorf("peer connection %s", state))
			}
		case webrtc.PeerConnectionStateClosed:
			if s.cb.OnClose != nil {
				s.cb.OnClose()
			}
		}
	})
	dc.OnOpen(func() {
		if s.current(pc) && s.cb.OnOpen != nil {
			s.cb.OnOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if s.cb.OnMessage != nil {
			s.cb.OnMessage(msg.Data, msg.IsString)
		}
	})
	dc.OnClose(func() {
		if s.current(pc) && s.cb.OnClose != nil {
			s.cb.OnClose()
		}
	})

	s.mu.Lock()
	s.pc, s.dc = pc, dc
	s.mu.Unlock()
	return nil
}

func (s *webrtcSession) current(pc *webrtc.PeerConnection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.pc == pc
}

func (s *webrtcSession) conn() (*webrtc.PeerConnection, *webrtc.DataChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, errors.New("session closed")
	}
	return s.pc, s.dc, nil
}

func (s *webrtcSession) CreateOffer() (webrtc.SessionDescription, error) {
	pc, _, err := s.conn()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return offer, nil
}

func (s *webrtcSession) CreateAnswer() (webrtc.SessionDescription, error) {
	pc, _, err := s.conn()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return answer, nil
}

func (s *webrtcSession) SetRemoteDescription(desc webrtc.SessionDescription) error {
	pc, _, err := s.conn()
	if err != nil {
		return err
	}
	return pc.SetRemoteDescription(desc)
}

// Rollback replaces the peer connection: pion does not implement SDP
// rollback, and a connection holding only a local offer has no other state.
func (s *webrtcSession) Rollback() error {
	old, _, err := s.conn()
	if err != nil {
		return err
	}
	if err := s.build(); err != nil {
		return err
	}
	return old.Close()
}

func (s *webrtcSession) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	pc, _, err := s.conn()
	if err != nil {
		return err
	}
	return pc.AddICECandidate(candidate)
}

func (s *webrtcSession) Send(data []byte, text bool) error {
	_, dc, err := s.conn()
	if err != nil {
		return err
	}
	if dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errors.New("data channel not open")
	}
	if text {
		return dc.SendText(string(data))
	}
	return dc.Send(data)
}

func (s *webrtcSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pc := s.pc
	s.mu.Unlock()

	return pc.Close()
}
