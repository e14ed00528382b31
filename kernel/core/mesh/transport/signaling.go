package transport

import (
	"github.com/pion/webrtc/v3"

	"github.com/nmxmxh/openstar/kernel/core/mesh/common"
)

// SignalingChannel defines the interface for the relay room connection
type SignalingChannel interface {
	Send(message interface{}) error
	Receive() ([]byte, error)
	Close() error
	IsConnected() bool
}

// RelayType tags the four handshake records exchanged over the relay.
type RelayType string

const (
	RelayAnnounce  RelayType = "announce"
	RelayOffer     RelayType = "offer"
	RelayAnswer    RelayType = "answer"
	RelayCandidate RelayType = "candidate"
)

// RelayMessage is one handshake record. The relay broadcasts every record
// to the whole room; records addressed to someone else are ignored.
type RelayMessage struct {
	Type        RelayType                  `json:"type"`
	From        common.Address             `json:"from"`
	To          common.Address             `json:"to,omitempty"`
	Initiator   common.Address             `json:"initiator,omitempty"`
	Description *webrtc.SessionDescription `json:"description,omitempty"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// RoomURL returns the relay room shared by all peers of one oracle.
func RoomURL(relayURL, oracle string) string {
	for len(relayURL) > 0 && relayURL[len(relayURL)-1] == '/' {
		relayURL = relayURL[:len(relayURL)-1]
	}
	return relayURL + "/" + oracle
}
