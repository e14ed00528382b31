package common

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Address is an identity-derived, checksummed hex address ("0x" + 40 hex digits).
// It is the primary key for peers.
type Address string

// Short returns the first 8 characters of the address for log output.
func (a Address) Short() string {
	if len(a) <= 8 {
		return string(a)
	}
	return string(a[:8])
}

// Less reports whether a sorts lexicographically before b. Glare between two
// connection attempts is resolved in favour of the lower initiator address.
func (a Address) Less(b Address) bool {
	return a < b
}

// IsHexAddress reports whether s looks like a 0x-prefixed hex string.
func IsHexAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) < 3 {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// IdentityProvider derives the local address, signs outbound payloads and
// verifies signatures of remote ones. Implementations must be safe for
// concurrent use.
type IdentityProvider interface {
	Address() Address
	Sign(message []byte) (string, error)
	Verify(signature string, message []byte, signer Address) bool
}

// MessageKind tags the four shapes of the peer message grammar.
type MessageKind int

const (
	KindPing MessageKind = iota
	KindPong
	KindState
	KindCall
)

func (k MessageKind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindState:
		return "state"
	case KindCall:
		return "call"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Message is one element of the peer grammar:
//
//	["ping"] | ["pong"] | [oracle, "state", State] | [oracle, "call", method, args]
//
// State and Args are kept raw so the transport never needs to know an
// oracle's state type.
type Message struct {
	Kind   MessageKind
	Oracle string
	State  json.RawMessage
	Method string
	Args   json.RawMessage
}

// Ping builds a liveness check.
func Ping() Message { return Message{Kind: KindPing} }

// Pong builds a liveness reply.
func Pong() Message { return Message{Kind: KindPong} }

// StateMessage builds [oracle, "state", state].
func StateMessage(oracle string, state json.RawMessage) Message {
	return Message{Kind: KindState, Oracle: oracle, State: state}
}

// CallMessage builds [oracle, "call", method, args].
func CallMessage(oracle, method string, args json.RawMessage) Message {
	return Message{Kind: KindCall, Oracle: oracle, Method: method, Args: args}
}

// MarshalJSON encodes the message in its array form.
func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case KindPing:
		return []byte(`["ping"]`), nil
	case KindPong:
		return []byte(`["pong"]`), nil
	case KindState:
		state := m.State
		if len(state) == 0 {
			state = json.RawMessage("null")
		}
		return json.Marshal([]interface{}{m.Oracle, "state", state})
	case KindCall:
		args := m.Args
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		return json.Marshal([]interface{}{m.Oracle, "call", m.Method, args})
	default:
		return nil, fmt.Errorf("cannot encode message kind %s", m.Kind)
	}
}

// UnmarshalJSON decodes the array form, rejecting anything outside the grammar.
func (m *Message) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("message is not an array: %w", err)
	}
	if len(parts) == 0 {
		return errors.New("empty message")
	}

	var head string
	if err := json.Unmarshal(parts[0], &head); err != nil {
		return fmt.Errorf("message head is not a string: %w", err)
	}

	if len(parts) == 1 {
		switch head {
		case "ping":
			*m = Ping()
			return nil
		case "pong":
			*m = Pong()
			return nil
		}
		return fmt.Errorf("unknown message %q", head)
	}

	var verb string
	if err := json.Unmarshal(parts[1], &verb); err != nil {
		return fmt.Errorf("message verb is not a string: %w", err)
	}

	switch verb {
	case "state":
		if len(parts) != 3 {
			return fmt.Errorf("state message has %d parts", len(parts))
		}
		*m = StateMessage(head, parts[2])
	case "call":
		if len(parts) != 4 {
			return fmt.Errorf("call message has %d parts", len(parts))
		}
		var method string
		if err := json.Unmarshal(parts[2], &method); err != nil {
			return fmt.Errorf("call method is not a string: %w", err)
		}
		args := parts[3]
		if !bytes.HasPrefix(bytes.TrimSpace(args), []byte("{")) {
			return errors.New("call args must be an object")
		}
		*m = CallMessage(head, method, args)
	default:
		return fmt.Errorf("unknown verb %q", verb)
	}
	return nil
}

// Envelope is the signed frame carried over a peer channel.
type Envelope struct {
	Message   json.RawMessage `json:"message"`
	Signature string          `json:"signature"`
}

// Replier sends a message back over the channel a message arrived on.
type Replier func(ctx context.Context, msg Message) error

// Handler receives verified messages from a transport. OnConnect is invoked
// at most once, when the first peer channel opens.
type Handler interface {
	HandleMessage(from Address, msg Message, reply Replier)
	OnConnect()
}

// Network is the signed-send surface an engine needs from its transport.
type Network interface {
	Send(ctx context.Context, msg Message) (int, error)
	Self() Address
	Peers() []Address
}
