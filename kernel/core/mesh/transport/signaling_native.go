package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nmxmxh/openstar/kernel/core/mesh/common"
)

// DialFunc opens a relay room connection.
type DialFunc func(ctx context.Context, url string) (SignalingChannel, error)

type nativeSignalingChannel struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (n *nativeSignalingChannel) Send(message interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil {
		return common.ErrNotConnected
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return n.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive must only be called from one goroutine.
func (n *nativeSignalingChannel) Receive() ([]byte, error) {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()

	if conn == nil {
		return nil, common.ErrNotConnected
	}
	_, message, err := conn.ReadMessage()
	return message, err
}

func (n *nativeSignalingChannel) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn != nil {
		err := n.conn.Close()
		n.conn = nil
		return err
	}
	return nil
}

func (n *nativeSignalingChannel) IsConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn != nil
}

// WebSocketDialer returns a DialFunc for websocket relays.
func WebSocketDialer(handshakeTimeout time.Duration) DialFunc {
	return func(ctx context.Context, url string) (SignalingChannel, error) {
		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return &nativeSignalingChannel{conn: conn}, nil
	}
}
