package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marketmirror/marketmirror/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// WSClient is a client for the Polymarket CLOB market data WebSocket. One
// WSClient covers one connection lifetime: the ingester calls Connect,
// Subscribe, then Read in a loop, and owns reconnection when Read fails.
type WSClient struct {
	wsURL string

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	done   chan struct{}
}

// NewWSClient creates a new WebSocket client for the given endpoint,
// e.g. "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewWSClient(wsURL string) *WSClient {
	return &WSClient{wsURL: wsURL}
}

// Connect dials the WebSocket endpoint and starts the keep-alive ping loop.
// It may be called again after Read fails to establish a fresh connection.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("polymarket/ws: %w", domain.ErrWSDisconnect)
	}
	if w.conn != nil {
		_ = w.conn.Close()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	w.conn = conn

	if w.done != nil {
		close(w.done)
	}
	w.done = make(chan struct{})
	go w.pingLoop(conn, w.done)

	return nil
}

// Subscribe sends the market data subscription for the given asset IDs.
func (w *WSClient) Subscribe(assetIDs []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("polymarket/ws: not connected")
	}

	cmd := WSCommand{
		AssetIDs: assetIDs,
		Type:     "market",
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("polymarket/ws: marshal subscribe: %w", err)
	}

	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}
	return nil
}

// Read blocks until the next frame arrives and returns its raw payload. On
// connection failure it returns an error wrapping domain.ErrWSDisconnect;
// the caller decides whether to reconnect.
func (w *WSClient) Read() ([]byte, error) {
	w.mu.Lock()
	conn := w.conn
	closed := w.closed
	w.mu.Unlock()

	if closed || conn == nil {
		return nil, fmt.Errorf("polymarket/ws: %w", domain.ErrWSDisconnect)
	}

	_, message, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("polymarket/ws: read: %v: %w", err, domain.ErrWSDisconnect)
	}
	return message, nil
}

// Close shuts down the connection. A blocked Read unblocks with an error.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.done != nil {
		close(w.done)
		w.done = nil
	}

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}
	return nil
}

// pingLoop sends periodic pings to keep the connection alive. It exits when
// the connection is replaced or the client is closed.
func (w *WSClient) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
