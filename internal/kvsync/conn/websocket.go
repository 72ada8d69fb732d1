package conn

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// DefaultReadLimit bounds a single inbound frame. Welcome frames may inline
// a full snapshot.
const DefaultReadLimit = 32 << 20

// WebSocketDialer dials realtime endpoints with coder/websocket.
type WebSocketDialer struct {
	// HTTPClient is used for the handshake; nil uses http.DefaultClient.
	HTTPClient *http.Client
	// Header is sent with the handshake.
	Header http.Header
	// ReadLimit overrides DefaultReadLimit when positive.
	ReadLimit int64
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	client := d.HTTPClient
	if client != nil && client.Timeout > 0 {
		// the handshake is bounded by ctx; a client timeout would also cap
		// the lifetime of the upgraded connection
		c := *client
		c.Timeout = 0
		client = &c
	}
	c, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: client,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	c.SetReadLimit(limit)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := w.c.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}
