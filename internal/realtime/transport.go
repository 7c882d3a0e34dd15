package realtime

import (
	"context"

	"nhooyr.io/websocket"
)

// Conn is one live realtime connection.
type Conn interface {
	// Ping round-trips a heartbeat. An error means the connection is
	// no longer delivering data, even if the transport still looks
	// open.
	Ping(ctx context.Context) error
	// Read blocks for the next message.
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Transport dials the backend's realtime endpoint. Injected so tests
// can substitute a scripted fake.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

type wsTransport struct {
	url   string
	token func() string
}

// NewWebSocketTransport dials url with a Bearer token supplied per
// attempt, so a refreshed session is picked up on reconnect.
func NewWebSocketTransport(url string, token func() string) Transport {
	return &wsTransport{url: url, token: token}
}

func (t *wsTransport) Dial(ctx context.Context) (Conn, error) {
	opts := &websocket.DialOptions{}
	if t.token != nil {
		if tok := t.token(); tok != "" {
			opts.HTTPHeader = map[string][]string{
				"Authorization": {"Bearer " + tok},
			}
		}
	}
	conn, _, err := websocket.Dial(ctx, t.url, opts)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
