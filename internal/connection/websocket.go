package connection

import (
	"context"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/searchlight/searchlight/internal/protocol"
)

// DefaultReadLimit caps one inbound frame. Snapshots can be large.
const DefaultReadLimit = 8 << 20

// WebsocketDialer dials the gateway's realtime endpoint.
type WebsocketDialer struct {
	// URL is the ws:// or wss:// endpoint, e.g. wss://api.example.org/v1/realtime.
	URL        string
	HTTPClient *http.Client
	ReadLimit  int64
}

// Dial opens a websocket authenticated with a bearer credential.
func (d *WebsocketDialer) Dial(ctx context.Context, credential string) (Transport, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	conn, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: status %d: %w", d.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing %s: %w", d.URL, err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)

	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(ctx context.Context, msg protocol.Message) error {
	return wsjson.Write(ctx, t.conn, msg)
}

func (t *wsTransport) Receive(ctx context.Context) (protocol.Message, error) {
	var msg protocol.Message
	err := wsjson.Read(ctx, t.conn, &msg)
	return msg, err
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

var _ Dialer = (*WebsocketDialer)(nil)
