package duplex

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// wsTransport adapts a coder/websocket connection to the Transport interface.
type wsTransport struct {
	conn *websocket.Conn
}

// WebsocketDialer returns a Dialer that establishes text-frame websocket
// transports against the given endpoint.
func WebsocketDialer(url string) Dialer {
	return func(ctx context.Context) (Transport, error) {
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		// 1 MiB frames; position streams batch generously.
		conn.SetReadLimit(1 << 20)
		return &wsTransport{conn: conn}, nil
	}
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := t.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if msgType != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "shutdown")
}
