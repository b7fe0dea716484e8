package connection

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is the persistent event channel. Close must be safe to call concurrently with ReadMessage.
type Socket interface {
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// Dialer opens the persistent channel. Implementations must honour ctx cancellation.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// WebsocketDialer dials the Remote Control websocket server with gorilla/websocket.
type WebsocketDialer struct {
	dialer *websocket.Dialer
}

func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}
