package transport

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketDialer connects to an editor bridge over ws:// or wss://.
// Each frame travels as exactly one binary websocket message.
type WebsocketDialer struct {
	url     string
	timeout time.Duration
}

// NewWebsocketDialer creates a dialer for url
func NewWebsocketDialer(url string, timeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{url: url, timeout: timeout}
}

func (d *WebsocketDialer) Endpoint() string {
	return d.url
}

func (d *WebsocketDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.timeout}
	conn, resp, err := dialer.DialContext(ctx, d.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

const wsCloseWait = time.Second

// wsConn adapts message-oriented websocket I/O to a byte stream
type wsConn struct {
	conn   *websocket.Conn
	reader io.Reader

	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			mt, r, err := c.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseWait))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
