package channel

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket timing defaults.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
	writeWait               = 10 * time.Second
)

// WebSocketDialer dials the backend with gorilla/websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	// PingInterval enables keepalive pings; the read deadline is extended on every pong.
	// Zero disables pings.
	PingInterval time.Duration
	Header       http.Header
}

// Dial opens a WebSocket connection to url.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	ws, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		tErr := &TransportError{URL: url, Err: err}
		if resp != nil {
			tErr.Status = resp.StatusCode
		}
		return nil, tErr
	}

	c := &wsConn{
		ws:   ws,
		done: make(chan struct{}),
	}
	if d.PingInterval > 0 {
		pongWait := d.PingInterval * 2
		ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		go c.keepAlive(d.PingInterval)
	}
	return c, nil
}

type wsConn struct {
	ws        *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, fmt.Errorf("%w: %v", ErrPeerClosed, err)
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// keepAlive sends pings until the connection is closed. WriteControl may be called
// concurrently with WriteMessage.
func (c *wsConn) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
