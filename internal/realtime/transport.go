package realtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Dialer opens transport connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live transport connection. ReadFrame is called from a single goroutine; WriteFrame
// calls are serialized by the Channel. Close must unblock a pending ReadFrame.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteFrame(ctx context.Context, f Frame) error
	Close() error
}

// HeaderFunc supplies handshake headers, typically the bearer credential.
type HeaderFunc func(ctx context.Context) (http.Header, error)

// WebsocketDialer dials the push endpoint with gorilla/websocket using JSON text frames.
type WebsocketDialer struct {
	URL              string
	Jar              http.CookieJar
	Header           HeaderFunc
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if d.Header != nil {
		h, err := d.Header(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRejected, err)
		}
		for k, v := range h {
			header[k] = v
		}
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		Jar:              d.Jar,
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: status %d: %w", ErrTransport, d.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, d.URL, err)
	}
	return &wsConn{conn: conn, writeTimeout: d.WriteTimeout}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func (c *wsConn) ReadFrame() (Frame, error) {
	var f Frame
	if err := c.conn.ReadJSON(&f); err != nil {
		return Frame{}, fmt.Errorf("%w: read: %w", ErrTransport, err)
	}
	return f, nil
}

func (c *wsConn) WriteFrame(ctx context.Context, f Frame) error {
	deadline := time.Time{}
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: write: %w", ErrTransport, err)
	}
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("%w: write: %w", ErrTransport, err)
	}
	return nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
