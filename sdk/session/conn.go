package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/pkg/protocol"
	"github.com/mbeoliero/chatsync/sdk"
)

var (
	ErrConnClosed       = errors.New("connection closed")
	ErrWriteChannelFull = errors.New("write channel full")
)

// Conn is one established realtime connection
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens realtime connections
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// GorillaDialer dials with gorilla/websocket
type GorillaDialer struct {
	Dialer     *websocket.Dialer
	MaxMsgSize int64
	PongWait   time.Duration
	PingPeriod time.Duration
}

// NewGorillaDialer creates a dialer with the protocol's default timings
func NewGorillaDialer() *GorillaDialer {
	return &GorillaDialer{
		Dialer:     websocket.DefaultDialer,
		MaxMsgSize: protocol.MaxMessageSize,
		PongWait:   protocol.PongWait,
		PingPeriod: protocol.PingPeriod,
	}
}

// Dial opens a connection; a 401 or 403 handshake is reported as sdk.ErrAuth
func (d *GorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := d.Dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake rejected with status %d", sdk.ErrAuth, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %w", sdk.ErrNetwork, err)
	}
	return newGorillaConn(conn, d.MaxMsgSize, d.PongWait, d.PingPeriod), nil
}

// gorillaConn implements Conn using gorilla/websocket
type gorillaConn struct {
	conn       *websocket.Conn
	writeChan  chan []byte
	writeMu    sync.Mutex
	closeOnce  sync.Once
	closed     bool
	pingPeriod time.Duration
	pongWait   time.Duration
}

func newGorillaConn(conn *websocket.Conn, maxMsgSize int64, pongWait, pingPeriod time.Duration) *gorillaConn {
	c := &gorillaConn{
		conn:       conn,
		writeChan:  make(chan []byte, 64),
		pingPeriod: pingPeriod,
		pongWait:   pongWait,
	}

	conn.SetReadLimit(maxMsgSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.writeLoop()
	return c
}

// writeLoop is the only writer of the underlying connection
func (c *gorillaConn) writeLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.writeChan:
			_ = c.conn.SetWriteDeadline(time.Now().Add(protocol.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("session write error: %v", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(protocol.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug("session ping error: %v", err)
				return
			}
		}
	}
}

func (c *gorillaConn) ReadMessage() ([]byte, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	_, message, err := c.conn.ReadMessage()
	return message, err
}

func (c *gorillaConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return ErrConnClosed
	}

	select {
	case c.writeChan <- data:
		return nil
	default:
		return ErrWriteChannelFull
	}
}

func (c *gorillaConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		close(c.writeChan)
		c.writeMu.Unlock()
	})
	return nil
}
