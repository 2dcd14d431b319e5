package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn adapts a WebSocket connection to chat.Transport. Writes are serialised
// and a background ping keeps the read deadline moving while the peer answers.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex

	readTimeout  time.Duration
	writeTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps an upgraded WebSocket connection and starts its ping loop.
//
// Precondition: ws must be an open connection; pingInterval must be below
// readTimeout.
// Postcondition: Returns a Conn ready for reading and writing.
func NewConn(ws *websocket.Conn, readTimeout, writeTimeout, pingInterval time.Duration, maxFrameBytes int64) *Conn {
	c := &Conn{
		ws:           ws,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}

	if maxFrameBytes > 0 {
		ws.SetReadLimit(maxFrameBytes)
	}
	c.extendReadDeadline()
	ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	if pingInterval > 0 {
		go c.pingLoop(pingInterval)
	}
	return c
}

func (c *Conn) extendReadDeadline() {
	if c.readTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
}

// ReadMessage returns the payload of the next text or binary message. Every
// inbound message extends the read deadline.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.extendReadDeadline()
	return data, nil
}

// WriteMessage sends data as one text message.
func (c *Conn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal closure frame and closes the connection. Safe to call
// more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}
