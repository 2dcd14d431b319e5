package testutil

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/chatroom/internal/chat"
)

// WSClient is a WebSocket chat client for integration testing.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// NewWSClient dials url, presenting token as a bearer credential when it is
// non-empty.
//
// Precondition: url must use the ws or wss scheme.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, url, token string) *WSClient {
	t.Helper()
	start := time.Now()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, header)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", url, err, time.Since(start))
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("websocket client connected to %s [%s]", url, time.Since(start))
	return &WSClient{conn: conn, t: t}
}

// Send writes a frame of frameType carrying payload.
func (c *WSClient) Send(frameType string, payload any) {
	c.t.Helper()
	f := chat.Frame{Type: frameType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			c.t.Fatalf("encoding %s payload: %v", frameType, err)
		}
		f.Payload = raw
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteJSON(f); err != nil {
		c.t.Fatalf("sending %s: %v", frameType, err)
	}
}

// Next reads the next frame, failing the test after timeout.
func (c *WSClient) Next(timeout time.Duration) chat.Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	var f chat.Frame
	if err := c.conn.ReadJSON(&f); err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	return f
}

// ReadUntil skips frames until one of frameType arrives.
//
// Postcondition: Returns the matching frame, or fails on timeout.
func (c *WSClient) ReadUntil(frameType string, timeout time.Duration) chat.Frame {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("timed out waiting for %q", frameType)
		}
		f := c.Next(remaining)
		if f.Type == frameType {
			return f
		}
	}
}

// WaitClosed blocks until the server closes the connection.
func (c *WSClient) WaitClosed(timeout time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				c.t.Fatalf("connection still open after %s", timeout)
			}
			return
		}
	}
}

// Close closes the underlying connection.
func (c *WSClient) Close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.conn.Close()
}
