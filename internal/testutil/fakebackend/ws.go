package fakebackend

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type wsConn struct {
	conn   *websocket.Conn
	writes sync.Mutex
}

func (c *wsConn) send(v any) error {
	c.writes.Lock()
	defer c.writes.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

// RejectWSAuth makes subsequent websocket handshakes fail authentication.
func (b *Backend) RejectWSAuth(reject bool) {
	b.mu.Lock()
	b.rejectWSAuth = reject
	b.mu.Unlock()
}

// Connections returns the number of authenticated clients on stream.
func (b *Backend) Connections(stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams[stream])
}

// Attempts returns how many websocket upgrades were attempted on stream.
func (b *Backend) Attempts(stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wsAttempts[stream]
}

// Subscriptions returns client commands other than ping received on stream.
func (b *Backend) Subscriptions(stream string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]any(nil), b.subs[stream]...)
}

// Push broadcasts v to every authenticated client on stream.
func (b *Backend) Push(stream string, v any) int {
	b.mu.Lock()
	conns := make([]*wsConn, 0, len(b.streams[stream]))
	for c := range b.streams[stream] {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	sent := 0
	for _, c := range conns {
		if err := c.send(v); err == nil {
			sent++
		}
	}
	return sent
}

// Drop closes every client connection on stream without a close frame.
func (b *Backend) Drop(stream string) {
	b.mu.Lock()
	conns := make([]*wsConn, 0, len(b.streams[stream]))
	for c := range b.streams[stream] {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}

func (b *Backend) serveWS(c *gin.Context, stream string) {
	b.mu.Lock()
	b.wsAttempts[stream]++
	b.mu.Unlock()

	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	conn := &wsConn{conn: raw}
	defer func() { _ = raw.Close() }()

	_ = raw.SetReadDeadline(time.Now().Add(5 * time.Second))
	var hello struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	}
	if err := raw.ReadJSON(&hello); err != nil {
		return
	}
	_ = raw.SetReadDeadline(time.Time{})

	b.mu.Lock()
	reject := b.rejectWSAuth
	b.mu.Unlock()
	if _, ok := b.userForToken(hello.Token); reject || hello.Type != "auth" || !ok {
		_ = conn.send(map[string]string{"type": "error", "error": "Authentication required"})
		conn.writes.Lock()
		_ = raw.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Authentication required"),
			time.Now().Add(time.Second))
		conn.writes.Unlock()
		return
	}

	b.mu.Lock()
	if b.streams[stream] == nil {
		b.streams[stream] = make(map[*wsConn]struct{})
	}
	b.streams[stream][conn] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.streams[stream], conn)
		b.mu.Unlock()
	}()

	if err := conn.send(map[string]string{"type": "auth_success"}); err != nil {
		return
	}

	for {
		_, payload, err := raw.ReadMessage()
		if err != nil {
			return
		}
		var cmd map[string]any
		if err := json.Unmarshal(payload, &cmd); err != nil {
			continue
		}
		if cmd["action"] == "ping" || cmd["type"] == "ping" {
			_ = conn.send(map[string]string{"type": "pong"})
			continue
		}
		b.mu.Lock()
		b.subs[stream] = append(b.subs[stream], cmd)
		b.mu.Unlock()
	}
}
