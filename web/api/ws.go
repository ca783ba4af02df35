package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/pytest-orchestrator/internal/eventproto"
)

const (
	wsPingInterval = 30 * time.Second
	// allow missing two pings before the client is dropped
	wsReadTimeout  = 90 * time.Second
	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient serializes writes from the event pump and the read loop
type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsClient) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	err := c.conn.WriteMessage(messageType, data)
	c.conn.SetWriteDeadline(time.Time{})
	return err
}

func (c *wsClient) send(msgType string, payload interface{}) error {
	data, err := eventproto.MarshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", "err", err)
			return
		}
		s.serveWebSocket(&wsClient{conn: conn})
	}
}

func (s *Server) serveWebSocket(c *wsClient) {
	events, ok := s.hub.Subscribe()
	if !ok {
		c.conn.Close()
		return
	}

	done := make(chan struct{})
	defer func() {
		close(done)
		s.hub.Unsubscribe(events)
		c.conn.Close()
	}()

	// Current state first so a late client can render without waiting
	c.send(eventproto.TypeState, eventproto.StateMessage{Phase: s.runner.Snapshot().Phase})

	go s.pumpEvents(c, events, done)

	c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("websocket read error", "err", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var env eventproto.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			c.send(eventproto.TypeDiagnostic, eventproto.DiagnosticMessage{Message: "invalid message: " + err.Error()})
			continue
		}

		switch env.Type {
		case eventproto.TypePing:
			c.send(eventproto.TypePong, nil)

		case eventproto.TypeStart:
			var msg eventproto.StartMessage
			if len(env.Payload) > 0 {
				if err := json.Unmarshal(env.Payload, &msg); err != nil {
					c.send(eventproto.TypeDiagnostic, eventproto.DiagnosticMessage{Message: "invalid start: " + err.Error()})
					continue
				}
			}
			if _, _, err := s.startRun(msg); err != nil {
				c.send(eventproto.TypeDiagnostic, eventproto.DiagnosticMessage{Message: err.Error()})
			}

		case eventproto.TypeStop:
			s.runner.Stop()

		default:
			c.send(eventproto.TypeDiagnostic, eventproto.DiagnosticMessage{Message: "unknown message type: " + env.Type})
		}
	}
}

// pumpEvents forwards hub events and keeps the connection alive with
// protocol-level pings
func (s *Server) pumpEvents(c *wsClient, events <-chan Event, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				// dropped by the hub; ending the read loop cleans up
				c.conn.Close()
				return
			}
			if err := c.write(websocket.TextMessage, ev.Data); err != nil {
				c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}
