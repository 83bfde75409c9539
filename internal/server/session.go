package server

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Chase-Garrett/courier/internal/protocol"
)

const maxFrameBytes = 1 << 20

// Session is the middleware between one authenticated websocket connection and the hub.
type Session struct {
	id       string
	identity string
	conn     *websocket.Conn
	send     chan protocol.Frame

	// owned by the hub goroutine
	channel string

	hub          *Hub
	relay        *Relay
	log          logrus.FieldLogger
	writeTimeout time.Duration
	pongTimeout  time.Duration
}

func newSession(conn *websocket.Conn, identity string, hub *Hub, relay *Relay, log logrus.FieldLogger, opts sessionOptions) *Session {
	id := uuid.NewString()
	return &Session{
		id:           id,
		identity:     identity,
		conn:         conn,
		send:         make(chan protocol.Frame, opts.sendBuffer),
		hub:          hub,
		relay:        relay,
		log:          log.WithFields(logrus.Fields{"session": id, "identity": identity}),
		writeTimeout: opts.writeTimeout,
		pongTimeout:  opts.pongTimeout,
	}
}

type sessionOptions struct {
	sendBuffer   int
	writeTimeout time.Duration
	pongTimeout  time.Duration
}

func (s *Session) ID() string       { return s.id }
func (s *Session) Identity() string { return s.identity }

func (s *Session) readPump() {
	defer func() {
		s.relay.Disconnect(s)
		s.hub.Unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.log.WithError(err).Warn("read failed")
			}
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
			s.log.Debug("dropping malformed frame")
			continue
		}
		s.relay.Handle(s, frame)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.pongTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(frame); err != nil {
				s.log.WithError(err).Warn("write failed")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
