package server

import (
	"context"
	"errors"

	"github.com/Chase-Garrett/courier/internal/protocol"
)

var (
	ErrNoIdentity    = errors.New("session has no identity")
	ErrForbidden     = errors.New("forbidden")
	ErrSessionClosed = errors.New("session closed")
	ErrHubStopped    = errors.New("hub stopped")
)

// Router maps sessions onto identity channels.
type Router interface {
	Join(s *Session, channelID string) error
	Leave(s *Session, channelID string)
	ChannelOf(s *Session) string
	Publish(channelID string, f protocol.Frame)
	SendTo(s *Session, f protocol.Frame)
}

type joinRequest struct {
	session *Session
	channel string
	result  chan error
}

type membership struct {
	session *Session
	channel string
}

type channelRequest struct {
	session *Session
	result  chan string
}

type publication struct {
	channel string
	session *Session
	frame   protocol.Frame
}

type countRequest struct {
	channel string
	result  chan int
}

// Hub maintains the active sessions and their identity channels. All membership state is owned
// by the Run goroutine, so a leave and a publish can never interleave on the same session.
type Hub struct {
	sessions map[*Session]struct{}
	channels map[string]map[*Session]struct{}

	register   chan *Session
	unregister chan *Session
	join       chan joinRequest
	leave      chan membership
	channelOf  chan channelRequest
	forward    chan publication
	count      chan countRequest
	done       chan struct{}

	metrics *Metrics
}

func NewHub(metrics *Metrics) *Hub {
	return &Hub{
		sessions:   make(map[*Session]struct{}),
		channels:   make(map[string]map[*Session]struct{}),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		join:       make(chan joinRequest),
		leave:      make(chan membership),
		channelOf:  make(chan channelRequest),
		forward:    make(chan publication, 1024),
		count:      make(chan countRequest),
		done:       make(chan struct{}),
		metrics:    metrics,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for s := range h.sessions {
			h.drop(s)
		}
		close(h.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-h.register:
			h.sessions[s] = struct{}{}
			h.metrics.sessionOpened()
		case s := <-h.unregister:
			if _, ok := h.sessions[s]; ok {
				h.drop(s)
			}
		case req := <-h.join:
			req.result <- h.add(req.session, req.channel)
		case m := <-h.leave:
			if m.session.channel == m.channel {
				h.removeMember(m.session)
			}
		case req := <-h.channelOf:
			req.result <- req.session.channel
		case p := <-h.forward:
			if p.session != nil {
				if _, ok := h.sessions[p.session]; ok {
					h.deliver(p.session, p.frame)
				}
				continue
			}
			// copy: deliver may drop members while we iterate
			members := make([]*Session, 0, len(h.channels[p.channel]))
			for s := range h.channels[p.channel] {
				members = append(members, s)
			}
			for _, s := range members {
				h.deliver(s, p.frame)
			}
		case req := <-h.count:
			req.result <- len(h.channels[req.channel])
		}
	}
}

func (h *Hub) add(s *Session, channel string) error {
	if _, ok := h.sessions[s]; !ok {
		return ErrSessionClosed
	}
	if s.identity == "" {
		return ErrNoIdentity
	}
	if channel != s.identity {
		return ErrForbidden
	}
	// at most one channel per session
	h.removeMember(s)
	members, ok := h.channels[channel]
	if !ok {
		members = make(map[*Session]struct{})
		h.channels[channel] = members
	}
	members[s] = struct{}{}
	s.channel = channel
	return nil
}

func (h *Hub) removeMember(s *Session) {
	if s.channel == "" {
		return
	}
	if members, ok := h.channels[s.channel]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.channels, s.channel)
		}
	}
	s.channel = ""
}

func (h *Hub) drop(s *Session) {
	h.removeMember(s)
	delete(h.sessions, s)
	close(s.send)
	h.metrics.sessionClosed()
}

func (h *Hub) deliver(s *Session, f protocol.Frame) {
	select {
	case s.send <- f:
	default:
		// slow consumer
		h.drop(s)
	}
}

// Register adds a session; it cannot receive anything until it joins its channel.
func (h *Hub) Register(s *Session) error {
	select {
	case h.register <- s:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// Unregister removes a session from the hub and its channel, and closes its send queue.
func (h *Hub) Unregister(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// Join adds s to channelID, which must be the session's own identity.
func (h *Hub) Join(s *Session, channelID string) error {
	req := joinRequest{session: s, channel: channelID, result: make(chan error, 1)}
	select {
	case h.join <- req:
	case <-h.done:
		return ErrHubStopped
	}
	select {
	case err := <-req.result:
		return err
	case <-h.done:
		return ErrHubStopped
	}
}

// Leave removes s from channelID; the session stays registered.
func (h *Hub) Leave(s *Session, channelID string) {
	select {
	case h.leave <- membership{session: s, channel: channelID}:
	case <-h.done:
	}
}

// ChannelOf returns the channel s has joined, or "" when it has not joined one.
func (h *Hub) ChannelOf(s *Session) string {
	req := channelRequest{session: s, result: make(chan string, 1)}
	select {
	case h.channelOf <- req:
	case <-h.done:
		return ""
	}
	select {
	case channel := <-req.result:
		return channel
	case <-h.done:
		return ""
	}
}

// Publish queues f for every member of channelID without waiting for delivery.
func (h *Hub) Publish(channelID string, f protocol.Frame) {
	select {
	case h.forward <- publication{channel: channelID, frame: f}:
	case <-h.done:
	}
}

// SendTo queues f for a single session.
func (h *Hub) SendTo(s *Session, f protocol.Frame) {
	select {
	case h.forward <- publication{session: s, frame: f}:
	case <-h.done:
	}
}

// Members reports how many sessions are in channelID.
func (h *Hub) Members(channelID string) int {
	req := countRequest{channel: channelID, result: make(chan int, 1)}
	select {
	case h.count <- req:
	case <-h.done:
		return 0
	}
	select {
	case n := <-req.result:
		return n
	case <-h.done:
		return 0
	}
}
