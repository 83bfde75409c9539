package server

import (
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Chase-Garrett/courier/internal/protocol"
)

// Relay validates, authorizes and fans out protocol events. It keeps no state of its own:
// durability belongs to the message store, membership to the hub.
type Relay struct {
	router  Router
	log     logrus.FieldLogger
	metrics *Metrics
}

func NewRelay(router Router, log logrus.FieldLogger, metrics *Metrics) *Relay {
	return &Relay{router: router, log: log, metrics: metrics}
}

// Handle processes one inbound frame from s. Rejections are terminal for the event only.
func (r *Relay) Handle(s *Session, f protocol.Frame) {
	switch f.Event {
	case protocol.EventJoinUserRoom:
		r.joinUserRoom(s, f)

	case protocol.EventNewContactMessage:
		var env protocol.Envelope
		if r.decode(s, f, &env) {
			r.route(s, f.Event, env, protocol.EventReceiveContactMessage,
				protocol.Delivery{Status: http.StatusOK, Envelope: env},
				protocol.Ack{Status: http.StatusOK, ContactID: env.ContactID, MessageID: env.MessageID, MessageSignature: env.MessageSignature})
		}

	case protocol.EventUpdateContactMessage:
		var env protocol.Envelope
		if r.decode(s, f, &env) {
			r.route(s, f.Event, env, protocol.EventReceiveUpdatedContactMessage,
				protocol.Delivery{Status: http.StatusOK, Envelope: env},
				protocol.Ack{Status: http.StatusOK, ContactID: env.ContactID, MessageID: env.MessageID, MessageSignature: env.MessageSignature})
		}

	case protocol.EventDeleteContactMessage:
		var p protocol.DeletePayload
		if r.decode(s, f, &p) {
			r.route(s, f.Event, p, protocol.EventReceiveDeletedContactMessage,
				protocol.DeletedNotice{Status: http.StatusOK, UserID: p.UserID, MessageID: p.MessageID, Remove: p.Remove},
				protocol.Ack{Status: http.StatusOK, ContactID: p.ContactID, MessageID: p.MessageID})
		}

	case protocol.EventReadContactMessage:
		var p protocol.ReadPayload
		if r.decode(s, f, &p) {
			r.route(s, f.Event, p, protocol.EventReceiveMessageRead,
				protocol.ReadNotice{Status: http.StatusOK, UserID: p.UserID, MessageID: p.MessageID, ContactID: p.ContactID},
				protocol.Ack{Status: http.StatusOK, ContactID: p.ContactID, MessageID: p.MessageID})
		}

	case protocol.EventReactContactMessage:
		var p protocol.ReactionPayload
		if r.decode(s, f, &p) {
			r.route(s, f.Event, p, protocol.EventReceiveContactMessageReact,
				protocol.ReactionNotice{Status: http.StatusOK, UserID: p.UserID, MessageID: p.MessageID, Reaction: p.Reaction.Value},
				protocol.Ack{Status: http.StatusOK, ContactID: p.ContactID, MessageID: p.MessageID})
		}

	default:
		r.metrics.event(f.Event, resultUnknown)
		r.reply(s, protocol.ErrorEvent(f.Event), protocol.ErrorReply{Status: http.StatusBadRequest, Reason: "unknown event"})
	}
}

// Disconnect takes a closing session out of its identity channel before the hub forgets it.
func (r *Relay) Disconnect(s *Session) {
	channel := r.router.ChannelOf(s)
	if channel == "" {
		return
	}
	r.router.Leave(s, channel)
	s.log.WithField("channel", channel).Debug("left identity channel")
}

func (r *Relay) joinUserRoom(s *Session, f protocol.Frame) {
	var requested string
	if err := f.Decode(&requested); err != nil || requested == "" {
		r.metrics.event(f.Event, resultInvalid)
		r.reply(s, protocol.ErrorEvent(f.Event), protocol.ErrorReply{Status: http.StatusBadRequest, Reason: "missing required fields: id"})
		return
	}

	if err := r.router.Join(s, requested); err != nil {
		r.metrics.event(f.Event, resultForbidden)
		if err == ErrForbidden || err == ErrNoIdentity {
			s.log.WithFields(logrus.Fields{"event": f.Event, "requested": requested, "security": true}).
				Warn("rejected join of foreign identity channel")
		}
		r.reply(s, protocol.ErrorEvent(f.Event), protocol.ErrorReply{Status: http.StatusForbidden, Reason: "forbidden"})
		return
	}

	r.metrics.event(f.Event, resultJoined)
	r.reply(s, protocol.EventJoined, protocol.Joined{ID: requested})
}

func (r *Relay) decode(s *Session, f protocol.Frame, v any) bool {
	if err := f.Decode(v); err != nil {
		r.metrics.event(f.Event, resultMalformed)
		r.reply(s, protocol.ErrorEvent(f.Event), protocol.ErrorReply{Status: http.StatusBadRequest, Reason: "bad request"})
		return false
	}
	return true
}

func (r *Relay) route(s *Session, event string, payload protocol.Routed, outEvent string, out any, ack protocol.Ack) {
	if missing := payload.Missing(); len(missing) > 0 {
		r.metrics.event(event, resultInvalid)
		r.reply(s, protocol.ErrorEvent(event), protocol.ErrorReply{
			Status: http.StatusBadRequest,
			Reason: "missing required fields: " + strings.Join(missing, ", "),
		})
		return
	}

	if payload.Sender() != s.identity {
		r.metrics.event(event, resultForbidden)
		s.log.WithFields(logrus.Fields{"event": event, "claimed": payload.Sender(), "security": true}).
			Warn("rejected event with forged sender")
		r.reply(s, protocol.ErrorEvent(event), protocol.ErrorReply{Status: http.StatusForbidden, Reason: "forbidden"})
		return
	}

	if r.router.ChannelOf(s) != s.identity {
		r.metrics.event(event, resultForbidden)
		s.log.WithFields(logrus.Fields{"event": event, "security": true}).
			Warn("rejected event from session outside its identity channel")
		r.reply(s, protocol.ErrorEvent(event), protocol.ErrorReply{Status: http.StatusForbidden, Reason: "forbidden"})
		return
	}

	recipient := payload.Recipient()
	frame, err := protocol.NewFrame(protocol.RecipientEvent(outEvent, recipient), out)
	if err != nil {
		s.log.WithError(err).Error("encode relay frame")
		r.reply(s, protocol.ErrorEvent(event), protocol.ErrorReply{Status: http.StatusInternalServerError, Reason: "internal error"})
		return
	}
	r.router.Publish(recipient, frame)
	r.metrics.event(event, resultRelayed)
	r.reply(s, protocol.AckEvent(event), ack)
}

func (r *Relay) reply(s *Session, event string, data any) {
	frame, err := protocol.NewFrame(event, data)
	if err != nil {
		s.log.WithError(err).Error("encode reply frame")
		return
	}
	r.router.SendTo(s, frame)
}
