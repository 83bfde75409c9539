package contact

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Chase-Garrett/courier/internal/envelope"
	"github.com/Chase-Garrett/courier/internal/protocol"
)

// HandleFrame applies one relay frame to the active conversation. Frames for other
// conversations and unreadable deliveries are ignored.
func (e *Engine) HandleFrame(ctx context.Context, f protocol.Frame) error {
	if base, ok := strings.CutSuffix(f.Event, ":"+e.identity); ok {
		return e.handleDelivery(base, f)
	}

	switch {
	case f.Event == protocol.EventJoined:
		e.log.Debug("joined identity channel")
	case strings.HasSuffix(f.Event, ":ack"):
		e.log.WithField("event", f.Event).Debug("relay acknowledged event")
	case strings.HasSuffix(f.Event, ":error"):
		var reply protocol.ErrorReply
		_ = f.Decode(&reply)
		e.log.WithFields(logrus.Fields{"event": f.Event, "status": reply.Status, "reason": reply.Reason}).
			Warn("relay rejected event")
	default:
		e.log.WithField("event", f.Event).Debug("ignoring frame")
	}
	return nil
}

func (e *Engine) handleDelivery(event string, f protocol.Frame) error {
	switch event {
	case protocol.EventReceiveContactMessage, protocol.EventReceiveUpdatedContactMessage:
		var d protocol.Delivery
		if err := f.Decode(&d); err != nil {
			return errors.Wrapf(err, "decode %s", event)
		}
		e.receive(d.Envelope, event == protocol.EventReceiveUpdatedContactMessage)

	case protocol.EventReceiveDeletedContactMessage:
		var n protocol.DeletedNotice
		if err := f.Decode(&n); err != nil {
			return errors.Wrapf(err, "decode %s", event)
		}
		if gen, ok := e.fromCounterpart(event, n.UserID); ok {
			e.applyDelete(gen, n.MessageID, n.Remove)
		}

	case protocol.EventReceiveMessageRead:
		var n protocol.ReadNotice
		if err := f.Decode(&n); err != nil {
			return errors.Wrapf(err, "decode %s", event)
		}
		gen, ok := e.fromCounterpart(event, n.UserID)
		if !ok {
			return nil
		}
		e.mu.Lock()
		if m, ok := e.byID[n.MessageID]; ok && gen == e.generation && m.Direction == protocol.DirectionUser {
			m.Status = m.Status.Max(protocol.StatusRead)
		}
		e.mu.Unlock()

	case protocol.EventReceiveContactMessageReact:
		var n protocol.ReactionNotice
		if err := f.Decode(&n); err != nil {
			return errors.Wrapf(err, "decode %s", event)
		}
		if gen, ok := e.fromCounterpart(event, n.UserID); ok {
			e.applyReaction(gen, n.MessageID, n.Reaction)
		}

	default:
		e.log.WithField("event", f.Event).Debug("ignoring delivery")
	}
	return nil
}

// fromCounterpart reports whether a notice was sent by the active conversation's counterpart.
func (e *Engine) fromCounterpart(event, sender string) (uint64, bool) {
	c, gen, err := e.snapshot()
	if err != nil {
		return 0, false
	}
	if sender != c.ContactUserID {
		e.log.WithFields(logrus.Fields{"event": event, "sender": sender}).Debug("ignoring notice from outside the conversation")
		return 0, false
	}
	return gen, true
}

// receive opens a live envelope from the counterpart and merges it.
func (e *Engine) receive(env protocol.Envelope, update bool) {
	c, gen, err := e.snapshot()
	if err != nil || env.UserID != c.ContactUserID || env.ContactUserID != e.identity {
		return
	}
	log := e.log.WithFields(logrus.Fields{"contact": c.ID, "message": env.MessageID})

	payload, err := envelope.OpenPayload(protocol.DirectionContactUser, e.self, c.Keys.Signing,
		env.ContactUserEncryptedMessage, env.MessageSignature)
	if err != nil {
		log.WithError(err).Debug("dropping unreadable delivery")
		return
	}

	m := &Message{
		ID:         env.ID,
		MessageID:  env.MessageID,
		ContactID:  c.ID,
		Direction:  protocol.DirectionContactUser,
		Payload:    payload,
		Status:     protocol.StatusDelivered,
		CreatedAt:  env.CreatedAt,
		Signature:  env.MessageSignature,
		Ciphertext: env.ContactUserEncryptedMessage,
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = e.now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		return
	}
	if update {
		existing, ok := e.byID[env.MessageID]
		if !ok {
			log.Debug("update for message outside loaded history")
			return
		}
		m.ID = existing.ID
		m.CreatedAt = existing.CreatedAt
	}
	e.merge(m)
	e.resort()
	e.armTracking()
}
