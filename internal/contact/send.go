package contact

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Chase-Garrett/courier/internal/envelope"
	"github.com/Chase-Garrett/courier/internal/protocol"
)

func (e *Engine) ready() (Contact, uint64, error) {
	c, gen, err := e.snapshot()
	if err != nil {
		return Contact{}, 0, err
	}
	if !c.Ready() {
		return Contact{}, 0, ErrContactNotReady
	}
	return c, gen, nil
}

// seal builds the envelope for text and applies the size ceilings.
func (e *Engine) seal(c Contact, text string) (protocol.Envelope, error) {
	sealed, err := envelope.Seal(e.self, c.Keys, protocol.Payload{Message: text})
	if err != nil {
		return protocol.Envelope{}, errors.Wrap(err, "seal message")
	}
	env := protocol.Envelope{
		ContactID:                   c.ID,
		UserID:                      e.identity,
		ContactUserID:               c.ContactUserID,
		MessageSignature:            sealed.Signature,
		UserEncryptedMessage:        sealed.EncryptedForSelf,
		ContactUserEncryptedMessage: sealed.EncryptedForContact,
	}

	ciphertext, request := env.Sizes()
	if e.opts.MaxCiphertextBytes > 0 && ciphertext > e.opts.MaxCiphertextBytes {
		return protocol.Envelope{}, ErrMessageTooLarge
	}
	if e.opts.MaxRequestBytes > 0 && request > e.opts.MaxRequestBytes {
		return protocol.Envelope{}, ErrMessageTooLarge
	}
	return env, nil
}

func (e *Engine) ref(c Contact, messageID string) protocol.MessageRef {
	return protocol.MessageRef{
		ContactID:     c.ID,
		UserID:        e.identity,
		ContactUserID: c.ContactUserID,
		MessageID:     messageID,
	}
}

func (e *Engine) emit(ctx context.Context, event string, data any) {
	if e.relay == nil {
		return
	}
	if err := e.relay.Emit(ctx, event, data); err != nil {
		// the store already holds the change; the peer sees it on its next load
		e.log.WithError(err).WithField("event", event).Warn("relay emit failed")
	}
}

// Send encrypts text for the active contact, shows it optimistically, persists it and
// announces it on the relay. A rejected or timed out persistence call removes the
// optimistic entry again.
func (e *Engine) Send(ctx context.Context, text string) (Message, error) {
	c, gen, err := e.ready()
	if err != nil {
		return Message{}, err
	}
	env, err := e.seal(c, text)
	if err != nil {
		return Message{}, err
	}

	tempID := e.newID()
	optimistic := &Message{
		ID:         tempID,
		MessageID:  tempID,
		ContactID:  c.ID,
		Direction:  protocol.DirectionUser,
		Payload:    protocol.Payload{Message: text},
		Status:     protocol.StatusSent,
		CreatedAt:  e.now(),
		Signature:  env.MessageSignature,
		Ciphertext: env.UserEncryptedMessage,
		Pending:    true,
	}
	e.mu.Lock()
	if gen != e.generation {
		e.mu.Unlock()
		return Message{}, ErrConversationMoved
	}
	e.merge(optimistic)
	e.resort()
	e.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
	res, err := e.api.Send(sendCtx, env)
	cancel()
	if err != nil {
		e.mu.Lock()
		if gen == e.generation {
			e.remove(tempID)
		}
		e.mu.Unlock()

		e.log.WithError(err).WithField("contact", c.ID).Warn("message send rejected")
		if errors.Is(err, ErrMessageTooLarge) {
			return Message{}, ErrMessageTooLarge
		}
		return Message{}, ErrSendFailed
	}

	var out Message
	e.mu.Lock()
	if gen == e.generation {
		if m := e.rename(tempID, res.SharedMessageID); m != nil {
			if m.Pending {
				m.ID = res.MessageID
				m.Pending = false
			}
			e.seen[m.key()] = struct{}{}
			e.resort()
			out = m.clone()
		}
	}
	e.mu.Unlock()

	env.ID = res.MirrorMessageID
	env.MessageID = res.SharedMessageID
	env.CreatedAt = optimistic.CreatedAt
	e.emit(ctx, protocol.EventNewContactMessage, env)

	if out.MessageID == "" {
		out = optimistic.clone()
		out.ID, out.MessageID, out.Pending = res.MessageID, res.SharedMessageID, false
	}
	return out, nil
}

func (e *Engine) authored(messageID string) (*Message, error) {
	m, ok := e.byID[messageID]
	if !ok || m.Pending {
		return nil, ErrUnknownMessage
	}
	if m.Direction != protocol.DirectionUser {
		return nil, ErrNotAuthor
	}
	if m.Status == protocol.StatusDeleted {
		return nil, ErrUnknownMessage
	}
	return m, nil
}

// Edit replaces the text of a message the local identity authored.
func (e *Engine) Edit(ctx context.Context, messageID, text string) error {
	c, gen, err := e.ready()
	if err != nil {
		return err
	}
	e.mu.Lock()
	_, err = e.authored(messageID)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	env, err := e.seal(c, text)
	if err != nil {
		return err
	}
	env.MessageID = messageID

	updateCtx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
	err = e.api.Update(updateCtx, env)
	cancel()
	if err != nil {
		e.log.WithError(err).WithField("message", messageID).Warn("message edit rejected")
		if errors.Is(err, ErrMessageTooLarge) {
			return ErrMessageTooLarge
		}
		return ErrSendFailed
	}

	e.mu.Lock()
	if m, ok := e.byID[messageID]; ok && gen == e.generation {
		m.Payload = protocol.Payload{Message: text}
		m.Signature = env.MessageSignature
		m.Ciphertext = env.UserEncryptedMessage
		e.seen[m.key()] = struct{}{}
	}
	e.mu.Unlock()

	e.emit(ctx, protocol.EventUpdateContactMessage, env)
	return nil
}

// React sets the local identity's reaction on a message; nil clears it.
func (e *Engine) React(ctx context.Context, messageID string, reaction *string) error {
	c, gen, err := e.snapshot()
	if err != nil {
		return err
	}
	e.mu.Lock()
	m, ok := e.byID[messageID]
	known := ok && !m.Pending && m.Status != protocol.StatusDeleted
	e.mu.Unlock()
	if !known {
		return ErrUnknownMessage
	}

	if err := e.api.React(ctx, messageID, reaction); err != nil {
		return err
	}
	e.applyReaction(gen, messageID, reaction)
	e.emit(ctx, protocol.EventReactContactMessage, protocol.ReactionPayload{
		MessageRef: e.ref(c, messageID),
		Reaction:   protocol.NewReaction(reaction),
	})
	return nil
}

func (e *Engine) applyReaction(gen uint64, messageID string, reaction *string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.byID[messageID]
	if !ok || gen != e.generation || m.Status == protocol.StatusDeleted {
		return
	}
	m.Reaction = copyReaction(reaction)
	m.reactionLive = true
}

// Delete removes a message. ScopeBoth erases it for both parties; ScopeSingle leaves a tombstone.
func (e *Engine) Delete(ctx context.Context, messageID string, scope protocol.DeleteScope) error {
	c, gen, err := e.snapshot()
	if err != nil {
		return err
	}
	e.mu.Lock()
	m, ok := e.byID[messageID]
	known := ok && !m.Pending
	e.mu.Unlock()
	if !known {
		return ErrUnknownMessage
	}
	if scope == "" {
		scope = protocol.ScopeSingle
	}

	if err := e.api.Delete(ctx, c.ID, messageID, scope); err != nil {
		return err
	}
	remove := scope == protocol.ScopeBoth
	e.applyDelete(gen, messageID, remove)
	e.emit(ctx, protocol.EventDeleteContactMessage, protocol.DeletePayload{
		MessageRef: e.ref(c, messageID),
		Remove:     remove,
	})
	return nil
}

func (e *Engine) applyDelete(gen uint64, messageID string, remove bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		return
	}
	if remove {
		e.remove(messageID)
		return
	}
	if m, ok := e.byID[messageID]; ok {
		m.tombstone()
	}
}

// MarkVisible reports that rows became visible. Each unread incoming message among them is
// marked read locally, persisted and announced exactly once.
func (e *Engine) MarkVisible(ctx context.Context, messageIDs ...string) error {
	c, gen, err := e.snapshot()
	if err != nil {
		return err
	}

	e.mu.Lock()
	if !e.tracking {
		e.mu.Unlock()
		return nil
	}
	now := e.now()
	var fire []string
	prior := make(map[string]readState)
	for _, id := range messageIDs {
		m, ok := e.byID[id]
		if !ok || !m.Unread() {
			continue
		}
		if _, done := e.receipted[id]; done {
			continue
		}
		e.receipted[id] = struct{}{}
		prior[id] = readState{status: m.Status, readAt: m.ReadAt}
		m.Status = m.Status.Max(protocol.StatusRead)
		t := now
		m.ReadAt = &t
		fire = append(fire, id)
	}
	e.mu.Unlock()

	if len(fire) == 0 {
		return nil
	}
	if _, err := e.api.MarkRead(ctx, fire); err != nil {
		e.log.WithError(err).WithField("contact", c.ID).Warn("mark read failed")
		e.unmarkRead(gen, prior)
		return err
	}
	for _, id := range fire {
		e.emit(ctx, protocol.EventReadContactMessage, protocol.ReadPayload{MessageRef: e.ref(c, id)})
	}
	e.log.WithFields(logrus.Fields{"contact": c.ID, "count": len(fire)}).Debug("read receipts sent")
	return nil
}

type readState struct {
	status protocol.Status
	readAt *time.Time
}

// unmarkRead restores rows whose receipt was not persisted so a later MarkVisible retries them.
func (e *Engine) unmarkRead(gen uint64, prior map[string]readState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		return
	}
	for id, st := range prior {
		delete(e.receipted, id)
		m, ok := e.byID[id]
		if !ok || m.Status == protocol.StatusDeleted {
			continue
		}
		m.Status = st.status
		m.ReadAt = st.readAt
	}
}
