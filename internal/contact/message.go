package contact

import (
	"time"

	"github.com/Chase-Garrett/courier/internal/envelope"
	"github.com/Chase-Garrett/courier/internal/protocol"
)

// Contact is the local side of a pairing together with the counterpart's decoded public keys.
type Contact struct {
	ID            string
	UserID        string
	ContactUserID string
	Keys          envelope.PublicKeys
}

// Ready reports whether new envelopes can be built for this contact.
func (c Contact) Ready() bool {
	return c.ID != "" && c.ContactUserID != "" && c.Keys.Complete()
}

// FromProtocol decodes a contact as served by the API. Missing keys leave the contact unready.
func FromProtocol(p protocol.Contact) (Contact, error) {
	c := Contact{ID: p.ID, UserID: p.UserID, ContactUserID: p.ContactUserID}
	if p.EncryptionPublicKey == "" || p.SigningPublicKey == "" {
		return c, nil
	}
	keys, err := envelope.DecodePublicKeys(p.EncryptionPublicKey, p.SigningPublicKey)
	if err != nil {
		return c, err
	}
	c.Keys = keys
	return c, nil
}

// Message is one entry of the reconciled conversation view.
type Message struct {
	ID        string
	MessageID string
	ContactID string
	Direction protocol.Direction
	Payload   protocol.Payload
	Status    protocol.Status
	CreatedAt time.Time
	ReadAt    *time.Time
	Reaction  *string

	Signature  string
	Ciphertext string

	// Pending is set while an optimistic send awaits the store.
	Pending bool
	// ShowOriginal is owned by the presentation layer and survives every merge.
	ShowOriginal bool

	// reactionKnown marks an observation that carries the stored reaction, nil included.
	reactionKnown bool
	// reactionLive is set while a live reaction change is newer than any loaded page.
	reactionLive bool
}

// Unread reports whether the message is an incoming one the local identity has not read.
func (m *Message) Unread() bool {
	return m.Direction == protocol.DirectionContactUser &&
		m.ReadAt == nil &&
		m.Status != protocol.StatusRead &&
		m.Status != protocol.StatusDeleted
}

type dedupKey struct {
	id         string
	signature  string
	ciphertext string
}

func (m *Message) key() dedupKey {
	return dedupKey{id: m.ID, signature: m.Signature, ciphertext: m.Ciphertext}
}

// absorb folds a newer observation of the same logical message into m.
// Status never regresses and locally owned flags are left alone.
func (m *Message) absorb(c *Message, fresh bool) {
	if m.Pending && !c.Pending {
		m.ID = c.ID
		m.CreatedAt = c.CreatedAt
		m.Pending = false
	}
	if m.ID == "" {
		m.ID = c.ID
	}
	m.Status = m.Status.Max(c.Status)

	if m.Status == protocol.StatusDeleted {
		m.tombstone()
		return
	}
	if fresh && c.Signature != "" && c.Signature != m.Signature {
		m.Payload = c.Payload
		m.Signature = c.Signature
		m.Ciphertext = c.Ciphertext
	}
	if m.ReadAt == nil && c.ReadAt != nil {
		t := *c.ReadAt
		m.ReadAt = &t
	}
	if !c.reactionKnown {
		return
	}
	switch {
	case !m.reactionLive:
		m.Reaction = copyReaction(c.Reaction)
	case sameReaction(m.Reaction, c.Reaction):
		// history caught up with the live change
		m.reactionLive = false
	}
}

func copyReaction(r *string) *string {
	if r == nil {
		return nil
	}
	v := *r
	return &v
}

func sameReaction(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// tombstone keeps the row but drops everything readable from it.
func (m *Message) tombstone() {
	m.Status = protocol.StatusDeleted
	m.Payload = protocol.Payload{}
	m.Ciphertext = ""
	m.Reaction = nil
}

func (m *Message) clone() Message {
	out := *m
	if m.ReadAt != nil {
		t := *m.ReadAt
		out.ReadAt = &t
	}
	out.Reaction = copyReaction(m.Reaction)
	return out
}
