package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Direction tells whether a copy was authored by the local identity or by the counterpart.
type Direction string

const (
	DirectionUser        Direction = "user"
	DirectionContactUser Direction = "contactUser"
)

// Status is the delivery state of a message copy.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusDeleted   Status = "deleted"
)

// Rank orders statuses so that transitions only move forward. Deleted outranks everything.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	case StatusDeleted:
		return 4
	default:
		return 0
	}
}

// Max returns the more advanced of two statuses.
func (s Status) Max(other Status) Status {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// Payload is the plaintext carried inside an envelope.
type Payload struct {
	Message string `json:"message"`
}

// Envelope is the signed, dual-encrypted wire unit for one message.
// The relay can read the routing fields but neither ciphertext.
type Envelope struct {
	ID                          string    `json:"id,omitempty"`
	MessageID                   string    `json:"messageId,omitempty"`
	ContactID                   string    `json:"contactId"`
	UserID                      string    `json:"userId"`
	ContactUserID               string    `json:"contactUserId"`
	MessageSignature            string    `json:"messageSignature"`
	UserEncryptedMessage        string    `json:"userEncryptedMessage"`
	ContactUserEncryptedMessage string    `json:"contactUserEncryptedMessage"`
	CreatedAt                   time.Time `json:"createdAt,omitempty"`
}

func (e Envelope) Sender() string    { return e.UserID }
func (e Envelope) Recipient() string { return e.ContactUserID }

func (e Envelope) Missing() []string {
	return missing(
		field{"contactId", e.ContactID},
		field{"userId", e.UserID},
		field{"contactUserId", e.ContactUserID},
		field{"messageId", e.MessageID},
		field{"messageSignature", e.MessageSignature},
		field{"userEncryptedMessage", e.UserEncryptedMessage},
		field{"contactUserEncryptedMessage", e.ContactUserEncryptedMessage},
	)
}

// MessageRef addresses one logical message between two identities.
type MessageRef struct {
	ContactID     string `json:"contactId"`
	UserID        string `json:"userId"`
	ContactUserID string `json:"contactUserId"`
	MessageID     string `json:"messageId"`
}

func (r MessageRef) Sender() string    { return r.UserID }
func (r MessageRef) Recipient() string { return r.ContactUserID }

func (r MessageRef) Missing() []string {
	return missing(
		field{"contactId", r.ContactID},
		field{"userId", r.UserID},
		field{"contactUserId", r.ContactUserID},
		field{"messageId", r.MessageID},
	)
}

// DeletePayload marks a message deleted. Remove erases it for both sides instead of tombstoning.
type DeletePayload struct {
	MessageRef
	Remove bool `json:"remove"`
}

// ReadPayload tells the author that the counterpart has read a message.
type ReadPayload struct {
	MessageRef
}

// ReactionPayload sets or clears (null) the reaction on a message.
type ReactionPayload struct {
	MessageRef
	Reaction NullableString `json:"reaction"`
}

func (p ReactionPayload) Missing() []string {
	out := p.MessageRef.Missing()
	if !p.Reaction.Set {
		out = append(out, "reaction")
	}
	return out
}

// NullableString distinguishes an absent JSON key from an explicit null.
type NullableString struct {
	Value *string
	Set   bool
}

// NewReaction wraps a reaction value; nil clears it.
func NewReaction(v *string) NullableString {
	return NullableString{Value: v, Set: true}
}

func (n *NullableString) UnmarshalJSON(b []byte) error {
	n.Set = true
	if bytes.Equal(b, []byte("null")) {
		n.Value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	n.Value = &s
	return nil
}

func (n NullableString) MarshalJSON() ([]byte, error) {
	if n.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*n.Value)
}

// Routed is implemented by every inbound contact event payload.
type Routed interface {
	Sender() string
	Recipient() string
	Missing() []string
}

type field struct {
	name  string
	value string
}

func missing(fields ...field) []string {
	var out []string
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			out = append(out, f.name)
		}
	}
	return out
}

// Sizes reports the larger of the two ciphertexts and the serialized size of the whole envelope.
// Both the client size guard and the store measure with this.
func (e Envelope) Sizes() (ciphertext, request int) {
	ciphertext = len(e.UserEncryptedMessage)
	if n := len(e.ContactUserEncryptedMessage); n > ciphertext {
		ciphertext = n
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return ciphertext, ciphertext
	}
	return ciphertext, len(raw)
}
