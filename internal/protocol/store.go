package protocol

import "time"

// StoredMessage is one party's persisted copy of a message, as returned by the message store.
// EncryptedMessage is the ciphertext addressed to that party.
type StoredMessage struct {
	ID               string     `json:"id"`
	MessageID        string     `json:"messageId"`
	ContactID        string     `json:"contactId"`
	UserID           string     `json:"userId"`
	ContactUserID    string     `json:"contactUserId"`
	Direction        Direction  `json:"direction"`
	MessageSignature string     `json:"messageSignature"`
	EncryptedMessage string     `json:"encryptedMessage"`
	Status           Status     `json:"status"`
	CreatedAt        time.Time  `json:"createdAt"`
	ReadAt           *time.Time `json:"readAt,omitempty"`
	Reaction         *string    `json:"reaction,omitempty"`
}

// SendResult names the rows created for one sent message.
// MessageID is the sender's row, MirrorMessageID the recipient's, SharedMessageID the logical id.
type SendResult struct {
	MessageID       string `json:"messageId"`
	MirrorMessageID string `json:"mirrorMessageId"`
	SharedMessageID string `json:"sharedMessageId"`
}

// DeleteScope selects whether a delete tombstones or erases both copies.
type DeleteScope string

const (
	ScopeSingle DeleteScope = "single"
	ScopeBoth   DeleteScope = "both"
)

// ListOptions pages through a conversation, newest first.
type ListOptions struct {
	Limit  int
	Offset int
	Before time.Time
}

// Contact is one side of a pairing, with the counterpart's public keys (base64).
type Contact struct {
	ID                  string `json:"id"`
	UserID              string `json:"userId"`
	ContactUserID       string `json:"contactUserId"`
	EncryptionPublicKey string `json:"encryptionPublicKey,omitempty"`
	SigningPublicKey    string `json:"signingPublicKey,omitempty"`
}

// IdentityKeys are the public halves of an identity's two key pairs (base64).
type IdentityKeys struct {
	ID                  string `json:"id"`
	EncryptionPublicKey string `json:"encryptionPublicKey"`
	SigningPublicKey    string `json:"signingPublicKey"`
}
