package protocol

// Delivery carries a new or updated envelope to the recipient's channel.
type Delivery struct {
	Status   int      `json:"status"`
	Envelope Envelope `json:"envelope"`
}

// DeletedNotice tells the recipient a message was deleted.
type DeletedNotice struct {
	Status    int    `json:"status"`
	UserID    string `json:"userId"`
	MessageID string `json:"messageId"`
	Remove    bool   `json:"remove"`
}

// ReadNotice tells the author a message was read.
type ReadNotice struct {
	Status    int    `json:"status"`
	UserID    string `json:"userId"`
	MessageID string `json:"messageId"`
	ContactID string `json:"contactId"`
}

// ReactionNotice carries a reaction change; a nil Reaction clears it.
type ReactionNotice struct {
	Status    int     `json:"status"`
	UserID    string  `json:"userId"`
	MessageID string  `json:"messageId"`
	Reaction  *string `json:"reaction"`
}

// Ack confirms to the sender that its event was relayed.
type Ack struct {
	Status           int    `json:"status"`
	ContactID        string `json:"contactId"`
	MessageID        string `json:"messageId,omitempty"`
	MessageSignature string `json:"messageSignature,omitempty"`
}

// ErrorReply rejects an event. Reason never carries verification detail.
type ErrorReply struct {
	Status int    `json:"status"`
	Reason string `json:"reason"`
}

// Joined confirms an identity channel join to the joining session only.
type Joined struct {
	ID string `json:"id"`
}
