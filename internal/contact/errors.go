package contact

import "github.com/pkg/errors"

// User-visible failures. Causes are logged, never surfaced.
var (
	ErrMessageTooLarge   = errors.New("message too large")
	ErrSendFailed        = errors.New("send failed")
	ErrNoActiveContact   = errors.New("no active conversation")
	ErrContactNotReady   = errors.New("contact keys are not known yet")
	ErrUnknownMessage    = errors.New("message not in conversation")
	ErrNotAuthor         = errors.New("only the author can change this message")
	ErrConversationMoved = errors.New("conversation changed before load completed")
)

// Transport failures reported by Client.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("already exists")
)
