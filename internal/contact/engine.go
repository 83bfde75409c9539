// Package contact reconciles one conversation's history, live relay deliveries and optimistic
// local sends into a single deduplicated, newest-first view.
package contact

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/iter"

	"github.com/Chase-Garrett/courier/internal/envelope"
	"github.com/Chase-Garrett/courier/internal/protocol"
)

// Emitter publishes protocol events on the relay.
type Emitter interface {
	Emit(ctx context.Context, event string, data any) error
}

type Options struct {
	// SendTimeout bounds each persistence call made on behalf of a send or edit.
	SendTimeout        time.Duration
	MaxCiphertextBytes int
	MaxRequestBytes    int
}

// Engine owns the canonical message list for the active conversation.
type Engine struct {
	api      API
	relay    Emitter
	self     *envelope.KeyPair
	identity string
	opts     Options
	log      logrus.FieldLogger

	now   func() time.Time
	newID func() string

	mu         sync.Mutex
	contact    Contact
	active     bool
	generation uint64
	byID       map[string]*Message
	seen       map[dedupKey]struct{}
	order      []*Message
	tracking   bool
	receipted  map[string]struct{}
}

func NewEngine(identity string, self *envelope.KeyPair, api API, relay Emitter, opts Options, log logrus.FieldLogger) *Engine {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 15 * time.Second
	}
	e := &Engine{
		api:      api,
		relay:    relay,
		self:     self,
		identity: identity,
		opts:     opts,
		log:      log.WithField("identity", identity),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	e.reset()
	return e
}

func (e *Engine) reset() {
	e.byID = make(map[string]*Message)
	e.seen = make(map[dedupKey]struct{})
	e.order = nil
	e.tracking = false
	e.receipted = make(map[string]struct{})
}

// SetActive switches the engine to c's conversation. In-flight loads for the previous
// conversation are discarded when they complete.
func (e *Engine) SetActive(c Contact) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.generation++
	e.contact = c
	e.active = true
	e.reset()
}

// Active returns the current conversation's contact.
func (e *Engine) Active() (Contact, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.contact, e.active
}

func (e *Engine) snapshot() (Contact, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return Contact{}, 0, ErrNoActiveContact
	}
	return e.contact, e.generation, nil
}

// LoadHistory fetches one page of stored rows and merges the readable ones.
// Unreadable rows are dropped locally.
func (e *Engine) LoadHistory(ctx context.Context, opts protocol.ListOptions) error {
	c, gen, err := e.snapshot()
	if err != nil {
		return err
	}

	rows, err := e.api.List(ctx, c.ID, opts)
	if err != nil {
		return err
	}

	opened := iter.Map(rows, func(row *protocol.StoredMessage) *Message {
		return e.openStored(c, *row)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		e.log.WithField("contact", c.ID).Debug("discarding history for inactive conversation")
		return ErrConversationMoved
	}
	for _, m := range opened {
		if m != nil {
			e.merge(m)
		}
	}
	e.resort()
	e.armTracking()
	return nil
}

func (e *Engine) openStored(c Contact, row protocol.StoredMessage) *Message {
	m := &Message{
		ID:         row.ID,
		MessageID:  row.MessageID,
		ContactID:  c.ID,
		Direction:  row.Direction,
		Status:     row.Status,
		CreatedAt:  row.CreatedAt,
		ReadAt:     row.ReadAt,
		Reaction:   row.Reaction,
		Signature:  row.MessageSignature,
		Ciphertext: row.EncryptedMessage,

		reactionKnown: true,
	}
	if row.Status == protocol.StatusDeleted {
		return m
	}

	payload, err := envelope.OpenPayload(row.Direction, e.self, c.Keys.Signing, row.EncryptedMessage, row.MessageSignature)
	if err != nil {
		e.log.WithFields(logrus.Fields{"contact": c.ID, "message": row.MessageID}).
			WithError(err).Debug("dropping unreadable message")
		return nil
	}
	m.Payload = payload
	return m
}

// merge must be called with mu held. Callers resort afterwards.
func (e *Engine) merge(c *Message) {
	k := c.key()
	_, dup := e.seen[k]
	e.seen[k] = struct{}{}

	if existing, ok := e.byID[c.MessageID]; ok {
		existing.absorb(c, !dup)
		return
	}
	if dup {
		// seen before and since excised
		return
	}
	m := c.clone()
	e.byID[m.MessageID] = &m
	e.order = append(e.order, &m)
}

func (e *Engine) remove(messageID string) {
	if _, ok := e.byID[messageID]; !ok {
		return
	}
	delete(e.byID, messageID)
	for i, m := range e.order {
		if m.MessageID == messageID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// rename moves an optimistic entry to its confirmed shared id and returns the surviving entry.
func (e *Engine) rename(from, to string) *Message {
	m, ok := e.byID[from]
	if !ok {
		return nil
	}
	e.remove(from)
	if existing, ok := e.byID[to]; ok {
		// a reload already produced the confirmed copy
		existing.ShowOriginal = existing.ShowOriginal || m.ShowOriginal
		return existing
	}
	m.MessageID = to
	e.byID[to] = m
	e.order = append(e.order, m)
	return m
}

func (e *Engine) resort() {
	sort.SliceStable(e.order, func(i, j int) bool {
		a, b := e.order[i], e.order[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.MessageID > b.MessageID
	})
}

// armTracking starts unread tracking once the conversation holds an unread message.
func (e *Engine) armTracking() {
	if e.tracking {
		return
	}
	for i := len(e.order) - 1; i >= 0; i-- {
		if e.order[i].Unread() {
			e.tracking = true
			return
		}
	}
}

// OldestUnread returns the oldest incoming message not yet read, scanning from the tail.
func (e *Engine) OldestUnread() (Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.tracking {
		return Message{}, false
	}
	for i := len(e.order) - 1; i >= 0; i-- {
		if e.order[i].Unread() {
			return e.order[i].clone(), true
		}
	}
	return Message{}, false
}

// Messages returns a copy of the conversation, newest first.
func (e *Engine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Message, 0, len(e.order))
	for _, m := range e.order {
		out = append(out, m.clone())
	}
	return out
}

// Message returns one entry by shared message id.
func (e *Engine) Message(messageID string) (Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.byID[messageID]
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

// SetShowOriginal toggles the presentation flag on one message.
func (e *Engine) SetShowOriginal(messageID string, show bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.byID[messageID]; ok {
		m.ShowOriginal = show
	}
}

// UnreadCount asks the store how many incoming messages remain unread.
func (e *Engine) UnreadCount(ctx context.Context) (int, error) {
	c, _, err := e.snapshot()
	if err != nil {
		return 0, err
	}
	return e.api.UnreadCount(ctx, c.ID)
}
