package contact

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chase-Garrett/courier/internal/contact/mocks"
	"github.com/Chase-Garrett/courier/internal/envelope"
	"github.com/Chase-Garrett/courier/internal/logger"
	"github.com/Chase-Garrett/courier/internal/protocol"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type party struct {
	id   string
	keys *envelope.KeyPair
}

func newParty(t *testing.T, id string) party {
	t.Helper()
	keys, err := envelope.GenerateKeyPair()
	require.NoError(t, err)
	return party{id: id, keys: keys}
}

func (p party) contactWith(other party) Contact {
	return Contact{ID: "c-" + p.id, UserID: p.id, ContactUserID: other.id, Keys: other.keys.Public()}
}

type fixture struct {
	alice, bob party
	api        *mocks.MockAPI
	relay      *mocks.MockEmitter
	engine     *Engine
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &fixture{
		alice: newParty(t, "alice"),
		bob:   newParty(t, "bob"),
		api:   mocks.NewMockAPI(ctrl),
		relay: mocks.NewMockEmitter(ctrl),
	}
	f.engine = NewEngine("alice", f.alice.keys, f.api, f.relay, opts, logger.Discard())
	f.engine.now = func() time.Time { return epoch.Add(time.Hour) }
	ids := 0
	f.engine.newID = func() string {
		ids++
		return "local-" + strings.Repeat("x", ids)
	}
	f.engine.SetActive(f.alice.contactWith(f.bob))
	return f
}

// row seals text from author to reader and returns the copy stored for viewer.
func row(t *testing.T, author, reader, viewer party, rowID, shared, text string, status protocol.Status, at time.Duration) protocol.StoredMessage {
	t.Helper()
	sealed, err := envelope.Seal(author.keys, reader.keys.Public(), protocol.Payload{Message: text})
	require.NoError(t, err)

	m := protocol.StoredMessage{
		ID:               rowID,
		MessageID:        shared,
		ContactID:        "c-" + viewer.id,
		UserID:           author.id,
		ContactUserID:    reader.id,
		MessageSignature: sealed.Signature,
		Status:           status,
		CreatedAt:        epoch.Add(at),
	}
	if viewer.id == author.id {
		m.Direction = protocol.DirectionUser
		m.EncryptedMessage = sealed.EncryptedForSelf
	} else {
		m.Direction = protocol.DirectionContactUser
		m.EncryptedMessage = sealed.EncryptedForContact
	}
	return m
}

func (f *fixture) load(t *testing.T, rows ...protocol.StoredMessage) {
	t.Helper()
	f.api.EXPECT().List(gomock.Any(), "c-alice", gomock.Any()).Return(rows, nil)
	require.NoError(t, f.engine.LoadHistory(context.Background(), protocol.ListOptions{Limit: 50}))
}

func (f *fixture) deliver(t *testing.T, event string, data any) {
	t.Helper()
	fr, err := protocol.NewFrame(protocol.RecipientEvent(event, "alice"), data)
	require.NoError(t, err)
	require.NoError(t, f.engine.HandleFrame(context.Background(), fr))
}

func liveEnvelope(t *testing.T, from, to party, rowID, shared, text string) protocol.Envelope {
	t.Helper()
	sealed, err := envelope.Seal(from.keys, to.keys.Public(), protocol.Payload{Message: text})
	require.NoError(t, err)
	return protocol.Envelope{
		ID:                          rowID,
		MessageID:                   shared,
		ContactID:                   "c-" + from.id,
		UserID:                      from.id,
		ContactUserID:               to.id,
		MessageSignature:            sealed.Signature,
		UserEncryptedMessage:        sealed.EncryptedForSelf,
		ContactUserEncryptedMessage: sealed.EncryptedForContact,
		CreatedAt:                   epoch.Add(30 * time.Minute),
	}
}

func texts(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Payload.Message)
	}
	return out
}

func TestLoadHistoryOrdersAndDropsUnreadable(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.alice, f.bob

	tampered := row(t, b, a, a, "r4", "m4", "forged", protocol.StatusSent, 4*time.Minute)
	tampered.MessageSignature = row(t, b, a, a, "rx", "mx", "other", protocol.StatusSent, 0).MessageSignature

	f.load(t,
		row(t, a, b, a, "r2", "m2", "second", protocol.StatusDelivered, 2*time.Minute),
		row(t, b, a, a, "r1", "m1", "first", protocol.StatusDelivered, time.Minute),
		tampered,
		row(t, b, a, a, "r3", "m3", "third", protocol.StatusSent, 3*time.Minute),
	)

	msgs := f.engine.Messages()
	assert.Equal(t, []string{"third", "second", "first"}, texts(msgs))
	assert.Equal(t, protocol.DirectionContactUser, msgs[0].Direction)
	assert.Equal(t, protocol.DirectionUser, msgs[1].Direction)
	_, ok := f.engine.Message("m4")
	assert.False(t, ok)
}

func TestHistoryNeverRegressesStatus(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.alice, f.bob
	m := row(t, a, b, a, "r1", "m1", "hello", protocol.StatusDelivered, time.Minute)

	f.load(t, m)
	f.deliver(t, protocol.EventReceiveMessageRead, protocol.ReadNotice{Status: 200, UserID: "bob", MessageID: "m1", ContactID: "c-bob"})

	got, ok := f.engine.Message("m1")
	require.True(t, ok)
	require.Equal(t, protocol.StatusRead, got.Status)

	f.load(t, m)
	got, _ = f.engine.Message("m1")
	assert.Equal(t, protocol.StatusRead, got.Status)
	assert.Len(t, f.engine.Messages(), 1)
}

func TestLiveAndHistoryDeduplicate(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.alice, f.bob

	env := liveEnvelope(t, b, a, "r-mirror", "m1", "live hello")
	f.deliver(t, protocol.EventReceiveContactMessage, protocol.Delivery{Status: 200, Envelope: env})
	require.Len(t, f.engine.Messages(), 1)
	f.engine.SetShowOriginal("m1", true)

	stored := protocol.StoredMessage{
		ID:               "r-mirror",
		MessageID:        "m1",
		ContactID:        "c-alice",
		UserID:           "bob",
		ContactUserID:    "alice",
		Direction:        protocol.DirectionContactUser,
		MessageSignature: env.MessageSignature,
		EncryptedMessage: env.ContactUserEncryptedMessage,
		Status:           protocol.StatusSent,
		CreatedAt:        env.CreatedAt,
	}
	f.load(t, stored, stored)

	msgs := f.engine.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "live hello", msgs[0].Payload.Message)
	assert.Equal(t, protocol.StatusDelivered, msgs[0].Status)
	assert.True(t, msgs[0].ShowOriginal)
}

func TestLiveDeliveryForOtherConversationIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	carol := newParty(t, "carol")

	env := liveEnvelope(t, carol, f.alice, "r1", "m1", "hi from carol")
	f.deliver(t, protocol.EventReceiveContactMessage, protocol.Delivery{Status: 200, Envelope: env})
	assert.Empty(t, f.engine.Messages())

	// signed by carol but claiming to be bob
	env.UserID = "bob"
	f.deliver(t, protocol.EventReceiveContactMessage, protocol.Delivery{Status: 200, Envelope: env})
	assert.Empty(t, f.engine.Messages())
}

func TestSendSizeGuardBeforeNetwork(t *testing.T) {
	f := newFixture(t, Options{MaxCiphertextBytes: 1 << 16, MaxRequestBytes: 1024})

	_, err := f.engine.Send(context.Background(), strings.Repeat("z", 2048))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Empty(t, f.engine.Messages())

	f = newFixture(t, Options{MaxCiphertextBytes: 256})
	_, err = f.engine.Send(context.Background(), strings.Repeat("z", 300))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Empty(t, f.engine.Messages())
}

func TestSendRollsBackWhenServerRejectsSize(t *testing.T) {
	f := newFixture(t, Options{})
	f.api.EXPECT().Send(gomock.Any(), gomock.Any()).Return(protocol.SendResult{}, ErrMessageTooLarge)

	_, err := f.engine.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Empty(t, f.engine.Messages())
}

func TestSendRollsBackOnTimeout(t *testing.T) {
	f := newFixture(t, Options{SendTimeout: 20 * time.Millisecond})
	f.api.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ protocol.Envelope) (protocol.SendResult, error) {
			<-ctx.Done()
			return protocol.SendResult{}, ctx.Err()
		})

	_, err := f.engine.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.Empty(t, f.engine.Messages())
}

func TestSendConfirmsOptimisticMessage(t *testing.T) {
	f := newFixture(t, Options{})
	res := protocol.SendResult{MessageID: "r-own", MirrorMessageID: "r-mirror", SharedMessageID: "m-shared"}

	f.api.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, env protocol.Envelope) (protocol.SendResult, error) {
			assert.Equal(t, "alice", env.UserID)
			assert.Equal(t, "bob", env.ContactUserID)

			msgs := f.engine.Messages()
			require.Len(t, msgs, 1)
			assert.True(t, msgs[0].Pending)
			assert.Equal(t, protocol.StatusSent, msgs[0].Status)
			return res, nil
		})

	var emitted protocol.Envelope
	f.relay.EXPECT().Emit(gomock.Any(), protocol.EventNewContactMessage, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, data any) error {
			emitted = data.(protocol.Envelope)
			return nil
		})

	m, err := f.engine.Send(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "r-own", m.ID)
	assert.Equal(t, "m-shared", m.MessageID)
	assert.False(t, m.Pending)

	msgs := f.engine.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-shared", msgs[0].MessageID)

	assert.Equal(t, "m-shared", emitted.MessageID)
	assert.Equal(t, "r-mirror", emitted.ID)
	payload, err := envelope.OpenPayload(protocol.DirectionContactUser, f.bob.keys, f.alice.keys.SigningPublic,
		emitted.ContactUserEncryptedMessage, emitted.MessageSignature)
	require.NoError(t, err)
	assert.Equal(t, "hi", payload.Message)
}

func TestSendRequiresUsableContact(t *testing.T) {
	f := newFixture(t, Options{})
	f.engine.SetActive(Contact{ID: "c-alice", UserID: "alice", ContactUserID: "bob"})
	_, err := f.engine.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrContactNotReady)

	idle := NewEngine("alice", f.alice.keys, f.api, f.relay, Options{}, logger.Discard())
	_, err = idle.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNoActiveContact)
}

func TestStaleHistoryLoadDiscarded(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.alice, f.bob
	carol := newParty(t, "carol")

	f.api.EXPECT().List(gomock.Any(), "c-alice", gomock.Any()).DoAndReturn(
		func(context.Context, string, protocol.ListOptions) ([]protocol.StoredMessage, error) {
			f.engine.SetActive(a.contactWith(carol))
			return []protocol.StoredMessage{row(t, b, a, a, "r1", "m1", "for bob's thread", protocol.StatusSent, 0)}, nil
		})

	err := f.engine.LoadHistory(context.Background(), protocol.ListOptions{})
	assert.ErrorIs(t, err, ErrConversationMoved)
	assert.Empty(t, f.engine.Messages())

	c, ok := f.engine.Active()
	require.True(t, ok)
	assert.Equal(t, "carol", c.ContactUserID)
}

func TestDeleteScopes(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.alice, f.bob
	f.load(t,
		row(t, a, b, a, "r1", "m1", "erase me", protocol.StatusSent, time.Minute),
		row(t, a, b, a, "r2", "m2", "tombstone me", protocol.StatusSent, 2*time.Minute),
	)

	f.api.EXPECT().Delete(gomock.Any(), "c-alice", "m1", protocol.ScopeBoth).Return(nil)
	f.relay.EXPECT().Emit(gomock.Any(), protocol.EventDeleteContactMessage, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, data any) error {
			p := data.(protocol.DeletePayload)
			assert.True(t, p.Remove)
			assert.Equal(t, "bob", p.ContactUserID)
			return nil
		})
	require.NoError(t, f.engine.Delete(context.Background(), "m1", protocol.ScopeBoth))
	_, ok := f.engine.Message("m1")
	assert.False(t, ok)

	f.api.EXPECT().Delete(gomock.Any(), "c-alice", "m2", protocol.ScopeSingle).Return(nil)
	f.relay.EXPECT().Emit(gomock.Any(), protocol.EventDeleteContactMessage, gomock.Any()).Return(nil)
	require.NoError(t, f.engine.Delete(context.Background(), "m2", protocol.ScopeSingle))
	m2, ok := f.engine.Message("m2")
	require.True(t, ok)
	assert.Equal(t, protocol.StatusDeleted, m2.Status)
	assert.Empty(t, m2.Payload.Message)

	assert.ErrorIs(t, f.engine.Delete(context.Background(), "m1", protocol.ScopeBoth), ErrUnknownMessage)
}

func TestDeletedNoticesFromCounterpart(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.alice, f.bob
	erased := row(t, b, a, a, "r1", "m1", "gone", protocol.StatusDelivered, time.Minute)
	f.load(t, erased, row(t, b, a, a, "r2", "m2", "marked", protocol.StatusDelivered, 2*time.Minute))

	f.deliver(t, protocol.EventReceiveDeletedContactMessage, protocol.DeletedNotice{Status: 200, UserID: "bob", MessageID: "m1", Remove: true})
	f.deliver(t, protocol.EventReceiveDeletedContactMessage, protocol.DeletedNotice{Status: 200, UserID: "bob", MessageID: "m2", Remove: false})

	msgs := f.engine.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m2", msgs[0].MessageID)
	assert.Equal(t, protocol.StatusDeleted, msgs[0].Status)

	// a stale page still carrying the erased row does not bring it back
	f.load(t, erased)
	assert.Len(t, f.engine.Messages(), 1)

	// a tombstone never returns to a live status
	f.load(t, row(t, b, a, a, "r2", "m2", "marked", protocol.StatusRead, 2*time.Minute))
	m2, _ := f.engine.Message("m2")
	assert.Equal(t, protocol.StatusDeleted, m2.Status)
}

func TestMarkVisibleSendsOneReceiptPerMessage(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.alice, f.bob
	f.load(t,
		row(t, b, a, a, "r1", "m1", "old", protocol.StatusDelivered, time.Minute),
		row(t, b, a, a, "r2", "m2", "new", protocol.StatusDelivered, 3*time.Minute),
		row(t, a, b, a, "r3", "m3", "mine", protocol.StatusSent, 2*time.Minute),
	)

	oldest, ok := f.engine.OldestUnread()
	require.True(t, ok)
	assert.Equal(t, "m1", oldest.MessageID)

	var marked []string
	f.api.EXPECT().MarkRead(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, ids []string) (int, error) {
			marked = ids
			for _, id := range ids {
				m, _ := f.engine.Message(id)
				assert.Equal(t, protocol.StatusRead, m.Status, "optimistic before confirmation")
			}
			return len(ids), nil
		}).Times(1)
	f.relay.EXPECT().Emit(gomock.Any(), protocol.EventReadContactMessage, gomock.Any()).Times(2).Return(nil)

	require.NoError(t, f.engine.MarkVisible(context.Background(), "m1", "m2", "m3", "m1"))
	assert.ElementsMatch(t, []string{"m1", "m2"}, marked)

	require.NoError(t, f.engine.MarkVisible(context.Background(), "m1", "m2"))

	_, ok = f.engine.OldestUnread()
	assert.False(t, ok)
	m1, _ := f.engine.Message("m1")
	require.NotNil(t, m1.ReadAt)
}

func TestMarkVisibleRetriesAfterFailedReceipt(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.alice, f.bob
	f.load(t, row(t, b, a, a, "r1", "m1", "hello", protocol.StatusDelivered, time.Minute))
	ctx := context.Background()

	gomock.InOrder(
		f.api.EXPECT().MarkRead(gomock.Any(), []string{"m1"}).Return(0, errors.New("network down")),
		f.api.EXPECT().MarkRead(gomock.Any(), []string{"m1"}).Return(1, nil),
	)
	f.relay.EXPECT().Emit(gomock.Any(), protocol.EventReadContactMessage, gomock.Any()).Return(nil).Times(1)

	require.Error(t, f.engine.MarkVisible(ctx, "m1"))
	m1, _ := f.engine.Message("m1")
	assert.Equal(t, protocol.StatusDelivered, m1.Status)
	assert.Nil(t, m1.ReadAt)
	oldest, ok := f.engine.OldestUnread()
	require.True(t, ok)
	assert.Equal(t, "m1", oldest.MessageID)

	require.NoError(t, f.engine.MarkVisible(ctx, "m1"))
	m1, _ = f.engine.Message("m1")
	assert.Equal(t, protocol.StatusRead, m1.Status)
	assert.NotNil(t, m1.ReadAt)
	_, ok = f.engine.OldestUnread()
	assert.False(t, ok)
}

func TestReactionsLocalAndLive(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.alice, f.bob
	f.load(t, row(t, b, a, a, "r1", "m1", "nice", protocol.StatusDelivered, time.Minute))

	heart := "heart"
	f.api.EXPECT().React(gomock.Any(), "m1", &heart).Return(nil)
	f.relay.EXPECT().Emit(gomock.Any(), protocol.EventReactContactMessage, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, data any) error {
			p := data.(protocol.ReactionPayload)
			require.True(t, p.Reaction.Set)
			assert.Equal(t, "heart", *p.Reaction.Value)
			return nil
		})
	require.NoError(t, f.engine.React(context.Background(), "m1", &heart))
	m, _ := f.engine.Message("m1")
	require.NotNil(t, m.Reaction)
	assert.Equal(t, "heart", *m.Reaction)

	f.deliver(t, protocol.EventReceiveContactMessageReact, protocol.ReactionNotice{Status: 200, UserID: "bob", MessageID: "m1"})
	m, _ = f.engine.Message("m1")
	assert.Nil(t, m.Reaction)
}

func TestEditOwnMessageOnly(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.alice, f.bob
	f.load(t,
		row(t, a, b, a, "r1", "m1", "helo", protocol.StatusSent, time.Minute),
		row(t, b, a, a, "r2", "m2", "theirs", protocol.StatusSent, 2*time.Minute),
	)

	f.api.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, env protocol.Envelope) error {
			assert.Equal(t, "m1", env.MessageID)
			return nil
		})
	f.relay.EXPECT().Emit(gomock.Any(), protocol.EventUpdateContactMessage, gomock.Any()).Return(nil)

	require.NoError(t, f.engine.Edit(context.Background(), "m1", "hello"))
	m, _ := f.engine.Message("m1")
	assert.Equal(t, "hello", m.Payload.Message)

	assert.ErrorIs(t, f.engine.Edit(context.Background(), "m2", "mine now"), ErrNotAuthor)
}

func TestLiveUpdateReplacesContent(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.alice, f.bob
	f.load(t, row(t, b, a, a, "r1", "m1", "draft", protocol.StatusDelivered, time.Minute))

	env := liveEnvelope(t, b, a, "", "m1", "final")
	f.deliver(t, protocol.EventReceiveUpdatedContactMessage, protocol.Delivery{Status: 200, Envelope: env})

	msgs := f.engine.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "final", msgs[0].Payload.Message)
	assert.Equal(t, "r1", msgs[0].ID)
	assert.Equal(t, epoch.Add(time.Minute), msgs[0].CreatedAt)

	unknown := liveEnvelope(t, b, a, "", "m9", "never loaded")
	f.deliver(t, protocol.EventReceiveUpdatedContactMessage, protocol.Delivery{Status: 200, Envelope: unknown})
	assert.Len(t, f.engine.Messages(), 1)
}

func TestHistoryClearsReaction(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.alice, f.bob
	heart := "heart"
	page := row(t, b, a, a, "r1", "m1", "nice", protocol.StatusDelivered, time.Minute)
	page.Reaction = &heart
	f.load(t, page)
	m, _ := f.engine.Message("m1")
	require.NotNil(t, m.Reaction)

	page.Reaction = nil
	f.load(t, page)
	m, _ = f.engine.Message("m1")
	assert.Nil(t, m.Reaction)
}

func TestStalePageKeepsLiveReaction(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.alice, f.bob
	heart, thumbs := "heart", "thumbs"
	page := row(t, b, a, a, "r1", "m1", "nice", protocol.StatusDelivered, time.Minute)
	page.Reaction = &heart
	f.load(t, page)

	f.deliver(t, protocol.EventReceiveContactMessageReact, protocol.ReactionNotice{Status: 200, UserID: "bob", MessageID: "m1"})
	f.load(t, page)
	m, _ := f.engine.Message("m1")
	assert.Nil(t, m.Reaction)

	// once a page agrees with the live change, later pages apply again
	page.Reaction = nil
	f.load(t, page)
	page.Reaction = &thumbs
	f.load(t, page)
	m, _ = f.engine.Message("m1")
	require.NotNil(t, m.Reaction)
	assert.Equal(t, "thumbs", *m.Reaction)
}

func TestNoticesFromOutsideConversationIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.alice, f.bob
	f.load(t,
		row(t, b, a, a, "r1", "m1", "theirs", protocol.StatusDelivered, time.Minute),
		row(t, a, b, a, "r2", "m2", "mine", protocol.StatusSent, 2*time.Minute),
	)

	heart := "heart"
	f.deliver(t, protocol.EventReceiveDeletedContactMessage, protocol.DeletedNotice{Status: 200, UserID: "carol", MessageID: "m1", Remove: true})
	f.deliver(t, protocol.EventReceiveMessageRead, protocol.ReadNotice{Status: 200, UserID: "carol", MessageID: "m2"})
	f.deliver(t, protocol.EventReceiveContactMessageReact, protocol.ReactionNotice{Status: 200, UserID: "carol", MessageID: "m1", Reaction: &heart})

	require.Len(t, f.engine.Messages(), 2)
	m1, _ := f.engine.Message("m1")
	assert.Nil(t, m1.Reaction)
	m2, _ := f.engine.Message("m2")
	assert.Equal(t, protocol.StatusSent, m2.Status)
}
