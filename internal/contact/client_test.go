package contact

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chase-Garrett/courier/internal/auth"
	"github.com/Chase-Garrett/courier/internal/config"
	"github.com/Chase-Garrett/courier/internal/envelope"
	"github.com/Chase-Garrett/courier/internal/logger"
	"github.com/Chase-Garrett/courier/internal/protocol"
	"github.com/Chase-Garrett/courier/internal/server"
)

func startServer(t *testing.T) *Client {
	t.Helper()
	cfg := &config.Config{
		Database: config.Database{Path: filepath.Join(t.TempDir(), "courier.db")},
		JWT:      config.JWT{Secret: "client-test-secret", TTL: time.Hour, Algorithms: []string{"HS256"}},
		Limits:   config.Limits{MaxCiphertextBytes: 2048, MaxRequestBytes: 8192},
		Relay:    config.Relay{SendBuffer: 16, WriteTimeout: time.Second, PongTimeout: 5 * time.Second},
	}
	srv, err := server.NewServer(cfg, logger.Discard())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})
	return NewClient(ts.URL, 5*time.Second)
}

type account struct {
	id     string
	keys   *envelope.KeyPair
	client *Client
}

func signUp(t *testing.T, c *Client, id string) account {
	t.Helper()
	ctx := context.Background()
	keys, err := envelope.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, c.Register(ctx, auth.Registration{
		ID:                  id,
		Password:            "secret-" + id,
		EncryptionPublicKey: envelope.EncodeKey(keys.EncryptionPublic[:]),
		SigningPublicKey:    envelope.EncodeKey(keys.SigningPublic),
	}))
	token, err := c.Login(ctx, id, "secret-"+id)
	require.NoError(t, err)
	return account{id: id, keys: keys, client: c.WithToken(token)}
}

func (a account) engine(t *testing.T, with string, opts Options) *Engine {
	t.Helper()
	pc, err := a.client.CreateContact(context.Background(), with)
	require.NoError(t, err)
	c, err := FromProtocol(pc)
	require.NoError(t, err)
	require.True(t, c.Ready())

	e := NewEngine(a.id, a.keys, a.client, nil, opts, logger.Discard())
	e.SetActive(c)
	return e
}

func TestClientAuthErrors(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()
	signUp(t, c, "alice")

	_, err := c.Login(ctx, "alice", "nope-nope")
	assert.ErrorIs(t, err, ErrUnauthorized)

	err = c.Register(ctx, auth.Registration{ID: "alice", Password: "whatever"})
	assert.Error(t, err)

	_, err = c.CreateContact(ctx, "bob")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = c.PublicKeys(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversationOverHTTP(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()
	alice := signUp(t, c, "alice")
	bob := signUp(t, c, "bob")

	keys, err := alice.client.PublicKeys(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, envelope.EncodeKey(bob.keys.SigningPublic), keys.SigningPublicKey)

	aliceView := alice.engine(t, "bob", Options{})
	bobView := bob.engine(t, "alice", Options{})

	sent, err := aliceView.Send(ctx, "hi")
	require.NoError(t, err)

	require.NoError(t, bobView.LoadHistory(ctx, protocol.ListOptions{Limit: 20}))
	msgs := bobView.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Payload.Message)
	assert.Equal(t, sent.MessageID, msgs[0].MessageID)
	assert.Equal(t, protocol.DirectionContactUser, msgs[0].Direction)

	n, err := bobView.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, bobView.MarkVisible(ctx, sent.MessageID))
	n, err = bobView.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, aliceView.LoadHistory(ctx, protocol.ListOptions{}))
	mine, ok := aliceView.Message(sent.MessageID)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusRead, mine.Status)
	assert.Equal(t, "hi", mine.Payload.Message)

	require.NoError(t, aliceView.Edit(ctx, sent.MessageID, "hi there"))
	bobView.SetActive(mustContact(t, bob, "alice"))
	require.NoError(t, bobView.LoadHistory(ctx, protocol.ListOptions{}))
	edited, ok := bobView.Message(sent.MessageID)
	require.True(t, ok)
	assert.Equal(t, "hi there", edited.Payload.Message)

	require.NoError(t, aliceView.Delete(ctx, sent.MessageID, protocol.ScopeSingle))
	require.NoError(t, bobView.LoadHistory(ctx, protocol.ListOptions{}))
	tomb, ok := bobView.Message(sent.MessageID)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusDeleted, tomb.Status)
}

func TestServerSizeRejectionRollsBack(t *testing.T) {
	c := startServer(t)
	alice := signUp(t, c, "alice")
	signUp(t, c, "bob")
	view := alice.engine(t, "bob", Options{})

	_, err := view.Send(context.Background(), strings.Repeat("a", 4096))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Empty(t, view.Messages())
}

func mustContact(t *testing.T, a account, with string) Contact {
	t.Helper()
	pc, err := a.client.CreateContact(context.Background(), with)
	require.NoError(t, err)
	c, err := FromProtocol(pc)
	require.NoError(t, err)
	return c
}
