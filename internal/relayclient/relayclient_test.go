package relayclient

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chase-Garrett/courier/internal/auth"
	"github.com/Chase-Garrett/courier/internal/config"
	"github.com/Chase-Garrett/courier/internal/contact"
	"github.com/Chase-Garrett/courier/internal/envelope"
	"github.com/Chase-Garrett/courier/internal/logger"
	"github.com/Chase-Garrett/courier/internal/protocol"
	"github.com/Chase-Garrett/courier/internal/server"
)

func TestWebsocketURL(t *testing.T) {
	u, err := WebsocketURL("http://localhost:8080/")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws", u)

	u, err = WebsocketURL("https://relay.example.com/courier")
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com/courier/ws", u)

	_, err = WebsocketURL("ftp://example.com")
	assert.Error(t, err)
}

type peer struct {
	id     string
	keys   *envelope.KeyPair
	conn   *Conn
	engine *contact.Engine
	frames chan protocol.Frame
}

func TestLiveConversation(t *testing.T) {
	cfg := &config.Config{
		Database: config.Database{Path: filepath.Join(t.TempDir(), "courier.db")},
		JWT:      config.JWT{Secret: "relayclient-secret", TTL: time.Hour, Algorithms: []string{"HS256"}},
		Limits:   config.Limits{MaxCiphertextBytes: 4096, MaxRequestBytes: 16384},
		Relay:    config.Relay{SendBuffer: 16, WriteTimeout: time.Second, PongTimeout: 5 * time.Second},
	}
	srv, err := server.NewServer(cfg, logger.Discard())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	base := contact.NewClient(ts.URL, 5*time.Second)

	newPeer := func(id string) *peer {
		keys, err := envelope.GenerateKeyPair()
		require.NoError(t, err)
		p := &peer{id: id, keys: keys, frames: make(chan protocol.Frame, 16)}
		require.NoError(t, base.Register(ctx, authRegistration(id, keys)))
		token, err := base.Login(ctx, id, "secret-"+id)
		require.NoError(t, err)

		p.conn, err = Dial(ctx, ts.URL, id, token, logger.Discard())
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.conn.Close() })

		api := base.WithToken(token)
		p.engine = contact.NewEngine(id, keys, api, p.conn, contact.Options{}, logger.Discard())
		return p
	}
	alice, bob := newPeer("alice"), newPeer("bob")

	for _, p := range []*peer{alice, bob} {
		p := p
		go func() {
			_ = p.conn.Run(ctx, func(ctx context.Context, f protocol.Frame) error {
				err := p.engine.HandleFrame(ctx, f)
				p.frames <- f
				return err
			})
		}()
		require.NoError(t, p.conn.JoinUserRoom(ctx))
		assert.Equal(t, protocol.EventJoined, next(t, p.frames).Event)
	}

	activate := func(p *peer, with string) {
		api := contact.NewClient(ts.URL, 5*time.Second)
		token, err := api.Login(ctx, p.id, "secret-"+p.id)
		require.NoError(t, err)
		pc, err := api.WithToken(token).CreateContact(ctx, with)
		require.NoError(t, err)
		c, err := contact.FromProtocol(pc)
		require.NoError(t, err)
		p.engine.SetActive(c)
	}
	activate(alice, "bob")
	activate(bob, "alice")

	sent, err := alice.engine.Send(ctx, "hi bob")
	require.NoError(t, err)

	f := next(t, bob.frames)
	assert.Equal(t, protocol.RecipientEvent(protocol.EventReceiveContactMessage, "bob"), f.Event)
	got, ok := bob.engine.Message(sent.MessageID)
	require.True(t, ok)
	assert.Equal(t, "hi bob", got.Payload.Message)

	assert.Equal(t, protocol.AckEvent(protocol.EventNewContactMessage), next(t, alice.frames).Event)

	require.NoError(t, bob.engine.MarkVisible(ctx, sent.MessageID))
	assert.Equal(t, protocol.RecipientEvent(protocol.EventReceiveMessageRead, "alice"), next(t, alice.frames).Event)
	mine, ok := alice.engine.Message(sent.MessageID)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusRead, mine.Status)
}

func next(t *testing.T, frames <-chan protocol.Frame) protocol.Frame {
	t.Helper()
	select {
	case f := <-frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for relay frame")
		return protocol.Frame{}
	}
}

func authRegistration(id string, keys *envelope.KeyPair) auth.Registration {
	return auth.Registration{
		ID:                  id,
		Password:            "secret-" + id,
		EncryptionPublicKey: envelope.EncodeKey(keys.EncryptionPublic[:]),
		SigningPublicKey:    envelope.EncodeKey(keys.SigningPublic),
	}
}
