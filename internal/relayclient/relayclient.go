// Package relayclient is the client side of the relay websocket.
package relayclient

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Chase-Garrett/courier/internal/protocol"
)

const readLimit = 1 << 20

// Handler consumes frames pushed by the relay.
type Handler func(ctx context.Context, f protocol.Frame) error

// Conn is an authenticated relay session. Emit may be called concurrently with Run.
type Conn struct {
	conn     *websocket.Conn
	identity string
	log      logrus.FieldLogger
}

// WebsocketURL maps an http(s) server address to its relay endpoint.
func WebsocketURL(serverURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", errors.Wrap(err, "parse server url")
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	return u.String(), nil
}

// Dial opens a relay session authenticated by token.
func Dial(ctx context.Context, serverURL, identity, token string, log logrus.FieldLogger) (*Conn, error) {
	endpoint, err := WebsocketURL(serverURL)
	if err != nil {
		return nil, err
	}
	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errors.New("relay rejected credentials")
		}
		return nil, errors.Wrap(err, "dial relay")
	}
	conn.SetReadLimit(readLimit)
	return &Conn{conn: conn, identity: identity, log: log.WithField("identity", identity)}, nil
}

// Emit sends one event to the relay.
func (c *Conn) Emit(ctx context.Context, event string, data any) error {
	f, err := protocol.NewFrame(event, data)
	if err != nil {
		return errors.Wrapf(err, "encode %s", event)
	}
	return errors.Wrapf(wsjson.Write(ctx, c.conn, f), "write %s", event)
}

// JoinUserRoom subscribes the session to its own identity channel.
func (c *Conn) JoinUserRoom(ctx context.Context) error {
	return c.Emit(ctx, protocol.EventJoinUserRoom, c.identity)
}

// Run reads frames until ctx is done or the connection closes. Handler errors are logged.
func (c *Conn) Run(ctx context.Context, handle Handler) error {
	for {
		var f protocol.Frame
		if err := wsjson.Read(ctx, c.conn, &f); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return errors.Wrap(err, "read relay frame")
		}
		if err := handle(ctx, f); err != nil {
			c.log.WithError(err).WithField("event", f.Event).Warn("frame handler failed")
		}
	}
}

func (c *Conn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
