package contact

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Chase-Garrett/courier/internal/auth"
	"github.com/Chase-Garrett/courier/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_api.go -package=mocks github.com/Chase-Garrett/courier/internal/contact API,Emitter

// API is the message store the engine persists through.
type API interface {
	List(ctx context.Context, contactID string, opts protocol.ListOptions) ([]protocol.StoredMessage, error)
	Send(ctx context.Context, env protocol.Envelope) (protocol.SendResult, error)
	Update(ctx context.Context, env protocol.Envelope) error
	Delete(ctx context.Context, contactID, messageID string, scope protocol.DeleteScope) error
	MarkRead(ctx context.Context, messageIDs []string) (int, error)
	React(ctx context.Context, messageID string, reaction *string) error
	UnreadCount(ctx context.Context, contactID string) (int, error)
}

// Client talks to the courier HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ API = (*Client)(nil)

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
	}
}

// WithToken returns a copy of c that authenticates as the token's identity.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return statusError(resp.StatusCode, method, path, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "decode %s response", path)
}

func statusError(code int, method, path, msg string) error {
	switch code {
	case http.StatusRequestEntityTooLarge:
		return ErrMessageTooLarge
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	}
	return errors.Errorf("%s %s: %d %s", method, path, code, msg)
}

// Register provisions an identity and publishes its public keys.
func (c *Client) Register(ctx context.Context, reg auth.Registration) error {
	return c.do(ctx, http.MethodPost, "/register", reg, nil)
}

// Login exchanges a password for a bearer token.
func (c *Client) Login(ctx context.Context, id, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	req := struct {
		ID       string `json:"id"`
		Password string `json:"password"`
	}{id, password}
	if err := c.do(ctx, http.MethodPost, "/login", req, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (c *Client) PublicKeys(ctx context.Context, id string) (protocol.IdentityKeys, error) {
	var keys protocol.IdentityKeys
	err := c.do(ctx, http.MethodGet, "/keys/"+url.PathEscape(id), nil, &keys)
	return keys, err
}

func (c *Client) CreateContact(ctx context.Context, contactUserID string) (protocol.Contact, error) {
	var out protocol.Contact
	req := struct {
		ContactUserID string `json:"contactUserId"`
	}{contactUserID}
	err := c.do(ctx, http.MethodPost, "/contacts", req, &out)
	return out, err
}

func (c *Client) Contact(ctx context.Context, contactID string) (protocol.Contact, error) {
	var out protocol.Contact
	err := c.do(ctx, http.MethodGet, "/contacts/"+url.PathEscape(contactID), nil, &out)
	return out, err
}

func (c *Client) List(ctx context.Context, contactID string, opts protocol.ListOptions) ([]protocol.StoredMessage, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	if !opts.Before.IsZero() {
		q.Set("before", opts.Before.UTC().Format(time.RFC3339Nano))
	}
	path := "/contacts/" + url.PathEscape(contactID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var rows []protocol.StoredMessage
	err := c.do(ctx, http.MethodGet, path, nil, &rows)
	return rows, err
}

func (c *Client) Send(ctx context.Context, env protocol.Envelope) (protocol.SendResult, error) {
	var res protocol.SendResult
	err := c.do(ctx, http.MethodPost, "/contacts/"+url.PathEscape(env.ContactID)+"/messages", env, &res)
	return res, err
}

func (c *Client) Update(ctx context.Context, env protocol.Envelope) error {
	return c.do(ctx, http.MethodPut, "/messages/"+url.PathEscape(env.MessageID), env, nil)
}

func (c *Client) Delete(ctx context.Context, contactID, messageID string, scope protocol.DeleteScope) error {
	q := url.Values{"contactId": {contactID}, "scope": {string(scope)}}
	return c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID)+"?"+q.Encode(), nil, nil)
}

func (c *Client) MarkRead(ctx context.Context, messageIDs []string) (int, error) {
	var out struct {
		Updated int `json:"updated"`
	}
	req := struct {
		MessageIDs []string `json:"messageIds"`
	}{messageIDs}
	err := c.do(ctx, http.MethodPost, "/messages/read", req, &out)
	return out.Updated, err
}

func (c *Client) React(ctx context.Context, messageID string, reaction *string) error {
	req := struct {
		Reaction *string `json:"reaction"`
	}{reaction}
	return c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/reaction", req, nil)
}

func (c *Client) UnreadCount(ctx context.Context, contactID string) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, "/contacts/"+url.PathEscape(contactID)+"/unread", nil, &out)
	return out.Count, err
}
