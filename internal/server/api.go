package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/Chase-Garrett/courier/internal/auth"
	"github.com/Chase-Garrett/courier/internal/protocol"
	"github.com/Chase-Garrett/courier/internal/store"
)

// LoginRequest defines JSON for the /login endpoint
type LoginRequest struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type CreateContactRequest struct {
	ContactUserID string `json:"contactUserId"`
}

type MarkReadRequest struct {
	MessageIDs []string `json:"messageIds"`
}

type MarkReadResponse struct {
	Updated int `json:"updated"`
}

type ReactionRequest struct {
	Reaction *string `json:"reaction"`
}

type UnreadResponse struct {
	Count int `json:"count"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, store.ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, store.ErrTooLarge):
		http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
	case errors.Is(err, store.ErrInvalidFields):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.WithError(err).Error("store operation failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// decodeBody reads a JSON body, capped so oversized sends fail before they are parsed.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	limit := int64(s.cfg.Limits.MaxRequestBytes) * 2
	if limit <= 0 {
		limit = 1 << 20
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
			return false
		}
		http.Error(w, "invalid request", http.StatusBadRequest)
		return false
	}
	return true
}

func identity(r *http.Request) string {
	id, _ := auth.IdentityFrom(r.Context())
	return id
}

// HandleRegister handles the registration of an identity and its public keys
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.Registration
	if !s.decodeBody(w, r, &req) {
		return
	}

	if err := s.identities.Register(req); err != nil {
		if errors.Is(err, auth.ErrIdentityExists) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusCreated)
	s.log.WithField("identity", req.ID).Info("identity registered")
}

// HandleLogin exchanges a password for a bearer token
func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.identities.VerifyPassword(req.ID, req.Password); err != nil {
		http.Error(w, auth.ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}
	token, err := s.auth.GenerateToken(req.ID)
	if err != nil {
		s.log.WithError(err).Error("issue token")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: token})
}

// HandleGetPublicKeys serves an identity's public keys
func (s *Server) HandleGetPublicKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.identities.PublicKeys(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, auth.ErrIdentityNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.log.WithError(err).Error("load public keys")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) withKeys(c protocol.Contact) (protocol.Contact, error) {
	keys, err := s.identities.PublicKeys(c.ContactUserID)
	if err != nil {
		return c, err
	}
	c.EncryptionPublicKey = keys.EncryptionPublicKey
	c.SigningPublicKey = keys.SigningPublicKey
	return c, nil
}

func (s *Server) HandleCreateContact(w http.ResponseWriter, r *http.Request) {
	var req CreateContactRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	exists, err := s.identities.Exists(req.ContactUserID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !exists {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	c, err := s.store.CreateContact(identity(r), req.ContactUserID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	c, err = s.withKeys(c)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) HandleGetContact(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.Contact(identity(r), mux.Vars(r)["contactId"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	c, err = s.withKeys(c)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func parseListOptions(r *http.Request) (protocol.ListOptions, error) {
	q := r.URL.Query()
	var opts protocol.ListOptions
	var err error
	if v := q.Get("limit"); v != "" {
		if opts.Limit, err = strconv.Atoi(v); err != nil {
			return opts, err
		}
	}
	if v := q.Get("offset"); v != "" {
		if opts.Offset, err = strconv.Atoi(v); err != nil {
			return opts, err
		}
	}
	if v := q.Get("before"); v != "" {
		if opts.Before, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

func (s *Server) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		http.Error(w, "invalid paging parameters", http.StatusBadRequest)
		return
	}
	rows, err := s.store.List(identity(r), mux.Vars(r)["contactId"], opts)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	var env protocol.Envelope
	if !s.decodeBody(w, r, &env) {
		return
	}
	if env.ContactID != mux.Vars(r)["contactId"] {
		http.Error(w, "contact mismatch", http.StatusBadRequest)
		return
	}
	res, err := s.store.Send(identity(r), env)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) HandleUpdateMessage(w http.ResponseWriter, r *http.Request) {
	var env protocol.Envelope
	if !s.decodeBody(w, r, &env) {
		return
	}
	env.MessageID = mux.Vars(r)["messageId"]
	if err := s.store.Update(identity(r), env); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := protocol.DeleteScope(q.Get("scope"))
	if err := s.store.Delete(identity(r), q.Get("contactId"), mux.Vars(r)["messageId"], scope); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req MarkReadRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	n, err := s.store.MarkRead(identity(r), req.MessageIDs)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MarkReadResponse{Updated: n})
}

func (s *Server) HandleReact(w http.ResponseWriter, r *http.Request) {
	var req ReactionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.store.React(identity(r), mux.Vars(r)["messageId"], req.Reaction); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleUnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.UnreadCount(identity(r), mux.Vars(r)["contactId"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UnreadResponse{Count: n})
}
