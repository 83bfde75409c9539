package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/multierr"

	"github.com/Chase-Garrett/courier/internal/auth"
	"github.com/Chase-Garrett/courier/internal/config"
	"github.com/Chase-Garrett/courier/internal/store"
)

// Server holds all dependencies for the courier relay and message API
type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	db         *sql.DB
	identities *auth.IdentityStorage
	store      *store.Store
	auth       *auth.Authenticator
	hub        *Hub
	relay      *Relay
	registry   *prometheus.Registry
	upgrader   websocket.Upgrader
	handler    http.Handler
	stopHub    context.CancelFunc
}

// NewServer opens storage, starts the hub and wires the routes.
func NewServer(cfg *config.Config, log *logrus.Logger) (*Server, error) {
	authenticator, err := auth.NewAuthenticator(cfg.JWT.Secret, cfg.JWT.TTL, cfg.JWT.Algorithms)
	if err != nil {
		return nil, err
	}

	db, err := store.OpenDB(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	identities, err := auth.NewIdentityStorage(db)
	if err != nil {
		return nil, multierr.Append(err, db.Close())
	}
	messages, err := store.New(db, store.Limits{
		MaxCiphertextBytes: cfg.Limits.MaxCiphertextBytes,
		MaxRequestBytes:    cfg.Limits.MaxRequestBytes,
	})
	if err != nil {
		return nil, multierr.Append(err, db.Close())
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := NewMetrics(registry)

	hub := NewHub(metrics)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	s := &Server{
		cfg:        cfg,
		log:        log,
		db:         db,
		identities: identities,
		store:      messages,
		auth:       authenticator,
		hub:        hub,
		relay:      NewRelay(hub, log.WithField("component", "relay"), metrics),
		registry:   registry,
		stopHub:    cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/register", s.HandleRegister).Methods(http.MethodPost)
	r.HandleFunc("/login", s.HandleLogin).Methods(http.MethodPost)
	r.HandleFunc("/keys/{id}", s.HandleGetPublicKeys).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.HandleConnections).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(s.auth.Middleware)
	api.HandleFunc("/contacts", s.HandleCreateContact).Methods(http.MethodPost)
	api.HandleFunc("/contacts/{contactId}", s.HandleGetContact).Methods(http.MethodGet)
	api.HandleFunc("/contacts/{contactId}/messages", s.HandleListMessages).Methods(http.MethodGet)
	api.HandleFunc("/contacts/{contactId}/messages", s.HandleSendMessage).Methods(http.MethodPost)
	api.HandleFunc("/contacts/{contactId}/unread", s.HandleUnreadCount).Methods(http.MethodGet)
	api.HandleFunc("/messages/read", s.HandleMarkRead).Methods(http.MethodPost)
	api.HandleFunc("/messages/{messageId}", s.HandleUpdateMessage).Methods(http.MethodPut)
	api.HandleFunc("/messages/{messageId}", s.HandleDeleteMessage).Methods(http.MethodDelete)
	api.HandleFunc("/messages/{messageId}/reaction", s.HandleReact).Methods(http.MethodPost)

	return otelhttp.NewHandler(r, "courier",
		otelhttp.WithFilter(func(req *http.Request) bool { return req.URL.Path != "/ws" }),
	)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub exposes the channel router.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.Server.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// HandleConnections authenticates the handshake, then upgrades to a relay session.
// Nothing is read from an unauthenticated connection.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Authenticate(r)
	if err != nil {
		s.log.WithField("remote", r.RemoteAddr).Debug("rejected unauthenticated handshake")
		http.Error(w, auth.ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	session := newSession(conn, identity, s.hub, s.relay, s.log, sessionOptions{
		sendBuffer:   s.cfg.Relay.SendBuffer,
		writeTimeout: s.cfg.Relay.WriteTimeout,
		pongTimeout:  s.cfg.Relay.PongTimeout,
	})
	if err := s.hub.Register(session); err != nil {
		conn.Close()
		return
	}

	session.log.Info("session connected")

	go session.writePump()
	go session.readPump()
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.WithField("addr", srv.Addr).Info("HTTP server started")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Close stops the hub and closes storage.
func (s *Server) Close() error {
	s.stopHub()
	<-s.hub.done
	return s.db.Close()
}
