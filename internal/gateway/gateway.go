// Package gateway relays browser websocket connections onto a document's
// broadcast channels. Every connection gets its own client id and channel
// manager, and every send is checked against the connection's current access.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"coedit/api/internal/access"
	"coedit/api/internal/app"
	"coedit/api/internal/auth"
	"coedit/api/internal/channel"
	"coedit/api/internal/feed"
	"coedit/api/internal/util"
)

// Authorizer resolves the live access of a user on a document. Missing and
// trashed documents resolve to none.
type Authorizer interface {
	LiveAccess(ctx context.Context, who auth.Identity, documentID string) (access.Access, error)
}

type Config struct {
	TrackViewers  bool
	AllowedOrigin string
	PingInterval  time.Duration
	PongWait      time.Duration
	WriteWait     time.Duration
	SendBuffer    int
	MaxFrameBytes int64
}

func DefaultConfig() Config {
	return Config{
		AllowedOrigin: "*",
		PingInterval:  25 * time.Second,
		PongWait:      60 * time.Second,
		WriteWait:     10 * time.Second,
		SendBuffer:    256,
		MaxFrameBytes: 4 << 20,
	}
}

type Server struct {
	transport channel.Transport
	feed      feed.Source
	authz     Authorizer
	cfg       Config
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

func New(transport channel.Transport, source feed.Source, authz Authorizer, cfg Config, logger *zap.Logger) *Server {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = cfg.PingInterval * 2
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = def.MaxFrameBytes
	}
	s := &Server{
		transport: transport,
		feed:      source,
		authz:     authz,
		cfg:       cfg,
		logger:    logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowedOrigin == "" || s.cfg.AllowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == s.cfg.AllowedOrigin
}

// ServeHTTP expects the caller to have authenticated the request and the
// route to carry the document id as {id}.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	who, ok := auth.IdentityFrom(r.Context())
	if !ok {
		app.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	documentID := mux.Vars(r)["id"]
	acc, err := s.authz.LiveAccess(r.Context(), who, documentID)
	if err != nil {
		s.logger.Error("resolve access", zap.String("document_id", documentID), zap.Error(err))
		app.WriteError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
		return
	}
	if !acc.CanView {
		app.WriteError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", zap.String("document_id", documentID), zap.Error(err))
		return
	}

	c := newConn(s, ws, who, documentID, acc)
	// The request context ends with the handler; the connection outlives it.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.open(ctx); err != nil {
		s.logger.Warn("open realtime connection",
			zap.String("document_id", documentID),
			zap.String("user_id", who.UserID),
			zap.Error(err),
		)
		c.teardownWith(websocket.CloseInternalServerErr, "channel unavailable")
		c.writePump()
		return
	}
	s.logger.Info("realtime connected",
		zap.String("document_id", documentID),
		zap.String("user_id", who.UserID),
		zap.String("client_id", c.clientID),
		zap.String("access", string(acc.Level)),
	)

	go c.writePump()
	c.readPump(ctx)
	c.teardown()
	s.logger.Info("realtime disconnected",
		zap.String("document_id", documentID),
		zap.String("client_id", c.clientID),
	)
}

var (
	errForbidden      = errors.New("not allowed with your access")
	errUnknownChannel = errors.New("unknown channel")
	errUnknownFrame   = errors.New("unknown frame type")
	errUnknownEvent   = errors.New("unknown event")
)

func newClientID() string {
	return util.NewID("ws")
}
