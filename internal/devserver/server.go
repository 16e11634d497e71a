// Package devserver is a development message backend. It serves the REST
// contract the sync engine polls, backed by SQLite, plus a websocket channel
// that nudges connected clients. It is not meant for production use.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tOgg1/coursechat/internal/db"
	"github.com/tOgg1/coursechat/internal/logging"
)

// Config configures a Server.
type Config struct {
	// Addr is the listen address for ListenAndServe.
	Addr string

	// DatabasePath is the SQLite file. Empty keeps everything in memory.
	DatabasePath string

	// JWTSecret signs and verifies HS256 bearer tokens.
	JWTSecret string

	// PresenceTTL is how long a user counts as online after their last request.
	// Default: 30s
	PresenceTTL time.Duration

	// TypingTTL is how long a typing signal lasts without a refresh.
	// Default: 6s
	TypingTTL time.Duration

	// SendRate and SendBurst bound messages per user.
	// Default: 1/s with a burst of 5
	SendRate  rate.Limit
	SendBurst int

	// Now overrides the clock for presence bookkeeping.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8088"
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 30 * time.Second
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = 6 * time.Second
	}
	if c.SendRate <= 0 {
		c.SendRate = rate.Every(time.Second)
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 5
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Server is the development backend.
type Server struct {
	cfg    Config
	secret []byte
	logger zerolog.Logger

	db       *db.DB
	users    *db.UserRepository
	convs    *db.ConversationRepository
	messages *db.MessageRepository

	hub      *hub
	presence *presence
	router   *gin.Engine

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	cancel context.CancelFunc
}

// New opens the store and builds the router. Close releases both.
func New(ctx context.Context, cfg Config) (*Server, error) {
	cfg.applyDefaults()
	if cfg.JWTSecret == "" {
		return nil, ErrMissingSecret
	}

	store, err := db.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	logger := logging.Component("devserver")
	s := &Server{
		cfg:      cfg,
		secret:   []byte(cfg.JWTSecret),
		logger:   logger,
		db:       store,
		users:    db.NewUserRepository(store),
		convs:    db.NewConversationRepository(store),
		messages: db.NewMessageRepository(store),
		hub:      newHub(logger),
		presence: newPresence(cfg.PresenceTTL, cfg.TypingTTL, cfg.Now),
		limiters: make(map[string]*rate.Limiter),
	}
	s.presence.connected = s.hub.IsConnected
	s.router = s.routes()

	hubCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.hub.run(hubCtx)

	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Token issues a bearer token for an existing user.
func (s *Server) Token(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return SignToken(s.secret, user.ID, user.Name, ttl)
}

// Typing lists users currently typing in a conversation.
func (s *Server) Typing(conversationID string) []string {
	return s.presence.Typing(conversationID)
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("dev server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("dev server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("dev server shutdown: %w", err)
		}
		return nil
	}
}

// Close stops the push hub and closes the store.
func (s *Server) Close() error {
	s.cancel()
	<-s.hub.done
	return s.db.Close()
}

func (s *Server) sendLimiter(userID string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	lim, ok := s.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(s.cfg.SendRate, s.cfg.SendBurst)
		s.limiters[userID] = lim
	}
	return lim
}
