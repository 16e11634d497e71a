// Package push listens on the backend's websocket for refresh nudges.
//
// Nudges carry no state. They only make the engine poll early; messages and
// counts still come from the regular fetches.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tOgg1/coursechat/internal/logging"
	"github.com/tOgg1/coursechat/internal/session"
)

const (
	// pongWait is how long the connection may stay silent before it is dropped.
	pongWait = 60 * time.Second

	maxMessageSize = 4096

	defaultReconnect = 5 * time.Second
)

// Nudger reacts to push notices.
type Nudger interface {
	Nudge(kind, conversationID string)
}

// Notice kinds.
const (
	KindMessageCreated      = "message.created"
	KindConversationRead    = "conversation.read"
	KindTyping              = "typing"
	KindConversationCreated = "conversation.created"
)

// Notice is one websocket frame from the backend.
type Notice struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Config configures a Listener.
type Config struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string

	// Session authenticates the upgrade request.
	Session session.Session

	// ReconnectInterval is the wait between connection attempts.
	// Default: 5s
	ReconnectInterval time.Duration

	// Dialer overrides the websocket dialer.
	Dialer *websocket.Dialer
}

// Listener keeps a websocket open and forwards notices to a Nudger.
type Listener struct {
	cfg    Config
	nudger Nudger
	dialer *websocket.Dialer
	logger zerolog.Logger

	connected atomic.Bool
	connects  atomic.Int64
	received  atomic.Int64
}

// New creates a Listener.
func New(cfg Config, nudger Nudger) (*Listener, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse push url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("push url must use ws or wss: %q", cfg.URL)
	}
	if nudger == nil {
		return nil, errors.New("push: nudger is required")
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnect
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	return &Listener{
		cfg:    cfg,
		nudger: nudger,
		dialer: dialer,
		logger: logging.Component("push"),
	}, nil
}

// URLFor derives the websocket URL from an http(s) base URL and a path.
func URLFor(baseURL, path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return u.String(), nil
}

// Run connects and listens until ctx is cancelled, reconnecting after
// failures. It always returns ctx.Err().
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Debug().
			Err(errors.New(logging.Redact(errString(err)))).
			Dur("retry_in", l.cfg.ReconnectInterval).
			Msg("push connection lost")

		timer := time.NewTimer(l.cfg.ReconnectInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Connected reports whether the websocket is currently open.
func (l *Listener) Connected() bool {
	return l.connected.Load()
}

// Connects returns how many connections were established.
func (l *Listener) Connects() int64 {
	return l.connects.Load()
}

// Received returns how many notices were forwarded.
func (l *Listener) Received() int64 {
	return l.received.Load()
}

func (l *Listener) listen(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", l.cfg.Session.AuthorizationHeader())

	conn, resp, err := l.dialer.DialContext(ctx, l.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	l.connected.Store(true)
	l.connects.Add(1)
	l.logger.Info().Str("url", logging.RedactURL(l.cfg.URL)).Msg("push connected")

	done := make(chan struct{})
	defer func() {
		close(done)
		l.connected.Store(false)
		_ = conn.Close()
	}()

	// Closing the connection unblocks ReadMessage on cancellation.
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var notice Notice
		if err := json.Unmarshal(raw, &notice); err != nil || notice.Type == "" {
			l.logger.Debug().Int("bytes", len(raw)).Msg("ignoring malformed push frame")
			continue
		}
		l.received.Add(1)
		l.nudger.Nudge(notice.Type, notice.ConversationID)
	}
}

func errString(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}
