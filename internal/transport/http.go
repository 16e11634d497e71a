package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/coursechat/internal/logging"
	"github.com/tOgg1/coursechat/internal/models"
	"github.com/tOgg1/coursechat/internal/session"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxResponseSize       = 4 << 20
	apiPrefix             = "/api/messages"
)

// HTTPConfig configures the HTTP client.
type HTTPConfig struct {
	// BaseURL is the platform API origin.
	BaseURL string
	// Session authenticates every call.
	Session session.Session
	// Timeout bounds every call. Default: 10s
	Timeout time.Duration
	// HTTPClient overrides the underlying client (tests).
	HTTPClient *http.Client
}

// HTTPClient implements Client over the platform's REST endpoints.
type HTTPClient struct {
	base    *url.URL
	session session.Session
	timeout time.Duration
	http    *http.Client
	logger  zerolog.Logger
}

// envelope is the uniform response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *envelopeError  `json:"error,omitempty"`
}

type envelopeError struct {
	Message           string `json:"message"`
	Code              string `json:"code,omitempty"`
	RateLimited       bool   `json:"rate_limited,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

type conversationsData struct {
	Conversations []models.Conversation `json:"conversations"`
}

type conversationData struct {
	Conversation models.Conversation `json:"conversation"`
}

type messagesData struct {
	Messages []models.Message `json:"messages"`
}

type messageData struct {
	Message models.Message `json:"message"`
}

type onlineUsersData struct {
	OnlineUsers []models.UserRef `json:"online_users"`
}

// NewHTTPClient creates a new HTTPClient.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url must be absolute: %q", cfg.BaseURL)
	}
	if !cfg.Session.Valid() {
		return nil, session.ErrNoToken
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &HTTPClient{
		base:    base,
		session: cfg.Session,
		timeout: timeout,
		http:    httpClient,
		logger:  logging.Component("transport"),
	}, nil
}

// BaseURL returns the configured origin.
func (c *HTTPClient) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// ListConversations implements Client.
func (c *HTTPClient) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out conversationsData
	if err := c.do(ctx, "listConversations", http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	if err := models.ValidateConversations(out.Conversations); err != nil {
		return nil, fmt.Errorf("listConversations: %w: %w", ErrInvalidResponse, err)
	}
	if out.Conversations == nil {
		out.Conversations = []models.Conversation{}
	}
	return out.Conversations, nil
}

// GetConversation implements Client.
func (c *HTTPClient) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	var out conversationData
	if err := c.do(ctx, "getConversation", http.MethodGet, conversationPath(conversationID, ""), nil, &out); err != nil {
		return models.Conversation{}, err
	}
	if err := models.Validate(&out.Conversation); err != nil {
		return models.Conversation{}, fmt.Errorf("getConversation: %w: %w", ErrInvalidResponse, err)
	}
	return out.Conversation, nil
}

// GetMessages implements Client.
func (c *HTTPClient) GetMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var out messagesData
	if err := c.do(ctx, "getMessages", http.MethodGet, conversationPath(conversationID, "/messages"), nil, &out); err != nil {
		return nil, err
	}
	if err := models.ValidateMessages(out.Messages); err != nil {
		return nil, fmt.Errorf("getMessages: %w: %w", ErrInvalidResponse, err)
	}
	for i := range out.Messages {
		if out.Messages[i].ConversationID == "" {
			out.Messages[i].ConversationID = conversationID
		}
		out.Messages[i] = out.Messages[i].Confirmed()
	}
	if out.Messages == nil {
		out.Messages = []models.Message{}
	}
	return out.Messages, nil
}

// SendMessage implements Client.
func (c *HTTPClient) SendMessage(ctx context.Context, conversationID, content string) (models.Message, error) {
	body := map[string]string{"content": content}
	var out messageData
	if err := c.do(ctx, "sendMessage", http.MethodPost, conversationPath(conversationID, "/messages"), body, &out); err != nil {
		return models.Message{}, err
	}
	if err := models.Validate(&out.Message); err != nil {
		return models.Message{}, fmt.Errorf("sendMessage: %w: %w", ErrInvalidResponse, err)
	}
	if out.Message.ConversationID == "" {
		out.Message.ConversationID = conversationID
	}
	return out.Message.Confirmed(), nil
}

// MarkConversationRead implements Client.
func (c *HTTPClient) MarkConversationRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, "markConversationRead", http.MethodPost, conversationPath(conversationID, "/read"), struct{}{}, nil)
}

// GetUnreadCount implements Client.
func (c *HTTPClient) GetUnreadCount(ctx context.Context) (models.UnreadCounts, error) {
	var out models.UnreadCounts
	if err := c.do(ctx, "getUnreadCount", http.MethodGet, "/unread-count", nil, &out); err != nil {
		return models.UnreadCounts{}, err
	}
	if err := models.Validate(&out); err != nil {
		return models.UnreadCounts{}, fmt.Errorf("getUnreadCount: %w: %w", ErrInvalidResponse, err)
	}
	return out, nil
}

// SetTypingStatus implements Client.
func (c *HTTPClient) SetTypingStatus(ctx context.Context, conversationID string, isTyping bool) error {
	body := map[string]bool{"is_typing": isTyping}
	return c.do(ctx, "setTypingStatus", http.MethodPost, conversationPath(conversationID, "/typing"), body, nil)
}

// GetOnlineUsers implements Client.
func (c *HTTPClient) GetOnlineUsers(ctx context.Context, conversationID string) ([]models.UserRef, error) {
	var out onlineUsersData
	if err := c.do(ctx, "getOnlineUsers", http.MethodGet, conversationPath(conversationID, "/online"), nil, &out); err != nil {
		return nil, err
	}
	return out.OnlineUsers, nil
}

func conversationPath(conversationID, suffix string) string {
	return "/conversations/" + url.PathEscape(conversationID) + suffix
}

func (c *HTTPClient) endpoint(path string) string {
	return strings.TrimRight(c.base.String(), "/") + apiPrefix + path
}

// do issues one request and decodes the envelope's data into out (when non-nil).
func (c *HTTPClient) do(ctx context.Context, op, method, path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	target := c.endpoint(path)
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", c.session.AuthorizationHeader())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug().Str("op", op).Err(errors.New(logging.Redact(err.Error()))).Msg("request failed")
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}

	c.logger.Debug().
		Str("op", op).
		Str("url", logging.RedactURL(target)).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("backend call")

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return statusError(op, resp, "")
		}
		return fmt.Errorf("%s: %w: %v", op, ErrInvalidResponse, err)
	}

	if resp.StatusCode >= 400 || !env.Success {
		return envelopeFailure(op, resp, env.Error)
	}

	if out == nil {
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%s: %w: missing data", op, ErrInvalidResponse)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrInvalidResponse, err)
	}
	return nil
}

func envelopeFailure(op string, resp *http.Response, e *envelopeError) error {
	apiErr := statusError(op, resp, "")
	if e != nil {
		if e.Message != "" {
			apiErr.Message = e.Message
		}
		apiErr.Code = e.Code
		apiErr.RateLimited = apiErr.RateLimited || e.RateLimited
		if e.RetryAfterSeconds > 0 {
			apiErr.RetryAfter = time.Duration(e.RetryAfterSeconds) * time.Second
		}
	}
	return apiErr
}

func statusError(op string, resp *http.Response, message string) *APIError {
	apiErr := &APIError{Op: op, Message: message}
	if resp == nil {
		return apiErr
	}
	if resp.StatusCode >= 400 {
		apiErr.Status = resp.StatusCode
	}
	if apiErr.Message == "" && resp.StatusCode >= 400 {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		apiErr.RateLimited = true
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}
