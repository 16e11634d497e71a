package devserver

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tOgg1/coursechat/internal/db"
	"github.com/tOgg1/coursechat/internal/models"
	"github.com/tOgg1/coursechat/internal/push"
)

const conversationKey = "devserver.conversation"

type envelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *envelopeError `json:"error,omitempty"`
}

type envelopeError struct {
	Message           string `json:"message"`
	Code              string `json:"code,omitempty"`
	RateLimited       bool   `json:"rate_limited,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

type sendRequest struct {
	Content string `json:"content" binding:"required"`
}

type typingRequest struct {
	IsTyping *bool `json:"is_typing" binding:"required"`
}

type createRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
	Type          string `json:"type" binding:"omitempty,oneof=direct support"`
	Subject       string `json:"subject" binding:"max=200"`
	CourseID      string `json:"course_id"`
}

type resolveRequest struct {
	IsResolved bool `json:"is_resolved"`
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	api := r.Group("/api/messages", s.authenticate())
	api.GET("/conversations", s.listConversations)
	api.POST("/conversations", s.createConversation)
	api.GET("/unread-count", s.unreadCount)
	api.GET("/ws", s.serveWS)

	conv := api.Group("/conversations/:id", s.requireParticipant())
	conv.GET("", s.getConversation)
	conv.GET("/messages", s.getMessages)
	conv.POST("/messages", s.sendMessage)
	conv.POST("/read", s.markRead)
	conv.POST("/typing", s.setTyping)
	conv.GET("/online", s.onlineUsers)
	conv.POST("/resolve", s.resolve)

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, "not_found", "route not found")
	})
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Success: true, Data: data})
}

func fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, envelope{Error: &envelopeError{Message: message, Code: code}})
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	fail(c, http.StatusInternalServerError, "internal", "internal server error")
}

// requireParticipant loads the :id conversation and rejects non-members.
func (s *Server) requireParticipant() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		id := c.Param("id")
		conv, err := s.convs.Get(c.Request.Context(), id, user.ID)
		if errors.Is(err, db.ErrConversationNotFound) {
			fail(c, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			s.internalError(c, err)
			return
		}
		member := false
		for _, p := range conv.Participants {
			if p.ID == user.ID {
				member = true
				break
			}
		}
		if !member {
			fail(c, http.StatusForbidden, "forbidden", "not a participant of this conversation")
			return
		}
		c.Set(conversationKey, conv)
		c.Next()
	}
}

func currentConversation(c *gin.Context) models.Conversation {
	conv, _ := c.MustGet(conversationKey).(models.Conversation)
	return conv
}

func (s *Server) listConversations(c *gin.Context) {
	convs, err := s.convs.ListForUser(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		s.internalError(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"conversations": convs})
}

func (s *Server) getConversation(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{"conversation": currentConversation(c)})
}

func (s *Server) getMessages(c *gin.Context) {
	msgs, err := s.messages.List(c.Request.Context(), c.Param("id"), currentUser(c).ID)
	if err != nil {
		s.internalError(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) sendMessage(c *gin.Context) {
	user := currentUser(c)
	conv := currentConversation(c)

	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		fail(c, http.StatusBadRequest, "validation_error", "message content is required")
		return
	}

	if r := s.sendLimiter(user.ID).Reserve(); !r.OK() || r.Delay() > 0 {
		wait := r.Delay()
		r.Cancel()
		secs := int(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, envelope{Error: &envelopeError{
			Message:           "You are sending messages too quickly",
			Code:              "rate_limited",
			RateLimited:       true,
			RetryAfterSeconds: secs,
		}})
		return
	}

	msg := models.Message{
		ConversationID: conv.ID,
		SenderID:       user.ID,
		SenderName:     user.Name,
		Content:        strings.TrimSpace(req.Content),
	}
	if err := s.messages.Create(c.Request.Context(), &msg); err != nil {
		s.internalError(c, err)
		return
	}
	s.presence.SetTyping(conv.ID, user.ID, false)
	s.hub.notify(push.Notice{Type: push.KindMessageCreated, ConversationID: conv.ID}, participantIDs(conv)...)
	ok(c, http.StatusCreated, gin.H{"message": msg})
}

func (s *Server) markRead(c *gin.Context) {
	user := currentUser(c)
	conv := currentConversation(c)
	added, err := s.messages.MarkRead(c.Request.Context(), conv.ID, user.ID, s.cfg.Now())
	if err != nil {
		s.internalError(c, err)
		return
	}
	if added > 0 {
		s.hub.notify(push.Notice{Type: push.KindConversationRead, ConversationID: conv.ID}, user.ID)
	}
	ok(c, http.StatusOK, gin.H{"marked": added})
}

func (s *Server) setTyping(c *gin.Context) {
	user := currentUser(c)
	conv := currentConversation(c)

	var req typingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "validation_error", "is_typing is required")
		return
	}
	s.presence.SetTyping(conv.ID, user.ID, *req.IsTyping)
	s.hub.notify(push.Notice{Type: push.KindTyping, ConversationID: conv.ID}, otherIDs(conv, user.ID)...)
	ok(c, http.StatusOK, gin.H{"is_typing": *req.IsTyping})
}

func (s *Server) onlineUsers(c *gin.Context) {
	user := currentUser(c)
	conv := currentConversation(c)

	online := []models.UserRef{}
	for _, p := range conv.Participants {
		if p.ID != user.ID && s.presence.IsOnline(p.ID) {
			online = append(online, p)
		}
	}
	ok(c, http.StatusOK, gin.H{"online_users": online, "typing": s.presence.Typing(conv.ID)})
}

func (s *Server) unreadCount(c *gin.Context) {
	counts, err := s.messages.UnreadCounts(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		s.internalError(c, err)
		return
	}
	ok(c, http.StatusOK, counts)
}

func (s *Server) createConversation(c *gin.Context) {
	user := currentUser(c)
	ctx := c.Request.Context()

	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if req.ParticipantID == user.ID {
		fail(c, http.StatusBadRequest, "validation_error", "cannot start a conversation with yourself")
		return
	}
	other, err := s.users.Get(ctx, req.ParticipantID)
	if err != nil {
		fail(c, http.StatusNotFound, "not_found", "participant not found")
		return
	}

	conv := models.Conversation{
		Type:         models.ConversationType(req.Type),
		Subject:      strings.TrimSpace(req.Subject),
		Participants: []models.UserRef{user, other},
	}
	if req.CourseID != "" {
		conv.Course = &models.CourseRef{ID: req.CourseID}
	}
	if err := s.convs.Create(ctx, &conv); err != nil {
		s.internalError(c, err)
		return
	}
	created, err := s.convs.Get(ctx, conv.ID, user.ID)
	if err != nil {
		s.internalError(c, err)
		return
	}
	s.hub.notify(push.Notice{Type: push.KindConversationCreated, ConversationID: conv.ID}, participantIDs(created)...)
	ok(c, http.StatusCreated, gin.H{"conversation": created})
}

func (s *Server) resolve(c *gin.Context) {
	conv := currentConversation(c)
	if conv.Type != models.ConversationTypeSupport {
		fail(c, http.StatusBadRequest, "validation_error", "only support conversations can be resolved")
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if err := s.convs.SetResolved(c.Request.Context(), conv.ID, req.IsResolved); err != nil {
		s.internalError(c, err)
		return
	}
	updated, err := s.convs.Get(c.Request.Context(), conv.ID, currentUser(c).ID)
	if err != nil {
		s.internalError(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"conversation": updated})
}

func participantIDs(conv models.Conversation) []string {
	ids := make([]string, 0, len(conv.Participants))
	for _, p := range conv.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}

func otherIDs(conv models.Conversation, self string) []string {
	var ids []string
	for _, p := range conv.Participants {
		if p.ID != self {
			ids = append(ids, p.ID)
		}
	}
	return ids
}
