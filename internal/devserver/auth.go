package devserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tOgg1/coursechat/internal/models"
	"github.com/tOgg1/coursechat/internal/session"
)

const userKey = "devserver.user"

// Auth errors.
var (
	ErrMissingSecret = errors.New("jwt secret is required")
	ErrInvalidToken  = errors.New("invalid or expired token")
)

// SignToken issues an HS256 token whose subject is userID.
func SignToken(secret []byte, userID, name string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", ErrMissingSecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := session.Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func parseToken(secret []byte, raw string) (*session.Claims, error) {
	claims := &session.Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// authenticate verifies the bearer token and loads the user it names.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			fail(c, http.StatusUnauthorized, "unauthorized", "authorization required")
			return
		}

		claims, err := parseToken(s.secret, strings.TrimSpace(raw))
		if err != nil {
			s.logger.Debug().Err(err).Msg("rejected token")
			fail(c, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}

		user, err := s.users.Get(c.Request.Context(), claims.Subject)
		if err != nil {
			fail(c, http.StatusUnauthorized, "unauthorized", "unknown user")
			return
		}

		s.presence.Touch(user.ID)
		c.Set(userKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) models.UserRef {
	user, _ := c.MustGet(userKey).(models.UserRef)
	return user
}
