// Package session carries the signed-in participant through every engine call.
package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Session errors.
var (
	ErrNoToken  = errors.New("session token is required")
	ErrNoUserID = errors.New("session user id could not be determined")
)

// Claims is the subset of platform token claims the client reads.
type Claims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Session identifies the current user. It is passed explicitly instead of
// being read from ambient state.
type Session struct {
	UserID      string
	DisplayName string
	Token       string
}

// FromToken builds a Session from a platform bearer token. The token is not
// verified; the backend does that on every call. userID and displayName
// override the claims when non-empty.
func FromToken(token, userID, displayName string) (Session, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Session{}, ErrNoToken
	}

	s := Session{
		UserID:      strings.TrimSpace(userID),
		DisplayName: strings.TrimSpace(displayName),
		Token:       token,
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if s.UserID == "" {
			s.UserID = claims.Subject
		}
		if s.DisplayName == "" {
			s.DisplayName = claims.Name
		}
	} else if s.UserID == "" {
		return Session{}, fmt.Errorf("%w: %v", ErrNoUserID, err)
	}

	if s.UserID == "" {
		return Session{}, ErrNoUserID
	}
	if s.DisplayName == "" {
		s.DisplayName = s.UserID
	}
	return s, nil
}

// Valid reports whether the session can issue backend calls.
func (s Session) Valid() bool {
	return s.UserID != "" && s.Token != ""
}

// AuthorizationHeader returns the Authorization header value.
func (s Session) AuthorizationHeader() string {
	return "Bearer " + s.Token
}
