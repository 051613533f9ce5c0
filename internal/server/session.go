package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
)

const SessionCookieName = "viewmig_session"

var ErrUnauthorized = errors.New("unauthorized")

// Session is the signed payload of an operator login.
type Session struct {
	ID       uuid.UUID
	IssuedAt time.Time
}

// SessionManager signs and verifies operator session cookies.
type SessionManager struct {
	cookie *securecookie.SecureCookie
}

func NewSessionManager(secretKey []byte) *SessionManager {
	sc := securecookie.New(secretKey, secretKey)
	sc.MaxAge(int((24 * time.Hour).Seconds()))
	sc.SetSerializer(securecookie.JSONEncoder{})
	return &SessionManager{cookie: sc}
}

func (s *SessionManager) SetSession(w http.ResponseWriter, session Session) error {
	encoded, err := s.cookie.Encode(SessionCookieName, session)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (s *SessionManager) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Now().Add(-time.Hour),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *SessionManager) GetSession(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return nil, ErrUnauthorized
	}
	var session Session
	if err := s.cookie.Decode(SessionCookieName, cookie.Value, &session); err != nil {
		return nil, ErrUnauthorized
	}
	return &session, nil
}
