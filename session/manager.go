package session

import (
	"net/http"
	"time"
)

// CookieName is the default name of the session cookie.
const CookieName = "session"

// Manager binds session tokens to HTTP cookies.
type Manager struct {
	codec      *Codec
	cookieName string
	secure     bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSecureCookies sets the Secure attribute on every cookie written.
// Enable in production.
func WithSecureCookies(secure bool) ManagerOption {
	return func(m *Manager) {
		m.secure = secure
	}
}

// WithCookieName overrides CookieName.
func WithCookieName(name string) ManagerOption {
	return func(m *Manager) {
		m.cookieName = name
	}
}

// NewManager returns a Manager that encodes tokens with codec.
func NewManager(codec *Codec, opts ...ManagerOption) *Manager {
	m := &Manager{
		codec:      codec,
		cookieName: CookieName,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CookieName returns the name of the cookie the manager reads and writes.
func (m *Manager) CookieName() string {
	return m.cookieName
}

// Issue signs a fresh token for the user and sets it as the session cookie.
func (m *Manager) Issue(w http.ResponseWriter, userID, username string) (Claims, error) {
	token, claims, err := m.codec.Encode(Claims{UserID: userID, Username: username})
	if err != nil {
		return Claims{}, err
	}
	m.writeCookie(w, token, claims)
	return claims, nil
}

// Resolve returns the claims of the request's session cookie. A missing
// cookie and a rejected token both report false.
func (m *Manager) Resolve(r *http.Request) (Claims, bool) {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil || cookie.Value == "" {
		return Claims{}, false
	}
	claims, err := m.codec.Decode(cookie.Value)
	if err != nil {
		return Claims{}, false
	}
	return claims, true
}

// Refresh re-issues the request's session with a new validity window. It is
// a no-op when the request carries no valid session.
func (m *Manager) Refresh(w http.ResponseWriter, r *http.Request) (Claims, bool) {
	current, ok := m.Resolve(r)
	if !ok {
		return Claims{}, false
	}
	claims, err := m.Issue(w, current.UserID, current.Username)
	if err != nil {
		// The presented token is still valid; keep it.
		return current, true
	}
	return claims, true
}

// Destroy instructs the client to drop the session cookie. It does not
// invalidate copies of the token held elsewhere.
func (m *Manager) Destroy(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func (m *Manager) writeCookie(w http.ResponseWriter, token string, claims Claims) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  claims.ExpiresAt,
		MaxAge:   int(claims.ExpiresAt.Sub(claims.IssuedAt).Seconds()),
	})
}
