package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *testClock) {
	t.Helper()
	c, clock := newTestCodec(t)
	return NewManager(c, opts...), clock
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == CookieName {
			return c
		}
	}
	return nil
}

func requestWithCookie(c *http.Cookie) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if c != nil {
		r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	return r
}

func TestIssueSetsCookie(t *testing.T) {
	m, clock := newTestManager(t)
	rec := httptest.NewRecorder()

	claims, err := m.Issue(rec, "u1", "alice")
	require.NoError(t, err)

	c := sessionCookie(t, rec)
	require.NotNil(t, c)
	assert.NotEmpty(t, c.Value)
	assert.True(t, c.HttpOnly)
	assert.False(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, "/", c.Path)
	assert.Equal(t, clock.Now().Add(Lifetime).Unix(), c.Expires.Unix())
	assert.Equal(t, int(Lifetime.Seconds()), c.MaxAge)
	assert.Equal(t, claims.ExpiresAt.Unix(), c.Expires.Unix())
}

func TestSecureCookies(t *testing.T) {
	m, _ := newTestManager(t, WithSecureCookies(true))
	rec := httptest.NewRecorder()
	_, err := m.Issue(rec, "u1", "alice")
	require.NoError(t, err)
	assert.True(t, sessionCookie(t, rec).Secure)

	rec = httptest.NewRecorder()
	m.Destroy(rec)
	assert.True(t, sessionCookie(t, rec).Secure)
}

func TestResolve(t *testing.T) {
	m, clock := newTestManager(t)
	rec := httptest.NewRecorder()
	issued, err := m.Issue(rec, "u1", "alice")
	require.NoError(t, err)
	cookie := sessionCookie(t, rec)

	t.Run("Valid", func(t *testing.T) {
		got, ok := m.Resolve(requestWithCookie(cookie))
		require.True(t, ok)
		assert.Equal(t, issued, got)
	})

	t.Run("Absent", func(t *testing.T) {
		_, ok := m.Resolve(requestWithCookie(nil))
		assert.False(t, ok)
	})

	t.Run("Invalid", func(t *testing.T) {
		_, ok := m.Resolve(requestWithCookie(&http.Cookie{Name: CookieName, Value: "junk"}))
		assert.False(t, ok)
	})

	t.Run("WithinLifetime", func(t *testing.T) {
		clock.Advance(6 * 24 * time.Hour)
		got, ok := m.Resolve(requestWithCookie(cookie))
		require.True(t, ok)
		assert.Equal(t, "alice", got.Username)
	})

	t.Run("AfterLifetime", func(t *testing.T) {
		clock.Advance(24 * time.Hour)
		_, ok := m.Resolve(requestWithCookie(cookie))
		assert.False(t, ok)
	})
}

func TestRefresh(t *testing.T) {
	m, clock := newTestManager(t)
	rec := httptest.NewRecorder()
	issued, err := m.Issue(rec, "u1", "alice")
	require.NoError(t, err)
	cookie := sessionCookie(t, rec)

	t.Run("ExtendsWindow", func(t *testing.T) {
		clock.Advance(24 * time.Hour)
		rec := httptest.NewRecorder()
		refreshed, ok := m.Refresh(rec, requestWithCookie(cookie))
		require.True(t, ok)
		assert.Equal(t, issued.UserID, refreshed.UserID)
		assert.Equal(t, issued.Username, refreshed.Username)
		assert.Equal(t, issued.ExpiresAt.Add(24*time.Hour), refreshed.ExpiresAt)

		next := sessionCookie(t, rec)
		require.NotNil(t, next)
		got, ok := m.Resolve(requestWithCookie(next))
		require.True(t, ok)
		assert.Equal(t, refreshed, got)
	})

	t.Run("NoSessionIsNoop", func(t *testing.T) {
		rec := httptest.NewRecorder()
		_, ok := m.Refresh(rec, requestWithCookie(nil))
		assert.False(t, ok)
		assert.Empty(t, rec.Header().Values("Set-Cookie"))
	})

	t.Run("InvalidSessionIsNoop", func(t *testing.T) {
		rec := httptest.NewRecorder()
		_, ok := m.Refresh(rec, requestWithCookie(&http.Cookie{Name: CookieName, Value: "junk"}))
		assert.False(t, ok)
		assert.Empty(t, rec.Header().Values("Set-Cookie"))
	})
}

func TestDestroy(t *testing.T) {
	m, _ := newTestManager(t)
	rec := httptest.NewRecorder()
	_, err := m.Issue(rec, "u1", "alice")
	require.NoError(t, err)
	issued := sessionCookie(t, rec)

	rec = httptest.NewRecorder()
	m.Destroy(rec)
	cleared := sessionCookie(t, rec)
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)
	assert.Equal(t, -1, cleared.MaxAge)
	assert.True(t, cleared.Expires.Before(time.Unix(1, 0)))

	// Stateless tokens: a copy taken before logout stays valid until expiry.
	_, ok := m.Resolve(requestWithCookie(issued))
	assert.True(t, ok)

	// Destroy is idempotent.
	rec = httptest.NewRecorder()
	m.Destroy(rec)
	assert.Equal(t, -1, sessionCookie(t, rec).MaxAge)
}

func TestCustomCookieName(t *testing.T) {
	m, _ := newTestManager(t, WithCookieName("quire_session"))
	assert.Equal(t, "quire_session", m.CookieName())

	rec := httptest.NewRecorder()
	_, err := m.Issue(rec, "u1", "alice")
	require.NoError(t, err)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "quire_session", cookies[0].Name)
}
