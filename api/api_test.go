package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/quire/api"
	"github.com/jmcleod/quire/auth"
	"github.com/jmcleod/quire/password"
	"github.com/jmcleod/quire/session"
	"github.com/jmcleod/quire/storage"
	"github.com/jmcleod/quire/storage/memory"
)

type captureNotifier struct {
	mu     sync.Mutex
	tokens []string
}

func (n *captureNotifier) SendPasswordReset(_ context.Context, notice auth.PasswordResetNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tokens = append(n.tokens, notice.Token)
	return nil
}

func (n *captureNotifier) last(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.tokens)
	return n.tokens[len(n.tokens)-1]
}

// brokenRepo fails every user lookup.
type brokenRepo struct {
	storage.Repository
}

func (brokenRepo) GetUserByUsername(context.Context, string) (*storage.User, error) {
	return nil, errors.New("connection reset by peer")
}

type testServer struct {
	*httptest.Server
	notifier *captureNotifier
}

func setupServer(t *testing.T, repo storage.Repository, opts ...api.Option) *testServer {
	t.Helper()
	if repo == nil {
		repo = memory.NewRepository()
	}
	secret, err := session.NewSecret([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	sessions := session.NewManager(session.NewCodec(secret))
	hasher, err := password.New(password.MinCost)
	require.NoError(t, err)
	notifier := &captureNotifier{}

	svc, err := auth.New(repo, sessions, auth.WithHasher(hasher), auth.WithNotifier(notifier))
	require.NoError(t, err)

	a := api.New(svc, sessions, opts...)
	r := chi.NewRouter()
	r.Use(api.SecurityHeaders)
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, notifier: notifier}
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func sessionCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == session.CookieName {
			return c
		}
	}
	return nil
}

func register(t *testing.T, client *http.Client, baseURL, username, pw, email string) api.IdentityResponse {
	t.Helper()
	resp := doJSON(t, client, http.MethodPost, baseURL+"/api/v1/auth/register", api.RegisterRequest{
		Username: username,
		Password: pw,
		Email:    email,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[api.IdentityResponse](t, resp)
}

func TestAuthRegister(t *testing.T) {
	srv := setupServer(t, nil)
	client := newClient(t)

	t.Run("Created", func(t *testing.T) {
		id := register(t, client, srv.URL, "alice", "s3cret1", "Alice@Example.com")
		assert.NotEmpty(t, id.UserID)
		assert.Equal(t, "alice", id.Username)
		assert.Equal(t, "alice@example.com", id.Email)
		assert.False(t, id.CreatedAt.IsZero())
	})

	t.Run("UsernameTaken", func(t *testing.T) {
		resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/register", api.RegisterRequest{
			Username: "alice", Password: "other", Email: "new@example.com",
		})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, auth.ErrUsernameExists.Error(), decodeBody[api.ErrorResponse](t, resp).Error)
	})

	t.Run("EmailTaken", func(t *testing.T) {
		resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/register", api.RegisterRequest{
			Username: "bob", Password: "other", Email: "alice@example.com",
		})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, auth.ErrEmailExists.Error(), decodeBody[api.ErrorResponse](t, resp).Error)
	})

	t.Run("ValidationFailure", func(t *testing.T) {
		resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/register", api.RegisterRequest{
			Username: "", Password: "pw",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("UnknownField", func(t *testing.T) {
		resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/register", map[string]string{
			"username": "carol", "password": "pw", "role": "admin",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("BodyTooLarge", func(t *testing.T) {
		resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/register", api.RegisterRequest{
			Username: "carol", Password: strings.Repeat("x", 32<<10),
		})
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("RegisterDoesNotStartSession", func(t *testing.T) {
		resp := doJSON(t, newClient(t), http.MethodPost, srv.URL+"/api/v1/auth/register", api.RegisterRequest{
			Username: "dave", Password: "pw",
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Nil(t, sessionCookie(resp))
	})
}

func TestAuthLoginAndSession(t *testing.T) {
	srv := setupServer(t, nil)
	client := newClient(t)
	register(t, client, srv.URL, "alice", "s3cret1", "")

	resp := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/auth/session", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "no session before login")
	resp.Body.Close()

	resp = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/login", api.LoginRequest{
		Username: "alice", Password: "s3cret1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cookie := sessionCookie(resp)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(t, "/", cookie.Path)
	assert.Equal(t, int(session.Lifetime.Seconds()), cookie.MaxAge)
	id := decodeBody[api.IdentityResponse](t, resp)
	assert.Equal(t, "alice", id.Username)

	resp = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/auth/session", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, sessionCookie(resp), "session lookups refresh the cookie")
	sess := decodeBody[api.SessionResponse](t, resp)
	assert.Equal(t, id.UserID, sess.UserID)
	assert.Equal(t, "alice", sess.Username)
	assert.Equal(t, session.Lifetime, sess.ExpiresAt.Sub(sess.IssuedAt))
}

func TestAuthLoginFailuresAreUniform(t *testing.T) {
	srv := setupServer(t, nil)
	client := newClient(t)
	register(t, client, srv.URL, "alice", "s3cret1", "")

	wrongPassword := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/login", api.LoginRequest{
		Username: "alice", Password: "nope",
	})
	unknownUser := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/login", api.LoginRequest{
		Username: "mallory", Password: "nope",
	})

	assert.Equal(t, http.StatusUnauthorized, wrongPassword.StatusCode)
	assert.Equal(t, http.StatusUnauthorized, unknownUser.StatusCode)
	assert.Nil(t, sessionCookie(wrongPassword))
	assert.Nil(t, sessionCookie(unknownUser))
	assert.Equal(t, readBody(t, wrongPassword), readBody(t, unknownUser))
}

func TestAuthLoginMissingFields(t *testing.T) {
	srv := setupServer(t, nil)

	resp := doJSON(t, newClient(t), http.MethodPost, srv.URL+"/api/v1/auth/login", api.LoginRequest{Username: "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAuthLoginRateLimited(t *testing.T) {
	srv := setupServer(t, nil)
	client := newClient(t)
	register(t, client, srv.URL, "alice", "s3cret1", "")

	for i := 0; i < 5; i++ {
		resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/login", api.LoginRequest{
			Username: "alice", Password: "wrong",
		})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}

	resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/login", api.LoginRequest{
		Username: "alice", Password: "s3cret1",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Nil(t, sessionCookie(resp))
}

func TestAuthLoginLockoutScopedToClient(t *testing.T) {
	proxies, err := api.WithTrustedProxies([]string{"127.0.0.1"})
	require.NoError(t, err)
	srv := setupServer(t, nil, proxies)
	client := newClient(t)
	register(t, client, srv.URL, "alice", "s3cret1", "")

	login := func(from, pw string) *http.Response {
		body, err := json.Marshal(api.LoginRequest{Username: "alice", Password: pw})
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/auth/login", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", from)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	for i := 0; i < 5; i++ {
		resp := login("203.0.113.7", "wrong")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}

	resp := login("203.0.113.7", "s3cret1")
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "attacking address is locked out")

	resp = login("198.51.100.20", "s3cret1")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "owner logging in from elsewhere is not locked out")
	assert.NotNil(t, sessionCookie(resp))
}

func TestAuthLogout(t *testing.T) {
	srv := setupServer(t, nil)
	client := newClient(t)
	register(t, client, srv.URL, "alice", "s3cret1", "")

	resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/login", api.LoginRequest{
		Username: "alice", Password: "s3cret1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	issued := sessionCookie(resp)
	require.NotNil(t, issued)
	resp.Body.Close()

	resp = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/logout", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cleared := sessionCookie(resp)
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)
	assert.Equal(t, -1, cleared.MaxAge)
	resp.Body.Close()

	resp = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/auth/session", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "the browser cookie is gone")
	resp.Body.Close()

	// Tokens are stateless: a copy taken before logout keeps working until
	// it expires.
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/api/v1/auth/session", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: issued.Name, Value: issued.Value})
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestAuthLogoutWithoutSession(t *testing.T) {
	srv := setupServer(t, nil)

	resp := doJSON(t, newClient(t), http.MethodPost, srv.URL+"/api/v1/auth/logout", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "{}\n", readBody(t, resp))
}

func TestAuthPasswordReset(t *testing.T) {
	srv := setupServer(t, nil)
	client := newClient(t)
	register(t, client, srv.URL, "alice", "old-password", "alice@example.com")

	resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/forgot-password", api.ForgotPasswordRequest{
		Email: "ALICE@example.com",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
	token := srv.notifier.last(t)

	resp = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/reset-password", api.ResetPasswordRequest{
		Token: token, NewPassword: "new-password",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "password_updated", decodeBody[api.StatusResponse](t, resp).Status)

	resp = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/reset-password", api.ResetPasswordRequest{
		Token: token, NewPassword: "another-password",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "tokens are single use")
	assert.Equal(t, auth.ErrInvalidOrExpiredToken.Error(), decodeBody[api.ErrorResponse](t, resp).Error)

	resp = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/login", api.LoginRequest{
		Username: "alice", Password: "old-password",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/login", api.LoginRequest{
		Username: "alice", Password: "new-password",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestAuthForgotPasswordUnknownEmail(t *testing.T) {
	t.Run("Reported", func(t *testing.T) {
		srv := setupServer(t, nil)
		resp := doJSON(t, newClient(t), http.MethodPost, srv.URL+"/api/v1/auth/forgot-password", api.ForgotPasswordRequest{
			Email: "nobody@example.com",
		})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("Concealed", func(t *testing.T) {
		srv := setupServer(t, nil, api.WithAccountConcealment(true))
		resp := doJSON(t, newClient(t), http.MethodPost, srv.URL+"/api/v1/auth/forgot-password", api.ForgotPasswordRequest{
			Email: "nobody@example.com",
		})
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("InvalidEmail", func(t *testing.T) {
		srv := setupServer(t, nil)
		resp := doJSON(t, newClient(t), http.MethodPost, srv.URL+"/api/v1/auth/forgot-password", api.ForgotPasswordRequest{
			Email: "not-an-address",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	})
}

func TestAuthInternalErrorIsGeneric(t *testing.T) {
	srv := setupServer(t, brokenRepo{Repository: memory.NewRepository()})

	resp := doJSON(t, newClient(t), http.MethodPost, srv.URL+"/api/v1/auth/login", api.LoginRequest{
		Username: "alice", Password: "s3cret1",
	})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body := readBody(t, resp)
	assert.Contains(t, body, "internal server error")
	assert.NotContains(t, body, "connection reset")
}

func TestSecurityHeaders(t *testing.T) {
	srv := setupServer(t, nil)

	resp := doJSON(t, newClient(t), http.MethodPost, srv.URL+"/api/v1/auth/logout", nil)
	defer resp.Body.Close()
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Empty(t, resp.Header.Get("Strict-Transport-Security"), "HSTS only over TLS")
}

func TestDocsPagesLoadUnderTheirPolicy(t *testing.T) {
	srv := setupServer(t, nil)

	for _, tc := range []struct {
		path   string
		marker string
		bundle string
	}{
		{"/api/v1/docs", "swagger-ui", "https://unpkg.com"},
		{"/api/v1/redoc", "<redoc", "https://cdn.jsdelivr.net"},
	} {
		t.Run(tc.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tc.path)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			body := readBody(t, resp)
			assert.Contains(t, body, tc.marker)
			assert.Contains(t, body, tc.bundle)

			csp := resp.Header.Get("Content-Security-Policy")
			assert.Contains(t, csp, tc.bundle)
			assert.Contains(t, csp, "script-src 'self' 'unsafe-inline'")
			assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
		})
	}

	resp := doJSON(t, newClient(t), http.MethodPost, srv.URL+"/api/v1/auth/logout", nil)
	defer resp.Body.Close()
	csp := resp.Header.Get("Content-Security-Policy")
	assert.Contains(t, csp, "script-src 'self';")
	assert.NotContains(t, csp, "unpkg.com", "auth routes keep the strict policy")
}

func TestOpenAPIServed(t *testing.T) {
	srv := setupServer(t, nil)

	resp := doJSON(t, newClient(t), http.MethodGet, srv.URL+"/api/v1/openapi.yaml", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "/auth/login")
}
