package api

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/quire/auth"
	"github.com/jmcleod/quire/session"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	auth     *auth.Service
	sessions *session.Manager
	audit    *auditLogger
	logger   *slog.Logger

	// concealAccounts makes forgot-password answer 202 whether or not the
	// e-mail belongs to an account.
	concealAccounts bool

	usernameLimiter *failureLimiter
	ipLimiter       *failureLimiter
	trustedProxies  []netip.Prefix
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events and internal errors.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithAccountConcealment hides whether an e-mail is registered from the
// forgot-password endpoint.
func WithAccountConcealment(conceal bool) Option {
	return func(a *API) {
		a.concealAccounts = conceal
	}
}

// WithTrustedProxies sets the proxy ranges whose X-Forwarded-For and
// X-Real-IP headers are believed when keying login throttling by client IP.
// Entries may be CIDRs or bare addresses; a bare address is a single-host
// prefix.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(raw); err == nil {
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

// New creates a new API instance.
func New(svc *auth.Service, sessions *session.Manager, opts ...Option) *API {
	a := &API{
		auth:            svc,
		sessions:        sessions,
		usernameLimiter: newFailureLimiter(usernameMaxFailures, usernameBaseLockout, usernameMaxLockout),
		ipLimiter:       newFailureLimiter(ipMaxFailures, ipBaseLockout, ipMaxLockout),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.audit = newAuditLogger(a.logger)
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.With(docsSecurityHeaders).Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.With(docsSecurityHeaders).Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/auth/register", a.Register)
	r.Post("/auth/login", a.Login)
	r.Post("/auth/logout", a.Logout)
	r.Post("/auth/forgot-password", a.ForgotPassword)
	r.Post("/auth/reset-password", a.ResetPassword)
	r.With(a.SessionMiddleware, RequireSession).Get("/auth/session", a.Session)

	return r
}
