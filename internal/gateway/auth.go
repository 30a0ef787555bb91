package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/flemzord/mcpexec/internal/security"
)

// tokenPrincipal names callers that authenticated with the bearer token.
const tokenPrincipal = "api-token"

type principalKey struct{}

// principalFrom returns the authenticated caller stored by the auth
// middleware, or "" on unauthenticated routes.
func principalFrom(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}

// authenticate matches the request credentials against cfg and returns
// the caller's principal along with the method that matched.
func authenticate(cfg AuthConfig, r *http.Request) (principal, method string, ok bool) {
	header := r.Header.Get("Authorization")
	scheme, cred, _ := strings.Cut(header, " ")
	switch {
	case strings.EqualFold(scheme, "Bearer") && cfg.BearerToken != "":
		if secureEqual(strings.TrimSpace(cred), cfg.BearerToken) {
			return tokenPrincipal, "bearer", true
		}
	case strings.EqualFold(scheme, "Basic") && cfg.BasicUser != "" && cfg.BasicPass != "":
		user, pass, found := r.BasicAuth()
		// Evaluate both so timing does not reveal which one differed.
		userOK := secureEqual(user, cfg.BasicUser)
		passOK := secureEqual(pass, cfg.BasicPass)
		if found && userOK && passOK {
			return user, "basic", true
		}
	}
	return "", "", false
}

// authMiddleware guards the API with the configured credentials. Each
// attempt draws from the limiter's auth bucket and lands in the audit log.
// The authenticated principal is stored on the request context.
func authMiddleware(cfg AuthConfig, audit *security.AuditLogger, limiter *security.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := limiter.Allow(security.KindAuth); err != nil {
				auditAuth(audit, r, security.EventRateLimit, "auth rate limit exceeded")
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			if r.Header.Get("Authorization") == "" {
				auditAuth(audit, r, security.EventAuthFailure, "missing authorization header")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			principal, method, ok := authenticate(cfg, r)
			if !ok {
				auditAuth(audit, r, security.EventAuthFailure, "invalid credentials")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			auditAuth(audit, r, security.EventAuthSuccess, method)
			ctx := context.WithValue(r.Context(), principalKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func auditAuth(audit *security.AuditLogger, r *http.Request, typ security.EventType, message string) {
	if audit == nil {
		return
	}
	sev := security.SeverityWarning
	if typ == security.EventAuthSuccess {
		sev = security.SeverityInfo
	}
	meta := map[string]string{
		"remote_addr": r.RemoteAddr,
		"method":      r.Method,
		"path":        r.URL.Path,
	}
	if id := middleware.GetReqID(r.Context()); id != "" {
		meta["request_id"] = id
	}
	audit.Log(security.AuditEvent{Type: typ, Severity: sev, Message: message, Metadata: meta})
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
