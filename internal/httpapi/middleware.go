package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/r3e-cellvault/cellserver/internal/authz"
	"github.com/r3e-cellvault/cellserver/pkg/errors"
	"github.com/r3e-cellvault/cellserver/pkg/metrics"
)

type ctxKey int

const ctxIdentityKey ctxKey = iota

// withAuth validates the bearer token and stashes the resulting
// identity in the request context for downstream handlers.
func (s *Service) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.authn.Validate(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxIdentityKey, authz.FromClaims(claims))
		next(w, r.WithContext(ctx))
	}
}

func identityFromCtx(ctx context.Context) (authz.Identity, bool) {
	id, ok := ctx.Value(ctxIdentityKey).(authz.Identity)
	return id, ok
}

// withRateLimit rejects requests once the shared token bucket is
// exhausted, returning 429 via the RateLimited error kind.
func (s *Service) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, errors.RateLimited(1))
			return
		}
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// withAudit records a best-effort audit event for every request,
// never blocking or failing the response on publish failure.
func (s *Service) withAudit(action string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(rec, r)

		actor := "anonymous"
		if id, ok := identityFromCtx(r.Context()); ok {
			actor = id.UserID
		}
		s.publishAudit(r.Context(), actor, action, r.URL.Path, map[string]interface{}{
			"method":      r.Method,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}

// withCORS allows cross-origin calls from any browser client, since the
// service is consumed directly by client applications, not via a
// same-origin backend proxy.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withMetrics(next http.Handler) http.Handler {
	return metrics.InstrumentHandler(next)
}
