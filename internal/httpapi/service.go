// Package httpapi is the stateless ApiSurface: it deserializes requests,
// invokes AuthZ and the components it wraps, and serializes responses.
// Request handling is independent across connections; the Service holds
// only shared handles to already-concurrency-safe collaborators.
package httpapi

import (
	"context"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/r3e-cellvault/cellserver/internal/authn"
	"github.com/r3e-cellvault/cellserver/internal/authz"
	"github.com/r3e-cellvault/cellserver/internal/cache"
	"github.com/r3e-cellvault/cellserver/internal/catalog"
	"github.com/r3e-cellvault/cellserver/internal/cellstore"
	"github.com/r3e-cellvault/cellserver/internal/cryptocore"
	"github.com/r3e-cellvault/cellserver/internal/eventbus"
	"github.com/r3e-cellvault/cellserver/pkg/logger"
	"github.com/r3e-cellvault/cellserver/pkg/metrics"
)

// Service bundles every component the ApiSurface wires together.
type Service struct {
	catalog catalog.Catalog
	cells   *cellstore.Store
	crypto  *cryptocore.Core
	cache   *cache.Cache
	bus     eventbus.Bus
	authn   *authn.Manager
	authz   *authz.Authorizer
	limiter *rate.Limiter
	log     *logger.Logger
}

// Config wires Service's collaborators. Cache and Bus may be nil (the
// cache is then bypassed and no audit events are published); unset
// limiter fields fall back to 20 requests/s with a burst of 40.
type Config struct {
	Catalog           catalog.Catalog
	Cells             *cellstore.Store
	Crypto            *cryptocore.Core
	Cache             *cache.Cache
	Bus               eventbus.Bus
	Authn             *authn.Manager
	RequestsPerSecond float64
	Burst             int
	Log               *logger.Logger
}

// NewService constructs a Service and its embedded Authorizer.
func NewService(cfg Config) *Service {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 40
	}

	return &Service{
		catalog: cfg.Catalog,
		cells:   cfg.Cells,
		crypto:  cfg.Crypto,
		cache:   cfg.Cache,
		bus:     cfg.Bus,
		authn:   cfg.Authn,
		authz:   authz.New(cfg.Catalog),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     cfg.Log,
	}
}

// publishAudit is fire-and-forget: the bus itself swallows and counts
// delivery failures, so a handler never needs to check an error here.
func (s *Service) publishAudit(ctx context.Context, actor, action, path string, details map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if details == nil {
		details = map[string]interface{}{}
	}
	details["action"] = action
	details["path"] = path
	s.bus.Publish(ctx, eventbus.TopicAudit, actor, details)
}

// publishCellEvent emits a domain event keyed by the cell so per-key
// ordering holds for all of a cell's events.
func (s *Service) publishCellEvent(ctx context.Context, cellKey, action string, details map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if details == nil {
		details = map[string]interface{}{}
	}
	details["action"] = action
	s.bus.Publish(ctx, eventbus.TopicCell, cellKey, details)
}

// publishUserEvent emits a domain event keyed by the user.
func (s *Service) publishUserEvent(ctx context.Context, userID, action string, details map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if details == nil {
		details = map[string]interface{}{}
	}
	details["action"] = action
	s.bus.Publish(ctx, eventbus.TopicUser, userID, details)
}

// NewHandler returns the fully wired mux exposing the cell vault's HTTP
// surface, including /metrics for Prometheus scraping.
func NewHandler(s *Service) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	mountRoutes(mux,
		route{pattern: "/auth/register", method: http.MethodPost, handler: s.withAudit("register", s.handleRegister)},
		route{pattern: "/auth/login", method: http.MethodPost, handler: s.withAudit("login", s.handleLogin)},
		route{pattern: "/cells", handler: s.withAuth(s.handleCellsCollection)},
		route{pattern: "/cells/", handler: s.withAuth(s.handleCellsResource)},
		route{pattern: "/secure/encrypt", method: http.MethodPost, handler: s.withAuth(s.handleSecureEncrypt)},
		route{pattern: "/secure/decrypt", method: http.MethodPost, handler: s.withAuth(s.handleSecureDecrypt)},
		route{pattern: "/secure/verify", method: http.MethodPost, handler: s.withAuth(s.handleSecureVerify)},
		route{pattern: "/secure/compute", method: http.MethodPost, handler: s.withAuth(s.handleSecureCompute)},
		route{pattern: "/secure/attestation", method: http.MethodGet, handler: s.withAuth(s.handleSecureAttestation)},
		route{pattern: "/admin/stats", method: http.MethodGet, handler: s.withAuth(s.handleAdminStats)},
		route{pattern: "/admin/cache/stats", method: http.MethodGet, handler: s.withAuth(s.handleAdminCacheStats)},
		route{pattern: "/admin/cache/hints", method: http.MethodGet, handler: s.withAuth(s.handleAdminCacheHints)},
		route{pattern: "/admin/cache/preload", method: http.MethodPost, handler: s.withAuth(s.handleAdminCachePreload)},
		route{pattern: "/admin/cache/flush", method: http.MethodPost, handler: s.withAuth(s.handleAdminCacheFlush)},
		route{pattern: "/admin/cache/invalidate", method: http.MethodPost, handler: s.withAuth(s.handleAdminCacheInvalidate)},
		route{pattern: "/admin/crypto/rotate-master-key", method: http.MethodPost, handler: s.withAuth(s.handleAdminRotateMasterKey)},
	)

	return withMetrics(withCORS(s.withRateLimit(mux.ServeHTTP)))
}
