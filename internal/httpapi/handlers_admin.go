package httpapi

import (
	"net/http"
	"strconv"

	"github.com/r3e-cellvault/cellserver/internal/cache"
	"github.com/r3e-cellvault/cellserver/internal/cryptocore"
	"github.com/r3e-cellvault/cellserver/pkg/errors"
)

func (s *Service) requireAdminFromCtx(w http.ResponseWriter, r *http.Request) bool {
	identity, ok := identityFromCtx(r.Context())
	if !ok {
		writeError(w, errors.Unauthenticated("missing identity"))
		return false
	}
	if err := s.authz.RequireAdmin(identity); err != nil {
		writeError(w, err)
		return false
	}
	return true
}

func (s *Service) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdminFromCtx(w, r) {
		return
	}

	catStats, err := s.catalog.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	storageBytes, err := s.cells.StorageBytes()
	if err != nil {
		writeError(w, err)
		return
	}

	stats := map[string]interface{}{
		"users":            catStats.Users,
		"cells":            catStats.Cells,
		"active_users_24h": catStats.ActiveUsers24h,
		"storage_bytes":    storageBytes,
		"storage_mb":       float64(storageBytes) / (1024 * 1024),
		"crypto_enabled":   s.crypto != nil && s.crypto.Enabled(),
		"cache_enabled":    s.cache != nil,
	}
	if s.crypto != nil {
		if report, err := s.crypto.Attestation(); err == nil {
			stats["attestation_mode"] = report.Mode
		}
	}
	if s.cache != nil {
		cacheStats := s.cache.GetStats()
		stats["liquid_cache"] = cacheStats
		stats["liquid_cache_patterns"] = cacheStats.PatternsCount
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Service) handleAdminCacheStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdminFromCtx(w, r) {
		return
	}
	if s.cache == nil {
		writeError(w, errors.Unavailable("cache is disabled"))
		return
	}

	stats := s.cache.GetStats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":          stats,
		"layers":         stats.LayerSizes,
		"hot_patterns":   s.cache.HotPatterns(20),
		"total_patterns": stats.PatternsCount,
	})
}

func (s *Service) handleAdminCacheHints(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdminFromCtx(w, r) {
		return
	}
	if s.cache == nil {
		writeError(w, errors.Unavailable("cache is disabled"))
		return
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"hints": s.cache.GetPreloadHints(limit)})
}

// handleAdminCachePreload warms the cache from the learned patterns: every
// hinted cell's items are fetched, decrypted, and inserted with predicted
// placement so the next reads hit a warm layer instead of cold storage.
func (s *Service) handleAdminCachePreload(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdminFromCtx(w, r) {
		return
	}
	if s.cache == nil {
		writeError(w, errors.Unavailable("cache is disabled"))
		return
	}

	hints := s.cache.GetPreloadHints(50)
	preloaded := 0
	for _, hint := range hints {
		if hint.CellKey == "" {
			continue
		}
		if _, err := s.catalog.GetCellByKey(r.Context(), hint.CellKey); err != nil {
			continue
		}
		switch hint.QueryType {
		case "get_item":
			preloaded += s.preloadCellItems(hint.CellKey)
		case "query":
			// Query hints carry no concrete filter to execute;
			// re-registering keeps the pattern hot so its successors stay
			// predictable.
			s.cache.RegisterQuery(cache.CoarseParams{CellKey: hint.CellKey, QueryType: "query"})
			preloaded++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"preloaded":   preloaded,
		"total_hints": len(hints),
		"cache_size":  s.cache.Size(),
	})
}

// preloadCellItems inserts every item of cellKey into the cache under its
// get_item fingerprint, marked predicted. Items that fail to decrypt are
// skipped, never cached in their broken form.
func (s *Service) preloadCellItems(cellKey string) int {
	rows, err := s.cells.Scan(cellKey)
	if err != nil {
		return 0
	}
	warmed := 0
	for _, row := range rows {
		value := row.Value
		if s.crypto != nil && s.crypto.Enabled() {
			env, err := cryptocore.UnmarshalEnvelope(row.Value)
			if err != nil {
				continue
			}
			plaintext, err := s.crypto.Decrypt(env)
			if err != nil {
				continue
			}
			value = string(plaintext)
		}
		key, err := cache.FingerprintKey("get_item", map[string]interface{}{"cell_key": cellKey, "item": row.Key})
		if err != nil {
			continue
		}
		s.cache.Set(key, map[string]interface{}{"key": row.Key, "value": value}, 0, true, "cell_"+cellKey)
		warmed++
	}
	return warmed
}

func (s *Service) handleAdminCacheFlush(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdminFromCtx(w, r) {
		return
	}
	if s.cache == nil {
		writeError(w, errors.Unavailable("cache is disabled"))
		return
	}
	s.cache.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleAdminCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdminFromCtx(w, r) {
		return
	}
	if s.cache == nil {
		writeError(w, errors.Unavailable("cache is disabled"))
		return
	}

	var req struct {
		Tag string `json:"tag"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Tag == "" {
		writeError(w, errors.InvalidInput("tag", "required"))
		return
	}

	s.cache.InvalidateRelated(req.Tag)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAdminRotateMasterKey replaces the crypto core's master secret.
// Every item encrypted under the old secret becomes unreadable the
// moment this returns, so it is gated behind admin privileges and never
// runs automatically.
func (s *Service) handleAdminRotateMasterKey(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdminFromCtx(w, r) {
		return
	}
	if s.crypto == nil {
		writeError(w, errors.Unavailable("crypto subsystem disabled"))
		return
	}
	if err := s.crypto.RotateMasterKey(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
