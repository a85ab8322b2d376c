package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/r3e-cellvault/cellserver/internal/authz"
	"github.com/r3e-cellvault/cellserver/internal/cache"
	"github.com/r3e-cellvault/cellserver/internal/catalog"
	"github.com/r3e-cellvault/cellserver/internal/cellstore"
	"github.com/r3e-cellvault/cellserver/internal/cryptocore"
	"github.com/r3e-cellvault/cellserver/internal/query"
	"github.com/r3e-cellvault/cellserver/pkg/errors"
)

type cellView struct {
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
}

func toCellView(c catalog.Cell) cellView {
	return cellView{Key: c.Key, CreatedAt: c.CreatedAt.UTC().Format("2006-01-02T15:04:05Z")}
}

// handleCellsCollection serves POST /cells (create) and GET /cells (list
// the caller's cells). Both require an authenticated user; ownership is
// implicit (the creator becomes owner) so no further AuthZ check runs.
func (s *Service) handleCellsCollection(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromCtx(r.Context())
	if !ok {
		writeError(w, errors.Unauthenticated("missing identity"))
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req struct {
			Password string `json:"password"`
		}
		if err := decodeJSON(r.Body, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.Password == "" {
			writeError(w, errors.InvalidInput("password", "required"))
			return
		}
		cell, err := s.catalog.CreateCell(r.Context(), identity.UserID, req.Password)
		if err != nil {
			writeError(w, err)
			return
		}
		s.publishCellEvent(r.Context(), cell.Key, "created", map[string]interface{}{"owner": identity.UserID})
		s.publishAudit(r.Context(), identity.UserID, "create_cell", cell.Key, nil)
		writeJSON(w, http.StatusCreated, toCellView(cell))

	case http.MethodGet:
		cells, err := s.catalog.ListCells(r.Context(), identity.UserID)
		if err != nil {
			writeError(w, err)
			return
		}
		views := make([]cellView, 0, len(cells))
		for _, c := range cells {
			views = append(views, toCellView(c))
		}
		writeJSON(w, http.StatusOK, views)

	default:
		methodNotAllowed(w, http.MethodPost, http.MethodGet)
	}
}

// handleCellsResource dispatches every /cells/{key}[/...] route.
func (s *Service) handleCellsResource(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromCtx(r.Context())
	if !ok {
		writeError(w, errors.Unauthenticated("missing identity"))
		return
	}

	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/cells"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	cellKey := parts[0]
	rest := parts[1:]

	switch {
	case len(rest) == 0 && r.Method == http.MethodDelete:
		s.handleCellDelete(w, r, identity, cellKey)
	case len(rest) == 0:
		s.handleCellGet(w, r, identity, cellKey)
	case len(rest) == 1 && rest[0] == "keys":
		s.handleCellKeys(w, r, identity, cellKey)
	case len(rest) == 1 && rest[0] == "data":
		s.handleCellDataCollection(w, r, identity, cellKey)
	case len(rest) == 2 && rest[0] == "data":
		s.handleCellDataItem(w, r, identity, cellKey, rest[1])
	case len(rest) == 1 && rest[0] == "query":
		s.handleCellQuery(w, r, identity, cellKey)
	default:
		http.NotFound(w, r)
	}
}

func (s *Service) handleCellGet(w http.ResponseWriter, r *http.Request, identity authz.Identity, cellKey string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet, http.MethodDelete)
		return
	}
	if err := s.authz.RequireAccess(r.Context(), identity, cellKey, catalog.AccessRead); err != nil {
		writeError(w, err)
		return
	}
	cell, err := s.catalog.GetCellByKey(r.Context(), cellKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCellView(cell))
}

// handleCellDelete removes a cell outright: its catalog record, its
// ownership rows, its per-cell file on disk, and every cached entry
// derived from it. Only an owner may do this; editors cannot.
func (s *Service) handleCellDelete(w http.ResponseWriter, r *http.Request, identity authz.Identity, cellKey string) {
	if err := s.authz.RequireAccess(r.Context(), identity, cellKey, catalog.AccessOwner); err != nil {
		writeError(w, err)
		return
	}

	if err := s.catalog.DeleteCell(r.Context(), cellKey); err != nil {
		writeError(w, err)
		return
	}
	if err := s.cells.DropCell(cellKey); err != nil {
		writeError(w, err)
		return
	}
	if s.cache != nil {
		s.cache.InvalidateRelated("cell_" + cellKey)
	}
	s.publishCellEvent(r.Context(), cellKey, "deleted", nil)
	s.publishAudit(r.Context(), identity.UserID, "delete_cell", cellKey, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleCellKeys(w http.ResponseWriter, r *http.Request, identity authz.Identity, cellKey string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if err := s.authz.RequireAccess(r.Context(), identity, cellKey, catalog.AccessRead); err != nil {
		writeError(w, err)
		return
	}
	keys, err := s.cells.ListKeys(cellKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}

func dataID(cellKey, itemKey string) string {
	return cellKey + ":" + itemKey
}

func (s *Service) handleCellDataCollection(w http.ResponseWriter, r *http.Request, identity authz.Identity, cellKey string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := s.authz.RequireAccess(r.Context(), identity, cellKey, catalog.AccessWrite); err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Key == "" {
		writeError(w, errors.InvalidInput("key", "required"))
		return
	}

	stored := req.Value
	encrypted := false
	if s.crypto != nil && s.crypto.Enabled() {
		env, err := s.crypto.Encrypt([]byte(req.Value), dataID(cellKey, req.Key))
		if err != nil {
			writeError(w, err)
			return
		}
		serialized, err := cryptocore.MarshalEnvelope(env)
		if err != nil {
			writeError(w, err)
			return
		}
		stored = serialized
		encrypted = true
	}

	created, err := s.cells.Put(cellKey, req.Key, stored)
	if err != nil {
		writeError(w, err)
		return
	}

	s.invalidateCellItem(cellKey, req.Key)
	s.publishCellEvent(r.Context(), cellKey, "item_put", map[string]interface{}{"item": req.Key})
	s.publishAudit(r.Context(), identity.UserID, "put_item", fmt.Sprintf("%s/%s", cellKey, req.Key), nil)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]interface{}{"status": "ok", "encrypted": encrypted})
}

// invalidateCellItem drops both the cell-wide tag and the specific item's
// fingerprint before the write's response returns, so a follow-up read on
// the same connection can never observe the pre-write cached value.
func (s *Service) invalidateCellItem(cellKey, itemKey string) {
	if s.cache == nil {
		return
	}
	if key, err := cache.FingerprintKey("get_item", map[string]interface{}{"cell_key": cellKey, "item": itemKey}); err == nil {
		s.cache.Invalidate(key)
	}
	s.cache.InvalidateRelated("cell_" + cellKey)
}

func (s *Service) handleCellDataItem(w http.ResponseWriter, r *http.Request, identity authz.Identity, cellKey, itemKey string) {
	switch r.Method {
	case http.MethodGet:
		if err := s.authz.RequireAccess(r.Context(), identity, cellKey, catalog.AccessRead); err != nil {
			writeError(w, err)
			return
		}
		s.getCellDataItem(w, r, cellKey, itemKey)

	case http.MethodDelete:
		if err := s.authz.RequireAccess(r.Context(), identity, cellKey, catalog.AccessWrite); err != nil {
			writeError(w, err)
			return
		}
		if err := s.cells.Delete(cellKey, itemKey); err != nil {
			writeError(w, err)
			return
		}
		s.invalidateCellItem(cellKey, itemKey)
		s.publishCellEvent(r.Context(), cellKey, "item_deleted", map[string]interface{}{"item": itemKey})
		s.publishAudit(r.Context(), identity.UserID, "delete_item", fmt.Sprintf("%s/%s", cellKey, itemKey), nil)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

func (s *Service) getCellDataItem(w http.ResponseWriter, r *http.Request, cellKey, itemKey string) {
	cacheKey, _ := cache.FingerprintKey("get_item", map[string]interface{}{"cell_key": cellKey, "item": itemKey})
	if s.cache != nil {
		s.cache.RegisterQuery(cache.CoarseParams{CellKey: cellKey, QueryType: "get_item"})
		if cached, ok := s.cache.Get(cacheKey); ok {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	row, err := s.cells.Get(cellKey, itemKey)
	if err != nil {
		writeError(w, err)
		return
	}

	value := row.Value
	if s.crypto != nil && s.crypto.Enabled() {
		env, err := cryptocore.UnmarshalEnvelope(row.Value)
		if err != nil {
			writeError(w, err)
			return
		}
		plaintext, err := s.crypto.Decrypt(env)
		if err != nil {
			writeError(w, err)
			return
		}
		value = string(plaintext)
	}

	result := map[string]interface{}{"key": itemKey, "value": value}
	if s.cache != nil {
		s.cache.Set(cacheKey, result, 0, false, "cell_"+cellKey)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleCellQuery(w http.ResponseWriter, r *http.Request, identity authz.Identity, cellKey string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := s.authz.RequireAccess(r.Context(), identity, cellKey, catalog.AccessRead); err != nil {
		writeError(w, err)
		return
	}

	var q query.Query
	if err := decodeJSON(r.Body, &q); err != nil {
		writeError(w, err)
		return
	}

	cacheKey, _ := cache.FingerprintKey("query", map[string]interface{}{
		"cell_key": cellKey, "filter": q.Filter, "sort": q.Sort, "limit": q.Limit,
	})
	if s.cache != nil {
		limit := 0
		if q.Limit != nil {
			limit = *q.Limit
		}
		s.cache.RegisterQuery(cache.CoarseParams{
			CellKey:   cellKey,
			QueryType: "query",
			Limit:     limit,
			Sort:      strings.Join(q.Sort, ","),
		})
		if cached, ok := s.cache.Get(cacheKey); ok {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	rows, err := s.cells.Scan(cellKey)
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		items = append(items, s.decryptRowToItem(row))
	}

	results, err := query.Evaluate(items, q)
	if err != nil {
		writeError(w, err)
		return
	}

	response := map[string]interface{}{"results": results, "count": len(results)}
	if s.cache != nil {
		s.cache.Set(cacheKey, response, 0, false, "cell_"+cellKey)
	}
	writeJSON(w, http.StatusOK, response)
}

// decryptRowToItem decrypts row.Value and unmarshals it into a queryable
// map. A decryption or parse failure never aborts the scan; the affected
// item is returned with a decryption_failed marker instead so the rest
// of the scan's results remain usable.
func (s *Service) decryptRowToItem(row cellstore.Row) map[string]interface{} {
	raw := row.Value

	if s.crypto != nil && s.crypto.Enabled() {
		env, err := cryptocore.UnmarshalEnvelope(row.Value)
		if err != nil {
			return map[string]interface{}{"key": row.Key, "decryption_failed": true, "encrypted_data": row.Value}
		}
		plaintext, err := s.crypto.Decrypt(env)
		if err != nil {
			return map[string]interface{}{"key": row.Key, "decryption_failed": true, "encrypted_data": row.Value}
		}
		raw = string(plaintext)
	}

	var item map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		item = map[string]interface{}{"value": raw}
	}
	item["key"] = row.Key
	return item
}
