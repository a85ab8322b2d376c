package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-cellvault/cellserver/internal/authn"
	liquidcache "github.com/r3e-cellvault/cellserver/internal/cache"
	"github.com/r3e-cellvault/cellserver/internal/catalog"
	"github.com/r3e-cellvault/cellserver/internal/cellstore"
	"github.com/r3e-cellvault/cellserver/internal/cryptocore"
	"github.com/r3e-cellvault/cellserver/internal/eventbus"
	"github.com/r3e-cellvault/cellserver/pkg/logger"
)

func newTestService(t *testing.T) (*Service, http.Handler) {
	t.Helper()

	cat := catalog.NewMemory(catalog.MemoryConfig{})
	cells, err := cellstore.New(t.TempDir())
	require.NoError(t, err)

	crypto, err := cryptocore.New(cryptocore.Config{Enabled: true, MasterKeyPath: t.TempDir() + "/master.key"}, nil)
	require.NoError(t, err)

	liquid, err := liquidcache.New(liquidcache.Config{Layers: 2, MaxSize: 100})
	require.NoError(t, err)

	bus := eventbus.NewRing(eventbus.RingConfig{}, nil)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })

	authMgr := authn.NewManager(authn.Config{SigningKey: "test-secret", TokenTTL: time.Hour})

	svc := NewService(Config{
		Catalog:           cat,
		Cells:             cells,
		Crypto:            crypto,
		Cache:             liquid,
		Bus:               bus,
		Authn:             authMgr,
		RequestsPerSecond: 1000,
		Burst:             1000,
		Log:               logger.NewDefault("test"),
	})
	return svc, NewHandler(svc)
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func registerAndLogin(t *testing.T, handler http.Handler, email string) string {
	t.Helper()
	username := strings.SplitN(email, "@", 2)[0]
	rec := doJSON(t, handler, http.MethodPost, "/auth/register", "", map[string]string{
		"email": email, "username": username, "password": "Abcdefg1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/auth/login", "", map[string]string{
		"email": email, "password": "Abcdefg1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.AccessToken
}

func TestRegisterLoginCreateCellPutGetItem(t *testing.T) {
	_, handler := newTestService(t)
	token := registerAndLogin(t, handler, "a@x.com")

	rec := doJSON(t, handler, http.MethodPost, "/cells", token, map[string]string{"password": "cellpw"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var cell cellView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cell))
	require.NotEmpty(t, cell.Key)

	rec = doJSON(t, handler, http.MethodPost, "/cells/"+cell.Key+"/data", token, map[string]string{
		"key": "item1", "value": "hello world",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/cells/"+cell.Key+"/data/item1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "hello world", got["value"])
}

func TestUpdatingExistingItemReturns200AndFreshValue(t *testing.T) {
	_, handler := newTestService(t)
	token := registerAndLogin(t, handler, "a@x.com")

	rec := doJSON(t, handler, http.MethodPost, "/cells", token, map[string]string{"password": "cellpw"})
	var cell cellView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cell))

	rec = doJSON(t, handler, http.MethodPost, "/cells/"+cell.Key+"/data", token, map[string]string{"key": "k", "value": "v1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	// warm the cache with the old value before overwriting
	doJSON(t, handler, http.MethodGet, "/cells/"+cell.Key+"/data/k", token, nil)

	rec = doJSON(t, handler, http.MethodPost, "/cells/"+cell.Key+"/data", token, map[string]string{"key": "k", "value": "v2"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/cells/"+cell.Key+"/data/k", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "v2", got["value"], "a read after a write must observe the new value regardless of prior cache state")
}

func TestDeleteCellRemovesDataAndCatalogRecord(t *testing.T) {
	_, handler := newTestService(t)
	token := registerAndLogin(t, handler, "a@x.com")

	rec := doJSON(t, handler, http.MethodPost, "/cells", token, map[string]string{"password": "cellpw"})
	var cell cellView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cell))

	doJSON(t, handler, http.MethodPost, "/cells/"+cell.Key+"/data", token, map[string]string{"key": "k", "value": "v"})

	rec = doJSON(t, handler, http.MethodDelete, "/cells/"+cell.Key, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/cells/"+cell.Key, token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnauthenticatedRequestIsRejected(t *testing.T) {
	_, handler := newTestService(t)
	rec := doJSON(t, handler, http.MethodGet, "/cells", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNonOwnerCannotAccessCell(t *testing.T) {
	_, handler := newTestService(t)
	ownerToken := registerAndLogin(t, handler, "owner@x.com")
	otherToken := registerAndLogin(t, handler, "other@x.com")

	rec := doJSON(t, handler, http.MethodPost, "/cells", ownerToken, map[string]string{"password": "cellpw"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var cell cellView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cell))

	rec = doJSON(t, handler, http.MethodGet, "/cells/"+cell.Key, otherToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeletingItemThenGettingItIsNotFound(t *testing.T) {
	_, handler := newTestService(t)
	token := registerAndLogin(t, handler, "a@x.com")

	rec := doJSON(t, handler, http.MethodPost, "/cells", token, map[string]string{"password": "cellpw"})
	var cell cellView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cell))

	doJSON(t, handler, http.MethodPost, "/cells/"+cell.Key+"/data", token, map[string]string{"key": "k1", "value": "v1"})
	rec = doJSON(t, handler, http.MethodDelete, "/cells/"+cell.Key+"/data/k1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/cells/"+cell.Key+"/data/k1", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueryFilterSortLimit(t *testing.T) {
	_, handler := newTestService(t)
	token := registerAndLogin(t, handler, "a@x.com")

	rec := doJSON(t, handler, http.MethodPost, "/cells", token, map[string]string{"password": "cellpw"})
	var cell cellView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cell))

	items := []map[string]interface{}{
		{"k": "n", "count": 3, "active": true},
		{"k": "m", "count": 7, "active": true},
		{"k": "o", "count": 5, "active": false},
	}
	for _, it := range items {
		data, _ := json.Marshal(it)
		doJSON(t, handler, http.MethodPost, "/cells/"+cell.Key+"/data", token, map[string]string{
			"key": it["k"].(string), "value": string(data),
		})
	}

	rec = doJSON(t, handler, http.MethodPost, "/cells/"+cell.Key+"/query", token, map[string]interface{}{
		"filter": map[string]interface{}{"active": true},
		"sort":   []string{"-count"},
		"limit":  1,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []map[string]interface{} `json:"results"`
		Count   int                       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "m", resp.Results[0]["k"])
}

func TestSecureEncryptDecryptRoundTrip(t *testing.T) {
	_, handler := newTestService(t)
	token := registerAndLogin(t, handler, "a@x.com")

	rec := doJSON(t, handler, http.MethodPost, "/secure/encrypt", token, map[string]string{"data": "top secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	var encResp struct {
		EncryptedData cryptocore.Envelope `json:"encrypted_data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &encResp))

	rec = doJSON(t, handler, http.MethodPost, "/secure/decrypt", token, encResp.EncryptedData)
	require.Equal(t, http.StatusOK, rec.Code)

	var decResp struct {
		DecryptedData string `json:"decrypted_data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decResp))
	assert.Equal(t, "top secret", decResp.DecryptedData)
}

func TestAdminCachePreloadWarmsHintedItems(t *testing.T) {
	svc, handler := newTestService(t)
	token := registerAndLogin(t, handler, "a@x.com")

	rec := doJSON(t, handler, http.MethodPost, "/cells", token, map[string]string{"password": "cellpw"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var cell cellView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cell))

	doJSON(t, handler, http.MethodPost, "/cells/"+cell.Key+"/data", token, map[string]string{"key": "k1", "value": "v1"})

	// reads register the get_item pattern the preload hints derive from
	for i := 0; i < 3; i++ {
		doJSON(t, handler, http.MethodGet, "/cells/"+cell.Key+"/data/k1", token, nil)
	}
	svc.cache.Clear()

	adminToken, _, err := svc.authn.Issue("admin-1", "admin@x.com", true)
	require.NoError(t, err)

	rec = doJSON(t, handler, http.MethodPost, "/admin/cache/preload", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Preloaded  int `json:"preloaded"`
		TotalHints int `json:"total_hints"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.GreaterOrEqual(t, resp.Preloaded, 1)

	key, err := liquidcache.FingerprintKey("get_item", map[string]interface{}{"cell_key": cell.Key, "item": "k1"})
	require.NoError(t, err)
	cached, ok := svc.cache.Get(key)
	require.True(t, ok, "the hinted item should be warm after preload")
	warmed, ok := cached.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "v1", warmed["value"])
}

func TestAdminRoutesRejectNonAdmin(t *testing.T) {
	_, handler := newTestService(t)
	token := registerAndLogin(t, handler, "a@x.com")

	rec := doJSON(t, handler, http.MethodGet, "/admin/stats", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
