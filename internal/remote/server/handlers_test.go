package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/remote"
)

func TestHandleBatch_HeaderScopeMismatch(t *testing.T) {
	s := openTestServer(t)

	body, err := json.Marshal(remote.BatchRequest{
		TenantID:   scopeA.TenantID,
		StoreID:    scopeA.StoreID,
		TerminalID: "term-1",
		Operations: []remote.WireOperation{wire(t, scopeA, "op-1", saleCreate("sale-1", 1))},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, remote.PathBatch, bytes.NewReader(body))
	req.Header.Set(remote.HeaderTenantID, scopeB.TenantID)
	req.Header.Set(remote.HeaderStoreID, scopeB.StoreID)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	n, err := s.CountSales(req.Context(), scopeA)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandleBatch_RejectsUnknownFields(t *testing.T) {
	s := openTestServer(t)

	req := httptest.NewRequest(http.MethodPost, remote.PathBatch, bytes.NewReader([]byte(`{"tenantId":"t","bogus":1}`)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestHandleBatch_MethodNotAllowed(t *testing.T) {
	s := openTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, remote.PathBatch, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleChanges_Validation(t *testing.T) {
	s := openTestServer(t)

	cases := []struct {
		name   string
		target string
		status int
	}{
		{"missing scope", remote.PathChanges + "?since=0", http.StatusBadRequest},
		{"negative since", remote.PathChanges + "?since=-1&tenantId=tenant-a&storeId=store-1", http.StatusBadRequest},
		{"bad limit", remote.PathChanges + "?limit=0&tenantId=tenant-a&storeId=store-1", http.StatusBadRequest},
		{"ok", remote.PathChanges + "?since=0&tenantId=tenant-a&storeId=store-1", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.target, nil))
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestHandleChanges_HeaderScopeMismatch(t *testing.T) {
	s := openTestServer(t)

	req := httptest.NewRequest(http.MethodGet, remote.PathChanges+"?tenantId=tenant-a&storeId=store-1", nil)
	req.Header.Set(remote.HeaderTenantID, "tenant-a")
	req.Header.Set(remote.HeaderStoreID, "store-2")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleChanges_ReturnsChangeSet(t *testing.T) {
	s := openTestServer(t)
	require.NoError(t, s.SetStock(t.Context(), scopeA, "sku-1", 4))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, remote.PathChanges+"?tenantId=tenant-a&storeId=store-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var set ir.ChangeSet
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &set))
	require.Len(t, set.Changes, 1)
	assert.Equal(t, "sku-1", set.Changes[0].EntityID)
	assert.False(t, set.More)
}
