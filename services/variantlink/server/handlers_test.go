// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/variantlink/services/variantlink/catalog"
	"github.com/AleutianAI/variantlink/services/variantlink/model"
	badgerstore "github.com/AleutianAI/variantlink/services/variantlink/storage/badger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// setupTestServer returns a server over an in-memory store holding product
// "tee" with variants v1..v4 and a "size" group: S[v1,v2], M[v3], L[].
func setupTestServer(t *testing.T, opts ...catalog.StoreOption) (*Server, *catalog.Store) {
	t.Helper()
	db, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := catalog.NewStore(db, opts...)
	ctx := context.Background()
	require.NoError(t, store.PutProduct(ctx, catalog.Product{ID: "tee", Name: "Tee"}))
	require.NoError(t, store.PutVariants(ctx, "tee", []model.Variant{
		{ID: "v1", SKU: "TEE-1"}, {ID: "v2", SKU: "TEE-2"}, {ID: "v3", SKU: "TEE-3"}, {ID: "v4", SKU: "TEE-4"},
	}))
	require.NoError(t, store.PutGroup(ctx, model.SelectionGroup{
		ID:        "size",
		ProductID: "tee",
		Name:      "Size",
		Options: []model.Option{
			{ID: "S", Label: "Small", LinkedVariantIDs: []model.VariantID{"v1", "v2"}},
			{ID: "M", Label: "Medium", LinkedVariantIDs: []model.VariantID{"v3"}},
			{ID: "L", Label: "Large"},
		},
	}))

	srv := New(store, Config{Registry: prometheus.NewRegistry(), MaxParallel: 2})
	return srv, store
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func linked(t *testing.T, store *catalog.Store, optionID model.OptionID) []model.VariantID {
	t.Helper()
	g, err := store.FetchGroupDetail(context.Background(), "tee", "size")
	require.NoError(t, err)
	opt, ok := g.Option(optionID)
	require.True(t, ok)
	return opt.LinkedVariantIDs
}

const optionsPath = "/v1/products/tee/groups/size/options/"

func TestHandleHealth(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)
}

func TestHandleListVariants(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/v1/products/tee/variants", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[VariantsResponse](t, w)
	assert.Len(t, resp.Variants, 4)

	w = doRequest(t, srv, http.MethodGet, "/v1/products/nope/variants", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, catalog.CodeNotFound, decode[ErrorResponse](t, w).Code)
}

func TestHandleGroups(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/v1/products/tee/groups", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[GroupsResponse](t, w).Groups, 1)

	w = doRequest(t, srv, http.MethodGet, "/v1/products/tee/groups/size", nil)
	require.Equal(t, http.StatusOK, w.Code)
	g := decode[model.SelectionGroup](t, w)
	require.Len(t, g.Options, 3)
	assert.Equal(t, []model.VariantID{"v1", "v2"}, g.Options[0].LinkedVariantIDs)

	w = doRequest(t, srv, http.MethodGet, "/v1/products/tee/groups/color", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleLinkAndUnlink(t *testing.T) {
	srv, store := setupTestServer(t)

	w := doRequest(t, srv, http.MethodPost, optionsPath+"L/link", LinkRequest{VariantIDs: []model.VariantID{"v4"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []model.VariantID{"v4"}, decode[LinkResponse](t, w).Option.LinkedVariantIDs)

	// Idempotent.
	w = doRequest(t, srv, http.MethodPost, optionsPath+"L/link", LinkRequest{VariantIDs: []model.VariantID{"v4"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []model.VariantID{"v4"}, linked(t, store, "L"))

	w = doRequest(t, srv, http.MethodPost, optionsPath+"S/unlink", LinkRequest{VariantIDs: []model.VariantID{"v1", "v9"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []model.VariantID{"v2"}, linked(t, store, "S"))
}

func TestHandleLink_Errors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"malformed json", optionsPath + "L/link", `{"variant_ids":`, http.StatusBadRequest, catalog.CodeInvalid},
		{"missing ids", optionsPath + "L/link", `{}`, http.StatusBadRequest, catalog.CodeInvalid},
		{"empty ids", optionsPath + "L/link", LinkRequest{VariantIDs: []model.VariantID{}}, http.StatusBadRequest, catalog.CodeInvalid},
		{"duplicate ids", optionsPath + "L/link", LinkRequest{VariantIDs: []model.VariantID{"v4", "v4"}}, http.StatusBadRequest, catalog.CodeInvalid},
		{"slash in id", optionsPath + "L/link", LinkRequest{VariantIDs: []model.VariantID{"a/b"}}, http.StatusBadRequest, catalog.CodeInvalid},
		{"unknown option", optionsPath + "XL/link", LinkRequest{VariantIDs: []model.VariantID{"v4"}}, http.StatusNotFound, catalog.CodeNotFound},
		{"unknown variant", optionsPath + "L/link", LinkRequest{VariantIDs: []model.VariantID{"v9"}}, http.StatusNotFound, catalog.CodeNotFound},
		{"unknown group", "/v1/products/tee/groups/color/options/L/link", LinkRequest{VariantIDs: []model.VariantID{"v4"}}, http.StatusNotFound, catalog.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := setupTestServer(t)

			w := doRequest(t, srv, http.MethodPost, tt.path, tt.body)

			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestHandleLink_StrictConflict(t *testing.T) {
	srv, store := setupTestServer(t, catalog.WithStrictExclusivity(true))

	w := doRequest(t, srv, http.MethodPost, optionsPath+"L/link", LinkRequest{VariantIDs: []model.VariantID{"v3"}})

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, catalog.CodeConflict, decode[ErrorResponse](t, w).Code)
	assert.Empty(t, linked(t, store, "L"))
}

func TestHandleViolations(t *testing.T) {
	srv, store := setupTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/v1/products/tee/groups/size/violations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[ViolationsResponse](t, w)
	assert.Equal(t, 0, resp.Count)
	assert.NotNil(t, resp.Violations)

	// The lenient store accepts a double link; the scan reports it.
	require.NoError(t, store.LinkVariants(context.Background(), "tee", "size", "L", []model.VariantID{"v3"}))

	w = doRequest(t, srv, http.MethodGet, "/v1/products/tee/groups/size/violations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[ViolationsResponse](t, w)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, model.VariantID("v3"), resp.Violations[0].VariantID)
	assert.ElementsMatch(t, []model.OptionID{"M", "L"}, resp.Violations[0].OptionIDs)
}

func TestHandleReconcile_DryRun(t *testing.T) {
	srv, store := setupTestServer(t)

	w := doRequest(t, srv, http.MethodPost, optionsPath+"M/reconcile", ReconcileRequest{
		DesiredVariantIDs: []model.VariantID{"v1", "v4"},
		DryRun:            true,
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[ReconcileResponse](t, w)
	assert.True(t, resp.DryRun)
	assert.Equal(t, []model.VariantID{"v1", "v4"}, resp.Diff.ToLink)
	assert.Equal(t, []model.VariantID{"v3"}, resp.Diff.ToUnlink)
	assert.Equal(t, []model.VariantID{"v1"}, resp.Diff.Moves["S"])
	assert.Nil(t, resp.Result)
	require.NotNil(t, resp.Option)
	assert.Equal(t, []model.VariantID{"v3"}, resp.Option.LinkedVariantIDs)

	// Nothing written.
	assert.Equal(t, []model.VariantID{"v1", "v2"}, linked(t, store, "S"))
	assert.Equal(t, []model.VariantID{"v3"}, linked(t, store, "M"))
}

func TestHandleReconcile_Apply(t *testing.T) {
	srv, store := setupTestServer(t)

	w := doRequest(t, srv, http.MethodPost, optionsPath+"M/reconcile", ReconcileRequest{
		DesiredVariantIDs: []model.VariantID{"v1", "v4"},
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[ReconcileResponse](t, w)
	require.NotNil(t, resp.Result)
	assert.Empty(t, resp.Result.FailedPhase)
	assert.Len(t, resp.Result.Steps, 3)
	require.NotNil(t, resp.Option)
	assert.Equal(t, []model.VariantID{"v1", "v4"}, resp.Option.LinkedVariantIDs)

	assert.Equal(t, []model.VariantID{"v2"}, linked(t, store, "S"))
	assert.Equal(t, []model.VariantID{"v1", "v4"}, linked(t, store, "M"))
	g, err := store.FetchGroupDetail(context.Background(), "tee", "size")
	require.NoError(t, err)
	assert.Empty(t, model.FindViolations(g))
}

func TestHandleReconcile_EmptyDesiredUnlinksAll(t *testing.T) {
	srv, store := setupTestServer(t)

	w := doRequest(t, srv, http.MethodPost, optionsPath+"S/reconcile", `{"desired_variant_ids":[]}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, linked(t, store, "S"))
}

func TestHandleReconcile_NoChanges(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := doRequest(t, srv, http.MethodPost, optionsPath+"S/reconcile", ReconcileRequest{
		DesiredVariantIDs: []model.VariantID{"v2", "v1"},
	})

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[ReconcileResponse](t, w)
	require.NotNil(t, resp.Result)
	assert.Empty(t, resp.Result.Steps)
	assert.Equal(t, "no changes", resp.Summary)
}

func TestHandleReconcile_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"missing desired", optionsPath + "M/reconcile", `{"dry_run":true}`, http.StatusBadRequest},
		{"unknown option", optionsPath + "XL/reconcile", ReconcileRequest{DesiredVariantIDs: []model.VariantID{"v1"}}, http.StatusNotFound},
		{"unknown variant", optionsPath + "M/reconcile", ReconcileRequest{DesiredVariantIDs: []model.VariantID{"v9"}}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := setupTestServer(t)
			w := doRequest(t, srv, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestHandleReconcile_PreExistingViolations(t *testing.T) {
	srv, store := setupTestServer(t)
	// v3 ends up on both M and L.
	require.NoError(t, store.LinkVariants(context.Background(), "tee", "size", "L", []model.VariantID{"v3"}))

	req := ReconcileRequest{DesiredVariantIDs: []model.VariantID{"v1", "v2", "v4"}}
	w := doRequest(t, srv, http.MethodPost, optionsPath+"S/reconcile", req)

	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	errResp := decode[ErrorResponse](t, w)
	assert.Equal(t, catalog.CodeInvariant, errResp.Code)
	require.Len(t, errResp.Violations, 1)
	assert.Equal(t, []model.VariantID{"v1", "v2"}, linked(t, store, "S"))

	req.AllowAnomalies = true
	w = doRequest(t, srv, http.MethodPost, optionsPath+"S/reconcile", req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[ReconcileResponse](t, w)
	assert.Len(t, resp.Anomalies, 1)
	assert.Equal(t, []model.VariantID{"v1", "v2", "v4"}, linked(t, store, "S"))
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t)

	_ = doRequest(t, srv, http.MethodPost, optionsPath+"M/reconcile", ReconcileRequest{
		DesiredVariantIDs: []model.VariantID{"v1"},
	})
	w := doRequest(t, srv, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "variantlink_http_requests_total"), body)
	assert.True(t, strings.Contains(body, `route="/v1/products/:productId/groups/:groupId/options/:optionId/reconcile"`))
	assert.True(t, strings.Contains(body, "variantlink_reconcile_"))
}

func TestRequestID(t *testing.T) {
	srv, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/products/nope/variants", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}
