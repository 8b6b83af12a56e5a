package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vshttp "github.com/ShalakaSonawane1/vendorscope/internal/http"
	"github.com/ShalakaSonawane1/vendorscope/internal/store"
)

// fakeAPI serves canned responses and records the last request body.
func fakeAPI(t *testing.T) (*httptest.Server, *map[string]any) {
	t.Helper()
	var lastBody map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("GET /vendors", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		_ = json.NewEncoder(w).Encode(vshttp.VendorList{
			Vendors: []store.Vendor{{ID: "v1", Name: "Acme", Domain: "acme.com", VendorType: "cloud", CurrentRiskLevel: store.RiskLow}},
			Total:   21, Page: 2, PageSize: 20, TotalPages: 2,
		})
	})
	mux.HandleFunc("POST /queries/ask", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&lastBody))
		_, _ = w.Write([]byte(`{"answer":"Yes, Acme is SOC 2 Type II certified.","confidence_level":"high","citations":[{"url":"https://acme.com/trust","title":"Trust","relevance_score":0.8}]}`))
	})
	mux.HandleFunc("PATCH /vendors/v1", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&lastBody))
		_ = json.NewEncoder(w).Encode(store.Vendor{ID: "v1", Name: "Acme", Domain: "acme.com", IsCritical: true})
	})
	mux.HandleFunc("GET /vendors/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"vendor not found"}`))
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(vshttp.HealthResponse{Status: "unhealthy", Database: "unhealthy: closed", VectorIndex: "healthy"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &lastBody
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		output = "table"
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVendorsList(t *testing.T) {
	srv, _ := fakeAPI(t)

	out, err := execute(t, "--server", srv.URL, "vendors", "list", "--page", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "acme.com")
	assert.Contains(t, out, "page 2 of 2 (21 vendors)")

	out, err = execute(t, "--server", srv.URL, "-o", "yaml", "vendors", "list", "--page", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "vendor_type: cloud")
	assert.Contains(t, out, "total_pages: 2")
}

func TestVendorsUpdate_SendsOnlyChangedFlags(t *testing.T) {
	srv, body := fakeAPI(t)

	out, err := execute(t, "--server", srv.URL, "vendors", "update", "v1", "--critical", "--active=false")
	require.NoError(t, err)
	assert.Contains(t, out, "acme.com")
	assert.Equal(t, map[string]any{"is_critical": true, "is_active": false}, *body)
}

func TestAsk(t *testing.T) {
	srv, body := fakeAPI(t)

	out, err := execute(t, "--server", srv.URL, "ask", "--vendor", "v1", "--no-risk", "Is", "Acme", "SOC 2?")
	require.NoError(t, err)
	assert.Contains(t, out, "SOC 2 Type II certified")
	assert.Contains(t, out, "Confidence: high")
	assert.Contains(t, out, "[1] Trust (0.80)")

	assert.Equal(t, "Is Acme SOC 2?", (*body)["query"])
	assert.Equal(t, []any{"v1"}, (*body)["vendor_ids"])
	assert.Equal(t, true, (*body)["include_sources"])
	assert.Equal(t, false, (*body)["include_risk_assessment"])
}

func TestCall_ReportsServerMessage(t *testing.T) {
	srv, _ := fakeAPI(t)
	serverURL = srv.URL

	var v store.Vendor
	err := call(context.Background(), http.MethodGet, "/vendors/missing", nil, &v)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "vendor not found", apiErr.Message)
}

func TestHealth_UnhealthyServer(t *testing.T) {
	srv, _ := fakeAPI(t)

	out, err := execute(t, "--server", srv.URL, "health")
	require.Error(t, err)
	assert.Contains(t, out, "Server Status: unhealthy")
	assert.Contains(t, out, "unhealthy: closed")
}

func TestRejectsUnknownOutput(t *testing.T) {
	_, err := execute(t, "-o", "xml", "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}
