package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientAgainstStub(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"datasets":{"ready":1}}`))
	})
	mux.HandleFunc("GET /api/datasets", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"name":"moon","status":"ready","logs":["[10:00:00] done"]}]`))
	})
	mux.HandleFunc("GET /api/datasets/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"unknown dataset"}`))
	})
	mux.HandleFunc("POST /api/annotations/{name}", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var a Annotation
		_ = json.NewDecoder(r.Body).Decode(&a)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(a)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/api", Token: "tok"})
	ctx := context.Background()

	assert.True(t, c.IsReachable(ctx))

	ds, err := c.Datasets(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "ready", ds[0].Status)

	_, err = c.Dataset(ctx, "ghost")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "unknown dataset", apiErr.Message)

	a, err := c.AddAnnotation(ctx, "moon", Annotation{X: 0.5, Y: 0.25, Text: "ridge"})
	require.NoError(t, err)
	assert.Equal(t, "ridge", a.Text)
	assert.Equal(t, "Bearer tok", gotAuth)
}

func TestIsReachableDown(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/api"})
	assert.False(t, c.IsReachable(context.Background()))
}

func TestDefaults(t *testing.T) {
	c := New(Config{})
	assert.Equal(t, DefaultConfig().BaseURL, c.baseURL)
}
