package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitepulse/sitepulse/internal/scan"
)

func TestFetchReturnsBodyAndHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "token-123", r.Header.Get("X-Probe"))
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Server", "nginx/1.25")
		_, _ = w.Write([]byte("<html><head><title>hi</title></head></html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "sitepulse-test", Timeout: 2 * time.Second})
	resp, err := f.Fetch(context.Background(), scan.FetchRequest{
		URL:     srv.URL,
		Headers: http.Header{"X-Probe": {"token-123"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "<title>hi</title>")
	require.Equal(t, "nginx/1.25", resp.Headers.Get("Server"))
	require.False(t, resp.Rendered)
	require.Positive(t, resp.Duration)
}

func TestFetchSurfacesHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(Config{Timeout: 2 * time.Second})
	_, err := f.Fetch(context.Background(), scan.FetchRequest{URL: srv.URL})
	require.Error(t, err)
}

func TestFetchRejectsUnreachableHost(t *testing.T) {
	t.Parallel()

	f := New(Config{Timeout: time.Second})
	_, err := f.Fetch(context.Background(), scan.FetchRequest{URL: "http://127.0.0.1:1/none"})
	require.Error(t, err)
}
