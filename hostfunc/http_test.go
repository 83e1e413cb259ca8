package hostfunc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/runex/await"
)

func testServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
		}
		w.Write([]byte("pong"))
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return srv, u.Hostname()
}

func TestHTTPRequestAllowedHost(t *testing.T) {
	srv, host := testServer(t)
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{host}})

	got, err := h.Request(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err)

	resp := got.(map[string]any)
	assert.Equal(t, 200, resp["status"])
	assert.Equal(t, "pong", resp["body"])
}

func TestHTTPRequestDisallowedHost(t *testing.T) {
	srv, _ := testServer(t)
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"example.com"}})

	_, err := h.Request(context.Background(), map[string]any{"url": srv.URL})
	assert.ErrorContains(t, err, "host not allowed")
}

func TestHTTPRequestNoAllowlistMeansDisabled(t *testing.T) {
	srv, _ := testServer(t)
	h := NewHTTP(HTTPConfig{})

	_, err := h.Request(context.Background(), map[string]any{"url": srv.URL})
	assert.ErrorContains(t, err, "http not enabled")
}

func TestHTTPRequestValidation(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"example.com"}, MaxURLLength: 32})
	ctx := context.Background()

	_, err := h.Request(ctx, map[string]any{"url": "ftp://example.com"})
	assert.ErrorContains(t, err, "scheme")

	_, err = h.Request(ctx, map[string]any{"url": ""})
	assert.ErrorContains(t, err, "url required")

	_, err = h.Request(ctx, map[string]any{
		"url": "http://example.com/" + strings.Repeat("x", 64)})
	assert.ErrorContains(t, err, "exceeds max length")

	_, err = h.Request(ctx, map[string]any{"url": "http://example.com", "method": "TRACE"})
	assert.ErrorContains(t, err, "unsupported method")
}

func TestHTTPPostMethod(t *testing.T) {
	srv, host := testServer(t)
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{host}})

	got, err := h.Request(context.Background(), map[string]any{
		"url": srv.URL, "method": "post", "body": "payload"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, got.(map[string]any)["status"])
}

func TestHTTPBodyTruncatedToLimit(t *testing.T) {
	srv, host := testServer(t)
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{host}, MaxBodySize: 2})

	got, err := h.Request(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "po", got.(map[string]any)["body"])
}

func TestHTTPGetAsyncReturnsFuture(t *testing.T) {
	srv, host := testServer(t)
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{host}})

	got, err := h.GetAsync(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err)

	f, ok := got.(*await.Future)
	require.True(t, ok)

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pong", v.(map[string]any)["body"])
}

func TestHTTPSubdomainOfAllowedHost(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"example.com"}})
	assert.True(t, h.isHostAllowed("api.example.com"))
	assert.True(t, h.isHostAllowed("example.com"))
	assert.False(t, h.isHostAllowed("notexample.com"))
}
