package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/mkarlsen/runex/engine"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func setupTestServer(t *testing.T) (*engine.Engine, *http.ServeMux) {
	t.Helper()
	eng, err := engine.New(engine.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng, newServeMux(eng)
}

func postJSON(t *testing.T, mux *http.ServeMux, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, buf)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	_, mux := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Errorf("expected 'ok', got %q", w.Body.String())
	}
}

func TestExecuteEndpoint(t *testing.T) {
	_, mux := setupTestServer(t)

	w := postJSON(t, mux, "/execute", executeRequest{Code: "return 6 * 7"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp executeResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Success {
		t.Errorf("expected success, got error %q", resp.Error)
	}
	if resp.Value != "42" {
		t.Errorf("value = %q, want 42", resp.Value)
	}
	if resp.CorrelationID == "" {
		t.Error("expected a correlation id")
	}
}

func TestExecuteEndpointWithParams(t *testing.T) {
	_, mux := setupTestServer(t)

	w := postJSON(t, mux, "/execute", executeRequest{
		Code:   `return params["who"]`,
		Params: map[string]any{"who": "server"},
	})

	var resp executeResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Value != "server" {
		t.Errorf("value = %q, want server", resp.Value)
	}
}

func TestExecuteEndpointCompileOnly(t *testing.T) {
	_, mux := setupTestServer(t)

	w := postJSON(t, mux, "/execute", executeRequest{
		Code:        "return 1",
		CompileOnly: true,
	})

	var resp executeResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || !resp.CompileOnly {
		t.Errorf("expected compile-only success, got %+v", resp)
	}
	if resp.Value != "" {
		t.Errorf("compile-only must not produce a value, got %q", resp.Value)
	}
}

func TestExecuteEndpointCompileError(t *testing.T) {
	_, mux := setupTestServer(t)

	w := postJSON(t, mux, "/execute", executeRequest{Code: "def broken(:"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp executeResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success {
		t.Error("expected failure for syntax error")
	}
	if len(resp.Diagnostics) == 0 {
		t.Error("expected diagnostics")
	}
}

func TestExecuteEndpointViolation(t *testing.T) {
	_, mux := setupTestServer(t)

	w := postJSON(t, mux, "/execute", executeRequest{Code: `set_security_policy("full")`})

	var resp executeResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success {
		t.Error("expected policy violation failure")
	}
	if len(resp.Violations) == 0 {
		t.Error("expected violations in response")
	}
}

func TestExecuteEndpointRejectsEmptyCode(t *testing.T) {
	_, mux := setupTestServer(t)

	w := postJSON(t, mux, "/execute", executeRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestExecuteEndpointRejectsBadJSON(t *testing.T) {
	_, mux := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestExecuteEndpointRejectsGet(t *testing.T) {
	_, mux := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/execute", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", w.Code)
	}
}

func TestExecuteEndpointRejectsBadTimeout(t *testing.T) {
	_, mux := setupTestServer(t)

	w := postJSON(t, mux, "/execute", executeRequest{Code: "return 1", Timeout: "forever"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestCancelEndpointUnknownID(t *testing.T) {
	_, mux := setupTestServer(t)

	w := postJSON(t, mux, "/cancel/no-such-id", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestUndoEndpoint(t *testing.T) {
	_, mux := setupTestServer(t)

	postJSON(t, mux, "/execute", executeRequest{Code: `kv_set(key="k", value="v")`})

	w := postJSON(t, mux, "/undo", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["reverted"] == "" {
		t.Error("expected a reverted transaction name")
	}

	w = postJSON(t, mux, "/undo", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 on empty undo stack, got %d", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	_, mux := setupTestServer(t)

	postJSON(t, mux, "/execute", executeRequest{Code: "return 1"})
	postJSON(t, mux, "/execute", executeRequest{Code: "def broken(:"})

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp statsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 2 {
		t.Errorf("total = %d, want 2", resp.Total)
	}
	if resp.Succeeded != 1 {
		t.Errorf("succeeded = %d, want 1", resp.Succeeded)
	}
	if resp.Failed != 1 {
		t.Errorf("failed = %d, want 1", resp.Failed)
	}
	if resp.CompileErrors != 1 {
		t.Errorf("compile_errors = %d, want 1", resp.CompileErrors)
	}
}
