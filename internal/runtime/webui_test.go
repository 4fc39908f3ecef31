package runtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	configpkg "github.com/fly-cli/flybridge/internal/runtime/config"
)

func newDebugServer(t *testing.T, cfg *configpkg.Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = &configpkg.Config{DebugEnabled: true}
	}
	server, err := NewServer(cfg, newRecordLogger(), Dependencies{})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server
}

func TestDebugAPIDisabledRegistersNothing(t *testing.T) {
	server := newDebugServer(t, &configpkg.Config{})
	if len(server.httpServers) != 0 {
		t.Fatalf("expected no HTTP handlers, got %d ports", len(server.httpServers))
	}
}

func TestDebugAPIRegistersOnConfiguredPort(t *testing.T) {
	server := newDebugServer(t, &configpkg.Config{DebugEnabled: true, DebugPort: 9999})
	if _, ok := server.httpServers[9999]; !ok {
		t.Fatalf("expected handlers on port 9999, got %v", server.httpServers)
	}
}

func TestDebugAPIDefaultsPort(t *testing.T) {
	server := newDebugServer(t, nil)
	if _, ok := server.httpServers[configpkg.DefaultDebugPort]; !ok {
		t.Fatalf("expected handlers on default debug port")
	}
}

func TestOperationsEndpointServesStatsSnapshot(t *testing.T) {
	server := newDebugServer(t, nil)
	handler := server.debugHandler(server.handleGetOperations)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/operations", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected JSON content type, got %q", ct)
	}
	var snapshot StatsSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("response is not a stats snapshot: %v", err)
	}
}

func TestDiagnosticsEndpointServesReport(t *testing.T) {
	server := newDebugServer(t, nil)
	handler := server.debugHandler(server.handleGetDiagnostics)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/diagnostics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var report DiagnosticsReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("response is not a diagnostics report: %v", err)
	}
	if report.Host.GoVersion == "" {
		t.Fatalf("host info missing from report")
	}
}

func TestDebugHandlerRejectsNonGet(t *testing.T) {
	server := newDebugServer(t, nil)
	handler := server.debugHandler(server.handleGetOperations)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/operations", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestDebugHandlerCORS(t *testing.T) {
	cases := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{name: "wildcard", allowed: []string{"*"}, origin: "http://example.test", want: "*"},
		{name: "exact match", allowed: []string{"http://localhost:3000"}, origin: "http://localhost:3000", want: "http://localhost:3000"},
		{name: "case insensitive", allowed: []string{"http://LocalHost:3000"}, origin: "http://localhost:3000", want: "http://localhost:3000"},
		{name: "denied", allowed: []string{"http://localhost:3000"}, origin: "http://evil.test", want: ""},
		{name: "no config", allowed: nil, origin: "http://localhost:3000", want: ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := newDebugServer(t, &configpkg.Config{
				DebugEnabled:            true,
				DebugCORSAllowedOrigins: tc.allowed,
			})
			handler := server.debugHandler(server.handleGetOperations)

			req := httptest.NewRequest(http.MethodGet, "/api/operations", nil)
			req.Header.Set("Origin", tc.origin)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.want {
				t.Fatalf("expected allow-origin %q, got %q", tc.want, got)
			}
		})
	}
}

func TestDebugHandlerPreflight(t *testing.T) {
	server := newDebugServer(t, &configpkg.Config{
		DebugEnabled:            true,
		DebugCORSAllowedOrigins: []string{"*"},
	})
	handler := server.debugHandler(server.handleGetOperations)

	req := httptest.NewRequest(http.MethodOptions, "/api/operations", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Fatalf("expected allow-methods header on preflight")
	}
}
