package api

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/riverdb/riverdb/internal/config"
	"github.com/riverdb/riverdb/internal/health"
	"github.com/riverdb/riverdb/internal/metrics"
	"github.com/riverdb/riverdb/internal/pgpool"
)

func fakeServerListener(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func newTestServer(t *testing.T, apiKey string) (*Server, http.Handler) {
	t.Helper()
	host, port := fakeServerListener(t)

	cfg := config.PostgresConfig{
		Servers: []config.ServerConfig{
			{
				Database: "orders", Host: host, Port: port,
				User: "riverdb", Password: "secret123",
				MaxConnections: 10, MaxConcurrentTransactions: 10,
			},
		},
	}
	cluster := pgpool.NewCluster(cfg, nil)
	t.Cleanup(cluster.Close)

	hc := health.NewChecker(cluster, nil, health.Config{FailureThreshold: 3})
	m := metrics.New()

	lc := config.ListenConfig{PostgresPort: 5432, APIPort: 9090, APIKey: apiKey}
	s := NewServer(cluster, hc, m, lc, "")

	return s, s.routes()
}

func TestListDatabases(t *testing.T) {
	_, handler := newTestServer(t, "")

	req := httptest.NewRequest("GET", "/databases", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var result []databaseResponse
	if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result) != 1 || result[0].Name != "orders" {
		t.Fatalf("expected [orders], got %+v", result)
	}
}

func TestGetDatabase(t *testing.T) {
	_, handler := newTestServer(t, "")

	req := httptest.NewRequest("GET", "/databases/orders", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}

	var result databaseResponse
	json.NewDecoder(rr.Body).Decode(&result)
	if result.Name != "orders" {
		t.Errorf("expected orders, got %s", result.Name)
	}
}

func TestGetDatabaseNotFound(t *testing.T) {
	_, handler := newTestServer(t, "")

	req := httptest.NewRequest("GET", "/databases/nonexistent", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestDatabaseStats(t *testing.T) {
	_, handler := newTestServer(t, "")

	req := httptest.NewRequest("GET", "/databases/orders/stats", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}

	var stats []pgpool.Stats
	json.NewDecoder(rr.Body).Decode(&stats)
	if len(stats) != 1 || stats[0].Database != "orders" {
		t.Errorf("expected 1 stat entry for orders, got %+v", stats)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, handler := newTestServer(t, "")

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestReadyEndpoint(t *testing.T) {
	_, handler := newTestServer(t, "")

	req := httptest.NewRequest("GET", "/ready", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	// With databases configured but no health checks run yet, all are
	// "unknown" which IsHealthy treats as healthy.
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, handler := newTestServer(t, "")

	req := httptest.NewRequest("GET", "/status", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

// --- Security tests ---

func TestAuthMiddleware_ValidToken(t *testing.T) {
	_, handler := newTestServer(t, "test-secret-key")

	req := httptest.NewRequest("GET", "/databases", nil)
	req.Header.Set("Authorization", "Bearer test-secret-key")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 with valid token, got %d", rr.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	_, handler := newTestServer(t, "test-secret-key")

	req := httptest.NewRequest("GET", "/databases", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with missing token, got %d", rr.Code)
	}
}

func TestAuthMiddleware_InvalidToken(t *testing.T) {
	_, handler := newTestServer(t, "test-secret-key")

	req := httptest.NewRequest("GET", "/databases", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with invalid token, got %d", rr.Code)
	}
}

func TestAuthMiddleware_HealthExemptFromAuth(t *testing.T) {
	_, handler := newTestServer(t, "test-secret-key")

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		req := httptest.NewRequest("GET", path, nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code == http.StatusUnauthorized {
			t.Errorf("%s should not require auth, got 401", path)
		}
	}
}

func TestAuthMiddleware_NoKeyConfigured(t *testing.T) {
	_, handler := newTestServer(t, "")

	req := httptest.NewRequest("GET", "/databases", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 when no API key configured, got %d", rr.Code)
	}
}

func TestPasswordRedaction_ListDatabases(t *testing.T) {
	_, handler := newTestServer(t, "")

	req := httptest.NewRequest("GET", "/databases", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	body := rr.Body.String()
	if strings.Contains(body, "secret123") {
		t.Error("response should not contain plaintext password")
	}
	if !strings.Contains(body, "***REDACTED***") {
		t.Error("response should contain redacted password marker")
	}
}

func TestPasswordRedaction_GetDatabase(t *testing.T) {
	_, handler := newTestServer(t, "")

	req := httptest.NewRequest("GET", "/databases/orders", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	body := rr.Body.String()
	if strings.Contains(body, "secret123") {
		t.Error("response should not contain plaintext password")
	}
	if !strings.Contains(body, "***REDACTED***") {
		t.Error("response should contain redacted password marker")
	}
}

func TestReloadRequestBodySizeLimit(t *testing.T) {
	_, handler := newTestServer(t, "")

	bigBody := strings.Repeat("a", 2*1024*1024)
	req := httptest.NewRequest("POST", "/reload", strings.NewReader(bigBody))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for oversized body, got %d", rr.Code)
	}
}

func TestReloadWithoutConfigPath(t *testing.T) {
	_, handler := newTestServer(t, "")

	req := httptest.NewRequest("POST", "/reload", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when no config path is configured, got %d", rr.Code)
	}
}
