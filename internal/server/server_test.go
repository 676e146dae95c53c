package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vireohq/creditmeter/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		LogFormat:          "text",
		ConsumeMaxRetries:  5,
		ResetSweepInterval: time.Hour,
		RateLimitRPM:       10000,
	}
}

// newTestServer creates a server with in-memory stores
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(s.rateLimiter.Stop)
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestQuotaRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	quotaRoutes := map[string]bool{
		"GET:/api/v1/quota/packages":                false,
		"GET:/api/v1/quota/:workspace/dashboard":    false,
		"POST:/api/v1/quota/:workspace/consume":     false,
		"POST:/api/v1/quota/:workspace/purchase":    false,
		"PUT:/api/v1/quota/:workspace/settings":     false,
		"GET:/api/v1/quota/:workspace/analytics":    false,
		"GET:/api/v1/quota/:workspace/transactions": false,
	}

	for _, route := range routes {
		key := route.Method + ":" + route.Path
		if _, ok := quotaRoutes[key]; ok {
			quotaRoutes[key] = true
		}
	}

	for route, found := range quotaRoutes {
		if !found {
			t.Errorf("Quota route %s not registered", route)
		}
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/ws",
		"POST:/api/v1/workspaces",
		"GET:/api/v1/workspaces/:id",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

func TestBillingRoutesDisabledWithoutSecret(t *testing.T) {
	s := newTestServer(t)

	for _, route := range s.router.Routes() {
		if strings.Contains(route.Path, "/billing/") {
			t.Errorf("Billing route %s registered without webhook secret", route.Path)
		}
	}
}

func TestBillingRoutesRegisteredWithSecret(t *testing.T) {
	cfg := testConfig()
	cfg.StripeWebhookSecret = "whsec_test"
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(s.rateLimiter.Stop)

	found := false
	for _, route := range s.router.Routes() {
		if route.Method == "POST" && route.Path == "/api/v1/billing/stripe/webhook" {
			found = true
		}
	}
	if !found {
		t.Error("Stripe webhook route not registered")
	}
}

// ---------------------------------------------------------------------------
// End-to-end consumption flow
// ---------------------------------------------------------------------------

func TestWorkspaceConsumeFlow(t *testing.T) {
	s := newTestServer(t)

	// Create a workspace
	body := `{"name":"Acme Inc","tier":"basic"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/workspaces", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 creating workspace, got %d: %s", w.Code, w.Body.String())
	}

	var created struct {
		Workspace struct {
			ID string `json:"id"`
		} `json:"workspace"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if created.Workspace.ID == "" {
		t.Fatal("Expected workspace ID in response")
	}

	// Consume credits against it
	consumeBody := `{"user_id":"user_1","feature":"seo_analysis","idempotency_key":"key-1"}`
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST",
		fmt.Sprintf("/api/v1/quota/%s/consume", created.Workspace.ID),
		strings.NewReader(consumeBody))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 consuming, got %d: %s", w.Code, w.Body.String())
	}

	var result struct {
		Consumed  int `json:"consumed"`
		Remaining int `json:"remaining"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if result.Consumed != 3 {
		t.Errorf("Expected seo_analysis to cost 3, got %d", result.Consumed)
	}
	// basic tier grants a 500-credit monthly allowance
	if result.Remaining != 497 {
		t.Errorf("Expected 497 remaining, got %d", result.Remaining)
	}
}

func TestConsumeMalformedWorkspaceID(t *testing.T) {
	s := newTestServer(t)

	body := `{"user_id":"user_1","feature":"seo_analysis","idempotency_key":"key-1"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/quota/not-a-workspace/consume", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed workspace ID, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
