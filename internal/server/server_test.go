package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jgorzitza/HotDash-sub021/internal/audit"
	"github.com/Jgorzitza/HotDash-sub021/internal/policy"
	"github.com/Jgorzitza/HotDash-sub021/internal/queue"
	"github.com/Jgorzitza/HotDash-sub021/internal/router"
)

const (
	testAPIKey     = "test-key"
	testSigningKey = "0123456789abcdef0123456789abcdef"
)

const testServerPolicies = `
version: "1"
policies:
  - name: specialist-pii-read
    agent: retention-specialist
    resource: "*"
    action: read
    conditions:
      session_match: true
  - name: producer-self-service
    agent: "*"
    resource: "*"
    action: "*"
`

const testServerRules = `
version: "1"
agents:
  billing-specialist:
    capabilities: [refund]
rules:
  - name: refund-to-billing
    priority: 5
    match:
      intent: refund_request
    target: billing-specialist
    reason: refund requests belong to billing
`

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	dir := t.TempDir()

	policies, err := policy.ParseRuleSet([]byte(testServerPolicies))
	require.NoError(t, err)
	engine, err := policy.NewEngine(context.Background(), policies, policy.GateData{MaxAutoImpact: 5000})
	require.NoError(t, err)

	auditStore, err := audit.NewStore(filepath.Join(dir, "audit.db"), testSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditStore.Close() })

	queueStore, err := queue.NewStore(filepath.Join(dir, "actions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = queueStore.Close() })
	q := queue.New(queueStore, engine, auditStore, queue.Config{}, zerolog.Nop())

	rules, err := router.ParseRuleSet([]byte(testServerRules))
	require.NoError(t, err)
	rt, err := router.New(rules, engine, router.Config{ConfidenceFloor: 0.5, ReviewThreshold: 0.75}, zerolog.Nop())
	require.NoError(t, err)

	srv := NewServer(rt, q, engine, auditStore, map[string]string{testAPIKey: "reviewer-1"})
	return srv.Routes()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Opscore-Key", testAPIKey)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func validSubmission() map[string]interface{} {
	return map[string]interface{}{
		"agent":  "inventory-agent",
		"type":   "restock",
		"target": "product:sku-1",
		"draft":  "Reorder 40 units of sku-1.",
		"evidence": []string{
			"report:stockout-2026-08-30",
		},
		"expected_impact": map[string]interface{}{"metric": "revenue", "delta": 400, "unit": "USD"},
		"confidence":      0.8,
		"ease":            "simple",
		"risk_tier":       "none",
		"can_execute":     true,
		"rollback_plan":   "Cancel the purchase order before cutoff.",
		"freshness_label": "24h",
	}
}

func TestHealthNoAuth(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMissingAPIKey(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/actions/top", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouteEndpoint(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/route", map[string]interface{}{
		"conversation_id": "conv-1",
		"intent":          "refund_request",
		"sentiment":       "neutral",
		"customer":        map[string]interface{}{"id": "cust-1", "authenticated": true},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["should_handoff"])
	assert.Equal(t, "billing-specialist", body["target_agent"])
}

func TestRouteRejectsUnknownSentiment(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/route", map[string]interface{}{
		"conversation_id": "conv-1",
		"sentiment":       "grumpy",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitAndTop(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/actions", validSubmission())
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody(t, rec)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	rec = doJSON(t, h, http.MethodGet, "/v1/actions/top?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])
}

func TestSubmitValidationFailure(t *testing.T) {
	h := newTestServer(t)

	bad := validSubmission()
	bad["draft"] = ""
	bad["rollback_plan"] = ""
	rec := doJSON(t, h, http.MethodPost, "/v1/actions", bad)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	body := decodeBody(t, rec)
	fields, ok := body["fields"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, fields, "draft")
	assert.Contains(t, fields, "rollback_plan")
}

func TestLifecycleOverHTTP(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/actions", validSubmission())
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody(t, rec)["id"].(string)

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/actions/%s/approve", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Second approval conflicts; the current status travels verbatim.
	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/actions/%s/approve", id), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "approved", body["current_status"])

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/actions/%s/execute", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/actions/%s/outcome", id), map[string]interface{}{
		"revenue_7d": 120.0, "executions": 2, "successes": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestExecuteDeniedReturnsReasons(t *testing.T) {
	h := newTestServer(t)

	sub := validSubmission()
	sub["risk_tier"] = "policy"
	rec := doJSON(t, h, http.MethodPost, "/v1/actions", sub)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody(t, rec)["id"].(string)

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/actions/%s/approve", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/actions/%s/execute", id), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeBody(t, rec)
	reasons, ok := body["reasons"].([]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, reasons)
}

func TestManualExecuteOverHTTP(t *testing.T) {
	h := newTestServer(t)

	sub := validSubmission()
	sub["can_execute"] = false
	rec := doJSON(t, h, http.MethodPost, "/v1/actions", sub)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody(t, rec)["id"].(string)

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/actions/%s/approve", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The automated path is denied for human-execution items.
	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/actions/%s/execute", id), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// An operator confirmation records the hand-performed execution.
	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/actions/%s/execute", id),
		map[string]interface{}{"manual": true})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "executed", body["status"])
}

func TestUnknownActionIs404(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/v1/actions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthorizeEndpointRecordsAudit(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/authorize", map[string]interface{}{
		"agent":    "retention-specialist",
		"resource": "customer-pii:cust-1",
		"action":   "read",
		"context": map[string]interface{}{
			"session_id":    "sess-1",
			"owner_session": "sess-2",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["allowed"])
	assert.Contains(t, body["reason"], "session mismatch")

	rec = doJSON(t, h, http.MethodGet, "/v1/audit?agent=retention-specialist", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listBody := decodeBody(t, rec)
	assert.Equal(t, float64(1), listBody["count"])
}

func TestRedactEndpoint(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/redact", map[string]interface{}{
		"text": "reach me at jane.doe@example.com please",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "reach me at j***@***.com please", body["redacted"])
}

func TestRedactUnknownRule(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/redact", map[string]interface{}{
		"text":  "hello",
		"rules": []string{"ssn"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimit(t *testing.T) {
	dir := t.TempDir()
	policies, err := policy.ParseRuleSet([]byte(testServerPolicies))
	require.NoError(t, err)
	engine, err := policy.NewEngine(context.Background(), policies, policy.GateData{MaxAutoImpact: 5000})
	require.NoError(t, err)
	auditStore, err := audit.NewStore(filepath.Join(dir, "audit.db"), testSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditStore.Close() })
	queueStore, err := queue.NewStore(filepath.Join(dir, "actions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = queueStore.Close() })
	q := queue.New(queueStore, engine, auditStore, queue.Config{}, zerolog.Nop())
	rules, err := router.ParseRuleSet([]byte(testServerRules))
	require.NoError(t, err)
	rt, err := router.New(rules, engine, router.Config{ConfidenceFloor: 0.5, ReviewThreshold: 0.75}, zerolog.Nop())
	require.NoError(t, err)

	srv := NewServer(rt, q, engine, auditStore, map[string]string{testAPIKey: "reviewer-1"},
		WithRateLimiter(NewRateLimiter(1, 2)))
	h := srv.Routes()

	saw429 := false
	for i := 0; i < 5; i++ {
		rec := doJSON(t, h, http.MethodGet, "/v1/actions/top", nil)
		if rec.Code == http.StatusTooManyRequests {
			saw429 = true
		}
	}
	assert.True(t, saw429)
}
