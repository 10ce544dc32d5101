// Package testutil provides shared fixtures for integration tests: rule
// sets, stores backed by temp databases, and a canonical valid submission.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Jgorzitza/HotDash-sub021/internal/audit"
	"github.com/Jgorzitza/HotDash-sub021/internal/policy"
	"github.com/Jgorzitza/HotDash-sub021/internal/queue"
	"github.com/Jgorzitza/HotDash-sub021/internal/router"
)

// PoliciesYAML is a small ABAC rule set: a session-bound PII read policy for
// the retention specialist and a wildcard fallback for producers.
const PoliciesYAML = `
version: "1"
policies:
  - name: retention-pii-read
    agent: retention-specialist
    resource: "*"
    action: read
    conditions:
      session_match: true
      max_context_age: 15m
  - name: producer-self-service
    agent: "*"
    resource: "*"
    action: "*"
`

// RulesYAML is a small handoff rule set mirroring the refund escalation
// setup used across the test suite.
const RulesYAML = `
version: "1"
agents:
  escalation-specialist:
    capabilities: [refund, appeasement]
  billing-specialist:
    capabilities: [refund, invoice]
  retention-specialist:
    capabilities: [discount]
    requires_pii: true
rules:
  - name: angry-refund-escalation
    priority: 10
    match:
      intent: refund_request
      sentiments: [angry]
    target: escalation-specialist
    reason: angry refund requests go straight to escalation
  - name: refund-to-billing
    priority: 5
    match:
      intent: refund_request
    target: billing-specialist
    reason: refund requests belong to billing
`

// NewTestEngine compiles the fixture policies with the given impact ceiling.
func NewTestEngine(t *testing.T, maxAutoImpact float64) *policy.Engine {
	t.Helper()
	rules, err := policy.ParseRuleSet([]byte(PoliciesYAML))
	if err != nil {
		t.Fatal(err)
	}
	engine, err := policy.NewEngine(context.Background(), rules, policy.GateData{MaxAutoImpact: maxAutoImpact})
	if err != nil {
		t.Fatal(err)
	}
	return engine
}

// NewTestRouter builds a router over the fixture rules with default tuning.
func NewTestRouter(t *testing.T, engine *policy.Engine) *router.Router {
	t.Helper()
	rules, err := router.ParseRuleSet([]byte(RulesYAML))
	if err != nil {
		t.Fatal(err)
	}
	rt, err := router.New(rules, engine, router.Config{ConfidenceFloor: 0.5, ReviewThreshold: 0.75}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return rt
}

// NewTestAuditStore creates an audit store in a temp dir and registers
// t.Cleanup to close it. Uses TestSigningKey.
func NewTestAuditStore(t *testing.T) *audit.Store {
	t.Helper()
	store, err := audit.NewStore(filepath.Join(t.TempDir(), "audit.db"), TestSigningKey)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// NewTestQueue creates a queue over a temp database wired to the given
// engine and audit sink.
func NewTestQueue(t *testing.T, engine *policy.Engine, sink queue.AuditSink) *queue.Queue {
	t.Helper()
	store, err := queue.NewStore(filepath.Join(t.TempDir(), "actions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return queue.New(store, engine, sink, queue.Config{}, zerolog.Nop())
}

// ValidSubmission returns a submission that passes every validation check.
func ValidSubmission() queue.Item {
	return queue.Item{
		Agent:        "inventory-agent",
		Type:         "restock",
		Target:       "product:sku-1",
		Draft:        "Reorder 40 units of sku-1 from the primary supplier.",
		Evidence:     []string{"report:stockout-2026-08-30"},
		Impact:       queue.Impact{Metric: "revenue", Delta: 400, Unit: "USD"},
		Confidence:   0.8,
		Ease:         queue.EaseSimple,
		RiskTier:     queue.RiskNone,
		CanExecute:   true,
		RollbackPlan: "Cancel the purchase order before cutoff.",
		Freshness:    queue.Freshness24h,
	}
}
