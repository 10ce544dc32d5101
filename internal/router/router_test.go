package router

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jgorzitza/HotDash-sub021/internal/conversation"
	"github.com/Jgorzitza/HotDash-sub021/internal/policy"
)

const testRules = `
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
  - name: vip-retention
    priority: 3
    match:
      customer_tags: [vip]
      min_urgency: high
    target: retention-specialist
    reason: at-risk VIP customers get retention outreach
`

const testPolicies = `
version: "1"
policies:
  - name: retention-pii-read
    agent: retention-specialist
    resource: "*"
    action: read
    conditions:
      session_match: true
      max_context_age: 15m
`

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	rules, err := ParseRuleSet([]byte(testRules))
	require.NoError(t, err)
	policies, err := policy.ParseRuleSet([]byte(testPolicies))
	require.NoError(t, err)
	engine, err := policy.NewEngine(context.Background(), policies, policy.GateData{MaxAutoImpact: 5000})
	require.NoError(t, err)
	r, err := New(rules, engine, Config{ConfidenceFloor: 0.5, ReviewThreshold: 0.75}, zerolog.Nop())
	require.NoError(t, err)
	return r
}

func newConversation(intent string, sentiment conversation.Sentiment) *conversation.Context {
	conv := conversation.New("conv-1", conversation.Customer{
		ID:            "cust-1",
		Authenticated: true,
		SessionID:     "sess-1",
	})
	conv.SessionID = "sess-1"
	conv.AppendMessage(conversation.RoleCustomer, "I want my money back.")
	if intent != "" {
		_ = conv.SetIntent(intent)
	}
	if sentiment != "" {
		_ = conv.SetSentiment(sentiment)
	}
	return conv
}

func TestHigherPriorityRuleWins(t *testing.T) {
	r := newTestRouter(t)

	// Both the priority-10 and the priority-5 rule match; the higher
	// priority wins and angry sentiment forces review.
	conv := newConversation("refund_request", conversation.SentimentAngry)
	d, err := r.DecideHandoff(context.Background(), conv)
	require.NoError(t, err)

	assert.True(t, d.ShouldHandoff)
	assert.Equal(t, "escalation-specialist", d.TargetAgent)
	assert.Equal(t, "angry-refund-escalation", d.RuleName)
	assert.True(t, d.RequiresReview)
}

func TestLowerPriorityRuleWhenHigherDoesNotMatch(t *testing.T) {
	r := newTestRouter(t)

	conv := newConversation("refund_request", conversation.SentimentNeutral)
	d, err := r.DecideHandoff(context.Background(), conv)
	require.NoError(t, err)

	assert.True(t, d.ShouldHandoff)
	assert.Equal(t, "billing-specialist", d.TargetAgent)
}

func TestNoMatchKeepsCurrentHandler(t *testing.T) {
	r := newTestRouter(t)

	conv := newConversation("shipping_question", conversation.SentimentNeutral)
	d, err := r.DecideHandoff(context.Background(), conv)
	require.NoError(t, err)

	assert.False(t, d.ShouldHandoff)
	assert.Empty(t, d.TargetAgent)
	assert.Equal(t, 3, d.RulesEvaluated)
}

func TestSingleSignalFloorsConfidenceAndForcesReview(t *testing.T) {
	r := newTestRouter(t)

	conv := newConversation("refund_request", conversation.SentimentNeutral)
	d, err := r.DecideHandoff(context.Background(), conv)
	require.NoError(t, err)

	assert.InDelta(t, 0.5, d.Confidence, 1e-9)
	assert.True(t, d.RequiresReview)
	assert.Equal(t, 1, d.Signals)
}

func TestCorroboratingSignalsRaiseConfidence(t *testing.T) {
	r := newTestRouter(t)

	// Intent plus sentiment: two signal classes.
	conv := newConversation("refund_request", conversation.SentimentAngry)
	d, err := r.DecideHandoff(context.Background(), conv)
	require.NoError(t, err)

	assert.Equal(t, 2, d.Signals)
	assert.Greater(t, d.Confidence, 0.5)
	assert.LessOrEqual(t, d.Confidence, 1.0)
}

func TestCriticalUrgencyForcesReview(t *testing.T) {
	r := newTestRouter(t)

	conv := newConversation("refund_request", conversation.SentimentNeutral)
	require.NoError(t, conv.SetUrgency(conversation.UrgencyCritical))

	d, err := r.DecideHandoff(context.Background(), conv)
	require.NoError(t, err)
	assert.True(t, d.RequiresReview)
}

func TestPIITargetAllowedWithinWindow(t *testing.T) {
	r := newTestRouter(t)

	conv := newConversation("", "")
	conv.Customer.Tags = []string{"vip"}
	require.NoError(t, conv.SetUrgency(conversation.UrgencyHigh))

	d, err := r.DecideHandoff(context.Background(), conv)
	require.NoError(t, err)
	assert.True(t, d.ShouldHandoff)
	assert.Equal(t, "retention-specialist", d.TargetAgent)
	// PII targets always require review, even when authorized.
	assert.True(t, d.RequiresReview)
}

func TestPIISessionMismatchBlocksHandoff(t *testing.T) {
	r := newTestRouter(t)

	conv := newConversation("", "")
	conv.Customer.Tags = []string{"vip"}
	require.NoError(t, conv.SetUrgency(conversation.UrgencyHigh))
	// The conversation runs in a different session than the one bound to
	// the customer record.
	conv.SessionID = "sess-99"

	d, err := r.DecideHandoff(context.Background(), conv)
	require.NoError(t, err)
	assert.False(t, d.ShouldHandoff)
	assert.Empty(t, d.TargetAgent)
	assert.Contains(t, d.EscalationReason, "session mismatch")
}

func TestPIIDenialBlocksHandoffWithReason(t *testing.T) {
	r := newTestRouter(t)

	conv := newConversation("", "")
	conv.Customer.Tags = []string{"vip"}
	require.NoError(t, conv.SetUrgency(conversation.UrgencyHigh))
	// Stale context fails the policy's 15 minute window.
	conv.CreatedAt = time.Now().UTC().Add(-time.Hour)

	d, err := r.DecideHandoff(context.Background(), conv)
	require.NoError(t, err)
	assert.False(t, d.ShouldHandoff)
	assert.Empty(t, d.TargetAgent)
	assert.Contains(t, d.EscalationReason, "context age")
}

func TestGetRecommendedAgent(t *testing.T) {
	r := newTestRouter(t)

	assert.Equal(t, "escalation-specialist", r.GetRecommendedAgent("refund_request"))
	assert.Empty(t, r.GetRecommendedAgent("unknown_intent"))
	assert.Empty(t, r.GetRecommendedAgent(""))
}

func TestHasCapability(t *testing.T) {
	r := newTestRouter(t)

	assert.True(t, r.HasCapability("billing-specialist", "invoice"))
	assert.False(t, r.HasCapability("billing-specialist", "discount"))
	assert.False(t, r.HasCapability("unknown-agent", "refund"))
}

func TestParseRuleSetValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "rules:\n  - priority: 1\n    match: {intent: x}\n    target: a\n",
			wantErr: "name must not be empty",
		},
		{
			name:    "missing target",
			yaml:    "rules:\n  - name: r1\n    priority: 1\n    match: {intent: x}\n",
			wantErr: "target must not be empty",
		},
		{
			name:    "empty condition",
			yaml:    "agents: {a: {}}\nrules:\n  - name: r1\n    priority: 1\n    match: {}\n    target: a\n",
			wantErr: "at least one match condition",
		},
		{
			name:    "unknown sentiment",
			yaml:    "agents: {a: {}}\nrules:\n  - name: r1\n    priority: 1\n    match: {sentiments: [grumpy]}\n    target: a\n",
			wantErr: "unknown sentiment",
		},
		{
			name:    "unregistered target",
			yaml:    "agents: {a: {}}\nrules:\n  - name: r1\n    priority: 1\n    match: {intent: x}\n    target: b\n",
			wantErr: "not a registered agent",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRuleSet([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestParseRuleSetSortsByPriority(t *testing.T) {
	rs, err := ParseRuleSet([]byte(testRules))
	require.NoError(t, err)
	require.Len(t, rs.Rules, 3)
	assert.Equal(t, "angry-refund-escalation", rs.Rules[0].Name)
	assert.Equal(t, "refund-to-billing", rs.Rules[1].Name)
	assert.Equal(t, "vip-retention", rs.Rules[2].Name)
}
