//go:build integration
// +build integration

package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jgorzitza/HotDash-sub021/internal/conversation"
	"github.com/Jgorzitza/HotDash-sub021/internal/policy"
	"github.com/Jgorzitza/HotDash-sub021/internal/queue"
	"github.com/Jgorzitza/HotDash-sub021/internal/redact"
	"github.com/Jgorzitza/HotDash-sub021/internal/testutil"
)

// TestFullFlow drives one conversation through the whole decision core:
// routing, a proposed action, review, gated execution, and the audit trail.
func TestFullFlow(t *testing.T) {
	ctx := context.Background()

	engine := testutil.NewTestEngine(t, 5000)
	auditStore := testutil.NewTestAuditStore(t)
	q := testutil.NewTestQueue(t, engine, auditStore)
	rt := testutil.NewTestRouter(t, engine)

	var actionID string

	t.Run("route", func(t *testing.T) {
		conv := conversation.New("conv-1", conversation.Customer{
			ID:            "cust-1",
			Authenticated: true,
			SessionID:     "sess-1",
		})
		conv.AppendMessage(conversation.RoleCustomer, "I was charged twice, refund me now!")
		require.NoError(t, conv.SetIntent("refund_request"))
		require.NoError(t, conv.SetSentiment(conversation.SentimentAngry))

		d, err := rt.DecideHandoff(ctx, conv)
		require.NoError(t, err)
		assert.True(t, d.ShouldHandoff)
		assert.Equal(t, "escalation-specialist", d.TargetAgent)
		assert.True(t, d.RequiresReview)
	})

	t.Run("redact_draft", func(t *testing.T) {
		draft := "Refund approved for jane.doe@example.com, call +491701234567 if it bounces."
		redacted := redact.Apply(draft, redact.AllRules())
		assert.NotContains(t, redacted, "jane.doe@example.com")
		assert.NotContains(t, redacted, "+491701234567")
		assert.Equal(t, redacted, redact.Apply(redacted, redact.AllRules()))
	})

	t.Run("submit", func(t *testing.T) {
		it := testutil.ValidSubmission()
		it.Agent = "escalation-specialist"
		it.Type = "refund"
		it.Target = "order:ord-77"
		it.RiskTier = queue.RiskPolicy
		it.Impact.Delta = 120

		stored, err := q.Submit(ctx, it)
		require.NoError(t, err)
		actionID = stored.ID

		top, err := q.TopActions(ctx, 10)
		require.NoError(t, err)
		require.Len(t, top, 1)
		assert.Equal(t, actionID, top[0].Item.ID)
	})

	t.Run("approve", func(t *testing.T) {
		it, err := q.Approve(ctx, actionID, "reviewer-1")
		require.NoError(t, err)
		assert.Equal(t, queue.StatusApproved, it.Status)
	})

	t.Run("execute_denied_without_authorization", func(t *testing.T) {
		_, err := q.Execute(ctx, actionID, "operator-1")
		var denied *queue.GateDeniedError
		require.ErrorAs(t, err, &denied)
		assert.NotEmpty(t, denied.Reasons)
	})

	t.Run("record_authorization", func(t *testing.T) {
		it, decision, err := q.RecordAuthorization(ctx, actionID, policy.RequestContext{
			SessionID:        "sess-1",
			OwnerSession:     "sess-1",
			ContextCreatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.True(t, it.AuthorizeRecorded)
	})

	t.Run("execute", func(t *testing.T) {
		it, err := q.Execute(ctx, actionID, "operator-1")
		require.NoError(t, err)
		assert.Equal(t, queue.StatusExecuted, it.Status)
	})

	t.Run("outcome", func(t *testing.T) {
		it, err := q.RecordOutcome(ctx, actionID, queue.Outcome{
			Revenue7d:  120,
			Executions: 1,
			Successes:  1,
		})
		require.NoError(t, err)
		require.NotNil(t, it.Realized)

		reliability, err := q.Reliability(ctx, "escalation-specialist")
		require.NoError(t, err)
		assert.InDelta(t, 1.0, reliability, 1e-9)
	})

	t.Run("audit_trail", func(t *testing.T) {
		records, err := auditStore.List(ctx, "", time.Time{}, time.Time{}, 0)
		require.NoError(t, err)
		require.NotEmpty(t, records)

		// Every record verifies against its signature.
		for _, rec := range records {
			ok, err := auditStore.Verify(ctx, rec.ID)
			require.NoError(t, err)
			assert.True(t, ok, "record %s failed verification", rec.ID)
		}
	})
}

// TestPolicyTierNeverExecutesUnauthorized holds the lifecycle invariant
// under direct transition attempts.
func TestPolicyTierNeverExecutesUnauthorized(t *testing.T) {
	ctx := context.Background()
	engine := testutil.NewTestEngine(t, 5000)
	q := testutil.NewTestQueue(t, engine, nil)

	it := testutil.ValidSubmission()
	it.RiskTier = queue.RiskPolicy
	stored, err := q.Submit(ctx, it)
	require.NoError(t, err)

	// pending -> executed is not a legal transition at all.
	_, err = q.Execute(ctx, stored.ID, "operator-1")
	var conflict *queue.ConflictError
	require.True(t, errors.As(err, &conflict))

	_, err = q.Approve(ctx, stored.ID, "reviewer-1")
	require.NoError(t, err)

	// approved -> executed is blocked by the gate until authorization lands.
	_, err = q.Execute(ctx, stored.ID, "operator-1")
	var denied *queue.GateDeniedError
	require.True(t, errors.As(err, &denied))

	current, err := q.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusApproved, current.Status)
}
