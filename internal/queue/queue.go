package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Jgorzitza/HotDash-sub021/internal/policy"
)

// AuditSink receives decision records for the tamper-evident trail. The
// queue constructs entries; the sink signs and persists them.
type AuditSink interface {
	Append(ctx context.Context, subject, correlationID string, entry policy.AuditEntry) error
}

// Config tunes queue behavior.
type Config struct {
	// ArchiveAfter is how long a pending item may sit unreviewed before the
	// sweeper archives it.
	ArchiveAfter time.Duration
}

// Queue coordinates submissions, ranking, the review lifecycle, and
// execution gating over the persistent store.
type Queue struct {
	store  *Store
	engine *policy.Engine
	audit  AuditSink
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time
}

// New creates a queue. The audit sink may be nil in tests that do not
// assert on the trail.
func New(store *Store, engine *policy.Engine, audit AuditSink, cfg Config, log zerolog.Logger) *Queue {
	if cfg.ArchiveAfter <= 0 {
		cfg.ArchiveAfter = 30 * 24 * time.Hour
	}
	return &Queue{
		store:  store,
		engine: engine,
		audit:  audit,
		cfg:    cfg,
		log:    log.With().Str("component", "queue").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates a proposed action and enqueues it as pending. The queue
// assigns the identifier, status, and submission time; producer-supplied
// values for those fields are ignored. Invalid submissions are rejected
// whole with a field-keyed ValidationError.
func (q *Queue) Submit(ctx context.Context, it Item) (*Item, error) {
	ctx, span := tracer.Start(ctx, "queue.submit",
		trace.WithAttributes(
			attribute.String("action.agent", it.Agent),
			attribute.String("action.type", it.Type),
		))
	defer span.End()

	it.Freshness = ParseFreshness(string(it.Freshness))
	if err := it.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	it.ID = uuid.NewString()
	it.Status = StatusPending
	it.CreatedAt = q.now()
	it.AuthorizeRecorded = false
	it.AuthorizedAt = nil
	it.Realized = nil
	it.ArchivedAt = nil

	if err := q.store.Insert(ctx, &it); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	q.log.Info().
		Str("action_id", it.ID).
		Str("agent", it.Agent).
		Str("type", it.Type).
		Float64("score", Score(&it)).
		Msg("action submitted")

	span.SetAttributes(attribute.String("action.id", it.ID))
	return &it, nil
}

// TopActions returns pending items ranked by score, highest first, limited
// to n (n <= 0 means all). Scores are computed at call time so weight
// changes never require a migration.
func (q *Queue) TopActions(ctx context.Context, n int) ([]Ranked, error) {
	ctx, span := tracer.Start(ctx, "queue.top_actions",
		trace.WithAttributes(attribute.Int("queue.limit", n)))
	defer span.End()

	pending, err := q.store.ListByStatus(ctx, StatusPending)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	ranked := Rank(pending)
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	span.SetAttributes(attribute.Int("queue.returned", len(ranked)))
	return ranked, nil
}

// Get returns a single item by identifier.
func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	return q.store.Get(ctx, id)
}

// Approve moves a pending item to approved. Exactly one of two concurrent
// reviewers wins; the other receives a ConflictError naming the current
// status.
func (q *Queue) Approve(ctx context.Context, id, reviewer string) (*Item, error) {
	return q.decide(ctx, id, reviewer, StatusApproved)
}

// Reject moves a pending item to rejected. Rejected is terminal; a
// corrective proposal is a new submission linked via SupersedesID.
func (q *Queue) Reject(ctx context.Context, id, reviewer string) (*Item, error) {
	return q.decide(ctx, id, reviewer, StatusRejected)
}

func (q *Queue) decide(ctx context.Context, id, reviewer string, to Status) (*Item, error) {
	ctx, span := tracer.Start(ctx, "queue.decide",
		trace.WithAttributes(
			attribute.String("action.id", id),
			attribute.String("action.decision", string(to)),
		))
	defer span.End()

	it, err := q.store.Transition(ctx, id, StatusPending, to, nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := q.store.BumpDecision(ctx, it.Agent, to == StatusApproved); err != nil {
		q.log.Warn().Err(err).Str("agent", it.Agent).Msg("producer stats update failed")
	}
	q.recordTransition(ctx, it, reviewer, string(to), fmt.Sprintf("reviewed by %s", reviewer), to == StatusApproved)

	q.log.Info().
		Str("action_id", id).
		Str("reviewer", reviewer).
		Str("status", string(to)).
		Msg("action reviewed")
	return it, nil
}

// Execute moves an approved item to executed after the Rego execution gate
// passes. A gate denial leaves the item approved and returns a
// GateDeniedError carrying every deny reason.
func (q *Queue) Execute(ctx context.Context, id, operator string) (*Item, error) {
	return q.execute(ctx, id, operator, false)
}

// ExecuteManual records an execution the operator carried out by hand.
// Items submitted with can_execute=false can only leave approved through
// this path; every other gate condition still applies.
func (q *Queue) ExecuteManual(ctx context.Context, id, operator string) (*Item, error) {
	return q.execute(ctx, id, operator, true)
}

func (q *Queue) execute(ctx context.Context, id, operator string, humanConfirmed bool) (*Item, error) {
	ctx, span := tracer.Start(ctx, "queue.execute",
		trace.WithAttributes(
			attribute.String("action.id", id),
			attribute.Bool("action.human_confirmed", humanConfirmed),
		))
	defer span.End()

	it, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.Status != StatusApproved {
		return nil, &ConflictError{ID: id, Current: it.Status, Attempted: StatusExecuted}
	}

	gate, err := q.engine.EvaluateExecutionGate(ctx, policy.ExecutionGateInput{
		RiskTier:            string(it.RiskTier),
		CanExecute:          it.CanExecute,
		HumanConfirmed:      humanConfirmed,
		RollbackPlan:        it.RollbackPlan,
		AuthorizeRecorded:   it.AuthorizeRecorded,
		ExpectedImpactDelta: it.Impact.Delta,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("evaluating execution gate: %w", err)
	}
	if !gate.Allowed {
		denied := &GateDeniedError{ID: id, Reasons: gate.Reasons}
		q.recordTransition(ctx, it, operator, "execute", denied.Error(), false)
		q.log.Warn().
			Str("action_id", id).
			Strs("reasons", gate.Reasons).
			Msg("execution blocked by policy gate")
		span.SetStatus(codes.Error, denied.Error())
		return nil, denied
	}

	it, err = q.store.Transition(ctx, id, StatusApproved, StatusExecuted, nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := q.store.BumpExecuted(ctx, it.Agent); err != nil {
		q.log.Warn().Err(err).Str("agent", it.Agent).Msg("producer stats update failed")
	}
	reason := "execution gate passed"
	if humanConfirmed {
		reason = "manual execution confirmed by operator"
	}
	q.recordTransition(ctx, it, operator, "execute", reason, true)

	q.log.Info().
		Str("action_id", id).
		Str("operator", operator).
		Bool("manual", humanConfirmed).
		Msg("action executed")
	return it, nil
}

// RecordAuthorization consults the policy engine for the item's target and,
// when allowed, stamps the recorded approval required by the policy-tier
// execution gate. The decision is appended to the audit trail either way.
func (q *Queue) RecordAuthorization(ctx context.Context, id string, rc policy.RequestContext) (*Item, policy.Decision, error) {
	ctx, span := tracer.Start(ctx, "queue.record_authorization",
		trace.WithAttributes(attribute.String("action.id", id)))
	defer span.End()

	it, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, policy.Decision{}, err
	}

	decision := q.engine.Authorize(ctx, it.Agent, it.Target, it.Type, rc)
	entry := policy.CreateAuditEntry(it.Agent, it.Type, it.Target, decision, q.now())
	q.appendAudit(ctx, "authorize", it.ID, entry)

	if !decision.Allowed {
		span.SetAttributes(attribute.Bool("policy.allowed", false))
		return it, decision, nil
	}

	now := q.now()
	for attempt := 0; ; attempt++ {
		it.AuthorizeRecorded = true
		it.AuthorizedAt = &now
		err = q.store.Update(ctx, it)
		if err == nil {
			break
		}
		var conflict *ConflictError
		if attempt >= 2 || !errors.As(err, &conflict) {
			return nil, decision, err
		}
		// A reviewer transitioned the item between the read and the write.
		// The stamp composes with any status, so re-read and apply it to the
		// current revision instead of clobbering the transition.
		if it, err = q.store.Get(ctx, id); err != nil {
			return nil, decision, err
		}
	}
	span.SetAttributes(attribute.Bool("policy.allowed", true))
	return it, decision, nil
}

// RecordOutcome attaches realized results to an executed item and folds the
// execution counts into the producer's reliability tally.
func (q *Queue) RecordOutcome(ctx context.Context, id string, outcome Outcome) (*Item, error) {
	ctx, span := tracer.Start(ctx, "queue.record_outcome",
		trace.WithAttributes(attribute.String("action.id", id)))
	defer span.End()

	it, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.Status != StatusExecuted {
		return nil, &ConflictError{ID: id, Current: it.Status, Attempted: StatusExecuted}
	}

	it.Realized = &outcome
	if err := q.store.Update(ctx, it); err != nil {
		return nil, err
	}

	// Realized ROI compares the 28 day revenue against the expected impact.
	roi := 0.0
	if it.Impact.Delta > 0 {
		roi = outcome.Revenue28d / it.Impact.Delta
	}
	if err := q.store.RecordOutcomeStats(ctx, it.Agent, outcome, roi); err != nil {
		q.log.Warn().Err(err).Str("agent", it.Agent).Msg("producer stats update failed")
	}

	q.log.Info().
		Str("action_id", id).
		Int("executions", outcome.Executions).
		Int("successes", outcome.Successes).
		Float64("realized_roi", roi).
		Msg("outcome recorded")
	return it, nil
}

// Reliability returns the approval rate of an agent's reviewed submissions.
func (q *Queue) Reliability(ctx context.Context, agent string) (float64, error) {
	stats, err := q.store.Stats(ctx, agent)
	if err != nil {
		return 0, err
	}
	return stats.Reliability(), nil
}

// ProducerStats returns the full tally for every producer.
func (q *Queue) ProducerStats(ctx context.Context) ([]ProducerStats, error) {
	return q.store.AllStats(ctx)
}

// ArchiveStale archives pending items older than the configured window.
// Called by the scheduler; safe to invoke manually.
func (q *Queue) ArchiveStale(ctx context.Context) (int64, error) {
	now := q.now()
	archived, err := q.store.ArchiveOlderThan(ctx, now.Add(-q.cfg.ArchiveAfter), now)
	if err != nil {
		return 0, err
	}
	if archived > 0 {
		q.log.Info().Int64("archived", archived).Msg("stale pending actions archived")
	}
	return archived, nil
}

// RecomputeReliability snapshots every producer's tally and logs the derived
// reliability and rolling realized ROI so drifting agents show up in the
// operational logs between dashboard visits. Returns the number of producers
// inspected. Called by the scheduler; safe to invoke manually.
func (q *Queue) RecomputeReliability(ctx context.Context) (int, error) {
	stats, err := q.store.AllStats(ctx)
	if err != nil {
		return 0, err
	}
	for _, st := range stats {
		q.log.Info().
			Str("agent", st.Agent).
			Int("submitted", st.Submitted).
			Int("approved", st.Approved).
			Int("rejected", st.Rejected).
			Float64("reliability", st.Reliability()).
			Float64("avg_realized_roi", st.AvgRealizedROI).
			Msg("producer reliability recomputed")
	}
	return len(stats), nil
}

// recordTransition appends a lifecycle event to the audit trail.
func (q *Queue) recordTransition(ctx context.Context, it *Item, actor, action, reason string, allowed bool) {
	entry := policy.CreateAuditEntry(actor, action, "action:"+it.ID, policy.Decision{
		Allowed:     allowed,
		Reason:      reason,
		RuleVersion: q.engine.Rules().VersionTag,
		EvaluatedAt: q.now(),
	}, q.now())
	q.appendAudit(ctx, "transition", it.ID, entry)
}

func (q *Queue) appendAudit(ctx context.Context, subject, correlationID string, entry policy.AuditEntry) {
	if q.audit == nil {
		return
	}
	if err := q.audit.Append(ctx, subject, correlationID, entry); err != nil {
		q.log.Error().Err(err).Str("subject", subject).Msg("audit append failed")
	}
}
