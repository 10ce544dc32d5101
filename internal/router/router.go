package router

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Jgorzitza/HotDash-sub021/internal/conversation"
	opscoreotel "github.com/Jgorzitza/HotDash-sub021/internal/otel"
	"github.com/Jgorzitza/HotDash-sub021/internal/policy"
)

var tracer = opscoreotel.Tracer("github.com/Jgorzitza/HotDash-sub021/internal/router")

// Config tunes confidence behavior. The floor is the confidence assigned to
// an uncorroborated single-signal match; it is configuration, not contract.
type Config struct {
	ConfidenceFloor float64
	ReviewThreshold float64
}

// Decision is the result of one routing call. It is returned, never
// persisted; the dispatch collaborator owns what happens next.
type Decision struct {
	ShouldHandoff    bool          `json:"should_handoff"`
	TargetAgent      string        `json:"target_agent,omitempty"`
	Reason           string        `json:"reason,omitempty"`
	Confidence       float64       `json:"confidence"`
	RequiresReview   bool          `json:"requires_human_review"`
	EscalationReason string        `json:"escalation_reason,omitempty"`
	RuleName         string        `json:"rule_name,omitempty"`
	RulesEvaluated   int           `json:"rules_evaluated"`
	Signals          int           `json:"signals"`
	Latency          time.Duration `json:"latency_ns"`
}

// Router evaluates the rule set against conversation contexts. Stateless per
// call: safe under unbounded parallelism across distinct conversations.
// Calls for the same conversation must be serialized by the caller.
type Router struct {
	rules  *RuleSet
	engine *policy.Engine
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time
}

// New creates a router over an immutable rule set.
func New(rules *RuleSet, engine *policy.Engine, cfg Config, log zerolog.Logger) (*Router, error) {
	if cfg.ConfidenceFloor < 0 || cfg.ConfidenceFloor > 1 {
		return nil, fmt.Errorf("confidence floor %v outside [0,1]", cfg.ConfidenceFloor)
	}
	if cfg.ReviewThreshold < cfg.ConfidenceFloor || cfg.ReviewThreshold > 1 {
		return nil, fmt.Errorf("review threshold %v outside [floor,1]", cfg.ReviewThreshold)
	}
	return &Router{
		rules:  rules,
		engine: engine,
		cfg:    cfg,
		log:    log.With().Str("component", "router").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// DecideHandoff evaluates rules in descending priority order and returns the
// decision for the first match. No match keeps the conversation with its
// current handler.
func (r *Router) DecideHandoff(ctx context.Context, conv *conversation.Context) (Decision, error) {
	ctx, span := tracer.Start(ctx, "router.decide_handoff",
		trace.WithAttributes(
			attribute.String("conversation.id", conv.ID),
			attribute.String("conversation.intent", conv.Intent),
		))
	defer span.End()

	start := r.now()
	decision := r.decide(ctx, conv)
	decision.Latency = r.now().Sub(start)

	if err := checkDecision(decision); err != nil {
		// A malformed decision is a routing bug, not a deniable request.
		span.RecordError(err)
		return Decision{}, err
	}

	r.log.Info().
		Str("conversation_id", conv.ID).
		Bool("should_handoff", decision.ShouldHandoff).
		Str("target", decision.TargetAgent).
		Float64("confidence", decision.Confidence).
		Bool("requires_review", decision.RequiresReview).
		Msg("handoff decided")

	span.SetAttributes(
		attribute.Bool("handoff.should_handoff", decision.ShouldHandoff),
		attribute.String("handoff.target", decision.TargetAgent),
		attribute.Float64("handoff.confidence", decision.Confidence),
	)
	return decision, nil
}

func (r *Router) decide(ctx context.Context, conv *conversation.Context) Decision {
	evaluated := 0
	for i := range r.rules.Rules {
		rule := &r.rules.Rules[i]
		evaluated++
		matched, signals := rule.Match.Matches(conv)
		if !matched {
			continue
		}

		confidence := r.confidence(signals)
		decision := Decision{
			ShouldHandoff:  true,
			TargetAgent:    rule.Target,
			Reason:         rule.Reason,
			Confidence:     confidence,
			RuleName:       rule.Name,
			RulesEvaluated: evaluated,
			Signals:        signals,
		}

		if confidence < r.cfg.ReviewThreshold ||
			conv.Sentiment == conversation.SentimentAngry ||
			conv.Urgency == conversation.UrgencyCritical {
			decision.RequiresReview = true
		}

		if spec, ok := r.rules.Agents[rule.Target]; ok && spec.RequiresPII {
			decision.RequiresReview = true
			// The caller side carries the conversation's own session and the
			// identity authenticated in it; the owner side carries the
			// customer record's bindings. An unauthenticated conversation
			// has no actor identity and fails closed on customer_match.
			actorCustomer := ""
			if conv.Customer.Authenticated {
				actorCustomer = conv.Customer.ID
			}
			auth := r.engine.Authorize(ctx, rule.Target, "customer-pii:"+conv.Customer.ID, "read", policy.RequestContext{
				SessionID:        conv.SessionID,
				OwnerSession:     conv.Customer.SessionID,
				CustomerID:       conv.Customer.ID,
				ActorCustomer:    actorCustomer,
				ContextCreatedAt: conv.CreatedAt,
			})
			if !auth.Allowed {
				decision.ShouldHandoff = false
				decision.TargetAgent = ""
				decision.EscalationReason = auth.Reason
			}
		}
		return decision
	}

	return Decision{
		ShouldHandoff:  false,
		Confidence:     0,
		RulesEvaluated: evaluated,
	}
}

// confidence maps corroborating signal count to [floor,1]. One signal sits
// at the floor; each additional class closes a third of the remaining gap,
// saturating at three extra signals.
func (r *Router) confidence(signals int) float64 {
	if signals < 1 {
		signals = 1
	}
	extra := signals - 1
	if extra > 3 {
		extra = 3
	}
	return r.cfg.ConfidenceFloor + (1-r.cfg.ConfidenceFloor)*float64(extra)/3
}

// checkDecision enforces the boundary invariant: a handoff always names a
// target and confidence stays in [0,1].
func checkDecision(d Decision) error {
	if d.ShouldHandoff && d.TargetAgent == "" {
		return fmt.Errorf("handoff decision without a target agent")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", d.Confidence)
	}
	return nil
}

// GetRecommendedAgent returns the highest-priority target for rules that
// match on the given intent alone, or "" when none do. Pure lookup; no
// conditions beyond intent are considered.
func (r *Router) GetRecommendedAgent(intent string) string {
	if intent == "" {
		return ""
	}
	for i := range r.rules.Rules {
		if r.rules.Rules[i].Match.Intent == intent {
			return r.rules.Rules[i].Target
		}
	}
	return ""
}

// HasCapability reports whether the registered agent supports a capability.
func (r *Router) HasCapability(agentID, capability string) bool {
	spec, ok := r.rules.Agents[agentID]
	if !ok {
		return false
	}
	for _, c := range spec.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
