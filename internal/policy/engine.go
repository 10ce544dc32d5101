package policy

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	opscoreotel "github.com/Jgorzitza/HotDash-sub021/internal/otel"
)

var tracer = opscoreotel.Tracer("github.com/Jgorzitza/HotDash-sub021/internal/policy")

//go:embed rego/*.rego
var embeddedGates embed.FS

// regoGate maps a Rego file to the OPA query used to extract deny messages.
type regoGate struct {
	file  string
	query string
}

// allGates defines the embedded Rego gate files and the query path for each.
var allGates = []regoGate{
	{file: "rego/execution_gate.rego", query: "data.opscore.policy.execution_gate.deny"},
}

// Decision is the result of an ABAC authorization check. Denial is an
// expected outcome, not an error: callers branch on Allowed and surface
// Reason verbatim for the audit trail.
type Decision struct {
	Allowed     bool      `json:"allowed"`
	Reason      string    `json:"reason"`
	PolicyName  string    `json:"policy_name,omitempty"`
	RuleVersion string    `json:"rule_version"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// GateDecision is the result of an execution-gate evaluation. Reasons hold
// the full set of deny messages from the Rego policy.
type GateDecision struct {
	Allowed     bool     `json:"allowed"`
	Reasons     []string `json:"reasons,omitempty"`
	RuleVersion string   `json:"rule_version"`
}

// RequestContext carries the runtime attributes conditions are checked
// against. Missing fields fail their conditions: the engine never fails open
// on malformed input.
type RequestContext struct {
	SessionID        string    // session presented by the caller
	OwnerSession     string    // session bound to the resource owner
	CustomerID       string    // customer the resource belongs to
	ActorCustomer    string    // customer identifier of the acting principal
	ContextCreatedAt time.Time // when the conversation context was established
}

// GateData is the static data available to the Rego execution gates.
type GateData struct {
	MaxAutoImpact float64
}

// Engine evaluates ABAC policies and Rego execution gates. The rule set is
// immutable after construction, so concurrent reads need no locking.
type Engine struct {
	rules    *RuleSet
	prepared map[string]rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with precompiled Rego gates. GateData is
// serialized into the OPA store as data.policy.*.
func NewEngine(ctx context.Context, rules *RuleSet, gateData GateData) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "policy.engine.new")
	defer span.End()

	opaData := map[string]interface{}{
		"policy": map[string]interface{}{
			"execution": map[string]interface{}{
				"max_auto_impact": gateData.MaxAutoImpact,
			},
		},
	}

	prepared := make(map[string]rego.PreparedEvalQuery, len(allGates))
	for _, g := range allGates {
		content, err := embeddedGates.ReadFile(g.file)
		if err != nil {
			return nil, fmt.Errorf("reading embedded gate %s: %w", g.file, err)
		}

		r := rego.New(
			rego.Query(g.query),
			rego.Module(g.file, string(content)),
			rego.Store(inmem.NewFromObject(opaData)),
		)

		pq, err := r.PrepareForEval(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("preparing Rego gate %s: %w", g.file, err)
		}
		prepared[g.file] = pq
	}

	span.SetAttributes(attribute.Int("policy.prepared_count", len(prepared)))

	return &Engine{rules: rules, prepared: prepared}, nil
}

// Rules returns the immutable rule set the engine was built with.
func (e *Engine) Rules() *RuleSet { return e.rules }

// Authorize evaluates the first matching ABAC policy for the
// (agent, resource, action) triple against the supplied request context.
// No matching policy means deny; the engine is fail-closed. Each failing
// condition denies with a specific reason recorded for audit. Authorize has
// no side effects; the caller persists the audit entry.
func (e *Engine) Authorize(ctx context.Context, agent, resource, action string, rc RequestContext) Decision {
	_, span := tracer.Start(ctx, "policy.authorize",
		trace.WithAttributes(
			attribute.String("policy.agent", agent),
			attribute.String("policy.resource", resource),
			attribute.String("policy.action", action),
		))
	defer span.End()

	decision := e.authorize(agent, resource, action, rc, time.Now().UTC())

	span.SetAttributes(
		attribute.Bool("policy.allowed", decision.Allowed),
		attribute.String("policy.reason", decision.Reason),
	)
	return decision
}

// authorize is the pure evaluation core, separated so tests can pin "now".
func (e *Engine) authorize(agent, resource, action string, rc RequestContext, now time.Time) Decision {
	deny := func(name, reason string) Decision {
		return Decision{
			Allowed:     false,
			Reason:      reason,
			PolicyName:  name,
			RuleVersion: e.rules.VersionTag,
			EvaluatedAt: now,
		}
	}

	if agent == "" || resource == "" || action == "" {
		return deny("", "agent, resource, and action must be supplied")
	}

	var matched *ABACPolicy
	for i := range e.rules.Policies {
		if e.rules.Policies[i].matches(agent, resource, action) {
			matched = &e.rules.Policies[i]
			break
		}
	}
	if matched == nil {
		return deny("", fmt.Sprintf("no policy matches (%s, %s, %s); default deny", agent, resource, action))
	}

	cond := matched.Conditions
	if cond.SessionMatch {
		if rc.SessionID == "" || rc.OwnerSession == "" {
			return deny(matched.Name, "session match required but a session identifier is missing")
		}
		if rc.SessionID != rc.OwnerSession {
			return deny(matched.Name, fmt.Sprintf(
				"session mismatch: caller session %q does not match resource owner session %q",
				rc.SessionID, rc.OwnerSession))
		}
	}
	if cond.CustomerMatch {
		if rc.ActorCustomer == "" || rc.CustomerID == "" {
			return deny(matched.Name, "customer match required but a customer identifier is missing")
		}
		if rc.ActorCustomer != rc.CustomerID {
			return deny(matched.Name, fmt.Sprintf(
				"customer mismatch: actor customer %q does not match resource customer %q",
				rc.ActorCustomer, rc.CustomerID))
		}
	}
	if window := cond.MaxContextAge.Std(); window > 0 {
		if rc.ContextCreatedAt.IsZero() {
			return deny(matched.Name, "context age window required but context creation time is missing")
		}
		if age := now.Sub(rc.ContextCreatedAt); age > window {
			return deny(matched.Name, fmt.Sprintf(
				"context age %s exceeds the allowed window %s", age.Round(time.Second), window))
		}
	}

	return Decision{
		Allowed:     true,
		Reason:      fmt.Sprintf("matched policy %q", matched.Name),
		PolicyName:  matched.Name,
		RuleVersion: e.rules.VersionTag,
		EvaluatedAt: now,
	}
}

// ExecutionGateInput describes an approved action about to be executed.
// HumanConfirmed marks an execution the operator performed by hand; it
// waives only the can_execute denial, never the other gate conditions.
type ExecutionGateInput struct {
	RiskTier            string  `json:"risk_tier"`
	CanExecute          bool    `json:"can_execute"`
	HumanConfirmed      bool    `json:"human_confirmed"`
	RollbackPlan        string  `json:"rollback_plan"`
	AuthorizeRecorded   bool    `json:"authorize_recorded"`
	ExpectedImpactDelta float64 `json:"expected_impact_delta"`
}

// EvaluateExecutionGate runs the Rego execution gate against the given
// action attributes. Any deny message blocks execution.
func (e *Engine) EvaluateExecutionGate(ctx context.Context, input ExecutionGateInput) (*GateDecision, error) {
	ctx, span := tracer.Start(ctx, "policy.evaluate_execution_gate",
		trace.WithAttributes(
			attribute.String("action.risk_tier", input.RiskTier),
			attribute.Bool("action.can_execute", input.CanExecute),
		))
	defer span.End()

	reasons, err := e.evaluateDenyGate(ctx, "rego/execution_gate.rego", map[string]interface{}{
		"risk_tier":             input.RiskTier,
		"can_execute":           input.CanExecute,
		"human_confirmed":       input.HumanConfirmed,
		"rollback_plan":         input.RollbackPlan,
		"authorize_recorded":    input.AuthorizeRecorded,
		"expected_impact_delta": input.ExpectedImpactDelta,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	decision := &GateDecision{
		Allowed:     len(reasons) == 0,
		Reasons:     reasons,
		RuleVersion: e.rules.VersionTag,
	}

	span.SetAttributes(
		attribute.Bool("policy.allowed", decision.Allowed),
		attribute.Int("policy.deny_reasons", len(decision.Reasons)),
	)
	if decision.Allowed {
		span.SetStatus(codes.Ok, "execution gate passed")
	}
	return decision, nil
}

// evaluateDenyGate runs a single prepared Rego gate that produces a set of
// deny reason strings.
func (e *Engine) evaluateDenyGate(ctx context.Context, file string, input map[string]interface{}) ([]string, error) {
	pq, ok := e.prepared[file]
	if !ok {
		return nil, fmt.Errorf("gate %s not prepared", file)
	}

	results, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating %s: %w", file, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	// Querying "data.xxx.deny" yields a set of strings; OPA returns it as
	// []interface{} or, occasionally, map[string]interface{}.
	var reasons []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	case map[string]interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	}
	return reasons, nil
}
