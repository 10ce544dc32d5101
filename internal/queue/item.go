// Package queue implements the bounded, human-reviewable queue of proposed
// actions: validation on submission, lazy score-based ranking, an approval
// lifecycle with atomic transitions, and producer reliability bookkeeping.
package queue

import (
	"sort"
	"strings"
	"time"
)

// Ease classifies how hard an action is to carry out.
type Ease string

const (
	EaseSimple Ease = "simple"
	EaseMedium Ease = "medium"
	EaseHard   Ease = "hard"
)

// Valid reports whether e is a known ease level.
func (e Ease) Valid() bool {
	switch e {
	case EaseSimple, EaseMedium, EaseHard:
		return true
	}
	return false
}

// RiskTier classifies how much scrutiny an action requires before
// execution, ordered from lowest to highest.
type RiskTier string

const (
	RiskNone   RiskTier = "none"
	RiskPerf   RiskTier = "perf"
	RiskSafety RiskTier = "safety"
	RiskPolicy RiskTier = "policy"
)

// Valid reports whether r is a known risk tier.
func (r RiskTier) Valid() bool {
	switch r {
	case RiskNone, RiskPerf, RiskSafety, RiskPolicy:
		return true
	}
	return false
}

// scrutiny returns the ordering rank of the tier (none=0 .. policy=3).
func (r RiskTier) scrutiny() int {
	switch r {
	case RiskNone:
		return 0
	case RiskPerf:
		return 1
	case RiskSafety:
		return 2
	case RiskPolicy:
		return 3
	}
	return 3 // unknown tiers get maximum scrutiny
}

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExecuted Status = "executed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusExecuted:
		return true
	}
	return false
}

// Freshness labels how recent the evidence behind an action is.
type Freshness string

const (
	FreshnessRealTime Freshness = "real-time"
	Freshness24h      Freshness = "24h"
	Freshness48To72h  Freshness = "48-72h"
	FreshnessStale    Freshness = "stale"
)

// ParseFreshness normalizes a label ("Real-time", "REAL-TIME") to its
// canonical form. Unknown labels are returned unchanged and fail Valid.
func ParseFreshness(label string) Freshness {
	return Freshness(strings.ToLower(strings.TrimSpace(label)))
}

// Valid reports whether f is a known freshness label.
func (f Freshness) Valid() bool {
	switch f {
	case FreshnessRealTime, Freshness24h, Freshness48To72h, FreshnessStale:
		return true
	}
	return false
}

// rank returns the recency ordering of the label (real-time=0 .. stale=3).
func (f Freshness) rank() int {
	switch f {
	case FreshnessRealTime:
		return 0
	case Freshness24h:
		return 1
	case Freshness48To72h:
		return 2
	case FreshnessStale:
		return 3
	}
	return 3
}

// Impact is the expected business effect of an action.
type Impact struct {
	Metric string  `json:"metric"`
	Delta  float64 `json:"delta"`
	Unit   string  `json:"unit"`
}

// Outcome holds realized results reported after execution by the external
// measurement collaborator.
type Outcome struct {
	Revenue7d  float64 `json:"revenue_7d"`
	Revenue14d float64 `json:"revenue_14d"`
	Revenue28d float64 `json:"revenue_28d"`
	Executions int     `json:"executions"`
	Successes  int     `json:"successes"`
}

// Item is one proposed action awaiting human review. After submission the
// producer never mutates the item; all changes flow through the queue's
// transition and outcome operations.
type Item struct {
	ID           string    `json:"id"`
	Agent        string    `json:"agent"`
	Type         string    `json:"type"`
	Target       string    `json:"target"`
	Draft        string    `json:"draft"`
	Evidence     []string  `json:"evidence"`
	Impact       Impact    `json:"expected_impact"`
	Confidence   float64   `json:"confidence"`
	Ease         Ease      `json:"ease"`
	RiskTier     RiskTier  `json:"risk_tier"`
	CanExecute   bool      `json:"can_execute"`
	RollbackPlan string    `json:"rollback_plan"`
	Freshness    Freshness `json:"freshness_label"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`

	// AuthorizeRecorded marks a recorded policy-engine approval for
	// policy-tier execution gating.
	AuthorizeRecorded bool       `json:"authorize_recorded,omitempty"`
	AuthorizedAt      *time.Time `json:"authorized_at,omitempty"`

	// SupersedesID links a corrective resubmission to the item it replaces.
	SupersedesID string `json:"supersedes_id,omitempty"`

	Realized   *Outcome   `json:"realized,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`

	// revision is the store's optimistic concurrency counter, carried on
	// reads so writes can compare-and-set. It never travels in item_json.
	revision int64
}

// Validate checks every submission invariant and reports all violations at
// once, keyed by field.
func (it *Item) Validate() error {
	fields := make(map[string]string)

	if it.Agent == "" {
		fields["agent"] = "must not be empty"
	}
	if it.Type == "" {
		fields["type"] = "must not be empty"
	}
	if it.Target == "" {
		fields["target"] = "must not be empty"
	}
	if it.Draft == "" {
		fields["draft"] = "must not be empty"
	}
	if len(it.Evidence) == 0 {
		fields["evidence"] = "at least one evidence reference is required"
	}
	if it.Confidence < 0 || it.Confidence > 1 {
		fields["confidence"] = "must be within [0,1]"
	}
	if !it.Ease.Valid() {
		fields["ease"] = "must be one of simple, medium, hard"
	}
	if !it.RiskTier.Valid() {
		fields["risk_tier"] = "must be one of none, perf, safety, policy"
	}
	if it.RollbackPlan == "" {
		fields["rollback_plan"] = "must not be empty"
	}
	if !it.Freshness.Valid() {
		fields["freshness_label"] = "must be one of real-time, 24h, 48-72h, stale"
	}

	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

// sortedKeys returns map keys in deterministic order for error messages.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
