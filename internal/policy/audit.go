package policy

import (
	"time"

	"github.com/google/uuid"
)

// AuditEntry is the record of one authorization decision. Construction is
// pure data assembly with no I/O. The caller forwards the entry to the audit
// trail collaborator (internal/audit).
type AuditEntry struct {
	ID          string    `json:"id"`
	Agent       string    `json:"agent"`
	Action      string    `json:"action"`
	ResourceRef string    `json:"resource_ref"`
	Allowed     bool      `json:"allowed"`
	Reason      string    `json:"reason"`
	PolicyName  string    `json:"policy_name,omitempty"`
	RuleVersion string    `json:"rule_version"`
	Timestamp   time.Time `json:"timestamp"`
}

// CreateAuditEntry builds an audit entry for a decision at the given time.
func CreateAuditEntry(agent, action, resourceRef string, decision Decision, timestamp time.Time) AuditEntry {
	return AuditEntry{
		ID:          uuid.NewString(),
		Agent:       agent,
		Action:      action,
		ResourceRef: resourceRef,
		Allowed:     decision.Allowed,
		Reason:      decision.Reason,
		PolicyName:  decision.PolicyName,
		RuleVersion: decision.RuleVersion,
		Timestamp:   timestamp,
	}
}
