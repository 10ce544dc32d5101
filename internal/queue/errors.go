package queue

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned for operations referencing an unknown action.
var ErrNotFound = errors.New("action not found")

// ValidationError reports the specific fields that failed submission
// validation. Submissions are rejected whole; no partial writes occur.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, k := range sortedKeys(e.Fields) {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "invalid submission: " + strings.Join(parts, "; ")
}

// ConflictError reports an illegal lifecycle transition, naming both the
// current and the attempted state so the caller can refresh or abort.
type ConflictError struct {
	ID        string
	Current   Status
	Attempted Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("illegal transition for action %s: current status %q, attempted %q",
		e.ID, e.Current, e.Attempted)
}

// GateDeniedError reports an execution blocked by the policy gate. Reasons
// are surfaced verbatim as part of the audit trail.
type GateDeniedError struct {
	ID      string
	Reasons []string
}

func (e *GateDeniedError) Error() string {
	return fmt.Sprintf("execution of action %s denied by policy gate: %s",
		e.ID, strings.Join(e.Reasons, "; "))
}
