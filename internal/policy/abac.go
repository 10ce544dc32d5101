// Package policy implements the attribute-based access control engine and
// the OPA-backed execution gates consulted by the handoff router and the
// action queue. The ABAC rule set is process-wide configuration: loaded once
// at startup, read-only thereafter.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML fields written as "15m" or "2h".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Conditions are the boolean attribute checks a matching policy imposes.
// Zero-valued fields impose no check.
type Conditions struct {
	// SessionMatch requires the caller's session identifier to equal the
	// resource owner's session identifier.
	SessionMatch bool `yaml:"session_match,omitempty"`
	// CustomerMatch requires the acting principal's customer identifier to
	// equal the customer the resource belongs to.
	CustomerMatch bool `yaml:"customer_match,omitempty"`
	// MaxContextAge bounds the elapsed time since the conversation context
	// was established.
	MaxContextAge Duration `yaml:"max_context_age,omitempty"`
}

// ABACPolicy is a single static authorization rule for an
// (agent, resource, action) triple. "*" matches any value.
type ABACPolicy struct {
	Name       string     `yaml:"name"`
	Agent      string     `yaml:"agent"`
	Resource   string     `yaml:"resource"`
	Action     string     `yaml:"action"`
	Conditions Conditions `yaml:"conditions,omitempty"`
}

// matches reports whether the policy applies to the given triple.
func (p *ABACPolicy) matches(agent, resource, action string) bool {
	return matchField(p.Agent, agent) &&
		matchField(p.Resource, resource) &&
		matchField(p.Action, action)
}

func matchField(pattern, value string) bool {
	return pattern == "*" || pattern == value
}

// RuleSet is the full, immutable ABAC configuration for a process.
type RuleSet struct {
	Version  string       `yaml:"version"`
	Policies []ABACPolicy `yaml:"policies"`

	// Computed, not serialized.
	Hash       string `yaml:"-"`
	VersionTag string `yaml:"-"`
}

// ComputeHash records a SHA-256 hash of the raw file content and sets the
// VersionTag to "{version}:sha256:{first8chars}".
func (rs *RuleSet) ComputeHash(content []byte) {
	hash := sha256.Sum256(content)
	rs.Hash = hex.EncodeToString(hash[:])
	rs.VersionTag = fmt.Sprintf("%s:sha256:%s", rs.Version, rs.Hash[:8])
}

// LoadRuleSet reads and validates an ABAC policy file.
func LoadRuleSet(path string) (*RuleSet, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	return ParseRuleSet(content)
}

// ParseRuleSet parses and validates ABAC policy YAML content.
func ParseRuleSet(content []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(content, &rs); err != nil {
		return nil, fmt.Errorf("parsing policy file: %w", err)
	}
	if rs.Version == "" {
		rs.Version = "0"
	}
	seen := make(map[string]bool, len(rs.Policies))
	for i := range rs.Policies {
		p := &rs.Policies[i]
		if p.Name == "" {
			return nil, fmt.Errorf("policy %d: name must not be empty", i)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("policy %q: duplicate name", p.Name)
		}
		seen[p.Name] = true
		if p.Agent == "" || p.Resource == "" || p.Action == "" {
			return nil, fmt.Errorf("policy %q: agent, resource, and action must not be empty", p.Name)
		}
		if p.Conditions.MaxContextAge < 0 {
			return nil, fmt.Errorf("policy %q: max_context_age must not be negative", p.Name)
		}
	}
	rs.ComputeHash(content)
	return &rs, nil
}
