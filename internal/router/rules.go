// Package router decides whether a conversation stays with its current
// handler or transfers to a specialist. Rules are tagged predicate records
// evaluated in descending priority order; the rule set is loaded once at
// startup and read-only thereafter.
package router

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Jgorzitza/HotDash-sub021/internal/conversation"
)

// Condition is the predicate half of a handoff rule. Zero-valued fields
// impose no check; a rule with an all-zero condition matches nothing and is
// rejected at load time.
type Condition struct {
	// Intent matches the derived intent exactly.
	Intent string `yaml:"intent,omitempty"`
	// Sentiments matches when the conversation sentiment is any of these.
	Sentiments []conversation.Sentiment `yaml:"sentiments,omitempty"`
	// MinUrgency matches when the conversation urgency is at or above this.
	MinUrgency conversation.Urgency `yaml:"min_urgency,omitempty"`
	// CustomerTags matches when the customer carries any of these tags.
	CustomerTags []string `yaml:"customer_tags,omitempty"`
	// AuthenticatedOnly matches only authenticated customers.
	AuthenticatedOnly bool `yaml:"authenticated_only,omitempty"`
}

func (c *Condition) empty() bool {
	return c.Intent == "" && len(c.Sentiments) == 0 && c.MinUrgency == "" &&
		len(c.CustomerTags) == 0 && !c.AuthenticatedOnly
}

// Matches reports whether every declared check passes, along with how many
// distinct signal classes corroborated the match. Signal classes are intent,
// sentiment, urgency, and customer attributes.
func (c *Condition) Matches(ctx *conversation.Context) (bool, int) {
	signals := 0

	if c.Intent != "" {
		if ctx.Intent != c.Intent {
			return false, 0
		}
		signals++
	}
	if len(c.Sentiments) > 0 {
		matched := false
		for _, s := range c.Sentiments {
			if ctx.Sentiment == s {
				matched = true
				break
			}
		}
		if !matched {
			return false, 0
		}
		signals++
	}
	if c.MinUrgency != "" {
		if ctx.Urgency.Level() < c.MinUrgency.Level() {
			return false, 0
		}
		signals++
	}
	customerSignal := false
	if len(c.CustomerTags) > 0 {
		matched := false
		for _, want := range c.CustomerTags {
			for _, have := range ctx.Customer.Tags {
				if want == have {
					matched = true
					break
				}
			}
		}
		if !matched {
			return false, 0
		}
		customerSignal = true
	}
	if c.AuthenticatedOnly {
		if !ctx.Customer.Authenticated {
			return false, 0
		}
		customerSignal = true
	}
	if customerSignal {
		signals++
	}
	return true, signals
}

// Rule is one tagged predicate record: priority, condition, target, reason.
type Rule struct {
	Name     string    `yaml:"name"`
	Priority int       `yaml:"priority"`
	Match    Condition `yaml:"match"`
	Target   string    `yaml:"target"`
	Reason   string    `yaml:"reason"`
}

// AgentSpec declares a specialist's capabilities and whether handing off to
// it crosses the PII trust boundary.
type AgentSpec struct {
	Capabilities []string `yaml:"capabilities,omitempty"`
	RequiresPII  bool     `yaml:"requires_pii,omitempty"`
}

// RuleSet is the immutable routing configuration: rules sorted by descending
// priority plus the specialist registry.
type RuleSet struct {
	Version string               `yaml:"version"`
	Rules   []Rule               `yaml:"rules"`
	Agents  map[string]AgentSpec `yaml:"agents,omitempty"`
}

// LoadRuleSet reads and validates a routing rule file.
func LoadRuleSet(path string) (*RuleSet, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	return ParseRuleSet(content)
}

// ParseRuleSet parses and validates routing rule YAML content. Rules come
// back sorted by descending priority; equal priorities keep file order.
func ParseRuleSet(content []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(content, &rs); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}

	seen := make(map[string]bool, len(rs.Rules))
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.Name == "" {
			return nil, fmt.Errorf("rule %d: name must not be empty", i)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("rule %q: duplicate name", r.Name)
		}
		seen[r.Name] = true
		if r.Target == "" {
			return nil, fmt.Errorf("rule %q: target must not be empty", r.Name)
		}
		if r.Match.empty() {
			return nil, fmt.Errorf("rule %q: at least one match condition is required", r.Name)
		}
		if r.Match.MinUrgency != "" && !r.Match.MinUrgency.Valid() {
			return nil, fmt.Errorf("rule %q: unknown urgency %q", r.Name, r.Match.MinUrgency)
		}
		for _, s := range r.Match.Sentiments {
			if !s.Valid() {
				return nil, fmt.Errorf("rule %q: unknown sentiment %q", r.Name, s)
			}
		}
		if _, ok := rs.Agents[r.Target]; !ok && len(rs.Agents) > 0 {
			return nil, fmt.Errorf("rule %q: target %q is not a registered agent", r.Name, r.Target)
		}
	}

	sort.SliceStable(rs.Rules, func(i, j int) bool {
		return rs.Rules[i].Priority > rs.Rules[j].Priority
	})
	return &rs, nil
}
