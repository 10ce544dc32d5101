// Package conversation defines the per-conversation context consumed by the
// handoff router. A Context is owned exclusively by the conversation's
// current handler: mutation happens only through the setters below, and two
// handlers must never mutate the same conversation concurrently (the caller
// serializes calls per conversation identifier).
package conversation

import (
	"fmt"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleSystem   Role = "system"
)

// Sentiment is the derived emotional category of the conversation.
type Sentiment string

const (
	SentimentPositive   Sentiment = "positive"
	SentimentNeutral    Sentiment = "neutral"
	SentimentFrustrated Sentiment = "frustrated"
	SentimentAngry      Sentiment = "angry"
)

// Valid reports whether s is a known sentiment category.
func (s Sentiment) Valid() bool {
	switch s {
	case SentimentPositive, SentimentNeutral, SentimentFrustrated, SentimentAngry:
		return true
	}
	return false
}

// Urgency is the derived urgency of the conversation, ordered low to critical.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Valid reports whether u is a known urgency level.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// Level returns the ordering rank of the urgency (low=0 .. critical=3).
// Unknown values rank below low.
func (u Urgency) Level() int {
	switch u {
	case UrgencyLow:
		return 0
	case UrgencyMedium:
		return 1
	case UrgencyHigh:
		return 2
	case UrgencyCritical:
		return 3
	}
	return -1
}

// Message is a single entry in the conversation's append-only history.
type Message struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Customer holds the attributes of the customer behind the conversation.
type Customer struct {
	ID            string   `json:"id"`
	Tags          []string `json:"tags,omitempty"`
	Authenticated bool     `json:"authenticated"`
	SessionID     string   `json:"session_id,omitempty"`
}

// Context is the routing view of one active conversation. Message history is
// append-only; intent, sentiment, and urgency may be overwritten but never
// unset once derived.
type Context struct {
	ID string `json:"id"`

	// SessionID is the session the conversation is being handled in. It may
	// differ from the session bound to the customer record, and policy
	// checks compare the two.
	SessionID string `json:"session_id,omitempty"`

	Messages  []Message         `json:"messages"`
	Customer  Customer          `json:"customer"`
	Intent    string            `json:"intent,omitempty"`
	Sentiment Sentiment         `json:"sentiment,omitempty"`
	Urgency   Urgency           `json:"urgency,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// New creates a conversation context for the given identifier and customer.
func New(id string, customer Customer) *Context {
	now := time.Now().UTC()
	return &Context{
		ID:        id,
		Customer:  customer,
		Metadata:  make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AppendMessage adds a message to the history. History is append-only:
// there is no operation that removes or rewrites past messages.
func (c *Context) AppendMessage(role Role, text string) {
	now := time.Now().UTC()
	c.Messages = append(c.Messages, Message{Role: role, Text: text, Timestamp: now})
	c.UpdatedAt = now
}

// SetIntent overwrites the derived intent. Empty intents are rejected so a
// derived intent can never be unset.
func (c *Context) SetIntent(intent string) error {
	if intent == "" {
		return fmt.Errorf("intent must not be empty")
	}
	c.Intent = intent
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// SetSentiment overwrites the derived sentiment with a valid category.
func (c *Context) SetSentiment(s Sentiment) error {
	if !s.Valid() {
		return fmt.Errorf("unknown sentiment %q", s)
	}
	c.Sentiment = s
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// SetUrgency overwrites the derived urgency with a valid level.
func (c *Context) SetUrgency(u Urgency) error {
	if !u.Valid() {
		return fmt.Errorf("unknown urgency %q", u)
	}
	c.Urgency = u
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// SetMetadata stores a free-form metadata entry.
func (c *Context) SetMetadata(key, value string) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}
	c.Metadata[key] = value
	c.UpdatedAt = time.Now().UTC()
}

// Age returns the elapsed time since the context was established.
func (c *Context) Age(now time.Time) time.Duration {
	return now.Sub(c.CreatedAt)
}
