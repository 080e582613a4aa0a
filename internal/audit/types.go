// Package audit records structured, PII-free events for every token map
// lifecycle step. Events carry ids, counts and TTLs, never values or tokens.
package audit

import (
	"context"
	"time"
)

// EventType names an audited operation
type EventType string

const (
	EventSerialization   EventType = "serialization"
	EventDeserialization EventType = "deserialization"
	EventCacheMiss       EventType = "cache_miss"
	EventCacheClear      EventType = "cache_clear"
	EventCacheExtend     EventType = "cache_extend"
	EventCacheError      EventType = "cache_error"
	EventCacheSweep      EventType = "cache_sweep"
)

// AnonymousUser replaces an empty user id on serialization events
const AnonymousUser = "anonymous"

// Event is one audit record
type Event struct {
	ID             string    `json:"id" db:"id"`
	EventType      EventType `json:"event_type" db:"event_type"`
	ConversationID string    `json:"conversation_id,omitempty" db:"conversation_id"`
	UserID         string    `json:"user_id,omitempty" db:"user_id"`
	Mode           string    `json:"mode,omitempty" db:"mode"`
	PIICount       int       `json:"pii_count,omitempty" db:"pii_count"`
	TokenCount     int       `json:"token_count,omitempty" db:"token_count"`
	TTLSeconds     int       `json:"ttl_seconds,omitempty" db:"ttl_seconds"`
	Removed        int       `json:"removed,omitempty" db:"removed"`
	Detail         string    `json:"detail,omitempty" db:"detail"`
	Timestamp      time.Time `json:"timestamp" db:"created_at"`
}

// Sink persists or forwards audit events
type Sink interface {
	Record(ctx context.Context, event Event) error
	Close() error
}

// History looks up past events for a conversation
type History interface {
	ForConversation(ctx context.Context, conversationID string) ([]Event, error)
}
