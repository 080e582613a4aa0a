package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/config"
	"github.com/raaihank/pii-sentinel/internal/logger"
)

// Recorder builds events, applies the audit.* switches and hands them to a
// Sink. Sink failures are logged and never reach the caller.
type Recorder struct {
	sink   Sink
	logger *logger.Logger
	now    func() time.Time

	mu  sync.RWMutex
	cfg config.AuditConfig
}

// NewRecorder creates a recorder writing to sink
func NewRecorder(cfg config.AuditConfig, sink Sink, log *logger.Logger) *Recorder {
	return &Recorder{
		sink:   sink,
		logger: log.WithComponent("audit"),
		now:    time.Now,
		cfg:    cfg,
	}
}

// UpdateConfig swaps the event switches
func (r *Recorder) UpdateConfig(cfg config.AuditConfig) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Recorder) enabled(t EventType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch t {
	case EventSerialization:
		return r.cfg.LogSerializationEvents
	case EventDeserialization:
		return r.cfg.LogDeserializationEvents
	case EventCacheError:
		// Degraded cache I/O is always reported
		return true
	default:
		return r.cfg.LogCacheOperations
	}
}

// Serialization records a tokenized message
func (r *Recorder) Serialization(ctx context.Context, conversationID, userID, mode string, piiCount, tokenCount int, ttl time.Duration) {
	r.record(ctx, Event{
		EventType:      EventSerialization,
		ConversationID: conversationID,
		UserID:         orAnonymous(userID),
		Mode:           mode,
		PIICount:       piiCount,
		TokenCount:     tokenCount,
		TTLSeconds:     int(ttl.Seconds()),
	})
}

// Deserialization records a restored response
func (r *Recorder) Deserialization(ctx context.Context, conversationID, userID, mode string, tokenCount int, ttl time.Duration) {
	r.record(ctx, Event{
		EventType:      EventDeserialization,
		ConversationID: conversationID,
		UserID:         orAnonymous(userID),
		Mode:           mode,
		TokenCount:     tokenCount,
		TTLSeconds:     int(ttl.Seconds()),
	})
}

// CacheMiss records a token-bearing response whose map was gone
func (r *Recorder) CacheMiss(ctx context.Context, conversationID string) {
	r.record(ctx, Event{EventType: EventCacheMiss, ConversationID: conversationID})
}

// CacheClear records an explicit delete
func (r *Recorder) CacheClear(ctx context.Context, conversationID string) {
	r.record(ctx, Event{EventType: EventCacheClear, ConversationID: conversationID})
}

// CacheExtend records a TTL reset
func (r *Recorder) CacheExtend(ctx context.Context, conversationID string, ttl time.Duration) {
	r.record(ctx, Event{EventType: EventCacheExtend, ConversationID: conversationID, TTLSeconds: int(ttl.Seconds())})
}

// CacheError records a failed or timed out store operation
func (r *Recorder) CacheError(ctx context.Context, conversationID, operation string, err error) {
	detail := operation
	if err != nil {
		detail = operation + ": " + err.Error()
	}
	r.record(ctx, Event{EventType: EventCacheError, ConversationID: conversationID, Detail: detail})
}

// CacheSweep records a sweep that removed entries
func (r *Recorder) CacheSweep(ctx context.Context, removed int) {
	r.record(ctx, Event{EventType: EventCacheSweep, Removed: removed})
}

func (r *Recorder) record(ctx context.Context, event Event) {
	if r == nil || r.sink == nil || !r.enabled(event.EventType) {
		return
	}

	event.ID = uuid.New().String()
	event.Timestamp = r.now().UTC()

	if err := r.sink.Record(ctx, event); err != nil {
		r.logger.Warn("Failed to record audit event",
			zap.String("event_type", string(event.EventType)),
			zap.String("conversation_id", event.ConversationID),
			zap.Error(err))
	}
}

// Close closes the underlying sink
func (r *Recorder) Close() error {
	if r == nil || r.sink == nil {
		return nil
	}
	return r.sink.Close()
}

func orAnonymous(userID string) string {
	if userID == "" {
		return AnonymousUser
	}
	return userID
}
