package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/raaihank/pii-sentinel/internal/config"
	"github.com/raaihank/pii-sentinel/internal/logger"
)

// ErrUnknownBackend is returned by New for an unrecognised cache.backend
var ErrUnknownBackend = errors.New("unknown cache backend")

// Store holds one token map per conversation. Implementations must be safe
// for concurrent use. A second Put for the same conversation replaces the
// first.
type Store interface {
	// Put stores tokens for conversationID, expiring after ttl
	Put(ctx context.Context, conversationID string, tokens map[string]string, ttl time.Duration, userID string) error

	// Get returns the live token map for conversationID
	Get(ctx context.Context, conversationID string) (map[string]string, bool, error)

	// Extend resets the TTL of a live entry. Missing entries are not an error.
	Extend(ctx context.Context, conversationID string, ttl time.Duration) error

	// Delete removes the entry for conversationID
	Delete(ctx context.Context, conversationID string) error

	// Sweep removes expired entries and evicts the oldest entries past the
	// per-user and total size quotas. It returns how many entries went.
	Sweep(ctx context.Context) (int, error)

	// Stats reports the current size of the store
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// Entry is a cached token map and its lifecycle metadata
type Entry struct {
	ConversationID string            `json:"conversation_id"`
	TokenMap       map[string]string `json:"token_map"`
	TTLSeconds     int64             `json:"ttl_seconds"`
	UserID         string            `json:"user_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// Quota bounds the store between TTL expiries. Zero disables a limit.
type Quota struct {
	MaxTotalBytes int64
	MaxPerUser    int
}

// Stats represents cache size statistics
type Stats struct {
	Backend string `json:"backend"`
	Entries int64  `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

// QuotaFromConfig converts the serialization quotas to a Quota
func QuotaFromConfig(cfg *config.Config) Quota {
	return Quota{
		MaxTotalBytes: int64(cfg.Serialization.CacheTTL.MaxTotalSizeMB) * 1024 * 1024,
		MaxPerUser:    cfg.Serialization.CacheTTL.MaxPerUser,
	}
}

// New creates the store selected by cfg.Backend
func New(cfg config.CacheConfig, quota Quota, log *logger.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(quota, log), nil
	case "redis":
		return NewRedisStore(cfg, quota, log)
	case "bolt":
		return NewBoltStore(cfg.BoltPath, quota, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

func newEntry(conversationID string, tokens map[string]string, ttl time.Duration, userID string, now time.Time) *Entry {
	copied := make(map[string]string, len(tokens))
	for k, v := range tokens {
		copied[k] = v
	}
	return &Entry{
		ConversationID: conversationID,
		TokenMap:       copied,
		TTLSeconds:     int64(ttl.Seconds()),
		UserID:         userID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
}

func (e *Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// size approximates the memory held by the entry
func (e *Entry) size() int64 {
	n := int64(len(e.ConversationID) + len(e.UserID))
	for k, v := range e.TokenMap {
		n += int64(len(k) + len(v))
	}
	return n
}

func (e *Entry) meta() entryMeta {
	return entryMeta{
		ID:        e.ConversationID,
		UserID:    e.UserID,
		Size:      e.size(),
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
	}
}

// entryMeta is the part of an entry the sweep needs
type entryMeta struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// planSweep returns the expired entries plus the oldest live entries that
// push a user, or the whole store, past quota
func planSweep(metas []entryMeta, quota Quota, now time.Time) []entryMeta {
	var evict, live []entryMeta
	for _, m := range metas {
		if !now.Before(m.ExpiresAt) {
			evict = append(evict, m)
		} else {
			live = append(live, m)
		}
	}

	sort.Slice(live, func(i, j int) bool {
		if !live[i].CreatedAt.Equal(live[j].CreatedAt) {
			return live[i].CreatedAt.Before(live[j].CreatedAt)
		}
		return live[i].ID < live[j].ID
	})

	dropped := make([]bool, len(live))

	if quota.MaxPerUser > 0 {
		perUser := make(map[string]int)
		for _, m := range live {
			if m.UserID != "" {
				perUser[m.UserID]++
			}
		}
		for i, m := range live {
			if m.UserID == "" || perUser[m.UserID] <= quota.MaxPerUser {
				continue
			}
			perUser[m.UserID]--
			dropped[i] = true
		}
	}

	if quota.MaxTotalBytes > 0 {
		var total int64
		for i, m := range live {
			if !dropped[i] {
				total += m.Size
			}
		}
		for i, m := range live {
			if total <= quota.MaxTotalBytes {
				break
			}
			if dropped[i] {
				continue
			}
			total -= m.Size
			dropped[i] = true
		}
	}

	for i, m := range live {
		if dropped[i] {
			evict = append(evict, m)
		}
	}
	return evict
}
