package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/logger"
)

// MemoryStore is an in-process Store. Expired entries are hidden on read
// and removed by Sweep.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	quota   Quota
	logger  *logger.Logger
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(quota Quota, log *logger.Logger) *MemoryStore {
	log.Info("Memory token store initialized",
		zap.Int64("max_total_bytes", quota.MaxTotalBytes),
		zap.Int("max_per_user", quota.MaxPerUser))

	return &MemoryStore{
		entries: make(map[string]*Entry),
		quota:   quota,
		logger:  log,
		now:     time.Now,
	}
}

func (s *MemoryStore) Put(ctx context.Context, conversationID string, tokens map[string]string, ttl time.Duration, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := newEntry(conversationID, tokens, ttl, userID, s.now())

	s.mu.Lock()
	s.entries[conversationID] = entry
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, conversationID string) (map[string]string, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[conversationID]
	if !ok || entry.expired(s.now()) {
		return nil, false, nil
	}

	tokens := make(map[string]string, len(entry.TokenMap))
	for k, v := range entry.TokenMap {
		tokens[k] = v
	}
	return tokens, true, nil
}

func (s *MemoryStore) Extend(ctx context.Context, conversationID string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.entries[conversationID]
	if !ok || entry.expired(now) {
		return nil
	}
	entry.ExpiresAt = now.Add(ttl)
	entry.TTLSeconds = int64(ttl.Seconds())
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.entries, conversationID)
	s.mu.Unlock()
	return nil
}

// Sweep plans evictions from a snapshot and only takes the write lock to
// delete, skipping entries rewritten since the snapshot
func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	s.mu.RLock()
	metas := make([]entryMeta, 0, len(s.entries))
	for _, e := range s.entries {
		metas = append(metas, e.meta())
	}
	s.mu.RUnlock()

	plan := planSweep(metas, s.quota, s.now())
	if len(plan) == 0 {
		return 0, nil
	}

	removed := 0
	for _, m := range plan {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		s.mu.Lock()
		if e, ok := s.entries[m.ID]; ok && e.CreatedAt.Equal(m.CreatedAt) {
			delete(s.entries, m.ID)
			removed++
		}
		s.mu.Unlock()
	}
	return removed, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{Backend: "memory", Entries: int64(len(s.entries))}
	for _, e := range s.entries {
		stats.Bytes += e.size()
	}
	return stats, nil
}

func (s *MemoryStore) Close() error { return nil }
