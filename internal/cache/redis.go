package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/config"
	"github.com/raaihank/pii-sentinel/internal/logger"
)

// RedisStore keeps token maps in Redis. Each map lives under
// {prefix}:conv:{id} with a native TTL; {prefix}:meta is a hash of
// id -> entryMeta the sweep uses for quota accounting.
type RedisStore struct {
	client *redis.Client
	prefix string
	quota  Quota
	logger *logger.Logger
}

// NewRedisStore connects to cfg.RedisURL and verifies the connection
func NewRedisStore(cfg config.CacheConfig, quota Quota, log *logger.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if cfg.MaxConnections > 0 {
		opts.PoolSize = cfg.MaxConnections
	}
	opts.MinIdleConns = cfg.MinIdleConns
	if cfg.Timeout > 0 {
		opts.ReadTimeout = cfg.Timeout
		opts.WriteTimeout = cfg.Timeout
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "pii"
	}

	store := &RedisStore{
		client: redis.NewClient(opts),
		prefix: prefix,
		quota:  quota,
		logger: log,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.client.Ping(ctx).Err(); err != nil {
		store.client.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Redis token store initialized",
		zap.String("redis_url", maskRedisURL(cfg.RedisURL)),
		zap.String("key_prefix", prefix),
		zap.Int("max_connections", opts.PoolSize))

	return store, nil
}

func (s *RedisStore) key(conversationID string) string {
	return fmt.Sprintf("%s:conv:%s", s.prefix, conversationID)
}

func (s *RedisStore) metaKey() string {
	return s.prefix + ":meta"
}

func (s *RedisStore) Put(ctx context.Context, conversationID string, tokens map[string]string, ttl time.Duration, userID string) error {
	entry := newEntry(conversationID, tokens, ttl, userID, time.Now())

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	meta, err := json.Marshal(entry.meta())
	if err != nil {
		return fmt.Errorf("failed to marshal entry meta: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(conversationID), data, ttl)
		pipe.HSet(ctx, s.metaKey(), conversationID, meta)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store token map: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, conversationID string) (map[string]string, bool, error) {
	data, err := s.client.Get(ctx, s.key(conversationID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("token map lookup failed: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.logger.Error("Failed to unmarshal cached token map", zap.String("conversation_id", conversationID), zap.Error(err))
		// Delete corrupted cache entry
		s.client.Del(ctx, s.key(conversationID))
		return nil, false, nil
	}
	return entry.TokenMap, true, nil
}

func (s *RedisStore) Extend(ctx context.Context, conversationID string, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, s.key(conversationID), ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to extend token map: %w", err)
	}
	if !ok {
		return nil
	}

	raw, err := s.client.HGet(ctx, s.metaKey(), conversationID).Bytes()
	if err != nil {
		return nil
	}
	var meta entryMeta
	if json.Unmarshal(raw, &meta) != nil {
		return nil
	}
	meta.ExpiresAt = time.Now().Add(ttl)
	if updated, err := json.Marshal(meta); err == nil {
		s.client.HSet(ctx, s.metaKey(), conversationID, updated)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, conversationID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(conversationID))
		pipe.HDel(ctx, s.metaKey(), conversationID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete token map: %w", err)
	}
	return nil
}

// Sweep drops meta records whose key Redis already expired, then evicts the
// oldest live maps past quota
func (s *RedisStore) Sweep(ctx context.Context) (int, error) {
	raw, err := s.client.HGetAll(ctx, s.metaKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read token map index: %w", err)
	}
	if len(raw) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(raw))
	metas := make(map[string]entryMeta, len(raw))
	for id, v := range raw {
		var m entryMeta
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			m = entryMeta{ID: id}
		}
		m.ID = id
		ids = append(ids, id)
		metas[id] = m
	}

	pipe := s.client.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, fmt.Errorf("failed to check token maps: %w", err)
	}

	var stale []string
	live := make([]entryMeta, 0, len(ids))
	for i, id := range ids {
		if exists[i].Val() == 0 {
			stale = append(stale, id)
			continue
		}
		live = append(live, metas[id])
	}

	plan := planSweep(live, s.quota, time.Now())
	if len(stale) == 0 && len(plan) == 0 {
		return 0, nil
	}

	evictKeys := make([]string, 0, len(plan))
	fields := append([]string{}, stale...)
	for _, m := range plan {
		evictKeys = append(evictKeys, s.key(m.ID))
		fields = append(fields, m.ID)
	}

	// Delete keys in batches
	batchSize := 100
	for i := 0; i < len(evictKeys); i += batchSize {
		end := i + batchSize
		if end > len(evictKeys) {
			end = len(evictKeys)
		}
		if err := s.client.Del(ctx, evictKeys[i:end]...).Err(); err != nil {
			return 0, fmt.Errorf("failed to evict token maps: %w", err)
		}
	}
	if err := s.client.HDel(ctx, s.metaKey(), fields...).Err(); err != nil {
		return 0, fmt.Errorf("failed to prune token map index: %w", err)
	}

	s.logger.Debug("Redis sweep completed",
		zap.Int("stale_index_entries", len(stale)),
		zap.Int("evicted", len(plan)))

	return len(stale) + len(plan), nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	vals, err := s.client.HVals(ctx, s.metaKey()).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to get Redis stats: %w", err)
	}

	stats := Stats{Backend: "redis", Entries: int64(len(vals))}
	for _, v := range vals {
		var m entryMeta
		if json.Unmarshal([]byte(v), &m) == nil {
			stats.Bytes += m.Size
		}
	}
	return stats, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// maskRedisURL masks the password in a Redis URL for logging
func maskRedisURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userPart := url[:at]
	scheme := strings.Index(userPart, "://")
	colon := strings.LastIndex(userPart, ":")
	if colon <= scheme+2 {
		return url
	}
	return userPart[:colon+1] + "***" + url[at:]
}
