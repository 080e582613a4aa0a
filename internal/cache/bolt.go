package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/logger"
)

const boltBucket = "token_maps"

// BoltStore is a Store backed by an embedded bbolt database, for single
// node deployments that want token maps to survive a restart
type BoltStore struct {
	db     *bolt.DB
	quota  Quota
	logger *logger.Logger
	now    func() time.Time
}

// NewBoltStore opens (or creates) the database at path
func NewBoltStore(path string, quota Quota, log *logger.Logger) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create bolt directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %q: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create bolt bucket: %w", err)
	}

	log.Info("Bolt token store initialized", zap.String("path", path))

	return &BoltStore{
		db:     db,
		quota:  quota,
		logger: log,
		now:    time.Now,
	}, nil
}

func (s *BoltStore) Put(ctx context.Context, conversationID string, tokens map[string]string, ttl time.Duration, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(newEntry(conversationID, tokens, ttl, userID, s.now()))
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Put([]byte(conversationID), data)
	})
}

func (s *BoltStore) Get(ctx context.Context, conversationID string) (map[string]string, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var entry *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		entry, err = readEntry(tx, conversationID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if entry == nil || entry.expired(s.now()) {
		return nil, false, nil
	}
	return entry.TokenMap, true, nil
}

func (s *BoltStore) Extend(ctx context.Context, conversationID string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		entry, err := readEntry(tx, conversationID)
		if err != nil || entry == nil {
			return err
		}
		now := s.now()
		if entry.expired(now) {
			return nil
		}

		entry.ExpiresAt = now.Add(ttl)
		entry.TTLSeconds = int64(ttl.Seconds())
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		return tx.Bucket([]byte(boltBucket)).Put([]byte(conversationID), data)
	})
}

func (s *BoltStore) Delete(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Delete([]byte(conversationID))
	})
}

func (s *BoltStore) Sweep(ctx context.Context) (int, error) {
	metas, err := s.scan()
	if err != nil {
		return 0, err
	}

	plan := planSweep(metas, s.quota, s.now())
	if len(plan) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	removed := 0
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		for _, m := range plan {
			entry, err := readEntry(tx, m.ID)
			if err != nil {
				s.logger.Warn("Dropping unreadable token map", zap.String("conversation_id", m.ID), zap.Error(err))
			} else if entry == nil || !entry.CreatedAt.Equal(m.CreatedAt) {
				continue
			}
			if err := b.Delete([]byte(m.ID)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (s *BoltStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Backend: "bolt"}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).ForEach(func(k, v []byte) error {
			stats.Entries++
			stats.Bytes += int64(len(k) + len(v))
			return nil
		})
	})
	return stats, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// scan collects sweep metadata for every entry. Undecodable entries are
// reported as already expired so the sweep clears them.
func (s *BoltStore) scan() ([]entryMeta, error) {
	var metas []entryMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				metas = append(metas, entryMeta{ID: string(k)})
				return nil
			}
			metas = append(metas, entry.meta())
			return nil
		})
	})
	return metas, err
}

func readEntry(tx *bolt.Tx, conversationID string) (*Entry, error) {
	v := tx.Bucket([]byte(boltBucket)).Get([]byte(conversationID))
	if v == nil {
		return nil, nil
	}
	var entry Entry
	if err := json.Unmarshal(v, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &entry, nil
}
