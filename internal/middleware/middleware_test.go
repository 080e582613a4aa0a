package middleware

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raaihank/pii-sentinel/internal/audit"
	"github.com/raaihank/pii-sentinel/internal/cache"
	"github.com/raaihank/pii-sentinel/internal/config"
	"github.com/raaihank/pii-sentinel/internal/logger"
	"github.com/raaihank/pii-sentinel/internal/privacy"
	"github.com/raaihank/pii-sentinel/internal/tokenizer"
)

// fakeStore wraps a MemoryStore with failure injection and call counting
type fakeStore struct {
	*cache.MemoryStore

	mu       sync.Mutex
	putErr   error
	getErr   error
	getDelay time.Duration
	gets     int
	puts     int
	lastTTL  time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{MemoryStore: cache.NewMemoryStore(cache.Quota{}, logger.NewNop())}
}

func (s *fakeStore) Put(ctx context.Context, id string, tokens map[string]string, ttl time.Duration, userID string) error {
	s.mu.Lock()
	s.puts++
	s.lastTTL = ttl
	err := s.putErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.Put(ctx, id, tokens, ttl, userID)
}

func (s *fakeStore) Get(ctx context.Context, id string) (map[string]string, bool, error) {
	s.mu.Lock()
	s.gets++
	err, delay := s.getErr, s.getDelay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	if err != nil {
		return nil, false, err
	}
	return s.MemoryStore.Get(ctx, id)
}

type captureSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *captureSink) Record(ctx context.Context, e audit.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) count(t audit.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.EventType == t {
			n++
		}
	}
	return n
}

func (s *captureSink) last() audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

func newTestMiddleware(t *testing.T, mutate func(*config.Config)) (*Middleware, *fakeStore, *captureSink) {
	t.Helper()

	cfg := config.GetDefaults()
	cfg.Modes["external"] = config.ModeConfig{Enabled: true, PIITypes: []string{"all"}, ProtectionLevel: config.ProtectionStrict}
	if mutate != nil {
		mutate(cfg)
	}

	log := logger.NewNop()
	store := newFakeStore()
	sink := &captureSink{}
	recorder := audit.NewRecorder(cfg.Audit, sink, log)
	return New(cfg, privacy.New(log), store, recorder, log), store, sink
}

const message = "Contact John Smith at john@email.com"

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	m, _, sink := newTestMiddleware(t, nil)
	ctx := context.Background()

	out, c := m.SerializeMessage(ctx, message, "conv-1", "user-7", "external", false)
	if !c.PIISerialized || c.PIICount != 2 || c.TokenCount != 2 {
		t.Fatalf("Unexpected context: %+v", c)
	}
	if strings.Contains(out, "John Smith") || strings.Contains(out, "john@email.com") {
		t.Fatalf("PII leaked into serialized message: %q", out)
	}
	if c.TTLSeconds != 300 || c.Mode != "external" || c.ConversationID != "conv-1" {
		t.Errorf("Unexpected context metadata: %+v", c)
	}

	// The external service echoes the tokens back
	response := "Sure, I will email " + tokenizer.FindTokens(out)[0] + " today."
	restored := m.DeserializeResponse(ctx, response, c)
	if restored != "Sure, I will email John Smith today." {
		t.Fatalf("Unexpected restore: %q", restored)
	}

	if sink.count(audit.EventSerialization) != 1 || sink.count(audit.EventDeserialization) != 1 {
		t.Errorf("Expected serialization and deserialization events, got %+v", sink.events)
	}
	if e := sink.last(); e.EventType != audit.EventDeserialization || e.TTLSeconds != 300 {
		t.Errorf("Expected the deserialization event to carry the TTL, got %+v", e)
	}
	for _, e := range sink.events {
		if e.UserID != "user-7" {
			t.Errorf("Expected user id on %s event, got %q", e.EventType, e.UserID)
		}
	}

	stats := m.Stats()
	if stats.Serialized != 1 || stats.Restored != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestModeGating(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		mode   string
	}{
		{"ModeDisabled", func(c *config.Config) {
			local := c.Modes["local"]
			local.Enabled = false
			c.Modes["local"] = local
		}, "local"},
		{"GlobalDisabled", func(c *config.Config) { c.Enabled = false }, "external"},
		{"SerializationDisabled", func(c *config.Config) { c.Serialization.Enabled = false }, "external"},
		{"UnknownMode", nil, "staging"},
	}

	msg := "SSN 123-45-6789 for John Smith"
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, store, sink := newTestMiddleware(t, tt.mutate)

			out, c := m.SerializeMessage(context.Background(), msg, "conv-1", "", tt.mode, false)
			if out != msg {
				t.Errorf("Message modified: %q", out)
			}
			if c != (Context{}) {
				t.Errorf("Expected zero context, got %+v", c)
			}
			if store.puts != 0 || len(sink.events) != 0 {
				t.Error("Disabled mode must not touch the store or audit")
			}
		})
	}
}

func TestModeTypeSelection(t *testing.T) {
	m, _, _ := newTestMiddleware(t, nil)

	// local only protects ssn, credit_card, bank_account, medical_record
	out, c := m.SerializeMessage(context.Background(), "SSN 123-45-6789, mail bob@corp.io", "conv-1", "", "local", false)
	if !c.PIISerialized || c.PIICount != 1 {
		t.Fatalf("Expected only the SSN tokenized, got %+v", c)
	}
	if !strings.Contains(out, "bob@corp.io") || strings.Contains(out, "123-45-6789") {
		t.Errorf("Unexpected output: %q", out)
	}
}

func TestNoFindingsIsPassthrough(t *testing.T) {
	m, store, sink := newTestMiddleware(t, nil)

	msg := "the weather is nice today"
	out, c := m.SerializeMessage(context.Background(), msg, "conv-1", "", "external", false)
	if out != msg || c.PIISerialized {
		t.Fatalf("Expected passthrough, got %q %+v", out, c)
	}
	if c.ConversationID != "conv-1" || c.Mode != "external" {
		t.Errorf("Passthrough context should keep identifiers: %+v", c)
	}
	if store.puts != 0 || len(sink.events) != 0 {
		t.Error("No findings must not write the store or audit")
	}
}

func TestTTLSelection(t *testing.T) {
	m, store, _ := newTestMiddleware(t, nil)
	ctx := context.Background()

	_, c := m.SerializeMessage(ctx, message, "conv-1", "", "external", false)
	if c.TTLSeconds != 300 || store.lastTTL != 300*time.Second {
		t.Errorf("Expected default TTL, got %d / %v", c.TTLSeconds, store.lastTTL)
	}

	_, c = m.SerializeMessage(ctx, message, "conv-2", "", "external", true)
	if c.TTLSeconds != 3600 || store.lastTTL != 3600*time.Second {
		t.Errorf("Expected error TTL, got %d / %v", c.TTLSeconds, store.lastTTL)
	}
}

func TestGeneratedConversationID(t *testing.T) {
	m, _, _ := newTestMiddleware(t, nil)
	ctx := context.Background()

	out, c := m.SerializeMessage(ctx, message, "", "", "external", false)
	if c.ConversationID == "" {
		t.Fatal("Expected a generated conversation id")
	}
	if got := m.DeserializeResponse(ctx, out, c); got != message {
		t.Errorf("Round trip through generated id failed: %q", got)
	}
}

func TestCacheWriteFailureFallsBack(t *testing.T) {
	m, store, sink := newTestMiddleware(t, nil)
	store.putErr = errors.New("redis: connection refused")

	out, c := m.SerializeMessage(context.Background(), message, "conv-1", "", "external", false)
	if out != message {
		t.Fatalf("Expected the original message, got %q", out)
	}
	if c.PIISerialized {
		t.Fatal("PIISerialized must be false without a stored map")
	}
	if sink.count(audit.EventCacheError) != 1 || sink.count(audit.EventSerialization) != 0 {
		t.Errorf("Unexpected audit events: %+v", sink.events)
	}
	if m.Stats().CacheErrors != 1 {
		t.Errorf("Expected one cache error, got %+v", m.Stats())
	}
}

func TestCacheExpiry(t *testing.T) {
	m, _, sink := newTestMiddleware(t, nil)
	ctx := context.Background()

	out, c := m.SerializeMessage(ctx, message, "conv-1", "", "external", false)
	if err := m.ClearCache(ctx, "conv-1"); err != nil {
		t.Fatalf("ClearCache failed: %v", err)
	}

	if got := m.DeserializeResponse(ctx, out, c); got != out {
		t.Fatalf("Expected the tokenized response unchanged, got %q", got)
	}
	if sink.count(audit.EventCacheClear) != 1 || sink.count(audit.EventCacheMiss) != 1 {
		t.Errorf("Expected cache_clear and cache_miss events, got %+v", sink.events)
	}
	if sink.last().ConversationID != "conv-1" {
		t.Errorf("cache_miss should name the conversation: %+v", sink.last())
	}
}

func TestCacheReadFailureIsMiss(t *testing.T) {
	t.Run("Error", func(t *testing.T) {
		m, store, sink := newTestMiddleware(t, nil)
		ctx := context.Background()

		out, c := m.SerializeMessage(ctx, message, "conv-1", "", "external", false)
		store.getErr = errors.New("i/o timeout")

		if got := m.DeserializeResponse(ctx, out, c); got != out {
			t.Fatalf("Expected response unchanged, got %q", got)
		}
		if sink.count(audit.EventCacheError) != 1 || sink.count(audit.EventCacheMiss) != 1 {
			t.Errorf("Expected cache_error and cache_miss, got %+v", sink.events)
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		m, store, sink := newTestMiddleware(t, func(c *config.Config) { c.Cache.Timeout = 20 * time.Millisecond })
		ctx := context.Background()

		out, c := m.SerializeMessage(ctx, message, "conv-1", "", "external", false)
		store.getDelay = 5 * time.Second

		start := time.Now()
		if got := m.DeserializeResponse(ctx, out, c); got != out {
			t.Fatalf("Expected response unchanged, got %q", got)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("Cache read was not bounded: took %v", elapsed)
		}
		if sink.count(audit.EventCacheMiss) != 1 {
			t.Errorf("Expected cache_miss, got %+v", sink.events)
		}
	})
}

func TestDeserializeShortCircuits(t *testing.T) {
	m, store, _ := newTestMiddleware(t, nil)
	ctx := context.Background()

	_, c := m.SerializeMessage(ctx, message, "conv-1", "", "external", false)

	if got := m.DeserializeResponse(ctx, "no tokens here, $5 only", c); got != "no tokens here, $5 only" {
		t.Errorf("Unexpected output: %q", got)
	}

	notSerialized := c
	notSerialized.PIISerialized = false
	if got := m.DeserializeResponse(ctx, "$Person1_name_ab12", notSerialized); got != "$Person1_name_ab12" {
		t.Errorf("Unexpected output: %q", got)
	}

	if store.gets != 0 {
		t.Errorf("Short-circuit paths must not read the store, got %d reads", store.gets)
	}
}

func TestDeserializeTokensGluedToWords(t *testing.T) {
	m, store, _ := newTestMiddleware(t, nil)
	ctx := context.Background()

	out, c := m.SerializeMessage(ctx, message, "conv-1", "", "external", false)
	name := tokenizer.FindTokens(out)[0]

	response := "I emailed " + name + "s team and " + name + "_old."
	if got := m.DeserializeResponse(ctx, response, c); got != "I emailed John Smiths team and John Smith_old." {
		t.Errorf("Unexpected restore: %q", got)
	}
	if store.gets != 1 {
		t.Errorf("Expected one store read, got %d", store.gets)
	}
}

func TestExtendCacheTTL(t *testing.T) {
	m, _, sink := newTestMiddleware(t, nil)
	ctx := context.Background()

	if err := m.ExtendCacheTTL(ctx, "never-written", true); err != nil {
		t.Fatalf("Extend on a missing conversation should succeed: %v", err)
	}
	if sink.count(audit.EventCacheExtend) != 1 || sink.last().TTLSeconds != 3600 {
		t.Errorf("Expected a cache_extend event with the error TTL, got %+v", sink.events)
	}

	if err := m.ExtendCacheTTL(ctx, "never-written", false); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}
	if sink.last().TTLSeconds != 300 {
		t.Errorf("Expected the default TTL, got %+v", sink.last())
	}
}

func TestCleanup(t *testing.T) {
	m, store, sink := newTestMiddleware(t, func(c *config.Config) {
		c.Serialization.CacheTTL.MaxPerUser = 1
	})
	store.MemoryStore = cache.NewMemoryStore(cache.Quota{MaxPerUser: 1}, logger.NewNop())
	ctx := context.Background()

	m.SerializeMessage(ctx, message, "conv-1", "alice", "external", false)
	time.Sleep(2 * time.Millisecond)
	m.SerializeMessage(ctx, message, "conv-2", "alice", "external", false)

	removed, err := m.Cleanup(ctx)
	if err != nil || removed != 1 {
		t.Fatalf("Expected one eviction, got %d (%v)", removed, err)
	}
	if sink.count(audit.EventCacheSweep) != 1 || sink.last().Removed != 1 {
		t.Errorf("Expected a cache_sweep event, got %+v", sink.events)
	}
}

func TestValidateOutput(t *testing.T) {
	if err := ValidateOutput("all restored, John Smith"); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	err := ValidateOutput("hello $Person1_name_ab12")
	if !errors.Is(err, ErrUnresolvedTokens) {
		t.Errorf("Expected ErrUnresolvedTokens, got %v", err)
	}
	for _, text := range []string{"hello $Person1_name_ab12s", "see $Account2_card_00ff_v2", "$Person1_name_ab129"} {
		if err := ValidateOutput(text); !errors.Is(err, ErrUnresolvedTokens) {
			t.Errorf("Expected ErrUnresolvedTokens for %q, got %v", text, err)
		}
	}
}

func TestUpdateConfig(t *testing.T) {
	m, _, _ := newTestMiddleware(t, nil)
	ctx := context.Background()

	cfg := config.GetDefaults()
	cfg.Modes["external"] = config.ModeConfig{Enabled: true, PIITypes: []string{"email", "no_such_type"}}
	m.UpdateConfig(cfg)

	out, c := m.SerializeMessage(ctx, message, "conv-1", "", "external", false)
	if c.PIICount != 1 || !strings.Contains(out, "John Smith") {
		t.Fatalf("Expected only the email tokenized after reload, got %q %+v", out, c)
	}
	if m.Config() != cfg {
		t.Error("Config should return the swapped configuration")
	}
}

func TestProtectionLevelFiltersConfidence(t *testing.T) {
	m, _, _ := newTestMiddleware(t, func(c *config.Config) {
		c.Modes["external"] = config.ModeConfig{Enabled: true, PIITypes: []string{"person_name"}, ProtectionLevel: config.ProtectionRelaxed}
	})

	// No keyword nearby: the name heuristic scores 0.65, under relaxed's 0.8
	_, c := m.SerializeMessage(context.Background(), "I met Alan Turing", "conv-1", "", "external", false)
	if c.PIISerialized {
		t.Errorf("Low-confidence name should be dropped under relaxed protection: %+v", c)
	}
}

func TestConcurrentSerialize(t *testing.T) {
	m, _, _ := newTestMiddleware(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, c := m.SerializeMessage(ctx, message, "", "", "external", false)
			if !strings.Contains(out, "$Person1_name_") {
				t.Errorf("Entity numbering leaked between calls: %q", out)
			}
			if got := m.DeserializeResponse(ctx, out, c); got != message {
				t.Errorf("Concurrent round trip failed: %q", got)
			}
		}()
	}
	wg.Wait()
}
