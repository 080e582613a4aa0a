// Package middleware sequences detection, tokenization, the token map store
// and auditing behind five entry points. Serialize and deserialize never
// fail the caller: store trouble degrades to passthrough.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/audit"
	"github.com/raaihank/pii-sentinel/internal/cache"
	"github.com/raaihank/pii-sentinel/internal/config"
	"github.com/raaihank/pii-sentinel/internal/logger"
	"github.com/raaihank/pii-sentinel/internal/privacy"
	"github.com/raaihank/pii-sentinel/internal/tokenizer"
)

// ErrUnresolvedTokens is returned by ValidateOutput when text still holds tokens
var ErrUnresolvedTokens = errors.New("unresolved PII tokens in output")

// Context travels with a serialized message to its response
type Context struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	PIISerialized  bool   `json:"pii_serialized"`
	PIICount       int    `json:"pii_count"`
	TokenCount     int    `json:"token_count"`
	Mode           string `json:"mode,omitempty"`
	TTLSeconds     int    `json:"ttl_seconds"`
}

// Stats counts middleware outcomes since start
type Stats struct {
	Serialized  int64 `json:"serialized"`
	Passthrough int64 `json:"passthrough"`
	Restored    int64 `json:"restored"`
	CacheMisses int64 `json:"cache_misses"`
	CacheErrors int64 `json:"cache_errors"`
	Collisions  int64 `json:"hash_collisions"`
	Recovered   int64 `json:"recovered_panics"`
}

type modeRules struct {
	types         []privacy.PIIType
	minConfidence float64
}

// snapshot is an immutable view of the configuration with mode type lists
// already parsed
type snapshot struct {
	cfg   *config.Config
	modes map[string]modeRules
}

// Middleware is the PII tokenization orchestrator
type Middleware struct {
	detector *privacy.Detector
	store    cache.Store
	audit    *audit.Recorder
	logger   *logger.Logger

	current atomic.Pointer[snapshot]

	serialized  atomic.Int64
	passthrough atomic.Int64
	restored    atomic.Int64
	misses      atomic.Int64
	cacheErrors atomic.Int64
	collisions  atomic.Int64
	recovered   atomic.Int64
}

// New creates a middleware
func New(cfg *config.Config, detector *privacy.Detector, store cache.Store, recorder *audit.Recorder, log *logger.Logger) *Middleware {
	m := &Middleware{
		detector: detector,
		store:    store,
		audit:    recorder,
		logger:   log.WithComponent("middleware"),
	}
	m.UpdateConfig(cfg)
	return m
}

// UpdateConfig swaps the configuration used by subsequent calls. Calls in
// flight finish with the configuration they started with.
func (m *Middleware) UpdateConfig(cfg *config.Config) {
	snap := &snapshot{cfg: cfg, modes: make(map[string]modeRules, len(cfg.Modes))}
	for name, mode := range cfg.Modes {
		types, unknown := privacy.ParseTypes(mode.PIITypes)
		if len(unknown) > 0 {
			m.logger.Debug("Skipping unknown PII types",
				zap.String("mode", name),
				zap.Strings("types", unknown))
		}
		snap.modes[name] = modeRules{types: types, minConfidence: mode.MinConfidence()}
	}
	m.current.Store(snap)

	if m.audit != nil {
		m.audit.UpdateConfig(cfg.Audit)
	}
}

// Config returns the active configuration
func (m *Middleware) Config() *config.Config {
	return m.current.Load().cfg
}

// ProtectionEnabled reports whether SerializeMessage would scan text for mode
func (m *Middleware) ProtectionEnabled(mode string) bool {
	return m.current.Load().cfg.ProtectionEnabled(mode)
}

// SerializeMessage detects PII in message, replaces it with tokens and stores
// the token map under conversationID. An empty conversationID gets a fresh
// one, returned in the Context. When protection is off for mode the message
// and a zero Context come back unchanged. When the map cannot be stored the
// original message comes back with PIISerialized false, so no token ever
// leaves without a map behind it.
func (m *Middleware) SerializeMessage(ctx context.Context, message, conversationID, userID, mode string, errorContext bool) (out string, c Context) {
	snap := m.current.Load()
	if !snap.cfg.ProtectionEnabled(mode) {
		return message, Context{}
	}

	if conversationID == "" {
		conversationID = uuid.New().String()
	}
	passthrough := Context{ConversationID: conversationID, UserID: userID, Mode: mode}
	log := m.logger.WithConversation(conversationID)

	defer func() {
		if r := recover(); r != nil {
			m.recovered.Add(1)
			log.Error("Recovered from panic during serialization", zap.Any("panic", r))
			out, c = message, passthrough
		}
	}()

	rules := snap.modes[mode]
	findings := filterConfidence(m.detector.Detect(message, rules.types), rules.minConfidence)
	if len(findings) == 0 {
		m.passthrough.Add(1)
		return message, passthrough
	}

	result := tokenizer.NewSerializer(snap.cfg.Serialization.ProximityThreshold).Serialize(message, findings)
	if len(result.TokenMap) == 0 {
		m.passthrough.Add(1)
		return message, passthrough
	}
	if result.Collisions > 0 {
		m.collisions.Add(int64(result.Collisions))
		log.Warn("Token hash prefix collisions resolved", zap.Int("collisions", result.Collisions))
	}

	ttl := snap.cfg.TTLFor(errorContext)

	putCtx, cancel := m.cacheContext(ctx, snap)
	err := m.store.Put(putCtx, conversationID, result.TokenMap, ttl, userID)
	cancel()
	if err != nil {
		m.cacheErrors.Add(1)
		m.passthrough.Add(1)
		log.Warn("Token map write failed, sending message untokenized", zap.Error(err))
		m.audit.CacheError(ctx, conversationID, "put", err)
		return message, passthrough
	}

	m.serialized.Add(1)
	m.audit.Serialization(ctx, conversationID, userID, mode, len(findings), len(result.TokenMap), ttl)

	log.Debug("Message serialized",
		zap.String("mode", mode),
		zap.Int("pii_count", len(findings)),
		zap.Int("token_count", len(result.TokenMap)),
		zap.Strings("entities", result.Entities),
		zap.Duration("ttl", ttl))

	return result.Text, Context{
		ConversationID: conversationID,
		UserID:         userID,
		PIISerialized:  true,
		PIICount:       len(findings),
		TokenCount:     len(result.TokenMap),
		Mode:           mode,
		TTLSeconds:     int(ttl.Seconds()),
	}
}

// DeserializeResponse restores the tokens in response from the conversation's
// token map. Responses without tokens, or from calls that were not
// serialized, never touch the store. A missing, expired or unreadable map
// leaves response unchanged.
func (m *Middleware) DeserializeResponse(ctx context.Context, response string, c Context) (out string) {
	if !c.PIISerialized || !tokenizer.ContainsToken(response) {
		return response
	}

	log := m.logger.WithConversation(c.ConversationID)
	defer func() {
		if r := recover(); r != nil {
			m.recovered.Add(1)
			log.Error("Recovered from panic during deserialization", zap.Any("panic", r))
			out = response
		}
	}()

	snap := m.current.Load()
	getCtx, cancel := m.cacheContext(ctx, snap)
	tokens, found, err := m.store.Get(getCtx, c.ConversationID)
	cancel()

	if err != nil {
		m.cacheErrors.Add(1)
		m.misses.Add(1)
		log.Warn("Token map read failed, returning response unchanged", zap.Error(err))
		m.audit.CacheError(ctx, c.ConversationID, "get", err)
		m.audit.CacheMiss(ctx, c.ConversationID)
		return response
	}
	if !found {
		m.misses.Add(1)
		log.Info("Token map missing or expired, returning response unchanged")
		m.audit.CacheMiss(ctx, c.ConversationID)
		return response
	}

	restored, replaced := tokenizer.Restore(response, tokens)
	if missing := tokenizer.Unresolved(restored, tokens); len(missing) > 0 {
		log.Warn("Response holds tokens outside the conversation map", zap.Int("unresolved", len(missing)))
	}

	m.restored.Add(1)
	m.audit.Deserialization(ctx, c.ConversationID, c.UserID, c.Mode, replaced, time.Duration(c.TTLSeconds)*time.Second)
	return restored
}

// ExtendCacheTTL resets the conversation's TTL: the error TTL when
// errorOccurred, the default TTL otherwise
func (m *Middleware) ExtendCacheTTL(ctx context.Context, conversationID string, errorOccurred bool) error {
	snap := m.current.Load()
	ttl := snap.cfg.TTLFor(errorOccurred)

	extCtx, cancel := m.cacheContext(ctx, snap)
	defer cancel()

	if err := m.store.Extend(extCtx, conversationID, ttl); err != nil {
		m.cacheErrors.Add(1)
		m.audit.CacheError(ctx, conversationID, "extend", err)
		return fmt.Errorf("failed to extend token map TTL: %w", err)
	}

	m.audit.CacheExtend(ctx, conversationID, ttl)
	return nil
}

// ClearCache deletes the conversation's token map
func (m *Middleware) ClearCache(ctx context.Context, conversationID string) error {
	delCtx, cancel := m.cacheContext(ctx, m.current.Load())
	defer cancel()

	if err := m.store.Delete(delCtx, conversationID); err != nil {
		m.cacheErrors.Add(1)
		m.audit.CacheError(ctx, conversationID, "delete", err)
		return fmt.Errorf("failed to clear token map: %w", err)
	}

	m.audit.CacheClear(ctx, conversationID)
	return nil
}

// Cleanup runs one store sweep. It has the cache.SweepFunc signature so the
// background sweeper can drive it.
func (m *Middleware) Cleanup(ctx context.Context) (int, error) {
	removed, err := m.store.Sweep(ctx)
	if err != nil {
		m.audit.CacheError(ctx, "", "sweep", err)
		return removed, fmt.Errorf("cache sweep failed: %w", err)
	}
	if removed > 0 {
		m.audit.CacheSweep(ctx, removed)
	}
	return removed, nil
}

// ValidateOutput fails when text still contains token-shaped substrings. It is
// the last check before content reaches an end user.
func ValidateOutput(text string) error {
	if tokens := tokenizer.FindTokens(text); len(tokens) > 0 {
		return fmt.Errorf("%w: %d found", ErrUnresolvedTokens, len(tokens))
	}
	return nil
}

// Stats returns the outcome counters
func (m *Middleware) Stats() Stats {
	return Stats{
		Serialized:  m.serialized.Load(),
		Passthrough: m.passthrough.Load(),
		Restored:    m.restored.Load(),
		CacheMisses: m.misses.Load(),
		CacheErrors: m.cacheErrors.Load(),
		Collisions:  m.collisions.Load(),
		Recovered:   m.recovered.Load(),
	}
}

// cacheContext bounds one store round trip by cache.timeout
func (m *Middleware) cacheContext(ctx context.Context, snap *snapshot) (context.Context, context.CancelFunc) {
	timeout := snap.cfg.Cache.Timeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return context.WithTimeout(ctx, timeout)
}

func filterConfidence(findings []privacy.Finding, minConfidence float64) []privacy.Finding {
	if minConfidence <= 0 {
		return findings
	}
	kept := findings[:0]
	for _, f := range findings {
		if f.Confidence >= minConfidence {
			kept = append(kept, f)
		}
	}
	return kept
}
