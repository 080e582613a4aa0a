package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/raaihank/pii-sentinel/internal/config"
	"github.com/raaihank/pii-sentinel/internal/logger"
	"github.com/raaihank/pii-sentinel/internal/websocket"
)

// New builds the sink selected by cfg.Sink, fanned out to hub when one is given
func New(cfg config.AuditConfig, hub *websocket.Hub, log *logger.Logger) (Sink, error) {
	var base Sink
	switch cfg.Sink {
	case "", "log":
		base = NewLogSink(log)
	case "postgres":
		pg, err := NewPostgresSink(cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		base = pg
	case "sqlite":
		lite, err := NewSQLiteSink(cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		base = lite
	default:
		return nil, fmt.Errorf("unknown audit sink %q", cfg.Sink)
	}

	if hub == nil {
		return base, nil
	}
	return MultiSink{base, NewHubSink(hub)}, nil
}

// LogSink writes events as structured log lines
type LogSink struct {
	logger *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{logger: log.WithComponent("audit")}
}

func (s *LogSink) Record(ctx context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("audit_id", e.ID),
		zap.String("event_type", string(e.EventType)),
		zap.Time("timestamp", e.Timestamp),
	}
	if e.ConversationID != "" {
		fields = append(fields, zap.String("conversation_id", e.ConversationID))
	}
	if e.UserID != "" {
		fields = append(fields, zap.String("user_id", e.UserID))
	}
	if e.Mode != "" {
		fields = append(fields, zap.String("mode", e.Mode))
	}
	if e.PIICount > 0 {
		fields = append(fields, zap.Int("pii_count", e.PIICount))
	}
	if e.TokenCount > 0 {
		fields = append(fields, zap.Int("token_count", e.TokenCount))
	}
	if e.TTLSeconds > 0 {
		fields = append(fields, zap.Int("ttl_seconds", e.TTLSeconds))
	}
	if e.Removed > 0 {
		fields = append(fields, zap.Int("removed", e.Removed))
	}

	if e.EventType == EventCacheError || e.EventType == EventCacheMiss {
		if e.Detail != "" {
			fields = append(fields, zap.String("detail", e.Detail))
		}
		s.logger.Warn("Audit event", fields...)
		return nil
	}
	s.logger.Info("Audit event", fields...)
	return nil
}

func (s *LogSink) Close() error { return nil }

func init() {
	// modernc registers as "sqlite", which sqlx does not know by name
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// SQLSink appends events to the audit_events table of a Postgres or SQLite database
type SQLSink struct {
	db     *sqlx.DB
	logger *logger.Logger
}

const createAuditTablePostgres = `
CREATE TABLE IF NOT EXISTS audit_events (
	id              UUID PRIMARY KEY,
	event_type      TEXT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	user_id         TEXT NOT NULL DEFAULT '',
	mode            TEXT NOT NULL DEFAULT '',
	pii_count       INTEGER NOT NULL DEFAULT 0,
	token_count     INTEGER NOT NULL DEFAULT 0,
	ttl_seconds     INTEGER NOT NULL DEFAULT 0,
	removed         INTEGER NOT NULL DEFAULT 0,
	detail          TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_events_conversation_idx ON audit_events (conversation_id, created_at);
`

const createAuditTableSQLite = `
CREATE TABLE IF NOT EXISTS audit_events (
	id              TEXT PRIMARY KEY,
	event_type      TEXT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	user_id         TEXT NOT NULL DEFAULT '',
	mode            TEXT NOT NULL DEFAULT '',
	pii_count       INTEGER NOT NULL DEFAULT 0,
	token_count     INTEGER NOT NULL DEFAULT 0,
	ttl_seconds     INTEGER NOT NULL DEFAULT 0,
	removed         INTEGER NOT NULL DEFAULT 0,
	detail          TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_events_conversation_idx ON audit_events (conversation_id, created_at);
`

const insertAuditEvent = `
INSERT INTO audit_events (id, event_type, conversation_id, user_id, mode, pii_count, token_count, ttl_seconds, removed, detail, created_at)
VALUES (:id, :event_type, :conversation_id, :user_id, :mode, :pii_count, :token_count, :ttl_seconds, :removed, :detail, :created_at)`

// NewPostgresSink connects to databaseURL and creates the table if needed
func NewPostgresSink(databaseURL string, log *logger.Logger) (*SQLSink, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to audit database: %w", err)
	}
	if err := migrate(db, createAuditTablePostgres); err != nil {
		return nil, err
	}

	log.Info("Postgres audit sink initialized",
		zap.String("database_url", maskDatabaseURL(databaseURL)))

	return &SQLSink{db: db, logger: log}, nil
}

// NewSQLiteSink opens (or creates) the database file at path
func NewSQLiteSink(path string, log *logger.Logger) (*SQLSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit database directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)

	if err := migrate(db, createAuditTableSQLite); err != nil {
		return nil, err
	}

	log.Info("SQLite audit sink initialized", zap.String("path", path))

	return &SQLSink{db: db, logger: log}, nil
}

func migrate(db *sqlx.DB, schema string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return fmt.Errorf("failed to create audit table: %w", err)
	}
	return nil
}

func (s *SQLSink) Record(ctx context.Context, e Event) error {
	if _, err := s.db.NamedExecContext(ctx, insertAuditEvent, e); err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// ForConversation returns a conversation's events, oldest first
func (s *SQLSink) ForConversation(ctx context.Context, conversationID string) ([]Event, error) {
	var events []Event
	query := s.db.Rebind(`SELECT id, event_type, conversation_id, user_id, mode, pii_count, token_count, ttl_seconds, removed, detail, created_at
	          FROM audit_events WHERE conversation_id = ? ORDER BY created_at`)
	if err := s.db.SelectContext(ctx, &events, query, conversationID); err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	return events, nil
}

func (s *SQLSink) Close() error {
	return s.db.Close()
}

// HubSink forwards events to live WebSocket subscribers
type HubSink struct {
	hub *websocket.Hub
}

func NewHubSink(hub *websocket.Hub) *HubSink {
	return &HubSink{hub: hub}
}

func (s *HubSink) Record(ctx context.Context, e Event) error {
	s.hub.BroadcastEvent(websocket.Event{
		Type:      websocket.EventTypeAudit,
		Topic:     string(e.EventType),
		Timestamp: e.Timestamp,
		Data:      e,
	})
	return nil
}

func (s *HubSink) Close() error { return nil }

// MultiSink records to every sink and joins their errors
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HistoryOf returns the first sink in s that can answer history queries, or nil
func HistoryOf(s Sink) History {
	switch v := s.(type) {
	case History:
		return v
	case MultiSink:
		for _, inner := range v {
			if h := HistoryOf(inner); h != nil {
				return h
			}
		}
	}
	return nil
}

// maskDatabaseURL masks the password in a Postgres URL for logging
func maskDatabaseURL(url string) string {
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
