// Package audit records operator-visible orchestrator actions in an
// append-only Postgres table. Writes are asynchronous so the saga path is
// never blocked on audit persistence.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

type EventType string

const (
	EventSagaStarted        EventType = "SAGA_STARTED"
	EventSagaCanceled       EventType = "SAGA_CANCELED"
	EventSagaRetried        EventType = "SAGA_RETRIED"
	EventWorkflowRegistered EventType = "WORKFLOW_REGISTERED"
)

const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// Entry is one audit record.
type Entry struct {
	ID         int64     `json:"id"`
	EventType  EventType `json:"eventType"`
	Actor      string    `json:"actor"`
	Resource   string    `json:"resource"`
	ResourceID string    `json:"resourceId"`
	Params     string    `json:"params"`
	Result     string    `json:"result"`
	ErrorMsg   string    `json:"errorMsg"`
	Timestamp  int64     `json:"timestamp"`
	RequestID  string    `json:"requestId"`
}

// Logger persists audit entries.
type Logger interface {
	Log(ctx context.Context, entry *Entry) error
}

// NewEntry creates an entry stamped with the current time.
func NewEntry(eventType EventType, actor string) *Entry {
	return &Entry{
		EventType: eventType,
		Actor:     actor,
		Timestamp: time.Now().UnixMilli(),
		Result:    ResultSuccess,
		Params:    "{}",
	}
}

// WithResource sets the affected resource.
func (e *Entry) WithResource(resource, resourceID string) *Entry {
	if e == nil {
		return nil
	}
	e.Resource = resource
	e.ResourceID = resourceID
	return e
}

// WithParams attaches parameters, masking sensitive keys.
func (e *Entry) WithParams(params map[string]interface{}) *Entry {
	if e == nil {
		return nil
	}
	b, err := json.Marshal(sanitize(params))
	if err != nil {
		e.Params = "{}"
		return e
	}
	e.Params = string(b)
	return e
}

// WithResult marks success or failure.
func (e *Entry) WithResult(success bool, errMsg string) *Entry {
	if e == nil {
		return nil
	}
	if success {
		e.Result = ResultSuccess
		e.ErrorMsg = ""
		return e
	}
	e.Result = ResultFailed
	e.ErrorMsg = errMsg
	return e
}

func sanitize(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if isSensitiveKey(k) {
			out[k] = "***"
			continue
		}
		if m, ok := v.(map[string]interface{}); ok {
			out[k] = sanitize(m)
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	return strings.Contains(k, "password") ||
		strings.Contains(k, "secret") ||
		strings.Contains(k, "token") ||
		strings.Contains(k, "credential") ||
		k == "key" || strings.HasSuffix(k, "_key")
}

// DBLogger writes audit entries to Postgres from a background queue.
type DBLogger struct {
	db *sql.DB

	queue   chan *Entry
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	onError func(error)
}

type Option func(*options)

type options struct {
	queueSize   int
	workers     int
	onError     func(error)
	synchronous bool
}

func WithQueueSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.queueSize = size
		}
	}
}

func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithSynchronousWrite makes Log write directly, mainly for tests.
func WithSynchronousWrite() Option {
	return func(o *options) {
		o.synchronous = true
	}
}

func NewDBLogger(db *sql.DB, opts ...Option) (*DBLogger, error) {
	if db == nil {
		return nil, errors.New("audit: db is nil")
	}

	cfg := options{
		queueSize: 4096,
		workers:   2,
		onError:   func(error) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	l := &DBLogger{db: db, onError: cfg.onError}
	if cfg.synchronous {
		return l, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.queue = make(chan *Entry, cfg.queueSize)

	for i := 0; i < cfg.workers; i++ {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case entry := <-l.queue:
					if entry == nil {
						continue
					}
					if err := l.insert(ctx, entry); err != nil {
						l.onError(err)
					}
				}
			}
		}()
	}

	return l, nil
}

// Close stops the background writers.
func (l *DBLogger) Close() {
	if l == nil {
		return
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

func (l *DBLogger) Log(ctx context.Context, entry *Entry) error {
	if l == nil || l.db == nil || entry == nil {
		return nil
	}

	if strings.TrimSpace(entry.Params) == "" {
		entry.Params = "{}"
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}

	if l.queue == nil {
		return l.insert(ctx, entry)
	}

	select {
	case l.queue <- entry:
	default:
		if l.onError != nil {
			l.onError(errors.New("audit: queue full, entry dropped"))
		}
	}
	return nil
}

func (l *DBLogger) insert(ctx context.Context, entry *Entry) error {
	const stmt = `
INSERT INTO orchestrator.audit_logs (
  event_type, actor, resource, resource_id, params, result, error_msg, timestamp, request_id
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`
	_, err := l.db.ExecContext(ctx, stmt,
		entry.EventType,
		entry.Actor,
		entry.Resource,
		entry.ResourceID,
		entry.Params,
		entry.Result,
		entry.ErrorMsg,
		entry.Timestamp,
		entry.RequestID,
	)
	if err != nil {
		return fmt.Errorf("audit insert: %w", err)
	}
	return nil
}

// NopLogger discards all entries.
type NopLogger struct{}

func (NopLogger) Log(context.Context, *Entry) error { return nil }

// CreateTableSQL is the audit table schema, usable in migrations.
const CreateTableSQL = `
CREATE TABLE IF NOT EXISTS orchestrator.audit_logs (
  id BIGSERIAL PRIMARY KEY,
  event_type VARCHAR(64) NOT NULL,
  actor VARCHAR(128) NOT NULL DEFAULT '',
  resource VARCHAR(128) NOT NULL DEFAULT '',
  resource_id VARCHAR(128) NOT NULL DEFAULT '',
  params JSONB NOT NULL DEFAULT '{}'::jsonb,
  result VARCHAR(16) NOT NULL DEFAULT 'SUCCESS',
  error_msg TEXT NOT NULL DEFAULT '',
  timestamp BIGINT NOT NULL,
  request_id VARCHAR(128) NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_ts ON orchestrator.audit_logs(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_logs_event_ts ON orchestrator.audit_logs(event_type, timestamp DESC);
`
