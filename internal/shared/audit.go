package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ID       int64
	Actor    string
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// Auditor records and reads audit entries.
type Auditor interface {
	Record(ctx context.Context, log AuditLog) error
	ListByEntity(ctx context.Context, entity, entityID string, limit int) ([]AuditLog, error)
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

var _ Auditor = (*AuditLogger)(nil)

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	if log.At.IsZero() {
		log.At = time.Now()
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (actor, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, $6)`, log.Actor, log.Action, log.Entity, log.EntityID, metaJSON, log.At)
	return err
}

// ListByEntity returns recent entries for one entity, newest first.
func (l *AuditLogger) ListByEntity(ctx context.Context, entity, entityID string, limit int) ([]AuditLog, error) {
	if l == nil {
		return nil, errors.New("audit logger not initialised")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx, `SELECT id, actor, action, entity, entity_id, meta, occurred_at FROM audit_logs WHERE entity=$1 AND entity_id=$2 ORDER BY occurred_at DESC, id DESC LIMIT $3`, entity, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditLog
	for rows.Next() {
		var rec AuditLog
		var meta []byte
		if err := rows.Scan(&rec.ID, &rec.Actor, &rec.Action, &rec.Entity, &rec.EntityID, &meta, &rec.At); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &rec.Meta)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
