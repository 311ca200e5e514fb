// Package audit writes the append-only record of authorization-relevant
// activity. Entries are never mutated or deleted by this subsystem.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry represents a record stored in audit_logs. ID is assigned on write.
type Entry struct {
	ID                 string
	ActorID            string
	OrganizationID     string
	Action             string
	Entity             string
	EntityID           string
	Status             string
	Meta               map[string]any
	ComplianceRelevant bool
	At                 time.Time
}

// Recorder is the append surface used by the mutation API and the HTTP
// handler. Implementations must treat entries as append-only.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// Logger writes entries into audit_logs.
type Logger struct {
	pool *pgxpool.Pool
}

// NewLogger returns a new Logger.
func NewLogger(pool *pgxpool.Pool) *Logger {
	return &Logger{pool: pool}
}

// Record persists the entry. The occurred_at column defaults to NOW() when
// the entry carries no timestamp.
func (l *Logger) Record(ctx context.Context, entry Entry) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	if entry.Action == "" || entry.Entity == "" {
		return errors.New("audit entry requires action/entity")
	}
	metaJSON, err := json.Marshal(entry.Meta)
	if err != nil {
		return err
	}
	var at any
	if !entry.At.IsZero() {
		at = entry.At
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err = l.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, actor_id, organization_id, action, entity, entity_id, status, meta, compliance_relevant, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()))`,
		entry.ID, entry.ActorID, entry.OrganizationID, entry.Action, entry.Entity, entry.EntityID, entry.Status, metaJSON, entry.ComplianceRelevant, at,
	)
	return err
}
