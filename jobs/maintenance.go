package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Maintenance owns the periodic hygiene tasks. Expired assignment rows are
// semantic no-ops (activity is computed from expires_at at check time), so
// purging them never changes a decision; it only keeps the table small. The
// audit trim preserves compliance-relevant rows indefinitely.
type Maintenance struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	metrics *Metrics
}

// NewMaintenance constructs the maintenance task handlers. The metrics may
// be nil, in which case runs are not instrumented.
func NewMaintenance(pool *pgxpool.Pool, logger *slog.Logger, metrics *Metrics) *Maintenance {
	return &Maintenance{pool: pool, logger: logger, metrics: metrics}
}

// HandlePurgeExpiredAssignments processes TaskPurgeExpiredAssignments tasks.
func (m *Maintenance) HandlePurgeExpiredAssignments(ctx context.Context, t *asynq.Task) error {
	return m.metrics.Track(TaskPurgeExpiredAssignments).End(m.purgeExpiredAssignments(ctx, t))
}

func (m *Maintenance) purgeExpiredAssignments(ctx context.Context, t *asynq.Task) error {
	var payload RetentionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	cutoff := time.Now().Add(-payload.OlderThan)
	tag, err := m.pool.Exec(ctx,
		`DELETE FROM user_role_assignments WHERE expires_at IS NOT NULL AND expires_at < $1`,
		cutoff,
	)
	if err != nil {
		return err
	}
	m.logger.Info("purged expired assignments",
		slog.Int64("rows", tag.RowsAffected()),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// HandleAuditRetention processes TaskAuditRetention tasks.
func (m *Maintenance) HandleAuditRetention(ctx context.Context, t *asynq.Task) error {
	return m.metrics.Track(TaskAuditRetention).End(m.trimAuditLog(ctx, t))
}

func (m *Maintenance) trimAuditLog(ctx context.Context, t *asynq.Task) error {
	var payload RetentionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	cutoff := time.Now().Add(-payload.OlderThan)
	tag, err := m.pool.Exec(ctx,
		`DELETE FROM audit_logs WHERE NOT compliance_relevant AND occurred_at < $1`,
		cutoff,
	)
	if err != nil {
		return err
	}
	m.logger.Info("trimmed audit log",
		slog.Int64("rows", tag.RowsAffected()),
		slog.Time("cutoff", cutoff),
	)
	return nil
}
