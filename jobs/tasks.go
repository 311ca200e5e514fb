package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPurgeExpiredAssignments deletes role assignments long past expiry.
	TaskPurgeExpiredAssignments = "authz:purge_expired"
	// TaskAuditRetention trims old non-compliance audit rows.
	TaskAuditRetention = "audit:retention"
)

// RetentionPayload carries the cutoff window for retention tasks.
type RetentionPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewPurgeExpiredAssignmentsTask constructs the periodic purge task.
func NewPurgeExpiredAssignmentsTask(olderThan time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(RetentionPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPurgeExpiredAssignments, data), nil
}

// NewAuditRetentionTask constructs the periodic audit retention task.
func NewAuditRetentionTask(olderThan time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(RetentionPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditRetention, data), nil
}
