package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tdw419/geometry-os-sub000/internal/database"
)

// DefaultStoreRetries bounds retries of transient write failures such as
// deadlocks or serialization conflicts.
const DefaultStoreRetries = 3

// TaskEventRecord is one persisted telemetry event. The table is created by
// the task_events migration.
type TaskEventRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	EventType string    `gorm:"column:event_type;size:64;not null;index" json:"event_type"`
	TaskID    string    `gorm:"column:task_id;size:64;index" json:"task_id,omitempty"`
	AgentID   string    `gorm:"column:agent_id;size:128" json:"agent_id,omitempty"`
	Status    string    `gorm:"column:status;size:32" json:"status,omitempty"`
	Payload   string    `gorm:"column:payload;type:text;not null" json:"payload"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName implements gorm's tabler.
func (TaskEventRecord) TableName() string { return "task_events" }

// StoreSink appends events to the task_events table. It is an audit trail
// for observers; task state itself is never read back from it.
type StoreSink struct {
	pool    *database.PoolManager
	retries int
	now     func() time.Time
}

// NewStoreSink creates a StoreSink writing through pool.
func NewStoreSink(pool *database.PoolManager) *StoreSink {
	return &StoreSink{pool: pool, retries: DefaultStoreRetries, now: time.Now}
}

// Name implements Sink.
func (s *StoreSink) Name() string { return "store" }

// Deliver implements Sink.
func (s *StoreSink) Deliver(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	rec := TaskEventRecord{
		EventType: string(ev.Type),
		Payload:   string(payload),
		CreatedAt: s.now().UTC(),
	}
	switch d := ev.Data.(type) {
	case TaskUpdate:
		rec.TaskID = d.TaskID
		rec.Status = d.Status
		if d.AssignedTo != nil {
			rec.AgentID = *d.AssignedTo
		}
	case AgentRelocation:
		rec.AgentID = d.AgentID
	}

	err = s.pool.WithTransactionRetry(ctx, s.retries, func(tx *gorm.DB) error {
		rec.ID = 0
		return tx.Create(&rec).Error
	})
	if err != nil {
		return fmt.Errorf("insert task event: %w", err)
	}
	return nil
}

// TaskHistory returns the persisted events of a task, oldest first.
func (s *StoreSink) TaskHistory(ctx context.Context, taskID string, limit int) ([]TaskEventRecord, error) {
	q := s.pool.DB().WithContext(ctx).Where("task_id = ?", taskID).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var out []TaskEventRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	return out, nil
}
