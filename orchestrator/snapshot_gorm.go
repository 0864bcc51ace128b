package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ExecutionSnapshotPo is the GORM row for a persisted execution snapshot.
// One row per execution, last write wins.
type ExecutionSnapshotPo struct {
	SnapshotKey string `gorm:"column:snapshot_key;primaryKey" json:"snapshot_key"`
	ExecutionID string `gorm:"column:execution_id;index" json:"execution_id"`
	WorkflowID  string `gorm:"column:workflow_id;index" json:"workflow_id"`
	Status      string `gorm:"column:status" json:"status"`
	Snapshot    []byte `gorm:"column:snapshot" json:"snapshot"`
	PersistedAt int64  `gorm:"column:persisted_at" json:"persisted_at"`
}

func (ExecutionSnapshotPo) TableName() string {
	return "execution_snapshot"
}

// NewGormSnapshotStore returns the default SnapshotStore backed by any GORM
// dialect (the tests and examples use sqlite).
func NewGormSnapshotStore(db *gorm.DB) SnapshotStore {
	return &gormSnapshotStore{db: db}
}

type gormSnapshotStore struct {
	db *gorm.DB
}

func (s *gormSnapshotStore) Persist(ctx context.Context, snapshot *ExecutionSnapshot) bool {
	if snapshot == nil {
		return false
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("[gormSnapshotStore.Persist] marshal failed, executionID: %s, err: %v", snapshot.ExecutionID, err))
		return false
	}
	po := &ExecutionSnapshotPo{
		SnapshotKey: snapshotKey(snapshot.ExecutionID),
		ExecutionID: snapshot.ExecutionID,
		WorkflowID:  snapshot.WorkflowID,
		Status:      snapshot.Status,
		Snapshot:    payload,
		PersistedAt: time.Now().Unix(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "snapshot_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "snapshot", "persisted_at"}),
	}).Create(po).Error
	if err != nil {
		// Persistence failures are non-fatal: the run continues without
		// durability for this step.
		slog.ErrorContext(ctx, fmt.Sprintf("[gormSnapshotStore.Persist] write failed, executionID: %s, err: %v", snapshot.ExecutionID, err))
		return false
	}
	return true
}

func (s *gormSnapshotStore) Load(ctx context.Context, executionID string) (*ExecutionSnapshot, error) {
	po := &ExecutionSnapshotPo{}
	err := s.db.WithContext(ctx).Where("snapshot_key = ?", snapshotKey(executionID)).First(po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.WithMessagef(ErrExecutionNotFound, "no snapshot, executionID: %s", executionID)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "Load snapshot failed, executionID: %s", executionID)
	}
	snapshot := &ExecutionSnapshot{}
	if err := json.Unmarshal(po.Snapshot, snapshot); err != nil {
		return nil, errors.WithMessagef(err, "Unmarshal snapshot failed, executionID: %s", executionID)
	}
	return snapshot, nil
}
