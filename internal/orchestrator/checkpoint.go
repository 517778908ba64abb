package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Checkpoint records that a pipeline step for a run already executed, with
// its serialized result. Checkpoints are what make the pipeline resumable:
// after a crash or redelivery, completed steps are skipped instead of
// re-executed.
type Checkpoint struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	RunID     uint64 `gorm:"index:uniq_run_step,unique,priority:1;not null"`
	Step      string `gorm:"type:varchar(64);index:uniq_run_step,unique,priority:2;not null"`
	Data      []byte `gorm:"type:json"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Checkpoint) TableName() string { return "run_checkpoints" }

type CheckpointStore struct {
	db *gorm.DB
}

func NewCheckpointStore(db *gorm.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Get returns the stored data for a step, nil when the step has not run.
func (s *CheckpointStore) Get(ctx context.Context, runID uint64, step string) ([]byte, error) {
	var ckpt Checkpoint
	err := s.db.WithContext(ctx).
		Where("run_id = ? AND step = ?", runID, step).
		First(&ckpt).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	if ckpt.Data == nil {
		return []byte{}, nil
	}
	return ckpt.Data, nil
}

// Save upserts a step checkpoint. The poll step rewrites its checkpoint on
// every snapshot, so replace-on-conflict is required.
func (s *CheckpointStore) Save(ctx context.Context, runID uint64, step string, data []byte) error {
	ckpt := Checkpoint{RunID: runID, Step: step, Data: data}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "step"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
		}).
		Create(&ckpt).Error
}

// pipeline drives one run's steps with checkpointed, sequential execution.
type pipeline struct {
	ctx   context.Context
	runID uint64
	store *CheckpointStore
	log   *logrus.Entry
}

// Step executes fn unless a checkpoint for name exists.
func (p *pipeline) Step(name string, fn func(ctx context.Context) error) error {
	data, err := p.store.Get(p.ctx, p.runID, name)
	if err != nil {
		return fmt.Errorf("get checkpoint %q: %w", name, err)
	}
	if data != nil {
		p.log.WithField("step", name).Debug("skipping checkpointed step")
		return nil
	}

	if err := fn(p.ctx); err != nil {
		return fmt.Errorf("step %q: %w", name, err)
	}
	if err := p.store.Save(p.ctx, p.runID, name, []byte(`{}`)); err != nil {
		return fmt.Errorf("save checkpoint %q: %w", name, err)
	}
	return nil
}

// stepWithResult executes a step producing a value; on resume the cached
// JSON result is returned without re-executing. Package-level because Go
// does not allow generic methods.
func stepWithResult[T any](p *pipeline, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	data, err := p.store.Get(p.ctx, p.runID, name)
	if err != nil {
		return zero, fmt.Errorf("get checkpoint %q: %w", name, err)
	}
	if data != nil {
		var cached T
		if err := json.Unmarshal(data, &cached); err != nil {
			return zero, fmt.Errorf("decode checkpoint %q: %w", name, err)
		}
		p.log.WithField("step", name).Debug("returning checkpointed result")
		return cached, nil
	}

	result, err := fn(p.ctx)
	if err != nil {
		return zero, fmt.Errorf("step %q: %w", name, err)
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return zero, fmt.Errorf("encode checkpoint %q: %w", name, err)
	}
	if err := p.store.Save(p.ctx, p.runID, name, encoded); err != nil {
		return zero, fmt.Errorf("save checkpoint %q: %w", name, err)
	}
	return result, nil
}
