package run

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, run *Run) error {
	return r.db.WithContext(ctx).Create(run).Error
}

// CreateOrGetExisting tries to create a run; if (user_id, idempotency_key)
// already exists it returns the existing run instead. The bool reports
// whether a new row was created.
func (r *Repo) CreateOrGetExisting(ctx context.Context, run *Run) (*Run, bool, error) {
	if run.IdempotencyKey == nil || *run.IdempotencyKey == "" {
		run.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
			return nil, false, err
		}
		return run, true, nil
	}

	err := r.db.WithContext(ctx).Create(run).Error
	if err == nil {
		return run, true, nil
	}

	existing, getErr := r.GetByUserAndIdempotencyKey(ctx, run.UserID, *run.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

func (r *Repo) GetByUserAndIdempotencyKey(ctx context.Context, userID uint64, key string) (*Run, error) {
	var run Run
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&run).Error
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *Repo) GetByID(ctx context.Context, id uint64) (*Run, error) {
	var run Run
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *Repo) GetByEventID(ctx context.Context, eventID string) (*Run, error) {
	var run Run
	if err := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		First(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// SetProviderJobID records the provider-assigned correlation id once the
// remote job has been accepted.
func (r *Repo) SetProviderJobID(ctx context.Context, id uint64, providerJobID string) error {
	return r.db.WithContext(ctx).Model(&Run{}).
		Where("id = ?", id).
		Update("provider_job_id", providerJobID).Error
}

// MarkProcessing moves a pending run to processing. A run that already left
// pending (terminal or already processing) is untouched.
func (r *Repo) MarkProcessing(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&Run{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{
			"status":     StatusProcessing,
			"started_at": now,
		}).Error
}

// MarkComplete finalizes a run with its normalized output. The guard on
// non-terminal status makes a second terminal call a no-op; the returned
// bool reports whether this call performed the transition.
func (r *Repo) MarkComplete(ctx context.Context, id uint64, output JSON) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&Run{}).
		Where("id = ? AND status IN ?", id, []Status{StatusPending, StatusProcessing}).
		Updates(map[string]any{
			"status":       StatusComplete,
			"output":       output,
			"error":        nil,
			"progress":     100,
			"completed_at": now,
		})
	return res.RowsAffected > 0, res.Error
}

// MarkFailed finalizes a run with error text. Same idempotency contract as
// MarkComplete.
func (r *Repo) MarkFailed(ctx context.Context, id uint64, errText string) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&Run{}).
		Where("id = ? AND status IN ?", id, []Status{StatusPending, StatusProcessing}).
		Updates(map[string]any{
			"status":       StatusFailed,
			"error":        errText,
			"completed_at": now,
		})
	return res.RowsAffected > 0, res.Error
}

// MarkCancelled is the advisory cancel path: it flips any non-terminal run
// straight to cancelled. The poller observes the row left processing and
// stops; remote work, if any, is discarded on arrival.
func (r *Repo) MarkCancelled(ctx context.Context, id uint64) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&Run{}).
		Where("id = ? AND status IN ?", id, []Status{StatusPending, StatusProcessing}).
		Updates(map[string]any{
			"status":       StatusCancelled,
			"completed_at": now,
		})
	return res.RowsAffected > 0, res.Error
}

// UpdateProgress persists a progress snapshot. Only meaningful while the
// run is still processing.
func (r *Repo) UpdateProgress(ctx context.Context, id uint64, percent int) error {
	return r.db.WithContext(ctx).Model(&Run{}).
		Where("id = ? AND status = ?", id, StatusProcessing).
		Update("progress", percent).Error
}

// FindCachedComplete returns the earliest complete run for the same
// workflow and input hash, or nil when no identical run finished before.
func (r *Repo) FindCachedComplete(ctx context.Context, workflowID, inputHash string) (*Run, error) {
	var run Run
	err := r.db.WithContext(ctx).
		Where("workflow_id = ? AND input_hash = ? AND status = ?", workflowID, inputHash, StatusComplete).
		Order("id ASC").
		First(&run).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// ListActive returns a user's non-terminal runs, processing before pending,
// newest first within each group.
func (r *Repo) ListActive(ctx context.Context, userID uint64) ([]Run, error) {
	var runs []Run
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, []Status{StatusPending, StatusProcessing}).
		Order("CASE WHEN status = 'processing' THEN 0 ELSE 1 END, id DESC").
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// ListHistory returns terminal runs in DESC id order (newest -> oldest).
func (r *Repo) ListHistory(ctx context.Context, userID uint64, limit int, beforeID uint64) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q := r.db.WithContext(ctx).
		Where("user_id = ? AND status IN ? AND archived = ?",
			userID, []Status{StatusComplete, StatusFailed, StatusCancelled}, false).
		Order("id DESC").
		Limit(limit)

	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var runs []Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// Archive soft-deletes a run from history display. Rows are never deleted.
func (r *Repo) Archive(ctx context.Context, id, userID uint64) error {
	return r.db.WithContext(ctx).Model(&Run{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("archived", true).Error
}
