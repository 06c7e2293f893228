package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/percy/internal/dispatch"
	"github.com/jkaninda/percy/internal/domain"
)

// ExecutionRepository implements dispatch.ExecutionStore with GORM.
// Shared by the PostgreSQL and SQLite backends.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Insert stores rec under a new UUID.
func (r *ExecutionRepository) Insert(ctx context.Context, rec *domain.ExecutionRecord) (string, error) {
	id := uuid.New()
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt

	model := toExecutionModel(id, rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return "", fmt.Errorf("inserting execution: %w", err)
	}
	rec.ID = id.String()
	return rec.ID, nil
}

// Update applies upd. With ExpectStatus set the row is only touched if its status
// still matches; zero affected rows then means a stale transition or a missing row.
func (r *ExecutionRepository) Update(ctx context.Context, id string, upd domain.ExecutionUpdate) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, id)
	}

	q := r.db.WithContext(ctx).Model(&ExecutionModel{}).Where("id = ?", uid)
	if upd.ExpectStatus != "" {
		q = q.Where("status = ?", string(upd.ExpectStatus))
	}
	res := q.Updates(updateColumns(upd, time.Now().UTC()))
	if res.Error != nil {
		return fmt.Errorf("updating execution %s: %w", id, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&ExecutionModel{}).Where("id = ?", uid).Count(&count).Error; err != nil {
		return fmt.Errorf("checking execution %s: %w", id, err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, id)
	}
	return fmt.Errorf("%w: %s is no longer %s", domain.ErrStaleTransition, id, upd.ExpectStatus)
}

// FindByExecutionID returns the record with the given id.
func (r *ExecutionRepository) FindByExecutionID(ctx context.Context, id string) (*domain.ExecutionRecord, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, id)
	}

	var model ExecutionModel
	err = r.db.WithContext(ctx).Where("id = ?", uid).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("finding execution %s: %w", id, err)
	}
	return toExecutionDomain(&model), nil
}

// ListByCaller returns the caller's records, newest first.
func (r *ExecutionRepository) ListByCaller(ctx context.Context, callerID string, limit int) ([]domain.ExecutionRecord, error) {
	q := r.db.WithContext(ctx).Scopes(CallerScope("caller_id", callerID), Newest)
	if limit > 0 {
		q = q.Limit(limit)
	}

	var models []ExecutionModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing executions for %s: %w", callerID, err)
	}

	out := make([]domain.ExecutionRecord, len(models))
	for i := range models {
		out[i] = *toExecutionDomain(&models[i])
	}
	return out, nil
}

var _ dispatch.ExecutionStore = (*ExecutionRepository)(nil)
