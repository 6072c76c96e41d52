package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"quel-generation-server/modules/common/model"
)

var (
	ErrBatchNotFound    = errors.New("batch not found")
	ErrConcurrentUpdate = errors.New("batch was modified concurrently")
	ErrCorruptProgress  = errors.New("stored batch progress is corrupt")
)

// Store - generation_batches 영속화
type Store interface {
	Get(ctx context.Context, batchID string) (*model.GenerationBatch, error)
	GetOrCreate(ctx context.Context, batch *model.GenerationBatch) (*model.GenerationBatch, bool, error)
	// Save - version CAS, 성공하면 batch.Version 증가
	Save(ctx context.Context, batch *model.GenerationBatch) error
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Get(ctx context.Context, batchID string) (*model.GenerationBatch, error) {
	var batch model.GenerationBatch
	err := s.db.WithContext(ctx).Where("batch_id = ?", batchID).Take(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load batch %s: %w", batchID, err)
	}
	return &batch, nil
}

// GetOrCreate - 없으면 생성, 있으면 저장된 행 반환 (created=false)
func (s *GormStore) GetOrCreate(ctx context.Context, batch *model.GenerationBatch) (*model.GenerationBatch, bool, error) {
	now := time.Now().UTC()
	batch.CreatedAt = now
	batch.UpdatedAt = now

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "batch_id"}}, DoNothing: true}).
		Create(batch)
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to create batch %s: %w", batch.BatchID, res.Error)
	}

	stored, err := s.Get(ctx, batch.BatchID)
	if err != nil {
		return nil, false, err
	}
	return stored, res.RowsAffected > 0, nil
}

func (s *GormStore) Save(ctx context.Context, batch *model.GenerationBatch) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&model.GenerationBatch{}).
		Where("batch_id = ? AND version = ?", batch.BatchID, batch.Version).
		Updates(map[string]interface{}{
			"outputs":     batch.Outputs,
			"pending":     batch.Pending,
			"status":      batch.Status,
			"invocations": batch.Invocations,
			"version":     gorm.Expr("version + 1"),
			"updated_at":  now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to save batch %s: %w", batch.BatchID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentUpdate
	}

	batch.Version++
	batch.UpdatedAt = now
	return nil
}

var _ Store = (*GormStore)(nil)
