package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// gormCheckpointStore is the GORM implementation of CheckpointStore.
type gormCheckpointStore struct {
	db *gorm.DB
}

// NewCheckpointStore returns a CheckpointStore backed by the provided *gorm.DB.
func NewCheckpointStore(db *gorm.DB) CheckpointStore {
	return &gormCheckpointStore{db: db}
}

func (r *gormCheckpointStore) CreateCheckpoint(ctx context.Context, endID int64, summary string) (*Checkpoint, error) {
	var created Checkpoint

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev Checkpoint
		startID := int64(1)

		err := tx.Order("end_conversation_id DESC").First(&prev).Error
		switch {
		case err == nil:
			startID = prev.EndConversationID + 1
		case errors.Is(err, gorm.ErrRecordNotFound):
			// No prior checkpoint — start at the beginning of the log.
		default:
			return err
		}

		if endID < startID {
			return ErrRangeOverlap
		}

		created = Checkpoint{
			StartConversationID: startID,
			EndConversationID:   endID,
			Summary:             summary,
			Timestamp:           time.Now().UTC(),
		}
		return tx.Create(&created).Error
	})
	if err != nil {
		if errors.Is(err, ErrRangeOverlap) {
			return nil, ErrRangeOverlap
		}
		return nil, fmt.Errorf("store: create checkpoint: %w", err)
	}
	return &created, nil
}

func (r *gormCheckpointStore) LastCheckpoint(ctx context.Context) (*Checkpoint, error) {
	var cp Checkpoint
	err := r.db.WithContext(ctx).Order("end_conversation_id DESC").First(&cp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: last checkpoint: %w", err)
	}
	return &cp, nil
}

func (r *gormCheckpointStore) ListCheckpoints(ctx context.Context, limit int) ([]Checkpoint, error) {
	q := r.db.WithContext(ctx).Order("end_conversation_id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var cps []Checkpoint
	if err := q.Find(&cps).Error; err != nil {
		return nil, fmt.Errorf("store: list checkpoints: %w", err)
	}
	return cps, nil
}

func (r *gormCheckpointStore) UnsummarizedRange(ctx context.Context) (*UnsummarizedRange, error) {
	last, err := r.LastCheckpoint(ctx)
	if err != nil {
		return nil, err
	}

	begin := int64(1)
	if last != nil {
		begin = last.EndConversationID + 1
	}

	var maxID int64
	if err := r.db.WithContext(ctx).Model(&Conversation{}).Select("COALESCE(MAX(id), 0)").Scan(&maxID).Error; err != nil {
		return nil, fmt.Errorf("store: unsummarized range: %w", err)
	}

	if maxID < begin {
		return &UnsummarizedRange{BeginID: begin, EndID: begin - 1, Count: 0}, nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&Conversation{}).Where("id >= ?", begin).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("store: unsummarized range count: %w", err)
	}

	return &UnsummarizedRange{BeginID: begin, EndID: maxID, Count: count}, nil
}
