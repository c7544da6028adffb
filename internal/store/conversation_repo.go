package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// gormConversationStore is the GORM implementation of ConversationStore.
type gormConversationStore struct {
	db *gorm.DB
}

// NewConversationStore returns a ConversationStore backed by the provided *gorm.DB.
func NewConversationStore(db *gorm.DB) ConversationStore {
	return &gormConversationStore{db: db}
}

func (r *gormConversationStore) InsertConversation(ctx context.Context, direction, channel string, endpoint *string, content string, opts InsertConversationOptions) (*Conversation, error) {
	if direction != DirectionInbound && direction != DirectionOutbound {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
	}

	status := opts.Status
	if status == "" {
		if direction == DirectionInbound {
			status = StatusPending
		} else {
			status = StatusDelivered
		}
	}

	priority := opts.Priority
	if priority == 0 {
		priority = 3
	}

	now := time.Now().UTC()
	conv := &Conversation{
		Direction:   direction,
		Channel:     channel,
		Endpoint:    endpoint,
		Content:     content,
		Status:      status,
		Priority:    priority,
		RequireIdle: opts.RequireIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := r.db.WithContext(ctx).Create(conv).Error; err != nil {
		return nil, fmt.Errorf("store: insert conversation: %w", err)
	}
	return conv, nil
}

func (r *gormConversationStore) NextPendingConversation(ctx context.Context) (*Conversation, error) {
	var conv Conversation
	err := r.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("priority ASC, created_at ASC, id ASC").
		First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: next pending conversation: %w", err)
	}
	return &conv, nil
}

// ClaimConversation is the only place a conversation moves out of pending.
// The UPDATE's WHERE clause re-checks status so two racing dispatchers can
// never both believe they claimed the same row — RowsAffected settles it.
func (r *gormConversationStore) ClaimConversation(ctx context.Context, id int64) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{
			"status":     StatusRunning,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("store: claim conversation: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *gormConversationStore) RequeueConversation(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("id = ? AND status = ?", id, StatusRunning).
		Updates(map[string]interface{}{
			"status":     StatusPending,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("store: requeue conversation: %w", result.Error)
	}
	return nil
}

func (r *gormConversationStore) IncrementRetryCount(ctx context.Context, id int64) (int, error) {
	var conv Conversation
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Conversation{}).Where("id = ?", id).First(&conv).Error; err != nil {
			return err
		}
		conv.RetryCount++
		conv.UpdatedAt = time.Now().UTC()
		return tx.Model(&Conversation{}).Where("id = ?", id).Updates(map[string]interface{}{
			"retry_count": conv.RetryCount,
			"updated_at":  conv.UpdatedAt,
		}).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("store: increment conversation retry count: %w", err)
	}
	return conv.RetryCount, nil
}

func (r *gormConversationStore) MarkDelivered(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("id = ? AND status IN ?", id, []string{StatusRunning, StatusPending}).
		Updates(map[string]interface{}{
			"status":     StatusDelivered,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("store: mark conversation delivered: %w", result.Error)
	}
	return nil
}

func (r *gormConversationStore) MarkFailed(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("id = ? AND status IN ?", id, []string{StatusRunning, StatusPending}).
		Updates(map[string]interface{}{
			"status":     StatusFailed,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("store: mark conversation failed: %w", result.Error)
	}
	return nil
}

func (r *gormConversationStore) GetByID(ctx context.Context, id int64) (*Conversation, error) {
	var conv Conversation
	err := r.db.WithContext(ctx).First(&conv, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get conversation by id: %w", err)
	}
	return &conv, nil
}

// ResetOrphanedRunning implements the Dispatcher startup recovery policy
// (spec.md §4.B, Open Question — resolved in DESIGN.md): rows left running
// by a crashed Dispatcher, older than olderThan, go back to pending with one
// retry charged against them.
func (r *gormConversationStore) ResetOrphanedRunning(ctx context.Context, olderThan time.Time) (int64, error) {
	var affected int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var orphans []Conversation
		if err := tx.Where("status = ? AND updated_at < ?", StatusRunning, olderThan).Find(&orphans).Error; err != nil {
			return err
		}
		for _, o := range orphans {
			if err := tx.Model(&Conversation{}).Where("id = ?", o.ID).Updates(map[string]interface{}{
				"status":      StatusPending,
				"retry_count": o.RetryCount + 1,
				"updated_at":  time.Now().UTC(),
			}).Error; err != nil {
				return err
			}
			affected++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: reset orphaned running conversations: %w", err)
	}
	return affected, nil
}

func (r *gormConversationStore) ConversationsByRange(ctx context.Context, begin, end int64) ([]Conversation, error) {
	var convs []Conversation
	err := r.db.WithContext(ctx).
		Where("id >= ? AND id <= ?", begin, end).
		Order("id ASC").
		Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("store: conversations by range: %w", err)
	}
	return convs, nil
}
