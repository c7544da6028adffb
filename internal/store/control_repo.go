package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// controlIDToken is substituted for the assigned id inside InsertControl's
// content, in the same transaction as the insert (spec.md §9).
const controlIDToken = "__CONTROL_ID__"

// gormControlStore is the GORM implementation of ControlStore.
type gormControlStore struct {
	db *gorm.DB
}

// NewControlStore returns a ControlStore backed by the provided *gorm.DB.
func NewControlStore(db *gorm.DB) ControlStore {
	return &gormControlStore{db: db}
}

func (r *gormControlStore) InsertControl(ctx context.Context, content string, opts InsertControlOptions) (*Control, error) {
	// Unlike conversations, a control's priority 0 is a legitimate, meaningful
	// value (the heartbeat priority, spec.md §4.D) — callers (the CLI's
	// --priority default of 3, or internal enqueuers) are trusted to supply
	// the priority they intend; this layer must not reinterpret zero as unset.
	now := time.Now().UTC()
	ctrl := &Control{
		Content:       content,
		Priority:      opts.Priority,
		RequireIdle:   opts.RequireIdle,
		BypassState:   opts.BypassState,
		AckDeadlineAt: opts.AckDeadlineAt,
		AvailableAt:   opts.AvailableAt,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ctrl).Error; err != nil {
			return err
		}
		// __CONTROL_ID__ substitution happens in the same transaction as the
		// insert — never as a separate round trip (spec.md §9).
		if strings.Contains(ctrl.Content, controlIDToken) {
			rewritten := strings.ReplaceAll(ctrl.Content, controlIDToken, fmt.Sprintf("%d", ctrl.ID))
			if err := tx.Model(&Control{}).Where("id = ?", ctrl.ID).Update("content", rewritten).Error; err != nil {
				return err
			}
			ctrl.Content = rewritten
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: insert control: %w", err)
	}
	return ctrl, nil
}

func (r *gormControlStore) NextPendingControl(ctx context.Context, now time.Time) (*Control, error) {
	var ctrl Control
	err := r.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Where("available_at IS NULL OR available_at <= ?", now).
		Order("priority ASC, created_at ASC, id ASC").
		First(&ctrl).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: next pending control: %w", err)
	}
	return &ctrl, nil
}

// ClaimControl is the only place a control item moves out of pending. The
// conditional UPDATE is the compare-and-swap — callers must never
// read-then-write themselves (spec.md §4.A).
func (r *gormControlStore) ClaimControl(ctx context.Context, id int64) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&Control{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{
			"status":     StatusRunning,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("store: claim control: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *gormControlStore) RequeueControl(ctx context.Context, id int64, lastError string) error {
	updates := map[string]interface{}{
		"status":     StatusPending,
		"updated_at": time.Now().UTC(),
	}
	if lastError != "" {
		updates["last_error"] = lastError
	}
	result := r.db.WithContext(ctx).
		Model(&Control{}).
		Where("id = ? AND status = ?", id, StatusRunning).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("store: requeue control: %w", result.Error)
	}
	return nil
}

// AckControl is transactional: a row with an expired ack deadline becomes
// timeout rather than done, even though the agent is asking to ack it —
// the sweep rule always wins. Idempotent for already-final rows (spec.md §8,
// "ack idempotence" law).
func (r *gormControlStore) AckControl(ctx context.Context, id int64, now time.Time) (AckResult, error) {
	var result AckResult

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ctrl Control
		if err := tx.First(&ctrl, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				result = AckResult{Found: false}
				return nil
			}
			return err
		}

		if isFinalControlStatus(ctrl.Status) {
			result = AckResult{Found: true, AlreadyFinal: true, Status: ctrl.Status}
			return nil
		}

		newStatus := StatusDone
		if ctrl.AckDeadlineAt != nil && ctrl.AckDeadlineAt.Before(now) {
			newStatus = StatusTimeout
		}

		if err := tx.Model(&Control{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":     newStatus,
			"updated_at": now,
		}).Error; err != nil {
			return err
		}

		result = AckResult{Found: true, AlreadyFinal: false, Status: newStatus}
		return nil
	})
	if err != nil {
		return AckResult{}, fmt.Errorf("store: ack control: %w", err)
	}
	return result, nil
}

func (r *gormControlStore) RetryOrFailControl(ctx context.Context, id int64, reason string, maxRetries int) (RetryResult, error) {
	var out RetryResult

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ctrl Control
		if err := tx.First(&ctrl, "id = ?", id).Error; err != nil {
			return err
		}

		ctrl.RetryCount++
		ctrl.LastError = reason
		ctrl.Status = StatusPending
		if ctrl.RetryCount >= maxRetries {
			ctrl.Status = StatusFailed
		}
		ctrl.UpdatedAt = time.Now().UTC()

		if err := tx.Model(&Control{}).Where("id = ?", id).Updates(map[string]interface{}{
			"retry_count": ctrl.RetryCount,
			"last_error":  ctrl.LastError,
			"status":      ctrl.Status,
			"updated_at":  ctrl.UpdatedAt,
		}).Error; err != nil {
			return err
		}

		out = RetryResult{Status: ctrl.Status, RetryCount: ctrl.RetryCount}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RetryResult{}, ErrNotFound
		}
		return RetryResult{}, fmt.Errorf("store: retry or fail control: %w", err)
	}
	return out, nil
}

func (r *gormControlStore) ExpireTimedOutControls(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&Control{}).
		Where("status IN ?", []string{StatusPending, StatusRunning}).
		Where("ack_deadline_at IS NOT NULL AND ack_deadline_at < ?", now).
		Updates(map[string]interface{}{
			"status":     StatusTimeout,
			"updated_at": now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("store: expire timed out controls: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *gormControlStore) CleanupControlQueue(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ?", []string{StatusDone, StatusFailed, StatusTimeout}).
		Where("updated_at < ?", cutoff).
		Delete(&Control{})
	if result.Error != nil {
		return 0, fmt.Errorf("store: cleanup control queue: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *gormControlStore) GetByID(ctx context.Context, id int64) (*Control, error) {
	var ctrl Control
	err := r.db.WithContext(ctx).First(&ctrl, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get control by id: %w", err)
	}
	return &ctrl, nil
}

// ResetOrphanedRunning implements the Dispatcher startup recovery policy
// (spec.md §4.B, Open Question — resolved in DESIGN.md): rows left running
// by a crashed Dispatcher, older than olderThan, go back to pending with one
// retry charged against them.
func (r *gormControlStore) ResetOrphanedRunning(ctx context.Context, olderThan time.Time) (int64, error) {
	var affected int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var orphans []Control
		if err := tx.Where("status = ? AND updated_at < ?", StatusRunning, olderThan).Find(&orphans).Error; err != nil {
			return err
		}
		for _, o := range orphans {
			if err := tx.Model(&Control{}).Where("id = ?", o.ID).Updates(map[string]interface{}{
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
		return 0, fmt.Errorf("store: reset orphaned running controls: %w", err)
	}
	return affected, nil
}

func isFinalControlStatus(status string) bool {
	switch status {
	case StatusDone, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}
