// Package liveness implements the heartbeat state machine of spec.md §4.D:
// a pure state machine whose only side effects are the methods on the
// injected Deps interface, so the recovery ladder can be exercised without
// a real queue store, tmux session, or clock.
package liveness

import (
	"context"
	"fmt"
	"time"
)

// Health is the liveness state exposed to the rest of the system through
// the agent status file.
type Health string

const (
	HealthOK          Health = "ok"
	HealthRecovering  Health = "recovering"
	HealthRateLimited Health = "rate_limited"
	HealthDown        Health = "down"
)

// Phase identifies why a heartbeat control item was enqueued.
type Phase string

const (
	PhasePrimary        Phase = "primary"
	PhaseRecovery       Phase = "recovery"
	PhaseDownCheck      Phase = "down-check"
	PhaseRateLimitCheck Phase = "rate-limit-check"
	PhaseStuck          Phase = "stuck"
)

// HeartbeatStatus mirrors the status of the control item backing a pending
// heartbeat, plus not_found for a row that vanished (e.g. cleaned up).
type HeartbeatStatus string

const (
	HeartbeatPending  HeartbeatStatus = "pending"
	HeartbeatRunning  HeartbeatStatus = "running"
	HeartbeatError    HeartbeatStatus = "error"
	HeartbeatDone     HeartbeatStatus = "done"
	HeartbeatFailed   HeartbeatStatus = "failed"
	HeartbeatTimeout  HeartbeatStatus = "timeout"
	HeartbeatNotFound HeartbeatStatus = "not_found"
)

// PendingHeartbeat is the on-disk record naming the in-flight heartbeat
// control item, kept as a file (not a queue-store row) so the engine can
// resume after its own restart without a table scan (spec.md §9).
type PendingHeartbeat struct {
	ControlID int64     `json:"control_id"`
	Phase     Phase     `json:"phase"`
	CreatedAt time.Time `json:"created_at"`
}

// Deps is every side effect the engine performs, injected so the state
// machine itself stays pure and testable.
type Deps interface {
	EnqueueHeartbeat(ctx context.Context, phase Phase) (controlID int64, err error)
	GetHeartbeatStatus(ctx context.Context, controlID int64) (HeartbeatStatus, error)
	ReadPending(ctx context.Context) (*PendingHeartbeat, error)
	ClearPending(ctx context.Context) error
	WritePending(ctx context.Context, p PendingHeartbeat) error
	KillSession(ctx context.Context) error
	NotifyPendingChannels(ctx context.Context) error
	Log(msg string, keyvals ...interface{})
}

// Config holds the tunables named in spec.md §4.D.
type Config struct {
	HeartbeatInterval        time.Duration
	AckDeadline              time.Duration
	MaxPendingAge            time.Duration
	MaxRestartFailures       int
	RateLimitedProbeInterval time.Duration
	DownRetryInterval        time.Duration
}

// State is the engine's in-memory state (spec.md §3, "Liveness state").
type State struct {
	Health                 Health
	RestartFailureCount    int
	LastHeartbeatAt        time.Time
	LastRecoveryAt         time.Time
	LastDownCheckAt        time.Time
	LastRateLimitedCheckAt time.Time
	RateLimitResetAt       *time.Time
}

// Engine is the §4.D state machine.
type Engine struct {
	cfg   Config
	deps  Deps
	state State
}

// New constructs an Engine starting in the ok state, or resumes from a
// previously-persisted State (e.g. after the Activity Monitor restarts).
func New(cfg Config, deps Deps, initial State) *Engine {
	if initial.Health == "" {
		initial.Health = HealthOK
	}
	return &Engine{cfg: cfg, deps: deps, state: initial}
}

// State returns a copy of the engine's current state for persistence.
func (e *Engine) State() State {
	return e.state
}

// Process runs one tick of the state machine (spec.md §4.D, "Tick
// behaviour"). now is injected so tests control the clock.
func (e *Engine) Process(ctx context.Context, claudeRunning bool, now time.Time) error {
	pending, err := e.deps.ReadPending(ctx)
	if err != nil {
		return fmt.Errorf("liveness: read pending heartbeat: %w", err)
	}

	if pending != nil {
		return e.processPending(ctx, pending, now)
	}

	if claudeRunning {
		return e.processIdleByHealth(ctx, now)
	}
	return nil
}

func (e *Engine) processPending(ctx context.Context, pending *PendingHeartbeat, now time.Time) error {
	status, err := e.deps.GetHeartbeatStatus(ctx, pending.ControlID)
	if err != nil {
		return fmt.Errorf("liveness: get heartbeat status: %w", err)
	}

	age := now.Sub(pending.CreatedAt)
	waiting := status == HeartbeatPending || status == HeartbeatRunning || status == HeartbeatError
	if waiting && age < e.cfg.MaxPendingAge {
		return nil
	}
	if age >= e.cfg.MaxPendingAge {
		status = HeartbeatTimeout
	}

	switch status {
	case HeartbeatDone:
		return e.onSuccess(ctx, now)
	case HeartbeatFailed, HeartbeatTimeout, HeartbeatNotFound:
		return e.onFailure(ctx, now, string(status))
	default:
		return nil
	}
}

func (e *Engine) processIdleByHealth(ctx context.Context, now time.Time) error {
	switch e.state.Health {
	case HealthRecovering:
		backoff := time.Duration(e.state.RestartFailureCount) * 60 * time.Second
		if backoff > 300*time.Second {
			backoff = 300 * time.Second
		}
		if now.Sub(e.state.LastRecoveryAt) >= backoff {
			return e.enqueue(ctx, PhaseRecovery, now)
		}
	case HealthRateLimited:
		if now.Sub(e.state.LastRateLimitedCheckAt) >= e.cfg.RateLimitedProbeInterval {
			e.state.LastRateLimitedCheckAt = now
			return e.enqueue(ctx, PhaseRateLimitCheck, now)
		}
	case HealthDown:
		if now.Sub(e.state.LastDownCheckAt) >= e.cfg.DownRetryInterval {
			e.state.LastDownCheckAt = now
			return e.enqueue(ctx, PhaseDownCheck, now)
		}
	case HealthOK:
		if now.Sub(e.state.LastHeartbeatAt) >= e.cfg.HeartbeatInterval {
			return e.enqueue(ctx, PhasePrimary, now)
		}
	}
	return nil
}

func (e *Engine) onSuccess(ctx context.Context, now time.Time) error {
	if err := e.deps.ClearPending(ctx); err != nil {
		return fmt.Errorf("liveness: clear pending: %w", err)
	}
	if e.state.Health != HealthOK {
		e.state.Health = HealthOK
		if err := e.deps.NotifyPendingChannels(ctx); err != nil {
			e.deps.Log("failed to notify pending channels on recovery", "error", err)
		}
	}
	e.state.RestartFailureCount = 0
	e.state.LastHeartbeatAt = now
	return nil
}

func (e *Engine) onFailure(ctx context.Context, now time.Time, reason string) error {
	if err := e.deps.ClearPending(ctx); err != nil {
		return fmt.Errorf("liveness: clear pending: %w", err)
	}

	switch e.state.Health {
	case HealthOK, HealthRecovering:
		return e.triggerRecovery(ctx, now, reason)
	default:
		e.deps.Log("heartbeat failure while already down or rate limited", "reason", reason, "health", e.state.Health)
		return nil
	}
}

// triggerRecovery implements spec.md §4.D's recovery step: transition into
// recovering (if not already there), charge a restart-failure attempt, and
// kill the terminal session so the outer Activity Monitor respawns it.
func (e *Engine) triggerRecovery(ctx context.Context, now time.Time, reason string) error {
	e.state.Health = HealthRecovering
	e.state.RestartFailureCount++
	e.state.LastRecoveryAt = now

	if err := e.deps.KillSession(ctx); err != nil {
		e.deps.Log("failed to kill session during recovery", "error", err, "reason", reason)
	}

	if e.state.RestartFailureCount >= e.cfg.MaxRestartFailures {
		e.state.Health = HealthDown
	}
	return nil
}

// SetRateLimited records an externally-detected rate limit. This engine
// does not classify pane text itself, and nothing in this module detects a
// rate limit or calls SetRateLimited; the caller that embeds the engine
// supplies that signal.
func (e *Engine) SetRateLimited(now time.Time) {
	e.state.Health = HealthRateLimited
	e.state.LastRateLimitedCheckAt = now
}

// RequestStuck accepts an externally-triggered stuck probe. Per spec.md
// §4.D it is only accepted in the ok state with no heartbeat already in
// flight.
func (e *Engine) RequestStuck(ctx context.Context, now time.Time) (bool, error) {
	if e.state.Health != HealthOK {
		return false, nil
	}
	pending, err := e.deps.ReadPending(ctx)
	if err != nil {
		return false, fmt.Errorf("liveness: read pending heartbeat: %w", err)
	}
	if pending != nil {
		return false, nil
	}
	if err := e.enqueue(ctx, PhaseStuck, now); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) enqueue(ctx context.Context, phase Phase, now time.Time) error {
	controlID, err := e.deps.EnqueueHeartbeat(ctx, phase)
	if err != nil {
		return fmt.Errorf("liveness: enqueue heartbeat: %w", err)
	}
	return e.deps.WritePending(ctx, PendingHeartbeat{
		ControlID: controlID,
		Phase:     phase,
		CreatedAt: now,
	})
}
