// Package dispatcher implements the single consumer that moves one queue
// item at a time onto the agent's input surface, with strict control-over-
// conversation priority and submission verification (spec.md §4.B).
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zylos-ai/zylos-supervisor/internal/agentstatus"
	"github.com/zylos-ai/zylos-supervisor/internal/config"
	"github.com/zylos-ai/zylos-supervisor/internal/metrics"
	"github.com/zylos-ai/zylos-supervisor/internal/statusfile"
	"github.com/zylos-ai/zylos-supervisor/internal/store"
	"github.com/zylos-ai/zylos-supervisor/internal/termio"
)

// Submitter is the seam onto the Terminal I/O Adapter, narrowed to the one
// method the Dispatcher needs so tests can substitute a fake.
type Submitter interface {
	SendAndVerify(ctx context.Context, target, content string) termio.Result
}

// Dispatcher is the §4.B main-loop consumer.
type Dispatcher struct {
	conversations store.ConversationStore
	controls      store.ControlStore
	submit        Submitter
	target        string
	statusPath    string
	cfg           config.Config
	logger        *zap.Logger
	poll          *pollBackoff
}

// New constructs a Dispatcher. target is the tmux pane the Terminal I/O
// Adapter pastes into; statusPath is the agent_status file written by the
// Activity Monitor.
func New(conversations store.ConversationStore, controls store.ControlStore, submit Submitter, target, statusPath string, cfg config.Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		conversations: conversations,
		controls:      controls,
		submit:        submit,
		target:        target,
		statusPath:    statusPath,
		cfg:           cfg,
		logger:        logger.Named("dispatcher"),
		poll:          newPollBackoff(cfg.PollIntervalBase, cfg.PollIntervalMax),
	}
}

// kind distinguishes which store a claimed item came from.
type kind int

const (
	kindNone kind = iota
	kindControl
	kindConversation
)

// claimedItem is the generalised view of a Conversation or Control row once
// claimed, letting the gating and submission logic stay kind-agnostic.
type claimedItem struct {
	kind        kind
	id          int64
	content     string
	requireIdle bool
	bypassState bool
}

// Run drives the main loop until ctx is cancelled. It performs the startup
// orphan-reset and then alternates between processing one claimed item and
// sleeping on the adaptive idle backoff.
func (d *Dispatcher) Run(ctx context.Context) error {
	orphanCutoff := time.Now().UTC().Add(-d.cfg.OrphanResetThreshold)
	if _, err := d.controls.ResetOrphanedRunning(ctx, orphanCutoff); err != nil {
		d.logger.Error("failed to reset orphaned running controls at startup", zap.Error(err))
	}
	if _, err := d.conversations.ResetOrphanedRunning(ctx, orphanCutoff); err != nil {
		d.logger.Error("failed to reset orphaned running conversations at startup", zap.Error(err))
	}

	cleanupTicker := time.NewTicker(d.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cleanupTicker.C:
			d.runCleanup(ctx)
		default:
		}

		delivered, err := d.Tick(ctx)
		if err != nil {
			d.logger.Error("dispatcher tick failed", zap.Error(err))
		}

		if delivered {
			d.poll.Reset()
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.poll.Next()):
		}
	}
}

func (d *Dispatcher) runCleanup(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-d.cfg.RetentionCutoff)
	n, err := d.controls.CleanupControlQueue(ctx, cutoff)
	if err != nil {
		d.logger.Error("control queue cleanup failed", zap.Error(err))
		return
	}
	if n > 0 {
		d.logger.Info("cleaned up control queue", zap.Int64("deleted", n))
	}
}

// Tick runs one iteration of the main loop: expire, claim, gate, submit,
// bookkeep. It returns true if an item was successfully submitted.
func (d *Dispatcher) Tick(ctx context.Context) (bool, error) {
	now := time.Now().UTC()

	if _, err := d.controls.ExpireTimedOutControls(ctx, now); err != nil {
		return false, fmt.Errorf("dispatcher: expire timed out controls: %w", err)
	}

	status, haveStatus, err := statusfile.Read[agentstatus.AgentStatus](d.statusPath)
	if err != nil {
		return false, fmt.Errorf("dispatcher: read agent status: %w", err)
	}
	if !haveStatus {
		// No status file yet means the Activity Monitor hasn't ticked;
		// assume the worst so bypass_state=false items stay parked.
		status = agentstatus.AgentStatus{State: agentstatus.StateOffline, Health: agentstatus.HealthDown}
	}

	item, err := d.claimNextItem(ctx, now)
	if err != nil {
		return false, fmt.Errorf("dispatcher: claim next item: %w", err)
	}
	if item == nil {
		return false, nil
	}

	if reason, blocked := d.evaluateGates(item, status); blocked {
		d.logger.Debug("releasing claimed item on gate failure",
			zap.Int64("id", item.id), zap.String("reason", reason))
		return false, d.release(ctx, item)
	}

	claimedAt := time.Now()
	result := d.submit.SendAndVerify(ctx, d.target, item.content)
	metrics.DispatchLatency.Observe(time.Since(claimedAt).Seconds())

	switch result.Outcome {
	case termio.OutcomeSubmitted:
		if err := d.onSubmitted(ctx, item, status); err != nil {
			return true, err
		}
		return true, nil
	default:
		if err := d.onSubmitFailure(ctx, item, result); err != nil {
			return false, err
		}
		return false, nil
	}
}

// claimNextItem resolves control-vs-conversation priority: control is
// always attempted first. If a control row is observed pending but the
// conditional claim loses the race, the iteration ends there — it must
// never fall through to conversation in the same tick (spec.md §4.B).
func (d *Dispatcher) claimNextItem(ctx context.Context, now time.Time) (*claimedItem, error) {
	ctrl, err := d.controls.NextPendingControl(ctx, now)
	if err != nil {
		return nil, err
	}
	if ctrl != nil {
		ok, err := d.controls.ClaimControl(ctx, ctrl.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return &claimedItem{
			kind:        kindControl,
			id:          ctrl.ID,
			content:     ctrl.Content,
			requireIdle: ctrl.RequireIdle,
			bypassState: ctrl.BypassState,
		}, nil
	}

	conv, err := d.conversations.NextPendingConversation(ctx)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, nil
	}
	ok, err := d.conversations.ClaimConversation(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &claimedItem{
		kind:        kindConversation,
		id:          conv.ID,
		content:     conv.Content,
		requireIdle: conv.RequireIdle,
		bypassState: false,
	}, nil
}

// evaluateGates implements spec.md §4.B step 5.
func (d *Dispatcher) evaluateGates(item *claimedItem, status agentstatus.AgentStatus) (reason string, blocked bool) {
	if !item.bypassState && (status.State == agentstatus.StateOffline || status.State == agentstatus.StateStopped) {
		return "state_unavailable", true
	}
	if !item.bypassState && status.Health != agentstatus.HealthOK {
		return "health_not_ok", true
	}
	if item.requireIdle {
		if status.State != agentstatus.StateIdle || time.Duration(status.IdleSeconds*float64(time.Second)) < d.cfg.RequireIdleMinSeconds {
			return "not_idle", true
		}
	}
	return "", false
}

// release requeues a claimed item without charging a retry — used when a
// gating check fails after the claim already succeeded.
func (d *Dispatcher) release(ctx context.Context, item *claimedItem) error {
	switch item.kind {
	case kindControl:
		return d.controls.RequeueControl(ctx, item.id, "")
	case kindConversation:
		return d.conversations.RequeueConversation(ctx, item.id)
	default:
		return nil
	}
}

func (d *Dispatcher) onSubmitted(ctx context.Context, item *claimedItem, status agentstatus.AgentStatus) error {
	switch item.kind {
	case kindConversation:
		if err := d.conversations.MarkDelivered(ctx, item.id); err != nil {
			return fmt.Errorf("dispatcher: mark delivered: %w", err)
		}
	case kindControl:
		// Left running; the agent acks it later via ack_control.
	}

	if item.requireIdle {
		d.waitForSettle(ctx)
	}
	return nil
}

// waitForSettle sleeps POST_SEND_HOLD_MS then polls the status file up to
// EXECUTION_MAX_WAIT_MS until the agent settles into idle/offline/stopped
// (spec.md §4.B step 7).
func (d *Dispatcher) waitForSettle(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(d.cfg.PostSendHoldMS):
	}

	deadline := time.Now().Add(d.cfg.ExecutionMaxWaitMS)
	const pollEvery = 200 * time.Millisecond
	for time.Now().Before(deadline) {
		status, ok, err := statusfile.Read[agentstatus.AgentStatus](d.statusPath)
		if err == nil && ok {
			switch status.State {
			case agentstatus.StateIdle, agentstatus.StateOffline, agentstatus.StateStopped:
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollEvery):
		}
	}
}

func (d *Dispatcher) onSubmitFailure(ctx context.Context, item *claimedItem, result termio.Result) error {
	d.logger.Warn("submission failed",
		zap.Int64("id", item.id), zap.String("detail", result.Detail), zap.Int("attempts", result.Attempts))

	switch item.kind {
	case kindConversation:
		return d.handleConversationFailure(ctx, item)
	case kindControl:
		_, err := d.controls.RetryOrFailControl(ctx, item.id, result.Detail, d.cfg.MaxRetries)
		return err
	}
	return nil
}

// handleConversationFailure implements spec.md §4.B step 8's conversation
// branch: increment the retry count, fail permanently at the cap, otherwise
// sleep the exponential backoff and release back to pending.
func (d *Dispatcher) handleConversationFailure(ctx context.Context, item *claimedItem) error {
	count, err := d.conversations.IncrementRetryCount(ctx, item.id)
	if err != nil {
		return fmt.Errorf("dispatcher: increment retry count: %w", err)
	}

	if count >= d.cfg.MaxRetries {
		return d.conversations.MarkFailed(ctx, item.id)
	}

	backoff := jitter(d.cfg.RetryBase * time.Duration(1<<uint(count)))
	if backoff < 0 {
		backoff = d.cfg.RetryBase
	}
	select {
	case <-ctx.Done():
	case <-time.After(backoff):
	}
	return d.conversations.RequeueConversation(ctx, item.id)
}
