package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/zylos-ai/zylos-supervisor/internal/config"
	"github.com/zylos-ai/zylos-supervisor/internal/liveness"
	"github.com/zylos-ai/zylos-supervisor/internal/monitor"
	"github.com/zylos-ai/zylos-supervisor/internal/pendingchannels"
	"github.com/zylos-ai/zylos-supervisor/internal/statusfile"
	"github.com/zylos-ai/zylos-supervisor/internal/store"
)

// heartbeatPrompts maps each liveness.Phase to the content pasted into the
// agent's input area. Every prompt embeds __CONTROL_ID__ so the agent's
// reply can name the exact control item it is acknowledging (spec.md §4.A's
// control-ID substitution mechanism).
var heartbeatPrompts = map[liveness.Phase]string{
	liveness.PhasePrimary:        "Heartbeat check. Acknowledge by running: zylosctl control ack --id __CONTROL_ID__",
	liveness.PhaseRecovery:       "Recovery heartbeat check. Acknowledge by running: zylosctl control ack --id __CONTROL_ID__",
	liveness.PhaseDownCheck:      "Still there? Acknowledge by running: zylosctl control ack --id __CONTROL_ID__",
	liveness.PhaseRateLimitCheck: "Rate limit probe. Acknowledge by running: zylosctl control ack --id __CONTROL_ID__",
	liveness.PhaseStuck:          "Stuck probe. Acknowledge by running: zylosctl control ack --id __CONTROL_ID__",
}

// sessionKiller is the one monitor.Prober method the Liveness Engine's
// recovery step needs — narrowed to an interface so livenessDeps doesn't
// require a real tmux binary to test.
type sessionKiller interface {
	KillSession(ctx context.Context) error
}

// livenessDeps is the concrete liveness.Deps wired against the queue store,
// the heartbeat-pending status file, the tmux session prober, and the
// pending-channels log — the only side effects the Liveness Engine's pure
// state machine needs (spec.md §4.D).
type livenessDeps struct {
	controls    store.ControlStore
	prober      sessionKiller
	pendingPath string
	channelsLog string
	cfg         config.Config
	logger      *zap.Logger
}

var _ liveness.Deps = (*livenessDeps)(nil)

func newLivenessDeps(controls store.ControlStore, prober *monitor.Prober, installRoot string, cfg config.Config, logger *zap.Logger) *livenessDeps {
	dir := filepath.Join(installRoot, "activity-monitor")
	return &livenessDeps{
		controls:    controls,
		prober:      prober,
		pendingPath: filepath.Join(dir, "heartbeat-pending.json"),
		channelsLog: filepath.Join(dir, "pending-channels.jsonl"),
		cfg:         cfg,
		logger:      logger.Named("liveness_deps"),
	}
}

func (d *livenessDeps) EnqueueHeartbeat(ctx context.Context, phase liveness.Phase) (int64, error) {
	content, ok := heartbeatPrompts[phase]
	if !ok {
		return 0, fmt.Errorf("liveness deps: no prompt registered for phase %q", phase)
	}

	now := time.Now()
	deadline := now.Add(d.cfg.AckDeadline)
	ctrl, err := d.controls.InsertControl(ctx, content, store.InsertControlOptions{
		Priority:      0,
		BypassState:   true,
		AckDeadlineAt: &deadline,
	})
	if err != nil {
		return 0, fmt.Errorf("liveness deps: enqueue heartbeat: %w", err)
	}
	return ctrl.ID, nil
}

func (d *livenessDeps) GetHeartbeatStatus(ctx context.Context, controlID int64) (liveness.HeartbeatStatus, error) {
	ctrl, err := d.controls.GetByID(ctx, controlID)
	if err != nil {
		return liveness.HeartbeatNotFound, nil //nolint:nilerr // a missing row is a valid not_found outcome, not an error
	}

	switch ctrl.Status {
	case store.StatusPending:
		return liveness.HeartbeatPending, nil
	case store.StatusRunning:
		return liveness.HeartbeatRunning, nil
	case store.StatusDone:
		return liveness.HeartbeatDone, nil
	case store.StatusFailed:
		return liveness.HeartbeatFailed, nil
	case store.StatusTimeout:
		return liveness.HeartbeatTimeout, nil
	default:
		return liveness.HeartbeatError, nil
	}
}

func (d *livenessDeps) ReadPending(ctx context.Context) (*liveness.PendingHeartbeat, error) {
	p, ok, err := statusfile.Read[liveness.PendingHeartbeat](d.pendingPath)
	if err != nil {
		return nil, fmt.Errorf("liveness deps: read pending: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// ClearPending removes the pending-heartbeat file outright rather than
// overwriting it with a zero value: ReadPending treats "file does not
// exist" as the only "no pending heartbeat" signal, so a zeroed-but-present
// file would be misread as a pending heartbeat for control id 0.
func (d *livenessDeps) ClearPending(ctx context.Context) error {
	if err := os.Remove(d.pendingPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("liveness deps: clear pending: %w", err)
	}
	return nil
}

func (d *livenessDeps) WritePending(ctx context.Context, p liveness.PendingHeartbeat) error {
	if err := statusfile.Write(d.pendingPath, p); err != nil {
		return fmt.Errorf("liveness deps: write pending: %w", err)
	}
	return nil
}

func (d *livenessDeps) KillSession(ctx context.Context) error {
	return d.prober.KillSession(ctx)
}

// NotifyPendingChannels drains pending-channels.jsonl, logging each
// (channel, endpoint) that was refused delivery while the agent was
// unhealthy. Actually re-delivering to the channel is outside this
// binary's scope — the channel adapters live under skills/, invoked by
// zylosctl send — so this records the recovery in the log for an operator
// or an external watcher to act on.
func (d *livenessDeps) NotifyPendingChannels(ctx context.Context) error {
	entries, err := pendingchannels.ReadAndClear(d.channelsLog)
	if err != nil {
		return fmt.Errorf("liveness deps: drain pending channels: %w", err)
	}
	for _, e := range entries {
		d.logger.Info("agent recovered, channel had refused deliveries",
			zap.String("channel", e.Channel), zap.String("endpoint", e.Endpoint))
	}
	return nil
}

func (d *livenessDeps) Log(msg string, keyvals ...interface{}) {
	fields := make([]zap.Field, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, keyvals[i+1]))
	}
	d.logger.Info(msg, fields...)
}

// contextUsageState is persisted to context_monitor_state.json between the
// report step and the 30s-later handoff decision (spec.md §4.G).
type contextUsageState struct {
	LastFraction   float64   `json:"last_fraction"`
	LastReportedAt time.Time `json:"last_reported_at"`
}

// contextUsageChecker implements monitor.ContextUsageChecker by enqueuing
// control items the agent answers by writing its own usage fraction back
// into context_monitor_state.json (actual context-window measurement is
// agent-side; this binary only has the queue to ask with and the status
// file to read the answer from).
type contextUsageChecker struct {
	controls  store.ControlStore
	statePath string
	cfg       config.Config
	logger    *zap.Logger
}

var _ monitor.ContextUsageChecker = (*contextUsageChecker)(nil)

func newContextUsageChecker(controls store.ControlStore, installRoot string, cfg config.Config, logger *zap.Logger) *contextUsageChecker {
	return &contextUsageChecker{
		controls:  controls,
		statePath: filepath.Join(installRoot, "activity-monitor", "context_monitor_state.json"),
		cfg:       cfg,
		logger:    logger.Named("context_usage"),
	}
}

// ReportContextUsage enqueues the "report current context" control named in
// spec.md §4.E step 5, then reads back whatever fraction the agent last
// recorded — the value may be stale by up to one hourly cycle, which is
// acceptable since the handoff decision itself re-checks 30s later.
func (c *contextUsageChecker) ReportContextUsage(ctx context.Context) (float64, error) {
	deadline := time.Now().Add(c.cfg.AckDeadline)
	_, err := c.controls.InsertControl(ctx,
		"Report your current context window usage as a fraction (0.0-1.0) by writing "+
			"context_monitor_state.json's last_fraction field, then acknowledge with: "+
			"zylosctl control ack --id __CONTROL_ID__",
		store.InsertControlOptions{Priority: 1, AckDeadlineAt: &deadline},
	)
	if err != nil {
		return 0, fmt.Errorf("context usage: enqueue report request: %w", err)
	}

	state, ok, err := statusfile.Read[contextUsageState](c.statePath)
	if err != nil {
		return 0, fmt.Errorf("context usage: read state: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return state.LastFraction, nil
}

// InvokeHandoff enqueues the handoff control referenced by spec.md §4.E
// step 5(ii), asked for once usage crosses the threshold.
func (c *contextUsageChecker) InvokeHandoff(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.AckDeadline)
	_, err := c.controls.InsertControl(ctx,
		"Context usage is at or above threshold. Begin your handoff/checkpoint procedure, "+
			"then acknowledge with: zylosctl control ack --id __CONTROL_ID__",
		store.InsertControlOptions{Priority: 1, AckDeadlineAt: &deadline},
	)
	if err != nil {
		return fmt.Errorf("context usage: enqueue handoff: %w", err)
	}
	c.logger.Info("handoff invoked")
	return nil
}

// healthReporter implements monitor.HealthReporter by enqueuing the
// six-hourly health-report control (spec.md §4.E).
type healthReporter struct {
	controls store.ControlStore
	cfg      config.Config
}

var _ monitor.HealthReporter = (*healthReporter)(nil)

func newHealthReporter(controls store.ControlStore, cfg config.Config) *healthReporter {
	return &healthReporter{controls: controls, cfg: cfg}
}

func (h *healthReporter) EnqueueHealthReport(ctx context.Context) error {
	deadline := time.Now().Add(h.cfg.AckDeadline)
	_, err := h.controls.InsertControl(ctx,
		"Routine health check. Acknowledge by running: zylosctl control ack --id __CONTROL_ID__",
		store.InsertControlOptions{Priority: 2, AckDeadlineAt: &deadline},
	)
	if err != nil {
		return fmt.Errorf("health reporter: enqueue: %w", err)
	}
	return nil
}
