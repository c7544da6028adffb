// Package monitor implements the Activity Monitor — the 1-second-tick outer
// process of spec.md §4.E that classifies the agent's liveness, drives the
// Liveness Engine, and fires periodic/daily maintenance work.
package monitor

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/zylos-ai/zylos-supervisor/internal/agentstatus"
	"github.com/zylos-ai/zylos-supervisor/internal/config"
	"github.com/zylos-ai/zylos-supervisor/internal/liveness"
	"github.com/zylos-ai/zylos-supervisor/internal/statusfile"
)

// SessionProber is the seam onto tmux session/process detection (see
// Prober in process.go), narrowed so tests can substitute a fake.
type SessionProber interface {
	SessionExists(ctx context.Context) (bool, error)
	ProcessRunning(ctx context.Context) (bool, error)
	StartSession(ctx context.Context) error
}

// ActivityTimer resolves the agent's last-activity timestamp from the two
// sources named in spec.md §4.E step 4: the conversation log's mtime,
// falling back to terminal activity.
type ActivityTimer interface {
	LatestConversationLogMTime(ctx context.Context) (time.Time, bool, error)
	TerminalActivityTime(ctx context.Context) (time.Time, bool, error)
}

// Monitor is the §4.E Activity Monitor.
type Monitor struct {
	cfg    config.Config
	prober SessionProber
	clock  ActivityTimer
	engine *liveness.Engine

	statusPath    string
	logPath       string
	dailyStateDir string
	loc           *time.Location
	dailyTasks    []DailyTask

	logger *zap.Logger

	offlineSince     time.Time
	stoppedSince     time.Time
	idleSince        time.Time
	lastTruncateDate string
}

// New constructs a Monitor.
func New(
	cfg config.Config,
	prober SessionProber,
	clock ActivityTimer,
	engine *liveness.Engine,
	statusPath, logPath, dailyStateDir string,
	loc *time.Location,
	dailyTasks []DailyTask,
	logger *zap.Logger,
) *Monitor {
	return &Monitor{
		cfg:           cfg,
		prober:        prober,
		clock:         clock,
		engine:        engine,
		statusPath:    statusPath,
		logPath:       logPath,
		dailyStateDir: dailyStateDir,
		loc:           loc,
		dailyTasks:    dailyTasks,
		logger:        logger.Named("monitor"),
	}
}

// Run drives the 1-second tick loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Tick(ctx, time.Now()); err != nil {
				m.logger.Error("activity monitor tick failed", zap.Error(err))
			}
		}
	}
}

// Tick runs one iteration of spec.md §4.E's per-second loop.
func (m *Monitor) Tick(ctx context.Context, now time.Time) error {
	m.truncateLogIfNewDay(now)

	exists, err := m.prober.SessionExists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return m.handleUnavailable(ctx, now, agentstatus.StateOffline, &m.offlineSince)
	}
	m.offlineSince = time.Time{}

	running, err := m.prober.ProcessRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		return m.handleUnavailable(ctx, now, agentstatus.StateStopped, &m.stoppedSince)
	}
	m.stoppedSince = time.Time{}

	state, lastActivity, idleSeconds := m.deriveActivityState(ctx, now)

	if err := m.writeStatus(now, state, lastActivity, idleSeconds); err != nil {
		return err
	}

	if err := m.engine.Process(ctx, true, now); err != nil {
		return err
	}

	if m.engine.State().Health == liveness.HealthOK {
		RunDailyTasks(ctx, m.dailyTasks, now, m.loc, m.dailyStateDir, m.logger)
	}
	return nil
}

// handleUnavailable implements spec.md §4.E steps 2-3: record the state,
// restart the session once it's been absent for RESTART_DELAY, and drive
// the Liveness Engine with claude_running=false.
func (m *Monitor) handleUnavailable(ctx context.Context, now time.Time, state agentstatus.State, since *time.Time) error {
	if since.IsZero() {
		*since = now
	}
	if now.Sub(*since) >= m.cfg.RestartDelay {
		if err := m.prober.StartSession(ctx); err != nil {
			m.logger.Error("failed to restart agent session", zap.Error(err), zap.String("state", string(state)))
		} else {
			*since = time.Time{}
		}
	}

	if err := m.writeStatus(now, state, now, 0); err != nil {
		return err
	}
	return m.engine.Process(ctx, false, now)
}

// deriveActivityState implements spec.md §4.E step 4.
func (m *Monitor) deriveActivityState(ctx context.Context, now time.Time) (agentstatus.State, time.Time, float64) {
	lastActivity := now

	if t, ok, err := m.clock.LatestConversationLogMTime(ctx); err == nil && ok {
		lastActivity = t
	} else if t, ok, err := m.clock.TerminalActivityTime(ctx); err == nil && ok {
		lastActivity = t
	}

	if now.Sub(lastActivity) < m.cfg.IdleThreshold {
		m.idleSince = time.Time{}
		return agentstatus.StateBusy, lastActivity, 0
	}

	if m.idleSince.IsZero() {
		m.idleSince = now
	}
	return agentstatus.StateIdle, lastActivity, now.Sub(m.idleSince).Seconds()
}

func (m *Monitor) writeStatus(now time.Time, state agentstatus.State, lastActivity time.Time, idleSeconds float64) error {
	local := now.In(m.loc)
	status := agentstatus.AgentStatus{
		State:          state,
		Health:         agentstatus.Health(m.engine.State().Health),
		IdleSeconds:    idleSeconds,
		LastActivity:   lastActivity,
		LastCheck:      now,
		LastCheckHuman: local.Format(time.RFC1123),
	}
	return statusfile.Write(m.statusPath, status)
}

// truncateLogIfNewDay implements spec.md §4.E step 1.
func (m *Monitor) truncateLogIfNewDay(now time.Time) {
	today := now.In(m.loc).Format("2006-01-02")
	if m.lastTruncateDate == today {
		return
	}
	m.lastTruncateDate = today

	if m.logPath == "" {
		return
	}
	if err := os.Truncate(m.logPath, 0); err != nil && !os.IsNotExist(err) {
		m.logger.Error("failed to truncate activity log", zap.Error(err))
	}
}
