package monitor_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zylos-ai/zylos-supervisor/internal/agentstatus"
	"github.com/zylos-ai/zylos-supervisor/internal/config"
	"github.com/zylos-ai/zylos-supervisor/internal/liveness"
	"github.com/zylos-ai/zylos-supervisor/internal/monitor"
	"github.com/zylos-ai/zylos-supervisor/internal/statusfile"
)

type fakeProber struct {
	sessionExists bool
	processRuns   bool
	startCount    int
}

func (f *fakeProber) SessionExists(ctx context.Context) (bool, error) { return f.sessionExists, nil }
func (f *fakeProber) ProcessRunning(ctx context.Context) (bool, error) { return f.processRuns, nil }
func (f *fakeProber) StartSession(ctx context.Context) error {
	f.startCount++
	f.sessionExists = true
	f.processRuns = true
	return nil
}

type fakeActivity struct {
	logMTime time.Time
	haveLog  bool
	termTime time.Time
	haveTerm bool
}

func (f *fakeActivity) LatestConversationLogMTime(ctx context.Context) (time.Time, bool, error) {
	return f.logMTime, f.haveLog, nil
}

func (f *fakeActivity) TerminalActivityTime(ctx context.Context) (time.Time, bool, error) {
	return f.termTime, f.haveTerm, nil
}

type noopLivenessDeps struct{}

func (noopLivenessDeps) EnqueueHeartbeat(ctx context.Context, phase liveness.Phase) (int64, error) {
	return 1, nil
}
func (noopLivenessDeps) GetHeartbeatStatus(ctx context.Context, id int64) (liveness.HeartbeatStatus, error) {
	return liveness.HeartbeatPending, nil
}
func (noopLivenessDeps) ReadPending(ctx context.Context) (*liveness.PendingHeartbeat, error) {
	return nil, nil
}
func (noopLivenessDeps) ClearPending(ctx context.Context) error { return nil }
func (noopLivenessDeps) WritePending(ctx context.Context, p liveness.PendingHeartbeat) error {
	return nil
}
func (noopLivenessDeps) KillSession(ctx context.Context) error           { return nil }
func (noopLivenessDeps) NotifyPendingChannels(ctx context.Context) error { return nil }
func (noopLivenessDeps) Log(msg string, keyvals ...interface{})         {}

func testEngine() *liveness.Engine {
	return liveness.New(liveness.Config{
		HeartbeatInterval:        30 * time.Minute,
		AckDeadline:              5 * time.Minute,
		MaxPendingAge:            10 * time.Minute,
		MaxRestartFailures:       3,
		RateLimitedProbeInterval: 5 * time.Minute,
		DownRetryInterval:        30 * time.Minute,
	}, noopLivenessDeps{}, liveness.State{Health: liveness.HealthOK})
}

func TestMonitor_OfflineRestartsAfterDelay(t *testing.T) {
	dir := t.TempDir()
	statusPath := filepath.Join(dir, "agent_status.json")

	cfg := config.Default()
	cfg.RestartDelay = 2 * time.Second
	cfg.IdleThreshold = 3 * time.Second

	prober := &fakeProber{sessionExists: false}
	m := monitor.New(cfg, prober, &fakeActivity{}, testEngine(), statusPath, "", dir, time.UTC, nil, zap.NewNop())

	start := time.Now()
	require.NoError(t, m.Tick(context.Background(), start))

	status, ok, err := statusfile.Read[agentstatus.AgentStatus](statusPath)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, agentstatus.StateOffline, status.State)
	require.Equal(t, 0, prober.startCount, "must not restart before RESTART_DELAY elapses")

	require.NoError(t, m.Tick(context.Background(), start.Add(3*time.Second)))
	require.Equal(t, 1, prober.startCount)
}

func TestMonitor_BusyWhenRecentActivity(t *testing.T) {
	dir := t.TempDir()
	statusPath := filepath.Join(dir, "agent_status.json")

	cfg := config.Default()
	cfg.IdleThreshold = 3 * time.Second

	now := time.Now()
	prober := &fakeProber{sessionExists: true, processRuns: true}
	activity := &fakeActivity{logMTime: now.Add(-time.Second), haveLog: true}
	m := monitor.New(cfg, prober, activity, testEngine(), statusPath, "", dir, time.UTC, nil, zap.NewNop())

	require.NoError(t, m.Tick(context.Background(), now))

	status, ok, err := statusfile.Read[agentstatus.AgentStatus](statusPath)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, agentstatus.StateBusy, status.State)
}

func TestMonitor_IdleAccumulatesSeconds(t *testing.T) {
	dir := t.TempDir()
	statusPath := filepath.Join(dir, "agent_status.json")

	cfg := config.Default()
	cfg.IdleThreshold = 3 * time.Second

	now := time.Now()
	prober := &fakeProber{sessionExists: true, processRuns: true}
	activity := &fakeActivity{logMTime: now.Add(-time.Hour), haveLog: true}
	m := monitor.New(cfg, prober, activity, testEngine(), statusPath, "", dir, time.UTC, nil, zap.NewNop())

	require.NoError(t, m.Tick(context.Background(), now))
	status, _, err := statusfile.Read[agentstatus.AgentStatus](statusPath)
	require.NoError(t, err)
	require.Equal(t, agentstatus.StateIdle, status.State)
	require.InDelta(t, 0, status.IdleSeconds, 0.5)

	require.NoError(t, m.Tick(context.Background(), now.Add(5*time.Second)))
	status, _, err = statusfile.Read[agentstatus.AgentStatus](statusPath)
	require.NoError(t, err)
	require.InDelta(t, 5, status.IdleSeconds, 0.5)
}

func TestMonitor_DailyTaskFiresOncePerDay(t *testing.T) {
	dir := t.TempDir()
	statusPath := filepath.Join(dir, "agent_status.json")

	cfg := config.Default()
	cfg.IdleThreshold = 3 * time.Second

	runs := 0
	tasks := []monitor.DailyTask{{
		Name: "upgrade",
		Hour: 5,
		Run: func(ctx context.Context) error {
			runs++
			return nil
		},
	}}

	prober := &fakeProber{sessionExists: true, processRuns: true}
	now := time.Date(2026, 7, 31, 5, 0, 0, 0, time.UTC)
	activity := &fakeActivity{logMTime: now.Add(-time.Hour), haveLog: true}
	m := monitor.New(cfg, prober, activity, testEngine(), statusPath, "", dir, time.UTC, tasks, zap.NewNop())

	require.NoError(t, m.Tick(context.Background(), now))
	require.Equal(t, 1, runs)

	require.NoError(t, m.Tick(context.Background(), now.Add(time.Minute)))
	require.Equal(t, 1, runs, "must not re-fire within the same local day")

	require.NoError(t, m.Tick(context.Background(), now.Add(24*time.Hour)))
	require.Equal(t, 2, runs, "fires again the next day")
}
