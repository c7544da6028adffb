package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zylos-ai/zylos-supervisor/internal/config"
	"github.com/zylos-ai/zylos-supervisor/internal/liveness"
	"github.com/zylos-ai/zylos-supervisor/internal/pendingchannels"
	"github.com/zylos-ai/zylos-supervisor/internal/statusfile"
	"github.com/zylos-ai/zylos-supervisor/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{
		DSN:    "file:" + t.Name() + "?mode=memory&cache=shared",
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeSessionKiller struct {
	killed bool
	err    error
}

func (f *fakeSessionKiller) KillSession(ctx context.Context) error {
	f.killed = true
	return f.err
}

func TestLivenessDeps_EnqueueHeartbeat_PreservesZeroPriority(t *testing.T) {
	s := newTestStore(t)
	cfg := config.Default()
	cfg.AckDeadline = time.Minute
	deps := &livenessDeps{
		controls:    s.Controls,
		prober:      &fakeSessionKiller{},
		pendingPath: filepath.Join(t.TempDir(), "heartbeat-pending.json"),
		channelsLog: filepath.Join(t.TempDir(), "pending-channels.jsonl"),
		cfg:         cfg,
		logger:      zap.NewNop(),
	}

	id, err := deps.EnqueueHeartbeat(context.Background(), liveness.PhasePrimary)
	require.NoError(t, err)

	ctrl, err := s.Controls.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 0, ctrl.Priority)
	require.True(t, ctrl.BypassState)
}

func TestLivenessDeps_EnqueueHeartbeat_UnknownPhase(t *testing.T) {
	s := newTestStore(t)
	deps := &livenessDeps{controls: s.Controls, cfg: config.Default(), logger: zap.NewNop()}

	_, err := deps.EnqueueHeartbeat(context.Background(), liveness.Phase("bogus"))
	require.Error(t, err)
}

func TestLivenessDeps_GetHeartbeatStatus(t *testing.T) {
	s := newTestStore(t)
	deps := &livenessDeps{controls: s.Controls, cfg: config.Default(), logger: zap.NewNop()}
	ctx := context.Background()

	ctrl, err := s.Controls.InsertControl(ctx, "x", store.InsertControlOptions{})
	require.NoError(t, err)

	status, err := deps.GetHeartbeatStatus(ctx, ctrl.ID)
	require.NoError(t, err)
	require.Equal(t, liveness.HeartbeatPending, status)

	status, err = deps.GetHeartbeatStatus(ctx, 999999)
	require.NoError(t, err)
	require.Equal(t, liveness.HeartbeatNotFound, status)
}

func TestLivenessDeps_PendingRoundTripAndClear(t *testing.T) {
	deps := &livenessDeps{
		pendingPath: filepath.Join(t.TempDir(), "heartbeat-pending.json"),
		cfg:         config.Default(),
		logger:      zap.NewNop(),
	}
	ctx := context.Background()

	p, err := deps.ReadPending(ctx)
	require.NoError(t, err)
	require.Nil(t, p)

	want := liveness.PendingHeartbeat{ControlID: 7, Phase: liveness.PhasePrimary, CreatedAt: time.Now().UTC()}
	require.NoError(t, deps.WritePending(ctx, want))

	got, err := deps.ReadPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, want.ControlID, got.ControlID)

	require.NoError(t, deps.ClearPending(ctx))
	p, err = deps.ReadPending(ctx)
	require.NoError(t, err)
	require.Nil(t, p, "clearing must remove the file, not zero it in place")

	require.NoError(t, deps.ClearPending(ctx), "clearing an already-absent file is not an error")
}

func TestLivenessDeps_KillSession(t *testing.T) {
	killer := &fakeSessionKiller{}
	deps := &livenessDeps{prober: killer, logger: zap.NewNop()}

	require.NoError(t, deps.KillSession(context.Background()))
	require.True(t, killer.killed)
}

func TestLivenessDeps_NotifyPendingChannels_DrainsLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending-channels.jsonl")
	require.NoError(t, pendingchannels.Append(path, pendingchannels.Entry{Channel: "telegram", Endpoint: "42"}))

	deps := &livenessDeps{channelsLog: path, logger: zap.NewNop()}
	require.NoError(t, deps.NotifyPendingChannels(context.Background()))

	remaining, err := pendingchannels.ReadAndClear(path)
	require.NoError(t, err)
	require.Nil(t, remaining, "notify must drain the log")
}

func TestContextUsageChecker_ReportsLastWrittenFraction(t *testing.T) {
	s := newTestStore(t)
	installRoot := t.TempDir()
	cfg := config.Default()
	cfg.AckDeadline = time.Minute
	checker := newContextUsageChecker(s.Controls, installRoot, cfg, zap.NewNop())
	ctx := context.Background()

	fraction, err := checker.ReportContextUsage(ctx)
	require.NoError(t, err)
	require.Zero(t, fraction, "no state file yet")

	statePath := filepath.Join(installRoot, "activity-monitor", "context_monitor_state.json")
	require.NoError(t, statusfile.Write(statePath, contextUsageState{LastFraction: 0.73, LastReportedAt: time.Now()}))

	fraction, err = checker.ReportContextUsage(ctx)
	require.NoError(t, err)
	require.Equal(t, 0.73, fraction)
}

func TestContextUsageChecker_InvokeHandoff_Enqueues(t *testing.T) {
	s := newTestStore(t)
	cfg := config.Default()
	checker := newContextUsageChecker(s.Controls, t.TempDir(), cfg, zap.NewNop())

	require.NoError(t, checker.InvokeHandoff(context.Background()))

	ctrl, err := s.Controls.NextPendingControl(context.Background(), time.Now())
	require.NoError(t, err)
	require.NotNil(t, ctrl)
	require.Contains(t, ctrl.Content, "handoff")
}

func TestHealthReporter_EnqueueHealthReport(t *testing.T) {
	s := newTestStore(t)
	reporter := newHealthReporter(s.Controls, config.Default())

	require.NoError(t, reporter.EnqueueHealthReport(context.Background()))

	ctrl, err := s.Controls.NextPendingControl(context.Background(), time.Now())
	require.NoError(t, err)
	require.NotNil(t, ctrl)
	require.Equal(t, 2, ctrl.Priority)
}
