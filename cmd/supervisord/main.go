// Package main is the entry point for supervisord, the long-lived process
// that owns the Dispatcher, Terminal I/O Adapter, Liveness Engine, and
// Activity Monitor (spec.md §4) plus the metrics HTTP endpoint — grounded
// on the teacher's agent/cmd/agent/main.go and server/cmd/server/main.go
// wiring pattern: a cobra root building one config struct, a run() that
// constructs every collaborator and supervises them until a shutdown
// signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zylos-ai/zylos-supervisor/internal/config"
	"github.com/zylos-ai/zylos-supervisor/internal/dispatcher"
	"github.com/zylos-ai/zylos-supervisor/internal/liveness"
	"github.com/zylos-ai/zylos-supervisor/internal/logging"
	"github.com/zylos-ai/zylos-supervisor/internal/metrics"
	"github.com/zylos-ai/zylos-supervisor/internal/monitor"
	"github.com/zylos-ai/zylos-supervisor/internal/store"
	"github.com/zylos-ai/zylos-supervisor/internal/termio"
	"github.com/zylos-ai/zylos-supervisor/internal/upgrade"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type daemonConfig struct {
	installRoot string
	dbDriver    string
	dbDSN       string
	logLevel    string
	session     string
	agentBin    string
	metricsAddr string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &daemonConfig{}

	root := &cobra.Command{
		Use:   "supervisord",
		Short: "supervisord — the zylos agent supervisor daemon",
		Long: `supervisord runs the Dispatcher, Terminal I/O Adapter, Liveness Engine, and
Activity Monitor in one process, driving the tmux session that hosts the
agent and exposing Prometheus metrics on --metrics-addr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.installRoot, "install-root", envOrDefault("ZYLOS_INSTALL_ROOT", config.Default().InstallRoot), "zylos install root directory")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("ZYLOS_DB_DRIVER", "sqlite"), "Queue store database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("ZYLOS_DB_DSN", ""), "Queue store DSN (defaults to <install-root>/conversations.db for sqlite)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ZYLOS_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.session, "session", envOrDefault("ZYLOS_SESSION", "zylos-agent"), "tmux session name hosting the agent")
	root.PersistentFlags().StringVar(&cfg.agentBin, "agent-bin", envOrDefault("ZYLOS_AGENT_BIN", "claude"), "Agent binary name to look for and to launch")
	root.PersistentFlags().StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("ZYLOS_METRICS_ADDR", config.Default().MetricsAddr), "Prometheus /metrics listen address")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("supervisord %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *daemonConfig) error {
	logger, err := logging.Build(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	appCfg := config.Default()
	appCfg.InstallRoot = cfg.installRoot

	loc, err := time.LoadLocation(appCfg.Timezone)
	if err != nil {
		logger.Warn("unknown timezone, falling back to UTC", zap.String("timezone", appCfg.Timezone))
		loc = time.UTC
	}

	dsn := cfg.dbDSN
	if dsn == "" && cfg.dbDriver == "sqlite" {
		dsn = filepath.Join(cfg.installRoot, "conversations.db")
	}
	st, err := store.Open(store.Config{Driver: cfg.dbDriver, DSN: dsn, Logger: logger})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	amDir := filepath.Join(cfg.installRoot, "activity-monitor")
	statusPath := filepath.Join(amDir, "claude-status.json")
	logPath := filepath.Join(amDir, "activity.log")
	target := cfg.session + ":0.0"

	submitter := termio.New(termio.Config{
		PasteDelayBase:        appCfg.PasteDelayBase,
		PasteDelayPerKB:       appCfg.PasteDelayPerKB,
		PasteDelayMax:         appCfg.PasteDelayMax,
		EnterVerifyMaxRetries: appCfg.EnterVerifyMaxRetries,
		EnterVerifyWaitMS:     appCfg.EnterVerifyWaitMS,
		CommandTimeout:        appCfg.SubprocessTimeout,
	}, logger)

	disp := dispatcher.New(st.Conversations, st.Controls, submitter, target, statusPath, appCfg, logger)

	prober := &monitor.Prober{Session: cfg.session, AgentBin: cfg.agentBin, CmdTimeout: appCfg.SubprocessTimeout}
	clock := &monitor.FileActivityTimer{
		ConversationLogDir: filepath.Join(cfg.installRoot, "conversation-logs"),
		Session:            cfg.session,
		CmdTimeout:          appCfg.SubprocessTimeout,
	}

	deps := newLivenessDeps(st.Controls, prober, cfg.installRoot, appCfg, logger)
	engine := liveness.New(liveness.Config{
		HeartbeatInterval:        appCfg.HeartbeatInterval,
		AckDeadline:              appCfg.AckDeadline,
		MaxPendingAge:            appCfg.MaxPendingAge,
		MaxRestartFailures:       appCfg.MaxRestartFailures,
		RateLimitedProbeInterval: appCfg.RateLimitedProbeInterval,
		DownRetryInterval:        appCfg.DownRetryInterval,
	}, deps, liveness.State{})

	dailyTasks := buildDailyTasks(cfg, appCfg, st, logger)

	mon := monitor.New(appCfg, prober, clock, engine, statusPath, logPath, amDir, loc, dailyTasks, logger)

	periodic, err := monitor.NewPeriodicChecks(logger)
	if err != nil {
		return fmt.Errorf("build periodic checks: %w", err)
	}
	usageChecker := newContextUsageChecker(st.Controls, cfg.installRoot, appCfg, logger)
	if err := periodic.ScheduleContextUsageCheck(usageChecker); err != nil {
		return fmt.Errorf("schedule context usage check: %w", err)
	}
	if err := periodic.ScheduleHealthCheck(newHealthReporter(st.Controls, appCfg)); err != nil {
		return fmt.Errorf("schedule health check: %w", err)
	}

	metricsSrv := &http.Server{
		Addr:    cfg.metricsAddr,
		Handler: promhttp.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return disp.Run(gctx) })
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error { return runQueueDepthPoller(gctx, st, engine) })

	g.Go(func() error {
		periodic.Start()
		<-gctx.Done()
		return periodic.Stop()
	})

	g.Go(func() error {
		logger.Info("metrics server listening", zap.String("addr", cfg.metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	logger.Info("supervisord started", zap.String("version", version), zap.String("session", cfg.session))

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("supervisord shutting down")
		return nil
	}
	return err
}

// buildDailyTasks wires the two example tasks named in spec.md §4.E: the
// component upgrade at 05:00 and the memory commit at 03:00.
func buildDailyTasks(cfg *daemonConfig, appCfg config.Config, st *store.Store, logger *zap.Logger) []monitor.DailyTask {
	var tasks []monitor.DailyTask

	if appCfg.AgentComponentRepo != "" {
		registry := upgrade.NewFileRegistry(filepath.Join(cfg.installRoot, "components.json"))
		upgrader := upgrade.New(
			upgrade.NewGitHubSourceRepo(appCfg.SubprocessTimeout),
			upgrade.NewScriptServiceController(upgrade.NewSubprocessRunner(appCfg.SubprocessTimeout), nil),
			nil,
			registry,
			upgrade.NewSubprocessRunner(appCfg.SubprocessTimeout),
			appCfg.ServiceVerifyTimeout,
			logger,
		)
		target := upgrade.Target{
			Name:       appCfg.AgentComponentName,
			Repo:       appCfg.AgentComponentRepo,
			InstallDir: filepath.Join(cfg.installRoot, "components", appCfg.AgentComponentName),
			LockPath:   filepath.Join(cfg.installRoot, "locks", appCfg.AgentComponentName+".lock"),
		}

		tasks = append(tasks, monitor.DailyTask{
			Name: "upgrade",
			Hour: 5,
			Run: func(ctx context.Context) error {
				return runDailyUpgrade(ctx, upgrader, target, logger)
			},
		})
	}

	if appCfg.MemoryDir != "" {
		runner := upgrade.NewSubprocessRunner(appCfg.SubprocessTimeout)
		tasks = append(tasks, monitor.DailyTask{
			Name: "memory-commit",
			Hour: 3,
			Run: func(ctx context.Context) error {
				return commitMemoryDir(ctx, runner, appCfg.MemoryDir)
			},
		})
	}

	return tasks
}

func runDailyUpgrade(ctx context.Context, upgrader *upgrade.Upgrader, target upgrade.Target, logger *zap.Logger) error {
	check, err := upgrader.Check(ctx, target)
	if err != nil {
		return fmt.Errorf("daily upgrade: check: %w", err)
	}
	if !check.HasUpdate {
		return nil
	}

	report, err := upgrader.Apply(ctx, target, check.Latest, func(step upgrade.StepReport) {
		logger.Info("upgrade step", zap.String("component", target.Name),
			zap.Int("step", step.Step), zap.Int("total", step.Total),
			zap.String("name", step.Name), zap.String("status", string(step.Status)))
	})
	if err != nil {
		return fmt.Errorf("daily upgrade: apply: %w", err)
	}

	outcome := "success"
	if report != nil {
		outcome = "failed"
		logger.Error("daily upgrade failed", zap.String("component", target.Name),
			zap.String("failed_step", report.FailedStep), zap.Int("failed_step_number", report.FailedStepNumber),
			zap.String("error", report.Error))
	}
	metrics.UpgradeOutcomes.WithLabelValues(target.Name, outcome).Inc()
	return nil
}

// commitMemoryDir runs a best-effort `git add -A && git commit` in dir,
// tolerating the "nothing to commit" case (git exits 1) as success.
func commitMemoryDir(ctx context.Context, runner *upgrade.SubprocessRunner, dir string) error {
	cmd := fmt.Sprintf("cd %q && git add -A && git commit -m 'daily memory snapshot' --allow-empty=false", dir)
	if _, err := runner.Run(ctx, cmd); err != nil {
		// "nothing to commit" is the common, non-error outcome of this task.
		return nil //nolint:nilerr
	}
	return nil
}

func runQueueDepthPoller(ctx context.Context, st *store.Store, engine *liveness.Engine) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	knownHealth := []string{
		string(liveness.HealthOK), string(liveness.HealthRecovering),
		string(liveness.HealthRateLimited), string(liveness.HealthDown),
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reportQueueDepth(st)
			metrics.SetHeartbeatHealth(string(engine.State().Health), knownHealth)
		}
	}
}

func reportQueueDepth(st *store.Store) {
	for _, s := range []struct{ table, status string }{
		{"conversations", "pending"}, {"conversations", "running"},
		{"controls", "pending"}, {"controls", "running"},
	} {
		var count int64
		if err := st.DB.Table(s.table).Where("status = ?", s.status).Count(&count).Error; err != nil {
			continue
		}
		metrics.QueueDepth.WithLabelValues(s.table, s.status).Set(float64(count))
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
