package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/zylos-ai/zylos-supervisor/internal/statusfile"
)

// DailyTask is one of spec.md §4.E's daily jobs — e.g. the 05:00 component
// upgrade or the 03:00 memory commit. Each fires exactly once per local day,
// tracked by its own state file rather than an interval timer, so a missed
// tick (process restart, clock skew) never causes a double-fire and a
// stuck task can be rolled back by deleting just its state file.
type DailyTask struct {
	Name string
	Hour int
	Run  func(ctx context.Context) error
}

type dailyTaskState struct {
	LastRunDate string `json:"last_run_date"`
}

// RunDailyTasks checks every task against the local hour and its own
// date-stamp, invoking any that are due. now and loc are injected so the
// date-stamp comparison is deterministic in tests.
func RunDailyTasks(ctx context.Context, tasks []DailyTask, now time.Time, loc *time.Location, stateDir string, logger *zap.Logger) {
	local := now.In(loc)
	today := local.Format("2006-01-02")

	for _, task := range tasks {
		if local.Hour() != task.Hour {
			continue
		}

		statePath := filepath.Join(stateDir, fmt.Sprintf("daily-%s-state.json", task.Name))
		state, _, err := statusfile.Read[dailyTaskState](statePath)
		if err != nil {
			logger.Error("failed to read daily task state", zap.String("task", task.Name), zap.Error(err))
			continue
		}
		if state.LastRunDate == today {
			continue
		}

		if err := task.Run(ctx); err != nil {
			logger.Error("daily task failed, will retry next tick", zap.String("task", task.Name), zap.Error(err))
			continue
		}

		if err := statusfile.Write(statePath, dailyTaskState{LastRunDate: today}); err != nil {
			logger.Error("failed to persist daily task state", zap.String("task", task.Name), zap.Error(err))
		}
	}
}
