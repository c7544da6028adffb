package upgrade_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zylos-ai/zylos-supervisor/internal/upgrade"
)

func TestScriptServiceController_StopStart(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "marker")
	runner := upgrade.NewSubprocessRunner(time.Second)
	ctrl := upgrade.NewScriptServiceController(runner, map[string]upgrade.ServiceCommands{
		"agent": {
			Stop:  "rm -f " + marker,
			Start: "touch " + marker,
		},
	})
	ctx := context.Background()

	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o640))
	require.NoError(t, ctrl.Stop(ctx, "agent"))
	require.NoFileExists(t, marker)

	require.NoError(t, ctrl.Start(ctx, "agent"))
	require.FileExists(t, marker)
}

func TestScriptServiceController_UnknownNameIsNoop(t *testing.T) {
	runner := upgrade.NewSubprocessRunner(time.Second)
	ctrl := upgrade.NewScriptServiceController(runner, map[string]upgrade.ServiceCommands{})

	require.NoError(t, ctrl.Stop(context.Background(), "ghost"))
	require.NoError(t, ctrl.Start(context.Background(), "ghost"))
}

func TestScriptServiceController_IsOnline(t *testing.T) {
	runner := upgrade.NewSubprocessRunner(time.Second)
	ctx := context.Background()

	online := upgrade.NewScriptServiceController(runner, map[string]upgrade.ServiceCommands{
		"agent": {Health: "true"},
	})
	ok, err := online.IsOnline(ctx, "agent")
	require.NoError(t, err)
	require.True(t, ok)

	offline := upgrade.NewScriptServiceController(runner, map[string]upgrade.ServiceCommands{
		"agent": {Health: "false"},
	})
	ok, err = offline.IsOnline(ctx, "agent")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestScriptServiceController_IsOnline_NoHealthCommandAssumesOnline(t *testing.T) {
	runner := upgrade.NewSubprocessRunner(time.Second)
	ctrl := upgrade.NewScriptServiceController(runner, map[string]upgrade.ServiceCommands{
		"agent": {},
	})
	ok, err := ctrl.IsOnline(context.Background(), "agent")
	require.NoError(t, err)
	require.True(t, ok)
}
