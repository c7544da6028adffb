package upgrade_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zylos-ai/zylos-supervisor/internal/upgrade"
)

func TestFileRegistry_InstalledVersion_MissingFileIsEmpty(t *testing.T) {
	reg := upgrade.NewFileRegistry(filepath.Join(t.TempDir(), "components.json"))

	version, err := reg.InstalledVersion(context.Background(), "agent")
	require.NoError(t, err)
	require.Empty(t, version)
}

func TestFileRegistry_SetVersion_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "components.json")
	reg := upgrade.NewFileRegistry(path)
	ctx := context.Background()

	require.NoError(t, reg.SetVersion(ctx, "agent", "v1.0.0", time.Now().UTC()))

	version, err := reg.InstalledVersion(ctx, "agent")
	require.NoError(t, err)
	require.Equal(t, "v1.0.0", version)

	require.NoError(t, reg.SetVersion(ctx, "agent", "v2.0.0", time.Now().UTC()))
	version, err = reg.InstalledVersion(ctx, "agent")
	require.NoError(t, err)
	require.Equal(t, "v2.0.0", version)
}

func TestFileRegistry_SetVersion_IndependentComponents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "components.json")
	reg := upgrade.NewFileRegistry(path)
	ctx := context.Background()

	require.NoError(t, reg.SetVersion(ctx, "agent", "v1.0.0", time.Now().UTC()))
	require.NoError(t, reg.SetVersion(ctx, "watchdog", "v3.2.1", time.Now().UTC()))

	agentVersion, err := reg.InstalledVersion(ctx, "agent")
	require.NoError(t, err)
	require.Equal(t, "v1.0.0", agentVersion)

	watchdogVersion, err := reg.InstalledVersion(ctx, "watchdog")
	require.NoError(t, err)
	require.Equal(t, "v3.2.1", watchdogVersion)
}

func TestFileRegistry_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "components.json")
	ctx := context.Background()

	require.NoError(t, upgrade.NewFileRegistry(path).SetVersion(ctx, "agent", "v1.0.0", time.Now().UTC()))

	reopened := upgrade.NewFileRegistry(path)
	version, err := reopened.InstalledVersion(ctx, "agent")
	require.NoError(t, err)
	require.Equal(t, "v1.0.0", version)
}
