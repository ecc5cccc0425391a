package daemon

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapster-pi/tapster/pkg/config"
	"github.com/tapster-pi/tapster/pkg/utils/ptr"
)

func TestRunListenFailureLeavesSchedulerStopped(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "tapster.json")
	f := config.NewFileFromConfig(&config.RawFileConfig{
		Channels:        []int{17, 27},
		Driver:          ptr.To(config.DriverMock),
		CleanSchedule:   ptr.To("* * * * *"),
		CalibrationPath: ptr.To(filepath.Join(dir, "calibration.json")),
		HistoryPath:     ptr.To(filepath.Join(dir, "history.db")),
		RecipesPath:     ptr.To(filepath.Join(dir, "recipes.yaml")),
		LockPath:        ptr.To(filepath.Join(dir, "tapster.lock")),
	}, configPath)
	require.NoError(t, f.Save())

	// The socket directory does not exist, so listening fails.
	err := Run(configPath, filepath.Join(dir, "missing", "tapster.sock"), false)
	require.Error(t, err)

	st := scheduler.Status()
	assert.Equal(t, "* * * * *", st.Expression)
	assert.False(t, st.Running, "scheduled cleans must not start when the daemon fails to come up")
	assert.Empty(t, ctrl.Busy())
}
