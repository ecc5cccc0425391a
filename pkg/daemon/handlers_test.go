package daemon

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapster-pi/tapster/pkg/calibration"
	"github.com/tapster-pi/tapster/pkg/config"
	"github.com/tapster-pi/tapster/pkg/controller"
	"github.com/tapster-pi/tapster/pkg/dispense"
	"github.com/tapster-pi/tapster/pkg/events"
	"github.com/tapster-pi/tapster/pkg/history"
	"github.com/tapster-pi/tapster/pkg/recipes"
	"github.com/tapster-pi/tapster/pkg/relay"
	"github.com/tapster-pi/tapster/pkg/utils/ptr"
)

func setupTestDaemon(t *testing.T) (*gin.Engine, *relay.MockDriver) {
	t.Helper()

	dir := t.TempDir()
	conf = config.NewFileFromConfig(&config.RawFileConfig{
		Channels:        []int{17, 27, 22},
		Driver:          ptr.To(config.DriverMock),
		CalibrationPath: ptr.To(filepath.Join(dir, "calibration.json")),
	}, filepath.Join(dir, "tapster.json"))

	drv := relay.NewMockDriver()
	set, err := relay.NewSet(drv, conf.Channels(), relay.WithSleeper(func(time.Duration) {}))
	require.NoError(t, err)
	store, err := calibration.NewStore(conf.CalibrationPath(), set.Len())
	require.NoError(t, err)

	journal, err = history.Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	catalog.Store(recipes.Default())
	hub = events.NewEventHub()

	ctrl, err = controller.New(set, store, controller.WithRecorder(journal), controller.WithPublisher(hub))
	require.NoError(t, err)
	scheduler = newCleanScheduler()

	t.Cleanup(func() {
		_ = ctrl.Close()
		_ = journal.Close()
	})

	return setupRoutes(), drv
}

func do(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestVersionAndStatus(t *testing.T) {
	r, _ := setupTestDaemon(t)

	w := do(t, r, http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st controller.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Len(t, st.Channels, 3)
	assert.True(t, st.NeedsCalibration)
}

func TestRecipeRoutes(t *testing.T) {
	r, _ := setupTestDaemon(t)

	w := do(t, r, http.MethodGet, "/recipes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var names []string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &names))
	assert.Contains(t, names, "gin and tonic")

	w = do(t, r, http.MethodGet, "/recipes/Gin%20and%20Tonic", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rec dispense.Recipe
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "gin", rec.Ingredients[0].Name)

	w = do(t, r, http.MethodGet, "/recipes/mojito", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDispenseRoutes(t *testing.T) {
	r, drv := setupTestDaemon(t)

	w := do(t, r, http.MethodPost, "/dispense", &dispense.Recipe{
		Name:        "custom",
		Ingredients: []dispense.Ingredient{{Name: "gin", Volume: 1}, {Name: "tonic", Volume: 2}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res dispense.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.ElementsMatch(t, []int{0, 1}, res.Completed)
	assert.Equal(t, []string{}, res.Dropped)
	for _, l := range []int{17, 27, 22} {
		assert.False(t, drv.IsOn(l))
	}

	w = do(t, r, http.MethodPost, "/dispense/long%20island", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Len(t, res.Completed, 3)
	assert.Equal(t, []string{"tequila", "triple sec", "coke"}, res.Dropped)

	w = do(t, r, http.MethodPost, "/dispense", map[string]any{"name": "bad", "ingredients": map[string]float64{"gin": -1}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/dispense/mojito", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodGet, "/history?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var entries []history.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "long island", entries[0].Recipe)

	w = do(t, r, http.MethodGet, "/history?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTestAndCleanRoutes(t *testing.T) {
	r, _ := setupTestDaemon(t)

	w := do(t, r, http.MethodPost, "/test", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rep dispense.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.Equal(t, []int{0, 1, 2}, rep.Completed)

	w = do(t, r, http.MethodPost, "/clean", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.Len(t, rep.Completed, 3)
	assert.Equal(t, 1.0, rep.Outcomes[0].Seconds)

	w = do(t, r, http.MethodPost, "/clean", CleanRequest{MarginSeconds: ptr.To(2.0), Channels: []int{1}})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.Equal(t, []int{1}, rep.Completed)
	assert.Equal(t, 2.0, rep.Outcomes[0].Seconds)

	w = do(t, r, http.MethodPost, "/clean", CleanRequest{Channels: []int{7}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/clean", CleanRequest{MarginSeconds: ptr.To(-1.0)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCalibrationRoutes(t *testing.T) {
	r, drv := setupTestDaemon(t)

	w := do(t, r, http.MethodGet, "/calibration", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st calibration.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, calibration.PhaseIdle, st.Phase)

	w = do(t, r, http.MethodPost, "/calibration/begin", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodPost, "/calibration/start", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodPost, "/test", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodPost, "/calibration/begin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, drv.IsOn(17))

	w = do(t, r, http.MethodPost, "/calibration/discard", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, calibration.PhaseDiscarded, st.Phase)
	assert.False(t, drv.IsOn(17))

	w = do(t, r, http.MethodPost, "/calibration/frobnicate", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCleanScheduleRoutes(t *testing.T) {
	r, _ := setupTestDaemon(t)

	w := do(t, r, http.MethodPut, "/clean-schedule", "0 3 * * *")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var st ScheduleStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "0 3 * * *", st.Expression)
	assert.False(t, st.NextRun.IsZero())
	assert.Equal(t, "0 3 * * *", conf.CleanSchedule())

	w = do(t, r, http.MethodPost, "/clean-schedule/skip", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var skipped ScheduleStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &skipped))
	assert.True(t, skipped.NextRun.After(st.NextRun))

	// Postponing needs a running scheduler.
	w = do(t, r, http.MethodPost, "/clean-schedule/postpone", "1h")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, r, http.MethodPost, "/clean-schedule/postpone", "soon")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPut, "/clean-schedule", "whenever")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "0 3 * * *", conf.CleanSchedule())

	w = do(t, r, http.MethodPut, "/clean-schedule", "")
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, r, http.MethodGet, "/clean-schedule", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Empty(t, st.Expression)
	assert.True(t, st.NextRun.IsZero())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(controller.ErrSessionConflict))
	assert.Equal(t, http.StatusConflict, statusFor(&calibration.TransitionError{Phase: calibration.PhaseIdle, Action: calibration.ActionCommit}))
	assert.Equal(t, http.StatusBadRequest, statusFor(dispense.ErrInvalidRecipe))
	assert.Equal(t, http.StatusNotFound, statusFor(recipes.ErrNotFound))
	assert.Equal(t, http.StatusInternalServerError, statusFor(&relay.Fault{Channel: 0, Line: 17, Op: "on"}))
}
