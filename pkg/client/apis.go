package client

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/tapster-pi/tapster/pkg/calibration"
	"github.com/tapster-pi/tapster/pkg/controller"
	"github.com/tapster-pi/tapster/pkg/daemon"
	"github.com/tapster-pi/tapster/pkg/dispense"
	"github.com/tapster-pi/tapster/pkg/events"
	"github.com/tapster-pi/tapster/pkg/history"
)

func (c *Client) GetVersion() (string, error) {
	var v string
	if err := c.get("/version", &v); err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get daemon version")
	}
	return v, nil
}

func (c *Client) GetStatus() (*controller.Status, error) {
	var st controller.Status
	if err := c.get("/status", &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get status")
	}
	return &st, nil
}

func (c *Client) ListRecipes() ([]string, error) {
	var names []string
	if err := c.get("/recipes", &names); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to list recipes")
	}
	return names, nil
}

func (c *Client) GetRecipe(name string) (*dispense.Recipe, error) {
	var r dispense.Recipe
	if err := c.get("/recipes/"+url.PathEscape(name), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Make pours a recipe from the daemon's recipe book.
func (c *Client) Make(name string) (*dispense.Result, error) {
	var res dispense.Result
	if err := c.post("/dispense/"+url.PathEscape(name), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Dispense pours an ad-hoc recipe.
func (c *Client) Dispense(r *dispense.Recipe) (*dispense.Result, error) {
	var res dispense.Result
	if err := c.post("/dispense", r, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) TestAll() (*dispense.Report, error) {
	var rep dispense.Report
	if err := c.post("/test", nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Clean flushes channels. A nil margin uses the daemon's configured margin
// and no channels means all of them.
func (c *Client) Clean(margin *float64, channels []int) (*dispense.Report, error) {
	var rep dispense.Report
	req := daemon.CleanRequest{MarginSeconds: margin, Channels: channels}
	if err := c.post("/clean", req, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

func (c *Client) GetCalibration() (*calibration.Status, error) {
	var st calibration.Status
	if err := c.get("/calibration", &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get calibration status")
	}
	return &st, nil
}

func (c *Client) Calibrate(a calibration.Action) (*calibration.Status, error) {
	var st calibration.Status
	if err := c.post("/calibration/"+string(a), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) GetHistory(limit int) ([]history.Entry, error) {
	var entries []history.Entry
	if err := c.get("/history?limit="+strconv.Itoa(limit), &entries); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get history")
	}
	return entries, nil
}

func (c *Client) GetCleanSchedule() (*daemon.ScheduleStatus, error) {
	var st daemon.ScheduleStatus
	if err := c.get("/clean-schedule", &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get clean schedule")
	}
	return &st, nil
}

// SetCleanSchedule replaces the clean schedule. An empty expression
// disables it.
func (c *Client) SetCleanSchedule(expr string) (*daemon.ScheduleStatus, error) {
	var st daemon.ScheduleStatus
	if err := c.put("/clean-schedule", expr, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// PostponeCleanSchedule moves the next scheduled clean by d.
func (c *Client) PostponeCleanSchedule(d time.Duration) (*daemon.ScheduleStatus, error) {
	var st daemon.ScheduleStatus
	if err := c.post("/clean-schedule/postpone", d.String(), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) SkipCleanSchedule() (*daemon.ScheduleStatus, error) {
	var st daemon.ScheduleStatus
	if err := c.post("/clean-schedule/skip", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Watch calls fn for every daemon event until ctx is done, the stream ends
// or fn returns false.
func (c *Client) Watch(ctx context.Context, fn func(events.Event) bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	}

	var ev events.Event
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if ev.Name != "" {
				if !fn(ev) {
					return nil
				}
			}
			ev = events.Event{}
		case strings.HasPrefix(line, ":"):
			// keep-alive
		case strings.HasPrefix(line, "id: "):
			ev.ID, _ = strconv.ParseUint(strings.TrimPrefix(line, "id: "), 10, 64)
		case strings.HasPrefix(line, "event: "):
			ev.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = append(ev.Data, strings.TrimPrefix(line, "data: ")...)
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("event stream broke: %w", err)
	}
	return nil
}
