package daemon

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tapster-pi/tapster/pkg/calibration"
	"github.com/tapster-pi/tapster/pkg/dispense"
	"github.com/tapster-pi/tapster/pkg/history"
	"github.com/tapster-pi/tapster/pkg/version"
)

// CleanRequest is the optional body of POST /clean.
type CleanRequest struct {
	MarginSeconds *float64 `json:"marginSeconds,omitempty"`
	Channels      []int    `json:"channels,omitempty"`
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}

func getStatus(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, ctrl.Status())
}

func listRecipes(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, catalog.Load().Names())
}

func getRecipe(c *gin.Context) {
	r, err := catalog.Load().Lookup(c.Param("name"))
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, r)
}

func postDispense(c *gin.Context) {
	var r dispense.Recipe
	if err := c.ShouldBindJSON(&r); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	dispenseRecipe(c, &r)
}

func postDispenseByName(c *gin.Context) {
	r, err := catalog.Load().Lookup(c.Param("name"))
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	dispenseRecipe(c, r)
}

func dispenseRecipe(c *gin.Context, r *dispense.Recipe) {
	res, err := ctrl.Dispense(r)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, res)
}

func postTest(c *gin.Context) {
	rep, err := ctrl.TestAll()
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, rep)
}

func postClean(c *gin.Context) {
	var req CleanRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
	}

	margin := conf.CleanMarginSeconds()
	if req.MarginSeconds != nil {
		margin = *req.MarginSeconds
	}
	if margin < 0 {
		abort(c, http.StatusBadRequest, fmt.Errorf("margin must not be negative, got %.2f", margin))
		return
	}

	rep, err := ctrl.Clean(margin, req.Channels)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, rep)
}

func getCalibration(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, ctrl.CalibrationStatus())
}

func postCalibrationAction(c *gin.Context) {
	a, err := calibration.ParseAction(c.Param("action"))
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	st, err := ctrl.CalibrationAction(a)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, st)
}

func getHistory(c *gin.Context) {
	limit := history.DefaultLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			abort(c, http.StatusBadRequest, fmt.Errorf("limit must be a positive integer, got %q", s))
			return
		}
		limit = n
	}

	entries, err := journal.List(c.Request.Context(), limit)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, entries)
}

func getCleanSchedule(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, scheduler.Status())
}

func setCleanSchedule(c *gin.Context) {
	var expr string
	if err := c.ShouldBindJSON(&expr); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	expr = strings.TrimSpace(expr)

	if err := scheduler.Schedule(expr); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	conf.SetCleanSchedule(expr)
	if err := conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		abort(c, http.StatusInternalServerError, err)
		return
	}

	if expr == "" {
		logrus.Info("scheduled cleaning disabled")
	} else {
		logrus.WithField("expression", expr).Info("scheduled cleaning updated")
	}

	c.IndentedJSON(http.StatusCreated, scheduler.Status())
}

func postponeCleanSchedule(c *gin.Context) {
	var s string
	if err := c.ShouldBindJSON(&s); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	if err := scheduler.Postpone(d); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	logrus.Infof("next scheduled clean postponed by %s", d)

	c.IndentedJSON(http.StatusCreated, scheduler.Status())
}

func skipCleanSchedule(c *gin.Context) {
	if err := scheduler.Skip(); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	logrus.Info("next scheduled clean skipped")

	c.IndentedJSON(http.StatusCreated, scheduler.Status())
}
