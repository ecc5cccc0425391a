package daemon

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tapster-pi/tapster/pkg/events"
)

func newCleanScheduler() *Scheduler {
	s := NewScheduler(runScheduledClean, cleanPreCheck)
	s.OnUpcoming = func(runAt time.Time) {
		hub.Publish(events.CleanUpcoming, events.ScheduleEvent{
			RunAt:   runAt.Unix(),
			Message: fmt.Sprintf("lines will be flushed at %s, put a container under the nozzles", runAt.Format(time.Kitchen)),
			Ts:      time.Now().Unix(),
		})
	}
	s.OnSkipped = func(runAt time.Time, err error) {
		hub.Publish(events.CleanSkipped, events.ScheduleEvent{
			RunAt:   runAt.Unix(),
			Message: err.Error(),
			Ts:      time.Now().Unix(),
		})
	}
	s.OnError = func(err error) {
		logrus.Error(err)
	}
	return s
}

// cleanPreCheck fails while anything is using the channels.
func cleanPreCheck() error {
	return ctrl.Idle()
}

func runScheduledClean() error {
	rep, err := ctrl.Clean(conf.CleanMarginSeconds(), nil)
	if err != nil {
		return err
	}
	if !rep.OK() {
		return fmt.Errorf("channels %v faulted", rep.Faulted)
	}
	return nil
}
