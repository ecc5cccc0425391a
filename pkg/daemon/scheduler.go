package daemon

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	defaultLeadDuration     = time.Minute * 5 // announce an upcoming clean this long before it starts
	defaultPreCheckMaxTimes = 30
	defaultPreCheckInterval = time.Second * 10
)

// TaskFunc represents a runnable task.
type TaskFunc func() error

// ScheduleStatus is the state of the clean schedule.
type ScheduleStatus struct {
	Expression string    `json:"expression"`
	NextRun    time.Time `json:"nextRun,omitempty"`
	Running    bool      `json:"running"`
}

// Scheduler runs Task on a cron schedule. OnUpcoming is called lead before
// each run. When PreCheck keeps failing the run is given up and OnSkipped
// is called with the last PreCheck error.
type Scheduler struct {
	Task       TaskFunc
	PreCheck   TaskFunc
	OnUpcoming func(runAt time.Time)
	OnSkipped  func(runAt time.Time, err error)
	OnError    func(err error)

	lead             time.Duration
	preCheckMaxTimes int
	preCheckInterval time.Duration

	parser cron.Parser

	mu       sync.Mutex
	expr     string
	schedule cron.Schedule
	nextRun  time.Time
	running  bool

	controlCh chan controlMsg
	stopCh    chan struct{}
}

// internal control kinds (not user visible events)
type controlKind int

const (
	ctrlRecalculate controlKind = iota // schedule changed or removed
	ctrlPostpone                       // next run postponed
	ctrlSkip                           // next run skipped
)

type controlMsg struct {
	kind controlKind
}

func NewScheduler(task, preCheck TaskFunc) *Scheduler {
	if task == nil {
		panic("task function cannot be nil")
	}

	return &Scheduler{
		Task:             task,
		PreCheck:         preCheck,
		lead:             defaultLeadDuration,
		preCheckMaxTimes: defaultPreCheckMaxTimes,
		preCheckInterval: defaultPreCheckInterval,
		parser:           cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		controlCh:        make(chan controlMsg, 4),
		stopCh:           make(chan struct{}),
	}
}

// Validate parses expr without changing the schedule.
func (s *Scheduler) Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := s.parser.Parse(strings.TrimSpace(expr))
	return err
}

func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh: // already closed
	default:
		close(s.stopCh)
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	go s.runScheduled()
}

// Schedule replaces the schedule. An empty expression disables it.
func (s *Scheduler) Schedule(expr string) error {
	expr = strings.TrimSpace(expr)

	var sh cron.Schedule
	if expr != "" {
		var err error
		sh, err = s.parser.Parse(expr)
		if err != nil {
			return fmt.Errorf("invalid schedule %q: %w", expr, err)
		}
	}

	s.mu.Lock()
	s.expr = expr
	s.schedule = sh
	s.nextRun = time.Time{}
	if sh != nil {
		s.nextRun = sh.Next(time.Now())
	}
	running := s.running
	s.mu.Unlock()

	if running {
		s.trySendControl(ctrlRecalculate)
	}
	return nil
}

// Postpone postpones the next scheduled run by the given duration. The run
// cannot be moved past the one after it.
func (s *Scheduler) Postpone(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("postpone duration must be positive")
	}

	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() || !s.running {
		s.mu.Unlock()
		return fmt.Errorf("no active schedule to postpone")
	}
	orig := s.nextRun
	next := s.schedule.Next(orig).Truncate(time.Second)
	pp := orig.Add(d).Truncate(time.Second)
	if pp.Compare(next) >= 0 {
		s.mu.Unlock()
		return fmt.Errorf("postpone duration too long")
	}
	s.nextRun = pp
	s.mu.Unlock()

	s.trySendControl(ctrlPostpone)
	return nil
}

// Skip skips the next scheduled run.
func (s *Scheduler) Skip() error {
	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() {
		s.mu.Unlock()
		return fmt.Errorf("no active schedule to skip")
	}
	s.nextRun = s.schedule.Next(s.nextRun)
	running := s.running
	s.mu.Unlock()

	if running {
		s.trySendControl(ctrlSkip)
	}
	return nil
}

func (s *Scheduler) Status() ScheduleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return ScheduleStatus{
		Expression: s.expr,
		NextRun:    s.nextRun,
		Running:    s.running,
	}
}

func (s *Scheduler) runScheduled() {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		logrus.Debug("clean scheduler stopped")
	}()

	logrus.Debug("clean scheduler started")

	for {
		if stop := s.waitAndRun(); stop {
			return
		}
	}
}

// waitAndRun handles one scheduled run, or returns early when the schedule
// changes. It reports whether the scheduler was stopped.
func (s *Scheduler) waitAndRun() bool {
	nextRun := s.snapshot()

	wait := time.Hour * 10000
	if !nextRun.IsZero() {
		wait = max(time.Until(nextRun)-s.lead, 0)
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	leading := true
	attempts := 0
	var preCheckErr error

	for {
		select {
		case <-s.stopCh:
			return true
		case msg := <-s.controlCh:
			logrus.WithField("kind", msg.kind).Debug("received control msg")
			return false
		case <-timer.C:
		}

		if nextRun.IsZero() {
			return false
		}

		if leading {
			logrus.Debugf("upcoming scheduled clean at %s", nextRun.Format(time.DateTime))
			leading = false
			timer.Reset(max(time.Until(nextRun), 0))
			if s.OnUpcoming != nil {
				go s.OnUpcoming(nextRun)
			}
			continue
		}

		if s.PreCheck != nil {
			if err := s.PreCheck(); err != nil {
				preCheckErr = err
				attempts++
				if attempts <= s.preCheckMaxTimes {
					logrus.Debugf("precheck failed (%d/%d): %v; retrying in %s", attempts, s.preCheckMaxTimes, err, s.preCheckInterval)
					timer.Reset(s.preCheckInterval)
					continue
				}

				logrus.Warnf("skipping scheduled clean at %s: %v", nextRun.Format(time.DateTime), preCheckErr)
				if s.OnSkipped != nil {
					go s.OnSkipped(nextRun, preCheckErr)
				}
				s.advanceNextRun(nextRun)
				return false
			}
		}

		logrus.Infof("running scheduled clean of %s", nextRun.Format(time.DateTime))
		go func() {
			if err := s.Task(); err != nil && s.OnError != nil {
				s.OnError(fmt.Errorf("scheduled clean failed: %w", err))
			}
		}()
		s.advanceNextRun(nextRun)
		return false
	}
}

func (s *Scheduler) snapshot() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// advanceNextRun moves past ran, unless the schedule was changed meanwhile.
func (s *Scheduler) advanceNextRun(ran time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil || !s.nextRun.Equal(ran) {
		return
	}
	s.nextRun = s.schedule.Next(ran)
}

func (s *Scheduler) trySendControl(kind controlKind) {
	select {
	case s.controlCh <- controlMsg{kind: kind}:
	default:
	}
}
