package calibration

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tapster-pi/tapster/pkg/events"
	"github.com/tapster-pi/tapster/pkg/relay"
)

// now is a test seam.
var now = time.Now

// Publisher receives phase change events. *events.EventHub implements it.
type Publisher interface {
	Publish(name string, payload any)
}

// Session walks the operator through timing every channel once:
//
//	Idle -> Selecting(0) -> Running(0) -> Stopped(0) -> Selecting(1) -> ... -> Reviewing
//
// and ends Committed or Discarded. A session is used once.
type Session struct {
	mu       sync.Mutex
	channels *relay.Set
	store    *Store
	pub      Publisher

	phase      Phase
	current    int
	measured   map[int]float64
	startedAt  time.Time
	timerStart time.Time
	lastError  string
}

// NewSession returns an idle session over channels that commits into store.
// pub may be nil.
func NewSession(channels *relay.Set, store *Store, pub Publisher) *Session {
	return &Session{
		channels: channels,
		store:    store,
		pub:      pub,
		phase:    PhaseIdle,
		measured: make(map[int]float64),
	}
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.phase
}

// Active reports whether the session has started and not yet ended.
func (s *Session) Active() bool {
	p := s.Phase()
	return p != PhaseIdle && !p.Terminal()
}

// Do dispatches an action by name.
func (s *Session) Do(a Action) error {
	switch a {
	case ActionStart:
		return s.Start()
	case ActionBegin:
		return s.BeginTimer()
	case ActionStop:
		_, err := s.StopTimer()
		return err
	case ActionAdvance:
		return s.Advance()
	case ActionRedo:
		return s.Redo()
	case ActionSkip:
		return s.Skip()
	case ActionCommit:
		return s.Commit()
	case ActionDiscard:
		return s.Discard()
	}
	return fmt.Errorf("unknown calibration action %q", a)
}

// Start moves Idle to Selecting(0).
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseIdle {
		return &TransitionError{Phase: s.phase, Action: ActionStart}
	}

	s.startedAt = now()
	s.current = 0
	s.setPhase(PhaseSelecting, "calibration started")

	return nil
}

// BeginTimer switches the current channel on with no fixed duration and
// starts the stopwatch. On a driver fault the session stays in Selecting.
func (s *Session) BeginTimer() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseSelecting {
		return &TransitionError{Phase: s.phase, Action: ActionBegin}
	}

	c, err := s.channels.Channel(s.current)
	if err != nil {
		return err
	}
	if err := c.TurnOn(); err != nil {
		s.lastError = err.Error()
		return err
	}

	s.timerStart = now()
	s.lastError = ""
	s.setPhase(PhaseRunning, fmt.Sprintf("channel %d running", s.current))

	return nil
}

// StopTimer switches the current channel off and records the elapsed time,
// rounded to hundredths of a second. On a driver fault the session stays in
// Running so the operator can retry.
func (s *Session) StopTimer() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseRunning {
		return 0, &TransitionError{Phase: s.phase, Action: ActionStop}
	}

	c, err := s.channels.Channel(s.current)
	if err != nil {
		return 0, err
	}
	if err := c.TurnOff(); err != nil {
		s.lastError = err.Error()
		return 0, err
	}

	elapsed := round2(now().Sub(s.timerStart).Seconds())
	s.measured[s.current] = elapsed
	s.lastError = ""
	s.setPhase(PhaseStopped, fmt.Sprintf("channel %d measured %.2fs", s.current, elapsed))

	return elapsed, nil
}

// Advance moves Stopped(i) to Selecting(i+1), or to Reviewing after the last
// channel.
func (s *Session) Advance() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseStopped {
		return &TransitionError{Phase: s.phase, Action: ActionAdvance}
	}

	s.next()
	return nil
}

// Redo drops the measurement of the current channel and returns to
// Selecting it.
func (s *Session) Redo() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseStopped {
		return &TransitionError{Phase: s.phase, Action: ActionRedo}
	}

	delete(s.measured, s.current)
	s.setPhase(PhaseSelecting, fmt.Sprintf("channel %d measurement dropped", s.current))

	return nil
}

// Skip leaves the current channel unmeasured, so Commit keeps its previous
// delay, and moves on.
func (s *Session) Skip() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseSelecting {
		return &TransitionError{Phase: s.phase, Action: ActionSkip}
	}

	s.next()
	return nil
}

// next must be called with s.mu held.
func (s *Session) next() {
	if s.current+1 < s.channels.Len() {
		s.current++
		s.setPhase(PhaseSelecting, fmt.Sprintf("select channel %d", s.current))
		return
	}
	s.current = s.channels.Len()
	s.setPhase(PhaseReviewing, "all channels visited")
}

// Commit writes the measured delays into the store. A store failure leaves
// the session in Reviewing so Commit can be retried.
func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseReviewing {
		return &TransitionError{Phase: s.phase, Action: ActionCommit}
	}

	updates := make(map[int]float64, len(s.measured))
	for i, d := range s.measured {
		updates[i] = d
	}
	if err := s.store.Commit(updates); err != nil {
		s.lastError = err.Error()
		return err
	}

	s.lastError = ""
	s.setPhase(PhaseCommitted, fmt.Sprintf("saved %d channel(s)", len(updates)))

	return nil
}

// Discard ends the session without touching the store. A running channel is
// switched off first.
func (s *Session) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseIdle || s.phase.Terminal() {
		return &TransitionError{Phase: s.phase, Action: ActionDiscard}
	}

	if s.phase == PhaseRunning {
		if c, err := s.channels.Channel(s.current); err == nil {
			if err := c.TurnOff(); err != nil {
				logrus.WithField("channel", s.current).Errorf("failed to turn off channel while discarding calibration: %v", err)
			}
		}
	}

	s.setPhase(PhaseDiscarded, "calibration discarded")

	return nil
}

// Status returns a snapshot of the session.
func (s *Session) Status() *Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.channels.Len()
	st := &Status{
		Phase:        s.phase,
		Channel:      s.current,
		ChannelCount: n,
		StartedAt:    s.startedAt,
		Measured:     make([]*float64, n),
		Previous:     s.store.Snapshot(),
		LastError:    s.lastError,
	}
	if c, err := s.channels.Channel(s.current); err == nil {
		st.Line = c.Line()
	}
	for i, d := range s.measured {
		d := d
		st.Measured[i] = &d
	}
	if s.phase == PhaseRunning {
		st.RunningSeconds = round2(now().Sub(s.timerStart).Seconds())
	}

	return st
}

// setPhase must be called with s.mu held.
func (s *Session) setPhase(p Phase, msg string) {
	from := s.phase
	s.phase = p

	logrus.WithFields(logrus.Fields{
		"from":    from,
		"to":      p,
		"channel": s.current,
	}).Info(msg)

	if s.pub != nil {
		s.pub.Publish(events.CalibrationPhase, events.CalibrationPhaseEvent{
			From:    string(from),
			To:      string(p),
			Channel: s.current,
			Message: msg,
			Ts:      now().Unix(),
		})
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
