package calibration

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tapster-pi/tapster/pkg/events"
	"github.com/tapster-pi/tapster/pkg/relay"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }
func (c *fakeClock) inject(t *testing.T)     { now = c.now; t.Cleanup(func() { now = time.Now }) }

func newTestSession(t *testing.T, lines ...int) (*Session, *Store, *relay.MockDriver, *fakeClock) {
	t.Helper()

	clock := &fakeClock{t: time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)}
	clock.inject(t)

	drv := relay.NewMockDriver()
	set, err := relay.NewSet(drv, lines)
	if err != nil {
		t.Fatalf("NewSet failed: %v", err)
	}
	store, err := NewStore("", len(lines))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return NewSession(set, store, nil), store, drv, clock
}

// TestCalibrationFlow walks every channel and commits.
func TestCalibrationFlow(t *testing.T) {
	s, store, drv, clock := newTestSession(t, 17, 27)

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.Phase() != PhaseSelecting {
		t.Fatalf("expected selecting phase, got %s", s.Phase())
	}

	measurements := []time.Duration{2346 * time.Millisecond, 3004 * time.Millisecond}
	want := []float64{2.35, 3.0}
	lines := []int{17, 27}

	for i, d := range measurements {
		if err := s.BeginTimer(); err != nil {
			t.Fatalf("BeginTimer(%d) failed: %v", i, err)
		}
		if !drv.IsOn(lines[i]) {
			t.Fatalf("expected line %d on while running", lines[i])
		}
		clock.advance(d)

		got, err := s.StopTimer()
		if err != nil {
			t.Fatalf("StopTimer(%d) failed: %v", i, err)
		}
		if got != want[i] {
			t.Fatalf("channel %d: expected %.2f, got %.2f", i, want[i], got)
		}
		if drv.IsOn(lines[i]) {
			t.Fatalf("expected line %d off after stop", lines[i])
		}
		if err := s.Advance(); err != nil {
			t.Fatalf("Advance(%d) failed: %v", i, err)
		}
	}

	if s.Phase() != PhaseReviewing {
		t.Fatalf("expected reviewing phase, got %s", s.Phase())
	}
	if st := s.Status(); st.Channel != 2 || st.Measured[1] == nil || *st.Measured[1] != 3.0 {
		t.Fatalf("unexpected status %+v", st)
	}

	if err := s.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if s.Phase() != PhaseCommitted || s.Active() {
		t.Fatalf("expected committed and inactive, got %s", s.Phase())
	}

	got := store.Snapshot()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("store channel %d: expected %.2f, got %.2f", i, want[i], got[i])
		}
	}
}

func TestCalibrationDiscardLeavesStore(t *testing.T) {
	s, store, drv, clock := newTestSession(t, 17)
	if err := store.Commit(map[int]float64{0: 4.2}); err != nil {
		t.Fatal(err)
	}

	_ = s.Start()
	_ = s.BeginTimer()
	clock.advance(time.Second)

	if err := s.Discard(); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if drv.IsOn(17) {
		t.Fatalf("discarding a running session must turn the channel off")
	}
	if s.Phase() != PhaseDiscarded {
		t.Fatalf("expected discarded, got %s", s.Phase())
	}
	if got := store.FillDelay(0); got != 4.2 {
		t.Fatalf("store changed to %.2f", got)
	}
	if err := s.Discard(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestCalibrationSkipKeepsPrevious(t *testing.T) {
	s, store, _, clock := newTestSession(t, 17, 27, 22)
	if err := store.Commit(map[int]float64{0: 1, 1: 2, 2: 3}); err != nil {
		t.Fatal(err)
	}

	_ = s.Start()
	if err := s.Skip(); err != nil {
		t.Fatalf("Skip failed: %v", err)
	}
	_ = s.BeginTimer()
	clock.advance(5 * time.Second)
	_, _ = s.StopTimer()
	_ = s.Advance()
	if err := s.Skip(); err != nil {
		t.Fatalf("Skip failed: %v", err)
	}
	if s.Phase() != PhaseReviewing {
		t.Fatalf("expected reviewing, got %s", s.Phase())
	}
	if err := s.Commit(); err != nil {
		t.Fatal(err)
	}

	got := store.Snapshot()
	want := []float64{1, 5, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("channel %d: expected %.2f, got %.2f", i, want[i], got[i])
		}
	}
}

// TestCalibrationSkipAllStaysUncalibrated commits a session that measured
// nothing.
func TestCalibrationSkipAllStaysUncalibrated(t *testing.T) {
	s, store, _, _ := newTestSession(t, 17, 27)

	_ = s.Start()
	_ = s.Skip()
	_ = s.Skip()
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if s.Phase() != PhaseCommitted {
		t.Fatalf("expected committed, got %s", s.Phase())
	}
	if !store.NeedsCalibration() {
		t.Fatalf("store must still need calibration, delays %v", store.Snapshot())
	}
}

// TestCalibrationPartialAfterReset measures one of two channels on a store
// that was reset by a mismatched file.
func TestCalibrationPartialAfterReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calibration.json")
	if err := os.WriteFile(path, []byte("[1, 2, 3]"), 0644); err != nil {
		t.Fatal(err)
	}

	idle, _, _, clock := newTestSession(t, 17, 27)
	store, err := NewStore(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSession(idle.channels, store, nil)
	if !store.NeedsCalibration() {
		t.Fatalf("mismatched file must reset the store")
	}

	_ = s.Start()
	_ = s.BeginTimer()
	clock.advance(2 * time.Second)
	_, _ = s.StopTimer()
	_ = s.Advance()
	_ = s.Skip()
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if !store.Calibrated(0) || store.Calibrated(1) {
		t.Fatalf("expected only channel 0 calibrated")
	}
	if !store.NeedsCalibration() {
		t.Fatalf("channel 1 was skipped, store must still need calibration")
	}

	reloaded, err := NewStore(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.NeedsCalibration() || reloaded.FillDelay(0) != 2 {
		t.Fatalf("reload lost calibration state: %v", reloaded.Snapshot())
	}
}

func TestCalibrationRedo(t *testing.T) {
	s, store, _, clock := newTestSession(t, 17)

	_ = s.Start()
	_ = s.BeginTimer()
	clock.advance(9 * time.Second)
	_, _ = s.StopTimer()

	if err := s.Redo(); err != nil {
		t.Fatalf("Redo failed: %v", err)
	}
	if st := s.Status(); st.Phase != PhaseSelecting || st.Measured[0] != nil {
		t.Fatalf("redo must drop the measurement, got %+v", st)
	}

	_ = s.BeginTimer()
	clock.advance(1500 * time.Millisecond)
	_, _ = s.StopTimer()
	_ = s.Advance()
	_ = s.Commit()

	if got := store.FillDelay(0); got != 1.5 {
		t.Fatalf("expected 1.50, got %.2f", got)
	}
}

func TestCalibrationInvalidTransitions(t *testing.T) {
	s, _, drv, _ := newTestSession(t, 17)

	for _, fn := range []func() error{s.BeginTimer, s.Advance, s.Skip, s.Redo, s.Commit, s.Discard} {
		if err := fn(); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected invalid transition in idle, got %v", err)
		}
	}
	if _, err := s.StopTimer(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	_ = s.Start()
	if err := s.Start(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on double start, got %v", err)
	}
	_ = s.BeginTimer()
	if err := s.BeginTimer(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on double begin, got %v", err)
	}
	if !drv.IsOn(17) {
		t.Fatalf("rejected action must not change the line")
	}
}

func TestCalibrationBeginFault(t *testing.T) {
	s, _, drv, _ := newTestSession(t, 17)
	drv.SetFault(17, relay.MockFault{OnErr: errors.New("relay board unplugged")})

	_ = s.Start()
	err := s.BeginTimer()
	var fault *relay.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("expected relay fault, got %v", err)
	}
	if s.Phase() != PhaseSelecting {
		t.Fatalf("fault must keep selecting phase, got %s", s.Phase())
	}
	if s.Status().LastError == "" {
		t.Fatalf("expected last error in status")
	}
}

func TestCalibrationPublishesPhases(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	clock.inject(t)

	set, _ := relay.NewSet(relay.NewMockDriver(), []int{17})
	store, _ := NewStore("", 1)
	hub := events.NewEventHub()
	ch := hub.Subscribe()

	s := NewSession(set, store, hub)
	if err := s.Do(ActionStart); err != nil {
		t.Fatal(err)
	}

	ev := <-ch
	payload, err := events.DecodeAs[events.CalibrationPhaseEvent](ev)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Name != events.CalibrationPhase || payload.From != string(PhaseIdle) || payload.To != string(PhaseSelecting) {
		t.Fatalf("unexpected event %s %+v", ev.Name, payload)
	}
}

func TestParseAction(t *testing.T) {
	if a, err := ParseAction("commit"); err != nil || a != ActionCommit {
		t.Fatalf("ParseAction(commit) = %v, %v", a, err)
	}
	if _, err := ParseAction("explode"); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}
