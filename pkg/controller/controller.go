// Package controller owns the channels of one appliance and makes sure only
// one thing drives them at a time.
package controller

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tapster-pi/tapster/pkg/calibration"
	"github.com/tapster-pi/tapster/pkg/dispense"
	"github.com/tapster-pi/tapster/pkg/relay"
)

// ErrSessionConflict is returned when an operation is requested while
// another one, or a calibration session, is using the channels. The request
// has no side effects.
var ErrSessionConflict = errors.New("channels are busy")

// Publisher receives controller events. *events.EventHub implements it.
type Publisher interface {
	Publish(name string, payload any)
}

// Option customizes a Controller.
type Option func(*Controller)

// WithRecorder journals every finished operation.
func WithRecorder(r dispense.Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithPublisher announces operations and calibration phases on p.
func WithPublisher(p Publisher) Option {
	return func(c *Controller) { c.pub = p }
}

// Controller serializes access to one channel set. It rejects instead of
// queueing.
type Controller struct {
	channels *relay.Set
	store    *calibration.Store
	orch     *dispense.Orchestrator
	recorder dispense.Recorder
	pub      Publisher

	mu      sync.Mutex
	busy    string
	session *calibration.Session
}

// New returns a controller over channels using the fill delays in store.
// The store must have one entry per channel.
func New(channels *relay.Set, store *calibration.Store, opts ...Option) (*Controller, error) {
	if store.Len() != channels.Len() {
		return nil, fmt.Errorf("calibration store has %d channels, channel set has %d", store.Len(), channels.Len())
	}

	c := &Controller{
		channels: channels,
		store:    store,
	}
	for _, opt := range opts {
		opt(c)
	}

	var orchOpts []dispense.Option
	if c.recorder != nil {
		orchOpts = append(orchOpts, dispense.WithRecorder(c.recorder))
	}
	if c.pub != nil {
		orchOpts = append(orchOpts, dispense.WithPublisher(c.pub))
	}
	c.orch = dispense.NewOrchestrator(channels, store, orchOpts...)

	return c, nil
}

// checkIdle must be called with c.mu held.
func (c *Controller) checkIdle() error {
	if c.busy != "" {
		return fmt.Errorf("%w: %s in progress", ErrSessionConflict, c.busy)
	}
	if c.session != nil && c.session.Active() {
		return fmt.Errorf("%w: calibration in progress", ErrSessionConflict)
	}
	return nil
}

// Idle returns an ErrSessionConflict error while the channels are in use.
func (c *Controller) Idle() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.checkIdle()
}

// acquire marks the channels as used by op.
func (c *Controller) acquire(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkIdle(); err != nil {
		return err
	}
	c.busy = op
	return nil
}

func (c *Controller) release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.busy = ""
}

// Busy returns the operation in flight, or "".
func (c *Controller) Busy() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.busy
}

// Dispense pours recipe. It blocks until every channel has finished.
func (c *Controller) Dispense(recipe *dispense.Recipe) (*dispense.Result, error) {
	if err := c.acquire(string(dispense.KindDispense)); err != nil {
		return nil, err
	}
	defer c.release()

	if c.store.NeedsCalibration() {
		logrus.Warn("dispensing with uncalibrated channels, volumes will be short")
	}

	res, err := c.orch.Dispense(recipe)
	if err != nil {
		return nil, err
	}
	if c.store.NeedsCalibration() {
		res.Warnings = append(res.Warnings, "channels are not calibrated")
	}
	return res, nil
}

// TestAll pulses every channel in turn.
func (c *Controller) TestAll() (*dispense.Report, error) {
	if err := c.acquire(string(dispense.KindTest)); err != nil {
		return nil, err
	}
	defer c.release()

	return c.orch.TestAll()
}

// Clean flushes the given channels, or all of them.
func (c *Controller) Clean(marginSec float64, channels []int) (*dispense.Report, error) {
	if err := c.acquire(string(dispense.KindClean)); err != nil {
		return nil, err
	}
	defer c.release()

	return c.orch.Clean(marginSec, channels)
}

// StartCalibration opens a new calibration session. A finished session is
// replaced.
func (c *Controller) StartCalibration() (*calibration.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkIdle(); err != nil {
		return nil, err
	}

	s := calibration.NewSession(c.channels, c.store, c.pub)
	if err := s.Start(); err != nil {
		return nil, err
	}
	c.session = s

	return s.Status(), nil
}

// CalibrationAction applies a to the current session.
func (c *Controller) CalibrationAction(a calibration.Action) (*calibration.Status, error) {
	if a == calibration.ActionStart {
		return c.StartCalibration()
	}

	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s == nil {
		return nil, &calibration.TransitionError{Phase: calibration.PhaseIdle, Action: a}
	}
	if err := s.Do(a); err != nil {
		return s.Status(), err
	}
	return s.Status(), nil
}

// CalibrationStatus returns the state of the current or last session.
func (c *Controller) CalibrationStatus() *calibration.Status {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s == nil {
		s = calibration.NewSession(c.channels, c.store, nil)
	}
	return s.Status()
}

// ChannelStatus describes one channel.
type ChannelStatus struct {
	Index      int     `json:"index"`
	Line       int     `json:"line"`
	State      string  `json:"state"`
	FillDelay  float64 `json:"fillDelaySeconds"`
	Calibrated bool    `json:"calibrated"`
}

// Status is the overall controller state.
type Status struct {
	Channels         []ChannelStatus   `json:"channels"`
	NeedsCalibration bool              `json:"needsCalibration"`
	Busy             string            `json:"busy,omitempty"`
	Calibration      calibration.Phase `json:"calibration"`
}

func (c *Controller) Status() *Status {
	delays := c.store.Snapshot()

	st := &Status{
		NeedsCalibration: c.store.NeedsCalibration(),
		Busy:             c.Busy(),
		Calibration:      c.CalibrationStatus().Phase,
	}
	for i, ch := range c.channels.Channels() {
		st.Channels = append(st.Channels, ChannelStatus{
			Index:      ch.Index(),
			Line:       ch.Line(),
			State:      ch.State().String(),
			FillDelay:  delays[i],
			Calibrated: c.store.Calibrated(i),
		})
	}
	return st
}

// Close discards an active session, drives every line off and releases the
// driver.
func (c *Controller) Close() error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s != nil && s.Active() {
		if err := s.Discard(); err != nil {
			logrus.WithError(err).Warn("failed to discard calibration session")
		}
	}

	return c.channels.Close()
}
