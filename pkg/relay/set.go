package relay

import (
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoChannels is returned when a set is built from an empty line list.
	ErrNoChannels = errors.New("channel set is empty")
	// ErrUnknownChannel is returned for an index outside the set.
	ErrUnknownChannel = errors.New("unknown channel")
)

// Option customizes a Set.
type Option func(*Set)

// WithSleeper replaces time.Sleep for timed pulses. Tests use it to run
// actuations instantly.
func WithSleeper(sleep func(time.Duration)) Option {
	return func(s *Set) {
		s.sleep = sleep
	}
}

// Set is the fixed, ordered list of channels of one appliance.
type Set struct {
	drv      Driver
	sleep    func(time.Duration)
	channels []*Channel
}

// NewSet opens drv and builds one channel per line, in order. Every line is
// driven off before NewSet returns.
func NewSet(drv Driver, lines []int, opts ...Option) (*Set, error) {
	if len(lines) == 0 {
		return nil, ErrNoChannels
	}

	seen := make(map[int]int, len(lines))
	for i, line := range lines {
		if j, ok := seen[line]; ok {
			return nil, fmt.Errorf("line %d is used by channel %d and %d", line, j, i)
		}
		seen[line] = i
	}

	s := &Set{
		drv:   drv,
		sleep: time.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := drv.Open(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to open relay driver")
	}

	for i, line := range lines {
		if err := drv.Write(line, false); err != nil {
			_ = drv.Close()
			return nil, pkgerrors.Wrapf(err, "failed to initialize line %d", line)
		}
		s.channels = append(s.channels, &Channel{
			index: i,
			line:  line,
			drv:   drv,
			sleep: s.sleep,
		})
	}

	logrus.WithField("lines", lines).Info("relay channels initialized")

	return s, nil
}

// Len returns the number of channels.
func (s *Set) Len() int { return len(s.channels) }

// Channel returns the channel at index i.
func (s *Set) Channel(i int) (*Channel, error) {
	if i < 0 || i >= len(s.channels) {
		return nil, fmt.Errorf("%w: %d (have %d channels)", ErrUnknownChannel, i, len(s.channels))
	}
	return s.channels[i], nil
}

// Channels returns the channels in index order.
func (s *Set) Channels() []*Channel {
	ret := make([]*Channel, len(s.channels))
	copy(ret, s.channels)
	return ret
}

// Lines returns the line ids in index order.
func (s *Set) Lines() []int {
	lines := make([]int, len(s.channels))
	for i, c := range s.channels {
		lines[i] = c.line
	}
	return lines
}

// Sleep blocks like the channels' timed pulses do.
func (s *Set) Sleep(d time.Duration) { s.sleep(d) }

// AllOff turns every channel off and returns every fault joined.
func (s *Set) AllOff() error {
	var errs []error
	for _, c := range s.channels {
		if err := c.TurnOff(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close turns every channel off and releases the driver.
func (s *Set) Close() error {
	offErr := s.AllOff()
	if offErr != nil {
		logrus.Errorf("failed to turn off all channels: %v", offErr)
	}
	if err := s.drv.Close(); err != nil {
		return pkgerrors.Wrap(err, "failed to close relay driver")
	}
	return offErr
}
