package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SafetyBuffer is how long TurnOnFor keeps a line off before returning.
const SafetyBuffer = 500 * time.Millisecond

// State is the commanded state of a channel.
type State bool

const (
	StateOff State = false
	StateOn  State = true
)

func (s State) String() string {
	if s {
		return "on"
	}
	return "off"
}

// Fault is a line driver failure on one channel.
type Fault struct {
	Channel int
	Line    int
	Op      string
	Err     error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("channel %d (line %d): failed to turn %s: %v", f.Channel, f.Line, f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Channel binds a channel index to one physical line.
type Channel struct {
	index int
	line  int
	drv   Driver
	sleep func(time.Duration)

	mu    sync.Mutex
	state State
}

// Index is the 0-based position of the channel in its set.
func (c *Channel) Index() int { return c.index }

// Line is the physical line id.
func (c *Channel) Line() int { return c.line }

// State returns the last successfully commanded state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Channel) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"channel": c.index,
		"line":    c.line,
	})
}

// TurnOn activates the line. It does nothing if the channel is already on.
// If the driver fails, the line is driven off (best effort) and a *Fault is
// returned.
func (c *Channel) TurnOn() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateOn {
		return nil
	}

	if err := c.drv.Write(c.line, true); err != nil {
		if offErr := c.drv.Write(c.line, false); offErr != nil {
			c.log().Warnf("failed to force line off after fault: %v", offErr)
		}
		c.state = StateOff
		return &Fault{Channel: c.index, Line: c.line, Op: StateOn.String(), Err: err}
	}
	c.state = StateOn
	c.log().Trace("channel on")

	return nil
}

// TurnOff deactivates the line. Calling it on an off channel is harmless.
func (c *Channel) TurnOff() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.drv.Write(c.line, false); err != nil {
		return &Fault{Channel: c.index, Line: c.line, Op: StateOff.String(), Err: err}
	}
	c.state = StateOff
	c.log().Trace("channel off")

	return nil
}

// TurnOnFor turns the channel on, blocks for d, turns it off and then holds
// off for SafetyBuffer. It cannot be interrupted.
func (c *Channel) TurnOnFor(d time.Duration) error {
	if err := c.TurnOn(); err != nil {
		return err
	}

	c.sleep(d)

	if err := c.TurnOff(); err != nil {
		c.log().Warnf("retrying turn off after fault: %v", err)
		if retryErr := c.TurnOff(); retryErr != nil {
			return retryErr
		}
	}

	c.sleep(SafetyBuffer)

	return nil
}
