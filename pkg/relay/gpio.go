package relay

import (
	"strconv"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

var _ Driver = &GPIODriver{}

// GPIODriver drives relay inputs wired to Raspberry Pi GPIO pins. Lines are
// BCM pin numbers.
type GPIODriver struct {
	// Many cheap relay boards switch on when the input is pulled LOW.
	activeLow bool

	mu   sync.Mutex
	pins map[int]gpio.PinIO
}

// NewGPIODriver returns a driver. Call Open before writing.
func NewGPIODriver(activeLow bool) *GPIODriver {
	return &GPIODriver{
		activeLow: activeLow,
		pins:      make(map[int]gpio.PinIO),
	}
}

// Open initializes the periph host drivers.
func (d *GPIODriver) Open() error {
	state, err := host.Init()
	if err != nil {
		return pkgerrors.Wrap(err, "failed to initialize gpio host drivers")
	}

	for _, failure := range state.Failed {
		logrus.WithField("driver", failure.D.String()).Debugf("gpio host driver failed to load: %v", failure.Err)
	}

	return nil
}

func (d *GPIODriver) pin(line int) (gpio.PinIO, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.pins[line]; ok {
		return p, nil
	}

	p := gpioreg.ByName("GPIO" + strconv.Itoa(line))
	if p == nil {
		return nil, pkgerrors.Errorf("gpio line %d not found", line)
	}
	d.pins[line] = p

	return p, nil
}

func (d *GPIODriver) level(on bool) gpio.Level {
	if d.activeLow {
		return gpio.Level(!on)
	}
	return gpio.Level(on)
}

// Write drives line to the active or inactive level.
func (d *GPIODriver) Write(line int, on bool) error {
	p, err := d.pin(line)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"line": line,
		"on":   on,
	}).Trace("writing gpio line")

	if err := p.Out(d.level(on)); err != nil {
		return pkgerrors.Wrapf(err, "failed to write gpio line %d", line)
	}

	return nil
}

// Close drives every used line inactive and halts it.
func (d *GPIODriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for line, p := range d.pins {
		if err := p.Out(d.level(false)); err != nil && firstErr == nil {
			firstErr = pkgerrors.Wrapf(err, "failed to release gpio line %d", line)
		}
		if err := p.Halt(); err != nil {
			logrus.WithField("line", line).Warnf("failed to halt gpio line: %v", err)
		}
	}
	d.pins = make(map[int]gpio.PinIO)

	return firstErr
}
