package relay

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var _ Driver = &MockDriver{}

// MockFault makes MockDriver fail writes on one line.
type MockFault struct {
	// OnErr is returned when the line is driven active.
	OnErr error
	// OffErr is returned when the line is driven inactive.
	OffErr error
}

// MockWrite is one write observed by MockDriver.
type MockWrite struct {
	Line int
	On   bool
}

// MockDriver is a driver for machines without relay hardware. It only logs
// and remembers what it was asked to do.
type MockDriver struct {
	mu     sync.Mutex
	open   bool
	states map[int]bool
	writes []MockWrite
	faults map[int]MockFault
}

// NewMockDriver returns a MockDriver with every line off.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		states: make(map[int]bool),
		faults: make(map[int]MockFault),
	}
}

func (m *MockDriver) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.open = true
	logrus.Debug("mock relay driver opened")
	return nil
}

func (m *MockDriver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for line := range m.states {
		m.states[line] = false
	}
	m.open = false
	logrus.Debug("mock relay driver closed")
	return nil
}

func (m *MockDriver) Write(line int, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.faults[line]; ok {
		if on && f.OnErr != nil {
			return f.OnErr
		}
		if !on && f.OffErr != nil {
			return f.OffErr
		}
	}

	m.states[line] = on
	m.writes = append(m.writes, MockWrite{Line: line, On: on})

	logrus.WithFields(logrus.Fields{
		"line": line,
		"on":   on,
	}).Debug("mock relay write")

	return nil
}

// SetFault installs (or, with a zero MockFault, clears) a fault on line.
func (m *MockDriver) SetFault(line int, f MockFault) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.OnErr == nil && f.OffErr == nil {
		delete(m.faults, line)
		return
	}
	m.faults[line] = f
}

// IsOn reports the last level written to line.
func (m *MockDriver) IsOn(line int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.states[line]
}

// IsOpen reports whether Open was called without a later Close.
func (m *MockDriver) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.open
}

// Writes returns a copy of every successful write in order.
func (m *MockDriver) Writes() []MockWrite {
	m.mu.Lock()
	defer m.mu.Unlock()

	ret := make([]MockWrite, len(m.writes))
	copy(ret, m.writes)
	return ret
}
