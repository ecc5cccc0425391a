package calibration

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrMismatch is logged when the persisted calibration does not fit the
// current channel set. The store recovers by resetting every delay to zero.
var ErrMismatch = errors.New("persisted calibration does not match channel set")

// Store holds one fill delay (seconds) per channel.
//
// The file format is a JSON array of seconds, one per channel index, with
// null for a channel that was never measured. An empty path keeps the store
// in memory only.
type Store struct {
	mu       sync.RWMutex
	filepath string
	delays   []float64
	// calibrated[i] is set once channel i holds a measured delay.
	calibrated []bool
}

// NewStore loads the calibration for channelCount channels from path.
func NewStore(path string, channelCount int) (*Store, error) {
	if channelCount <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channelCount)
	}

	s := &Store{
		filepath:   path,
		delays:     make([]float64, channelCount),
		calibrated: make([]bool, channelCount),
	}
	if err := s.Load(); err != nil {
		return nil, err
	}

	return s, nil
}

// Load replaces the in-memory delays with the persisted ones. A missing,
// empty, unreadable-as-JSON, wrong-length or negative-valued file is
// recovered as all zeros and flags every channel as uncalibrated; only I/O
// errors are returned. A null entry loads as an uncalibrated zero.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.delays)
	reset := func(reason string) {
		s.delays = make([]float64, n)
		s.calibrated = make([]bool, n)
		if reason != "" {
			logrus.WithField("path", s.filepath).Warnf("%v: %s, all fill delays reset to 0, recalibrate before dispensing", ErrMismatch, reason)
		}
	}

	if s.filepath == "" {
		reset("")
		return nil
	}

	b, err := os.ReadFile(s.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			reset("")
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to read calibration file %s", s.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		reset("")
		return nil
	}

	var delays []*float64
	if err := json.Unmarshal(b, &delays); err != nil {
		reset(fmt.Sprintf("cannot parse file: %v", err))
		return nil
	}
	if len(delays) != n {
		reset(fmt.Sprintf("file has %d values for %d channels", len(delays), n))
		return nil
	}
	values := make([]float64, n)
	calibrated := make([]bool, n)
	for i, d := range delays {
		if d == nil {
			continue
		}
		if *d < 0 {
			reset(fmt.Sprintf("channel %d has negative delay %.2f", i, *d))
			return nil
		}
		values[i] = *d
		calibrated[i] = true
	}

	s.delays = values
	s.calibrated = calibrated

	return nil
}

// Len returns the number of channels.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.delays)
}

// FillDelay returns the delay of channel i in seconds, or 0 if i is out of
// range.
func (s *Store) FillDelay(i int) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i < 0 || i >= len(s.delays) {
		return 0
	}
	return s.delays[i]
}

// Snapshot returns a copy of every delay.
func (s *Store) Snapshot() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret := make([]float64, len(s.delays))
	copy(ret, s.delays)
	return ret
}

// NeedsCalibration reports whether any channel lacks a measured delay.
func (s *Store) NeedsCalibration() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.delays {
		if i >= len(s.calibrated) || !s.calibrated[i] {
			return true
		}
	}
	return false
}

// Calibrated reports whether channel i holds a measured delay.
func (s *Store) Calibrated(i int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return i >= 0 && i < len(s.calibrated) && s.calibrated[i]
}

// Commit overwrites the given channels, keeps the others, and persists the
// whole snapshot before it becomes visible. On a write failure the store is
// left unchanged.
func (s *Store) Commit(updates map[int]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]float64, len(s.delays))
	copy(next, s.delays)
	nextCalibrated := make([]bool, len(s.delays))
	copy(nextCalibrated, s.calibrated)
	for i, d := range updates {
		if i < 0 || i >= len(next) {
			return fmt.Errorf("channel %d out of range (have %d channels)", i, len(next))
		}
		if d < 0 {
			return fmt.Errorf("channel %d: fill delay must not be negative, got %.2f", i, d)
		}
		next[i] = d
		nextCalibrated[i] = true
	}

	if err := s.save(next, nextCalibrated); err != nil {
		return err
	}

	s.delays = next
	s.calibrated = nextCalibrated
	logrus.WithField("fillDelays", next).Info("calibration committed")

	return nil
}

// save writes values to a temp file next to the target, syncs it and renames
// it into place. Uncalibrated channels are written as null.
func (s *Store) save(values []float64, calibrated []bool) error {
	if s.filepath == "" {
		return nil
	}

	out := make([]*float64, len(values))
	for i := range values {
		if calibrated[i] {
			out[i] = &values[i]
		}
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return pkgerrors.Wrap(err, "failed to marshal calibration")
	}

	dir := filepath.Dir(s.filepath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return pkgerrors.Wrapf(err, "failed to create directory %s", dir)
	}

	fp, err := os.CreateTemp(dir, filepath.Base(s.filepath)+".*.tmp")
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to create temp file in %s", dir)
	}
	tmp := fp.Name()
	defer func() {
		// No-op after a successful rename.
		_ = os.Remove(tmp)
	}()

	if _, err := fp.Write(append(b, '\n')); err != nil {
		_ = fp.Close()
		return pkgerrors.Wrapf(err, "failed to write %s", tmp)
	}
	if err := fp.Sync(); err != nil {
		_ = fp.Close()
		return pkgerrors.Wrapf(err, "failed to sync %s", tmp)
	}
	if err := fp.Close(); err != nil {
		return pkgerrors.Wrapf(err, "failed to close %s", tmp)
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		return pkgerrors.Wrapf(err, "failed to chmod %s", tmp)
	}
	if err := os.Rename(tmp, s.filepath); err != nil {
		return pkgerrors.Wrapf(err, "failed to replace calibration file %s", s.filepath)
	}

	return nil
}
