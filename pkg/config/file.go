package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tapster-pi/tapster/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		// BCM numbers of the four relay board inputs on the reference build.
		Channels:           []int{17, 27, 22, 23},
		Driver:             ptr.To(DriverGPIO),
		ActiveLow:          ptr.To(false),
		CleanMarginSeconds: ptr.To(1.0),
		CleanSchedule:      ptr.To(""),
		AllowNonRootAccess: ptr.To(false),
		CalibrationPath:    ptr.To("/var/lib/tapster/calibration.json"),
		HistoryPath:        ptr.To("/var/lib/tapster/history.db"),
		RecipesPath:        ptr.To("/etc/tapster/recipes.yaml"),
		LockPath:           ptr.To("/var/run/tapster.lock"),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

type RawFileConfig struct {
	Channels           []int    `json:"channels,omitempty"`
	Driver             *string  `json:"driver,omitempty"`
	ActiveLow          *bool    `json:"activeLow,omitempty"`
	CleanMarginSeconds *float64 `json:"cleanMarginSeconds,omitempty"`
	CleanSchedule      *string  `json:"cleanSchedule,omitempty"`
	AllowNonRootAccess *bool    `json:"allowNonRootAccess,omitempty"`
	CalibrationPath    *string  `json:"calibrationPath,omitempty"`
	HistoryPath        *string  `json:"historyPath,omitempty"`
	RecipesPath        *string  `json:"recipesPath,omitempty"`
	LockPath           *string  `json:"lockPath,omitempty"`
}

// value returns *v, or *def when v is unset.
func value[T any](v, def *T) T {
	if v != nil {
		return *v
	}
	return *def
}

func (f *File) Channels() []int {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	channels := f.c.Channels
	if len(channels) == 0 {
		channels = defaultFileConfig.Channels
	}

	ret := make([]int, len(channels))
	copy(ret, channels)
	return ret
}

func (f *File) Driver() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return value(f.c.Driver, defaultFileConfig.Driver)
}

func (f *File) ActiveLow() bool {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return value(f.c.ActiveLow, defaultFileConfig.ActiveLow)
}

func (f *File) CleanMarginSeconds() float64 {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return value(f.c.CleanMarginSeconds, defaultFileConfig.CleanMarginSeconds)
}

func (f *File) CleanSchedule() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return value(f.c.CleanSchedule, defaultFileConfig.CleanSchedule)
}

func (f *File) AllowNonRootAccess() bool {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return value(f.c.AllowNonRootAccess, defaultFileConfig.AllowNonRootAccess)
}

func (f *File) CalibrationPath() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return value(f.c.CalibrationPath, defaultFileConfig.CalibrationPath)
}

func (f *File) HistoryPath() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return value(f.c.HistoryPath, defaultFileConfig.HistoryPath)
}

func (f *File) RecipesPath() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return value(f.c.RecipesPath, defaultFileConfig.RecipesPath)
}

func (f *File) LockPath() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return value(f.c.LockPath, defaultFileConfig.LockPath)
}

func (f *File) SetCleanMarginSeconds(s float64) {
	if f.c == nil {
		panic("config is nil")
	}

	if s < 0 {
		panic("clean margin must not be negative")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.CleanMarginSeconds = &s
}

func (f *File) SetCleanSchedule(spec string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	spec = strings.TrimSpace(spec)
	f.c.CleanSchedule = &spec
}

func (f *File) SetAllowNonRootAccess(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.c.AllowNonRootAccess = &b
}

func (f *File) Validate() error {
	channels := f.Channels()
	seen := make(map[int]int, len(channels))
	for i, line := range channels {
		if line < 0 {
			return fmt.Errorf("channel %d: line %d must not be negative", i, line)
		}
		if j, ok := seen[line]; ok {
			return fmt.Errorf("line %d is used by channel %d and %d", line, j, i)
		}
		seen[line] = i
	}

	switch d := f.Driver(); d {
	case DriverGPIO, DriverMock:
	default:
		return fmt.Errorf("unknown driver %q, want %q or %q", d, DriverGPIO, DriverMock)
	}

	if m := f.CleanMarginSeconds(); m < 0 {
		return fmt.Errorf("cleanMarginSeconds must not be negative, got %.2f", m)
	}

	return nil
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, return the empty config.
			// Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	// Since we want to tell if the file is empty, using json.Decoder will
	// not work.
	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	err = json.Unmarshal(b, &conf)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	if err := os.MkdirAll(filepath.Dir(f.filepath), 0755); err != nil {
		return pkgerrors.Wrapf(err, "failed to create directory for %s", f.filepath)
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	err = enc.Encode(f.c)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	return logrus.Fields{
		"channels":           f.Channels(),
		"driver":             f.Driver(),
		"activeLow":          f.ActiveLow(),
		"cleanMarginSeconds": f.CleanMarginSeconds(),
		"cleanSchedule":      f.CleanSchedule(),
		"allowNonRootAccess": f.AllowNonRootAccess(),
		"calibrationPath":    f.CalibrationPath(),
		"historyPath":        f.HistoryPath(),
		"recipesPath":        f.RecipesPath(),
	}
}
