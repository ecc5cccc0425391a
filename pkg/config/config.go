package config

// Config is the daemon configuration.
type Config interface {
	Channels() []int
	Driver() string
	ActiveLow() bool
	CleanMarginSeconds() float64
	CleanSchedule() string
	AllowNonRootAccess() bool
	CalibrationPath() string
	HistoryPath() string
	RecipesPath() string
	LockPath() string

	SetCleanMarginSeconds(float64)
	SetCleanSchedule(string)
	SetAllowNonRootAccess(bool)

	// Validate checks the settings that cannot be recovered at runtime.
	Validate() error
	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}

// Relay drivers.
const (
	DriverGPIO = "gpio"
	DriverMock = "mock"
)
