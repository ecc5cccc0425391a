package relay

// Driver sets the level of physical output lines. Line ids are whatever the
// driver understands, e.g. BCM GPIO numbers for GPIODriver.
//
// Implementations must tolerate concurrent Write calls on distinct lines.
type Driver interface {
	// Open prepares the driver for writing.
	Open() error
	// Close releases every line the driver touched.
	Close() error
	// Write drives line to active (on) or inactive (off).
	Write(line int, on bool) error
}
