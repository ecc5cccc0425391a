package dispense

import (
	"math"
	"time"
)

const (
	// FlowRateMLPerSec is the measured pump throughput.
	FlowRateMLPerSec = 1.6
	// MLPerOz converts US fluid ounces to millilitres.
	MLPerOz = 29.574
)

// Duration returns how long a channel must run, in seconds, to deliver
// volumeOz after its tubing has filled for fillDelaySec. The result is not
// rounded.
func Duration(volumeOz, fillDelaySec float64) float64 {
	return fillDelaySec + volumeOz/(FlowRateMLPerSec*(1/MLPerOz))
}

// Seconds converts fractional seconds to a time.Duration. Values beyond the
// range of time.Duration saturate; negative and NaN values give 0.
func Seconds(sec float64) time.Duration {
	ns := sec * float64(time.Second)
	switch {
	case math.IsNaN(ns) || ns <= 0:
		return 0
	case ns >= math.MaxInt64:
		return math.MaxInt64
	}
	return time.Duration(ns)
}
