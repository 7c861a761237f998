package timesync

import (
	"time"

	"grimm.is/wallclock/internal/clock"
	"grimm.is/wallclock/internal/logging"
)

// Config holds the tuning of a Scheduler or Pool. The defaults are empirical
// and kept as found; every value can be overridden from configuration.
type Config struct {
	// Poll cadence while fewer than MinReferencePoints are retained, and after.
	EarlyPollInterval  time.Duration
	NormalPollInterval time.Duration
	MinReferencePoints int

	// RetryDelay follows a failed exchange. SlowRetryDelay follows a reply
	// whose round trip exceeded MaxRoundTrip.
	RetryDelay     time.Duration
	SlowRetryDelay time.Duration
	MaxRoundTrip   time.Duration

	// PollCheckInterval is how often a gated fetcher is asked again.
	PollCheckInterval time.Duration

	// A resync is a burst of up to MaxBurstPolls exchanges BurstInterval
	// apart, ending early after BurstAgreeCount consecutive corrections no
	// larger than BurstAgreement.
	BurstInterval   time.Duration
	MaxBurstPolls   int
	BurstAgreement  time.Duration
	BurstAgreeCount int

	// Corrections in [DampMin, DampMax) are scaled by DampFactor. Smaller
	// ones are applied whole, larger ones are steps.
	DampMin    time.Duration
	DampMax    time.Duration
	DampFactor float64

	// Drift estimation.
	ReferenceWindow time.Duration
	MinClockSpeed   float64
	MaxClockSpeed   float64
	SaneSpeedLow    float64
	SaneSpeedHigh   float64

	// BackslideThreshold is the largest backward step hidden from readers.
	BackslideThreshold time.Duration

	// MaxErrors consecutive failures are tolerated before the source is
	// reported as not acquired.
	MaxErrors int

	// No exchange starts within MidnightGuard of UTC midnight. Zero disables
	// the guard.
	MidnightGuard time.Duration

	// LeapVicinity is the span either side of a leap boundary in which a Pool
	// excludes smearing members.
	LeapVicinity time.Duration

	// FromGPS marks the source's readings as coming from a satellite fix.
	FromGPS bool

	Clock  clock.Clock
	Logger *logging.Logger
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		EarlyPollInterval:  150 * time.Second,
		NormalPollInterval: 30 * time.Minute,
		MinReferencePoints: 3,
		RetryDelay:         60 * time.Second,
		SlowRetryDelay:     60 * time.Second,
		MaxRoundTrip:       250 * time.Millisecond,
		PollCheckInterval:  10 * time.Second,
		BurstInterval:      500 * time.Millisecond,
		MaxBurstPolls:      10,
		BurstAgreement:     5 * time.Millisecond,
		BurstAgreeCount:    2,
		DampMin:            5 * time.Millisecond,
		DampMax:            time.Second,
		DampFactor:         0.25,
		ReferenceWindow:    3 * time.Hour,
		MinClockSpeed:      0.998,
		MaxClockSpeed:      1.002,
		SaneSpeedLow:       0.99,
		SaneSpeedHigh:      1.01,
		BackslideThreshold: 4 * time.Second,
		MaxErrors:          3,
		MidnightGuard:      5 * time.Second,
		LeapVicinity:       12 * time.Hour,
	}
}
