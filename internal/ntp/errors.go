package ntp

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned for exchanges interrupted by Close.
	ErrClosed = errors.New("ntp: client closed")
	// ErrTimeout is returned when no matching reply arrives in time.
	ErrTimeout = errors.New("ntp: timed out waiting for reply")
	// ErrUnsynchronized is returned when the server reports an unsynchronised clock.
	ErrUnsynchronized = errors.New("ntp: server clock is unsynchronized")
	// ErrRetriesExhausted is the terminal error of an exchange whose every
	// attempt failed.
	ErrRetriesExhausted = errors.New("ntp: retries exhausted")
)

// KissOfDeathError is returned for a stratum 0 reply.
type KissOfDeathError struct {
	Server string
	Code   string
}

func (e *KissOfDeathError) Error() string {
	return fmt.Sprintf("ntp: kiss of death from %s: %q", e.Server, e.Code)
}

// IsKissOfDeath reports whether err carries a kiss-of-death reply.
func IsKissOfDeath(err error) bool {
	var kod *KissOfDeathError
	return errors.As(err, &kod)
}

// isFatal reports errors that end an exchange without further attempts.
func isFatal(err error) bool {
	return IsKissOfDeath(err) || errors.Is(err, ErrClosed)
}
