package control

import (
	"github.com/pkg/errors"
)

var (
	// ErrPlanTimeOutOfRange is reported when the tick time is outside the plan span. The tick
	// still completes using the nearest boundary sample.
	ErrPlanTimeOutOfRange = errors.New("plan time out of range")

	// ErrMissingFutureContact is reported when a swing leg has no contact sample left in the
	// plan horizon. The leg keeps its interpolated reference.
	ErrMissingFutureContact = errors.New("no future contact in plan horizon")

	// ErrMalformedInput is returned when leg or joint counts disagree between the measured
	// state, the plan and the gain configuration. No command set is produced.
	ErrMalformedInput = errors.New("malformed input")

	// ErrGainsNotConfigured is returned when a tick runs before any gains were set.
	ErrGainsNotConfigured = errors.New("gains not configured")
)

func malformedf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrMalformedInput, format, args...)
}
