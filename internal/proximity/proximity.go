package proximity

import (
	"errors"
	"fmt"

	"rollcall/internal/geo"
)

// ErrLocationRequired is returned when the gate is enabled but the student
// reported no coordinates. The student may retry immediately with GPS on;
// no new token is needed.
var ErrLocationRequired = errors.New("location required for this session")

// TooFarError rejects a check-in outside the session radius. The measured
// distance rides along for audit storage.
type TooFarError struct {
	DistanceMeters float64
	RadiusMeters   float64
}

func (e *TooFarError) Error() string {
	return fmt.Sprintf("too far from host: %.0fm away, radius %.0fm", e.DistanceMeters, e.RadiusMeters)
}

// Decision is the gate's outcome. DistanceMeters is recorded on admission
// too, when it could be measured.
type Decision struct {
	Admitted       bool
	DistanceMeters *float64
}

// Check decides whether a student's reported position admits them.
// Proximity is opt-in: a session without a radius, or a host without
// stored coordinates, disables the gate entirely.
func Check(radiusMeters *float64, host, student *geo.Point) (Decision, error) {
	if radiusMeters == nil || host == nil {
		return Decision{Admitted: true}, nil
	}
	if student == nil {
		return Decision{}, ErrLocationRequired
	}
	d, ok := geo.Distance(host, student)
	if !ok {
		// Unknown distance never counts as within range.
		return Decision{}, ErrLocationRequired
	}
	if d > *radiusMeters {
		return Decision{DistanceMeters: &d}, &TooFarError{DistanceMeters: d, RadiusMeters: *radiusMeters}
	}
	return Decision{Admitted: true, DistanceMeters: &d}, nil
}
