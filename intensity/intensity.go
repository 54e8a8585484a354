// Package intensity maps raw APM readings onto normalized actuation levels.
package intensity

import (
	"errors"
	"fmt"
)

// ErrInvalidRange is returned when a range's thresholds are not strictly ordered.
var ErrInvalidRange = errors.New("invalid intensity range")

// Range defines the raw value domain that maps onto [0.0, 1.0].
// Values at or below Min map to 0.0, values at or above Max map to 1.0.
type Range struct {
	Min uint64
	Max uint64
}

// NewRange validates the thresholds once, at startup. Map has no failure cases.
func NewRange(min, max uint64) (Range, error) {
	if min >= max {
		return Range{}, fmt.Errorf("%w: min %d must be strictly less than max %d", ErrInvalidRange, min, max)
	}
	return Range{Min: min, Max: max}, nil
}

// Map converts a raw reading into a normalized intensity in [0.0, 1.0] by
// clamped linear interpolation over the range.
func (r Range) Map(raw uint64) float64 {
	if raw <= r.Min {
		return 0.0
	}
	if raw >= r.Max {
		return 1.0
	}
	return float64(raw-r.Min) / float64(r.Max-r.Min)
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d]", r.Min, r.Max)
}
