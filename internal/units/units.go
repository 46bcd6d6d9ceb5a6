// Package units provides shared constants, validation and conversion for the
// speed units used by the overspeed rule and the reporting API.
package units

import (
	"fmt"
	"strings"
)

// Unit constants
const (
	MPS  = "mps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MPS, MPH, KMPH, KPH}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// ConvertSpeed converts a speed from meters per second to the target units.
// Unknown units fall back to m/s.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case MPH:
		return speedMPS * 2.2369362920544
	case KMPH, KPH:
		return speedMPS * 3.6
	default:
		return speedMPS
	}
}

// ToMPS converts a speed expressed in units back to meters per second.
func ToMPS(speed float64, unit string) float64 {
	switch unit {
	case MPH:
		return speed / 2.2369362920544
	case KMPH, KPH:
		return speed / 3.6
	default:
		return speed
	}
}

// PixelSpeed converts a pixel displacement over dtSeconds into the target
// units, given the calibration scale in meters per pixel.
func PixelSpeed(pixels, dtSeconds, metersPerPixel float64, targetUnits string) (float64, error) {
	if dtSeconds <= 0 {
		return 0, fmt.Errorf("non-positive time delta %v", dtSeconds)
	}
	return ConvertSpeed(pixels*metersPerPixel/dtSeconds, targetUnits), nil
}
