// Package daq implements the DAQ engine (spec §4.2): input/output device
// contracts, attenuation, sample quantization, and the real-time service
// loop that drives hardware-referenced stimulus timing. Grounded on the
// original RELACS daq/attenuate.h (Attenuator decibel()/intensity()
// inverse pair) and on dastard's AnySource/Start() driver loop
// (data_source.go), re-expressed without the source's class hierarchy
// per design note "Dynamic dispatch -> tagged variants + interface set".
package daq

import (
	"fmt"
	"math"
)

// AttenCode is the result code from an Attenuator conversion (spec §4.2
// step 3).
type AttenCode int

const (
	AttenOK AttenCode = iota
	AttenUnderflow
	AttenOverflow
	AttenIntensityUnderflow
	AttenIntensityOverflow
	AttenIntensityError
)

func (c AttenCode) String() string {
	switch c {
	case AttenOK:
		return "OK"
	case AttenUnderflow:
		return "Underflow"
	case AttenOverflow:
		return "Overflow"
	case AttenIntensityUnderflow:
		return "IntensityUnderflow"
	case AttenIntensityOverflow:
		return "IntensityOverflow"
	case AttenIntensityError:
		return "IntensityError"
	default:
		return "Unknown"
	}
}

// Attenuator translates between physical intensity and attenuator device
// units (decibels), parameterized by carrier frequency (spec GLOSSARY
// "Attenuate"). Decibel and Intensity are contractually mathematical
// inverses up to the attenuator's resolution (spec §4.2 step 3).
type Attenuator interface {
	// Decibel converts a requested intensity (and optional carrier
	// frequency) to an attenuation level in dB.
	Decibel(intensity, freq float64) (db float64, code AttenCode)
	// Intensity is the inverse of Decibel: it fills back the intensity
	// actually realizable at the given dB level, for reporting.
	Intensity(db, freq float64) (intensity float64, code AttenCode)
	// MinDB and MaxDB bound the attenuator's reachable range.
	MinDB() float64
	MaxDB() float64
}

// LinearAttenuator is a simple Attenuator whose decibel/intensity
// relationship is the standard dB = 20*log10(intensity/reference) law,
// clipped to [MinDBVal, MaxDBVal]. Most test and simulated attenuators in
// the original source follow this model.
type LinearAttenuator struct {
	Reference float64 // intensity corresponding to 0 dB
	MinDBVal  float64
	MaxDBVal  float64
}

func (a *LinearAttenuator) Decibel(intensity, _ float64) (float64, AttenCode) {
	if intensity <= 0 {
		return a.MinDBVal, AttenIntensityError
	}
	db := 20 * log10(intensity/a.Reference)
	if db < a.MinDBVal {
		return a.MinDBVal, AttenUnderflow
	}
	if db > a.MaxDBVal {
		return a.MaxDBVal, AttenOverflow
	}
	return db, AttenOK
}

func (a *LinearAttenuator) Intensity(db, _ float64) (float64, AttenCode) {
	clipped := db
	code := AttenOK
	if db < a.MinDBVal {
		clipped = a.MinDBVal
		code = AttenUnderflow
	} else if db > a.MaxDBVal {
		clipped = a.MaxDBVal
		code = AttenOverflow
	}
	return a.Reference * pow10(clipped/20), code
}

func (a *LinearAttenuator) MinDB() float64 { return a.MinDBVal }
func (a *LinearAttenuator) MaxDB() float64 { return a.MaxDBVal }

func log10(x float64) float64 { return math.Log10(x) }
func pow10(x float64) float64 { return math.Pow(10, x) }

// AttenError renders a conversion failure as an error, for callers that
// need the classic error interface.
func AttenError(op string, code AttenCode) error {
	return fmt.Errorf("daq: %s: %s", op, code)
}
