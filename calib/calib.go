// Package calib finds the noise edge of a chip's energy threshold.
//
// The threshold is stepped upward from Start, one dark frame is measured per
// step, and the pixels that fire (bad pixels excepted) are counted.  The first
// step with no more than NoisyPixels firing is the edge; Edge + Margin is
// programmed into the chip.
//
// Setup prepares a device for a high energy measurement from a saved
// configuration file instead.
package calib

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/pxlab/pxlab/pxcapi"
	"github.com/pxlab/pxlab/util"
)

// ErrNoEdge is returned when no step of the scan was quiet
var ErrNoEdge = errors.New("calib: no quiet threshold in scan range")

// Options configure a threshold scan
type Options struct {
	// Start and Stop bound the scan in keV, Stop inclusive
	Start, Stop float64

	// Step is the scan increment in keV
	Step float64

	// AcqTime is the acquisition time of each dark frame
	AcqTime time.Duration

	// NoisyPixels is the number of firing pixels tolerated at the edge
	NoisyPixels int

	// Margin is added to the edge before it is applied
	Margin float64

	// Log receives per-step messages
	Log zerolog.Logger
}

// DefaultOptions returns a scan of 0.5..20 keV in 0.25 keV steps
func DefaultOptions() Options {
	return Options{
		Start:       0.5,
		Stop:        20,
		Step:        0.25,
		AcqTime:     10 * time.Millisecond,
		NoisyPixels: 0,
		Margin:      0.5,
		Log:         zerolog.Nop(),
	}
}

// Point is one step of the scan
type Point struct {
	Threshold float64 `json:"threshold"`
	Noisy     int     `json:"noisy"`
}

// Result is the outcome of a scan
type Result struct {
	Points  []Point `json:"points"`
	Edge    float64 `json:"edge"`
	Applied float64 `json:"applied"`
}

// noisy counts the pixels of f that fired and are not bad
func noisy(f *pxcapi.Frame, bad *pxcapi.Matrix) int {
	n := 0
	for i, c := range f.Counts {
		if c != 0 && (bad == nil || !bad.Excluded(pxcapi.KindBadPixel, i)) {
			n++
		}
	}
	return n
}

// Threshold scans chip of dev and applies the calibrated threshold.  Steps
// that fail are logged and skipped.  On ErrNoEdge the points measured are
// still returned and the threshold is left at the last step.
func Threshold(ctx context.Context, dev *pxcapi.Device, chip int, opts Options) (Result, error) {
	var res Result
	if opts.Step <= 0 || opts.Stop < opts.Start {
		return res, errors.New("calib: scan needs Step > 0 and Stop >= Start")
	}
	log := opts.Log
	var bad *pxcapi.Matrix
	if m, err := dev.BadPixels(); err != nil {
		log.Warn().Err(err).Msg("bad pixel matrix unavailable, counting every pixel")
	} else {
		bad = &m
	}

	found := false
	for i := 0; ; i++ {
		thr := opts.Start + float64(i)*opts.Step
		if thr > opts.Stop+opts.Step*1e-9 {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		l := log.With().Float64("threshold", thr).Logger()
		if err := dev.SetThreshold(chip, thr); err != nil {
			l.Error().Err(err).Msg("set threshold failed, skipping step")
			continue
		}
		f, err := dev.Frame(ctx, opts.AcqTime)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			l.Error().Err(err).Msg("dark frame failed, skipping step")
			continue
		}
		n := noisy(f, bad)
		l.Debug().Int("noisy", n).Msg("scan step")
		res.Points = append(res.Points, Point{Threshold: thr, Noisy: n})
		if n <= opts.NoisyPixels {
			res.Edge = thr
			found = true
			break
		}
	}
	if !found {
		return res, ErrNoEdge
	}

	applied := res.Edge + opts.Margin
	if rng, err := dev.ThresholdRange(chip); err == nil {
		applied = util.Clamp(applied, rng.Min, rng.Max)
	}
	if err := dev.SetThreshold(chip, applied); err != nil {
		return res, err
	}
	res.Applied = applied
	log.Info().Float64("edge", res.Edge).Float64("applied", applied).Msg("threshold calibrated")
	return res, nil
}
