package calib

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pxlab/pxlab/pxcapi"
)

// SetupOptions configure Setup
type SetupOptions struct {
	// ConfigFile is the device configuration loaded first
	ConfigFile string

	// Bias is the sensor bias in volts applied after the configuration
	Bias float64

	// AcqTime is the acquisition time of the measured frame
	AcqTime time.Duration

	// Log receives progress messages
	Log zerolog.Logger
}

// DefaultSetupOptions returns 80 V and a 10 s frame
func DefaultSetupOptions() SetupOptions {
	return SetupOptions{Bias: 80, AcqTime: 10 * time.Second, Log: zerolog.Nop()}
}

// SetupResult is the bias read back from the device and the frame measured
// with it
type SetupResult struct {
	Bias  float64
	Frame *pxcapi.Frame
}

// Setup loads opts.ConfigFile into dev, sets the bias, reads it back and
// measures one frame.  It stops at the first failing step.
func Setup(ctx context.Context, dev *pxcapi.Device, opts SetupOptions) (SetupResult, error) {
	var res SetupResult
	if opts.ConfigFile == "" {
		return res, errors.New("calib: no configuration file")
	}
	log := opts.Log
	if err := dev.LoadConfiguration(opts.ConfigFile); err != nil {
		return res, fmt.Errorf("loading %s: %w", opts.ConfigFile, err)
	}
	log.Info().Str("file", opts.ConfigFile).Msg("configuration loaded")
	if err := dev.SetBias(opts.Bias); err != nil {
		return res, err
	}
	v, err := dev.Bias()
	if err != nil {
		return res, err
	}
	res.Bias = v
	log.Info().Float64("bias", v).Msg("bias set")
	f, err := dev.Frame(ctx, opts.AcqTime)
	if err != nil {
		return res, err
	}
	res.Frame = f
	log.Debug().Int("hits", f.Hits()).Msg("frame measured")
	return res, nil
}
