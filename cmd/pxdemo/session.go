package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"

	"github.com/pxlab/pxlab/frameio"
	"github.com/pxlab/pxlab/imgrec"
	"github.com/pxlab/pxlab/logging"
	"github.com/pxlab/pxlab/publish"
	"github.com/pxlab/pxlab/pxcapi"
	"github.com/pxlab/pxlab/sim"
)

// session is an initialized driver with one open device
type session struct {
	drv  pxcapi.Driver
	dev  *pxcapi.Device
	lock *flock.Flock
}

// newDriver returns the driver the demos run against
func (a *app) newDriver() pxcapi.Driver {
	return sim.New(a.cfg.Sim)
}

// initialize retries drv.Initialize with exponential backoff until it
// succeeds, InitTimeout elapses or ctx is done
func (a *app) initialize(ctx context.Context, drv pxcapi.Driver) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      a.cfg.Device.InitTimeout,
		Clock:               backoff.SystemClock}
	notify := func(err error, d time.Duration) {
		a.log.Warn().Err(err).Dur("retryIn", d).Msg("driver initialization failed")
	}
	return backoff.RetryNotify(drv.Initialize, backoff.WithContext(b, ctx), notify)
}

// lockDevice takes the inter-process lock of device idx
func lockDevice(dir string, idx int) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fl := flock.New(filepath.Join(dir, fmt.Sprintf("pxlab-device%d.lock", idx)))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("device %d is in use by another process (%s)", idx, fl.Path())
	}
	return fl, nil
}

// open initializes the driver, opens the configured device and applies the
// bootup parameters and mode.  Failures after the device is open are logged.
func (a *app) open(ctx context.Context) (*session, error) {
	drv := a.newDriver()
	a.log.Info().Msg("initializing driver")
	if err := a.initialize(ctx, drv); err != nil {
		return nil, fmt.Errorf("initializing driver: %w", err)
	}
	s := &session{drv: drv}
	n, err := drv.DeviceCount()
	if err != nil {
		s.close(a)
		return nil, err
	}
	idx := a.cfg.Device.Index
	if idx < 0 || idx >= n {
		s.close(a)
		return nil, fmt.Errorf("device %d requested, %d connected", idx, n)
	}
	if dir := a.cfg.Device.LockDir; dir != "" {
		if s.lock, err = lockDevice(dir, idx); err != nil {
			s.close(a)
			return nil, err
		}
	}
	if s.dev, err = pxcapi.Open(drv, idx); err != nil {
		s.close(a)
		return nil, err
	}
	s.dev.Log = a.log.With().Int("device", idx).Logger()
	a.log.Info().Int("device", idx).Str("name", s.dev.Name()).Strs("chips", s.dev.ChipIDs()).Msg("opened device")

	logging.Failure(&a.log, "configure", s.dev.Configure(a.cfg.Bootup))
	m, err := pxcapi.ParseMode(a.cfg.Acquisition.Mode)
	if logging.Failure(&a.log, "parse mode", err) == nil {
		logging.Failure(&a.log, "set mode", s.dev.SetMode(m))
	}
	return s, nil
}

func (s *session) close(a *app) {
	logging.Failure(&a.log, "exit", s.drv.Exit())
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			a.log.Warn().Err(err).Msg("releasing device lock")
		}
	}
}

// withSession runs fn with an open device and a context cancelled on interrupt
func (a *app) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer s.close(a)
	return fn(ctx, s)
}

// recorder returns the auto recorder, or nil when it is disabled
func (a *app) recorder() *imgrec.Recorder {
	rc := a.cfg.Recorder
	if !rc.Enabled {
		return nil
	}
	return &imgrec.Recorder{Root: rc.Root, Prefix: rc.Prefix, Format: rc.Format, Enabled: true}
}

// publisher connects to the MQTT broker, or returns nil when publishing is
// disabled or the broker cannot be reached
func (a *app) publisher() *publish.MQTT {
	if !a.cfg.MQTT.Enabled {
		return nil
	}
	p, err := publish.Connect(a.cfg.MQTT.Publish())
	if err != nil {
		a.log.Warn().Err(err).Str("broker", a.cfg.MQTT.Broker).Msg("publishing disabled")
		return nil
	}
	return p
}

// meta collects the file header of frames measured on dev
func meta(dev *pxcapi.Device, run string, values bool) frameio.Meta {
	m := frameio.Meta{Device: dev.Name(), Run: run, Time: time.Now(), Values: values}
	if ids := dev.ChipIDs(); len(ids) > 0 {
		m.Chip = ids[0]
		m.Threshold, _ = dev.Threshold(0)
	}
	m.Bias, _ = dev.Bias()
	return m
}

// isTerminal reports whether w is a character device
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

// spin shows a spinner on w while a blocking call runs.  The returned
// function stops it, marking failure when err is not nil.
func spin(w io.Writer, msg string) func(err error) {
	if !isTerminal(w) {
		return func(error) {}
	}
	s, err := yacspin.New(yacspin.Config{
		Writer:            w,
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[59],
		Suffix:            " ",
		Message:           msg,
		StopCharacter:     "done",
		StopFailCharacter: "failed",
	})
	if err != nil || s.Start() != nil {
		return func(error) {}
	}
	return func(err error) {
		if err != nil {
			s.StopFail()
			return
		}
		s.Stop()
	}
}
