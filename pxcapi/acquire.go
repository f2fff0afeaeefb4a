package pxcapi

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/pxlab/pxlab/acq"
)

var errStillAcquiring = errors.New("still acquiring")

// abortFunc is the acq.AbortFunc for this device
func (d *Device) abortFunc() acq.AbortFunc {
	return func() error {
		return enrich(d.drv.Abort(d.Index), "Abort")
	}
}

// abortOnCancel requests an abort on r when ctx is done.  Call the returned
// function once the acquisition returned.
func abortOnCancel(ctx context.Context, r *acq.Run) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.RequestAbort()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// finish maps the driver's report of an abort to the reason for it: the
// context error if ctx ended the run, nil if the caller asked for the abort
func finish(ctx context.Context, r *acq.Run, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, ErrAborted) && r.Aborts() > 0 {
		return nil
	}
	return err
}

// frameCallback adapts fn to the driver callback.  Every frame is counted on
// r; frames which arrive after the run stopped Acquiring are counted but not
// passed on.
func frameCallback(r *acq.Run, fn FrameFunc) FrameCallback {
	return func(f *Frame) {
		if f == nil {
			return
		}
		live := r.State() == acq.Acquiring
		r.Deliver()
		if live && fn != nil {
			fn(r, f)
		}
	}
}

// Frame measures one frame synchronously into a fresh buffer
func (d *Device) Frame(ctx context.Context, acqTime time.Duration) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := acq.NewRun(0, d.abortFunc())
	r.Start()
	stop := abortOnCancel(ctx, r)
	f := new(Frame)
	err := d.drv.MeasureSingleFrame(d.Index, acqTime, f)
	stop()
	r.Stop()
	if err != nil {
		return nil, finish(ctx, r, enrich(err, "MeasureSingleFrame"))
	}
	return f, nil
}

// Frames measures n frames synchronously and copies each out of the driver.
// If the acquisition is cut short, the frames that were measured are returned
// with the error.
func (d *Device) Frames(ctx context.Context, n int, acqTime time.Duration) ([]*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := acq.NewRun(0, d.abortFunc())
	r.Start()
	stop := abortOnCancel(ctx, r)
	err := d.drv.MeasureMultipleFrames(d.Index, n, acqTime)
	stop()
	r.Stop()
	err = enrich(err, "MeasureMultipleFrames")

	out := make([]*Frame, 0, n)
	for i := 0; i < n; i++ {
		f := new(Frame)
		if err2 := d.drv.MeasuredFrame(d.Index, i, f); err2 != nil {
			if err == nil {
				err = enrich(err2, "MeasuredFrame")
			}
			break
		}
		out = append(out, f)
	}
	return out, finish(ctx, r, err)
}

// FramesWithCallback measures n frames and calls fn for each as it arrives.
// The frame belongs to the driver and is valid only during the call.  fn may
// call r.RequestAbort to stop early.
func (d *Device) FramesWithCallback(ctx context.Context, n int, acqTime time.Duration, fn FrameFunc) (*acq.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := acq.NewRun(0, d.abortFunc())
	r.Start()
	log := d.Log.With().Str("run", r.ID.String()).Logger()
	log.Debug().Int("frames", n).Dur("acqTime", acqTime).Msg("starting multi-frame acquisition")
	stop := abortOnCancel(ctx, r)
	err := d.drv.MeasureMultipleFramesWithCallback(d.Index, n, acqTime, frameCallback(r, fn))
	stop()
	r.Stop()
	log.Debug().Int("delivered", r.Delivered()).Dur("elapsed", r.Elapsed()).Msg("multi-frame acquisition finished")
	return r, finish(ctx, r, enrich(err, "MeasureMultipleFramesWithCallback"))
}

// waitIdle polls the driver until it reports the acquisition ended.  There is
// no deadline: continuous mode runs until aborted.
func (d *Device) waitIdle() error {
	var pollErr error
	op := func() error {
		busy, err := d.drv.Acquiring(d.Index)
		if err != nil {
			pollErr = enrich(err, "Acquiring")
			return nil
		}
		if busy {
			return errStillAcquiring
		}
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         100 * time.Millisecond,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock})
	if pollErr != nil {
		return pollErr
	}
	return err
}

// continuousErr is the error of a continuous run that stopped: the wait
// error, else the abort error, else the context error if the context ended
// the run before its target
func continuousErr(ctx context.Context, r *acq.Run, err error) error {
	if err != nil {
		return err
	}
	if err = r.AbortErr(); err != nil {
		return err
	}
	if ctx.Err() != nil && (r.Target == 0 || r.Delivered() < r.Target) {
		return ctx.Err()
	}
	return nil
}

// Continuous starts continuous acquisition with fn as the direct frame
// callback and blocks until the driver stopped.  The target-th frame requests
// the abort; a target of 0 runs until fn calls r.RequestAbort or ctx is done.
// The driver may deliver one more frame after the abort was requested; it is
// counted on r but not passed to fn.
func (d *Device) Continuous(ctx context.Context, acqTime time.Duration, target int, fn FrameFunc) (*acq.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := acq.NewRun(target, d.abortFunc())
	r.Start()
	log := d.Log.With().Str("run", r.ID.String()).Logger()
	log.Debug().Int("target", target).Dur("acqTime", acqTime).Msg("starting continuous acquisition")
	if err := d.drv.StartContinuous(d.Index, acqTime, frameCallback(r, fn)); err != nil {
		r.Stop()
		return r, enrich(err, "StartContinuous")
	}
	stop := abortOnCancel(ctx, r)
	err := d.waitIdle()
	stop()
	r.Stop()
	log.Debug().Int("delivered", r.Delivered()).Int("aborts", r.Aborts()).Msg("continuous acquisition stopped")
	return r, continuousErr(ctx, r, err)
}

// claimEvents reserves the device's event handlers for one run.  The driver
// keeps one handler per event and device.
func (d *Device) claimEvents(op string) (release func(), err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.eventRun {
		return nil, NewError(CodeBusy, op, "event-driven acquisition in progress on device %d", d.Index)
	}
	busy, err := d.drv.Acquiring(d.Index)
	if err != nil {
		return nil, enrich(err, "Acquiring")
	}
	if busy {
		return nil, NewError(CodeBusy, op, "acquisition in progress on device %d", d.Index)
	}
	d.eventRun = true
	return func() {
		d.mu.Lock()
		d.eventRun = false
		d.mu.Unlock()
	}, nil
}

// ContinuousEvents behaves as Continuous but delivers frames through the
// driver's event registration instead of a direct callback.  It waits for the
// acquisition-stopped event rather than polling; once ctx is done it waits for
// the driver to go idle instead.  The device must be idle: the handlers of a
// running acquisition are never touched.
func (d *Device) ContinuousEvents(ctx context.Context, acqTime time.Duration, target int, fn FrameFunc) (*acq.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	release, err := d.claimEvents("StartContinuous")
	if err != nil {
		return nil, err
	}
	defer release()
	r := acq.NewRun(target, d.abortFunc())
	var once sync.Once
	stopped := make(chan struct{})
	if err := d.drv.RegisterEvent(d.Index, EventFrameAcquired, frameCallback(r, fn)); err != nil {
		return nil, enrich(err, "RegisterEvent")
	}
	defer d.drv.UnregisterEvent(d.Index, EventFrameAcquired)
	err = d.drv.RegisterEvent(d.Index, EventAcqStopped, func(*Frame) {
		once.Do(func() { close(stopped) })
	})
	if err != nil {
		return nil, enrich(err, "RegisterEvent")
	}
	defer d.drv.UnregisterEvent(d.Index, EventAcqStopped)

	r.Start()
	log := d.Log.With().Str("run", r.ID.String()).Logger()
	log.Debug().Int("target", target).Dur("acqTime", acqTime).Msg("starting event-driven continuous acquisition")
	if err := d.drv.StartContinuous(d.Index, acqTime, nil); err != nil {
		r.Stop()
		return r, enrich(err, "StartContinuous")
	}
	stop := abortOnCancel(ctx, r)
	select {
	case <-stopped:
	case <-ctx.Done():
		err = d.waitIdle()
	}
	stop()
	r.Stop()
	log.Debug().Int("delivered", r.Delivered()).Int("aborts", r.Aborts()).Msg("continuous acquisition stopped")
	return r, continuousErr(ctx, r, err)
}

// DataDriven measures in data-driven mode for measTime.  For each block the
// driver reports, the pixels are read into a buffer owned by the run and fn
// is called with them.  The slice is rewritten by the next block; copy what
// you keep.  Failed block reads are logged and skipped.
func (d *Device) DataDriven(ctx context.Context, measTime time.Duration, fn PixelFunc) (*acq.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := acq.NewRun(0, d.abortFunc())
	r.Start()
	log := d.Log.With().Str("run", r.ID.String()).Logger()
	var buf []Pixel
	cb := func() {
		n, err := d.drv.MeasuredPixelCount(d.Index)
		if err != nil {
			err = enrich(err, "MeasuredPixelCount")
			log.Error().Err(err).Int("code", int(CodeOf(err))).Msg("reading pixel count")
			return
		}
		if n > cap(buf) {
			buf = make([]Pixel, n)
		}
		got, err := d.drv.MeasuredPixels(d.Index, buf[:n])
		if err != nil {
			err = enrich(err, "MeasuredPixels")
			log.Error().Err(err).Int("code", int(CodeOf(err))).Msg("reading pixels")
			return
		}
		live := r.State() == acq.Acquiring
		r.Deliver()
		if live && fn != nil {
			fn(r, buf[:got])
		}
	}
	log.Debug().Dur("measTime", measTime).Msg("starting data-driven acquisition")
	stop := abortOnCancel(ctx, r)
	err := d.drv.MeasureDataDriven(d.Index, measTime, cb)
	stop()
	r.Stop()
	log.Debug().Int("blocks", r.Delivered()).Msg("data-driven acquisition finished")
	return r, finish(ctx, r, enrich(err, "MeasureDataDriven"))
}
