package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pxlab/pxlab/acq"
	"github.com/pxlab/pxlab/frameio"
	"github.com/pxlab/pxlab/imgrec"
	"github.com/pxlab/pxlab/logging"
	"github.com/pxlab/pxlab/pxcapi"
	"github.com/pxlab/pxlab/render"
)

// outPath numbers path when a run writes more than one file: frame.fits
// becomes frame_002.fits
func outPath(path string, i, n int) string {
	if n <= 1 {
		return path
	}
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s_%03d%s", strings.TrimSuffix(path, ext), i, ext)
}

func summary(w io.Writer, f *pxcapi.Frame) {
	fmt.Fprintf(w, "frame %d: %d hits, sum %d\n", f.Index, f.Hits(), f.Sum())
}

func show(w io.Writer, f *pxcapi.Frame, values bool) {
	fmt.Fprint(w, render.Frame(f, values))
}

// keep hands a frame to the recorder when there is one
func (a *app) keep(rec *imgrec.Recorder, f *pxcapi.Frame, m frameio.Meta) {
	if rec == nil {
		return
	}
	path, err := rec.Record(f, m)
	if err != nil {
		a.log.Error().Err(err).Msg("recording frame")
		return
	}
	a.log.Info().Str("path", path).Msg("recorded frame")
}

func acqFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("time", 0, "acquisition time per frame, e.g. 100ms")
	cmd.Flags().Bool("values", false, "render and save the accumulated values instead of the counts")
	cmd.Flags().String("out", "", "save to this file; the extension (fits, pbf, txt, png) selects the format")
}

func (a *app) frameCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "frame",
		Short: "Measure one frame, render it and optionally save it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				ac := a.cfg.Acquisition
				out := cmd.OutOrStdout()
				done := spin(cmd.ErrOrStderr(), "measuring frame")
				f, err := s.dev.Frame(ctx, ac.Time)
				done(err)
				if err != nil {
					return logging.Failure(&a.log, "frame", err)
				}
				show(out, f, ac.Values)
				summary(out, f)
				if ac.Out != "" {
					logging.Failure(&a.log, "save frame", s.dev.SaveFrame(0, ac.Out))
				}
				a.keep(a.recorder(), f, meta(s.dev, "", ac.Values))
				return nil
			})
		},
	}
	acqFlags(cmd)
	return cmd
}

func (a *app) framesCmd() *cobra.Command {
	var callback, withMeta bool
	cmd := &cobra.Command{
		Use:   "frames",
		Short: "Measure several frames, polling or with a per-frame callback",
		Long: `frames measures --frames frames.  By default the call blocks and the frames are
read back from the driver afterwards; with --callback each frame is handled
as the driver produces it.  --meta prints the timing the driver recorded for
each polled frame.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				ac := a.cfg.Acquisition
				out := cmd.OutOrStdout()
				rec := a.recorder()
				var last *pxcapi.Frame
				if callback {
					r, err := s.dev.FramesWithCallback(ctx, ac.Frames, ac.Time, func(r *acq.Run, f *pxcapi.Frame) {
						summary(out, f)
						last = f.Copy()
						m := meta(s.dev, r.ID.String(), ac.Values)
						if ac.Out != "" {
							logging.Failure(&a.log, "save frame", frameio.Save(outPath(ac.Out, f.Index, ac.Frames), f, m))
						}
						a.keep(rec, f, m)
					})
					if err != nil {
						return logging.Failure(&a.log, "frames", err)
					}
					a.log.Info().Str("run", r.ID.String()).Int("delivered", r.Delivered()).Dur("elapsed", r.Elapsed()).Msg("frames done")
				} else {
					done := spin(cmd.ErrOrStderr(), fmt.Sprintf("measuring %d frames", ac.Frames))
					frames, err := s.dev.Frames(ctx, ac.Frames, ac.Time)
					done(err)
					if err != nil {
						return logging.Failure(&a.log, "frames", err)
					}
					m := meta(s.dev, "", ac.Values)
					for i, f := range frames {
						summary(out, f)
						if withMeta {
							fm, err := s.dev.FrameMeta(i)
							if logging.Failure(&a.log, "frame metadata", err) == nil {
								fmt.Fprintf(out, "  acq %v, start %s, shutter open %v\n", fm.AcqTime, fm.Start.Format(time.RFC3339Nano), fm.ShutterOpen)
							}
						}
						if ac.Out != "" {
							logging.Failure(&a.log, "save frame", s.dev.SaveFrame(i, outPath(ac.Out, i, len(frames))))
						}
						a.keep(rec, f, m)
						last = f
					}
				}
				if last != nil {
					show(out, last, ac.Values)
				}
				return nil
			})
		},
	}
	acqFlags(cmd)
	cmd.Flags().Int("frames", 5, "number of frames")
	cmd.Flags().BoolVar(&callback, "callback", false, "handle frames in a per-frame callback")
	cmd.Flags().BoolVar(&withMeta, "meta", false, "print the acquisition, start and shutter open time of each frame")
	return cmd
}

// waitLine closes the returned channel when a line (or EOF) is read from r
func waitLine(r io.Reader) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		bufio.NewReader(r).ReadString('\n')
		close(ch)
	}()
	return ch
}

func (a *app) continuousCmd() *cobra.Command {
	var (
		events      bool
		interactive bool
	)
	cmd := &cobra.Command{
		Use:   "continuous",
		Short: "Stream frames until a target count is reached or the run is aborted",
		Long: `continuous starts an unbounded acquisition.  The callback requests the abort
once --target frames were delivered; a target of 0 runs until interrupted.
With --interactive, pressing Enter requests the abort from the next callback.
With --events the frames arrive through the driver's event registration
instead of a callback handed to the start call.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				ac := a.cfg.Acquisition
				out := cmd.OutOrStdout()
				rec := a.recorder()
				pub := a.publisher()
				if pub != nil {
					defer pub.Close()
				}
				var stop <-chan struct{}
				if interactive {
					fmt.Fprintln(cmd.ErrOrStderr(), "press Enter to stop")
					stop = waitLine(cmd.InOrStdin())
				}
				var last *pxcapi.Frame
				fn := func(r *acq.Run, f *pxcapi.Frame) {
					summary(out, f)
					last = f.Copy()
					a.keep(rec, f, meta(s.dev, r.ID.String(), ac.Values))
					if pub != nil {
						if err := pub.Frame(r.ID.String(), f); err != nil {
							a.log.Warn().Err(err).Msg("publishing frame")
						}
					}
					select {
					case <-stop:
						r.RequestAbort()
					default:
					}
				}
				start := s.dev.Continuous
				if events {
					start = s.dev.ContinuousEvents
				}
				r, err := start(ctx, ac.Time, ac.Target, fn)
				if r != nil {
					a.log.Info().
						Str("run", r.ID.String()).
						Int("delivered", r.Delivered()).
						Int("aborts", r.Aborts()).
						Dur("elapsed", r.Elapsed()).
						Msg("continuous acquisition stopped")
				}
				if last != nil {
					show(out, last, ac.Values)
				}
				return logging.Failure(&a.log, "continuous", err)
			})
		},
	}
	acqFlags(cmd)
	cmd.Flags().Int("target", 10, "frames after which the callback aborts, 0 for none")
	cmd.Flags().BoolVar(&events, "events", false, "receive frames through event registration")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "stop when Enter is pressed")
	return cmd
}

func (a *app) dataDrivenCmd() *cobra.Command {
	var block int
	cmd := &cobra.Command{
		Use:   "datadriven",
		Short: "Measure in data-driven mode and print the pixel blocks as they arrive",
		Long: `datadriven measures for --time in data-driven mode.  Each block of pixels the
driver reports is printed and kept; at the end the hits are accumulated into
a frame and rendered.  --out saves the pixel list, t3pa or csv.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				ac := a.cfg.Acquisition
				out := cmd.OutOrStdout()
				if block > 0 {
					logging.Failure(&a.log, "set block size", s.dev.SetParam("DDBlockSize", block))
				}
				pub := a.publisher()
				if pub != nil {
					defer pub.Close()
				}
				var all []pxcapi.Pixel
				r, err := s.dev.DataDriven(ctx, ac.Time, func(r *acq.Run, px []pxcapi.Pixel) {
					n := r.Delivered()
					fmt.Fprintf(out, "block %d: %d pixels\n", n, len(px))
					all = append(all, px...)
					if pub != nil {
						if err := pub.Pixels(r.ID.String(), n, px); err != nil {
							a.log.Warn().Err(err).Msg("publishing pixels")
						}
					}
				})
				if r != nil {
					a.log.Info().Str("run", r.ID.String()).Int("blocks", r.Delivered()).Int("pixels", len(all)).Msg("data-driven acquisition finished")
				}
				if logging.Failure(&a.log, "data driven", err) != nil && len(all) == 0 {
					return err
				}

				var f pxcapi.Frame
				for _, p := range all {
					f.Counts[p.Index]++
					f.Values[p.Index] += float64(p.ToT)
				}
				show(out, &f, ac.Values)
				fmt.Fprintf(out, "%d pixels, %d distinct\n", len(all), f.Hits())
				if ac.Out != "" {
					logging.Failure(&a.log, "save pixels", frameio.SavePixels(ac.Out, all))
				}
				if rec := a.recorder(); rec != nil {
					path, err := rec.RecordPixels(all)
					if logging.Failure(&a.log, "record pixels", err) == nil {
						a.log.Info().Str("path", path).Msg("recorded pixels")
					}
				}
				return nil
			})
		},
	}
	acqFlags(cmd)
	cmd.Flags().IntVar(&block, "block", 0, "block size in bytes (DDBlockSize), 0 keeps the configured value")
	return cmd
}
