package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pxlab/pxlab/calib"
	"github.com/pxlab/pxlab/logging"
	"github.com/pxlab/pxlab/pxcapi"
	"github.com/pxlab/pxlab/usbscan"
)

// maxDACs bounds the DAC listing of params; it stops at the first failing index
const maxDACs = 64

func (a *app) devicesCmd() *cobra.Command {
	var refresh, reconnect bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the connected devices and their chips",
		Long: `devices lists every device with its chips, library version and temperatures.
--refresh looks for devices connected since the driver started and
--reconnect reopens the connection to the configured device first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			drv := a.newDriver()
			if err := a.initialize(ctx, drv); err != nil {
				return fmt.Errorf("initializing driver: %w", err)
			}
			defer func() { logging.Failure(&a.log, "exit", drv.Exit()) }()

			out := cmd.OutOrStdout()
			var (
				n   int
				err error
			)
			if refresh {
				n, err = pxcapi.Rescan(drv)
			} else {
				n, err = drv.DeviceCount()
			}
			if err != nil {
				return logging.Failure(&a.log, "device count", err)
			}
			if reconnect {
				dev, err := pxcapi.Open(drv, a.cfg.Device.Index)
				if err == nil {
					err = dev.Reconnect()
				}
				if err != nil {
					return logging.Failure(&a.log, "reconnect", err)
				}
				fmt.Fprintf(out, "reconnected device %d: %s\n", dev.Index, dev.Name())
			}
			fmt.Fprintf(out, "%d device(s) connected\n", n)
			for i := 0; i < n; i++ {
				dev, err := pxcapi.Open(drv, i)
				if logging.Failure(&a.log, "open", err) != nil {
					continue
				}
				fmt.Fprintf(out, "  %d: %s, %d chip(s): %s\n", i, dev.Name(), dev.ChipCount(), strings.Join(dev.ChipIDs(), ", "))
				info, err := dev.Info()
				logging.Failure(&a.log, "info", err)
				fmt.Fprintf(out, "     hwlib %s, chip %.1f C, cpu %.1f C\n", info.HwLibVer, info.ChipTemp, info.CPUTemp)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "look for newly connected devices first")
	cmd.Flags().BoolVar(&reconnect, "reconnect", false, "reconnect the configured device first")
	return cmd
}

// parseSet splits a name=value assignment
func parseSet(s string) (name, value string, err error) {
	i := strings.IndexByte(s, '=')
	if i < 1 {
		return "", "", fmt.Errorf("%q is not name=value", s)
	}
	return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:]), nil
}

func (a *app) paramsCmd() *cobra.Command {
	var sets []string
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Print the device parameters, settings and their ranges",
		Long: `params writes each --set name=value first, then reads every known parameter,
the bias, the per-chip thresholds and DACs with their ranges.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				dev := s.dev
				for _, kv := range sets {
					name, value, err := parseSet(kv)
					if err == nil {
						err = dev.SetParam(name, value)
					}
					logging.Failure(&a.log, "set "+kv, err)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				info, err := dev.Info()
				logging.Failure(&a.log, "info", err)
				fmt.Fprintf(tw, "device\t%d: %s\n", info.Index, info.Name)
				fmt.Fprintf(tw, "mode\t%s\n", info.Mode)
				if r, err := dev.BiasRange(); logging.Failure(&a.log, "bias range", err) == nil {
					fmt.Fprintf(tw, "bias\t%g V\t[%g, %g]\n", info.Bias, r.Min, r.Max)
				}

				vals, errs := dev.Params()
				for _, name := range pxcapi.ParameterNames() {
					p := pxcapi.Parameters[name]
					ro := ""
					if p.ReadOnly {
						ro = "ro"
					}
					if err, ok := errs[name]; ok {
						logging.Failure(&a.log, "get "+name, err)
						fmt.Fprintf(tw, "%s\t<%v>\t%s %s\t%s\n", name, pxcapi.CodeOf(err), p.Type, ro, p.Doc)
						continue
					}
					fmt.Fprintf(tw, "%s\t%v\t%s %s\t%s\n", name, vals[name], p.Type, ro, p.Doc)
				}

				for chip, id := range dev.ChipIDs() {
					thr, err := dev.Threshold(chip)
					logging.Failure(&a.log, "threshold", err)
					r, err := dev.ThresholdRange(chip)
					logging.Failure(&a.log, "threshold range", err)
					fmt.Fprintf(tw, "chip %d %s\tthreshold %g keV\t[%g, %g]\n", chip, id, thr, r.Min, r.Max)
					for dac := 0; dac < maxDACs; dac++ {
						v, err := dev.DAC(chip, dac)
						if err != nil {
							break
						}
						r, err := dev.DACRange(chip, dac)
						logging.Failure(&a.log, "dac range", err)
						fmt.Fprintf(tw, "  dac %d\t%d\t[%g, %g]\n", dac, v, r.Min, r.Max)
					}
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "write a parameter first, name=value; repeatable")
	return cmd
}

func (a *app) refreshCmd() *cobra.Command {
	var (
		schedule string
		enable   bool
		period   time.Duration
		now      bool
	)
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Program, enable or run the sensor bias refresh",
		Long: `refresh programs the bias refresh sequence given as "time,coef;time,coef" with
times in seconds, turns periodic refresh on or off, and runs a refresh now.
The programmed schedule is printed at the end.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				if cmd.Flags().Changed("schedule") {
					sch, err := pxcapi.ParseSchedule(schedule)
					if err == nil {
						err = s.dev.SetRefreshSchedule(sch)
					}
					logging.Failure(&a.log, "set schedule", err)
				}
				if cmd.Flags().Changed("enable") {
					logging.Failure(&a.log, "enable refresh", s.dev.EnableRefresh(enable, period))
				}
				if now {
					done := spin(cmd.ErrOrStderr(), "refreshing sensor")
					err := s.dev.Refresh()
					done(err)
					logging.Failure(&a.log, "refresh", err)
				}
				sch, err := s.dev.RefreshSchedule()
				if logging.Failure(&a.log, "get schedule", err) == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "schedule %q, %d step(s), %v\n", sch.String(), len(sch), sch.Duration())
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&schedule, "schedule", "", `refresh sequence of hold time and bias coefficient pairs, e.g. "5,2;3,1.5;1,1.2;1,1"`)
	f.BoolVar(&enable, "enable", false, "turn periodic refresh on (or off with --enable=false)")
	f.DurationVar(&period, "period", time.Hour, "period of the automatic refresh, 0 refreshes before every measurement")
	f.BoolVar(&now, "now", false, "run the refresh sequence once")
	return cmd
}

func (a *app) maskCmd() *cobra.Command {
	var (
		edge  int
		reset bool
	)
	cmd := &cobra.Command{
		Use:   "mask",
		Short: "Read the pixel mask, mask the chip edges and verify the round trip",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				out := cmd.OutOrStdout()
				if reset {
					logging.Failure(&a.log, "reset mask", s.dev.SetMask(pxcapi.FullMask()))
				}
				m, err := s.dev.Mask()
				if err != nil {
					return logging.Failure(&a.log, "read mask", err)
				}
				fmt.Fprintf(out, "%d masked pixel(s)\n", m.CountExcluded(pxcapi.KindMask))
				if edge <= 0 {
					return nil
				}
				want := m
				want.EdgeMask(edge)
				if err := s.dev.SetMask(want); err != nil {
					return logging.Failure(&a.log, "write mask", err)
				}
				back, err := s.dev.Mask()
				if err != nil {
					return logging.Failure(&a.log, "read mask", err)
				}
				changed := m.Diff(&back)
				fmt.Fprintf(out, "masked %d edge pixel(s) of width %d, %d masked now\n", len(changed), edge, back.CountExcluded(pxcapi.KindMask))
				if diff := want.Diff(&back); len(diff) != 0 {
					return fmt.Errorf("mask read back differs from the written one at %d pixel(s)", len(diff))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&edge, "edge", 0, "mask this many rows and columns at each chip edge")
	cmd.Flags().BoolVar(&reset, "reset", false, "unmask every pixel first")
	return cmd
}

func (a *app) badPixelsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "badpixels",
		Short: "Print the bad pixel matrix",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				m, err := s.dev.BadPixels()
				if err != nil {
					return logging.Failure(&a.log, "bad pixels", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%d bad pixel(s)\n", m.CountExcluded(pxcapi.KindBadPixel))
				shown := 0
				for i := range m {
					if !m.Excluded(pxcapi.KindBadPixel, i) {
						continue
					}
					if shown == limit {
						fmt.Fprintln(out, "  ...")
						break
					}
					x, y := pxcapi.Pixel{Index: uint32(i)}.XY()
					fmt.Fprintf(out, "  (%d, %d)\n", x, y)
					shown++
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "list at most this many positions")
	return cmd
}

func (a *app) calibrateCmd() *cobra.Command {
	opts := calib.DefaultOptions()
	setup := calib.DefaultSetupOptions()
	var chip int
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Find the noise edge of a chip's threshold, or set up from a configuration file",
		Long: `calibrate scans the threshold of one chip from --start to --stop keV, measuring
a dark frame at each step.  The first step with at most --noisy firing pixels
(bad pixels excluded) is the noise edge; edge + --margin is applied.

With --config-file the device configuration is loaded instead, --bias is set
and read back, and one frame of --time is measured and drawn.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				if setup.ConfigFile != "" {
					return a.calibrateSetup(ctx, cmd, s, setup)
				}
				opts.Log = a.log.With().Int("chip", chip).Logger()
				done := spin(cmd.ErrOrStderr(), "scanning threshold")
				res, err := calib.Threshold(ctx, s.dev, chip, opts)
				done(err)
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "keV\tnoisy")
				for _, p := range res.Points {
					fmt.Fprintf(tw, "%g\t%d\n", p.Threshold, p.Noisy)
				}
				tw.Flush()
				if errors.Is(err, calib.ErrNoEdge) {
					fmt.Fprintf(cmd.OutOrStdout(), "no quiet step up to %g keV\n", opts.Stop)
				}
				if err != nil {
					return logging.Failure(&a.log, "calibrate", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "noise edge %g keV, threshold set to %g keV\n", res.Edge, res.Applied)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.IntVar(&chip, "chip", 0, "chip index")
	f.Float64Var(&opts.Start, "start", opts.Start, "first threshold in keV")
	f.Float64Var(&opts.Stop, "stop", opts.Stop, "last threshold in keV")
	f.Float64Var(&opts.Step, "step", opts.Step, "threshold step in keV")
	f.DurationVar(&opts.AcqTime, "dark-time", opts.AcqTime, "acquisition time of each dark frame")
	f.IntVar(&opts.NoisyPixels, "noisy", opts.NoisyPixels, "firing pixels tolerated at the edge")
	f.Float64Var(&opts.Margin, "margin", opts.Margin, "keV added to the edge")
	f.StringVar(&setup.ConfigFile, "config-file", "", "device configuration file (XML) to load instead of scanning")
	f.Float64Var(&setup.Bias, "bias", setup.Bias, "bias in volts applied after --config-file")
	f.DurationVar(&setup.AcqTime, "time", setup.AcqTime, "acquisition time of the frame measured after --config-file")
	return cmd
}

// calibrateSetup runs the configuration file flow of calibrate
func (a *app) calibrateSetup(ctx context.Context, cmd *cobra.Command, s *session, opts calib.SetupOptions) error {
	opts.Log = a.log.With().Str("file", opts.ConfigFile).Logger()
	done := spin(cmd.ErrOrStderr(), fmt.Sprintf("measuring %v", opts.AcqTime))
	res, err := calib.Setup(ctx, s.dev, opts)
	done(err)
	if err != nil {
		return logging.Failure(&a.log, "calibrate", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "bias: %g V\n", res.Bias)
	show(out, res.Frame, a.cfg.Acquisition.Values)
	summary(out, res.Frame)
	return nil
}

func (a *app) usbCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usb",
		Short: "Scan the USB buses for detector readouts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := usbscan.ParseIDs(a.cfg.USB.IDs)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			found, err := usbscan.Scan(ctx, ids)
			if err != nil {
				return fmt.Errorf("scanning usb: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(found) == 0 {
				fmt.Fprintln(out, "No readouts found.")
				return nil
			}
			for _, f := range found {
				fmt.Fprintf(out, "  - %s\n", f)
			}
			return nil
		},
	}
}
