/*Command pxdemo operates Timepix detectors through the pxcapi driver interface.

Each subcommand is one demo: enumeration, frame acquisition in its single,
multiple and continuous forms, the data-driven pixel stream, parameter
introspection, sensor maintenance, threshold calibration, and an HTTP server
exposing all of it.  Driver failures are logged and the demo carries on with
its next step.
*/
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pxlab/pxlab/config"
	"github.com/pxlab/pxlab/logging"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"
)

// app is the state shared by the subcommands of one invocation
type app struct {
	cfgPath string
	loader  *config.Loader
	cfg     config.Config
	log     zerolog.Logger
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	l, c, err := config.Load(a.cfgPath, cmd.Flags())
	if err != nil {
		return fmt.Errorf("loading config %s: %w", a.cfgPath, err)
	}
	lg, err := logging.New(cmd.ErrOrStderr(), c.Log)
	if err != nil {
		return err
	}
	a.loader, a.cfg, a.log = l, c, lg
	return nil
}

func newRootCmd() *cobra.Command {
	a := &app{log: zerolog.Nop()}
	root := &cobra.Command{
		Use:   "pxdemo",
		Short: "Timepix detector demos",
		Long: `pxdemo drives Timepix/Medipix detectors through the pxcapi driver interface.

Configuration is read from pxlab.yml when present; flags that are set
override the file.  mkconf writes a file holding the defaults.

Examples:
  pxdemo devices
  pxdemo frame --time 500ms --out frame.fits
  pxdemo continuous --target 20 --events
  pxdemo datadriven --time 2s --out hits.t3pa
  pxdemo serve --addr :8000`,
		Version:           Version,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", config.FileName, "configuration file")
	pf.String("log-level", "info", "log level: trace, debug, info, warn, error")
	pf.Bool("no-color", false, "disable colors in console logs")
	pf.Int("device", 0, "index of the device to open")
	pf.String("lock-dir", "", "directory of the per-device lock files, empty disables locking")
	pf.Int64("seed", 1, "random seed of the simulated detector")
	pf.Float64("hit-rate", 2000, "simulated particle clusters per second")
	pf.Bool("record", false, "save frames with the auto recorder")
	pf.String("record-dir", ".", "root folder of the auto recorder")

	root.AddCommand(
		a.devicesCmd(),
		a.frameCmd(),
		a.framesCmd(),
		a.continuousCmd(),
		a.dataDrivenCmd(),
		a.paramsCmd(),
		a.refreshCmd(),
		a.maskCmd(),
		a.badPixelsCmd(),
		a.calibrateCmd(),
		a.usbCmd(),
		a.serveCmd(),
		a.mkconfCmd(),
		a.confCmd(),
		a.versionCmd(),
	)
	return root
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.Execute()
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}
