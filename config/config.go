// Package config loads the configuration of the demos and the server.
//
// Values come from, in increasing precedence, the defaults in Default, a YAML
// file, and command line flags that were set explicitly.
package config

import (
	"errors"
	"io"
	"io/fs"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/spf13/pflag"
	yml "gopkg.in/yaml.v2"

	"github.com/pxlab/pxlab/logging"
	"github.com/pxlab/pxlab/publish"
	"github.com/pxlab/pxlab/sim"
)

// FileName is the default configuration file
const FileName = "pxlab.yml"

// Device selects the detector
type Device struct {
	// Index is the device index in the driver's enumeration
	Index int `koanf:"index" yaml:"index"`

	// LockDir holds the per-device lock files; empty disables locking
	LockDir string `koanf:"lockdir" yaml:"lockdir"`

	// InitTimeout bounds the retries of driver initialization
	InitTimeout time.Duration `koanf:"inittimeout" yaml:"inittimeout"`
}

// Acquisition holds the defaults of the acquisition demos
type Acquisition struct {
	Time   time.Duration `koanf:"time" yaml:"time"`
	Frames int           `koanf:"frames" yaml:"frames"`
	Target int           `koanf:"target" yaml:"target"`
	Mode   string        `koanf:"mode" yaml:"mode"`
	Values bool          `koanf:"values" yaml:"values"`
	Out    string        `koanf:"out" yaml:"out"`
}

// Recorder configures the auto recorder
type Recorder struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Root    string `koanf:"root" yaml:"root"`
	Prefix  string `koanf:"prefix" yaml:"prefix"`
	Format  string `koanf:"format" yaml:"format"`
}

// HTTP configures the serve command
type HTTP struct {
	Addr        string        `koanf:"addr" yaml:"addr"`
	Root        string        `koanf:"root" yaml:"root"`
	DefaultTime time.Duration `koanf:"defaulttime" yaml:"defaulttime"`
	MaxFrames   int           `koanf:"maxframes" yaml:"maxframes"`
}

// Metrics toggles the /metrics route
type Metrics struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`
}

// MQTT configures frame publication
type MQTT struct {
	Enabled  bool          `koanf:"enabled" yaml:"enabled"`
	Broker   string        `koanf:"broker" yaml:"broker"`
	ClientID string        `koanf:"clientid" yaml:"clientid"`
	Topic    string        `koanf:"topic" yaml:"topic"`
	QoS      byte          `koanf:"qos" yaml:"qos"`
	Timeout  time.Duration `koanf:"timeout" yaml:"timeout"`
}

// Publish returns the publisher settings
func (m MQTT) Publish() publish.Config {
	return publish.Config{Broker: m.Broker, ClientID: m.ClientID, Topic: m.Topic, QoS: m.QoS, Timeout: m.Timeout}
}

// USB lists the vendor:product pairs the usb command looks for
type USB struct {
	IDs []string `koanf:"ids" yaml:"ids"`
}

// Lock toggles the lock middleware of the server
type Lock struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`
}

// Config is the whole configuration
type Config struct {
	Log         logging.Config         `koanf:"log" yaml:"log"`
	Device      Device                 `koanf:"device" yaml:"device"`
	Acquisition Acquisition            `koanf:"acquisition" yaml:"acquisition"`
	Bootup      map[string]interface{} `koanf:"bootup" yaml:"bootup"`
	Sim         sim.Config             `koanf:"sim" yaml:"sim"`
	Recorder    Recorder               `koanf:"recorder" yaml:"recorder"`
	HTTP        HTTP                   `koanf:"http" yaml:"http"`
	Metrics     Metrics                `koanf:"metrics" yaml:"metrics"`
	MQTT        MQTT                   `koanf:"mqtt" yaml:"mqtt"`
	USB         USB                    `koanf:"usb" yaml:"usb"`
	Lock        Lock                   `koanf:"lock" yaml:"lock"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Log:    logging.Config{Level: "info", Console: true},
		Device: Device{InitTimeout: 5 * time.Second},
		Acquisition: Acquisition{
			Time:   100 * time.Millisecond,
			Frames: 5,
			Target: 10,
			Mode:   "TOT_NOTOA",
		},
		Bootup: map[string]interface{}{
			"DDBlockSize": 66000,
			"TrgStg":      0,
		},
		Sim:      sim.DefaultConfig(),
		Recorder: Recorder{Root: ".", Format: "fits"},
		HTTP: HTTP{
			Addr:        ":8000",
			Root:        "/",
			DefaultTime: 100 * time.Millisecond,
			MaxFrames:   1000,
		},
		MQTT: MQTT{
			Broker:   "tcp://localhost:1883",
			ClientID: "pxlab",
			Topic:    "pxlab",
			Timeout:  5 * time.Second,
		},
		USB:  USB{IDs: []string{"0403:6010", "0403:6014"}},
		Lock: Lock{Enabled: true},
	}
}

// FlagKeys maps command line flag names to configuration keys.  Flags not
// listed here do not feed the configuration.
var FlagKeys = map[string]string{
	"log-level":  "log.level",
	"no-color":   "log.nocolor",
	"device":     "device.index",
	"lock-dir":   "device.lockdir",
	"time":       "acquisition.time",
	"frames":     "acquisition.frames",
	"target":     "acquisition.target",
	"mode":       "acquisition.mode",
	"values":     "acquisition.values",
	"out":        "acquisition.out",
	"record":     "recorder.enabled",
	"record-dir": "recorder.root",
	"addr":       "http.addr",
	"seed":       "sim.seed",
	"hit-rate":   "sim.hitrate",
}

// keyed returns a flag set holding the flags of set that were set and have a
// configuration key, renamed to that key
func keyed(set *pflag.FlagSet) *pflag.FlagSet {
	out := pflag.NewFlagSet("config", pflag.ContinueOnError)
	set.Visit(func(f *pflag.Flag) {
		key, ok := FlagKeys[f.Name]
		if !ok {
			return
		}
		out.AddFlag(&pflag.Flag{Name: key, Value: f.Value, DefValue: f.DefValue, Changed: true})
	})
	return out
}

// Loader holds the koanf instance behind a configuration
type Loader struct {
	k    *koanf.Koanf
	path string
}

// Load layers the defaults, the file at path and the flags that were set.  A
// missing file is not an error.
func Load(path string, flags *pflag.FlagSet) (*Loader, Config, error) {
	l := &Loader{k: koanf.New("."), path: path}
	c, err := l.load(flags)
	return l, c, err
}

func (l *Loader) load(flags *pflag.FlagSet) (Config, error) {
	var c Config
	if err := l.k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return c, err
	}
	if l.path != "" {
		if err := l.k.Load(file.Provider(l.path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return c, err
		}
	}
	if flags != nil {
		if err := l.k.Load(posflag.Provider(keyed(flags), ".", l.k), nil); err != nil {
			return c, err
		}
	}
	err := l.k.Unmarshal("", &c)
	return c, err
}

// Watch calls fn with the reloaded configuration every time the file changes.
// Flags are not reapplied.
func (l *Loader) Watch(fn func(Config, error)) error {
	if l.path == "" {
		return errors.New("config: no file to watch")
	}
	return file.Provider(l.path).Watch(func(event interface{}, err error) {
		if err != nil {
			fn(Config{}, err)
			return
		}
		l.k = koanf.New(".")
		fn(l.load(nil))
	})
}

// Write encodes c as YAML
func Write(w io.Writer, c Config) error {
	return yml.NewEncoder(w).Encode(c)
}
