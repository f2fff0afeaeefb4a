package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func demoFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("demo", pflag.ContinueOnError)
	fs.Duration("time", 100*time.Millisecond, "")
	fs.Int("frames", 5, "")
	fs.String("log-level", "info", "")
	fs.Float64("hit-rate", 2000, "")
	fs.Bool("verbose", false, "")
	return fs
}

func TestLoadMissingFile(t *testing.T) {
	_, c, err := Load(filepath.Join(t.TempDir(), "absent.yml"), nil)
	if err != nil {
		t.Fatal(err)
	}
	def := Default()
	if c.Acquisition != def.Acquisition || c.HTTP != def.HTTP || c.Log != def.Log {
		t.Errorf("expected defaults, got %+v", c)
	}
	if len(c.Sim.Devices) != 1 || c.Sim.Devices[0].Serial != "SIM-0001" {
		t.Errorf("unexpected simulated devices %+v", c.Sim.Devices)
	}
}

func TestLoadFile(t *testing.T) {
	p := writeFile(t, `
acquisition:
  time: 250ms
  mode: TOA
sim:
  hitrate: 10
bootup:
  DDBlockSize: 50
`)
	_, c, err := Load(p, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Acquisition.Time != 250*time.Millisecond || c.Acquisition.Mode != "TOA" {
		t.Errorf("file values not applied: %+v", c.Acquisition)
	}
	if c.Acquisition.Frames != 5 {
		t.Errorf("defaults should survive a partial file, frames=%d", c.Acquisition.Frames)
	}
	if c.Sim.HitRate != 10 {
		t.Errorf("hit rate = %v", c.Sim.HitRate)
	}
	if v, ok := c.Bootup["DDBlockSize"]; !ok || v != 50 {
		t.Errorf("bootup = %v", c.Bootup)
	}
}

func TestFlagsOverride(t *testing.T) {
	p := writeFile(t, "acquisition:\n  time: 250ms\n  frames: 7\n")
	fs := demoFlags()
	if err := fs.Parse([]string{"--frames=9", "--log-level=debug", "--verbose"}); err != nil {
		t.Fatal(err)
	}
	_, c, err := Load(p, fs)
	if err != nil {
		t.Fatal(err)
	}
	if c.Acquisition.Frames != 9 {
		t.Errorf("set flag should win over the file, frames=%d", c.Acquisition.Frames)
	}
	if c.Acquisition.Time != 250*time.Millisecond {
		t.Errorf("unset flag should not override the file, time=%v", c.Acquisition.Time)
	}
	if c.Log.Level != "debug" {
		t.Errorf("log level = %q", c.Log.Level)
	}
}

func TestDurationFlag(t *testing.T) {
	fs := demoFlags()
	if err := fs.Parse([]string{"--time=2s", "--hit-rate=0"}); err != nil {
		t.Fatal(err)
	}
	_, c, err := Load("", fs)
	if err != nil {
		t.Fatal(err)
	}
	if c.Acquisition.Time != 2*time.Second || c.Sim.HitRate != 0 {
		t.Errorf("got time=%v hitrate=%v", c.Acquisition.Time, c.Sim.HitRate)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	c := Default()
	c.HTTP.Addr = ":9100"
	c.Recorder.Prefix = "run"
	var buf bytes.Buffer
	if err := Write(&buf, c); err != nil {
		t.Fatal(err)
	}
	p := writeFile(t, buf.String())
	_, got, err := Load(p, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.HTTP != c.HTTP || got.Recorder != c.Recorder || got.MQTT != c.MQTT {
		t.Errorf("round trip mismatch:\n%+v\n%+v", got, c)
	}
	if got.MQTT.Publish().Topic != "pxlab" {
		t.Errorf("publish config topic = %q", got.MQTT.Publish().Topic)
	}
}

func TestWatchWithoutFile(t *testing.T) {
	l, _, err := Load("", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Watch(func(Config, error) {}); err == nil {
		t.Error("expected an error watching nothing")
	}
}
