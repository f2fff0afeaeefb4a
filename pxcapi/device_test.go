package pxcapi_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pxlab/pxlab/acq"
	"github.com/pxlab/pxlab/pxcapi"
	"github.com/pxlab/pxlab/sim"
)

func open(t *testing.T, cfg sim.Config) (*pxcapi.Device, *sim.Driver) {
	t.Helper()
	drv := sim.New(cfg)
	if err := drv.Initialize(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { drv.Exit() })
	dev, err := pxcapi.Open(drv, 0)
	if err != nil {
		t.Fatal(err)
	}
	return dev, drv
}

func TestOpenCachesIdentity(t *testing.T) {
	cfg := sim.DefaultConfig()
	cfg.Devices[0].Chips = 2
	dev, _ := open(t, cfg)
	if dev.Name() != cfg.Devices[0].Name {
		t.Errorf("expected name %q, got %q", cfg.Devices[0].Name, dev.Name())
	}
	ids := dev.ChipIDs()
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Errorf("expected two distinct chip IDs, got %v", ids)
	}
}

func TestOpenInvalidDevice(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	drv.Initialize()
	defer drv.Exit()
	_, err := pxcapi.Open(drv, 3)
	if !errors.Is(err, pxcapi.ErrInvalidDevice) {
		t.Errorf("expected invalid device, got %v", err)
	}
}

func TestUninitializedDriver(t *testing.T) {
	drv := sim.New(sim.DefaultConfig())
	_, err := drv.DeviceCount()
	if !errors.Is(err, pxcapi.ErrNotInitialized) {
		t.Errorf("expected not initialized, got %v", err)
	}
}

func TestConfigure(t *testing.T) {
	dev, drv := open(t, sim.DefaultConfig())
	err := dev.Configure(map[string]interface{}{
		"DDBlockSize":   float64(100), // as decoded from JSON
		"DDMaxHitRate":  2.5,
		"TrgStg":        "1",
		"SensorRefresh": "1,1.5",
		"Mode":          "toa",
	})
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := drv.GetInt(0, "DDBlockSize"); v != 100 {
		t.Errorf("expected DDBlockSize 100, got %d", v)
	}
	if v, _ := drv.GetFloat(0, "DDMaxHitRate"); v != 2.5 {
		t.Errorf("expected DDMaxHitRate 2.5, got %g", v)
	}
	if v, _ := drv.GetInt(0, "TrgStg"); v != 1 {
		t.Errorf("expected TrgStg 1, got %d", v)
	}
	if m, _ := drv.Mode(0); m != pxcapi.ModeToa {
		t.Errorf("expected mode TOA, got %s", m)
	}
}

func TestConfigureContinuesPastFailures(t *testing.T) {
	dev, drv := open(t, sim.DefaultConfig())
	err := dev.Configure(map[string]interface{}{
		"NotAParameter": 1,
		"Temperature":   20.0,
		"DDBlockSize":   10,
		"TrgStg":        7,
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, pxcapi.ErrReadOnly) || !errors.Is(err, pxcapi.ErrOutOfRange) {
		t.Errorf("merged error lost the driver codes: %v", err)
	}
	if !errors.As(err, &pxcapi.ErrParamNotFound{}) {
		t.Errorf("merged error lost the unknown parameter: %v", err)
	}
	// entries are applied in name order, Temperature is the first driver failure
	if c := pxcapi.CodeOf(err); c != pxcapi.CodeReadOnly {
		t.Errorf("expected %v, got %v", pxcapi.CodeReadOnly, c)
	}
	if v, _ := drv.GetInt(0, "DDBlockSize"); v != 10 {
		t.Errorf("valid entry not applied, DDBlockSize is %d", v)
	}
}

func TestParamTypeErrors(t *testing.T) {
	dev, drv := open(t, sim.DefaultConfig())
	if _, err := dev.Param("Nope"); !errors.As(err, &pxcapi.ErrParamNotFound{}) {
		t.Errorf("expected ErrParamNotFound, got %v", err)
	}
	if err := drv.SetInt(0, "DDMaxHitRate", 3); pxcapi.CodeOf(err) != pxcapi.CodeParameterType {
		t.Errorf("expected parameter type error, got %v", err)
	}
	if err := drv.SetString(0, "SerialNumber", "x"); !errors.Is(err, pxcapi.ErrReadOnly) {
		t.Errorf("expected read-only error, got %v", err)
	}
	if err := dev.SetParam("DDBlockSize", 1.5); pxcapi.CodeOf(err) != pxcapi.CodeParameterType {
		t.Errorf("expected parameter type error for 1.5, got %v", err)
	}
}

func TestParams(t *testing.T) {
	dev, _ := open(t, sim.DefaultConfig())
	vals, errs := dev.Params()
	if len(errs) != 0 {
		t.Errorf("unexpected errors %v", errs)
	}
	if len(vals) != len(pxcapi.Parameters) {
		t.Errorf("expected %d values, got %d", len(pxcapi.Parameters), len(vals))
	}
	if vals["SerialNumber"] != "SIM-0001" {
		t.Errorf("unexpected serial %v", vals["SerialNumber"])
	}
}

func TestSetBiasChecked(t *testing.T) {
	dev, _ := open(t, sim.DefaultConfig())
	if err := dev.SetBiasChecked(250); !errors.Is(err, pxcapi.ErrOutOfRange) {
		t.Errorf("expected out of range, got %v", err)
	}
	if err := dev.SetBiasChecked(60); err != nil {
		t.Fatal(err)
	}
	if v, _ := dev.Bias(); v != 60 {
		t.Errorf("expected bias 60, got %g", v)
	}
}

func TestMaskRoundTrip(t *testing.T) {
	cfg := sim.DefaultConfig()
	cfg.HitRate = 200000
	cfg.Devices[0].BadPixels = 0
	dev, _ := open(t, cfg)
	before, err := dev.Mask()
	if err != nil {
		t.Fatal(err)
	}
	if n := before.CountExcluded(pxcapi.KindMask); n != 0 {
		t.Fatalf("expected no masked pixels initially, got %d", n)
	}
	edited := before
	edited.EdgeMask(1)
	if err := dev.SetMask(edited); err != nil {
		t.Fatal(err)
	}
	after, err := dev.Mask()
	if err != nil {
		t.Fatal(err)
	}
	diff := before.Diff(&after)
	if len(diff) != 4*pxcapi.Width-4 {
		t.Errorf("expected %d changed pixels, got %d", 4*pxcapi.Width-4, len(diff))
	}
	for _, i := range diff {
		if !after.Excluded(pxcapi.KindMask, i) {
			t.Errorf("pixel %d changed but is not masked", i)
		}
		x, y := pxcapi.Pixel{Index: uint32(i)}.XY()
		if x != 0 && y != 0 && x != pxcapi.Width-1 && y != pxcapi.Height-1 {
			t.Errorf("pixel (%d, %d) is not on the edge", x, y)
		}
	}

	f, err := dev.Frame(context.Background(), 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	for _, i := range diff {
		if f.Counts[i] != 0 {
			t.Fatalf("masked pixel %d fired", i)
		}
	}
}

func TestSetMaskRejectsValues(t *testing.T) {
	_, drv := open(t, sim.DefaultConfig())
	m := pxcapi.FullMask()
	m[10] = 2
	if err := drv.SetPixelMaskMatrix(0, m[:]); pxcapi.CodeOf(err) != pxcapi.CodeInvalidArgument {
		t.Errorf("expected invalid argument, got %v", err)
	}
	if err := drv.PixelMaskMatrix(0, make([]byte, 10)); !errors.Is(err, pxcapi.ErrBufferSize) {
		t.Errorf("expected buffer size error, got %v", err)
	}
}

func TestRefresh(t *testing.T) {
	dev, drv := open(t, sim.DefaultConfig())
	if err := dev.Refresh(); err == nil {
		t.Error("expected refresh without a schedule to fail")
	}
	if err := drv.SetSensorRefresh(0, "5, 2; 3, 1.5; 1, 1.2; 1, 1"); err != nil {
		t.Fatal(err)
	}
	got, err := dev.RefreshSchedule()
	if err != nil {
		t.Fatal(err)
	}
	if got.String() != "5,2;3,1.5;1,1.2;1,1" || got.Duration() != 10*time.Second {
		t.Errorf("expected schedule to read back, got %q", got)
	}
	if err := dev.Refresh(); err != nil {
		t.Fatal(err)
	}
	if drv.Refreshes(0) != 1 {
		t.Errorf("expected one refresh, got %d", drv.Refreshes(0))
	}
	if err := dev.EnableRefresh(true, -time.Second); err == nil {
		t.Error("expected enabling with a negative period to fail")
	}
}

func TestRefreshBeforeEveryMeasurement(t *testing.T) {
	dev, drv := open(t, sim.DefaultConfig())
	sched, _ := pxcapi.ParseSchedule("1,1.5")
	if err := dev.SetRefreshSchedule(sched); err != nil {
		t.Fatal(err)
	}
	if err := dev.EnableRefresh(true, 0); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := dev.Frame(context.Background(), time.Millisecond); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := dev.Frames(context.Background(), 4, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if n := drv.Refreshes(0); n != 4 {
		t.Errorf("expected a refresh per measurement, got %d", n)
	}
	if err := dev.EnableRefresh(false, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := dev.Frame(context.Background(), time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if n := drv.Refreshes(0); n != 4 {
		t.Errorf("refresh ran while disabled, %d refreshes", n)
	}
}

func TestFrame(t *testing.T) {
	dev, _ := open(t, sim.DefaultConfig())
	dev.SetMode(pxcapi.ModeEventITot)
	f, err := dev.Frame(context.Background(), 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if f.Mode != pxcapi.ModeEventITot || f.AcqTime != 10*time.Millisecond {
		t.Errorf("unexpected frame metadata %s %v", f.Mode, f.AcqTime)
	}
	if f.Hits() == 0 {
		t.Error("expected hits in a simulated frame")
	}
}

func TestFrameCancelled(t *testing.T) {
	dev, _ := open(t, sim.DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := dev.Frame(ctx, time.Hour)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("abort did not stop the exposure")
	}
}

func TestFrames(t *testing.T) {
	dev, _ := open(t, sim.DefaultConfig())
	frames, err := dev.Frames(context.Background(), 3, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if f.Index != i {
			t.Errorf("frame %d has index %d", i, f.Index)
		}
	}
}

func TestFramesWithCallbackAbortFromCallback(t *testing.T) {
	dev, _ := open(t, sim.DefaultConfig())
	var seen []int
	r, err := dev.FramesWithCallback(context.Background(), 50, time.Millisecond, func(r *acq.Run, f *pxcapi.Frame) {
		seen = append(seen, f.Index)
		if r.Delivered() == 2 {
			r.RequestAbort()
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || seen[0] != 0 || seen[1] != 1 {
		t.Errorf("expected frames [0 1], got %v", seen)
	}
	if r.Aborts() != 1 || r.State() != acq.Stopped {
		t.Errorf("expected one abort and STOPPED, got %d and %s", r.Aborts(), r.State())
	}
}

func TestContinuousTarget(t *testing.T) {
	for _, events := range []bool{false, true} {
		dev, _ := open(t, sim.DefaultConfig())
		start := dev.Continuous
		if events {
			start = dev.ContinuousEvents
		}
		var (
			mu    sync.Mutex
			kept  []*pxcapi.Frame
			calls int
		)
		r, err := start(context.Background(), time.Millisecond, 5, func(r *acq.Run, f *pxcapi.Frame) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			kept = append(kept, f.Copy())
		})
		if err != nil {
			t.Fatalf("events=%v: %v", events, err)
		}
		if calls != 5 {
			t.Errorf("events=%v: expected 5 callbacks, got %d", events, calls)
		}
		if r.Aborts() != 1 {
			t.Errorf("events=%v: expected exactly one abort, got %d", events, r.Aborts())
		}
		if d := r.Delivered(); d < 5 || d > 6 {
			t.Errorf("events=%v: expected 5 or 6 deliveries, got %d", events, d)
		}
		for i, f := range kept {
			if f.Index != i {
				t.Errorf("events=%v: kept frame %d has index %d", events, i, f.Index)
			}
		}
		if busy, _ := dev.Driver().Acquiring(0); busy {
			t.Errorf("events=%v: driver still acquiring", events)
		}
	}
}

func TestContinuousUntilCancelled(t *testing.T) {
	dev, _ := open(t, sim.DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	r, err := dev.Continuous(ctx, time.Millisecond, 0, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if r.Aborts() != 1 || r.Delivered() == 0 {
		t.Errorf("expected frames and one abort, got %d and %d", r.Delivered(), r.Aborts())
	}
}

func TestContinuousEventsSecondStartKeepsHandlers(t *testing.T) {
	dev, _ := open(t, sim.DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	var (
		mu     sync.Mutex
		frames int
	)
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return frames
	}
	started := make(chan struct{})
	var once sync.Once
	type result struct {
		r   *acq.Run
		err error
	}
	first := make(chan result, 1)
	go func() {
		r, err := dev.ContinuousEvents(ctx, time.Millisecond, 0, func(*acq.Run, *pxcapi.Frame) {
			mu.Lock()
			frames++
			mu.Unlock()
			once.Do(func() { close(started) })
		})
		first <- result{r, err}
	}()
	<-started

	_, err := dev.ContinuousEvents(context.Background(), time.Millisecond, 1, nil)
	if !errors.Is(err, pxcapi.ErrBusy) {
		t.Errorf("expected busy from the second start, got %v", err)
	}
	before := count()
	time.Sleep(50 * time.Millisecond)
	if count() <= before {
		t.Error("first run stopped receiving frames after the second start")
	}

	select {
	case res := <-first:
		if !errors.Is(res.err, context.DeadlineExceeded) {
			t.Errorf("expected the first run to end on its deadline, got %v", res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first run still blocked after its context deadline")
	}
}

func TestContinuousEventsCancelWithoutStopEvent(t *testing.T) {
	dev, drv := open(t, sim.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	done := make(chan error, 1)
	go func() {
		_, err := dev.ContinuousEvents(ctx, time.Millisecond, 0, func(*acq.Run, *pxcapi.Frame) {
			once.Do(func() { close(started) })
		})
		done <- err
	}()
	<-started
	// the stopped event will never arrive
	if err := drv.UnregisterEvent(0, pxcapi.EventAcqStopped); err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not free the run")
	}
	if busy, _ := drv.Acquiring(0); busy {
		t.Error("driver still acquiring")
	}
}

func TestBusyDevice(t *testing.T) {
	dev, _ := open(t, sim.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	done := make(chan struct{})
	go func() {
		defer close(done)
		dev.Continuous(ctx, time.Millisecond, 0, func(*acq.Run, *pxcapi.Frame) {
			once.Do(func() { close(started) })
		})
	}()
	<-started
	if _, err := dev.Frame(context.Background(), time.Millisecond); !errors.Is(err, pxcapi.ErrBusy) {
		t.Errorf("expected busy, got %v", err)
	}
	cancel()
	<-done
}

func TestDataDriven(t *testing.T) {
	cfg := sim.DefaultConfig()
	cfg.HitRate = 20000
	dev, _ := open(t, cfg)
	if err := dev.SetParam("DDBlockSize", 100*pxcapi.PixelRecordSize); err != nil {
		t.Fatal(err)
	}
	var (
		total   int
		lastToA float64
		ordered = true
	)
	r, err := dev.DataDriven(context.Background(), 50*time.Millisecond, func(r *acq.Run, px []pxcapi.Pixel) {
		if len(px) > 100 {
			t.Errorf("block of %d pixels exceeds the block size", len(px))
		}
		for _, p := range px {
			if p.ToA < lastToA {
				ordered = false
			}
			lastToA = p.ToA
		}
		total += len(px)
	})
	if err != nil {
		t.Fatal(err)
	}
	if total == 0 || r.Delivered() == 0 {
		t.Errorf("expected pixels, got %d in %d blocks", total, r.Delivered())
	}
	if !ordered {
		t.Error("pixels not delivered in time of arrival order")
	}
}

func TestRescanAndReconnect(t *testing.T) {
	dev, drv := open(t, sim.DefaultConfig())
	drv.Connect(sim.DeviceConfig{Name: "MiniPIX TPX3 SIM-0002", Chips: 1, Serial: "SIM-0002"})
	n, err := pxcapi.Rescan(drv)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 devices after the rescan, got %d, %v", n, err)
	}
	if err := dev.Reconnect(); err != nil {
		t.Fatal(err)
	}
	if drv.Reconnects(0) != 1 || dev.Name() != "MiniPIX TPX3 SIM-0001" {
		t.Errorf("reconnect: %d reconnects, name %q", drv.Reconnects(0), dev.Name())
	}
}

func TestFrameMeta(t *testing.T) {
	dev, _ := open(t, sim.DefaultConfig())
	before := time.Now().Add(-time.Second)
	if _, err := dev.Frames(context.Background(), 3, 2*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	m, err := dev.FrameMeta(2)
	if err != nil {
		t.Fatal(err)
	}
	if m.AcqTime != 2*time.Millisecond {
		t.Errorf("expected acq time 2ms, got %v", m.AcqTime)
	}
	if m.Start.Before(before) || m.Start.After(time.Now()) {
		t.Errorf("start time %v outside the measurement", m.Start)
	}
	if m.ShutterOpen <= 0 {
		t.Errorf("expected a shutter open time, got %v", m.ShutterOpen)
	}
	if _, err := dev.FrameMeta(3); !errors.Is(err, pxcapi.ErrNoData) {
		t.Errorf("expected no data past the last frame, got %v", err)
	}
}

func TestLoadConfiguration(t *testing.T) {
	dev, _ := open(t, sim.DefaultConfig())
	if _, err := dev.Mode(); err != nil {
		t.Fatal(err)
	}
	var sb strings.Builder
	err := pxcapi.WriteConfigFile(&sb, pxcapi.ConfigFile{
		Mode:       "EVENT_ITOT",
		Bias:       "80",
		Thresholds: []pxcapi.ThresholdSetting{{Chip: 0, KeV: "4.5"}},
		Params:     []pxcapi.ParamSetting{{Name: "DDBlockSize", Value: "66000"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "dev.xml")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := dev.LoadConfiguration(path); err != nil {
		t.Fatalf("%v\n%s", err, sb.String())
	}
	if m, _ := dev.Mode(); m != pxcapi.ModeEventITot {
		t.Errorf("cached mode not refreshed, got %v", m)
	}
	if v, _ := dev.Bias(); v != 80 {
		t.Errorf("expected bias 80, got %g", v)
	}
	if v, _ := dev.Threshold(0); v != 4.5 {
		t.Errorf("expected threshold 4.5, got %g", v)
	}
	if err := dev.LoadConfiguration(filepath.Join(t.TempDir(), "missing.xml")); err == nil {
		t.Error("expected a missing file to fail")
	}
}

func TestParseConfigFileRejectsGarbage(t *testing.T) {
	_, err := pxcapi.ParseConfigFile(strings.NewReader("<Other/>"))
	if pxcapi.CodeOf(err) != pxcapi.CodeInvalidArgument {
		t.Errorf("expected invalid argument, got %v", err)
	}
	c, err := pxcapi.ParseConfigFile(strings.NewReader("<DeviceConfig><Bias>x</Bias></DeviceConfig>"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.BiasValue(); pxcapi.CodeOf(err) != pxcapi.CodeInvalidArgument {
		t.Errorf("expected a bad bias to fail, got %v", err)
	}
}

func TestInfoReadings(t *testing.T) {
	dev, _ := open(t, sim.DefaultConfig())
	info, err := dev.Info()
	if err != nil {
		t.Fatal(err)
	}
	if info.ChipTemp == 0 || info.CPUTemp == 0 || info.HwLibVer == "" {
		t.Errorf("missing readings in %+v", info)
	}
}
