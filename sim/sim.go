/*Package sim provides an in-process simulated detector implementing pxcapi.Driver.

The simulator enforces the driver's rules (initialization, index checks,
parameter types, ranges, one acquisition per device) and produces synthetic
hits: a Poisson number of clusters per frame at uniformly random positions,
with noise hits added when a chip's threshold is below the noise floor.
Masked pixels never fire.

Acquisition time is real time; frames are paced with a rate limiter and an
Abort cancels the pacing, so it is honoured before the next frame.
*/
package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pxlab/pxlab/frameio"
	"github.com/pxlab/pxlab/pxcapi"
)

// NumDACs is the number of DACs per simulated chip
const NumDACs = 18

// DeviceConfig describes one simulated device
type DeviceConfig struct {
	// Name is the device name, e.g. "MiniPIX TPX3 I08-W0060"
	Name string `koanf:"name" yaml:"name"`

	// Chips is the number of chips on the device
	Chips int `koanf:"chips" yaml:"chips"`

	// Serial is the value of the SerialNumber parameter
	Serial string `koanf:"serial" yaml:"serial"`

	// Firmware is the value of the FirmwareVersion parameter
	Firmware string `koanf:"firmware" yaml:"firmware"`

	// HwLibVer is the value of the HwLibVer parameter
	HwLibVer string `koanf:"hwlibver" yaml:"hwlibver"`

	// BiasMin and BiasMax bound the bias voltage
	BiasMin float64 `koanf:"biasmin" yaml:"biasmin"`
	BiasMax float64 `koanf:"biasmax" yaml:"biasmax"`

	// BadPixels is the number of hot pixels, placed at random
	BadPixels int `koanf:"badpixels" yaml:"badpixels"`
}

// Config is the configuration of the simulator
type Config struct {
	// Devices lists the simulated devices in enumeration order
	Devices []DeviceConfig `koanf:"devices" yaml:"devices"`

	// Seed seeds the random source; runs with the same seed and calls are repeatable
	Seed int64 `koanf:"seed" yaml:"seed"`

	// HitRate is the mean number of particle clusters per second
	HitRate float64 `koanf:"hitrate" yaml:"hitrate"`

	// NoiseFloor is the threshold in keV below which pixels fire on noise
	NoiseFloor float64 `koanf:"noisefloor" yaml:"noisefloor"`

	// ClusterSize is the largest cluster side length in pixels
	ClusterSize int `koanf:"clustersize" yaml:"clustersize"`
}

// DefaultConfig returns one MiniPIX-like device with a modest hit rate
func DefaultConfig() Config {
	return Config{
		Devices: []DeviceConfig{{
			Name:      "MiniPIX TPX3 SIM-0001",
			Chips:     1,
			Serial:    "SIM-0001",
			Firmware:  "1.0.0-sim",
			HwLibVer:  "1.0.0-sim",
			BiasMin:   0,
			BiasMax:   200,
			BadPixels: 4,
		}},
		Seed:        1,
		HitRate:     2000,
		NoiseFloor:  3,
		ClusterSize: 3,
	}
}

var (
	thresholdRange = pxcapi.Range{Min: 0.5, Max: 50}
	dacRange       = pxcapi.Range{Min: 0, Max: 1023}
)

type device struct {
	cfg DeviceConfig

	mode       pxcapi.Mode
	ints       map[string]int64
	floats     map[string]float64
	bias       float64
	thresholds []float64
	dacs       [][]int
	mask       pxcapi.Matrix
	bad        pxcapi.Matrix

	refresh        pxcapi.Schedule
	refreshEnabled bool
	refreshPeriod  time.Duration
	lastRefresh    time.Time
	refreshes      int

	busy   bool
	cancel context.CancelFunc
	done   chan struct{}

	// measured holds the frames of the last synchronous acquisition
	measured []*pxcapi.Frame

	// meta holds the timing of the frames of the last acquisition; continuous
	// acquisitions keep the latest frame only
	meta []frameMeta

	reconnects int

	// block is the data-driven block the callback may read
	block []pxcapi.Pixel

	events map[pxcapi.Event]pxcapi.FrameCallback
}

// Driver is the simulated detector library
type Driver struct {
	sync.Mutex

	cfg         Config
	initialized bool
	devs        []*device

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New returns a simulator which must be initialized before use
func New(cfg Config) *Driver {
	if cfg.ClusterSize < 1 {
		cfg.ClusterSize = 1
	}
	return &Driver{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

func newDevice(cfg DeviceConfig, rng *rand.Rand) *device {
	if cfg.Chips < 1 {
		cfg.Chips = 1
	}
	if cfg.BiasMax <= cfg.BiasMin {
		cfg.BiasMin, cfg.BiasMax = 0, 200
	}
	d := &device{
		cfg:  cfg,
		mode: pxcapi.ModeToaTot,
		ints: map[string]int64{
			"DDBuffSize":   100,
			"DDBlockSize":  66000,
			"TrgStg":       0,
			"TrgTimestamp": 0,
			"ProcessData":  0,
			"PixelMasking": 1,
		},
		floats: map[string]float64{
			"DDMaxHitRate":        40,
			"SensorRefreshPeriod": 0,
			"Temperature":         42.5,
			"TemperatureChip":     42.5,
			"TemperatureCpu":      51,
		},
		bias:       (cfg.BiasMin + cfg.BiasMax) / 4,
		thresholds: make([]float64, cfg.Chips),
		dacs:       make([][]int, cfg.Chips),
		mask:       pxcapi.FullMask(),
		events:     map[pxcapi.Event]pxcapi.FrameCallback{},
	}
	for i := range d.thresholds {
		d.thresholds[i] = 5
		d.dacs[i] = make([]int, NumDACs)
		for j := range d.dacs[i] {
			d.dacs[i][j] = 512
		}
	}
	for i := 0; i < cfg.BadPixels; i++ {
		d.bad[rng.Intn(pxcapi.FrameSize)] = 1
	}
	return d
}

// Initialize creates the configured devices.  Calling it again on an
// initialized driver is a no-op.
func (s *Driver) Initialize() error {
	s.Lock()
	defer s.Unlock()
	if s.initialized {
		return nil
	}
	s.devs = make([]*device, len(s.cfg.Devices))
	s.rngMu.Lock()
	for i, dc := range s.cfg.Devices {
		s.devs[i] = newDevice(dc, s.rng)
	}
	s.rngMu.Unlock()
	s.initialized = true
	return nil
}

// Exit aborts running acquisitions and releases the devices
func (s *Driver) Exit() error {
	s.Lock()
	if !s.initialized {
		s.Unlock()
		return pxcapi.NewError(pxcapi.CodeNotInitialized, "Exit", "driver not initialized")
	}
	var waits []chan struct{}
	for _, d := range s.devs {
		if d.busy {
			d.cancel()
			waits = append(waits, d.done)
		}
	}
	s.initialized = false
	s.Unlock()
	for _, w := range waits {
		<-w
	}
	s.Lock()
	s.devs = nil
	s.Unlock()
	return nil
}

// dev returns device idx.  The caller holds the lock.
func (s *Driver) dev(op string, idx int) (*device, error) {
	if !s.initialized {
		return nil, pxcapi.NewError(pxcapi.CodeNotInitialized, op, "driver not initialized")
	}
	if idx < 0 || idx >= len(s.devs) {
		return nil, pxcapi.NewError(pxcapi.CodeInvalidDevice, op, "device index %d, %d devices connected", idx, len(s.devs))
	}
	return s.devs[idx], nil
}

// chip checks a chip index.  The caller holds the lock.
func (s *Driver) chip(op string, idx, chip int) (*device, error) {
	d, err := s.dev(op, idx)
	if err != nil {
		return nil, err
	}
	if chip < 0 || chip >= len(d.thresholds) {
		return nil, pxcapi.NewError(pxcapi.CodeInvalidArgument, op, "chip index %d, device has %d chips", chip, len(d.thresholds))
	}
	return d, nil
}

// DeviceCount returns the number of connected devices
func (s *Driver) DeviceCount() (int, error) {
	s.Lock()
	defer s.Unlock()
	if !s.initialized {
		return 0, pxcapi.NewError(pxcapi.CodeNotInitialized, "DeviceCount", "driver not initialized")
	}
	return len(s.devs), nil
}

// Connect adds a device to the configuration, as if it was plugged in.  It
// shows up after the next RefreshDevices.
func (s *Driver) Connect(dc DeviceConfig) {
	s.Lock()
	defer s.Unlock()
	s.cfg.Devices = append(s.cfg.Devices, dc)
}

// RefreshDevices looks for devices connected since Initialize.  New devices
// are appended to the enumeration; existing ones keep their index and state.
func (s *Driver) RefreshDevices() error {
	s.Lock()
	defer s.Unlock()
	if !s.initialized {
		return pxcapi.NewError(pxcapi.CodeNotInitialized, "RefreshDevices", "driver not initialized")
	}
	s.rngMu.Lock()
	for _, dc := range s.cfg.Devices[len(s.devs):] {
		s.devs = append(s.devs, newDevice(dc, s.rng))
	}
	s.rngMu.Unlock()
	return nil
}

// ReconnectDevice drops and reopens the connection to a device.  Settings are
// kept; measured data is lost.
func (s *Driver) ReconnectDevice(idx int) error {
	const op = "ReconnectDevice"
	s.Lock()
	defer s.Unlock()
	d, err := s.dev(op, idx)
	if err != nil {
		return err
	}
	if d.busy {
		return pxcapi.NewError(pxcapi.CodeBusy, op, "acquisition in progress")
	}
	d.measured, d.meta, d.block = nil, nil, nil
	d.reconnects++
	return nil
}

// Reconnects returns how many times device idx was reconnected
func (s *Driver) Reconnects(idx int) int {
	s.Lock()
	defer s.Unlock()
	if idx < 0 || idx >= len(s.devs) {
		return 0
	}
	return s.devs[idx].reconnects
}

// DeviceName returns the name of a device
func (s *Driver) DeviceName(idx int) (string, error) {
	s.Lock()
	defer s.Unlock()
	d, err := s.dev("DeviceName", idx)
	if err != nil {
		return "", err
	}
	return d.cfg.Name, nil
}

// ChipCount returns the number of chips of a device
func (s *Driver) ChipCount(idx int) (int, error) {
	s.Lock()
	defer s.Unlock()
	d, err := s.dev("ChipCount", idx)
	if err != nil {
		return 0, err
	}
	return len(d.thresholds), nil
}

// ChipID returns the identifier of a chip, e.g. "I08-W0060"
func (s *Driver) ChipID(idx, chip int) (string, error) {
	s.Lock()
	defer s.Unlock()
	d, err := s.chip("ChipID", idx, chip)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-C%d", d.cfg.Serial, chip), nil
}

// SetMode sets the operation mode
func (s *Driver) SetMode(idx int, m pxcapi.Mode) error {
	s.Lock()
	defer s.Unlock()
	d, err := s.dev("SetMode", idx)
	if err != nil {
		return err
	}
	if m < pxcapi.ModeToaTot || m > pxcapi.ModeTotNotOA {
		return pxcapi.NewError(pxcapi.CodeInvalidArgument, "SetMode", "unknown mode %d", int(m))
	}
	if d.busy {
		return pxcapi.NewError(pxcapi.CodeBusy, "SetMode", "acquisition in progress")
	}
	d.mode = m
	return nil
}

// Mode returns the operation mode
func (s *Driver) Mode(idx int) (pxcapi.Mode, error) {
	s.Lock()
	defer s.Unlock()
	d, err := s.dev("Mode", idx)
	if err != nil {
		return 0, err
	}
	return d.mode, nil
}

// param validates a parameter access.  The caller holds the lock.
func (s *Driver) param(op string, idx int, name string, typ pxcapi.ParamType, write bool) (*device, error) {
	d, err := s.dev(op, idx)
	if err != nil {
		return nil, err
	}
	info, ok := pxcapi.Parameters[name]
	if !ok {
		return nil, pxcapi.NewError(pxcapi.CodeUnknownParameter, op, "parameter %q", name)
	}
	if info.Type != typ {
		return nil, pxcapi.NewError(pxcapi.CodeParameterType, op, "parameter %q is %s, not %s", name, info.Type, typ)
	}
	if write && info.ReadOnly {
		return nil, pxcapi.NewError(pxcapi.CodeReadOnly, op, "parameter %q is read-only", name)
	}
	return d, nil
}

// SetInt sets an integer parameter
func (s *Driver) SetInt(idx int, name string, v int64) error {
	const op = "SetInt"
	s.Lock()
	defer s.Unlock()
	d, err := s.param(op, idx, name, pxcapi.ParamInt, true)
	if err != nil {
		return err
	}
	switch name {
	case "DDBlockSize", "DDBuffSize":
		if v < 1 {
			return pxcapi.NewError(pxcapi.CodeOutOfRange, op, "%s must be positive, got %d", name, v)
		}
	case "TrgStg":
		if v < pxcapi.TriggerLogical0 || v > pxcapi.TriggerFallingEdge {
			return pxcapi.NewError(pxcapi.CodeOutOfRange, op, "TrgStg must be 0 to 3, got %d", v)
		}
	default:
		if v != 0 && v != 1 {
			return pxcapi.NewError(pxcapi.CodeOutOfRange, op, "%s must be 0 or 1, got %d", name, v)
		}
	}
	d.ints[name] = v
	return nil
}

// GetInt reads an integer parameter
func (s *Driver) GetInt(idx int, name string) (int64, error) {
	s.Lock()
	defer s.Unlock()
	d, err := s.param("GetInt", idx, name, pxcapi.ParamInt, false)
	if err != nil {
		return 0, err
	}
	return d.ints[name], nil
}

// SetFloat sets a double parameter
func (s *Driver) SetFloat(idx int, name string, v float64) error {
	const op = "SetFloat"
	s.Lock()
	defer s.Unlock()
	d, err := s.param(op, idx, name, pxcapi.ParamFloat, true)
	if err != nil {
		return err
	}
	if v < 0 || math.IsNaN(v) {
		return pxcapi.NewError(pxcapi.CodeOutOfRange, op, "%s must not be negative, got %g", name, v)
	}
	d.floats[name] = v
	if name == "SensorRefreshPeriod" {
		d.refreshPeriod = time.Duration(v * float64(time.Second))
	}
	return nil
}

// GetFloat reads a double parameter
func (s *Driver) GetFloat(idx int, name string) (float64, error) {
	s.Lock()
	defer s.Unlock()
	d, err := s.param("GetFloat", idx, name, pxcapi.ParamFloat, false)
	if err != nil {
		return 0, err
	}
	return d.floats[name], nil
}

// SetString sets a string parameter.  SensorRefresh is parsed as a schedule.
func (s *Driver) SetString(idx int, name, v string) error {
	const op = "SetString"
	s.Lock()
	defer s.Unlock()
	d, err := s.param(op, idx, name, pxcapi.ParamString, true)
	if err != nil {
		return err
	}
	// SensorRefresh is the only writable string
	sched, err := pxcapi.ParseSchedule(v)
	if err != nil {
		return pxcapi.NewError(pxcapi.CodeInvalidArgument, op, "%v", err)
	}
	d.refresh = sched
	return nil
}

// GetString reads a string parameter
func (s *Driver) GetString(idx int, name string) (string, error) {
	s.Lock()
	defer s.Unlock()
	d, err := s.param("GetString", idx, name, pxcapi.ParamString, false)
	if err != nil {
		return "", err
	}
	switch name {
	case "SerialNumber":
		return d.cfg.Serial, nil
	case "FirmwareVersion":
		return d.cfg.Firmware, nil
	case "HwLibVer":
		return d.cfg.HwLibVer, nil
	default:
		return d.refresh.String(), nil
	}
}

// SetBias sets the bias voltage
func (s *Driver) SetBias(idx int, volts float64) error {
	s.Lock()
	defer s.Unlock()
	d, err := s.dev("SetBias", idx)
	if err != nil {
		return err
	}
	r := pxcapi.Range{Min: d.cfg.BiasMin, Max: d.cfg.BiasMax}
	if !r.Contains(volts) {
		return pxcapi.NewError(pxcapi.CodeOutOfRange, "SetBias", "%g V outside [%g, %g]", volts, r.Min, r.Max)
	}
	d.bias = volts
	return nil
}

// Bias reads the bias voltage
func (s *Driver) Bias(idx int) (float64, error) {
	s.Lock()
	defer s.Unlock()
	d, err := s.dev("Bias", idx)
	if err != nil {
		return 0, err
	}
	return d.bias, nil
}

// BiasRange returns the configured bias limits
func (s *Driver) BiasRange(idx int) (pxcapi.Range, error) {
	s.Lock()
	defer s.Unlock()
	d, err := s.dev("BiasRange", idx)
	if err != nil {
		return pxcapi.Range{}, err
	}
	return pxcapi.Range{Min: d.cfg.BiasMin, Max: d.cfg.BiasMax}, nil
}

// SetThreshold sets a chip threshold in keV
func (s *Driver) SetThreshold(idx, chip int, kev float64) error {
	s.Lock()
	defer s.Unlock()
	d, err := s.chip("SetThreshold", idx, chip)
	if err != nil {
		return err
	}
	if !thresholdRange.Contains(kev) {
		return pxcapi.NewError(pxcapi.CodeOutOfRange, "SetThreshold", "%g keV outside [%g, %g]", kev, thresholdRange.Min, thresholdRange.Max)
	}
	d.thresholds[chip] = kev
	return nil
}

// Threshold reads a chip threshold in keV
func (s *Driver) Threshold(idx, chip int) (float64, error) {
	s.Lock()
	defer s.Unlock()
	d, err := s.chip("Threshold", idx, chip)
	if err != nil {
		return 0, err
	}
	return d.thresholds[chip], nil
}

// ThresholdRange returns the threshold limits
func (s *Driver) ThresholdRange(idx, chip int) (pxcapi.Range, error) {
	s.Lock()
	defer s.Unlock()
	if _, err := s.chip("ThresholdRange", idx, chip); err != nil {
		return pxcapi.Range{}, err
	}
	return thresholdRange, nil
}

func (s *Driver) dac(op string, idx, chip, dac int) (*device, error) {
	d, err := s.chip(op, idx, chip)
	if err != nil {
		return nil, err
	}
	if dac < 0 || dac >= NumDACs {
		return nil, pxcapi.NewError(pxcapi.CodeInvalidArgument, op, "DAC index %d, chip has %d", dac, NumDACs)
	}
	return d, nil
}

// SetDAC sets a chip DAC
func (s *Driver) SetDAC(idx, chip, dac, v int) error {
	s.Lock()
	defer s.Unlock()
	d, err := s.dac("SetDAC", idx, chip, dac)
	if err != nil {
		return err
	}
	if !dacRange.Contains(float64(v)) {
		return pxcapi.NewError(pxcapi.CodeOutOfRange, "SetDAC", "%d outside [%g, %g]", v, dacRange.Min, dacRange.Max)
	}
	d.dacs[chip][dac] = v
	return nil
}

// DAC reads a chip DAC
func (s *Driver) DAC(idx, chip, dac int) (int, error) {
	s.Lock()
	defer s.Unlock()
	d, err := s.dac("DAC", idx, chip, dac)
	if err != nil {
		return 0, err
	}
	return d.dacs[chip][dac], nil
}

// DACRange returns the DAC limits
func (s *Driver) DACRange(idx, chip, dac int) (pxcapi.Range, error) {
	s.Lock()
	defer s.Unlock()
	if _, err := s.dac("DACRange", idx, chip, dac); err != nil {
		return pxcapi.Range{}, err
	}
	return dacRange, nil
}

// SetSensorRefresh programs the refresh schedule from its string form
func (s *Driver) SetSensorRefresh(idx int, schedule string) error {
	return s.SetString(idx, "SensorRefresh", schedule)
}

// EnableSensorRefresh turns automatic refresh on or off.  With a positive
// period the refresh runs at the start of an acquisition or between frames
// of a continuous one once period has elapsed; a zero period refreshes before
// every measurement.
func (s *Driver) EnableSensorRefresh(idx int, enabled bool, period time.Duration) error {
	const op = "EnableSensorRefresh"
	s.Lock()
	defer s.Unlock()
	d, err := s.dev(op, idx)
	if err != nil {
		return err
	}
	if enabled && period < 0 {
		return pxcapi.NewError(pxcapi.CodeInvalidArgument, op, "period must not be negative, got %v", period)
	}
	d.refreshEnabled = enabled
	if enabled {
		d.refreshPeriod = period
		d.floats["SensorRefreshPeriod"] = period.Seconds()
		d.lastRefresh = time.Now()
	}
	return nil
}

// DoSensorRefresh runs the programmed schedule once
func (s *Driver) DoSensorRefresh(idx int) error {
	const op = "DoSensorRefresh"
	s.Lock()
	defer s.Unlock()
	d, err := s.dev(op, idx)
	if err != nil {
		return err
	}
	if d.busy {
		return pxcapi.NewError(pxcapi.CodeBusy, op, "acquisition in progress")
	}
	if len(d.refresh) == 0 {
		return pxcapi.NewError(pxcapi.CodeInvalidArgument, op, "no refresh schedule programmed")
	}
	d.refreshes++
	d.lastRefresh = time.Now()
	return nil
}

// Refreshes returns how many sensor refreshes device idx has run
func (s *Driver) Refreshes(idx int) int {
	s.Lock()
	defer s.Unlock()
	if idx < 0 || idx >= len(s.devs) {
		return 0
	}
	return s.devs[idx].refreshes
}

func matrixBuf(op string, buf []byte) error {
	if len(buf) < pxcapi.FrameSize {
		return pxcapi.NewError(pxcapi.CodeBufferSize, op, "buffer holds %d bytes, need %d", len(buf), pxcapi.FrameSize)
	}
	return nil
}

// BadPixelMatrix copies the bad pixel matrix into buf
func (s *Driver) BadPixelMatrix(idx int, buf []byte) error {
	const op = "BadPixelMatrix"
	if err := matrixBuf(op, buf); err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	d, err := s.dev(op, idx)
	if err != nil {
		return err
	}
	copy(buf, d.bad[:])
	return nil
}

// PixelMaskMatrix copies the pixel mask matrix into buf
func (s *Driver) PixelMaskMatrix(idx int, buf []byte) error {
	const op = "PixelMaskMatrix"
	if err := matrixBuf(op, buf); err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	d, err := s.dev(op, idx)
	if err != nil {
		return err
	}
	copy(buf, d.mask[:])
	return nil
}

// SetPixelMaskMatrix replaces the pixel mask matrix.  Values other than 0 and 1
// are rejected.
func (s *Driver) SetPixelMaskMatrix(idx int, buf []byte) error {
	const op = "SetPixelMaskMatrix"
	if err := matrixBuf(op, buf); err != nil {
		return err
	}
	for i, b := range buf[:pxcapi.FrameSize] {
		if b > 1 {
			return pxcapi.NewError(pxcapi.CodeInvalidArgument, op, "pixel %d has mask value %d", i, b)
		}
	}
	s.Lock()
	defer s.Unlock()
	d, err := s.dev(op, idx)
	if err != nil {
		return err
	}
	if d.busy {
		return pxcapi.NewError(pxcapi.CodeBusy, op, "acquisition in progress")
	}
	copy(d.mask[:], buf)
	return nil
}

// SaveMeasuredFrame writes frame fidx of the last synchronous acquisition to
// path, encoded by extension
func (s *Driver) SaveMeasuredFrame(idx, fidx int, path string) error {
	const op = "SaveMeasuredFrame"
	s.Lock()
	d, err := s.dev(op, idx)
	if err != nil {
		s.Unlock()
		return err
	}
	if fidx < 0 || fidx >= len(d.measured) {
		s.Unlock()
		return pxcapi.NewError(pxcapi.CodeNoData, op, "frame %d not measured, %d available", fidx, len(d.measured))
	}
	f := d.measured[fidx]
	meta := frameio.Meta{Device: d.cfg.Name, Chip: d.cfg.Serial, Bias: d.bias, Threshold: d.thresholds[0]}
	s.Unlock()
	if err := frameio.Save(path, f, meta); err != nil {
		return pxcapi.NewError(pxcapi.CodeIO, op, "%v", err)
	}
	return nil
}

// LoadDeviceConfiguration reads a pxcapi.ConfigFile from path and applies it:
// mode, bias, thresholds, DACs, then parameters.  It stops at the first
// setting the device refuses; the settings before it stay applied.
func (s *Driver) LoadDeviceConfiguration(idx int, path string) error {
	const op = "LoadDeviceConfiguration"
	s.Lock()
	d, err := s.dev(op, idx)
	busy := err == nil && d.busy
	s.Unlock()
	if err != nil {
		return err
	}
	if busy {
		return pxcapi.NewError(pxcapi.CodeBusy, op, "acquisition in progress")
	}
	c, err := pxcapi.ReadConfigFile(path)
	if err != nil {
		return err
	}
	fail := func(what string, err error) error {
		return pxcapi.NewError(pxcapi.CodeOf(err), op, "%s: %s: %v", path, what, err)
	}
	if c.Mode != "" {
		m, err := pxcapi.ParseMode(c.Mode)
		if err == nil {
			err = s.SetMode(idx, m)
		}
		if err != nil {
			return fail("mode", err)
		}
	}
	if v, ok, err := c.BiasValue(); err != nil {
		return fail("bias", err)
	} else if ok {
		if err := s.SetBias(idx, v); err != nil {
			return fail("bias", err)
		}
	}
	for _, t := range c.Thresholds {
		v, err := t.KeVValue()
		if err == nil {
			err = s.SetThreshold(idx, t.Chip, v)
		}
		if err != nil {
			return fail(fmt.Sprintf("threshold of chip %d", t.Chip), err)
		}
	}
	for _, dac := range c.DACs {
		v, err := dac.IntValue()
		if err == nil {
			err = s.SetDAC(idx, dac.Chip, dac.Index, v)
		}
		if err != nil {
			return fail(fmt.Sprintf("DAC %d of chip %d", dac.Index, dac.Chip), err)
		}
	}
	for _, p := range c.Params {
		if err := s.setParam(idx, p.Name, strings.TrimSpace(p.Value)); err != nil {
			return fail(p.Name, err)
		}
	}
	return nil
}

// setParam sets a parameter from its text form
func (s *Driver) setParam(idx int, name, v string) error {
	info, ok := pxcapi.Parameters[name]
	if !ok {
		return pxcapi.NewError(pxcapi.CodeUnknownParameter, "SetParam", "parameter %q", name)
	}
	switch info.Type {
	case pxcapi.ParamInt:
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return pxcapi.NewError(pxcapi.CodeParameterType, "SetInt", "%s: %v", name, err)
		}
		return s.SetInt(idx, name, i)
	case pxcapi.ParamFloat:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return pxcapi.NewError(pxcapi.CodeParameterType, "SetFloat", "%s: %v", name, err)
		}
		return s.SetFloat(idx, name, f)
	}
	return s.SetString(idx, name, v)
}
