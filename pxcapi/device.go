package pxcapi

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pxlab/pxlab/util"
)

// Device represents one detector reached through a Driver
type Device struct {
	drv Driver

	// Index is the device index in the driver's enumeration
	Index int

	// Log receives the per-run messages of the acquisition patterns.  It is
	// disabled unless the caller sets it.
	Log zerolog.Logger

	// mu guards the cached values below
	mu sync.Mutex

	// name holds the device name
	name string

	// chipIDs holds one identifier per chip
	chipIDs []string

	// mode is the last programmed mode
	mode Mode

	// modeKnown is true once mode has been read or set
	modeKnown bool

	// biasRange is the cached bias range
	biasRange *Range

	// eventRun is true while ContinuousEvents owns the event handlers
	eventRun bool
}

// Open wraps device idx of drv.  The driver must already be initialized; the
// name and chip IDs are read and cached.
func Open(drv Driver, idx int) (*Device, error) {
	d := &Device{drv: drv, Index: idx, Log: zerolog.Nop()}
	if err := d.identify(); err != nil {
		return nil, err
	}
	return d, nil
}

// identify reads the name and chip IDs into the cache
func (d *Device) identify() error {
	name, err := d.drv.DeviceName(d.Index)
	if err != nil {
		return enrich(err, "DeviceName")
	}
	n, err := d.drv.ChipCount(d.Index)
	if err != nil {
		return enrich(err, "ChipCount")
	}
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id, err := d.drv.ChipID(d.Index, i)
		if err != nil {
			return enrich(err, "ChipID")
		}
		ids[i] = id
	}
	d.mu.Lock()
	d.name, d.chipIDs = name, ids
	d.mu.Unlock()
	return nil
}

// forget drops the cached settings which the driver may have changed
func (d *Device) forget() {
	d.mu.Lock()
	d.modeKnown = false
	d.biasRange = nil
	d.mu.Unlock()
}

// Rescan asks drv to look for newly connected devices and returns the
// device count afterwards
func Rescan(drv Driver) (int, error) {
	if err := drv.RefreshDevices(); err != nil {
		return 0, enrich(err, "RefreshDevices")
	}
	n, err := drv.DeviceCount()
	return n, enrich(err, "DeviceCount")
}

// Reconnect drops and reopens the connection to the device, then reads its
// identity again
func (d *Device) Reconnect() error {
	if err := d.drv.ReconnectDevice(d.Index); err != nil {
		return enrich(err, "ReconnectDevice")
	}
	d.forget()
	return d.identify()
}

// LoadConfiguration applies a device configuration file, see ConfigFile
func (d *Device) LoadConfiguration(path string) error {
	err := d.drv.LoadDeviceConfiguration(d.Index, path)
	d.forget()
	return enrich(err, "LoadDeviceConfiguration")
}

// MetaData reads one metadata value of measured frame idx
func (d *Device) MetaData(idx int, name string) (string, error) {
	v, err := d.drv.MetaDataValue(d.Index, idx, name)
	return v, enrich(err, "MetaDataValue")
}

// FrameMeta is the timing the driver recorded for a measured frame
type FrameMeta struct {
	AcqTime     time.Duration `json:"acqTime"`
	Start       time.Time     `json:"start"`
	ShutterOpen time.Duration `json:"shutterOpen"`
}

func metaFloat(name, s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, NewError(CodeIO, "MetaDataValue", "%s %q: %v", name, s, err)
	}
	return v, nil
}

// FrameMeta reads the acquisition time, start time and shutter open time of
// measured frame idx
func (d *Device) FrameMeta(idx int) (FrameMeta, error) {
	var (
		m    FrameMeta
		vals [3]float64
	)
	for i, name := range []string{MetaAcqTime, MetaStartTime, MetaShutterOpenTime} {
		s, err := d.MetaData(idx, name)
		if err != nil {
			return m, err
		}
		if vals[i], err = metaFloat(name, s); err != nil {
			return m, err
		}
	}
	m.AcqTime = util.SecsToDuration(vals[0])
	m.Start = time.Unix(0, 0).Add(util.SecsToDuration(vals[1]))
	m.ShutterOpen = util.SecsToDuration(vals[2])
	return m, nil
}

// Driver returns the underlying driver
func (d *Device) Driver() Driver {
	return d.drv
}

// Name returns the cached device name
func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

// ChipIDs returns a copy of the cached chip identifiers
func (d *Device) ChipIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.chipIDs))
	copy(out, d.chipIDs)
	return out
}

// ChipCount is the number of chips on the device
func (d *Device) ChipCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.chipIDs)
}

// Info is the identity and a few live readings of a device
type Info struct {
	Index       int      `json:"index"`
	Name        string   `json:"name"`
	ChipIDs     []string `json:"chipIDs"`
	Mode        string   `json:"mode"`
	Bias        float64  `json:"bias"`
	Temperature float64  `json:"temperature"`
	ChipTemp    float64  `json:"chipTemperature"`
	CPUTemp     float64  `json:"cpuTemperature"`
	HwLibVer    string   `json:"hwLibVer"`
}

// Info collects the device identity and live readings.  Readings that fail are
// left zero and the first failure is returned alongside.
func (d *Device) Info() (Info, error) {
	info := Info{Index: d.Index, Name: d.Name(), ChipIDs: d.ChipIDs()}
	var first error
	m, err := d.Mode()
	if err != nil {
		first = err
	}
	info.Mode = m.String()
	if info.Bias, err = d.Bias(); err != nil && first == nil {
		first = err
	}
	if info.Temperature, err = d.drv.GetFloat(d.Index, "Temperature"); err != nil && first == nil {
		first = err
	}
	if info.ChipTemp, err = d.drv.GetFloat(d.Index, "TemperatureChip"); err != nil && first == nil {
		first = err
	}
	if info.CPUTemp, err = d.drv.GetFloat(d.Index, "TemperatureCpu"); err != nil && first == nil {
		first = err
	}
	if info.HwLibVer, err = d.drv.GetString(d.Index, "HwLibVer"); err != nil && first == nil {
		first = err
	}
	return info, first
}

// SetMode programs the operation mode
func (d *Device) SetMode(m Mode) error {
	if err := d.drv.SetMode(d.Index, m); err != nil {
		return enrich(err, "SetMode")
	}
	d.mu.Lock()
	d.mode, d.modeKnown = m, true
	d.mu.Unlock()
	return nil
}

// Mode returns the operation mode, from cache if it has been read or set before
func (d *Device) Mode() (Mode, error) {
	d.mu.Lock()
	if d.modeKnown {
		m := d.mode
		d.mu.Unlock()
		return m, nil
	}
	d.mu.Unlock()
	m, err := d.drv.Mode(d.Index)
	if err != nil {
		return m, enrich(err, "Mode")
	}
	d.mu.Lock()
	d.mode, d.modeKnown = m, true
	d.mu.Unlock()
	return m, nil
}

// SetBias sets the sensor bias voltage; the driver checks the range
func (d *Device) SetBias(volts float64) error {
	return enrich(d.drv.SetBias(d.Index, volts), "SetBias")
}

// Bias reads the sensor bias voltage
func (d *Device) Bias() (float64, error) {
	v, err := d.drv.Bias(d.Index)
	return v, enrich(err, "Bias")
}

// BiasRange returns the allowed bias range.  It is read once and cached.
func (d *Device) BiasRange() (Range, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.biasRange != nil {
		return *d.biasRange, nil
	}
	r, err := d.drv.BiasRange(d.Index)
	if err != nil {
		return r, enrich(err, "BiasRange")
	}
	d.biasRange = &r
	return r, nil
}

// SetBiasChecked reads the bias range first and refuses values outside it
// without calling the driver setter
func (d *Device) SetBiasChecked(volts float64) error {
	r, err := d.BiasRange()
	if err != nil {
		return err
	}
	if !r.Contains(volts) {
		return NewError(CodeOutOfRange, "SetBias", "%g V outside [%g, %g]", volts, r.Min, r.Max)
	}
	return d.SetBias(volts)
}

// SetThreshold sets the energy threshold of a chip in keV
func (d *Device) SetThreshold(chip int, kev float64) error {
	return enrich(d.drv.SetThreshold(d.Index, chip, kev), "SetThreshold")
}

// Threshold reads the energy threshold of a chip in keV
func (d *Device) Threshold(chip int) (float64, error) {
	v, err := d.drv.Threshold(d.Index, chip)
	return v, enrich(err, "Threshold")
}

// ThresholdRange returns the allowed threshold range of a chip
func (d *Device) ThresholdRange(chip int) (Range, error) {
	r, err := d.drv.ThresholdRange(d.Index, chip)
	return r, enrich(err, "ThresholdRange")
}

// SetDAC sets a chip DAC
func (d *Device) SetDAC(chip, dac, v int) error {
	return enrich(d.drv.SetDAC(d.Index, chip, dac, v), "SetDAC")
}

// DAC reads a chip DAC
func (d *Device) DAC(chip, dac int) (int, error) {
	v, err := d.drv.DAC(d.Index, chip, dac)
	return v, enrich(err, "DAC")
}

// DACRange returns the allowed range of a chip DAC
func (d *Device) DACRange(chip, dac int) (Range, error) {
	r, err := d.drv.DACRange(d.Index, chip, dac)
	return r, enrich(err, "DACRange")
}

// SetRefreshSchedule programs the bias refresh sequence
func (d *Device) SetRefreshSchedule(s Schedule) error {
	return enrich(d.drv.SetSensorRefresh(d.Index, s.String()), "SetSensorRefresh")
}

// RefreshSchedule reads back the programmed bias refresh sequence
func (d *Device) RefreshSchedule() (Schedule, error) {
	s, err := d.drv.GetString(d.Index, "SensorRefresh")
	if err != nil {
		return nil, enrich(err, "GetString")
	}
	return ParseSchedule(s)
}

// EnableRefresh turns automatic refresh on or off.  A zero period refreshes
// before every measurement.
func (d *Device) EnableRefresh(enabled bool, period time.Duration) error {
	return enrich(d.drv.EnableSensorRefresh(d.Index, enabled, period), "EnableSensorRefresh")
}

// Refresh runs the refresh sequence once, now
func (d *Device) Refresh() error {
	return enrich(d.drv.DoSensorRefresh(d.Index), "DoSensorRefresh")
}

// BadPixels reads the bad pixel matrix
func (d *Device) BadPixels() (Matrix, error) {
	var m Matrix
	err := d.drv.BadPixelMatrix(d.Index, m[:])
	return m, enrich(err, "BadPixelMatrix")
}

// Mask reads the pixel mask matrix
func (d *Device) Mask() (Matrix, error) {
	var m Matrix
	err := d.drv.PixelMaskMatrix(d.Index, m[:])
	return m, enrich(err, "PixelMaskMatrix")
}

// SetMask writes the pixel mask matrix
func (d *Device) SetMask(m Matrix) error {
	return enrich(d.drv.SetPixelMaskMatrix(d.Index, m[:]), "SetPixelMaskMatrix")
}

// SaveFrame asks the driver to save measured frame idx; the extension of path
// selects the encoding
func (d *Device) SaveFrame(idx int, path string) error {
	return enrich(d.drv.SaveMeasuredFrame(d.Index, idx, path), "SaveMeasuredFrame")
}
