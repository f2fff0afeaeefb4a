/*Package pxcapi exposes control of Timepix3 pixel detectors in Go.

The detector library (pxcore) owns everything that touches hardware: device
I/O, data-driven event buffering, frame assembly and triggering.  This package
describes the narrow call surface we use through the Driver interface, and
builds the acquisition patterns used in the lab on top of it through Device.

A basic session looks like

	drv := sim.New(sim.DefaultConfig()) // or any other Driver
	drv.Initialize()
	defer drv.Exit()
	n, _ := drv.DeviceCount()
	dev, _ := pxcapi.Open(drv, 0)
	dev.SetMode(pxcapi.ModeToaTot)
	dev.Configure(map[string]interface{}{"DDBlockSize": 66000})
	f, _ := dev.Frame(ctx, 100*time.Millisecond)

Frames and pixel blocks handed to callbacks live in driver or run owned
buffers which are rewritten by the next delivery.  They are valid only for
the duration of the callback; copy what you keep (Frame.Copy, append).
*/
package pxcapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/pxlab/pxlab/acq"
)

const (
	// Width is the number of pixel columns of one Timepix chip
	Width = 256

	// Height is the number of pixel rows of one Timepix chip
	Height = 256

	// FrameSize is the number of pixels in a frame
	FrameSize = Width * Height

	// PixelRecordSize is the size in bytes of one data-driven pixel record
	// (index uint32, ToA double, ToT float).  DDBlockSize is counted in bytes.
	PixelRecordSize = 16

	// WRAPVER is the wrapper version.  Increment this when pkg pxcapi is updated.
	WRAPVER = 1
)

// Mode is the Timepix3 operation mode, which selects what the two halves of a
// frame (Counts and Values) hold
type Mode int

const (
	// ModeToaTot measures time of arrival and time over threshold per hit.
	// Counts holds ToT, Values holds ToA.
	ModeToaTot Mode = iota

	// ModeToa measures time of arrival only.  Values holds ToA.
	ModeToa

	// ModeEventITot counts events and integrates time over threshold.
	// Counts holds events, Values holds iToT.
	ModeEventITot

	// ModeTotNotOA measures time over threshold without time of arrival
	ModeTotNotOA
)

var modeNames = []string{"TOATOT", "TOA", "EVENT_ITOT", "TOT_NOTOA"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return modeNames[m]
}

// ParseMode converts a mode name (case insensitive) to a Mode
func ParseMode(s string) (Mode, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range modeNames {
		if n == up {
			return Mode(i), nil
		}
	}
	return 0, NewError(CodeInvalidArgument, "ParseMode", "unknown mode %q, expected one of %s", s, strings.Join(modeNames, ", "))
}

// Frame is one 256x256 snapshot.  Counts holds the per-pixel event count (or
// ToT, see Mode), Values the accumulated ToA or integrated ToT.
type Frame struct {
	Counts [FrameSize]uint16
	Values [FrameSize]float64

	// Mode is the operation mode the frame was measured in
	Mode Mode

	// AcqTime is the programmed acquisition time
	AcqTime time.Duration

	// Index is the position of the frame within its acquisition, 0-based
	Index int
}

// Reset zeroes the frame in place
func (f *Frame) Reset() {
	*f = Frame{}
}

// Copy returns a deep copy of f.  Use it to retain a frame handed to a callback.
func (f *Frame) Copy() *Frame {
	out := *f
	return &out
}

// Hits is the number of pixels with a nonzero count
func (f *Frame) Hits() int {
	n := 0
	for _, c := range f.Counts {
		if c != 0 {
			n++
		}
	}
	return n
}

// Sum is the total of Counts
func (f *Frame) Sum() uint64 {
	var s uint64
	for _, c := range f.Counts {
		s += uint64(c)
	}
	return s
}

// Pixel is one hit in data-driven mode
type Pixel struct {
	// Index is the packed position y*Width + x
	Index uint32 `json:"index"`

	// ToA is the time of arrival in nanoseconds since the start of the measurement
	ToA float64 `json:"toa"`

	// ToT is the time over threshold in nanoseconds
	ToT float32 `json:"tot"`
}

// XY unpacks the pixel position
func (p Pixel) XY() (x, y int) {
	return int(p.Index) % Width, int(p.Index) / Width
}

// PixelAt packs a position into a pixel/frame index
func PixelAt(x, y int) int {
	return y*Width + x
}

// Range is the closed interval a setting may take
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains returns true if Min <= v <= Max
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Frame metadata names for MetaDataValue.  Times are seconds; the start time
// is seconds since the Unix epoch.
const (
	MetaAcqTime         = "Acq time"
	MetaStartTime       = "Start time"
	MetaShutterOpenTime = "Shutter open time"
)

// Event names a driver event a FrameCallback can be registered for
type Event int

const (
	// EventFrameAcquired fires once per frame in continuous mode
	EventFrameAcquired Event = iota

	// EventAcqStopped fires once when a continuous acquisition ends.  The frame is nil.
	EventAcqStopped
)

// FrameCallback is invoked by the driver with a frame it owns.  The frame is
// valid only until the callback returns.
type FrameCallback func(f *Frame)

// BlockCallback is invoked by the driver in data-driven mode each time a
// block of pixels is ready to be read with MeasuredPixels.
type BlockCallback func()

// FrameFunc is the callback used by Device: it receives the typed run context
// and a frame valid only for the duration of the call
type FrameFunc func(r *acq.Run, f *Frame)

// PixelFunc is the data-driven callback used by Device: it receives the typed
// run context and a slice of the run's pixel buffer, valid only for the
// duration of the call
type PixelFunc func(r *acq.Run, px []Pixel)

// Driver is the call surface of the detector library.  Every method returns
// nil or an *Error.  Devices are addressed by index, chips within a device by
// index.  Callbacks may run on a goroutine owned by the driver; for one
// acquisition they run in order and never overlap.
type Driver interface {
	// lifecycle
	Initialize() error
	Exit() error

	// identity
	DeviceCount() (int, error)
	RefreshDevices() error
	ReconnectDevice(dev int) error
	DeviceName(dev int) (string, error)
	ChipCount(dev int) (int, error)
	ChipID(dev, chip int) (string, error)

	// configuration
	SetMode(dev int, m Mode) error
	Mode(dev int) (Mode, error)
	SetInt(dev int, name string, v int64) error
	GetInt(dev int, name string) (int64, error)
	SetFloat(dev int, name string, v float64) error
	GetFloat(dev int, name string) (float64, error)
	SetString(dev int, name, v string) error
	GetString(dev int, name string) (string, error)
	SetBias(dev int, volts float64) error
	Bias(dev int) (float64, error)
	BiasRange(dev int) (Range, error)
	SetThreshold(dev, chip int, kev float64) error
	Threshold(dev, chip int) (float64, error)
	ThresholdRange(dev, chip int) (Range, error)
	SetDAC(dev, chip, dac int, v int) error
	DAC(dev, chip, dac int) (int, error)
	DACRange(dev, chip, dac int) (Range, error)

	// frame acquisition
	MeasureSingleFrame(dev int, acqTime time.Duration, f *Frame) error
	MeasureMultipleFrames(dev, count int, acqTime time.Duration) error
	MeasuredFrame(dev, idx int, f *Frame) error
	MeasureMultipleFramesWithCallback(dev, count int, acqTime time.Duration, cb FrameCallback) error
	StartContinuous(dev int, acqTime time.Duration, cb FrameCallback) error
	RegisterEvent(dev int, ev Event, cb FrameCallback) error
	UnregisterEvent(dev int, ev Event) error
	Abort(dev int) error
	Acquiring(dev int) (bool, error)

	// data-driven acquisition
	MeasureDataDriven(dev int, measTime time.Duration, cb BlockCallback) error
	MeasuredPixelCount(dev int) (int, error)
	MeasuredPixels(dev int, buf []Pixel) (int, error)

	// maintenance
	SetSensorRefresh(dev int, schedule string) error
	EnableSensorRefresh(dev int, enabled bool, period time.Duration) error
	DoSensorRefresh(dev int) error
	BadPixelMatrix(dev int, buf []byte) error
	PixelMaskMatrix(dev int, buf []byte) error
	SetPixelMaskMatrix(dev int, buf []byte) error

	// persistence
	SaveMeasuredFrame(dev, idx int, path string) error
	MetaDataValue(dev, idx int, name string) (string, error)
	LoadDeviceConfiguration(dev int, path string) error
}
