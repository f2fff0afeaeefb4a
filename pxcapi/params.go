package pxcapi

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/pxlab/pxlab/util"
)

// ParamType is the value type of a named device parameter
type ParamType int

const (
	// ParamInt is an integer parameter, Get/SetInt
	ParamInt ParamType = iota

	// ParamFloat is a double parameter, Get/SetFloat
	ParamFloat

	// ParamString is a string parameter, Get/SetString
	ParamString
)

func (t ParamType) String() string {
	switch t {
	case ParamInt:
		return "int"
	case ParamFloat:
		return "float"
	case ParamString:
		return "string"
	}
	return "unknown"
}

// TrgStg values
const (
	TriggerLogical0    = 0
	TriggerLogical1    = 1
	TriggerRisingEdge  = 2
	TriggerFallingEdge = 3
)

// ParamInfo describes a named parameter
type ParamInfo struct {
	Type     ParamType `json:"type"`
	ReadOnly bool      `json:"readonly"`
	Doc      string    `json:"doc"`
}

// ErrParamNotFound is generated when a parameter is looked up in the
// Parameters map but does not exist there
type ErrParamNotFound struct {
	// Param is the specific parameter not found
	Param string
}

// Error satisfies the error interface
func (e ErrParamNotFound) Error() string {
	return fmt.Sprintf("parameter %s not found in Parameters map, see pxcapi#Parameters for known parameters", e.Param)
}

var (
	// Parameters maps parameter names to their types.  The driver is the
	// source of truth for values and ranges, this table only routes calls to
	// the right typed getter or setter.
	Parameters = map[string]ParamInfo{
		// ints
		"DDBuffSize":   {Type: ParamInt, Doc: "data-driven host buffer size in MB"},
		"DDBlockSize":  {Type: ParamInt, Doc: "data-driven callback block size in bytes, default 66000"},
		"TrgStg":       {Type: ParamInt, Doc: "trigger stage: 0 logical 0, 1 logical 1, 2 rising edge, 3 falling edge"},
		"TrgTimestamp": {Type: ParamInt, Doc: "1 to timestamp trigger edges"},
		"ProcessData":  {Type: ParamInt, Doc: "1 to let the driver sort and cluster data-driven pixels"},
		"PixelMasking": {Type: ParamInt, Doc: "1 to apply the pixel mask matrix during acquisition"},

		// floats
		"DDMaxHitRate":        {Type: ParamFloat, Doc: "data-driven hit rate limit in Mhit/s"},
		"SensorRefreshPeriod": {Type: ParamFloat, Doc: "automatic sensor refresh period in seconds"},
		"Temperature":         {Type: ParamFloat, ReadOnly: true, Doc: "chip temperature in Celsius"},
		"TemperatureChip":     {Type: ParamFloat, ReadOnly: true, Doc: "chip temperature in Celsius, from the chip sensor"},
		"TemperatureCpu":      {Type: ParamFloat, ReadOnly: true, Doc: "readout CPU temperature in Celsius"},

		// strings
		"SensorRefresh":   {Type: ParamString, Doc: "sensor refresh schedule, time,coef;time,coef"},
		"SerialNumber":    {Type: ParamString, ReadOnly: true, Doc: "readout serial number"},
		"FirmwareVersion": {Type: ParamString, ReadOnly: true, Doc: "readout firmware version"},
		"HwLibVer":        {Type: ParamString, ReadOnly: true, Doc: "hardware library version"},
	}
)

// ParameterNames returns the names in Parameters, sorted
func ParameterNames() []string {
	names := make([]string, 0, len(Parameters))
	for k := range Parameters {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Param reads a parameter using the getter for its type.  The value is an
// int64, float64 or string.
func (d *Device) Param(name string) (interface{}, error) {
	info, ok := Parameters[name]
	if !ok {
		return nil, ErrParamNotFound{Param: name}
	}
	switch info.Type {
	case ParamInt:
		return d.drv.GetInt(d.Index, name)
	case ParamFloat:
		return d.drv.GetFloat(d.Index, name)
	default:
		return d.drv.GetString(d.Index, name)
	}
}

// Params reads every known parameter.  Failed reads are collected in the
// returned map of errors rather than stopping the sweep.
func (d *Device) Params() (map[string]interface{}, map[string]error) {
	vals := map[string]interface{}{}
	errs := map[string]error{}
	for _, name := range ParameterNames() {
		v, err := d.Param(name)
		if err != nil {
			errs[name] = err
			continue
		}
		vals[name] = v
	}
	return vals, errs
}

// SetParam writes a parameter, converting v to the parameter's type.  v may
// be any integer or float type, or a string that parses as the target type.
func (d *Device) SetParam(name string, v interface{}) error {
	info, ok := Parameters[name]
	if !ok {
		return ErrParamNotFound{Param: name}
	}
	switch info.Type {
	case ParamInt:
		i, err := toInt(v)
		if err != nil {
			return NewError(CodeParameterType, "SetInt", "%s: %v", name, err)
		}
		return d.drv.SetInt(d.Index, name, i)
	case ParamFloat:
		f, err := toFloat(v)
		if err != nil {
			return NewError(CodeParameterType, "SetFloat", "%s: %v", name, err)
		}
		return d.drv.SetFloat(d.Index, name, f)
	default:
		return d.drv.SetString(d.Index, name, fmt.Sprint(v))
	}
}

// Configure takes a map of parameter names to values and calls SetParam for
// each.  "Mode" is accepted as a pseudo-parameter holding a mode name.  All
// entries are attempted; the failures are merged into one error.
func (d *Device) Configure(settings map[string]interface{}) error {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	// the yaml layer hands us a map, keep the order stable for the driver
	sort.Strings(keys)
	errs := []error{}
	for _, k := range keys {
		v := settings[k]
		if k == "Mode" {
			m, err := ParseMode(fmt.Sprint(v))
			if err == nil {
				err = d.SetMode(m)
			}
			errs = append(errs, err)
			continue
		}
		errs = append(errs, d.SetParam(k, v))
	}
	return util.MergeErrors(errs)
}

func toInt(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case float32:
		return int64(t), nil
	case float64:
		// json and yaml both hand us float64 for bare numbers
		if t != float64(int64(t)) {
			return 0, fmt.Errorf("value %v is not an integer", t)
		}
		return int64(t), nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	}
	return 0, fmt.Errorf("value %v of type %T is not an integer", v, v)
}

func toFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case float32:
		return float64(t), nil
	case float64:
		return t, nil
	case string:
		return strconv.ParseFloat(t, 64)
	}
	return 0, fmt.Errorf("value %v of type %T is not a number", v, v)
}
