package pxcapi

import (
	"encoding/xml"
	"io"
	"os"
	"strconv"
	"strings"
)

// ConfigFile is a device configuration file as read by
// LoadDeviceConfiguration, e.g.
//
//	<DeviceConfig>
//	  <Mode>TOATOT</Mode>
//	  <Bias>80</Bias>
//	  <Threshold chip="0">6.5</Threshold>
//	  <DAC chip="0" index="3">400</DAC>
//	  <Parameter name="DDBlockSize">66000</Parameter>
//	</DeviceConfig>
//
// Every element is optional.
type ConfigFile struct {
	XMLName    xml.Name           `xml:"DeviceConfig"`
	Mode       string             `xml:"Mode,omitempty"`
	Bias       string             `xml:"Bias,omitempty"`
	Thresholds []ThresholdSetting `xml:"Threshold"`
	DACs       []DACSetting       `xml:"DAC"`
	Params     []ParamSetting     `xml:"Parameter"`
}

// ThresholdSetting is the threshold of one chip in keV
type ThresholdSetting struct {
	Chip int    `xml:"chip,attr"`
	KeV  string `xml:",chardata"`
}

// DACSetting is one chip DAC
type DACSetting struct {
	Chip  int    `xml:"chip,attr"`
	Index int    `xml:"index,attr"`
	Value string `xml:",chardata"`
}

// ParamSetting is one named parameter, converted to its type when applied
type ParamSetting struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// BiasValue parses Bias.  ok is false if the file sets no bias.
func (c ConfigFile) BiasValue() (v float64, ok bool, err error) {
	s := strings.TrimSpace(c.Bias)
	if s == "" {
		return 0, false, nil
	}
	v, err = strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, NewError(CodeInvalidArgument, "LoadDeviceConfiguration", "bias %q: %v", s, err)
	}
	return v, true, nil
}

// KeVValue parses the threshold
func (t ThresholdSetting) KeVValue() (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(t.KeV), 64)
	if err != nil {
		return 0, NewError(CodeInvalidArgument, "LoadDeviceConfiguration", "chip %d threshold %q: %v", t.Chip, t.KeV, err)
	}
	return v, nil
}

// IntValue parses the DAC value
func (d DACSetting) IntValue() (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(d.Value))
	if err != nil {
		return 0, NewError(CodeInvalidArgument, "LoadDeviceConfiguration", "chip %d DAC %d value %q: %v", d.Chip, d.Index, d.Value, err)
	}
	return v, nil
}

// ParseConfigFile decodes a device configuration
func ParseConfigFile(r io.Reader) (ConfigFile, error) {
	var c ConfigFile
	if err := xml.NewDecoder(r).Decode(&c); err != nil {
		return c, NewError(CodeInvalidArgument, "LoadDeviceConfiguration", "decoding device configuration: %v", err)
	}
	return c, nil
}

// ReadConfigFile opens and decodes the device configuration at path
func ReadConfigFile(path string) (ConfigFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return ConfigFile{}, NewError(CodeIO, "LoadDeviceConfiguration", "%v", err)
	}
	defer f.Close()
	return ParseConfigFile(f)
}

// WriteConfigFile encodes c with indentation
func WriteConfigFile(w io.Writer, c ConfigFile) error {
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(c); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
