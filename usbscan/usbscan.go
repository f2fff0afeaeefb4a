// Package usbscan lists the USB readouts of connected detectors.
package usbscan

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/gousb"
)

// ID is a USB vendor/product pair
type ID struct {
	Vendor  uint16
	Product uint16
}

// String returns vvvv:pppp in hex
func (id ID) String() string {
	return fmt.Sprintf("%04x:%04x", id.Vendor, id.Product)
}

// DefaultIDs are the FTDI bridges used by USB detector readouts
var DefaultIDs = []ID{
	{0x0403, 0x6010}, // FT2232H
	{0x0403, 0x6014}, // FT232H
}

// ParseID parses "0403:6010"
func ParseID(s string) (ID, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return ID{}, fmt.Errorf("usb id %q is not vendor:product", s)
	}
	v, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return ID{}, fmt.Errorf("usb id %q: vendor: %w", s, err)
	}
	p, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return ID{}, fmt.Errorf("usb id %q: product: %w", s, err)
	}
	return ID{uint16(v), uint16(p)}, nil
}

// ParseIDs parses every element of ss
func ParseIDs(ss []string) ([]ID, error) {
	out := make([]ID, 0, len(ss))
	for _, s := range ss {
		id, err := ParseID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// Found is one matching device on the bus
type Found struct {
	ID      ID     `json:"id"`
	Bus     int    `json:"bus"`
	Address int    `json:"address"`
	Speed   string `json:"speed"`
}

func (f Found) String() string {
	return fmt.Sprintf("bus %03d address %03d: %s (%s)", f.Bus, f.Address, f.ID, f.Speed)
}

// Match returns true if id is in ids
func Match(id ID, ids []ID) bool {
	for _, want := range ids {
		if want == id {
			return true
		}
	}
	return false
}

// Scan walks the bus and returns the devices matching ids.  No device is
// opened.  Access errors on devices that do not match are ignored.
func Scan(ctx context.Context, ids []ID) ([]Found, error) {
	var out []Found
	usb := gousb.NewContext()
	defer usb.Close()

	_, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		id := ID{uint16(desc.Vendor), uint16(desc.Product)}
		if Match(id, ids) {
			out = append(out, Found{ID: id, Bus: desc.Bus, Address: desc.Address, Speed: desc.Speed.String()})
		}
		return false
	})
	if err != nil && err != gousb.ErrorAccess {
		return out, err
	}
	return out, ctx.Err()
}
