/*Package frameio reads and writes frames and data-driven pixel lists.

The file extension selects the encoding:

	.txt   256 lines of 256 space separated counts (or values, see Meta.Values)
	.pbf   little endian binary frame with a CRC-32 trailer, lossless
	.png   16-bit grayscale image of the counts
	.fits  counts as a BZERO-shifted int16 image, values as a float64 extension

Pixel lists are written as .t3pa (tab separated, the format of the vendor
tools) or .csv.
*/
package frameio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/snksoft/crc"

	"github.com/pxlab/pxlab/pxcapi"
)

var (
	// ErrUnknownFormat is generated when a file extension has no encoder
	ErrUnknownFormat = errors.New("unknown file format")

	// ErrBadChecksum is generated when a .pbf trailer does not match its contents
	ErrBadChecksum = errors.New("frame checksum mismatch")

	// ErrBadMagic is generated when a .pbf file does not begin with the magic bytes
	ErrBadMagic = errors.New("not a pbf frame")

	pbfMagic = [4]byte{'P', 'X', 'F', '1'}

	crcTable = crc.NewTable(crc.CRC32)
)

// Meta is the metadata written alongside a frame where the format has room for it
type Meta struct {
	Device    string
	Chip      string
	Bias      float64
	Threshold float64
	Run       string
	Time      time.Time

	// Values makes .txt files hold Values instead of Counts
	Values bool
}

// Cards returns the FITS header cards for a frame
func (m Meta) Cards(f *pxcapi.Frame) []fitsio.Card {
	cards := []fitsio.Card{
		{Name: "DEVICE", Value: m.Device, Comment: "detector name"},
		{Name: "CHIPID", Value: m.Chip, Comment: "chip identifier"},
		{Name: "BIAS", Value: m.Bias, Comment: "sensor bias [V]"},
		{Name: "THRESH", Value: m.Threshold, Comment: "energy threshold [keV]"},
		{Name: "MODE", Value: f.Mode.String(), Comment: "operation mode"},
		{Name: "EXPTIME", Value: f.AcqTime.Seconds(), Comment: "acquisition time [s]"},
		{Name: "FRAMEIDX", Value: f.Index, Comment: "frame index in acquisition"},
	}
	if m.Run != "" {
		cards = append(cards, fitsio.Card{Name: "RUNID", Value: m.Run, Comment: "acquisition run"})
	}
	if !m.Time.IsZero() {
		cards = append(cards, fitsio.Card{Name: "DATE-OBS", Value: m.Time.UTC().Format(time.RFC3339), Comment: "acquisition end"})
	}
	return cards
}

// Format returns the lower case extension of path without the dot
func Format(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

// Save writes f to path, encoded according to the extension
func Save(path string, f *pxcapi.Frame, meta Meta) error {
	format := Format(path)
	if !Supported(format) {
		return fmt.Errorf("%w: %q", ErrUnknownFormat, filepath.Ext(path))
	}
	fid, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(fid)
	err = Encode(w, format, f, meta)
	if err == nil {
		err = w.Flush()
	}
	if err2 := fid.Close(); err == nil {
		err = err2
	}
	return err
}

// Supported returns true if format can be encoded
func Supported(format string) bool {
	switch format {
	case "txt", "pbf", "png", "fits":
		return true
	}
	return false
}

// Encode writes f to w in format
func Encode(w io.Writer, format string, f *pxcapi.Frame, meta Meta) error {
	switch format {
	case "txt":
		return writeText(w, f, meta.Values)
	case "pbf":
		return writePBF(w, f)
	case "png":
		return png.Encode(w, Image(f))
	case "fits":
		return WriteFits(w, meta, []*pxcapi.Frame{f})
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// Load reads a frame written by Save.  Only .pbf and .txt can be loaded; a
// .txt file fills Counts.
func Load(path string) (*pxcapi.Frame, error) {
	fid, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fid.Close()
	return Decode(bufio.NewReader(fid), Format(path))
}

// Decode reads a frame in format from r
func Decode(r io.Reader, format string) (*pxcapi.Frame, error) {
	switch format {
	case "pbf":
		return readPBF(r)
	case "txt":
		return readText(r)
	}
	return nil, fmt.Errorf("%w: cannot decode %q", ErrUnknownFormat, format)
}

func writeText(w io.Writer, f *pxcapi.Frame, values bool) error {
	bw := bufio.NewWriter(w)
	for y := 0; y < pxcapi.Height; y++ {
		for x := 0; x < pxcapi.Width; x++ {
			if x > 0 {
				bw.WriteByte(' ')
			}
			i := pxcapi.PixelAt(x, y)
			if values {
				bw.WriteString(strconv.FormatFloat(f.Values[i], 'g', -1, 64))
			} else {
				bw.WriteString(strconv.Itoa(int(f.Counts[i])))
			}
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func readText(r io.Reader) (*pxcapi.Frame, error) {
	f := new(pxcapi.Frame)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	y := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if y >= pxcapi.Height {
			return nil, fmt.Errorf("frameio: more than %d rows", pxcapi.Height)
		}
		fields := strings.Fields(line)
		if len(fields) != pxcapi.Width {
			return nil, fmt.Errorf("frameio: row %d has %d columns, expected %d", y, len(fields), pxcapi.Width)
		}
		for x, s := range fields {
			v, err := strconv.ParseUint(s, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("frameio: row %d column %d: %w", y, x, err)
			}
			f.Counts[pxcapi.PixelAt(x, y)] = uint16(v)
		}
		y++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if y != pxcapi.Height {
		return nil, fmt.Errorf("frameio: %d rows, expected %d", y, pxcapi.Height)
	}
	return f, nil
}

// pbfHeader precedes the pixel data of a .pbf file
type pbfHeader struct {
	Magic   [4]byte
	Mode    uint32
	AcqTime int64
	Index   uint32
}

func writePBF(w io.Writer, f *pxcapi.Frame) error {
	var buf bytes.Buffer
	buf.Grow(24 + pxcapi.FrameSize*10 + 4)
	hdr := pbfHeader{Magic: pbfMagic, Mode: uint32(f.Mode), AcqTime: int64(f.AcqTime), Index: uint32(f.Index)}
	binary.Write(&buf, binary.LittleEndian, hdr)
	binary.Write(&buf, binary.LittleEndian, f.Counts[:])
	binary.Write(&buf, binary.LittleEndian, f.Values[:])
	sum := crcTable.CRC32(crcTable.UpdateCrc(crcTable.InitCrc(), buf.Bytes()))
	binary.Write(&buf, binary.LittleEndian, sum)
	_, err := w.Write(buf.Bytes())
	return err
}

func readPBF(r io.Reader) (*pxcapi.Frame, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	const size = 4 + 4 + 8 + 4 + pxcapi.FrameSize*2 + pxcapi.FrameSize*8
	if len(b) != size+4 {
		return nil, fmt.Errorf("frameio: pbf frame is %d bytes, expected %d", len(b), size+4)
	}
	if !bytes.Equal(b[:4], pbfMagic[:]) {
		return nil, ErrBadMagic
	}
	want := binary.LittleEndian.Uint32(b[size:])
	if got := crcTable.CRC32(crcTable.UpdateCrc(crcTable.InitCrc(), b[:size])); got != want {
		return nil, ErrBadChecksum
	}
	rd := bytes.NewReader(b[:size])
	var hdr pbfHeader
	binary.Read(rd, binary.LittleEndian, &hdr)
	f := &pxcapi.Frame{Mode: pxcapi.Mode(hdr.Mode), AcqTime: time.Duration(hdr.AcqTime), Index: int(hdr.Index)}
	if err := binary.Read(rd, binary.LittleEndian, f.Counts[:]); err != nil {
		return nil, err
	}
	if err := binary.Read(rd, binary.LittleEndian, f.Values[:]); err != nil {
		return nil, err
	}
	return f, nil
}

// Image returns the counts of f as a 16-bit grayscale image
func Image(f *pxcapi.Frame) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, pxcapi.Width, pxcapi.Height))
	for i, c := range f.Counts {
		img.Pix[2*i] = uint8(c >> 8)
		img.Pix[2*i+1] = uint8(c)
	}
	return img
}

// WriteFits streams frames to w as a FITS file.  The counts form the primary
// image (a cube if there is more than one frame), stored as int16 shifted by
// BZERO; the values follow as a float64 image extension of the same shape.
func WriteFits(w io.Writer, meta Meta, frames []*pxcapi.Frame) error {
	if len(frames) == 0 {
		return errors.New("frameio: no frames to write")
	}
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	dims := []int{pxcapi.Width, pxcapi.Height}
	if len(frames) > 1 {
		dims = append(dims, len(frames))
	}

	counts := fitsio.NewImage(16, dims)
	defer counts.Close()
	cards := append(meta.Cards(frames[0]),
		fitsio.Card{Name: "BZERO", Value: 32768},
		fitsio.Card{Name: "BSCALE", Value: 1.0})
	if err = counts.Header().Append(cards...); err != nil {
		return err
	}
	ints := make([]int16, 0, len(frames)*pxcapi.FrameSize)
	for _, f := range frames {
		for _, c := range f.Counts {
			ints = append(ints, int16(c-32768))
		}
	}
	if err = counts.Write(ints); err != nil {
		return err
	}
	if err = fits.Write(counts); err != nil {
		return err
	}

	values := fitsio.NewImage(-64, dims)
	defer values.Close()
	if err = values.Header().Append(fitsio.Card{Name: "EXTNAME", Value: "VALUES", Comment: "ToA [ns] or integrated ToT"}); err != nil {
		return err
	}
	flts := make([]float64, 0, len(frames)*pxcapi.FrameSize)
	for _, f := range frames {
		flts = append(flts, f.Values[:]...)
	}
	if err = values.Write(flts); err != nil {
		return err
	}
	return fits.Write(values)
}

// SavePixels writes a data-driven pixel list to path, .t3pa or .csv
func SavePixels(path string, px []pxcapi.Pixel) error {
	format := Format(path)
	if format != "t3pa" && format != "csv" {
		return fmt.Errorf("%w: %q", ErrUnknownFormat, filepath.Ext(path))
	}
	fid, err := os.Create(path)
	if err != nil {
		return err
	}
	err = EncodePixels(fid, format, px)
	if err2 := fid.Close(); err == nil {
		err = err2
	}
	return err
}

// EncodePixels writes a pixel list to w.  In the t3pa format the first
// column is the running hit index and the second the pixel (matrix) index.
func EncodePixels(w io.Writer, format string, px []pxcapi.Pixel) error {
	var sep, header string
	switch format {
	case "t3pa":
		sep, header = "\t", "Index\tMatrix Index\tToA\tToT"
	case "csv":
		sep, header = ",", "index,x,y,toa,tot"
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	bw := bufio.NewWriter(w)
	bw.WriteString(header)
	bw.WriteByte('\n')
	for i, p := range px {
		if format == "t3pa" {
			fmt.Fprint(bw, i, sep, p.Index, sep, formatFloat(p.ToA), sep, formatFloat(float64(p.ToT)), "\n")
			continue
		}
		x, y := p.XY()
		fmt.Fprint(bw, p.Index, sep, x, sep, y, sep, formatFloat(p.ToA), sep, formatFloat(float64(p.ToT)), "\n")
	}
	return bw.Flush()
}

// DecodePixels reads a pixel list written by EncodePixels in the t3pa format
func DecodePixels(r io.Reader) ([]pxcapi.Pixel, error) {
	sc := bufio.NewScanner(r)
	var out []pxcapi.Pixel
	line := 0
	for sc.Scan() {
		line++
		if line == 1 {
			continue
		}
		fields := strings.Split(strings.TrimSpace(sc.Text()), "\t")
		if len(fields) != 4 {
			return nil, fmt.Errorf("frameio: line %d has %d fields, expected 4", line, len(fields))
		}
		idx, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil || idx >= pxcapi.FrameSize {
			return nil, fmt.Errorf("frameio: line %d: bad matrix index %q", line, fields[1])
		}
		toa, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("frameio: line %d: %w", line, err)
		}
		tot, err := strconv.ParseFloat(fields[3], 32)
		if err != nil {
			return nil, fmt.Errorf("frameio: line %d: %w", line, err)
		}
		out = append(out, pxcapi.Pixel{Index: uint32(idx), ToA: toa, ToT: float32(tot)})
	}
	return out, sc.Err()
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
