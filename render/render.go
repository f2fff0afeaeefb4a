/*Package render draws 256x256 frames as 64x32 ASCII density maps for the console.

Each character covers a cell of 4 columns by 8 rows of pixels.  The samples of
a cell are summed (float samples are truncated to integers first) and the sum
picks a glyph:

	> 100000   O
	>  10000   o
	>   1000   #
	>    100   *
	>     10   +
	>      0   .
	otherwise  (space)

Every row ends with a '|' border and a newline.
*/
package render

import (
	"io"
	"strings"

	"github.com/pxlab/pxlab/pxcapi"
)

const (
	// CellWidth is the number of pixel columns per character
	CellWidth = 4

	// CellHeight is the number of pixel rows per character
	CellHeight = 8

	// Columns is the number of characters per row
	Columns = pxcapi.Width / CellWidth

	// Rows is the number of rows
	Rows = pxcapi.Height / CellHeight

	// Border terminates every row
	Border = '|'
)

var ladder = []struct {
	above int64
	glyph byte
}{
	{100000, 'O'},
	{10000, 'o'},
	{1000, '#'},
	{100, '*'},
	{10, '+'},
	{0, '.'},
}

// Glyph returns the character for a cell sum
func Glyph(sum int64) byte {
	for _, step := range ladder {
		if sum > step.above {
			return step.glyph
		}
	}
	return ' '
}

// Sampler gives integer access to the pixels of a frame in frame order
type Sampler interface {
	Len() int
	Sample(i int) int64
}

// CountSamples are per-pixel counts
type CountSamples []uint16

// Len is the number of samples
func (c CountSamples) Len() int { return len(c) }

// Sample returns sample i
func (c CountSamples) Sample(i int) int64 { return int64(c[i]) }

// ValueSamples are per-pixel accumulations, truncated toward zero when sampled
type ValueSamples []float64

// Len is the number of samples
func (v ValueSamples) Len() int { return len(v) }

// Sample returns sample i
func (v ValueSamples) Sample(i int) int64 { return int64(v[i]) }

// Samples renders any sampler.  Samples past Len are zero.
func Samples(s Sampler) string {
	var sb strings.Builder
	sb.Grow(Rows * (Columns + 2))
	n := s.Len()
	for cy := 0; cy < Rows; cy++ {
		for cx := 0; cx < Columns; cx++ {
			var sum int64
			for y := cy * CellHeight; y < (cy+1)*CellHeight; y++ {
				for x := cx * CellWidth; x < (cx+1)*CellWidth; x++ {
					if i := pxcapi.PixelAt(x, y); i < n {
						sum += s.Sample(i)
					}
				}
			}
			sb.WriteByte(Glyph(sum))
		}
		sb.WriteByte(Border)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Counts renders integer counts
func Counts(c []uint16) string {
	return Samples(CountSamples(c))
}

// Values renders float accumulations
func Values(v []float64) string {
	return Samples(ValueSamples(v))
}

// Frame renders the counts of f, or its values if values is true
func Frame(f *pxcapi.Frame, values bool) string {
	if values {
		return Values(f.Values[:])
	}
	return Counts(f.Counts[:])
}

// Write renders s to w
func Write(w io.Writer, s Sampler) error {
	_, err := io.WriteString(w, Samples(s))
	return err
}
