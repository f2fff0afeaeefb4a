package pxcapi

// MatrixKind selects how the bytes of a Matrix are read
type MatrixKind int

const (
	// KindBadPixel matrices mark bad pixels with 1
	KindBadPixel MatrixKind = iota

	// KindMask matrices mark masked pixels with 0, active pixels with 1
	KindMask
)

// Matrix holds one byte per pixel in frame order
type Matrix [FrameSize]byte

// FullMask returns a mask matrix with every pixel active
func FullMask() Matrix {
	var m Matrix
	for i := range m {
		m[i] = 1
	}
	return m
}

// Excluded returns true if pixel idx is bad (KindBadPixel) or masked (KindMask)
func (m *Matrix) Excluded(kind MatrixKind, idx int) bool {
	if kind == KindMask {
		return m[idx] == 0
	}
	return m[idx] != 0
}

// CountExcluded counts the pixels Excluded reports true for
func (m *Matrix) CountExcluded(kind MatrixKind) int {
	n := 0
	for i := range m {
		if m.Excluded(kind, i) {
			n++
		}
	}
	return n
}

// EdgeMask masks (sets to 0) the outer width rows and columns of a mask matrix.
// Inner pixels are left as they are.
func (m *Matrix) EdgeMask(width int) {
	if width <= 0 {
		return
	}
	for y := 0; y < Height; y++ {
		for x := 0; x < Width; x++ {
			if x < width || y < width || x >= Width-width || y >= Height-width {
				m[PixelAt(x, y)] = 0
			}
		}
	}
}

// Diff returns the indices at which m and other differ, ascending
func (m *Matrix) Diff(other *Matrix) []int {
	var out []int
	for i := range m {
		if m[i] != other[i] {
			out = append(out, i)
		}
	}
	return out
}
