package subspace

import (
	"sort"

	"github.com/chewxy/math32"
)

// Cell maps an emission direction, given by the cosine of its angle to the
// emitter normal and its azimuth in [0, 2pi), to a (column, row) cell of a
// size x size grid. Rows are uniform in cos^2 so that a uniform choice of
// cells yields cosine weighted directions.
func Cell(cosTheta, phi float32, size uint32) (uint32, uint32) {
	row := clampCell(cosTheta*cosTheta*float32(size), size)
	col := clampCell(phi/(2*math32.Pi)*float32(size), size)
	return col, row
}

// CellIndex returns the linear texel index of a cell.
func CellIndex(col, row, size uint32) uint32 {
	return row*size + col
}

// CellDirection draws a direction inside a cell. It returns the cosine of
// the polar angle, the azimuth and the solid angle density of the direction
// conditioned on the cell.
func CellDirection(col, row, size uint32, u1, u2 float32) (float32, float32, float32) {
	s := float32(size)
	cosTheta := math32.Sqrt((float32(row) + u1) / s)
	phi := 2 * math32.Pi * (float32(col) + u2) / s
	return cosTheta, phi, cosTheta * s * s / math32.Pi
}

func clampCell(v float32, size uint32) uint32 {
	if v <= 0 {
		return 0
	}
	if c := uint32(v); c < size {
		return c
	}
	return size - 1
}

// Distribution is a host view over the row prefix and per-row prefix weight
// tables built by Tables.Build.
type Distribution struct {
	Size      uint32
	RowPrefix []float32
	Prefix    []float32
}

// Total returns the accumulated weight of the whole grid.
func (d Distribution) Total() float32 {
	if len(d.RowPrefix) == 0 {
		return 0
	}
	return d.RowPrefix[len(d.RowPrefix)-1]
}

// CellWeight returns the accumulated weight of a cell.
func (d Distribution) CellWeight(col, row uint32) float32 {
	base := row * d.Size
	w := d.Prefix[base+col]
	if col > 0 {
		w -= d.Prefix[base+col-1]
	}
	return w
}

// Pdf returns the discrete probability of a cell.
func (d Distribution) Pdf(col, row uint32) float32 {
	total := d.Total()
	if total <= 0 {
		return 0
	}
	return d.CellWeight(col, row) / total
}

// Sample picks a cell proportionally to its weight, first choosing a row
// from the row prefix and then a column from that row's prefix. It returns
// false when the grid carries no weight.
func (d Distribution) Sample(u1, u2 float32) (uint32, uint32, float32, bool) {
	total := d.Total()
	if total <= 0 {
		return 0, 0, 0, false
	}

	row := searchPrefix(d.RowPrefix, u1*total)
	base := row * d.Size
	rowPrefix := d.Prefix[base : base+d.Size]
	rowTotal := rowPrefix[d.Size-1]
	if rowTotal <= 0 {
		return 0, 0, 0, false
	}
	col := searchPrefix(rowPrefix, u2*rowTotal)

	pdf := d.CellWeight(col, row) / total
	if pdf <= 0 {
		return 0, 0, 0, false
	}
	return col, row, pdf, true
}

// searchPrefix returns the first index whose inclusive prefix exceeds v.
func searchPrefix(prefix []float32, v float32) uint32 {
	i := sort.Search(len(prefix), func(i int) bool {
		return prefix[i] > v
	})
	if i >= len(prefix) {
		// v rounded up to the total; pick the last entry with any weight.
		i = len(prefix) - 1
		for i > 0 && prefix[i] == prefix[i-1] {
			i--
		}
	}
	return uint32(i)
}
