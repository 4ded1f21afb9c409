package subspace

import (
	"fmt"

	"github.com/achilleasa/go-lightpath/tracer/device"
	"github.com/achilleasa/go-lightpath/types"
)

func kernelNames(size uint32) (merge, scan, rowPrefix string) {
	return fmt.Sprintf("subspace%d/merge", size),
		fmt.Sprintf("subspace%d/scan", size),
		fmt.Sprintf("subspace%d/rowPrefix", size)
}

// scanGroupSize returns the thread count of a scan group. Each thread owns
// two cells so a table row spans groupSize << 1 cells.
func scanGroupSize(size uint32) uint32 {
	if size < 2 {
		return 1
	}
	return size >> 1
}

// newProgram builds the statistics program for a size x size table. The
// scan kernel runs one group per row; merge groups use the same thread count
// and cover half a row each.
func newProgram(size uint32) *device.Program {
	merge, scan, rowPrefix := kernelNames(size)
	groupSize := scanGroupSize(size)

	return &device.Program{
		Name: fmt.Sprintf("subspace%d", size),
		Entries: []*device.KernelEntry{
			{
				Name:      merge,
				GroupSize: [2]uint32{groupSize, 1},
				Access: []device.Access{
					device.AccessRead, device.AccessRead, device.AccessRead,
					device.AccessReadWrite, device.AccessReadWrite, device.AccessReadWrite,
					device.AccessNone,
				},
				Fn: mergeCells,
			},
			{
				Name:      scan,
				GroupSize: [2]uint32{groupSize, 1},
				Access: []device.Access{
					device.AccessRead, device.AccessRead, device.AccessRead,
					device.AccessWrite, device.AccessWrite, device.AccessWrite,
					device.AccessWrite, device.AccessWrite, device.AccessWrite,
					device.AccessWrite,
				},
				Fn: scanRows,
			},
			{
				Name:      rowPrefix,
				GroupSize: [2]uint32{1, 1},
				Access:    []device.Access{device.AccessRead, device.AccessWrite},
				Fn:        scanRowTotals,
			},
		},
	}
}

// mergeCells folds the current frame statistics of every cell into the
// running totals. The history is capped to accumulationCap times the current
// sample count before the current frame is added.
//
// Args: curWeight, curCount, curMoment, totalWeight, totalCount,
// totalMoment, accumulationCap.
func mergeCells(g *device.Group) {
	curWeight := device.View[float32](g.Buffer(0))
	curCount := device.View[uint32](g.Buffer(1))
	curMoment := device.View[float32](g.Buffer(2))
	totalWeight := device.View[float32](g.Buffer(3))
	totalCount := device.View[float32](g.Buffer(4))
	totalMoment := device.View[float32](g.Buffer(5))
	accumulationCap := g.Float32(6)
	tex := g.Texture(0)

	g.Threads2D(func(x, y uint32) {
		i := tex.Index(x, y)

		count := float32(curCount[i])
		history := totalCount[i]
		capped := types.CapHistory(history, count, accumulationCap)

		var scale float32
		if history > 0 {
			scale = capped / history
		}
		totalWeight[i] = totalWeight[i]*scale + curWeight[i]
		totalMoment[i] = totalMoment[i]*scale + curMoment[i]
		totalCount[i] = capped + count
	})
}

// scanRows computes inclusive prefix sums along every row of the merged
// tables together with the per-row totals and the maximum cell variance of
// the row.
//
// Args: totalWeight, totalCount, totalMoment, prefixWeight, prefixCount,
// prefixMoment, sumWeight, sumCount, sumMoment, maxVariance.
func scanRows(g *device.Group) {
	y := g.ID[1]
	if y >= g.Extent[1] {
		return
	}

	tex := g.Texture(0)
	width := tex.Width()
	row := tex.Index(0, y)

	src := [3][]float32{
		device.View[float32](g.Buffer(0))[row : row+int(width)],
		device.View[float32](g.Buffer(1))[row : row+int(width)],
		device.View[float32](g.Buffer(2))[row : row+int(width)],
	}
	dst := [3][]float32{
		device.View[float32](g.Buffer(3))[row : row+int(width)],
		device.View[float32](g.Buffer(4))[row : row+int(width)],
		device.View[float32](g.Buffer(5))[row : row+int(width)],
	}
	sums := [3][]float32{
		device.View[float32](g.Buffer(6)),
		device.View[float32](g.Buffer(7)),
		device.View[float32](g.Buffer(8)),
	}
	maxVariance := device.View[float32](g.Buffer(9))

	for table := range src {
		var acc float32
		for x, v := range src[table] {
			acc += v
			dst[table][x] = acc
		}
		sums[table][y] = acc
	}

	var rowMax float32
	for x := range src[0] {
		if v := cellVariance(src[0][x], src[1][x], src[2][x]); v > rowMax {
			rowMax = v
		}
	}
	maxVariance[y] = rowMax
}

// scanRowTotals writes the inclusive prefix of the per-row weight totals.
//
// Args: sumWeight, rowPrefixWeight.
func scanRowTotals(g *device.Group) {
	sums := device.View[float32](g.Buffer(0))
	out := device.View[float32](g.Buffer(1))
	height := g.Texture(0).Width()

	var acc float32
	for y := uint32(0); y < height; y++ {
		acc += sums[y]
		out[y] = acc
	}
}

// cellVariance estimates the variance of the samples that fell into a cell
// from its weight sum, count and second moment.
func cellVariance(weight, count, moment float32) float32 {
	if count <= 0 {
		return 0
	}
	mean := weight / count
	if v := moment/count - mean*mean; v > 0 {
		return v
	}
	return 0
}
