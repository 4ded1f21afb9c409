package sort

import (
	"encoding/binary"
	"errors"

	"github.com/achilleasa/go-lightpath/tracer/device"
)

var (
	ErrInvalidList      = errors.New("sort: invalid key/index list")
	ErrCapacityExceeded = errors.New("sort: list count exceeds buffer capacity")
)

const (
	kernelIndirectArgs = "bitonic64/indirectArgs"
	kernelPreSort      = "bitonic64/preSort"
	kernelOuterSort    = "bitonic64/outerSort"
	kernelInnerSort    = "bitonic64/innerSort"

	// Padding value for slots past the live count; sorts after every key.
	sentinel = ^uint64(0)
)

var program = &device.Program{
	Name: "bitonic64",
	Entries: []*device.KernelEntry{
		{
			Name:      kernelIndirectArgs,
			GroupSize: [2]uint32{maxIterations, 1},
			Access:    []device.Access{device.AccessWrite},
			Fn:        indirectArgs,
		},
		{
			Name:      kernelPreSort,
			GroupSize: [2]uint32{groupThreads, 1},
			Access:    []device.Access{device.AccessReadWrite},
			Fn:        preSort,
		},
		{
			Name:      kernelOuterSort,
			GroupSize: [2]uint32{groupThreads, 1},
			Access:    []device.Access{device.AccessReadWrite},
			Fn:        outerSort,
		},
		{
			Name:      kernelInnerSort,
			GroupSize: [2]uint32{groupThreads, 1},
			Access:    []device.Access{device.AccessReadWrite},
			Fn:        innerSort,
		},
	},
}

// insertOneBit spreads value around the single set bit of oneBitMask,
// producing the higher index of a compare-exchange pair.
func insertOneBit(value, oneBitMask uint32) uint32 {
	mask := oneBitMask - 1
	return (value&^mask)<<1 | (value & mask) | oneBitMask
}

// pairIndices returns the (lower, upper) element indices handled by thread t
// for block size k and compare distance j. When k == 2j the lower index is
// mirrored inside the block so every block ends up ascending.
func pairIndices(t, k, j uint32) (uint32, uint32) {
	index2 := insertOneBit(t, j)
	if k == 2*j {
		return index2 ^ (k - 1), index2
	}
	return index2 ^ j, index2
}

// indirectArgs writes the group counts of every pass. Thread i owns k-level
// 2048 << i and emits its outer passes followed by its inner pass.
func indirectArgs(g *device.Group) {
	args := g.Buffer(0).Bytes()
	listCount, maxIter := g.Uint32(1), g.Uint32(2)

	for gi := uint32(0); gi < g.Size[0]; gi++ {
		if gi >= maxIter {
			return
		}

		count := listCount
		k := uint32(groupElements) << gi
		alignedCount := (count + groupElements - 1) &^ (groupElements - 1)
		if uint64(k) > uint64(nextPow2(alignedCount)) {
			count = 0
		}

		offset := indirectArgsStride * gi * (gi + 1) / 2
		for j := k / 2; j > groupElements/2; j /= 2 {
			completeGroups := (count &^ (2*j - 1)) / groupElements
			var remaining uint32
			if partial := int64(count) - int64(completeGroups)*groupElements - int64(j); partial > 0 {
				remaining = uint32(partial)
			}
			partialGroups := (remaining + groupThreads - 1) / groupThreads
			storeTriplet(args, offset, completeGroups+partialGroups)
			offset += indirectArgsStride
		}

		storeTriplet(args, offset, (count+groupElements-1)/groupElements)
	}
}

func storeTriplet(args []byte, offset, x uint32) {
	binary.LittleEndian.PutUint32(args[offset:], x)
	binary.LittleEndian.PutUint32(args[offset+4:], 1)
	binary.LittleEndian.PutUint32(args[offset+8:], 1)
}

func nextPow2(v uint32) uint32 {
	if v <= 1 {
		return v
	}
	p := uint32(1)
	for p < v && p != 0 {
		p <<= 1
	}
	return p
}

// loadGroup copies the 2048-element chunk owned by the group into scratch
// memory padding missing entries with the sentinel.
func loadGroup(list []uint64, listCount, groupStart uint32, shared *[groupElements]uint64) {
	for i := uint32(0); i < groupElements; i++ {
		if idx := groupStart + i; idx < listCount {
			shared[i] = list[idx]
		} else {
			shared[i] = sentinel
		}
	}
}

func storeGroup(list []uint64, listCount, groupStart uint32, shared *[groupElements]uint64) {
	for i := uint32(0); i < groupElements; i++ {
		if idx := groupStart + i; idx < listCount {
			list[idx] = shared[i]
		}
	}
}

func compareExchange(shared *[groupElements]uint64, lo, hi uint32) {
	if shared[lo] > shared[hi] {
		shared[lo], shared[hi] = shared[hi], shared[lo]
	}
}

// preSort fully sorts each 2048-element chunk.
func preSort(g *device.Group) {
	list := device.View[uint64](g.Buffer(0))
	listCount := g.Uint32(1)
	groupStart := g.ID[0] * groupElements

	var shared [groupElements]uint64
	loadGroup(list, listCount, groupStart, &shared)
	for k := uint32(2); k <= groupElements; k <<= 1 {
		for j := k / 2; j > 0; j /= 2 {
			for t := uint32(0); t < groupThreads; t++ {
				lo, hi := pairIndices(t, k, j)
				compareExchange(&shared, lo, hi)
			}
		}
	}
	storeGroup(list, listCount, groupStart, &shared)
}

// outerSort runs a single cross-group compare-exchange step of distance
// j >= 2048 inside blocks of size k.
func outerSort(g *device.Group) {
	list := device.View[uint64](g.Buffer(0))
	listCount, k, j := g.Uint32(1), g.Uint32(2), g.Uint32(3)

	base := g.ID[0] * groupThreads
	for t := uint32(0); t < groupThreads; t++ {
		lo, hi := pairIndices(base+t, k, j)
		if hi >= listCount {
			continue
		}
		if list[lo] > list[hi] {
			list[lo], list[hi] = list[hi], list[lo]
		}
	}
}

// innerSort finishes a k-level with the distances 1024..1 that stay inside
// one 2048-element chunk.
func innerSort(g *device.Group) {
	list := device.View[uint64](g.Buffer(0))
	listCount := g.Uint32(1)
	groupStart := g.ID[0] * groupElements

	var shared [groupElements]uint64
	loadGroup(list, listCount, groupStart, &shared)
	for j := uint32(groupElements / 2); j > 0; j /= 2 {
		for t := uint32(0); t < groupThreads; t++ {
			index2 := insertOneBit(t, j)
			compareExchange(&shared, index2^j, index2)
		}
	}
	storeGroup(list, listCount, groupStart, &shared)
}
