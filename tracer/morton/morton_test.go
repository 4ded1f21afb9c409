package morton

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/achilleasa/go-lightpath/tracer/device"
	"github.com/achilleasa/go-lightpath/types"
)

func createPositions(t *testing.T, dev *device.Device, upperBound uint32, count uint32, seed int64) []types.Vec4 {
	rng := rand.New(rand.NewSource(seed))
	data := make([]types.Vec4, upperBound)
	for i := range data {
		data[i] = types.XYZW(
			rng.Float32()*20-10,
			rng.Float32()*4,
			rng.Float32()*100-50,
			rng.Float32(),
		)
	}
	return data
}

func TestBoundingBoxAndCodes(t *testing.T) {
	counts := []uint32{0, 1, 2, 2047, 2048, 2049, 5000, 10000}
	const upperBound = 10000

	for specIndex, count := range counts {
		dev := device.NewCpuDevice("test", device.WithStrictHazards(true))
		positions := dev.Buffer("positions")
		if err := positions.AllocateStructured(16, upperBound, device.ReadWrite|device.Counter); err != nil {
			t.Fatal(err)
		}
		data := createPositions(t, dev, upperBound, count, int64(specIndex))
		if err := positions.WriteData(data, 0); err != nil {
			t.Fatal(err)
		}
		if err := dev.ClearCounter(positions, count); err != nil {
			t.Fatal(err)
		}

		sorter, err := NewCodeSort(dev, positions, upperBound)
		if err != nil {
			t.Fatal(err)
		}
		if err = sorter.Execute(); err != nil {
			t.Fatalf("[spec %d] execute failed: %v", specIndex, err)
		}
		if sorter.Count() != count {
			t.Fatalf("[spec %d] expected live count %d; got %d", specIndex, count, sorter.Count())
		}

		bound, err := sorter.ReadBound()
		if err != nil {
			t.Fatal(err)
		}
		expBound := types.EmptyAABB()
		for i := uint32(0); i < count; i++ {
			expBound = expBound.Extend(data[i].Vec3())
		}
		if bound != expBound {
			t.Fatalf("[spec %d] expected bound %v; got %v", specIndex, expBound, bound)
		}

		dev.Barrier(sorter.KeyIndexList())
		keys := make([]uint64, upperBound)
		if err = sorter.KeyIndexList().ReadData(0, 0, 0, keys); err != nil {
			t.Fatal(err)
		}
		for i, key := range keys {
			if uint32(i) >= count {
				if key != 0 {
					t.Fatalf("[spec %d] expected key %d past the live count to be cleared; got %x", specIndex, i, key)
				}
				continue
			}
			if got := uint32(key); got != uint32(i) {
				t.Fatalf("[spec %d] expected key %d to carry index %d; got %d", specIndex, i, i, got)
			}
			expCode := Encode(Quantize(data[i].Vec3(), expBound, DefaultQuantLevels))
			if got := uint32(key >> 32); got != expCode {
				t.Fatalf("[spec %d] expected key %d to carry code %x; got %x", specIndex, i, expCode, got)
			}
		}

		dev.Close()
	}
}

func TestThreeLevelBoundReduction(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large reduction in short mode")
	}

	// More groups than a single reduction group can fold, so the bound goes
	// through all three reduction levels.
	const count = reduceGroupElements*reduceGroupElements + 4097
	const upperBound = count + 1

	dev := device.NewCpuDevice("test", device.WithStrictHazards(true))
	positions := dev.Buffer("positions")
	if err := positions.AllocateStructured(16, upperBound, device.ReadWrite|device.Counter); err != nil {
		t.Fatal(err)
	}
	data := createPositions(t, dev, upperBound, count, 42)
	data[count-3] = types.XYZW(99, -7, 123, 1)
	// Past the live count; must not affect the bound.
	data[count] = types.XYZW(-1000, 1000, -1000, 1)
	if err := positions.WriteData(data, 0); err != nil {
		t.Fatal(err)
	}
	if err := dev.ClearCounter(positions, count); err != nil {
		t.Fatal(err)
	}

	sorter, err := NewCodeSort(dev, positions, upperBound)
	if err != nil {
		t.Fatal(err)
	}
	defer sorter.Release()
	if err = sorter.Execute(); err != nil {
		t.Fatal(err)
	}

	bound, err := sorter.ReadBound()
	if err != nil {
		t.Fatal(err)
	}
	expBound := types.EmptyAABB()
	for i := 0; i < count; i++ {
		expBound = expBound.Extend(data[i].Vec3())
	}
	if bound != expBound {
		t.Fatalf("expected bound %v; got %v", expBound, bound)
	}
	if bound.Max[0] != 99 || bound.Min[1] != -7 || bound.Max[2] != 123 {
		t.Fatalf("expected the outlier to extend the bound; got %v", bound)
	}
}

func TestSameCellProducesSameCode(t *testing.T) {
	box := types.AABB{Min: types.XYZ(0, 0, 0), Max: types.XYZ(1024, 1024, 1024)}

	a := Encode(Quantize(types.XYZ(10.1, 20.2, 30.3), box, DefaultQuantLevels))
	b := Encode(Quantize(types.XYZ(10.9, 20.7, 30.8), box, DefaultQuantLevels))
	c := Encode(Quantize(types.XYZ(11.1, 20.7, 30.8), box, DefaultQuantLevels))

	if a != b {
		t.Fatalf("expected points in the same cell to share a code; got %x and %x", a, b)
	}
	if a == c {
		t.Fatalf("expected points in different cells to have different codes; both got %x", a)
	}
}

func TestEncodeMatchesBitInterleave(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for n := 0; n < 1000; n++ {
		cell := [3]uint32{uint32(rng.Intn(1024)), uint32(rng.Intn(1024)), uint32(rng.Intn(1024))}

		var exp uint32
		for bit := uint32(0); bit < 10; bit++ {
			exp |= ((cell[0] >> bit) & 1) << (3*bit + 2)
			exp |= ((cell[1] >> bit) & 1) << (3*bit + 1)
			exp |= ((cell[2] >> bit) & 1) << (3 * bit)
		}

		if got := Encode(cell); got != exp {
			t.Fatalf("expected code of %v to be %x; got %x", cell, exp, got)
		}
	}
}

func TestQuantizeClampsAndHandlesFlatAxes(t *testing.T) {
	box := types.AABB{Min: types.XYZ(0, 5, 0), Max: types.XYZ(1, 5, 1)}

	cell := Quantize(types.XYZ(1, 5, 0), box, 16)
	exp := [3]uint32{15, 0, 0}
	if cell != exp {
		t.Fatalf("expected cell %v; got %v", exp, cell)
	}
}

func TestCountOverflowAndValidation(t *testing.T) {
	dev := device.NewCpuDevice("test", device.WithStrictHazards(true))
	defer dev.Close()

	noCounter := dev.Buffer("noCounter")
	if err := noCounter.AllocateStructured(16, 8, device.ReadWrite); err != nil {
		t.Fatal(err)
	}
	if _, err := NewCodeSort(dev, noCounter, 8); !errors.Is(err, ErrInvalidPositions) {
		t.Fatalf("expected ErrInvalidPositions; got %v", err)
	}

	positions := dev.Buffer("positions")
	if err := positions.AllocateStructured(16, 8, device.ReadWrite|device.Counter); err != nil {
		t.Fatal(err)
	}
	if _, err := NewCodeSort(dev, positions, 8, WithQuantLevels(1000)); !errors.Is(err, ErrInvalidQuantLevels) {
		t.Fatalf("expected ErrInvalidQuantLevels; got %v", err)
	}

	sorter, err := NewCodeSort(dev, positions, 8)
	if err != nil {
		t.Fatal(err)
	}
	if err = dev.ClearCounter(positions, 9); err != nil {
		t.Fatal(err)
	}
	if err = sorter.Execute(); !errors.Is(err, ErrCountOverflow) {
		t.Fatalf("expected ErrCountOverflow; got %v", err)
	}
}
