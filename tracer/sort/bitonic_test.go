package sort

import (
	"errors"
	"math/rand"
	"slices"
	"testing"

	"github.com/achilleasa/go-lightpath/tracer/device"
)

const testCapacity = 16384

func createSorter(t *testing.T, capacity int) (*device.Device, *device.Buffer, *Bitonic64) {
	dev := device.NewCpuDevice("test", device.WithStrictHazards(true))
	list := dev.Buffer("keyIndexList")
	if err := list.AllocateStructured(8, capacity, device.ReadWrite); err != nil {
		t.Fatal(err)
	}
	sorter, err := NewBitonic64(dev, list, 0)
	if err != nil {
		t.Fatal(err)
	}
	return dev, list, sorter
}

func TestBitonic64Sort(t *testing.T) {
	sizes := []uint32{0, 1, 2, 3, 1000, 2047, 2048, 2049, 4095, 4096, 4097, 10000, testCapacity}

	for specIndex, n := range sizes {
		dev, list, sorter := createSorter(t, testCapacity)
		rng := rand.New(rand.NewSource(int64(n) + 1))

		data := make([]uint64, testCapacity)
		for i := range data {
			// Narrow key range so that duplicate keys are exercised.
			key := uint64(rng.Intn(1 << 12))
			data[i] = key<<32 | uint64(i)
		}
		if err := list.WriteData(data, 0); err != nil {
			t.Fatal(err)
		}

		if err := sorter.SetListCount(n, nil); err != nil {
			t.Fatal(err)
		}
		if err := sorter.Sort(); err != nil {
			t.Fatalf("[spec %d] sort of %d entries failed: %v", specIndex, n, err)
		}

		dev.Barrier(list)
		sorted := make([]uint64, testCapacity)
		if err := list.ReadData(0, 0, 0, sorted); err != nil {
			t.Fatal(err)
		}

		for i := 1; i < int(n); i++ {
			if sorted[i-1]>>32 > sorted[i]>>32 {
				t.Fatalf("[spec %d] N=%d: expected keys to be non-decreasing; entry %d (%x) > entry %d (%x)", specIndex, n, i-1, sorted[i-1], i, sorted[i])
			}
		}

		exp := slices.Clone(data[:n])
		got := slices.Clone(sorted[:n])
		slices.Sort(exp)
		slices.Sort(got)
		if !slices.Equal(exp, got) {
			t.Fatalf("[spec %d] N=%d: expected sorted prefix to be a permutation of the input", specIndex, n)
		}

		if !slices.Equal(data[n:], sorted[n:]) {
			t.Fatalf("[spec %d] N=%d: expected entries past the list count to be untouched", specIndex, n)
		}

		dev.Close()
	}
}

func TestBitonic64DispatchCount(t *testing.T) {
	type spec struct {
		n        uint32
		expCount uint64
	}

	specs := []spec{
		// pre-sort only
		{2048, 1},
		// pre-sort + (1 outer + inner) for k=4096
		{4096, 3},
		// pre-sort + k=4096 (2) + k=8192 (3) + k=16384 (4)
		{10000, 10},
	}

	for specIndex, s := range specs {
		dev, _, sorter := createSorter(t, testCapacity)
		if err := sorter.SetListCount(s.n, nil); err != nil {
			t.Fatal(err)
		}
		if err := sorter.Sort(); err != nil {
			t.Fatal(err)
		}
		if got := dev.Stats().IndirectDispatches; got != s.expCount {
			t.Fatalf("[spec %d] expected %d indirect dispatches for N=%d; got %d", specIndex, s.expCount, s.n, got)
		}
		dev.Close()
	}
}

func TestBitonic64IndirectArgs(t *testing.T) {
	dev, _, sorter := createSorter(t, testCapacity)
	defer dev.Close()

	if err := sorter.SetListCount(10000, nil); err != nil {
		t.Fatal(err)
	}
	if err := sorter.Sort(); err != nil {
		t.Fatal(err)
	}

	dev.Barrier(sorter.dispatchArgs)
	args := make([]uint32, 3*10)
	if err := sorter.dispatchArgs.ReadData(0, 0, len(args)*4, args); err != nil {
		t.Fatal(err)
	}

	// Group counts for N=10000 (5 chunks of 2048).
	expX := []uint32{
		5,    // pre-sort
		4, 5, // k=4096: outer j=2048, inner
		4, 4, 5, // k=8192: j=4096, j=2048, inner
		2, 4, 4, 5, // k=16384: j=8192 (partial block only), j=4096, j=2048, inner
	}
	for i, exp := range expX {
		if got := args[i*3]; got != exp {
			t.Fatalf("[entry %d] expected group count %d; got %d", i, exp, got)
		}
	}
}

func TestBitonic64CapacityExceeded(t *testing.T) {
	dev, _, sorter := createSorter(t, 16)
	defer dev.Close()

	if err := sorter.SetListCount(17, nil); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded; got %v", err)
	}

	other := dev.Buffer("wrongStride")
	if err := other.AllocateStructured(4, 16, device.ReadWrite); err != nil {
		t.Fatal(err)
	}
	if err := sorter.SetListCount(4, other); !errors.Is(err, ErrInvalidList) {
		t.Fatalf("expected ErrInvalidList; got %v", err)
	}
}
