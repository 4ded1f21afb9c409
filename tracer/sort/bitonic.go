// Package sort implements an in-place GPU-style bitonic sort for lists of
// packed 64-bit (key, index) entries whose length is only known at run time.
package sort

import (
	"fmt"
	"strconv"

	"github.com/achilleasa/go-lightpath/log"
	"github.com/achilleasa/go-lightpath/tracer/device"
	"github.com/achilleasa/go-lightpath/types"
)

const (
	// Elements sorted by a single group in the pre-sort and inner passes.
	groupElements = 2048

	// Threads per group; each thread owns one compare-exchange pair.
	groupThreads = groupElements / 2

	// Maximum number of k-levels supported by the indirect arguments
	// buffer: 2048 << 21 == 2^32 elements.
	maxIterations = 22

	// Size of a (x, y, z) dispatch triplet in the indirect args buffer.
	indirectArgsStride = 12

	// A triangle of dispatches: level i owns i outer passes plus one
	// inner pass.
	indirectArgsEntries = maxIterations * (maxIterations + 1) / 2
)

var logger = log.New("sort")

// Bitonic64 sorts a buffer of uint64 entries in ascending order. The buffer
// capacity is fixed; the number of live entries may change every frame.
type Bitonic64 struct {
	device *device.Device

	keyIndexList *device.Buffer
	listCount    uint32

	dispatchArgs *device.Buffer

	argsKernel    *device.Kernel
	preSortKernel *device.Kernel
	outerKernel   *device.Kernel
	innerKernel   *device.Kernel
}

// NewBitonic64 creates a sorter bound to keyIndexList. The list must hold
// 8-byte elements.
func NewBitonic64(dev *device.Device, keyIndexList *device.Buffer, listCount uint32) (*Bitonic64, error) {
	if err := dev.LoadProgram(program, device.Defines{}); err != nil {
		return nil, err
	}

	s := &Bitonic64{device: dev}

	var err error
	if s.argsKernel, err = dev.Kernel(kernelIndirectArgs); err != nil {
		return nil, err
	}
	if s.preSortKernel, err = dev.Kernel(kernelPreSort); err != nil {
		return nil, err
	}
	if s.outerKernel, err = dev.Kernel(kernelOuterSort); err != nil {
		return nil, err
	}
	if s.innerKernel, err = dev.Kernel(kernelInnerSort); err != nil {
		return nil, err
	}

	s.dispatchArgs = dev.Buffer("bitonicDispatchArgs")
	if err = s.dispatchArgs.AllocateStructured(indirectArgsStride, indirectArgsEntries, device.IndirectArg|device.UnorderedAccess); err != nil {
		return nil, err
	}

	if err = s.SetListCount(listCount, keyIndexList); err != nil {
		s.Release()
		return nil, err
	}
	return s, nil
}

// SetListCount updates the number of live entries without reallocating
// anything. A non-nil keyIndexList rebinds the sorter to that buffer.
func (s *Bitonic64) SetListCount(listCount uint32, keyIndexList *device.Buffer) error {
	if keyIndexList != nil {
		if keyIndexList.ElementSize() != 8 {
			return fmt.Errorf("sort: key/index list %s has element size %d; expected 8: %w", keyIndexList.Name(), keyIndexList.ElementSize(), ErrInvalidList)
		}
		s.keyIndexList = keyIndexList
	}
	if s.keyIndexList == nil {
		return fmt.Errorf("sort: no key/index list bound: %w", ErrInvalidList)
	}
	if int(listCount) > s.keyIndexList.ElementCount() {
		return fmt.Errorf("sort: list count %d exceeds capacity %d of %s: %w", listCount, s.keyIndexList.ElementCount(), s.keyIndexList.Name(), ErrCapacityExceeded)
	}
	s.listCount = listCount
	return nil
}

// ListCount returns the number of live entries.
func (s *Bitonic64) ListCount() uint32 {
	return s.listCount
}

// Sort orders the first ListCount entries of the bound buffer.
func (s *Bitonic64) Sort() error {
	if s.listCount <= 1 {
		return nil
	}

	maxNumElements := types.NextPow2(s.listCount)
	alignedMaxNumElements := maxNumElements
	if alignedMaxNumElements < groupElements {
		alignedMaxNumElements = groupElements
	}
	maxIter := types.Log2Ceil(alignedMaxNumElements) - 10

	// Generate the indirect arguments of every pass.
	if err := s.argsKernel.SetArgs(s.dispatchArgs, s.listCount, maxIter); err != nil {
		return err
	}
	s.device.Barrier(s.dispatchArgs)
	if _, err := s.argsKernel.Exec1D(maxIterations); err != nil {
		return err
	}
	s.device.Barrier(s.dispatchArgs)

	// Sort within groups of 2048 elements.
	if err := s.preSortKernel.SetArgs(s.keyIndexList, s.listCount); err != nil {
		return err
	}
	s.device.Barrier(s.keyIndexList)
	if _, err := s.preSortKernel.ExecIndirect(s.dispatchArgs, 0); err != nil {
		return err
	}

	indirectArgsOffset := indirectArgsStride
	for k := uint32(groupElements * 2); k <= alignedMaxNumElements && k != 0; k <<= 1 {
		for j := k / 2; j >= groupElements; j /= 2 {
			if err := s.outerKernel.SetArgs(s.keyIndexList, s.listCount, k, j); err != nil {
				return err
			}
			s.device.Barrier(s.keyIndexList)
			if _, err := s.outerKernel.ExecIndirect(s.dispatchArgs, indirectArgsOffset); err != nil {
				return err
			}
			indirectArgsOffset += indirectArgsStride
		}

		if err := s.innerKernel.SetArgs(s.keyIndexList, s.listCount); err != nil {
			return err
		}
		s.device.Barrier(s.keyIndexList)
		if _, err := s.innerKernel.ExecIndirect(s.dispatchArgs, indirectArgsOffset); err != nil {
			return err
		}
		indirectArgsOffset += indirectArgsStride
	}

	logger.Debugf("sorted %d entries (%d levels)", s.listCount, maxIter)
	return nil
}

// Release frees the indirect arguments buffer. The key/index list is owned
// by the caller.
func (s *Bitonic64) Release() {
	if s.dispatchArgs != nil {
		s.dispatchArgs.Release()
	}
}

// String implements fmt.Stringer.
func (s *Bitonic64) String() string {
	return "bitonic64(" + strconv.Itoa(int(s.listCount)) + ")"
}
