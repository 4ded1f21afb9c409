package device

import "errors"

var (
	ErrMissingBarrier  = errors.New("device: resource accessed before a barrier")
	ErrBufferTooSmall  = errors.New("device: insufficient buffer space")
	ErrUnknownKernel   = errors.New("device: unknown kernel")
	ErrInvalidArgs     = errors.New("device: invalid kernel arguments")
	ErrCounterMissing  = errors.New("device: buffer has no counter")
	ErrSizeMismatch    = errors.New("device: resource size mismatch")
	ErrNotAllocated    = errors.New("device: resource not allocated")
	ErrKernelPanic     = errors.New("device: kernel panicked")
	ErrInvalidDispatch = errors.New("device: invalid dispatch arguments")
)
