// ABOUTME: Error values reported by the heap, and the fatal error type used for broken invariants
// ABOUTME: Caller mistakes come back as errors; corrupted heap state panics with a FatalError

package heap

import (
	"errors"
	"fmt"

	"github.com/prateek/oilpan/pagememory"
)

var (
	// ErrInvalidSize is returned for zero-sized or oversized allocations.
	ErrInvalidSize = errors.New("heap: invalid allocation size")
	// ErrNotManaged is returned when a type cannot live in managed memory.
	ErrNotManaged = errors.New("heap: type holds Go pointers and cannot be managed")
	// ErrInvalidKey is returned when a hash collection is handed a nil key.
	ErrInvalidKey = errors.New("heap: hash collection keys must be managed objects")

	ErrMapFailed            = pagememory.ErrMapFailed
	ErrProtectFailed        = pagememory.ErrProtectFailed
	ErrAdviseFailed         = pagememory.ErrAdviseFailed
	ErrGCInProgress         = errors.New("heap: garbage collection already in progress")
	ErrSweepInProgress      = errors.New("heap: sweep in progress")
	ErrAllocationNotAllowed = errors.New("heap: allocation not allowed")
	ErrLiveObjectAtTeardown = errors.New("heap: live object found while detaching thread")
	ErrWrongThread          = errors.New("heap: thread state used from another OS thread")
	ErrNotAttached          = errors.New("heap: thread is not attached")
	ErrSafePointNesting     = errors.New("heap: safepoint already entered")
	ErrCorruptHeader        = errors.New("heap: object header magic mismatch")
	ErrHeapShutdown         = errors.New("heap: heap has been shut down")
	ErrDisposed             = errors.New("heap: persistent handle already disposed")
)

// FatalError is the panic value for conditions the heap cannot continue from.
// One raised during a collection abandons it and resumes the other threads
// before it propagates. After a corrupt header the heap stays unusable.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("oilpan: fatal in %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func fatal(op string, err error) {
	panic(&FatalError{Op: op, Err: err})
}

func fatalf(op string, err error, format string, args ...any) {
	panic(&FatalError{Op: op, Err: fmt.Errorf("%w: "+format, append([]any{err}, args...)...)})
}
