package shm

import (
	"fmt"

	internalshm "github.com/srediag/shmptr/internal/shm"
)

// ErrorCode classifies why a pointer is null or an operation failed.
type ErrorCode = internalshm.ErrorCode

// Error is the concrete error type behind every failure of this package.
type Error = internalshm.Error

const (
	NoError          = internalshm.NoError
	PermissionDenied = internalshm.PermissionDenied
	InvalidSize      = internalshm.InvalidSize
	KeyError         = internalshm.KeyError
	AlreadyExists    = internalshm.AlreadyExists
	NotFound         = internalshm.NotFound
	LockError        = internalshm.LockError
	OutOfResources   = internalshm.OutOfResources
	UnknownError     = internalshm.UnknownError
	LayoutMismatch   = internalshm.LayoutMismatch
	PayloadDestroyed = internalshm.PayloadDestroyed
	InvalidLayout    = internalshm.InvalidLayout
	NotAttached      = internalshm.NotAttached
)

// Sentinels for errors.Is. They match by code only.
var (
	ErrPermission       = internalshm.ErrPermission
	ErrInvalidSize      = internalshm.ErrInvalidSize
	ErrKey              = internalshm.ErrKey
	ErrAlreadyExists    = internalshm.ErrAlreadyExists
	ErrNotFound         = internalshm.ErrNotFound
	ErrLock             = internalshm.ErrLock
	ErrOutOfResources   = internalshm.ErrOutOfResources
	ErrUnknown          = internalshm.ErrUnknown
	ErrLayoutMismatch   = internalshm.ErrLayoutMismatch
	ErrPayloadDestroyed = internalshm.ErrPayloadDestroyed
	ErrInvalidLayout    = internalshm.ErrInvalidLayout
	ErrNotAttached      = internalshm.ErrNotAttached
	ErrNotLocked        = internalshm.ErrNotLocked
)

// CodeOf extracts the ErrorCode carried by err.
func CodeOf(err error) ErrorCode { return internalshm.CodeOf(err) }

// sizeMismatch is the cause carried by an InvalidSize override.
type sizeMismatch struct {
	actual   int
	required int
	// header is set when the segment records a payload of another size, as
	// opposed to providing too few bytes.
	header bool
}

func (e *sizeMismatch) Error() string {
	if e.header {
		return fmt.Sprintf("was able to attach to shared memory, but the attached memory holds a %d byte payload block, "+
			"whilst for the given datatype (+ metadata) %d bytes are required", e.actual, e.required)
	}
	return fmt.Sprintf("was able to attach to shared memory, but the attached memory only provides %d bytes, "+
		"whilst for the given datatype (+ metadata) %d bytes are required", e.actual, e.required)
}
