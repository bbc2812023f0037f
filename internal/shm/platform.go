// Package shm contains the platform layer for named shared memory segments:
// create, attach, detach, size and a cross-process lock scoped to the
// segment's name.
package shm

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultDir is where segments live unless SHMPTR_DIR or Options.Dir say otherwise.
const DefaultDir = "/dev/shm"

const (
	platformMagic   = uint32(0x53454731) // "SEG1"
	platformVersion = uint32(1)

	// PlatformHeaderSize is reserved in front of every segment for the
	// attach count. User data starts right after it, 64-byte aligned.
	PlatformHeaderSize = 64

	maxKeyLen = 255
)

// platformHeader is the segment prefix shared by every attached process.
// attached is only read or written while the segment lock is held.
type platformHeader struct {
	magic    uint32
	version  uint32
	attached uint32
	creator  uint32
	size     uint64
	_        [40]byte
}

// Options describe the segment to create or attach.
type Options struct {
	Key  string
	Size int
	Dir  string
	Perm os.FileMode
}

// dir returns the configured directory, falling back to SHMPTR_DIR and DefaultDir.
func (o Options) dir() string {
	if o.Dir != "" {
		return o.Dir
	}
	if d := os.Getenv("SHMPTR_DIR"); d != "" {
		return d
	}
	return DefaultDir
}

// Path returns the backing file the segment for o lives in.
func (o Options) Path() string {
	return filepath.Join(o.dir(), o.Key)
}

func (o Options) perm() os.FileMode {
	if o.Perm == 0 {
		return 0600
	}
	return o.Perm
}

// ErrorCode classifies segment and pointer failures.
type ErrorCode int

const (
	NoError ErrorCode = iota
	PermissionDenied
	InvalidSize
	KeyError
	AlreadyExists
	NotFound
	LockError
	OutOfResources
	UnknownError
	// LayoutMismatch: the segment exists but its header is not the one this
	// binary writes.
	LayoutMismatch
	// PayloadDestroyed: the shared payload was already destructed.
	PayloadDestroyed
	// InvalidLayout: the payload type cannot be placed in shared memory.
	InvalidLayout
	// NotAttached: the operation needs an attached segment.
	NotAttached
)

var codeNames = [...]string{
	NoError:          "no error",
	PermissionDenied: "permission denied",
	InvalidSize:      "invalid size",
	KeyError:         "invalid key",
	AlreadyExists:    "already exists",
	NotFound:         "not found",
	LockError:        "lock error",
	OutOfResources:   "out of resources",
	UnknownError:     "unknown error",
	LayoutMismatch:   "layout mismatch",
	PayloadDestroyed: "payload destroyed",
	InvalidLayout:    "invalid payload layout",
	NotAttached:      "not attached",
}

func (c ErrorCode) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return "error code " + strconv.Itoa(int(c))
}

// Error is returned by every failing segment operation.
type Error struct {
	Code ErrorCode
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("shm")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Key != "" {
		b.WriteString(" ")
		b.WriteString(strconv.Quote(e.Key))
	}
	b.WriteString(": ")
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(e.Code.String())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by code, so errors.Is(err, ErrNotFound) holds
// for any not-found failure regardless of op and key.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Key == "" && t.Err == nil && t.Code == e.Code
}

var (
	ErrPermission       = &Error{Code: PermissionDenied}
	ErrInvalidSize      = &Error{Code: InvalidSize}
	ErrKey              = &Error{Code: KeyError}
	ErrAlreadyExists    = &Error{Code: AlreadyExists}
	ErrNotFound         = &Error{Code: NotFound}
	ErrLock             = &Error{Code: LockError}
	ErrOutOfResources   = &Error{Code: OutOfResources}
	ErrUnknown          = &Error{Code: UnknownError}
	ErrLayoutMismatch   = &Error{Code: LayoutMismatch}
	ErrPayloadDestroyed = &Error{Code: PayloadDestroyed}
	ErrInvalidLayout    = &Error{Code: InvalidLayout}
	ErrNotAttached      = &Error{Code: NotAttached}

	// ErrNotLocked is wrapped when Unlock is called without holding the lock.
	ErrNotLocked = errors.New("lock is not held")
	// ErrPlatformUnsupported is wrapped on platforms without a segment implementation.
	ErrPlatformUnsupported = errors.New("shared memory segments are not supported on this platform")
)

// CodeOf extracts the ErrorCode carried by err, or UnknownError.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return NoError
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return UnknownError
}

func validateKey(key string) error {
	switch {
	case key == "":
		return errors.New("empty key")
	case len(key) > maxKeyLen:
		return errors.New("key longer than 255 bytes")
	case strings.ContainsAny(key, "/\x00"):
		return errors.New("key contains '/' or NUL")
	case key == "." || key == "..":
		return errors.New("key is a reserved path element")
	}
	return nil
}
