package shm

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// Segment is one process-local attachment to a named shared memory segment.
//
// Each Segment owns its own file descriptor, so two Segments for the same key
// in one process exclude each other through Lock exactly like two processes
// do. Goroutines sharing one Segment are serialised by an in-process mutex
// held for as long as the segment lock is.
type Segment struct {
	key  string
	path string
	fd   int
	mem  []byte
	hdr  *platformHeader

	attached atomic.Bool
	held     atomic.Bool
	mu       sync.Mutex

	errMu   sync.Mutex
	lastErr *Error
}

// Key returns the name the segment was created or attached with.
func (s *Segment) Key() string { return s.key }

// Path returns the backing file of the segment.
func (s *Segment) Path() string { return s.path }

// IsAttached reports whether the segment is still mapped in this process.
func (s *Segment) IsAttached() bool { return s.attached.Load() }

// IsLocked reports whether this Segment currently holds the segment lock.
func (s *Segment) IsLocked() bool { return s.held.Load() }

// Size returns the number of user bytes, excluding the platform header.
func (s *Segment) Size() int {
	if len(s.mem) < PlatformHeaderSize {
		return 0
	}
	return len(s.mem) - PlatformHeaderSize
}

// Data returns the user bytes of the mapping, or nil once detached.
func (s *Segment) Data() []byte {
	if !s.IsAttached() {
		return nil
	}
	return s.mem[PlatformHeaderSize:]
}

// UserSize returns the user size the creator asked for, as recorded in the
// platform header. It can be smaller than Size when the creator asked for
// zero bytes.
func (s *Segment) UserSize() int {
	if !s.IsAttached() || s.hdr == nil {
		return 0
	}
	return int(s.hdr.size)
}

// At returns the address off bytes into the user area. Callers must make sure
// the object placed there fits in Size().
func (s *Segment) At(off uintptr) unsafe.Pointer {
	if !s.IsAttached() || len(s.mem) == 0 {
		return nil
	}
	return unsafe.Add(unsafe.Pointer(unsafe.SliceData(s.mem)), PlatformHeaderSize+off)
}

// Attachments returns the number of attachments recorded in the platform
// header. Only meaningful while the lock is held.
func (s *Segment) Attachments() uint32 {
	if !s.IsAttached() {
		return 0
	}
	return s.hdr.attached
}

// LastError returns the most recent error of an operation on this segment.
func (s *Segment) LastError() *Error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

// Fail records e as the last error of the segment and returns it.
func (s *Segment) Fail(e *Error) *Error { return s.fail(e) }

func (s *Segment) fail(e *Error) *Error {
	s.errMu.Lock()
	s.lastErr = e
	s.errMu.Unlock()
	return e
}
