package shm

import (
	"errors"

	internalshm "github.com/srediag/shmptr/internal/shm"
)

// ErrAlreadyLocked is returned by Relock while the Locker holds the lock.
var ErrAlreadyLocked = errors.New("locker already holds the lock")

type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// lockable is the type-erased view of a lineage a Locker needs.
type lockable interface {
	acquire() bool
	release()
	segment() *internalshm.Segment
	name() string
	pinned() bool
}

// Locker holds the segment lock of a pointer for the length of a scope:
//
//	lk := shm.NewLocker(p)
//	defer lk.Close()
//
// It keeps its own reference to the pointer's lineage, so the segment stays
// attached while the Locker lives even if the pointer is cleared. A Locker is
// not safe for concurrent use.
//
// On a lineage pinned by Pointer.Lock the Locker runs under the pinned lock
// and leaves it to Pointer.Unlock.
type Locker struct {
	_      noCopy
	lin    lockable
	held   bool
	nested bool
	err    error
}

// NewLocker acquires the segment lock of p. Check Held or Err for the
// outcome; Close must be called either way.
func NewLocker[T any](p *Pointer[T]) *Locker {
	if l := p.lin; l != nil {
		return newLocker(l)
	}
	return newLocker(nil)
}

func newLocker(l lockable) *Locker {
	lk := &Locker{}
	if l == nil || !l.acquire() {
		lk.err = &Error{Code: NotAttached, Op: "lock"}
		return lk
	}
	lk.lin = l
	lk.err = lk.Relock()
	return lk
}

// Held reports whether the Locker currently holds the lock.
func (lk *Locker) Held() bool { return lk.held }

// Err returns the error of the initial acquisition, nil on success.
func (lk *Locker) Err() error { return lk.err }

// Unlock releases the lock early. Unlocking a Locker that does not hold the
// lock is a no-op.
func (lk *Locker) Unlock() error {
	if !lk.held {
		return nil
	}
	lk.held = false
	if lk.nested {
		lk.nested = false
		return nil
	}
	return lk.lin.segment().Unlock()
}

// Relock re-acquires the lock after Unlock.
func (lk *Locker) Relock() error {
	if lk.lin == nil {
		return &Error{Code: NotAttached, Op: "lock"}
	}
	if lk.held {
		return ErrAlreadyLocked
	}
	seg := lk.lin.segment()
	if seg == nil {
		return &Error{Code: NotAttached, Op: "lock", Key: lk.lin.name()}
	}
	if lk.lin.pinned() {
		lk.held, lk.nested = true, true
		return nil
	}
	if err := seg.Lock(); err != nil {
		return err
	}
	lk.held = true
	return nil
}

// Close releases the lock if held and drops the Locker's lineage reference.
// Further calls do nothing.
func (lk *Locker) Close() error {
	err := lk.Unlock()
	if lk.lin != nil {
		lk.lin.release()
		lk.lin = nil
	}
	return err
}

// WithLock runs fn on the shared T with the segment lock held and releases
// the lock on every return path, including a panic in fn.
func WithLock[T any](p *Pointer[T], fn func(v *T) error) error {
	l := p.lin
	if l == nil {
		return &Error{Code: NotAttached, Op: "lock"}
	}
	lk := newLocker(l)
	defer lk.Close()
	if !lk.Held() {
		return lk.Err()
	}
	if l.payload == nil {
		return &Error{Code: NotAttached, Op: "lock", Key: l.key}
	}
	return fn(l.payload)
}
