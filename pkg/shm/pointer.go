package shm

import (
	"context"

	internalshm "github.com/srediag/shmptr/internal/shm"
)

// Pointer is a process-local handle to a value of type T that lives in a
// named shared memory segment and is shared with every other process that
// attaches to the same key.
//
// A *Pointer holds one local reference to its lineage. Copy hands out more
// references to the same lineage; Clone opens an independent lineage on the
// same segment. When the last local reference of a lineage is released
// (Clear or Close), the lineage decides under the segment lock whether to
// destruct the payload, then detaches.
//
// The zero value is a null pointer. A *Pointer is not safe for concurrent
// use once Clear or Swap may run on it; share a lineage across goroutines by
// giving each its own Copy.
type Pointer[T any] struct {
	lin *lineage[T]
}

// Create creates the segment key, places a copy of value in it and returns
// the owning pointer. On failure the returned pointer is null, never nil,
// and carries the error as ErrCode/ErrString as well.
func Create[T any](ctx context.Context, key string, value T, opts ...Option) (*Pointer[T], error) {
	return CreateWith(ctx, key, func(p *T) { *p = value }, opts...)
}

// CreateWith is Create with in-place construction: init runs on the zeroed
// shared T before any other process can attach.
func CreateWith[T any](ctx context.Context, key string, init func(*T), opts ...Option) (*Pointer[T], error) {
	o := buildOptions(opts)
	l := newLineage[T](key, o)
	ctx, span := l.tel.start(ctx, "create", key, o.Policy)
	count, err := l.create(init)
	l.tel.finish(ctx, span, "create", err)
	return l.publish(EventCreated, count, err)
}

// Attach opens the existing segment key. It fails with NotFound when there is
// none, and with InvalidSize when the segment cannot hold T (plus metadata).
func Attach[T any](ctx context.Context, key string, opts ...Option) (*Pointer[T], error) {
	return attach[T](ctx, key, buildOptions(opts))
}

func attach[T any](ctx context.Context, key string, o Options) (*Pointer[T], error) {
	l := newLineage[T](key, o)
	ctx, span := l.tel.start(ctx, "attach", key, o.Policy)
	count, err := l.attach()
	l.tel.finish(ctx, span, "attach", err)
	return l.publish(EventAttached, count, err)
}

func (l *lineage[T]) publish(op EventOp, count uint64, err error) (*Pointer[T], error) {
	p := &Pointer[T]{lin: l}
	if err != nil {
		internalLogger.debugf("%s %q failed: %v", op, l.key, err)
		l.opts.emit(Event{Op: EventFailed, Key: l.key, Err: err})
		return p, err
	}
	l.tracked = true
	track(l.key)
	internalLogger.infof("%s %q (policy=%s owner=%v count=%d)", op, l.key, l.opts.Policy, l.isOwner, count)
	l.opts.emit(Event{Op: op, Key: l.key, Owner: l.isOwner, Count: count})
	return p, nil
}

// Clone attaches a new, independent lineage to the segment p points to,
// using the options p was made with. A null p yields a null pointer.
func (p *Pointer[T]) Clone(ctx context.Context) (*Pointer[T], error) {
	l := p.lin
	if l == nil || l.payload == nil {
		o := Options{}
		key := ""
		if l != nil {
			o, key = l.opts, l.key
		}
		nl := newLineage[T](key, o)
		return nl.publish(EventAttached, 0, nl.failed(&Error{Code: NotAttached, Op: "clone", Key: key}))
	}
	return attach[T](ctx, l.key, l.opts)
}

// Copy returns another pointer sharing p's lineage. The lineage stays
// attached until both are cleared.
func (p *Pointer[T]) Copy() *Pointer[T] {
	c := &Pointer[T]{}
	if p.lin != nil && p.lin.acquire() {
		c.lin = p.lin
	}
	return c
}

// Swap exchanges the lineages of p and other. Neither may be in use by
// another goroutine.
func (p *Pointer[T]) Swap(other *Pointer[T]) {
	p.lin, other.lin = other.lin, p.lin
}

// IsValid reports whether p references a live payload. It says nothing about
// other processes removing the segment name.
func (p *Pointer[T]) IsValid() bool {
	l := p.lin
	return l != nil && l.payload != nil
}

// IsNull is !IsValid.
func (p *Pointer[T]) IsNull() bool { return !p.IsValid() }

// IsOwner reports whether p's lineage was made by Create and has not dropped
// ownership.
func (p *Pointer[T]) IsOwner() bool {
	l := p.lin
	return l != nil && l.owner()
}

// Data returns the shared T, or nil for a null pointer. Access is not
// locked; wrap multi-field updates in a Locker or WithLock.
func (p *Pointer[T]) Data() *T {
	if l := p.lin; l != nil {
		return l.payload
	}
	return nil
}

// Load returns a copy of the shared T, the zero T for a null pointer.
func (p *Pointer[T]) Load() T {
	if d := p.Data(); d != nil {
		return *d
	}
	var zero T
	return zero
}

// DropOwnership turns the owning lineage into a plain reference, so the
// payload is destructed by whichever lineage brings the shared count to zero.
// No-op for non-owners, null pointers and SingleOwnerSharing.
func (p *Pointer[T]) DropOwnership() {
	if l := p.lin; l != nil {
		l.dropOwnership()
	}
}

// Clear releases p's reference; p becomes null. Releasing the last reference
// of a lineage tears it down. Clearing a null pointer does nothing.
func (p *Pointer[T]) Clear() {
	if l := p.lin; l != nil {
		p.lin = nil
		l.release()
	}
}

// Close is Clear for use with defer and io.Closer.
func (p *Pointer[T]) Close() error {
	p.Clear()
	return nil
}

// Lock blocks until p's lineage holds the segment lock and pins it there
// until Unlock. While pinned, Clear, DropOwnership, SharedCount and Lockers on
// the lineage run under the pinned lock instead of waiting for it. Locking a
// pinned lineage again fails with ErrAlreadyLocked; goroutines sharing a
// lineage should exclude each other with Lockers.
func (p *Pointer[T]) Lock() error {
	if _, err := p.segment("lock"); err != nil {
		return err
	}
	if err := p.lin.lock(); err != nil {
		return err
	}
	internalLogger.lockTracef("lock %q", p.lin.key)
	return nil
}

// Unlock releases the segment lock taken by Lock.
func (p *Pointer[T]) Unlock() error {
	if _, err := p.segment("unlock"); err != nil {
		return err
	}
	internalLogger.lockTracef("unlock %q", p.lin.key)
	return p.lin.unlock()
}

func (p *Pointer[T]) segment(op string) (*internalshm.Segment, error) {
	l := p.lin
	if l == nil || l.seg == nil {
		key := ""
		if l != nil {
			key = l.key
		}
		return nil, &Error{Code: NotAttached, Op: op, Key: key}
	}
	return l.seg, nil
}

// SharedCount returns the number of lineages, across all processes, that
// reference the payload. Only RefCountedSharing keeps one.
func (p *Pointer[T]) SharedCount() (uint64, error) {
	l := p.lin
	if l == nil {
		return 0, &Error{Code: NotAttached, Op: "count"}
	}
	return l.sharedCount()
}

// Err returns the reason p is null or the last segment error, nil if none.
func (p *Pointer[T]) Err() error {
	l := p.lin
	if l == nil {
		return nil
	}
	if l.err != nil {
		return l.err
	}
	if l.seg != nil {
		if e := l.seg.LastError(); e != nil {
			return e
		}
	}
	return nil
}

// ErrCode returns the code of Err, NoError if there is none.
func (p *Pointer[T]) ErrCode() ErrorCode {
	return CodeOf(p.Err())
}

// ErrString returns a human readable form of Err, "" if there is none.
func (p *Pointer[T]) ErrString() string {
	if err := p.Err(); err != nil {
		return err.Error()
	}
	return ""
}

// Key returns the name the pointer was created or attached with.
func (p *Pointer[T]) Key() string {
	if l := p.lin; l != nil {
		return l.key
	}
	return ""
}

// Policy returns the sharing policy of p's lineage.
func (p *Pointer[T]) Policy() Policy {
	if l := p.lin; l != nil {
		return l.opts.Policy
	}
	return RefCountedSharing
}

// Path returns the file backing the segment, whether or not it exists.
func (p *Pointer[T]) Path() string {
	l := p.lin
	if l == nil {
		return ""
	}
	return l.segmentOptions().Path()
}
