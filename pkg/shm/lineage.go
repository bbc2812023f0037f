package shm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	internalshm "github.com/srediag/shmptr/internal/shm"
)

// lineage is the process-local state shared by every copy of a pointer
// derived from one Create, Attach or Clone call. It is torn down exactly
// once, when its last local reference is released.
type lineage[T any] struct {
	key  string
	opts Options
	tel  *telemetry
	lay  layout

	seg     *internalshm.Segment
	payload *T
	header  *blockHeader
	// err overrides the segment's own last error, e.g. a size mismatch
	// found after the segment itself attached fine.
	err     *Error
	tracked bool

	mu      sync.Mutex
	refs    int
	isOwner bool

	// pin is set while the segment lock is held through Pointer.Lock.
	pin atomic.Bool
}

// lockSegment takes the segment lock during teardown.
var lockSegment = (*internalshm.Segment).Lock

func newLineage[T any](key string, o Options) *lineage[T] {
	return &lineage[T]{
		key:  key,
		opts: o,
		tel:  newTelemetry(o),
		lay:  layoutOf[T](o.Policy),
		refs: 1,
	}
}

func (l *lineage[T]) segmentOptions() internalshm.Options {
	return internalshm.Options{
		Key:  l.key,
		Size: int(l.lay.required),
		Dir:  l.opts.Dir,
		Perm: l.opts.Perm,
	}
}

func (l *lineage[T]) failed(err error) error {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Code: UnknownError, Key: l.key, Err: err}
	}
	l.err = e
	return e
}

// create makes the segment and constructs the payload in it while attachers
// are still held off by the creation lock.
func (l *lineage[T]) create(init func(*T)) (uint64, error) {
	if err := checkShareable[T](); err != nil {
		return 0, l.failed(err)
	}
	seg, err := internalshm.Create(l.segmentOptions(), func(data []byte) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("payload initialiser panicked: %v", r)
			}
		}()
		base := unsafe.Pointer(unsafe.SliceData(data))
		if init != nil {
			init((*T)(unsafe.Add(base, l.lay.offset)))
		}
		if l.opts.Policy == RefCountedSharing {
			h := (*blockHeader)(base)
			h.magic = blockMagic
			h.version = blockVersion
			h.payloadSize = uint64(l.lay.payload)
			h.owned = 1
			h.count = 1
			h.state = stateLive
		}
		return nil
	})
	if err != nil {
		return 0, l.failed(err)
	}
	l.seg = seg
	l.payload = (*T)(seg.At(l.lay.offset))
	l.isOwner = true
	if l.opts.Policy == RefCountedSharing {
		l.header = (*blockHeader)(seg.At(0))
		return 1, nil
	}
	return 0, nil
}

// attach maps an existing segment, validates it against T and, for
// RefCountedSharing, registers this lineage in the shared count.
func (l *lineage[T]) attach() (uint64, error) {
	if err := checkShareable[T](); err != nil {
		return 0, l.failed(err)
	}
	seg, err := internalshm.Attach(l.segmentOptions())
	if err != nil {
		return 0, l.failed(err)
	}
	actual := min(seg.UserSize(), seg.Size())
	if actual < int(l.lay.required) {
		cause := &sizeMismatch{actual: actual, required: int(l.lay.required)}
		l.discard(seg)
		return 0, l.failed(&Error{Code: InvalidSize, Op: "attach", Key: l.key, Err: cause})
	}
	if l.opts.Policy == SingleOwnerSharing {
		// Without a block header the recorded size is the only record of the
		// creator's type.
		if actual != int(l.lay.required) {
			cause := &sizeMismatch{actual: actual, required: int(l.lay.required), header: true}
			l.discard(seg)
			return 0, l.failed(&Error{Code: InvalidSize, Op: "attach", Key: l.key, Err: cause})
		}
		l.seg = seg
		l.payload = (*T)(seg.At(l.lay.offset))
		return 0, nil
	}

	if err := seg.Lock(); err != nil {
		l.discard(seg)
		return 0, l.failed(err)
	}
	h := (*blockHeader)(seg.At(0))
	var count uint64
	switch {
	case h.magic != blockMagic || h.version != blockVersion:
		err = &Error{Code: LayoutMismatch, Op: "attach", Key: l.key,
			Err: fmt.Errorf("unexpected block header %#x/%d, was the segment created with another policy?", h.magic, h.version)}
	case h.payloadSize != uint64(l.lay.payload):
		err = &Error{Code: InvalidSize, Op: "attach", Key: l.key, Err: &sizeMismatch{
			actual:   int(blockHeaderSize + h.payloadSize),
			required: int(l.lay.required),
			header:   true,
		}}
	case h.state != stateLive:
		err = &Error{Code: PayloadDestroyed, Op: "attach", Key: l.key}
	default:
		h.count++
		count = h.count
	}
	if uerr := seg.Unlock(); uerr != nil {
		internalLogger.warnf("attach %q: unlock: %v", l.key, uerr)
	}
	if err != nil {
		l.discard(seg)
		return 0, l.failed(err)
	}
	l.seg = seg
	l.header = h
	l.payload = (*T)(seg.At(l.lay.offset))
	return count, nil
}

func (l *lineage[T]) discard(seg *internalshm.Segment) {
	if err := seg.Detach(); err != nil {
		internalLogger.warnf("detach %q after failed attach: %v", l.key, err)
	}
}

// acquire adds a local reference. It fails once the lineage is torn down.
func (l *lineage[T]) acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs == 0 {
		return false
	}
	l.refs++
	return true
}

// release drops a local reference and tears down on the last one.
func (l *lineage[T]) release() {
	l.mu.Lock()
	l.refs--
	last := l.refs == 0
	l.mu.Unlock()
	if last {
		l.teardown()
	}
}

func (l *lineage[T]) owner() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isOwner
}

// teardown decides under the segment lock whether this lineage destructs the
// payload, then always detaches. A failing lock does not stop it.
func (l *lineage[T]) teardown() {
	if l.tracked {
		untrack(l.key)
	}
	seg := l.seg
	if seg == nil {
		return
	}
	ctx, span := l.tel.start(context.Background(), "teardown", l.key, l.opts.Policy)

	var (
		destroyed bool
		count     uint64
	)
	if seg.IsAttached() && l.payload != nil {
		// Only a lock left by Pointer.Lock can still be held: no Locker
		// outlives the last reference.
		locked := seg.IsLocked()
		if !locked {
			if err := lockSegment(seg); err != nil {
				internalLogger.warnf("teardown %q: continuing without the segment lock: %v", l.key, err)
				l.opts.emit(Event{Op: EventTeardownNoLock, Key: l.key, Owner: l.isOwner, Err: err})
			} else {
				locked = true
			}
		}
		destroyed, count = l.settle()
		if locked {
			l.pin.Store(false)
			if err := seg.Unlock(); err != nil {
				internalLogger.warnf("teardown %q: unlock: %v", l.key, err)
			}
		}
	}
	if destroyed {
		l.tel.destroyed(ctx, l.key)
		l.opts.emit(Event{Op: EventDestroyed, Key: l.key, Owner: l.isOwner, Count: count})
		internalLogger.debugf("teardown %q: payload destroyed (owner=%v count=%d)", l.key, l.isOwner, count)
	}

	var err error
	if seg.IsAttached() {
		if err = seg.Detach(); err != nil {
			internalLogger.warnf("teardown %q: %v", l.key, err)
		}
	}
	l.opts.emit(Event{Op: EventDetached, Key: l.key, Owner: l.isOwner, Count: count, Err: err})
	l.payload = nil
	l.header = nil
	l.tel.finish(ctx, span, "teardown", err)
}

// settle applies the destruction policy. Must run with the segment lock held
// or, when the lock failed, best effort without it.
func (l *lineage[T]) settle() (destroyed bool, count uint64) {
	if l.opts.Policy == SingleOwnerSharing {
		if !l.isOwner {
			return false, 0
		}
		l.destroyPayload()
		return true, 0
	}

	h := l.header
	if !l.isOwner && h.count > 0 {
		h.count--
	}
	count = h.count
	if !l.isOwner && count > 0 {
		return false, count
	}
	if h.state != stateLive {
		return false, count
	}
	l.destroyPayload()
	h.state = stateDestroyed
	return true, count
}

func (l *lineage[T]) destroyPayload() {
	defer func() {
		if r := recover(); r != nil {
			internalLogger.errorf("destroy %q: payload destructor panicked: %v", l.key, r)
		}
	}()
	destroy(l.payload)
}

// dropOwnership clears the shared owned flag and the local owner flag.
func (l *lineage[T]) dropOwnership() {
	if l.payload == nil || l.opts.Policy != RefCountedSharing || !l.owner() {
		return
	}
	var (
		wasOwner bool
		count    uint64
	)
	err := l.withSegmentLock(func() {
		l.mu.Lock()
		wasOwner = l.isOwner
		if wasOwner {
			l.header.owned = 0
			l.isOwner = false
		}
		l.mu.Unlock()
		count = l.header.count
	})
	if err != nil {
		internalLogger.warnf("drop ownership %q: %v", l.key, err)
	}
	if wasOwner {
		l.opts.emit(Event{Op: EventOwnershipDrop, Key: l.key, Count: count})
	}
}

// sharedCount reads the shared count under the segment lock.
func (l *lineage[T]) sharedCount() (uint64, error) {
	if l.payload == nil {
		return 0, &Error{Code: NotAttached, Op: "count", Key: l.key}
	}
	if l.opts.Policy != RefCountedSharing {
		return 0, &Error{Code: UnknownError, Op: "count", Key: l.key,
			Err: errors.New("single-owner segments keep no shared count")}
	}
	var count uint64
	err := l.withSegmentLock(func() { count = l.header.count })
	return count, err
}

// withSegmentLock runs fn with the segment lock held. A lock pinned by
// Pointer.Lock is used as is and stays held.
func (l *lineage[T]) withSegmentLock(fn func()) error {
	if l.pin.Load() {
		fn()
		return nil
	}
	if err := l.seg.Lock(); err != nil {
		return err
	}
	fn()
	return l.seg.Unlock()
}

// lock takes the segment lock for Pointer.Lock and pins it to the lineage.
func (l *lineage[T]) lock() error {
	if l.pin.Load() {
		return l.seg.Fail(&Error{Code: LockError, Op: "lock", Key: l.key, Err: ErrAlreadyLocked})
	}
	if err := l.seg.Lock(); err != nil {
		return err
	}
	l.pin.Store(true)
	return nil
}

func (l *lineage[T]) unlock() error {
	if !l.pin.CompareAndSwap(true, false) {
		return l.seg.Fail(&Error{Code: LockError, Op: "unlock", Key: l.key, Err: ErrNotLocked})
	}
	return l.seg.Unlock()
}

func (l *lineage[T]) pinned() bool { return l.pin.Load() }

func (l *lineage[T]) segment() *internalshm.Segment { return l.seg }

func (l *lineage[T]) name() string { return l.key }
