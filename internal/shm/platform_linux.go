//go:build linux

package shm

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Create creates a new named segment with opts.Size user bytes and maps it.
// It fails with AlreadyExists when the name is taken. init, when not nil,
// runs on the zeroed user bytes before any other process can attach.
func Create(opts Options, init func(data []byte) error) (*Segment, error) {
	if err := validateKey(opts.Key); err != nil {
		return nil, &Error{Code: KeyError, Op: "create", Key: opts.Key, Err: err}
	}
	if opts.Size < 0 {
		return nil, &Error{Code: InvalidSize, Op: "create", Key: opts.Key, Err: fmt.Errorf("negative size %d", opts.Size)}
	}
	user := opts.Size
	if user == 0 {
		user = 1
	}
	total := PlatformHeaderSize + user

	dir := opts.dir()
	path := opts.Path()
	if !canCreate(dir, uint64(total)) {
		return nil, &Error{Code: OutOfResources, Op: "create", Key: opts.Key,
			Err: fmt.Errorf("%s has less than %d bytes left", dir, total)}
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, uint32(opts.perm()))
	if err != nil {
		return nil, osError("create", opts.Key, fmt.Errorf("open: %w", err))
	}
	// Attachers block on the lock until the segment is initialised.
	if err := flock(fd, unix.LOCK_EX); err != nil {
		discard(fd, path)
		return nil, &Error{Code: LockError, Op: "create", Key: opts.Key, Err: fmt.Errorf("flock: %w", err)}
	}
	if err := unix.Ftruncate(fd, int64(total)); err != nil {
		discard(fd, path)
		return nil, osError("create", opts.Key, fmt.Errorf("ftruncate: %w", err))
	}
	mem, err := unix.Mmap(fd, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		discard(fd, path)
		return nil, osError("create", opts.Key, fmt.Errorf("mmap: %w", err))
	}

	seg := &Segment{key: opts.Key, path: path, fd: fd, mem: mem}
	seg.hdr = (*platformHeader)(unsafe.Pointer(&mem[0]))
	seg.hdr.magic = platformMagic
	seg.hdr.version = platformVersion
	seg.hdr.attached = 1
	seg.hdr.creator = uint32(os.Getpid())
	seg.hdr.size = uint64(opts.Size)
	seg.attached.Store(true)

	if init != nil {
		if err := init(mem[PlatformHeaderSize:]); err != nil {
			_ = unix.Munmap(mem)
			discard(fd, path)
			return nil, &Error{Code: UnknownError, Op: "create", Key: opts.Key, Err: fmt.Errorf("init: %w", err)}
		}
	}
	_ = flock(fd, unix.LOCK_UN)
	return seg, nil
}

// Attach maps an existing named segment and records the attachment.
func Attach(opts Options) (*Segment, error) {
	if err := validateKey(opts.Key); err != nil {
		return nil, &Error{Code: KeyError, Op: "attach", Key: opts.Key, Err: err}
	}
	path := opts.Path()
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, osError("attach", opts.Key, fmt.Errorf("open: %w", err))
	}
	if err := flock(fd, unix.LOCK_EX); err != nil {
		_ = unix.Close(fd)
		return nil, &Error{Code: LockError, Op: "attach", Key: opts.Key, Err: fmt.Errorf("flock: %w", err)}
	}
	unlockClose := func() {
		_ = flock(fd, unix.LOCK_UN)
		_ = unix.Close(fd)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unlockClose()
		return nil, osError("attach", opts.Key, fmt.Errorf("fstat: %w", err))
	}
	switch {
	case st.Size == 0:
		// Creator died between open and ftruncate, or has not got there yet.
		unlockClose()
		return nil, &Error{Code: NotFound, Op: "attach", Key: opts.Key, Err: errors.New("segment is not initialised")}
	case st.Size < PlatformHeaderSize:
		unlockClose()
		return nil, &Error{Code: InvalidSize, Op: "attach", Key: opts.Key,
			Err: fmt.Errorf("segment holds %d bytes, the platform header alone needs %d", st.Size, PlatformHeaderSize)}
	}

	mem, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unlockClose()
		return nil, osError("attach", opts.Key, fmt.Errorf("mmap: %w", err))
	}
	hdr := (*platformHeader)(unsafe.Pointer(&mem[0]))
	if hdr.magic != platformMagic || hdr.version != platformVersion {
		_ = unix.Munmap(mem)
		unlockClose()
		return nil, &Error{Code: LayoutMismatch, Op: "attach", Key: opts.Key,
			Err: fmt.Errorf("unexpected segment header %#x/%d", hdr.magic, hdr.version)}
	}
	if hdr.attached == 0 {
		// Last detacher is unlinking it.
		_ = unix.Munmap(mem)
		unlockClose()
		return nil, &Error{Code: NotFound, Op: "attach", Key: opts.Key, Err: errors.New("segment is being removed")}
	}
	hdr.attached++
	_ = flock(fd, unix.LOCK_UN)

	seg := &Segment{key: opts.Key, path: path, fd: fd, mem: mem, hdr: hdr}
	seg.attached.Store(true)
	return seg, nil
}

// Detach records the detachment, removes the name once nobody is attached
// anymore and unmaps the segment. The lock is taken best effort.
func (s *Segment) Detach() error {
	if !s.attached.CompareAndSwap(true, false) {
		return s.fail(&Error{Code: NotAttached, Op: "detach", Key: s.key})
	}
	locked := flock(s.fd, unix.LOCK_EX) == nil
	if s.hdr.attached > 0 {
		s.hdr.attached--
	}
	if s.hdr.attached == 0 && s.sameFile() {
		_ = unix.Unlink(s.path)
	}
	if locked {
		_ = flock(s.fd, unix.LOCK_UN)
	}

	var errs []error
	if err := unix.Munmap(s.mem); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}
	if err := unix.Close(s.fd); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	s.mem = nil
	s.hdr = nil
	if err := errors.Join(errs...); err != nil {
		return s.fail(&Error{Code: UnknownError, Op: "detach", Key: s.key, Err: err})
	}
	return nil
}

// Lock blocks until this Segment holds the segment lock.
func (s *Segment) Lock() error {
	if !s.IsAttached() {
		return s.fail(&Error{Code: NotAttached, Op: "lock", Key: s.key})
	}
	s.mu.Lock()
	if err := flock(s.fd, unix.LOCK_EX); err != nil {
		s.mu.Unlock()
		return s.fail(&Error{Code: LockError, Op: "lock", Key: s.key, Err: fmt.Errorf("flock: %w", err)})
	}
	s.held.Store(true)
	return nil
}

// Unlock releases the segment lock. It fails without side effects when the
// lock is not held by this Segment.
func (s *Segment) Unlock() error {
	if !s.held.CompareAndSwap(true, false) {
		return s.fail(&Error{Code: LockError, Op: "unlock", Key: s.key, Err: ErrNotLocked})
	}
	err := flock(s.fd, unix.LOCK_UN)
	s.mu.Unlock()
	if err != nil {
		return s.fail(&Error{Code: LockError, Op: "unlock", Key: s.key, Err: fmt.Errorf("flock: %w", err)})
	}
	return nil
}

// sameFile reports whether the name still refers to the mapped inode.
func (s *Segment) sameFile() bool {
	var a, b unix.Stat_t
	if unix.Fstat(s.fd, &a) != nil || unix.Stat(s.path, &b) != nil {
		return false
	}
	return a.Dev == b.Dev && a.Ino == b.Ino
}

func flock(fd, how int) error {
	for {
		err := unix.Flock(fd, how)
		if err != unix.EINTR {
			return err
		}
	}
}

func discard(fd int, path string) {
	_ = unix.Close(fd)
	_ = unix.Unlink(path)
}

func osError(op, key string, err error) *Error {
	return &Error{Code: classify(err), Op: op, Key: key, Err: err}
}
