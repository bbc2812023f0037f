//go:build !linux

package shm

// Create is not implemented on this platform.
func Create(opts Options, _ func(data []byte) error) (*Segment, error) {
	return nil, &Error{Code: UnknownError, Op: "create", Key: opts.Key, Err: ErrPlatformUnsupported}
}

// Attach is not implemented on this platform.
func Attach(opts Options) (*Segment, error) {
	return nil, &Error{Code: UnknownError, Op: "attach", Key: opts.Key, Err: ErrPlatformUnsupported}
}

// Detach is not implemented on this platform.
func (s *Segment) Detach() error {
	return s.fail(&Error{Code: NotAttached, Op: "detach", Key: s.key, Err: ErrPlatformUnsupported})
}

// Lock is not implemented on this platform.
func (s *Segment) Lock() error {
	return s.fail(&Error{Code: NotAttached, Op: "lock", Key: s.key, Err: ErrPlatformUnsupported})
}

// Unlock is not implemented on this platform.
func (s *Segment) Unlock() error {
	return s.fail(&Error{Code: LockError, Op: "unlock", Key: s.key, Err: ErrPlatformUnsupported})
}
