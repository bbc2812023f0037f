package shm

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
)

// AttachWait attaches to key, retrying with b while the segment does not
// exist yet, or until ctx is done. Any other failure is returned at once.
// A nil b uses an exponential backoff.
//
// Attach itself never retries; use AttachWait when the creating process may
// start after this one.
func AttachWait[T any](ctx context.Context, key string, b backoff.BackOff, opts ...Option) (*Pointer[T], error) {
	if b == nil {
		b = backoff.NewExponentialBackOff()
	}
	o := buildOptions(opts)
	var p *Pointer[T]
	operation := func() error {
		var err error
		p, err = attach[T](ctx, key, o)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			internalLogger.debugf("attach %q: segment not there yet, retrying", key)
			return err
		}
		return backoff.Permanent(err)
	}
	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	if p == nil {
		p = &Pointer[T]{}
	}
	return p, err
}
