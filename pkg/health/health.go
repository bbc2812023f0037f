// Package health exposes liveness and readiness checks for shared pointers
// over HTTP, built on heptiolabs/healthcheck.
package health

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmptr/pkg/shm"
)

// DefaultTimeout bounds LockCheck when Register is given no timeout.
const DefaultTimeout = time.Second

// NewHandler returns a health handler serving /live and /ready. With a
// non-nil reg the check results are also exported as prometheus gauges
// under namespace.
func NewHandler(reg prometheus.Registerer, namespace string) healthcheck.Handler {
	if reg == nil {
		return healthcheck.NewHandler()
	}
	return healthcheck.NewMetricsHandler(reg, namespace)
}

// AttachedCheck fails once p is null.
func AttachedCheck[T any](p *shm.Pointer[T]) healthcheck.Check {
	return func() error {
		if p.IsValid() {
			return nil
		}
		if err := p.Err(); err != nil {
			return err
		}
		return errors.New("pointer is not attached")
	}
}

// LockCheck takes and releases the segment lock through a Locker. A lock
// held through p.Lock counts as healthy and is left alone. A process that
// died holding the lock cannot block it, but a live one can; wrap it in a
// timeout.
func LockCheck[T any](p *shm.Pointer[T]) healthcheck.Check {
	return func() error {
		lk := shm.NewLocker(p)
		if err := lk.Err(); err != nil {
			_ = lk.Close()
			return err
		}
		return lk.Close()
	}
}

// DiscoverableCheck fails when the segment file at path is gone, which means
// no new process can attach to it any more.
func DiscoverableCheck(path string) healthcheck.Check {
	return func() error {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("segment is not discoverable: %w", err)
		}
		return nil
	}
}

// Register adds the checks for p to h under name: attachment as liveness,
// lock and discoverability as readiness.
func Register[T any](h healthcheck.Handler, name string, p *shm.Pointer[T], timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	h.AddLivenessCheck(name+"-attached", AttachedCheck(p))
	h.AddReadinessCheck(name+"-lock", healthcheck.Timeout(LockCheck(p), timeout))
	h.AddReadinessCheck(name+"-discoverable", DiscoverableCheck(p.Path()))
}
