// Package shm shares one live value between unrelated processes through a
// named shared memory segment, with smart-pointer lifetime semantics.
//
// One process creates the value; others attach to it by key:
//
//	type Counter struct{ Hits int64 }
//
//	owner, err := shm.Create(ctx, "hits", Counter{})
//	// ...
//	peer, err := shm.Attach[Counter](ctx, "hits")
//	err = shm.WithLock(peer, func(c *Counter) error {
//	  c.Hits++
//	  return nil
//	})
//	peer.Clear()
//
// The payload is constructed once by Create and destructed once, when the
// owning lineage tears down or, after DropOwnership, when the last lineage
// in any process does (RefCountedSharing). SingleOwnerSharing stores no
// metadata and lets only the creator destruct; see Policy.
//
// Payload types must be plain values: no pointers, slices, maps, strings,
// channels, funcs or interfaces. MustBeShareable checks a type at init.
// All processes attaching to one key must agree on T and Policy.
//
// Payload fields are accessed without locking. Use a Locker or WithLock to
// keep multi-field updates consistent across processes.
//
// The package is instrumented with OpenTelemetry (WithMeter, WithTracer)
// and exposes prometheus collectors through RegisterMetrics.
package shm
