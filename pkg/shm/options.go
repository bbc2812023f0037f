package shm

import (
	"os"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Policy selects how destruction of the shared payload is decided.
type Policy uint8

const (
	// RefCountedSharing keeps a count of attached lineages and an owned flag
	// in the segment. The payload is destructed when the owner tears down,
	// or, after DropOwnership, when the last lineage in any process does.
	RefCountedSharing Policy = iota

	// SingleOwnerSharing stores the payload alone. Only the creating lineage
	// ever destructs it, immediately on teardown, even while other processes
	// are still attached and reading. Attached lineages are never counted
	// and DropOwnership has no effect. Use it only when the creator is known
	// to outlive every other user.
	SingleOwnerSharing
)

func (p Policy) String() string {
	switch p {
	case RefCountedSharing:
		return "refcounted"
	case SingleOwnerSharing:
		return "single-owner"
	default:
		return "unknown"
	}
}

// Options configures Create and Attach. All processes sharing a key must use
// the same Policy and Dir.
type Options struct {
	Policy Policy
	// Dir holds the segment files. Defaults to $SHMPTR_DIR, then /dev/shm.
	Dir  string
	Perm os.FileMode

	Meter  metric.Meter
	Tracer trace.Tracer
	Events EventSink
}

// Option mutates Options.
type Option func(*Options)

func WithPolicy(p Policy) Option { return func(o *Options) { o.Policy = p } }

func WithDir(dir string) Option { return func(o *Options) { o.Dir = dir } }

// WithPerm sets the permission bits of newly created segments (default 0600).
func WithPerm(perm os.FileMode) Option { return func(o *Options) { o.Perm = perm } }

func WithMeter(m metric.Meter) Option { return func(o *Options) { o.Meter = m } }

func WithTracer(t trace.Tracer) Option { return func(o *Options) { o.Tracer = t } }

// WithEventSink receives one Event per lifecycle transition.
func WithEventSink(s EventSink) Option { return func(o *Options) { o.Events = s } }

func buildOptions(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
