package shm

import (
	"os"
	"time"
)

// EventOp names a lifecycle transition of a pointer lineage.
type EventOp string

const (
	EventCreated        EventOp = "created"
	EventAttached       EventOp = "attached"
	EventFailed         EventOp = "failed"
	EventOwnershipDrop  EventOp = "ownership-dropped"
	EventDestroyed      EventOp = "destroyed"
	EventDetached       EventOp = "detached"
	EventTeardownNoLock EventOp = "teardown-unlocked"
)

// Event describes one lifecycle transition. Count is the shared count after
// the transition for RefCountedSharing, zero otherwise.
type Event struct {
	Time   time.Time
	Op     EventOp
	Key    string
	PID    int
	Policy Policy
	Owner  bool
	Count  uint64
	Err    error
}

// EventSink receives lifecycle events. Record must not block and must not
// call back into the pointer that emitted the event.
type EventSink interface {
	Record(Event)
}

func (o Options) emit(e Event) {
	if o.Events == nil {
		return
	}
	e.Time = time.Now()
	e.PID = os.Getpid()
	e.Policy = o.Policy
	o.Events.Record(e)
}
