// Package audit keeps a bounded, in-memory log of pointer lifecycle events.
//
// A Log is an shm.EventSink. Record never blocks: when the ring is full the
// event is dropped and counted, so a slow reader cannot stall teardown.
package audit

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/shmptr/pkg/shm"
)

// DefaultCapacity is used by New for a zero capacity.
const DefaultCapacity = 1024

// Log buffers events in a lock-free ring. Any number of goroutines may
// Record; Drain and WriteTo serialise among themselves.
type Log struct {
	rb      *queue.RingBuffer
	dropped atomic.Uint64
	mu      sync.Mutex
}

// New returns a Log holding at least capacity events; the ring rounds it up
// to a power of two.
func New(capacity uint64) *Log {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	return &Log{rb: queue.NewRingBuffer(capacity)}
}

// Record implements shm.EventSink.
func (l *Log) Record(e shm.Event) {
	ok, err := l.rb.Offer(e)
	if err != nil || !ok {
		l.dropped.Add(1)
	}
}

// Len returns the number of buffered events.
func (l *Log) Len() int { return int(l.rb.Len()) }

// Cap returns the ring size.
func (l *Log) Cap() int { return int(l.rb.Cap()) }

// Dropped returns how many events did not fit.
func (l *Log) Dropped() uint64 { return l.dropped.Load() }

// Drain removes and returns the buffered events, oldest first.
func (l *Log) Drain() []shm.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rb.IsDisposed() {
		return nil
	}
	events := make([]shm.Event, 0, l.rb.Len())
	for l.rb.Len() > 0 {
		item, err := l.rb.Get()
		if err != nil {
			break
		}
		if e, ok := item.(shm.Event); ok {
			events = append(events, e)
		}
	}
	return events
}

// WriteTo drains the log and writes one line per event to w.
func (l *Log) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, e := range l.Drain() {
		n, err := fmt.Fprintln(w, Format(e))
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Close releases the ring. Later events are counted as dropped.
func (l *Log) Close() {
	l.mu.Lock()
	l.rb.Dispose()
	l.mu.Unlock()
}

// Format renders e as a single log line.
func Format(e shm.Event) string {
	line := fmt.Sprintf("%s pid=%d key=%q op=%s policy=%s owner=%v count=%d",
		e.Time.Format(time.RFC3339Nano), e.PID, e.Key, e.Op, e.Policy, e.Owner, e.Count)
	if e.Err != nil {
		line += fmt.Sprintf(" err=%q", e.Err.Error())
	}
	return line
}
