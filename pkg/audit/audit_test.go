package audit

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shmptr/pkg/shm"
)

type sample struct {
	N int64
}

func TestLogRecordsLifecycle(t *testing.T) {
	log := New(0)
	defer log.Close()
	assert.Equal(t, DefaultCapacity, log.Cap())

	ctx := context.Background()
	dir := t.TempDir()
	p, err := shm.Create(ctx, "audited", sample{N: 1}, shm.WithDir(dir), shm.WithEventSink(log))
	require.NoError(t, err)
	q, err := shm.Attach[sample](ctx, "audited", shm.WithDir(dir), shm.WithEventSink(log))
	require.NoError(t, err)
	q.Clear()
	p.Clear()

	events := log.Drain()
	require.Len(t, events, 5)
	ops := make([]shm.EventOp, 0, len(events))
	for _, e := range events {
		assert.Equal(t, "audited", e.Key)
		assert.False(t, e.Time.IsZero())
		ops = append(ops, e.Op)
	}
	assert.Equal(t, []shm.EventOp{
		shm.EventCreated,
		shm.EventAttached,
		shm.EventDetached,
		shm.EventDestroyed,
		shm.EventDetached,
	}, ops)
	assert.Zero(t, log.Len())
	assert.Empty(t, log.Drain())
}

func TestLogDropsWhenFull(t *testing.T) {
	log := New(4)
	defer log.Close()
	for i := 0; i < 10; i++ {
		log.Record(shm.Event{Op: shm.EventAttached, Key: "k"})
	}
	assert.Equal(t, 4, log.Len())
	assert.Equal(t, uint64(6), log.Dropped())
	assert.Len(t, log.Drain(), 4)
}

func TestLogConcurrentRecord(t *testing.T) {
	log := New(256)
	defer log.Close()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 16; j++ {
				log.Record(shm.Event{Op: shm.EventDetached})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, log.Drain(), 128)
	assert.Zero(t, log.Dropped())
}

func TestLogClosed(t *testing.T) {
	log := New(8)
	log.Close()
	log.Record(shm.Event{})
	assert.Equal(t, uint64(1), log.Dropped())
	assert.Nil(t, log.Drain())
}

func TestWriteTo(t *testing.T) {
	log := New(8)
	defer log.Close()
	log.Record(shm.Event{Op: shm.EventCreated, Key: "a", PID: 7, Owner: true, Count: 1})
	log.Record(shm.Event{Op: shm.EventFailed, Key: "b", Err: errors.New("no such segment")})

	var buf bytes.Buffer
	n, err := log.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `pid=7 key="a" op=created policy=refcounted owner=true count=1`)
	assert.Contains(t, lines[1], `err="no such segment"`)
}
