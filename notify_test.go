package qcache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyManagerSchedulesOutsideBatchImmediately(t *testing.T) {
	t.Parallel()

	n := NewNotifyManager(nil, nil)
	defer n.Close()

	done := make(chan struct{})
	n.Schedule(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("schedule outside a batch should dispatch promptly")
	}
}

func TestNotifyManagerBatchesIntoOneFlush(t *testing.T) {
	t.Parallel()

	n := NewNotifyManager(nil, nil)
	defer n.Close()

	var mu sync.Mutex
	var order []int
	var flushCount int32

	n.SetBatchNotifyFunction(func(fns []func()) {
		flushCount++
		for _, fn := range fns {
			fn()
		}
	})

	done := make(chan struct{})
	n.Batch(func() {
		n.Schedule(func() { mu.Lock(); order = append(order, 1); mu.Unlock() })
		n.Schedule(func() { mu.Lock(); order = append(order, 2); mu.Unlock() })
		n.Schedule(func() { mu.Lock(); order = append(order, 3); mu.Unlock(); close(done) })
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("batched callbacks never flushed")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order, "batched callbacks flush once, in enqueue order")
	assert.EqualValues(t, 1, flushCount)
}

func TestNotifyManagerNestedBatchFlushesOnceAtOutermost(t *testing.T) {
	t.Parallel()

	n := NewNotifyManager(nil, nil)
	defer n.Close()

	var flushCount int32
	n.SetBatchNotifyFunction(func(fns []func()) {
		flushCount++
		for _, fn := range fns {
			fn()
		}
	})

	done := make(chan struct{})
	n.Batch(func() {
		n.Batch(func() {
			n.Schedule(func() {})
		})
		n.Schedule(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested batch never flushed")
	}
	assert.EqualValues(t, 1, flushCount, "nested batches flush exactly once, at the outermost Batch call")
}

func TestNotifyManagerRecoversPanickingCallback(t *testing.T) {
	t.Parallel()

	n := NewNotifyManager(nil, nil)
	defer n.Close()

	ranAfterPanic := make(chan struct{})
	n.Batch(func() {
		n.Schedule(func() { panic("boom") })
		n.Schedule(func() { close(ranAfterPanic) })
	})

	select {
	case <-ranAfterPanic:
	case <-time.After(time.Second):
		t.Fatal("a panicking callback must not prevent the rest of the batch from running")
	}
}

func TestNotifyManagerClosesDropsFurtherSchedules(t *testing.T) {
	t.Parallel()

	n := NewNotifyManager(nil, nil)
	n.Close()

	ran := make(chan struct{}, 1)
	n.Schedule(func() { ran <- struct{}{} })

	select {
	case <-ran:
		t.Fatal("a closed NotifyManager must not dispatch further callbacks")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunGuardedErrRecoversPanicAndError(t *testing.T) {
	t.Parallel()

	err := runGuardedErr(func() { panic("raw panic") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	err = runGuardedErr(func() {})
	assert.NoError(t, err)
}
