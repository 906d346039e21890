package qcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fetchValue(v interface{}) FetchFunc {
	return func(ctx context.Context, fctx *FetchContext) (interface{}, error) { return v, nil }
}

func TestMultiEntryObserverReusesChildByHash(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	m := NewMultiEntryObserver(c, []QuerySpec{
		{Key: Key{"a"}, Options: ObserverOptions{EntryOptions: EntryOptions{FetchFn: fetchValue(1)}}},
		{Key: Key{"b"}, Options: ObserverOptions{EntryOptions: EntryOptions{FetchFn: fetchValue(2)}}},
	})
	first := append([]*EntryObserver{}, m.observers...)
	require.Len(t, first, 2)

	m.SetEntries([]QuerySpec{
		{Key: Key{"a"}, Options: ObserverOptions{EntryOptions: EntryOptions{FetchFn: fetchValue(1)}}},
		{Key: Key{"b"}, Options: ObserverOptions{EntryOptions: EntryOptions{FetchFn: fetchValue(2)}}},
	})

	assert.Same(t, first[0], m.observers[0], "an unchanged key reuses its prior child observer")
	assert.Same(t, first[1], m.observers[1], "an unchanged key reuses its prior child observer")
}

func TestMultiEntryObserverAdoptsPreviousObserverWithKeepPreviousData(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	m := NewMultiEntryObserver(c, []QuerySpec{
		{Key: Key{"page", 1}, Options: ObserverOptions{EntryOptions: EntryOptions{FetchFn: fetchValue("p1")}}},
	})
	prev := m.observers[0]
	require.NotNil(t, prev)

	m.SetEntries([]QuerySpec{
		{Key: Key{"page", 2}, Options: ObserverOptions{
			KeepPreviousData: true,
			EntryOptions:     EntryOptions{FetchFn: fetchValue("p2")},
		}},
	})

	assert.Same(t, prev, m.observers[0], "keepPreviousData adopts the unmatched prior slot's observer rather than building a fresh one")
}

func TestMultiEntryObserverUnsubscribesDroppedChildren(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	m := NewMultiEntryObserver(c, []QuerySpec{
		{Key: Key{"a"}, Options: ObserverOptions{EntryOptions: EntryOptions{FetchFn: fetchValue(1)}}},
		{Key: Key{"b"}, Options: ObserverOptions{EntryOptions: EntryOptions{FetchFn: fetchValue(2)}}},
	})
	dropped := m.observers[1]
	require.Equal(t, 1, dropped.entry.observerCount())

	m.SetEntries([]QuerySpec{
		{Key: Key{"a"}, Options: ObserverOptions{EntryOptions: EntryOptions{FetchFn: fetchValue(1)}}},
	})

	assert.Len(t, m.observers, 1)
	assert.Equal(t, 0, dropped.entry.observerCount(), "a child dropped from the list is fully unsubscribed")
}

func TestMultiEntryObserverPropagatesChildUpdatesToListeners(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	m := NewMultiEntryObserver(c, []QuerySpec{
		{Key: Key{"a"}, Options: ObserverOptions{EntryOptions: EntryOptions{FetchFn: fetchValue(1)}}},
	})

	got := make(chan []Result, 1)
	m.Subscribe(func(rs []Result) {
		select {
		case got <- rs:
		default:
		}
	})

	m.onChildUpdate(0, Result{Data: "updated", IsSuccess: true})

	require.Eventually(t, func() bool { return m.GetCurrentResults()[0].Data == "updated" }, time.Second, time.Millisecond)

	select {
	case rs := <-got:
		require.Len(t, rs, 1)
		assert.Equal(t, "updated", rs[0].Data)
	case <-time.After(time.Second):
		t.Fatal("listener was never notified of the child update")
	}
}
