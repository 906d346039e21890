package qcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/asyncquery/qcache/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientEventsObservesFetchLifecycle(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []events.Event
	c := NewClient(ClientConfig{
		Logger: NoopLogger(),
		Events: func(e events.Event) {
			mu.Lock()
			seen = append(seen, e)
			mu.Unlock()
		},
	})

	_, err := c.Fetch(context.Background(), Key{"todos"}, func(ctx context.Context, fctx *FetchContext) (interface{}, error) {
		return "v", nil
	}, EntryOptions{})
	require.NoError(t, err)

	hasType := func(want events.Event) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range seen {
			switch want.(type) {
			case events.FetchStart:
				if _, ok := e.(events.FetchStart); ok {
					return true
				}
			case events.Success:
				if _, ok := e.(events.Success); ok {
					return true
				}
			case events.Trace:
				if _, ok := e.(events.Trace); ok {
					return true
				}
			}
		}
		return false
	}

	assert.True(t, hasType(events.Trace{}), "building a new entry must emit a Trace event")
	assert.True(t, hasType(events.FetchStart{}), "a fetch attempt must emit FetchStart")
	assert.True(t, hasType(events.Success{}), "a successful attempt must emit Success")
}

func TestClientEventsObservesEntryGCRemoval(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var removed int
	c := NewClient(ClientConfig{
		Logger: NoopLogger(),
		Events: func(e events.Event) {
			if _, ok := e.(events.Removed); ok {
				mu.Lock()
				removed++
				mu.Unlock()
			}
		},
	})

	_, err := c.Fetch(context.Background(), Key{"ephemeral"}, func(ctx context.Context, fctx *FetchContext) (interface{}, error) {
		return "v", nil
	}, EntryOptions{CacheTime: time.Millisecond})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return removed > 0
	}, time.Second, time.Millisecond, "an entry with no observers must be GC'd and emit Removed")
}
