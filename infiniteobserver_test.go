package qcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfiniteEntryObserverAccumulatesForwardPages(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	pages := map[interface{}]string{nil: "p0", 1: "p1", 2: "p2"}
	io := NewInfiniteEntryObserver(c, Key{"feed"}, ObserverOptions{
		EntryOptions: EntryOptions{
			FetchFn: func(ctx context.Context, fctx *FetchContext) (interface{}, error) {
				return pages[fctx.PageParam], nil
			},
		},
	}, InfiniteOptions{
		GetNextPageParam: func(edge interface{}, all []interface{}) interface{} {
			switch len(all) {
			case 1:
				return 1
			case 2:
				return 2
			default:
				return nil
			}
		},
	})

	_, err := io.entry.Fetch(context.Background(), FetchOptions{})
	require.NoError(t, err)

	data, ok := io.currentData()
	require.True(t, ok)
	assert.Equal(t, []interface{}{"p0"}, data.Pages)
	assert.True(t, io.HasNextPage())

	_, err = io.FetchNextPage(context.Background(), nil, false)
	require.NoError(t, err)

	data, ok = io.currentData()
	require.True(t, ok)
	assert.Equal(t, []interface{}{"p0", "p1"}, data.Pages)
	assert.Equal(t, []interface{}{nil, 1}, data.PageParams)
	assert.True(t, io.HasNextPage())

	_, err = io.FetchNextPage(context.Background(), nil, false)
	require.NoError(t, err)

	data, ok = io.currentData()
	require.True(t, ok)
	assert.Equal(t, []interface{}{"p0", "p1", "p2"}, data.Pages)
	assert.False(t, io.HasNextPage(), "GetNextPageParam returning nil disables hasNextPage")
}

func TestInfiniteEntryObserverPrependsBackwardPages(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	io := NewInfiniteEntryObserver(c, Key{"feed-back"}, ObserverOptions{
		EntryOptions: EntryOptions{
			FetchFn: func(ctx context.Context, fctx *FetchContext) (interface{}, error) {
				return fctx.PageParam, nil
			},
		},
	}, InfiniteOptions{
		GetPreviousPageParam: func(edge interface{}, all []interface{}) interface{} {
			if edge == nil {
				return -1
			}
			return nil
		},
	})

	_, err := io.entry.Fetch(context.Background(), FetchOptions{})
	require.NoError(t, err)
	require.True(t, io.HasPreviousPage())

	_, err = io.FetchPreviousPage(context.Background(), nil, false)
	require.NoError(t, err)

	data, ok := io.currentData()
	require.True(t, ok)
	assert.Equal(t, []interface{}{-1, nil}, data.Pages, "a backward page is prepended, not appended")
	assert.False(t, io.HasPreviousPage())
}

func TestInfiniteEntryObserverRefetchHonorsRefetchPage(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	var refetched []int
	io := NewInfiniteEntryObserver(c, Key{"feed-refetch"}, ObserverOptions{
		EntryOptions: EntryOptions{
			FetchFn: func(ctx context.Context, fctx *FetchContext) (interface{}, error) {
				return fctx.PageParam, nil
			},
		},
	}, InfiniteOptions{
		GetNextPageParam: func(edge interface{}, all []interface{}) interface{} {
			if len(all) >= 2 {
				return nil
			}
			return 1
		},
		RefetchPage: func(lastPage interface{}, index int, allPages []interface{}) bool {
			refetched = append(refetched, index)
			return index == 1 // only the second page is refetched
		},
	})

	_, err := io.entry.Fetch(context.Background(), FetchOptions{})
	require.NoError(t, err)
	_, err = io.FetchNextPage(context.Background(), nil, false)
	require.NoError(t, err)

	data, _ := io.currentData()
	require.Len(t, data.Pages, 2)

	refetched = nil
	_, err = io.entry.Fetch(context.Background(), FetchOptions{CancelRefetch: true})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1}, refetched, "RefetchPage is consulted for every existing page on a plain refetch")
	data, _ = io.currentData()
	require.Len(t, data.Pages, 2)
}
