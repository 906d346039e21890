package qcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient() *Client {
	return NewClient(ClientConfig{Logger: NoopLogger()})
}

func TestDehydrateDefaultsToSuccessfulEntries(t *testing.T) {
	t.Parallel()

	c := newTestClient()

	_, err := c.Fetch(context.Background(), Key{"ok"}, func(ctx context.Context, fctx *FetchContext) (interface{}, error) {
		return "value", nil
	}, EntryOptions{})
	require.NoError(t, err)

	loadingHash := Hash(Key{"loading"})
	_ = c.entries.build(c, Key{"loading"}, EntryOptions{QueryHash: loadingHash})

	snap := Dehydrate(c, DehydrateOptions{})

	require.Len(t, snap.Entries, 1)
	assert.Equal(t, Key{"ok"}, snap.Entries[0].Key)
	assert.Equal(t, StatusSuccess, snap.Entries[0].State.Status)
}

func TestHydrateSkipsWhenExistingDataIsFresher(t *testing.T) {
	t.Parallel()

	c := newTestClient()

	key := Key{"todos"}
	_, err := c.Fetch(context.Background(), key, func(ctx context.Context, fctx *FetchContext) (interface{}, error) {
		return "current", nil
	}, EntryOptions{})
	require.NoError(t, err)

	snap := DehydratedState{
		Entries: []DehydratedEntry{{
			Hash: Hash(key),
			Key:  key,
			State: EntryState{
				Data: "stale", HasData: true,
				DataUpdatedAt: time.Now().Add(-time.Hour),
				Status:        StatusSuccess,
			},
		}},
	}

	Hydrate(c, snap, HydrateOptions{})

	d, ok := c.GetData(key)
	require.True(t, ok)
	assert.Equal(t, "current", d, "hydrating must not regress fresher live data")
}

func TestHydrateBuildsNewEntryWhenMissing(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	key := Key{"new-entry"}

	snap := DehydratedState{
		Entries: []DehydratedEntry{{
			Hash: Hash(key),
			Key:  key,
			State: EntryState{
				Data: "hydrated-value", HasData: true,
				DataUpdatedAt: time.Now(),
				Status:        StatusSuccess,
				FetchStatus:   FetchFetching, // must be forced back to idle
			},
		}},
	}

	Hydrate(c, snap, HydrateOptions{})

	d, ok := c.GetData(key)
	require.True(t, ok)
	assert.Equal(t, "hydrated-value", d)

	state, ok := c.GetState(key)
	require.True(t, ok)
	assert.Equal(t, FetchIdle, state.FetchStatus, "a hydrated entry is always restored with fetchStatus=idle")
}

func TestHydrateMutationsAreRebuiltIntoMutationCache(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	snap := DehydratedState{
		Mutations: []DehydratedMutation{{
			MutationKey: Key{"addTodo"},
			State:       MutationState{Status: MutationError, IsPaused: true},
		}},
	}

	Hydrate(c, snap, HydrateOptions{})

	found := c.mutations.Find(MutationFilters{MutationKey: Key{"addTodo"}})
	require.NotNil(t, found)
	assert.True(t, found.State().IsPaused)
}
