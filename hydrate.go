package qcache

// DehydratedEntry is one persisted Entry, the unit spec.md §4.10 calls
// "hash, key, state".
type DehydratedEntry struct {
	Hash  string
	Key   Key
	State EntryState
}

// DehydratedMutation is one persisted Mutation (spec.md §4.10: "mutationKey,
// state").
type DehydratedMutation struct {
	MutationKey Key
	State       MutationState
}

// DehydratedState is the snapshot Dehydrate produces and Hydrate consumes
// (spec.md §4.10). A zero-value DehydratedState hydrates as a no-op.
type DehydratedState struct {
	Mutations []DehydratedMutation
	Entries   []DehydratedEntry
}

// ShouldDehydrateQueryFunc decides whether an entry belongs in a snapshot.
// Nil uses the default: status == success.
type ShouldDehydrateQueryFunc func(e *Entry) bool

// ShouldDehydrateMutationFunc decides whether a mutation belongs in a
// snapshot. Nil uses the default: state.isPaused.
type ShouldDehydrateMutationFunc func(m *Mutation) bool

// DehydrateOptions parameterizes Dehydrate (spec.md §4.10).
type DehydrateOptions struct {
	DehydrateQueries   *bool
	DehydrateMutations *bool

	ShouldDehydrateQuery    ShouldDehydrateQueryFunc
	ShouldDehydrateMutation ShouldDehydrateMutationFunc
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// Dehydrate captures a serializable snapshot of a Client's cache (spec.md
// §4.10). By default it keeps only successful entries and paused mutations,
// favoring a small, restartable snapshot over a full dump.
func Dehydrate(client *Client, opts DehydrateOptions) DehydratedState {
	var out DehydratedState

	if boolOr(opts.DehydrateQueries, true) {
		for _, e := range client.entries.snapshot() {
			keep := e.Status() == StatusSuccess
			if opts.ShouldDehydrateQuery != nil {
				keep = opts.ShouldDehydrateQuery(e)
			}
			if !keep {
				continue
			}
			out.Entries = append(out.Entries, DehydratedEntry{
				Hash:  e.Hash(),
				Key:   e.Key(),
				State: e.State(),
			})
		}
	}

	if boolOr(opts.DehydrateMutations, true) {
		for _, m := range client.mutations.FindAll(MutationFilters{}) {
			state := m.State()
			keep := state.IsPaused
			if opts.ShouldDehydrateMutation != nil {
				keep = opts.ShouldDehydrateMutation(m)
			}
			if !keep {
				continue
			}
			out.Mutations = append(out.Mutations, DehydratedMutation{
				MutationKey: m.MutationKey(),
				State:       state,
			})
		}
	}

	return out
}

// HydrateOptions parameterizes Hydrate: DefaultEntryOptions and
// DefaultMutationOptions are the options used to build the entries and
// mutations Hydrate creates; entries already in the cache keep their own
// options (spec.md §4.10's "options?" argument).
type HydrateOptions struct {
	DefaultEntryOptions    EntryOptions
	DefaultMutationOptions MutationOptions
}

// Hydrate restores a DehydratedState into client (spec.md §4.10). Every
// restored entry is forced to fetchStatus=idle regardless of what it was
// doing when dehydrated. An entry already in the cache with data at least as
// fresh as the snapshot (dataUpdatedAt >= hydrated.dataUpdatedAt) is left
// alone; an entry with no prior data, or staler data, gets the hydrated
// state. Mutations are rebuilt into the MutationCache (paused ones get
// picked up the next time the client resumes paused mutations). A zero-value
// snapshot hydrates nothing.
func Hydrate(client *Client, snapshot DehydratedState, opts HydrateOptions) {
	for _, de := range snapshot.Entries {
		state := de.State
		state.FetchStatus = FetchIdle

		existing, ok := client.entries.get(de.Hash)
		if ok {
			if !existing.DataUpdatedAt().IsZero() && !existing.DataUpdatedAt().Before(state.DataUpdatedAt) {
				continue
			}
			existing.SetState(state)
			continue
		}

		entryOpts := opts.DefaultEntryOptions
		entryOpts.QueryHash = de.Hash
		e := client.entries.build(client, de.Key, entryOpts)
		e.SetState(state)
	}

	for _, dm := range snapshot.Mutations {
		mutOpts := opts.DefaultMutationOptions
		mutOpts.MutationKey = dm.MutationKey
		m := client.mutations.Build(mutOpts)
		m.SetState(dm.State)
	}
}
