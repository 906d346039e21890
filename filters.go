package qcache

import (
	"reflect"

	"github.com/hashicorp/go-bexpr"
)

// EntryType restricts a filter to active or inactive entries (spec.md §4.4).
type EntryType int

const (
	// TypeAll matches every entry.
	TypeAll EntryType = iota
	// TypeActive matches entries with at least one observer that is enabled.
	TypeActive
	// TypeInactive matches entries with no enabled observer.
	TypeInactive
)

// EntryFilters is the conjunctive predicate used by EntryCache.Find/FindAll
// and by every Client operation that accepts "filters" in spec.md §6.
type EntryFilters struct {
	// Key, when set, is matched against an entry's key. Exact requires hash
	// equality; otherwise Key is matched as a partial/structural subset.
	Key   Key
	Exact bool

	Type EntryType

	// Stale, when non-nil, requires the entry's IsStale() to equal *Stale.
	Stale *bool

	// FetchStatus, when non-empty, requires an exact fetchStatus match.
	FetchStatus FetchStatus

	// Predicate is a go-bexpr boolean expression evaluated against a flat
	// view of the entry's state (see entryFilterView). Empty means "match
	// all". This is the concrete realization of spec.md §4.4's generic
	// "predicate" filter field.
	Predicate string

	// Func is an arbitrary Go predicate, checked last, for callers who need
	// something bexpr can't express.
	Func func(*Entry) bool
}

// entryFilterView is the flattened struct go-bexpr evaluates Predicate
// expressions against (e.g. `Status == "error" and FetchFailureCount > 2`).
type entryFilterView struct {
	Hash              string
	Status            string
	FetchStatus       string
	IsInvalidated     bool
	ObserverCount     int
	FetchFailureCount int
}

func (f EntryFilters) matches(e *Entry) bool {
	if f.Key != nil {
		if f.Exact {
			if Hash(f.Key) != e.hash {
				return false
			}
		} else if !partialDeepEqual(f.Key, e.key) {
			return false
		}
	}

	switch f.Type {
	case TypeActive:
		if !e.isActive() {
			return false
		}
	case TypeInactive:
		if e.isActive() {
			return false
		}
	}

	if f.Stale != nil && e.IsStale() != *f.Stale {
		return false
	}

	if f.FetchStatus != "" && e.FetchStatus() != f.FetchStatus {
		return false
	}

	if f.Predicate != "" {
		ok, err := evalPredicate(f.Predicate, entryFilterView{
			Hash:              e.hash,
			Status:            string(e.Status()),
			FetchStatus:       string(e.FetchStatus()),
			IsInvalidated:     e.IsInvalidated(),
			ObserverCount:     e.observerCount(),
			FetchFailureCount: e.FetchFailureCount(),
		})
		if err != nil || !ok {
			return false
		}
	}

	if f.Func != nil && !f.Func(e) {
		return false
	}

	return true
}

func evalPredicate(expr string, view interface{}) (bool, error) {
	eval, err := bexpr.CreateEvaluator(expr)
	if err != nil {
		return false, err
	}
	return eval.Evaluate(view)
}

// MutationFilters restricts MutationCache.Find/FindAll/Resume operations.
type MutationFilters struct {
	MutationKey Key
	Exact       bool
	Status      MutationStatus
	Predicate   string
	Func        func(*Mutation) bool
}

func (f MutationFilters) matches(m *Mutation) bool {
	if f.MutationKey != nil {
		if f.Exact {
			if Hash(f.MutationKey) != Hash(m.MutationKey) {
				return false
			}
		} else if !partialDeepEqual(f.MutationKey, m.MutationKey) {
			return false
		}
	}
	if f.Status != "" && m.Status() != f.Status {
		return false
	}
	if f.Predicate != "" {
		s := m.State()
		ok, err := evalPredicate(f.Predicate, struct {
			ID           string
			Status       string
			FailureCount int
			IsPaused     bool
		}{m.id, string(s.Status), s.FailureCount, s.IsPaused})
		if err != nil || !ok {
			return false
		}
	}
	if f.Func != nil && !f.Func(m) {
		return false
	}
	return true
}

// partialDeepEqual implements spec.md §3's "partial match": a matches b
// when a is a recursive structural subset of b.
//
//	partialDeepEqual(a, b) = a == b OR for all k in keys(a): partialDeepEqual(a[k], b[k])
//
// Types must agree at every level; nil/null propagates (a nil a matches
// only a nil b, since "a == b" is the only escape for non-container types).
// For slices/arrays a is treated as a prefix of b: a may be shorter than b,
// never longer, which is what keeps the match monotone under extending b
// (e.g. a filter key ["todos"] must keep matching ["todos", 5]).
func partialDeepEqual(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}

	av := reflect.ValueOf(a)
	bv := reflect.ValueOf(b)
	if !av.IsValid() || !bv.IsValid() {
		return false
	}

	switch av.Kind() {
	case reflect.Map:
		if bv.Kind() != reflect.Map {
			return false
		}
		iter := av.MapRange()
		for iter.Next() {
			k := iter.Key()
			bChild := bv.MapIndex(k)
			if !bChild.IsValid() {
				return false
			}
			if !partialDeepEqual(iter.Value().Interface(), bChild.Interface()) {
				return false
			}
		}
		return true

	case reflect.Slice, reflect.Array:
		// a is the prefix/subset side: a shorter a must still be able to
		// match a longer b (spec.md:291's monotone-under-superset-b rule),
		// so only require enough elements in b to cover a, and walk a's
		// (the filter's) length, never b's.
		if (bv.Kind() != reflect.Slice && bv.Kind() != reflect.Array) || av.Len() > bv.Len() {
			return false
		}
		for i := 0; i < av.Len(); i++ {
			if !partialDeepEqual(av.Index(i).Interface(), bv.Index(i).Interface()) {
				return false
			}
		}
		return true

	default:
		return false
	}
}
