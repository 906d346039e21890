package qcache

import "reflect"

// DataEqualFunc reports whether two successive results are equal; when true
// the new value is discarded in favor of the previous one, preserving
// identity.
type DataEqualFunc func(prev, next interface{}) bool

// StructuralSharingFunc computes the value to store given the previous and
// next successful results, in place of the default replaceEqualDeep walk.
type StructuralSharingFunc func(prev, next interface{}) interface{}

// sharingOptions is the subset of EntryOptions/ObserverOptions that govern
// replaceData (spec.md §4.9).
type sharingOptions struct {
	IsDataEqual       DataEqualFunc
	StructuralSharing interface{} // bool or StructuralSharingFunc; nil means true (default on)
}

// replaceData implements spec.md §4.9 exactly: it is called on every
// successful set and decides whether the new value should reuse the
// previous value's identity (or sub-trees of it).
func replaceData(prev, next interface{}, opts sharingOptions) interface{} {
	if opts.IsDataEqual != nil && opts.IsDataEqual(prev, next) {
		return prev
	}
	switch ss := opts.StructuralSharing.(type) {
	case StructuralSharingFunc:
		if ss != nil {
			return ss(prev, next)
		}
	case bool:
		if !ss {
			return next
		}
	}
	if prev == nil {
		return next
	}
	return replaceEqualDeep(prev, next)
}

// replaceEqualDeep recursively walks prev and next. Where both are "plain"
// objects/arrays with the same key set and every child is identity-equal to
// the corresponding child of prev, the original prev (sub-)value is
// returned unchanged; otherwise a new container is built with only the
// changed children replaced. This preserves referential stability of
// untouched subtrees across fetches (spec.md §4.9, tested in §8's
// "Structural sharing" property).
func replaceEqualDeep(prev, next interface{}) interface{} {
	pv := reflect.ValueOf(prev)
	nv := reflect.ValueOf(next)

	if !pv.IsValid() || !nv.IsValid() {
		if reflect.DeepEqual(prev, next) {
			return prev
		}
		return next
	}
	if pv.Type() != nv.Type() {
		return next
	}

	switch nv.Kind() {
	case reflect.Map:
		if !isPlainMap(pv) || !isPlainMap(nv) {
			return compareScalar(prev, next)
		}
		if pv.Len() != nv.Len() {
			return buildMap(nv, pv, nv)
		}
		changed := false
		out := reflect.MakeMapWithSize(nv.Type(), nv.Len())
		iter := nv.MapRange()
		for iter.Next() {
			k := iter.Key()
			nChild := iter.Value().Interface()
			pChildVal := pv.MapIndex(k)
			if !pChildVal.IsValid() {
				changed = true
				out.SetMapIndex(k, iter.Value())
				continue
			}
			pChild := pChildVal.Interface()
			merged := replaceEqualDeep(pChild, nChild)
			if !identicalValue(merged, pChild) {
				changed = true
			}
			out.SetMapIndex(k, reflect.ValueOf(merged))
		}
		if !changed {
			return prev
		}
		return out.Interface()

	case reflect.Slice, reflect.Array:
		if !isPlainArrayish(pv) || !isPlainArrayish(nv) {
			return compareScalar(prev, next)
		}
		if pv.Len() != nv.Len() {
			return next
		}
		changed := false
		out := reflect.MakeSlice(reflect.SliceOf(nv.Type().Elem()), nv.Len(), nv.Len())
		for i := 0; i < nv.Len(); i++ {
			nChild := nv.Index(i).Interface()
			pChild := pv.Index(i).Interface()
			merged := replaceEqualDeep(pChild, nChild)
			if !identicalValue(merged, pChild) {
				changed = true
			}
			out.Index(i).Set(reflect.ValueOf(merged))
		}
		if !changed {
			return prev
		}
		return out.Interface()

	case reflect.Ptr, reflect.Interface:
		if nv.IsNil() {
			if pv.IsNil() {
				return prev
			}
			return next
		}
		if pv.IsNil() {
			return next
		}
		return compareScalar(prev, next)

	default:
		return compareScalar(prev, next)
	}
}

func compareScalar(prev, next interface{}) interface{} {
	if reflect.DeepEqual(prev, next) {
		return prev
	}
	return next
}

func buildMap(nv reflect.Value, pv, _ reflect.Value) interface{} {
	out := reflect.MakeMapWithSize(nv.Type(), nv.Len())
	iter := nv.MapRange()
	for iter.Next() {
		k := iter.Key()
		nChild := iter.Value().Interface()
		if pChildVal := pv.MapIndex(k); pChildVal.IsValid() {
			out.SetMapIndex(k, reflect.ValueOf(replaceEqualDeep(pChildVal.Interface(), nChild)))
		} else {
			out.SetMapIndex(k, iter.Value())
		}
	}
	return out.Interface()
}

// identicalValue reports whether a and b are the same underlying value for
// the purposes of the "unchanged children" check: pointers/maps/slices
// compare by identity, everything else by deep equality (scalars have no
// separate identity to preserve).
func identicalValue(a, b interface{}) bool {
	av := reflect.ValueOf(a)
	bv := reflect.ValueOf(b)
	if av.IsValid() && bv.IsValid() && av.Kind() == bv.Kind() {
		switch av.Kind() {
		case reflect.Map, reflect.Slice, reflect.Ptr:
			if av.Kind() == reflect.Slice {
				return av.Pointer() == bv.Pointer() && av.Len() == bv.Len()
			}
			return av.Pointer() == bv.Pointer()
		}
	}
	return reflect.DeepEqual(a, b)
}

func isPlainMap(v reflect.Value) bool {
	return v.Kind() == reflect.Map
}

// isPlainArrayish mirrors spec.md §4.9: "Arrays are 'plain' iff their
// length equals their own-key count" -- i.e. a real Go slice/array, not a
// map-like structure; reflect.Slice/Array are inherently that, so this is
// always true here but kept as a named predicate for readability/grounding.
func isPlainArrayish(v reflect.Value) bool {
	return v.Kind() == reflect.Slice || v.Kind() == reflect.Array
}
