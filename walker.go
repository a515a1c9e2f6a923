package livedoc

import (
	"reflect"
	"strconv"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// first segment of every walk path
const PathRoot = "$"

type RefVisitorFunction = func(ref DocRef, path []string)

// depth-first traversal of a decoded payload that calls `visitor` once per
// embedded `DocRef`, with the structural path to it. A ref is a leaf - the
// walk does not descend into the referenced document. Map keys are visited
// in sorted order. Callable values are skipped. The payload is assumed to
// be a decoded wire payload, inherently a tree, so there is no cycle
// detection.
func WalkRefs(value any, visitor RefVisitorFunction) {
	walkRefs(value, visitor, []string{PathRoot})
}

func walkRefs(value any, visitor RefVisitorFunction, path []string) {
	switch v := value.(type) {
	case nil:
	case DocRef:
		visitor(v, slices.Clone(path))
	case Document:
		keys := maps.Keys(v)
		slices.Sort(keys)
		for _, key := range keys {
			walkRefs(v[key], visitor, append(path, key))
		}
	case []any:
		for i, item := range v {
			walkRefs(item, visitor, append(path, strconv.Itoa(i)))
		}
	default:
		if reflect.ValueOf(value).Kind() == reflect.Func {
			// not data
			return
		}
		// scalar leaf
	}
}
