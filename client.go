package livedoc

import (
	"context"
)

// decoded document payload. Values are scalars, `[]any`, nested
// `Document`, or embedded `DocRef` leaves.
type Document = map[string]any

// one remote document.
//
// Implementations must have a comparable dynamic type, and two refs that
// address the same document should compare equal. The sub-document manager
// keys its nested handle cache by ref equality.
//
// `OnSnapshot` may deliver the first snapshot synchronously before it
// returns, but must never invoke a callback concurrently with another
// callback of the same subscription. After the unsubscribe function
// returns, no further callbacks may be invoked.
type DocRef interface {
	Path() string
	Get(ctx context.Context) (DocSnapshot, error)
	OnSnapshot(onNext func(DocSnapshot), onError func(error)) (unsub func())
}

type DocSnapshot interface {
	Ref() DocRef
	Exists() bool
	// nil when the document does not exist
	Data() Document
}

// one query over a collection. Same callback rules as `DocRef`.
type Queryable interface {
	Get(ctx context.Context) (QuerySnapshot, error)
	OnSnapshot(onNext func(QuerySnapshot), onError func(error)) (unsub func())
}

type QuerySnapshot interface {
	// collaborator-provided order
	Docs() []DocSnapshot
}
