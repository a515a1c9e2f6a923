package livedoc

import (
	"context"
)

// Convenience constructors. Each pair takes either a fixed ref/query or a
// supplier whose result may depend on reactive state; a fixed value is
// wrapped in a constant supplier. `settings` may be nil for defaults.

// one-shot fetch of a document
func GetDoc(ctx context.Context, ref DocRef, settings *HandleSettings) *DocHandle {
	return NewDocHandle(ctx, constRef(ref), false, settings)
}

func GetDocFn(ctx context.Context, refFn RefSupplierFunction, settings *HandleSettings) *DocHandle {
	return NewDocHandle(ctx, refFn, false, settings)
}

// live subscription to a document
func WatchDoc(ctx context.Context, ref DocRef, settings *HandleSettings) *DocHandle {
	return NewDocHandle(ctx, constRef(ref), true, settings)
}

func WatchDocFn(ctx context.Context, refFn RefSupplierFunction, settings *HandleSettings) *DocHandle {
	return NewDocHandle(ctx, refFn, true, settings)
}

// one-shot fetch of a query
func GetQuery(ctx context.Context, query Queryable, settings *HandleSettings) *QueryHandle {
	return NewQueryHandle(ctx, constQuery(query), false, settings)
}

func GetQueryFn(ctx context.Context, queryFn QuerySupplierFunction, settings *HandleSettings) *QueryHandle {
	return NewQueryHandle(ctx, queryFn, false, settings)
}

// live subscription to a query
func WatchQuery(ctx context.Context, query Queryable, settings *HandleSettings) *QueryHandle {
	return NewQueryHandle(ctx, constQuery(query), true, settings)
}

func WatchQueryFn(ctx context.Context, queryFn QuerySupplierFunction, settings *HandleSettings) *QueryHandle {
	return NewQueryHandle(ctx, queryFn, true, settings)
}

func constRef(ref DocRef) RefSupplierFunction {
	return func() DocRef {
		return ref
	}
}

func constQuery(query Queryable) QuerySupplierFunction {
	return func() Queryable {
		return query
	}
}
