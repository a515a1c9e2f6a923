package memstore

import (
	"context"
	"fmt"

	"golang.org/x/exp/slices"

	"bringyour.com/livedoc"
)

// a single filter condition. Op is one of ==, !=, <, <=, >, >=
type WhereClause struct {
	Field string
	Op    string
	Value any
}

// immutable filter over one collection. `Where` returns a copy with the
// clause appended, so a query can be shared and extended safely.
type Query struct {
	store      *Store
	collection string
	clauses    []WhereClause
}

func (self *Query) Where(field string, op string, value any) *Query {
	clauses := slices.Clone(self.clauses)
	clauses = append(clauses, WhereClause{
		Field: field,
		Op:    op,
		Value: value,
	})
	return &Query{
		store:      self.store,
		collection: self.collection,
		clauses:    clauses,
	}
}

func (self *Query) Clauses() []WhereClause {
	return slices.Clone(self.clauses)
}

func (self *Query) Collection() string {
	return self.collection
}

func (self *Query) Get(ctx context.Context) (livedoc.QuerySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	self.store.stateLock.Lock()
	snapshot := self.store.querySnapshot(self)
	self.store.stateLock.Unlock()
	return snapshot, nil
}

func (self *Query) OnSnapshot(onNext func(livedoc.QuerySnapshot), onError func(error)) func() {
	return self.store.addQueryWatcher(self, onNext)
}

func (self *Query) matches(data livedoc.Document) bool {
	for _, clause := range self.clauses {
		if !clause.matches(data) {
			return false
		}
	}
	return true
}

func (self *WhereClause) matches(data livedoc.Document) bool {
	value, ok := data[self.Field]
	if !ok {
		return false
	}
	switch self.Op {
	case "==":
		return compareValues(value, self.Value) == 0
	case "!=":
		return compareValues(value, self.Value) != 0
	case "<":
		return compareValues(value, self.Value) < 0
	case "<=":
		return compareValues(value, self.Value) <= 0
	case ">":
		return compareValues(value, self.Value) > 0
	case ">=":
		return compareValues(value, self.Value) >= 0
	default:
		panic(fmt.Errorf("unknown where op: %s", self.Op))
	}
}

// numbers compare numerically, strings lexically, bools false<true.
// mismatched types compare unequal and unordered (returns 2).
func compareValues(a any, b any) int {
	if aNumber, ok := toFloat(a); ok {
		if bNumber, ok := toFloat(b); ok {
			switch {
			case aNumber < bNumber:
				return -1
			case bNumber < aNumber:
				return 1
			default:
				return 0
			}
		}
		return 2
	}
	if aStr, ok := a.(string); ok {
		if bStr, ok := b.(string); ok {
			switch {
			case aStr < bStr:
				return -1
			case bStr < aStr:
				return 1
			default:
				return 0
			}
		}
		return 2
	}
	if aBool, ok := a.(bool); ok {
		if bBool, ok := b.(bool); ok {
			switch {
			case aBool == bBool:
				return 0
			case bBool:
				return -1
			default:
				return 1
			}
		}
		return 2
	}
	return 2
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
