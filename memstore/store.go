package memstore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"bringyour.com/livedoc"
)

// In-memory document store implementing the `livedoc` collaborator
// contract. Snapshots are delivered synchronously on the writer's
// goroutine, so a write returns only after every subscriber has observed
// it. Intended for tests, demos, and single-process state.

type Store struct {
	stateLock sync.Mutex
	// bumped on every write. snapshots are captured with the version so a
	// watcher can drop a delivery that raced behind a newer one.
	version uint64
	// collection -> doc id -> data
	collections map[string]map[string]livedoc.Document
	// doc path -> watchers
	docWatchers map[string]*livedoc.CallbackList[*docWatcher]
	// collection -> watchers
	queryWatchers map[string]*livedoc.CallbackList[*queryWatcher]
}

type docWatcher struct {
	onNext func(livedoc.DocSnapshot)

	stateLock   sync.Mutex
	delivered   bool
	lastVersion uint64
}

// drops a delivery whose captured version is not newer than one already
// delivered, so a registration's initial tick cannot overwrite a
// concurrent write's tick
func (self *docWatcher) deliver(version uint64, snapshot livedoc.DocSnapshot) {
	self.stateLock.Lock()
	if self.delivered && version <= self.lastVersion {
		self.stateLock.Unlock()
		return
	}
	self.delivered = true
	self.lastVersion = version
	self.stateLock.Unlock()
	self.onNext(snapshot)
}

type queryWatcher struct {
	query  *Query
	onNext func(livedoc.QuerySnapshot)

	stateLock   sync.Mutex
	delivered   bool
	lastVersion uint64
}

func (self *queryWatcher) deliver(version uint64, snapshot livedoc.QuerySnapshot) {
	self.stateLock.Lock()
	if self.delivered && version <= self.lastVersion {
		self.stateLock.Unlock()
		return
	}
	self.delivered = true
	self.lastVersion = version
	self.stateLock.Unlock()
	self.onNext(snapshot)
}

func NewStore() *Store {
	return &Store{
		collections:   map[string]map[string]livedoc.Document{},
		docWatchers:   map[string]*livedoc.CallbackList[*docWatcher]{},
		queryWatchers: map[string]*livedoc.CallbackList[*queryWatcher]{},
	}
}

// `path` is "collection/docid"
func (self *Store) Doc(path string) livedoc.DocRef {
	return docRef{
		store: self,
		path:  path,
	}
}

func (self *Store) Collection(name string) *Collection {
	return &Collection{
		store: self,
		name:  name,
	}
}

// creates or replaces the document, then synchronously fans the new
// snapshot out to every doc and query subscriber
func (self *Store) Set(path string, data livedoc.Document) {
	collectionName, docId, err := splitPath(path)
	if err != nil {
		panic(err)
	}

	self.stateLock.Lock()
	collection, ok := self.collections[collectionName]
	if !ok {
		collection = map[string]livedoc.Document{}
		self.collections[collectionName] = collection
	}
	collection[docId] = cloneDocument(data)
	self.version += 1
	deliver := self.prepareFanOut(collectionName, path)
	self.stateLock.Unlock()

	deliver()
}

func (self *Store) Delete(path string) {
	collectionName, docId, err := splitPath(path)
	if err != nil {
		panic(err)
	}

	self.stateLock.Lock()
	if collection, ok := self.collections[collectionName]; ok {
		delete(collection, docId)
	}
	self.version += 1
	deliver := self.prepareFanOut(collectionName, path)
	self.stateLock.Unlock()

	deliver()
}

// must be called with `stateLock`. captures the snapshots and watcher
// lists in the same lock section as the write; the returned function
// delivers outside the lock.
func (self *Store) prepareFanOut(collectionName string, path string) func() {
	version := self.version
	snapshot := self.docSnapshot(path)
	var docCallbacks []*docWatcher
	if watchers, ok := self.docWatchers[path]; ok {
		docCallbacks = watchers.Get()
	}
	var queryCallbacks []*queryWatcher
	if watchers, ok := self.queryWatchers[collectionName]; ok {
		queryCallbacks = watchers.Get()
	}
	querySnapshots := make([]livedoc.QuerySnapshot, len(queryCallbacks))
	for i, watcher := range queryCallbacks {
		querySnapshots[i] = self.querySnapshot(watcher.query)
	}

	return func() {
		glog.V(2).Infof("[memstore]%s fan out to %d doc, %d query watchers\n", path, len(docCallbacks), len(queryCallbacks))
		for _, watcher := range docCallbacks {
			watcher.deliver(version, snapshot)
		}
		for i, watcher := range queryCallbacks {
			watcher.deliver(version, querySnapshots[i])
		}
	}
}

// must be called with `stateLock`
func (self *Store) docSnapshot(path string) docSnapshot {
	collectionName, docId, _ := splitPath(path)
	var data livedoc.Document
	exists := false
	if collection, ok := self.collections[collectionName]; ok {
		if stored, ok := collection[docId]; ok {
			data = cloneDocument(stored)
			exists = true
		}
	}
	return docSnapshot{
		ref:    docRef{store: self, path: path},
		data:   data,
		exists: exists,
	}
}

// must be called with `stateLock`
func (self *Store) querySnapshot(query *Query) querySnapshot {
	docIds := []string{}
	collection := self.collections[query.collection]
	for docId, data := range collection {
		if query.matches(data) {
			docIds = append(docIds, docId)
		}
	}
	// deterministic order
	slices.Sort(docIds)

	docs := make([]livedoc.DocSnapshot, 0, len(docIds))
	for _, docId := range docIds {
		docs = append(docs, docSnapshot{
			ref:    docRef{store: self, path: fmt.Sprintf("%s/%s", query.collection, docId)},
			data:   cloneDocument(collection[docId]),
			exists: true,
		})
	}
	return querySnapshot{
		docs: docs,
	}
}

func (self *Store) addDocWatcher(path string, onNext func(livedoc.DocSnapshot)) func() {
	watcher := &docWatcher{
		onNext: onNext,
	}

	// register and capture in one lock section so no write can slip
	// between the initial snapshot and the registration
	self.stateLock.Lock()
	watchers, ok := self.docWatchers[path]
	if !ok {
		watchers = livedoc.NewCallbackList[*docWatcher]()
		self.docWatchers[path] = watchers
	}
	callbackId := watchers.Add(watcher)
	version := self.version
	initial := self.docSnapshot(path)
	self.stateLock.Unlock()

	// current state is the first tick
	watcher.deliver(version, initial)
	return func() {
		watchers.Remove(callbackId)
	}
}

func (self *Store) addQueryWatcher(query *Query, onNext func(livedoc.QuerySnapshot)) func() {
	watcher := &queryWatcher{
		query:  query,
		onNext: onNext,
	}

	self.stateLock.Lock()
	watchers, ok := self.queryWatchers[query.collection]
	if !ok {
		watchers = livedoc.NewCallbackList[*queryWatcher]()
		self.queryWatchers[query.collection] = watchers
	}
	callbackId := watchers.Add(watcher)
	version := self.version
	initial := self.querySnapshot(query)
	self.stateLock.Unlock()

	watcher.deliver(version, initial)
	return func() {
		watchers.Remove(callbackId)
	}
}

type Collection struct {
	store *Store
	name  string
}

func (self *Collection) Doc(docId string) livedoc.DocRef {
	return docRef{
		store: self.store,
		path:  fmt.Sprintf("%s/%s", self.name, docId),
	}
}

// a ref with a fresh unique id
func (self *Collection) NewDoc() livedoc.DocRef {
	return self.Doc(livedoc.NewId().String())
}

func (self *Collection) Query() *Query {
	return &Query{
		store:      self.store,
		collection: self.name,
	}
}

// comparable: two refs to the same path on the same store are equal
type docRef struct {
	store *Store
	path  string
}

func (self docRef) Path() string {
	return self.path
}

func (self docRef) Get(ctx context.Context) (livedoc.DocSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	self.store.stateLock.Lock()
	snapshot := self.store.docSnapshot(self.path)
	self.store.stateLock.Unlock()
	return snapshot, nil
}

func (self docRef) OnSnapshot(onNext func(livedoc.DocSnapshot), onError func(error)) func() {
	return self.store.addDocWatcher(self.path, onNext)
}

func (self docRef) String() string {
	return self.path
}

type docSnapshot struct {
	ref    docRef
	data   livedoc.Document
	exists bool
}

func (self docSnapshot) Ref() livedoc.DocRef {
	return self.ref
}

func (self docSnapshot) Exists() bool {
	return self.exists
}

func (self docSnapshot) Data() livedoc.Document {
	return self.data
}

type querySnapshot struct {
	docs []livedoc.DocSnapshot
}

func (self querySnapshot) Docs() []livedoc.DocSnapshot {
	return self.docs
}

func splitPath(path string) (collectionName string, docId string, err error) {
	collectionName, docId, ok := strings.Cut(path, "/")
	if !ok || collectionName == "" || docId == "" || strings.Contains(docId, "/") {
		return "", "", fmt.Errorf("doc path must be collection/docid: %s", path)
	}
	return collectionName, docId, nil
}

// deep copy of maps and slices. `DocRef` leaves and scalars are shared.
func cloneDocument(data livedoc.Document) livedoc.Document {
	if data == nil {
		return nil
	}
	out := maps.Clone(data)
	for key, value := range out {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case livedoc.Document:
		return cloneDocument(v)
	case []any:
		out := slices.Clone(v)
		for i, item := range out {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return value
	}
}
