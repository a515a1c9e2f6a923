package livedoc

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"bringyour.com/livedoc/reactive"
)

type QuerySupplierFunction = func() Queryable

// wraps one result document of a settled query.
//
// an item holds no subscription of its own - the owning query handle's
// subscription delivers new result sets. It does own the sub-document
// handles discovered in its payload.
type QueryItem struct {
	snapshot DocSnapshot
	data     Document
	subDocs  *SubDocManager
}

func (self *QueryItem) Ref() DocRef {
	return self.snapshot.Ref()
}

func (self *QueryItem) Snapshot() DocSnapshot {
	return self.snapshot
}

func (self *QueryItem) Data() Document {
	return self.data
}

func (self *QueryItem) SubDocs() []*SubDocRecord {
	return self.subDocs.Records()
}

// tears down only this item's nested sub-document handles
func (self *QueryItem) Disconnect() {
	self.subDocs.RemoveAndDisconnectAll()
}

// the reactive unit tracking one query's lifecycle.
// same state machine as `DocHandle` with `items` replacing `data`.
type QueryHandle struct {
	ctx    context.Context
	cancel context.CancelFunc

	handleId  Id
	queryFn   QuerySupplierFunction
	subscribe bool
	settings  *HandleSettings

	log LogFunction

	stateLock  sync.Mutex
	closed     bool
	generation uint64
	unsub      func()

	// serializes purge-and-restart with settle, so a settle that passed
	// its generation check cannot interleave with a newer generation's
	// state writes
	settleLock sync.Mutex

	loading      *reactive.Cell[bool]
	snapshot     *reactive.Cell[QuerySnapshot]
	items        *reactive.Cell[[]*QueryItem]
	err          *reactive.Cell[error]
	disconnected *reactive.Cell[bool]

	stopWatch func()
}

func NewQueryHandleWithDefaults(ctx context.Context, queryFn QuerySupplierFunction, subscribe bool) *QueryHandle {
	return NewQueryHandle(ctx, queryFn, subscribe, DefaultHandleSettings())
}

func NewQueryHandle(
	ctx context.Context,
	queryFn QuerySupplierFunction,
	subscribe bool,
	settings *HandleSettings,
) *QueryHandle {
	if settings == nil {
		settings = DefaultHandleSettings()
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	handleId := NewId()
	handle := &QueryHandle{
		ctx:          cancelCtx,
		cancel:       cancel,
		handleId:     handleId,
		queryFn:      queryFn,
		subscribe:    subscribe,
		settings:     settings,
		log:          LogFn(LogLevelDebug, fmt.Sprintf("[query]%s", handleId)),
		loading:      reactive.NewCell(false),
		snapshot:     reactive.NewCell[QuerySnapshot](nil),
		items:        reactive.NewCell[[]*QueryItem](nil),
		err:          reactive.NewCell[error](nil),
		disconnected: reactive.NewCell(false),
	}
	handle.stopWatch = reactive.Run(handle.evaluate)
	if settings.RegisterTeardown != nil {
		settings.RegisterTeardown(handle.Disconnect)
	}
	return handle
}

func (self *QueryHandle) evaluate() {
	query := self.resolveQuery()

	var generation uint64
	closed := false
	reactive.Batch(func() {
		self.settleLock.Lock()
		defer self.settleLock.Unlock()

		self.stateLock.Lock()
		if self.closed {
			closed = true
			self.stateLock.Unlock()
			return
		}
		self.generation += 1
		generation = self.generation
		unsub := self.unsub
		self.unsub = nil
		self.stateLock.Unlock()

		if unsub != nil {
			unsub()
		}
		self.purgeItems()
		self.snapshot.Set(nil)
		self.err.Set(nil)

		if query == nil {
			self.log("idle")
			self.loading.Set(false)
			return
		}
		self.log("loading")
		self.loading.Set(true)
	})
	if closed || query == nil {
		return
	}

	if self.subscribe {
		unsub := query.OnSnapshot(
			func(snapshot QuerySnapshot) {
				self.settle(generation, snapshot, nil)
			},
			func(err error) {
				self.settle(generation, nil, err)
			},
		)
		self.stateLock.Lock()
		stale := self.closed || generation != self.generation
		if !stale {
			self.unsub = unsub
		}
		self.stateLock.Unlock()
		if stale {
			unsub()
		}
	} else {
		go func() {
			fetchCtx, fetchCancel := context.WithTimeout(self.ctx, self.settings.FetchTimeout)
			defer fetchCancel()
			snapshot, err := query.Get(fetchCtx)
			self.settle(generation, snapshot, err)
		}()
	}
}

func (self *QueryHandle) resolveQuery() (query Queryable) {
	if self.queryFn == nil {
		return nil
	}
	HandleError(
		func() {
			query = self.queryFn()
		},
		func(err error) {
			glog.Warningf("[query]%s query supplier panic: %v", self.handleId, err)
			query = nil
		},
	)
	return
}

// disconnects every current item before discarding the list
func (self *QueryHandle) purgeItems() {
	items := self.items.Peek()
	for i := len(items) - 1; 0 <= i; i -= 1 {
		items[i].Disconnect()
	}
	self.items.Set(nil)
}

func (self *QueryHandle) settle(generation uint64, snapshot QuerySnapshot, err error) {
	// build the items before taking the settle lock. the snapshot
	// accessors are collaborator code and must not run under the lock; a
	// stale result set is discarded below with no handles materialized.
	var items []*QueryItem
	if err == nil && snapshot != nil {
		docs := snapshot.Docs()
		items = make([]*QueryItem, 0, len(docs))
		for _, docSnapshot := range docs {
			item := &QueryItem{
				snapshot: docSnapshot,
				data:     docSnapshot.Data(),
				subDocs:  NewSubDocManager(self.ctx, self.subscribe, self.settings),
			}
			item.subDocs.Enhance(item.data)
			items = append(items, item)
		}
	}

	reactive.Batch(func() {
		self.settleLock.Lock()
		defer self.settleLock.Unlock()

		self.stateLock.Lock()
		stale := self.closed || generation != self.generation
		self.stateLock.Unlock()
		if stale {
			glog.Warningf("[query]%s stale settle dropped", self.handleId)
			return
		}

		self.purgeItems()

		if err != nil {
			self.log("settle error: %v", err)
			self.snapshot.Set(nil)
			self.err.Set(err)
			self.loading.Set(false)
			return
		}

		self.log("settle %d items", len(items))
		self.err.Set(nil)
		self.snapshot.Set(snapshot)
		self.items.Set(items)
		self.loading.Set(false)
	})
}

// reactive reads

func (self *QueryHandle) Loading() bool {
	return self.loading.Get()
}

func (self *QueryHandle) Snapshot() QuerySnapshot {
	return self.snapshot.Get()
}

// collaborator-provided order, one item per result document
func (self *QueryHandle) Items() []*QueryItem {
	return self.items.Get()
}

func (self *QueryHandle) Err() error {
	return self.err.Get()
}

func (self *QueryHandle) Disconnected() bool {
	return self.disconnected.Get()
}

// idempotent
func (self *QueryHandle) Disconnect() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	self.generation += 1
	unsub := self.unsub
	self.unsub = nil
	self.stateLock.Unlock()

	self.log("disconnect")
	self.stopWatch()
	self.cancel()
	if unsub != nil {
		unsub()
	}

	// `closed` is already set, so an in-flight settle holding the lock
	// finishes or drops, then this purge runs last
	reactive.Batch(func() {
		self.settleLock.Lock()
		defer self.settleLock.Unlock()

		self.purgeItems()
		self.snapshot.Set(nil)
		self.err.Set(nil)
		self.loading.Set(false)
		self.disconnected.Set(true)
	})
}
