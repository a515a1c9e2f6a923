package livedoc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"bringyour.com/livedoc/reactive"
)

type RefSupplierFunction = func() DocRef

type HandleSettings struct {
	// applied to one-shot fetches issued against the collaborator
	FetchTimeout time.Duration
	// when set, called once at construction with the handle's disconnect,
	// so the host can tie the handle to a component lifecycle
	RegisterTeardown func(teardown func())
}

func DefaultHandleSettings() *HandleSettings {
	return &HandleSettings{
		FetchTimeout: 15 * time.Second,
	}
}

// the reactive unit tracking one document ref's lifecycle.
//
// handle state machine is:
// Idle (no ref resolved)
//
//	-> Loading (ref resolved, fetch/subscribe issued)
//	  -> Settled(data)
//	  -> Settled(error)
//	-> Disconnected (terminal)
//
// every supplier re-evaluation unconditionally purges state, disconnects
// all nested sub-document handles, and restarts from Idle, even when the
// resolved ref equals the previous one. A generation counter discards
// settle callbacks from superseded evaluations.
type DocHandle struct {
	ctx    context.Context
	cancel context.CancelFunc

	handleId  Id
	refFn     RefSupplierFunction
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

	subDocs *SubDocManager

	loading      *reactive.Cell[bool]
	snapshot     *reactive.Cell[DocSnapshot]
	data         *reactive.Cell[Document]
	err          *reactive.Cell[error]
	disconnected *reactive.Cell[bool]

	stopWatch func()
}

func NewDocHandleWithDefaults(ctx context.Context, refFn RefSupplierFunction, subscribe bool) *DocHandle {
	return NewDocHandle(ctx, refFn, subscribe, DefaultHandleSettings())
}

func NewDocHandle(
	ctx context.Context,
	refFn RefSupplierFunction,
	subscribe bool,
	settings *HandleSettings,
) *DocHandle {
	if settings == nil {
		settings = DefaultHandleSettings()
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	handleId := NewId()
	handle := &DocHandle{
		ctx:          cancelCtx,
		cancel:       cancel,
		handleId:     handleId,
		refFn:        refFn,
		subscribe:    subscribe,
		settings:     settings,
		log:          LogFn(LogLevelDebug, fmt.Sprintf("[doc]%s", handleId)),
		loading:      reactive.NewCell(false),
		snapshot:     reactive.NewCell[DocSnapshot](nil),
		data:         reactive.NewCell[Document](nil),
		err:          reactive.NewCell[error](nil),
		disconnected: reactive.NewCell(false),
	}
	handle.subDocs = NewSubDocManager(cancelCtx, subscribe, settings)
	handle.stopWatch = reactive.Run(handle.evaluate)
	if settings.RegisterTeardown != nil {
		settings.RegisterTeardown(handle.Disconnect)
	}
	return handle
}

// runs inside the reactive effect. Re-runs whenever reactive state read by
// the supplier changes.
func (self *DocHandle) evaluate() {
	ref := self.resolveRef()

	var generation uint64
	closed := false
	// the effect re-runs stay outside the settle lock
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

		// purge before anything from the new generation can settle
		if unsub != nil {
			unsub()
		}
		self.subDocs.RemoveAndDisconnectAll()
		self.snapshot.Set(nil)
		self.data.Set(nil)
		self.err.Set(nil)

		if ref == nil {
			self.log("idle")
			self.loading.Set(false)
			return
		}
		self.log("loading %s", ref.Path())
		self.loading.Set(true)
	})
	if closed || ref == nil {
		return
	}

	// issued off the settle lock. `OnSnapshot` may deliver the first
	// snapshot synchronously, and that delivery settles through the lock.
	if self.subscribe {
		unsub := ref.OnSnapshot(
			func(snapshot DocSnapshot) {
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
			snapshot, err := ref.Get(fetchCtx)
			self.settle(generation, snapshot, err)
		}()
	}
}

// a panicking supplier degrades to "no reference"
func (self *DocHandle) resolveRef() (ref DocRef) {
	if self.refFn == nil {
		return nil
	}
	HandleError(
		func() {
			ref = self.refFn()
		},
		func(err error) {
			glog.Warningf("[doc]%s ref supplier panic: %v", self.handleId, err)
			ref = nil
		},
	)
	return
}

func (self *DocHandle) settle(generation uint64, snapshot DocSnapshot, err error) {
	// extract the payload before taking the settle lock. the accessor is
	// collaborator code and must not run under the lock.
	var data Document
	if err == nil && snapshot != nil {
		data = snapshot.Data()
	}

	reactive.Batch(func() {
		self.settleLock.Lock()
		defer self.settleLock.Unlock()

		self.stateLock.Lock()
		stale := self.closed || generation != self.generation
		self.stateLock.Unlock()
		if stale {
			glog.Warningf("[doc]%s stale settle dropped", self.handleId)
			return
		}

		// re-purge so the new payload replaces the prior payload's handles
		self.subDocs.RemoveAndDisconnectAll()

		if err != nil {
			self.log("settle error: %v", err)
			self.snapshot.Set(nil)
			self.data.Set(nil)
			self.err.Set(err)
			self.loading.Set(false)
			return
		}

		self.subDocs.Enhance(data)
		self.log("settle data (%d sub docs)", len(self.subDocs.Records()))
		self.err.Set(nil)
		self.snapshot.Set(snapshot)
		self.data.Set(data)
		self.loading.Set(false)
	})
}

// reactive reads

func (self *DocHandle) Loading() bool {
	return self.loading.Get()
}

func (self *DocHandle) Snapshot() DocSnapshot {
	return self.snapshot.Get()
}

func (self *DocHandle) Data() Document {
	return self.data.Get()
}

func (self *DocHandle) Err() error {
	return self.err.Get()
}

func (self *DocHandle) Disconnected() bool {
	return self.disconnected.Get()
}

// the records for refs embedded in the current payload
func (self *DocHandle) SubDocs() []*SubDocRecord {
	return self.subDocs.Records()
}

// permanently destroys the handle: stops the reactive evaluation, cancels
// in-flight fetches, unsubscribes, and disconnects every nested handle.
// idempotent.
func (self *DocHandle) Disconnect() {
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

		self.subDocs.RemoveAndDisconnectAll()
		self.snapshot.Set(nil)
		self.data.Set(nil)
		self.err.Set(nil)
		self.loading.Set(false)
		self.disconnected.Set(true)
	})
}
