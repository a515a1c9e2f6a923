package reactive

import (
	"sync"
)

/*
Minimal synchronous reactive graph:
- `Cell[T]` holds a mutable value. Reads inside an active computation are
  tracked as dependencies. Writes synchronously re-run dependent effects
  on the writer's goroutine before `Set` returns.
- `Derived[T]` caches a computation over cells and other deriveds,
  invalidated when any dependency changes and recomputed on next read.
- `Run` starts an effect that re-runs whenever any cell or derived it read
  during its last run changes. The returned stop function permanently ends
  the effect.
- `Batch` defers effect re-runs triggered by writes inside it until it
  returns, so a group of writes is observed as one transition.

The graph assumes the cooperative single logical thread model: writes and
effect bodies are not run concurrently with each other. The mutex only
protects graph bookkeeping so that tracked reads from callback goroutines
do not corrupt the dependency maps.
*/

type runtime struct {
	mutex sync.Mutex
	// innermost active computation is last
	observerStack []observer

	batchDepth   int
	batchPending []*Effect
}

var rt = &runtime{}

type observer interface {
	// called with the runtime mutex held
	addSource(source *sourceCore)
	// called with the runtime mutex held.
	// effects append themselves to `pending` to be run after the write.
	invalidate(pending *[]*Effect)
}

// dependency bookkeeping shared by cells and deriveds
type sourceCore struct {
	subscribers map[observer]struct{}
}

// must be called with the runtime mutex
func (self *sourceCore) track() {
	if n := len(rt.observerStack); 0 < n {
		o := rt.observerStack[n-1]
		if self.subscribers == nil {
			self.subscribers = map[observer]struct{}{}
		}
		if _, ok := self.subscribers[o]; !ok {
			self.subscribers[o] = struct{}{}
			o.addSource(self)
		}
	}
}

// must be called with the runtime mutex
func (self *sourceCore) notify(pending *[]*Effect) {
	for o := range self.subscribers {
		o.invalidate(pending)
	}
}

type Cell[T any] struct {
	core  sourceCore
	value T
}

func NewCell[T any](value T) *Cell[T] {
	return &Cell[T]{
		value: value,
	}
}

// tracked read
func (self *Cell[T]) Get() T {
	rt.mutex.Lock()
	self.core.track()
	value := self.value
	rt.mutex.Unlock()
	return value
}

// untracked read
func (self *Cell[T]) Peek() T {
	rt.mutex.Lock()
	value := self.value
	rt.mutex.Unlock()
	return value
}

func (self *Cell[T]) Set(value T) {
	pending := []*Effect{}
	rt.mutex.Lock()
	self.value = value
	self.core.notify(&pending)
	if 0 < rt.batchDepth {
		// deferred to the end of the outermost batch
		rt.batchPending = append(rt.batchPending, pending...)
		pending = nil
	}
	rt.mutex.Unlock()
	for _, effect := range pending {
		effect.run()
	}
}

// runs `fn`, deferring effect re-runs triggered by writes inside it until
// after it returns. Batches nest; effects run once at the end of the
// outermost batch. Writes from any goroutine during a batch defer to that
// batch's end.
func Batch(fn func()) {
	rt.mutex.Lock()
	rt.batchDepth += 1
	rt.mutex.Unlock()

	defer func() {
		rt.mutex.Lock()
		rt.batchDepth -= 1
		var pending []*Effect
		if rt.batchDepth == 0 {
			pending = rt.batchPending
			rt.batchPending = nil
		}
		rt.mutex.Unlock()
		for _, effect := range pending {
			effect.run()
		}
	}()
	fn()
}

type Derived[T any] struct {
	core    sourceCore
	compute func() T

	value   T
	valid   bool
	sources []*sourceCore
}

func NewDerived[T any](compute func() T) *Derived[T] {
	return &Derived[T]{
		compute: compute,
	}
}

// tracked, memoized read
func (self *Derived[T]) Get() T {
	rt.mutex.Lock()
	self.core.track()
	if self.valid {
		value := self.value
		rt.mutex.Unlock()
		return value
	}
	self.clearSources()
	rt.observerStack = append(rt.observerStack, self)
	rt.mutex.Unlock()

	// pop even when compute panics, or the leaked observer would keep
	// tracking every later read
	defer func() {
		rt.mutex.Lock()
		rt.observerStack = rt.observerStack[:len(rt.observerStack)-1]
		rt.mutex.Unlock()
	}()

	value := self.compute()

	rt.mutex.Lock()
	self.value = value
	self.valid = true
	rt.mutex.Unlock()
	return value
}

// observer implementation

func (self *Derived[T]) addSource(source *sourceCore) {
	self.sources = append(self.sources, source)
}

func (self *Derived[T]) invalidate(pending *[]*Effect) {
	if !self.valid {
		return
	}
	self.valid = false
	self.clearSources()
	// anything that read this derived must re-evaluate
	self.core.notify(pending)
}

// must be called with the runtime mutex
func (self *Derived[T]) clearSources() {
	for _, source := range self.sources {
		delete(source.subscribers, self)
	}
	self.sources = nil
}

type Effect struct {
	fn func()

	sources []*sourceCore
	stopped bool
	queued  bool
}

// runs `fn` once synchronously, then again whenever any cell or derived it
// read during its last run changes. The stop function is idempotent.
func Run(fn func()) (stop func()) {
	effect := &Effect{
		fn: fn,
	}
	effect.run()
	return effect.stop
}

// observer implementation

func (self *Effect) addSource(source *sourceCore) {
	self.sources = append(self.sources, source)
}

func (self *Effect) invalidate(pending *[]*Effect) {
	if self.stopped || self.queued {
		return
	}
	self.queued = true
	*pending = append(*pending, self)
}

func (self *Effect) run() {
	rt.mutex.Lock()
	if self.stopped {
		rt.mutex.Unlock()
		return
	}
	self.queued = false
	self.clearSources()
	rt.observerStack = append(rt.observerStack, self)
	rt.mutex.Unlock()

	defer func() {
		rt.mutex.Lock()
		rt.observerStack = rt.observerStack[:len(rt.observerStack)-1]
		rt.mutex.Unlock()
	}()
	self.fn()
}

func (self *Effect) stop() {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()
	if self.stopped {
		return
	}
	self.stopped = true
	self.clearSources()
}

// must be called with the runtime mutex
func (self *Effect) clearSources() {
	for _, source := range self.sources {
		delete(source.subscribers, self)
	}
	self.sources = nil
}
