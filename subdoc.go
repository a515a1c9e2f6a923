package livedoc

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

// one embedded ref discovered in an owning payload.
// the path is for diagnostics only.
type SubDocRecord struct {
	manager *SubDocManager
	path    []string
	ref     DocRef
}

func (self *SubDocRecord) Path() []string {
	return self.path
}

func (self *SubDocRecord) Ref() DocRef {
	return self.ref
}

// lazily creates the nested handle for this record's ref on first call.
// records of the same manager that share a ref share one handle.
func (self *SubDocRecord) Doc() *DocHandle {
	return self.manager.openHandle(self.ref)
}

func (self *SubDocRecord) String() string {
	return strings.Join(self.path, ".")
}

// owns the nested handles discovered inside one payload's lifetime.
//
// Nested handles are keyed by ref equality, created at most once per ref,
// and only on first access through a record's `Doc`. The manager
// exclusively owns every handle it has created: `RemoveAndDisconnectAll`
// disconnects and forgets all of them, and is a no-op when empty.
type SubDocManager struct {
	ctx       context.Context
	subscribe bool
	settings  *HandleSettings

	stateLock sync.Mutex
	records   []*SubDocRecord
	handles   map[DocRef]*DocHandle
	// creation order
	handleRefs []DocRef
}

func NewSubDocManager(ctx context.Context, subscribe bool, settings *HandleSettings) *SubDocManager {
	if settings == nil {
		settings = DefaultHandleSettings()
	}
	return &SubDocManager{
		ctx:       ctx,
		subscribe: subscribe,
		settings:  settings,
		records:   []*SubDocRecord{},
		handles:   map[DocRef]*DocHandle{},
	}
}

// walks `data` and adds one record per embedded ref
func (self *SubDocManager) Enhance(data Document) {
	if data == nil {
		return
	}
	WalkRefs(data, func(ref DocRef, path []string) {
		self.Add(path, ref)
	})
}

func (self *SubDocManager) Add(path []string, ref DocRef) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.records = append(self.records, &SubDocRecord{
		manager: self,
		path:    path,
		ref:     ref,
	})
}

func (self *SubDocManager) Records() []*SubDocRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.records)
}

func (self *SubDocManager) openHandle(ref DocRef) *DocHandle {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if handle, ok := self.handles[ref]; ok {
		return handle
	}
	// nested handles track a fixed ref with the owner's subscribe mode.
	// the teardown registry is not inherited - the manager owns the
	// nested lifecycle, not the host component.
	settings := *self.settings
	settings.RegisterTeardown = nil
	handle := NewDocHandle(
		self.ctx,
		func() DocRef {
			return ref
		},
		self.subscribe,
		&settings,
	)
	self.handles[ref] = handle
	self.handleRefs = append(self.handleRefs, ref)
	return handle
}

// disconnects every created handle, most recently created first, and
// forgets all records. Tolerates records whose handle was never created.
func (self *SubDocManager) RemoveAndDisconnectAll() {
	self.stateLock.Lock()
	self.records = []*SubDocRecord{}
	handleRefs := self.handleRefs
	handles := self.handles
	self.handleRefs = nil
	self.handles = map[DocRef]*DocHandle{}
	self.stateLock.Unlock()

	for i := len(handleRefs) - 1; 0 <= i; i -= 1 {
		handles[handleRefs[i]].Disconnect()
	}
}
