package livedoc

import (
	"context"
	"sync"
	"testing"
	"time"
)

// scripted collaborator fakes used across the handle tests

type testRef struct {
	path string

	stateLock      sync.Mutex
	getResult      DocSnapshot
	getErr         error
	getBlock       chan struct{}
	getCount       int
	subscribeCount int
	unsubCount     int
	onNext         func(DocSnapshot)
	onError        func(error)
}

func newTestRef(path string) *testRef {
	return &testRef{
		path: path,
	}
}

func (self *testRef) Path() string {
	return self.path
}

func (self *testRef) Get(ctx context.Context) (DocSnapshot, error) {
	self.stateLock.Lock()
	self.getCount += 1
	block := self.getBlock
	self.stateLock.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	self.stateLock.Lock()
	result := self.getResult
	err := self.getErr
	self.stateLock.Unlock()
	return result, err
}

func (self *testRef) OnSnapshot(onNext func(DocSnapshot), onError func(error)) func() {
	self.stateLock.Lock()
	self.subscribeCount += 1
	self.onNext = onNext
	self.onError = onError
	self.stateLock.Unlock()
	return func() {
		self.stateLock.Lock()
		self.unsubCount += 1
		self.onNext = nil
		self.onError = nil
		self.stateLock.Unlock()
	}
}

func (self *testRef) setGetResult(snapshot DocSnapshot, err error) {
	self.stateLock.Lock()
	self.getResult = snapshot
	self.getErr = err
	self.stateLock.Unlock()
}

func (self *testRef) push(snapshot DocSnapshot) {
	self.stateLock.Lock()
	onNext := self.onNext
	self.stateLock.Unlock()
	if onNext != nil {
		onNext(snapshot)
	}
}

func (self *testRef) pushErr(err error) {
	self.stateLock.Lock()
	onError := self.onError
	self.stateLock.Unlock()
	if onError != nil {
		onError(err)
	}
}

// the current callback, for simulating erroneous post-unsubscribe delivery
func (self *testRef) capturedOnNext() func(DocSnapshot) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.onNext
}

func (self *testRef) snapshot(data Document) testSnapshot {
	return testSnapshot{
		ref:    self,
		data:   data,
		exists: data != nil,
	}
}

func (self *testRef) counts() (getCount int, subscribeCount int, unsubCount int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.getCount, self.subscribeCount, self.unsubCount
}

type testSnapshot struct {
	ref    DocRef
	data   Document
	exists bool
}

func (self testSnapshot) Ref() DocRef {
	return self.ref
}

func (self testSnapshot) Exists() bool {
	return self.exists
}

func (self testSnapshot) Data() Document {
	return self.data
}

type testQuery struct {
	stateLock      sync.Mutex
	getResult      QuerySnapshot
	getErr         error
	getCount       int
	subscribeCount int
	unsubCount     int
	onNext         func(QuerySnapshot)
	onError        func(error)
}

func newTestQuery() *testQuery {
	return &testQuery{}
}

func (self *testQuery) Get(ctx context.Context) (QuerySnapshot, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.getCount += 1
	return self.getResult, self.getErr
}

func (self *testQuery) OnSnapshot(onNext func(QuerySnapshot), onError func(error)) func() {
	self.stateLock.Lock()
	self.subscribeCount += 1
	self.onNext = onNext
	self.onError = onError
	self.stateLock.Unlock()
	return func() {
		self.stateLock.Lock()
		self.unsubCount += 1
		self.onNext = nil
		self.onError = nil
		self.stateLock.Unlock()
	}
}

func (self *testQuery) setGetResult(snapshot QuerySnapshot, err error) {
	self.stateLock.Lock()
	self.getResult = snapshot
	self.getErr = err
	self.stateLock.Unlock()
}

func (self *testQuery) push(snapshot QuerySnapshot) {
	self.stateLock.Lock()
	onNext := self.onNext
	self.stateLock.Unlock()
	if onNext != nil {
		onNext(snapshot)
	}
}

func (self *testQuery) pushErr(err error) {
	self.stateLock.Lock()
	onError := self.onError
	self.stateLock.Unlock()
	if onError != nil {
		onError(err)
	}
}

func (self *testQuery) counts() (getCount int, subscribeCount int, unsubCount int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.getCount, self.subscribeCount, self.unsubCount
}

type testQuerySnapshot struct {
	docs []DocSnapshot
}

func (self testQuerySnapshot) Docs() []DocSnapshot {
	return self.docs
}

// snapshot whose payload accessor stalls until released, for driving a
// settle that is superseded while still reading the payload

type slowSnapshot struct {
	ref     DocRef
	data    Document
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (self *slowSnapshot) Ref() DocRef {
	return self.ref
}

func (self *slowSnapshot) Exists() bool {
	return true
}

func (self *slowSnapshot) Data() Document {
	self.once.Do(func() {
		close(self.entered)
	})
	<-self.release
	return self.data
}

type slowQuerySnapshot struct {
	docs    []DocSnapshot
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (self *slowQuerySnapshot) Docs() []DocSnapshot {
	self.once.Do(func() {
		close(self.entered)
	})
	<-self.release
	return self.docs
}

// polls until `cond` or fails the test
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	end := time.Now().Add(5 * time.Second)
	for time.Now().Before(end) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}
