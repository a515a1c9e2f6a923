package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"bringyour.com/livedoc"
)

// Websocket client for a snapshot gateway, implementing the `livedoc`
// collaborator contract (`DocRef`, `Queryable`) against remote documents.
//
// There is no reconnect: a dropped socket errors out every outstanding
// get and subscription, and the owner builds a new client.

type ClientAuth struct {
	ByJwt      string
	AppVersion string
}

type ClientSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	// bound on a one-shot get when the caller's context has no deadline
	CallTimeout time.Duration
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		CallTimeout:        15 * time.Second,
	}
}

type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	auth     *ClientAuth
	settings *ClientSettings

	conn      *websocket.Conn
	writeLock sync.Mutex

	stateLock     sync.Mutex
	closed        bool
	closeErr      error
	nextRequestId uint64
	// request id -> response router
	handlers map[uint64]func(message *serverMessage)
	oneShot  map[uint64]bool
}

func NewClientWithDefaults(ctx context.Context, url string, auth *ClientAuth) (*Client, error) {
	return NewClient(ctx, url, auth, DefaultClientSettings())
}

func NewClient(ctx context.Context, url string, auth *ClientAuth, settings *ClientSettings) (*Client, error) {
	if settings == nil {
		settings = DefaultClientSettings()
	}
	cancelCtx, cancel := context.WithCancel(ctx)

	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	if auth != nil && auth.ByJwt != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", auth.ByJwt))
	}
	if auth != nil && auth.AppVersion != "" {
		header.Set("X-App-Version", auth.AppVersion)
	}
	conn, _, err := dialer.DialContext(cancelCtx, url, header)
	if err != nil {
		cancel()
		return nil, err
	}

	client := &Client{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		auth:     auth,
		settings: settings,
		conn:     conn,
		handlers: map[uint64]func(message *serverMessage){},
		oneShot:  map[uint64]bool{},
	}
	go client.readLoop()
	return client, nil
}

func (self *Client) Doc(path string) livedoc.DocRef {
	return docRef{
		client: self,
		path:   path,
	}
}

func (self *Client) Query(collection string, where ...WhereClause) livedoc.Queryable {
	return &queryRef{
		client:     self,
		collection: collection,
		where:      where,
	}
}

func (self *Client) Close() {
	self.fail(errors.New("client closed"))
}

func (self *Client) readLoop() {
	for {
		var message serverMessage
		if err := self.conn.ReadJSON(&message); err != nil {
			self.fail(err)
			return
		}
		self.dispatch(&message)
	}
}

func (self *Client) dispatch(message *serverMessage) {
	self.stateLock.Lock()
	handler, ok := self.handlers[message.RequestId]
	if ok && self.oneShot[message.RequestId] {
		delete(self.handlers, message.RequestId)
		delete(self.oneShot, message.RequestId)
	}
	self.stateLock.Unlock()

	if !ok {
		glog.V(2).Infof("[remote]drop message for unknown request %d\n", message.RequestId)
		return
	}
	handler(message)
}

// errors out every outstanding handler and closes the socket. idempotent.
func (self *Client) fail(err error) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	self.closeErr = err
	handlers := self.handlers
	self.handlers = map[uint64]func(message *serverMessage){}
	self.oneShot = map[uint64]bool{}
	self.stateLock.Unlock()

	self.cancel()
	self.conn.Close()
	for requestId, handler := range handlers {
		handler(&serverMessage{
			Type:      MessageTypeError,
			RequestId: requestId,
			Message:   err.Error(),
		})
	}
}

// registers a handler then writes the request
func (self *Client) send(message *clientMessage, oneShot bool, handler func(message *serverMessage)) (uint64, error) {
	self.stateLock.Lock()
	if self.closed {
		closeErr := self.closeErr
		self.stateLock.Unlock()
		return 0, closeErr
	}
	self.nextRequestId += 1
	requestId := self.nextRequestId
	message.RequestId = requestId
	self.handlers[requestId] = handler
	self.oneShot[requestId] = oneShot
	self.stateLock.Unlock()

	if err := self.write(message); err != nil {
		self.stateLock.Lock()
		delete(self.handlers, requestId)
		delete(self.oneShot, requestId)
		self.stateLock.Unlock()
		return 0, err
	}
	return requestId, nil
}

func (self *Client) write(message *clientMessage) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.conn.WriteJSON(message)
}

// one-shot request/response
func (self *Client) call(ctx context.Context, message *clientMessage) (*serverMessage, error) {
	response := make(chan *serverMessage, 1)
	requestId, err := self.send(message, true, func(message *serverMessage) {
		response <- message
	})
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var callCancel context.CancelFunc
		callCtx, callCancel = context.WithTimeout(ctx, self.settings.CallTimeout)
		defer callCancel()
	}

	select {
	case message := <-response:
		if message.Type == MessageTypeError {
			return nil, errors.New(message.Message)
		}
		return message, nil
	case <-callCtx.Done():
		self.stateLock.Lock()
		delete(self.handlers, requestId)
		delete(self.oneShot, requestId)
		self.stateLock.Unlock()
		return nil, callCtx.Err()
	}
}

func (self *Client) unsubscribe(requestId uint64) {
	self.stateLock.Lock()
	_, ok := self.handlers[requestId]
	delete(self.handlers, requestId)
	delete(self.oneShot, requestId)
	closed := self.closed
	self.stateLock.Unlock()

	if ok && !closed {
		self.write(&clientMessage{
			Type:      MessageTypeUnsubscribe,
			RequestId: requestId,
		})
	}
}

func (self *Client) decodeDocSnapshot(message *serverMessage) (livedoc.DocSnapshot, error) {
	var data livedoc.Document
	if message.Exists {
		var err error
		data, err = decodeDocument(self, message.Data)
		if err != nil {
			return nil, err
		}
	}
	return docSnapshot{
		ref:    docRef{client: self, path: message.Path},
		data:   data,
		exists: message.Exists,
	}, nil
}

func (self *Client) decodeQuerySnapshot(message *serverMessage) (livedoc.QuerySnapshot, error) {
	docs := make([]livedoc.DocSnapshot, 0, len(message.Docs))
	for _, doc := range message.Docs {
		data, err := decodeDocument(self, doc.Data)
		if err != nil {
			return nil, err
		}
		docs = append(docs, docSnapshot{
			ref:    docRef{client: self, path: doc.Path},
			data:   data,
			exists: true,
		})
	}
	return querySnapshot{
		docs: docs,
	}, nil
}

// comparable: two refs to the same path on the same client are equal
type docRef struct {
	client *Client
	path   string
}

func (self docRef) Path() string {
	return self.path
}

func (self docRef) Get(ctx context.Context) (livedoc.DocSnapshot, error) {
	message, err := self.client.call(ctx, &clientMessage{
		Type: MessageTypeGet,
		Path: self.path,
	})
	if err != nil {
		return nil, err
	}
	return self.client.decodeDocSnapshot(message)
}

func (self docRef) OnSnapshot(onNext func(livedoc.DocSnapshot), onError func(error)) func() {
	requestId, err := self.client.send(
		&clientMessage{
			Type: MessageTypeSubscribe,
			Path: self.path,
		},
		false,
		func(message *serverMessage) {
			if message.Type == MessageTypeError {
				onError(errors.New(message.Message))
				return
			}
			snapshot, err := self.client.decodeDocSnapshot(message)
			if err != nil {
				onError(err)
				return
			}
			onNext(snapshot)
		},
	)
	if err != nil {
		onError(err)
		return func() {}
	}
	return func() {
		self.client.unsubscribe(requestId)
	}
}

func (self docRef) String() string {
	return self.path
}

type queryRef struct {
	client     *Client
	collection string
	where      []WhereClause
}

func (self *queryRef) Get(ctx context.Context) (livedoc.QuerySnapshot, error) {
	message, err := self.client.call(ctx, &clientMessage{
		Type:       MessageTypeGetQuery,
		Collection: self.collection,
		Where:      self.where,
	})
	if err != nil {
		return nil, err
	}
	return self.client.decodeQuerySnapshot(message)
}

func (self *queryRef) OnSnapshot(onNext func(livedoc.QuerySnapshot), onError func(error)) func() {
	requestId, err := self.client.send(
		&clientMessage{
			Type:       MessageTypeSubscribeQuery,
			Collection: self.collection,
			Where:      self.where,
		},
		false,
		func(message *serverMessage) {
			if message.Type == MessageTypeError {
				onError(errors.New(message.Message))
				return
			}
			snapshot, err := self.client.decodeQuerySnapshot(message)
			if err != nil {
				onError(err)
				return
			}
			onNext(snapshot)
		},
	)
	if err != nil {
		onError(err)
		return func() {}
	}
	return func() {
		self.client.unsubscribe(requestId)
	}
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
