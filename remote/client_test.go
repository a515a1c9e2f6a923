package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bringyour.com/livedoc"
	"bringyour.com/livedoc/memstore"
)

// minimal in-process snapshot gateway over a memstore, enough to exercise
// the client protocol end to end

type testGateway struct {
	t     *testing.T
	store *memstore.Store

	authLock sync.Mutex
	lastAuth string
}

func newTestGateway(t *testing.T, store *memstore.Store) *testGateway {
	return &testGateway{
		t:     t,
		store: store,
	}
}

func (self *testGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	self.authLock.Lock()
	self.lastAuth = r.Header.Get("Authorization")
	self.authLock.Unlock()

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	writeLock := &sync.Mutex{}
	writeMessage := func(message *serverMessage) {
		writeLock.Lock()
		defer writeLock.Unlock()
		conn.WriteJSON(message)
	}

	unsubs := map[uint64]func(){}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	for {
		var message clientMessage
		if err := conn.ReadJSON(&message); err != nil {
			return
		}

		switch message.Type {
		case MessageTypeGet:
			snapshot, _ := self.store.Doc(message.Path).Get(context.Background())
			writeMessage(self.docMessage(message.RequestId, snapshot))
		case MessageTypeSubscribe:
			requestId := message.RequestId
			unsubs[requestId] = self.store.Doc(message.Path).OnSnapshot(
				func(snapshot livedoc.DocSnapshot) {
					writeMessage(self.docMessage(requestId, snapshot))
				},
				func(err error) {
				},
			)
		case MessageTypeGetQuery:
			snapshot, _ := self.query(&message).Get(context.Background())
			writeMessage(self.queryMessage(message.RequestId, snapshot))
		case MessageTypeSubscribeQuery:
			requestId := message.RequestId
			unsubs[requestId] = self.query(&message).OnSnapshot(
				func(snapshot livedoc.QuerySnapshot) {
					writeMessage(self.queryMessage(requestId, snapshot))
				},
				func(err error) {
				},
			)
		case MessageTypeUnsubscribe:
			if unsub, ok := unsubs[message.RequestId]; ok {
				delete(unsubs, message.RequestId)
				unsub()
			}
		}
	}
}

func (self *testGateway) query(message *clientMessage) livedoc.Queryable {
	query := self.store.Collection(message.Collection).Query()
	for _, clause := range message.Where {
		query = query.Where(clause.Field, clause.Op, clause.Value)
	}
	return query
}

func (self *testGateway) docMessage(requestId uint64, snapshot livedoc.DocSnapshot) *serverMessage {
	message := &serverMessage{
		Type:      MessageTypeSnapshot,
		RequestId: requestId,
		Path:      snapshot.Ref().Path(),
		Exists:    snapshot.Exists(),
	}
	if snapshot.Exists() {
		data, err := EncodeDocument(snapshot.Data())
		require.NoError(self.t, err)
		message.Data = data
	}
	return message
}

func (self *testGateway) queryMessage(requestId uint64, snapshot livedoc.QuerySnapshot) *serverMessage {
	message := &serverMessage{
		Type:      MessageTypeQuerySnapshot,
		RequestId: requestId,
	}
	for _, doc := range snapshot.Docs() {
		data, err := EncodeDocument(doc.Data())
		require.NoError(self.t, err)
		message.Docs = append(message.Docs, wireDoc{
			Path: doc.Ref().Path(),
			Data: data,
		})
	}
	return message
}

func startGateway(t *testing.T) (*testGateway, *memstore.Store, string) {
	store := memstore.NewStore()
	gateway := newTestGateway(t, store)
	server := httptest.NewServer(gateway)
	t.Cleanup(server.Close)
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	return gateway, store, url
}

func newTestClient(t *testing.T, url string) *Client {
	byJwt, err := SignByJwt([]byte("test secret"), &ByJwt{
		UserId:    livedoc.NewId(),
		StoreName: "test store",
		ClientId:  livedoc.NewId(),
	})
	require.NoError(t, err)

	client, err := NewClientWithDefaults(context.Background(), url, &ClientAuth{
		ByJwt:      byJwt,
		AppVersion: "0.0.0-test",
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

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

func TestByJwtRoundTrip(t *testing.T) {
	userId := livedoc.NewId()
	clientId := livedoc.NewId()

	byJwtStr, err := SignByJwt([]byte("secret"), &ByJwt{
		UserId:    userId,
		StoreName: "store one",
		ClientId:  clientId,
	})
	require.NoError(t, err)

	byJwt, err := ParseByJwtUnverified(byJwtStr)
	require.NoError(t, err)
	assert.Equal(t, userId, byJwt.UserId)
	assert.Equal(t, "store one", byJwt.StoreName)
	assert.Equal(t, clientId, byJwt.ClientId)
}

func TestClientAuthHeader(t *testing.T) {
	gateway, _, url := startGateway(t)
	newTestClient(t, url)

	gateway.authLock.Lock()
	lastAuth := gateway.lastAuth
	gateway.authLock.Unlock()
	require.True(t, strings.HasPrefix(lastAuth, "Bearer "))

	byJwt, err := ParseByJwtUnverified(strings.TrimPrefix(lastAuth, "Bearer "))
	require.NoError(t, err)
	assert.Equal(t, "test store", byJwt.StoreName)
}

func TestClientGetDoc(t *testing.T) {
	_, store, url := startGateway(t)
	client := newTestClient(t, url)

	store.Set("users/a", livedoc.Document{
		"name": "x",
		"team": store.Doc("teams/t"),
	})

	snapshot, err := client.Doc("users/a").Get(context.Background())
	require.NoError(t, err)
	assert.True(t, snapshot.Exists())
	assert.Equal(t, "x", snapshot.Data()["name"])

	// the $ref payload value rehydrates into a client-bound ref
	teamRef, ok := snapshot.Data()["team"].(livedoc.DocRef)
	require.True(t, ok)
	assert.Equal(t, "teams/t", teamRef.Path())
}

func TestClientGetMissingDoc(t *testing.T) {
	_, _, url := startGateway(t)
	client := newTestClient(t, url)

	snapshot, err := client.Doc("users/nope").Get(context.Background())
	require.NoError(t, err)
	assert.False(t, snapshot.Exists())
	assert.Nil(t, snapshot.Data())
}

func TestClientWatchDoc(t *testing.T) {
	_, store, url := startGateway(t)
	client := newTestClient(t, url)

	var observedLock sync.Mutex
	observed := []livedoc.DocSnapshot{}
	unsub := client.Doc("users/a").OnSnapshot(
		func(snapshot livedoc.DocSnapshot) {
			observedLock.Lock()
			observed = append(observed, snapshot)
			observedLock.Unlock()
		},
		func(err error) {
		},
	)
	defer unsub()

	observedCount := func() int {
		observedLock.Lock()
		defer observedLock.Unlock()
		return len(observed)
	}

	waitFor(t, func() bool {
		return observedCount() == 1
	})

	store.Set("users/a", livedoc.Document{"v": 1.0})
	waitFor(t, func() bool {
		return observedCount() == 2
	})

	observedLock.Lock()
	assert.False(t, observed[0].Exists())
	assert.Equal(t, livedoc.Document{"v": 1.0}, observed[1].Data())
	observedLock.Unlock()

	unsub()
	// give the unsubscribe time to reach the gateway
	time.Sleep(50 * time.Millisecond)
	store.Set("users/a", livedoc.Document{"v": 2.0})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, observedCount())
}

func TestClientQuery(t *testing.T) {
	_, store, url := startGateway(t)
	client := newTestClient(t, url)

	store.Set("tasks/1", livedoc.Document{"state": "open"})
	store.Set("tasks/2", livedoc.Document{"state": "done"})

	snapshot, err := client.Query("tasks", WhereClause{
		Field: "state",
		Op:    "==",
		Value: "open",
	}).Get(context.Background())
	require.NoError(t, err)
	docs := snapshot.Docs()
	require.Len(t, docs, 1)
	assert.Equal(t, "tasks/1", docs[0].Ref().Path())
}

func TestClientWatchDocHandle(t *testing.T) {
	_, store, url := startGateway(t)
	client := newTestClient(t, url)

	store.Set("teams/t", livedoc.Document{"title": "t"})
	store.Set("users/a", livedoc.Document{
		"name": "x",
		"team": client.Doc("teams/t"),
	})

	handle := livedoc.WatchDoc(context.Background(), client.Doc("users/a"), nil)
	defer handle.Disconnect()

	waitFor(t, func() bool {
		return !handle.Loading()
	})
	assert.Equal(t, "x", handle.Data()["name"])

	records := handle.SubDocs()
	require.Len(t, records, 1)

	nested := records[0].Doc()
	waitFor(t, func() bool {
		return !nested.Loading()
	})
	assert.Equal(t, livedoc.Document{"title": "t"}, nested.Data())

	// a remote write flows through to the nested handle
	store.Set("teams/t", livedoc.Document{"title": "renamed"})
	waitFor(t, func() bool {
		data := nested.Data()
		return data != nil && data["title"] == "renamed"
	})
}

func TestClientFailErrorsSubscriptions(t *testing.T) {
	_, _, url := startGateway(t)
	client := newTestClient(t, url)

	errs := make(chan error, 1)
	unsub := client.Doc("users/a").OnSnapshot(
		func(snapshot livedoc.DocSnapshot) {
		},
		func(err error) {
			select {
			case errs <- err:
			default:
			}
		},
	)
	defer unsub()

	client.Close()

	select {
	case <-errs:
	case <-time.After(5 * time.Second):
		t.Fatal("no error delivered after close")
	}
}
