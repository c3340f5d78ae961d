package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/chatsync/pkg/protocol"
	"github.com/mbeoliero/chatsync/sdk"
)

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []protocol.WSRequest
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case d := <-c.in:
		return d, nil
	case <-c.closed:
		return nil, ErrConnClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	var req protocol.WSRequest
	if err := protocol.Decode(data, &req); err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, req)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) identifiers() []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int32, 0, len(c.writes))
	for _, w := range c.writes {
		ids = append(ids, w.ReqIdentifier)
	}
	return ids
}

func (c *fakeConn) push(t *testing.T, event string, v interface{}) {
	t.Helper()
	resp, err := protocol.NewPush(event, v)
	require.NoError(t, err)
	data, err := protocol.Encode(resp)
	require.NoError(t, err)
	c.in <- data
}

type fakeDialer struct {
	mu      sync.Mutex
	results []interface{} // *fakeConn or error
	calls   int
	urls    []string
	block   bool
}

func (d *fakeDialer) Dial(ctx context.Context, url string, _ http.Header) (Conn, error) {
	d.mu.Lock()
	d.calls++
	d.urls = append(d.urls, url)
	block := d.block
	var next interface{} = fmt.Errorf("%w: refused", sdk.ErrNetwork)
	if len(d.results) > 0 {
		next = d.results[0]
		d.results = d.results[1:]
	}
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if conn, ok := next.(*fakeConn); ok {
		return conn, nil
	}
	return nil, next.(error)
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

var testCred = Credential{Token: "tok", UserId: "alice", PlatformId: 6}

func fastConfig() Config {
	return Config{
		URL:                  "ws://chat.test/ws",
		ConnectTimeout:       200 * time.Millisecond,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       time.Millisecond,
		MaxReconnectDelay:    2 * time.Millisecond,
	}
}

func TestConnectAnnouncesPresenceOnce(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{results: []interface{}{conn}}
	s := New(fastConfig(), d)
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background(), testCred))
	require.NoError(t, s.Connect(context.Background(), testCred))

	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, 1, d.callCount())
	assert.Equal(t, []int32{protocol.WSPresence}, conn.identifiers())
	assert.Contains(t, d.urls[0], "token=tok")
	assert.Contains(t, d.urls[0], "send_id=alice")
}

func TestConnectAuthRejected(t *testing.T) {
	d := &fakeDialer{results: []interface{}{fmt.Errorf("%w: handshake rejected with status 401", sdk.ErrAuth)}}
	s := New(fastConfig(), d)

	err := s.Connect(context.Background(), testCred)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sdk.ErrAuth))
	assert.Equal(t, StateDisconnected, s.State())
}

func TestConnectTimeoutIsNetworkError(t *testing.T) {
	d := &fakeDialer{block: true}
	cfg := fastConfig()
	cfg.ConnectTimeout = 30 * time.Millisecond
	s := New(cfg, d)

	err := s.Connect(context.Background(), testCred)
	require.Error(t, err)
	assert.ErrorIs(t, err, sdk.ErrNetwork)
	assert.False(t, errors.Is(err, sdk.ErrAuth))
}

func TestEventsDispatchedInOrderAndPanicsContained(t *testing.T) {
	conn := newFakeConn()
	s := New(fastConfig(), &fakeDialer{results: []interface{}{conn}})
	defer s.Disconnect()

	got := make(chan string, 8)
	s.On(protocol.EventNewMessage, func(e Event) {
		var m protocol.MessageData
		assert.NoError(t, e.Decode(&m))
		if m.Id == "boom" {
			panic("handler failure")
		}
		got <- m.Id
	})
	require.NoError(t, s.Connect(context.Background(), testCred))

	for _, id := range []string{"m1", "boom", "m2", "m3"} {
		conn.push(t, protocol.EventNewMessage, &protocol.MessageData{Id: id})
	}

	var order []string
	for i := 0; i < 3; i++ {
		select {
		case id := <-got:
			order = append(order, id)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, order)
	assert.Equal(t, StateConnected, s.State())
}

func TestReconnectRejoinsRoomsAndMarksResumed(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	d := &fakeDialer{results: []interface{}{first, fmt.Errorf("%w: refused", sdk.ErrNetwork), second}}
	s := New(fastConfig(), d)
	defer s.Disconnect()

	resumed := make(chan StateChange, 1)
	s.OnState(func(c StateChange) {
		if c.State == StateConnected && c.Resumed {
			resumed <- c
		}
	})

	require.NoError(t, s.Connect(context.Background(), testCred))
	require.NoError(t, s.Join(context.Background(), "si_alice:bob"))
	first.Close()

	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatal("session did not resume")
	}
	assert.Equal(t, 3, d.callCount())
	assert.Equal(t, []int32{protocol.WSJoinConversation, protocol.WSPresence}, second.identifiers())
	assert.ElementsMatch(t, []string{"si_alice:bob"}, s.Rooms())
}

func TestReconnectGivesUpWithConnectionLost(t *testing.T) {
	first := newFakeConn()
	d := &fakeDialer{results: []interface{}{first}}
	s := New(fastConfig(), d)
	defer s.Disconnect()

	lost := make(chan error, 1)
	s.OnState(func(c StateChange) {
		if c.State == StateDisconnected && c.Err != nil {
			lost <- c.Err
		}
	})

	require.NoError(t, s.Connect(context.Background(), testCred))
	first.Close()

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, sdk.ErrConnectionLost)
	case <-time.After(time.Second):
		t.Fatal("reconnect loop did not give up")
	}
	assert.Equal(t, 1+3, d.callCount())
	assert.Equal(t, StateDisconnected, s.State())
}

func TestDisconnectClearsHandlersAndIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{results: []interface{}{conn}}
	s := New(fastConfig(), d)

	s.On(protocol.EventUserTyping, func(Event) {})
	require.NoError(t, s.Connect(context.Background(), testCred))
	require.NoError(t, s.Join(context.Background(), "sg_1"))

	require.NoError(t, s.Disconnect())
	require.NoError(t, s.Disconnect())

	assert.Equal(t, StateDisconnected, s.State())
	assert.Empty(t, s.handlers)
	assert.Empty(t, s.Rooms())
	assert.ErrorIs(t, s.Send(context.Background(), protocol.WSHeartbeat, nil), sdk.ErrConnectionLost)

	// An explicit disconnect never triggers reconnection.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.callCount())
}

func TestKickStopsWithoutReconnect(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{results: []interface{}{conn, newFakeConn()}}
	s := New(fastConfig(), d)
	defer s.Disconnect()

	kicked := make(chan error, 1)
	s.OnState(func(c StateChange) {
		if c.State == StateDisconnected {
			kicked <- c.Err
		}
	})
	require.NoError(t, s.Connect(context.Background(), testCred))

	data, err := protocol.Encode(&protocol.WSResponse{ReqIdentifier: protocol.WSKickOnlineMsg})
	require.NoError(t, err)
	conn.in <- data

	select {
	case err := <-kicked:
		assert.ErrorIs(t, err, sdk.ErrAuth)
	case <-time.After(time.Second):
		t.Fatal("kick not observed")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.callCount())
}
