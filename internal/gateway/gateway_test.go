package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/chatsync/internal/config"
	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/jwt"
	"github.com/mbeoliero/chatsync/pkg/protocol"
)

type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func (c *fakeConn) ReadMessage() ([]byte, error) { return nil, errors.New("not used") }

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

func (c *fakeConn) frames(t *testing.T) []protocol.WSResponse {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.WSResponse, 0, len(c.written))
	for _, raw := range c.written {
		var resp protocol.WSResponse
		require.NoError(t, json.Unmarshal(raw, &resp))
		out = append(out, resp)
	}
	return out
}

func (c *fakeConn) events(t *testing.T) []string {
	var out []string
	for _, f := range c.frames(t) {
		if f.ReqIdentifier == protocol.WSPushEvent {
			out = append(out, f.Event)
		}
	}
	return out
}

type fakeAuth struct{}

func (fakeAuth) ValidateTokenWithUser(_ context.Context, _, userId string, platformId int) (*jwt.Claims, error) {
	return &jwt.Claims{UserId: userId, PlatformId: platformId}, nil
}

type delivery struct {
	userId string
	convId string
	seq    int64
}

type fakeDirectory struct {
	mu        sync.Mutex
	access    map[string][]string // conversationId -> users
	contacts  map[string][]string
	delivered []delivery
}

func (d *fakeDirectory) CanAccess(_ context.Context, userId, conversationId string) (bool, error) {
	for _, id := range d.access[conversationId] {
		if id == userId {
			return true, nil
		}
	}
	return false, nil
}

func (d *fakeDirectory) Contacts(_ context.Context, userId string) ([]string, error) {
	return d.contacts[userId], nil
}

func (d *fakeDirectory) MarkDelivered(_ context.Context, userId, conversationId string, seq int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered = append(d.delivered, delivery{userId, conversationId, seq})
	return nil
}

type fakePresence struct {
	conns     map[string]int
	refreshes int
}

func (p *fakePresence) SetOnline(_ context.Context, userId, _ string) (bool, error) {
	p.conns[userId]++
	return p.conns[userId] == 1, nil
}

func (p *fakePresence) SetOffline(_ context.Context, userId, _ string) (bool, int64, error) {
	p.conns[userId]--
	if p.conns[userId] > 0 {
		return false, 0, nil
	}
	return true, 1700000000000, nil
}

func (p *fakePresence) RefreshOnline(context.Context, string) error {
	p.refreshes++
	return nil
}

const testConv = "si_alice:bob"

func newTestServer(cfg config.WebSocketConfig) (*WsServer, *fakeDirectory, *fakePresence) {
	dir := &fakeDirectory{
		access:   map[string][]string{testConv: {"alice", "bob"}},
		contacts: map[string][]string{"alice": {"bob"}, "bob": {"alice"}},
	}
	pres := &fakePresence{conns: map[string]int{}}
	return NewWsServer(cfg, fakeAuth{}, dir, pres), dir, pres
}

func newTestClient(s *WsServer, userId, connId string) (*Client, *fakeConn) {
	conn := &fakeConn{}
	return NewClient(conn, userId, 1, protocol.SDKTypeGo, "token-"+connId, connId, s), conn
}

func frame(t *testing.T, reqIdentifier int32, msgIncr string, v interface{}) []byte {
	t.Helper()
	req, err := protocol.NewRequest(reqIdentifier, msgIncr, "op-"+msgIncr, v)
	require.NoError(t, err)
	raw, err := protocol.Encode(req)
	require.NoError(t, err)
	return raw
}

// drain processes every queued push task
func drain(ctx context.Context, s *WsServer) {
	for {
		idle := true
		for _, ch := range s.pushChans {
			select {
			case task := <-ch:
				s.processPushTask(ctx, task)
				idle = false
			default:
			}
		}
		if idle {
			return
		}
	}
}

func TestRoomRegistry(t *testing.T) {
	s, _, _ := newTestServer(config.WebSocketConfig{})
	a, _ := newTestClient(s, "alice", "c1")
	b, _ := newTestClient(s, "bob", "c2")
	r := NewRoomRegistry()

	r.Join("conv1", a)
	r.Join("conv1", a)
	r.Join("conv1", b)
	r.Join("conv2", a)

	assert.Len(t, r.Members("conv1"), 2)
	assert.True(t, r.Joined("conv2", a))
	assert.False(t, r.Joined("conv2", b))

	r.Leave("conv1", b)
	assert.Len(t, r.Members("conv1"), 1)

	assert.ElementsMatch(t, []string{"conv1", "conv2"}, r.LeaveAll(a))
	assert.Empty(t, r.Members("conv1"))
	assert.Empty(t, r.LeaveAll(a))
}

func TestUserMapRegisterUnregister(t *testing.T) {
	s, _, _ := newTestServer(config.WebSocketConfig{})
	m := NewUserMap()
	c1, _ := newTestClient(s, "alice", "c1")
	c2, _ := newTestClient(s, "alice", "c2")

	assert.True(t, m.Register(c1))
	assert.False(t, m.Register(c2))
	assert.Equal(t, 1, m.GetOnlineUserCount())
	assert.Equal(t, 2, m.GetOnlineConnCount())
	assert.Equal(t, []*Client{c2}, m.GetByTokens("alice", 1, []string{"token-c2", "other"}))
	assert.Empty(t, m.GetByTokens("alice", 2, []string{"token-c2"}))

	removed, offline := m.Unregister(c1)
	assert.True(t, removed)
	assert.False(t, offline)

	removed, _ = m.Unregister(c1)
	assert.False(t, removed)

	removed, offline = m.Unregister(c2)
	assert.True(t, removed)
	assert.True(t, offline)
	assert.False(t, m.HasConnection("alice"))
}

func TestJoinRequiresAccess(t *testing.T) {
	s, _, _ := newTestServer(config.WebSocketConfig{})
	c, conn := newTestClient(s, "alice", "c1")

	require.NoError(t, c.handleMessage(frame(t, protocol.WSJoinConversation, "1", &protocol.ConversationReq{ConversationId: testConv})))
	require.NoError(t, c.handleMessage(frame(t, protocol.WSJoinConversation, "2", &protocol.ConversationReq{ConversationId: "sg_other"})))
	require.NoError(t, c.handleMessage(frame(t, protocol.WSJoinConversation, "3", nil)))

	frames := conn.frames(t)
	require.Len(t, frames, 3)
	assert.Equal(t, 0, frames[0].ErrCode)
	assert.Equal(t, "1", frames[0].MsgIncr)
	assert.Equal(t, "op-1", frames[0].OperationId)
	assert.Equal(t, errcode.ErrNoPermission.Code, frames[1].ErrCode)
	assert.Equal(t, errcode.ErrInvalidParam.Code, frames[2].ErrCode)

	assert.True(t, s.rooms.Joined(testConv, c))
	assert.False(t, s.rooms.Joined("sg_other", c))

	require.NoError(t, c.handleMessage(frame(t, protocol.WSLeaveConversation, "4", &protocol.ConversationReq{ConversationId: testConv})))
	assert.False(t, s.rooms.Joined(testConv, c))
}

func TestInvalidFramesAreAnsweredNotFatal(t *testing.T) {
	s, _, _ := newTestServer(config.WebSocketConfig{})
	c, conn := newTestClient(s, "alice", "c1")

	require.NoError(t, c.handleMessage([]byte("{not json")))
	require.NoError(t, c.handleMessage(frame(t, 9999, "1", nil)))

	mismatch, err := protocol.Encode(&protocol.WSRequest{ReqIdentifier: protocol.WSHeartbeat, SendId: "mallory"})
	require.NoError(t, err)
	require.NoError(t, c.handleMessage(mismatch))

	frames := conn.frames(t)
	require.Len(t, frames, 3)
	assert.Equal(t, errcode.ErrInvalidProtocol.Code, frames[0].ErrCode)
	assert.Equal(t, errcode.ErrInvalidProtocol.Code, frames[1].ErrCode)
	assert.Equal(t, int32(9999), frames[1].ReqIdentifier)
	assert.Equal(t, errcode.ErrTokenMismatch.Code, frames[2].ErrCode)
}

func TestFrameRateLimit(t *testing.T) {
	s, _, pres := newTestServer(config.WebSocketConfig{FrameRate: 0.001, FrameBurst: 2})
	c, conn := newTestClient(s, "alice", "c1")

	for i := 0; i < 3; i++ {
		require.NoError(t, c.handleMessage(frame(t, protocol.WSHeartbeat, "hb", nil)))
	}

	frames := conn.frames(t)
	require.Len(t, frames, 3)
	assert.Equal(t, 0, frames[0].ErrCode)
	assert.Equal(t, 0, frames[1].ErrCode)
	assert.Equal(t, errcode.ErrTooManyRequests.Code, frames[2].ErrCode)
	assert.Equal(t, 2, pres.refreshes)
}

func TestTypingRelayedToOtherRoomMembers(t *testing.T) {
	s, _, _ := newTestServer(config.WebSocketConfig{})
	alice, aliceConn := newTestClient(s, "alice", "c1")
	aliceTab, aliceTabConn := newTestClient(s, "alice", "c2")
	bob, bobConn := newTestClient(s, "bob", "c3")
	s.rooms.Join(testConv, alice)
	s.rooms.Join(testConv, aliceTab)
	s.rooms.Join(testConv, bob)

	require.NoError(t, alice.handleMessage(frame(t, protocol.WSTyping, "1", &protocol.TypingReq{ConversationId: testConv, Typing: true})))

	assert.Equal(t, []string{protocol.EventUserTyping}, bobConn.events(t))
	assert.Empty(t, aliceConn.events(t))
	assert.Empty(t, aliceTabConn.events(t))

	push := bobConn.frames(t)[0]
	var data protocol.TypingData
	require.NoError(t, json.Unmarshal(push.Data, &data))
	assert.Equal(t, protocol.TypingData{ConversationId: testConv, UserId: "alice", Typing: true}, data)
}

func TestTypingOutsideRoomChecksAccess(t *testing.T) {
	s, _, _ := newTestServer(config.WebSocketConfig{})
	c, conn := newTestClient(s, "mallory", "c1")

	require.NoError(t, c.handleMessage(frame(t, protocol.WSTyping, "1", &protocol.TypingReq{ConversationId: testConv, Typing: true})))
	frames := conn.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, errcode.ErrNoPermission.Code, frames[0].ErrCode)
}

func TestPushNewMessageAcksDelivery(t *testing.T) {
	ctx := context.Background()
	s, dir, _ := newTestServer(config.WebSocketConfig{})
	alice, aliceConn := newTestClient(s, "alice", "c1")
	bob, bobConn := newTestClient(s, "bob", "c2")
	s.userMap.Register(alice)
	s.userMap.Register(bob)

	msg := &protocol.MessageData{Id: "m1", ConversationId: testConv, Seq: 7, SenderId: "alice", Type: protocol.MsgTypeText, Content: "hi"}
	s.PushNewMessage(ctx, msg, []string{"alice", "bob", "carol"})
	drain(ctx, s)

	assert.Equal(t, []string{protocol.EventNewMessage}, bobConn.events(t))
	assert.Equal(t, []string{protocol.EventNewMessage, protocol.EventMessagesDelivered}, aliceConn.events(t))
	assert.Equal(t, []delivery{{"bob", testConv, 7}}, dir.delivered)

	var ack protocol.DeliveredData
	require.NoError(t, json.Unmarshal(aliceConn.frames(t)[1].Data, &ack))
	assert.Equal(t, testConv, ack.ConversationId)
	assert.Equal(t, []string{"m1"}, ack.MessageIds)
}

func TestNoDeliveryAckWhenRecipientOffline(t *testing.T) {
	ctx := context.Background()
	s, dir, _ := newTestServer(config.WebSocketConfig{})
	alice, aliceConn := newTestClient(s, "alice", "c1")
	s.userMap.Register(alice)

	s.PushNewMessage(ctx, &protocol.MessageData{Id: "m1", ConversationId: testConv, Seq: 1, SenderId: "alice"}, []string{"alice", "bob"})
	drain(ctx, s)

	assert.Equal(t, []string{protocol.EventNewMessage}, aliceConn.events(t))
	assert.Empty(t, dir.delivered)
}

func TestPresenceBroadcastOnFirstAndLastConnection(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestServer(config.WebSocketConfig{})
	bob, bobConn := newTestClient(s, "bob", "b1")
	s.registerClient(ctx, bob)
	drain(ctx, s)

	phone, _ := newTestClient(s, "alice", "a1")
	laptop, _ := newTestClient(s, "alice", "a2")
	s.registerClient(ctx, phone)
	s.registerClient(ctx, laptop)
	drain(ctx, s)
	assert.Equal(t, []string{protocol.EventUserStatusUpdate}, bobConn.events(t))
	assert.Equal(t, int64(2), s.GetOnlineUserCount())
	assert.Equal(t, int64(3), s.GetOnlineConnCount())

	s.unregisterClient(ctx, phone)
	drain(ctx, s)
	assert.Len(t, bobConn.events(t), 1)

	s.unregisterClient(ctx, laptop)
	drain(ctx, s)
	frames := bobConn.frames(t)
	require.Len(t, frames, 2)
	var status protocol.UserStatusData
	require.NoError(t, json.Unmarshal(frames[1].Data, &status))
	assert.Equal(t, protocol.UserStatusData{UserId: "alice", Online: false, LastSeen: 1700000000000}, status)
	assert.Equal(t, int64(1), s.GetOnlineUserCount())
}

func TestRegisterSkipsClosedClient(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestServer(config.WebSocketConfig{})
	c, _ := newTestClient(s, "alice", "c1")
	require.NoError(t, c.Close())

	s.unregisterClient(ctx, c)
	s.registerClient(ctx, c)
	assert.Equal(t, int64(0), s.GetOnlineConnCount())
	assert.False(t, s.userMap.HasConnection("alice"))
}

func TestKickTokens(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestServer(config.WebSocketConfig{})
	old, oldConn := newTestClient(s, "alice", "c1")
	current, currentConn := newTestClient(s, "alice", "c2")
	s.userMap.Register(old)
	s.userMap.Register(current)

	s.KickTokens(ctx, "alice", 1, []string{"token-c1"})

	frames := oldConn.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, int32(protocol.WSKickOnlineMsg), frames[0].ReqIdentifier)
	assert.Equal(t, errcode.ErrTokenInvalid.Code, frames[0].ErrCode)
	assert.True(t, old.IsClosed())
	assert.ErrorIs(t, old.CloseReason(), ErrKicked)
	assert.False(t, current.IsClosed())
	assert.NoError(t, current.CloseReason())
	assert.Empty(t, currentConn.frames(t))
}

func TestCloseKeepsFirstReason(t *testing.T) {
	s, _, _ := newTestServer(config.WebSocketConfig{})
	c, _ := newTestClient(s, "alice", "c1")

	require.NoError(t, c.KickOnline())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.CloseReason(), ErrKicked)
}

func TestRunClosesClientsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, _, _ := newTestServer(config.WebSocketConfig{PushWorkerNum: 1})
	c, conn := newTestClient(s, "alice", "c1")
	s.userMap.Register(c)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, c.IsClosed())
	assert.ErrorIs(t, c.CloseReason(), ErrServerStopped)
	conn.mu.Lock()
	assert.True(t, conn.closed)
	conn.mu.Unlock()
}

func TestFullPushQueueDrops(t *testing.T) {
	s, _, _ := newTestServer(config.WebSocketConfig{PushChannelSize: 1})
	s.PushEvent(context.Background(), protocol.EventMessageDeleted, map[string]string{"id": "1"}, []string{"bob"})
	s.PushEvent(context.Background(), protocol.EventMessageDeleted, map[string]string{"id": "2"}, []string{"bob"})
	assert.Len(t, s.pushChans[s.shard("")], 1)
}

func TestConversationEventsShareOneWorker(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestServer(config.WebSocketConfig{PushWorkerNum: 4})
	require.Len(t, s.pushChans, 4)

	msg := &protocol.MessageData{Id: "m1", ConversationId: "sg_7", Seq: 1, SenderId: "alice"}
	s.PushNewMessage(ctx, msg, []string{"bob"})
	s.PushEvent(ctx, protocol.EventReactionUpdated, &protocol.ReactionData{MessageId: "m1", ConversationId: "sg_7", UserId: "bob", Emoji: "+1"}, []string{"bob"})
	s.PushEvent(ctx, protocol.EventMessageDeleted, msg, []string{"bob"})

	ch := s.pushChans[s.shard("sg_7")]
	require.Len(t, ch, 3)
	assert.Equal(t, protocol.EventNewMessage, (<-ch).Event)
	assert.Equal(t, protocol.EventReactionUpdated, (<-ch).Event)
	assert.Equal(t, protocol.EventMessageDeleted, (<-ch).Event)
}

func TestPushOrderPerMessageWithManyWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, _, _ := newTestServer(config.WebSocketConfig{PushWorkerNum: 4})
	bob, bobConn := newTestClient(s, "bob", "b1")
	s.userMap.Register(bob)
	go func() { _ = s.Run(ctx) }()

	const convs = 32
	for i := 0; i < convs; i++ {
		msg := &protocol.MessageData{Id: fmt.Sprintf("m%d", i), ConversationId: fmt.Sprintf("sg_%d", i), Seq: 1, SenderId: "alice", Type: protocol.MsgTypeText, Content: "hi"}
		s.PushNewMessage(ctx, msg, []string{"bob"})
		deleted := *msg
		deleted.Content = ""
		deleted.IsDeleted = true
		s.PushEvent(ctx, protocol.EventMessageDeleted, &deleted, []string{"bob"})
	}

	require.Eventually(t, func() bool { return bobConn.count() == 2*convs }, 2*time.Second, 5*time.Millisecond)

	last := make(map[string]string, convs)
	for _, f := range bobConn.frames(t) {
		var d protocol.MessageData
		require.NoError(t, json.Unmarshal(f.Data, &d))
		if f.Event == protocol.EventMessageDeleted {
			assert.Equal(t, protocol.EventNewMessage, last[d.Id], "delete of %s arrived before the message", d.Id)
		}
		last[d.Id] = f.Event
	}
	assert.Len(t, last, convs)
}
