package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/chatsync/pkg/protocol"
	"github.com/mbeoliero/chatsync/sdk"
)

const conv = "si_alice:bob"

type fakeMessageAPI struct {
	mu        sync.Mutex
	seq       int64
	sends     []*sdk.SendMessageRequest
	bodies    [][]byte
	sendErr   error
	beforeAck func(d *protocol.MessageData)
	pages     map[int]*protocol.MessagePage
	listGate  chan struct{}
	editErr   error
	deleteErr error
	reactErr  error
	reactAt   int64

	// beforeDeleteErr runs just before DeleteMessage reports its result
	beforeDeleteErr func(messageId string)
}

func (f *fakeMessageAPI) ListMessages(ctx context.Context, conversationId string, page, limit int) (*protocol.MessagePage, error) {
	if f.listGate != nil {
		<-f.listGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[page]
	if !ok {
		return nil, errors.New("no such page")
	}
	return p, nil
}

func (f *fakeMessageAPI) SendMessage(ctx context.Context, conversationId string, req *sdk.SendMessageRequest) (*protocol.MessageData, error) {
	f.mu.Lock()
	f.sends = append(f.sends, req)
	for _, up := range req.Files {
		b, _ := io.ReadAll(up.Reader)
		f.bodies = append(f.bodies, b)
	}
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return nil, err
	}
	f.seq++
	d := &protocol.MessageData{
		Id:             fmt.Sprintf("srv-%d", f.seq),
		ConversationId: conversationId,
		Seq:            f.seq,
		ClientMsgId:    req.ClientMsgId,
		SenderId:       "alice",
		Type:           req.Type,
		Content:        req.Content,
		Status:         protocol.StatusSent,
		SendAt:         1_000_000 + f.seq,
	}
	for _, up := range req.Files {
		d.Attachments = append(d.Attachments, protocol.AttachmentData{Name: up.Name, Size: up.Size})
	}
	hook := f.beforeAck
	f.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	return d, nil
}

func (f *fakeMessageAPI) EditMessage(ctx context.Context, messageId, content string) (*protocol.MessageData, error) {
	if f.editErr != nil {
		return nil, f.editErr
	}
	return &protocol.MessageData{Id: messageId, ConversationId: conv, SenderId: "alice", Type: protocol.MsgTypeText, Content: content, IsEdited: true, EditedAt: 9_000_000}, nil
}

func (f *fakeMessageAPI) DeleteMessage(ctx context.Context, messageId string) error {
	if f.beforeDeleteErr != nil {
		f.beforeDeleteErr(messageId)
	}
	return f.deleteErr
}

func (f *fakeMessageAPI) AddReaction(ctx context.Context, messageId, emoji string) (*protocol.ReactionData, error) {
	if f.reactErr != nil {
		return nil, f.reactErr
	}
	return &protocol.ReactionData{
		MessageId: messageId,
		UserId:    "alice",
		Emoji:     emoji,
		Reactions: []protocol.ReactionEntry{{UserId: "alice", Emoji: emoji}, {UserId: "bob", Emoji: "🎉"}},
		UpdatedAt: f.reactAt,
	}, nil
}

func (f *fakeMessageAPI) RemoveReaction(ctx context.Context, messageId string) (*protocol.ReactionData, error) {
	if f.reactErr != nil {
		return nil, f.reactErr
	}
	return &protocol.ReactionData{MessageId: messageId, UserId: "alice", Removed: true, Reactions: []protocol.ReactionEntry{}, UpdatedAt: f.reactAt}, nil
}

func (f *fakeMessageAPI) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func serverMsg(id string, seq int64, sender, token string) *Message {
	m, err := ParseMessage(&protocol.MessageData{
		Id: id, ConversationId: conv, Seq: seq, SenderId: sender, ClientMsgId: token,
		Type: protocol.MsgTypeText, Content: id, SendAt: seq * 1000, Status: protocol.StatusSent,
	})
	if err != nil {
		panic(err)
	}
	return m
}

func tokens(msgs []*Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Id != "" {
			out = append(out, m.Id)
		} else {
			out = append(out, "pending:"+m.ClientMsgId)
		}
	}
	return out
}

func newStore(api MessageAPI) *MessageStore {
	n := 0
	return NewMessageStore(api, "alice", WithTokenGenerator(func() string {
		n++
		return fmt.Sprintf("t%d", n)
	}))
}

func TestSendReconcilesInPlace(t *testing.T) {
	api := &fakeMessageAPI{}
	s := newStore(api)
	s.Receive(serverMsg("m1", 1, "bob", ""))

	var seen []Status
	s.Subscribe(func(c Change) {
		if m, ok := s.MessageByToken("t1"); ok && c.ClientMsgId == "t1" {
			seen = append(seen, m.Status)
		}
	})

	m, err := s.Send(context.Background(), SendRequest{ConversationId: conv, Type: protocol.MsgTypeText, Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", m.Id)
	assert.Equal(t, "t1", m.ClientMsgId)
	assert.Equal(t, StatusSent, m.Status)
	assert.Equal(t, []Status{StatusSending, StatusSent}, seen)

	// The socket echo arrives after the REST reply.
	_, res := s.Receive(serverMsg("srv-1", 1, "alice", "t1"))
	assert.Equal(t, ReceiveDuplicate, res)
	assert.Equal(t, []string{"m1", "srv-1"}, tokens(s.Messages(conv)))
}

func TestEchoBeforeResponseYieldsOneEntry(t *testing.T) {
	api := &fakeMessageAPI{}
	s := newStore(api)
	api.beforeAck = func(d *protocol.MessageData) {
		echo, err := ParseMessage(d)
		require.NoError(t, err)
		_, res := s.Receive(echo)
		assert.Equal(t, ReceiveReconciled, res)
		// Another user's message lands between echo and response.
		s.Receive(serverMsg("other", 50, "bob", ""))
	}

	m, err := s.Send(context.Background(), SendRequest{ConversationId: conv, Type: protocol.MsgTypeText, Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", m.Id)

	msgs := s.Messages(conv)
	assert.Equal(t, []string{"srv-1", "other"}, tokens(msgs))
}

func TestConfirmedHookRunsOncePerToken(t *testing.T) {
	api := &fakeMessageAPI{pages: map[int]*protocol.MessagePage{}}
	var confirmed []string
	s := NewMessageStore(api, "alice", WithOnConfirmed(func(m *Message) {
		confirmed = append(confirmed, m.ClientMsgId)
	}))

	m, err := s.Send(context.Background(), SendRequest{ConversationId: conv, Type: protocol.MsgTypeText, Content: "one"})
	require.NoError(t, err)
	s.Receive(serverMsg(m.Id, m.Seq, "alice", m.ClientMsgId))
	assert.Equal(t, []string{m.ClientMsgId}, confirmed)

	// history can be the first to carry the server copy
	api.beforeAck = func(d *protocol.MessageData) {
		api.mu.Lock()
		api.pages[1] = &protocol.MessagePage{Messages: []*protocol.MessageData{d}, Page: 1}
		api.mu.Unlock()
		_, err := s.LoadHistory(context.Background(), conv, 1)
		require.NoError(t, err)
	}
	second, err := s.Send(context.Background(), SendRequest{ConversationId: conv, Type: protocol.MsgTypeText, Content: "two"})
	require.NoError(t, err)
	assert.Equal(t, []string{m.ClientMsgId, second.ClientMsgId}, confirmed)
	assert.Len(t, s.Messages(conv), 2)
}

func TestDuplicateContentKeptApartByToken(t *testing.T) {
	api := &fakeMessageAPI{}
	s := newStore(api)
	for i := 0; i < 2; i++ {
		_, err := s.Send(context.Background(), SendRequest{ConversationId: conv, Type: protocol.MsgTypeText, Content: "same"})
		require.NoError(t, err)
	}
	msgs := s.Messages(conv)
	require.Len(t, msgs, 2)
	assert.Equal(t, "t1", msgs[0].ClientMsgId)
	assert.Equal(t, "t2", msgs[1].ClientMsgId)
}

func TestFailedSendStaysVisibleAndRetriesWithSameToken(t *testing.T) {
	api := &fakeMessageAPI{sendErr: fmt.Errorf("%w: timeout", sdk.ErrNetwork)}
	s := newStore(api)

	_, err := s.Send(context.Background(), SendRequest{ConversationId: conv, Type: protocol.MsgTypeText, Content: "hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, sdk.ErrSendFailed)
	assert.ErrorIs(t, err, sdk.ErrNetwork)

	msgs := s.Messages(conv)
	require.Len(t, msgs, 1)
	assert.Equal(t, StatusFailed, msgs[0].Status)
	require.Len(t, s.Failed(), 1)

	api.mu.Lock()
	api.sendErr = nil
	api.mu.Unlock()

	m, err := s.Retry(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, m.Status)
	assert.Len(t, s.Messages(conv), 1)
	assert.Empty(t, s.Failed())

	require.Equal(t, 2, api.sendCount())
	assert.Equal(t, api.sends[0].ClientMsgId, api.sends[1].ClientMsgId)
}

func TestOfflineSendThenServerCopyDoesNotDuplicate(t *testing.T) {
	api := &fakeMessageAPI{sendErr: fmt.Errorf("%w: connect timed out", sdk.ErrNetwork)}
	s := newStore(api)

	_, err := s.Send(context.Background(), SendRequest{ConversationId: conv, ClientMsgId: "t1", Type: protocol.MsgTypeText, Content: "hello"})
	require.Error(t, err)

	// The server did store it; the copy comes back with history after reconnect.
	api.pages = map[int]*protocol.MessagePage{1: {
		Messages: []*protocol.MessageData{{Id: "srv-9", ConversationId: conv, Seq: 9, SenderId: "alice", ClientMsgId: "t1", Type: protocol.MsgTypeText, Content: "hello", SendAt: 9000}},
	}}
	_, err = s.LoadHistory(context.Background(), conv, 1)
	require.NoError(t, err)

	m, err := s.Send(context.Background(), SendRequest{ConversationId: conv, ClientMsgId: "t1", Type: protocol.MsgTypeText, Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "srv-9", m.Id)
	assert.Equal(t, 1, api.sendCount())

	msgs := s.Messages(conv)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text())
}

func TestSendValidationHappensBeforeAnyEffect(t *testing.T) {
	api := &fakeMessageAPI{}
	s := newStore(api)
	s.maxAttachment = 4

	cases := []SendRequest{
		{ConversationId: conv, Type: protocol.MsgTypeText, Content: "   "},
		{ConversationId: conv, Type: protocol.MsgTypeFile},
		{ConversationId: conv, Type: protocol.MsgTypeFile, Files: []Upload{{Name: "big.bin", Data: []byte("12345")}}},
		{ConversationId: conv, Type: protocol.MsgTypeSystem, Content: "x"},
		{Type: protocol.MsgTypeText, Content: "x"},
	}
	for _, req := range cases {
		_, err := s.Send(context.Background(), req)
		assert.ErrorIs(t, err, sdk.ErrValidation)
	}
	assert.Empty(t, s.Messages(conv))
	assert.Equal(t, 0, api.sendCount())
}

func TestSendFileUploadsData(t *testing.T) {
	api := &fakeMessageAPI{}
	s := newStore(api)

	m, err := s.Send(context.Background(), SendRequest{
		ConversationId: conv,
		Type:           protocol.MsgTypeFile,
		Files:          []Upload{{Name: "a.txt", Data: []byte("abc")}},
	})
	require.NoError(t, err)
	require.Len(t, m.Attachments(), 1)
	assert.Equal(t, "a.txt", m.Attachments()[0].Name)
	assert.Equal(t, [][]byte{[]byte("abc")}, api.bodies)
}

func TestReceiveInsertsOutOfOrderBySeq(t *testing.T) {
	s := newStore(&fakeMessageAPI{})
	s.Receive(serverMsg("m1", 1, "bob", ""))
	s.Receive(serverMsg("m3", 3, "bob", ""))
	s.Receive(serverMsg("m2", 2, "bob", ""))
	_, res := s.Receive(serverMsg("m2", 2, "bob", ""))

	assert.Equal(t, ReceiveDuplicate, res)
	assert.Equal(t, []string{"m1", "m2", "m3"}, tokens(s.Messages(conv)))
}

func TestPendingStaysAtTail(t *testing.T) {
	api := &fakeMessageAPI{sendErr: errors.New("down")}
	s := newStore(api)
	s.Receive(serverMsg("m1", 1, "bob", ""))
	_, _ = s.Send(context.Background(), SendRequest{ConversationId: conv, Type: protocol.MsgTypeText, Content: "x"})
	s.Receive(serverMsg("m2", 2, "bob", ""))

	assert.Equal(t, []string{"m1", "m2", "pending:t1"}, tokens(s.Messages(conv)))
}

func TestLoadHistoryStaleGuard(t *testing.T) {
	api := &fakeMessageAPI{
		listGate: make(chan struct{}),
		pages:    map[int]*protocol.MessagePage{1: {Messages: []*protocol.MessageData{{Id: "m1", ConversationId: conv, Type: protocol.MsgTypeText, Content: "x", Seq: 1}}}},
	}
	s := newStore(api)
	s.SetActive(conv)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.LoadHistory(context.Background(), conv, 1)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	s.SetActive("sg_other")
	close(api.listGate)

	err := <-errCh
	assert.ErrorIs(t, err, sdk.ErrStale)
	assert.Empty(t, s.Messages(conv))
}

func TestLoadHistoryUnionAfterReconnect(t *testing.T) {
	api := &fakeMessageAPI{}
	s := newStore(api)
	s.SetActive(conv)
	s.Receive(serverMsg("m1", 1, "bob", ""))
	s.Receive(serverMsg("m2", 2, "bob", ""))

	page := &protocol.MessagePage{HasMore: true}
	for _, seq := range []int64{2, 3, 4} {
		page.Messages = append(page.Messages, &protocol.MessageData{
			Id: fmt.Sprintf("m%d", seq), ConversationId: conv, Seq: seq, SenderId: "bob", Type: protocol.MsgTypeText, SendAt: seq * 1000,
		})
	}
	api.pages = map[int]*protocol.MessagePage{1: page}

	p, err := s.LoadHistory(context.Background(), conv, 1)
	require.NoError(t, err)
	assert.True(t, p.HasMore)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, tokens(s.Messages(conv)))
	assert.Equal(t, 2, s.NextPage(conv))
}

func TestLoadHistoryFetchError(t *testing.T) {
	s := newStore(&fakeMessageAPI{})
	_, err := s.LoadHistory(context.Background(), conv, 3)
	assert.ErrorIs(t, err, sdk.ErrFetch)
}

func TestEditRevertsOnFailure(t *testing.T) {
	api := &fakeMessageAPI{editErr: errors.New("rejected")}
	s := newStore(api)
	s.Receive(serverMsg("m1", 1, "alice", ""))

	_, err := s.Edit(context.Background(), "m1", "changed")
	require.Error(t, err)
	m, _ := s.Message("m1")
	assert.Equal(t, "m1", m.Text())
	assert.False(t, m.IsEdited)

	api.editErr = nil
	m, err = s.Edit(context.Background(), "m1", "changed")
	require.NoError(t, err)
	assert.Equal(t, "changed", m.Text())
	assert.True(t, m.IsEdited)
	assert.Equal(t, time.UnixMilli(9_000_000), m.EditedAt)
}

func TestEditRejectsOthersAndDeleted(t *testing.T) {
	s := newStore(&fakeMessageAPI{})
	s.Receive(serverMsg("m1", 1, "bob", ""))
	_, err := s.Edit(context.Background(), "m1", "x")
	assert.ErrorIs(t, err, sdk.ErrValidation)

	_, err = s.Edit(context.Background(), "nope", "x")
	assert.ErrorIs(t, err, sdk.ErrNotFound)
}

func TestDeleteIsSoftAndKeepsPosition(t *testing.T) {
	s := newStore(&fakeMessageAPI{})
	s.Receive(serverMsg("m1", 1, "bob", ""))
	s.Receive(serverMsg("m2", 2, "alice", ""))
	s.Receive(serverMsg("m3", 3, "bob", ""))

	require.NoError(t, s.Delete(context.Background(), "m2"))
	msgs := s.Messages(conv)
	assert.Equal(t, []string{"m1", "m2", "m3"}, tokens(msgs))
	assert.True(t, msgs[1].IsDeleted)
	assert.Nil(t, msgs[1].Content)

	// A late edit event does not resurrect a deleted message.
	edited := serverMsg("m2", 2, "alice", "")
	edited.IsEdited = true
	edited.EditedAt = time.Now()
	s.ApplyUpdate(edited)
	m, _ := s.Message("m2")
	assert.True(t, m.IsDeleted)
	assert.Equal(t, "", m.Text())
}

func TestDeleteRevertsOnFailure(t *testing.T) {
	s := newStore(&fakeMessageAPI{deleteErr: errors.New("nope")})
	s.Receive(serverMsg("m1", 1, "alice", ""))

	require.Error(t, s.Delete(context.Background(), "m1"))
	m, _ := s.Message("m1")
	assert.False(t, m.IsDeleted)
	assert.Equal(t, "m1", m.Text())
}

func TestDeleteFailureKeepsServerDelete(t *testing.T) {
	api := &fakeMessageAPI{deleteErr: errors.New("timeout")}
	s := newStore(api)
	s.Receive(serverMsg("m1", 1, "alice", ""))

	// another device deleted it while our request was failing
	api.beforeDeleteErr = func(id string) {
		gone := serverMsg(id, 1, "alice", "")
		gone.IsDeleted = true
		gone.Content = nil
		require.True(t, s.ApplyUpdate(gone))
	}

	require.Error(t, s.Delete(context.Background(), "m1"))
	m, _ := s.Message("m1")
	assert.True(t, m.IsDeleted)
	assert.Equal(t, "", m.Text())
}

func TestReactionsServerAuthoritative(t *testing.T) {
	api := &fakeMessageAPI{reactAt: 100}
	s := newStore(api)
	s.Receive(serverMsg("m1", 1, "bob", ""))

	m, err := s.React(context.Background(), "m1", "👍")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "👍", "bob": "🎉"}, m.Reactions)

	// An older broadcast is ignored.
	assert.False(t, s.ApplyReactions(&protocol.ReactionData{MessageId: "m1", UserId: "bob", Removed: true, UpdatedAt: 50}))
	m, _ = s.Message("m1")
	assert.Equal(t, "🎉", m.Reactions["bob"])

	// Last write wins per user.
	assert.True(t, s.ApplyReactions(&protocol.ReactionData{MessageId: "m1", UserId: "alice", Emoji: "❤️", UpdatedAt: 200}))
	m, _ = s.Message("m1")
	assert.Equal(t, "❤️", m.Reactions["alice"])

	api.reactAt = 300
	m, err = s.Unreact(context.Background(), "m1")
	require.NoError(t, err)
	assert.Empty(t, m.Reactions)
}

func TestReactionRevertsOnFailure(t *testing.T) {
	s := newStore(&fakeMessageAPI{reactErr: errors.New("nope")})
	s.Receive(serverMsg("m1", 1, "bob", ""))

	_, err := s.React(context.Background(), "m1", "👍")
	require.Error(t, err)
	m, _ := s.Message("m1")
	assert.Empty(t, m.Reactions)
}

func TestAdvanceStatusMonotonic(t *testing.T) {
	s := newStore(&fakeMessageAPI{})
	s.Receive(serverMsg("m1", 1, "alice", ""))

	assert.True(t, s.AdvanceStatus("m1", StatusRead))
	assert.False(t, s.AdvanceStatus("m1", StatusDelivered))
	m, _ := s.Message("m1")
	assert.Equal(t, StatusRead, m.Status)

	s.Receive(serverMsg("m1", 1, "alice", ""))
	m, _ = s.Message("m1")
	assert.Equal(t, StatusRead, m.Status)
}

func TestMarkFailedFromServerError(t *testing.T) {
	api := &fakeMessageAPI{}
	gate := make(chan struct{})
	api.beforeAck = func(*protocol.MessageData) { <-gate }
	s := newStore(api)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Send(context.Background(), SendRequest{ConversationId: conv, Type: protocol.MsgTypeText, Content: "x"})
	}()
	require.Eventually(t, func() bool {
		_, ok := s.MessageByToken("t1")
		return ok
	}, time.Second, time.Millisecond)

	assert.True(t, s.MarkFailed("t1", errors.New("rejected")))
	close(gate)
	<-done

	// The later REST success still reconciles the entry.
	m, _ := s.MessageByToken("t1")
	assert.Equal(t, StatusSent, m.Status)
	assert.False(t, s.MarkFailed("t1", errors.New("late")))
}

func TestClearKeepsPending(t *testing.T) {
	s := newStore(&fakeMessageAPI{sendErr: errors.New("down")})
	s.Receive(serverMsg("m1", 1, "bob", ""))
	_, _ = s.Send(context.Background(), SendRequest{ConversationId: conv, Type: protocol.MsgTypeText, Content: "x"})

	s.Clear(conv)
	assert.Equal(t, []string{"pending:t1"}, tokens(s.Messages(conv)))
	_, ok := s.Message("m1")
	assert.False(t, ok)
}

func TestUnreadIncoming(t *testing.T) {
	s := newStore(&fakeMessageAPI{})
	s.Receive(serverMsg("m1", 1, "bob", ""))
	s.Receive(serverMsg("m2", 2, "alice", ""))
	s.Receive(serverMsg("m3", 3, "bob", ""))

	assert.Equal(t, []string{"m1", "m3"}, s.UnreadIncoming(conv))
	s.SetReadByMe([]string{"m1"}, true)
	assert.Equal(t, []string{"m3"}, s.UnreadIncoming(conv))
}
