package receipt

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/chatsync/pkg/protocol"
	"github.com/mbeoliero/chatsync/sdk"
	"github.com/mbeoliero/chatsync/sdk/store"
)

const conv = "si_alice:bob"

type fakeAcker struct {
	mu    sync.Mutex
	err   error
	calls [][]string
}

func (a *fakeAcker) MarkRead(ctx context.Context, conversationId string, ids []string) (*sdk.MarkReadResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, ids)
	if a.err != nil {
		return nil, a.err
	}
	return &sdk.MarkReadResponse{MessageIds: ids}, nil
}

func seeded(t *testing.T) *store.MessageStore {
	t.Helper()
	s := store.NewMessageStore(nil, "alice")
	for i, sender := range []string{"bob", "alice", "bob", "alice"} {
		m, err := store.ParseMessage(&protocol.MessageData{
			Id:             []string{"m1", "m2", "m3", "m4"}[i],
			ConversationId: conv,
			Seq:            int64(i + 1),
			SenderId:       sender,
			Type:           protocol.MsgTypeText,
			Content:        "x",
			Status:         protocol.StatusSent,
		})
		require.NoError(t, err)
		s.Receive(m)
	}
	return s
}

func status(t *testing.T, s *store.MessageStore, id string) store.Status {
	t.Helper()
	m, ok := s.Message(id)
	require.True(t, ok)
	return m.Status
}

func TestMarkAsReadBatchesAndIsIdempotent(t *testing.T) {
	msgs := seeded(t)
	acker := &fakeAcker{}
	tr := New(acker, msgs, "alice")

	require.NoError(t, tr.MarkAsRead(context.Background(), conv, nil))
	require.NoError(t, tr.MarkAsRead(context.Background(), conv, nil))

	require.Len(t, acker.calls, 1)
	assert.Equal(t, []string{"m1", "m3"}, acker.calls[0])
	assert.Empty(t, msgs.UnreadIncoming(conv))
}

func TestFailedAckMergedIntoNextCall(t *testing.T) {
	msgs := seeded(t)
	acker := &fakeAcker{err: errors.New("offline")}
	tr := New(acker, msgs, "alice")

	err := tr.MarkAsRead(context.Background(), conv, []string{"m1"})
	assert.ErrorIs(t, err, sdk.ErrSendFailed)
	assert.Equal(t, []string{"m1"}, tr.Pending(conv))

	acker.err = nil
	require.NoError(t, tr.MarkAsRead(context.Background(), conv, []string{"m3"}))
	assert.Equal(t, []string{"m1", "m3"}, acker.calls[1])
	assert.Empty(t, tr.Pending(conv))
}

func TestReadThenDeliveredNeverRegresses(t *testing.T) {
	msgs := seeded(t)
	tr := New(&fakeAcker{}, msgs, "alice")

	assert.Equal(t, []string{"m2"}, tr.HandleRead(protocol.ReadData{ConversationId: conv, ReaderId: "bob", MessageIds: []string{"m2"}}))
	assert.Empty(t, tr.HandleDelivered(protocol.DeliveredData{ConversationId: conv, MessageIds: []string{"m2"}}))
	assert.Equal(t, store.StatusRead, status(t, msgs, "m2"))

	assert.Equal(t, []string{"m4"}, tr.HandleDelivered(protocol.DeliveredData{ConversationId: conv, MessageIds: []string{"m4"}}))
	assert.Equal(t, store.StatusDelivered, status(t, msgs, "m4"))
}

func TestReadSeqAdvancesOwnMessagesUpTo(t *testing.T) {
	msgs := seeded(t)
	tr := New(&fakeAcker{}, msgs, "alice")

	advanced := tr.HandleRead(protocol.ReadData{ConversationId: conv, ReaderId: "bob", ReadSeq: 2})
	assert.Equal(t, []string{"m2"}, advanced)
	assert.Equal(t, store.StatusRead, status(t, msgs, "m2"))
	assert.Equal(t, store.StatusSent, status(t, msgs, "m4"))
	assert.Equal(t, store.StatusSent, status(t, msgs, "m1"), "incoming messages are not ours to advance")
}

func TestReadFromOwnOtherDevice(t *testing.T) {
	msgs := seeded(t)
	acker := &fakeAcker{}
	tr := New(acker, msgs, "alice")

	assert.Nil(t, tr.HandleRead(protocol.ReadData{ConversationId: conv, ReaderId: "alice", MessageIds: []string{"m1", "m3"}}))
	require.NoError(t, tr.MarkAsRead(context.Background(), conv, nil))
	assert.Empty(t, acker.calls)
}
