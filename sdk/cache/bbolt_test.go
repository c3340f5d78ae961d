package cache

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/chatsync/pkg/protocol"
	"github.com/mbeoliero/chatsync/sdk/store"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConversationSnapshotReplacesPrevious(t *testing.T) {
	s := openTemp(t)
	last, err := store.ParseMessage(&protocol.MessageData{
		Id: "m1", ConversationId: "si_a:b", SenderId: "b", Type: protocol.MsgTypeVoice, SendAt: 2000,
		Attachments: []protocol.AttachmentData{{Name: "v.ogg", Size: 3, Duration: 2.5}},
	})
	require.NoError(t, err)

	first := []*store.Conversation{
		{Id: "si_a:b", Type: protocol.ConversationDirect, Participants: []protocol.UserData{{Id: "a"}, {Id: "b", Nickname: "Bee"}}, LastMessage: last, UnreadCount: 2, LastActivityAt: time.UnixMilli(2000)},
		{Id: "sg_1", Type: protocol.ConversationGroup, Name: "team"},
	}
	require.NoError(t, s.SaveConversations(first))
	require.NoError(t, s.SaveConversations(first[:1]))

	got, err := s.LoadConversations()
	require.NoError(t, err)
	require.Len(t, got, 1)
	c := got[0]
	assert.Equal(t, "si_a:b", c.Id)
	assert.Equal(t, int64(2), c.UnreadCount)
	assert.Equal(t, "b", c.Peer("a"))
	require.NotNil(t, c.LastMessage)
	v, ok := c.LastMessage.Content.(store.Voice)
	require.True(t, ok)
	assert.Equal(t, 2500*time.Millisecond, v.Duration)
}

func TestOutboxLifecycle(t *testing.T) {
	s := openTemp(t)
	f := store.FailedSend{
		Request: store.SendRequest{
			ConversationId: "si_a:b",
			ClientMsgId:    "t1",
			Type:           protocol.MsgTypeFile,
			Files:          []store.Upload{{Name: "a.txt", Data: []byte("abc")}},
		},
		At:  time.UnixMilli(5000),
		Err: errors.New("network error: timeout"),
	}
	require.NoError(t, s.PutFailed(f))

	list, err := s.ListFailed()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, f.Request, list[0].Request)
	assert.Equal(t, f.At, list[0].At)
	assert.EqualError(t, list[0].Err, "network error: timeout")

	require.NoError(t, s.DeleteFailed("t1"))
	list, err = s.ListFailed()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveConversations([]*store.Conversation{{Id: "sg_1", Type: protocol.ConversationGroup}}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.LoadConversations()
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
