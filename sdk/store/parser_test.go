package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/chatsync/pkg/protocol"
)

func TestParseMessageVariants(t *testing.T) {
	text, err := ParseMessage(&protocol.MessageData{Id: "m1", ConversationId: "c", Type: protocol.MsgTypeText, Content: "hi", SendAt: 1000})
	require.NoError(t, err)
	assert.Equal(t, Text{Text: "hi"}, text.Content)
	assert.Equal(t, StatusSent, text.Status)
	assert.Equal(t, time.UnixMilli(1000), text.SendAt)

	voice, err := ParseMessage(&protocol.MessageData{
		Id: "m2", ConversationId: "c", Type: protocol.MsgTypeVoice,
		Attachments: []protocol.AttachmentData{{Name: "clip.ogg", Size: 10, Duration: 1.5}},
	})
	require.NoError(t, err)
	v, ok := voice.Content.(Voice)
	require.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, v.Duration)
	assert.Len(t, voice.Attachments(), 1)

	file, err := ParseMessage(&protocol.MessageData{
		Id: "m3", ConversationId: "c", Type: protocol.MsgTypeFile, Content: "docs", Status: protocol.StatusRead,
		Attachments: []protocol.AttachmentData{{Name: "a.pdf"}, {Name: "b.pdf"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "docs", file.Text())
	assert.Len(t, file.Attachments(), 2)
	assert.Equal(t, StatusRead, file.Status)
}

func TestParseMessageRejectsBadInput(t *testing.T) {
	_, err := ParseMessage(&protocol.MessageData{Id: "m1", ConversationId: "c", Type: "sticker"})
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = ParseMessage(&protocol.MessageData{Id: "m1", ConversationId: "c", Type: protocol.MsgTypeFile})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ParseMessage(&protocol.MessageData{ConversationId: "c", Type: protocol.MsgTypeText})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ParseMessage(nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseDeletedMessageHasNoContent(t *testing.T) {
	m, err := ParseMessage(&protocol.MessageData{Id: "m1", ConversationId: "c", Type: protocol.MsgTypeFile, IsDeleted: true})
	require.NoError(t, err)
	assert.Nil(t, m.Content)
	assert.Equal(t, "", m.Text())
	assert.True(t, m.IsDeleted)
}

func TestParseConversationKeepsConversationWhenLastMessageIsBad(t *testing.T) {
	c, err := ParseConversation(&protocol.ConversationData{
		Id:             "si_a:b",
		Type:           protocol.ConversationDirect,
		Participants:   []protocol.UserData{{Id: "a"}, {Id: "b", Nickname: "Bob"}},
		LastMessage:    &protocol.MessageData{Id: "m1", ConversationId: "si_a:b", Type: "sticker"},
		LastActivityAt: 5000,
	})
	require.NoError(t, err)
	assert.Nil(t, c.LastMessage)
	assert.Equal(t, "b", c.Peer("a"))
	assert.Equal(t, "Bob", c.Title("a"))
}

func TestStatusAdvanceNeverRegresses(t *testing.T) {
	assert.Equal(t, StatusRead, Advance(StatusRead, StatusDelivered))
	assert.Equal(t, StatusDelivered, Advance(StatusSent, StatusDelivered))
	assert.Equal(t, StatusSent, Advance(StatusSent, StatusSending))
	assert.False(t, StatusFailed.Confirmed())
}
