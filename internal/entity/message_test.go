package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mbeoliero/chatsync/pkg/protocol"
)

func TestMessageToDataCarriesAttachmentsAndReactions(t *testing.T) {
	m := &Message{
		Id:             "100",
		ConversationId: "si_alice:bob",
		Seq:            3,
		SenderId:       "alice",
		Type:           protocol.MsgTypeVoice,
		Attachments:    []Attachment{{Name: "clip.ogg", Path: "/files/a/clip.ogg", Size: 2048, Mime: "audio/ogg", Duration: 4.5}},
		SendAt:         1700000000000,
	}
	d := m.ToData(protocol.StatusDelivered, []*Reaction{{UserId: "bob", Emoji: "👍"}})

	assert.Equal(t, protocol.StatusDelivered, d.Status)
	assert.Equal(t, []protocol.AttachmentData{{Name: "clip.ogg", Path: "/files/a/clip.ogg", Size: 2048, Mime: "audio/ogg", Duration: 4.5}}, d.Attachments)
	assert.Equal(t, []protocol.ReactionEntry{{UserId: "bob", Emoji: "👍"}}, d.Reactions)
}

func TestDeletedMessageIsPlaceholder(t *testing.T) {
	m := &Message{
		Id:          "101",
		Type:        protocol.MsgTypeFile,
		Content:     "secret plans",
		Attachments: []Attachment{{Name: "plans.pdf"}},
		IsDeleted:   true,
	}
	d := m.ToData("", []*Reaction{{UserId: "bob", Emoji: "😮"}})

	assert.True(t, d.IsDeleted)
	assert.Equal(t, DeletedPlaceholder, d.Content)
	assert.Empty(t, d.Attachments)
	assert.Empty(t, d.Reactions)
	assert.False(t, m.Editable())
}

func TestEditableTypes(t *testing.T) {
	assert.True(t, (&Message{Type: protocol.MsgTypeText}).Editable())
	assert.True(t, (&Message{Type: protocol.MsgTypeEmoji}).Editable())
	assert.False(t, (&Message{Type: protocol.MsgTypeFile}).Editable())
	assert.False(t, (&Message{Type: protocol.MsgTypeSystem}).Editable())
}

func TestVisibleRangeHonoursLeave(t *testing.T) {
	s := &SeqUser{MinSeq: 5}
	lo, hi := s.VisibleRange(20)
	assert.Equal(t, int64(5), lo)
	assert.Equal(t, int64(20), hi)

	s.MaxSeq = 12
	_, hi = s.VisibleRange(20)
	assert.Equal(t, int64(12), hi)
}
