package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbeoliero/chatsync/pkg/protocol"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed message")
)

// ParseMessage converts the wire form into a Message with a typed Content.
// Every message entering a store goes through here.
func ParseMessage(d *protocol.MessageData) (*Message, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	if d.Id == "" || d.ConversationId == "" {
		return nil, fmt.Errorf("%w: missing id or conversation_id", ErrMalformed)
	}
	if !d.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, d.Type)
	}

	m := &Message{
		Id:             d.Id,
		ConversationId: d.ConversationId,
		ClientMsgId:    d.ClientMsgId,
		SenderId:       d.SenderId,
		Seq:            d.Seq,
		Type:           d.Type,
		ReplyTo:        d.ReplyTo,
		Status:         ParseStatus(d.Status),
		IsEdited:       d.IsEdited,
		IsDeleted:      d.IsDeleted,
		SendAt:         fromMillis(d.SendAt),
		EditedAt:       fromMillis(d.EditedAt),
	}
	if len(d.Reactions) > 0 {
		m.Reactions = make(map[string]string, len(d.Reactions))
		for _, r := range d.Reactions {
			m.Reactions[r.UserId] = r.Emoji
		}
	}

	if d.IsDeleted {
		return m, nil
	}

	content, err := parseContent(d)
	if err != nil {
		return nil, err
	}
	m.Content = content
	return m, nil
}

func parseContent(d *protocol.MessageData) (Content, error) {
	switch d.Type {
	case protocol.MsgTypeText:
		return Text{Text: d.Content}, nil
	case protocol.MsgTypeEmoji:
		if d.Content == "" {
			return nil, fmt.Errorf("%w: empty emoji", ErrMalformed)
		}
		return Emoji{Code: d.Content}, nil
	case protocol.MsgTypeSystem:
		return System{Text: d.Content}, nil
	case protocol.MsgTypeFile:
		if len(d.Attachments) == 0 {
			return nil, fmt.Errorf("%w: file message without attachments", ErrMalformed)
		}
		files := make([]Attachment, 0, len(d.Attachments))
		for _, a := range d.Attachments {
			files = append(files, parseAttachment(a))
		}
		return File{Caption: d.Content, Attachments: files}, nil
	case protocol.MsgTypeVoice:
		if len(d.Attachments) != 1 {
			return nil, fmt.Errorf("%w: voice message needs exactly one clip, got %d", ErrMalformed, len(d.Attachments))
		}
		clip := parseAttachment(d.Attachments[0])
		return Voice{Clip: clip, Duration: clip.Duration}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, d.Type)
}

func parseAttachment(a protocol.AttachmentData) Attachment {
	return Attachment{
		Name:     a.Name,
		Path:     a.Path,
		Size:     a.Size,
		Mime:     a.Mime,
		Duration: time.Duration(a.Duration * float64(time.Second)),
	}
}

// ToData converts a Message back into its wire form
func ToData(m *Message) *protocol.MessageData {
	d := &protocol.MessageData{
		Id:             m.Id,
		ConversationId: m.ConversationId,
		Seq:            m.Seq,
		ClientMsgId:    m.ClientMsgId,
		SenderId:       m.SenderId,
		Type:           m.Type,
		Content:        m.Text(),
		ReplyTo:        m.ReplyTo,
		Status:         m.Status.String(),
		IsEdited:       m.IsEdited,
		IsDeleted:      m.IsDeleted,
		SendAt:         toMillis(m.SendAt),
		EditedAt:       toMillis(m.EditedAt),
	}
	for _, a := range m.Attachments() {
		d.Attachments = append(d.Attachments, protocol.AttachmentData{
			Name:     a.Name,
			Path:     a.Path,
			Size:     a.Size,
			Mime:     a.Mime,
			Duration: a.Duration.Seconds(),
		})
	}
	for user, emoji := range m.Reactions {
		d.Reactions = append(d.Reactions, protocol.ReactionEntry{UserId: user, Emoji: emoji})
	}
	return d
}

// ParseConversation converts the wire form of a conversation.
// An unparseable last message is dropped rather than failing the conversation.
func ParseConversation(d *protocol.ConversationData) (*Conversation, error) {
	if d == nil || d.Id == "" {
		return nil, fmt.Errorf("%w: conversation without id", ErrMalformed)
	}
	c := &Conversation{
		Id:             d.Id,
		Type:           d.Type,
		Name:           d.Name,
		Participants:   append([]protocol.UserData(nil), d.Participants...),
		UnreadCount:    d.UnreadCount,
		ReadSeq:        d.ReadSeq,
		LastActivityAt: fromMillis(d.LastActivityAt),
	}
	if d.LastMessage != nil {
		if last, err := ParseMessage(d.LastMessage); err == nil {
			c.LastMessage = last
			if last.SendAt.After(c.LastActivityAt) {
				c.LastActivityAt = last.SendAt
			}
		}
	}
	return c, nil
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
