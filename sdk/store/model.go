package store

import (
	"time"

	"github.com/mbeoliero/chatsync/pkg/protocol"
)

// Content is the type-specific payload of a message
type Content interface {
	Kind() protocol.MessageType
	// Body is the text carried on the wire content field
	Body() string
}

// Text is a plain text message
type Text struct {
	Text string
}

func (Text) Kind() protocol.MessageType { return protocol.MsgTypeText }
func (c Text) Body() string             { return c.Text }

// Emoji is a standalone emoji message
type Emoji struct {
	Code string
}

func (Emoji) Kind() protocol.MessageType { return protocol.MsgTypeEmoji }
func (c Emoji) Body() string             { return c.Code }

// File carries one or more attachments and an optional caption
type File struct {
	Caption     string
	Attachments []Attachment
}

func (File) Kind() protocol.MessageType { return protocol.MsgTypeFile }
func (c File) Body() string             { return c.Caption }

// Voice is a single recorded clip
type Voice struct {
	Clip     Attachment
	Duration time.Duration
}

func (Voice) Kind() protocol.MessageType { return protocol.MsgTypeVoice }
func (Voice) Body() string               { return "" }

// System is a server generated notice
type System struct {
	Text string
}

func (System) Kind() protocol.MessageType { return protocol.MsgTypeSystem }
func (c System) Body() string             { return c.Text }

// Attachment is file metadata
type Attachment struct {
	Name     string
	Path     string
	Size     int64
	Mime     string
	Duration time.Duration
}

// Message is the client view of one message.
// Id is empty until the server acknowledges the send.
type Message struct {
	Id             string
	ConversationId string
	ClientMsgId    string
	SenderId       string
	Seq            int64
	Type           protocol.MessageType
	Content        Content // nil once deleted
	ReplyTo        string
	Status         Status
	Reactions      map[string]string // user id -> emoji
	IsEdited       bool
	EditedAt       time.Time
	IsDeleted      bool
	SendAt         time.Time
	ReadByMe       bool
	Err            error // last send failure

	reactionsAt   int64
	serverDeleted bool // the server has reported the delete
}

// Text returns the displayable body, or "" for deleted messages
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return m.Content.Body()
}

// Attachments returns the files carried by the message
func (m *Message) Attachments() []Attachment {
	switch c := m.Content.(type) {
	case File:
		return c.Attachments
	case Voice:
		return []Attachment{c.Clip}
	}
	return nil
}

// Pending reports whether the message has not been acknowledged yet
func (m *Message) Pending() bool {
	return !m.Status.Confirmed()
}

// Clone returns a deep copy safe to hand out of the store
func (m *Message) Clone() *Message {
	c := *m
	if m.Reactions != nil {
		c.Reactions = make(map[string]string, len(m.Reactions))
		for k, v := range m.Reactions {
			c.Reactions[k] = v
		}
	}
	if f, ok := m.Content.(File); ok {
		f.Attachments = append([]Attachment(nil), f.Attachments...)
		c.Content = f
	}
	return &c
}

// Conversation is the client view of one conversation
type Conversation struct {
	Id             string
	Type           protocol.ConversationType
	Name           string
	Participants   []protocol.UserData
	LastMessage    *Message
	UnreadCount    int64
	ReadSeq        int64
	LastActivityAt time.Time
}

// Peer returns the other participant of a direct conversation
func (c *Conversation) Peer(selfId string) string {
	if c.Type != protocol.ConversationDirect {
		return ""
	}
	for _, p := range c.Participants {
		if p.Id != selfId {
			return p.Id
		}
	}
	return ""
}

// Title is the name, or the peer id for direct conversations
func (c *Conversation) Title(selfId string) string {
	if c.Name != "" {
		return c.Name
	}
	if peer := c.Peer(selfId); peer != "" {
		for _, p := range c.Participants {
			if p.Id == peer && p.Nickname != "" {
				return p.Nickname
			}
		}
		return peer
	}
	return c.Id
}

// Clone returns a deep copy
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Participants = append([]protocol.UserData(nil), c.Participants...)
	if c.LastMessage != nil {
		cp.LastMessage = c.LastMessage.Clone()
	}
	return &cp
}

// ChangeKind describes a store mutation
type ChangeKind int

const (
	ChangeLoaded ChangeKind = iota
	ChangeAdded
	ChangeUpdated
	ChangeCleared
)

// Change is published after every store mutation
type Change struct {
	Kind           ChangeKind
	ConversationId string
	MessageId      string
	ClientMsgId    string
}
