package protocol

// MessageType tags the content variant of a message
type MessageType string

const (
	MsgTypeText   MessageType = "text"
	MsgTypeFile   MessageType = "file"
	MsgTypeVoice  MessageType = "voice"
	MsgTypeEmoji  MessageType = "emoji"
	MsgTypeSystem MessageType = "system"
)

// Valid reports whether t is a known message type
func (t MessageType) Valid() bool {
	switch t {
	case MsgTypeText, MsgTypeFile, MsgTypeVoice, MsgTypeEmoji, MsgTypeSystem:
		return true
	}
	return false
}

// HasAttachments reports whether the type carries files
func (t MessageType) HasAttachments() bool {
	return t == MsgTypeFile || t == MsgTypeVoice
}

// Delivery status values
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// ConversationType distinguishes direct and group channels
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// AttachmentData describes a stored file
type AttachmentData struct {
	Name     string  `json:"name"`
	Path     string  `json:"path"`
	Size     int64   `json:"size"`
	Mime     string  `json:"mime"`
	Duration float64 `json:"duration,omitempty"` // Seconds, voice only
}

// MessageData is the wire form of a message
type MessageData struct {
	Id             string           `json:"id"`
	ConversationId string           `json:"conversation_id"`
	Seq            int64            `json:"seq"`
	ClientMsgId    string           `json:"client_msg_id"`
	SenderId       string           `json:"sender_id"`
	Type           MessageType      `json:"type"`
	Content        string           `json:"content"`
	Attachments    []AttachmentData `json:"attachments,omitempty"`
	ReplyTo        string           `json:"reply_to,omitempty"`
	Status         string           `json:"status,omitempty"`
	Reactions      []ReactionEntry  `json:"reactions,omitempty"`
	IsEdited       bool             `json:"is_edited"`
	EditedAt       int64            `json:"edited_at,omitempty"`
	IsDeleted      bool             `json:"is_deleted"`
	SendAt         int64            `json:"send_at"`
}

// UserData is the public view of a user
type UserData struct {
	Id        string `json:"id"`
	Nickname  string `json:"nickname"`
	Avatar    string `json:"avatar"`
	Online    bool   `json:"online"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

// ConversationData is the wire form of a conversation for one owner
type ConversationData struct {
	Id             string           `json:"id"`
	Type           ConversationType `json:"type"`
	Name           string           `json:"name,omitempty"`
	Participants   []UserData       `json:"participants"`
	LastMessage    *MessageData     `json:"last_message,omitempty"`
	UnreadCount    int64            `json:"unread_count"`
	MaxSeq         int64            `json:"max_seq"`
	ReadSeq        int64            `json:"read_seq"`
	LastActivityAt int64            `json:"last_activity_at"`
}

// MessagePage is one page of history, ascending by seq
type MessagePage struct {
	Messages []*MessageData `json:"messages"`
	Page     int            `json:"page"`
	Limit    int            `json:"limit"`
	HasMore  bool           `json:"has_more"`
}
