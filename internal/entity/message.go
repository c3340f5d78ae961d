package entity

import "github.com/mbeoliero/chatsync/pkg/protocol"

// DeletedPlaceholder replaces the content of a deleted message on the wire
const DeletedPlaceholder = "This message was deleted"

// Attachment is a stored file referenced by a message
type Attachment struct {
	Name     string  `json:"name"`
	Path     string  `json:"path"`
	Size     int64   `json:"size"`
	Mime     string  `json:"mime"`
	Duration float64 `json:"duration,omitempty"`
}

// Message represents a message
type Message struct {
	Id             string               `json:"id" gorm:"column:id;primaryKey;size:32"`
	ConversationId string               `json:"conversation_id" gorm:"column:conversation_id;size:160;uniqueIndex:uk_conv_seq,priority:1"`
	Seq            int64                `json:"seq" gorm:"column:seq;uniqueIndex:uk_conv_seq,priority:2"`
	ClientMsgId    string               `json:"client_msg_id" gorm:"column:client_msg_id;size:64;uniqueIndex:uk_sender_client,priority:2"`
	SenderId       string               `json:"sender_id" gorm:"column:sender_id;size:64;uniqueIndex:uk_sender_client,priority:1"`
	Type           protocol.MessageType `json:"type" gorm:"column:type;size:16"`
	Content        string               `json:"content" gorm:"column:content;type:text"`
	Attachments    []Attachment         `json:"attachments" gorm:"column:attachments;type:json;serializer:json"`
	ReplyTo        string               `json:"reply_to" gorm:"column:reply_to;size:32"`
	IsEdited       bool                 `json:"is_edited" gorm:"column:is_edited"`
	EditedAt       int64                `json:"edited_at" gorm:"column:edited_at"`
	IsDeleted      bool                 `json:"is_deleted" gorm:"column:is_deleted"`
	DeletedAt      int64                `json:"deleted_at" gorm:"column:deleted_at"`
	SendAt         int64                `json:"send_at" gorm:"column:send_at"`
	CreatedAt      int64                `json:"created_at" gorm:"column:created_at;autoCreateTime:milli"`
	UpdatedAt      int64                `json:"updated_at" gorm:"column:updated_at;autoUpdateTime:milli"`
}

// TableName returns the table name for Message
func (Message) TableName() string {
	return "messages"
}

// Editable reports whether the content may be replaced
func (m *Message) Editable() bool {
	return !m.IsDeleted && (m.Type == protocol.MsgTypeText || m.Type == protocol.MsgTypeEmoji)
}

// ToData converts the row to its wire form. Deleted messages lose their
// content and attachments; status is only meaningful to the sender.
func (m *Message) ToData(status string, reactions []*Reaction) *protocol.MessageData {
	d := &protocol.MessageData{
		Id:             m.Id,
		ConversationId: m.ConversationId,
		Seq:            m.Seq,
		ClientMsgId:    m.ClientMsgId,
		SenderId:       m.SenderId,
		Type:           m.Type,
		Content:        m.Content,
		ReplyTo:        m.ReplyTo,
		Status:         status,
		IsEdited:       m.IsEdited,
		EditedAt:       m.EditedAt,
		IsDeleted:      m.IsDeleted,
		SendAt:         m.SendAt,
		Reactions:      ReactionEntries(reactions),
	}
	if m.IsDeleted {
		d.Content = DeletedPlaceholder
		d.Reactions = nil
		return d
	}
	for _, a := range m.Attachments {
		d.Attachments = append(d.Attachments, protocol.AttachmentData{
			Name:     a.Name,
			Path:     a.Path,
			Size:     a.Size,
			Mime:     a.Mime,
			Duration: a.Duration,
		})
	}
	return d
}
