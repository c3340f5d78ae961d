package entity

import "github.com/mbeoliero/chatsync/pkg/protocol"

// Conversation is one owner's row for a shared conversation id
type Conversation struct {
	Id             int64                     `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	ConversationId string                    `json:"conversation_id" gorm:"column:conversation_id;size:160;uniqueIndex:uk_owner_conv,priority:2"`
	OwnerId        string                    `json:"owner_id" gorm:"column:owner_id;size:64;uniqueIndex:uk_owner_conv,priority:1"`
	Type           protocol.ConversationType `json:"type" gorm:"column:type;size:16"`
	PeerUserId     string                    `json:"peer_user_id" gorm:"column:peer_user_id;size:64"`
	GroupId        string                    `json:"group_id" gorm:"column:group_id;size:64"`
	CreatedAt      int64                     `json:"created_at" gorm:"column:created_at;autoCreateTime:milli"`
	UpdatedAt      int64                     `json:"updated_at" gorm:"column:updated_at;autoUpdateTime:milli"`
}

// TableName returns the table name for Conversation
func (Conversation) TableName() string {
	return "conversations"
}

// ConversationWithSeq is a conversation row joined with its seq state
type ConversationWithSeq struct {
	Conversation
	MaxSeq      int64 `json:"max_seq"`
	ReadSeq     int64 `json:"read_seq"`
	UnreadCount int64 `json:"unread_count"`
}
