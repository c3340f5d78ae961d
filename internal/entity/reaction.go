package entity

import "github.com/mbeoliero/chatsync/pkg/protocol"

// Reaction is one user's emoji on a message; a user holds at most one per message
type Reaction struct {
	Id        int64  `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	MessageId string `json:"message_id" gorm:"column:message_id;size:32;uniqueIndex:uk_msg_user,priority:1"`
	UserId    string `json:"user_id" gorm:"column:user_id;size:64;uniqueIndex:uk_msg_user,priority:2"`
	Emoji     string `json:"emoji" gorm:"column:emoji;size:32"`
	CreatedAt int64  `json:"created_at" gorm:"column:created_at;autoCreateTime:milli"`
	UpdatedAt int64  `json:"updated_at" gorm:"column:updated_at;autoUpdateTime:milli"`
}

// TableName returns the table name for Reaction
func (Reaction) TableName() string {
	return "message_reactions"
}

// ReactionEntries converts rows to wire entries, nil when there are none
func ReactionEntries(rs []*Reaction) []protocol.ReactionEntry {
	if len(rs) == 0 {
		return nil
	}
	out := make([]protocol.ReactionEntry, 0, len(rs))
	for _, r := range rs {
		out = append(out, protocol.ReactionEntry{UserId: r.UserId, Emoji: r.Emoji})
	}
	return out
}
