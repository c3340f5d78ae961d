package entity

import "time"

// NowUnixMilli returns current unix timestamp in milliseconds
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

// All lists every persisted model, in creation order for migrations
func All() []interface{} {
	return []interface{}{
		&User{},
		&Group{},
		&GroupMember{},
		&Conversation{},
		&SeqConversation{},
		&SeqUser{},
		&Message{},
		&Reaction{},
	}
}
