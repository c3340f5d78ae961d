package entity

// SeqConversation is the durable copy of a conversation's max seq
type SeqConversation struct {
	ConversationId string `json:"conversation_id" gorm:"column:conversation_id;primaryKey;size:160"`
	MaxSeq         int64  `json:"max_seq" gorm:"column:max_seq"`
	MinSeq         int64  `json:"min_seq" gorm:"column:min_seq"`
}

// TableName returns the table name for SeqConversation
func (SeqConversation) TableName() string {
	return "seq_conversations"
}

// SeqUser is one user's view of a conversation's seq space
type SeqUser struct {
	Id             int64  `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	UserId         string `json:"user_id" gorm:"column:user_id;size:64;uniqueIndex:uk_user_conv,priority:1"`
	ConversationId string `json:"conversation_id" gorm:"column:conversation_id;size:160;uniqueIndex:uk_user_conv,priority:2"`
	MinSeq         int64  `json:"min_seq" gorm:"column:min_seq"`
	MaxSeq         int64  `json:"max_seq" gorm:"column:max_seq"` // Non-zero after leaving a group
	ReadSeq        int64  `json:"read_seq" gorm:"column:read_seq"`
	DeliveredSeq   int64  `json:"delivered_seq" gorm:"column:delivered_seq"`
}

// TableName returns the table name for SeqUser
func (SeqUser) TableName() string {
	return "seq_users"
}

// VisibleRange returns the seq window the user may read given the conversation max
func (s *SeqUser) VisibleRange(convMaxSeq int64) (int64, int64) {
	minSeq, maxSeq := s.MinSeq, convMaxSeq
	if s.MaxSeq > 0 && s.MaxSeq < maxSeq {
		maxSeq = s.MaxSeq
	}
	return minSeq, maxSeq
}
