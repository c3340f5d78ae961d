package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/mbeoliero/chatsync/internal/entity"
)

// MessageRepo is the repository for message operations
type MessageRepo struct {
	db *gorm.DB
}

// NewMessageRepo creates a new MessageRepo
func NewMessageRepo(db *gorm.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Create creates a new message
func (r *MessageRepo) Create(ctx context.Context, tx *gorm.DB, msg *entity.Message) error {
	now := entity.NowUnixMilli()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	return tx.WithContext(ctx).Create(msg).Error
}

// GetById gets a message, nil when absent
func (r *MessageRepo) GetById(ctx context.Context, id string) (*entity.Message, error) {
	var msg entity.Message
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetByClientMsgId gets message by sender_id and client_msg_id (for idempotency check)
func (r *MessageRepo) GetByClientMsgId(ctx context.Context, senderId, clientMsgId string) (*entity.Message, error) {
	var msg entity.Message
	err := r.db.WithContext(ctx).
		Where("sender_id = ? AND client_msg_id = ?", senderId, clientMsgId).
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// PageQuery selects one history page inside a visible seq window
type PageQuery struct {
	ConversationId string
	MinSeq         int64
	MaxSeq         int64 // 0 means unbounded
	Page           int   // 1 is the newest page
	Limit          int
}

// Page returns the requested page ascending by seq, and whether older pages exist
func (r *MessageRepo) Page(ctx context.Context, q PageQuery) ([]*entity.Message, bool, error) {
	db := r.db.WithContext(ctx).
		Where("conversation_id = ? AND seq >= ?", q.ConversationId, q.MinSeq)
	if q.MaxSeq > 0 {
		db = db.Where("seq <= ?", q.MaxSeq)
	}

	var messages []*entity.Message
	err := db.Order("seq DESC").
		Offset((q.Page - 1) * q.Limit).
		Limit(q.Limit + 1).
		Find(&messages).Error
	if err != nil {
		return nil, false, err
	}

	hasMore := len(messages) > q.Limit
	if hasMore {
		messages = messages[:q.Limit]
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, hasMore, nil
}

// LatestByConversations returns the newest message of each conversation
func (r *MessageRepo) LatestByConversations(ctx context.Context, conversationIds []string) (map[string]*entity.Message, error) {
	if len(conversationIds) == 0 {
		return map[string]*entity.Message{}, nil
	}

	latest := r.db.Model(&entity.Message{}).
		Select("conversation_id, MAX(seq) AS seq").
		Where("conversation_id IN ?", conversationIds).
		Group("conversation_id")

	var messages []*entity.Message
	err := r.db.WithContext(ctx).
		Table("messages m").
		Select("m.*").
		Joins("JOIN (?) l ON l.conversation_id = m.conversation_id AND l.seq = m.seq", latest).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}

	out := make(map[string]*entity.Message, len(messages))
	for _, m := range messages {
		out[m.ConversationId] = m
	}
	return out, nil
}

// GetByIds returns messages of one conversation among ids
func (r *MessageRepo) GetByIds(ctx context.Context, conversationId string, ids []string) ([]*entity.Message, error) {
	var messages []*entity.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND id IN ?", conversationId, ids).
		Order("seq ASC").
		Find(&messages).Error
	return messages, err
}

// IncomingInRange lists messages in (afterSeq, uptoSeq] not sent by userId
func (r *MessageRepo) IncomingInRange(ctx context.Context, conversationId, userId string, afterSeq, uptoSeq int64) ([]*entity.Message, error) {
	var messages []*entity.Message
	err := r.db.WithContext(ctx).
		Select("id", "seq", "sender_id", "conversation_id").
		Where("conversation_id = ? AND seq > ? AND seq <= ? AND sender_id <> ?", conversationId, afterSeq, uptoSeq, userId).
		Order("seq ASC").
		Find(&messages).Error
	return messages, err
}

// UpdateContent replaces the text of a message and flags it edited
func (r *MessageRepo) UpdateContent(ctx context.Context, id, content string, editedAt int64) error {
	return r.db.WithContext(ctx).
		Model(&entity.Message{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Updates(map[string]interface{}{
			"content":    content,
			"is_edited":  true,
			"edited_at":  editedAt,
			"updated_at": editedAt,
		}).Error
}

// SoftDelete flags a message deleted and drops its payload
func (r *MessageRepo) SoftDelete(ctx context.Context, id string, deletedAt int64) error {
	return r.db.WithContext(ctx).
		Model(&entity.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_deleted":  true,
			"deleted_at":  deletedAt,
			"content":     "",
			"attachments": nil,
			"updated_at":  deletedAt,
		}).Error
}
