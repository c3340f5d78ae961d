package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/pkg/protocol"
)

// ConversationRepo is the repository for conversation operations
type ConversationRepo struct {
	db *gorm.DB
}

// NewConversationRepo creates a new ConversationRepo
func NewConversationRepo(db *gorm.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// GetUserConversationsWithSeq lists an owner's conversations with seq state,
// most recently active first
func (r *ConversationRepo) GetUserConversationsWithSeq(ctx context.Context, ownerId string) ([]*entity.ConversationWithSeq, error) {
	var results []*entity.ConversationWithSeq

	err := r.db.WithContext(ctx).
		Table("conversations c").
		Select(`
			c.*,
			COALESCE(sc.max_seq, 0) as max_seq,
			COALESCE(su.read_seq, 0) as read_seq,
			GREATEST(0, COALESCE(sc.max_seq, 0) - COALESCE(su.read_seq, 0)) as unread_count
		`).
		Joins("LEFT JOIN seq_conversations sc ON sc.conversation_id = c.conversation_id").
		Joins("LEFT JOIN seq_users su ON su.user_id = c.owner_id AND su.conversation_id = c.conversation_id").
		Where("c.owner_id = ?", ownerId).
		Order("c.updated_at DESC").
		Scan(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// EnsureDirect creates both owners' rows of a direct conversation, each
// pointing at the other as peer
func (r *ConversationRepo) EnsureDirect(ctx context.Context, tx *gorm.DB, conversationId, userA, userB string) error {
	now := entity.NowUnixMilli()
	rows := []*entity.Conversation{
		{ConversationId: conversationId, OwnerId: userA, PeerUserId: userB, Type: protocol.ConversationDirect, CreatedAt: now, UpdatedAt: now},
		{ConversationId: conversationId, OwnerId: userB, PeerUserId: userA, Type: protocol.ConversationDirect, CreatedAt: now, UpdatedAt: now},
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "conversation_id"}},
		DoNothing: true,
	}).Create(&rows).Error
}

// EnsureGroup creates rows of a group conversation for every user
func (r *ConversationRepo) EnsureGroup(ctx context.Context, tx *gorm.DB, conversationId, groupId string, userIds []string) error {
	if len(userIds) == 0 {
		return nil
	}
	now := entity.NowUnixMilli()
	rows := make([]*entity.Conversation, 0, len(userIds))
	for _, userId := range userIds {
		rows = append(rows, &entity.Conversation{
			ConversationId: conversationId,
			OwnerId:        userId,
			GroupId:        groupId,
			Type:           protocol.ConversationGroup,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "conversation_id"}},
		DoNothing: true,
	}).Create(&rows).Error
}

// Touch moves every owner's row of the conversation to the top of their list
func (r *ConversationRepo) Touch(ctx context.Context, tx *gorm.DB, conversationId string, at int64) error {
	return tx.WithContext(ctx).
		Model(&entity.Conversation{}).
		Where("conversation_id = ?", conversationId).
		UpdateColumn("updated_at", at).Error
}

// PeerIds returns every direct conversation peer of ownerId
func (r *ConversationRepo) PeerIds(ctx context.Context, ownerId string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&entity.Conversation{}).
		Where("owner_id = ? AND type = ?", ownerId, protocol.ConversationDirect).
		Pluck("peer_user_id", &ids).Error
	return ids, err
}

// GroupIds returns the groups ownerId has a conversation row for
func (r *ConversationRepo) GroupIds(ctx context.Context, ownerId string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&entity.Conversation{}).
		Where("owner_id = ? AND type = ?", ownerId, protocol.ConversationGroup).
		Pluck("group_id", &ids).Error
	return ids, err
}
