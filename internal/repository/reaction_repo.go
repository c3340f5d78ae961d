package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mbeoliero/chatsync/internal/entity"
)

// ReactionRepo stores message reactions, one per user and message
type ReactionRepo struct {
	db *gorm.DB
}

// NewReactionRepo creates a new ReactionRepo
func NewReactionRepo(db *gorm.DB) *ReactionRepo {
	return &ReactionRepo{db: db}
}

// Upsert sets the user's reaction, replacing any previous emoji
func (r *ReactionRepo) Upsert(ctx context.Context, messageId, userId, emoji string) error {
	now := entity.NowUnixMilli()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"emoji":      emoji,
			"updated_at": now,
		}),
	}).Create(&entity.Reaction{MessageId: messageId, UserId: userId, Emoji: emoji, CreatedAt: now, UpdatedAt: now}).Error
}

// Delete removes the user's reaction and reports whether one existed
func (r *ReactionRepo) Delete(ctx context.Context, messageId, userId string) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ?", messageId, userId).
		Delete(&entity.Reaction{})
	return res.RowsAffected > 0, res.Error
}

// ListByMessage returns every reaction on a message, oldest first
func (r *ReactionRepo) ListByMessage(ctx context.Context, messageId string) ([]*entity.Reaction, error) {
	var rs []*entity.Reaction
	err := r.db.WithContext(ctx).Where("message_id = ?", messageId).Order("id ASC").Find(&rs).Error
	return rs, err
}

// ListByMessages groups reactions by message id
func (r *ReactionRepo) ListByMessages(ctx context.Context, messageIds []string) (map[string][]*entity.Reaction, error) {
	out := make(map[string][]*entity.Reaction)
	if len(messageIds) == 0 {
		return out, nil
	}
	var rs []*entity.Reaction
	if err := r.db.WithContext(ctx).Where("message_id IN ?", messageIds).Order("id ASC").Find(&rs).Error; err != nil {
		return nil, err
	}
	for _, reaction := range rs {
		out[reaction.MessageId] = append(out[reaction.MessageId], reaction)
	}
	return out, nil
}
