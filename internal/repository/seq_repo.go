package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/pkg/constant"
)

// SeqRepo allocates per conversation sequence numbers and tracks read positions
type SeqRepo struct {
	db  *gorm.DB
	rdb *redis.Client
}

// NewSeqRepo creates a new SeqRepo
func NewSeqRepo(db *gorm.DB, rdb *redis.Client) *SeqRepo {
	return &SeqRepo{db: db, rdb: rdb}
}

// AllocSeq allocates the next seq with redis INCR. A missing counter is
// first seeded from MySQL so a flushed redis never reissues a seq.
func (r *SeqRepo) AllocSeq(ctx context.Context, conversationId string) (int64, error) {
	key := constant.RedisKeySeqConversation(conversationId)

	n, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		maxSeq, err := r.mysqlMaxSeq(ctx, conversationId)
		if err != nil {
			return 0, err
		}
		if err := r.rdb.SetNX(ctx, key, maxSeq, 0).Err(); err != nil {
			return 0, err
		}
	}

	return r.rdb.Incr(ctx, key).Result()
}

// GetMaxSeq gets the current max seq for a conversation
func (r *SeqRepo) GetMaxSeq(ctx context.Context, conversationId string) (int64, error) {
	key := constant.RedisKeySeqConversation(conversationId)
	seq, err := r.rdb.Get(ctx, key).Int64()
	if err == nil {
		return seq, nil
	}
	if !errors.Is(err, redis.Nil) {
		return 0, err
	}
	return r.mysqlMaxSeq(ctx, conversationId)
}

func (r *SeqRepo) mysqlMaxSeq(ctx context.Context, conversationId string) (int64, error) {
	var seqConv entity.SeqConversation
	err := r.db.WithContext(ctx).Where("conversation_id = ?", conversationId).First(&seqConv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load seq: %w", err)
	}
	return seqConv.MaxSeq, nil
}

// GetMaxSeqWithLock reads the durable max seq under a row lock
func (r *SeqRepo) GetMaxSeqWithLock(ctx context.Context, tx *gorm.DB, conversationId string) (int64, error) {
	var seqConv entity.SeqConversation
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("conversation_id = ?", conversationId).
		First(&seqConv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seqConv.MaxSeq, nil
}

// SyncSeqWithTx persists maxSeq, never moving the durable value backwards
func (r *SeqRepo) SyncSeqWithTx(ctx context.Context, tx *gorm.DB, conversationId string, maxSeq int64) error {
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "conversation_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"max_seq": gorm.Expr("GREATEST(max_seq, ?)", maxSeq),
		}),
	}).Create(&entity.SeqConversation{ConversationId: conversationId, MaxSeq: maxSeq}).Error
}

// EnsureSeqConversationExists creates the durable seq row if missing
func (r *SeqRepo) EnsureSeqConversationExists(ctx context.Context, tx *gorm.DB, conversationId string) error {
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}},
		DoNothing: true,
	}).Create(&entity.SeqConversation{ConversationId: conversationId}).Error
}

// GetSeqUser gets the user's seq row, nil when absent
func (r *SeqRepo) GetSeqUser(ctx context.Context, userId, conversationId string) (*entity.SeqUser, error) {
	var seqUser entity.SeqUser
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND conversation_id = ?", userId, conversationId).
		First(&seqUser).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &seqUser, nil
}

// GetSeqUsers returns the read and delivered positions of every user in the conversation
func (r *SeqRepo) GetSeqUsers(ctx context.Context, conversationId string) (map[string]*entity.SeqUser, error) {
	var rows []*entity.SeqUser
	err := r.db.WithContext(ctx).
		Select("user_id", "read_seq", "delivered_seq").
		Where("conversation_id = ?", conversationId).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]*entity.SeqUser, len(rows))
	for _, row := range rows {
		out[row.UserId] = row
	}
	return out, nil
}

// SetSeqUserMinSeq starts a member's visible window at minSeq, used on group join
func (r *SeqRepo) SetSeqUserMinSeq(ctx context.Context, tx *gorm.DB, userId, conversationId string, minSeq int64) error {
	seqUser := &entity.SeqUser{
		UserId:         userId,
		ConversationId: conversationId,
		MinSeq:         minSeq,
		ReadSeq:        minSeq - 1,
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "conversation_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"min_seq":  minSeq,
			"max_seq":  0,
			"read_seq": gorm.Expr("GREATEST(read_seq, ?)", minSeq-1),
		}),
	}).Create(seqUser).Error
}

// SetSeqUserMaxSeq closes a member's visible window, used on group quit
func (r *SeqRepo) SetSeqUserMaxSeq(ctx context.Context, tx *gorm.DB, userId, conversationId string, maxSeq int64) error {
	return tx.WithContext(ctx).
		Model(&entity.SeqUser{}).
		Where("user_id = ? AND conversation_id = ?", userId, conversationId).
		Update("max_seq", maxSeq).Error
}

// UpdateReadSeq raises read_seq; a lower value is ignored
func (r *SeqRepo) UpdateReadSeq(ctx context.Context, userId, conversationId string, readSeq int64) error {
	seqUser := &entity.SeqUser{
		UserId:         userId,
		ConversationId: conversationId,
		ReadSeq:        readSeq,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "conversation_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"read_seq": gorm.Expr("GREATEST(read_seq, ?)", readSeq),
		}),
	}).Create(seqUser).Error
}

// UpdateDeliveredSeq raises delivered_seq; a lower value is ignored
func (r *SeqRepo) UpdateDeliveredSeq(ctx context.Context, userId, conversationId string, deliveredSeq int64) error {
	seqUser := &entity.SeqUser{
		UserId:         userId,
		ConversationId: conversationId,
		DeliveredSeq:   deliveredSeq,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "conversation_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"delivered_seq": gorm.Expr("GREATEST(delivered_seq, ?)", deliveredSeq),
		}),
	}).Create(seqUser).Error
}
