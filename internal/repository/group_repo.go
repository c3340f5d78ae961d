package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mbeoliero/kit/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/pkg/constant"
)

const memberCacheTTL = 10 * time.Minute

// GroupRepo is the repository for group operations
type GroupRepo struct {
	db  *gorm.DB
	rdb *redis.Client
}

// NewGroupRepo creates a new GroupRepo
func NewGroupRepo(db *gorm.DB, rdb *redis.Client) *GroupRepo {
	return &GroupRepo{db: db, rdb: rdb}
}

// GetById gets group by Id, nil when absent
func (r *GroupRepo) GetById(ctx context.Context, id string) (*entity.Group, error) {
	return r.GetByIdWithTx(ctx, r.db, id)
}

// GetByIdWithTx gets group by Id with transaction
func (r *GroupRepo) GetByIdWithTx(ctx context.Context, tx *gorm.DB, id string) (*entity.Group, error) {
	var group entity.Group
	err := tx.WithContext(ctx).Where("id = ?", id).First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &group, nil
}

// GetByIds gets groups by Ids
func (r *GroupRepo) GetByIds(ctx context.Context, ids []string) ([]*entity.Group, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var groups []*entity.Group
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&groups).Error
	return groups, err
}

// Create creates a new group
func (r *GroupRepo) Create(ctx context.Context, tx *gorm.DB, group *entity.Group) error {
	now := entity.NowUnixMilli()
	group.CreatedAt = now
	group.UpdatedAt = now
	return tx.WithContext(ctx).Create(group).Error
}

// AddMember adds a member, reactivating a previous membership on rejoin
func (r *GroupRepo) AddMember(ctx context.Context, tx *gorm.DB, member *entity.GroupMember) error {
	now := entity.NowUnixMilli()
	member.CreatedAt = now
	member.UpdatedAt = now

	err := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "group_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"status":          constant.GroupMemberStatusNormal,
			"joined_at":       member.JoinedAt,
			"join_seq":        member.JoinSeq,
			"role_level":      member.RoleLevel,
			"inviter_user_id": member.InviterUserId,
			"updated_at":      now,
		}),
	}).Create(member).Error
	if err != nil {
		return err
	}

	r.invalidateMemberCache(ctx, member.GroupId)
	return nil
}

// GetMember gets a group member, nil when absent
func (r *GroupRepo) GetMember(ctx context.Context, groupId, userId string) (*entity.GroupMember, error) {
	return r.GetMemberWithTx(ctx, r.db, groupId, userId)
}

// GetMemberWithTx gets a group member with transaction
func (r *GroupRepo) GetMemberWithTx(ctx context.Context, tx *gorm.DB, groupId, userId string) (*entity.GroupMember, error) {
	var member entity.GroupMember
	err := tx.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", groupId, userId).
		First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &member, nil
}

// GetActiveMemberUserIds returns ids of active members, served from redis when cached
func (r *GroupRepo) GetActiveMemberUserIds(ctx context.Context, groupId string) ([]string, error) {
	key := constant.RedisKeyGroupMembers(groupId)
	if ids, err := r.rdb.SMembers(ctx, key).Result(); err == nil && len(ids) > 0 {
		return ids, nil
	}

	var userIds []string
	err := r.db.WithContext(ctx).
		Model(&entity.GroupMember{}).
		Where("group_id = ? AND status = ?", groupId, constant.GroupMemberStatusNormal).
		Pluck("user_id", &userIds).Error
	if err != nil {
		return nil, err
	}

	if len(userIds) > 0 {
		members := make([]interface{}, len(userIds))
		for i, id := range userIds {
			members[i] = id
		}
		pipe := r.rdb.TxPipeline()
		pipe.Del(ctx, key)
		pipe.SAdd(ctx, key, members...)
		pipe.Expire(ctx, key, memberCacheTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			log.CtxWarn(ctx, "cache group members failed: group_id=%s, err=%v", groupId, err)
		}
	}
	return userIds, nil
}

// UpdateMemberStatus updates member status
func (r *GroupRepo) UpdateMemberStatus(ctx context.Context, tx *gorm.DB, groupId, userId string, status int32) error {
	err := tx.WithContext(ctx).
		Model(&entity.GroupMember{}).
		Where("group_id = ? AND user_id = ?", groupId, userId).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": entity.NowUnixMilli(),
		}).Error
	if err != nil {
		return err
	}

	r.invalidateMemberCache(ctx, groupId)
	return nil
}

// IsActiveMember checks if user is an active member of the group
func (r *GroupRepo) IsActiveMember(ctx context.Context, groupId, userId string) (bool, error) {
	member, err := r.GetMember(ctx, groupId, userId)
	if err != nil {
		return false, err
	}
	return member != nil && member.IsNormal(), nil
}

func (r *GroupRepo) invalidateMemberCache(ctx context.Context, groupId string) {
	if err := r.rdb.Del(ctx, constant.RedisKeyGroupMembers(groupId)).Err(); err != nil {
		log.CtxWarn(ctx, "invalidate group members cache failed: group_id=%s, err=%v", groupId, err)
	}
}
