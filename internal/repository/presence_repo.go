package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbeoliero/chatsync/pkg/constant"
)

// PresenceRepo keeps online state in redis so every gateway instance sees it
type PresenceRepo struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewPresenceRepo creates a new PresenceRepo
func NewPresenceRepo(rdb redis.Cmdable, ttl time.Duration) *PresenceRepo {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &PresenceRepo{rdb: rdb, ttl: ttl}
}

// MarkOnline adds connId to the user's connection set
func (r *PresenceRepo) MarkOnline(ctx context.Context, userId, connId string) error {
	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, constant.RedisKeyOnlineConns(userId), connId)
	pipe.Expire(ctx, constant.RedisKeyOnlineConns(userId), r.ttl)
	pipe.Set(ctx, constant.RedisKeyOnline(userId), "1", r.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// MarkOffline removes connId and reports whether the user has no connection left anywhere
func (r *PresenceRepo) MarkOffline(ctx context.Context, userId, connId string) (bool, error) {
	key := constant.RedisKeyOnlineConns(userId)
	if err := r.rdb.SRem(ctx, key, connId).Err(); err != nil {
		return false, err
	}
	n, err := r.rdb.SCard(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	return true, r.rdb.Del(ctx, constant.RedisKeyOnline(userId)).Err()
}

// Refresh extends the online TTL, called on heartbeats
func (r *PresenceRepo) Refresh(ctx context.Context, userId string) error {
	pipe := r.rdb.Pipeline()
	pipe.Expire(ctx, constant.RedisKeyOnlineConns(userId), r.ttl)
	pipe.Expire(ctx, constant.RedisKeyOnline(userId), r.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// OnlineMany reports the online flag of each user
func (r *PresenceRepo) OnlineMany(ctx context.Context, userIds []string) (map[string]bool, error) {
	out := make(map[string]bool, len(userIds))
	if len(userIds) == 0 {
		return out, nil
	}
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(userIds))
	for i, id := range userIds {
		cmds[i] = pipe.Exists(ctx, constant.RedisKeyOnline(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	for i, id := range userIds {
		out[id] = cmds[i].Val() > 0
	}
	return out, nil
}
