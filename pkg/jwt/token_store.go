package jwt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbeoliero/chatsync/pkg/constant"
)

// Token status values kept in the per platform hash
const (
	TokenStatusNormal = 1
	TokenStatusKicked = 2
	TokenStatusLogout = 3
)

// TokenStore tracks issued tokens so logout and re-login can revoke them
type TokenStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewTokenStore creates a new TokenStore
func NewTokenStore(rdb redis.Cmdable, ttl time.Duration) *TokenStore {
	return &TokenStore{rdb: rdb, ttl: ttl}
}

// StoreToken records token as valid for userId on platformId
func (s *TokenStore) StoreToken(ctx context.Context, userId string, platformId int, token string) error {
	key := constant.RedisKeyToken(userId, platformId)

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, token, TokenStatusNormal)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// Status returns the recorded status of token, 0 when unknown
func (s *TokenStore) Status(ctx context.Context, userId string, platformId int, token string) (int, error) {
	v, err := s.rdb.HGet(ctx, constant.RedisKeyToken(userId, platformId), token).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get token status: %w", err)
	}
	status, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid token status value %q: %w", v, err)
	}
	return status, nil
}

// InvalidateToken marks token as logged out
func (s *TokenStore) InvalidateToken(ctx context.Context, userId string, platformId int, token string) error {
	key := constant.RedisKeyToken(userId, platformId)
	exists, err := s.rdb.HExists(ctx, key, token).Result()
	if err != nil {
		return fmt.Errorf("failed to check token: %w", err)
	}
	if !exists {
		return nil
	}
	if err := s.rdb.HSet(ctx, key, token, TokenStatusLogout).Err(); err != nil {
		return fmt.Errorf("failed to invalidate token: %w", err)
	}
	return nil
}

// KickOtherTokens marks every other normal token for userId on platformId as kicked
func (s *TokenStore) KickOtherTokens(ctx context.Context, userId string, platformId int, current string) ([]string, error) {
	key := constant.RedisKeyToken(userId, platformId)
	tokens, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get tokens: %w", err)
	}

	var kicked []string
	for token, v := range tokens {
		if token == current {
			continue
		}
		if status, _ := strconv.Atoi(v); status != TokenStatusNormal {
			continue
		}
		kicked = append(kicked, token)
	}
	if len(kicked) == 0 {
		return nil, nil
	}

	values := make([]interface{}, 0, len(kicked)*2)
	for _, token := range kicked {
		values = append(values, token, TokenStatusKicked)
	}
	if err := s.rdb.HSet(ctx, key, values...).Err(); err != nil {
		return nil, fmt.Errorf("failed to kick tokens: %w", err)
	}
	return kicked, nil
}
