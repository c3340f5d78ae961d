package service

import (
	"context"
	"strings"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/internal/repository"
	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/protocol"
)

const maxBatchUsers = 200

// UserService handles user-related business logic
type UserService struct {
	userRepo     *repository.UserRepo
	presenceRepo *repository.PresenceRepo
}

// NewUserService creates a new UserService
func NewUserService(userRepo *repository.UserRepo, presenceRepo *repository.PresenceRepo) *UserService {
	return &UserService{
		userRepo:     userRepo,
		presenceRepo: presenceRepo,
	}
}

// UpdateUserRequest represents user update request
type UpdateUserRequest struct {
	Nickname string `json:"nickname,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// BatchUsersRequest requests several users at once
type BatchUsersRequest struct {
	UserIds []string `json:"user_ids"`
}

// GetUserInfo gets user info by Id
func (s *UserService) GetUserInfo(ctx context.Context, userId string) (*protocol.UserData, error) {
	user, err := s.userRepo.GetById(ctx, userId)
	if err != nil {
		log.CtxError(ctx, "get user failed: user_id=%s, err=%v", userId, err)
		return nil, errcode.ErrInternalServer
	}
	if user == nil {
		return nil, errcode.ErrUserNotFound
	}
	data := user.ToData(s.online(ctx, []string{userId})[userId])
	return &data, nil
}

// GetUserInfos gets multiple users info by Ids, silently skipping unknown ones
func (s *UserService) GetUserInfos(ctx context.Context, userIds []string) ([]*protocol.UserData, error) {
	if len(userIds) > maxBatchUsers {
		return nil, errcode.ErrInvalidParam.WithMsg("at most %d users per request", maxBatchUsers)
	}
	return s.usersByIds(ctx, userIds)
}

func (s *UserService) usersByIds(ctx context.Context, userIds []string) ([]*protocol.UserData, error) {
	users, err := s.userRepo.GetByIds(ctx, userIds)
	if err != nil {
		log.CtxError(ctx, "get users failed: %v", err)
		return nil, errcode.ErrInternalServer
	}
	return s.toData(ctx, users), nil
}

func (s *UserService) toData(ctx context.Context, users []*entity.User) []*protocol.UserData {
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.Id)
	}
	online := s.online(ctx, ids)

	out := make([]*protocol.UserData, 0, len(users))
	for _, u := range users {
		data := u.ToData(online[u.Id])
		out = append(out, &data)
	}
	return out
}

// online looks up presence; a redis failure reports everybody offline
func (s *UserService) online(ctx context.Context, userIds []string) map[string]bool {
	online, err := s.presenceRepo.OnlineMany(ctx, userIds)
	if err != nil {
		log.CtxWarn(ctx, "get presence failed: %v", err)
		return map[string]bool{}
	}
	return online
}

// UpdateUserInfo updates user info
func (s *UserService) UpdateUserInfo(ctx context.Context, userId string, req *UpdateUserRequest) (*protocol.UserData, error) {
	updates := make(map[string]interface{})
	if nickname := strings.TrimSpace(req.Nickname); nickname != "" {
		updates["nickname"] = nickname
	}
	if req.Avatar != "" {
		updates["avatar"] = req.Avatar
	}

	if len(updates) > 0 {
		if err := s.userRepo.Update(ctx, userId, updates); err != nil {
			log.CtxError(ctx, "update user failed: user_id=%s, err=%v", userId, err)
			return nil, errcode.ErrInternalServer
		}
	}

	return s.GetUserInfo(ctx, userId)
}

// SetOnline records a new live connection of userId.
// It reports true when this is the user's first connection.
func (s *UserService) SetOnline(ctx context.Context, userId, connId string) (bool, error) {
	was, err := s.presenceRepo.OnlineMany(ctx, []string{userId})
	if err != nil {
		return false, err
	}
	if err := s.presenceRepo.MarkOnline(ctx, userId, connId); err != nil {
		return false, err
	}
	return !was[userId], nil
}

// SetOffline drops one connection. When it was the last one the user's
// last seen time is stored and returned.
func (s *UserService) SetOffline(ctx context.Context, userId, connId string) (offline bool, lastSeen int64, err error) {
	offline, err = s.presenceRepo.MarkOffline(ctx, userId, connId)
	if err != nil || !offline {
		return offline, 0, err
	}
	lastSeen = entity.NowUnixMilli()
	if err := s.userRepo.TouchLastSeen(ctx, userId, lastSeen); err != nil {
		log.CtxWarn(ctx, "touch last seen failed: user_id=%s, err=%v", userId, err)
	}
	return true, lastSeen, nil
}

// RefreshOnline extends the presence TTL of userId
func (s *UserService) RefreshOnline(ctx context.Context, userId string) error {
	return s.presenceRepo.Refresh(ctx, userId)
}
