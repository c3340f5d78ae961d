package service

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/mbeoliero/kit/log"
	"gorm.io/gorm"

	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/internal/repository"
	"github.com/mbeoliero/chatsync/pkg/constant"
	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/idgen"
	"github.com/mbeoliero/chatsync/pkg/protocol"
)

const (
	maxGroupNameLength = 128
	maxGroupMembers    = 500
)

// GroupService handles group-related business logic
type GroupService struct {
	groupRepo *repository.GroupRepo
	seqRepo   *repository.SeqRepo
	convRepo  *repository.ConversationRepo
	userRepo  *repository.UserRepo
	userSvc   *UserService
	repos     *repository.Repositories
}

// NewGroupService creates a new GroupService
func NewGroupService(repos *repository.Repositories, userSvc *UserService) *GroupService {
	return &GroupService{
		groupRepo: repos.Group,
		seqRepo:   repos.Seq,
		convRepo:  repos.Conversation,
		userRepo:  repos.User,
		userSvc:   userSvc,
		repos:     repos,
	}
}

// CreateGroupRequest represents group creation request
type CreateGroupRequest struct {
	Name      string   `json:"name"`
	Avatar    string   `json:"avatar,omitempty"`
	MemberIds []string `json:"member_ids,omitempty"` // Initial members, the creator is added implicitly
}

// memberIds returns the deduplicated initial members including creatorId first
func (r *CreateGroupRequest) memberIds(creatorId string) []string {
	seen := map[string]bool{creatorId: true}
	ids := []string{creatorId}
	for _, id := range r.MemberIds {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// CreateGroup creates a new group with its conversation
func (s *GroupService) CreateGroup(ctx context.Context, creatorId string, req *CreateGroupRequest) (*entity.Group, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" || utf8.RuneCountInString(name) > maxGroupNameLength {
		return nil, errcode.ErrInvalidParam.WithMsg("group name must be 1-%d characters", maxGroupNameLength)
	}
	memberIds := req.memberIds(creatorId)
	if len(memberIds) > maxGroupMembers {
		return nil, errcode.ErrInvalidParam.WithMsg("at most %d members", maxGroupMembers)
	}

	n, err := s.userRepo.CountExisting(ctx, memberIds)
	if err != nil {
		log.CtxError(ctx, "count group members failed: %v", err)
		return nil, errcode.ErrInternalServer
	}
	if int(n) != len(memberIds) {
		return nil, errcode.ErrUserNotFound.WithMsg("some members do not exist")
	}

	groupId, err := idgen.NextID()
	if err != nil {
		log.CtxError(ctx, "generate group id failed: %v", err)
		return nil, errcode.ErrInternalServer
	}
	now := entity.NowUnixMilli()
	conversationId := constant.GroupConversationId(groupId)

	group := &entity.Group{
		Id:            groupId,
		Name:          name,
		Avatar:        req.Avatar,
		Status:        constant.GroupStatusNormal,
		CreatorUserId: creatorId,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.repos.Transaction(ctx, func(tx *gorm.DB) error {
		if err := s.groupRepo.Create(ctx, tx, group); err != nil {
			return err
		}
		if err := s.seqRepo.EnsureSeqConversationExists(ctx, tx, conversationId); err != nil {
			return err
		}

		for _, memberId := range memberIds {
			member := &entity.GroupMember{
				GroupId:   groupId,
				UserId:    memberId,
				RoleLevel: constant.RoleLevelMember,
				Status:    constant.GroupMemberStatusNormal,
				JoinedAt:  now,
				JoinSeq:   1, // Initial members see all messages
			}
			if memberId == creatorId {
				member.RoleLevel = constant.RoleLevelOwner
			} else {
				member.InviterUserId = creatorId
			}
			if err := s.groupRepo.AddMember(ctx, tx, member); err != nil {
				return err
			}
			if err := s.seqRepo.SetSeqUserMinSeq(ctx, tx, memberId, conversationId, 1); err != nil {
				return err
			}
		}

		return s.convRepo.EnsureGroup(ctx, tx, conversationId, groupId, memberIds)
	})
	if err != nil {
		log.CtxError(ctx, "create group failed: %v", err)
		return nil, errcode.ErrInternalServer
	}

	log.CtxInfo(ctx, "group created: group_id=%s, creator_id=%s, members=%d", groupId, creatorId, len(memberIds))
	return group, nil
}

// JoinGroup joins a user to a group.
// New members cannot see historical messages (join_seq = max_seq + 1).
func (s *GroupService) JoinGroup(ctx context.Context, groupId, userId, inviterId string) error {
	conversationId := constant.GroupConversationId(groupId)

	err := s.repos.Transaction(ctx, func(tx *gorm.DB) error {
		group, err := s.groupRepo.GetByIdWithTx(ctx, tx, groupId)
		if err != nil {
			return err
		}
		if group == nil {
			return errcode.ErrGroupNotFound
		}
		if !group.IsNormal() {
			return errcode.ErrGroupDismissed
		}

		existing, err := s.groupRepo.GetMemberWithTx(ctx, tx, groupId, userId)
		if err != nil {
			return err
		}
		if existing != nil && existing.IsNormal() {
			return errcode.ErrAlreadyGroupMember
		}

		maxSeq, err := s.seqRepo.GetMaxSeqWithLock(ctx, tx, conversationId)
		if err != nil {
			return err
		}

		joinSeq := maxSeq + 1
		member := &entity.GroupMember{
			GroupId:       groupId,
			UserId:        userId,
			RoleLevel:     constant.RoleLevelMember,
			Status:        constant.GroupMemberStatusNormal,
			JoinedAt:      entity.NowUnixMilli(),
			JoinSeq:       joinSeq,
			InviterUserId: inviterId,
		}
		if err := s.groupRepo.AddMember(ctx, tx, member); err != nil {
			return err
		}
		if err := s.seqRepo.SetSeqUserMinSeq(ctx, tx, userId, conversationId, joinSeq); err != nil {
			return err
		}
		return s.convRepo.EnsureGroup(ctx, tx, conversationId, groupId, []string{userId})
	})
	if err != nil {
		var e *errcode.Error
		if errors.As(err, &e) {
			return e
		}
		log.CtxError(ctx, "join group failed: group_id=%s, user_id=%s, err=%v", groupId, userId, err)
		return errcode.ErrInternalServer
	}

	log.CtxInfo(ctx, "user joined group: group_id=%s, user_id=%s", groupId, userId)
	return nil
}

// QuitGroup removes a user from a group.
// After quitting the user cannot see new messages (max_seq is set).
func (s *GroupService) QuitGroup(ctx context.Context, groupId, userId string) error {
	conversationId := constant.GroupConversationId(groupId)

	err := s.repos.Transaction(ctx, func(tx *gorm.DB) error {
		member, err := s.groupRepo.GetMemberWithTx(ctx, tx, groupId, userId)
		if err != nil {
			return err
		}
		if member == nil || !member.IsNormal() {
			return errcode.ErrNotGroupMember
		}
		// Owner cannot quit
		if member.IsOwner() {
			return errcode.ErrForbidden.WithMsg("group owner cannot quit")
		}

		maxSeq, err := s.seqRepo.GetMaxSeqWithLock(ctx, tx, conversationId)
		if err != nil {
			return err
		}
		if err := s.groupRepo.UpdateMemberStatus(ctx, tx, groupId, userId, constant.GroupMemberStatusLeft); err != nil {
			return err
		}
		return s.seqRepo.SetSeqUserMaxSeq(ctx, tx, userId, conversationId, maxSeq)
	})
	if err != nil {
		var e *errcode.Error
		if errors.As(err, &e) {
			return e
		}
		log.CtxError(ctx, "quit group failed: group_id=%s, user_id=%s, err=%v", groupId, userId, err)
		return errcode.ErrInternalServer
	}

	log.CtxInfo(ctx, "user quit group: group_id=%s, user_id=%s", groupId, userId)
	return nil
}

// GetGroupMembers lists the active members of a group the caller belongs to
func (s *GroupService) GetGroupMembers(ctx context.Context, userId, groupId string) ([]*protocol.UserData, error) {
	ids, err := s.groupRepo.GetActiveMemberUserIds(ctx, groupId)
	if err != nil {
		log.CtxError(ctx, "get group members failed: group_id=%s, err=%v", groupId, err)
		return nil, errcode.ErrInternalServer
	}
	if len(ids) == 0 {
		return nil, errcode.ErrGroupNotFound
	}
	if !contains(ids, userId) {
		return nil, errcode.ErrNotGroupMember
	}
	return s.userSvc.usersByIds(ctx, ids)
}

// GetActiveMemberUserIds gets active member user Ids
func (s *GroupService) GetActiveMemberUserIds(ctx context.Context, groupId string) ([]string, error) {
	return s.groupRepo.GetActiveMemberUserIds(ctx, groupId)
}

// IsActiveMember checks if user is an active member
func (s *GroupService) IsActiveMember(ctx context.Context, groupId, userId string) (bool, error) {
	return s.groupRepo.IsActiveMember(ctx, groupId, userId)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
