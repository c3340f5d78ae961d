package service

import (
	"context"
	"time"

	"github.com/mbeoliero/kit/log"
	"gorm.io/gorm"

	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/internal/repository"
	"github.com/mbeoliero/chatsync/pkg/constant"
	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/protocol"
)

// ConversationService handles conversation-related business logic
type ConversationService struct {
	convRepo  *repository.ConversationRepo
	seqRepo   *repository.SeqRepo
	msgRepo   *repository.MessageRepo
	groupRepo *repository.GroupRepo
	userRepo  *repository.UserRepo
	userSvc   *UserService
	repos     *repository.Repositories
	pusher    EventPusher
}

// NewConversationService creates a new ConversationService
func NewConversationService(repos *repository.Repositories, userSvc *UserService) *ConversationService {
	return &ConversationService{
		convRepo:  repos.Conversation,
		seqRepo:   repos.Seq,
		msgRepo:   repos.Message,
		groupRepo: repos.Group,
		userRepo:  repos.User,
		userSvc:   userSvc,
		repos:     repos,
		pusher:    nopPusher{},
	}
}

// SetPusher sets the realtime event pusher
func (s *ConversationService) SetPusher(p EventPusher) {
	s.pusher = p
}

// CreateDirectRequest asks for the direct conversation with a user
type CreateDirectRequest struct {
	UserId string `json:"user_id"`
}

// MarkReadRequest acknowledges messages; an empty list means everything
type MarkReadRequest struct {
	MessageIds []string `json:"message_ids,omitempty"`
}

// MarkReadResponse reports the reader's new position
type MarkReadResponse struct {
	ReadSeq    int64    `json:"read_seq"`
	MessageIds []string `json:"message_ids"`
}

// GetUserConversations lists the user's conversations, most recently active first
func (s *ConversationService) GetUserConversations(ctx context.Context, userId string) ([]*protocol.ConversationData, error) {
	rows, err := s.convRepo.GetUserConversationsWithSeq(ctx, userId)
	if err != nil {
		log.CtxError(ctx, "get user conversations failed: user_id=%s, err=%v", userId, err)
		return nil, errcode.ErrInternalServer
	}
	return s.build(ctx, userId, rows)
}

// GetConversation returns one conversation as seen by userId
func (s *ConversationService) GetConversation(ctx context.Context, userId, conversationId string) (*protocol.ConversationData, error) {
	rows, err := s.convRepo.GetUserConversationsWithSeq(ctx, userId)
	if err != nil {
		log.CtxError(ctx, "get user conversations failed: user_id=%s, err=%v", userId, err)
		return nil, errcode.ErrInternalServer
	}
	for _, row := range rows {
		if row.ConversationId != conversationId {
			continue
		}
		out, err := s.build(ctx, userId, []*entity.ConversationWithSeq{row})
		if err != nil {
			return nil, err
		}
		return out[0], nil
	}
	return nil, errcode.ErrConvNotFound
}

// build resolves participants, group names and last messages for rows in
// a fixed number of queries
func (s *ConversationService) build(ctx context.Context, userId string, rows []*entity.ConversationWithSeq) ([]*protocol.ConversationData, error) {
	convIds := make([]string, 0, len(rows))
	groupIds := make([]string, 0)
	members := make(map[string][]string, len(rows))
	userSet := map[string]bool{userId: true}

	for _, row := range rows {
		convIds = append(convIds, row.ConversationId)
		switch row.Type {
		case protocol.ConversationDirect:
			members[row.ConversationId] = []string{userId, row.PeerUserId}
			userSet[row.PeerUserId] = true
		case protocol.ConversationGroup:
			groupIds = append(groupIds, row.GroupId)
			ids, err := s.groupRepo.GetActiveMemberUserIds(ctx, row.GroupId)
			if err != nil {
				log.CtxError(ctx, "get group members failed: group_id=%s, err=%v", row.GroupId, err)
				return nil, errcode.ErrInternalServer
			}
			members[row.ConversationId] = ids
			for _, id := range ids {
				userSet[id] = true
			}
		}
	}

	userIds := make([]string, 0, len(userSet))
	for id := range userSet {
		userIds = append(userIds, id)
	}
	users, err := s.userSvc.usersByIds(ctx, userIds)
	if err != nil {
		return nil, err
	}
	userById := make(map[string]protocol.UserData, len(users))
	for _, u := range users {
		userById[u.Id] = *u
	}

	groupNames := make(map[string]string, len(groupIds))
	if len(groupIds) > 0 {
		groups, err := s.groupRepo.GetByIds(ctx, groupIds)
		if err != nil {
			log.CtxError(ctx, "get groups failed: %v", err)
			return nil, errcode.ErrInternalServer
		}
		for _, g := range groups {
			groupNames[g.Id] = g.Name
		}
	}

	latest, err := s.msgRepo.LatestByConversations(ctx, convIds)
	if err != nil {
		log.CtxError(ctx, "get latest messages failed: %v", err)
		return nil, errcode.ErrInternalServer
	}

	out := make([]*protocol.ConversationData, 0, len(rows))
	for _, row := range rows {
		data := &protocol.ConversationData{
			Id:             row.ConversationId,
			Type:           row.Type,
			UnreadCount:    row.UnreadCount,
			MaxSeq:         row.MaxSeq,
			ReadSeq:        row.ReadSeq,
			LastActivityAt: row.UpdatedAt,
		}
		if row.Type == protocol.ConversationGroup {
			data.Name = groupNames[row.GroupId]
		}
		for _, id := range members[row.ConversationId] {
			if u, ok := userById[id]; ok {
				data.Participants = append(data.Participants, u)
			}
		}
		if msg, ok := latest[row.ConversationId]; ok {
			status := ""
			if msg.SenderId == userId {
				status = s.senderStatus(ctx, msg)
			}
			data.LastMessage = msg.ToData(status, nil)
			if msg.SendAt > data.LastActivityAt {
				data.LastActivityAt = msg.SendAt
			}
		}
		out = append(out, data)
	}
	return out, nil
}

func (s *ConversationService) senderStatus(ctx context.Context, msg *entity.Message) string {
	seqs, err := s.seqRepo.GetSeqUsers(ctx, msg.ConversationId)
	if err != nil {
		log.CtxWarn(ctx, "get seq users failed: conversation_id=%s, err=%v", msg.ConversationId, err)
		return protocol.StatusSent
	}
	return SenderStatus(msg.SenderId, msg.Seq, seqs)
}

// GetOrCreateDirect returns the direct conversation between userId and peerId,
// creating it on first use
func (s *ConversationService) GetOrCreateDirect(ctx context.Context, userId, peerId string) (*protocol.ConversationData, error) {
	if peerId == "" || peerId == userId {
		return nil, errcode.ErrInvalidParam.WithMsg("invalid peer user")
	}
	exists, err := s.userRepo.Exists(ctx, peerId)
	if err != nil {
		log.CtxError(ctx, "check user exists failed: user_id=%s, err=%v", peerId, err)
		return nil, errcode.ErrInternalServer
	}
	if !exists {
		return nil, errcode.ErrUserNotFound
	}

	conversationId := constant.DirectConversationId(userId, peerId)
	err = s.repos.Transaction(ctx, func(tx *gorm.DB) error {
		if err := s.convRepo.EnsureDirect(ctx, tx, conversationId, userId, peerId); err != nil {
			return err
		}
		return s.seqRepo.EnsureSeqConversationExists(ctx, tx, conversationId)
	})
	if err != nil {
		log.CtxError(ctx, "ensure direct conversation failed: conversation_id=%s, err=%v", conversationId, err)
		return nil, errcode.ErrInternalServer
	}

	return s.GetConversation(ctx, userId, conversationId)
}

// Participants returns the ids that receive events of conversationId
func (s *ConversationService) Participants(ctx context.Context, conversationId string) ([]string, error) {
	if a, b, ok := constant.DirectPeers(conversationId); ok {
		return []string{a, b}, nil
	}
	if groupId, ok := constant.GroupIdFromConversation(conversationId); ok {
		return s.groupRepo.GetActiveMemberUserIds(ctx, groupId)
	}
	return nil, errcode.ErrConvNotFound
}

// CanAccess reports whether userId currently participates in conversationId
func (s *ConversationService) CanAccess(ctx context.Context, userId, conversationId string) (bool, error) {
	if a, b, ok := constant.DirectPeers(conversationId); ok {
		return userId == a || userId == b, nil
	}
	if groupId, ok := constant.GroupIdFromConversation(conversationId); ok {
		return s.groupRepo.IsActiveMember(ctx, groupId, userId)
	}
	return false, nil
}

// checkAccess maps CanAccess to business errors
func (s *ConversationService) checkAccess(ctx context.Context, userId, conversationId string) error {
	ok, err := s.CanAccess(ctx, userId, conversationId)
	if err != nil {
		log.CtxError(ctx, "check conversation access failed: user_id=%s, conversation_id=%s, err=%v", userId, conversationId, err)
		return errcode.ErrInternalServer
	}
	if !ok {
		return errcode.ErrNoPermission
	}
	return nil
}

// Contacts returns everyone who should hear about userId's presence:
// direct peers and members of the user's groups
func (s *ConversationService) Contacts(ctx context.Context, userId string) ([]string, error) {
	peers, err := s.convRepo.PeerIds(ctx, userId)
	if err != nil {
		return nil, err
	}
	groupIds, err := s.convRepo.GroupIds(ctx, userId)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{userId: true}
	out := make([]string, 0, len(peers))
	add := func(ids []string) {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	add(peers)
	for _, groupId := range groupIds {
		ids, err := s.groupRepo.GetActiveMemberUserIds(ctx, groupId)
		if err != nil {
			log.CtxWarn(ctx, "get group members failed: group_id=%s, err=%v", groupId, err)
			continue
		}
		add(ids)
	}
	return out, nil
}

// MarkDelivered records that userId's device received up to seq
func (s *ConversationService) MarkDelivered(ctx context.Context, userId, conversationId string, seq int64) error {
	return s.seqRepo.UpdateDeliveredSeq(ctx, userId, conversationId, seq)
}

// MarkRead acknowledges messages of conversationId. With no ids every
// message up to the current max is read. read_seq never moves backwards.
func (s *ConversationService) MarkRead(ctx context.Context, userId, conversationId string, messageIds []string) (*MarkReadResponse, error) {
	if err := s.checkAccess(ctx, userId, conversationId); err != nil {
		return nil, err
	}

	seqUser, err := s.seqRepo.GetSeqUser(ctx, userId, conversationId)
	if err != nil {
		log.CtxError(ctx, "get seq user failed: user_id=%s, conversation_id=%s, err=%v", userId, conversationId, err)
		return nil, errcode.ErrInternalServer
	}
	prevRead := int64(0)
	if seqUser != nil {
		prevRead = seqUser.ReadSeq
	}

	var read []*entity.Message
	var target int64
	if len(messageIds) == 0 {
		maxSeq, err := s.seqRepo.GetMaxSeq(ctx, conversationId)
		if err != nil {
			log.CtxError(ctx, "get max seq failed: conversation_id=%s, err=%v", conversationId, err)
			return nil, errcode.ErrInternalServer
		}
		if seqUser != nil {
			_, maxSeq = seqUser.VisibleRange(maxSeq)
		}
		target = maxSeq
		if target > prevRead {
			read, err = s.msgRepo.IncomingInRange(ctx, conversationId, userId, prevRead, target)
			if err != nil {
				log.CtxError(ctx, "get unread messages failed: conversation_id=%s, err=%v", conversationId, err)
				return nil, errcode.ErrInternalServer
			}
		}
	} else {
		msgs, err := s.msgRepo.GetByIds(ctx, conversationId, messageIds)
		if err != nil {
			log.CtxError(ctx, "get messages failed: conversation_id=%s, err=%v", conversationId, err)
			return nil, errcode.ErrInternalServer
		}
		for _, m := range msgs {
			if m.SenderId == userId {
				continue
			}
			read = append(read, m)
			if m.Seq > target {
				target = m.Seq
			}
		}
	}

	readSeq := prevRead
	if target > prevRead {
		if err := s.seqRepo.UpdateReadSeq(ctx, userId, conversationId, target); err != nil {
			log.CtxError(ctx, "update read seq failed: user_id=%s, conversation_id=%s, err=%v", userId, conversationId, err)
			return nil, errcode.ErrInternalServer
		}
		readSeq = target
	}

	ids := make([]string, 0, len(read))
	for _, m := range read {
		ids = append(ids, m.Id)
	}
	resp := &MarkReadResponse{ReadSeq: readSeq, MessageIds: ids}

	if len(ids) > 0 {
		participants, err := s.Participants(ctx, conversationId)
		if err != nil {
			log.CtxWarn(ctx, "get participants failed: conversation_id=%s, err=%v", conversationId, err)
		} else {
			s.pusher.PushEvent(ctx, protocol.EventMessagesRead, &protocol.ReadData{
				ConversationId: conversationId,
				ReaderId:       userId,
				MessageIds:     ids,
				ReadSeq:        readSeq,
				ReadAt:         time.Now().UnixMilli(),
			}, participants)
		}
	}

	log.CtxDebug(ctx, "messages read: user_id=%s, conversation_id=%s, read_seq=%d, count=%d", userId, conversationId, readSeq, len(ids))
	return resp, nil
}

// SenderStatus derives the sender side status of the message at seq from
// the other participants' positions
func SenderStatus(senderId string, seq int64, seqs map[string]*entity.SeqUser) string {
	status := protocol.StatusSent
	for userId, su := range seqs {
		if userId == senderId || su == nil {
			continue
		}
		if su.ReadSeq >= seq {
			return protocol.StatusRead
		}
		if su.DeliveredSeq >= seq {
			status = protocol.StatusDelivered
		}
	}
	return status
}
