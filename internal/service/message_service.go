package service

import (
	"context"
	"errors"
	"html"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/mbeoliero/kit/log"
	"github.com/microcosm-cc/bluemonday"
	"gorm.io/gorm"

	"github.com/mbeoliero/chatsync/internal/config"
	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/internal/repository"
	"github.com/mbeoliero/chatsync/internal/storage"
	"github.com/mbeoliero/chatsync/pkg/constant"
	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/idgen"
	"github.com/mbeoliero/chatsync/pkg/protocol"
)

const (
	maxEmojiMessageRunes = 64
	maxReactionRunes     = 10
	maxClientMsgIdLength = 64
)

var textPolicy = bluemonday.StrictPolicy()

// FileStore persists message attachments
type FileStore interface {
	Save(ctx context.Context, u storage.Upload) (*storage.File, error)
}

// MessageService handles message-related business logic
type MessageService struct {
	msgRepo      *repository.MessageRepo
	seqRepo      *repository.SeqRepo
	convRepo     *repository.ConversationRepo
	groupRepo    *repository.GroupRepo
	userRepo     *repository.UserRepo
	reactionRepo *repository.ReactionRepo
	repos        *repository.Repositories
	convSvc      *ConversationService
	files        FileStore
	cfg          config.MessageConfig
	pusher       EventPusher
}

// NewMessageService creates a new MessageService
func NewMessageService(repos *repository.Repositories, convSvc *ConversationService, files FileStore, cfg config.MessageConfig) *MessageService {
	return &MessageService{
		msgRepo:      repos.Message,
		seqRepo:      repos.Seq,
		convRepo:     repos.Conversation,
		groupRepo:    repos.Group,
		userRepo:     repos.User,
		reactionRepo: repos.Reaction,
		repos:        repos,
		convSvc:      convSvc,
		files:        files,
		cfg:          cfg,
		pusher:       nopPusher{},
	}
}

// SetPusher sets the realtime event pusher
func (s *MessageService) SetPusher(p EventPusher) {
	s.pusher = p
}

// SendMessageRequest is decoded from the multipart send form
type SendMessageRequest struct {
	ClientMsgId string
	Type        protocol.MessageType
	Content     string
	ReplyTo     string
	Duration    float64
	Files       []storage.Upload
}

// EditMessageRequest replaces message content
type EditMessageRequest struct {
	Content string `json:"content"`
}

// ReactionRequest sets the caller's reaction
type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

// HistoryRequest selects one history page
type HistoryRequest struct {
	Page  int `query:"page"`
	Limit int `query:"limit"`
}

// SanitizeText strips markup from user text and trims surrounding space
func SanitizeText(s string) string {
	return strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(s)))
}

// ValidEmoji reports whether s looks like a single reaction emoji
func ValidEmoji(s string) bool {
	if s == "" || utf8.RuneCountInString(s) > maxReactionRunes {
		return false
	}
	for _, r := range s {
		if r < utf8.RuneSelf || unicode.IsSpace(r) || unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// validateSend checks type, content and attachment count, returning the
// content to store
func validateSend(req *SendMessageRequest, cfg config.MessageConfig) (string, error) {
	if req.ClientMsgId == "" || len(req.ClientMsgId) > maxClientMsgIdLength {
		return "", errcode.ErrInvalidParam.WithMsg("client_msg_id is required")
	}

	content := SanitizeText(req.Content)
	switch req.Type {
	case protocol.MsgTypeText:
		if content == "" {
			return "", errcode.ErrInvalidContent.WithMsg("text is empty")
		}
		if utf8.RuneCountInString(content) > cfg.MaxTextLength {
			return "", errcode.ErrInvalidContent.WithMsg("text exceeds %d characters", cfg.MaxTextLength)
		}
		if len(req.Files) > 0 {
			return "", errcode.ErrInvalidContent.WithMsg("text messages carry no files")
		}
	case protocol.MsgTypeEmoji:
		if content == "" || utf8.RuneCountInString(content) > maxEmojiMessageRunes {
			return "", errcode.ErrInvalidContent.WithMsg("invalid emoji content")
		}
		if len(req.Files) > 0 {
			return "", errcode.ErrInvalidContent.WithMsg("emoji messages carry no files")
		}
	case protocol.MsgTypeFile:
		if len(req.Files) == 0 {
			return "", errcode.ErrInvalidContent.WithMsg("file message without files")
		}
		if len(req.Files) > cfg.MaxAttachments {
			return "", errcode.ErrInvalidContent.WithMsg("at most %d attachments", cfg.MaxAttachments)
		}
		if utf8.RuneCountInString(content) > cfg.MaxTextLength {
			return "", errcode.ErrInvalidContent.WithMsg("caption exceeds %d characters", cfg.MaxTextLength)
		}
	case protocol.MsgTypeVoice:
		if len(req.Files) != 1 {
			return "", errcode.ErrInvalidContent.WithMsg("voice message needs exactly one file")
		}
		if req.Duration <= 0 {
			return "", errcode.ErrInvalidContent.WithMsg("voice message needs a duration")
		}
		content = ""
	default:
		return "", errcode.ErrInvalidContent.WithMsg("unsupported message type %q", req.Type)
	}
	return content, nil
}

// SendMessage stores and fans out a message. Resending the same
// client_msg_id returns the stored message without creating another.
func (s *MessageService) SendMessage(ctx context.Context, senderId, conversationId string, req *SendMessageRequest) (*protocol.MessageData, error) {
	content, err := validateSend(req, s.cfg)
	if err != nil {
		return nil, err
	}

	existing, err := s.msgRepo.GetByClientMsgId(ctx, senderId, req.ClientMsgId)
	if err != nil {
		log.CtxError(ctx, "check idempotency failed: %v", err)
		return nil, errcode.ErrInternalServer
	}
	if existing != nil {
		log.CtxDebug(ctx, "duplicate message: client_msg_id=%s", req.ClientMsgId)
		if existing.ConversationId != conversationId {
			return nil, errcode.ErrMessageDuplicate
		}
		return s.toData(ctx, existing, senderId)
	}

	participants, err := s.checkSendable(ctx, senderId, conversationId)
	if err != nil {
		return nil, err
	}

	if req.ReplyTo != "" {
		parent, err := s.msgRepo.GetById(ctx, req.ReplyTo)
		if err != nil {
			log.CtxError(ctx, "get reply target failed: message_id=%s, err=%v", req.ReplyTo, err)
			return nil, errcode.ErrInternalServer
		}
		if parent == nil || parent.ConversationId != conversationId {
			return nil, errcode.ErrMessageNotFound.WithMsg("reply target not found")
		}
	}

	attachments, err := s.saveFiles(ctx, req)
	if err != nil {
		return nil, err
	}

	msgId, err := idgen.NextID()
	if err != nil {
		log.CtxError(ctx, "generate message id failed: %v", err)
		return nil, errcode.ErrInternalServer
	}
	msg := &entity.Message{
		Id:             msgId,
		ConversationId: conversationId,
		ClientMsgId:    req.ClientMsgId,
		SenderId:       senderId,
		Type:           req.Type,
		Content:        content,
		Attachments:    attachments,
		ReplyTo:        req.ReplyTo,
		SendAt:         entity.NowUnixMilli(),
	}

	if err := s.persist(ctx, msg); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if dup, _ := s.msgRepo.GetByClientMsgId(ctx, senderId, req.ClientMsgId); dup != nil {
				return s.toData(ctx, dup, senderId)
			}
		}
		log.CtxError(ctx, "send message failed: conversation_id=%s, err=%v", conversationId, err)
		s.pusher.PushEvent(ctx, protocol.EventMessageError, &protocol.MessageErrorData{
			ConversationId: conversationId,
			ClientMsgId:    req.ClientMsgId,
			Code:           errcode.ErrSendFailed.Code,
			Msg:            errcode.ErrSendFailed.Msg,
		}, []string{senderId})
		return nil, errcode.ErrSendFailed
	}

	// The sender has read everything up to their own message
	if err := s.seqRepo.UpdateReadSeq(ctx, senderId, conversationId, msg.Seq); err != nil {
		log.CtxWarn(ctx, "update sender read seq failed: %v", err)
	}

	data := msg.ToData(protocol.StatusSent, nil)
	s.pusher.PushNewMessage(ctx, data, participants)

	log.CtxInfo(ctx, "message sent: msg_id=%s, conversation_id=%s, seq=%d, type=%s", msg.Id, conversationId, msg.Seq, msg.Type)
	return data, nil
}

// checkSendable verifies the sender may post and returns the recipients
func (s *MessageService) checkSendable(ctx context.Context, senderId, conversationId string) ([]string, error) {
	if a, b, ok := constant.DirectPeers(conversationId); ok {
		if senderId != a && senderId != b {
			return nil, errcode.ErrNoPermission
		}
		peer := a
		if peer == senderId {
			peer = b
		}
		exists, err := s.userRepo.Exists(ctx, peer)
		if err != nil {
			log.CtxError(ctx, "check user exists failed: user_id=%s, err=%v", peer, err)
			return nil, errcode.ErrInternalServer
		}
		if !exists {
			return nil, errcode.ErrUserNotFound
		}
		return []string{a, b}, nil
	}

	groupId, ok := constant.GroupIdFromConversation(conversationId)
	if !ok {
		return nil, errcode.ErrConvNotFound
	}
	group, err := s.groupRepo.GetById(ctx, groupId)
	if err != nil {
		log.CtxError(ctx, "get group failed: group_id=%s, err=%v", groupId, err)
		return nil, errcode.ErrInternalServer
	}
	if group == nil {
		return nil, errcode.ErrGroupNotFound
	}
	if !group.IsNormal() {
		return nil, errcode.ErrGroupDismissed
	}
	members, err := s.groupRepo.GetActiveMemberUserIds(ctx, groupId)
	if err != nil {
		log.CtxError(ctx, "get group members failed: group_id=%s, err=%v", groupId, err)
		return nil, errcode.ErrInternalServer
	}
	if !contains(members, senderId) {
		return nil, errcode.ErrNotGroupMember
	}
	return members, nil
}

func (s *MessageService) saveFiles(ctx context.Context, req *SendMessageRequest) ([]entity.Attachment, error) {
	if len(req.Files) == 0 {
		return nil, nil
	}
	out := make([]entity.Attachment, 0, len(req.Files))
	for _, u := range req.Files {
		f, err := s.files.Save(ctx, u)
		switch {
		case errors.Is(err, storage.ErrTooLarge):
			return nil, errcode.ErrAttachmentTooLarge.WithMsg("%s exceeds %d bytes", u.Name, s.cfg.MaxAttachmentSize)
		case errors.Is(err, storage.ErrEmpty):
			return nil, errcode.ErrInvalidContent.WithMsg("%s is empty", u.Name)
		case err != nil:
			log.CtxError(ctx, "save attachment failed: name=%s, err=%v", u.Name, err)
			return nil, errcode.ErrInternalServer
		}
		out = append(out, entity.Attachment{Name: f.Name, Path: f.Path, Size: f.Size, Mime: f.Mime})
	}
	if req.Type == protocol.MsgTypeVoice {
		out[0].Duration = req.Duration
	}
	return out, nil
}

// persist allocates the seq and writes the message with its conversation rows
func (s *MessageService) persist(ctx context.Context, msg *entity.Message) error {
	seq, err := s.seqRepo.AllocSeq(ctx, msg.ConversationId)
	if err != nil {
		return err
	}
	msg.Seq = seq

	return s.repos.Transaction(ctx, func(tx *gorm.DB) error {
		if err := s.msgRepo.Create(ctx, tx, msg); err != nil {
			return err
		}
		if err := s.seqRepo.SyncSeqWithTx(ctx, tx, msg.ConversationId, seq); err != nil {
			return err
		}
		if a, b, ok := constant.DirectPeers(msg.ConversationId); ok {
			if err := s.convRepo.EnsureDirect(ctx, tx, msg.ConversationId, a, b); err != nil {
				return err
			}
		}
		return s.convRepo.Touch(ctx, tx, msg.ConversationId, msg.SendAt)
	})
}

// GetHistory returns one page of history, page 1 being the newest
func (s *MessageService) GetHistory(ctx context.Context, userId, conversationId string, req *HistoryRequest) (*protocol.MessagePage, error) {
	seqUser, err := s.readWindow(ctx, userId, conversationId)
	if err != nil {
		return nil, err
	}

	page := req.Page
	if page < 1 {
		page = 1
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultPageLimit
	}
	if limit > s.cfg.MaxPageLimit {
		limit = s.cfg.MaxPageLimit
	}

	maxSeq, err := s.seqRepo.GetMaxSeq(ctx, conversationId)
	if err != nil {
		log.CtxError(ctx, "get max seq failed: conversation_id=%s, err=%v", conversationId, err)
		return nil, errcode.ErrPullFailed
	}
	minSeq, maxSeq := seqUser.VisibleRange(maxSeq)

	msgs, hasMore, err := s.msgRepo.Page(ctx, repository.PageQuery{
		ConversationId: conversationId,
		MinSeq:         minSeq,
		MaxSeq:         maxSeq,
		Page:           page,
		Limit:          limit,
	})
	if err != nil {
		log.CtxError(ctx, "page messages failed: conversation_id=%s, err=%v", conversationId, err)
		return nil, errcode.ErrPullFailed
	}

	out, err := s.toDataList(ctx, msgs, userId)
	if err != nil {
		return nil, err
	}

	if n := len(msgs); n > 0 && msgs[n-1].Seq > seqUser.DeliveredSeq {
		if err := s.seqRepo.UpdateDeliveredSeq(ctx, userId, conversationId, msgs[n-1].Seq); err != nil {
			log.CtxWarn(ctx, "update delivered seq failed: %v", err)
		}
	}

	return &protocol.MessagePage{Messages: out, Page: page, Limit: limit, HasMore: hasMore}, nil
}

// readWindow returns the caller's seq row, allowing former group members to
// read what they saw before leaving
func (s *MessageService) readWindow(ctx context.Context, userId, conversationId string) (*entity.SeqUser, error) {
	_, isGroup := constant.GroupIdFromConversation(conversationId)
	if a, b, ok := constant.DirectPeers(conversationId); ok {
		if userId != a && userId != b {
			return nil, errcode.ErrNoPermission
		}
	} else if !isGroup {
		return nil, errcode.ErrConvNotFound
	}

	seqUser, err := s.seqRepo.GetSeqUser(ctx, userId, conversationId)
	if err != nil {
		log.CtxError(ctx, "get seq user failed: user_id=%s, conversation_id=%s, err=%v", userId, conversationId, err)
		return nil, errcode.ErrInternalServer
	}
	if seqUser == nil {
		if isGroup {
			return nil, errcode.ErrNotGroupMember
		}
		seqUser = &entity.SeqUser{UserId: userId, ConversationId: conversationId}
	}
	return seqUser, nil
}

func (s *MessageService) toData(ctx context.Context, msg *entity.Message, viewerId string) (*protocol.MessageData, error) {
	out, err := s.toDataList(ctx, []*entity.Message{msg}, viewerId)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// toDataList attaches reactions and, for the viewer's own messages, the
// sender side status
func (s *MessageService) toDataList(ctx context.Context, msgs []*entity.Message, viewerId string) ([]*protocol.MessageData, error) {
	out := make([]*protocol.MessageData, 0, len(msgs))
	if len(msgs) == 0 {
		return out, nil
	}

	ids := make([]string, 0, len(msgs))
	own := false
	for _, m := range msgs {
		ids = append(ids, m.Id)
		own = own || m.SenderId == viewerId
	}

	reactions, err := s.reactionRepo.ListByMessages(ctx, ids)
	if err != nil {
		log.CtxError(ctx, "list reactions failed: %v", err)
		return nil, errcode.ErrInternalServer
	}

	var seqs map[string]*entity.SeqUser
	if own {
		seqs, err = s.seqRepo.GetSeqUsers(ctx, msgs[0].ConversationId)
		if err != nil {
			log.CtxWarn(ctx, "get seq users failed: conversation_id=%s, err=%v", msgs[0].ConversationId, err)
		}
	}

	for _, m := range msgs {
		status := ""
		if m.SenderId == viewerId {
			status = SenderStatus(viewerId, m.Seq, seqs)
		}
		out = append(out, m.ToData(status, reactions[m.Id]))
	}
	return out, nil
}

// ownMessage loads a message the caller sent and may still change
func (s *MessageService) ownMessage(ctx context.Context, userId, messageId string) (*entity.Message, error) {
	msg, err := s.msgRepo.GetById(ctx, messageId)
	if err != nil {
		log.CtxError(ctx, "get message failed: message_id=%s, err=%v", messageId, err)
		return nil, errcode.ErrInternalServer
	}
	if msg == nil {
		return nil, errcode.ErrMessageNotFound
	}
	if msg.SenderId != userId {
		return nil, errcode.ErrNotMessageOwner
	}
	if msg.IsDeleted {
		return nil, errcode.ErrMessageDeleted
	}
	return msg, nil
}

// EditMessage replaces the content of a text or emoji message
func (s *MessageService) EditMessage(ctx context.Context, userId, messageId string, req *EditMessageRequest) (*protocol.MessageData, error) {
	msg, err := s.ownMessage(ctx, userId, messageId)
	if err != nil {
		return nil, err
	}
	if !msg.Editable() {
		return nil, errcode.ErrInvalidContent.WithMsg("%s messages cannot be edited", msg.Type)
	}

	content, err := validateSend(&SendMessageRequest{ClientMsgId: msg.ClientMsgId, Type: msg.Type, Content: req.Content}, s.cfg)
	if err != nil {
		return nil, err
	}

	editedAt := entity.NowUnixMilli()
	if err := s.msgRepo.UpdateContent(ctx, msg.Id, content, editedAt); err != nil {
		log.CtxError(ctx, "edit message failed: message_id=%s, err=%v", msg.Id, err)
		return nil, errcode.ErrInternalServer
	}
	msg.Content = content
	msg.IsEdited = true
	msg.EditedAt = editedAt

	data, err := s.toData(ctx, msg, userId)
	if err != nil {
		return nil, err
	}
	s.broadcast(ctx, protocol.EventMessageUpdated, data, msg.ConversationId)

	log.CtxInfo(ctx, "message edited: msg_id=%s", msg.Id)
	return data, nil
}

// DeleteMessage soft deletes a message; it stays in history as a placeholder
func (s *MessageService) DeleteMessage(ctx context.Context, userId, messageId string) (*protocol.MessageData, error) {
	msg, err := s.ownMessage(ctx, userId, messageId)
	if err != nil {
		return nil, err
	}

	deletedAt := entity.NowUnixMilli()
	if err := s.msgRepo.SoftDelete(ctx, msg.Id, deletedAt); err != nil {
		log.CtxError(ctx, "delete message failed: message_id=%s, err=%v", msg.Id, err)
		return nil, errcode.ErrInternalServer
	}
	msg.IsDeleted = true
	msg.DeletedAt = deletedAt

	data := msg.ToData("", nil)
	s.broadcast(ctx, protocol.EventMessageDeleted, data, msg.ConversationId)

	log.CtxInfo(ctx, "message deleted: msg_id=%s", msg.Id)
	return data, nil
}

// visibleMessage loads a message the caller may react to
func (s *MessageService) visibleMessage(ctx context.Context, userId, messageId string) (*entity.Message, error) {
	msg, err := s.msgRepo.GetById(ctx, messageId)
	if err != nil {
		log.CtxError(ctx, "get message failed: message_id=%s, err=%v", messageId, err)
		return nil, errcode.ErrInternalServer
	}
	if msg == nil {
		return nil, errcode.ErrMessageNotFound
	}
	if err := s.convSvc.checkAccess(ctx, userId, msg.ConversationId); err != nil {
		return nil, err
	}
	if msg.IsDeleted {
		return nil, errcode.ErrMessageDeleted
	}
	return msg, nil
}

// AddReaction sets the caller's reaction, replacing any previous one
func (s *MessageService) AddReaction(ctx context.Context, userId, messageId string, req *ReactionRequest) (*protocol.ReactionData, error) {
	emoji := strings.TrimSpace(req.Emoji)
	if !ValidEmoji(emoji) {
		return nil, errcode.ErrReactionInvalid
	}
	msg, err := s.visibleMessage(ctx, userId, messageId)
	if err != nil {
		return nil, err
	}

	if err := s.reactionRepo.Upsert(ctx, msg.Id, userId, emoji); err != nil {
		log.CtxError(ctx, "upsert reaction failed: message_id=%s, err=%v", msg.Id, err)
		return nil, errcode.ErrInternalServer
	}
	return s.publishReactions(ctx, msg, userId, emoji, false)
}

// RemoveReaction clears the caller's reaction
func (s *MessageService) RemoveReaction(ctx context.Context, userId, messageId string) (*protocol.ReactionData, error) {
	msg, err := s.visibleMessage(ctx, userId, messageId)
	if err != nil {
		return nil, err
	}

	removed, err := s.reactionRepo.Delete(ctx, msg.Id, userId)
	if err != nil {
		log.CtxError(ctx, "delete reaction failed: message_id=%s, err=%v", msg.Id, err)
		return nil, errcode.ErrInternalServer
	}
	if !removed {
		log.CtxDebug(ctx, "no reaction to remove: message_id=%s, user_id=%s", msg.Id, userId)
	}
	return s.publishReactions(ctx, msg, userId, "", true)
}

func (s *MessageService) publishReactions(ctx context.Context, msg *entity.Message, userId, emoji string, removed bool) (*protocol.ReactionData, error) {
	rows, err := s.reactionRepo.ListByMessage(ctx, msg.Id)
	if err != nil {
		log.CtxError(ctx, "list reactions failed: message_id=%s, err=%v", msg.Id, err)
		return nil, errcode.ErrInternalServer
	}
	data := &protocol.ReactionData{
		MessageId:      msg.Id,
		ConversationId: msg.ConversationId,
		UserId:         userId,
		Emoji:          emoji,
		Removed:        removed,
		Reactions:      entity.ReactionEntries(rows),
		UpdatedAt:      time.Now().UnixMilli(),
	}
	s.broadcast(ctx, protocol.EventReactionUpdated, data, msg.ConversationId)
	return data, nil
}

func (s *MessageService) broadcast(ctx context.Context, event string, payload interface{}, conversationId string) {
	participants, err := s.convSvc.Participants(ctx, conversationId)
	if err != nil {
		log.CtxWarn(ctx, "get participants failed: conversation_id=%s, err=%v", conversationId, err)
		return
	}
	s.pusher.PushEvent(ctx, event, payload, participants)
}
