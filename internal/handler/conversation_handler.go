package handler

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"

	"github.com/mbeoliero/chatsync/internal/middleware"
	"github.com/mbeoliero/chatsync/internal/service"
	"github.com/mbeoliero/chatsync/pkg/constant"
	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/response"
)

// ConversationHandler handles conversation-related requests
type ConversationHandler struct {
	convService  *service.ConversationService
	groupService *service.GroupService
}

// NewConversationHandler creates a new ConversationHandler
func NewConversationHandler(convService *service.ConversationService, groupService *service.GroupService) *ConversationHandler {
	return &ConversationHandler{convService: convService, groupService: groupService}
}

// GetConversationList lists the caller's conversations
func (h *ConversationHandler) GetConversationList(ctx context.Context, c *app.RequestContext) {
	convs, err := h.convService.GetUserConversations(ctx, middleware.GetUserId(c))
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, convs)
}

// CreateDirect returns the direct conversation with a user, creating it on first use
func (h *ConversationHandler) CreateDirect(ctx context.Context, c *app.RequestContext) {
	var req service.CreateDirectRequest
	if err := c.BindAndValidate(&req); err != nil || req.UserId == "" {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}

	conv, err := h.convService.GetOrCreateDirect(ctx, middleware.GetUserId(c), req.UserId)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, conv)
}

// CreateGroup creates a group and returns its conversation
func (h *ConversationHandler) CreateGroup(ctx context.Context, c *app.RequestContext) {
	var req service.CreateGroupRequest
	if err := c.BindAndValidate(&req); err != nil {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}

	userId := middleware.GetUserId(c)
	group, err := h.groupService.CreateGroup(ctx, userId, &req)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	conv, err := h.convService.GetConversation(ctx, userId, constant.GroupConversationId(group.Id))
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, conv)
}

// MarkRead acknowledges messages of a conversation
func (h *ConversationHandler) MarkRead(ctx context.Context, c *app.RequestContext) {
	conversationId := c.Param("id")
	if conversationId == "" {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}

	var req service.MarkReadRequest
	if len(c.Request.Body()) > 0 {
		if err := c.BindAndValidate(&req); err != nil {
			response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
			return
		}
	}

	resp, err := h.convService.MarkRead(ctx, middleware.GetUserId(c), conversationId, req.MessageIds)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, resp)
}
