package handler

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"

	"github.com/mbeoliero/chatsync/internal/middleware"
	"github.com/mbeoliero/chatsync/internal/service"
	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/response"
)

// GroupHandler handles group membership requests
type GroupHandler struct {
	groupService *service.GroupService
}

// NewGroupHandler creates a new GroupHandler
func NewGroupHandler(groupService *service.GroupService) *GroupHandler {
	return &GroupHandler{groupService: groupService}
}

// JoinGroup handles join group request
func (h *GroupHandler) JoinGroup(ctx context.Context, c *app.RequestContext) {
	groupId := c.Param("id")
	if groupId == "" {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}

	if err := h.groupService.JoinGroup(ctx, groupId, middleware.GetUserId(c), ""); err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, nil)
}

// QuitGroup handles quit group request
func (h *GroupHandler) QuitGroup(ctx context.Context, c *app.RequestContext) {
	groupId := c.Param("id")
	if groupId == "" {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}

	if err := h.groupService.QuitGroup(ctx, groupId, middleware.GetUserId(c)); err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, nil)
}

// GetGroupMembers handles get group members request
func (h *GroupHandler) GetGroupMembers(ctx context.Context, c *app.RequestContext) {
	groupId := c.Param("id")
	if groupId == "" {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}

	members, err := h.groupService.GetGroupMembers(ctx, middleware.GetUserId(c), groupId)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, members)
}
