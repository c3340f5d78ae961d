package handler

import (
	"context"
	"io"
	"mime/multipart"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/middleware"
	"github.com/mbeoliero/chatsync/internal/service"
	"github.com/mbeoliero/chatsync/internal/storage"
	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/protocol"
	"github.com/mbeoliero/chatsync/pkg/response"
)

// Multipart field names of a send request
const (
	formType        = "type"
	formContent     = "content"
	formClientMsgId = "client_msg_id"
	formReplyTo     = "reply_to"
	formDuration    = "duration"
	formFiles       = "files"
)

// MessageHandler handles message-related requests
type MessageHandler struct {
	msgService *service.MessageService
}

// NewMessageHandler creates a new MessageHandler
func NewMessageHandler(msgService *service.MessageService) *MessageHandler {
	return &MessageHandler{msgService: msgService}
}

// SendMessage accepts a multipart form so attachments travel with the message
func (h *MessageHandler) SendMessage(ctx context.Context, c *app.RequestContext) {
	conversationId := c.Param("id")
	if conversationId == "" {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}

	req := &service.SendMessageRequest{
		ClientMsgId: c.PostForm(formClientMsgId),
		Type:        protocol.MessageType(c.PostForm(formType)),
		Content:     c.PostForm(formContent),
		ReplyTo:     c.PostForm(formReplyTo),
	}
	if v := c.PostForm(formDuration); v != "" {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil {
			response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
			return
		}
		req.Duration = d
	}

	var headers []*multipart.FileHeader
	if form, err := c.MultipartForm(); err == nil {
		headers = form.File[formFiles]
	}
	files, closeAll, err := openUploads(headers)
	defer closeAll()
	if err != nil {
		log.CtxWarn(ctx, "open upload failed: %v", err)
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}
	req.Files = files

	msg, err := h.msgService.SendMessage(ctx, middleware.GetUserId(c), conversationId, req)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, msg)
}

func openUploads(headers []*multipart.FileHeader) ([]storage.Upload, func(), error) {
	var closers []io.Closer
	closeAll := func() {
		for _, cl := range closers {
			_ = cl.Close()
		}
	}

	uploads := make([]storage.Upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, closeAll, err
		}
		closers = append(closers, f)
		uploads = append(uploads, storage.Upload{
			Name:   fh.Filename,
			Mime:   fh.Header.Get("Content-Type"),
			Reader: f,
		})
	}
	return uploads, closeAll, nil
}

// GetHistory returns one page of a conversation, page 1 being the newest
func (h *MessageHandler) GetHistory(ctx context.Context, c *app.RequestContext) {
	conversationId := c.Param("id")
	if conversationId == "" {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}

	var req service.HistoryRequest
	if err := c.BindQuery(&req); err != nil {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}

	page, err := h.msgService.GetHistory(ctx, middleware.GetUserId(c), conversationId, &req)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, page)
}

// EditMessage replaces the content of the caller's message
func (h *MessageHandler) EditMessage(ctx context.Context, c *app.RequestContext) {
	var req service.EditMessageRequest
	if err := c.BindAndValidate(&req); err != nil {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}

	msg, err := h.msgService.EditMessage(ctx, middleware.GetUserId(c), c.Param("id"), &req)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, msg)
}

// DeleteMessage soft deletes the caller's message
func (h *MessageHandler) DeleteMessage(ctx context.Context, c *app.RequestContext) {
	msg, err := h.msgService.DeleteMessage(ctx, middleware.GetUserId(c), c.Param("id"))
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, msg)
}

// AddReaction sets the caller's reaction
func (h *MessageHandler) AddReaction(ctx context.Context, c *app.RequestContext) {
	var req service.ReactionRequest
	if err := c.BindAndValidate(&req); err != nil {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}

	data, err := h.msgService.AddReaction(ctx, middleware.GetUserId(c), c.Param("id"), &req)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, data)
}

// RemoveReaction clears the caller's reaction
func (h *MessageHandler) RemoveReaction(ctx context.Context, c *app.RequestContext) {
	data, err := h.msgService.RemoveReaction(ctx, middleware.GetUserId(c), c.Param("id"))
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, data)
}
