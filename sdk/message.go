package sdk

import (
	"context"
	"fmt"
	"strconv"

	hzproto "github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"github.com/mbeoliero/chatsync/pkg/protocol"
)

// ListMessages fetches one page of a conversation's history.
// Page 1 is the newest page; messages inside a page are ascending.
func (c *Client) ListMessages(ctx context.Context, conversationId string, page, limit int) (*protocol.MessagePage, error) {
	params := map[string]string{
		"page":  strconv.Itoa(page),
		"limit": strconv.Itoa(limit),
	}
	var result protocol.MessagePage
	if err := c.get(ctx, "/conversations/"+escape(conversationId)+"/messages", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SendMessage posts a message as multipart form data so files can ride along
func (c *Client) SendMessage(ctx context.Context, conversationId string, req *SendMessageRequest) (*protocol.MessageData, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: empty request", ErrValidation)
	}

	httpReq := &hzproto.Request{}
	httpReq.SetMethod(consts.MethodPost)
	httpReq.SetRequestURI(c.baseURL + "/conversations/" + escape(conversationId) + "/messages")

	fields := map[string]string{
		"type":          string(req.Type),
		"content":       req.Content,
		"client_msg_id": req.ClientMsgId,
	}
	if req.ReplyTo != "" {
		fields["reply_to"] = req.ReplyTo
	}
	if req.Duration > 0 {
		fields["duration"] = strconv.FormatFloat(req.Duration, 'f', -1, 64)
	}
	httpReq.SetMultipartFormData(fields)
	for _, f := range req.Files {
		if f.Reader == nil {
			return nil, fmt.Errorf("%w: file %q has no content", ErrValidation, f.Name)
		}
		httpReq.SetFileReader("files", f.Name, f.Reader)
	}

	var result protocol.MessageData
	if err := c.do(ctx, httpReq, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SendText is a convenience wrapper for a plain text message
func (c *Client) SendText(ctx context.Context, conversationId, clientMsgId, content string) (*protocol.MessageData, error) {
	return c.SendMessage(ctx, conversationId, &SendMessageRequest{
		ClientMsgId: clientMsgId,
		Type:        protocol.MsgTypeText,
		Content:     content,
	})
}

// EditMessage replaces the content of a message the caller sent
func (c *Client) EditMessage(ctx context.Context, messageId, content string) (*protocol.MessageData, error) {
	var result protocol.MessageData
	if err := c.put(ctx, "/messages/"+escape(messageId), &EditMessageRequest{Content: content}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteMessage soft deletes a message the caller sent
func (c *Client) DeleteMessage(ctx context.Context, messageId string) error {
	return c.delete(ctx, "/messages/"+escape(messageId), nil)
}

// AddReaction sets the caller's reaction on a message, replacing any previous one
func (c *Client) AddReaction(ctx context.Context, messageId, emoji string) (*protocol.ReactionData, error) {
	var result protocol.ReactionData
	if err := c.post(ctx, "/messages/"+escape(messageId)+"/reactions", &ReactionRequest{Emoji: emoji}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RemoveReaction clears the caller's reaction on a message
func (c *Client) RemoveReaction(ctx context.Context, messageId string) (*protocol.ReactionData, error) {
	var result protocol.ReactionData
	if err := c.request(ctx, consts.MethodDelete, "/messages/"+escape(messageId)+"/reactions", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
