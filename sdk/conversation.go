package sdk

import (
	"context"

	"github.com/mbeoliero/chatsync/pkg/protocol"
)

// ListConversations gets all conversations for the current user
func (c *Client) ListConversations(ctx context.Context) ([]*protocol.ConversationData, error) {
	var result []*protocol.ConversationData
	if err := c.get(ctx, "/conversations", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetOrCreateDirect returns the direct conversation with userId, creating it if needed.
// The server derives the id from the participant pair, so repeated calls are safe.
func (c *Client) GetOrCreateDirect(ctx context.Context, userId string) (*protocol.ConversationData, error) {
	var result protocol.ConversationData
	if err := c.post(ctx, "/conversations/direct", &CreateDirectRequest{UserId: userId}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// MarkRead acknowledges messages in a conversation as read.
// A nil messageIds marks everything up to the newest message.
func (c *Client) MarkRead(ctx context.Context, conversationId string, messageIds []string) (*MarkReadResponse, error) {
	var result MarkReadResponse
	path := "/conversations/" + escape(conversationId) + "/read"
	if err := c.post(ctx, path, &MarkReadRequest{MessageIds: messageIds}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
