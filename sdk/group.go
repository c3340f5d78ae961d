package sdk

import (
	"context"

	"github.com/mbeoliero/chatsync/pkg/protocol"
)

// CreateGroup creates a group conversation with the given members
func (c *Client) CreateGroup(ctx context.Context, req *CreateGroupRequest) (*protocol.ConversationData, error) {
	var result protocol.ConversationData
	if err := c.post(ctx, "/conversations/group", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// JoinGroup joins a group
func (c *Client) JoinGroup(ctx context.Context, groupId string) error {
	return c.post(ctx, "/groups/"+escape(groupId)+"/join", nil, nil)
}

// QuitGroup quits a group
func (c *Client) QuitGroup(ctx context.Context, groupId string) error {
	return c.post(ctx, "/groups/"+escape(groupId)+"/quit", nil, nil)
}

// GetGroupMembers lists the active members of a group
func (c *Client) GetGroupMembers(ctx context.Context, groupId string) ([]*protocol.UserData, error) {
	var result []*protocol.UserData
	if err := c.get(ctx, "/groups/"+escape(groupId)+"/members", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}
