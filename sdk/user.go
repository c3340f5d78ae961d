package sdk

import (
	"context"

	"github.com/mbeoliero/chatsync/pkg/protocol"
)

// GetUserInfo gets the current user's info
func (c *Client) GetUserInfo(ctx context.Context) (*protocol.UserData, error) {
	var result protocol.UserData
	if err := c.get(ctx, "/users/me", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetUserInfoById gets a user's info by Id
func (c *Client) GetUserInfoById(ctx context.Context, userId string) (*protocol.UserData, error) {
	var result protocol.UserData
	if err := c.get(ctx, "/users/"+escape(userId), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetUsersInfo gets multiple users' info by Ids
func (c *Client) GetUsersInfo(ctx context.Context, userIds []string) ([]*protocol.UserData, error) {
	var result []*protocol.UserData
	if err := c.post(ctx, "/users/batch", &BatchUsersRequest{UserIds: userIds}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateUserInfo updates the current user's info
func (c *Client) UpdateUserInfo(ctx context.Context, req *UpdateUserRequest) (*protocol.UserData, error) {
	var result protocol.UserData
	if err := c.put(ctx, "/users/me", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
