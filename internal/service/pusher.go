package service

import (
	"context"

	"github.com/mbeoliero/chatsync/pkg/protocol"
)

// EventPusher delivers realtime events to connected users
type EventPusher interface {
	// PushEvent sends event with payload to every connection of userIds
	PushEvent(ctx context.Context, event string, payload interface{}, userIds []string)
	// PushNewMessage sends new_message to userIds and reports delivery back to the sender
	PushNewMessage(ctx context.Context, msg *protocol.MessageData, userIds []string)
}

type nopPusher struct{}

func (nopPusher) PushEvent(context.Context, string, interface{}, []string) {}

func (nopPusher) PushNewMessage(context.Context, *protocol.MessageData, []string) {}
