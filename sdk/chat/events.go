package chat

import (
	"context"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/pkg/protocol"
	"github.com/mbeoliero/chatsync/sdk"
	"github.com/mbeoliero/chatsync/sdk/session"
	"github.com/mbeoliero/chatsync/sdk/store"
)

func decodeMessage(e session.Event) (*store.Message, bool) {
	var d protocol.MessageData
	if err := e.Decode(&d); err != nil {
		log.Warn("drop %s event: decode err=%v", e.Name, err)
		return nil, false
	}
	m, err := store.ParseMessage(&d)
	if err != nil {
		log.Warn("drop %s event: id=%s, err=%v", e.Name, d.Id, err)
		return nil, false
	}
	return m, true
}

func (c *Chat) onNewMessage(e session.Event) {
	m, ok := decodeMessage(e)
	if !ok {
		return
	}

	stored, res := c.Messages.Receive(m)
	if res != store.ReceiveAdded {
		// our own pending send; onConfirmed updated the summary
		return
	}
	if !c.Conversations.ApplyIncomingMessageSummary(stored) {
		c.reloadLater()
		return
	}
	if stored.SenderId == c.selfId {
		return
	}

	// a message ends its sender's typing indicator
	c.Typing.Handle(protocol.TypingData{ConversationId: stored.ConversationId, UserId: stored.SenderId, Typing: false})
	if stored.ConversationId == c.Conversations.Open() {
		if err := c.Conversations.MarkRead(context.Background(), stored.ConversationId); err != nil {
			log.Debug("mark open conversation read failed: conversation_id=%s, err=%v", stored.ConversationId, err)
		}
	}
}

// onConfirmed puts our own send into the conversation summary. It runs once
// per token, whether the REST reply or the echo arrived first.
func (c *Chat) onConfirmed(m *store.Message) {
	if !c.Conversations.ApplyIncomingMessageSummary(m) {
		c.reloadLater()
	}
}

func (c *Chat) onMessageUpdated(e session.Event) {
	m, ok := decodeMessage(e)
	if !ok {
		return
	}
	c.Messages.ApplyUpdate(m)
	c.Conversations.ApplyMessageUpdate(m)
}

func (c *Chat) onTyping(e session.Event) {
	var d protocol.TypingData
	if err := e.Decode(&d); err != nil {
		log.Warn("drop typing event: err=%v", err)
		return
	}
	c.Typing.Handle(d)
}

func (c *Chat) onReaction(e session.Event) {
	var d protocol.ReactionData
	if err := e.Decode(&d); err != nil {
		log.Warn("drop reaction event: err=%v", err)
		return
	}
	c.Messages.ApplyReactions(&d)
}

func (c *Chat) onRead(e session.Event) {
	var d protocol.ReadData
	if err := e.Decode(&d); err != nil {
		log.Warn("drop read event: err=%v", err)
		return
	}
	if d.ReaderId == c.selfId {
		c.Conversations.ResetUnread(d.ConversationId)
	}
	if ids := c.Receipts.HandleRead(d); len(ids) > 0 {
		log.Debug("messages read: conversation_id=%s, reader_id=%s, advanced=%d", d.ConversationId, d.ReaderId, len(ids))
	}
}

func (c *Chat) onDelivered(e session.Event) {
	var d protocol.DeliveredData
	if err := e.Decode(&d); err != nil {
		log.Warn("drop delivered event: err=%v", err)
		return
	}
	c.Receipts.HandleDelivered(d)
}

func (c *Chat) onUserStatus(e session.Event) {
	var d protocol.UserStatusData
	if err := e.Decode(&d); err != nil {
		log.Warn("drop status event: err=%v", err)
		return
	}
	c.Users.ApplyStatus(d)
}

func (c *Chat) onMessageError(e session.Event) {
	var d protocol.MessageErrorData
	if err := e.Decode(&d); err != nil {
		log.Warn("drop message error event: err=%v", err)
		return
	}
	if d.ClientMsgId == "" {
		log.Warn("server message error: conversation_id=%s, code=%d, msg=%s", d.ConversationId, d.Code, d.Msg)
		return
	}
	c.Messages.MarkFailed(d.ClientMsgId, sdk.NewError(d.Code, d.Msg))
}
