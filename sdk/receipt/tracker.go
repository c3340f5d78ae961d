// Package receipt drives message delivery status from explicit server acknowledgments.
package receipt

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/pkg/protocol"
	"github.com/mbeoliero/chatsync/sdk"
	"github.com/mbeoliero/chatsync/sdk/store"
)

// Acker sends a batched read acknowledgment
type Acker interface {
	MarkRead(ctx context.Context, conversationId string, messageIds []string) (*sdk.MarkReadResponse, error)
}

// MessageLedger is the part of the message store the tracker advances
type MessageLedger interface {
	UnreadIncoming(conversationId string) []string
	SetReadByMe(ids []string, read bool)
	AdvanceStatus(messageId string, status store.Status) bool
	AdvanceUpTo(conversationId string, seq int64, status store.Status) []string
}

// Tracker batches our read acks and applies other users' receipts
type Tracker struct {
	acker  Acker
	msgs   MessageLedger
	selfId string

	mu      sync.Mutex
	pending map[string]map[string]struct{} // conversation -> ids whose ack failed
}

// New creates a tracker
func New(acker Acker, msgs MessageLedger, selfId string) *Tracker {
	return &Tracker{
		acker:   acker,
		msgs:    msgs,
		selfId:  selfId,
		pending: make(map[string]map[string]struct{}),
	}
}

// MarkAsRead acknowledges messages in one request. With no ids it acks every
// loaded incoming message not yet read. Acks that failed earlier for the same
// conversation ride along. Nothing is sent when there is nothing to ack.
func (t *Tracker) MarkAsRead(ctx context.Context, conversationId string, messageIds []string) error {
	if len(messageIds) == 0 {
		messageIds = t.msgs.UnreadIncoming(conversationId)
	}

	t.mu.Lock()
	batch := make(map[string]struct{}, len(messageIds))
	for _, id := range messageIds {
		batch[id] = struct{}{}
	}
	for id := range t.pending[conversationId] {
		batch[id] = struct{}{}
	}
	delete(t.pending, conversationId)
	t.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	t.msgs.SetReadByMe(ids, true)
	if _, err := t.acker.MarkRead(ctx, conversationId, ids); err != nil {
		t.mu.Lock()
		kept := t.pending[conversationId]
		if kept == nil {
			kept = make(map[string]struct{}, len(ids))
			t.pending[conversationId] = kept
		}
		for _, id := range ids {
			kept[id] = struct{}{}
		}
		t.mu.Unlock()
		log.CtxWarn(ctx, "read ack failed, kept for next attempt: conversation_id=%s, count=%d, err=%v", conversationId, len(ids), err)
		return fmt.Errorf("%w: read ack: %w", sdk.ErrSendFailed, err)
	}

	log.CtxDebug(ctx, "read ack sent: conversation_id=%s, count=%d", conversationId, len(ids))
	return nil
}

// ReportRead acks everything loaded in a conversation
func (t *Tracker) ReportRead(ctx context.Context, conversationId string) error {
	return t.MarkAsRead(ctx, conversationId, nil)
}

// Pending returns ids whose ack has not gone through yet
func (t *Tracker) Pending(conversationId string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.pending[conversationId]))
	for id := range t.pending[conversationId] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HandleRead applies a read receipt. A receipt from another of our devices
// marks incoming messages read locally; anyone else's advances our messages.
// It returns the ids whose status moved forward.
func (t *Tracker) HandleRead(d protocol.ReadData) []string {
	if d.ReaderId == t.selfId {
		t.msgs.SetReadByMe(d.MessageIds, true)
		return nil
	}

	var advanced []string
	for _, id := range d.MessageIds {
		if t.msgs.AdvanceStatus(id, store.StatusRead) {
			advanced = append(advanced, id)
		}
	}
	if d.ReadSeq > 0 {
		advanced = append(advanced, t.msgs.AdvanceUpTo(d.ConversationId, d.ReadSeq, store.StatusRead)...)
	}
	return advanced
}

// HandleDelivered applies a delivery ack for our messages
func (t *Tracker) HandleDelivered(d protocol.DeliveredData) []string {
	var advanced []string
	for _, id := range d.MessageIds {
		if t.msgs.AdvanceStatus(id, store.StatusDelivered) {
			advanced = append(advanced, id)
		}
	}
	return advanced
}
