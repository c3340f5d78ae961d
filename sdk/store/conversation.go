package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbeoliero/kit/log"
	"golang.org/x/sync/singleflight"

	"github.com/mbeoliero/chatsync/pkg/protocol"
	"github.com/mbeoliero/chatsync/sdk"
	"github.com/mbeoliero/chatsync/sdk/notify"
)

// ConversationAPI is the subset of the REST client used by the conversation store
type ConversationAPI interface {
	ListConversations(ctx context.Context) ([]*protocol.ConversationData, error)
	GetOrCreateDirect(ctx context.Context, userId string) (*protocol.ConversationData, error)
}

// ReadReporter sends the read acknowledgment for a conversation
type ReadReporter interface {
	ReportRead(ctx context.Context, conversationId string) error
}

// ConversationOption configures a ConversationStore
type ConversationOption func(*ConversationStore)

// WithReadReporter sets where MarkRead reports to
func WithReadReporter(r ReadReporter) ConversationOption {
	return func(s *ConversationStore) {
		s.reporter = r
	}
}

// WithReportTimeout bounds each asynchronous read report
func WithReportTimeout(d time.Duration) ConversationOption {
	return func(s *ConversationStore) {
		s.reportTimeout = d
	}
}

// ConversationStore caches the current user's conversations
type ConversationStore struct {
	api           ConversationAPI
	selfId        string
	reporter      ReadReporter
	reportTimeout time.Duration

	mu     sync.RWMutex
	convs  map[string]*Conversation
	direct map[string]string // peer user id -> conversation id
	openId string

	flight  singleflight.Group
	changes *notify.Hub[Change]
}

// NewConversationStore creates an empty store for selfId
func NewConversationStore(api ConversationAPI, selfId string, opts ...ConversationOption) *ConversationStore {
	s := &ConversationStore{
		api:           api,
		selfId:        selfId,
		reportTimeout: 10 * time.Second,
		convs:         make(map[string]*Conversation),
		direct:        make(map[string]string),
		changes:       notify.NewHub[Change](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn for store changes
func (s *ConversationStore) Subscribe(fn func(Change)) (cancel func()) {
	return s.changes.Subscribe(fn)
}

// LoadAll replaces the cache with the server's list.
// On failure the previous cache is kept untouched.
func (s *ConversationStore) LoadAll(ctx context.Context) error {
	list, err := s.api.ListConversations(ctx)
	if err != nil {
		log.CtxWarn(ctx, "load conversations failed: err=%v", err)
		return fmt.Errorf("%w: %w", sdk.ErrFetch, err)
	}

	convs := make(map[string]*Conversation, len(list))
	for _, d := range list {
		c, err := ParseConversation(d)
		if err != nil {
			log.CtxWarn(ctx, "skip conversation: err=%v", err)
			continue
		}
		convs[c.Id] = c
	}

	s.mu.Lock()
	if open, ok := convs[s.openId]; ok {
		open.UnreadCount = 0
	}
	s.convs = convs
	s.reindexLocked()
	s.mu.Unlock()

	log.CtxDebug(ctx, "conversations loaded: count=%d", len(convs))
	s.changes.Publish(Change{Kind: ChangeLoaded})
	return nil
}

// Restore seeds the cache from a local snapshot
func (s *ConversationStore) Restore(convs []*Conversation) {
	s.mu.Lock()
	s.convs = make(map[string]*Conversation, len(convs))
	for _, c := range convs {
		s.convs[c.Id] = c.Clone()
	}
	s.reindexLocked()
	s.mu.Unlock()
	s.changes.Publish(Change{Kind: ChangeLoaded})
}

func (s *ConversationStore) reindexLocked() {
	s.direct = make(map[string]string, len(s.convs))
	for id, c := range s.convs {
		if peer := c.Peer(s.selfId); peer != "" {
			s.direct[peer] = id
		}
	}
}

// GetOrCreateDirect returns the direct conversation with userId.
// A cached conversation is returned without a network call; concurrent
// misses for the same user share one request.
func (s *ConversationStore) GetOrCreateDirect(ctx context.Context, userId string) (*Conversation, error) {
	if userId == "" || userId == s.selfId {
		return nil, fmt.Errorf("%w: invalid peer %q", sdk.ErrValidation, userId)
	}

	s.mu.RLock()
	if id, ok := s.direct[userId]; ok {
		c := s.convs[id].Clone()
		s.mu.RUnlock()
		return c, nil
	}
	s.mu.RUnlock()

	v, err, _ := s.flight.Do(userId, func() (interface{}, error) {
		d, err := s.api.GetOrCreateDirect(ctx, userId)
		if err != nil {
			return nil, err
		}
		c, err := ParseConversation(d)
		if err != nil {
			return nil, err
		}
		return s.upsert(c), nil
	})
	if err != nil {
		log.CtxWarn(ctx, "get or create direct conversation failed: peer=%s, err=%v", userId, err)
		return nil, fmt.Errorf("%w: %w", sdk.ErrFetch, err)
	}
	return v.(*Conversation).Clone(), nil
}

// Upsert inserts or replaces one conversation, keeping local unread for the open one
func (s *ConversationStore) Upsert(c *Conversation) *Conversation {
	return s.upsert(c.Clone())
}

// upsert takes ownership of c and returns a copy
func (s *ConversationStore) upsert(c *Conversation) *Conversation {
	s.mu.Lock()
	if prev, ok := s.convs[c.Id]; ok {
		if c.LastMessage == nil && prev.LastMessage != nil {
			c.LastMessage = prev.LastMessage
		}
		if prev.LastActivityAt.After(c.LastActivityAt) {
			c.LastActivityAt = prev.LastActivityAt
		}
	}
	if c.Id == s.openId {
		c.UnreadCount = 0
	}
	s.convs[c.Id] = c
	if peer := c.Peer(s.selfId); peer != "" {
		s.direct[peer] = c.Id
	}
	out := c.Clone()
	s.mu.Unlock()

	s.changes.Publish(Change{Kind: ChangeUpdated, ConversationId: c.Id})
	return out
}

// ApplyIncomingMessageSummary records msg as the latest activity of its
// conversation and bumps unread unless the conversation is open or msg is
// our own. It returns false when the conversation is not cached.
func (s *ConversationStore) ApplyIncomingMessageSummary(msg *Message) bool {
	s.mu.Lock()
	c, ok := s.convs[msg.ConversationId]
	if !ok {
		s.mu.Unlock()
		return false
	}

	if c.LastMessage == nil || !msg.SendAt.Before(c.LastMessage.SendAt) {
		c.LastMessage = msg.Clone()
	}
	if msg.SendAt.After(c.LastActivityAt) {
		c.LastActivityAt = msg.SendAt
	}
	if msg.SenderId != s.selfId && msg.ConversationId != s.openId {
		c.UnreadCount++
	}
	s.mu.Unlock()

	s.changes.Publish(Change{Kind: ChangeUpdated, ConversationId: msg.ConversationId, MessageId: msg.Id})
	return true
}

// ApplyMessageUpdate refreshes the summary when the latest message is edited or deleted
func (s *ConversationStore) ApplyMessageUpdate(msg *Message) {
	s.mu.Lock()
	c, ok := s.convs[msg.ConversationId]
	if !ok || c.LastMessage == nil || c.LastMessage.Id != msg.Id {
		s.mu.Unlock()
		return
	}
	c.LastMessage = msg.Clone()
	s.mu.Unlock()
	s.changes.Publish(Change{Kind: ChangeUpdated, ConversationId: msg.ConversationId, MessageId: msg.Id})
}

// SetOpen marks the conversation the user is looking at; "" closes it
func (s *ConversationStore) SetOpen(conversationId string) {
	s.mu.Lock()
	s.openId = conversationId
	s.mu.Unlock()
}

// Open returns the open conversation id
func (s *ConversationStore) Open() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openId
}

// MarkRead zeroes unread locally and reports the read in the background.
// It never waits for the server.
func (s *ConversationStore) MarkRead(ctx context.Context, conversationId string) error {
	if !s.ResetUnread(conversationId) {
		return fmt.Errorf("%w: conversation %s", sdk.ErrNotFound, conversationId)
	}
	if s.reporter == nil {
		return nil
	}

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.reportTimeout)
	go func() {
		defer cancel()
		if err := s.reporter.ReportRead(reportCtx, conversationId); err != nil {
			log.CtxWarn(reportCtx, "report read failed: conversation_id=%s, err=%v", conversationId, err)
		}
	}()
	return nil
}

// ResetUnread zeroes unread without reporting, e.g. after a read on another device
func (s *ConversationStore) ResetUnread(conversationId string) bool {
	s.mu.Lock()
	c, ok := s.convs[conversationId]
	if !ok {
		s.mu.Unlock()
		return false
	}
	changed := c.UnreadCount != 0
	c.UnreadCount = 0
	s.mu.Unlock()

	if changed {
		s.changes.Publish(Change{Kind: ChangeUpdated, ConversationId: conversationId})
	}
	return true
}

// Get returns a copy of one conversation
func (s *ConversationStore) Get(conversationId string) (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationId]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// List returns copies ordered unread first, then by latest activity
func (s *ConversationStore) List() []*Conversation {
	s.mu.RLock()
	out := make([]*Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return lessConversation(out[i], out[j])
	})
	return out
}

func lessConversation(a, b *Conversation) bool {
	au, bu := a.UnreadCount > 0, b.UnreadCount > 0
	if au != bu {
		return au
	}
	if !a.LastActivityAt.Equal(b.LastActivityAt) {
		return a.LastActivityAt.After(b.LastActivityAt)
	}
	return a.Id < b.Id
}

// Participants returns the participant ids of a cached conversation
func (s *ConversationStore) Participants(conversationId string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationId]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.Id)
	}
	return ids
}

// Len returns the number of cached conversations
func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}
