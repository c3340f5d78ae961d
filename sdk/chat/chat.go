// Package chat wires one logged-in user's session, stores and trackers
// together and keeps them in sync with the server.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/pkg/protocol"
	"github.com/mbeoliero/chatsync/sdk"
	"github.com/mbeoliero/chatsync/sdk/notify"
	"github.com/mbeoliero/chatsync/sdk/presence"
	"github.com/mbeoliero/chatsync/sdk/receipt"
	"github.com/mbeoliero/chatsync/sdk/session"
	"github.com/mbeoliero/chatsync/sdk/store"
)

// API is the REST surface the client needs. *sdk.Client implements it.
type API interface {
	store.ConversationAPI
	store.MessageAPI
	receipt.Acker
	GetUsersInfo(ctx context.Context, userIds []string) ([]*protocol.UserData, error)
}

// Transport is the realtime connection. *session.Session implements it.
type Transport interface {
	Connect(ctx context.Context, cred session.Credential) error
	Disconnect() error
	On(event string, h session.Handler) (cancel func())
	OnState(fn func(session.StateChange)) (cancel func())
	Send(ctx context.Context, reqIdentifier int32, payload interface{}) error
	Join(ctx context.Context, conversationId string) error
	Leave(ctx context.Context, conversationId string) error
	State() session.State
}

// Cache persists the conversation list and failed sends. *cache.Store implements it.
type Cache interface {
	SaveConversations(convs []*store.Conversation) error
	LoadConversations() ([]*store.Conversation, error)
	PutFailed(f store.FailedSend) error
	DeleteFailed(clientMsgId string) error
	ListFailed() ([]store.FailedSend, error)
}

// Option configures a Chat
type Option func(*Chat)

// WithCache enables the local snapshot and failed-send outbox
func WithCache(c Cache) Option {
	return func(ch *Chat) {
		ch.cache = c
	}
}

// Chat is the client core for one user
type Chat struct {
	cfg    Config
	api    API
	sess   Transport
	selfId string
	cache  Cache

	Conversations *store.ConversationStore
	Messages      *store.MessageStore
	Typing        *presence.Tracker
	Users         *presence.Directory
	Receipts      *receipt.Tracker

	mu        sync.Mutex
	running   bool
	cred      session.Credential
	cancels   []func()
	runCancel context.CancelFunc
	outbox    map[string]struct{}

	reloading   atomic.Bool
	connections *notify.Hub[session.StateChange]
	wg          sync.WaitGroup
}

// New builds a stopped chat client for selfId
func New(cfg Config, api API, sess Transport, selfId string, opts ...Option) *Chat {
	cfg = cfg.withDefaults()
	c := &Chat{
		cfg:         cfg,
		api:         api,
		sess:        sess,
		selfId:      selfId,
		outbox:      make(map[string]struct{}),
		connections: notify.NewHub[session.StateChange](),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Messages = store.NewMessageStore(api, selfId,
		store.WithPageSize(cfg.HistoryPageSize),
		store.WithMaxAttachmentSize(cfg.MaxAttachmentSize),
		store.WithOnConfirmed(c.onConfirmed),
	)
	c.Receipts = receipt.New(api, c.Messages, selfId)
	c.Conversations = store.NewConversationStore(api, selfId,
		store.WithReadReporter(c.Receipts),
		store.WithReportTimeout(cfg.RequestTimeout),
	)
	c.Typing = presence.NewTracker(typingPublisher{sess: sess}, selfId,
		presence.WithThrottle(cfg.TypingThrottle),
		presence.WithIdle(cfg.TypingIdle),
		presence.WithExpiry(cfg.TypingExpiry),
	)
	c.Users = presence.NewDirectory()
	return c
}

// NewWithClient builds a chat client on the REST client and a gorilla session
func NewWithClient(cfg Config, client *sdk.Client, selfId string, opts ...Option) *Chat {
	return New(cfg, client, session.New(cfg.withDefaults().Session(), nil), selfId, opts...)
}

// SelfId returns the logged-in user id
func (c *Chat) SelfId() string {
	return c.selfId
}

// OnConnection registers fn for connection state changes
func (c *Chat) OnConnection(fn func(session.StateChange)) (cancel func()) {
	return c.connections.Subscribe(fn)
}

// State returns the connection state
func (c *Chat) State() session.State {
	return c.sess.State()
}

// Start connects and loads the conversation list. When the list cannot be
// fetched and a snapshot exists, the snapshot is shown instead. Calling it
// again after the connection was lost reconnects with cred.
func (c *Chat) Start(ctx context.Context, cred session.Credential) error {
	c.mu.Lock()
	if c.running {
		c.cred = cred
		c.mu.Unlock()
		if c.sess.State() == session.StateDisconnected {
			return c.Reconnect(ctx)
		}
		return nil
	}
	c.running = true
	c.cred = cred
	c.mu.Unlock()

	c.restoreOutbox(ctx)
	c.subscribe()

	if err := c.sess.Connect(ctx, cred); err != nil {
		c.Stop()
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.runCancel = cancel
	c.mu.Unlock()
	c.spawn(func() { c.Typing.Run(runCtx) })

	if err := c.reloadConversations(ctx); err != nil {
		if c.restoreSnapshot(ctx) {
			log.CtxWarn(ctx, "conversation list unavailable, showing snapshot: err=%v", err)
			return nil
		}
		return err
	}
	log.CtxInfo(ctx, "chat started: user_id=%s, conversations=%d", c.selfId, c.Conversations.Len())
	return nil
}

// Stop disconnects and drops every subscription. Safe to call repeatedly.
func (c *Chat) Stop() {
	c.mu.Lock()
	cancels := c.cancels
	c.cancels = nil
	runCancel := c.runCancel
	c.runCancel = nil
	c.running = false
	c.mu.Unlock()

	if runCancel != nil {
		runCancel()
	}
	for _, cancel := range cancels {
		cancel()
	}
	_ = c.sess.Disconnect()
	c.wg.Wait()

	c.Typing.Clear()
	c.Messages.SetActive("")
	c.Conversations.SetOpen("")
}

// Reconnect dials again once the session has given up, keeping the joined
// rooms and the open conversation, then catches up like an automatic
// reconnection does. It is a no-op while connected.
func (c *Chat) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	running, cred := c.running, c.cred
	c.mu.Unlock()
	if !running {
		return fmt.Errorf("%w: chat is not started", sdk.ErrValidation)
	}
	if c.sess.State() == session.StateConnected {
		return nil
	}

	if err := c.sess.Connect(ctx, cred); err != nil {
		return err
	}
	catchCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	c.catchUp(catchCtx)
	return nil
}

// spawn runs fn on a tracked goroutine unless the chat is stopped.
// Adding under mu keeps wg.Add from racing the wait in Stop.
func (c *Chat) spawn(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

func (c *Chat) subscribe() {
	routes := map[string]session.Handler{
		protocol.EventNewMessage:        c.onNewMessage,
		protocol.EventMessageUpdated:    c.onMessageUpdated,
		protocol.EventMessageDeleted:    c.onMessageUpdated,
		protocol.EventUserTyping:        c.onTyping,
		protocol.EventReactionUpdated:   c.onReaction,
		protocol.EventMessagesRead:      c.onRead,
		protocol.EventMessagesDelivered: c.onDelivered,
		protocol.EventUserStatusUpdate:  c.onUserStatus,
		protocol.EventMessageError:      c.onMessageError,
	}

	var cancels []func()
	for event, h := range routes {
		cancels = append(cancels, c.sess.On(event, h))
	}
	cancels = append(cancels, c.sess.OnState(c.onState))
	if c.cache != nil {
		cancels = append(cancels, c.Messages.Subscribe(c.persistOutbox))
	}

	c.mu.Lock()
	c.cancels = append(c.cancels, cancels...)
	c.mu.Unlock()
}

func (c *Chat) onState(change session.StateChange) {
	switch change.State {
	case session.StateConnected:
		if change.Resumed {
			c.spawn(func() {
				ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
				defer cancel()
				c.catchUp(ctx)
			})
		}
	case session.StateReconnecting, session.StateDisconnected:
		c.Typing.Clear()
	}
	c.connections.Publish(change)
}

// catchUp refreshes state after a reconnection. Messages missed while
// offline come back through page 1 of the active conversation and are
// deduplicated by id and token.
func (c *Chat) catchUp(ctx context.Context) {
	if err := c.reloadConversations(ctx); err != nil {
		log.CtxWarn(ctx, "catch up conversations failed: err=%v", err)
	}
	active := c.Messages.Active()
	if active == "" {
		return
	}
	if _, err := c.Messages.LoadHistory(ctx, active, 1); err != nil && !errors.Is(err, sdk.ErrStale) {
		log.CtxWarn(ctx, "catch up history failed: conversation_id=%s, err=%v", active, err)
	}
	log.CtxDebug(ctx, "caught up after reconnect: active=%s", active)
}

func (c *Chat) reloadConversations(ctx context.Context) error {
	if err := c.Conversations.LoadAll(ctx); err != nil {
		return err
	}
	convs := c.Conversations.List()
	for _, conv := range convs {
		c.Users.Put(conv.Participants...)
	}
	if c.cache != nil {
		if err := c.cache.SaveConversations(convs); err != nil {
			log.CtxWarn(ctx, "save conversation snapshot failed: err=%v", err)
		}
	}
	return nil
}

// reloadLater resolves an unknown conversation with one background LoadAll
func (c *Chat) reloadLater() {
	if !c.reloading.CompareAndSwap(false, true) {
		return
	}
	started := c.spawn(func() {
		defer c.reloading.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		if err := c.reloadConversations(ctx); err != nil {
			log.CtxWarn(ctx, "deferred conversation reload failed: err=%v", err)
		}
	})
	if !started {
		c.reloading.Store(false)
	}
}

func (c *Chat) restoreSnapshot(ctx context.Context) bool {
	if c.cache == nil {
		return false
	}
	convs, err := c.cache.LoadConversations()
	if err != nil {
		log.CtxWarn(ctx, "load conversation snapshot failed: err=%v", err)
		return false
	}
	if len(convs) == 0 {
		return false
	}
	c.Conversations.Restore(convs)
	for _, conv := range convs {
		c.Users.Put(conv.Participants...)
	}
	return true
}

func (c *Chat) restoreOutbox(ctx context.Context) {
	if c.cache == nil {
		return
	}
	failed, err := c.cache.ListFailed()
	if err != nil {
		log.CtxWarn(ctx, "load outbox failed: err=%v", err)
		return
	}
	c.mu.Lock()
	for _, f := range failed {
		c.outbox[f.Request.ClientMsgId] = struct{}{}
	}
	c.mu.Unlock()
	for _, f := range failed {
		c.Messages.RestoreFailed(f.Request, f.At, f.Err)
	}
	if len(failed) > 0 {
		log.CtxInfo(ctx, "restored failed sends: count=%d", len(failed))
	}
}

// persistOutbox mirrors failed sends to the cache and forgets them once confirmed
func (c *Chat) persistOutbox(ch store.Change) {
	if ch.ClientMsgId == "" {
		return
	}
	m, ok := c.Messages.MessageByToken(ch.ClientMsgId)
	if !ok {
		return
	}

	c.mu.Lock()
	_, saved := c.outbox[ch.ClientMsgId]
	c.mu.Unlock()

	switch {
	case m.Status == store.StatusFailed && !saved:
		for _, f := range c.Messages.Failed() {
			if f.Request.ClientMsgId != ch.ClientMsgId {
				continue
			}
			if err := c.cache.PutFailed(f); err != nil {
				log.Warn("persist failed send: client_msg_id=%s, err=%v", ch.ClientMsgId, err)
				return
			}
			c.mu.Lock()
			c.outbox[ch.ClientMsgId] = struct{}{}
			c.mu.Unlock()
		}
	case m.Status.Confirmed() && saved:
		if err := c.cache.DeleteFailed(ch.ClientMsgId); err != nil {
			log.Warn("drop sent outbox entry: client_msg_id=%s, err=%v", ch.ClientMsgId, err)
			return
		}
		c.mu.Lock()
		delete(c.outbox, ch.ClientMsgId)
		c.mu.Unlock()
	}
}

// Open makes conversationId the active conversation, loads its newest page
// and marks it read
func (c *Chat) Open(ctx context.Context, conversationId string) (*store.Page, error) {
	prev := c.Messages.Active()
	if prev != "" && prev != conversationId {
		c.leave(ctx, prev)
	}

	c.Messages.SetActive(conversationId)
	c.Conversations.SetOpen(conversationId)
	if err := c.sess.Join(ctx, conversationId); err != nil {
		log.CtxWarn(ctx, "join conversation failed: conversation_id=%s, err=%v", conversationId, err)
	}

	page, err := c.Messages.LoadHistory(ctx, conversationId, 1)
	if err != nil {
		return nil, err
	}
	if err := c.Conversations.MarkRead(ctx, conversationId); err != nil && !errors.Is(err, sdk.ErrNotFound) {
		log.CtxWarn(ctx, "mark read on open failed: conversation_id=%s, err=%v", conversationId, err)
	}
	return page, nil
}

// OpenDirect opens the direct conversation with userId, creating it if needed
func (c *Chat) OpenDirect(ctx context.Context, userId string) (*store.Conversation, *store.Page, error) {
	conv, err := c.Conversations.GetOrCreateDirect(ctx, userId)
	if err != nil {
		return nil, nil, err
	}
	c.Users.Put(conv.Participants...)
	page, err := c.Open(ctx, conv.Id)
	if err != nil {
		return conv, nil, err
	}
	return conv, page, nil
}

// Close leaves the active conversation
func (c *Chat) Close(ctx context.Context) {
	if active := c.Messages.Active(); active != "" {
		c.leave(ctx, active)
	}
	c.Messages.SetActive("")
	c.Conversations.SetOpen("")
}

func (c *Chat) leave(ctx context.Context, conversationId string) {
	if err := c.Typing.StopTyping(ctx, conversationId); err != nil {
		log.CtxDebug(ctx, "stop typing on leave failed: conversation_id=%s, err=%v", conversationId, err)
	}
	if err := c.sess.Leave(ctx, conversationId); err != nil {
		log.CtxDebug(ctx, "leave conversation failed: conversation_id=%s, err=%v", conversationId, err)
	}
}

// LoadOlder fetches the next older page of the active conversation.
// It returns nil when everything is loaded.
func (c *Chat) LoadOlder(ctx context.Context) (*store.Page, error) {
	active := c.Messages.Active()
	if active == "" {
		return nil, fmt.Errorf("%w: no open conversation", sdk.ErrValidation)
	}
	next := c.Messages.NextPage(active)
	if next == 0 {
		return nil, nil
	}
	return c.Messages.LoadHistory(ctx, active, next)
}

// Send posts a message. Sending clears our typing state in that conversation.
func (c *Chat) Send(ctx context.Context, req store.SendRequest) (*store.Message, error) {
	if req.ConversationId == "" {
		req.ConversationId = c.Messages.Active()
	}
	if err := c.Typing.StopTyping(ctx, req.ConversationId); err != nil {
		log.CtxDebug(ctx, "stop typing before send failed: err=%v", err)
	}
	return c.Messages.Send(ctx, req)
}

// SendText sends a text message to the active conversation
func (c *Chat) SendText(ctx context.Context, text string) (*store.Message, error) {
	return c.Send(ctx, store.SendRequest{Type: protocol.MsgTypeText, Content: text})
}

// SendEmoji sends a single emoji to the active conversation
func (c *Chat) SendEmoji(ctx context.Context, code string) (*store.Message, error) {
	return c.Send(ctx, store.SendRequest{Type: protocol.MsgTypeEmoji, Content: code})
}

// SendFiles sends one or more files with an optional caption
func (c *Chat) SendFiles(ctx context.Context, caption string, files ...store.Upload) (*store.Message, error) {
	return c.Send(ctx, store.SendRequest{Type: protocol.MsgTypeFile, Content: caption, Files: files})
}

// SendVoice sends a recorded clip
func (c *Chat) SendVoice(ctx context.Context, clip store.Upload, duration time.Duration) (*store.Message, error) {
	return c.Send(ctx, store.SendRequest{Type: protocol.MsgTypeVoice, Files: []store.Upload{clip}, Duration: duration})
}

// Reply sends a text answering replyTo
func (c *Chat) Reply(ctx context.Context, replyTo, text string) (*store.Message, error) {
	return c.Send(ctx, store.SendRequest{Type: protocol.MsgTypeText, Content: text, ReplyTo: replyTo})
}

// Retry re-posts one failed send
func (c *Chat) Retry(ctx context.Context, clientMsgId string) (*store.Message, error) {
	return c.Messages.Retry(ctx, clientMsgId)
}

// RetryFailed re-posts every failed send and returns how many went through
func (c *Chat) RetryFailed(ctx context.Context) (int, error) {
	var (
		sent int
		errs []error
	)
	for _, f := range c.Messages.Failed() {
		if _, err := c.Messages.Retry(ctx, f.Request.ClientMsgId); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

func (c *Chat) Edit(ctx context.Context, messageId, content string) (*store.Message, error) {
	return c.Messages.Edit(ctx, messageId, content)
}

func (c *Chat) Delete(ctx context.Context, messageId string) error {
	return c.Messages.Delete(ctx, messageId)
}

func (c *Chat) React(ctx context.Context, messageId, emoji string) (*store.Message, error) {
	return c.Messages.React(ctx, messageId, emoji)
}

func (c *Chat) Unreact(ctx context.Context, messageId string) (*store.Message, error) {
	return c.Messages.Unreact(ctx, messageId)
}

// MarkRead acknowledges every loaded incoming message of the active conversation
func (c *Chat) MarkRead(ctx context.Context) error {
	active := c.Messages.Active()
	if active == "" {
		return nil
	}
	c.Conversations.ResetUnread(active)
	return c.Receipts.MarkAsRead(ctx, active, nil)
}

// KeyPressed reports local typing in the active conversation
func (c *Chat) KeyPressed(ctx context.Context) error {
	active := c.Messages.Active()
	if active == "" {
		return nil
	}
	return c.Typing.StartTyping(ctx, active)
}

// LookupUsers fills the directory with users not seen yet
func (c *Chat) LookupUsers(ctx context.Context, userIds ...string) error {
	var missing []string
	for _, id := range userIds {
		if _, ok := c.Users.Get(id); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	users, err := c.api.GetUsersInfo(ctx, missing)
	if err != nil {
		return fmt.Errorf("%w: %w", sdk.ErrFetch, err)
	}
	for _, u := range users {
		c.Users.Put(*u)
	}
	return nil
}

type typingPublisher struct {
	sess Transport
}

func (p typingPublisher) SendTyping(ctx context.Context, conversationId string, typing bool) error {
	return p.sess.Send(ctx, protocol.WSTyping, &protocol.TypingReq{ConversationId: conversationId, Typing: typing})
}
