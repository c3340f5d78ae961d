package store

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/pkg/protocol"
	"github.com/mbeoliero/chatsync/sdk"
	"github.com/mbeoliero/chatsync/sdk/notify"
)

// MessageAPI is the subset of the REST client used by the message store
type MessageAPI interface {
	ListMessages(ctx context.Context, conversationId string, page, limit int) (*protocol.MessagePage, error)
	SendMessage(ctx context.Context, conversationId string, req *sdk.SendMessageRequest) (*protocol.MessageData, error)
	EditMessage(ctx context.Context, messageId, content string) (*protocol.MessageData, error)
	DeleteMessage(ctx context.Context, messageId string) error
	AddReaction(ctx context.Context, messageId, emoji string) (*protocol.ReactionData, error)
	RemoveReaction(ctx context.Context, messageId string) (*protocol.ReactionData, error)
}

// Upload is a file to send. Data is kept so a failed send can be retried.
type Upload struct {
	Name string
	Mime string
	Data []byte
}

// SendRequest describes an outbound message
type SendRequest struct {
	ConversationId string
	ClientMsgId    string // generated when empty
	Type           protocol.MessageType
	Content        string
	ReplyTo        string
	Duration       time.Duration // voice only
	Files          []Upload
}

// ReceiveResult tells what Receive did with a message
type ReceiveResult int

const (
	ReceiveAdded ReceiveResult = iota
	ReceiveReconciled
	ReceiveDuplicate
)

// Page is one page of loaded history
type Page struct {
	ConversationId string
	Page           int
	HasMore        bool
	Messages       []*Message
}

// MessageOption configures a MessageStore
type MessageOption func(*MessageStore)

// WithPageSize sets the history page size
func WithPageSize(n int) MessageOption {
	return func(s *MessageStore) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithMaxAttachmentSize sets the per-file size limit
func WithMaxAttachmentSize(n int64) MessageOption {
	return func(s *MessageStore) {
		if n > 0 {
			s.maxAttachment = n
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) MessageOption {
	return func(s *MessageStore) {
		s.now = now
	}
}

// WithOnConfirmed registers fn to run once per token, when a pending send is
// first matched with the server's copy, whichever path delivers it
func WithOnConfirmed(fn func(*Message)) MessageOption {
	return func(s *MessageStore) {
		s.onConfirmed = fn
	}
}

// WithTokenGenerator replaces the correlation token generator
func WithTokenGenerator(gen func() string) MessageOption {
	return func(s *MessageStore) {
		s.newToken = gen
	}
}

type timeline struct {
	msgs    []*Message
	page    int // highest page loaded
	hasMore bool
}

// MessageStore keeps per-conversation history and reconciles optimistic
// sends with the server's copy through the client correlation token.
type MessageStore struct {
	api           MessageAPI
	selfId        string
	pageSize      int
	maxAttachment int64
	now           func() time.Time
	newToken      func() string
	onConfirmed   func(*Message)

	mu        sync.Mutex
	convs     map[string]*timeline
	byId      map[string]*Message
	byToken   map[string]*Message
	requests  map[string]*SendRequest // token -> request, while unconfirmed
	active    string
	activeGen uint64

	changes *notify.Hub[Change]
}

// NewMessageStore creates an empty store for selfId
func NewMessageStore(api MessageAPI, selfId string, opts ...MessageOption) *MessageStore {
	s := &MessageStore{
		api:           api,
		selfId:        selfId,
		pageSize:      sdk.DefaultPageLimit,
		maxAttachment: 25 << 20,
		now:           time.Now,
		newToken:      uuid.NewString,
		convs:         make(map[string]*timeline),
		byId:          make(map[string]*Message),
		byToken:       make(map[string]*Message),
		requests:      make(map[string]*SendRequest),
		changes:       notify.NewHub[Change](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn for store changes
func (s *MessageStore) Subscribe(fn func(Change)) (cancel func()) {
	return s.changes.Subscribe(fn)
}

// SetActive switches the active conversation. In-flight history loads for
// the previous activation are discarded when they complete.
func (s *MessageStore) SetActive(conversationId string) {
	s.mu.Lock()
	s.active = conversationId
	s.activeGen++
	s.mu.Unlock()
}

// Active returns the active conversation id
func (s *MessageStore) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// LoadHistory fetches one page and merges it. Page 1 is the newest page.
// If conversationId was active when the call started and has since been
// switched away from or re-activated, the result is dropped with sdk.ErrStale.
func (s *MessageStore) LoadHistory(ctx context.Context, conversationId string, page int) (*Page, error) {
	if page < 1 {
		page = 1
	}

	s.mu.Lock()
	guarded := s.active == conversationId
	gen := s.activeGen
	s.mu.Unlock()

	res, err := s.api.ListMessages(ctx, conversationId, page, s.pageSize)
	if err != nil {
		log.CtxWarn(ctx, "load history failed: conversation_id=%s, page=%d, err=%v", conversationId, page, err)
		return nil, fmt.Errorf("%w: %w", sdk.ErrFetch, err)
	}

	parsed := make([]*Message, 0, len(res.Messages))
	for _, d := range res.Messages {
		m, err := ParseMessage(d)
		if err != nil {
			log.CtxWarn(ctx, "skip history message: conversation_id=%s, err=%v", conversationId, err)
			continue
		}
		if m.ConversationId != conversationId {
			continue
		}
		parsed = append(parsed, m)
	}

	s.mu.Lock()
	if guarded && (s.active != conversationId || s.activeGen != gen) {
		s.mu.Unlock()
		log.CtxDebug(ctx, "drop stale history: conversation_id=%s, page=%d", conversationId, page)
		return nil, fmt.Errorf("%w: conversation %s page %d", sdk.ErrStale, conversationId, page)
	}

	tl := s.timelineLocked(conversationId)
	out := &Page{ConversationId: conversationId, Page: page, HasMore: res.HasMore}
	var confirmed []*Message
	for _, m := range parsed {
		stored, merged := s.mergeLocked(m)
		out.Messages = append(out.Messages, stored.Clone())
		if merged == ReceiveReconciled {
			confirmed = append(confirmed, stored.Clone())
		}
	}
	if page >= tl.page {
		tl.page = page
		tl.hasMore = res.HasMore
	}
	s.mu.Unlock()

	s.changes.Publish(Change{Kind: ChangeLoaded, ConversationId: conversationId})
	if s.onConfirmed != nil {
		for _, m := range confirmed {
			s.onConfirmed(m)
		}
	}
	return out, nil
}

// NextPage returns the page to request for older history, or 0 when none is left
func (s *MessageStore) NextPage(conversationId string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.convs[conversationId]
	if !ok || tl.page == 0 {
		return 1
	}
	if !tl.hasMore {
		return 0
	}
	return tl.page + 1
}

func (s *MessageStore) timelineLocked(conversationId string) *timeline {
	tl, ok := s.convs[conversationId]
	if !ok {
		tl = &timeline{}
		s.convs[conversationId] = tl
	}
	return tl
}

// Validate rejects a request before any local or network effect
func (s *MessageStore) Validate(req *SendRequest) error {
	if req == nil || req.ConversationId == "" {
		return fmt.Errorf("%w: conversation id required", sdk.ErrValidation)
	}
	switch req.Type {
	case protocol.MsgTypeText, protocol.MsgTypeEmoji:
		if strings.TrimSpace(req.Content) == "" {
			return fmt.Errorf("%w: empty content", sdk.ErrValidation)
		}
		if len(req.Files) > 0 {
			return fmt.Errorf("%w: %s messages cannot carry files", sdk.ErrValidation, req.Type)
		}
	case protocol.MsgTypeFile:
		if len(req.Files) == 0 {
			return fmt.Errorf("%w: file message without files", sdk.ErrValidation)
		}
	case protocol.MsgTypeVoice:
		if len(req.Files) != 1 {
			return fmt.Errorf("%w: voice message needs exactly one clip", sdk.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: cannot send message type %q", sdk.ErrValidation, req.Type)
	}
	for _, f := range req.Files {
		if f.Name == "" || len(f.Data) == 0 {
			return fmt.Errorf("%w: empty file %q", sdk.ErrValidation, f.Name)
		}
		if int64(len(f.Data)) > s.maxAttachment {
			return fmt.Errorf("%w: %q is %d bytes, limit is %d", sdk.ErrValidation, f.Name, len(f.Data), s.maxAttachment)
		}
	}
	return nil
}

// Send inserts a pending message and posts it. A token that is already
// confirmed or in flight is returned as is; a failed token is retried in place.
func (s *MessageStore) Send(ctx context.Context, req SendRequest) (*Message, error) {
	if err := s.Validate(&req); err != nil {
		return nil, err
	}
	if req.ClientMsgId == "" {
		req.ClientMsgId = s.newToken()
	}
	token := req.ClientMsgId

	s.mu.Lock()
	if existing, ok := s.byToken[token]; ok {
		if existing.Status != StatusFailed {
			out := existing.Clone()
			s.mu.Unlock()
			return out, nil
		}
		s.mu.Unlock()
		return s.Retry(ctx, token)
	}

	m := &Message{
		ConversationId: req.ConversationId,
		ClientMsgId:    token,
		SenderId:       s.selfId,
		Type:           req.Type,
		Content:        pendingContent(&req),
		ReplyTo:        req.ReplyTo,
		Status:         StatusSending,
		SendAt:         s.now(),
	}
	tl := s.timelineLocked(req.ConversationId)
	tl.msgs = append(tl.msgs, m)
	s.byToken[token] = m
	stored := req
	s.requests[token] = &stored
	s.mu.Unlock()

	s.changes.Publish(Change{Kind: ChangeAdded, ConversationId: req.ConversationId, ClientMsgId: token})
	return s.post(ctx, &stored)
}

// Retry re-posts a failed message under its original token
func (s *MessageStore) Retry(ctx context.Context, clientMsgId string) (*Message, error) {
	s.mu.Lock()
	m, ok := s.byToken[clientMsgId]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: no message with token %s", sdk.ErrNotFound, clientMsgId)
	}
	req, hasReq := s.requests[clientMsgId]
	if m.Status != StatusFailed || !hasReq {
		out := m.Clone()
		s.mu.Unlock()
		return out, nil
	}
	m.Status = StatusSending
	m.Err = nil
	s.mu.Unlock()

	s.changes.Publish(Change{Kind: ChangeUpdated, ConversationId: m.ConversationId, ClientMsgId: clientMsgId})
	return s.post(ctx, req)
}

func (s *MessageStore) post(ctx context.Context, req *SendRequest) (*Message, error) {
	apiReq := &sdk.SendMessageRequest{
		ClientMsgId: req.ClientMsgId,
		Type:        req.Type,
		Content:     req.Content,
		ReplyTo:     req.ReplyTo,
		Duration:    req.Duration.Seconds(),
	}
	for _, f := range req.Files {
		apiReq.Files = append(apiReq.Files, sdk.Upload{
			Name:   f.Name,
			Mime:   f.Mime,
			Size:   int64(len(f.Data)),
			Reader: bytes.NewReader(f.Data),
		})
	}

	d, err := s.api.SendMessage(ctx, req.ConversationId, apiReq)
	if err == nil {
		var confirmed *Message
		confirmed, err = ParseMessage(d)
		if err == nil {
			if confirmed.ClientMsgId == "" {
				confirmed.ClientMsgId = req.ClientMsgId
			}
			stored, _ := s.Receive(confirmed)
			log.CtxDebug(ctx, "message sent: conversation_id=%s, id=%s, client_msg_id=%s", req.ConversationId, stored.Id, req.ClientMsgId)
			return stored, nil
		}
	}

	if !s.MarkFailed(req.ClientMsgId, err) {
		// The echo confirmed it while the request was failing.
		if m, ok := s.MessageByToken(req.ClientMsgId); ok && m.Status.Confirmed() {
			return m, nil
		}
	}
	log.CtxWarn(ctx, "message send failed: conversation_id=%s, client_msg_id=%s, err=%v", req.ConversationId, req.ClientMsgId, err)
	return nil, fmt.Errorf("%w: %w", sdk.ErrSendFailed, err)
}

func pendingContent(req *SendRequest) Content {
	switch req.Type {
	case protocol.MsgTypeEmoji:
		return Emoji{Code: req.Content}
	case protocol.MsgTypeFile:
		files := make([]Attachment, 0, len(req.Files))
		for _, f := range req.Files {
			files = append(files, Attachment{Name: f.Name, Mime: f.Mime, Size: int64(len(f.Data))})
		}
		return File{Caption: req.Content, Attachments: files}
	case protocol.MsgTypeVoice:
		f := req.Files[0]
		return Voice{
			Clip:     Attachment{Name: f.Name, Mime: f.Mime, Size: int64(len(f.Data)), Duration: req.Duration},
			Duration: req.Duration,
		}
	default:
		return Text{Text: req.Content}
	}
}

// MarkFailed flags an unconfirmed message as failed. Confirmed messages are left alone.
func (s *MessageStore) MarkFailed(clientMsgId string, cause error) bool {
	s.mu.Lock()
	m, ok := s.byToken[clientMsgId]
	if !ok || m.Status.Confirmed() {
		s.mu.Unlock()
		return false
	}
	m.Status = StatusFailed
	m.Err = cause
	convId := m.ConversationId
	s.mu.Unlock()

	s.changes.Publish(Change{Kind: ChangeUpdated, ConversationId: convId, ClientMsgId: clientMsgId})
	return true
}

// RestoreFailed puts a previously failed send back into the store so it can be retried
func (s *MessageStore) RestoreFailed(req SendRequest, at time.Time, cause error) *Message {
	s.mu.Lock()
	if existing, ok := s.byToken[req.ClientMsgId]; ok {
		out := existing.Clone()
		s.mu.Unlock()
		return out
	}
	m := &Message{
		ConversationId: req.ConversationId,
		ClientMsgId:    req.ClientMsgId,
		SenderId:       s.selfId,
		Type:           req.Type,
		Content:        pendingContent(&req),
		ReplyTo:        req.ReplyTo,
		Status:         StatusFailed,
		SendAt:         at,
		Err:            cause,
	}
	tl := s.timelineLocked(req.ConversationId)
	tl.msgs = append(tl.msgs, m)
	s.byToken[req.ClientMsgId] = m
	stored := req
	s.requests[req.ClientMsgId] = &stored
	out := m.Clone()
	s.mu.Unlock()

	s.changes.Publish(Change{Kind: ChangeAdded, ConversationId: req.ConversationId, ClientMsgId: req.ClientMsgId})
	return out
}

// Receive merges a server message. A pending entry with the same token is
// replaced in place; a known id is merged; anything else is inserted in order.
func (s *MessageStore) Receive(msg *Message) (*Message, ReceiveResult) {
	s.mu.Lock()
	stored, res := s.mergeLocked(msg)
	out := stored.Clone()
	s.mu.Unlock()

	kind := ChangeUpdated
	if res == ReceiveAdded {
		kind = ChangeAdded
	}
	if res != ReceiveDuplicate {
		s.changes.Publish(Change{Kind: kind, ConversationId: out.ConversationId, MessageId: out.Id, ClientMsgId: out.ClientMsgId})
	}
	if res == ReceiveReconciled && s.onConfirmed != nil {
		s.onConfirmed(out.Clone())
	}
	return out, res
}

func (s *MessageStore) mergeLocked(msg *Message) (*Message, ReceiveResult) {
	if m, ok := s.byId[msg.Id]; ok {
		mergeServer(m, msg)
		return m, ReceiveDuplicate
	}

	if msg.ClientMsgId != "" && msg.SenderId == s.selfId {
		if m, ok := s.byToken[msg.ClientMsgId]; ok && m.ConversationId == msg.ConversationId {
			reconcile(m, msg)
			s.byId[m.Id] = m
			delete(s.requests, msg.ClientMsgId)
			return m, ReceiveReconciled
		}
	}

	m := msg.Clone()
	m.serverDeleted = m.IsDeleted
	tl := s.timelineLocked(m.ConversationId)
	tl.insert(m)
	s.byId[m.Id] = m
	if m.ClientMsgId != "" {
		s.byToken[m.ClientMsgId] = m
	}
	return m, ReceiveAdded
}

// reconcile turns a pending entry into the server's message, keeping its position
func reconcile(m, srv *Message) {
	m.Id = srv.Id
	m.Seq = srv.Seq
	m.SendAt = srv.SendAt
	m.Type = srv.Type
	m.Content = srv.Content
	m.ReplyTo = srv.ReplyTo
	m.IsEdited = srv.IsEdited
	m.EditedAt = srv.EditedAt
	m.IsDeleted = srv.IsDeleted
	m.serverDeleted = srv.IsDeleted
	m.Err = nil
	m.Status = Advance(StatusSent, srv.Status)
	if srv.Reactions != nil {
		m.Reactions = srv.Reactions
	}
}

// mergeServer folds a second copy of a known message into the stored one
func mergeServer(m, srv *Message) {
	m.Status = Advance(m.Status, srv.Status)
	if m.Seq == 0 {
		m.Seq = srv.Seq
	}
	if srv.IsDeleted {
		m.serverDeleted = true
		if !m.IsDeleted {
			m.IsDeleted = true
			m.Content = nil
		}
	}
	if !m.IsDeleted && srv.IsEdited && srv.EditedAt.After(m.EditedAt) {
		m.Content = srv.Content
		m.IsEdited = true
		m.EditedAt = srv.EditedAt
	}
	if srv.Reactions != nil && m.reactionsAt == 0 {
		m.Reactions = srv.Reactions
	}
}

// insert appends m when it is the newest message, otherwise places it in order.
// Unconfirmed local messages always stay at the tail.
func (tl *timeline) insert(m *Message) {
	i := len(tl.msgs)
	for i > 0 {
		prev := tl.msgs[i-1]
		if !prev.Pending() && !after(prev, m) {
			break
		}
		i--
	}
	tl.msgs = append(tl.msgs, nil)
	copy(tl.msgs[i+1:], tl.msgs[i:])
	tl.msgs[i] = m
}

// after reports whether a sorts after b
func after(a, b *Message) bool {
	if a.Seq > 0 && b.Seq > 0 {
		return a.Seq > b.Seq
	}
	if !a.SendAt.Equal(b.SendAt) {
		return a.SendAt.After(b.SendAt)
	}
	return a.Id > b.Id
}

// Edit changes the content locally, then on the server; the local change is
// reverted if the server rejects it.
func (s *MessageStore) Edit(ctx context.Context, messageId, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty content", sdk.ErrValidation)
	}

	s.mu.Lock()
	m, ok := s.byId[messageId]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: message %s", sdk.ErrNotFound, messageId)
	}
	if err := s.checkMutableLocked(m); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	var next Content
	switch m.Type {
	case protocol.MsgTypeText:
		next = Text{Text: content}
	case protocol.MsgTypeEmoji:
		next = Emoji{Code: content}
	default:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s messages cannot be edited", sdk.ErrValidation, m.Type)
	}

	prevContent, prevEdited, prevAt := m.Content, m.IsEdited, m.EditedAt
	editedAt := s.now()
	m.Content, m.IsEdited, m.EditedAt = next, true, editedAt
	convId := m.ConversationId
	s.mu.Unlock()
	s.changes.Publish(Change{Kind: ChangeUpdated, ConversationId: convId, MessageId: messageId})

	d, err := s.api.EditMessage(ctx, messageId, content)
	if err != nil {
		s.mu.Lock()
		if m.EditedAt.Equal(editedAt) && !m.IsDeleted {
			m.Content, m.IsEdited, m.EditedAt = prevContent, prevEdited, prevAt
		}
		s.mu.Unlock()
		s.changes.Publish(Change{Kind: ChangeUpdated, ConversationId: convId, MessageId: messageId})
		log.CtxWarn(ctx, "edit message failed, reverted: id=%s, err=%v", messageId, err)
		return nil, err
	}

	srv, err := ParseMessage(d)
	if err != nil {
		return s.snapshot(messageId), nil
	}
	s.mu.Lock()
	m.Content, m.IsEdited, m.EditedAt = srv.Content, true, srv.EditedAt
	out := m.Clone()
	s.mu.Unlock()
	s.changes.Publish(Change{Kind: ChangeUpdated, ConversationId: convId, MessageId: messageId})
	return out, nil
}

// Delete soft deletes a message: content is cleared and the entry keeps its place
func (s *MessageStore) Delete(ctx context.Context, messageId string) error {
	s.mu.Lock()
	m, ok := s.byId[messageId]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: message %s", sdk.ErrNotFound, messageId)
	}
	if m.IsDeleted {
		s.mu.Unlock()
		return nil
	}
	if m.SenderId != s.selfId {
		s.mu.Unlock()
		return fmt.Errorf("%w: not the sender of %s", sdk.ErrValidation, messageId)
	}
	prevContent := m.Content
	m.IsDeleted = true
	m.Content = nil
	convId := m.ConversationId
	s.mu.Unlock()
	s.changes.Publish(Change{Kind: ChangeUpdated, ConversationId: convId, MessageId: messageId})

	if err := s.api.DeleteMessage(ctx, messageId); err != nil {
		s.mu.Lock()
		if !m.serverDeleted {
			m.IsDeleted = false
			m.Content = prevContent
		}
		s.mu.Unlock()
		s.changes.Publish(Change{Kind: ChangeUpdated, ConversationId: convId, MessageId: messageId})
		log.CtxWarn(ctx, "delete message failed, reverted: id=%s, err=%v", messageId, err)
		return err
	}
	return nil
}

func (s *MessageStore) checkMutableLocked(m *Message) error {
	if m.IsDeleted {
		return fmt.Errorf("%w: message %s is deleted", sdk.ErrValidation, m.Id)
	}
	if m.SenderId != s.selfId {
		return fmt.Errorf("%w: not the sender of %s", sdk.ErrValidation, m.Id)
	}
	return nil
}

// React sets our reaction optimistically; the server's reply replaces the whole set
func (s *MessageStore) React(ctx context.Context, messageId, emoji string) (*Message, error) {
	if strings.TrimSpace(emoji) == "" {
		return nil, fmt.Errorf("%w: empty emoji", sdk.ErrValidation)
	}
	return s.react(ctx, messageId, emoji)
}

// Unreact clears our reaction optimistically
func (s *MessageStore) Unreact(ctx context.Context, messageId string) (*Message, error) {
	return s.react(ctx, messageId, "")
}

func (s *MessageStore) react(ctx context.Context, messageId, emoji string) (*Message, error) {
	s.mu.Lock()
	m, ok := s.byId[messageId]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: message %s", sdk.ErrNotFound, messageId)
	}
	if m.IsDeleted {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: message %s is deleted", sdk.ErrValidation, messageId)
	}
	prev, had := m.Reactions[s.selfId]
	setReaction(m, s.selfId, emoji)
	convId := m.ConversationId
	s.mu.Unlock()
	s.changes.Publish(Change{Kind: ChangeUpdated, ConversationId: convId, MessageId: messageId})

	var (
		ev  *protocol.ReactionData
		err error
	)
	if emoji == "" {
		ev, err = s.api.RemoveReaction(ctx, messageId)
	} else {
		ev, err = s.api.AddReaction(ctx, messageId, emoji)
	}
	if err != nil {
		s.mu.Lock()
		if m.Reactions[s.selfId] == emoji {
			if had {
				setReaction(m, s.selfId, prev)
			} else {
				setReaction(m, s.selfId, "")
			}
		}
		s.mu.Unlock()
		s.changes.Publish(Change{Kind: ChangeUpdated, ConversationId: convId, MessageId: messageId})
		log.CtxWarn(ctx, "reaction failed, reverted: id=%s, err=%v", messageId, err)
		return nil, err
	}

	if ev != nil {
		s.ApplyReactions(ev)
	}
	return s.snapshot(messageId), nil
}

func setReaction(m *Message, userId, emoji string) {
	if emoji == "" {
		delete(m.Reactions, userId)
		return
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]string)
	}
	m.Reactions[userId] = emoji
}

// ApplyReactions applies a server reaction event. When the event carries the
// full set it replaces local state; events older than the last applied one are ignored.
func (s *MessageStore) ApplyReactions(ev *protocol.ReactionData) bool {
	s.mu.Lock()
	m, ok := s.byId[ev.MessageId]
	if !ok || (ev.UpdatedAt > 0 && ev.UpdatedAt < m.reactionsAt) {
		s.mu.Unlock()
		return false
	}
	if ev.Reactions != nil {
		m.Reactions = make(map[string]string, len(ev.Reactions))
		for _, r := range ev.Reactions {
			m.Reactions[r.UserId] = r.Emoji
		}
	} else if ev.Removed {
		setReaction(m, ev.UserId, "")
	} else {
		setReaction(m, ev.UserId, ev.Emoji)
	}
	if ev.UpdatedAt > m.reactionsAt {
		m.reactionsAt = ev.UpdatedAt
	}
	convId := m.ConversationId
	s.mu.Unlock()

	s.changes.Publish(Change{Kind: ChangeUpdated, ConversationId: convId, MessageId: ev.MessageId})
	return true
}

// ApplyUpdate merges an edit or delete pushed by the server
func (s *MessageStore) ApplyUpdate(msg *Message) bool {
	s.mu.Lock()
	m, ok := s.byId[msg.Id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	mergeServer(m, msg)
	s.mu.Unlock()

	s.changes.Publish(Change{Kind: ChangeUpdated, ConversationId: msg.ConversationId, MessageId: msg.Id})
	return true
}

// AdvanceStatus moves a confirmed message's status forward; it never regresses
func (s *MessageStore) AdvanceStatus(messageId string, status Status) bool {
	s.mu.Lock()
	m, ok := s.byId[messageId]
	if !ok || !m.Status.Confirmed() || status.Rank() <= m.Status.Rank() {
		s.mu.Unlock()
		return false
	}
	m.Status = status
	convId := m.ConversationId
	s.mu.Unlock()

	s.changes.Publish(Change{Kind: ChangeUpdated, ConversationId: convId, MessageId: messageId})
	return true
}

// AdvanceUpTo advances our messages in a conversation with seq <= seq
func (s *MessageStore) AdvanceUpTo(conversationId string, seq int64, status Status) []string {
	s.mu.Lock()
	tl, ok := s.convs[conversationId]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	var ids []string
	for _, m := range tl.msgs {
		if m.SenderId != s.selfId || !m.Status.Confirmed() || m.Seq == 0 || m.Seq > seq {
			continue
		}
		if status.Rank() > m.Status.Rank() {
			m.Status = status
			ids = append(ids, m.Id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.changes.Publish(Change{Kind: ChangeUpdated, ConversationId: conversationId, MessageId: id})
	}
	return ids
}

// UnreadIncoming returns ids of other users' messages not yet marked read locally
func (s *MessageStore) UnreadIncoming(conversationId string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.convs[conversationId]
	if !ok {
		return nil
	}
	var ids []string
	for _, m := range tl.msgs {
		if m.Id != "" && m.SenderId != s.selfId && !m.ReadByMe {
			ids = append(ids, m.Id)
		}
	}
	return ids
}

// SetReadByMe flags or unflags incoming messages as read locally
func (s *MessageStore) SetReadByMe(ids []string, read bool) {
	s.mu.Lock()
	for _, id := range ids {
		if m, ok := s.byId[id]; ok && m.SenderId != s.selfId {
			m.ReadByMe = read
		}
	}
	s.mu.Unlock()
}

// Messages returns copies of a conversation's history in display order
func (s *MessageStore) Messages(conversationId string) []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.convs[conversationId]
	if !ok {
		return nil
	}
	out := make([]*Message, 0, len(tl.msgs))
	for _, m := range tl.msgs {
		out = append(out, m.Clone())
	}
	return out
}

// Message returns a copy of a message by server id
func (s *MessageStore) Message(messageId string) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byId[messageId]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// MessageByToken returns a copy of a message by correlation token
func (s *MessageStore) MessageByToken(clientMsgId string) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byToken[clientMsgId]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Failed returns all failed sends with the request needed to retry them
func (s *MessageStore) Failed() []FailedSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []FailedSend
	for token, m := range s.byToken {
		if m.Status != StatusFailed {
			continue
		}
		req, ok := s.requests[token]
		if !ok {
			continue
		}
		out = append(out, FailedSend{Request: *req, At: m.SendAt, Err: m.Err})
	}
	return out
}

// FailedSend is an unconfirmed send that can be retried
type FailedSend struct {
	Request SendRequest
	At      time.Time
	Err     error
}

// Clear forgets a conversation's confirmed history. Unconfirmed sends are kept.
func (s *MessageStore) Clear(conversationId string) {
	s.mu.Lock()
	tl, ok := s.convs[conversationId]
	if !ok {
		s.mu.Unlock()
		return
	}
	var kept []*Message
	for _, m := range tl.msgs {
		if m.Pending() {
			kept = append(kept, m)
			continue
		}
		delete(s.byId, m.Id)
		if m.ClientMsgId != "" {
			delete(s.byToken, m.ClientMsgId)
		}
	}
	tl.msgs = kept
	tl.page = 0
	tl.hasMore = false
	s.mu.Unlock()

	s.changes.Publish(Change{Kind: ChangeCleared, ConversationId: conversationId})
}

func (s *MessageStore) snapshot(messageId string) *Message {
	m, _ := s.Message(messageId)
	return m
}
