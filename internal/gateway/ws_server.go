package gateway

import (
	"context"
	"hash/fnv"
	"sync/atomic"

	"github.com/mbeoliero/kit/log"
	"golang.org/x/time/rate"

	"github.com/mbeoliero/chatsync/internal/config"
	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/pkg/jwt"
	"github.com/mbeoliero/chatsync/pkg/protocol"
)

// Authenticator validates handshake tokens
type Authenticator interface {
	ValidateTokenWithUser(ctx context.Context, token, userId string, platformId int) (*jwt.Claims, error)
}

// Directory answers who may see a conversation and who cares about a user
type Directory interface {
	CanAccess(ctx context.Context, userId, conversationId string) (bool, error)
	Contacts(ctx context.Context, userId string) ([]string, error)
	MarkDelivered(ctx context.Context, userId, conversationId string, seq int64) error
}

// Presence records the shared online state of users
type Presence interface {
	SetOnline(ctx context.Context, userId, connId string) (bool, error)
	SetOffline(ctx context.Context, userId, connId string) (bool, int64, error)
	RefreshOnline(ctx context.Context, userId string) error
}

// WsServer is the WebSocket server
type WsServer struct {
	cfg            config.WebSocketConfig
	auth           Authenticator
	directory      Directory
	presence       Presence
	userMap        *UserMap
	rooms          *RoomRegistry
	registerChan   chan *Client
	unregisterChan chan *Client
	pushChans      []chan *PushTask // one per worker, tasks routed by Key
	done           chan struct{}
	metrics        *metrics
	onlineUserNum  atomic.Int64
	onlineConnNum  atomic.Int64
	maxConnNum     int64
}

// PushTask represents one frame fanned out to users
type PushTask struct {
	Event     string
	Frame     []byte
	TargetIds []string
	Key       string                // Tasks with the same key are written in enqueue order
	ExcludeId string                // Exclude specific connection Id
	Msg       *protocol.MessageData // Set for new messages, drives delivered acks
}

// NewWsServer creates a new WebSocket server
func NewWsServer(cfg config.WebSocketConfig, auth Authenticator, directory Directory, presence Presence) *WsServer {
	pushChanSize := cfg.PushChannelSize
	if pushChanSize <= 0 {
		pushChanSize = defaultPushChanSize
	}
	maxConnNum := cfg.MaxConnNum
	if maxConnNum <= 0 {
		maxConnNum = defaultMaxConnNum
	}
	workerNum := cfg.PushWorkerNum
	if workerNum <= 0 {
		workerNum = defaultPushWorkerNum
	}
	pushChans := make([]chan *PushTask, workerNum)
	for i := range pushChans {
		pushChans[i] = make(chan *PushTask, pushChanSize)
	}

	return &WsServer{
		cfg:            cfg,
		auth:           auth,
		directory:      directory,
		presence:       presence,
		userMap:        NewUserMap(),
		rooms:          NewRoomRegistry(),
		registerChan:   make(chan *Client, registerChanSize),
		unregisterChan: make(chan *Client, registerChanSize),
		pushChans:      pushChans,
		done:           make(chan struct{}),
		metrics:        newMetrics(),
		maxConnNum:     maxConnNum,
	}
}

// Run starts the event loop and push workers and blocks until ctx is done.
// Open connections are closed on return.
func (s *WsServer) Run(ctx context.Context) error {
	go s.eventLoop(ctx)

	for _, ch := range s.pushChans {
		go s.pushLoop(ctx, ch)
	}
	log.Info("started %d push workers", len(s.pushChans))

	<-ctx.Done()
	for _, client := range s.userMap.Snapshot() {
		_ = client.closeWith(ErrServerStopped)
	}
	log.Info("websocket server stopped")
	return nil
}

// eventLoop handles client registration and unregistration
func (s *WsServer) eventLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-s.registerChan:
			s.registerClient(ctx, client)
		case client := <-s.unregisterChan:
			s.unregisterClient(ctx, client)
		}
	}
}

// pushLoop writes the tasks of one worker queue in order
func (s *WsServer) pushLoop(ctx context.Context, tasks <-chan *PushTask) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-tasks:
			s.processPushTask(ctx, task)
		}
	}
}

// processPushTask writes one frame to every connection of the target users
func (s *WsServer) processPushTask(ctx context.Context, task *PushTask) {
	var delivered []string

	for _, userId := range task.TargetIds {
		clients, ok := s.userMap.GetAll(userId)
		if !ok {
			continue
		}

		reached := false
		for _, client := range clients {
			// Skip excluded connection
			if task.ExcludeId != "" && client.ConnId == task.ExcludeId {
				continue
			}

			if err := client.PushFrame(task.Frame); err != nil {
				log.CtxDebug(ctx, "push to client failed: user_id=%s, conn_id=%s, event=%s, error=%v", userId, client.ConnId, task.Event, err)
				continue
			}
			reached = true
			s.metrics.pushed.WithLabelValues(task.Event).Inc()
		}

		if reached && task.Msg != nil && userId != task.Msg.SenderId {
			delivered = append(delivered, userId)
		}
	}

	if len(delivered) > 0 {
		s.ackDelivered(ctx, task.Msg, delivered)
	}
}

// ackDelivered records delivery for recipients and tells the sender
func (s *WsServer) ackDelivered(ctx context.Context, msg *protocol.MessageData, userIds []string) {
	for _, userId := range userIds {
		if err := s.directory.MarkDelivered(ctx, userId, msg.ConversationId, msg.Seq); err != nil {
			log.CtxWarn(ctx, "mark delivered failed: user_id=%s, conversation_id=%s, seq=%d, error=%v", userId, msg.ConversationId, msg.Seq, err)
		}
	}
	s.PushEvent(ctx, protocol.EventMessagesDelivered, &protocol.DeliveredData{
		ConversationId: msg.ConversationId,
		MessageIds:     []string{msg.Id},
		DeliveredAt:    entity.NowUnixMilli(),
	}, []string{msg.SenderId})
}

// registerClient registers a client
func (s *WsServer) registerClient(ctx context.Context, client *Client) {
	// Already gone before the event loop saw it
	if client.IsClosed() {
		return
	}

	if s.userMap.Register(client) {
		s.onlineUserNum.Add(1)
	}
	s.onlineConnNum.Add(1)

	first, err := s.presence.SetOnline(ctx, client.UserId, client.ConnId)
	if err != nil {
		log.CtxWarn(ctx, "set online failed: user_id=%s, error=%v", client.UserId, err)
	}
	if first {
		s.broadcastStatus(ctx, client.UserId, true, 0)
	}

	log.CtxInfo(ctx, "client registered: user_id=%s, platform_id=%d, sdk_type=%s, conn_id=%s, online_users=%d, online_conns=%d",
		client.UserId, client.PlatformId, client.SDKType, client.ConnId, s.onlineUserNum.Load(), s.onlineConnNum.Load())
}

// unregisterClient unregisters a client
func (s *WsServer) unregisterClient(ctx context.Context, client *Client) {
	removed, isUserOffline := s.userMap.Unregister(client)
	if !removed {
		return
	}
	s.onlineConnNum.Add(-1)
	if isUserOffline {
		s.onlineUserNum.Add(-1)
	}

	// Typing state dies with the connection
	for _, convId := range s.rooms.LeaveAll(client) {
		s.relayTyping(convId, client.UserId, false)
	}

	offline, lastSeen, err := s.presence.SetOffline(ctx, client.UserId, client.ConnId)
	if err != nil {
		log.CtxWarn(ctx, "set offline failed: user_id=%s, error=%v", client.UserId, err)
	}
	if offline {
		s.broadcastStatus(ctx, client.UserId, false, lastSeen)
	}

	log.CtxInfo(ctx, "client unregistered: user_id=%s, platform_id=%d, conn_id=%s, user_offline=%v, online_users=%d, online_conns=%d",
		client.UserId, client.PlatformId, client.ConnId, offline, s.onlineUserNum.Load(), s.onlineConnNum.Load())
}

// broadcastStatus tells everyone sharing a conversation with userId about its presence
func (s *WsServer) broadcastStatus(ctx context.Context, userId string, online bool, lastSeen int64) {
	contacts, err := s.directory.Contacts(ctx, userId)
	if err != nil {
		log.CtxWarn(ctx, "get contacts failed: user_id=%s, error=%v", userId, err)
		return
	}
	if len(contacts) == 0 {
		return
	}
	s.PushEvent(ctx, protocol.EventUserStatusUpdate, &protocol.UserStatusData{
		UserId:   userId,
		Online:   online,
		LastSeen: lastSeen,
	}, contacts)
}

// RegisterClient queues client for registration
func (s *WsServer) RegisterClient(client *Client) {
	select {
	case s.registerChan <- client:
	case <-s.done:
	}
}

// UnregisterClient queues client for unregistration
func (s *WsServer) UnregisterClient(client *Client) {
	select {
	case s.unregisterChan <- client:
	case <-s.done:
	}
}

// PushEvent queues event for every connection of userIds
func (s *WsServer) PushEvent(ctx context.Context, event string, payload interface{}, userIds []string) {
	frame, err := encodePush(event, payload)
	if err != nil {
		log.CtxError(ctx, "encode push failed: event=%s, error=%v", event, err)
		return
	}
	s.enqueue(ctx, &PushTask{Event: event, Frame: frame, TargetIds: userIds, Key: routeKey(payload)})
}

// PushNewMessage queues msg for userIds; recipients reached raise delivered acks
func (s *WsServer) PushNewMessage(ctx context.Context, msg *protocol.MessageData, userIds []string) {
	frame, err := encodePush(protocol.EventNewMessage, msg)
	if err != nil {
		log.CtxError(ctx, "encode message push failed: msg_id=%s, error=%v", msg.Id, err)
		return
	}
	s.enqueue(ctx, &PushTask{Event: protocol.EventNewMessage, Frame: frame, TargetIds: userIds, Key: msg.ConversationId, Msg: msg})
}

func (s *WsServer) enqueue(ctx context.Context, task *PushTask) {
	select {
	case s.pushChans[s.shard(task.Key)] <- task:
	default:
		s.metrics.dropped.Inc()
		log.CtxWarn(ctx, "push channel full, event dropped: event=%s, targets=%d", task.Event, len(task.TargetIds))
	}
}

// KickTokens closes the connections authenticated by tokens
func (s *WsServer) KickTokens(ctx context.Context, userId string, platformId int, tokens []string) {
	for _, client := range s.userMap.GetByTokens(userId, platformId, tokens) {
		log.CtxInfo(ctx, "kick connection: user_id=%s, platform_id=%d, conn_id=%s", userId, platformId, client.ConnId)
		s.metrics.kicked.Inc()
		if err := client.KickOnline(); err != nil {
			log.CtxDebug(ctx, "kick close failed: conn_id=%s, error=%v", client.ConnId, err)
		}
	}
}

// GetOnlineUserCount returns online user count
func (s *WsServer) GetOnlineUserCount() int64 {
	return s.onlineUserNum.Load()
}

// GetOnlineConnCount returns online connection count
func (s *WsServer) GetOnlineConnCount() int64 {
	return s.onlineConnNum.Load()
}

func (s *WsServer) newFrameLimiter() *rate.Limiter {
	if s.cfg.FrameRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := s.cfg.FrameBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.cfg.FrameRate), burst)
}

// shard picks the worker queue for key
func (s *WsServer) shard(key string) int {
	if len(s.pushChans) == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(s.pushChans)))
}

// routeKey keeps every event of a conversation on one worker, so a delete
// or reaction never overtakes the new_message it refers to
func routeKey(payload interface{}) string {
	switch p := payload.(type) {
	case *protocol.MessageData:
		return p.ConversationId
	case *protocol.ReactionData:
		return p.ConversationId
	case *protocol.ReadData:
		return p.ConversationId
	case *protocol.DeliveredData:
		return p.ConversationId
	case *protocol.MessageErrorData:
		return p.ConversationId
	case *protocol.TypingData:
		return p.ConversationId
	case *protocol.UserStatusData:
		return p.UserId
	default:
		return ""
	}
}

func encodePush(event string, payload interface{}) ([]byte, error) {
	resp, err := protocol.NewPush(event, payload)
	if err != nil {
		return nil, err
	}
	return protocol.Encode(resp)
}
