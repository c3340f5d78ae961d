// Package session owns the single authenticated realtime connection of a
// chat client: connect, reconnect with bounded retries, room membership and
// ordered event dispatch.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/pkg/protocol"
	"github.com/mbeoliero/chatsync/sdk"
	"github.com/mbeoliero/chatsync/sdk/notify"
)

// State of the session
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateChange is published on every transition.
// Resumed is set when Connected was reached through automatic reconnection.
type StateChange struct {
	State   State
	Resumed bool
	Err     error
}

// Credential authenticates the connection
type Credential struct {
	Token      string
	UserId     string
	PlatformId int
}

// Event is one server push
type Event struct {
	Name string
	Data json.RawMessage
}

// Decode unmarshals the event payload into v
func (e Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no payload", e.Name)
	}
	return json.Unmarshal(e.Data, v)
}

// Handler receives events on the session's dispatch goroutine
type Handler func(Event)

// Config controls dialing and reconnection. Zero values take defaults.
type Config struct {
	URL                  string
	ConnectTimeout       time.Duration // default 20s
	MaxReconnectAttempts int           // default 5
	ReconnectDelay       time.Duration // default 1s, doubled per attempt
	MaxReconnectDelay    time.Duration // default 10s
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 20 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 10 * time.Second
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = c.ReconnectDelay
	}
	return c
}

// Session is one realtime connection with automatic reconnection
type Session struct {
	cfg    Config
	dialer Dialer

	connectMu sync.Mutex

	mu       sync.Mutex
	state    State
	conn     Conn
	gen      uint64 // bumped whenever conn is replaced or dropped on purpose
	cred     Credential
	rooms    map[string]struct{}
	handlers map[string]*notify.Hub[Event]
	stopLoop context.CancelFunc

	states  *notify.Hub[StateChange]
	msgIncr atomic.Uint64
}

// New creates a disconnected session. A nil dialer uses gorilla/websocket.
func New(cfg Config, dialer Dialer) *Session {
	if dialer == nil {
		dialer = NewGorillaDialer()
	}
	return &Session{
		cfg:      cfg.withDefaults(),
		dialer:   dialer,
		rooms:    make(map[string]struct{}),
		handlers: make(map[string]*notify.Hub[Event]),
		states:   notify.NewHub[StateChange](),
	}
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// On registers h for the named event and returns a function removing it
func (s *Session) On(event string, h Handler) (cancel func()) {
	s.mu.Lock()
	hub, ok := s.handlers[event]
	if !ok {
		hub = notify.NewHub[Event]()
		s.handlers[event] = hub
	}
	s.mu.Unlock()
	return hub.Subscribe(func(e Event) { h(e) })
}

// OnState registers fn for state transitions
func (s *Session) OnState(fn func(StateChange)) (cancel func()) {
	return s.states.Subscribe(fn)
}

// Connect dials the server. It is a no-op when already connected.
// A rejected credential returns sdk.ErrAuth; a timeout or dial failure
// returns sdk.ErrNetwork.
func (s *Session) Connect(ctx context.Context, cred Credential) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	if s.stopLoop != nil {
		s.stopLoop()
		s.stopLoop = nil
	}
	s.cred = cred
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	s.mu.Unlock()
	s.states.Publish(StateChange{State: StateConnecting})

	conn, err := s.dial(ctx, cred)
	if err != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.state = StateDisconnected
		}
		s.mu.Unlock()
		s.states.Publish(StateChange{State: StateDisconnected, Err: err})
		log.CtxWarn(ctx, "session connect failed: user_id=%s, err=%v", cred.UserId, err)
		return err
	}

	if !s.attach(conn, gen, false) {
		_ = conn.Close()
		return fmt.Errorf("%w: session closed while connecting", sdk.ErrNetwork)
	}
	log.CtxInfo(ctx, "session connected: user_id=%s, platform_id=%d", cred.UserId, cred.PlatformId)
	return nil
}

// Disconnect closes the connection, stops reconnection, forgets joined
// rooms and clears every registered handler. Safe to call repeatedly.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.stopLoop != nil {
		s.stopLoop()
		s.stopLoop = nil
	}
	conn := s.conn
	s.conn = nil
	s.gen++
	wasDown := s.state == StateDisconnected
	s.state = StateDisconnected
	s.rooms = make(map[string]struct{})
	for _, hub := range s.handlers {
		hub.Reset()
	}
	s.handlers = make(map[string]*notify.Hub[Event])
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if !wasDown {
		s.states.Publish(StateChange{State: StateDisconnected})
	}
	s.states.Reset()
	return nil
}

// Send writes one request frame
func (s *Session) Send(ctx context.Context, reqIdentifier int32, payload interface{}) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("%w: not connected", sdk.ErrConnectionLost)
	}
	return s.write(ctx, conn, reqIdentifier, payload)
}

// Join subscribes to a conversation room. Rooms survive reconnection.
func (s *Session) Join(ctx context.Context, conversationId string) error {
	s.mu.Lock()
	s.rooms[conversationId] = struct{}{}
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return nil
	}
	return s.write(ctx, conn, protocol.WSJoinConversation, &protocol.ConversationReq{ConversationId: conversationId})
}

// Leave unsubscribes from a conversation room
func (s *Session) Leave(ctx context.Context, conversationId string) error {
	s.mu.Lock()
	delete(s.rooms, conversationId)
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return nil
	}
	return s.write(ctx, conn, protocol.WSLeaveConversation, &protocol.ConversationReq{ConversationId: conversationId})
}

// Rooms returns the joined conversation ids
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	return rooms
}

func (s *Session) write(ctx context.Context, conn Conn, reqIdentifier int32, payload interface{}) error {
	req, err := protocol.NewRequest(reqIdentifier, strconv.FormatUint(s.msgIncr.Add(1), 10), uuid.NewString(), payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	req.SendId = s.cred.UserId
	s.mu.Unlock()

	data, err := protocol.Encode(req)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(data); err != nil {
		log.CtxDebug(ctx, "session write failed: req_identifier=%d, err=%v", reqIdentifier, err)
		return fmt.Errorf("%w: %w", sdk.ErrNetwork, err)
	}
	return nil
}

func (s *Session) dial(ctx context.Context, cred Credential) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url: %w", sdk.ErrValidation, err)
	}
	q := u.Query()
	q.Set(protocol.QueryToken, cred.Token)
	q.Set(protocol.QuerySendId, cred.UserId)
	q.Set(protocol.QueryPlatformId, strconv.Itoa(cred.PlatformId))
	q.Set(protocol.QuerySDKType, protocol.SDKTypeGo)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.Token)

	conn, err := s.dialer.Dial(ctx, u.String(), header)
	if err == nil {
		return conn, nil
	}
	if errors.Is(err, sdk.ErrAuth) || errors.Is(err, sdk.ErrNetwork) {
		return nil, err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: connect timed out after %s", sdk.ErrNetwork, s.cfg.ConnectTimeout)
	}
	return nil, fmt.Errorf("%w: %w", sdk.ErrNetwork, err)
}

// attach installs conn as the live connection for generation gen,
// re-joins rooms, announces presence and starts the read loop
func (s *Session) attach(conn Conn, gen uint64, resumed bool) bool {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	s.conn = conn
	rooms := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	s.mu.Unlock()

	ctx := context.Background()
	for _, id := range rooms {
		if err := s.write(ctx, conn, protocol.WSJoinConversation, &protocol.ConversationReq{ConversationId: id}); err != nil {
			log.Warn("session rejoin failed: conversation_id=%s, err=%v", id, err)
		}
	}
	if err := s.write(ctx, conn, protocol.WSPresence, &protocol.PresenceReq{Online: true}); err != nil {
		log.Warn("session presence announce failed: %v", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	s.state = StateConnected
	s.mu.Unlock()

	go s.readLoop(conn, gen)
	s.states.Publish(StateChange{State: StateConnected, Resumed: resumed})
	return true
}

// readLoop is the single dispatch goroutine for one connection
func (s *Session) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.handleDrop(conn, gen, err)
			return
		}
		s.dispatch(data)
	}
}

func (s *Session) dispatch(data []byte) {
	var resp protocol.WSResponse
	if err := protocol.Decode(data, &resp); err != nil {
		log.Warn("session dropped undecodable frame: err=%v", err)
		return
	}

	switch resp.ReqIdentifier {
	case protocol.WSPushEvent:
		s.mu.Lock()
		hub := s.handlers[resp.Event]
		s.mu.Unlock()
		if hub == nil {
			log.Debug("session event without handler: event=%s", resp.Event)
			return
		}
		hub.Publish(Event{Name: resp.Event, Data: resp.Data})
	case protocol.WSKickOnlineMsg:
		log.Warn("session kicked by server")
		s.kick()
	default:
		if resp.ErrCode != 0 {
			log.Warn("session request rejected: req_identifier=%d, code=%d, msg=%s", resp.ReqIdentifier, resp.ErrCode, resp.ErrMsg)
		}
	}
}

// kick drops the connection without reconnecting; the credential is no longer valid
func (s *Session) kick() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.gen++
	s.state = StateDisconnected
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.states.Publish(StateChange{State: StateDisconnected, Err: fmt.Errorf("%w: signed in elsewhere", sdk.ErrAuth)})
}

func (s *Session) handleDrop(conn Conn, gen uint64, cause error) {
	_ = conn.Close()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen = s.gen
	s.conn = nil
	s.state = StateReconnecting
	ctx, cancel := context.WithCancel(context.Background())
	s.stopLoop = cancel
	cred := s.cred
	s.mu.Unlock()

	log.Warn("session dropped, reconnecting: user_id=%s, err=%v", cred.UserId, cause)
	s.states.Publish(StateChange{State: StateReconnecting, Err: cause})
	go s.reconnect(ctx, cred, gen)
}

func (s *Session) reconnect(ctx context.Context, cred Credential, gen uint64) {
	delay := s.cfg.ReconnectDelay
	var lastErr error

	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, err := s.dial(ctx, cred)
		if err == nil {
			if s.attach(conn, gen, true) {
				log.Info("session reconnected: user_id=%s, attempt=%d", cred.UserId, attempt)
			} else {
				_ = conn.Close()
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		log.Warn("session reconnect attempt failed: attempt=%d/%d, err=%v", attempt, s.cfg.MaxReconnectAttempts, err)
		if errors.Is(err, sdk.ErrAuth) {
			break
		}

		delay *= 2
		if delay > s.cfg.MaxReconnectDelay {
			delay = s.cfg.MaxReconnectDelay
		}
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	s.stopLoop = nil
	s.mu.Unlock()

	err := lastErr
	if !errors.Is(err, sdk.ErrAuth) {
		err = fmt.Errorf("%w: gave up after %d attempts: %w", sdk.ErrConnectionLost, s.cfg.MaxReconnectAttempts, lastErr)
	}
	s.states.Publish(StateChange{State: StateDisconnected, Err: err})
}
