package gateway

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mbeoliero/kit/log"
	"golang.org/x/time/rate"

	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/protocol"
)

// Client represents a connected WebSocket client
type Client struct {
	mu         sync.Mutex
	conn       ClientConn
	UserId     string
	PlatformId int
	SDKType    string
	Token      string
	ConnId     string
	server     *WsServer
	limiter    *rate.Limiter
	closed     atomic.Bool
	closedErr  error
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewClient creates a new client
func NewClient(conn ClientConn, userId string, platformId int, sdkType, token, connId string, server *WsServer) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:       conn,
		UserId:     userId,
		PlatformId: platformId,
		SDKType:    sdkType,
		Token:      token,
		ConnId:     connId,
		server:     server,
		limiter:    server.newFrameLimiter(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// readLoop continuously reads messages from the connection
func (c *Client) readLoop() {
	var reason error
	defer func() {
		if r := recover(); r != nil {
			reason = ErrReadLoopPanic
			log.CtxError(c.ctx, "client read loop panic: user_id=%s, error=%v", c.UserId, r)
		}
		c.close(reason)
	}()

	for {
		message, err := c.conn.ReadMessage()
		if err != nil {
			log.CtxDebug(c.ctx, "read message error: user_id=%s, error=%v", c.UserId, err)
			reason = err
			return
		}

		if c.closed.Load() {
			reason = ErrConnClosed
			return
		}

		if err := c.handleMessage(message); err != nil {
			log.CtxWarn(c.ctx, "handle message error: user_id=%s, error=%v", c.UserId, err)
			reason = err
			return
		}
	}
}

// handleMessage handles a single incoming frame. Only write failures are returned.
func (c *Client) handleMessage(message []byte) error {
	var req protocol.WSRequest
	if err := protocol.Decode(message, &req); err != nil {
		return c.replyError(&req, errcode.ErrInvalidProtocol)
	}

	if !c.limiter.Allow() {
		c.server.metrics.rateLimited.Inc()
		return c.replyError(&req, errcode.ErrTooManyRequests)
	}

	// Validate sender Id matches authenticated user
	if req.SendId != "" && req.SendId != c.UserId {
		return c.replyError(&req, errcode.ErrTokenMismatch)
	}

	log.CtxDebug(c.ctx, "received message: req_identifier=%d, user_id=%s", req.ReqIdentifier, c.UserId)

	var resp interface{}
	var err error

	switch req.ReqIdentifier {
	case protocol.WSJoinConversation:
		resp, err = c.server.handleJoin(c.ctx, c, &req)
	case protocol.WSLeaveConversation:
		resp, err = c.server.handleLeave(c.ctx, c, &req)
	case protocol.WSTyping:
		resp, err = c.server.handleTyping(c.ctx, c, &req)
	case protocol.WSPresence:
		resp, err = c.server.handlePresence(c.ctx, c, &req)
	case protocol.WSHeartbeat:
		resp, err = c.server.handleHeartbeat(c.ctx, c, &req)
	default:
		return c.replyError(&req, errcode.ErrInvalidProtocol)
	}

	if err != nil {
		return c.replyError(&req, err)
	}
	return c.reply(&req, resp)
}

// reply sends a successful response to the client
func (c *Client) reply(req *protocol.WSRequest, v interface{}) error {
	resp := &protocol.WSResponse{
		ReqIdentifier: req.ReqIdentifier,
		MsgIncr:       req.MsgIncr,
		OperationId:   req.OperationId,
	}
	if v != nil {
		data, err := protocol.Encode(v)
		if err != nil {
			return c.replyError(req, errcode.ErrInternalServer.Wrap(err))
		}
		resp.Data = data
	}
	return c.writeResponse(resp)
}

// replyError sends an error response
func (c *Client) replyError(req *protocol.WSRequest, err error) error {
	e := errcode.From(err)
	resp := &protocol.WSResponse{
		ReqIdentifier: req.ReqIdentifier,
		MsgIncr:       req.MsgIncr,
		OperationId:   req.OperationId,
		ErrCode:       e.Code,
		ErrMsg:        e.Msg,
	}
	return c.writeResponse(resp)
}

// writeResponse writes a response to the connection
func (c *Client) writeResponse(resp *protocol.WSResponse) error {
	data, err := protocol.Encode(resp)
	if err != nil {
		return err
	}
	return c.writeFrame(data)
}

func (c *Client) writeFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrConnClosed
	}
	return c.conn.WriteMessage(data)
}

// PushFrame queues an already encoded push frame
func (c *Client) PushFrame(frame []byte) error {
	return c.writeFrame(frame)
}

// KickOnline tells the client its token was replaced, then closes the connection
func (c *Client) KickOnline() error {
	e := errcode.ErrTokenInvalid.WithMsg("token replaced by a newer login")
	if err := c.writeResponse(&protocol.WSResponse{
		ReqIdentifier: protocol.WSKickOnlineMsg,
		ErrCode:       e.Code,
		ErrMsg:        e.Msg,
	}); err != nil {
		log.CtxDebug(c.ctx, "write kick frame failed: user_id=%s, error=%v", c.UserId, err)
	}
	return c.closeWith(ErrKicked)
}

// Close closes the client connection
func (c *Client) Close() error {
	return c.closeWith(ErrConnClosed)
}

func (c *Client) closeWith(reason error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closedErr == nil {
		c.closedErr = reason
	}
	if c.closed.Load() {
		return nil
	}

	c.closed.Store(true)
	c.cancel()
	return c.conn.Close()
}

// CloseReason returns why the connection stopped, or nil while it is open
func (c *Client) CloseReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedErr
}

// close handles cleanup when the read loop ends
func (c *Client) close(reason error) {
	_ = c.closeWith(reason)
	log.CtxDebug(context.Background(), "client closed: user_id=%s, conn_id=%s, reason=%v", c.UserId, c.ConnId, c.CloseReason())
	c.server.UnregisterClient(c)
}

// IsClosed returns whether the client is closed
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}
