package gateway

import (
	"context"
	"net/http"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/google/uuid"
	"github.com/hertz-contrib/websocket"
	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/pkg/protocol"
)

// HandleHertzConnection handles a WebSocket connection from Hertz using hertz-contrib/websocket
func (s *WsServer) HandleHertzConnection(ctx context.Context, c *app.RequestContext, upgrader *websocket.HertzUpgrader) {
	// Check connection limit
	if s.onlineConnNum.Load() >= s.maxConnNum {
		c.String(http.StatusServiceUnavailable, "connection limit exceeded")
		return
	}

	// Parse query parameters
	token := string(c.Query(protocol.QueryToken))
	sendId := string(c.Query(protocol.QuerySendId))
	platformIdStr := string(c.Query(protocol.QueryPlatformId))
	sdkType := string(c.Query(protocol.QuerySDKType))

	if token == "" || sendId == "" {
		c.String(http.StatusBadRequest, "missing required parameters")
		return
	}

	platformId := 0
	if platformIdStr != "" {
		var err error
		if platformId, err = strconv.Atoi(platformIdStr); err != nil {
			c.String(http.StatusBadRequest, "invalid platform_id")
			return
		}
	}

	claims, err := s.auth.ValidateTokenWithUser(ctx, token, sendId, platformId)
	if err != nil {
		log.CtxDebug(ctx, "token validation failed: send_id=%s, error=%v", sendId, err)
		c.String(http.StatusUnauthorized, "unauthorized")
		return
	}

	opts := ConnOptions{
		MaxMessageSize: s.cfg.MaxMessageSize,
		WriteWait:      s.cfg.WriteWait,
		PongWait:       s.cfg.PongWait,
		PingPeriod:     s.cfg.PingPeriod,
		WriteChanSize:  s.cfg.WriteChannelSize,
	}

	err = upgrader.Upgrade(c, func(conn *websocket.Conn) {
		connId := uuid.New().String()
		wsConn := NewHertzWebSocketClientConn(conn, opts)
		client := NewClient(wsConn, claims.UserId, claims.PlatformId, sdkType, token, connId, s)

		s.RegisterClient(client)

		// Blocks until the connection is closed
		client.readLoop()
	})

	if err != nil {
		log.CtxWarn(ctx, "websocket upgrade failed: %v", err)
		return
	}
}
