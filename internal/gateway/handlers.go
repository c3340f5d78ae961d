package gateway

import (
	"context"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/protocol"
)

// ========== Frame Handlers ==========

func decodeConversation(req *protocol.WSRequest) (string, error) {
	var convReq protocol.ConversationReq
	if err := protocol.Decode(req.Data, &convReq); err != nil || convReq.ConversationId == "" {
		return "", errcode.ErrInvalidParam
	}
	return convReq.ConversationId, nil
}

func (s *WsServer) checkAccess(ctx context.Context, userId, conversationId string) error {
	ok, err := s.directory.CanAccess(ctx, userId, conversationId)
	if err != nil {
		log.CtxError(ctx, "check conversation access failed: user_id=%s, conversation_id=%s, error=%v", userId, conversationId, err)
		return errcode.ErrInternalServer
	}
	if !ok {
		return errcode.ErrNoPermission
	}
	return nil
}

// handleJoin subscribes the connection to a conversation room
func (s *WsServer) handleJoin(ctx context.Context, client *Client, req *protocol.WSRequest) (interface{}, error) {
	convId, err := decodeConversation(req)
	if err != nil {
		return nil, err
	}
	if err := s.checkAccess(ctx, client.UserId, convId); err != nil {
		return nil, err
	}
	s.rooms.Join(convId, client)
	log.CtxDebug(ctx, "joined room: user_id=%s, conn_id=%s, conversation_id=%s", client.UserId, client.ConnId, convId)
	return nil, nil
}

func (s *WsServer) handleLeave(ctx context.Context, client *Client, req *protocol.WSRequest) (interface{}, error) {
	convId, err := decodeConversation(req)
	if err != nil {
		return nil, err
	}
	s.rooms.Leave(convId, client)
	log.CtxDebug(ctx, "left room: user_id=%s, conn_id=%s, conversation_id=%s", client.UserId, client.ConnId, convId)
	return nil, nil
}

// handleTyping relays a typing change to the other users in the room
func (s *WsServer) handleTyping(ctx context.Context, client *Client, req *protocol.WSRequest) (interface{}, error) {
	var typingReq protocol.TypingReq
	if err := protocol.Decode(req.Data, &typingReq); err != nil || typingReq.ConversationId == "" {
		return nil, errcode.ErrInvalidParam
	}
	if !s.rooms.Joined(typingReq.ConversationId, client) {
		if err := s.checkAccess(ctx, client.UserId, typingReq.ConversationId); err != nil {
			return nil, err
		}
	}
	s.relayTyping(typingReq.ConversationId, client.UserId, typingReq.Typing)
	return nil, nil
}

func (s *WsServer) relayTyping(conversationId, userId string, typing bool) {
	frame, err := encodePush(protocol.EventUserTyping, &protocol.TypingData{
		ConversationId: conversationId,
		UserId:         userId,
		Typing:         typing,
	})
	if err != nil {
		log.Warn("encode typing failed: %v", err)
		return
	}
	for _, member := range s.rooms.Members(conversationId) {
		if member.UserId == userId {
			continue
		}
		if err := member.PushFrame(frame); err != nil {
			log.Debug("relay typing failed: conn_id=%s, error=%v", member.ConnId, err)
			continue
		}
		s.metrics.pushed.WithLabelValues(protocol.EventUserTyping).Inc()
	}
}

// handlePresence handles the announcement a client sends right after connecting
func (s *WsServer) handlePresence(ctx context.Context, client *Client, req *protocol.WSRequest) (interface{}, error) {
	presenceReq := protocol.PresenceReq{Online: true}
	if len(req.Data) > 0 {
		if err := protocol.Decode(req.Data, &presenceReq); err != nil {
			return nil, errcode.ErrInvalidParam
		}
	}

	if presenceReq.Online {
		if err := s.presence.RefreshOnline(ctx, client.UserId); err != nil {
			log.CtxWarn(ctx, "refresh online failed: user_id=%s, error=%v", client.UserId, err)
		}
		s.broadcastStatus(ctx, client.UserId, true, 0)
	} else {
		s.broadcastStatus(ctx, client.UserId, false, 0)
	}
	return &protocol.UserStatusData{UserId: client.UserId, Online: presenceReq.Online}, nil
}

func (s *WsServer) handleHeartbeat(ctx context.Context, client *Client, _ *protocol.WSRequest) (interface{}, error) {
	if err := s.presence.RefreshOnline(ctx, client.UserId); err != nil {
		log.CtxWarn(ctx, "refresh online failed: user_id=%s, error=%v", client.UserId, err)
	}
	return nil, nil
}
