package protocol

import "time"

// Request identifiers sent by clients
const (
	WSJoinConversation  = 1001 // Subscribe to a conversation room
	WSLeaveConversation = 1002 // Unsubscribe from a conversation room
	WSTyping            = 1003 // Typing start/stop
	WSPresence          = 1004 // One-time presence announcement after connect
	WSHeartbeat         = 1005 // Application level heartbeat

	// Response identifiers
	WSPushEvent     = 2001 // Server push, Event names the payload
	WSKickOnlineMsg = 2002 // Kick user offline
	WSDataError     = 3001 // Data error
)

// Realtime event names carried in WSResponse.Event
const (
	EventNewMessage        = "new_message"
	EventMessageUpdated    = "message_updated"
	EventMessageDeleted    = "message_deleted"
	EventUserTyping        = "user_typing"
	EventReactionUpdated   = "reaction_updated"
	EventMessagesRead      = "messages_read"
	EventMessagesDelivered = "messages_delivered"
	EventUserStatusUpdate  = "user_status_update"
	EventMessageError      = "message_error"
)

// Handshake query parameter keys
const (
	QueryToken      = "token"
	QuerySendId     = "send_id"
	QueryPlatformId = "platform_id"
	QuerySDKType    = "sdk_type"
)

// SDK types
const (
	SDKTypeGo = "go"
	SDKTypeJS = "js"
)

// Connection timing shared by both ends of the socket
const (
	WriteWait      = 10 * time.Second
	PongWait       = 30 * time.Second
	PingPeriod     = (PongWait * 9) / 10
	MaxMessageSize = 51200
)
