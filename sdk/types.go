package sdk

import (
	"encoding/json"
	"io"

	"github.com/mbeoliero/chatsync/pkg/protocol"
)

// Response represents the standard API response
type Response struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RegisterRequest represents user registration request
type RegisterRequest struct {
	UserId   string `json:"user_id"`
	Nickname string `json:"nickname"`
	Password string `json:"password"`
	Avatar   string `json:"avatar,omitempty"`
}

// LoginRequest represents user login request
type LoginRequest struct {
	UserId     string `json:"user_id"`
	Password   string `json:"password"`
	PlatformId int    `json:"platform_id"`
}

// LoginResponse represents user login response
type LoginResponse struct {
	Token    string             `json:"token"`
	UserInfo *protocol.UserData `json:"user_info"`
}

// UpdateUserRequest represents user update request
type UpdateUserRequest struct {
	Nickname string `json:"nickname,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// BatchUsersRequest requests several users at once
type BatchUsersRequest struct {
	UserIds []string `json:"user_ids"`
}

// CreateDirectRequest asks for the direct conversation with a user
type CreateDirectRequest struct {
	UserId string `json:"user_id"`
}

// CreateGroupRequest represents group conversation creation
type CreateGroupRequest struct {
	Name      string   `json:"name"`
	MemberIds []string `json:"member_ids"`
}

// MarkReadRequest acknowledges messages; an empty list means all
type MarkReadRequest struct {
	MessageIds []string `json:"message_ids,omitempty"`
}

// MarkReadResponse is the server's view after a read ack
type MarkReadResponse struct {
	ReadSeq    int64    `json:"read_seq"`
	MessageIds []string `json:"message_ids"`
}

// EditMessageRequest replaces message content
type EditMessageRequest struct {
	Content string `json:"content"`
}

// ReactionRequest sets the caller's reaction
type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

// Upload is one file sent with a message
type Upload struct {
	Name   string
	Mime   string
	Size   int64
	Reader io.Reader
}

// SendMessageRequest is encoded as multipart form data
type SendMessageRequest struct {
	ClientMsgId string
	Type        protocol.MessageType
	Content     string
	ReplyTo     string
	Duration    float64 // Voice length in seconds
	Files       []Upload
}
