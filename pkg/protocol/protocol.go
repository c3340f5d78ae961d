package protocol

import (
	"encoding/json"
	"fmt"
)

// WSRequest represents a WebSocket request message
type WSRequest struct {
	ReqIdentifier int32           `json:"req_identifier"` // Request type
	MsgIncr       string          `json:"msg_incr"`       // Client message counter/trace Id
	OperationId   string          `json:"operation_id"`   // Operation Id
	SendId        string          `json:"send_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"` // Business data
}

// WSResponse represents a WebSocket response or server push
type WSResponse struct {
	ReqIdentifier int32           `json:"req_identifier"`  // Request type (echo back)
	Event         string          `json:"event,omitempty"` // Set on WSPushEvent
	MsgIncr       string          `json:"msg_incr,omitempty"`
	OperationId   string          `json:"operation_id,omitempty"`
	ErrCode       int             `json:"err_code"` // Error code, 0 = success
	ErrMsg        string          `json:"err_msg,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// ConversationReq is the payload of join/leave requests
type ConversationReq struct {
	ConversationId string `json:"conversation_id"`
}

// TypingReq is the payload of WSTyping
type TypingReq struct {
	ConversationId string `json:"conversation_id"`
	Typing         bool   `json:"typing"`
}

// PresenceReq is the payload of WSPresence
type PresenceReq struct {
	Online bool `json:"online"`
}

// TypingData is pushed as EventUserTyping
type TypingData struct {
	ConversationId string `json:"conversation_id"`
	UserId         string `json:"user_id"`
	Typing         bool   `json:"typing"`
}

// ReactionEntry is one user's reaction on a message
type ReactionEntry struct {
	UserId string `json:"user_id"`
	Emoji  string `json:"emoji"`
}

// ReactionData is pushed as EventReactionUpdated and returned by the reaction endpoints.
// Reactions is the full, authoritative set for the message after the change.
type ReactionData struct {
	MessageId      string          `json:"message_id"`
	ConversationId string          `json:"conversation_id"`
	UserId         string          `json:"user_id"`
	Emoji          string          `json:"emoji,omitempty"`
	Removed        bool            `json:"removed"`
	Reactions      []ReactionEntry `json:"reactions"`
	UpdatedAt      int64           `json:"updated_at"`
}

// ReadData is pushed as EventMessagesRead
type ReadData struct {
	ConversationId string   `json:"conversation_id"`
	ReaderId       string   `json:"reader_id"`
	MessageIds     []string `json:"message_ids,omitempty"`
	ReadSeq        int64    `json:"read_seq"`
	ReadAt         int64    `json:"read_at"`
}

// DeliveredData is pushed to a sender as EventMessagesDelivered
type DeliveredData struct {
	ConversationId string   `json:"conversation_id"`
	MessageIds     []string `json:"message_ids"`
	DeliveredAt    int64    `json:"delivered_at"`
}

// UserStatusData is pushed as EventUserStatusUpdate
type UserStatusData struct {
	UserId   string `json:"user_id"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"last_seen,omitempty"`
}

// MessageErrorData is pushed as EventMessageError
type MessageErrorData struct {
	ConversationId string `json:"conversation_id,omitempty"`
	ClientMsgId    string `json:"client_msg_id,omitempty"`
	Code           int    `json:"code"`
	Msg            string `json:"msg"`
}

// Encode encodes data to JSON bytes
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to struct
func Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// NewPush builds a WSPushEvent frame for the given event
func NewPush(event string, v interface{}) (*WSResponse, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return &WSResponse{
		ReqIdentifier: WSPushEvent,
		Event:         event,
		Data:          data,
	}, nil
}

// NewRequest builds a request frame with an encoded payload
func NewRequest(reqIdentifier int32, msgIncr, operationId string, v interface{}) (*WSRequest, error) {
	req := &WSRequest{
		ReqIdentifier: reqIdentifier,
		MsgIncr:       msgIncr,
		OperationId:   operationId,
	}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode request %d: %w", reqIdentifier, err)
		}
		req.Data = data
	}
	return req, nil
}
