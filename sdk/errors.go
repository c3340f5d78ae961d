package sdk

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the client library. Operations wrap them as
// fmt.Errorf("%w: %w", kind, cause) so both errors.Is on the kind and
// errors.As on *Error keep working.
var (
	ErrAuth           = errors.New("auth error")
	ErrNetwork        = errors.New("network error")
	ErrConnectionLost = errors.New("connection lost")
	ErrFetch          = errors.New("fetch failed")
	ErrSendFailed     = errors.New("send failed")
	ErrValidation     = errors.New("validation error")
	ErrNotFound       = errors.New("not found")
	ErrStale          = errors.New("stale response")
)

// Error represents an API error
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("code: %d, msg: %s", e.Code, e.Msg)
}

// Is lets errors.Is(err, ErrAuth) match credential rejections from the API
func (e *Error) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.IsAuth()
	case ErrValidation:
		return e.Code == CodeInvalidParam || e.Code == CodeInvalidContent || e.Code == CodeAttachmentTooLarge
	case ErrNotFound:
		return e.Code == CodeNotFound || e.Code == CodeMessageNotFound || e.Code == CodeConvNotFound || e.Code == CodeUserNotFound
	}
	return false
}

// IsAuth reports whether the code means a bad or expired credential
func (e *Error) IsAuth() bool {
	switch e.Code {
	case CodeUnauthorized, CodeTokenInvalid, CodeTokenExpired, CodeTokenMissing, CodeTokenMismatch:
		return true
	}
	return false
}

// NewError creates a new error
func NewError(code int, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// IsAuthError reports whether err is a credential rejection
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuth)
}

// Common error codes
const (
	CodeSuccess = 0

	// Common errors (1xxx)
	CodeInvalidParam    = 1001
	CodeInternalServer  = 1002
	CodeUnauthorized    = 1003
	CodeForbidden       = 1004
	CodeNotFound        = 1005
	CodeTooManyRequests = 1006
	CodeNoPermission    = 1007

	// Auth errors (2xxx)
	CodeTokenInvalid  = 2001
	CodeTokenExpired  = 2002
	CodeTokenMissing  = 2003
	CodeTokenMismatch = 2004
	CodeLoginFailed   = 2005
	CodeUserNotFound  = 2006
	CodeUserExists    = 2007
	CodePasswordWrong = 2008

	// Group errors (3xxx)
	CodeGroupNotFound  = 3001
	CodeNotGroupMember = 3003

	// Message errors (4xxx)
	CodeMessageNotFound    = 4001
	CodeConvNotFound       = 4003
	CodeSendFailed         = 4005
	CodePullFailed         = 4006
	CodeMessageDeleted     = 4007
	CodeNotMessageOwner    = 4008
	CodeInvalidContent     = 4009
	CodeAttachmentTooLarge = 4010
	CodeReactionInvalid    = 4011

	// WebSocket errors (5xxx)
	CodeConnOverLimit   = 5001
	CodeInvalidProtocol = 5003
)

// Predefined errors
var (
	ErrUnauthorized = NewError(CodeUnauthorized, "unauthorized")
	ErrTokenInvalid = NewError(CodeTokenInvalid, "token invalid")
	ErrUserNotFound = NewError(CodeUserNotFound, "user not found")
)
