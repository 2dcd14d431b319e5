package chat

// Code identifies the kind of failure carried by an error frame.
type Code string

const (
	CodeUnauthenticated   Code = "UNAUTHENTICATED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeValidation        Code = "VALIDATION"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeReconnectRequired Code = "RECONNECT_REQUIRED"
	CodeInvalidState      Code = "INVALID_STATE"
	CodeSessionReplaced   Code = "SESSION_REPLACED"
	CodeSessionExpired    Code = "SESSION_EXPIRED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "CONFLICT"
	CodeUnavailable       Code = "UNAVAILABLE"
	CodeInternal          Code = "INTERNAL"
)

// Error is a protocol-level failure reported to the client in an error frame.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// NewError creates an Error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}
