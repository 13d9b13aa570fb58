package models

import "encoding/json"

// Error codes used in service responses.
const (
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeAuthFailed     = "auth_failed"
	ErrCodeNotFound       = "not_found"
	ErrCodeTimeout        = "timeout"
	ErrCodeSendFailed     = "send_failed"
	ErrCodeConnection     = "connection_error"
	ErrCodeCommandFailed  = "command_failed"
	ErrCodeInternal       = "internal_error"
)

// CommandRequest represents a request to the command service.
type CommandRequest struct {
	RequestID string          `json:"request_id"` // Correlation ID for tracing
	UserID    string          `json:"user_id"`
	Provider  string          `json:"provider"`
	Command   json.RawMessage `json:"command"`
	TimeoutMs int             `json:"timeout_ms,omitempty"`
}

// CommandResponse represents a settled command result.
type CommandResponse struct {
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`
	RequestID string          `json:"request_id"`
}

// ErrorInfo describes a failure in a service response.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse builds a failed CommandResponse.
func ErrorResponse(code, message, requestID string) CommandResponse {
	return CommandResponse{
		Success:   false,
		Error:     &ErrorInfo{Code: code, Message: message},
		RequestID: requestID,
	}
}
