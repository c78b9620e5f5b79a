package models

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeBuildServiceDown   = "BUILD_SERVICE_UNAVAILABLE"
	ErrCodeNoActiveBuild      = "NO_ACTIVE_BUILD"
	ErrCodeWorkflowRunning    = "WORKFLOW_RUNNING"
	ErrCodeBuildActive        = "BUILD_ACTIVE"
	ErrCodeCredentialsLocked  = "CREDENTIALS_LOCKED"
	ErrCodeStatusPollExceeded = "STATUS_POLL_EXCEEDED"
)

// NewError builds an ErrorResponse
func NewError(code, message string) ErrorResponse {
	return ErrorResponse{Error: message, Code: code}
}
