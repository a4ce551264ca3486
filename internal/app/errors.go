package app

import "fmt"

// Error codes surfaced to clients. Conflict codes (POST_CLOSED, ALREADY_*)
// are user-facing no-ops, not faults; UNAVAILABLE is the only retryable one.
const (
	codeValidation    = "VALIDATION_ERROR"
	codeNotFound      = "NOT_FOUND"
	codeForumNotFound = "FORUM_NOT_FOUND"
	codeForumInactive = "FORUM_INACTIVE"
	codeForbidden     = "FORBIDDEN"
	codePostClosed    = "POST_CLOSED"
	codeAlreadyVoted  = "ALREADY_VOTED"
	codeAlreadyClosed = "ALREADY_CLOSED"
	codeAlreadyOpen   = "ALREADY_OPEN"
	codeUnavailable   = "UNAVAILABLE"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
