// Package handlers defines HTTP-layer error codes used across all webhook
// endpoints.
//
// Codes are lowercase snake_case. Generic codes mirror HTTP status semantics;
// command_failed is reserved for a command that faulted after the webhook was
// accepted. Clients (the chat bridge) branch on the code, not the message.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "bad_request",
//	  "message": "invalid command payload"
//	}
package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeInternal     = "internal_error"

	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeCommandFailed = "command_failed"
)
