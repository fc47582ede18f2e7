// Package handlers implements the webhook endpoints the chat bridge calls.
//
// This file defines the shared response helpers. Every error is an
// ErrorResponse with a stable code; 5xx errors are logged with the
// request-scoped logger.
//
// Example error response:
//
//	HTTP/1.1 500 Internal Server Error
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "command_failed",
//	  "message": "command failed"
//	}
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-event-bot/internal/http/middleware"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// RequestID echoes X-Request-ID so bridge logs can be matched with ours.
	RequestID string `json:"request_id,omitempty"`
	// Code is a stable, machine-readable string (see errors.go).
	Code    string `json:"code"`
	Message string `json:"message"`
}

// fail aborts the request with an ErrorResponse and logs 5xx errors.
func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: middleware.RequestIDFrom(c),
		Code:      code,
		Message:   msg,
	}

	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail, used by the router's fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

