// Package services holds the event and topic rules of the bot.
// This file centralizes the service-level error values.
//
// Errors come in two kinds. A rejection means a business rule said no: it is
// a *RuleError carrying the explanation to show the user, it unwraps to one
// of the sentinels below, and it is never logged as an error. Anything else
// returned by a service is a fault.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrDirectMessage is returned when a server-only operation is invoked
	// from a private message.
	ErrDirectMessage = errors.New("not allowed in direct messages")

	// ErrEmptyDescription is returned when an event text is blank.
	ErrEmptyDescription = errors.New("description is empty")

	// ErrEmptyURL is returned when an update carries a blank URL.
	ErrEmptyURL = errors.New("url is empty")

	// ErrEventNotFound covers unknown ids or slugs and events outside the
	// caller's visibility.
	ErrEventNotFound = errors.New("event not found")

	// ErrEventRetired is returned for any write aimed at a retired event.
	ErrEventRetired = errors.New("event already retired")

	// ErrParentNotFound is returned when a parent link target is unknown,
	// retired, or on another server.
	ErrParentNotFound = errors.New("parent event not found")

	// ErrNotSubscribed is returned when the caller holds no matching
	// subscription.
	ErrNotSubscribed = errors.New("not subscribed")

	// ErrNotAuthorized is returned when the caller lacks rights over a server.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrMissingUser is returned by integration calls without a user id.
	ErrMissingUser = errors.New("user id is required")

	// ErrInvalidDate is returned when a timestamp argument does not parse.
	ErrInvalidDate = errors.New("invalid date")

	// Topic errors.
	ErrEmptyTopic    = errors.New("topic name is empty")
	ErrTopicExists   = errors.New("topic already exists")
	ErrTopicNotFound = errors.New("topic not found")
	ErrNoTopics      = errors.New("no topics")
)

// RuleError is a rejection: the operation was refused by a business rule.
// Message is the user-facing explanation.
type RuleError struct {
	Err     error
	Message string
}

func (e *RuleError) Error() string { return e.Message }

func (e *RuleError) Unwrap() error { return e.Err }

func reject(sentinel error, format string, args ...any) error {
	return &RuleError{Err: sentinel, Message: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is a business-rule refusal rather than a
// fault.
func IsRejection(err error) bool {
	var re *RuleError
	return errors.As(err, &re)
}

// Explain returns the user-facing message of a rejection, or "" for faults
// and nil.
func Explain(err error) string {
	var re *RuleError
	if errors.As(err, &re) {
		return re.Message
	}
	return ""
}
