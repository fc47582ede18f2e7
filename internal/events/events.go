// Package events publishes event lifecycle notifications to other services.
package events

import (
	"context"
	"time"
)

// Subjects
const (
	TopicEventCreated  = "eventbot.event.created"
	TopicEventRetired  = "eventbot.event.retired"
	TopicEventNotified = "eventbot.event.notified"
)

type EventCreated struct {
	EventID   int64     `json:"event_id"`
	ServerID  string    `json:"server_id"`
	Slug      string    `json:"slug,omitempty"`
	CreatedBy string    `json:"created_by"`
	At        time.Time `json:"at"`
}

type EventRetired struct {
	EventID              int64     `json:"event_id"`
	ServerID             string    `json:"server_id"`
	RetiredBy            string    `json:"retired_by"`
	RemovedSubscriptions int64     `json:"removed_subscriptions"`
	At                   time.Time `json:"at"`
}

type EventNotified struct {
	EventID    int64     `json:"event_id"`
	ServerID   string    `json:"server_id"`
	SentBy     string    `json:"sent_by"`
	FanOut     []int64   `json:"fan_out"` // event id plus active parents
	Recipients int       `json:"recipients"`
	Delivered  int       `json:"delivered"`
	At         time.Time `json:"at"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
