// Package domain defines the persistence models for events, subscriptions,
// notifications and topics. These types are mapped with GORM and form the
// core data layer of the event bot.
package domain

import (
	"time"
)

// AllEventsID is the reserved subscription event id meaning "subscribed to
// every event". No Event row ever carries this id.
const AllEventsID int64 = 0

// Event is a community-announced happening that members can subscribe to
// and organizers can notify on.
//
// Fields:
//   - ID: store-assigned integer primary key, immutable.
//   - Description: codec-encoded free text (see package codec).
//   - ServerID: originating community; immutable once set.
//   - URL: optional link, mutable.
//   - EventDateTime: optional scheduled time, used for list ordering.
//   - RetireDate: nil while active; once in the past the event is retired.
//   - LaunchSlug: optional unique alias usable instead of the id.
//   - SourceMessageID: the announcement message carrying the subscribe reaction.
type Event struct {
	ID              int64      `json:"id"                          gorm:"primaryKey;autoIncrement"`
	Description     string     `json:"description"                 gorm:"type:text;not null"`
	ServerID        string     `json:"server_id"                   gorm:"type:varchar(64);not null;index:idx_events_server"`
	URL             string     `json:"url,omitempty"               gorm:"type:text;not null;default:''"`
	EventDateTime   *time.Time `json:"event_date_time,omitempty"`
	RetireDate      *time.Time `json:"retire_date,omitempty"       gorm:"index"`
	LaunchSlug      *string    `json:"launch_slug,omitempty"       gorm:"type:varchar(128);uniqueIndex:ux_events_slug"`
	SourceMessageID *string    `json:"source_message_id,omitempty" gorm:"type:varchar(64);index:idx_events_source_msg"`
	CreatedAt       time.Time  `json:"created_at"`
}

// TableName returns the database table name for Event.
func (Event) TableName() string { return "events" }

// ActiveAt reports whether the event is still active at now: it has no
// retire date, or the retire date lies in the future.
func (e Event) ActiveAt(now time.Time) bool {
	return e.RetireDate == nil || e.RetireDate.After(now)
}

// Slug returns the launch slug or "" when none is set.
func (e Event) Slug() string {
	if e.LaunchSlug == nil {
		return ""
	}
	return *e.LaunchSlug
}

// Subscription links a user to an event. The (event_id, user_id) pair is
// unique; EventID may be AllEventsID.
type Subscription struct {
	EventID   int64     `json:"event_id"   gorm:"primaryKey;autoIncrement:false"`
	UserID    string    `json:"user_id"    gorm:"type:varchar(64);primaryKey;index:idx_subs_user"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for Subscription.
func (Subscription) TableName() string { return "subscriptions" }

// EventParent is a directed edge from a child event to one of its parents.
// Both ends belong to the same server at link time.
type EventParent struct {
	EventID   int64     `json:"event_id"  gorm:"primaryKey;autoIncrement:false"`
	ParentID  int64     `json:"parent_id" gorm:"primaryKey;autoIncrement:false;index:idx_parents_parent"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for EventParent.
func (EventParent) TableName() string { return "event_parents" }

// Notification is an append-only record of one notify invocation.
type Notification struct {
	ID             int64     `json:"id"               gorm:"primaryKey;autoIncrement"`
	EventID        int64     `json:"event_id"         gorm:"not null;index:idx_notifications_event,priority:1"`
	UserID         string    `json:"user_id"          gorm:"type:varchar(64);not null"`
	NotifyDateTime time.Time `json:"notify_date_time" gorm:"not null;index:idx_notifications_event,priority:2"`
	Message        string    `json:"message"          gorm:"type:text;not null;default:''"`
	ChannelID      string    `json:"channel_id"       gorm:"type:varchar(64);not null;default:''"`
	MessageID      string    `json:"message_id"       gorm:"type:varchar(64);not null;default:''"`
}

// TableName returns the database table name for Notification.
func (Notification) TableName() string { return "notifications" }
