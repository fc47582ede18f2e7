package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tbourn/go-event-bot/internal/codec"
	"github.com/tbourn/go-event-bot/internal/domain"
	"github.com/tbourn/go-event-bot/internal/events"
	"github.com/tbourn/go-event-bot/internal/repo"
)

// Integration callers get terse machine-readable rejections.
const (
	msgNotAuthorized  = "not authorized"
	msgMissingServer  = "server id required"
	msgEventNotFound  = "event not found"
	msgEventRetired   = "event retired"
	msgParentNotFound = "parent not found"
	msgDescription    = "description required"
	msgMissingUser    = "user id required"
	msgInvalidExpiry  = "invalid expiry"
)

// expiryLayouts are tried in order after the unix-seconds form.
var expiryLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseExpiry parses an integration timestamp: unix seconds, RFC 3339, or a
// UTC date with optional time.
func ParseExpiry(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	for _, layout := range expiryLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, reject(ErrInvalidDate, msgInvalidExpiry)
}

// provided normalizes an integration argument; "", "-" and "null" mean
// absent.
func provided(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "-", "null":
		return ""
	}
	return s
}

// authorizeIntegration admits bot accounts, trusted ids and users who can
// manage messages in serverID.
func (s *EventService) authorizeIntegration(ctx context.Context, caller Caller, serverID string) error {
	if serverID == "" {
		return reject(ErrNotAuthorized, msgMissingServer)
	}
	if caller.Bot || s.TrustedBots[caller.ID] {
		return nil
	}
	ok, err := s.Directory.CanManageMessages(ctx, caller.ID, serverID)
	if err != nil {
		return err
	}
	if !ok {
		return reject(ErrNotAuthorized, msgNotAuthorized)
	}
	return nil
}

// integrationEvent resolves key on serverID without producing user-facing
// wording. A miss returns (nil, nil).
func (s *EventService) integrationEvent(ctx context.Context, serverID, key string) (*domain.Event, error) {
	if key == "" {
		return nil, nil
	}
	ev, err := s.Lookup(ctx, key)
	if errors.Is(err, ErrEventNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ev.ServerID != serverID {
		return nil, reject(ErrEventNotFound, msgEventNotFound)
	}
	return ev, nil
}

// UpsertFromIntegration finds the event named by req.EventKey on
// req.ServerID, or creates it, applies the provided fields, and optionally
// links a parent and subscribes req.UserID. It returns the event id.
func (s *EventService) UpsertFromIntegration(ctx context.Context, caller Caller, req IntegrationUpsert) (int64, error) {
	req = IntegrationUpsert{
		ServerID:    provided(req.ServerID),
		EventKey:    provided(req.EventKey),
		ParentID:    provided(req.ParentID),
		URL:         provided(req.URL),
		Expiry:      provided(req.Expiry),
		UserID:      provided(req.UserID),
		Description: provided(req.Description),
	}
	ctx, span := startSpan(ctx, "UpsertFromIntegration", domain.ServerScope(req.ServerID), caller.ID, req.EventKey)
	defer span.End()

	if err := s.authorizeIntegration(ctx, caller, req.ServerID); err != nil {
		return 0, err
	}

	var expiry *time.Time
	if req.Expiry != "" {
		t, err := ParseExpiry(req.Expiry)
		if err != nil {
			return 0, err
		}
		expiry = &t
	}

	ev, err := s.integrationEvent(ctx, req.ServerID, req.EventKey)
	if err != nil {
		return 0, err
	}
	now := s.now()
	if ev != nil && !ev.ActiveAt(now) {
		return 0, reject(ErrEventRetired, msgEventRetired)
	}

	var parent *domain.Event
	if req.ParentID != "" && req.ParentID != "0" {
		parent, err = s.Lookup(ctx, req.ParentID)
		if IsRejection(err) {
			return 0, reject(ErrParentNotFound, msgParentNotFound)
		}
		if err != nil {
			return 0, err
		}
		if parent.ServerID != req.ServerID || !parent.ActiveAt(now) || (ev != nil && parent.ID == ev.ID) {
			return 0, reject(ErrParentNotFound, msgParentNotFound)
		}
	}

	if ev == nil {
		if req.Description == "" {
			return 0, reject(ErrEmptyDescription, msgDescription)
		}
		ev = &domain.Event{
			Description:   codec.Encode(req.Description),
			ServerID:      req.ServerID,
			URL:           req.URL,
			EventDateTime: expiry,
			RetireDate:    expiry,
			CreatedAt:     now,
		}
		if _, perr := strconv.ParseInt(req.EventKey, 10, 64); req.EventKey != "" && perr != nil {
			slug := req.EventKey
			ev.LaunchSlug = &slug
		}
		if err := repo.CreateEvent(ctx, s.DB, ev); err != nil {
			return 0, err
		}
		s.publish(ctx, events.TopicEventCreated, events.EventCreated{
			EventID: ev.ID, ServerID: ev.ServerID, Slug: ev.Slug(), CreatedBy: caller.ID, At: now,
		})
	} else {
		fields := map[string]any{}
		if req.Description != "" {
			fields["description"] = codec.Encode(req.Description)
		}
		if req.URL != "" {
			fields["url"] = req.URL
		}
		if expiry != nil {
			fields["event_date_time"] = *expiry
			fields["retire_date"] = *expiry
		}
		if err := repo.UpdateEventFields(ctx, s.DB, ev.ID, fields); err != nil {
			return 0, err
		}
	}
	span.SetAttributes(attribute.Int64("event.id", ev.ID))

	if parent != nil {
		if err := repo.LinkParent(ctx, s.DB, ev.ID, parent.ID); err != nil {
			return 0, err
		}
	}
	if req.UserID != "" {
		if err := repo.Subscribe(ctx, s.DB, ev.ID, req.UserID); err != nil {
			return 0, err
		}
	}
	return ev.ID, nil
}

// UnsubscribeFromIntegration removes userID's subscription to the event named
// by key on serverID ("all" targets the all-events subscription) and returns
// the event id.
func (s *EventService) UnsubscribeFromIntegration(ctx context.Context, caller Caller, serverID, key, userID string) (int64, error) {
	serverID, key, userID = provided(serverID), provided(key), provided(userID)
	ctx, span := startSpan(ctx, "UnsubscribeFromIntegration", domain.ServerScope(serverID), caller.ID, key)
	defer span.End()

	if err := s.authorizeIntegration(ctx, caller, serverID); err != nil {
		return 0, err
	}
	if userID == "" {
		return 0, reject(ErrMissingUser, msgMissingUser)
	}
	if IsAllKey(key) {
		_, err := repo.Unsubscribe(ctx, s.DB, domain.AllEventsID, userID)
		return domain.AllEventsID, err
	}
	ev, err := s.integrationEvent(ctx, serverID, key)
	if err != nil {
		return 0, err
	}
	if ev == nil {
		return 0, reject(ErrEventNotFound, msgEventNotFound)
	}
	if _, err := repo.Unsubscribe(ctx, s.DB, ev.ID, userID); err != nil {
		return 0, err
	}
	return ev.ID, nil
}
