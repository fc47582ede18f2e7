// Package services – EventService
//
// This file implements EventService, the owner of every event rule: who may
// create, read, subscribe to, update, retire and notify on an event, and how
// parent links and the "all events" subscription behave.
//
// Every operation takes a domain.InvocationScope. Inside a server the scope
// restricts the caller to that server's events. From a direct message the
// caller sees events of servers they belong to, and details only for events
// they would be alerted for.
//
// Observability: public methods are OpenTelemetry-instrumented with the
// event key, scope and caller as span attributes.
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-event-bot/internal/codec"
	"github.com/tbourn/go-event-bot/internal/delivery"
	"github.com/tbourn/go-event-bot/internal/domain"
	"github.com/tbourn/go-event-bot/internal/events"
	"github.com/tbourn/go-event-bot/internal/gateway"
	"github.com/tbourn/go-event-bot/internal/repo"
)

// Placeholder labels.
const (
	AllEventsLabel = "All events"
	UnknownUser    = "Unknown user"
	UnknownServer  = "Unknown server"
)

// NotifyPolicy decides where notify may be invoked from.
type NotifyPolicy string

const (
	// NotifyHomeServer allows notify only inside the event's own server.
	NotifyHomeServer NotifyPolicy = "home-server"
	// NotifyMember also allows direct messages from members of that server.
	NotifyMember NotifyPolicy = "member"
)

// ParseNotifyPolicy maps a config value to a policy, defaulting to
// NotifyHomeServer.
func ParseNotifyPolicy(s string) (NotifyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(NotifyHomeServer):
		return NotifyHomeServer, nil
	case string(NotifyMember):
		return NotifyMember, nil
	}
	return "", fmt.Errorf("unknown notify policy %q", s)
}

// Caller identifies who invoked an operation.
type Caller struct {
	ID   string
	Name string
	Bot  bool
}

// DirectMessenger sends private messages.
type DirectMessenger interface {
	SendDirectMessage(ctx context.Context, userID, text string) error
}

// EventView is an event with its description decoded.
type EventView struct {
	ID            int64
	Description   string
	URL           string
	ServerID      string
	ServerName    string // set for direct-message callers only
	Slug          string
	EventDateTime *time.Time
	RetireDate    *time.Time
}

// IsAllEvents reports whether the view stands for the "all events"
// subscription.
func (v EventView) IsAllEvents() bool { return v.ID == domain.AllEventsID }

var allEventsView = EventView{ID: domain.AllEventsID, Description: AllEventsLabel}

// NotificationView is one history entry with its sender resolved.
type NotificationView struct {
	Sender    string
	At        time.Time
	Message   string
	ChannelID string
	MessageID string
}

// EventDetail is the full picture returned by Detail.
type EventDetail struct {
	Event         EventView
	Retired       bool
	Parents       []EventView
	Children      []EventView
	Subscribers   []string
	Notifications []NotificationView
}

// NotifyRequest carries the arguments of a notify invocation. ChannelID and
// MessageID point at the invoking message.
type NotifyRequest struct {
	Key       string
	Message   string
	ChannelID string
	MessageID string
}

// NotifyResult reports a notify fan-out.
type NotifyResult struct {
	Event      EventView
	FanOut     []int64
	Recipients int
	Delivered  int
}

// IntegrationUpsert holds the positional arguments of botsub. "", "-" and
// "null" all mean "not provided".
type IntegrationUpsert struct {
	ServerID    string
	EventKey    string
	ParentID    string
	URL         string
	Expiry      string
	UserID      string
	Description string
}

// EventService coordinates the event store, the gateway directory and
// notification delivery.
type EventService struct {
	DB        *gorm.DB
	Directory gateway.Directory
	Messenger DirectMessenger
	Retrier   *delivery.Retrier
	Events    events.Publisher

	NotifyPolicy NotifyPolicy
	// TrustedBots are user ids allowed to call integration commands without
	// being flagged as bots by the transport.
	TrustedBots map[string]bool
	Now         func() time.Time
}

// NewEventService constructs an EventService with the home-server notify
// policy and a UTC wall clock.
func NewEventService(db *gorm.DB, dir gateway.Directory, msg DirectMessenger, r *delivery.Retrier, pub events.Publisher) *EventService {
	if pub == nil {
		pub = &events.NoopPublisher{}
	}
	return &EventService{
		DB:           db,
		Directory:    dir,
		Messenger:    msg,
		Retrier:      r,
		Events:       pub,
		NotifyPolicy: NotifyHomeServer,
		TrustedBots:  map[string]bool{},
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

var eventTracer = otel.Tracer("services/EventService")

func startSpan(ctx context.Context, name string, scope domain.InvocationScope, userID, key string) (context.Context, trace.Span) {
	return eventTracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("scope", scope.String()),
			attribute.String("user.id", userID),
			attribute.String("event.key", key),
		),
	)
}

// Create stores a new event for the caller's server.
func (s *EventService) Create(ctx context.Context, scope domain.InvocationScope, caller Caller, description string) (EventView, error) {
	ctx, span := startSpan(ctx, "Create", scope, caller.ID, "")
	defer span.End()

	if scope.IsDirect() {
		return EventView{}, reject(ErrDirectMessage, "Sorry, can't add an event from a DM. Who would be able to notify you?")
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return EventView{}, reject(ErrEmptyDescription, "Sorry, can't add an empty event!")
	}

	ev := &domain.Event{
		Description: codec.Encode(description),
		ServerID:    scope.ServerID(),
		CreatedAt:   s.now(),
	}
	if err := repo.CreateEvent(ctx, s.DB, ev); err != nil {
		return EventView{}, err
	}
	span.SetAttributes(attribute.Int64("event.id", ev.ID))
	s.publish(ctx, events.TopicEventCreated, events.EventCreated{
		EventID: ev.ID, ServerID: ev.ServerID, CreatedBy: caller.ID, At: ev.CreatedAt,
	})
	return s.view(ev), nil
}

// SetAnnouncement records the message carrying the subscribe reaction.
func (s *EventService) SetAnnouncement(ctx context.Context, eventID int64, messageID string) error {
	return repo.SetSourceMessage(ctx, s.DB, eventID, messageID)
}

// Lookup resolves key as a numeric id, or as a launch slug when it is not an
// integer. It applies no scope rules.
func (s *EventService) Lookup(ctx context.Context, key string) (*domain.Event, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, reject(ErrEventNotFound, "Sorry, I don't know which event you mean. Please provide an event ID # or slug.")
	}
	var (
		ev  *domain.Event
		err error
	)
	if id, perr := strconv.ParseInt(key, 10, 64); perr == nil {
		if id <= domain.AllEventsID {
			return nil, notFound(key)
		}
		ev, err = repo.GetEvent(ctx, s.DB, id)
	} else {
		ev, err = repo.GetEventBySlug(ctx, s.DB, key)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// ListActive returns the active events visible to the caller ordered by
// (event time, id).
func (s *EventService) ListActive(ctx context.Context, scope domain.InvocationScope, callerID string) ([]EventView, error) {
	ctx, span := startSpan(ctx, "ListActive", scope, callerID, "")
	defer span.End()

	list, err := repo.ListActiveEvents(ctx, s.DB, scope.ServerID(), s.now())
	if err != nil {
		return nil, err
	}
	vis := s.visibility(scope, callerID)
	out := make([]EventView, 0, len(list))
	for i := range list {
		ok, err := vis.sees(ctx, list[i].ServerID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, s.scopedView(ctx, scope, vis, &list[i]))
		}
	}
	span.SetAttributes(attribute.Int("events.count", len(out)))
	return out, nil
}

// Detail returns the event with its links, subscribers and notification
// history. Retired events can still be inspected.
func (s *EventService) Detail(ctx context.Context, scope domain.InvocationScope, callerID, key string) (*EventDetail, error) {
	ctx, span := startSpan(ctx, "Detail", scope, callerID, key)
	defer span.End()

	ev, err := s.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if scope.IsDirect() {
		ok, err := s.followsEvent(ctx, callerID, ev)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, reject(ErrNotSubscribed, "Sorry! I can only show event details in a private DM channel for events you are already subscribed to.")
		}
	} else if !scope.Contains(ev.ServerID) {
		return nil, notFound(key)
	}

	now := s.now()
	vis := s.visibility(scope, callerID)
	out := &EventDetail{
		Event:   s.scopedView(ctx, scope, vis, ev),
		Retired: !ev.ActiveAt(now),
	}

	parentIDs, err := repo.ListParentIDs(ctx, s.DB, ev.ID)
	if err != nil {
		return nil, err
	}
	if out.Parents, err = s.activeLinked(ctx, scope, vis, parentIDs, now); err != nil {
		return nil, err
	}
	childIDs, err := repo.ListChildIDs(ctx, s.DB, ev.ID)
	if err != nil {
		return nil, err
	}
	if out.Children, err = s.activeLinked(ctx, scope, vis, childIDs, now); err != nil {
		return nil, err
	}

	subIDs, err := repo.ListSubscriberIDs(ctx, s.DB, []int64{ev.ID})
	if err != nil {
		return nil, err
	}
	names := newNameCache(s)
	out.Subscribers = make([]string, 0, len(subIDs))
	for _, id := range subIDs {
		out.Subscribers = append(out.Subscribers, names.user(ctx, id))
	}
	sort.Strings(out.Subscribers)

	history, err := repo.ListNotifications(ctx, s.DB, ev.ID)
	if err != nil {
		return nil, err
	}
	out.Notifications = make([]NotificationView, 0, len(history))
	for _, n := range history {
		out.Notifications = append(out.Notifications, NotificationView{
			Sender:    names.user(ctx, n.UserID),
			At:        n.NotifyDateTime,
			Message:   codec.Decode(n.Message),
			ChannelID: n.ChannelID,
			MessageID: n.MessageID,
		})
	}
	return out, nil
}

// Subscribe subscribes the caller to the event named by key, or to every
// event when key is "all". Subscribing twice is a no-op.
func (s *EventService) Subscribe(ctx context.Context, scope domain.InvocationScope, callerID, key string) (EventView, error) {
	ctx, span := startSpan(ctx, "Subscribe", scope, callerID, key)
	defer span.End()

	if IsAllKey(key) {
		if err := repo.Subscribe(ctx, s.DB, domain.AllEventsID, callerID); err != nil {
			return EventView{}, err
		}
		return allEventsView, nil
	}

	ev, err := s.Lookup(ctx, key)
	if err != nil {
		return EventView{}, err
	}
	vis := s.visibility(scope, callerID)
	if ok, err := vis.sees(ctx, ev.ServerID); err != nil {
		return EventView{}, err
	} else if !ok {
		return EventView{}, notFound(key)
	}
	if !ev.ActiveAt(s.now()) {
		return EventView{}, retired(ev)
	}
	if err := repo.Subscribe(ctx, s.DB, ev.ID, callerID); err != nil {
		return EventView{}, err
	}
	return s.scopedView(ctx, scope, vis, ev), nil
}

// Unsubscribe removes the caller's subscription to one event. From a direct
// message the caller must hold the subscription for the event to be found.
// Removing a subscription that does not exist is a no-op.
func (s *EventService) Unsubscribe(ctx context.Context, scope domain.InvocationScope, callerID, key string) (EventView, error) {
	ctx, span := startSpan(ctx, "Unsubscribe", scope, callerID, key)
	defer span.End()

	ev, err := s.Lookup(ctx, key)
	if err != nil {
		return EventView{}, err
	}
	if scope.IsDirect() {
		ok, err := repo.HasSubscription(ctx, s.DB, ev.ID, callerID)
		if err != nil {
			return EventView{}, err
		}
		if !ok {
			return EventView{}, notFound(key)
		}
	} else if !scope.Contains(ev.ServerID) {
		return EventView{}, notFound(key)
	}
	if !ev.ActiveAt(s.now()) {
		return EventView{}, retired(ev)
	}
	if _, err := repo.Unsubscribe(ctx, s.DB, ev.ID, callerID); err != nil {
		return EventView{}, err
	}
	return s.scopedView(ctx, scope, s.visibility(scope, callerID), ev), nil
}

// UnsubscribeAll removes the caller's subscriptions and returns what was
// removed, the "all events" entry first. Inside a server only that server's
// events (plus the "all events" entry) are removed; from a direct message
// everything goes.
func (s *EventService) UnsubscribeAll(ctx context.Context, scope domain.InvocationScope, callerID string) ([]EventView, error) {
	ctx, span := startSpan(ctx, "UnsubscribeAll", scope, callerID, "all")
	defer span.End()

	removed, ids, err := s.subscribedViews(ctx, scope, callerID)
	if err != nil {
		return nil, err
	}
	if scope.IsDirect() {
		subs, err := repo.ListUserSubscriptions(ctx, s.DB, callerID)
		if err != nil {
			return nil, err
		}
		ids = ids[:0]
		for _, sub := range subs {
			ids = append(ids, sub.EventID)
		}
	}
	n, err := repo.UnsubscribeMany(ctx, s.DB, callerID, ids)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("subscriptions.removed", n))
	return removed, nil
}

// MySubscriptions lists the caller's active subscriptions, the "all events"
// entry first.
func (s *EventService) MySubscriptions(ctx context.Context, scope domain.InvocationScope, callerID string) ([]EventView, error) {
	ctx, span := startSpan(ctx, "MySubscriptions", scope, callerID, "")
	defer span.End()

	views, _, err := s.subscribedViews(ctx, scope, callerID)
	return views, err
}

// subscribedViews returns the caller's active subscriptions within scope and
// the subscription event ids they came from.
func (s *EventService) subscribedViews(ctx context.Context, scope domain.InvocationScope, callerID string) ([]EventView, []int64, error) {
	subs, err := repo.ListUserSubscriptions(ctx, s.DB, callerID)
	if err != nil {
		return nil, nil, err
	}
	var (
		views    []EventView
		ids      []int64
		eventIDs []int64
	)
	for _, sub := range subs {
		if sub.EventID == domain.AllEventsID {
			views = append(views, allEventsView)
			ids = append(ids, domain.AllEventsID)
			continue
		}
		eventIDs = append(eventIDs, sub.EventID)
	}
	list, err := repo.ListActiveEventsByID(ctx, s.DB, eventIDs, s.now())
	if err != nil {
		return nil, nil, err
	}
	vis := s.visibility(scope, callerID)
	for i := range list {
		if !scope.IsDirect() && !scope.Contains(list[i].ServerID) {
			continue
		}
		views = append(views, s.scopedView(ctx, scope, vis, &list[i]))
		ids = append(ids, list[i].ID)
	}
	return views, ids, nil
}

// Retire stamps the event retired and drops its subscriptions. Only the
// event's own server may retire it, and retirement cannot be undone.
func (s *EventService) Retire(ctx context.Context, scope domain.InvocationScope, caller Caller, key string) (EventView, int64, error) {
	ctx, span := startSpan(ctx, "Retire", scope, caller.ID, key)
	defer span.End()

	if scope.IsDirect() {
		return EventView{}, 0, reject(ErrDirectMessage, "Sorry, events can only be retired from the server they were created on.")
	}
	ev, err := s.Lookup(ctx, key)
	if err != nil {
		return EventView{}, 0, err
	}
	if !scope.Contains(ev.ServerID) {
		return EventView{}, 0, notFound(key)
	}
	now := s.now()
	if !ev.ActiveAt(now) {
		return EventView{}, 0, retired(ev)
	}
	removed, err := repo.RetireEvent(ctx, s.DB, ev.ID, now)
	if errors.Is(err, repo.ErrNotFound) {
		return EventView{}, 0, retired(ev)
	}
	if err != nil {
		return EventView{}, 0, err
	}
	ev.RetireDate = &now
	span.SetAttributes(attribute.Int64("subscriptions.removed", removed))
	s.publish(ctx, events.TopicEventRetired, events.EventRetired{
		EventID: ev.ID, ServerID: ev.ServerID, RetiredBy: caller.ID, RemovedSubscriptions: removed, At: now,
	})
	return s.view(ev), removed, nil
}

// followsEvent reports whether userID would be alerted for ev: a direct
// subscription, or "all events" while a member of the event's server.
func (s *EventService) followsEvent(ctx context.Context, userID string, ev *domain.Event) (bool, error) {
	ok, err := repo.HasSubscription(ctx, s.DB, ev.ID, userID)
	if err != nil || ok {
		return ok, err
	}
	ok, err = repo.HasSubscription(ctx, s.DB, domain.AllEventsID, userID)
	if err != nil || !ok {
		return false, err
	}
	return s.Directory.IsMember(ctx, userID, ev.ServerID)
}

// Notify alerts everyone subscribed to the event or to one of its active
// direct parents, plus "all events" subscribers who belong to the event's
// server. One history row is written per call. A recipient that cannot be
// reached after retries is skipped.
func (s *EventService) Notify(ctx context.Context, scope domain.InvocationScope, caller Caller, req NotifyRequest) (*NotifyResult, error) {
	ctx, span := startSpan(ctx, "Notify", scope, caller.ID, req.Key)
	defer span.End()

	if scope.IsDirect() && s.NotifyPolicy != NotifyMember {
		return nil, reject(ErrDirectMessage, "Sorry, events can only be notified on from the server they were created on.")
	}
	ev, err := s.Lookup(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	if scope.IsDirect() {
		ok, err := s.Directory.IsMember(ctx, caller.ID, ev.ServerID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, reject(ErrNotAuthorized, "Sorry, you are not a member of the server this event originated on and may not notify on it.")
		}
	} else if !scope.Contains(ev.ServerID) {
		return nil, notFound(req.Key)
	}
	now := s.now()
	if !ev.ActiveAt(now) {
		return nil, retired(ev)
	}

	parentIDs, err := repo.ListParentIDs(ctx, s.DB, ev.ID)
	if err != nil {
		return nil, err
	}
	parents, err := repo.ListActiveEventsByID(ctx, s.DB, parentIDs, now)
	if err != nil {
		return nil, err
	}
	fanOut := []int64{ev.ID}
	for _, p := range parents {
		fanOut = append(fanOut, p.ID)
	}

	recipients, err := s.recipients(ctx, ev.ServerID, fanOut)
	if err != nil {
		return nil, err
	}

	message := strings.TrimSpace(req.Message)
	if err := repo.CreateNotification(ctx, s.DB, &domain.Notification{
		EventID:        ev.ID,
		UserID:         caller.ID,
		NotifyDateTime: now,
		Message:        codec.Encode(message),
		ChannelID:      req.ChannelID,
		MessageID:      req.MessageID,
	}); err != nil {
		return nil, err
	}

	sender := caller.Name
	if sender == "" {
		sender = newNameCache(s).user(ctx, caller.ID)
	}
	desc := codec.Decode(ev.Description)
	text := NotificationText(sender, desc, message)

	res := &NotifyResult{Event: s.view(ev), FanOut: fanOut, Recipients: len(recipients)}
	lg := zerolog.Ctx(ctx).With().Int64("event_id", ev.ID).Logger()
	// The history row is already written, so every recipient gets a try even
	// if the caller goes away mid fan-out.
	sendCtx := context.WithoutCancel(ctx)
	for _, userID := range recipients {
		ok := s.Retrier.BestEffort(lg.With().Str("recipient", userID).Logger().WithContext(sendCtx), "notify.dm",
			func(ctx context.Context) error {
				return s.Messenger.SendDirectMessage(ctx, userID, text)
			})
		if ok {
			res.Delivered++
		}
	}

	span.SetAttributes(
		attribute.Int("notify.recipients", res.Recipients),
		attribute.Int("notify.delivered", res.Delivered),
	)
	s.publish(sendCtx, events.TopicEventNotified, events.EventNotified{
		EventID: ev.ID, ServerID: ev.ServerID, SentBy: caller.ID, FanOut: fanOut,
		Recipients: res.Recipients, Delivered: res.Delivered, At: now,
	})
	return res, nil
}

// recipients returns the sorted, de-duplicated subscribers of fanOut plus the
// "all events" subscribers who are members of serverID.
func (s *EventService) recipients(ctx context.Context, serverID string, fanOut []int64) ([]string, error) {
	direct, err := repo.ListSubscriberIDs(ctx, s.DB, fanOut)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(direct))
	out := make([]string, 0, len(direct))
	for _, id := range direct {
		seen[id] = true
		out = append(out, id)
	}

	everything, err := repo.ListSubscriberIDs(ctx, s.DB, []int64{domain.AllEventsID})
	if err != nil {
		return nil, err
	}
	for _, id := range everything {
		if seen[id] {
			continue
		}
		ok, err := s.Directory.IsMember(ctx, id, serverID)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("user_id", id).Str("server_id", serverID).
				Msg("membership check failed, skipping all-events subscriber")
			continue
		}
		if ok {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// NotificationText is the direct message sent to each subscriber.
func NotificationText(sender, description, message string) string {
	text := fmt.Sprintf("%s is alerting that event **%s** is about to occur!", sender, description)
	if message != "" {
		text += "\n" + message
	}
	return text
}

// UpdateDescription replaces the description of an active event.
func (s *EventService) UpdateDescription(ctx context.Context, scope domain.InvocationScope, caller Caller, key, text string) (EventView, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return EventView{}, reject(ErrEmptyDescription, "Sorry, can't set an empty description!")
	}
	return s.update(ctx, "UpdateDescription", scope, caller, key, "description", codec.Encode(text))
}

// UpdateURL replaces the link of an active event.
func (s *EventService) UpdateURL(ctx context.Context, scope domain.InvocationScope, caller Caller, key, url string) (EventView, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return EventView{}, reject(ErrEmptyURL, "Sorry, can't set an empty URL!")
	}
	return s.update(ctx, "UpdateURL", scope, caller, key, "url", url)
}

func (s *EventService) update(ctx context.Context, op string, scope domain.InvocationScope, caller Caller, key, column, value string) (EventView, error) {
	ctx, span := startSpan(ctx, op, scope, caller.ID, key)
	defer span.End()

	ev, err := s.writable(ctx, scope, key)
	if err != nil {
		return EventView{}, err
	}
	if err := repo.UpdateEventFields(ctx, s.DB, ev.ID, map[string]any{column: value}); err != nil {
		return EventView{}, err
	}
	switch column {
	case "description":
		ev.Description = value
	case "url":
		ev.URL = value
	}
	return s.view(ev), nil
}

// writable resolves an event the caller may modify from scope: it must be
// invoked inside the event's server and the event must be active.
func (s *EventService) writable(ctx context.Context, scope domain.InvocationScope, key string) (*domain.Event, error) {
	if scope.IsDirect() {
		return nil, reject(ErrDirectMessage, "Sorry, events can only be updated from the server they were created on.")
	}
	ev, err := s.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if !scope.Contains(ev.ServerID) {
		return nil, notFound(key)
	}
	if !ev.ActiveAt(s.now()) {
		return nil, retired(ev)
	}
	return ev, nil
}

// LinkParent adds or removes a parent link. Adding requires the parent to
// exist, be active and share the event's server; removing is unconditional.
func (s *EventService) LinkParent(ctx context.Context, scope domain.InvocationScope, caller Caller, key, parentKey string, remove bool) (EventView, int64, error) {
	ctx, span := startSpan(ctx, "LinkParent", scope, caller.ID, key)
	defer span.End()
	span.SetAttributes(attribute.String("parent.key", parentKey), attribute.Bool("parent.remove", remove))

	ev, err := s.writable(ctx, scope, key)
	if err != nil {
		return EventView{}, 0, err
	}

	if remove {
		parentID, err := strconv.ParseInt(strings.TrimSpace(parentKey), 10, 64)
		if err != nil {
			p, lerr := s.Lookup(ctx, parentKey)
			if IsRejection(lerr) {
				return EventView{}, 0, parentNotFound(parentKey)
			}
			if lerr != nil {
				return EventView{}, 0, lerr
			}
			parentID = p.ID
		}
		if err := repo.UnlinkParent(ctx, s.DB, ev.ID, parentID); err != nil {
			return EventView{}, 0, err
		}
		return s.view(ev), parentID, nil
	}

	parent, err := s.linkableParent(ctx, ev, parentKey)
	if err != nil {
		return EventView{}, 0, err
	}
	if err := repo.LinkParent(ctx, s.DB, ev.ID, parent.ID); err != nil {
		return EventView{}, 0, err
	}
	return s.view(ev), parent.ID, nil
}

// linkableParent resolves parentKey into an active event on child's server
// other than child itself.
func (s *EventService) linkableParent(ctx context.Context, child *domain.Event, parentKey string) (*domain.Event, error) {
	parent, err := s.Lookup(ctx, parentKey)
	if IsRejection(err) {
		return nil, parentNotFound(parentKey)
	}
	if err != nil {
		return nil, err
	}
	if parent.ID == child.ID || parent.ServerID != child.ServerID || !parent.ActiveAt(s.now()) {
		return nil, parentNotFound(parentKey)
	}
	return parent, nil
}

// SubscribeFromReaction subscribes userID to the active event announced by
// messageID. It reports false when no such event exists.
func (s *EventService) SubscribeFromReaction(ctx context.Context, messageID, userID string) (int64, bool, error) {
	ev, err := repo.GetActiveEventBySourceMessage(ctx, s.DB, messageID, s.now())
	if errors.Is(err, repo.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return ev.ID, true, repo.Subscribe(ctx, s.DB, ev.ID, userID)
}

// UnsubscribeFromReaction is the inverse of SubscribeFromReaction.
func (s *EventService) UnsubscribeFromReaction(ctx context.Context, messageID, userID string) (int64, bool, error) {
	ev, err := repo.GetActiveEventBySourceMessage(ctx, s.DB, messageID, s.now())
	if errors.Is(err, repo.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	_, err = repo.Unsubscribe(ctx, s.DB, ev.ID, userID)
	return ev.ID, true, err
}

// IsAllKey reports whether key is the "all events" keyword.
func IsAllKey(key string) bool {
	return strings.EqualFold(strings.TrimSpace(key), "all")
}

func (s *EventService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

func (s *EventService) publish(ctx context.Context, topic string, payload any) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, topic, payload); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("topic", topic).Msg("lifecycle event not published")
	}
}

func (s *EventService) view(ev *domain.Event) EventView {
	return EventView{
		ID:            ev.ID,
		Description:   codec.Decode(ev.Description),
		URL:           ev.URL,
		ServerID:      ev.ServerID,
		Slug:          ev.Slug(),
		EventDateTime: ev.EventDateTime,
		RetireDate:    ev.RetireDate,
	}
}

// scopedView adds the server name for direct-message callers.
func (s *EventService) scopedView(ctx context.Context, scope domain.InvocationScope, vis *visibility, ev *domain.Event) EventView {
	v := s.view(ev)
	if scope.IsDirect() {
		v.ServerName = vis.serverName(ctx, ev.ServerID)
	}
	return v
}

func (s *EventService) activeLinked(ctx context.Context, scope domain.InvocationScope, vis *visibility, ids []int64, now time.Time) ([]EventView, error) {
	list, err := repo.ListActiveEventsByID(ctx, s.DB, ids, now)
	if err != nil {
		return nil, err
	}
	out := make([]EventView, 0, len(list))
	for i := range list {
		ok, err := vis.sees(ctx, list[i].ServerID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, s.scopedView(ctx, scope, vis, &list[i]))
		}
	}
	return out, nil
}

// visibility answers "may the caller see events of server X" for one call,
// caching membership and server names.
type visibility struct {
	svc      *EventService
	scope    domain.InvocationScope
	callerID string
	member   map[string]bool
	names    map[string]string
}

func (s *EventService) visibility(scope domain.InvocationScope, callerID string) *visibility {
	return &visibility{svc: s, scope: scope, callerID: callerID, member: map[string]bool{}, names: map[string]string{}}
}

func (v *visibility) sees(ctx context.Context, serverID string) (bool, error) {
	if !v.scope.IsDirect() {
		return v.scope.Contains(serverID), nil
	}
	if ok, cached := v.member[serverID]; cached {
		return ok, nil
	}
	ok, err := v.svc.Directory.IsMember(ctx, v.callerID, serverID)
	if err != nil {
		return false, err
	}
	v.member[serverID] = ok
	return ok, nil
}

func (v *visibility) serverName(ctx context.Context, serverID string) string {
	if name, ok := v.names[serverID]; ok {
		return name
	}
	l, err := v.svc.Directory.ResolveServerName(ctx, serverID)
	if err != nil || !l.Resolved {
		zerolog.Ctx(ctx).Warn().Err(err).Str("server_id", serverID).Msg("server unresolvable")
	}
	name := l.Or(UnknownServer)
	v.names[serverID] = name
	return name
}

// nameCache resolves user display names once per call, substituting
// UnknownUser for identities the gateway no longer knows.
type nameCache struct {
	svc   *EventService
	names map[string]string
}

func newNameCache(s *EventService) *nameCache {
	return &nameCache{svc: s, names: map[string]string{}}
}

func (c *nameCache) user(ctx context.Context, userID string) string {
	if name, ok := c.names[userID]; ok {
		return name
	}
	l, err := c.svc.Directory.ResolveUser(ctx, userID)
	if err != nil || !l.Resolved {
		zerolog.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Msg("user unresolvable")
	}
	name := l.Or(UnknownUser)
	c.names[userID] = name
	return name
}

func notFound(key string) error {
	return reject(ErrEventNotFound, "Sorry, event id %s does not exist...", strings.TrimSpace(key))
}

func retired(ev *domain.Event) error {
	return reject(ErrEventRetired, "Sorry, event %d, **%s** has already been retired.", ev.ID, codec.Decode(ev.Description))
}

func parentNotFound(key string) error {
	return reject(ErrParentNotFound, "Parent event %s not found or already retired.", strings.TrimSpace(key))
}
