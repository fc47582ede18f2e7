package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/go-event-bot/internal/services"
)

const timeLayout = "2006-01-02 15:04 UTC"

func (e *Engine) create(ctx context.Context, inv Invocation) (response, error) {
	v, err := e.Events.Create(ctx, inv.Scope(), inv.Caller(), inv.rest(0))
	if err != nil {
		return response{}, err
	}
	text := fmt.Sprintf("New event created!\n**%s**\nID # %d\n\nYou can subscribe to this event by clicking the %s or using the command %ssub %d",
		v.Description, v.ID, e.SubscribeEmoji, e.Prefix, v.ID)
	return response{
		text: text,
		after: func(ctx context.Context, replyID string) error {
			if err := e.Events.SetAnnouncement(ctx, v.ID, replyID); err != nil {
				return fmt.Errorf("store announcement: %w", err)
			}
			e.Retrier.BestEffort(ctx, "reaction", func(ctx context.Context) error {
				return e.Messenger.AddReaction(ctx, inv.ChannelID, replyID, e.SubscribeEmoji)
			})
			return nil
		},
	}, nil
}

func (e *Engine) list(ctx context.Context, inv Invocation) (response, error) {
	views, err := e.Events.ListActive(ctx, inv.Scope(), inv.User.ID)
	if err != nil {
		return response{}, err
	}
	if len(views) == 0 {
		return response{text: "There are no active events."}, nil
	}
	var sb strings.Builder
	sb.WriteString("Active events:")
	for _, v := range views {
		fmt.Fprintf(&sb, "\nID %d, **%s**%s", v.ID, v.Description, onServer(v))
	}
	return response{text: sb.String()}, nil
}

func (e *Engine) detail(ctx context.Context, inv Invocation) (response, error) {
	d, err := e.Events.Detail(ctx, inv.Scope(), inv.User.ID, inv.arg(0))
	if err != nil {
		return response{}, err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Event #%d, %s%s", d.Event.ID, d.Event.Description, onServer(d.Event))
	if d.Retired && d.Event.RetireDate != nil {
		fmt.Fprintf(&sb, " (retired on %s)", d.Event.RetireDate.UTC().Format(timeLayout))
	}
	if d.Event.Slug != "" {
		fmt.Fprintf(&sb, "\nSlug: %s", d.Event.Slug)
	}
	if d.Event.EventDateTime != nil {
		fmt.Fprintf(&sb, "\nWhen: %s", d.Event.EventDateTime.UTC().Format(timeLayout))
	}
	if d.Event.URL != "" {
		fmt.Fprintf(&sb, "\n%s", d.Event.URL)
	}
	writeLinked(&sb, "Parent events:", d.Parents)
	writeLinked(&sb, "Child events:", d.Children)

	sb.WriteString("\n\nSubscribed users:\n")
	if len(d.Subscribers) == 0 {
		sb.WriteString("\n*no subscribers yet*")
	}
	for _, name := range d.Subscribers {
		sb.WriteString("\n" + name)
	}

	if len(d.Notifications) > 0 {
		sb.WriteString("\n\nNotifications:")
		for _, n := range d.Notifications {
			fmt.Fprintf(&sb, "\n%s %s", n.At.UTC().Format(timeLayout), n.Sender)
			if n.Message != "" {
				sb.WriteString(": " + n.Message)
			}
		}
	}
	return response{text: sb.String()}, nil
}

func writeLinked(sb *strings.Builder, title string, views []services.EventView) {
	if len(views) == 0 {
		return
	}
	sb.WriteString("\n\n" + title)
	for _, v := range views {
		fmt.Fprintf(sb, "\nID %d, **%s**%s", v.ID, v.Description, onServer(v))
	}
}

func (e *Engine) mySubs(ctx context.Context, inv Invocation) (response, error) {
	views, err := e.Events.MySubscriptions(ctx, inv.Scope(), inv.User.ID)
	if err != nil {
		return response{}, err
	}
	name := inv.User.Name
	if name == "" {
		name = inv.User.ID
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Subscriptions for user %s:", name)
	if len(views) == 0 {
		sb.WriteString("\n*no subscriptions*")
	}
	for _, v := range views {
		if v.IsAllEvents() {
			sb.WriteString("\n" + services.AllEventsLabel)
			continue
		}
		fmt.Fprintf(&sb, "\nID # %d, %s%s", v.ID, v.Description, onServer(v))
	}
	return response{text: sb.String()}, nil
}

func (e *Engine) subscribe(ctx context.Context, inv Invocation) (response, error) {
	key := inv.arg(0)
	if key == "" {
		return response{}, usage("Sorry, I don't know what you are trying to subscribe to without you telling me...")
	}
	v, err := e.Events.Subscribe(ctx, inv.Scope(), inv.User.ID, key)
	if err != nil {
		return response{}, err
	}
	if v.IsAllEvents() {
		return response{text: "Subscribed to all events!"}, nil
	}
	return response{text: fmt.Sprintf("Subscribed to event %d, **%s**%s!", v.ID, v.Description, onServer(v))}, nil
}

func (e *Engine) unsubscribe(ctx context.Context, inv Invocation) (response, error) {
	key := inv.arg(0)
	if key == "" {
		return response{}, usage("Sorry, I don't know what you are trying to unsubscribe from without you telling me...")
	}
	if services.IsAllKey(key) {
		removed, err := e.Events.UnsubscribeAll(ctx, inv.Scope(), inv.User.ID)
		if err != nil {
			return response{}, err
		}
		if len(removed) == 0 {
			return response{text: "You have no subscriptions to remove."}, nil
		}
		var sb strings.Builder
		sb.WriteString("You have unsubscribed from the following events:")
		for _, v := range removed {
			fmt.Fprintf(&sb, "\n**%s**%s", v.Description, onServer(v))
		}
		return response{text: sb.String()}, nil
	}
	v, err := e.Events.Unsubscribe(ctx, inv.Scope(), inv.User.ID, key)
	if err != nil {
		return response{}, err
	}
	return response{text: fmt.Sprintf("Unsubscribed from event %d, **%s**%s!", v.ID, v.Description, onServer(v))}, nil
}

func (e *Engine) retire(ctx context.Context, inv Invocation) (response, error) {
	v, removed, err := e.Events.Retire(ctx, inv.Scope(), inv.Caller(), inv.arg(0))
	if err != nil {
		return response{}, err
	}
	text := fmt.Sprintf("Event %d, **%s** retired!", v.ID, v.Description)
	if removed > 0 {
		text += fmt.Sprintf("\n%d subscription(s) removed.", removed)
	}
	return response{text: text}, nil
}

func (e *Engine) notify(ctx context.Context, inv Invocation) (response, error) {
	res, err := e.Events.Notify(ctx, inv.Scope(), inv.Caller(), services.NotifyRequest{
		Key:       inv.arg(0),
		Message:   inv.rest(1),
		ChannelID: inv.ChannelID,
		MessageID: inv.MessageID,
	})
	if err != nil {
		return response{}, err
	}
	notifyRecipients.Observe(float64(res.Recipients))
	text := fmt.Sprintf("Notified subscribers for event %d, **%s**!", res.Event.ID, res.Event.Description)
	if res.Delivered < res.Recipients {
		text += fmt.Sprintf("\n%d of %d subscribers could not be reached.", res.Recipients-res.Delivered, res.Recipients)
	}
	return response{text: text}, nil
}

func (e *Engine) update(ctx context.Context, inv Invocation) (response, error) {
	scope, caller, key := inv.Scope(), inv.Caller(), inv.arg(1)
	switch strings.ToLower(inv.arg(0)) {
	case "desc", "description":
		v, err := e.Events.UpdateDescription(ctx, scope, caller, key, inv.rest(2))
		if err != nil {
			return response{}, err
		}
		return response{text: fmt.Sprintf("Updated event %d, description is now **%s**.", v.ID, v.Description)}, nil
	case "url":
		v, err := e.Events.UpdateURL(ctx, scope, caller, key, inv.arg(2))
		if err != nil {
			return response{}, err
		}
		return response{text: fmt.Sprintf("Updated event %d, **%s** url to %s", v.ID, v.Description, v.URL)}, nil
	case "parent":
		parentKey := inv.arg(2)
		if parentKey == "" {
			return response{}, usage("Sorry, which parent event? Usage: `%supdate parent [#] [parent #] [remove]`", e.Prefix)
		}
		remove := strings.EqualFold(inv.arg(3), "remove")
		v, parentID, err := e.Events.LinkParent(ctx, scope, caller, key, parentKey, remove)
		if err != nil {
			return response{}, err
		}
		if remove {
			return response{text: fmt.Sprintf("Event %d, **%s** is no longer a child of event %d.", v.ID, v.Description, parentID)}, nil
		}
		return response{text: fmt.Sprintf("Event %d, **%s** is now a child of event %d.", v.ID, v.Description, parentID)}, nil
	}
	return response{}, usage("Sorry, I can only update `desc`, `url` or `parent`. Usage: `%supdate desc|url|parent [#] [value]`", e.Prefix)
}

func (e *Engine) topic(ctx context.Context, inv Invocation) (response, error) {
	scope, channelID := inv.Scope(), inv.ChannelID
	switch strings.ToLower(inv.arg(0)) {
	case "add":
		t, err := e.Topics.Add(ctx, scope, channelID, inv.rest(1))
		if err != nil {
			return response{}, err
		}
		return response{text: fmt.Sprintf("Added topic **%s**.", t.Name)}, nil
	case "remove", "rm":
		name := inv.rest(1)
		if err := e.Topics.Remove(ctx, scope, channelID, name); err != nil {
			return response{}, err
		}
		return response{text: fmt.Sprintf("Removed topic **%s**.", name)}, nil
	case "list", "ls":
		topics, err := e.Topics.List(ctx, scope, channelID)
		if err != nil {
			return response{}, err
		}
		if len(topics) == 0 {
			return response{text: fmt.Sprintf("There are no topics yet. Add one with `%stopic add [name]`.", e.Prefix)}, nil
		}
		var sb strings.Builder
		sb.WriteString("Topics:")
		for _, t := range topics {
			fmt.Fprintf(&sb, "\n**%s** (used %d times", t.Name, t.UseCount)
			if t.UseCount > 0 {
				fmt.Fprintf(&sb, ", last %s", ago(t.LastUsedAt, time.Now()))
			}
			sb.WriteString(")")
		}
		return response{text: sb.String()}, nil
	case "spin":
		t, err := e.Topics.Spin(ctx, scope, channelID, inv.User.ID)
		if err != nil {
			return response{}, err
		}
		return response{text: fmt.Sprintf("🎲 The topic is: **%s**", t.Name)}, nil
	}
	return response{}, usage("Usage: `%stopic add|remove|list|spin [name]`", e.Prefix)
}

func (e *Engine) botSub(ctx context.Context, inv Invocation) (response, error) {
	id, err := e.Events.UpsertFromIntegration(ctx, inv.Caller(), services.IntegrationUpsert{
		ServerID:    inv.arg(0),
		EventKey:    inv.arg(1),
		ParentID:    inv.arg(2),
		URL:         inv.arg(3),
		Expiry:      inv.arg(4),
		UserID:      inv.arg(5),
		Description: inv.rest(6),
	})
	if err != nil {
		return response{}, err
	}
	return response{text: strconv.FormatInt(id, 10)}, nil
}

func (e *Engine) botUnsub(ctx context.Context, inv Invocation) (response, error) {
	id, err := e.Events.UnsubscribeFromIntegration(ctx, inv.Caller(), inv.arg(0), inv.arg(1), inv.arg(2))
	if err != nil {
		return response{}, err
	}
	return response{text: strconv.FormatInt(id, 10)}, nil
}

// onServer names the event's server for direct-message callers.
func onServer(v services.EventView) string {
	if v.ServerName == "" {
		return ""
	}
	return " on " + v.ServerName
}

// ago renders a coarse age such as "3 days ago".
func ago(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Hour:
		return "just now"
	case d < 24*time.Hour:
		return fmt.Sprintf("%d hours ago", int(d.Hours()))
	case d < 48*time.Hour:
		return "yesterday"
	}
	return fmt.Sprintf("%d days ago", int(d.Hours()/24))
}
