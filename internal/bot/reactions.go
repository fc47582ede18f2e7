package bot

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-event-bot/internal/services"
)

// Reaction actions.
const (
	ReactionAdd    = "add"
	ReactionRemove = "remove"
)

// Reaction results, as reported by Handle and in eventbot_reactions_total.
const (
	ReactionIgnored      = "ignored"
	ReactionUntracked    = "untracked"
	ReactionSubscribed   = "subscribed"
	ReactionUnsubscribed = "unsubscribed"
	ReactionFailed       = "failed"
)

// Reaction is a reaction-added or reaction-removed event from the bridge.
type Reaction struct {
	Action    string `json:"action"     binding:"required,oneof=add remove"`
	MessageID string `json:"message_id" binding:"required"`
	UserID    string `json:"user_id"    binding:"required"`
	Emoji     string `json:"emoji"      binding:"required"`
	ServerID  string `json:"server_id"`
	ChannelID string `json:"channel_id"`
}

// ReactionSync keeps subscriptions in step with the subscribe emoji on event
// announcements.
type ReactionSync struct {
	Events *services.EventService
	// BotUserID is the bot's own account; its reactions are ignored.
	BotUserID string
	Emoji     string
}

// NewReactionSync returns a ReactionSync watching DefaultEmoji.
func NewReactionSync(ev *services.EventService, botUserID string) *ReactionSync {
	return &ReactionSync{Events: ev, BotUserID: botUserID, Emoji: DefaultEmoji}
}

// Handle applies one reaction and reports what happened. Failures are logged
// and reported as ReactionFailed; they are never returned to the transport.
func (s *ReactionSync) Handle(ctx context.Context, r Reaction) string {
	result := s.handle(ctx, r)
	reactionsTotal.WithLabelValues(r.Action, result).Inc()
	return result
}

func (s *ReactionSync) handle(ctx context.Context, r Reaction) string {
	if r.UserID == "" || r.UserID == s.BotUserID || r.Emoji != s.emoji() {
		return ReactionIgnored
	}
	lg := zerolog.Ctx(ctx).With().
		Str("action", r.Action).
		Str("message_id", r.MessageID).
		Str("user_id", r.UserID).
		Logger()

	var (
		eventID int64
		tracked bool
		err     error
		done    string
	)
	switch r.Action {
	case ReactionAdd:
		eventID, tracked, err = s.Events.SubscribeFromReaction(ctx, r.MessageID, r.UserID)
		done = ReactionSubscribed
	case ReactionRemove:
		eventID, tracked, err = s.Events.UnsubscribeFromReaction(ctx, r.MessageID, r.UserID)
		done = ReactionUnsubscribed
	default:
		return ReactionIgnored
	}
	if err != nil {
		lg.Error().Err(err).Msg("reaction sync failed")
		return ReactionFailed
	}
	if !tracked {
		return ReactionUntracked
	}
	lg.Debug().Int64("event_id", eventID).Msg(done)
	return done
}

func (s *ReactionSync) emoji() string {
	if s.Emoji == "" {
		return DefaultEmoji
	}
	return s.Emoji
}
