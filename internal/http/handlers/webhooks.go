// Webhook handlers.
//
// The chat bridge matches the command prefix, tokenizes arguments and posts:
//   - POST /commands   one parsed command invocation
//   - POST /reactions  a reaction added to or removed from a message
//
// Handlers are transport-thin: they bind and check the payload, absorb
// redeliveries through Receipts and hand the rest to the bot package.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-event-bot/internal/bot"
	"github.com/tbourn/go-event-bot/internal/http/middleware"
)

// Dispatcher runs one parsed command and replies in its channel.
type Dispatcher interface {
	Execute(ctx context.Context, inv bot.Invocation) (bot.Result, error)
}

// ReactionSink applies one reaction and reports the outcome.
type ReactionSink interface {
	Handle(ctx context.Context, r bot.Reaction) string
}

// Handlers groups the webhook endpoints.
type Handlers struct {
	commands  Dispatcher
	reactions ReactionSink
	receipts  Receipts
	now       func() time.Time
}

// New binds the handlers. receipts may be nil to disable redelivery checks.
func New(d Dispatcher, rs ReactionSink, receipts Receipts) *Handlers {
	return &Handlers{
		commands:  d,
		reactions: rs,
		receipts:  receipts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Webhook statuses.
const (
	StatusProcessed = "processed"
	StatusReplayed  = "replayed"
	StatusAccepted  = "accepted"
)

// CommandResponse is the body of a successful POST /commands.
type CommandResponse struct {
	Status string      `json:"status"`
	Result *bot.Result `json:"result,omitempty"`
}

// ReactionResponse is the body of POST /reactions.
type ReactionResponse struct {
	Status string `json:"status"`
	Result string `json:"result"`
}

// PostCommand runs a command invocation.
//
// The Idempotency-Key header, or message_id when the header is absent, names
// the chat message that carried the command. If a receipt for it exists the
// command is not run again and 200 {"status":"replayed"} is returned. A
// rejected command is still a 200: the user got a normal reply. A fault is a
// 500 command_failed.
func (h *Handlers) PostCommand(c *gin.Context) {
	ctx := c.Request.Context()

	var inv bot.Invocation
	if err := c.ShouldBindJSON(&inv); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid command payload")
		return
	}
	if uid := middleware.UserID(c); uid != "" && uid != inv.User.ID {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "X-User-ID does not match user.id")
		return
	}

	key, fromHeader := middleware.GetIdempotencyKey(c)
	if !fromHeader {
		key = inv.MessageID
	}
	lg := middleware.LoggerFrom(c).With().
		Str("user_id", inv.User.ID).
		Str("message_id", key).
		Logger()

	if middleware.IsReplay(c) {
		ok(c, http.StatusOK, CommandResponse{Status: StatusReplayed})
		return
	}
	// Without the header the validator never looked, so check the body's id.
	if !fromHeader && key != "" && h.receipts != nil {
		seen, err := h.receipts.Seen(ctx, inv.User.ID, key, h.now())
		if err != nil {
			lg.Warn().Err(err).Msg("receipt lookup failed")
		}
		if seen {
			middleware.MarkReplay(c)
			ok(c, http.StatusOK, CommandResponse{Status: StatusReplayed})
			return
		}
	}

	res, err := h.commands.Execute(lg.WithContext(ctx), inv)
	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
	}

	// A receipt is kept for faults too: side effects may already have happened
	// and the user has seen the apology.
	if key != "" && h.receipts != nil {
		if rerr := h.receipts.Record(ctx, inv.User.ID, key, res.Command, status); rerr != nil {
			lg.Warn().Err(rerr).Msg("receipt not stored")
		}
	}

	if err != nil {
		_ = c.Error(err)
		fail(c, status, ErrCodeCommandFailed, "command failed")
		return
	}
	ok(c, http.StatusOK, CommandResponse{Status: StatusProcessed, Result: &res})
}

// PostReaction applies a reaction and answers 202. Sync failures are logged by
// the bot package and reported in the body; they never fail the webhook.
func (h *Handlers) PostReaction(c *gin.Context) {
	var r bot.Reaction
	if err := c.ShouldBindJSON(&r); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid reaction payload")
		return
	}
	result := h.reactions.Handle(c.Request.Context(), r)
	ok(c, http.StatusAccepted, ReactionResponse{Status: StatusAccepted, Result: result})
}
