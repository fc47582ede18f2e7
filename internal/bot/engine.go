package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-event-bot/internal/delivery"
	"github.com/tbourn/go-event-bot/internal/gateway"
	"github.com/tbourn/go-event-bot/internal/services"
)

// Command outcomes, as reported in Result and in eventbot_commands_total.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFault    = "fault"
	OutcomeUnknown  = "unknown"
)

const (
	DefaultPrefix = "!tc "
	DefaultEmoji  = "✅"

	apology   = "Sorry, something went wrong while running that command. Please try again later."
	bareFault = "error"
)

// ErrUsage marks a command invoked with missing or malformed arguments.
var ErrUsage = errors.New("bad command usage")

func usage(format string, args ...any) error {
	return &services.RuleError{Err: ErrUsage, Message: fmt.Sprintf(format, args...)}
}

// Result describes what Execute did.
type Result struct {
	Command string `json:"command"`
	Outcome string `json:"outcome"`
	Reply   string `json:"reply"`
	ReplyID string `json:"reply_id,omitempty"`
}

type handler func(ctx context.Context, inv Invocation) (response, error)

// response is a handler's reply text plus an optional step that needs the id
// of the posted reply.
type response struct {
	text  string
	after func(ctx context.Context, replyID string) error
}

// Engine dispatches commands. Use NewEngine; the zero value has no commands.
type Engine struct {
	Events    *services.EventService
	Topics    *services.TopicService
	Messenger gateway.Messenger
	Retrier   *delivery.Retrier

	// Prefix is shown in help and hints.
	Prefix string
	// SubscribeEmoji is added to event announcements.
	SubscribeEmoji string

	commands []*commandInfo
	index    map[string]*commandInfo
}

// NewEngine wires an Engine with the default prefix and subscribe emoji.
func NewEngine(ev *services.EventService, topics *services.TopicService, msg gateway.Messenger, r *delivery.Retrier) *Engine {
	e := &Engine{
		Events:         ev,
		Topics:         topics,
		Messenger:      msg,
		Retrier:        r,
		Prefix:         DefaultPrefix,
		SubscribeEmoji: DefaultEmoji,
	}
	e.commands = e.catalog()
	e.index = indexCommands(e.commands)
	return e
}

func (e *Engine) lookup(name string) (*commandInfo, bool) {
	c, ok := e.index[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// Execute runs one command and replies in the invoking channel.
//
// A rejected command still gets a normal reply and a nil error. A fault is
// logged, answered with a generic apology and returned. If the reply itself
// cannot be delivered after retries the delivery error is returned too.
func (e *Engine) Execute(ctx context.Context, inv Invocation) (Result, error) {
	name := strings.ToLower(strings.TrimSpace(inv.Command))
	c, known := e.lookup(name)
	label := OutcomeUnknown
	if known {
		label = c.Name
	}

	lg := zerolog.Ctx(ctx).With().
		Str("command", label).
		Str("user_id", inv.User.ID).
		Str("server_id", inv.ServerID).
		Str("channel_id", inv.ChannelID).
		Logger()
	ctx = lg.WithContext(ctx)

	res := Result{Command: label, Outcome: OutcomeOK}
	var (
		resp  response
		fault error
	)
	if !known {
		res.Outcome = OutcomeUnknown
		resp.text = fmt.Sprintf("Sorry, I don't know the command `%s`. Try `%shelp`.", name, e.Prefix)
	} else {
		var err error
		resp, err = c.run(ctx, inv)
		switch {
		case err == nil:
		case services.IsRejection(err):
			res.Outcome = OutcomeRejected
			resp = response{text: services.Explain(err)}
			lg.Debug().Err(err).Msg("command rejected")
		default:
			res.Outcome = OutcomeFault
			fault = err
			resp = response{text: apology}
			if c.Bare {
				resp.text = bareFault
			}
			lg.Error().Err(err).Strs("args", inv.Args).Msg("command failed")
		}
	}
	res.Reply = resp.text

	replyID, err := delivery.Must(ctx, e.Retrier, "reply", func(ctx context.Context) (string, error) {
		return e.Messenger.Reply(ctx, inv.ChannelID, resp.text)
	})
	if err != nil {
		lg.Error().Err(err).Msg("reply not delivered")
		res.Outcome = OutcomeFault
		commandsTotal.WithLabelValues(label, res.Outcome).Inc()
		return res, errors.Join(fault, fmt.Errorf("reply: %w", err))
	}
	res.ReplyID = replyID

	if resp.after != nil {
		if err := resp.after(ctx, replyID); err != nil {
			lg.Error().Err(err).Str("reply_id", replyID).Msg("post-reply step failed")
			res.Outcome = OutcomeFault
			fault = err
		}
	}
	commandsTotal.WithLabelValues(label, res.Outcome).Inc()
	return res, fault
}
