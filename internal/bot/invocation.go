// Package bot turns parsed chat commands and reactions into event and topic
// operations and sends the replies back through the gateway.
package bot

import (
	"strings"

	"github.com/tbourn/go-event-bot/internal/domain"
	"github.com/tbourn/go-event-bot/internal/services"
)

// User is the account that issued a command.
type User struct {
	ID   string `json:"id"   binding:"required"`
	Name string `json:"name"`
	Bot  bool   `json:"bot"`
}

// Invocation is a command as delivered by the bridge: the prefix has been
// matched and the arguments tokenized. An empty ServerID means the command
// came from a direct message.
type Invocation struct {
	Command   string   `json:"command"    binding:"required"`
	Args      []string `json:"args"`
	User      User     `json:"user"       binding:"required"`
	ServerID  string   `json:"server_id"`
	ChannelID string   `json:"channel_id" binding:"required"`
	MessageID string   `json:"message_id"`
}

// Scope returns where the command was issued.
func (inv Invocation) Scope() domain.InvocationScope {
	return domain.ServerScope(strings.TrimSpace(inv.ServerID))
}

// Caller returns the invoking user as a services.Caller.
func (inv Invocation) Caller() services.Caller {
	return services.Caller{ID: inv.User.ID, Name: inv.User.Name, Bot: inv.User.Bot}
}

// arg returns the i-th argument or "".
func (inv Invocation) arg(i int) string {
	if i < 0 || i >= len(inv.Args) {
		return ""
	}
	return strings.TrimSpace(inv.Args[i])
}

// rest joins the arguments from i onward.
func (inv Invocation) rest(i int) string {
	if i >= len(inv.Args) {
		return ""
	}
	return strings.TrimSpace(strings.Join(inv.Args[i:], " "))
}
