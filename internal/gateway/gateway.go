// Package gateway is the bot's view of the chat transport. The transport runs
// in a separate bridge process; inbound commands and reactions arrive as
// webhooks (see package http) and everything outbound goes through Gateway.
package gateway

import (
	"context"
	"errors"
)

// ErrNotFound is returned by sends whose target (channel, user, message) the
// bridge does not know.
var ErrNotFound = errors.New("gateway: target not found")

// Lookup is the result of resolving an identity. A miss is an ordinary
// outcome, not an error: Resolved is false and Name is empty.
type Lookup struct {
	Name     string
	Resolved bool
}

// Resolved returns a successful lookup.
func Resolved(name string) Lookup { return Lookup{Name: name, Resolved: true} }

// Unresolvable returns the lookup of an identity the bridge no longer knows.
func Unresolvable() Lookup { return Lookup{} }

// Or returns the resolved name, or placeholder on a miss.
func (l Lookup) Or(placeholder string) string {
	if !l.Resolved {
		return placeholder
	}
	return l.Name
}

// Directory answers identity and permission questions.
type Directory interface {
	ResolveUser(ctx context.Context, userID string) (Lookup, error)
	ResolveServerName(ctx context.Context, serverID string) (Lookup, error)
	IsMember(ctx context.Context, userID, serverID string) (bool, error)
	CanManageMessages(ctx context.Context, userID, serverID string) (bool, error)
}

// Messenger sends content through the transport. Every call is fallible and
// is expected to be wrapped in a delivery.Retrier by callers.
type Messenger interface {
	// Reply posts text to a channel (or DM channel) and returns the new
	// message id.
	Reply(ctx context.Context, channelID, text string) (string, error)
	SendDirectMessage(ctx context.Context, userID, text string) error
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
}

// Gateway is the full transport contract.
type Gateway interface {
	Directory
	Messenger
}
