// Package gatewaytest provides an in-memory gateway.Gateway for tests.
package gatewaytest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tbourn/go-event-bot/internal/gateway"
)

// ErrInjected is returned by sends configured to fail.
var ErrInjected = errors.New("gatewaytest: injected failure")

// Sent is one recorded outbound message.
type Sent struct {
	To   string // channel id for replies, user id for DMs
	Text string
	ID   string
}

// Reaction is one recorded AddReaction call.
type Reaction struct {
	ChannelID string
	MessageID string
	Emoji     string
}

// Fake records every send and answers directory questions from maps.
// The zero value is not usable; call New.
type Fake struct {
	mu sync.Mutex

	users    map[string]string
	servers  map[string]string
	members  map[string]map[string]bool
	managers map[string]map[string]bool

	// failures left per DM recipient; negative means always fail
	dmFailures    map[string]int
	replyFailures int
	reactFailures int
	directoryErr  error

	nextID    int
	replies   []Sent
	dms       []Sent
	reactions []Reaction
}

var _ gateway.Gateway = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		users:      map[string]string{},
		servers:    map[string]string{},
		members:    map[string]map[string]bool{},
		managers:   map[string]map[string]bool{},
		dmFailures: map[string]int{},
	}
}

// AddUser registers a resolvable user.
func (f *Fake) AddUser(userID, name string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[userID] = name
	return f
}

// AddServer registers a resolvable server.
func (f *Fake) AddServer(serverID, name string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.servers[serverID] = name
	return f
}

// AddMember makes userID a member of serverID.
func (f *Fake) AddMember(serverID, userID string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[serverID] == nil {
		f.members[serverID] = map[string]bool{}
	}
	f.members[serverID][userID] = true
	return f
}

// AddManager gives userID manage-messages rights in serverID.
func (f *Fake) AddManager(serverID, userID string) *Fake {
	f.AddMember(serverID, userID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.managers[serverID] == nil {
		f.managers[serverID] = map[string]bool{}
	}
	f.managers[serverID][userID] = true
	return f
}

// FailDMs makes the next n DMs to userID fail; n < 0 fails them all.
func (f *Fake) FailDMs(userID string, n int) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dmFailures[userID] = n
	return f
}

// FailReplies makes the next n replies fail.
func (f *Fake) FailReplies(n int) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replyFailures = n
	return f
}

// FailReactions makes the next n reactions fail.
func (f *Fake) FailReactions(n int) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactFailures = n
	return f
}

// FailDirectory makes every directory lookup return err.
func (f *Fake) FailDirectory(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directoryErr = err
	return f
}

func (f *Fake) Reply(ctx context.Context, channelID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replyFailures > 0 {
		f.replyFailures--
		return "", ErrInjected
	}
	f.nextID++
	id := fmt.Sprintf("reply-%d", f.nextID)
	f.replies = append(f.replies, Sent{To: channelID, Text: text, ID: id})
	return id, nil
}

func (f *Fake) SendDirectMessage(ctx context.Context, userID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.dmFailures[userID]; ok && n != 0 {
		if n > 0 {
			f.dmFailures[userID] = n - 1
		}
		return ErrInjected
	}
	f.nextID++
	f.dms = append(f.dms, Sent{To: userID, Text: text, ID: fmt.Sprintf("dm-%d", f.nextID)})
	return nil
}

func (f *Fake) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reactFailures > 0 {
		f.reactFailures--
		return ErrInjected
	}
	f.reactions = append(f.reactions, Reaction{ChannelID: channelID, MessageID: messageID, Emoji: emoji})
	return nil
}

func (f *Fake) ResolveUser(ctx context.Context, userID string) (gateway.Lookup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.directoryErr != nil {
		return gateway.Lookup{}, f.directoryErr
	}
	if name, ok := f.users[userID]; ok {
		return gateway.Resolved(name), nil
	}
	return gateway.Unresolvable(), nil
}

func (f *Fake) ResolveServerName(ctx context.Context, serverID string) (gateway.Lookup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.directoryErr != nil {
		return gateway.Lookup{}, f.directoryErr
	}
	if name, ok := f.servers[serverID]; ok {
		return gateway.Resolved(name), nil
	}
	return gateway.Unresolvable(), nil
}

func (f *Fake) IsMember(ctx context.Context, userID, serverID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.directoryErr != nil {
		return false, f.directoryErr
	}
	return f.members[serverID][userID], nil
}

func (f *Fake) CanManageMessages(ctx context.Context, userID, serverID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.directoryErr != nil {
		return false, f.directoryErr
	}
	return f.managers[serverID][userID], nil
}

// Replies returns a copy of the recorded replies.
func (f *Fake) Replies() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.replies...)
}

// DMs returns a copy of the recorded direct messages.
func (f *Fake) DMs() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.dms...)
}

// DMsTo returns the texts sent to userID.
func (f *Fake) DMsTo(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.dms {
		if m.To == userID {
			out = append(out, m.Text)
		}
	}
	return out
}

// Reactions returns a copy of the recorded reactions.
func (f *Fake) Reactions() []Reaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Reaction(nil), f.reactions...)
}

// LastReply returns the most recent reply text, or "".
func (f *Fake) LastReply() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		return ""
	}
	return f.replies[len(f.replies)-1].Text
}
