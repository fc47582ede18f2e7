package bot

import (
	"context"
	"fmt"
	"strings"
)

// commandInfo describes one command for help output and dispatch.
type commandInfo struct {
	Name    string
	Aliases []string
	Summary string
	Remarks string
	// Bare commands answer machine callers: plain ids or short error strings.
	Bare bool
	run  handler
}

// catalog returns the commands in help order.
func (e *Engine) catalog() []*commandInfo {
	return []*commandInfo{
		{Name: "help", Aliases: []string{"helpme"}, Summary: "help [cmd]", Remarks: "Receive more info on command", run: e.help},
		{Name: "new", Aliases: []string{"create"}, Summary: "new [description of event]", Remarks: "Create a new event", run: e.create},
		{Name: "list", Aliases: []string{"ls"}, Summary: "list", Remarks: "Lists all active events", run: e.list},
		{Name: "event", Aliases: []string{"details"}, Summary: "event [#]", Remarks: "Displays event and lists all subscribers", run: e.detail},
		{Name: "mysubs", Aliases: []string{"mine"}, Summary: "mysubs", Remarks: "List all events the caller is subscribed to", run: e.mySubs},
		{Name: "subscribe", Aliases: []string{"sub"}, Summary: "sub [#|all]", Remarks: "Subscribe caller to event #, or to all events", run: e.subscribe},
		{Name: "unsubscribe", Aliases: []string{"unsub"}, Summary: "unsub [#|all]", Remarks: "Unsubscribe caller from event #, or from all events they are currently subscribed to", run: e.unsubscribe},
		{Name: "retire", Summary: "retire [#]", Remarks: "Retires event #, removing it from events that can be notified on", run: e.retire},
		{Name: "notify", Summary: "notify [#] [optional message]", Remarks: "Notifies all subscribers of event #. Optional message is appended on end of standard notification.", run: e.notify},
		{Name: "update", Summary: "update desc|url|parent [#] [value]", Remarks: "Change an event's description or url, or link it to a parent event (`update parent [#] [parent #] [remove]`)", run: e.update},
		{Name: "topic", Summary: "topic add|remove|list|spin [name]", Remarks: "Manage this channel's conversation topics, or spin for one", run: e.topic},
		{Name: "botsub", Summary: "botsub [server] [event] [parent] [url] [expiry] [user] [description]", Remarks: "Integration: create or update an event and optionally subscribe a user. Replies with the event id.", Bare: true, run: e.botSub},
		{Name: "botunsub", Summary: "botunsub [server] [event] [user]", Remarks: "Integration: unsubscribe a user from an event. Replies with the event id.", Bare: true, run: e.botUnsub},
	}
}

func indexCommands(list []*commandInfo) map[string]*commandInfo {
	idx := make(map[string]*commandInfo, len(list)*2)
	for _, c := range list {
		idx[c.Name] = c
		for _, a := range c.Aliases {
			idx[a] = c
		}
	}
	return idx
}

func (e *Engine) help(_ context.Context, inv Invocation) (response, error) {
	name := strings.ToLower(inv.arg(0))
	if name == "" {
		var sb strings.Builder
		sb.WriteString("Commands:\n")
		for _, c := range e.commands {
			sb.WriteString(e.Prefix + c.Summary + "\n")
		}
		return response{text: strings.TrimRight(sb.String(), "\n")}, nil
	}
	c, ok := e.lookup(name)
	if !ok {
		return response{}, usage("Sorry, I don't know the command `%s`.", name)
	}
	text := fmt.Sprintf("%s%s\n%s", e.Prefix, c.Summary, c.Remarks)
	if len(c.Aliases) > 0 {
		text += "\nAliases: " + strings.Join(c.Aliases, ", ")
	}
	return response{text: text}, nil
}
