package domain

// InvocationScope says where a command was issued: inside a server, or in a
// direct message with the bot. The zero value is a direct-message scope.
type InvocationScope struct {
	serverID string
}

// ServerScope returns a scope for a command issued inside serverID.
// An empty serverID yields a direct-message scope.
func ServerScope(serverID string) InvocationScope {
	return InvocationScope{serverID: serverID}
}

// DirectMessageScope returns the scope for a private conversation.
func DirectMessageScope() InvocationScope { return InvocationScope{} }

// IsDirect reports whether the command came from a private message.
func (s InvocationScope) IsDirect() bool { return s.serverID == "" }

// ServerID returns the server the command came from, or "" for a DM.
func (s InvocationScope) ServerID() string { return s.serverID }

// Contains reports whether serverID is the scope's own server.
func (s InvocationScope) Contains(serverID string) bool {
	return !s.IsDirect() && s.serverID == serverID
}

func (s InvocationScope) String() string {
	if s.IsDirect() {
		return "dm"
	}
	return "server:" + s.serverID
}
