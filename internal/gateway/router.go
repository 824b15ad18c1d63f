package gateway

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/config"
)

// Access is the minimum role allowed to run a command.
type Access int

const (
	AccessEveryone Access = iota
	AccessStaff           // managers and admins
	AccessAdmin
)

func (a Access) allows(role config.Role) bool {
	switch a {
	case AccessAdmin:
		return role == config.RoleAdmin
	case AccessStaff:
		return role == config.RoleAdmin || role == config.RoleManager
	default:
		return true
	}
}

// Request is one parsed command invocation.
type Request struct {
	Msg  bus.InboundMessage
	Role config.Role
	Name string // command name without the leading slash
	Args string
}

// CommandHandler runs a command and returns the reply text. An empty
// reply sends nothing.
type CommandHandler func(ctx context.Context, req Request) string

type command struct {
	name    string
	help    string
	access  Access
	handler CommandHandler
}

// CommandRouter maps command names to handlers.
type CommandRouter struct {
	commands map[string]command
}

func NewCommandRouter() *CommandRouter {
	return &CommandRouter{commands: make(map[string]command)}
}

// Register adds a command handler.
func (r *CommandRouter) Register(name, help string, access Access, handler CommandHandler) {
	r.commands[name] = command{name: name, help: help, access: access, handler: handler}
}

// Lookup reports whether name is a registered command.
func (r *CommandRouter) Lookup(name string) bool {
	_, ok := r.commands[name]
	return ok
}

// Handle dispatches req. Callers check Lookup first.
func (r *CommandRouter) Handle(ctx context.Context, req Request) string {
	cmd, ok := r.commands[req.Name]
	if !ok {
		return ""
	}
	if !cmd.access.allows(req.Role) {
		slog.Warn("gateway: command denied", "command", req.Name, "user", req.Msg.UserKey(), "role", req.Role)
		return "You are not allowed to use this command."
	}
	slog.Info("gateway: command", "command", req.Name, "user", req.Msg.UserKey(), "role", req.Role)
	return cmd.handler(ctx, req)
}

// Help lists the commands available to role.
func (r *CommandRouter) Help(role config.Role) string {
	names := make([]string, 0, len(r.commands))
	for name, cmd := range r.commands {
		if cmd.access.allows(role) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, name := range names {
		b.WriteString("/" + name + " - " + r.commands[name].help + "\n")
	}
	b.WriteString("\nJust send a message to ask a question.")
	return b.String()
}

// parseCommand splits "/name@bot args" into name and args. ok is false
// for text that is not a command.
func parseCommand(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if len(text) < 2 || text[0] != '/' {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text, " ")
	head, _, _ = strings.Cut(head[1:], "@")
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}
