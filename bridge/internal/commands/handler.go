// Package commands implements the slash commands users can issue over
// the webhook socket.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Approver forwards an approval decision to the gateway.
type Approver interface {
	SendApproval(ctx context.Context, requestID string, approved bool) error
}

// Result is the outcome of handling a command. Exactly one of Reply and
// Forward is set: Reply goes back to the user as a complete frame;
// Forward is sent on to the gateway as an agent request.
type Result struct {
	Reply   string
	Forward string
}

// Handler dispatches slash commands.
type Handler struct {
	approver Approver
	logger   *slog.Logger
}

// NewHandler creates a command handler.
func NewHandler(approver Approver, logger *slog.Logger) *Handler {
	return &Handler{
		approver: approver,
		logger:   logger.With("component", "commands"),
	}
}

// IsCommand reports whether a message is a slash command.
func IsCommand(message string) bool {
	return strings.HasPrefix(strings.TrimSpace(message), "/")
}

// Parse splits a command message into its lowercased name and raw args.
func Parse(message string) (command, args string) {
	trimmed := strings.TrimSpace(message)
	if !strings.HasPrefix(trimmed, "/") {
		return "", ""
	}
	parts := strings.SplitN(trimmed[1:], " ", 2)
	command = strings.ToLower(parts[0])
	if len(parts) > 1 {
		args = strings.TrimSpace(parts[1])
	}
	return command, args
}

// Handle runs a slash command and produces its result.
func (h *Handler) Handle(ctx context.Context, message string) (Result, error) {
	command, args := Parse(message)
	h.logger.Debug("handling command", "command", command)

	switch command {
	case "help":
		return Result{Reply: helpText}, nil
	case "commands":
		return Result{Reply: commandsText}, nil
	case "skill", "skills":
		return h.handleSkill(args)
	case "approve":
		return h.handleApprove(ctx, args)
	default:
		return Result{}, fmt.Errorf("unknown command: /%s", command)
	}
}

const helpText = `Available commands:

/help - Show this help message
/commands - List all available commands
/skill [name args] - List skills or run a specific skill
/approve <id> [yes|no] - Approve or deny pending requests
/new, /reset - Start a fresh session`

const commandsText = `Available commands:

Status
  /help - Show this help message
  /commands - List all available commands

Tools
  /skill - List all available skills
  /skill <name> [args] - Run a specific skill

Management
  /approve <id> [yes|no] - Approve or deny execution requests

Session
  /new, /reset - Start a fresh session (optionally followed by a message)`

// handleSkill lists skills without args; with args the skill invocation
// is forwarded to the gateway so the agent executes it.
func (h *Handler) handleSkill(args string) (Result, error) {
	if args == "" {
		return Result{Reply: skillListText}, nil
	}
	return Result{Forward: "/skill " + args}, nil
}

const skillListText = `Available skills:

web-search - Search the web for information
read-file - Read and analyze file contents
write-file - Create or modify files
bash - Execute shell commands
ask-human - Ask the user for clarification

Use /skill <name> <args> to run a skill.`

func (h *Handler) handleApprove(ctx context.Context, args string) (Result, error) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		return Result{Reply: "Usage: /approve <request-id> [yes|no]"}, nil
	}

	requestID := parts[0]
	approved := true
	if len(parts) > 1 {
		decision := strings.ToLower(parts[1])
		approved = decision == "yes" || decision == "y" || decision == "approve"
	}

	if err := h.approver.SendApproval(ctx, requestID, approved); err != nil {
		return Result{}, fmt.Errorf("send approval: %w", err)
	}

	status := "approved"
	if !approved {
		status = "denied"
	}
	return Result{Reply: fmt.Sprintf("Request %s has been %s", requestID, status)}, nil
}
