package whatsapp

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/kv"
	"switchboard/pkg/protocol"
)

const helpText = `Available commands:
/help - show this message
/task <goal> - start an autonomous task
/tasks - list your tasks
/status <id> - show task status
/cancel <id> - cancel a task
/approve <id> - approve a pending task step
/reject <id> - reject a pending task step
/model <name> - set the model for replies
/new - start a fresh conversation

Start a message with ! as a shortcut for /task.`

const unknownCommandReply = "Unknown command. Send /help for a list of commands."

// handleCommand routes a "/..." message. Commands that manage local state
// reply directly; task commands are forwarded upstream tagged with the
// command name so the task owner can act on them.
func (a *Adapter) handleCommand(ctx context.Context, userID, from, body, messageSID string) {
	fields := strings.Fields(body)
	command := strings.ToLower(fields[0])
	args := strings.TrimSpace(strings.TrimPrefix(body, fields[0]))

	switch command {
	case "/help":
		a.reply(ctx, from, helpText)

	case "/new":
		if err := a.kv.Delete(ctx, convKey(userID)); err != nil && err != kv.ErrNotFound {
			log.Printf("[WhatsApp] Failed to reset conversation for %s: %v", userID, err)
		}
		a.reply(ctx, from, "Started a new conversation.")

	case "/model":
		if args == "" {
			a.reply(ctx, from, "Usage: /model <name>")
			return
		}
		if err := a.kv.Set(ctx, modelKey(userID), []byte(args), 0); err != nil {
			log.Printf("[WhatsApp] Failed to store model preference: %v", err)
			a.reply(ctx, from, "Could not save the model preference.")
			return
		}
		a.reply(ctx, from, "Model set to "+args+".")

	case "/task":
		a.handleTaskRequest(ctx, userID, from, args, messageSID)

	case "/tasks", "/status", "/cancel", "/approve", "/reject":
		a.emitCommand(userID, from, strings.TrimPrefix(command, "/"), args, messageSID)

	default:
		a.reply(ctx, from, unknownCommandReply)
	}
}

// emitCommand forwards a task-management command upstream
func (a *Adapter) emitCommand(userID, from, command, args, messageSID string) {
	a.emit(protocol.IncomingMessage{
		ID:      uuid.New().String(),
		Channel: ChannelType,
		UserID:  userID,
		Content: strings.TrimSpace(command + " " + args),
		Metadata: protocol.MessageMetadata{
			ChannelUserID:    from,
			ChannelMessageID: messageSID,
			Timestamp:        time.Now(),
			Extra: map[string]string{
				"command":      command,
				"command_args": args,
			},
		},
	})
}
