package handlers

import (
	"context"
	"fmt"

	"github.com/mailmanhq/engine/internal/logging"
	"github.com/mailmanhq/engine/internal/mail"
	"github.com/mailmanhq/engine/internal/queue"
	"github.com/mailmanhq/engine/internal/runner"
)

// VirginDispatch is the Virgin runner's sole handler. Entries reaching
// this queue are messages the engine itself composed (confirmation
// requests, password reminders, moderator notices) rather than list
// traffic, so they skip the full pipeline chain and go straight to a
// single-recipient outgoing entry addressed by the message's own To
// header, per spec.md §4.3's description of the Virgin queue.
type VirginDispatch struct {
	Outgoing *queue.Switchboard
	Hostname string
	Log      *logging.Logger
}

func (h VirginDispatch) Name() string { return "VirginDispatch" }

func (h VirginDispatch) Handle(ctx context.Context, list string, message []byte, meta queue.Metadata) (runner.Decision, string, error) {
	msg := currentMessage(meta, message)
	env, err := mail.ParseEnvelope(msg)
	if err != nil {
		return runner.Continue, "", fmt.Errorf("virgin dispatch: %w", err)
	}
	if env.To == "" {
		return runner.Continue, "", fmt.Errorf("virgin dispatch: message has no To header")
	}

	outMeta := queue.Metadata{
		"listname":      list,
		"recipient":     env.To,
		"return_path":   fmt.Sprintf("%s-bounces@%s", list, h.Hostname),
		"received_time": meta["received_time"],
		"message_id":    env.MessageID,
		"whichq":        "outgoing",
	}
	if _, err := h.Outgoing.Enqueue(msg, outMeta); err != nil {
		return runner.Continue, "", fmt.Errorf("virgin dispatch: enqueue for %s: %w", env.To, err)
	}
	h.Log.InfoContext(ctx, "dispatched virgin message", "list", list, "to", env.To)
	return runner.Halt, "", nil
}
