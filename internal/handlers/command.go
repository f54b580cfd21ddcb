package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mailmanhq/engine/internal/liststore"
	"github.com/mailmanhq/engine/internal/logging"
	"github.com/mailmanhq/engine/internal/mail"
	"github.com/mailmanhq/engine/internal/queue"
	"github.com/mailmanhq/engine/internal/runner"
)

// CommandHandler is the Command runner's sole handler: it interprets a
// one-line directive taken from the subject of a message addressed to
// "<list>-request", replying through the Virgin queue, list-lock-guarded
// for any command that mutates subscriber state. Only the small command
// set spec.md §4.3 names is implemented; anything else gets a help
// reply rather than being silently discarded.
type CommandHandler struct {
	Store    Store
	Lock     LockFactory
	Virgin   *queue.Switchboard
	Hostname string
	Log      *logging.Logger
}

func (h CommandHandler) Name() string { return "CommandHandler" }

func (h CommandHandler) Handle(ctx context.Context, list string, message []byte, meta queue.Metadata) (runner.Decision, string, error) {
	msg := currentMessage(meta, message)
	env, err := mail.ParseEnvelope(msg)
	if err != nil {
		return runner.Continue, "", fmt.Errorf("command handler: %w", err)
	}

	cmd, arg := parseCommand(env.Subject)

	lock := h.Lock(list)
	if err := lock.Acquire(10*time.Second, false); err != nil {
		return runner.Continue, "", fmt.Errorf("command handler: acquire lock for %s: %w", list, err)
	}
	defer lock.Release()

	l, err := h.Store.Load(list)
	if err != nil {
		return runner.Continue, "", fmt.Errorf("command handler: load %s: %w", list, err)
	}

	var reply string
	switch cmd {
	case "subscribe":
		reply = h.subscribe(l, env.From)
	case "unsubscribe":
		reply = h.unsubscribe(l, env.From)
	case "confirm":
		reply = h.confirm(l, arg)
	case "help":
		reply = helpText(list)
	default:
		reply = fmt.Sprintf("Unrecognized command %q.\n\n%s", cmd, helpText(list))
	}

	if cmd == "subscribe" || cmd == "unsubscribe" || cmd == "confirm" {
		if err := h.Store.Save(l); err != nil {
			return runner.Continue, "", fmt.Errorf("command handler: save %s: %w", list, err)
		}
	}

	if err := h.reply(env.From, list, reply); err != nil {
		return runner.Continue, "", fmt.Errorf("command handler: reply to %s: %w", env.From, err)
	}
	return runner.Halt, "", nil
}

// parseCommand extracts a command word and optional argument from a
// "<list>-request" message's subject, the classic Mailman convention of
// treating the subject line itself as the command.
func parseCommand(subject string) (cmd, arg string) {
	fields := strings.Fields(strings.TrimSpace(subject))
	if len(fields) == 0 {
		return "help", ""
	}
	cmd = strings.ToLower(fields[0])
	if len(fields) > 1 {
		arg = strings.Join(fields[1:], " ")
	}
	return cmd, arg
}

func (h CommandHandler) subscribe(l *liststore.List, from string) string {
	if _, exists := l.Subscriber(from); exists {
		return fmt.Sprintf("%s is already a member of %s.", from, l.Name)
	}
	if l.SubscribePolicy == "confirm" || l.SubscribePolicy == "confirm+approve" {
		req := liststore.PendingRequest{
			ID:        l.NextRequestID(),
			Cookie:    mail.NewMessageID(h.Hostname),
			Kind:      liststore.RequestSubscription,
			CreatedAt: time.Now(),
			ExpiresAt: time.Now().Add(3 * 24 * time.Hour),
			Payload:   from,
		}
		l.PendingRequests = append(l.PendingRequests, req)
		return fmt.Sprintf("Your subscription request to %s has been received.\nReply with subject \"confirm %s\" to complete it.", l.Name, req.Cookie)
	}
	l.AddSubscriber(liststore.Subscriber{Address: from, Status: liststore.StatusEnabled})
	return fmt.Sprintf("You have been subscribed to %s.", l.Name)
}

func (h CommandHandler) unsubscribe(l *liststore.List, from string) string {
	if _, exists := l.Subscriber(from); !exists {
		return fmt.Sprintf("%s is not a member of %s.", from, l.Name)
	}
	delete(l.Subscribers, strings.ToLower(from))
	return fmt.Sprintf("You have been unsubscribed from %s.", l.Name)
}

func (h CommandHandler) confirm(l *liststore.List, cookie string) string {
	cookie = strings.TrimSpace(cookie)
	for i, req := range l.PendingRequests {
		if req.Cookie != cookie {
			continue
		}
		if time.Now().After(req.ExpiresAt) {
			l.PendingRequests = append(l.PendingRequests[:i], l.PendingRequests[i+1:]...)
			return "That confirmation request has expired; please subscribe again."
		}
		switch req.Kind {
		case liststore.RequestSubscription:
			l.AddSubscriber(liststore.Subscriber{Address: req.Payload, Status: liststore.StatusEnabled})
		case liststore.RequestUnsubscription:
			delete(l.Subscribers, strings.ToLower(req.Payload))
		}
		l.PendingRequests = append(l.PendingRequests[:i], l.PendingRequests[i+1:]...)
		return "Confirmed."
	}
	return "No pending request matches that confirmation cookie."
}

func helpText(list string) string {
	return fmt.Sprintf(
		"Commands understood by %s-request (put one per subject line):\n\n"+
			"  subscribe   - join the list\n"+
			"  unsubscribe - leave the list\n"+
			"  confirm <cookie> - confirm a pending request\n"+
			"  help        - this message\n", list)
}

func (h CommandHandler) reply(to, list, body string) error {
	raw := fmt.Sprintf("From: %s-bounces@%s\r\nTo: %s\r\nSubject: %s-request response\r\nMessage-Id: %s\r\nAuto-Submitted: auto-replied\r\n\r\n%s",
		list, h.Hostname, to, list, mail.NewMessageID(h.Hostname), body)
	_, err := h.Virgin.Enqueue([]byte(raw), queue.Metadata{
		"listname": list,
		"whichq":   "virgin",
	})
	return err
}
