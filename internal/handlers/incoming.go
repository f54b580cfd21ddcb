package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/mailmanhq/engine/internal/liststore"
	"github.com/mailmanhq/engine/internal/logging"
	"github.com/mailmanhq/engine/internal/mail"
	"github.com/mailmanhq/engine/internal/metrics"
	"github.com/mailmanhq/engine/internal/mlock"
	"github.com/mailmanhq/engine/internal/queue"
	"github.com/mailmanhq/engine/internal/runner"
)

// ListResolver confirms a list name is one the engine knows about,
// separating "no such list" (shunt) from "list known but moderated"
// (AccessControl's job).
type ListResolver interface {
	Exists(name string) bool
}

// KnownList is the Incoming runner's first handler: an entry whose
// listname metadata does not resolve to a provisioned list is shunted
// immediately rather than reaching any list-scoped handler.
type KnownList struct{ Lists ListResolver }

func (h KnownList) Name() string { return "KnownList" }

func (h KnownList) Handle(ctx context.Context, list string, message []byte, meta queue.Metadata) (runner.Decision, string, error) {
	if list == "" || !h.Lists.Exists(list) {
		return runner.Continue, "", fmt.Errorf("unknown list %q", list)
	}
	return runner.Continue, "", nil
}

// LockFactory builds the list-scoped lease a handler must hold while
// mutating a list's persisted state.
type LockFactory func(list string) *mlock.Lock

// Store is the subset of liststore.Store the access-control and
// moderation-adjacent handlers need.
type Store interface {
	Load(name string) (*liststore.List, error)
	Save(l *liststore.List) error
	SaveHeldArtifact(list string, id int, raw []byte) error
}

// AccessControl decides whether an incoming post is distributed directly
// (Continue, reaching Pipeline) or held for moderator review: default
// policy per spec.md §3/§4.5 is that posts from non-subscribers on a list
// configured with DefaultModerate are held; everyone else passes through.
type AccessControl struct {
	Store       Store
	Lock        LockFactory
	LockTimeout time.Duration
	Log         *logging.Logger
}

func (h AccessControl) Name() string { return "AccessControl" }

func (h AccessControl) Handle(ctx context.Context, list string, message []byte, meta queue.Metadata) (runner.Decision, string, error) {
	lock := h.Lock(list)
	timeout := h.LockTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if err := lock.Acquire(timeout, false); err != nil {
		return runner.Continue, "", fmt.Errorf("access control: acquire lock for %s: %w", list, err)
	}
	defer lock.Release()

	l, err := h.Store.Load(list)
	if err != nil {
		return runner.Continue, "", fmt.Errorf("access control: load %s: %w", list, err)
	}

	env, _ := mail.ParseEnvelope(currentMessage(meta, message))
	_, isMember := l.Subscriber(env.From)

	if !l.DefaultModerate || isMember {
		return runner.Continue, "", nil
	}

	id := l.NextHeldID()
	held := liststore.HeldMessage{
		ID:          id,
		Sender:      env.From,
		Subject:     env.Subject,
		Reason:      "posts from non-members require moderator approval",
		ReceivedAt:  time.Now(),
		Disposition: liststore.Held,
	}
	l.HeldMessages = append(l.HeldMessages, held)
	l.PendingRequests = append(l.PendingRequests, liststore.PendingRequest{
		ID:        l.NextRequestID(),
		Cookie:    mail.NewMessageID(list),
		Kind:      liststore.RequestHeldMessage,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Duration(l.MaxDaysToHold) * 24 * time.Hour),
		Payload:   fmt.Sprintf("%d", id),
	})

	if err := h.Store.SaveHeldArtifact(list, id, currentMessage(meta, message)); err != nil {
		return runner.Continue, "", fmt.Errorf("access control: save held artifact: %w", err)
	}
	if err := h.Store.Save(l); err != nil {
		return runner.Continue, "", fmt.Errorf("access control: save %s: %w", list, err)
	}

	metrics.HeldMessages.WithLabelValues(list).Set(float64(len(l.HeldMessages)))
	metrics.RecordModerationDecision(list, "held")
	h.Log.InfoContext(ctx, "held message pending moderation", "list", list, "held_id", id, "sender", env.From)

	return runner.Discard, "", nil
}

// BeenThereGuard is the News runner's loop-prevention handler: an
// incoming article already bearing an X-BeenThere matching this list's
// address must not be re-gated (spec.md §8 scenario 6).
type BeenThereGuard struct{ Lists ListLoader }

// ListLoader resolves a list by name to read its address for the
// X-BeenThere comparison.
type ListLoader interface {
	Load(name string) (*liststore.List, error)
}

func (h BeenThereGuard) Name() string { return "BeenThereGuard" }

func (h BeenThereGuard) Handle(ctx context.Context, list string, message []byte, meta queue.Metadata) (runner.Decision, string, error) {
	l, err := h.Lists.Load(list)
	if err != nil {
		return runner.Continue, "", fmt.Errorf("been-there guard: load %s: %w", list, err)
	}
	listAddr := fmt.Sprintf("%s@%s", l.Name, l.Host)
	if mail.HeaderEquals(currentMessage(meta, message), "X-BeenThere", listAddr) {
		return runner.Discard, "", nil
	}
	return runner.Continue, "", nil
}

// Forward is a runner chain's terminal handler: it reinjects the entry's
// current message bytes onto another Switchboard, stamping "whichq" to
// name the destination queue per the metadata-key ownership rule in
// SPEC_FULL.md §9, then halts the current chain. Both the Incoming
// runner (forwarding a passed-access-control post to Pipeline) and the
// News runner (forwarding a gated article to Incoming) are built from
// this single handler rather than two near-duplicate ones.
type Forward struct {
	Target *queue.Switchboard
	WhichQ string
}

func (h Forward) Name() string { return "Forward:" + h.WhichQ }

func (h Forward) Handle(ctx context.Context, list string, message []byte, meta queue.Metadata) (runner.Decision, string, error) {
	meta["whichq"] = h.WhichQ
	if _, err := h.Target.Enqueue(currentMessage(meta, message), meta); err != nil {
		return runner.Continue, "", fmt.Errorf("forward to %s: %w", h.WhichQ, err)
	}
	return runner.Halt, "", nil
}
