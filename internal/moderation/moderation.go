// Package moderation implements the engine's ModerationEngine (spec.md
// §4.5): disposing of held messages by moderator decision, and the
// periodic sweep that expires stale holds and pending requests.
package moderation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mailmanhq/engine/internal/config"
	"github.com/mailmanhq/engine/internal/liststore"
	"github.com/mailmanhq/engine/internal/logging"
	"github.com/mailmanhq/engine/internal/mail"
	"github.com/mailmanhq/engine/internal/metrics"
	"github.com/mailmanhq/engine/internal/queue"
)

// Store is the subset of liststore.Store the moderation engine needs.
type Store interface {
	Load(name string) (*liststore.List, error)
	Save(l *liststore.List) error
	LoadHeldArtifact(list string, id int) ([]byte, error)
	DeleteHeldArtifact(list string, id int) error
}

// Engine disposes of held messages and sweeps stale moderation state.
type Engine struct {
	Store    Store
	Pipeline *queue.Switchboard
	Virgin   *queue.Switchboard
	Hostname string
	Log      *logging.Logger

	// MaxAutoResponsesPerDay caps how many automated replies notifySender
	// will send a given address in one day, per spec.md §4.5 step 3's
	// reply-loop prevention. Zero means the config default (1).
	MaxAutoResponsesPerDay int
}

// Handle applies a moderator's disposition to one held message, per
// spec.md §4.5: APPROVED reinjects the held artifact into the pipeline
// queue for normal distribution, REJECTED notifies the original sender
// and discards the artifact, DISCARDED silently discards it, and
// DEFERRED leaves the held message untouched for a later decision.
func (e *Engine) Handle(ctx context.Context, list string, id int, disposition liststore.Disposition) error {
	l, err := e.Store.Load(list)
	if err != nil {
		return fmt.Errorf("moderation: load %s: %w", list, err)
	}

	idx := -1
	for i, h := range l.HeldMessages {
		if h.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("moderation: no held message %d on %s", id, list)
	}
	held := l.HeldMessages[idx]

	switch disposition {
	case liststore.Approved:
		raw, err := e.Store.LoadHeldArtifact(list, id)
		if err != nil {
			return fmt.Errorf("moderation: load artifact %s/%d: %w", list, id, err)
		}
		if _, err := e.Pipeline.Enqueue(raw, queue.Metadata{
			"listname": list,
			"whichq":   "pipeline",
		}); err != nil {
			return fmt.Errorf("moderation: requeue %s/%d: %w", list, id, err)
		}
	case liststore.Rejected:
		if err := e.notifySender(ctx, l, held, list, "rejected by the list moderator"); err != nil {
			e.Log.WarnContext(ctx, "failed to notify rejected sender", "list", list, "held_id", id, "error", err.Error())
		}
	case liststore.Discarded:
		// no notification
	case liststore.Deferred:
		return nil
	default:
		return fmt.Errorf("moderation: unknown disposition %q", disposition)
	}

	if disposition != liststore.Deferred {
		if err := e.Store.DeleteHeldArtifact(list, id); err != nil {
			e.Log.WarnContext(ctx, "failed to delete held artifact", "list", list, "held_id", id, "error", err.Error())
		}
		l.HeldMessages = append(l.HeldMessages[:idx], l.HeldMessages[idx+1:]...)
		metrics.HeldMessages.WithLabelValues(list).Set(float64(len(l.HeldMessages)))
		metrics.RecordModerationDecision(list, string(disposition))
	}

	return e.Store.Save(l)
}

// notifySender sends an automated rejection notice to a held message's
// original sender, guarded by the per-sender daily auto-response cap
// (spec.md §4.5 step 3) so a chain of auto-responders can't loop mail
// back and forth indefinitely.
func (e *Engine) notifySender(ctx context.Context, l *liststore.List, held liststore.HeldMessage, list, reason string) error {
	maxPerDay := e.MaxAutoResponsesPerDay
	if maxPerDay == 0 {
		maxPerDay = 1
	}
	if l.RecordAutoResponse(held.Sender, time.Now()) > maxPerDay {
		e.Log.InfoContext(ctx, "auto-response cap reached, suppressing notice", "list", list, "sender", held.Sender)
		return nil
	}

	body := fmt.Sprintf("From: %s-bounces@%s\r\nTo: %s\r\nSubject: Your message to %s was %s\r\nMessage-Id: %s\r\n\r\nYour message %q was %s.\r\n",
		list, e.Hostname, held.Sender, list, reason, mail.NewMessageID(e.Hostname), held.Subject, reason)
	_, err := e.Virgin.Enqueue([]byte(body), queue.Metadata{
		"listname": list,
		"whichq":   "virgin",
	})
	return err
}

// Sweep expires pending requests and held messages past their
// MaxDaysToHold deadline, and returns whether it made any change. An
// aged-out held message is auto-discarded; an aged-out pending request
// (subscription confirmation, re-enable cookie) simply lapses. When any
// held message remains open after the sweep, an admin notice is sent to
// the site list so a human knows queue depth is building.
func (e *Engine) Sweep(ctx context.Context, l *liststore.List, cfg config.ModerateConfig, siteList string) (bool, error) {
	changed := false
	now := time.Now()
	maxDays := l.MaxDaysToHold
	if maxDays == 0 {
		maxDays = cfg.MaxDaysToHold
	}
	if maxDays == 0 {
		maxDays = 14
	}
	deadline := time.Duration(maxDays) * 24 * time.Hour

	var keptRequests []liststore.PendingRequest
	for _, r := range l.PendingRequests {
		if !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt) {
			changed = true
			continue
		}
		keptRequests = append(keptRequests, r)
	}
	l.PendingRequests = keptRequests

	var keptHeld []liststore.HeldMessage
	var open []liststore.HeldMessage
	for _, h := range l.HeldMessages {
		if h.Disposition == liststore.Held && now.Sub(h.ReceivedAt) >= deadline {
			if err := e.Store.DeleteHeldArtifact(l.Name, h.ID); err != nil {
				e.Log.WarnContext(ctx, "failed to delete aged-out held artifact", "list", l.Name, "held_id", h.ID, "error", err.Error())
			}
			metrics.RecordModerationDecision(l.Name, "auto-discard")
			changed = true
			continue
		}
		if h.Disposition == liststore.Held {
			open = append(open, h)
		}
		keptHeld = append(keptHeld, h)
	}
	l.HeldMessages = keptHeld
	metrics.HeldMessages.WithLabelValues(l.Name).Set(float64(len(open)))

	if l.EvictStaleAutoResponses(now) {
		changed = true
	}

	if len(open) > 0 && e.Virgin != nil && siteList != "" {
		if err := e.notifyAdmin(l.Name, siteList, open); err != nil {
			e.Log.WarnContext(ctx, "failed to enqueue admin moderation notice", "list", l.Name, "error", err.Error())
		}
	}

	return changed, nil
}

func (e *Engine) notifyAdmin(list, siteList string, open []liststore.HeldMessage) error {
	var items strings.Builder
	for _, h := range open {
		reason := h.Reason
		if reason == "" {
			reason = "no reason given"
		}
		fmt.Fprintf(&items, "  #%d from %s: %q\r\n    reason: %s\r\n    held since: %s\r\n",
			h.ID, h.Sender, h.Subject, reason, h.ReceivedAt.Format(time.RFC1123Z))
	}
	body := fmt.Sprintf("From: %s-bounces@%s\r\nTo: %s@%s\r\nSubject: %d messages awaiting moderation on %s\r\nMessage-Id: %s\r\n\r\n%d messages are awaiting moderator action on list %q:\r\n\r\n%s",
		list, e.Hostname, siteList, e.Hostname, len(open), list, mail.NewMessageID(e.Hostname), len(open), list, items.String())
	_, err := e.Virgin.Enqueue([]byte(body), queue.Metadata{
		"listname": siteList,
		"whichq":   "virgin",
	})
	return err
}
