// Package handlers implements the engine's pipeline handler chain
// (spec.md §4.3, SPEC_FULL.md §4.3 expansion): SanityCheck, Header,
// Footer, Personalize, Archive, Digest, ToOutgoing, plus the Incoming
// runner's access-control handler and the News runner's loop-prevention
// guard. Each is a runner.Handler, independently testable and composed
// into a chain by cmd/qrunner.
package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/mailmanhq/engine/internal/liststore"
	"github.com/mailmanhq/engine/internal/logging"
	"github.com/mailmanhq/engine/internal/mail"
	"github.com/mailmanhq/engine/internal/queue"
	"github.com/mailmanhq/engine/internal/runner"
)

// ArchiveSink is the narrow interface the Archive handler hands a copy of
// every list post to. The web archiver is out of scope per spec.md §1;
// NoopArchiver is the default, logging-only implementation.
type ArchiveSink interface {
	Archive(ctx context.Context, list string, message []byte, meta queue.Metadata) error
}

// NoopArchiver discards every message after logging it, standing in for
// the out-of-scope web archiver collaborator.
type NoopArchiver struct{ Log *logging.Logger }

func (n NoopArchiver) Archive(ctx context.Context, list string, message []byte, meta queue.Metadata) error {
	if n.Log != nil {
		n.Log.InfoContext(ctx, "archived post (no-op sink)", "list", list, "bytes", len(message))
	}
	return nil
}

// currentMessage returns the most recently rewritten message body for
// this entry, per the _message metadata-key convention: a handler that
// changes message bytes stashes the new version under meta["_message"]
// rather than attempting to mutate the []byte parameter in place, since
// rewriting a header can change the message's length.
func currentMessage(meta queue.Metadata, original []byte) []byte {
	if m, ok := meta["_message"].([]byte); ok {
		return m
	}
	return original
}

func setRewritten(meta queue.Metadata, msg []byte) { meta["_message"] = msg }

// SanityCheck is the first pipeline handler: it assigns a Message-Id to
// messages that arrived without one and records the parsed envelope under
// well-known metadata keys for downstream handlers.
type SanityCheck struct{ Hostname string }

func (h SanityCheck) Name() string { return "SanityCheck" }

func (h SanityCheck) Handle(ctx context.Context, list string, message []byte, meta queue.Metadata) (runner.Decision, string, error) {
	msg := currentMessage(meta, message)
	env, err := mail.ParseEnvelope(msg)
	if err != nil {
		return runner.Continue, "", fmt.Errorf("sanity check: %w", err)
	}
	if env.MessageID == "" {
		mid := mail.NewMessageID(h.Hostname)
		msg, err = mail.SetHeader(msg, "Message-Id", mid)
		if err != nil {
			return runner.Continue, "", fmt.Errorf("sanity check: assign message-id: %w", err)
		}
		setRewritten(meta, msg)
		env.MessageID = strings.Trim(mid, "<>")
	}
	meta["message_id"] = env.MessageID
	meta["from"] = env.From
	meta["subject"] = env.Subject
	return runner.Continue, "", nil
}

// Header rewrites list-identifying headers: List-Id, X-BeenThere and
// Precedence. Reply-To is left as the sender wrote it.
type Header struct {
	Lists interface {
		Load(name string) (*liststore.List, error)
	}
}

func (h Header) Name() string { return "Header" }

func (h Header) Handle(ctx context.Context, list string, message []byte, meta queue.Metadata) (runner.Decision, string, error) {
	l, err := h.Lists.Load(list)
	if err != nil {
		return runner.Continue, "", fmt.Errorf("header: load list %s: %w", list, err)
	}
	msg := currentMessage(meta, message)

	listAddr := fmt.Sprintf("%s@%s", l.Name, l.Host)
	for _, kv := range [][2]string{
		{"List-Id", fmt.Sprintf("<%s.%s>", l.Name, l.Host)},
		{"X-BeenThere", listAddr},
		{"Precedence", "list"},
	} {
		msg, err = mail.SetHeader(msg, kv[0], kv[1])
		if err != nil {
			return runner.Continue, "", fmt.Errorf("header: set %s: %w", kv[0], err)
		}
	}
	setRewritten(meta, msg)
	return runner.Continue, "", nil
}

// Footer appends the list's configured boilerplate to the message body.
type Footer struct {
	Lists interface {
		Load(name string) (*liststore.List, error)
	}
}

func (h Footer) Name() string { return "Footer" }

func (h Footer) Handle(ctx context.Context, list string, message []byte, meta queue.Metadata) (runner.Decision, string, error) {
	l, err := h.Lists.Load(list)
	if err != nil {
		return runner.Continue, "", fmt.Errorf("footer: load list %s: %w", list, err)
	}
	if l.Footer == "" {
		return runner.Continue, "", nil
	}
	msg := mail.AppendFooter(currentMessage(meta, message), l.Footer)
	setRewritten(meta, msg)
	return runner.Continue, "", nil
}

// Personalize records whether VERP per-recipient envelope senders apply;
// the actual per-recipient Return-Path substitution happens in ToOutgoing
// and the Outgoing runner, which are the handlers that know the final
// recipient address.
type Personalize struct {
	Lists interface {
		Load(name string) (*liststore.List, error)
	}
}

func (h Personalize) Name() string { return "Personalize" }

func (h Personalize) Handle(ctx context.Context, list string, message []byte, meta queue.Metadata) (runner.Decision, string, error) {
	l, err := h.Lists.Load(list)
	if err != nil {
		return runner.Continue, "", fmt.Errorf("personalize: load list %s: %w", list, err)
	}
	meta["_verp"] = l.VERPEnabled
	return runner.Continue, "", nil
}

// Archive hands a copy of the final message to the ArchiveSink.
type Archive struct{ Sink ArchiveSink }

func (h Archive) Name() string { return "Archive" }

func (h Archive) Handle(ctx context.Context, list string, message []byte, meta queue.Metadata) (runner.Decision, string, error) {
	if err := h.Sink.Archive(ctx, list, currentMessage(meta, message), meta); err != nil {
		return runner.Continue, "", fmt.Errorf("archive: %w", err)
	}
	return runner.Continue, "", nil
}

// Digest captures the message for the list's next digest issue instead of
// letting it reach ToOutgoing, when the list is in digest mode and the
// entry has not already been marked to skip digestion (used by
// periodic.Tasks.DigestDispatch, which reinjects the assembled digest
// itself through this same pipeline with _skip_digest set).
type Digest struct {
	Lists interface {
		Load(name string) (*liststore.List, error)
	}
	Store interface {
		AppendDigestEntry(list string, raw []byte) error
	}
}

func (h Digest) Name() string { return "Digest" }

func (h Digest) Handle(ctx context.Context, list string, message []byte, meta queue.Metadata) (runner.Decision, string, error) {
	if skip, _ := meta["_skip_digest"].(bool); skip {
		return runner.Continue, "", nil
	}
	l, err := h.Lists.Load(list)
	if err != nil {
		return runner.Continue, "", fmt.Errorf("digest: load list %s: %w", list, err)
	}
	if !l.DigestEnabled {
		return runner.Continue, "", nil
	}
	if err := h.Store.AppendDigestEntry(list, currentMessage(meta, message)); err != nil {
		return runner.Continue, "", fmt.Errorf("digest: append entry: %w", err)
	}
	return runner.Halt, "", nil
}

// ToOutgoing is the terminal pipeline handler: it expands the list's
// immediate (non-digest) membership and enqueues one outgoing entry per
// recipient, each carrying its own envelope sender (VERP-encoded when the
// list enables it) so a later per-recipient delivery failure identifies
// exactly one subscriber.
type ToOutgoing struct {
	Lists interface {
		Load(name string) (*liststore.List, error)
	}
	Hostname string
	Outgoing *queue.Switchboard
}

func (h ToOutgoing) Name() string { return "ToOutgoing" }

func (h ToOutgoing) Handle(ctx context.Context, list string, message []byte, meta queue.Metadata) (runner.Decision, string, error) {
	l, err := h.Lists.Load(list)
	if err != nil {
		return runner.Continue, "", fmt.Errorf("to-outgoing: load list %s: %w", list, err)
	}
	msg := currentMessage(meta, message)
	verp, _ := meta["_verp"].(bool)

	for _, sub := range l.Subscribers {
		if sub.Status != liststore.StatusEnabled || sub.Digest || sub.NoMail {
			continue
		}
		outMeta := queue.Metadata{
			"listname":      list,
			"recipient":     sub.Address,
			"received_time": meta["received_time"],
			"message_id":    meta["message_id"],
			"whichq":        "outgoing",
		}
		if verp {
			outMeta["return_path"] = mail.EncodeVERP(l.Name, h.Hostname, sub.Address)
		} else {
			outMeta["return_path"] = fmt.Sprintf("%s-bounces@%s", l.Name, l.Host)
		}
		if _, err := h.Outgoing.Enqueue(msg, outMeta); err != nil {
			return runner.Continue, "", fmt.Errorf("to-outgoing: enqueue for %s: %w", sub.Address, err)
		}
	}
	return runner.Halt, "", nil
}
