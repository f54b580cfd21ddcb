// Package mta implements the narrow MTA-facing wrapper spec.md §1 allows
// as a thin reproduction of an out-of-scope external collaborator: a
// minimal SMTP-accepting process whose only job is to decide which list
// (and which of its queues) an inbound envelope belongs to, then
// atomically enqueue it, per spec.md §6's "the spool directory contract
// needs a concrete producer" and SPEC_FULL.md's cmd/mmdeliver expansion.
//
// It performs no mailbox storage, authentication, or IMAP concerns —
// those remain genuinely out of scope (spec.md §1).
package mta

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-smtp"

	"github.com/mailmanhq/engine/internal/liststore"
	"github.com/mailmanhq/engine/internal/logging"
	"github.com/mailmanhq/engine/internal/queue"
)

// Router resolves the destination queue name for a recipient local part.
// Known suffixes route to the bounce or command queue; anything else is
// a direct post and routes to incoming, provided the list exists.
type Router struct {
	Lists   *liststore.Store
	Queues  *queue.Set
	Log     *logging.Logger
}

// Backend implements the go-smtp Backend interface for the MTA wrapper.
type Backend struct {
	router *Router
}

// NewBackend builds a Backend bound to the given Router.
func NewBackend(router *Router) *Backend {
	return &Backend{router: router}
}

// NewSession is called when a new SMTP connection is established.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &Session{router: b.router}, nil
}

// Session implements the go-smtp Session interface: it accumulates the
// envelope and, on DATA, enqueues exactly once per recipient queue
// decision (a message with recipients spanning two lists is enqueued
// twice, once per destination, each with its own listname).
type Session struct {
	router *Router
	from   string
	rcpts  []string
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	list, _, err := decideDestination(to)
	if err != nil {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "malformed recipient"}
	}
	if !s.router.Lists.Exists(list) {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such list: " + list}
	}
	s.rcpts = append(s.rcpts, to)
	return nil
}

func (s *Session) Data(r io.Reader) error {
	if len(s.rcpts) == 0 {
		return &smtp.SMTPError{Code: 503, EnhancedCode: smtp.EnhancedCode{5, 5, 1}, Message: "no recipients specified"}
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "error reading message data"}
	}

	ctx := context.Background()
	seen := map[string]bool{}
	for _, rcpt := range s.rcpts {
		list, q, err := decideDestination(rcpt)
		if err != nil {
			continue
		}
		key := list + "/" + q
		if seen[key] {
			continue
		}
		seen[key] = true

		sb, err := s.router.Queues.Switchboard(q)
		if err != nil {
			s.router.Log.ErrorContext(ctx, "mta: unknown destination queue", err, "queue", q, "list", list)
			return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "internal routing error"}
		}
		if _, err := sb.Enqueue(raw, queue.Metadata{
			"listname": list,
			"whichq":   q,
			"envelope_from": s.from,
			"envelope_to":   rcpt,
		}); err != nil {
			s.router.Log.ErrorContext(ctx, "mta: enqueue failed", err, "queue", q, "list", list)
			return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "temporary queueing failure"}
		}
	}
	return nil
}

func (s *Session) Reset()        { s.from = ""; s.rcpts = nil }
func (s *Session) Logout() error { return nil }

// decideDestination splits a recipient address's local-part into a list
// name and a destination queue: "<list>-bounces[+...]" routes to the
// bounce queue, "<list>-request" routes to the command queue, and
// anything else routes straight to incoming as a direct post.
func decideDestination(rcpt string) (list, destQueue string, err error) {
	at := strings.LastIndexByte(rcpt, '@')
	if at < 0 {
		return "", "", fmt.Errorf("mta: recipient %q has no domain part", rcpt)
	}
	local := rcpt[:at]

	switch {
	case strings.Contains(local, "-bounces"):
		list = local[:strings.Index(local, "-bounces")]
		return list, "bounce", nil
	case strings.HasSuffix(local, "-request"):
		return strings.TrimSuffix(local, "-request"), "command", nil
	default:
		return local, "incoming", nil
	}
}
