// Package periodic implements the engine's PeriodicTasks (spec.md §4.7):
// DigestDispatch, PasswordReminders, NNTPGate, and QueueVolumeBump. Each
// is invoked as a one-shot call by a cron-equivalent (the cmd/cron
// wrappers in this repo); the tasks that modify a list hold its list lock
// while doing so (PasswordReminders only reads lists and takes no lock),
// and each isolates per-list failures so one broken list cannot starve
// the others.
package periodic

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
	"time"

	"github.com/mailmanhq/engine/internal/liststore"
	"github.com/mailmanhq/engine/internal/logging"
	"github.com/mailmanhq/engine/internal/mail"
	"github.com/mailmanhq/engine/internal/mlock"
	"github.com/mailmanhq/engine/internal/nntp"
	"github.com/mailmanhq/engine/internal/queue"
)

// Store is the subset of liststore.Store the periodic tasks need.
type Store interface {
	Lists() ([]string, error)
	Load(name string) (*liststore.List, error)
	Save(l *liststore.List) error
	DigestEntries(list string) ([][]byte, error)
	ClearDigestEntries(list string) error
}

// LockFactory builds the list-scoped lease a task must hold while
// mutating a list's persisted state.
type LockFactory func(list string) *mlock.Lock

// Tasks bundles the collaborators every periodic task needs.
type Tasks struct {
	Store    Store
	Lock     LockFactory
	Pipeline *queue.Switchboard
	Virgin   *queue.Switchboard
	Incoming *queue.Switchboard
	Hostname string
	SiteList string
	Log      *logging.Logger
}

func (t *Tasks) withList(ctx context.Context, name string, fn func(l *liststore.List) (bool, error)) error {
	lock := t.Lock(name)
	if err := lock.Acquire(10*time.Second, false); err != nil {
		return fmt.Errorf("periodic: acquire lock for %s: %w", name, err)
	}
	defer lock.Release()

	l, err := t.Store.Load(name)
	if err != nil {
		return fmt.Errorf("periodic: load %s: %w", name, err)
	}
	changed, err := fn(l)
	if err != nil {
		return err
	}
	if changed {
		return t.Store.Save(l)
	}
	return nil
}

// DigestDispatch folds every accumulated digest message for each
// digest-enabled list into one issue and reinjects it through the
// pipeline with _skip_digest set, so the Digest handler does not
// recapture the very message it just assembled.
func (t *Tasks) DigestDispatch(ctx context.Context) error {
	names, err := t.Store.Lists()
	if err != nil {
		return fmt.Errorf("digest dispatch: list lists: %w", err)
	}
	for _, name := range names {
		if err := t.dispatchOne(ctx, name); err != nil {
			t.Log.ErrorContext(ctx, "digest dispatch failed for list, continuing", err, "list", name)
		}
	}
	return nil
}

func (t *Tasks) dispatchOne(ctx context.Context, name string) error {
	return t.withList(ctx, name, func(l *liststore.List) (bool, error) {
		if !l.DigestEnabled {
			return false, nil
		}
		entries, err := t.Store.DigestEntries(name)
		if err != nil {
			return false, fmt.Errorf("digest entries for %s: %w", name, err)
		}
		if len(entries) == 0 {
			return false, nil
		}

		var body bytes.Buffer
		fmt.Fprintf(&body, "From: %s-bounces@%s\r\nTo: %s@%s\r\nSubject: %s Digest, Vol %d #%d\r\nMessage-Id: %s\r\n\r\n",
			l.Name, l.Host, l.Name, l.Host, l.Name, l.DigestVolume, l.DigestNumber+1, mail.NewMessageID(t.Hostname))
		for i, entry := range entries {
			fmt.Fprintf(&body, "--- message %d ---\r\n", i+1)
			body.Write(entry)
			body.WriteString("\r\n")
		}

		if _, err := t.Pipeline.Enqueue(body.Bytes(), queue.Metadata{
			"listname":      name,
			"whichq":        "pipeline",
			"_skip_digest":  true,
		}); err != nil {
			return false, fmt.Errorf("enqueue digest for %s: %w", name, err)
		}
		if err := t.Store.ClearDigestEntries(name); err != nil {
			return false, fmt.Errorf("clear digest entries for %s: %w", name, err)
		}
		l.DigestNumber++
		return true, nil
	})
}

// QueueVolumeBump advances every list's digest volume and resets the
// per-volume issue number, on whatever cron schedule the site configures
// (typically monthly).
func (t *Tasks) QueueVolumeBump(ctx context.Context) error {
	names, err := t.Store.Lists()
	if err != nil {
		return fmt.Errorf("queue volume bump: list lists: %w", err)
	}
	for _, name := range names {
		err := t.withList(ctx, name, func(l *liststore.List) (bool, error) {
			l.DigestVolume++
			l.DigestNumber = 0
			return true, nil
		})
		if err != nil {
			t.Log.ErrorContext(ctx, "volume bump failed for list, continuing", err, "list", name)
		}
	}
	return nil
}

var reminderTemplate = template.Must(template.New("password-reminder").Parse(
	`Subject: Your mailman.hq mailing list memberships reminder

This is an automated reminder of your mailing list subscriptions on {{.Host}}:
{{range .Lists}}
  - {{.}}
{{end}}
If you no longer wish to receive these reminders, you can disable them from
your member options page.
`))

type reminderData struct {
	Host  string
	Lists []string
}

// PasswordReminders groups subscribers by host across every list and sends
// each address at most one reminder per host per run, honoring the per-subscriber
// SuppressReminder flag, and is sent from the site list identity.
func (t *Tasks) PasswordReminders(ctx context.Context) error {
	names, err := t.Store.Lists()
	if err != nil {
		return fmt.Errorf("password reminders: list lists: %w", err)
	}

	type key struct{ host, address string }
	byMember := map[key][]string{}
	hosts := map[string]string{} // address -> host, for later lookup

	for _, name := range names {
		l, err := t.Store.Load(name)
		if err != nil {
			t.Log.ErrorContext(ctx, "password reminders: load failed, continuing", err, "list", name)
			continue
		}
		for _, sub := range l.Subscribers {
			if sub.SuppressReminder {
				continue
			}
			k := key{host: l.Host, address: sub.Key()}
			byMember[k] = append(byMember[k], l.Name)
			hosts[sub.Key()] = l.Host
		}
	}

	for k, lists := range byMember {
		if err := t.sendReminder(k.host, k.address, lists); err != nil {
			t.Log.ErrorContext(ctx, "failed to send password reminder, continuing", err, "address", k.address)
		}
	}
	return nil
}

func (t *Tasks) sendReminder(host, address string, lists []string) error {
	var buf bytes.Buffer
	if err := reminderTemplate.Execute(&buf, reminderData{Host: host, Lists: lists}); err != nil {
		return err
	}
	body := fmt.Sprintf("From: %s@%s\r\nTo: %s\r\nMessage-Id: %s\r\nAuto-Submitted: auto-generated\r\n%s",
		t.SiteList, host, address, mail.NewMessageID(t.Hostname), buf.String())
	_, err := t.Virgin.Enqueue([]byte(body), queue.Metadata{
		"listname": t.SiteList,
		"whichq":   "virgin",
	})
	return err
}

// NNTPGate fetches new articles from each list's configured USENET group,
// rejecting anything already bearing this list's X-BeenThere header (loop
// prevention), and advances the list's usenet_watermark past every
// article it processed, per spec.md §4.7 and §5's connection-cache rule.
func (t *Tasks) NNTPGate(ctx context.Context, pool *nntp.Pool, maxSpan int) error {
	names, err := t.Store.Lists()
	if err != nil {
		return fmt.Errorf("nntp gate: list lists: %w", err)
	}
	for _, name := range names {
		if err := t.gateOne(ctx, name, pool, maxSpan); err != nil {
			t.Log.ErrorContext(ctx, "nntp gate failed for list, continuing", err, "list", name)
		}
	}
	return nil
}

func (t *Tasks) gateOne(ctx context.Context, name string, pool *nntp.Pool, maxSpan int) error {
	return t.withList(ctx, name, func(l *liststore.List) (bool, error) {
		if l.NNTPHost == "" {
			return false, nil
		}
		client, err := pool.Get(l.NNTPHost)
		if err != nil {
			return false, fmt.Errorf("dial %s: %w", l.NNTPHost, err)
		}
		_, high, err := client.Group(l.Name)
		if err != nil {
			pool.Drop(l.NNTPHost)
			return false, fmt.Errorf("group %s: %w", l.Name, err)
		}

		start := l.UsenetWatermark + 1
		end := high
		if maxSpan > 0 && end-start+1 > maxSpan {
			end = start + maxSpan - 1
		}

		listAddr := fmt.Sprintf("%s@%s", l.Name, l.Host)
		changed := false
		for n := start; n <= end; n++ {
			article, err := client.Article(n)
			if err != nil {
				pool.Drop(l.NNTPHost)
				return changed, fmt.Errorf("article %d: %w", n, err)
			}
			if mail.HeaderEquals(article, "X-BeenThere", listAddr) {
				l.UsenetWatermark = n
				changed = true
				continue
			}
			if _, err := t.Incoming.Enqueue(article, queue.Metadata{
				"listname": name,
				"whichq":   "incoming",
			}); err != nil {
				return changed, fmt.Errorf("enqueue article %d: %w", n, err)
			}
			l.UsenetWatermark = n
			changed = true
		}
		return changed, nil
	})
}
