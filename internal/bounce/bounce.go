// Package bounce implements the engine's BounceEngine (spec.md §4.6):
// per-message DSN scoring (the Bounce runner's handler) and the daily
// disable/warn/remove sweep (a periodic task).
package bounce

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"text/template"
	"time"

	"github.com/mailmanhq/engine/internal/config"
	"github.com/mailmanhq/engine/internal/liststore"
	"github.com/mailmanhq/engine/internal/logging"
	"github.com/mailmanhq/engine/internal/mail"
	"github.com/mailmanhq/engine/internal/metrics"
	"github.com/mailmanhq/engine/internal/queue"
	"github.com/mailmanhq/engine/internal/runner"
)

// ScoreHandler is the Bounce runner's sole handler: it identifies the
// bouncing subscriber and increments their BounceInfo score. It does not
// itself hold the list lock for the duration of the whole runner pass —
// each entry acquires and releases it individually, per spec.md §5's
// "any runner... mutating a list must hold the lock for the duration of
// its mutation" rule applied at message granularity.
type ScoreHandler struct {
	Store    Store
	Lock     LockFactory
	Hostname string
	Log      *logging.Logger
}

// Store is the subset of liststore.Store the bounce engine needs.
type Store interface {
	Load(name string) (*liststore.List, error)
	Save(l *liststore.List) error
}

// LockFactory builds the list-scoped lease a handler must hold while
// mutating list state.
type LockFactory func(list string) interface {
	Acquire(timeout time.Duration, allowCrossHost bool) error
	Release() error
}

func (h ScoreHandler) Name() string { return "BounceScore" }

func (h ScoreHandler) Handle(ctx context.Context, list string, message []byte, meta queue.Metadata) (runner.Decision, string, error) {
	member, _ := meta["member"].(string)

	severity, recipients, err := mail.ClassifyDSN(message)
	if err != nil {
		return runner.Continue, "", fmt.Errorf("bounce score: classify dsn: %w", err)
	}
	if member == "" && len(recipients) > 0 {
		member = recipients[0]
	}
	if member == "" {
		return runner.Continue, "", fmt.Errorf("bounce score: could not identify bouncing member")
	}
	if severity == mail.Unknown {
		h.Log.WarnContext(ctx, "unclassifiable bounce, treating as soft", "list", list, "member", member)
		severity = mail.Soft
	}

	lock := h.Lock(list)
	if err := lock.Acquire(5*time.Second, false); err != nil {
		return runner.Continue, "", fmt.Errorf("bounce score: acquire lock for %s: %w", list, err)
	}
	defer lock.Release()

	l, err := h.Store.Load(list)
	if err != nil {
		return runner.Continue, "", fmt.Errorf("bounce score: load %s: %w", list, err)
	}
	sub, ok := l.Subscriber(member)
	if !ok {
		return runner.Discard, "", nil // bounce for an address no longer subscribed
	}

	info, ok := l.BounceInfos[sub.Key()]
	if !ok {
		now := time.Now()
		info = &liststore.BounceInfo{FirstBounce: now, Date: now}
		l.BounceInfos[sub.Key()] = info
	}
	delta := l.BounceScoreSoft
	if delta == 0 {
		delta = 0.5
	}
	if severity == mail.Hard {
		delta = l.BounceScoreHard
		if delta == 0 {
			delta = 1.0
		}
	}
	info.Score += delta
	sub.BounceScore = info.Score

	metrics.BounceScore.WithLabelValues(list, member).Set(info.Score)
	metrics.RecordBounceEvent(list, string(severity))

	if err := h.Store.Save(l); err != nil {
		return runner.Continue, "", fmt.Errorf("bounce score: save %s: %w", list, err)
	}
	return runner.Discard, "", nil
}

// Engine runs the daily per-list disable/warn/remove sweep.
type Engine struct {
	Store    Store
	Virgin   *queue.Switchboard
	Hostname string
	SiteList string
	Log      *logging.Logger
}

var warningTemplate = template.Must(template.New("bounce-warning").Parse(
	`Subject: Your subscription to {{.List}} has been disabled

Your subscription to the {{.List}} mailing list has been disabled because
of excessive bounces from your address {{.Member}}.

This is warning {{.NoticeCount}} of {{.MaxWarnings}}. If the problem is not
resolved you will be automatically unsubscribed.

To re-enable your subscription, reply to this message or visit the list's
web page and use cookie: {{.Cookie}}
`))

type warningData struct {
	List        string
	Member      string
	NoticeCount int
	MaxWarnings int
	Cookie      string
}

// Sweep mutates l in place per spec.md §4.6 and returns whether any field
// changed (the caller saves only when true, avoiding a needless rewrite
// of lists with no bounce activity).
func (e *Engine) Sweep(ctx context.Context, l *liststore.List, cfg config.BounceConfig) (bool, error) {
	changed := false
	now := time.Now()

	threshold := l.BounceScoreThreshold
	if threshold == 0 {
		threshold = cfg.Threshold
	}
	staleAfter := l.BounceStaleAfter
	if staleAfter == 0 {
		staleAfter = config.Duration(cfg.StaleAfter, 7*24*time.Hour)
	}
	warnInterval := l.BounceWarnInterval
	if warnInterval == 0 {
		warnInterval = config.Duration(cfg.WarnInterval, 3*24*time.Hour)
	}
	maxWarnings := l.BounceMaxWarnings
	if maxWarnings == 0 {
		maxWarnings = cfg.MaxWarnings
	}

	for key, sub := range l.Subscribers {
		info, hasInfo := l.BounceInfos[key]

		if sub.Status == liststore.StatusByBounce && !hasInfo {
			sub.Status = liststore.StatusEnabled
			changed = true
			continue
		}

		if hasInfo {
			if midnight(info.Date).Add(staleAfter).Before(midnight(now)) {
				delete(l.BounceInfos, key)
				sub.BounceScore = 0
				changed = true
				continue
			}
			if info.Score >= threshold && sub.Status == liststore.StatusEnabled {
				sub.Status = liststore.StatusByBounce
				info.Date = now
				info.NoticeCount = 0
				changed = true
				metrics.RecordBounceEvent(l.Name, "disable")
				metrics.MembersDisabled.WithLabelValues(l.Name).Inc()
			}
		}

		if isDisabledStatus(sub.Status) && hasInfo {
			due := info.LastNotice.IsZero() || now.Sub(info.LastNotice) >= warnInterval
			if !due {
				continue
			}
			if info.NoticeCount >= maxWarnings {
				delete(l.Subscribers, key)
				delete(l.BounceInfos, key)
				changed = true
				continue
			}
			info.Cookie = newCookie()
			info.NoticeCount++
			info.LastNotice = now
			changed = true
			if err := e.notifyDisabled(ctx, l, sub, info, maxWarnings); err != nil {
				e.Log.WarnContext(ctx, "failed to enqueue disable warning", "list", l.Name, "member", sub.Address, "error", err.Error())
			}
		}
	}

	return changed, nil
}

func isDisabledStatus(s liststore.DeliveryStatus) bool {
	switch s {
	case liststore.StatusByBounce, liststore.StatusByAdmin, liststore.StatusByUser, liststore.StatusUnknown:
		return true
	default:
		return false
	}
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func newCookie() string {
	buf := make([]byte, 12)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

func (e *Engine) notifyDisabled(ctx context.Context, l *liststore.List, sub *liststore.Subscriber, info *liststore.BounceInfo, maxWarnings int) error {
	var buf bytes.Buffer
	if err := warningTemplate.Execute(&buf, warningData{
		List:        l.Name,
		Member:      sub.Address,
		NoticeCount: info.NoticeCount,
		MaxWarnings: maxWarnings,
		Cookie:      info.Cookie,
	}); err != nil {
		return err
	}
	body := fmt.Sprintf("From: %s-bounces@%s\r\nTo: %s\r\nMessage-Id: %s\r\n%s",
		l.Name, l.Host, sub.Address, mail.NewMessageID(e.Hostname), buf.String())
	_, err := e.Virgin.Enqueue([]byte(body), queue.Metadata{
		"listname": l.Name,
		"whichq":   "virgin",
	})
	return err
}
