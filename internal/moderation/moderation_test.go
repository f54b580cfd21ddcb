package moderation

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mailmanhq/engine/internal/config"
	"github.com/mailmanhq/engine/internal/liststore"
	"github.com/mailmanhq/engine/internal/logging"
	"github.com/mailmanhq/engine/internal/queue"
)

func newTestEngine(t *testing.T, l *liststore.List) (*Engine, *liststore.Store) {
	t.Helper()
	dir := t.TempDir()
	store := liststore.NewStore(filepath.Join(dir, "lists"))
	if err := store.Save(l); err != nil {
		t.Fatalf("Save: %v", err)
	}
	pipeline, err := queue.New("pipeline", filepath.Join(dir, "pipeline"))
	if err != nil {
		t.Fatalf("queue.New pipeline: %v", err)
	}
	virgin, err := queue.New("virgin", filepath.Join(dir, "virgin"))
	if err != nil {
		t.Fatalf("queue.New virgin: %v", err)
	}
	log, _ := logging.New(logging.DefaultConfig())
	return &Engine{Store: store, Pipeline: pipeline, Virgin: virgin, Hostname: "example.com", Log: log}, store
}

func TestHandleApprovedRequeuesArtifact(t *testing.T) {
	l := liststore.NewList("projects", "example.com")
	l.HeldMessages = append(l.HeldMessages, liststore.HeldMessage{ID: 1, Sender: "carol@example.com", Disposition: liststore.Held})
	e, store := newTestEngine(t, l)
	if err := store.SaveHeldArtifact("projects", 1, []byte("From: carol@example.com\r\n\r\nhi\r\n")); err != nil {
		t.Fatalf("SaveHeldArtifact: %v", err)
	}
	if err := store.Save(l); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := e.Handle(context.Background(), "projects", 1, liststore.Approved); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	reloaded, err := store.Load("projects")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(reloaded.HeldMessages) != 0 {
		t.Errorf("held messages = %d, want 0", len(reloaded.HeldMessages))
	}
	bases, err := e.Pipeline.Files(0, 1)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(bases) != 1 {
		t.Errorf("pipeline entries = %d, want 1", len(bases))
	}
}

func TestHandleRejectedNotifiesSender(t *testing.T) {
	l := liststore.NewList("projects", "example.com")
	l.HeldMessages = append(l.HeldMessages, liststore.HeldMessage{ID: 2, Sender: "dave@example.com", Disposition: liststore.Held})
	e, store := newTestEngine(t, l)
	if err := store.SaveHeldArtifact("projects", 2, []byte("From: dave@example.com\r\n\r\nhi\r\n")); err != nil {
		t.Fatalf("SaveHeldArtifact: %v", err)
	}
	if err := store.Save(l); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := e.Handle(context.Background(), "projects", 2, liststore.Rejected); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	bases, err := e.Virgin.Files(0, 1)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(bases) != 1 {
		t.Errorf("virgin entries = %d, want 1", len(bases))
	}
}

func TestSweepExpiresAgedHeldMessage(t *testing.T) {
	l := liststore.NewList("projects", "example.com")
	l.MaxDaysToHold = 14
	l.HeldMessages = append(l.HeldMessages, liststore.HeldMessage{
		ID:          3,
		Sender:      "erin@example.com",
		Disposition: liststore.Held,
		ReceivedAt:  time.Now().Add(-30 * 24 * time.Hour),
	})
	e, store := newTestEngine(t, l)
	if err := store.SaveHeldArtifact("projects", 3, []byte("stale")); err != nil {
		t.Fatalf("SaveHeldArtifact: %v", err)
	}

	changed, err := e.Sweep(context.Background(), l, config.ModerateConfig{MaxDaysToHold: 14}, "site-admin")
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if !changed {
		t.Fatal("expected changed = true")
	}
	if len(l.HeldMessages) != 0 {
		t.Errorf("held messages = %d, want 0", len(l.HeldMessages))
	}
}

// TestSweepDefaultMaxDaysToHoldIsFourteen guards spec §4.5's 14-day
// default: with neither the list nor the config specifying a value, a
// held message 20 days old must age out. A stale regression back to a
// 30-day fallback would let this message survive.
func TestSweepDefaultMaxDaysToHoldIsFourteen(t *testing.T) {
	l := liststore.NewList("projects", "example.com")
	l.HeldMessages = append(l.HeldMessages, liststore.HeldMessage{
		ID:          4,
		Sender:      "frank@example.com",
		Disposition: liststore.Held,
		ReceivedAt:  time.Now().Add(-20 * 24 * time.Hour),
	})
	e, store := newTestEngine(t, l)
	if err := store.SaveHeldArtifact("projects", 4, []byte("stale")); err != nil {
		t.Fatalf("SaveHeldArtifact: %v", err)
	}

	changed, err := e.Sweep(context.Background(), l, config.ModerateConfig{}, "")
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if !changed {
		t.Fatal("expected changed = true")
	}
	if len(l.HeldMessages) != 0 {
		t.Errorf("held messages = %d, want 0 (default max_days_to_hold should be 14)", len(l.HeldMessages))
	}
}

// TestSweepEvictsStaleAutoResponses exercises spec §4.5 step 3: per-sender
// auto-reply counters from a previous day are a rolling window and must
// be evicted, while today's entries survive.
func TestSweepEvictsStaleAutoResponses(t *testing.T) {
	l := liststore.NewList("projects", "example.com")
	l.RecordAutoResponse("gail@example.com", time.Now().Add(-24*time.Hour))
	l.RecordAutoResponse("hank@example.com", time.Now())
	e, _ := newTestEngine(t, l)

	changed, err := e.Sweep(context.Background(), l, config.ModerateConfig{MaxDaysToHold: 14}, "")
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if !changed {
		t.Fatal("expected changed = true")
	}
	if _, ok := l.AutoResponses["gail@example.com"]; ok {
		t.Error("expected yesterday's auto-response counter to be evicted")
	}
	if _, ok := l.AutoResponses["hank@example.com"]; !ok {
		t.Error("expected today's auto-response counter to survive")
	}
}

// TestNotifySenderCapsAutoResponsesPerDay verifies that rejecting two
// held messages from the same sender in one day only sends one rejection
// notice, per spec §4.5 step 3's reply-loop prevention.
func TestNotifySenderCapsAutoResponsesPerDay(t *testing.T) {
	l := liststore.NewList("projects", "example.com")
	l.HeldMessages = append(l.HeldMessages,
		liststore.HeldMessage{ID: 5, Sender: "ivy@example.com", Disposition: liststore.Held},
		liststore.HeldMessage{ID: 6, Sender: "ivy@example.com", Disposition: liststore.Held},
	)
	e, store := newTestEngine(t, l)
	for _, id := range []int{5, 6} {
		if err := store.SaveHeldArtifact("projects", id, []byte("hi")); err != nil {
			t.Fatalf("SaveHeldArtifact: %v", err)
		}
	}
	e.MaxAutoResponsesPerDay = 1

	if err := e.Handle(context.Background(), "projects", 5, liststore.Rejected); err != nil {
		t.Fatalf("Handle 5: %v", err)
	}
	if err := e.Handle(context.Background(), "projects", 6, liststore.Rejected); err != nil {
		t.Fatalf("Handle 6: %v", err)
	}

	bases, err := e.Virgin.Files(0, 5)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(bases) != 1 {
		t.Errorf("virgin entries = %d, want 1 (second rejection notice should be capped)", len(bases))
	}
}

// TestNotifyAdminListsHeldItemDetails checks that the admin notice
// enumerates sender/subject/reason/date per open item, per spec §4.5
// step 4, rather than just an open count.
func TestNotifyAdminListsHeldItemDetails(t *testing.T) {
	l := liststore.NewList("projects", "example.com")
	l.HeldMessages = append(l.HeldMessages, liststore.HeldMessage{
		ID:          7,
		Sender:      "jane@example.com",
		Subject:     "hello list",
		Reason:      "not a subscriber",
		Disposition: liststore.Held,
		ReceivedAt:  time.Now(),
	})
	e, _ := newTestEngine(t, l)

	changed, err := e.Sweep(context.Background(), l, config.ModerateConfig{MaxDaysToHold: 14}, "site-admin")
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	_ = changed

	bases, err := e.Virgin.Files(0, 1)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(bases) != 1 {
		t.Fatalf("virgin entries = %d, want 1", len(bases))
	}
	raw, _, err := e.Virgin.Dequeue(bases[0])
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	body := string(raw)
	for _, want := range []string{"jane@example.com", "hello list", "not a subscriber"} {
		if !strings.Contains(body, want) {
			t.Errorf("admin notice missing %q:\n%s", want, body)
		}
	}
}

func TestSweepExpiresStalePendingRequest(t *testing.T) {
	l := liststore.NewList("projects", "example.com")
	l.PendingRequests = append(l.PendingRequests, liststore.PendingRequest{
		ID:        1,
		Kind:      liststore.RequestSubscription,
		ExpiresAt: time.Now().Add(-1 * time.Hour),
	})
	e, _ := newTestEngine(t, l)

	changed, err := e.Sweep(context.Background(), l, config.ModerateConfig{MaxDaysToHold: 14}, "")
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if !changed {
		t.Fatal("expected changed = true")
	}
	if len(l.PendingRequests) != 0 {
		t.Errorf("pending requests = %d, want 0", len(l.PendingRequests))
	}
}
