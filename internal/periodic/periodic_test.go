package periodic

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mailmanhq/engine/internal/liststore"
	"github.com/mailmanhq/engine/internal/logging"
	"github.com/mailmanhq/engine/internal/mlock"
	"github.com/mailmanhq/engine/internal/queue"
)

func newTestTasks(t *testing.T) (*Tasks, *liststore.Store) {
	t.Helper()
	dir := t.TempDir()
	store := liststore.NewStore(filepath.Join(dir, "lists"))
	pipeline, err := queue.New("pipeline", filepath.Join(dir, "pipeline"))
	if err != nil {
		t.Fatalf("queue.New pipeline: %v", err)
	}
	virgin, err := queue.New("virgin", filepath.Join(dir, "virgin"))
	if err != nil {
		t.Fatalf("queue.New virgin: %v", err)
	}
	incoming, err := queue.New("incoming", filepath.Join(dir, "incoming"))
	if err != nil {
		t.Fatalf("queue.New incoming: %v", err)
	}
	log, _ := logging.New(logging.DefaultConfig())
	tasks := &Tasks{
		Store:    store,
		Pipeline: pipeline,
		Virgin:   virgin,
		Incoming: incoming,
		Hostname: "example.com",
		SiteList: "mailman",
		Log:      log,
		Lock: func(list string) *mlock.Lock {
			return mlock.New(filepath.Join(dir, list+".lock"), "host.example.com", list)
		},
	}
	return tasks, store
}

func TestDigestDispatchFoldsEntriesAndClears(t *testing.T) {
	tasks, store := newTestTasks(t)
	l := liststore.NewList("projects", "example.com")
	l.DigestEnabled = true
	if err := store.Save(l); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.AppendDigestEntry("projects", []byte("From: a@example.com\r\n\r\nhi\r\n")); err != nil {
		t.Fatalf("AppendDigestEntry: %v", err)
	}

	if err := tasks.DigestDispatch(context.Background()); err != nil {
		t.Fatalf("DigestDispatch: %v", err)
	}

	bases, err := tasks.Pipeline.Files(0, 1)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(bases) != 1 {
		t.Fatalf("pipeline entries = %d, want 1", len(bases))
	}
	entries, err := store.DigestEntries("projects")
	if err != nil {
		t.Fatalf("DigestEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("digest entries remaining = %d, want 0", len(entries))
	}
}

func TestPasswordRemindersSkipsSuppressed(t *testing.T) {
	tasks, store := newTestTasks(t)
	l := liststore.NewList("projects", "example.com")
	l.AddSubscriber(liststore.Subscriber{Address: "bob@example.com"})
	l.AddSubscriber(liststore.Subscriber{Address: "carol@example.com", SuppressReminder: true})
	if err := store.Save(l); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := tasks.PasswordReminders(context.Background()); err != nil {
		t.Fatalf("PasswordReminders: %v", err)
	}
	bases, err := tasks.Virgin.Files(0, 1)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(bases) != 1 {
		t.Fatalf("virgin entries = %d, want 1 (only bob, not suppressed carol)", len(bases))
	}
}

func TestQueueVolumeBumpAdvancesVolume(t *testing.T) {
	tasks, store := newTestTasks(t)
	l := liststore.NewList("projects", "example.com")
	l.DigestVolume = 3
	l.DigestNumber = 7
	if err := store.Save(l); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := tasks.QueueVolumeBump(context.Background()); err != nil {
		t.Fatalf("QueueVolumeBump: %v", err)
	}
	reloaded, err := store.Load("projects")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.DigestVolume != 4 || reloaded.DigestNumber != 0 {
		t.Errorf("volume/number = %d/%d, want 4/0", reloaded.DigestVolume, reloaded.DigestNumber)
	}
}
