package siteindex

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mailmanhq/engine/internal/liststore"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "siteindex.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func TestRebuildAndCounts(t *testing.T) {
	db := newTestDB(t)
	l := liststore.NewList("projects", "example.com")
	l.PendingRequests = append(l.PendingRequests, liststore.PendingRequest{
		ID: 1, Kind: liststore.RequestSubscription, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	})
	l.HeldMessages = append(l.HeldMessages, liststore.HeldMessage{
		ID: 1, Sender: "a@example.com", Subject: "hi", ReceivedAt: time.Now(), Disposition: liststore.Held,
	})

	if err := db.Rebuild(context.Background(), l); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	pending, err := db.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if pending != 1 {
		t.Errorf("pending = %d, want 1", pending)
	}
	held, err := db.HeldCount(context.Background())
	if err != nil {
		t.Fatalf("HeldCount: %v", err)
	}
	if held != 1 {
		t.Errorf("held = %d, want 1", held)
	}
}

func TestRebuildReplacesPriorState(t *testing.T) {
	db := newTestDB(t)
	l := liststore.NewList("projects", "example.com")
	l.HeldMessages = append(l.HeldMessages, liststore.HeldMessage{ID: 1, Disposition: liststore.Held, ReceivedAt: time.Now()})
	if err := db.Rebuild(context.Background(), l); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	l.HeldMessages = nil
	if err := db.Rebuild(context.Background(), l); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	held, err := db.HeldCount(context.Background())
	if err != nil {
		t.Fatalf("HeldCount: %v", err)
	}
	if held != 0 {
		t.Errorf("held = %d, want 0 after empty rebuild", held)
	}
}
