package liststore

import (
	"os"
	"testing"
	"time"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	l := NewList("announce", "example.com")
	l.AddSubscriber(Subscriber{Address: "User@Example.com", Status: StatusEnabled})
	l.BounceScoreThreshold = 5.0

	if err := store.Save(l); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load("announce")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.BounceScoreThreshold != 5.0 {
		t.Fatalf("BounceScoreThreshold = %v, want 5.0", loaded.BounceScoreThreshold)
	}
	sub, ok := loaded.Subscriber("user@example.com")
	if !ok {
		t.Fatal("subscriber not found by lowercase lookup")
	}
	if sub.Address != "User@Example.com" {
		t.Fatalf("Address = %q, want case-preserved original", sub.Address)
	}
}

func TestSaveKeepsLastCopy(t *testing.T) {
	store := NewStore(t.TempDir())

	l := NewList("announce", "example.com")
	l.DigestVolume = 1
	if err := store.Save(l); err != nil {
		t.Fatalf("first Save: %v", err)
	}

	l.DigestVolume = 2
	if err := store.Save(l); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	if _, err := os.Stat(store.lastPath("announce")); err != nil {
		t.Fatalf("expected config.pck.last to exist: %v", err)
	}

	current, err := store.Load("announce")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if current.DigestVolume != 2 {
		t.Fatalf("DigestVolume = %d, want 2 (current copy, not .last)", current.DigestVolume)
	}
}

func TestLoadFallsBackToLastOnCorruption(t *testing.T) {
	store := NewStore(t.TempDir())

	l := NewList("announce", "example.com")
	l.DigestVolume = 7
	if err := store.Save(l); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Second save produces config.pck.last equal to the first good copy.
	l.DigestVolume = 8
	if err := store.Save(l); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	if err := os.WriteFile(store.configPath("announce"), []byte("garbage, not a state file"), 0640); err != nil {
		t.Fatalf("corrupt config.pck: %v", err)
	}

	loaded, err := store.Load("announce")
	if err != nil {
		t.Fatalf("Load should fall back to .last: %v", err)
	}
	if loaded.DigestVolume != 7 {
		t.Fatalf("DigestVolume = %d, want 7 (from .last fallback)", loaded.DigestVolume)
	}
}

func TestLoadFallsBackToSafetyCopy(t *testing.T) {
	store := NewStore(t.TempDir())

	l := NewList("announce", "example.com")
	l.DigestVolume = 9
	if err := store.WriteSafety(l); err != nil {
		t.Fatalf("WriteSafety: %v", err)
	}

	loaded, err := store.Load("announce")
	if err != nil {
		t.Fatalf("Load should fall back to safety copy: %v", err)
	}
	if loaded.DigestVolume != 9 {
		t.Fatalf("DigestVolume = %d, want 9", loaded.DigestVolume)
	}
}

func TestNextRequestIDIsMonotonic(t *testing.T) {
	l := NewList("announce", "example.com")
	l.PendingRequests = append(l.PendingRequests, PendingRequest{ID: 5})

	if got := l.NextRequestID(); got <= 5 {
		t.Fatalf("NextRequestID = %d, want > 5", got)
	}
}

func TestHeldArtifactRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	if err := store.SaveHeldArtifact("announce", 1, []byte("From: a@b.com\n\nhello")); err != nil {
		t.Fatalf("SaveHeldArtifact: %v", err)
	}

	raw, err := store.LoadHeldArtifact("announce", 1)
	if err != nil {
		t.Fatalf("LoadHeldArtifact: %v", err)
	}
	if string(raw) != "From: a@b.com\n\nhello" {
		t.Fatalf("raw = %q, want original bytes", raw)
	}

	if err := store.DeleteHeldArtifact("announce", 1); err != nil {
		t.Fatalf("DeleteHeldArtifact: %v", err)
	}
	if _, err := store.LoadHeldArtifact("announce", 1); err == nil {
		t.Fatal("expected error reading deleted artifact")
	}
}

func TestListsEnumeratesStateDirectories(t *testing.T) {
	store := NewStore(t.TempDir())

	for _, name := range []string{"announce", "discuss"} {
		l := NewList(name, "example.com")
		if err := store.Save(l); err != nil {
			t.Fatalf("Save %s: %v", name, err)
		}
	}

	names, err := store.Lists()
	if err != nil {
		t.Fatalf("Lists: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("Lists = %v, want 2 entries", names)
	}
}

func TestBounceInfoSurvivesRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	l := NewList("announce", "example.com")
	l.BounceInfos["user@example.com"] = &BounceInfo{
		Score:       2.5,
		FirstBounce: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		NoticeCount: 1,
	}
	if err := store.Save(l); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load("announce")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	info, ok := loaded.BounceInfos["user@example.com"]
	if !ok {
		t.Fatal("bounce info missing after round trip")
	}
	if info.Score != 2.5 {
		t.Fatalf("Score = %v, want 2.5", info.Score)
	}
}

func TestRecordAutoResponseResetsOnNewDay(t *testing.T) {
	l := NewList("announce", "example.com")

	yesterday := time.Now().Add(-24 * time.Hour)
	if got := l.RecordAutoResponse("Carol@Example.com", yesterday); got != 1 {
		t.Fatalf("first count = %d, want 1", got)
	}
	if got := l.RecordAutoResponse("carol@example.com", yesterday); got != 2 {
		t.Fatalf("second count same day = %d, want 2", got)
	}

	today := time.Now()
	if got := l.RecordAutoResponse("carol@example.com", today); got != 1 {
		t.Fatalf("count on new day = %d, want reset to 1", got)
	}
}

func TestEvictStaleAutoResponses(t *testing.T) {
	l := NewList("announce", "example.com")
	l.RecordAutoResponse("stale@example.com", time.Now().Add(-24*time.Hour))
	l.RecordAutoResponse("fresh@example.com", time.Now())

	if changed := l.EvictStaleAutoResponses(time.Now()); !changed {
		t.Fatal("expected changed = true")
	}
	if _, ok := l.AutoResponses["stale@example.com"]; ok {
		t.Error("stale entry should have been evicted")
	}
	if _, ok := l.AutoResponses["fresh@example.com"]; !ok {
		t.Error("fresh entry should survive")
	}
	if changed := l.EvictStaleAutoResponses(time.Now()); changed {
		t.Error("second eviction pass should report no change")
	}
}
