package handlers

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mailmanhq/engine/internal/liststore"
	"github.com/mailmanhq/engine/internal/logging"
	"github.com/mailmanhq/engine/internal/mail"
	"github.com/mailmanhq/engine/internal/mlock"
	"github.com/mailmanhq/engine/internal/queue"
	"github.com/mailmanhq/engine/internal/runner"
)

const testMessage = "From: alice@example.com\r\nTo: projects@example.com\r\nSubject: hi\r\nDate: Fri, 1 Jan 2026 00:00:00 +0000\r\n\r\nhello body\r\n"

type fakeStore struct {
	lists map[string]*liststore.List
	held  map[string][]byte
}

func newFakeStore(lists ...*liststore.List) *fakeStore {
	s := &fakeStore{lists: map[string]*liststore.List{}, held: map[string][]byte{}}
	for _, l := range lists {
		s.lists[l.Name] = l
	}
	return s
}

func (s *fakeStore) Load(name string) (*liststore.List, error) { return s.lists[name], nil }
func (s *fakeStore) Exists(name string) bool                    { _, ok := s.lists[name]; return ok }
func (s *fakeStore) Save(l *liststore.List) error               { s.lists[l.Name] = l; return nil }
func (s *fakeStore) SaveHeldArtifact(list string, id int, raw []byte) error {
	s.held[list] = raw
	return nil
}
func (s *fakeStore) AppendDigestEntry(list string, raw []byte) error { return nil }

func TestSanityCheckAssignsMessageID(t *testing.T) {
	meta := queue.Metadata{}
	h := SanityCheck{Hostname: "example.com"}
	decision, _, err := h.Handle(context.Background(), "projects", []byte(testMessage), meta)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if decision != runner.Continue {
		t.Fatalf("decision = %v", decision)
	}
	if meta["message_id"].(string) == "" {
		t.Error("expected a minted message_id")
	}
}

func TestHeaderSetsListHeaders(t *testing.T) {
	l := liststore.NewList("projects", "example.com")
	store := newFakeStore(l)
	h := Header{Lists: store}
	meta := queue.Metadata{}
	if _, _, err := h.Handle(context.Background(), "projects", []byte(testMessage), meta); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	msg := currentMessage(meta, []byte(testMessage))
	if !mail.HeaderEquals(msg, "X-BeenThere", "projects@example.com") {
		t.Error("X-BeenThere not set")
	}
	if !mail.HeaderEquals(msg, "Precedence", "list") {
		t.Error("Precedence not set")
	}
}

func TestFooterAppendsConfiguredText(t *testing.T) {
	l := liststore.NewList("projects", "example.com")
	l.Footer = "-- unsubscribe at projects-request@example.com --"
	store := newFakeStore(l)
	h := Footer{Lists: store}
	meta := queue.Metadata{}
	if _, _, err := h.Handle(context.Background(), "projects", []byte(testMessage), meta); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	msg := string(currentMessage(meta, []byte(testMessage)))
	if !strings.Contains(msg, l.Footer) {
		t.Errorf("footer missing from %q", msg)
	}
}

func TestDigestHaltsWhenEnabled(t *testing.T) {
	l := liststore.NewList("projects", "example.com")
	l.DigestEnabled = true
	store := newFakeStore(l)
	h := Digest{Lists: store, Store: store}
	decision, _, err := h.Handle(context.Background(), "projects", []byte(testMessage), queue.Metadata{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if decision != runner.Halt {
		t.Errorf("decision = %v, want Halt", decision)
	}
}

func TestToOutgoingExpandsEnabledSubscribers(t *testing.T) {
	dir := t.TempDir()
	out, err := queue.New("outgoing", filepath.Join(dir, "outgoing"))
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	l := liststore.NewList("projects", "example.com")
	l.AddSubscriber(liststore.Subscriber{Address: "bob@example.com", Status: liststore.StatusEnabled})
	l.AddSubscriber(liststore.Subscriber{Address: "carol@example.com", Status: liststore.StatusByBounce})
	l.AddSubscriber(liststore.Subscriber{Address: "dave@example.com", Status: liststore.StatusEnabled, Digest: true})
	store := newFakeStore(l)
	h := ToOutgoing{Lists: store, Hostname: "example.com", Outgoing: out}

	decision, _, err := h.Handle(context.Background(), "projects", []byte(testMessage), queue.Metadata{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if decision != runner.Halt {
		t.Errorf("decision = %v, want Halt", decision)
	}
	bases, err := out.Files(0, 1)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(bases) != 1 {
		t.Fatalf("enqueued %d entries, want 1 (only bob is enabled and non-digest)", len(bases))
	}
}

func TestAccessControlHoldsNonMemberPost(t *testing.T) {
	dir := t.TempDir()
	l := liststore.NewList("projects", "example.com")
	l.DefaultModerate = true
	l.MaxDaysToHold = 14
	store := newFakeStore(l)
	log, _ := logging.New(logging.DefaultConfig())
	h := AccessControl{
		Store: store,
		Lock: func(list string) *mlock.Lock {
			return mlock.New(filepath.Join(dir, list+".lock"), "host.example.com", list)
		},
		Log: log,
	}
	decision, _, err := h.Handle(context.Background(), "projects", []byte(testMessage), queue.Metadata{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if decision != runner.Discard {
		t.Errorf("decision = %v, want Discard", decision)
	}
	if len(l.HeldMessages) != 1 {
		t.Fatalf("held messages = %d, want 1", len(l.HeldMessages))
	}
	if len(store.held["projects"]) == 0 {
		t.Error("held artifact not saved")
	}
}

func TestBeenThereGuardDiscardsLoop(t *testing.T) {
	l := liststore.NewList("projects", "example.com")
	store := newFakeStore(l)
	h := BeenThereGuard{Lists: store}
	msg, err := mail.SetHeader([]byte(testMessage), "X-BeenThere", "projects@example.com")
	if err != nil {
		t.Fatalf("SetHeader: %v", err)
	}
	decision, _, err := h.Handle(context.Background(), "projects", msg, queue.Metadata{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if decision != runner.Discard {
		t.Errorf("decision = %v, want Discard", decision)
	}
}
