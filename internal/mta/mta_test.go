package mta

import (
	"strings"
	"testing"

	"github.com/mailmanhq/engine/internal/liststore"
	"github.com/mailmanhq/engine/internal/logging"
	"github.com/mailmanhq/engine/internal/queue"
)

func TestDecideDestination(t *testing.T) {
	cases := []struct {
		rcpt     string
		wantList string
		wantQ    string
		wantErr  bool
	}{
		{"projects@example.com", "projects", "incoming", false},
		{"projects-bounces@example.com", "projects", "bounce", false},
		{"projects-bounces+alice=example.com@example.com", "projects", "bounce", false},
		{"projects-request@example.com", "projects", "command", false},
		{"no-at-sign", "", "", true},
	}
	for _, c := range cases {
		list, q, err := decideDestination(c.rcpt)
		if c.wantErr {
			if err == nil {
				t.Errorf("decideDestination(%q): expected error, got none", c.rcpt)
			}
			continue
		}
		if err != nil {
			t.Fatalf("decideDestination(%q): unexpected error: %v", c.rcpt, err)
		}
		if list != c.wantList || q != c.wantQ {
			t.Errorf("decideDestination(%q) = (%q, %q), want (%q, %q)", c.rcpt, list, q, c.wantList, c.wantQ)
		}
	}
}

func TestSessionRejectsUnknownList(t *testing.T) {
	dir := t.TempDir()
	lists := liststore.NewStore(dir)

	qdir := t.TempDir()
	qset, err := queue.NewSet(qdir, queue.Names)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}

	router := &Router{Lists: lists, Queues: qset, Log: logging.Default()}
	sess := &Session{router: router}

	if err := sess.Rcpt("ghost@example.com", nil); err == nil {
		t.Fatal("expected Rcpt to reject a recipient for a list that does not exist")
	}
}

func TestSessionEnqueuesOnePerDestination(t *testing.T) {
	dir := t.TempDir()
	lists := liststore.NewStore(dir)
	l := liststore.NewList("projects", "example.com")
	if err := lists.Save(l); err != nil {
		t.Fatalf("Save: %v", err)
	}

	qdir := t.TempDir()
	qset, err := queue.NewSet(qdir, queue.Names)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}

	router := &Router{Lists: lists, Queues: qset, Log: logging.Default()}
	sess := &Session{router: router}

	if err := sess.Mail("alice@example.com", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := sess.Rcpt("projects@example.com", nil); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}
	if err := sess.Rcpt("projects-bounces@example.com", nil); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}

	body := "From: alice@example.com\r\nTo: projects@example.com\r\nSubject: hi\r\n\r\nhello\r\n"
	if err := sess.Data(strings.NewReader(body)); err != nil {
		t.Fatalf("Data: %v", err)
	}

	incoming, err := qset.Switchboard("incoming")
	if err != nil {
		t.Fatal(err)
	}
	files, err := incoming.Files(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("incoming queue: got %d entries, want 1", len(files))
	}

	bounce, err := qset.Switchboard("bounce")
	if err != nil {
		t.Fatal(err)
	}
	files, err = bounce.Files(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("bounce queue: got %d entries, want 1", len(files))
	}
}

