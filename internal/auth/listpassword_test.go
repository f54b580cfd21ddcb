package auth

import (
	"testing"

	"github.com/mailmanhq/engine/internal/liststore"
)

func TestVerifyListPassword(t *testing.T) {
	adminHash, _ := HashPassword("s3cret")
	memberHash, _ := HashPassword("m3mber")
	l := liststore.NewList("projects", "example.com")
	l.AdminPasswordHash = adminHash
	l.AddSubscriber(liststore.Subscriber{Address: "alice@example.com", PasswordHash: memberHash})

	if !VerifyListPassword(l, RoleAdmin, "", "s3cret") {
		t.Error("admin password should verify")
	}
	if VerifyListPassword(l, RoleAdmin, "", "wrong") {
		t.Error("wrong admin password should not verify")
	}
	if !VerifyListPassword(l, RoleModerator, "", "s3cret") {
		t.Error("moderator role should fall back to admin hash when no moderator hash is set")
	}
	if !VerifyListPassword(l, RoleMember, "alice@example.com", "m3mber") {
		t.Error("member password should verify")
	}
	if VerifyListPassword(l, RoleMember, "bob@example.com", "m3mber") {
		t.Error("unknown member should not verify")
	}
}
