package auth

import "github.com/mailmanhq/engine/internal/liststore"

// Role identifies which password a caller is trying to match, for the
// command-runner and site CLIs that accept administrivia over email or
// the command line (spec.md §6's "Command" runner and cmd/mailman).
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

// VerifyListPassword checks a plaintext password against the hash stored
// for the given role on a list, or against a member's own password when
// role is RoleMember. It never distinguishes "wrong password" from
// "role/member not configured" in its return value, matching the
// source's behavior of treating both as access denial.
func VerifyListPassword(l *liststore.List, role Role, member, password string) bool {
	switch role {
	case RoleAdmin:
		return l.AdminPasswordHash != "" && VerifyPassword(password, l.AdminPasswordHash)
	case RoleModerator:
		if l.ModeratorPasswordHash != "" && VerifyPassword(password, l.ModeratorPasswordHash) {
			return true
		}
		return l.AdminPasswordHash != "" && VerifyPassword(password, l.AdminPasswordHash)
	case RoleMember:
		sub, ok := l.Subscriber(member)
		return ok && sub.PasswordHash != "" && VerifyPassword(password, sub.PasswordHash)
	default:
		return false
	}
}
