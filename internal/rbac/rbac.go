// Package rbac is the moderation gate: pure decisions over a closed set of
// roles, no I/O.
package rbac

type Role string

const (
	RoleUser   Role = "user"
	RoleAuthor Role = "author"
	RoleAdmin  Role = "admin"
)

// CanEditOrDelete allows the resource owner, plus admin and content-author
// moderators.
func CanEditOrDelete(ownerID, actorID string, role Role) bool {
	if ownerID != "" && ownerID == actorID {
		return true
	}
	return role == RoleAdmin || role == RoleAuthor
}

// CanClose allows only the post owner. Role carries no override here:
// closing a discussion is the owner's call, stricter than edit/delete.
func CanClose(ownerID, actorID string) bool {
	return ownerID != "" && ownerID == actorID
}

// CanReopen mirrors CanClose.
func CanReopen(ownerID, actorID string) bool {
	return CanClose(ownerID, actorID)
}

func CanPin(role Role) bool {
	return role == RoleAdmin
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleUser, RoleAuthor, RoleAdmin:
		return Role(role)
	default:
		return RoleUser
	}
}
