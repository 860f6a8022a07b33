package rbac

// Role is the platform-wide role carried in the identity token. It is
// independent of per-thread admin membership.
type Role string
type Action string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

const (
	ActionAuthor         Action = "author"
	ActionFlag           Action = "flag"
	ActionRemoveMessage  Action = "remove_message"
	ActionDeactivate     Action = "deactivate_thread"
	ActionViewModeration Action = "view_moderation"
)

// Can reports whether a platform role may perform an action on content it
// does not own. Authoring is never granted through a role: moderators act on
// content, they do not write it for someone else.
func Can(role Role, action Action) bool {
	switch action {
	case ActionAuthor:
		return false
	case ActionFlag:
		return true
	}
	switch role {
	case RoleAdmin, RoleModerator:
		return action == ActionRemoveMessage || action == ActionDeactivate || action == ActionViewModeration
	default:
		return false
	}
}

func IsModerator(role Role) bool {
	return role == RoleModerator || role == RoleAdmin
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleUser, RoleModerator, RoleAdmin:
		return Role(role)
	default:
		return RoleUser
	}
}
