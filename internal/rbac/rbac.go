package rbac

type Role string
type Action string

const (
	RolePatient   Role = "patient"
	RoleCounselor Role = "counselor"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionAuthor  Action = "author"
	ActionReview  Action = "review"
	ActionViewAll Action = "view_all"
	ActionAdmin   Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleCounselor:
		return action == ActionRead || action == ActionAuthor
	case RolePatient:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RolePatient, RoleCounselor, RoleAdmin:
		return Role(role)
	default:
		return RolePatient
	}
}
