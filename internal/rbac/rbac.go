package rbac

type Role string
type Action string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

const (
	ActionRead        Action = "read"
	ActionSubmit      Action = "submit"
	ActionModerate    Action = "moderate"
	ActionManageUsers Action = "manage_users"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleUser:
		return action == ActionRead || action == ActionSubmit
	default:
		return false
	}
}

// CanModify reports whether the caller may edit or delete an entry owned by ownerID.
func CanModify(role Role, callerID, ownerID string) bool {
	if role == RoleAdmin {
		return true
	}
	return callerID != "" && callerID == ownerID
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleUser, RoleAdmin:
		return Role(role)
	default:
		return RoleUser
	}
}
