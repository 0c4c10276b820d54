package rbac

type Role string
type Action string

const (
	RoleWearer    Role = "wearer"
	RoleKeyholder Role = "keyholder"
)

const (
	// ActionRead covers views, history, report and events.
	ActionRead Action = "read"
	// ActionTrack covers the wearer's own session, pause, goal and restore actions.
	ActionTrack Action = "track"
	// ActionRequestRelease files a release request.
	ActionRequestRelease Action = "request_release"
	// ActionKeyhold sets or clears the requirement and decides release requests.
	ActionKeyhold Action = "keyhold"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleWearer:
		return action == ActionRead || action == ActionTrack || action == ActionRequestRelease
	case RoleKeyholder:
		return action == ActionRead || action == ActionKeyhold
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleWearer, RoleKeyholder:
		return Role(role)
	default:
		return RoleWearer
	}
}
