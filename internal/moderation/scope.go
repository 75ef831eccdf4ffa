package moderation

// Scope selects which entries a listing may return.
type Scope int

const (
	// ScopeGeneral: approved entries plus the viewer's own submissions.
	ScopeGeneral Scope = iota
	// ScopeMine: every live entry owned by the viewer.
	ScopeMine
	// ScopeQueue: administrative triage, everything not rejected.
	ScopeQueue
	// ScopePending: strictly pending entries.
	ScopePending
)

func (s Scope) String() string {
	switch s {
	case ScopeGeneral:
		return "general"
	case ScopeMine:
		return "mine"
	case ScopeQueue:
		return "queue"
	case ScopePending:
		return "pending"
	default:
		return "unknown"
	}
}

// Visible applies the scope rule to a single entry. The SQL form lives in
// the listing package and must agree with this.
func Visible(scope Scope, viewerID string, state State, ownerID string) bool {
	if state == Deleted {
		return false
	}
	owned := viewerID != "" && viewerID == ownerID
	switch scope {
	case ScopeGeneral:
		return state == Approved || owned
	case ScopeMine:
		return owned
	case ScopeQueue:
		return state != Rejected
	case ScopePending:
		return state == Pending
	default:
		return false
	}
}
