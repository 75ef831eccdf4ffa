// Package moderation holds the entry lifecycle rules: the state variant, the
// admin decision transitions and the per-caller visibility scopes.
package moderation

import "errors"

// Status is the stored moderation column.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Entry types accepted on submission.
const (
	TypeMovie  = "Movie"
	TypeTVShow = "TV Show"
)

var (
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDeleted           = errors.New("entry deleted")
)

// State collapses the stored (status, deleted) pair. A deleted row is Deleted
// whatever its last status was.
type State int

const (
	Pending State = iota + 1
	Approved
	Rejected
	Deleted
)

func StateOf(status string, deleted bool) State {
	if deleted {
		return Deleted
	}
	switch Status(status) {
	case StatusApproved:
		return Approved
	case StatusRejected:
		return Rejected
	default:
		return Pending
	}
}

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ParseStatus accepts any stored status value.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusPending, StatusApproved, StatusRejected:
		return Status(raw), nil
	default:
		return "", ErrInvalidStatus
	}
}

// ParseDecision accepts only the values an administrator may set.
func ParseDecision(raw string) (Status, error) {
	switch Status(raw) {
	case StatusApproved, StatusRejected:
		return Status(raw), nil
	default:
		return "", ErrInvalidStatus
	}
}

// Decide validates an administrator decision against the current state.
// changed is false when the entry already carries the decision.
func Decide(from State, decision Status) (changed bool, err error) {
	if _, err := ParseDecision(string(decision)); err != nil {
		return false, err
	}
	switch from {
	case Pending:
		return true, nil
	case Approved:
		if decision == StatusApproved {
			return false, nil
		}
	case Rejected:
		if decision == StatusRejected {
			return false, nil
		}
	case Deleted:
		return false, ErrDeleted
	}
	return false, ErrInvalidTransition
}

func ValidType(value string) bool {
	return value == TypeMovie || value == TypeTVShow
}
