package store

import (
	"time"

	"reelqueue/api/internal/moderation"
)

type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Entry is a submitted movie or TV show. Optional text fields are empty
// strings when unset and stored as NULL.
type Entry struct {
	ID        string
	Title     string
	Type      string
	Director  string
	Budget    string
	Location  string
	Duration  string
	Year      string
	Image     string
	OwnerID   string
	Status    string
	Deleted   bool
	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (e Entry) State() moderation.State {
	return moderation.StateOf(e.Status, e.Deleted)
}
