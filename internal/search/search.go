// Package search indexes entries for title search. Meilisearch is the
// primary engine; Postgres ILIKE through the listing builder is the
// fallback. Both return entry IDs only; callers reload and re-check
// visibility against the database.
package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"reelqueue/api/internal/moderation"
)

// Query describes a search request.
type Query struct {
	Text     string
	Scope    moderation.Scope
	ViewerID string
	Limit    int
	Offset   int
}

// Searcher can execute a title search, returning matching entry IDs in
// rank order and the estimated total.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]string, int, error)
	Healthy() bool
}

// Indexer can push entries into a search index.
type Indexer interface {
	IndexEntry(entry EntryRecord) error
	IndexEntries(entries []EntryRecord) error
	DeleteEntry(id string) error
}

// EntryRecord is the data we index for an entry.
type EntryRecord struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Type      string    `json:"type"`
	Year      string    `json:"year"`
	Status    string    `json:"status"`
	Deleted   bool      `json:"deleted"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// VisibilityFilter renders the Meilisearch filter expression for a scope.
// It mirrors listing.Build and moderation.Visible.
func VisibilityFilter(scope moderation.Scope, viewerID string) string {
	parts := []string{"deleted = false"}
	switch scope {
	case moderation.ScopeGeneral:
		if viewerID == "" {
			parts = append(parts, fmt.Sprintf("status = %q", moderation.StatusApproved))
		} else {
			parts = append(parts, fmt.Sprintf("(status = %q OR ownerId = %q)", moderation.StatusApproved, viewerID))
		}
	case moderation.ScopeMine:
		parts = append(parts, fmt.Sprintf("ownerId = %q", viewerID))
	case moderation.ScopeQueue:
		parts = append(parts, fmt.Sprintf("status != %q", moderation.StatusRejected))
	case moderation.ScopePending:
		parts = append(parts, fmt.Sprintf("status = %q", moderation.StatusPending))
	default:
		// nothing matches an unknown scope
		parts = append(parts, `id = ""`)
	}
	return strings.Join(parts, " AND ")
}
