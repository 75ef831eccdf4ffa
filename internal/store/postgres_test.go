package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"reelqueue/api/internal/listing"
	"reelqueue/api/internal/moderation"
)

func migratedStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	db := openTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), ctx
}

func TestPostgresUsers(t *testing.T) {
	s, ctx := migratedStore(t)

	user, err := s.CreateUser(ctx, User{ID: "u1", Name: "Alice", Email: "alice@example.com", PasswordHash: "hash", Role: "user"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if user.CreatedAt.IsZero() {
		t.Fatal("expected created_at to be returned")
	}
	if _, err := s.CreateUser(ctx, User{ID: "u2", Name: "Dup", Email: "alice@example.com", PasswordHash: "hash", Role: "user"}); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
	if _, err := s.GetUserByEmail(ctx, "Alice@example.com"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected case-sensitive email lookup to miss, got %v", err)
	}

	if err := s.SetUserRole(ctx, "alice@example.com", "admin"); err != nil {
		t.Fatalf("set role: %v", err)
	}
	if err := s.SetUserRole(ctx, "nobody@example.com", "admin"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for unknown email, got %v", err)
	}
	promoted, err := s.GetUserByID(ctx, "u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if promoted.Role != "admin" {
		t.Fatalf("expected admin role, got %q", promoted.Role)
	}
}

func TestPostgresEntryLifecycle(t *testing.T) {
	s, ctx := migratedStore(t)
	for _, id := range []string{"alice", "carol"} {
		if _, err := s.CreateUser(ctx, User{ID: id, Name: id, Email: id + "@example.com", PasswordHash: "hash", Role: "user"}); err != nil {
			t.Fatalf("create user %s: %v", id, err)
		}
	}

	entry, err := s.InsertEntry(ctx, Entry{
		ID: "m1", Title: "Inception", Type: "Movie", Budget: "100", Year: "2010",
		OwnerID: "alice", Status: string(moderation.StatusPending),
	})
	if err != nil {
		t.Fatalf("insert entry: %v", err)
	}
	if entry.Budget != "100" || entry.Director != "" || entry.State() != moderation.Pending {
		t.Fatalf("unexpected inserted entry: %+v", entry)
	}

	general := func(viewer string) int {
		t.Helper()
		_, total, err := s.ListEntries(ctx, listing.Build(moderation.ScopeGeneral, viewer, listing.DefaultParams()))
		if err != nil {
			t.Fatalf("list entries: %v", err)
		}
		return total
	}
	if got := general("alice"); got != 1 {
		t.Fatalf("owner should see pending entry, got %d", got)
	}
	if got := general("carol"); got != 0 {
		t.Fatalf("other user should not see pending entry, got %d", got)
	}

	approved, err := s.SetEntryStatus(ctx, "m1", string(moderation.StatusApproved))
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if approved.State() != moderation.Approved {
		t.Fatalf("expected approved, got %s", approved.State())
	}
	if got := general("carol"); got != 1 {
		t.Fatalf("approved entry should be visible, got %d", got)
	}

	approved.Title = "Inception (2010)"
	approved.Status = string(moderation.StatusPending)
	edited, err := s.UpdateEntry(ctx, approved)
	if err != nil {
		t.Fatalf("update entry: %v", err)
	}
	if edited.Title != "Inception (2010)" || edited.OwnerID != "alice" || edited.State() != moderation.Pending {
		t.Fatalf("unexpected edited entry: %+v", edited)
	}

	if err := s.SoftDeleteEntry(ctx, "m1", time.Now()); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if err := s.SoftDeleteEntry(ctx, "m1", time.Now()); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("second delete should miss, got %v", err)
	}
	if got := general("alice"); got != 0 {
		t.Fatalf("deleted entry must not be listed, got %d", got)
	}
	row, err := s.GetEntry(ctx, "m1")
	if err != nil {
		t.Fatalf("get deleted entry: %v", err)
	}
	if !row.Deleted || row.DeletedAt == nil || row.State() != moderation.Deleted {
		t.Fatalf("expected soft-deleted row to remain, got %+v", row)
	}
	if _, err := s.SetEntryStatus(ctx, "m1", string(moderation.StatusApproved)); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("status change on deleted entry should miss, got %v", err)
	}
}

func TestPostgresYearRangeSkipsNonNumericYears(t *testing.T) {
	s, ctx := migratedStore(t)
	if _, err := s.CreateUser(ctx, User{ID: "alice", Name: "Alice", Email: "alice@example.com", PasswordHash: "hash", Role: "user"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	for i, year := range []string{"1999", "2010", "2010-2014", ""} {
		_, err := s.InsertEntry(ctx, Entry{
			ID: string(rune('a' + i)), Title: "Entry", Type: "TV Show", Year: year,
			OwnerID: "alice", Status: string(moderation.StatusApproved),
		})
		if err != nil {
			t.Fatalf("insert entry: %v", err)
		}
	}

	params := listing.DefaultParams()
	from := 2000
	params.YearFrom = &from
	entries, total, err := s.ListEntries(ctx, listing.Build(moderation.ScopeGeneral, "", params))
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if total != 1 || len(entries) != 1 || entries[0].Year != "2010" {
		t.Fatalf("expected only the 2010 entry, got total=%d entries=%+v", total, entries)
	}
}

func TestPostgresRevokedTokens(t *testing.T) {
	s, ctx := migratedStore(t)

	if err := s.RevokeToken(ctx, "jti_live", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := s.RevokeToken(ctx, "jti_live", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("revoke twice: %v", err)
	}
	if err := s.RevokeToken(ctx, "jti_old", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("revoke expired: %v", err)
	}

	for jti, want := range map[string]bool{"jti_live": true, "jti_old": false, "jti_other": false} {
		got, err := s.IsTokenRevoked(ctx, jti)
		if err != nil {
			t.Fatalf("is revoked %s: %v", jti, err)
		}
		if got != want {
			t.Fatalf("%s: expected revoked=%v, got %v", jti, want, got)
		}
	}

	if err := s.RevokeToken(ctx, "jti_new", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("revoke new: %v", err)
	}
	var rows int
	if err := s.DB().QueryRowContext(ctx, `SELECT count(*) FROM revoked_tokens`).Scan(&rows); err != nil {
		t.Fatalf("count revoked tokens: %v", err)
	}
	if rows != 2 {
		t.Fatalf("expected expired revocations to be purged, %d rows remain", rows)
	}
}
