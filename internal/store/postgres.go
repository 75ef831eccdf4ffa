package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"reelqueue/api/internal/listing"
)

const entryColumns = `id, title, type, director, budget, location, duration, year, image,
	user_id, status, deleted, deleted_at, created_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, role)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, user.ID, user.Name, user.Email, user.PasswordHash, user.Role).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "users_email_key") {
			return User{}, ErrDuplicateEmail
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

// GetUserByEmail matches the email exactly (case-sensitive).
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, role, created_at, updated_at
		FROM users WHERE email=$1
	`, email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, role, created_at, updated_at
		FROM users WHERE id=$1
	`, userID))
}

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	if err := row.Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, role, created_at, updated_at
		FROM users
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var item User
		if err := rows.Scan(&item.ID, &item.Name, &item.Email, &item.Role, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

// SetUserRole is used by the promote command; it is not reachable over HTTP.
func (s *PostgresStore) SetUserRole(ctx context.Context, email, role string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET role=$2, updated_at=NOW() WHERE email=$1`, email, role)
	if err != nil {
		return fmt.Errorf("set user role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set user role: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) InsertEntry(ctx context.Context, entry Entry) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO movies (id, title, type, director, budget, location, duration, year, image, user_id, status, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, FALSE)
		RETURNING `+entryColumns,
		entry.ID, entry.Title, entry.Type,
		nullString(entry.Director), nullString(entry.Budget), nullString(entry.Location),
		nullString(entry.Duration), nullString(entry.Year), nullString(entry.Image),
		entry.OwnerID, entry.Status,
	)
	inserted, err := scanEntry(row)
	if err != nil {
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	return inserted, nil
}

// GetEntry returns the row whether or not it is soft-deleted; callers decide
// through Entry.State.
func (s *PostgresStore) GetEntry(ctx context.Context, entryID string) (Entry, error) {
	return scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM movies WHERE id=$1`, entryID))
}

func (s *PostgresStore) GetEntriesByIDs(ctx context.Context, ids []string) ([]Entry, error) {
	if len(ids) == 0 {
		return []Entry{}, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM movies WHERE id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get entries: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// UpdateEntry overwrites the editable fields and status of an entry.
func (s *PostgresStore) UpdateEntry(ctx context.Context, entry Entry) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE movies
		SET title=$2, type=$3, director=$4, budget=$5, location=$6, duration=$7, year=$8,
			image=$9, status=$10, updated_at=NOW()
		WHERE id=$1 AND deleted=FALSE
		RETURNING `+entryColumns,
		entry.ID, entry.Title, entry.Type,
		nullString(entry.Director), nullString(entry.Budget), nullString(entry.Location),
		nullString(entry.Duration), nullString(entry.Year), nullString(entry.Image),
		entry.Status,
	)
	return scanEntry(row)
}

func (s *PostgresStore) SetEntryStatus(ctx context.Context, entryID, status string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE movies SET status=$2, updated_at=NOW()
		WHERE id=$1 AND deleted=FALSE
		RETURNING `+entryColumns, entryID, status)
	return scanEntry(row)
}

func (s *PostgresStore) SoftDeleteEntry(ctx context.Context, entryID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE movies SET deleted=TRUE, deleted_at=$2, updated_at=NOW()
		WHERE id=$1 AND deleted=FALSE
	`, entryID, at)
	if err != nil {
		return fmt.Errorf("soft delete entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete entry: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListEntries runs a listing query and returns the page plus the total
// number of matching rows.
func (s *PostgresStore) ListEntries(ctx context.Context, query listing.Query) ([]Entry, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM movies WHERE `+query.Where, query.Args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count entries: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT %s FROM movies WHERE %s ORDER BY %s`, entryColumns, query.Where, query.OrderBy)
	if query.Limit > 0 {
		dataSQL += fmt.Sprintf(" LIMIT %d OFFSET %d", query.Limit, query.Offset)
	}
	rows, err := s.db.QueryContext(ctx, dataSQL, query.Args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	items, err := collectEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// RevokeToken and IsTokenRevoked back logout when Redis is not configured.
// Each revocation also purges rows whose token has already expired.
func (s *PostgresStore) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		WITH purged AS (
			DELETE FROM revoked_tokens WHERE expires_at <= NOW()
		)
		INSERT INTO revoked_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti=$1 AND expires_at > NOW())`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var entry Entry
	var director, budget, location, duration, year, image sql.NullString
	var deletedAt sql.NullTime
	err := row.Scan(
		&entry.ID, &entry.Title, &entry.Type,
		&director, &budget, &location, &duration, &year, &image,
		&entry.OwnerID, &entry.Status, &entry.Deleted, &deletedAt, &entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, sql.ErrNoRows
		}
		return Entry{}, fmt.Errorf("scan entry: %w", err)
	}
	entry.Director = director.String
	entry.Budget = budget.String
	entry.Location = location.String
	entry.Duration = duration.String
	entry.Year = year.String
	entry.Image = image.String
	if deletedAt.Valid {
		at := deletedAt.Time
		entry.DeletedAt = &at
	}
	return entry, nil
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	items := make([]Entry, 0)
	for rows.Next() {
		item, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return items, nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
