package app

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"reelqueue/api/internal/config"
	"reelqueue/api/internal/listing"
	"reelqueue/api/internal/search"
	"reelqueue/api/internal/store"
)

// fakeStore keeps users and entries in memory. ListEntries evaluates the
// clauses produced by listing.Build, so listing behaviour is exercised
// end to end without Postgres.
type fakeStore struct {
	mu      sync.Mutex
	users   map[string]store.User
	entries map[string]store.Entry
	clock   time.Time

	pingFn        func(context.Context) error
	listEntriesFn func(context.Context, listing.Query) ([]store.Entry, int, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   map[string]store.User{},
		entries: map[string]store.Entry{},
		clock:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fakeStore) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Email == user.Email {
			return store.User{}, store.ErrDuplicateEmail
		}
	}
	user.CreatedAt = f.tick()
	user.UpdatedAt = user.CreatedAt
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) ListUsers(context.Context) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	users := make([]store.User, 0, len(f.users))
	for _, user := range f.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.Before(users[j].CreatedAt) })
	return users, nil
}

func (f *fakeStore) promote(t *testing.T, email string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, user := range f.users {
		if user.Email == email {
			user.Role = "admin"
			f.users[id] = user
			return
		}
	}
	t.Fatalf("promote: no user %q", email)
}

func (f *fakeStore) InsertEntry(_ context.Context, entry store.Entry) (store.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.CreatedAt = f.tick()
	entry.UpdatedAt = entry.CreatedAt
	f.entries[entry.ID] = entry
	return entry, nil
}

func (f *fakeStore) GetEntry(_ context.Context, entryID string) (store.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[entryID]
	if !ok {
		return store.Entry{}, sql.ErrNoRows
	}
	return entry, nil
}

func (f *fakeStore) GetEntriesByIDs(_ context.Context, ids []string) ([]store.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := make([]store.Entry, 0, len(ids))
	for _, id := range ids {
		if entry, ok := f.entries[id]; ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (f *fakeStore) UpdateEntry(_ context.Context, entry store.Entry) (store.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.entries[entry.ID]
	if !ok || current.Deleted {
		return store.Entry{}, sql.ErrNoRows
	}
	entry.OwnerID = current.OwnerID
	entry.CreatedAt = current.CreatedAt
	entry.UpdatedAt = f.tick()
	f.entries[entry.ID] = entry
	return entry, nil
}

func (f *fakeStore) SetEntryStatus(_ context.Context, entryID, status string) (store.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[entryID]
	if !ok || entry.Deleted {
		return store.Entry{}, sql.ErrNoRows
	}
	entry.Status = status
	entry.UpdatedAt = f.tick()
	f.entries[entryID] = entry
	return entry, nil
}

func (f *fakeStore) SoftDeleteEntry(_ context.Context, entryID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[entryID]
	if !ok || entry.Deleted {
		return sql.ErrNoRows
	}
	entry.Deleted = true
	entry.DeletedAt = &at
	f.entries[entryID] = entry
	return nil
}

func (f *fakeStore) ListEntries(ctx context.Context, query listing.Query) ([]store.Entry, int, error) {
	if f.listEntriesFn != nil {
		return f.listEntriesFn(ctx, query)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	matched := make([]store.Entry, 0)
	for _, entry := range f.entries {
		ok, err := matchesWhere(entry, query.Where, query.Args)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			matched = append(matched, entry)
		}
	}
	sortEntries(matched, query.OrderBy)

	total := len(matched)
	if query.Limit > 0 {
		start := min(query.Offset, total)
		end := min(start+query.Limit, total)
		matched = matched[start:end]
	}
	return matched, total, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) entry(t *testing.T, id string) store.Entry {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[id]
	if !ok {
		t.Fatalf("no stored entry %q", id)
	}
	return entry
}

var (
	clauseEquals   = regexp.MustCompile(`^(status|user_id|type|year) (=|<>) \$(\d+)$`)
	clauseOwnOrOK  = regexp.MustCompile(`^\(status = \$(\d+) OR user_id = \$(\d+)\)$`)
	clauseTitle    = regexp.MustCompile(`^title ILIKE \$(\d+)$`)
	clauseYearFrom = regexp.MustCompile(`^\(CASE WHEN .* END\) (>=|<=) \$(\d+)$`)
	plainYear      = regexp.MustCompile(`^[0-9]{1,9}$`)
)

func matchesWhere(entry store.Entry, where string, args []any) (bool, error) {
	arg := func(raw string) any {
		n, _ := strconv.Atoi(raw)
		return args[n-1]
	}
	column := func(name string) string {
		switch name {
		case "status":
			return entry.Status
		case "user_id":
			return entry.OwnerID
		case "type":
			return entry.Type
		case "year":
			return entry.Year
		}
		return ""
	}

	for _, clause := range strings.Split(where, " AND ") {
		var ok bool
		switch {
		case clause == "deleted = FALSE":
			ok = !entry.Deleted
		case clause == "FALSE":
			ok = false
		case clauseEquals.MatchString(clause):
			m := clauseEquals.FindStringSubmatch(clause)
			equal := column(m[1]) == arg(m[3])
			ok = equal == (m[2] == "=")
		case clauseOwnOrOK.MatchString(clause):
			m := clauseOwnOrOK.FindStringSubmatch(clause)
			ok = entry.Status == arg(m[1]) || entry.OwnerID == arg(m[2])
		case clauseTitle.MatchString(clause):
			m := clauseTitle.FindStringSubmatch(clause)
			ok = strings.Contains(strings.ToLower(entry.Title), likeNeedle(arg(m[1]).(string)))
		case clauseYearFrom.MatchString(clause):
			m := clauseYearFrom.FindStringSubmatch(clause)
			if !plainYear.MatchString(entry.Year) {
				ok = false
				break
			}
			year, _ := strconv.Atoi(entry.Year)
			bound := arg(m[2]).(int)
			if m[1] == ">=" {
				ok = year >= bound
			} else {
				ok = year <= bound
			}
		default:
			return false, fmt.Errorf("fakeStore: unsupported clause %q", clause)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func likeNeedle(pattern string) string {
	pattern = strings.TrimSuffix(strings.TrimPrefix(pattern, "%"), "%")
	pattern = strings.NewReplacer(`\%`, `%`, `\_`, `_`, `\\`, `\`).Replace(pattern)
	return strings.ToLower(pattern)
}

func sortEntries(entries []store.Entry, orderBy string) {
	first, _, _ := strings.Cut(orderBy, ",")
	column, direction, _ := strings.Cut(strings.TrimSpace(first), " ")
	desc := direction == "DESC"
	key := func(e store.Entry) string {
		switch column {
		case "title":
			return e.Title
		case "year":
			return e.Year
		case "type":
			return e.Type
		case "updated_at":
			return e.UpdatedAt.Format(time.RFC3339Nano)
		default:
			return e.CreatedAt.Format(time.RFC3339Nano)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := key(entries[i])+"|"+entries[i].ID, key(entries[j])+"|"+entries[j].ID
		if desc {
			return a > b
		}
		return a < b
	})
}

type fakeRevocations struct {
	mu      sync.Mutex
	revoked map[string]time.Time
	err     error
}

func (f *fakeRevocations) RevokeToken(_ context.Context, jti string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revoked == nil {
		f.revoked = map[string]time.Time{}
	}
	f.revoked[jti] = expiresAt
	return nil
}

func (f *fakeRevocations) IsTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.revoked[jti]
	return ok, nil
}

type fakeSearch struct {
	mu       sync.Mutex
	searchFn func(search.Query) ([]string, int)
	indexed  []search.EntryRecord
	removed  []string
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) ([]string, int) {
	if f.searchFn == nil {
		return nil, 0
	}
	return f.searchFn(q)
}

func (f *fakeSearch) IndexEntry(entry search.EntryRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, entry)
}

func (f *fakeSearch) DeleteEntry(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
}

type moderationNotice struct {
	to, name, title, entryType, status string
}

type fakeNotifier struct {
	sent chan moderationNotice
}

func (f *fakeNotifier) IsConfigured() bool { return true }

func (f *fakeNotifier) SendModerationNotice(to, userName, entryTitle, entryType, status string) error {
	f.sent <- moderationNotice{to: to, name: userName, title: entryTitle, entryType: entryType, status: status}
	return nil
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		CORSOrigin: "*",
		AppEnv:     "test",
	}
}
