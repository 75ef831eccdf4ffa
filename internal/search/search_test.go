package search

import (
	"context"
	"errors"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"

	"reelqueue/api/internal/moderation"
	"reelqueue/api/internal/util"
)

type fakeEngine struct {
	mu       sync.Mutex
	healthy  bool
	ids      []string
	err      error
	indexErr error
	indexed  []EntryRecord
	deleted  []string
	lastSeen Query
}

func (f *fakeEngine) Search(_ context.Context, q Query) ([]string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSeen = q
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.ids, len(f.ids), nil
}

func (f *fakeEngine) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeEngine) setHealthy(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = healthy
}

func (f *fakeEngine) setIndexErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexErr = err
}

func (f *fakeEngine) IndexEntry(entry EntryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexErr != nil {
		return f.indexErr
	}
	f.indexed = append(f.indexed, entry)
	return nil
}

func (f *fakeEngine) IndexEntries(entries []EntryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexErr != nil {
		return f.indexErr
	}
	f.indexed = append(f.indexed, entries...)
	return nil
}

func (f *fakeEngine) DeleteEntry(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexErr != nil {
		return f.indexErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeEngine) indexedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.indexed))
	for _, record := range f.indexed {
		ids = append(ids, record.ID)
	}
	return ids
}

type fakeFallback struct {
	mu      sync.Mutex
	ids     []string
	err     error
	records []EntryRecord
	calls   int
	loads   int
}

func (f *fakeFallback) Search(context.Context, Query) ([]string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.ids, len(f.ids), f.err
}

func (f *fakeFallback) Healthy() bool { return true }

func (f *fakeFallback) LoadAllRecords(context.Context) ([]EntryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return f.records, nil
}

func (f *fakeFallback) searchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestService(e engine, fb fallback) *Service {
	return newService(e, fb, util.Discard())
}

// syncedService returns a service whose index has completed its first resync.
func syncedService(e *fakeEngine, fb *fakeFallback) *Service {
	s := newTestService(e, fb)
	s.Resync()
	s.Wait()
	return s
}

func TestVisibilityFilter(t *testing.T) {
	c := qt.New(t)

	c.Assert(VisibilityFilter(moderation.ScopeGeneral, ""), qt.Equals,
		`deleted = false AND status = "approved"`)
	c.Assert(VisibilityFilter(moderation.ScopeGeneral, "alice"), qt.Equals,
		`deleted = false AND (status = "approved" OR ownerId = "alice")`)
	c.Assert(VisibilityFilter(moderation.ScopeMine, "alice"), qt.Equals,
		`deleted = false AND ownerId = "alice"`)
	c.Assert(VisibilityFilter(moderation.ScopeQueue, ""), qt.Equals,
		`deleted = false AND status != "rejected"`)
	c.Assert(VisibilityFilter(moderation.ScopePending, ""), qt.Equals,
		`deleted = false AND status = "pending"`)
}

func TestFallbackQueryUsesListingScope(t *testing.T) {
	c := qt.New(t)

	query := fallbackQuery(Query{Text: " incep ", Scope: moderation.ScopeGeneral, ViewerID: "alice", Limit: 5, Offset: 10})
	c.Assert(query.Where, qt.Equals, "deleted = FALSE AND (status = $1 OR user_id = $2) AND title ILIKE $3")
	c.Assert(query.Args, qt.DeepEquals, []any{"approved", "alice", "%incep%"})
	c.Assert(query.Limit, qt.Equals, 5)
	c.Assert(query.Offset, qt.Equals, 10)
	c.Assert(query.OrderBy, qt.Equals, "title ASC, id ASC")

	c.Assert(fallbackQuery(Query{Text: "   "}).Where, qt.Equals, "")
}

func TestSearchPrefersHealthyEngine(t *testing.T) {
	c := qt.New(t)
	e := &fakeEngine{healthy: true, ids: []string{"m1", "m2"}}
	fb := &fakeFallback{ids: []string{"pg"}}

	ids, total := syncedService(e, fb).Search(context.Background(), Query{Text: "x", Scope: moderation.ScopeMine, ViewerID: "alice"})
	c.Assert(ids, qt.DeepEquals, []string{"m1", "m2"})
	c.Assert(total, qt.Equals, 2)
	c.Assert(fb.searchCalls(), qt.Equals, 0)
	c.Assert(e.lastSeen.ViewerID, qt.Equals, "alice")
}

func TestSearchFallsBack(t *testing.T) {
	c := qt.New(t)

	unhealthy := &fakeEngine{healthy: false}
	fb := &fakeFallback{ids: []string{"pg"}}
	ids, _ := syncedService(unhealthy, fb).Search(context.Background(), Query{Text: "x"})
	c.Assert(ids, qt.DeepEquals, []string{"pg"})

	failing := &fakeEngine{healthy: true, err: errors.New("boom")}
	fb = &fakeFallback{ids: []string{"pg"}}
	ids, _ = syncedService(failing, fb).Search(context.Background(), Query{Text: "x"})
	c.Assert(ids, qt.DeepEquals, []string{"pg"})
	c.Assert(fb.searchCalls(), qt.Equals, 1)

	fb = &fakeFallback{err: errors.New("db down")}
	ids, total := newTestService(nil, fb).Search(context.Background(), Query{Text: "x"})
	c.Assert(ids, qt.HasLen, 0)
	c.Assert(total, qt.Equals, 0)
}

func TestSearchUsesPostgresUntilFirstResync(t *testing.T) {
	c := qt.New(t)
	e := &fakeEngine{healthy: true, ids: []string{"m1"}}
	fb := &fakeFallback{ids: []string{"pg"}, records: []EntryRecord{{ID: "m1"}}}
	s := newTestService(e, fb)

	ids, _ := s.Search(context.Background(), Query{Text: "x"})
	c.Assert(ids, qt.DeepEquals, []string{"pg"})

	s.Resync()
	s.Wait()
	ids, _ = s.Search(context.Background(), Query{Text: "x"})
	c.Assert(ids, qt.DeepEquals, []string{"m1"})
}

func TestWritesDuringOutageAreRecoveredByResync(t *testing.T) {
	c := qt.New(t)
	e := &fakeEngine{healthy: true, ids: []string{"inception"}}
	fb := &fakeFallback{ids: []string{"inception"}}
	s := syncedService(e, fb)

	e.setHealthy(false)
	s.IndexEntry(EntryRecord{ID: "inception", Title: "Inception"})
	s.Wait()
	c.Assert(e.indexedIDs(), qt.HasLen, 0)

	// Back up, but the index missed a write: Postgres still answers.
	e.setHealthy(true)
	ids, _ := s.Search(context.Background(), Query{Text: "Inception"})
	c.Assert(ids, qt.DeepEquals, []string{"inception"})
	c.Assert(fb.searchCalls(), qt.Equals, 1)

	fb.mu.Lock()
	fb.records = []EntryRecord{{ID: "inception", Title: "Inception", Status: "pending"}}
	fb.mu.Unlock()
	s.Resync()
	s.Wait()
	c.Assert(e.indexedIDs(), qt.DeepEquals, []string{"inception"})

	ids, _ = s.Search(context.Background(), Query{Text: "Inception"})
	c.Assert(ids, qt.DeepEquals, []string{"inception"})
	c.Assert(fb.searchCalls(), qt.Equals, 1)
}

func TestFailedWriteResyncsOnNextWrite(t *testing.T) {
	c := qt.New(t)
	e := &fakeEngine{healthy: true}
	fb := &fakeFallback{ids: []string{"pg"}, records: []EntryRecord{{ID: "a"}}}
	s := syncedService(e, fb)

	e.setIndexErr(errors.New("timeout"))
	s.IndexEntry(EntryRecord{ID: "b"})
	s.Wait()
	ids, _ := s.Search(context.Background(), Query{Text: "x"})
	c.Assert(ids, qt.DeepEquals, []string{"pg"})

	e.setIndexErr(nil)
	s.IndexEntry(EntryRecord{ID: "c"})
	s.Wait()
	// initial resync, resync before "c", then "c" itself
	c.Assert(e.indexedIDs(), qt.DeepEquals, []string{"a", "a", "c"})
	c.Assert(fb.loads, qt.Equals, 2)
}

func TestIndexWritesApplyInOrder(t *testing.T) {
	c := qt.New(t)
	e := &fakeEngine{healthy: true}
	s := syncedService(e, &fakeFallback{})

	for _, status := range []string{"pending", "approved", "rejected", "pending", "approved"} {
		s.IndexEntry(EntryRecord{ID: "m1", Status: status})
	}
	s.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	statuses := make([]string, 0, len(e.indexed))
	for _, record := range e.indexed {
		statuses = append(statuses, record.Status)
	}
	c.Assert(statuses, qt.DeepEquals, []string{"pending", "approved", "rejected", "pending", "approved"})
}

func TestIndexingIsSkippedWithoutEngine(t *testing.T) {
	s := newTestService(nil, &fakeFallback{})
	s.IndexEntry(EntryRecord{ID: "m1"})
	s.DeleteEntry("m1")
	s.Resync()
	s.Wait()
}

func TestIndexAndReindex(t *testing.T) {
	c := qt.New(t)
	e := &fakeEngine{healthy: true}
	fb := &fakeFallback{records: []EntryRecord{{ID: "a"}, {ID: "b", Deleted: true}}}
	s := syncedService(e, fb)

	s.IndexEntry(EntryRecord{ID: "m1", Title: "Inception"})
	s.DeleteEntry("m0")
	s.Wait()

	c.Assert(e.indexedIDs(), qt.DeepEquals, []string{"a", "b", "m1"})
	c.Assert(e.deleted, qt.DeepEquals, []string{"m0"})
}
