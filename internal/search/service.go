package search

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

type engine interface {
	Searcher
	Indexer
}

type fallback interface {
	Searcher
	LoadAllRecords(ctx context.Context) ([]EntryRecord, error)
}

// writeQueueSize bounds buffered index writes; producers block when it is full.
const writeQueueSize = 256

// indexOp is one queued index write. Exactly one field is set.
type indexOp struct {
	upsert *EntryRecord
	remove string
	resync bool
}

// Service is the facade that tries Meilisearch first and falls back to Postgres.
//
// Index writes are applied in submission order by a single worker. Whenever a
// write cannot be applied the index is marked out of sync: searches go to
// Postgres until a full resync from Postgres succeeds.
type Service struct {
	meili  engine
	pgfts  fallback
	logger *log.Logger

	writes  chan indexOp
	pending sync.WaitGroup
	// outOfSync is set until the index is known to mirror Postgres.
	outOfSync atomic.Bool
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger *log.Logger) *Service {
	var e engine
	if meili != nil {
		e = meili
	}
	var fb fallback
	if pgfts != nil {
		fb = pgfts
	}
	s := newService(e, fb, logger)
	if meili != nil {
		meili.OnRecover(s.Resync)
	}
	return s
}

func newService(e engine, fb fallback, logger *log.Logger) *Service {
	s := &Service{
		meili:  e,
		pgfts:  fb,
		logger: logger.WithPrefix("search"),
	}
	if e != nil {
		// Nothing is known about the index until the first resync.
		s.outOfSync.Store(true)
		s.writes = make(chan indexOp, writeQueueSize)
		go s.run()
	}
	return s
}

func (s *Service) engineReady() bool {
	return s.meili != nil && s.meili.Healthy() && !s.outOfSync.Load()
}

// Search uses Meilisearch when it is healthy and in sync, otherwise Postgres.
// Errors are logged and produce an empty result.
func (s *Service) Search(ctx context.Context, q Query) ([]string, int) {
	if s.engineReady() {
		ids, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return ids, total
		}
		s.logger.Warn("meilisearch error, falling back to postgres", "err", err)
	}
	if s.pgfts == nil {
		return []string{}, 0
	}
	ids, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.logger.Error("postgres search failed", "err", err)
		return []string{}, 0
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, total
}

// IndexEntry queues an upsert of entry.
func (s *Service) IndexEntry(entry EntryRecord) {
	s.enqueue(indexOp{upsert: &entry})
}

// DeleteEntry queues removal of an entry from the index.
func (s *Service) DeleteEntry(id string) {
	s.enqueue(indexOp{remove: id})
}

// Resync queues a full reload of the index from Postgres. It is called at
// startup and whenever Meilisearch comes back after an outage.
func (s *Service) Resync() {
	s.enqueue(indexOp{resync: true})
}

func (s *Service) enqueue(op indexOp) {
	if s.writes == nil {
		return
	}
	s.pending.Add(1)
	s.writes <- op
}

func (s *Service) run() {
	for op := range s.writes {
		s.apply(op)
		s.pending.Done()
	}
}

func (s *Service) apply(op indexOp) {
	if !s.meili.Healthy() {
		// Dropped writes are recovered by the resync that follows recovery.
		s.outOfSync.Store(true)
		return
	}
	if op.resync || s.outOfSync.Load() {
		s.resync()
		if op.resync {
			return
		}
	}

	var err error
	switch {
	case op.upsert != nil:
		err = s.meili.IndexEntry(*op.upsert)
		if err != nil {
			s.logger.Error("index entry", "id", op.upsert.ID, "err", err)
		}
	case op.remove != "":
		err = s.meili.DeleteEntry(op.remove)
		if err != nil {
			s.logger.Error("delete entry", "id", op.remove, "err", err)
		}
	}
	if err != nil {
		s.outOfSync.Store(true)
	}
}

// resync pushes every entry from Postgres into Meilisearch and clears the
// out-of-sync flag on success.
func (s *Service) resync() {
	if s.pgfts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", "err", err)
		s.outOfSync.Store(true)
		return
	}
	if err := s.meili.IndexEntries(records); err != nil {
		s.logger.Error("reindex entries", "count", len(records), "err", err)
		s.outOfSync.Store(true)
		return
	}
	s.outOfSync.Store(false)
	s.logger.Info("reindexed entries", "count", len(records))
}

// Wait blocks until queued index writes have been applied.
func (s *Service) Wait() {
	s.pending.Wait()
}
