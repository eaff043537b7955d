// Package democache implements the DemandPagedChunkStore: a bounded cache
// of chunks paged in from the remote sink when a query misses the shard's
// in-memory chunks. Entries live in their own map, independent of the
// ingest-side write buffer pool, so paged-in bytes never compete with it.
//
// Grounded on internal/chunk/retention.go's TTLRetentionPolicy (pure,
// snapshot-driven eviction decision) adapted from whole-chunk vault
// retention to a demand-paged cache's access-time TTL.
package democache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tsshard/internal/logging"
)

// ChunkFetcher retrieves chunk payload bytes from the durable sink,
// addressed by the (partitionID, chunkID) pair recorded in the block
// metadata wire format.
type ChunkFetcher interface {
	FetchChunk(ctx context.Context, partitionID int32, chunkID int64) ([]byte, error)
}

// ChunkFetcherFunc adapts a function to ChunkFetcher.
type ChunkFetcherFunc func(ctx context.Context, partitionID int32, chunkID int64) ([]byte, error)

func (f ChunkFetcherFunc) FetchChunk(ctx context.Context, partitionID int32, chunkID int64) ([]byte, error) {
	return f(ctx, partitionID, chunkID)
}

// entry is one cached chunk: its payload bytes and the time it was last
// accessed, held directly in the Store's map.
type entry struct {
	payload    []byte
	lastAccess time.Time
}

// Config configures a Store.
type Config struct {
	// RetentionPeriod is how long a paged-in chunk may sit unused before
	// the next Evict pass reclaims it
	// (memstore.demand-paged-chunk-retention-period).
	RetentionPeriod time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// Store is the DemandPagedChunkStore.
type Store struct {
	mu      sync.RWMutex
	entries map[int64]*entry // keyed by chunkID; chunkIDs are unique per shard

	fetcher ChunkFetcher
	now     func() time.Time
	ttl     time.Duration
	logger  *slog.Logger

	hits   int64
	misses int64
	pagedIn int64
}

// New constructs a Store. fetcher supplies bytes on a cache miss; it may
// be nil if the caller always fetches out-of-band and calls Put directly.
func New(cfg Config, fetcher ChunkFetcher) *Store {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		entries: make(map[int64]*entry),
		fetcher: fetcher,
		now:     now,
		ttl:     cfg.RetentionPeriod,
		logger:  logging.Default(cfg.Logger).With("component", "demand-paged-chunk-store"),
	}
}

// Get returns a cached chunk's payload if present, bumping its access
// time so it survives the next Evict pass.
func (s *Store) Get(chunkID int64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[chunkID]
	if !ok {
		s.misses++
		return nil, false
	}
	e.lastAccess = s.now()
	s.hits++
	return e.payload, true
}

// GetOrFetch returns the cached payload, paging it in from the fetcher on
// a miss and caching the result.
func (s *Store) GetOrFetch(ctx context.Context, partitionID int32, chunkID int64) ([]byte, error) {
	if payload, ok := s.Get(chunkID); ok {
		return payload, nil
	}
	payload, err := s.fetcher.FetchChunk(ctx, partitionID, chunkID)
	if err != nil {
		return nil, err
	}
	s.Put(chunkID, payload)
	return payload, nil
}

// Put inserts or refreshes a cached chunk.
func (s *Store) Put(chunkID int64, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[chunkID] = &entry{payload: payload, lastAccess: s.now()}
	s.pagedIn++
}

// Evict drops every cached chunk whose last access predates the
// retention horizon, mirroring TTLRetentionPolicy.Apply's pure
// snapshot-then-decide shape but applied against access time instead of
// chunk end timestamp (a paged-in chunk has no ingest-time relevance;
// what matters is whether anyone is still asking for it).
func (s *Store) Evict() []int64 {
	if s.ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.ttl)
	var evicted []int64
	for id, e := range s.entries {
		if e.lastAccess.Before(cutoff) {
			evicted = append(evicted, id)
			delete(s.entries, id)
		}
	}
	if len(evicted) > 0 {
		s.logger.Debug("evicted demand-paged chunks", "count", len(evicted))
	}
	return evicted
}

// Stats reports cache effectiveness for diagnostics.
type Stats struct {
	Entries int
	Hits    int64
	Misses  int64
	PagedIn int64
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Entries: len(s.entries), Hits: s.hits, Misses: s.misses, PagedIn: s.pagedIn}
}

// Reset drops all cached entries, used by Shard.reset().
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[int64]*entry)
}
