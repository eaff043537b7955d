// Package shard implements the in-memory shard engine: the unit of
// horizontal partitioning for a time-series dataset. A Shard owns a
// disjoint id-space of partitions, ingests records into them, flushes
// sealed chunks and partition keys to an external Sink on a per-group
// cadence, checkpoints progress through a Metastore, and evicts
// partitions under memory pressure.
//
// Grounded on internal/orchestrator/orchestrator.go's Config+New pattern,
// dependency-injected *slog.Logger, and documented-not-enforced
// single-writer convention; flush composition follows internal/index's
// errgroup.WithContext usage, adapted from per-indexer fan-out to the
// two concurrent flush writes (chunk stream, partition keys) spec'd here.
package shard

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tsshard/internal/block"
	"tsshard/internal/democache"
	"tsshard/internal/keyindex"
	"tsshard/internal/logging"
	"tsshard/internal/membuf"
	"tsshard/internal/partition"

	"github.com/RoaringBitmap/roaring/v2"
)

// PartitionID is the dense integer identity assigned to a partition at
// creation time.
type PartitionID = int32

// ChunkID identifies one encoded, sealed chunk within a partition.
type ChunkID = int64

// GroupNum identifies one of a shard's flush groups.
type GroupNum = int

// Watermark is the last source-feed offset known durable for a group.
type Watermark = int64

var (
	// ErrPartitionIDCollision is a fatal, unrecoverable condition: the
	// partition ID space wrapped around into a still-live ID. Per
	// spec.md §9's Open Question decision (preserved in DESIGN.md), the
	// only operator remedy is recreating the shard.
	ErrPartitionIDCollision = errors.New("shard: partition id wraparound collided with a live partition")

	// ErrShutdown is returned by operations attempted after Shutdown.
	ErrShutdown = errors.New("shard: shard has been shut down")
)

// Result is the closed outcome enum for flush/checkpoint operations,
// matching spec.md §4.6.4/§7: the shard never surfaces a Go error to the
// ingest caller, only these results plus metrics.
type Result int

const (
	Success Result = iota
	NotApplied
	DataDropped
	ErrorResponse
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case NotApplied:
		return "not_applied"
	case DataDropped:
		return "data_dropped"
	case ErrorResponse:
		return "error_response"
	default:
		return "unknown"
	}
}

// PartitionKeyEntry pairs a partition's canonical binary key with its
// dense ID, the unit written to the sink's AddPartitions call.
type PartitionKeyEntry struct {
	ID  PartitionID
	Key []byte
}

// Sink is the external durable-storage collaborator.
type Sink interface {
	WriteChunks(ctx context.Context, dataset string, chunks iter.Seq[partition.ChunkSet]) (Result, error)
	AddPartitions(ctx context.Context, dataset string, keys iter.Seq[PartitionKeyEntry], shardNum int) (Result, error)
	FetchChunk(ctx context.Context, dataset string, partitionID PartitionID, chunkID ChunkID) ([]byte, error)
}

// Metastore is the external checkpoint collaborator.
type Metastore interface {
	WriteCheckpoint(ctx context.Context, dataset string, shardNum int, groupNum GroupNum, offset int64) (Result, error)
}

// EvictionPolicy decides how many and which partitions may be reclaimed
// under pressure. canEvict is the sole gatekeeper: a partition it refuses
// is never removed, regardless of iteration order (spec.md §9 Open
// Question decision: iteration order is otherwise unconstrained).
type EvictionPolicy interface {
	HowManyToEvict(currentCount int) int
	CanEvict(p *partition.Partition) bool
}

// IngestRecord is one record arriving from the source feed.
type IngestRecord struct {
	PartKey []byte
	Data    partition.Row
	Offset  int64
}

// FlushGroup names one group's flush target watermark.
type FlushGroup struct {
	Group     GroupNum
	Watermark int64
}

// Config configures a Shard. It carries the memstore.* keys and the
// kafka.tasks.* timeouts; the timeouts have no in-process effect (they
// bound external interactions this package doesn't perform directly) and
// are carried for the caller to hand to the SourceFeed/Sink
// collaborators. The kafka.failures.* keys have no field here.
type Config struct {
	Dataset  string
	ShardNum int

	MaxChunksSize     int           // memstore.max-chunks-size
	ShardMemoryMB     int           // memstore.shard-memory-mb
	NumBlockPages     int           // memstore.num-block-pages
	GroupsPerShard    int           // memstore.groups-per-shard
	MaxNumPartitions  int           // memstore.max-num-partitions
	DemandPageRetention time.Duration // memstore.demand-paged-chunk-retention-period
	NumColumns        int

	StatusTimeout    time.Duration // kafka.tasks.status-timeout
	ConnectTimeout   time.Duration // kafka.tasks.lifecycle.connect-timeout
	ShutdownTimeout  time.Duration // kafka.tasks.lifecycle.shutdown-timeout

	Encoder  partition.Encoder
	Policy   EvictionPolicy
	Now      func() time.Time
	Logger   *slog.Logger
}

func (c *Config) setDefaults() {
	if c.MaxChunksSize <= 0 {
		c.MaxChunksSize = 10000
	}
	if c.ShardMemoryMB <= 0 {
		c.ShardMemoryMB = 64
	}
	if c.NumBlockPages <= 0 {
		c.NumBlockPages = 1000
	}
	if c.GroupsPerShard <= 0 {
		c.GroupsPerShard = 1
	}
	if c.MaxNumPartitions <= 0 {
		c.MaxNumPartitions = 1000
	}
	if c.NumColumns <= 0 {
		c.NumColumns = 1
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Policy == nil {
		c.Policy = noopEvictionPolicy{}
	}
}

// noopEvictionPolicy never evicts; the default for deployments that size
// MaxNumPartitions generously enough not to need pressure-driven reclaim.
type noopEvictionPolicy struct{}

func (noopEvictionPolicy) HowManyToEvict(int) int            { return 0 }
func (noopEvictionPolicy) CanEvict(*partition.Partition) bool { return false }

// Stats tracks the observable counters/gauges named in spec.md §6,
// mirroring orchestrator.IngesterStats's atomic-counter-plus-Snapshot
// shape.
type Stats struct {
	RowsIngested   atomic.Int64
	RowsSkipped    atomic.Int64

	PartitionsCreated atomic.Int64
	PartitionsEvicted atomic.Int64
	PartitionsQueried atomic.Int64

	ChunksEncoded  atomic.Int64
	ChunksQueried  atomic.Int64
	ChunksPagedIn  atomic.Int64
	ChunkIDsEvicted atomic.Int64
	SamplesEncoded atomic.Int64
	EncodedBytes   atomic.Int64

	FlushesSuccessful       atomic.Int64
	FlushesFailedPartition  atomic.Int64
	FlushesFailedChunkWrite atomic.Int64
	FlushesFailedOther      atomic.Int64

	OffsetLatestInMem      atomic.Int64
	OffsetFlushedLatest    atomic.Int64
	OffsetFlushedEarliest  atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats, safe to read without
// racing further mutation.
type StatsSnapshot struct {
	RowsIngested, RowsSkipped                                     int64
	PartitionsCreated, PartitionsEvicted, PartitionsQueried        int64
	ChunksEncoded, ChunksQueried, ChunksPagedIn, ChunkIDsEvicted   int64
	SamplesEncoded, EncodedBytes                                  int64
	FlushesSuccessful, FlushesFailedPartition, FlushesFailedChunkWrite, FlushesFailedOther int64
	OffsetLatestInMem, OffsetFlushedLatest, OffsetFlushedEarliest int64
	NumPartitions, WriteBufferPoolSize, IndexEntries              int
}

// Shard is the in-memory shard engine.
type Shard struct {
	cfg    Config
	logger *slog.Logger

	blocks  *block.Manager
	holders *block.HolderPool
	pool    *membuf.Pool
	index   *keyindex.Index
	demand  *democache.Store

	sink  Sink
	meta  Metastore

	// partitionsMu guards partitions and keyMap. Every other piece of
	// shard state follows the documented single-ingest-thread discipline
	// (spec.md §5), but the reclaim listener can fire from the flush
	// executor while a block is allocated mid-flush, concurrently with
	// ingest-thread map mutation, so the map itself needs a lock.
	partitionsMu sync.RWMutex
	partitions   map[PartitionID]*partition.Partition
	keyMap     map[string]PartitionID
	partitionGroups []*roaring.Bitmap
	partKeysToFlush [][2]*roaring.Bitmap // per group, [0]=pending since last swap, [1]=being flushed
	groupWatermark  []int64

	nextPartitionID int32

	stats Stats

	decompose keyindex.KeyDecomposer

	shutdown bool
}

// New constructs a Shard. sink and meta are the durable-storage
// collaborators; decompose splits a canonical binary partition key into
// the (column, value) pairs the key index stores (the dataset schema's
// responsibility, not this package's).
func New(cfg Config, sink Sink, meta Metastore, decompose keyindex.KeyDecomposer, demandFetcher democache.ChunkFetcher) (*Shard, error) {
	cfg.setDefaults()
	logger := logging.Default(cfg.Logger).With("component", "shard-engine", "dataset", cfg.Dataset, "shard", cfg.ShardNum)

	pool, err := membuf.NewPool(membuf.Config{
		MaxChunkSize:     cfg.MaxChunksSize,
		MaxNumPartitions: cfg.MaxNumPartitions,
		NumColumns:       cfg.NumColumns,
		Logger:           cfg.Logger,
	}, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("shard: write buffer pool: %w", err)
	}

	if demandFetcher == nil {
		// Default: page misses straight through the same Sink the flush
		// path writes to, scoped to this shard's dataset. Callers may
		// still inject a distinct fetcher (e.g. a test fake, or a sink
		// reached through a different client than the flush path uses).
		demandFetcher = democache.ChunkFetcherFunc(func(ctx context.Context, partitionID int32, chunkID int64) ([]byte, error) {
			return sink.FetchChunk(ctx, cfg.Dataset, partitionID, chunkID)
		})
	}

	s := &Shard{
		cfg:        cfg,
		logger:     logger,
		pool:       pool,
		index:      keyindex.New(cfg.Logger),
		demand:     democache.New(democache.Config{RetentionPeriod: cfg.DemandPageRetention, Now: cfg.Now}, demandFetcher),
		sink:       sink,
		meta:       meta,
		partitions: make(map[PartitionID]*partition.Partition),
		keyMap:     make(map[string]PartitionID),
		decompose:  decompose,
	}

	// The block manager's reclaim listener needs to reach back into this
	// Shard to resolve a metadata slot's partitionID to a live partition,
	// so it is wired after s exists rather than passed into block.Config
	// up front.
	blocks, err := block.NewManager(block.Config{
		ShardMemoryMB:    cfg.ShardMemoryMB,
		NumPagesPerBlock: cfg.NumBlockPages,
		Now:              cfg.Now,
		Listener:         block.ReclaimListenerFunc(s.onReclaim),
		Logger:           cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("shard: block manager: %w", err)
	}
	s.blocks = blocks
	s.holders = block.NewHolderPool(blocks, cfg.GroupsPerShard+1, cfg.Logger)

	s.partitionGroups = make([]*roaring.Bitmap, cfg.GroupsPerShard)
	s.partKeysToFlush = make([][2]*roaring.Bitmap, cfg.GroupsPerShard)
	s.groupWatermark = make([]int64, cfg.GroupsPerShard)
	for g := range cfg.GroupsPerShard {
		s.partitionGroups[g] = roaring.New()
		s.partKeysToFlush[g] = [2]*roaring.Bitmap{roaring.New(), roaring.New()}
	}

	return s, nil
}

var seedHash = maphash.MakeSeed()

// groupOf is a pure function of partKey: group assignment never migrates
// once a partition is created (invariant 7).
func (s *Shard) groupOf(partKey []byte) GroupNum {
	h := maphash.Bytes(seedHash, partKey)
	n := int64(h % uint64(s.cfg.GroupsPerShard))
	if n < 0 {
		n = -n
	}
	return int(n)
}

// Ingest processes an ordered batch of records per spec.md §4.6.1. It is
// only ever called from the single designated ingest goroutine (a
// documented convention; *Shard does not enforce it).
func (s *Shard) Ingest(records []IngestRecord) (int64, error) {
	if s.shutdown {
		return 0, ErrShutdown
	}
	var lastOffset int64
	for _, rec := range records {
		g := s.groupOf(rec.PartKey)
		if rec.Offset < s.groupWatermark[g] {
			s.stats.RowsSkipped.Add(1)
			continue
		}

		s.partitionsMu.RLock()
		id, ok := s.keyMap[string(rec.PartKey)]
		s.partitionsMu.RUnlock()
		if !ok {
			var err error
			id, err = s.addPartition(rec.PartKey, true)
			if err != nil {
				return lastOffset, err
			}
		}
		s.partitionsMu.RLock()
		p := s.partitions[id]
		s.partitionsMu.RUnlock()
		if p == nil {
			// raced with eviction between lookup and dereference; the
			// record is dropped rather than resurrecting the partition,
			// matching the "partitions no longer resolving are silently
			// skipped" query-path convention extended to ingest.
			s.stats.RowsSkipped.Add(1)
			continue
		}
		if err := p.Ingest(rec.Data, rec.Offset); err != nil {
			s.logger.Warn("ingest into partition failed", "error", err)
			continue
		}
		s.stats.RowsIngested.Add(1)
		lastOffset = rec.Offset
	}
	s.stats.OffsetLatestInMem.Store(lastOffset)
	return lastOffset, nil
}

// addPartition implements spec.md §4.6.2.
func (s *Shard) addPartition(partKey []byte, needsPersistence bool) (PartitionID, error) {
	s.checkAndEvictPartitions()

	binKey := append([]byte(nil), partKey...) // canonicalization is identity here; the dataset schema owns real canonicalization

	id := s.nextPartitionID
	s.nextPartitionID++
	if s.nextPartitionID < 0 {
		s.nextPartitionID = 0
	}
	s.partitionsMu.RLock()
	_, collide := s.partitions[id]
	s.partitionsMu.RUnlock()
	if collide {
		panic(ErrPartitionIDCollision)
	}

	g := s.groupOf(binKey)
	p := partition.New(id, binKey, g, s.pool, s.cfg.Encoder, s.cfg.Logger)

	columns := map[string]string{}
	if s.decompose != nil {
		columns = s.decompose(binKey)
	}
	s.index.AddKey(id, columns)
	s.partitionsMu.Lock()
	s.partitions[id] = p
	s.keyMap[string(binKey)] = id
	s.partitionsMu.Unlock()

	s.partitionGroups[g].Add(uint32(id))
	if needsPersistence {
		s.partKeysToFlush[g][0].Add(uint32(id))
	}

	s.stats.PartitionsCreated.Add(1)
	return id, nil
}

// SwitchGroupBuffers implements spec.md §4.6.3.
func (s *Shard) SwitchGroupBuffers(g GroupNum) {
	it := s.partitionGroups[g].Iterator()
	for it.HasNext() {
		id := PartitionID(it.Next())
		s.partitionsMu.RLock()
		p := s.partitions[id]
		s.partitionsMu.RUnlock()
		if p != nil {
			p.SwitchBuffers()
		}
	}
	s.partKeysToFlush[g][0], s.partKeysToFlush[g][1] = s.partKeysToFlush[g][1], s.partKeysToFlush[g][0]
	s.partKeysToFlush[g][0] = roaring.New()
}

// CreateFlushTask implements spec.md §4.6.4.
func (s *Shard) CreateFlushTask(ctx context.Context, fg FlushGroup) Result {
	g := fg.Group
	if s.partitionGroups[g].IsEmpty() {
		return s.commitCheckpoint(ctx, fg)
	}

	// taskID correlates this flush's log lines (and the two concurrent
	// sink writes it fans out to) across the dataset's full log stream.
	taskID := uuid.NewString()
	logger := s.logger.With("flush_task", taskID, "group", g)

	holder, err := s.holders.Checkout()
	if err != nil {
		logger.Warn("flush holder pool exhausted", "error", err)
		s.stats.FlushesFailedOther.Add(1)
		return DataDropped
	}

	chunkSets := s.makeGroupChunkSets(g, holder)
	keys := s.pendingFlushKeys(g)

	var chunkResult, keyResult Result
	grp, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	grp.Go(func() error {
		r, werr := s.sink.WriteChunks(gctx, s.cfg.Dataset, chunkSets)
		chunkResult = r
		return werr
	})
	grp.Go(func() error {
		r, werr := s.sink.AddPartitions(gctx, s.cfg.Dataset, keys, s.cfg.ShardNum)
		keyResult = r
		return werr
	})
	if err := grp.Wait(); err != nil {
		logger.Warn("flush write failed", "error", err)
		chunkResult = DataDropped
	}

	holder.MarkUsedBlocksReclaimable()
	s.holders.Release(holder)

	switch {
	case chunkResult == ErrorResponse || keyResult == ErrorResponse:
		s.stats.FlushesFailedChunkWrite.Add(1)
		return ErrorResponse
	case chunkResult == Success && keyResult == Success:
		return s.commitCheckpoint(ctx, fg)
	case chunkResult == NotApplied || keyResult == NotApplied:
		return NotApplied
	default:
		s.stats.FlushesFailedOther.Add(1)
		return DataDropped
	}
}

// makeGroupChunkSets lazily concatenates makeFlushChunks across every
// partition in group g.
func (s *Shard) makeGroupChunkSets(g GroupNum, holder *block.Holder) iter.Seq[partition.ChunkSet] {
	return func(yield func(partition.ChunkSet) bool) {
		it := s.partitionGroups[g].Iterator()
		for it.HasNext() {
			id := PartitionID(it.Next())
			s.partitionsMu.RLock()
			p := s.partitions[id]
			s.partitionsMu.RUnlock()
			if p == nil {
				continue
			}
			for cs := range p.MakeFlushChunks(holder) {
				for _, c := range cs.Chunks {
					s.stats.ChunksEncoded.Add(1)
					s.stats.SamplesEncoded.Add(int64(c.NumSamples))
					s.stats.EncodedBytes.Add(int64(len(c.Payload)))
				}
				if !yield(cs) {
					return
				}
			}
		}
	}
}

// pendingFlushKeys lazily yields the partition key entries scheduled for
// persistence in this flush (slot [1] after the preceding SwitchGroupBuffers swap).
func (s *Shard) pendingFlushKeys(g GroupNum) iter.Seq[PartitionKeyEntry] {
	return func(yield func(PartitionKeyEntry) bool) {
		it := s.partKeysToFlush[g][1].Iterator()
		for it.HasNext() {
			id := PartitionID(it.Next())
			s.partitionsMu.RLock()
			p := s.partitions[id]
			s.partitionsMu.RUnlock()
			if p == nil {
				continue
			}
			if !yield(PartitionKeyEntry{ID: id, Key: p.BinPartition()}) {
				return
			}
		}
	}
}

// commitCheckpoint implements spec.md §4.6.5.
func (s *Shard) commitCheckpoint(ctx context.Context, fg FlushGroup) Result {
	if fg.Watermark <= 0 {
		return NotApplied
	}
	res, err := s.meta.WriteCheckpoint(ctx, s.cfg.Dataset, s.cfg.ShardNum, fg.Group, fg.Watermark)
	if err != nil || res != Success {
		s.logger.Warn("checkpoint write failed", "group", fg.Group, "error", err)
		s.stats.FlushesFailedPartition.Add(1)
		return DataDropped
	}
	if fg.Watermark > s.groupWatermark[fg.Group] {
		s.groupWatermark[fg.Group] = fg.Watermark
	}
	s.stats.FlushesSuccessful.Add(1)
	s.publishWatermarkGauges()
	return Success
}

func (s *Shard) publishWatermarkGauges() {
	var latest, earliest int64
	first := true
	for _, w := range s.groupWatermark {
		if first || w > latest {
			latest = w
		}
		if first || w < earliest {
			earliest = w
		}
		first = false
	}
	s.stats.OffsetFlushedLatest.Store(latest)
	s.stats.OffsetFlushedEarliest.Store(earliest)
}

// checkAndEvictPartitions implements spec.md §4.6.6.
func (s *Shard) checkAndEvictPartitions() {
	s.partitionsMu.RLock()
	n := s.cfg.Policy.HowManyToEvict(len(s.partitions))
	if n <= 0 {
		s.partitionsMu.RUnlock()
		return
	}

	evicted := roaring.New()
	collected := 0
	for id, p := range s.partitions {
		if collected >= n {
			break
		}
		if !s.cfg.Policy.CanEvict(p) {
			continue
		}
		evicted.Add(uint32(id))
		collected++
	}
	s.partitionsMu.RUnlock()
	if evicted.IsEmpty() {
		return
	}

	s.index.RemoveIDs(evicted)

	for g := range s.partitionGroups {
		s.partitionGroups[g].AndNot(evicted)
		s.partKeysToFlush[g][0].AndNot(evicted)
	}

	s.partitionsMu.Lock()
	it := evicted.Iterator()
	for it.HasNext() {
		id := PartitionID(it.Next())
		if p := s.partitions[id]; p != nil {
			delete(s.keyMap, string(p.BinPartition()))
			p.Close()
		}
		delete(s.partitions, id)
	}
	s.partitionsMu.Unlock()
	s.stats.PartitionsEvicted.Add(int64(collected))
}

// ScanSingleKey resolves a single partition by its canonical key.
func (s *Shard) ScanSingleKey(key []byte) (*partition.Partition, bool) {
	s.partitionsMu.RLock()
	id, ok := s.keyMap[string(key)]
	if !ok {
		s.partitionsMu.RUnlock()
		return nil, false
	}
	p, ok := s.partitions[id]
	s.partitionsMu.RUnlock()
	if ok {
		s.stats.PartitionsQueried.Add(1)
	}
	return p, ok
}

// ScanPartitions implements spec.md §4.6.7: a lazy sequence of the
// partitions matching filters, or of every live partition when filters is
// empty. Partition IDs that no longer resolve (raced with eviction) are
// silently skipped.
func (s *Shard) ScanPartitions(filters []keyindex.Filter) iter.Seq[*partition.Partition] {
	return func(yield func(*partition.Partition) bool) {
		if len(filters) > 0 {
			matched, _ := s.index.ParseFilters(filters)
			if matched == nil {
				return
			}
			it := matched.Iterator()
			for it.HasNext() {
				id := PartitionID(it.Next())
				s.partitionsMu.RLock()
				p := s.partitions[id]
				s.partitionsMu.RUnlock()
				if p == nil {
					continue
				}
				s.stats.PartitionsQueried.Add(1)
				if !yield(p) {
					return
				}
			}
			return
		}
		s.partitionsMu.RLock()
		snapshot := make([]*partition.Partition, 0, len(s.partitions))
		for _, p := range s.partitions {
			snapshot = append(snapshot, p)
		}
		s.partitionsMu.RUnlock()
		for _, p := range snapshot {
			s.stats.PartitionsQueried.Add(1)
			if !yield(p) {
				return
			}
		}
	}
}

// ReadChunk resolves one chunk's encoded payload for a query, preferring
// the partition's in-memory chunk list and falling back to the
// demand-paged cache (which itself pages through the sink) when the
// chunk's block has already been reclaimed. Every call counts toward
// chunks-queried; a fallback that actually reaches the sink counts
// toward chunks-paged-in.
func (s *Shard) ReadChunk(ctx context.Context, partitionID PartitionID, chunkID ChunkID) ([]byte, error) {
	s.stats.ChunksQueried.Add(1)

	s.partitionsMu.RLock()
	p := s.partitions[partitionID]
	s.partitionsMu.RUnlock()
	if p != nil {
		if c, ok := p.ChunkByID(chunkID); ok {
			return c.Payload, nil
		}
	}

	if payload, cached := s.demand.Get(chunkID); cached {
		return payload, nil
	}
	s.stats.ChunksPagedIn.Add(1)
	return s.demand.GetOrFetch(ctx, partitionID, chunkID)
}

// Reset implements the reset half of spec.md §4.6.8: clears live state
// but keeps arenas allocated so the shard remains usable.
func (s *Shard) Reset() {
	s.partitionsMu.Lock()
	for _, p := range s.partitions {
		p.Close()
	}
	s.partitions = make(map[PartitionID]*partition.Partition)
	s.keyMap = make(map[string]PartitionID)
	s.partitionsMu.Unlock()
	s.index.Reset()
	s.demand.Reset()
	s.stats.RowsIngested.Store(0)
	for g := range s.partitionGroups {
		s.partitionGroups[g] = roaring.New()
		s.partKeysToFlush[g] = [2]*roaring.Bitmap{roaring.New(), roaring.New()}
		s.groupWatermark[g] = 0
	}
}

// Shutdown implements the rest of spec.md §4.6.8: reset, then release
// both arenas. The shard is terminal afterward.
func (s *Shard) Shutdown() {
	s.Reset()
	s.pool.ReleaseArena()
	s.blocks.Release()
	s.shutdown = true
}

// Stats returns a point-in-time snapshot of every observable counter and
// gauge named in spec.md §6.
func (s *Shard) Stats() StatsSnapshot {
	s.partitionsMu.RLock()
	numPartitions := len(s.partitions)
	s.partitionsMu.RUnlock()
	return StatsSnapshot{
		RowsIngested:            s.stats.RowsIngested.Load(),
		RowsSkipped:             s.stats.RowsSkipped.Load(),
		PartitionsCreated:       s.stats.PartitionsCreated.Load(),
		PartitionsEvicted:       s.stats.PartitionsEvicted.Load(),
		PartitionsQueried:       s.stats.PartitionsQueried.Load(),
		ChunksEncoded:           s.stats.ChunksEncoded.Load(),
		ChunksQueried:           s.stats.ChunksQueried.Load(),
		ChunksPagedIn:           s.stats.ChunksPagedIn.Load(),
		ChunkIDsEvicted:         s.stats.ChunkIDsEvicted.Load(),
		SamplesEncoded:          s.stats.SamplesEncoded.Load(),
		EncodedBytes:            s.stats.EncodedBytes.Load(),
		FlushesSuccessful:       s.stats.FlushesSuccessful.Load(),
		FlushesFailedPartition:  s.stats.FlushesFailedPartition.Load(),
		FlushesFailedChunkWrite: s.stats.FlushesFailedChunkWrite.Load(),
		FlushesFailedOther:      s.stats.FlushesFailedOther.Load(),
		OffsetLatestInMem:       s.stats.OffsetLatestInMem.Load(),
		OffsetFlushedLatest:     s.stats.OffsetFlushedLatest.Load(),
		OffsetFlushedEarliest:   s.stats.OffsetFlushedEarliest.Load(),
		NumPartitions:           numPartitions,
		WriteBufferPoolSize:     s.pool.Size(),
		IndexEntries:            s.index.Entries(),
	}
}
