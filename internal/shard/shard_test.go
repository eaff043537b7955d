package shard

import (
	"context"
	"iter"
	"strings"
	"testing"

	"tsshard/internal/keyindex"
	"tsshard/internal/partition"
)

// fakeSink is an in-memory Sink collaborator whose results are scripted
// per test, matching the teacher's style of hand-rolled fakes over mocks.
type fakeSink struct {
	writeChunksResult Result
	writeChunksErr    error
	addPartitionsResult Result
	addPartitionsErr    error

	chunkSetsWritten int
	keysWritten      int

	fetchChunkPayload []byte
	fetchChunkCalls   int
}

func (f *fakeSink) WriteChunks(_ context.Context, _ string, chunks iter.Seq[partition.ChunkSet]) (Result, error) {
	for range chunks {
		f.chunkSetsWritten++
	}
	if f.writeChunksErr != nil {
		return f.writeChunksResult, f.writeChunksErr
	}
	return f.writeChunksResult, nil
}

func (f *fakeSink) AddPartitions(_ context.Context, _ string, keys iter.Seq[PartitionKeyEntry], _ int) (Result, error) {
	for range keys {
		f.keysWritten++
	}
	if f.addPartitionsErr != nil {
		return f.addPartitionsResult, f.addPartitionsErr
	}
	return f.addPartitionsResult, nil
}

func (f *fakeSink) FetchChunk(_ context.Context, _ string, _ PartitionID, _ ChunkID) ([]byte, error) {
	f.fetchChunkCalls++
	return f.fetchChunkPayload, nil
}

// fakeMetastore is an in-memory Metastore collaborator.
type fakeMetastore struct {
	result    Result
	err       error
	committed []FlushGroup
}

func (m *fakeMetastore) WriteCheckpoint(_ context.Context, _ string, _ int, g GroupNum, offset int64) (Result, error) {
	m.committed = append(m.committed, FlushGroup{Group: g, Watermark: offset})
	if m.err != nil {
		return m.result, m.err
	}
	return m.result, nil
}

func decomposeHostKey(binKey []byte) map[string]string {
	return map[string]string{"host": string(binKey)}
}

func newTestShard(t *testing.T, groups int, sink Sink, meta Metastore) *Shard {
	t.Helper()
	s, err := New(Config{
		Dataset:          "ds",
		ShardNum:         0,
		GroupsPerShard:   groups,
		MaxNumPartitions: 100,
		ShardMemoryMB:    1,
		NumBlockPages:    1,
		NumColumns:       1,
	}, sink, meta, decomposeHostKey, nil)
	if err != nil {
		t.Fatalf("shard.New: %v", err)
	}
	return s
}

func rec(key string, offset int64) IngestRecord {
	return IngestRecord{PartKey: []byte(key), Data: partition.Row{Columns: [][]byte{[]byte("v")}}, Offset: offset}
}

// S1: fresh ingest.
func TestS1FreshIngest(t *testing.T) {
	s := newTestShard(t, 4, &fakeSink{}, &fakeMetastore{})

	offset, err := s.Ingest([]IngestRecord{rec("A", 10), rec("B", 11), rec("C", 12)})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if offset != 12 {
		t.Fatalf("expected latestOffset=12, got %d", offset)
	}

	stats := s.Stats()
	if stats.NumPartitions != 3 {
		t.Fatalf("expected 3 active partitions, got %d", stats.NumPartitions)
	}
	if stats.RowsIngested != 3 {
		t.Fatalf("expected rowsIngested=3, got %d", stats.RowsIngested)
	}
	if stats.RowsSkipped != 0 {
		t.Fatalf("expected rowsSkipped=0, got %d", stats.RowsSkipped)
	}
}

// S2: recovery skip.
func TestS2RecoverySkip(t *testing.T) {
	s := newTestShard(t, 4, &fakeSink{}, &fakeMetastore{})
	g := s.groupOf([]byte("A"))
	s.groupWatermark[g] = 20

	_, err := s.Ingest([]IngestRecord{rec("A", 15)})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	stats := s.Stats()
	if stats.RowsSkipped != 1 {
		t.Fatalf("expected rowsSkipped=1, got %d", stats.RowsSkipped)
	}
	if stats.NumPartitions != 0 {
		t.Fatalf("expected no partition created, got %d", stats.NumPartitions)
	}
}

// S3: flush happy path.
func TestS3FlushHappyPath(t *testing.T) {
	sink := &fakeSink{writeChunksResult: Success, addPartitionsResult: Success}
	meta := &fakeMetastore{result: Success}
	s := newTestShard(t, 1, sink, meta)

	if _, err := s.Ingest([]IngestRecord{rec("A", 5), rec("B", 6)}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	s.SwitchGroupBuffers(0)
	result := s.CreateFlushTask(context.Background(), FlushGroup{Group: 0, Watermark: 100})
	if result != Success {
		t.Fatalf("expected Success, got %v", result)
	}
	if s.groupWatermark[0] != 100 {
		t.Fatalf("expected groupWatermark[0]=100, got %d", s.groupWatermark[0])
	}
	if s.Stats().FlushesSuccessful != 1 {
		t.Fatalf("expected flushesSuccessful=1, got %d", s.Stats().FlushesSuccessful)
	}
	if sink.keysWritten != 2 {
		t.Fatalf("expected 2 partition keys written, got %d", sink.keysWritten)
	}

	// partKeysToFlush[0][1] clears after the next switch.
	s.SwitchGroupBuffers(0)
	if !s.partKeysToFlush[0][1].IsEmpty() {
		t.Fatalf("expected partKeysToFlush[0][1] to clear after next switch")
	}
}

// S4: empty-group checkpoint.
func TestS4EmptyGroupCheckpoint(t *testing.T) {
	sink := &fakeSink{writeChunksResult: Success, addPartitionsResult: Success}
	meta := &fakeMetastore{result: Success}
	s := newTestShard(t, 4, sink, meta)

	result := s.CreateFlushTask(context.Background(), FlushGroup{Group: 2, Watermark: 50})
	if result != Success {
		t.Fatalf("expected Success, got %v", result)
	}
	if sink.chunkSetsWritten != 0 {
		t.Fatalf("expected no sink.write calls, got %d chunk sets", sink.chunkSetsWritten)
	}
	if s.groupWatermark[2] != 50 {
		t.Fatalf("expected groupWatermark[2]=50, got %d", s.groupWatermark[2])
	}
	if len(meta.committed) != 1 {
		t.Fatalf("expected exactly one checkpoint write, got %d", len(meta.committed))
	}
}

// S5: sink failure.
func TestS5SinkFailure(t *testing.T) {
	sink := &fakeSink{writeChunksResult: ErrorResponse, addPartitionsResult: Success}
	meta := &fakeMetastore{result: Success}
	s := newTestShard(t, 1, sink, meta)

	if _, err := s.Ingest([]IngestRecord{rec("A", 5)}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	s.SwitchGroupBuffers(0)

	result := s.CreateFlushTask(context.Background(), FlushGroup{Group: 0, Watermark: 100})
	if result != ErrorResponse {
		t.Fatalf("expected ErrorResponse, got %v", result)
	}
	if s.groupWatermark[0] != 0 {
		t.Fatalf("expected groupWatermark[0] unchanged, got %d", s.groupWatermark[0])
	}
	if s.Stats().FlushesFailedChunkWrite != 1 {
		t.Fatalf("expected flushesFailedChunkWrite=1, got %d", s.Stats().FlushesFailedChunkWrite)
	}
	// Holder pool must have been released even on failure: checking out
	// every holder in the pool (GroupsPerShard+1) should succeed without
	// exhaustion.
	for range s.cfg.GroupsPerShard + 1 {
		if _, err := s.holders.Checkout(); err != nil {
			t.Fatalf("expected holder pool not exhausted after failed flush: %v", err)
		}
	}
}

// S6: eviction under pressure.
func TestS6EvictionUnderPressure(t *testing.T) {
	s := newTestShard(t, 1, &fakeSink{}, &fakeMetastore{})
	s.cfg.Policy = alwaysEvictOldest{n: 2}

	for _, k := range []string{"A", "B", "C"} {
		if _, err := s.Ingest([]IngestRecord{rec(k, 1)}); err != nil {
			t.Fatalf("ingest %s: %v", k, err)
		}
	}
	if s.Stats().NumPartitions != 3 {
		t.Fatalf("expected 3 partitions before pressure ingest, got %d", s.Stats().NumPartitions)
	}

	// Next addPartition call triggers checkAndEvictPartitions, which asks
	// the policy how many to evict.
	if _, err := s.Ingest([]IngestRecord{rec("D", 1)}); err != nil {
		t.Fatalf("ingest D: %v", err)
	}

	stats := s.Stats()
	if stats.PartitionsEvicted != 2 {
		t.Fatalf("expected partitionsEvicted=2, got %d", stats.PartitionsEvicted)
	}
	// 3 original + 1 new - 2 evicted = 2 live.
	if stats.NumPartitions != 2 {
		t.Fatalf("expected 2 live partitions after eviction, got %d", stats.NumPartitions)
	}

	// Dual-map agreement (invariant 1) holds after eviction.
	s.partitionsMu.RLock()
	for id, p := range s.partitions {
		if s.keyMap[string(p.BinPartition())] != id {
			t.Fatalf("dual-map disagreement for id %d", id)
		}
	}
	s.partitionsMu.RUnlock()
}

// alwaysEvictOldest evicts the first n partitions offered (in Go map
// iteration order, regardless of access recency) once at least 3 exist;
// used only to make the number of evicted partitions deterministic in
// tests.
type alwaysEvictOldest struct{ n int }

func (a alwaysEvictOldest) HowManyToEvict(current int) int {
	if current < 3 {
		return 0
	}
	return a.n
}

func (alwaysEvictOldest) CanEvict(*partition.Partition) bool { return true }

// S7: reclaim notify.
func TestS7ReclaimNotify(t *testing.T) {
	sink := &fakeSink{writeChunksResult: Success, addPartitionsResult: Success}
	meta := &fakeMetastore{result: Success}
	s := newTestShard(t, 1, sink, meta)

	if _, err := s.Ingest([]IngestRecord{rec("A", 1)}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	s.SwitchGroupBuffers(0)
	if result := s.CreateFlushTask(context.Background(), FlushGroup{Group: 0, Watermark: 1}); result != Success {
		t.Fatalf("expected Success flush, got %v", result)
	}

	p, ok := s.ScanSingleKey([]byte("A"))
	if !ok {
		t.Fatalf("expected partition A to resolve")
	}
	chunks := p.Chunks()
	if len(chunks) != 1 {
		t.Fatalf("expected 1 sealed chunk before reclaim, got %d", len(chunks))
	}

	if err := s.blocks.ForceReclaim(s.blocks.Stats().TotalBlocks); err != nil {
		t.Fatalf("force reclaim: %v", err)
	}

	if len(p.Chunks()) != 0 {
		t.Fatalf("expected chunk removed after reclaim, got %d", len(p.Chunks()))
	}
	if s.Stats().ChunkIDsEvicted != 1 {
		t.Fatalf("expected chunkIdsEvicted=1, got %d", s.Stats().ChunkIDsEvicted)
	}
}

// ReadChunk falls back to the demand-paged cache once a chunk's block
// has been reclaimed, and serves subsequent reads from that cache
// without calling the sink again.
func TestReadChunkPagesInAfterReclaim(t *testing.T) {
	sink := &fakeSink{writeChunksResult: Success, addPartitionsResult: Success}
	meta := &fakeMetastore{result: Success}
	s := newTestShard(t, 1, sink, meta)

	if _, err := s.Ingest([]IngestRecord{rec("A", 1)}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	s.SwitchGroupBuffers(0)
	if result := s.CreateFlushTask(context.Background(), FlushGroup{Group: 0, Watermark: 1}); result != Success {
		t.Fatalf("expected Success flush, got %v", result)
	}

	p, ok := s.ScanSingleKey([]byte("A"))
	if !ok {
		t.Fatalf("expected partition A to resolve")
	}
	chunk := p.Chunks()[0]

	if err := s.blocks.ForceReclaim(s.blocks.Stats().TotalBlocks); err != nil {
		t.Fatalf("force reclaim: %v", err)
	}

	sink.fetchChunkPayload = []byte("paged-in-bytes")
	payload, err := s.ReadChunk(context.Background(), p.ID(), chunk.ID)
	if err != nil {
		t.Fatalf("read chunk: %v", err)
	}
	if string(payload) != "paged-in-bytes" {
		t.Fatalf("expected fetched payload, got %q", payload)
	}
	if got := s.Stats().ChunksPagedIn; got != 1 {
		t.Fatalf("expected chunksPagedIn=1, got %d", got)
	}

	sink.fetchChunkCalls = 0
	if _, err := s.ReadChunk(context.Background(), p.ID(), chunk.ID); err != nil {
		t.Fatalf("read chunk (cached): %v", err)
	}
	if sink.fetchChunkCalls != 0 {
		t.Fatalf("expected cached read not to call sink again, got %d calls", sink.fetchChunkCalls)
	}
	if got := s.Stats().ChunksQueried; got != 2 {
		t.Fatalf("expected chunksQueried=2, got %d", got)
	}
}

// Invariant 3: watermark monotonicity.
func TestWatermarkNeverDecreases(t *testing.T) {
	meta := &fakeMetastore{result: Success}
	s := newTestShard(t, 1, &fakeSink{writeChunksResult: Success, addPartitionsResult: Success}, meta)

	if result := s.CreateFlushTask(context.Background(), FlushGroup{Group: 0, Watermark: 100}); result != Success {
		t.Fatalf("expected Success, got %v", result)
	}
	if s.groupWatermark[0] != 100 {
		t.Fatalf("expected watermark 100, got %d", s.groupWatermark[0])
	}

	// A checkpoint with a lower watermark is still written and reported
	// as Success, but commitCheckpoint never lowers groupWatermark.
	if result := s.CreateFlushTask(context.Background(), FlushGroup{Group: 0, Watermark: 50}); result != Success {
		t.Fatalf("expected Success for lower watermark checkpoint, got %v", result)
	}
	if s.groupWatermark[0] != 100 {
		t.Fatalf("expected watermark to stay 100 after lower checkpoint, got %d", s.groupWatermark[0])
	}

	// A zero/negative watermark short-circuits.
	if result := s.CreateFlushTask(context.Background(), FlushGroup{Group: 0, Watermark: 0}); result != NotApplied {
		t.Fatalf("expected NotApplied for non-positive watermark, got %v", result)
	}
	if s.groupWatermark[0] != 100 {
		t.Fatalf("expected watermark unchanged by NotApplied checkpoint, got %d", s.groupWatermark[0])
	}
}

// Invariant 7: group assignment stability.
func TestGroupAssignmentIsStable(t *testing.T) {
	s := newTestShard(t, 8, &fakeSink{}, &fakeMetastore{})
	key := []byte("stable-key")
	g1 := s.groupOf(key)
	for range 100 {
		if g2 := s.groupOf(key); g2 != g1 {
			t.Fatalf("groupOf is not stable: got %d and %d", g1, g2)
		}
	}
}

// Metastore failure: checkpoint not written, watermark unchanged.
func TestCheckpointFailureDoesNotAdvanceWatermark(t *testing.T) {
	meta := &fakeMetastore{result: ErrorResponse}
	s := newTestShard(t, 1, &fakeSink{}, meta)

	result := s.CreateFlushTask(context.Background(), FlushGroup{Group: 0, Watermark: 10})
	if result != DataDropped {
		t.Fatalf("expected DataDropped, got %v", result)
	}
	if s.groupWatermark[0] != 0 {
		t.Fatalf("expected watermark unchanged on metastore failure, got %d", s.groupWatermark[0])
	}
}

// Filtered scan exercises PartitionKeyIndex end-to-end through ScanPartitions.
func TestScanPartitionsFilteredByKeyIndex(t *testing.T) {
	s := newTestShard(t, 2, &fakeSink{}, &fakeMetastore{})
	for _, k := range []string{"web-1", "web-2", "db-1"} {
		if _, err := s.Ingest([]IngestRecord{rec(k, 1)}); err != nil {
			t.Fatalf("ingest %s: %v", k, err)
		}
	}

	var matched []string
	for p := range s.ScanPartitions([]keyindex.Filter{keyindex.Eq{Name: "host", Value: "web-1"}}) {
		matched = append(matched, string(p.BinPartition()))
	}
	if len(matched) != 1 || matched[0] != "web-1" {
		t.Fatalf("expected exactly [web-1], got %v", matched)
	}

	var all []string
	for p := range s.ScanPartitions(nil) {
		all = append(all, string(p.BinPartition()))
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 partitions on unfiltered scan, got %d", len(all))
	}
	if s.Stats().PartitionsQueried != 4 {
		t.Fatalf("expected partitionsQueried to count every yielded partition, got %d", s.Stats().PartitionsQueried)
	}
}

// Partition-ID wraparound collision is fatal per spec.md §9.
func TestPartitionIDWraparoundCollisionIsFatal(t *testing.T) {
	s := newTestShard(t, 1, &fakeSink{}, &fakeMetastore{})
	if _, err := s.Ingest([]IngestRecord{rec("A", 1)}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	s.nextPartitionID = 0 // force the next allocation to collide with "A"'s id=0

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic on partition id collision")
		}
		if !strings.Contains(ErrPartitionIDCollision.Error(), "collid") {
			t.Fatalf("unexpected sentinel message: %v", ErrPartitionIDCollision)
		}
	}()
	_, _ = s.Ingest([]IngestRecord{rec("B", 2)})
}

// Reset clears logical state but the shard remains usable afterward.
func TestResetClearsStateButShardRemainsUsable(t *testing.T) {
	s := newTestShard(t, 2, &fakeSink{}, &fakeMetastore{})
	if _, err := s.Ingest([]IngestRecord{rec("A", 1)}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	s.groupWatermark[0] = 42

	s.Reset()

	stats := s.Stats()
	if stats.NumPartitions != 0 || stats.RowsIngested != 0 {
		t.Fatalf("expected cleared state, got %+v", stats)
	}
	for _, w := range s.groupWatermark {
		if w != 0 {
			t.Fatalf("expected watermarks zeroed, got %d", w)
		}
	}

	// Shard is still usable: a fresh ingest succeeds.
	if _, err := s.Ingest([]IngestRecord{rec("A", 1)}); err != nil {
		t.Fatalf("ingest after reset: %v", err)
	}
	if s.Stats().NumPartitions != 1 {
		t.Fatalf("expected shard to remain usable after reset")
	}
}

// Shutdown is terminal: further ingest is rejected.
func TestShutdownIsTerminal(t *testing.T) {
	s := newTestShard(t, 1, &fakeSink{}, &fakeMetastore{})
	s.Shutdown()

	if _, err := s.Ingest([]IngestRecord{rec("A", 1)}); err != ErrShutdown {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
}
