// Package partition implements TimeSeriesPartition: per-series ingest
// buffering, buffer-switch sealing, and flush-chunk production.
//
// Grounded on internal/chunk/memory.Manager's active/sealed buffer
// lifecycle (open/append/seal/reopen under a single mutex) and
// internal/chunk/rotation.go's pure ActiveChunkState/RotationPolicy
// split, adapted from whole-record buffering to column-vector buffering
// per spec.md §4.3/§4.5. The sealed chunk list is held behind an
// atomic.Pointer so reclaim-driven removal (internal/block's
// ReclaimListener) and concurrent query iteration never observe a torn
// slice, per DESIGN NOTES §9.
package partition

import (
	"encoding/binary"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"tsshard/internal/block"
	"tsshard/internal/logging"
	"tsshard/internal/membuf"
)

var (
	ErrNoActiveBuffer = errors.New("partition: no active write buffer")
	ErrClosed         = errors.New("partition: partition is closed")
)

// Row is one ingested sample, already column-encoded by the caller
// (the dataset schema's encoding is out of scope for this core).
type Row struct {
	Columns [][]byte
}

// Chunk is an immutable, sealed, encoded segment of samples, physically
// backed by bytes allocated from a block.Holder.
type Chunk struct {
	ID         int64
	MetaSlot   []byte // 12-byte view, written via block.EncodeMetaSlot
	Payload    []byte
	NumSamples int
}

// ChunkSet is one group of encoded chunks produced by a single
// makeFlushChunks call (the spec allows an encoder to emit more than one
// ChunkSet per partition per flush, e.g. one per column group).
type ChunkSet struct {
	PartitionID int32
	Chunks      []Chunk
}

// Encoder turns a frozen VectorSet into chunk payload bytes. The actual
// compression codec is an external collaborator per spec.md §1; this is
// the seam a real codec plugs into.
type Encoder interface {
	Encode(vs *membuf.VectorSet, numSamples int) ([]byte, error)
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(vs *membuf.VectorSet, numSamples int) ([]byte, error)

func (f EncoderFunc) Encode(vs *membuf.VectorSet, numSamples int) ([]byte, error) {
	return f(vs, numSamples)
}

// DefaultEncoder concatenates each column's buffer behind a length
// prefix. It exists so the engine is exercisable end-to-end without a
// real columnar codec; production deployments supply their own Encoder.
var DefaultEncoder Encoder = EncoderFunc(func(vs *membuf.VectorSet, _ int) ([]byte, error) {
	var out []byte
	lenBuf := make([]byte, 4)
	for i := range vs.NumColumns() {
		col := vs.Column(i)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(col)))
		out = append(out, lenBuf...)
		out = append(out, col...)
	}
	return out, nil
})

// Partition is the default TimeSeriesPartition implementation.
type Partition struct {
	mu sync.Mutex

	id      int32
	key     []byte
	group   int
	pool    *membuf.Pool
	encoder Encoder
	logger  *slog.Logger

	active   *membuf.VectorSet
	frozen   *membuf.VectorSet
	frozenN  int
	sampleN  int
	nextChunkID int64

	chunks atomic.Pointer[[]Chunk] // copy-on-write, read by queries concurrently with reclaim

	closed bool
}

// New constructs a Partition. id and key are assigned by the shard
// engine's addPartition; pool is the shard's shared WriteBufferPool.
func New(id int32, key []byte, group int, pool *membuf.Pool, encoder Encoder, logger *slog.Logger) *Partition {
	if encoder == nil {
		encoder = DefaultEncoder
	}
	empty := make([]Chunk, 0)
	p := &Partition{
		id:      id,
		key:     key,
		group:   group,
		pool:    pool,
		encoder: encoder,
		logger:  logging.Default(logger).With("component", "partition", "partition_id", id),
	}
	p.chunks.Store(&empty)
	return p
}

// ID returns the partition's dense integer identity.
func (p *Partition) ID() int32 { return p.id }

// BinPartition returns the canonical binary partition key.
func (p *Partition) BinPartition() []byte { return p.key }

// Group returns the flush group this partition is assigned to.
func (p *Partition) Group() int { return p.group }

// Ingest appends one row to the active write buffer, acquiring a fresh
// VectorSet from the pool on first use. offset is the source feed offset
// that produced this row (tracked by the shard engine, not consumed
// here, but accepted to match spec.md §4.5's signature).
func (p *Partition) Ingest(row Row, _ int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.active == nil {
		v, err := p.pool.Acquire()
		if err != nil {
			return err
		}
		p.active = v
	}
	for i, col := range row.Columns {
		if i >= p.active.NumColumns() {
			break
		}
		if err := p.active.Append(i, col); err != nil {
			return err
		}
	}
	p.sampleN++
	return nil
}

// SwitchBuffers seals the active buffer, moving it to frozen (the
// source-of-truth for the next makeFlushChunks call), and leaves the
// partition without an active buffer until the next Ingest re-acquires
// one. If a frozen buffer is still pending, nothing is switched and the
// active buffer stays in place. Must only be called from the single ingest-thread discipline
// (see shard package), ideally right before a flush for its group.
func (p *Partition) SwitchBuffers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return
	}
	// A partition with an already-frozen, not-yet-flushed buffer keeps
	// that buffer; samples keep accumulating in the current active set
	// until the previous frozen set is consumed by makeFlushChunks. This matches
	// the spec's "switch just before flushing group g" cadence: flushes
	// are expected to drain frozen before the next switch for the same
	// group.
	if p.frozen == nil {
		p.frozen = p.active
		p.frozenN = p.sampleN
		p.sampleN = 0
		p.active = nil
	}
}

// MakeFlushChunks encodes the frozen buffer (if any) into chunks
// allocated from holder, yielding one ChunkSet, then releases the frozen
// VectorSet back to the pool. Returns a single-item (or empty) sequence;
// modeled as iter.Seq to match the spec's "iterator<ChunkSet>" contract
// and the teacher's Go 1.26 toolchain, which supports range-over-func.
func (p *Partition) MakeFlushChunks(holder *block.Holder) iter.Seq[ChunkSet] {
	return func(yield func(ChunkSet) bool) {
		p.mu.Lock()
		frozen := p.frozen
		frozenN := p.frozenN
		p.frozen = nil
		p.frozenN = 0
		p.mu.Unlock()

		if frozen == nil || frozenN == 0 {
			if frozen != nil {
				p.pool.Release(frozen)
			}
			return
		}

		payload, err := p.encoder.Encode(frozen, frozenN)
		p.pool.Release(frozen)
		if err != nil {
			p.logger.Warn("encode failed", "error", err)
			return
		}

		metaBuf, err := holder.AllocateMetadata(block.MetaSlotSize)
		if err != nil {
			p.logger.Warn("allocate metadata failed", "error", err)
			return
		}
		payloadBuf, err := holder.AllocatePayload(len(payload))
		if err != nil {
			p.logger.Warn("allocate payload failed", "error", err)
			return
		}
		copy(payloadBuf, payload)

		p.mu.Lock()
		chunkID := p.nextChunkID
		p.nextChunkID++
		p.mu.Unlock()

		block.EncodeMetaSlot(metaBuf, p.id, chunkID)

		c := Chunk{ID: chunkID, MetaSlot: metaBuf, Payload: payloadBuf, NumSamples: frozenN}
		p.addChunk(c)

		yield(ChunkSet{PartitionID: p.id, Chunks: []Chunk{c}})
	}
}

// addChunk appends c to the sealed chunk list via copy-on-write replace.
func (p *Partition) addChunk(c Chunk) {
	for {
		old := p.chunks.Load()
		next := make([]Chunk, len(*old)+1)
		copy(next, *old)
		next[len(*old)] = c
		if p.chunks.CompareAndSwap(old, &next) {
			return
		}
	}
}

// RemoveChunksAt drops the partition's reference to a reclaimed chunk.
// Called by the block manager's reclaim listener; must be torn-free
// against concurrent readers of Chunks().
func (p *Partition) RemoveChunksAt(chunkID int64) {
	for {
		old := p.chunks.Load()
		idx := -1
		for i, c := range *old {
			if c.ID == chunkID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		next := make([]Chunk, 0, len(*old)-1)
		next = append(next, (*old)[:idx]...)
		next = append(next, (*old)[idx+1:]...)
		if p.chunks.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Chunks returns a snapshot of the sealed chunk list, safe to iterate
// concurrently with reclaim (the snapshot is an immutable slice value).
func (p *Partition) Chunks() []Chunk {
	return *p.chunks.Load()
}

// ChunkByID returns the in-memory chunk with the given ID, if its block
// has not yet been reclaimed. A miss here (ok=false) does not mean the
// chunk never existed — it may have already been paged out and must be
// fetched back from the durable sink by the caller (see
// democache.Store).
func (p *Partition) ChunkByID(chunkID int64) (Chunk, bool) {
	for _, c := range p.Chunks() {
		if c.ID == chunkID {
			return c, true
		}
	}
	return Chunk{}, false
}

// SampleCount returns the number of samples in the active buffer, for
// diagnostics and tests.
func (p *Partition) SampleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sampleN
}

// Close releases the partition's write buffers back to the pool,
// leaving sealed chunks intact (the block manager still owns them until
// reclaimed). Called by the shard engine's eviction controller.
func (p *Partition) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.active != nil {
		p.pool.Release(p.active)
		p.active = nil
	}
	if p.frozen != nil {
		p.pool.Release(p.frozen)
		p.frozen = nil
	}
}
