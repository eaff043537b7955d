// Package membuf implements the mutable ingestion-side buffer arena: a
// dedicated byte region sized for the dataset schema, handed out as
// VectorSets that partitions append samples into. This mirrors
// internal/chunk/memory.Manager's active-buffer lifecycle (open, append,
// seal, reopen) but operates on column vectors rather than whole records,
// since the shard engine's ingest path writes into per-column buffers
// that are later handed to an external encoder.
package membuf

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tsshard/internal/logging"
)

var (
	ErrPoolExhausted = errors.New("membuf: write buffer pool exhausted")
	ErrVectorGrowth  = errors.New("membuf: vector set exceeded arena quota")
)

// Config configures a Pool.
type Config struct {
	// MaxChunkSize is the target sample count per encoded chunk
	// (memstore.max-chunks-size).
	MaxChunkSize int

	// MaxNumPartitions bounds how many VectorSets can be live at once
	// (memstore.max-num-partitions).
	MaxNumPartitions int

	// NumColumns is the schema's column count; each VectorSet holds one
	// []byte buffer per column.
	NumColumns int

	Logger *slog.Logger
}

// VectorSet holds one growable byte buffer per schema column. A
// partition appends encoded sample fields column-wise; on switchBuffers
// the active VectorSet is detached (frozen) and handed to the encoder,
// and a fresh one is acquired.
type VectorSet struct {
	columns [][]byte
	quota   int
	used    int
}

// NewVectorSet allocates a VectorSet whose column buffers start with
// initialBytesPerColumn bytes of capacity (the Pool passes maxChunkSize/8)
// and may together grow to quota bytes across all columns.
func NewVectorSet(numColumns, initialBytesPerColumn, quota int) *VectorSet {
	cols := make([][]byte, numColumns)
	for i := range cols {
		cols[i] = make([]byte, 0, initialBytesPerColumn)
	}
	return &VectorSet{columns: cols, quota: quota}
}

// Append appends data to the given column's buffer, growing it within
// the arena quota. Returns ErrVectorGrowth if the quota would be
// exceeded.
func (v *VectorSet) Append(column int, data []byte) error {
	if v.used+len(data) > v.quota {
		return ErrVectorGrowth
	}
	v.columns[column] = append(v.columns[column], data...)
	v.used += len(data)
	return nil
}

// Column returns the current contents of one column's buffer.
func (v *VectorSet) Column(i int) []byte { return v.columns[i] }

// NumColumns returns how many column buffers this set holds.
func (v *VectorSet) NumColumns() int { return len(v.columns) }

// Reset clears all column buffers for reuse, retaining underlying
// capacity (so recycled VectorSets don't re-allocate on every switch).
func (v *VectorSet) Reset() {
	for i := range v.columns {
		v.columns[i] = v.columns[i][:0]
	}
	v.used = 0
}

// Pool is the WriteBufferPool: a bounded, reusable set of VectorSets
// sized per schema, backing one active set per partition.
type Pool struct {
	mu sync.Mutex

	numColumns   int
	quotaPerSet  int
	initialBytes int

	free   []*VectorSet
	inUse  int
	maxSet int

	logger *slog.Logger
}

// NewPool constructs a WriteBufferPool. The arena size is
// maxChunksSize * 8 * maxNumPartitions * numColumns bytes per spec.md
// §4.3; individual VectorSets are handed out sized at maxChunksSize/8
// initially and may grow up to quotaPerSet (the per-partition share of
// the arena).
func NewPool(cfg Config, logger *slog.Logger) (*Pool, error) {
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = 10000
	}
	if cfg.MaxNumPartitions <= 0 {
		cfg.MaxNumPartitions = 1000
	}
	if cfg.NumColumns <= 0 {
		return nil, fmt.Errorf("membuf: NumColumns must be positive")
	}

	initial := cfg.MaxChunkSize / 8
	if initial < 1 {
		initial = 1
	}
	quota := cfg.MaxChunkSize * 8 * cfg.NumColumns

	return &Pool{
		numColumns:   cfg.NumColumns,
		quotaPerSet:  quota,
		initialBytes: initial,
		maxSet:       cfg.MaxNumPartitions,
		logger:       logging.Default(logger).With("component", "write-buffer-pool"),
	}, nil
}

// Acquire hands out a VectorSet for a partition's new active buffer,
// reusing a reset one from the free list if available.
func (p *Pool) Acquire() (*VectorSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) > 0 {
		v := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		p.inUse++
		return v, nil
	}
	if p.inUse >= p.maxSet {
		return nil, ErrPoolExhausted
	}
	p.inUse++
	return NewVectorSet(p.numColumns, p.initialBytes, p.quotaPerSet), nil
}

// Release returns a VectorSet to the pool after its encoded chunks have
// been produced (i.e. after partition.makeFlushChunks finishes with the
// frozen set).
func (p *Pool) Release(v *VectorSet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v.Reset()
	p.free = append(p.free, v)
	if p.inUse > 0 {
		p.inUse--
	}
}

// Size reports the number of VectorSets currently checked out, exposed
// for the memstore-writebuffer-pool-size gauge.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// ReleaseArena drops every pooled VectorSet so the arena's backing memory
// can be garbage-collected. Terminal: a Pool must not be used after
// ReleaseArena.
func (p *Pool) ReleaseArena() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = nil
	p.inUse = 0
}
