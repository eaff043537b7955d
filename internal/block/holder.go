package block

import (
	"errors"
	"log/slog"

	"tsshard/internal/logging"
)

var ErrHolderPoolExhausted = errors.New("block: holder pool exhausted")

// Holder is a short-lived allocation context borrowed for the duration of
// a single flush. It allocates sequentially into its own current block,
// requesting a new one from the Manager when the current one is full.
// Holder is not safe for concurrent use; one flush owns one holder.
type Holder struct {
	mgr     *Manager
	current *blk
	used    []*blk
}

// AllocateMetadata appends a 12-byte metadata slot into the current
// block's metadata area and returns a view of the written bytes so the
// caller (partition.makeFlushChunks) can pass it straight to
// EncodeMetaSlot.
func (h *Holder) AllocateMetadata(size int) ([]byte, error) {
	if size != MetaSlotSize {
		return nil, ErrInvalidSlotSize
	}
	if err := h.ensureCurrent(); err != nil {
		return nil, err
	}
	b := h.current
	if b.metaCursor+size > b.payloadSplit {
		if err := h.rotate(); err != nil {
			return nil, err
		}
		b = h.current
	}
	view := b.data[b.metaCursor : b.metaCursor+size]
	b.metaCursor += size
	b.metaSlots = append(b.metaSlots, view)
	return view, nil
}

// AllocatePayload appends size bytes into the current block's payload
// area (which grows backwards from the end of the block) and returns a
// view into that region for the encoder to fill.
func (h *Holder) AllocatePayload(size int) ([]byte, error) {
	if err := h.ensureCurrent(); err != nil {
		return nil, err
	}
	b := h.current
	if size > b.payloadEnd-b.payloadSplit {
		if size > len(b.data)-b.payloadSplit {
			return nil, ErrAllocationTooLarge
		}
		if err := h.rotate(); err != nil {
			return nil, err
		}
		b = h.current
	}
	start := b.payloadEnd - size
	view := b.data[start:b.payloadEnd]
	b.payloadEnd = start
	return view, nil
}

func (h *Holder) ensureCurrent() error {
	if h.current != nil {
		return nil
	}
	b, err := h.mgr.acquireBlock()
	if err != nil {
		return err
	}
	h.current = b
	h.used = append(h.used, b)
	return nil
}

func (h *Holder) rotate() error {
	b, err := h.mgr.acquireBlock()
	if err != nil {
		return err
	}
	h.current = b
	h.used = append(h.used, b)
	return nil
}

// MarkUsedBlocksReclaimable marks every block this holder wrote into as a
// reclamation candidate. Must be called before the holder is released,
// once the flush that used it has completed (successfully or not) — the
// spec requires this ordering so blocks only become reclaimable after
// the chunks they contain have had a chance to be durably persisted.
func (h *Holder) MarkUsedBlocksReclaimable() {
	for _, b := range h.used {
		h.mgr.markReclaimable(b)
	}
	h.used = nil
	h.current = nil
}

// HolderPool is a bounded pool of Holders, checked out for the duration
// of a single flush and released back afterward. Grounded on the pack's
// bounded-checkout pool idiom (oriys-nova internal/pool): a buffered
// channel of pre-built holders. Checkout never blocks; it fails with
// ErrHolderPoolExhausted when no holder is free.
type HolderPool struct {
	mgr    *Manager
	slots  chan *Holder
	logger *slog.Logger
}

// NewHolderPool creates a pool of size holders sharing the given Manager.
func NewHolderPool(mgr *Manager, size int, logger *slog.Logger) *HolderPool {
	if size <= 0 {
		size = 4
	}
	p := &HolderPool{
		mgr:    mgr,
		slots:  make(chan *Holder, size),
		logger: logging.Default(logger).With("component", "block-holder-pool"),
	}
	for range size {
		p.slots <- &Holder{mgr: mgr}
	}
	return p
}

// Checkout returns an available holder without blocking, or
// ErrHolderPoolExhausted if none are free.
func (p *HolderPool) Checkout() (*Holder, error) {
	select {
	case h := <-p.slots:
		return h, nil
	default:
		return nil, ErrHolderPoolExhausted
	}
}

// Release returns a holder to the pool. The caller must have already
// called MarkUsedBlocksReclaimable on it.
func (p *HolderPool) Release(h *Holder) {
	if h.current != nil || len(h.used) != 0 {
		p.logger.Warn("holder released with unreclaimed blocks; forcing reclaim")
		h.MarkUsedBlocksReclaimable()
	}
	select {
	case p.slots <- h:
	default:
		// Pool size shrank or double-release; drop silently, this holder
		// is simply garbage collected.
	}
}
