package shard

import "tsshard/internal/block"

// onReclaim is the block.ReclaimListener invoked synchronously on
// whichever goroutine triggered a block allocation (per spec.md §5, this
// may race with query iteration, which is why partition.Partition keeps
// its chunk list behind an atomic.Pointer). It resolves the reclaimed
// slot's partitionID back to a live partition and drops that partition's
// reference to the chunk, satisfying invariant 5 (reclaim -> drop) and
// scenario S7.
func (s *Shard) onReclaim(metadataAddr []byte, numBytes int) error {
	partitionID, chunkID, err := block.DecodeMetaSlot(metadataAddr)
	if err != nil {
		return err
	}
	s.partitionsMu.RLock()
	p := s.partitions[partitionID]
	s.partitionsMu.RUnlock()

	if p != nil {
		p.RemoveChunksAt(chunkID)
		s.stats.ChunkIDsEvicted.Add(1)
	}
	return nil
}
