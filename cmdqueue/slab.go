package cmdqueue

import "errors"

// ErrFull is returned by Slab.Alloc when every block is in use. Callers
// must surface this as backpressure, never drop the request silently
// (spec.md §3 invariants, §7 QueueFull).
var ErrFull = errors.New("cmdqueue: slab exhausted")

// Slab is a fixed-capacity pool of Command blocks with an index-based
// free-list. No pointers are handed out; callers address blocks by
// index, per spec.md §9's guidance to replace pointer ownership with
// indices for clarity in a bounded, allocation-free pool.
type Slab struct {
	blocks []Command
	inUse  []bool
	free   []int // stack of free indices, LIFO reuse is fine: order is owned by Queue
}

// NewSlab creates a slab with room for numBlocks commands.
func NewSlab(numBlocks int) *Slab {
	s := &Slab{
		blocks: make([]Command, numBlocks),
		inUse:  make([]bool, numBlocks),
		free:   make([]int, numBlocks),
	}
	for i := 0; i < numBlocks; i++ {
		s.free[i] = numBlocks - 1 - i
	}
	return s
}

// Cap returns the slab's total block capacity.
func (s *Slab) Cap() int { return len(s.blocks) }

// Len returns the number of blocks currently allocated.
func (s *Slab) Len() int { return len(s.blocks) - len(s.free) }

// Alloc reserves a free block, stores cmd into it, and returns its
// index. Returns ErrFull if the slab has no free blocks.
func (s *Slab) Alloc(cmd Command) (int, error) {
	if len(s.free) == 0 {
		return 0, ErrFull
	}
	idx := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.blocks[idx] = cmd
	s.inUse[idx] = true
	return idx, nil
}

// Get returns the command stored at idx.
func (s *Slab) Get(idx int) Command { return s.blocks[idx] }

// Free releases the block at idx back to the free-list.
func (s *Slab) Free(idx int) {
	if !s.inUse[idx] {
		return
	}
	s.inUse[idx] = false
	s.blocks[idx] = Command{}
	s.free = append(s.free, idx)
}
