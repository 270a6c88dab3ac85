package cmdqueue

// Queue is a FIFO of slab-backed commands for a single PD. Enqueue order
// is transmit order (spec.md §5 ordering guarantees); dequeue hands out
// the oldest pending command. The most recently dequeued (sent) command
// is retained for reply-matching via Last, per spec.md's cmd_get_last.
type Queue struct {
	slab    *Slab
	pending []int // FIFO of slab indices awaiting send
	last    int
	hasLast bool
}

// NewQueue creates a queue backed by a slab with the given capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{slab: NewSlab(capacity)}
}

// Enqueue appends cmd to the tail of the queue. Returns ErrFull if the
// backing slab has no free blocks.
func (q *Queue) Enqueue(cmd Command) error {
	idx, err := q.slab.Alloc(cmd)
	if err != nil {
		return err
	}
	q.pending = append(q.pending, idx)
	return nil
}

// Dequeue removes and returns the command at the head of the queue. The
// returned command remains allocated in the slab (and becomes the
// result of Last) until the caller calls FreeLast.
func (q *Queue) Dequeue() (Command, bool) {
	if len(q.pending) == 0 {
		return Command{}, false
	}
	idx := q.pending[0]
	q.pending = q.pending[1:]
	q.last = idx
	q.hasLast = true
	return q.slab.Get(idx), true
}

// Last returns the most recently dequeued command, for matching an
// inbound reply against the command that solicited it.
func (q *Queue) Last() (Command, bool) {
	if !q.hasLast {
		return Command{}, false
	}
	return q.slab.Get(q.last), true
}

// FreeLast releases the most recently dequeued command's slab block.
// Called once its reply has been handled (or it has timed out).
func (q *Queue) FreeLast() {
	if !q.hasLast {
		return
	}
	q.slab.Free(q.last)
	q.hasLast = false
}

// Len returns the number of commands waiting to be sent.
func (q *Queue) Len() int { return len(q.pending) }

// Cap returns the queue's slab capacity.
func (q *Queue) Cap() int { return q.slab.Cap() }
