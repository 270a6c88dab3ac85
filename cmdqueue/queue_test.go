package cmdqueue

import "testing"

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue(4)
	want := []byte{0xAA, 0xBB, 0xCC}
	for _, id := range want {
		if err := q.Enqueue(Command{ID: id}); err != nil {
			t.Fatalf("enqueue %x: %v", id, err)
		}
	}
	for _, id := range want {
		cmd, ok := q.Dequeue()
		if !ok {
			t.Fatalf("expected command, queue empty")
		}
		if cmd.ID != id {
			t.Fatalf("FIFO order violated: got %x, want %x", cmd.ID, id)
		}
		q.FreeLast()
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestQueueFullBackpressure(t *testing.T) {
	q := NewQueue(2)
	if err := q.Enqueue(Command{ID: 1}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(Command{ID: 2}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(Command{ID: 3}); err != ErrFull {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	// Queue must remain intact after the failed enqueue.
	cmd, ok := q.Dequeue()
	if !ok || cmd.ID != 1 {
		t.Fatalf("queue corrupted after ErrFull: got %+v, ok=%v", cmd, ok)
	}
}

func TestQueueLastTracksMostRecentDequeue(t *testing.T) {
	q := NewQueue(2)
	_ = q.Enqueue(Command{ID: 0x60, Data: []byte{1, 2}})
	if _, ok := q.Last(); ok {
		t.Fatalf("Last should be empty before any dequeue")
	}
	cmd, _ := q.Dequeue()
	last, ok := q.Last()
	if !ok || last.ID != cmd.ID {
		t.Fatalf("Last() = %+v, want %+v", last, cmd)
	}
	q.FreeLast()
	if _, ok := q.Last(); ok {
		t.Fatalf("Last should be empty after FreeLast")
	}
}

func TestSlabAllocFreeReuse(t *testing.T) {
	s := NewSlab(1)
	idx, err := s.Alloc(Command{ID: 9})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Alloc(Command{ID: 10}); err != ErrFull {
		t.Fatalf("expected ErrFull on second alloc, got %v", err)
	}
	s.Free(idx)
	if _, err := s.Alloc(Command{ID: 11}); err != nil {
		t.Fatalf("expected reuse after free, got %v", err)
	}
}
