package channel

import (
	"fmt"
	"sync"

	"github.com/ebfe/scard"
)

// PCSCChannel fronts a real smart-card reader's blocking PC/SC handle
// with the non-blocking Channel contract. Outgoing bytes queued by Send
// are drained by a single background goroutine that performs the actual
// (blocking) scard.Card.Transmit call; replies land in a buffered inbox
// that Recv drains without blocking, per spec.md §5's requirement that
// the engine's own tick loop never wait on real I/O. It is built the
// same way the teacher's card.Reader wraps github.com/ebfe/scard
// (EstablishContext -> Connect -> Transmit), adapted here for the
// non-blocking contract instead of a one-shot CLI call.
type PCSCChannel struct {
	ctx  *scard.Context
	card *scard.Card
	name string

	mu     sync.Mutex
	outbox []byte
	inbox  []byte
	work   chan struct{}
	done   chan struct{}
}

// NewPCSC connects to the reader at readerIndex and returns a Channel
// backed by it.
func NewPCSC(readerIndex int) (*PCSCChannel, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("pcsc: establish context: %w", err)
	}
	readers, err := ctx.ListReaders()
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("pcsc: list readers: %w", err)
	}
	if readerIndex < 0 || readerIndex >= len(readers) {
		ctx.Release()
		return nil, fmt.Errorf("pcsc: reader index %d out of range (0-%d)", readerIndex, len(readers)-1)
	}
	card, err := ctx.Connect(readers[readerIndex], scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("pcsc: connect to %q: %w", readers[readerIndex], err)
	}

	c := &PCSCChannel{
		ctx:  ctx,
		card: card,
		name: readers[readerIndex],
		work: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// run drains outbox via blocking Transmit calls and appends each
// response to inbox. It is the only goroutine that touches c.card.
func (c *PCSCChannel) run() {
	for {
		select {
		case <-c.work:
		case <-c.done:
			return
		}
		c.mu.Lock()
		out := c.outbox
		c.outbox = nil
		c.mu.Unlock()
		if len(out) == 0 {
			continue
		}
		resp, err := c.card.Transmit(out)
		if err != nil {
			continue
		}
		c.mu.Lock()
		c.inbox = append(c.inbox, resp...)
		c.mu.Unlock()
	}
}

// Send queues buf for transmission and wakes the background worker. It
// never blocks: the copy into outbox is O(len(buf)) and unbounded, since
// OSDP frames are small (<= pd.MaxFrameExtended) and sent one at a time.
func (c *PCSCChannel) Send(buf []byte) (int, error) {
	c.mu.Lock()
	c.outbox = append(c.outbox, buf...)
	c.mu.Unlock()
	select {
	case c.work <- struct{}{}:
	default:
	}
	return len(buf), nil
}

// Recv drains whatever bytes the background worker has appended to
// inbox so far, returning 0 immediately if none have arrived.
func (c *PCSCChannel) Recv(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := copy(buf, c.inbox)
	c.inbox = c.inbox[n:]
	return n, nil
}

// Flush drops any buffered bytes in both directions.
func (c *PCSCChannel) Flush() {
	c.mu.Lock()
	c.outbox = nil
	c.inbox = nil
	c.mu.Unlock()
}

// ID returns the PC/SC reader name.
func (c *PCSCChannel) ID() string { return c.name }

// TransmitAPDU sends a single APDU directly to the card and waits for
// the response, bypassing the queued Send/Recv path. Nothing in this
// module calls it, and PCSCChannel does not implement trs.ReaderBackend.
func (c *PCSCChannel) TransmitAPDU(apdu []byte) ([]byte, error) {
	resp, err := c.card.Transmit(apdu)
	if err != nil {
		return nil, fmt.Errorf("pcsc: transmit apdu: %w", err)
	}
	return resp, nil
}

// Close disconnects from the card and releases the PC/SC context.
func (c *PCSCChannel) Close() error {
	close(c.done)
	if c.card != nil {
		c.card.Disconnect(scard.LeaveCard)
	}
	if c.ctx != nil {
		c.ctx.Release()
	}
	return nil
}

// ListPCSCReaders returns the names of all readers visible to the
// system PC/SC service.
func ListPCSCReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("pcsc: establish context: %w", err)
	}
	defer ctx.Release()
	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("pcsc: list readers: %w", err)
	}
	return readers, nil
}
