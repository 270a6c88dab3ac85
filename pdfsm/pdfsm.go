// Package pdfsm implements the PD-role receive/reply state machine
// (spec.md §4.6): IDLE -> SEND_REPLY -> (IDLE | ERR). It owns a single
// pd.Record representing the local device, decodes inbound frames via
// package wire, dispatches by command id, and frames replies.
package pdfsm

import (
	"github.com/osdp-go/osdp/pd"
	"github.com/osdp-go/osdp/proto"
	"github.com/osdp-go/osdp/trs"
	"github.com/osdp-go/osdp/wire"
)

// State is the PD-role FSM state (spec.md §4.6).
type State int

const (
	Idle State = iota
	SendReply
	Err
)

// errGuardMillis is how long the FSM stays in Err before returning to
// Idle (spec.md's "short guard" -- a fixed value since the spec does
// not name one).
const errGuardMillis = 5

// CommandHandler is the embedder hook for commands that mutate local
// output state (spec.md §4.6, §6): OUT/LED/BUZ/TEXT and any
// manufacturer-specific command. Its return code becomes the reply's
// status; proto.NakNone means ACK.
type CommandHandler interface {
	HandleCommand(id byte, data []byte) (nakCode byte, err error)
}

// KeysetPersister is the optional embedder hook for persisting a new
// SCBK after a CMD_KEYSET install-mode key rollover (spec.md §6's
// keyset_persist).
type KeysetPersister interface {
	PersistSCBK(scbk [16]byte) error
}

// PD drives one local device's receive/reply loop against Record.
type PD struct {
	Record    *pd.Record
	Identity  pd.Identity
	Cap       []pd.Capability
	Handler   CommandHandler
	ClientUID [8]byte
	Reader    trs.ReaderBackend
	Keyset    KeysetPersister

	state    State
	replySCB byte
	txBuf    []byte
	txSent   int
	txTotal  int
	errUntil int64
}

// New creates a PD-role engine. handler may be nil if the embedder has
// no OUT/LED/BUZ/TEXT behavior to drive.
func New(rec *pd.Record, identity pd.Identity, caps []pd.Capability, handler CommandHandler) *PD {
	return &PD{
		Record:   rec,
		Identity: identity,
		Cap:      caps,
		Handler:  handler,
		txBuf:    make([]byte, len(rec.RxBuf)),
	}
}

// Refresh advances the FSM by one tick. now is a monotonic millisecond
// timestamp supplied by the embedder.
func (p *PD) Refresh(now int64) error {
	p.Record.Tstamp = now
	switch p.state {
	case Idle:
		return p.tickIdle(now)
	case SendReply:
		return p.tickSendReply(now)
	case Err:
		return p.tickErr(now)
	default:
		p.state = Idle
		return nil
	}
}

func (p *PD) tickIdle(now int64) error {
	rec := p.Record
	if rec.RxBufLen < len(rec.RxBuf) {
		n, err := rec.Channel.Recv(rec.RxBuf[rec.RxBufLen:])
		if err != nil {
			return err
		}
		rec.RxBufLen += n
	}
	if rec.RxBufLen == 0 {
		return nil
	}

	off, dlen, err := wire.Decode(rec, rec.RxBuf, rec.RxBufLen)
	switch err {
	case nil:
		return p.handleFrame(off, dlen)
	case wire.ErrIncomplete:
		if rec.RxBufLen == len(rec.RxBuf) {
			p.enterErr(now)
		}
		return nil
	case wire.ErrSkip:
		p.discardFrame()
		return nil
	case wire.ErrSeqMismatch:
		p.prepareNak(proto.NakSeqNum, 0)
		p.discardFrame()
		p.state = SendReply
		return nil
	case wire.ErrSecureChannel:
		p.prepareNak(proto.NakScCond, 0)
		p.discardFrame()
		p.state = SendReply
		return nil
	default: // wire.ErrFormat or anything else: treat as malformed
		rec.Flags = rec.Flags.Clear(pd.FlagAwaitResp)
		p.prepareNak(proto.NakMsgChk, 0)
		p.discardAll()
		p.state = SendReply
		return nil
	}
}

// handleFrame dispatches a successfully decoded frame and queues a
// reply, mirroring the request's Secure Channel class.
func (p *PD) handleFrame(off, dlen int) error {
	rec := p.Record
	id := rec.RxBuf[off]
	data := append([]byte(nil), rec.RxBuf[off+1:off+dlen]...)
	rec.CmdID = id

	smb := wire.SMB(rec.RxBuf[:rec.RxBufLen])
	reqSCB := byte(0)
	if smb != nil {
		reqSCB = smb[1]
	}
	p.replySCB = replySCBFor(reqSCB)

	replyID, payload := p.dispatch(id, data)
	rec.ReplyID = replyID
	rec.CmdData = payload

	p.discardFrame()
	p.state = SendReply
	return nil
}

// discardFrame removes exactly the frame currently at the head of
// rx_buf (whose length is recoverable from its header), sliding any
// trailing bytes down to offset 0.
func (p *PD) discardFrame() {
	rec := p.Record
	total, ok := wire.FrameLen(rec.RxBuf[:rec.RxBufLen])
	if !ok || total <= 0 || total > rec.RxBufLen {
		p.discardAll()
		return
	}
	remaining := copy(rec.RxBuf, rec.RxBuf[total:rec.RxBufLen])
	rec.RxBufLen = remaining
}

func (p *PD) discardAll() {
	p.Record.RxBufLen = 0
}

func (p *PD) prepareNak(code byte, scb byte) {
	p.Record.ReplyID = proto.ReplyNak
	p.Record.CmdData = []byte{code}
	p.replySCB = scb
}

func (p *PD) enterErr(now int64) {
	p.state = Err
	p.errUntil = now + errGuardMillis
	p.Record.RxBufLen = 0
	p.Record.Channel.Flush()
}

func (p *PD) tickErr(now int64) error {
	if now >= p.errUntil {
		p.state = Idle
	}
	return nil
}

func (p *PD) tickSendReply(now int64) error {
	rec := p.Record
	if p.txSent == 0 {
		off, err := wire.PackInit(rec, p.txBuf, true, false, p.replySCB)
		if err != nil {
			return err
		}
		p.txBuf[off] = rec.ReplyID
		n := off + 1 + copy(p.txBuf[off+1:], rec.CmdData)
		total, err := wire.PackFinalize(rec, p.txBuf, n, len(p.txBuf))
		if err != nil {
			return err
		}
		p.txTotal = total
	}

	n, err := rec.Channel.Send(p.txBuf[p.txSent:p.txTotal])
	if err != nil {
		return err
	}
	p.txSent += n
	if p.txSent < p.txTotal {
		return nil // partial write, retry remainder next tick
	}

	rec.NextSeq()
	p.txSent = 0
	p.txTotal = 0
	p.state = Idle
	return nil
}

// replySCBFor maps a request's SCB type code to the reply-direction
// counterpart (spec.md §4.2's SCS11/13/15/17 command classes pair with
// SCS12/14/16/18 on the reply).
func replySCBFor(reqType byte) byte {
	switch reqType {
	case proto.SCS11:
		return proto.SCS12
	case proto.SCS13:
		return proto.SCS14
	case proto.SCS15:
		return proto.SCS16
	case proto.SCS17:
		return proto.SCS18
	default:
		return 0
	}
}
