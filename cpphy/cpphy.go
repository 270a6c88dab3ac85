// Package cpphy implements the CP-side phy-layer state machine
// (spec.md §4.4): one request/response exchange against one PD,
// driven entirely off the PD record's own command queue and channel.
package cpphy

import (
	"errors"

	"github.com/osdp-go/osdp/cmdqueue"
	"github.com/osdp-go/osdp/pd"
	"github.com/osdp-go/osdp/proto"
	"github.com/osdp-go/osdp/wire"
)

// ErrTimeout marks a REPLY_WAIT that exceeded ReplyTimeoutMillis without
// a decodable frame arriving.
var ErrTimeout = errors.New("cpphy: reply timeout")

// State is the CP phy FSM state (spec.md §4.4).
type State int

const (
	Idle State = iota
	SendCmd
	ReplyWait
	ErrWait
	Cleanup
)

// Timing defaults from spec.md §5.
const (
	ReplyTimeoutMillis = 200
	ErrWaitMillis      = 50
)

// Outcome reports the result of a completed command/reply exchange.
// Done is false while the exchange is still in progress; the caller
// must keep calling Refresh until Done is true.
type Outcome struct {
	Done     bool
	ReplyID  byte
	Payload  []byte
	Err      error
	Offline  bool // three consecutive ERR_WAIT transitions reached
}

// replySCBFor maps a command's SCB type to the reply-direction
// counterpart it expects back, mirroring pdfsm's table.
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

// PHY drives one PD's phy-level exchanges. SCBTypeFor, if set, lets the
// CP app layer (cpapp) choose the Secure Channel Block class per
// command id (e.g. SCS17 for CMD_KEYSET); nil means no SCB is applied.
type PHY struct {
	Record    *pd.Record
	SCBTypeFor func(id byte) byte

	state        State
	pending      cmdqueue.Command
	reqSCB       byte
	txBuf        []byte
	txSent       int
	txTotal      int
	errWaitUntil int64
	lastErr      error
	doneReplyID  byte
	donePayload  []byte
}

// New creates a phy-layer driver for rec.
func New(rec *pd.Record) *PHY {
	return &PHY{Record: rec, txBuf: make([]byte, len(rec.RxBuf))}
}

// Idle reports whether the FSM is between exchanges, with no command
// in flight. cpapp uses this to tell a genuine pause (safe to defer a
// tick rather than have tickIdle auto-enqueue a keepalive POLL) apart
// from an exchange still in progress, which must keep ticking.
func (m *PHY) Idle() bool { return m.state == Idle }

// Refresh advances the FSM by one tick. now is a monotonic millisecond
// timestamp.
func (m *PHY) Refresh(now int64) Outcome {
	switch m.state {
	case Idle:
		return m.tickIdle(now)
	case SendCmd:
		return m.tickSendCmd(now)
	case ReplyWait:
		return m.tickReplyWait(now)
	case ErrWait:
		return m.tickErrWait(now)
	case Cleanup:
		return m.tickCleanup(now)
	default:
		m.state = Idle
		return Outcome{}
	}
}

func (m *PHY) tickIdle(now int64) Outcome {
	rec := m.Record
	cmd, ok := rec.Cmd.Dequeue()
	if !ok {
		_ = rec.Cmd.Enqueue(cmdqueue.Command{ID: proto.CmdPoll})
		cmd, _ = rec.Cmd.Dequeue()
	}
	m.pending = cmd
	if m.SCBTypeFor != nil {
		m.reqSCB = m.SCBTypeFor(cmd.ID)
	} else {
		m.reqSCB = 0
	}
	m.state = SendCmd
	return Outcome{}
}

func (m *PHY) tickSendCmd(now int64) Outcome {
	rec := m.Record
	if m.txSent == 0 && m.txTotal == 0 {
		off, err := wire.PackInit(rec, m.txBuf, false, false, m.reqSCB)
		if err != nil {
			return m.fail(now, err)
		}
		m.txBuf[off] = m.pending.ID
		n := off + 1 + copy(m.txBuf[off+1:], m.pending.Data)
		total, err := wire.PackFinalize(rec, m.txBuf, n, len(m.txBuf))
		if err != nil {
			return m.fail(now, err)
		}
		m.txTotal = total
	}

	n, err := rec.Channel.Send(m.txBuf[m.txSent:m.txTotal])
	if err != nil {
		return m.fail(now, err)
	}
	m.txSent += n
	if m.txSent < m.txTotal {
		return Outcome{} // partial write, retry remainder next tick
	}

	rec.Flags = rec.Flags.Set(pd.FlagAwaitResp)
	rec.PhyTstamp = now
	m.txSent, m.txTotal = 0, 0
	m.state = ReplyWait
	return Outcome{}
}

func (m *PHY) tickReplyWait(now int64) Outcome {
	rec := m.Record
	if rec.RxBufLen < len(rec.RxBuf) {
		n, err := rec.Channel.Recv(rec.RxBuf[rec.RxBufLen:])
		if err != nil {
			return m.fail(now, err)
		}
		rec.RxBufLen += n
	}

	if rec.RxBufLen > 0 {
		off, dlen, err := wire.Decode(rec, rec.RxBuf, rec.RxBufLen)
		switch err {
		case nil:
			rec.Flags = rec.Flags.Clear(pd.FlagAwaitResp)
			replyID := rec.RxBuf[off]
			payload := append([]byte(nil), rec.RxBuf[off+1:off+dlen]...)
			if m.reqSCB != 0 && replyID != proto.ReplyNak {
				if smb := wire.SMB(rec.RxBuf[:rec.RxBufLen]); smb == nil || smb[1] != replySCBFor(m.reqSCB) {
					m.discardFrame()
					return m.fail(now, wire.ErrFormat)
				}
			}
			m.discardFrame()
			m.doneReplyID = replyID
			m.donePayload = payload
			m.state = Cleanup
			return Outcome{}
		case wire.ErrIncomplete:
			if rec.RxBufLen == len(rec.RxBuf) {
				return m.fail(now, err)
			}
			if now-rec.PhyTstamp > ReplyTimeoutMillis {
				return m.fail(now, ErrTimeout)
			}
			return Outcome{}
		case wire.ErrSkip:
			m.discardFrame()
			return Outcome{}
		default:
			return m.fail(now, err)
		}
	}

	if now-rec.PhyTstamp > ReplyTimeoutMillis {
		return m.fail(now, ErrTimeout)
	}
	return Outcome{}
}

func (m *PHY) discardFrame() {
	rec := m.Record
	total, ok := wire.FrameLen(rec.RxBuf[:rec.RxBufLen])
	if !ok || total <= 0 || total > rec.RxBufLen {
		rec.RxBufLen = 0
		return
	}
	rec.RxBufLen = copy(rec.RxBuf, rec.RxBuf[total:rec.RxBufLen])
}

func (m *PHY) fail(now int64, err error) Outcome {
	m.lastErr = err
	m.state = ErrWait
	m.errWaitUntil = now + ErrWaitMillis
	m.Record.Channel.Flush()
	m.Record.RxBufLen = 0
	m.Record.Flags = m.Record.Flags.Clear(pd.FlagAwaitResp)
	return Outcome{}
}

// tickCleanup frees the completed in-flight command slot and resets the
// error-strike counter before the decoded reply is handed to the caller.
func (m *PHY) tickCleanup(now int64) Outcome {
	rec := m.Record
	rec.Cmd.FreeLast()
	rec.ErrStrikes = 0
	rec.NextSeq()
	replyID, payload := m.doneReplyID, m.donePayload
	m.doneReplyID, m.donePayload = 0, nil
	m.state = Idle
	return Outcome{Done: true, ReplyID: replyID, Payload: payload}
}

func (m *PHY) tickErrWait(now int64) Outcome {
	if now < m.errWaitUntil {
		return Outcome{}
	}
	rec := m.Record
	rec.Cmd.FreeLast()
	rec.ErrStrikes++
	offline := rec.ErrStrikes >= 3
	err := m.lastErr
	m.lastErr = nil
	m.state = Idle
	return Outcome{Done: true, Err: err, Offline: offline}
}
