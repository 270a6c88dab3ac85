// Package pd holds the per-device protocol record described in
// spec.md §3: identity, FSM state, scratch buffers, timers, and the
// owned command queue / channel / secure-channel material every layer
// above it (wire, cpphy, cpapp, pdfsm) reads and mutates. It sits above
// the leaf packages (proto, cmdqueue, secure, channel, trs) and below
// everything else, so those packages may be imported here but nothing
// in pd may import back up the stack.
package pd

import (
	"github.com/osdp-go/osdp/channel"
	"github.com/osdp-go/osdp/cmdqueue"
	"github.com/osdp-go/osdp/secure"
	"github.com/osdp-go/osdp/trs"
)

// Frame size budgets from spec.md §6; the wire codec sizes rx_buf
// against one of these depending on configuration.
const (
	MaxFrameStandard = 256
	MaxFrameExtended = 1440
)

// AppState is the CP application FSM state (spec.md §4.5). It is
// unused (zero value) on a PD-role record.
type AppState int

const (
	StateInit AppState = iota
	StateIDReq
	StateCapDet
	StateSCInit
	StateSCChlng
	StateSCScrypt
	StateSetSCBK
	StateOnline
	StateOffline
)

func (s AppState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateIDReq:
		return "IDREQ"
	case StateCapDet:
		return "CAPDET"
	case StateSCInit:
		return "SC_INIT"
	case StateSCChlng:
		return "SC_CHLNG"
	case StateSCScrypt:
		return "SC_SCRYPT"
	case StateSetSCBK:
		return "SET_SCBK"
	case StateOnline:
		return "ONLINE"
	case StateOffline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// PhyState is the CP phy-layer FSM state (spec.md §4.4). Unused on a
// PD-role record.
type PhyState int

const (
	PhyIdle PhyState = iota
	PhySendCmd
	PhyReplyWait
	PhyErrWait
	PhyCleanup
)

func (s PhyState) String() string {
	switch s {
	case PhyIdle:
		return "IDLE"
	case PhySendCmd:
		return "SEND_CMD"
	case PhyReplyWait:
		return "REPLY_WAIT"
	case PhyErrWait:
		return "ERR_WAIT"
	case PhyCleanup:
		return "CLEANUP"
	default:
		return "UNKNOWN"
	}
}

// Identity is the vendor/model/version/serial tuple a PD reports in
// REPLY_PDID (spec.md §3).
type Identity struct {
	VendorCode [3]byte
	ModelNum   byte
	Version    byte
	Serial     [4]byte
	FirmwareV  [3]byte
}

// Capability is one entry of a PD's REPLY_PDCAP function-code table
// (proto.Cap* codes).
type Capability struct {
	Function   byte
	Compliance byte
	NumItems   byte
}

// EphemeralData is scratch state for whichever sub-protocol currently
// owns the in-flight exchange. TRS is the only sub-protocol spec.md
// defines; the struct is shaped so a second sub-protocol could add a
// sibling field without disturbing TRS callers.
type EphemeralData struct {
	TRS       trs.State
	TRSScratch []byte
}

// Record is one PD's complete protocol state: identity, FSM state,
// scratch buffers, timers, and the queue/channel/secure-channel
// material it owns (spec.md §3's "PD record").
type Record struct {
	// identity
	Address  byte
	BaudRate int
	Offset   int
	Identity Identity
	Cap      []Capability

	// protocol state
	State     AppState
	PhyState  PhyState
	SeqNumber byte
	Flags     Flags

	// buffers
	RxBuf     []byte
	RxBufLen  int
	CmdID     byte
	ReplyID   byte
	CmdData   []byte
	Ephemeral EphemeralData

	// timers (monotonic milliseconds, caller-supplied)
	Tstamp    int64
	PhyTstamp int64
	ScTstamp  int64

	// owned resources
	Cmd     *cmdqueue.Queue
	Channel channel.Channel
	SC      *secure.Channel

	// retry bookkeeping (spec.md §4.4 "three consecutive ERR -> OFFLINE",
	// §4.5 "exponential backoff retry into INIT")
	ErrStrikes     int
	OfflineBackoff int64
}

// New creates a PD record bound to ch, with a command queue of the
// given depth and rx_buf sized for maxFrame (MaxFrameStandard or
// MaxFrameExtended).
func New(address byte, baudRate int, offset int, ch channel.Channel, queueDepth, maxFrame int) *Record {
	return &Record{
		Address:  address,
		BaudRate: baudRate,
		Offset:   offset,
		Channel:  ch,
		RxBuf:    make([]byte, maxFrame),
		Cmd:      cmdqueue.NewQueue(queueDepth),
		SC:       &secure.Channel{},
	}
}

// ResetForInit restores a record to the state the CP app FSM's INIT
// action expects: sequence number reset to 0 (spec.md §4.5's "reset
// seq to 0"), SC torn down, and the await-response flag cleared.
func (r *Record) ResetForInit() {
	r.SeqNumber = 0
	r.State = StateInit
	r.Flags = r.Flags.Clear(FlagSCActive | FlagAwaitResp)
	r.SC.Active = false
	r.ErrStrikes = 0
}

// NextSeq advances the 1..3 cycling sequence number (spec.md §3's
// invariant: 0 is reserved for a reset request).
func (r *Record) NextSeq() {
	r.SeqNumber++
	if r.SeqNumber > 3 {
		r.SeqNumber = 1
	}
}

// Online reports whether the record's app FSM considers the PD
// reachable.
func (r *Record) Online() bool { return r.State == StateOnline }
