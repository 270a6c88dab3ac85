// Package cpapp implements the CP-side application state machine
// (spec.md §4.5): INIT -> IDREQ -> CAPDET -> (SC_INIT -> SC_CHLNG ->
// SC_SCRYPT -> [SET_SCBK]) -> ONLINE/OFFLINE, driving one cpphy.PHY per
// PD and surfacing CARDREAD/KEYPRESS/PD_ONLINE/PD_OFFLINE/SC_UP/SC_DOWN/
// IO_STATUS events to the embedder.
package cpapp

import (
	"crypto/rand"
	"crypto/subtle"

	"github.com/osdp-go/osdp/cmdqueue"
	"github.com/osdp-go/osdp/cpphy"
	"github.com/osdp-go/osdp/pd"
	"github.com/osdp-go/osdp/proto"
	"github.com/osdp-go/osdp/trs"
	"github.com/osdp-go/osdp/wire"
)

// EventKind identifies the kind of event delivered to the embedder's
// callback (spec.md §4.5's event surface).
type EventKind int

const (
	EventCardRead EventKind = iota
	EventKeypress
	EventPDOnline
	EventPDOffline
	EventSCUp
	EventSCDown
	EventIOStatus
)

func (k EventKind) String() string {
	switch k {
	case EventCardRead:
		return "CARDREAD"
	case EventKeypress:
		return "KEYPRESS"
	case EventPDOnline:
		return "PD_ONLINE"
	case EventPDOffline:
		return "PD_OFFLINE"
	case EventSCUp:
		return "SC_UP"
	case EventSCDown:
		return "SC_DOWN"
	case EventIOStatus:
		return "IO_STATUS"
	default:
		return "UNKNOWN"
	}
}

// Event carries one occurrence on the event surface, tagged with the
// originating PD's offset.
type Event struct {
	Kind   EventKind
	Offset int
	Data   []byte
}

// EventCallback receives events as they occur. Delivery is synchronous
// within the tick that produced them (spec.md §5).
type EventCallback func(Event)

// KeysetPersister saves a freshly rolled-over SCBK out-of-band, keyed
// by PD offset (spec.md §6's KeysetPersist callback).
type KeysetPersister interface {
	PersistSCBK(offset int, scbk [16]byte) error
}

// Offline backoff bounds (spec.md §5).
const (
	offlineBackoffStartMillis int64 = 1000
	offlineBackoffCapMillis   int64 = 8000
	scCondGuardMillis         int64 = 2000
)

// App drives one PD's application-layer handshake and steady-state
// traffic on top of a cpphy.PHY.
type App struct {
	Record               *pd.Record
	Offset               int
	Phy                  *cpphy.PHY
	MasterKey            [16]byte
	SecureChannelEnabled bool
	Events               EventCallback
	Keyset               KeysetPersister

	offlineBackoff int64
	retryAt        int64
	scCondUntil    int64
	pollIntervalMs int64
	nextPollAt     int64
	pendingSCBK    [16]byte
}

// PollIntervalMillis is the ONLINE keepalive period (spec.md §5).
const PollIntervalMillis = 50

// New creates an application driver for rec. masterKey diversifies a
// per-PD SCBK when the PD has not yet been provisioned with one;
// secureChannel gates whether SC_INIT is ever entered.
func New(rec *pd.Record, offset int, masterKey [16]byte, secureChannel bool) *App {
	phy := cpphy.New(rec)
	a := &App{
		Record:               rec,
		Offset:               offset,
		Phy:                  phy,
		MasterKey:            masterKey,
		SecureChannelEnabled: secureChannel,
		pollIntervalMs:       PollIntervalMillis,
	}
	phy.SCBTypeFor = func(id byte) byte { return scbTypeFor(id, rec.SC.Active) }
	return a
}

// scbTypeFor chooses the Secure Channel Block class for an outbound
// command once SC_ACTIVE: handshake and keepalive frames stay in the
// clear, CMD_KEYSET is MAC+ENC (it carries raw key material), everything
// else is MAC-only.
func scbTypeFor(id byte, active bool) byte {
	if !active {
		return 0
	}
	switch id {
	case proto.CmdPoll, proto.CmdChlng, proto.CmdScrypt:
		return 0
	case proto.CmdKeyset:
		return proto.SCS17
	default:
		return proto.SCS15
	}
}

func (a *App) emit(kind EventKind, data []byte) {
	if a.Events != nil {
		a.Events(Event{Kind: kind, Offset: a.Offset, Data: data})
	}
}

// issue appends id/data to the tail of the PD's command queue; anything
// already queued is sent first (the handshake states drive one command
// at a time and retry it verbatim on failure).
func (a *App) issue(id byte, data []byte) error {
	return a.Record.Cmd.Enqueue(cmdqueue.Command{ID: id, Data: data})
}

// Refresh advances this PD's application FSM by one tick, internally
// ticking its cpphy.PHY exactly once (spec.md §5).
func (a *App) Refresh(now int64) error {
	switch a.Record.State {
	case pd.StateInit:
		return a.tickInit(now)
	case pd.StateOffline:
		return a.tickOffline(now)
	default:
		return a.tickActive(now)
	}
}

func (a *App) tickInit(now int64) error {
	rec := a.Record
	rec.ResetForInit()
	if err := a.issue(proto.CmdID, []byte{0x00}); err != nil {
		return err
	}
	rec.State = pd.StateIDReq
	return nil
}

func (a *App) tickOffline(now int64) error {
	if now < a.retryAt {
		return nil
	}
	a.Record.State = pd.StateInit
	return nil
}

// tickActive advances the handshake or steady-state phy exchange. In
// ONLINE, with nothing queued and the phy between exchanges, it holds
// off ticking until nextPollAt so cpphy's idle-state auto-POLL fires at
// PollIntervalMillis instead of every call; a queued command (e.g. a
// TRS APDU) or a reply still in flight always ticks through.
func (a *App) tickActive(now int64) error {
	if a.Record.State == pd.StateOnline && a.Phy.Idle() && a.Record.Cmd.Len() == 0 && now < a.nextPollAt {
		return nil
	}
	out := a.Phy.Refresh(now)
	if !out.Done {
		return nil
	}
	if out.Err != nil {
		return a.handleFailure(now, out)
	}
	if out.ReplyID == proto.ReplyNak {
		return a.handleNak(now, out.Payload)
	}
	return a.handleSuccess(now, out)
}

func (a *App) handleFailure(now int64, out cpphy.Outcome) error {
	if out.Offline {
		a.enterOffline(now)
		return nil
	}
	if out.Err == wire.ErrSecureChannel && a.Record.State == pd.StateOnline {
		a.Record.State = pd.StateSCInit
		return a.enterSCInit()
	}
	// Retry the same step: re-issue whatever command this state sends.
	return a.resend()
}

// handleNak applies spec.md §4.5's NAK handling, which is specified in
// terms of the ONLINE state; a NAK received while still handshaking
// (IDREQ/CAPDET/SC_*) just retries the step that triggered it.
func (a *App) handleNak(now int64, payload []byte) error {
	code := proto.NakRecord
	if len(payload) > 0 {
		code = payload[0]
	}
	if code == proto.NakCmdUnknown {
		a.emit(EventIOStatus, payload)
		return a.resend()
	}
	if a.Record.State != pd.StateOnline {
		return a.resend()
	}
	switch code {
	case proto.NakSeqNum:
		a.Record.State = pd.StateSCInit
		return a.enterSCInit()
	case proto.NakScCond:
		if a.scCondUntil == 0 {
			a.scCondUntil = now + scCondGuardMillis
			return nil
		}
		if now >= a.scCondUntil {
			a.scCondUntil = 0
			a.Record.State = pd.StateInit
		}
		return nil
	default:
		return nil
	}
}

// resend re-issues the command appropriate to the current state, used
// after a recoverable NAK or phy error that did not yet reach the
// three-strikes OFFLINE threshold.
func (a *App) resend() error {
	rec := a.Record
	switch rec.State {
	case pd.StateIDReq:
		return a.issue(proto.CmdID, []byte{0x00})
	case pd.StateCapDet:
		return a.issue(proto.CmdCap, []byte{0x00})
	case pd.StateSCChlng:
		return a.issue(proto.CmdChlng, rec.SC.CPRandom[:])
	case pd.StateSCScrypt:
		return a.issue(proto.CmdScrypt, rec.SC.CPCryptogram[:])
	case pd.StateSetSCBK:
		return a.issue(proto.CmdKeyset, a.pendingSCBK[:])
	default:
		return nil // ONLINE retries naturally via the next drained command/POLL
	}
}

func (a *App) handleSuccess(now int64, out cpphy.Outcome) error {
	rec := a.Record
	switch rec.State {
	case pd.StateIDReq:
		return a.onIdentity(out.Payload)
	case pd.StateCapDet:
		return a.onCapabilities(now, out.Payload)
	case pd.StateSCChlng:
		return a.onChlngReply(now, out.Payload)
	case pd.StateSCScrypt:
		return a.onScryptReply(now, out.Payload)
	case pd.StateSetSCBK:
		return a.onKeysetReply(now)
	default:
		return a.onOnlineReply(now, out)
	}
}

func (a *App) onIdentity(payload []byte) error {
	if len(payload) < 12 {
		return a.issue(proto.CmdID, []byte{0x00})
	}
	id := &a.Record.Identity
	copy(id.VendorCode[:], payload[0:3])
	id.ModelNum = payload[3]
	id.Version = payload[4]
	copy(id.Serial[:], payload[5:9])
	copy(id.FirmwareV[:], payload[9:12])
	a.Record.State = pd.StateCapDet
	return a.issue(proto.CmdCap, []byte{0x00})
}

func (a *App) onCapabilities(now int64, payload []byte) error {
	rec := a.Record
	rec.Cap = rec.Cap[:0]
	scCapable := false
	for i := 0; i+3 <= len(payload); i += 3 {
		c := pd.Capability{Function: payload[i], Compliance: payload[i+1], NumItems: payload[i+2]}
		rec.Cap = append(rec.Cap, c)
		if c.Function == proto.CapCommunicationSecurity && c.Compliance > 0 {
			scCapable = true
		}
	}
	if scCapable {
		rec.Flags = rec.Flags.Set(pd.FlagSCCapable)
	}
	if a.SecureChannelEnabled && scCapable {
		rec.State = pd.StateSCInit
		return a.enterSCInit()
	}
	return a.enterOnline(now)
}

func (a *App) enterSCInit() error {
	rec := a.Record
	useSCBKD := rec.SC.SCBK == [16]byte{}
	rec.SC.Init(useSCBKD)
	if useSCBKD {
		rec.Flags = rec.Flags.Set(pd.FlagSCUseSCBKD)
	}
	if err := rec.SC.NewCPRandom(); err != nil {
		return err
	}
	rec.State = pd.StateSCChlng
	return a.issue(proto.CmdChlng, rec.SC.CPRandom[:])
}

func (a *App) onChlngReply(now int64, payload []byte) error {
	if len(payload) < 32 {
		a.emit(EventSCDown, nil)
		return a.enterOnline(now)
	}
	rec := a.Record
	sc := rec.SC
	copy(sc.PDClientUID[:], payload[0:8])
	copy(sc.PDRandom[:], payload[8:16])
	var claimed [16]byte
	copy(claimed[:], payload[16:32])

	// sc.SCBK was already set in enterSCInit (either a provisioned key
	// or the well-known SCBK-D fallback); the handshake itself never
	// diversifies mid-exchange, matching the PD's own sc_init.
	sc.DeriveSessionKeys()

	if !sc.VerifyPDCryptogram(claimed) {
		a.emit(EventSCDown, nil)
		rec.State = pd.StateSCInit
		return a.enterSCInit()
	}
	sc.ComputeCPCryptogram()
	sc.ComputeRMacI()
	rec.State = pd.StateSCScrypt
	return a.issue(proto.CmdScrypt, sc.CPCryptogram[:])
}

func (a *App) onScryptReply(now int64, payload []byte) error {
	rec := a.Record
	sc := rec.SC
	if len(payload) < 16 || subtle.ConstantTimeCompare(payload[:16], sc.RMac[:]) != 1 {
		a.emit(EventSCDown, nil)
		rec.State = pd.StateSCInit
		return a.enterSCInit()
	}
	sc.Active = true
	rec.Flags = rec.Flags.Set(pd.FlagSCActive)
	a.emit(EventSCUp, nil)

	if rec.Flags.Has(pd.FlagSCUseSCBKD) {
		if _, err := rand.Read(a.pendingSCBK[:]); err != nil {
			return err
		}
		rec.State = pd.StateSetSCBK
		return a.issue(proto.CmdKeyset, a.pendingSCBK[:])
	}
	return a.enterOnline(now)
}

func (a *App) onKeysetReply(now int64) error {
	rec := a.Record
	rec.SC.SCBK = a.pendingSCBK
	rec.Flags = rec.Flags.Clear(pd.FlagSCUseSCBKD)
	if a.Keyset != nil {
		if err := a.Keyset.PersistSCBK(a.Offset, a.pendingSCBK); err != nil {
			return err
		}
	}
	return a.enterOnline(now)
}

func (a *App) enterOnline(now int64) error {
	rec := a.Record
	wasOnline := rec.State == pd.StateOnline
	rec.State = pd.StateOnline
	a.offlineBackoff = 0
	a.nextPollAt = now + a.pollIntervalMs
	if !wasOnline {
		a.emit(EventPDOnline, nil)
	}
	return nil
}

func (a *App) enterOffline(now int64) {
	rec := a.Record
	rec.State = pd.StateOffline
	if a.offlineBackoff == 0 {
		a.offlineBackoff = offlineBackoffStartMillis
	} else {
		a.offlineBackoff *= 2
		if a.offlineBackoff > offlineBackoffCapMillis {
			a.offlineBackoff = offlineBackoffCapMillis
		}
	}
	a.retryAt = now + a.offlineBackoff
	a.emit(EventPDOffline, nil)
}

// onOnlineReply handles a completed ONLINE-state exchange: decode TRS
// replies carried in REPLY_XRD into CARDREAD/KEYPRESS events, schedule
// the next keepalive POLL otherwise.
func (a *App) onOnlineReply(now int64, out cpphy.Outcome) error {
	if out.ReplyID == proto.ReplyXrd {
		a.handleTRSReply(out.Payload)
	}
	a.nextPollAt = now + a.pollIntervalMs
	return nil
}

func (a *App) handleTRSReply(payload []byte) {
	reply, err := trs.DecodeReply(payload)
	if err != nil {
		return
	}
	switch reply.ModeCode {
	case trs.ReplyCardData:
		if reply.CardData != nil {
			a.emit(EventCardRead, reply.CardData.APDU)
		}
	case trs.ReplyCardInfoReport:
		if reply.CardInfoReport != nil {
			a.emit(EventCardRead, reply.CardInfoReport.CSN)
		}
	case trs.ReplyPinEntryComplete:
		if reply.PinEntryComplete != nil {
			a.emit(EventKeypress, []byte{reply.PinEntryComplete.Status})
		}
	}
}

// SendTRS queues a TRS command wrapped in CMD_XWR for the next ONLINE
// exchange; its reply surfaces as a CARDREAD/KEYPRESS event once
// decoded by handleTRSReply.
func (a *App) SendTRS(cmd trs.Command) error {
	buf := make([]byte, trs.MaxAPDU+32)
	n, err := trs.EncodeCommand(buf, cmd)
	if err != nil {
		return err
	}
	return a.issue(proto.CmdXwr, buf[:n])
}
