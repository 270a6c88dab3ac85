package pdfsm

import (
	"errors"

	"github.com/osdp-go/osdp/pd"
	"github.com/osdp-go/osdp/proto"
	"github.com/osdp-go/osdp/trs"
)

var errNoReader = errors.New("pdfsm: no TRS reader backend configured")

// dispatch handles one decoded command and returns the reply id and
// payload (spec.md §4.6's dispatch table). Unrecognized commands NAK
// with NakCmdUnknown; handlers never return an error here, since every
// failure path already has a well-defined NAK code.
func (p *PD) dispatch(id byte, data []byte) (replyID byte, payload []byte) {
	switch id {
	case proto.CmdPoll:
		return proto.ReplyAck, nil

	case proto.CmdID:
		return proto.ReplyPdid, p.encodeIdentity()

	case proto.CmdCap:
		return proto.ReplyPdcap, p.encodeCapabilities()

	case proto.CmdLstat:
		return proto.ReplyLstatr, []byte{
			boolByte(p.Record.Flags.Has(pd.FlagTamper)),
			boolByte(p.Record.Flags.Has(pd.FlagPower)),
		}

	case proto.CmdIstat:
		return proto.ReplyIstatr, []byte{0}

	case proto.CmdOstat:
		return proto.ReplyOstatr, []byte{0}

	case proto.CmdRstat:
		return proto.ReplyRstatr, []byte{boolByte(p.Record.Flags.Has(pd.FlagRTamper))}

	case proto.CmdOut, proto.CmdLed, proto.CmdBuz, proto.CmdText, proto.CmdMfg:
		return p.callHandler(id, data)

	case proto.CmdComset:
		return p.handleComset(data)

	case proto.CmdChlng:
		return p.handleChlng(data)

	case proto.CmdScrypt:
		return p.handleScrypt(data)

	case proto.CmdKeyset:
		return p.handleKeyset(data)

	case proto.CmdXwr:
		return p.handleXwr(data)

	case proto.CmdAbort:
		return proto.ReplyAck, nil

	default:
		return proto.ReplyNak, []byte{proto.NakCmdUnknown}
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func (p *PD) callHandler(id byte, data []byte) (byte, []byte) {
	if p.Handler == nil {
		return proto.ReplyNak, []byte{proto.NakCmdUnknown}
	}
	nak, err := p.Handler.HandleCommand(id, data)
	if err != nil || nak != proto.NakNone {
		if nak == proto.NakNone {
			nak = proto.NakRecord
		}
		return proto.ReplyNak, []byte{nak}
	}
	return proto.ReplyAck, nil
}

func (p *PD) encodeIdentity() []byte {
	id := p.Identity
	buf := make([]byte, 0, 12)
	buf = append(buf, id.VendorCode[:]...)
	buf = append(buf, id.ModelNum, id.Version)
	buf = append(buf, id.Serial[:]...)
	buf = append(buf, id.FirmwareV[:]...)
	return buf
}

func (p *PD) encodeCapabilities() []byte {
	buf := make([]byte, 0, len(p.Cap)*3)
	for _, c := range p.Cap {
		buf = append(buf, c.Function, c.Compliance, c.NumItems)
	}
	return buf
}

func (p *PD) handleComset(data []byte) (byte, []byte) {
	if len(data) < 5 {
		return proto.ReplyNak, []byte{proto.NakCmdLen}
	}
	newAddr := data[0]
	newBaud := int(data[1]) | int(data[2])<<8 | int(data[3])<<16 | int(data[4])<<24
	p.Record.Address = newAddr
	p.Record.BaudRate = newBaud
	return proto.ReplyCom, []byte{newAddr, data[1], data[2], data[3], data[4]}
}

// handleChlng answers CMD_CHLNG with REPLY_CCRYPT: pd_client_uid(8) +
// pd_random(8) + pd_cryptogram(16), per spec.md's scenario 4.
func (p *PD) handleChlng(data []byte) (byte, []byte) {
	if len(data) < 8 {
		return proto.ReplyNak, []byte{proto.NakCmdLen}
	}
	sc := p.Record.SC
	copy(sc.CPRandom[:], data[:8])
	useSCBKD := p.Record.Flags.Has(pd.FlagInstallMode) && p.Record.Flags.Has(pd.FlagSCUseSCBKD)
	sc.Init(useSCBKD)
	if err := sc.NewPDRandom(); err != nil {
		return proto.ReplyNak, []byte{proto.NakRecord}
	}
	sc.PDClientUID = p.ClientUID
	sc.DeriveSessionKeys()
	cryptogram := sc.ComputePDCryptogram()

	out := make([]byte, 0, 32)
	out = append(out, sc.PDClientUID[:]...)
	out = append(out, sc.PDRandom[:]...)
	out = append(out, cryptogram[:]...)
	return proto.ReplyCcrypt, out
}

// handleScrypt answers CMD_SCRYPT with REPLY_RMAC_I after verifying the
// CP's cryptogram, per spec.md's scenario 4.
func (p *PD) handleScrypt(data []byte) (byte, []byte) {
	if len(data) < 16 {
		return proto.ReplyNak, []byte{proto.NakCmdLen}
	}
	sc := p.Record.SC
	var claimed [16]byte
	copy(claimed[:], data[:16])
	if !sc.VerifyCPCryptogram(claimed) {
		sc.Active = false
		p.Record.Flags = p.Record.Flags.Clear(pd.FlagSCActive)
		return proto.ReplyNak, []byte{proto.NakScCond}
	}
	sc.CPCryptogram = claimed
	sc.ComputeRMacI()
	sc.Active = true
	p.Record.Flags = p.Record.Flags.Set(pd.FlagSCActive)
	out := append([]byte(nil), sc.RMac[:]...)
	return proto.ReplyRmacI, out
}

// handleKeyset accepts a freshly diversified SCBK from an authenticated
// CMD_KEYSET (already MAC/decrypt-verified by package wire before
// reaching dispatch, since CmdKeyset is data-carrying).
func (p *PD) handleKeyset(data []byte) (byte, []byte) {
	if len(data) < 16 {
		return proto.ReplyNak, []byte{proto.NakCmdLen}
	}
	var scbk [16]byte
	copy(scbk[:], data[:16])
	p.Record.SC.SCBK = scbk
	p.Record.Flags = p.Record.Flags.Clear(pd.FlagSCUseSCBKD)
	if p.Keyset != nil {
		if err := p.Keyset.PersistSCBK(scbk); err != nil {
			return proto.ReplyNak, []byte{proto.NakRecord}
		}
	}
	return proto.ReplyAck, nil
}

// handleXwr unwraps a TRS command from a CMD_XWR payload, runs it
// against the configured reader backend, and wraps the TRS reply in a
// REPLY_XRD payload (spec.md §4.7, scenario 6).
func (p *PD) handleXwr(data []byte) (byte, []byte) {
	cmd, err := trs.DecodeCommand(data, &p.Record.Ephemeral.TRS)
	if err != nil {
		return proto.ReplyNak, []byte{proto.NakRecord}
	}
	reply, err := p.runTRSCommand(cmd)
	if err != nil {
		return proto.ReplyNak, []byte{proto.NakRecord}
	}
	out := make([]byte, trs.MaxAPDU+32)
	n, err := trs.EncodeReply(out, reply)
	if err != nil {
		return proto.ReplyNak, []byte{proto.NakRecord}
	}
	return proto.ReplyXrd, out[:n]
}

func (p *PD) runTRSCommand(cmd trs.Command) (trs.Reply, error) {
	switch cmd.ModeCode {
	case trs.CmdModeGet:
		return trs.Reply{ModeCode: trs.ReplyCurrentMode, ModeReport: &trs.ModeReport{Mode: p.Record.Ephemeral.TRS.Mode}}, nil
	case trs.CmdModeSet:
		p.Record.Ephemeral.TRS.Mode = cmd.ModeSet.Mode
		return trs.Reply{ModeCode: trs.ReplyCurrentMode, ModeReport: &trs.ModeReport{Mode: cmd.ModeSet.Mode, Config: cmd.ModeSet.Config}}, nil
	case trs.CmdTerminate:
		p.Record.Ephemeral.TRS.Mode = 0
		return trs.Reply{ModeCode: trs.ReplyCurrentMode, ModeReport: &trs.ModeReport{Mode: 0}}, nil
	case trs.CmdSendAPDU:
		if p.Reader == nil {
			return trs.Reply{}, errNoReader
		}
		resp, err := p.Reader.SendAPDU(cmd.SendAPDU.APDU)
		if err != nil {
			return trs.Reply{}, err
		}
		return trs.Reply{ModeCode: trs.ReplyCardData, CardData: &trs.CardData{Reader: 0, Status: 0, APDU: resp}}, nil
	case trs.CmdCardScan:
		if p.Reader == nil {
			return trs.Reply{}, errNoReader
		}
		present, err := p.Reader.CardPresent()
		if err != nil {
			return trs.Reply{}, err
		}
		if !present {
			return trs.Reply{ModeCode: trs.ReplyCardPresent, CardStatus: &trs.CardStatus{Reader: 0, Status: 0}}, nil
		}
		protocol, csn, protoData, err := p.Reader.CardInfo()
		if err != nil {
			return trs.Reply{}, err
		}
		return trs.Reply{ModeCode: trs.ReplyCardInfoReport, CardInfoReport: &trs.CardInfoReport{
			Reader: 0, Protocol: protocol, CSN: csn, ProtocolData: protoData,
		}}, nil
	case trs.CmdEnterPIN:
		// No PIN-pad hardware is wired into this implementation; report
		// the entry as unsupported rather than hanging the exchange.
		return trs.Reply{ModeCode: trs.ReplyPinEntryComplete, PinEntryComplete: &trs.PinEntryComplete{
			Reader: 0, Status: 1, Tries: 0,
		}}, nil
	default:
		return trs.Reply{}, errNoReader
	}
}
