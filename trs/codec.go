package trs

import "fmt"

// EncodeCommand serializes cmd into dst starting at offset 0, returning
// the number of bytes written. Per spec.md §9's Design Notes, APDU
// bytes are appended at the current write position (dst[n:]), not at
// dst[0] — the original C source's buf-offset-0 behavior is treated as
// a bug and not reproduced here.
func EncodeCommand(dst []byte, cmd Command) (int, error) {
	if err := Validate(cmd.ModeCode); err != nil {
		return 0, err
	}
	n := 0
	dst[n] = cmd.ModeCode.Mode()
	n++
	dst[n] = cmd.ModeCode.Code()
	n++

	switch cmd.ModeCode {
	case CmdModeGet:
		return n, nil
	case CmdModeSet:
		if cmd.ModeSet == nil {
			return 0, fmt.Errorf("trs: MODE_SET command missing body")
		}
		dst[n] = cmd.ModeSet.Mode
		n++
		dst[n] = cmd.ModeSet.Config
		n++
		return n, nil
	}

	dst[n] = 0 // reader -- always 0
	n++

	switch cmd.ModeCode {
	case CmdSendAPDU:
		if cmd.SendAPDU == nil {
			return 0, fmt.Errorf("trs: SEND_APDU command missing body")
		}
		apdu := cmd.SendAPDU.APDU
		if len(apdu) > MaxAPDU {
			return 0, tooBig("apdu", len(apdu), MaxAPDU)
		}
		if n+1+len(apdu) > len(dst) {
			return 0, tooBig("apdu", len(apdu), len(dst)-n-1)
		}
		dst[n] = byte(len(apdu))
		n++
		n += copy(dst[n:], apdu)
		return n, nil
	case CmdEnterPIN:
		if cmd.EnterPIN == nil {
			return 0, fmt.Errorf("trs: ENTER_PIN command missing body")
		}
		p := cmd.EnterPIN
		apdu := p.APDU
		if len(apdu) > MaxAPDU {
			return 0, tooBig("apdu", len(apdu), MaxAPDU)
		}
		fields := []byte{
			p.Timeout, p.Timeout2, p.FormatString, p.PinBlockString,
			p.PinLengthFormat,
			byte(p.PinMaxExtraDigit >> 8), byte(p.PinMaxExtraDigit),
			p.PinEntryValidCondition, p.PinNumMessages,
			byte(p.LanguageID >> 8), byte(p.LanguageID),
			p.MsgIndex,
			p.TeoPrologue[0], p.TeoPrologue[1], p.TeoPrologue[2],
			byte(len(apdu) >> 8), byte(len(apdu)),
		}
		if n+len(fields)+len(apdu) > len(dst) {
			return 0, tooBig("apdu", len(apdu), len(dst)-n-len(fields))
		}
		n += copy(dst[n:], fields)
		n += copy(dst[n:], apdu)
		return n, nil
	case CmdTerminate, CmdCardScan:
		return n, nil
	default:
		return 0, ErrInvalidModeCode
	}
}

// DecodeCommand parses a TRS command body out of buf, given the PD's
// current TRS mode (mode-1 commands are rejected unless a matching
// MODE_SET has already been accepted).
func DecodeCommand(buf []byte, state *State) (Command, error) {
	if len(buf) < 2 {
		return Command{}, fmt.Errorf("trs: command too short")
	}
	mc := Pack(buf[0], buf[1])
	if err := Validate(mc); err != nil {
		return Command{}, err
	}
	if !state.AcceptsCommand(mc) {
		return Command{}, fmt.Errorf("trs: mode %d command rejected in mode %d", mc.Mode(), state.Mode)
	}
	pos := 2

	switch mc {
	case CmdModeGet:
		return Command{ModeCode: mc}, nil
	case CmdModeSet:
		if len(buf) < pos+2 {
			return Command{}, fmt.Errorf("trs: MODE_SET body truncated")
		}
		return Command{ModeCode: mc, ModeSet: &ModeSetCmd{Mode: buf[pos], Config: buf[pos+1]}}, nil
	}

	if len(buf) < pos+1 {
		return Command{}, fmt.Errorf("trs: command body truncated before reader byte")
	}
	pos++ // reader -- always 0

	switch mc {
	case CmdSendAPDU:
		if len(buf) < pos+1 {
			return Command{}, fmt.Errorf("trs: SEND_APDU length missing")
		}
		apduLen := int(buf[pos])
		pos++
		remaining := len(buf) - pos
		if apduLen > MaxAPDU || apduLen > remaining {
			return Command{}, tooBig("apdu", apduLen, remaining)
		}
		apdu := append([]byte(nil), buf[pos:pos+apduLen]...)
		return Command{ModeCode: mc, SendAPDU: &SendAPDUCmd{APDU: apdu}}, nil
	case CmdEnterPIN:
		const headerLen = 15
		if len(buf) < pos+headerLen {
			return Command{}, fmt.Errorf("trs: ENTER_PIN header truncated")
		}
		p := &EnterPINCmd{
			Timeout:          buf[pos+0],
			Timeout2:         buf[pos+1],
			FormatString:     buf[pos+2],
			PinBlockString:   buf[pos+3],
			PinLengthFormat:  buf[pos+4],
			PinMaxExtraDigit: uint16(buf[pos+5])<<8 | uint16(buf[pos+6]),
			PinEntryValidCondition: buf[pos+7],
			PinNumMessages:         buf[pos+8],
			LanguageID:             uint16(buf[pos+9])<<8 | uint16(buf[pos+10]),
			MsgIndex:               buf[pos+11],
			TeoPrologue:            [3]byte{buf[pos+12], buf[pos+13], buf[pos+14]},
		}
		pos += headerLen
		if len(buf) < pos+2 {
			return Command{}, fmt.Errorf("trs: ENTER_PIN apdu length missing")
		}
		apduLen := int(buf[pos])<<8 | int(buf[pos+1])
		pos += 2
		remaining := len(buf) - pos
		if apduLen > MaxAPDU || apduLen > remaining {
			return Command{}, tooBig("apdu", apduLen, remaining)
		}
		p.APDU = append([]byte(nil), buf[pos:pos+apduLen]...)
		return Command{ModeCode: mc, EnterPIN: p}, nil
	case CmdTerminate, CmdCardScan:
		return Command{ModeCode: mc}, nil
	default:
		return Command{}, ErrInvalidModeCode
	}
}

// Reply variants.
type ModeReport struct{ Mode, Config byte }
type CardInfoReport struct {
	Reader       byte
	Protocol     byte
	CSN          []byte
	ProtocolData []byte
}
type CardStatus struct{ Reader, Status byte }
type CardData struct {
	Reader, Status byte
	APDU           []byte
}
type PinEntryComplete struct {
	Reader, Status, Tries byte
}

// Reply is a tagged union over the TRS reply variants.
type Reply struct {
	ModeCode         ModeCode
	ModeReport       *ModeReport
	CardInfoReport   *CardInfoReport
	CardStatus       *CardStatus
	CardData         *CardData
	PinEntryComplete *PinEntryComplete
}

// EncodeReply serializes reply into dst starting at offset 0, mirroring
// EncodeCommand's append-at-current-position APDU placement.
func EncodeReply(dst []byte, reply Reply) (int, error) {
	if err := Validate(reply.ModeCode); err != nil {
		return 0, err
	}
	n := 0
	dst[n] = reply.ModeCode.Mode()
	n++
	dst[n] = reply.ModeCode.Code()
	n++

	switch reply.ModeCode {
	case ReplyCurrentMode:
		if reply.ModeReport == nil {
			return 0, fmt.Errorf("trs: CURRENT_MODE reply missing body")
		}
		dst[n] = reply.ModeReport.Mode
		n++
		dst[n] = reply.ModeReport.Config
		n++
	case ReplyCardInfoReport:
		r := reply.CardInfoReport
		if r == nil {
			return 0, fmt.Errorf("trs: CARD_INFO_REPORT reply missing body")
		}
		if n+4+len(r.CSN)+len(r.ProtocolData) > len(dst) {
			return 0, tooBig("card info report", len(r.CSN)+len(r.ProtocolData), len(dst)-n-4)
		}
		dst[n] = r.Reader
		n++
		dst[n] = r.Protocol
		n++
		dst[n] = byte(len(r.CSN))
		n++
		dst[n] = byte(len(r.ProtocolData))
		n++
		n += copy(dst[n:], r.CSN)
		n += copy(dst[n:], r.ProtocolData)
	case ReplyCardPresent:
		if reply.CardStatus == nil {
			return 0, fmt.Errorf("trs: CARD_PRESENT reply missing body")
		}
		dst[n] = reply.CardStatus.Reader
		n++
		dst[n] = reply.CardStatus.Status
		n++
	case ReplyCardData:
		r := reply.CardData
		if r == nil {
			return 0, fmt.Errorf("trs: CARD_DATA reply missing body")
		}
		if len(r.APDU) > MaxAPDU {
			return 0, tooBig("apdu", len(r.APDU), MaxAPDU)
		}
		dst[n] = r.Reader
		n++
		dst[n] = r.Status
		n++
		n += copy(dst[n:], r.APDU)
	case ReplyPinEntryComplete:
		r := reply.PinEntryComplete
		if r == nil {
			return 0, fmt.Errorf("trs: PIN_ENTRY_COMPLETE reply missing body")
		}
		dst[n] = r.Reader
		n++
		dst[n] = r.Status
		n++
		dst[n] = r.Tries
		n++
	default:
		return 0, ErrInvalidModeCode
	}
	return n, nil
}

// DecodeReply parses a TRS reply out of buf, which must begin with the
// two (mode, code) header bytes followed by the variant's body.
func DecodeReply(buf []byte) (Reply, error) {
	if len(buf) < 2 {
		return Reply{}, fmt.Errorf("trs: reply too short")
	}
	mc := Pack(buf[0], buf[1])
	if err := Validate(mc); err != nil {
		return Reply{}, err
	}
	pos := 2

	switch mc {
	case ReplyCurrentMode:
		if len(buf) < pos+2 {
			return Reply{}, fmt.Errorf("trs: CURRENT_MODE reply truncated")
		}
		return Reply{ModeCode: mc, ModeReport: &ModeReport{Mode: buf[pos], Config: buf[pos+1]}}, nil
	case ReplyCardInfoReport:
		if len(buf) < pos+4 {
			return Reply{}, fmt.Errorf("trs: CARD_INFO_REPORT reply truncated")
		}
		reader, protocol := buf[pos], buf[pos+1]
		csnLen, protoLen := int(buf[pos+2]), int(buf[pos+3])
		pos += 4
		if len(buf) < pos+csnLen+protoLen {
			return Reply{}, fmt.Errorf("trs: CARD_INFO_REPORT body truncated")
		}
		csn := append([]byte(nil), buf[pos:pos+csnLen]...)
		pos += csnLen
		protoData := append([]byte(nil), buf[pos:pos+protoLen]...)
		return Reply{ModeCode: mc, CardInfoReport: &CardInfoReport{
			Reader: reader, Protocol: protocol, CSN: csn, ProtocolData: protoData,
		}}, nil
	case ReplyCardPresent:
		if len(buf) < pos+2 {
			return Reply{}, fmt.Errorf("trs: CARD_PRESENT reply truncated")
		}
		return Reply{ModeCode: mc, CardStatus: &CardStatus{Reader: buf[pos], Status: buf[pos+1]}}, nil
	case ReplyCardData:
		if len(buf) < pos+2 {
			return Reply{}, fmt.Errorf("trs: CARD_DATA reply truncated")
		}
		reader, status := buf[pos], buf[pos+1]
		pos += 2
		apdu := append([]byte(nil), buf[pos:]...)
		if len(apdu) > MaxAPDU {
			return Reply{}, tooBig("apdu", len(apdu), MaxAPDU)
		}
		return Reply{ModeCode: mc, CardData: &CardData{Reader: reader, Status: status, APDU: apdu}}, nil
	case ReplyPinEntryComplete:
		if len(buf) < pos+3 {
			return Reply{}, fmt.Errorf("trs: PIN_ENTRY_COMPLETE reply truncated")
		}
		return Reply{ModeCode: mc, PinEntryComplete: &PinEntryComplete{
			Reader: buf[pos], Status: buf[pos+1], Tries: buf[pos+2],
		}}, nil
	default:
		return Reply{}, ErrInvalidModeCode
	}
}

// ReaderBackend is the embedder hook a PD uses to service TRS commands
// against a real or simulated smart-card reader. No implementation ships
// in this module: channel.PCSCChannel offers TransmitAPDU but has no
// SendAPDU, CardPresent or CardInfo method, so it does not satisfy this
// interface.
type ReaderBackend interface {
	SendAPDU(apdu []byte) (resp []byte, err error)
	CardPresent() (present bool, err error)
	CardInfo() (protocol byte, csn, protocolData []byte, err error)
}
