// Package trs implements Transparent Reader Support (spec.md §4.7): a
// nested command/reply codec for smart-card APDU passthrough, carried
// inside OSDP's CMD_XWR / REPLY_XRD commands.
package trs

import (
	"errors"
	"fmt"
)

// ModeCode packs a TRS (mode, code) pair as mode<<8|code, the same
// packing the OSDP source uses for MODE_CODE().
type ModeCode uint16

// Pack builds a ModeCode from its mode and code bytes.
func Pack(mode, code byte) ModeCode { return ModeCode(mode)<<8 | ModeCode(code) }

// Mode and Code split a ModeCode back into its bytes.
func (m ModeCode) Mode() byte { return byte(m >> 8) }
func (m ModeCode) Code() byte { return byte(m) }

// Command mode/codes.
const (
	CmdModeGet   = ModeCode(0<<8 | 1)
	CmdModeSet   = ModeCode(0<<8 | 2)
	CmdSendAPDU  = ModeCode(1<<8 | 1)
	CmdTerminate = ModeCode(1<<8 | 2)
	CmdEnterPIN  = ModeCode(1<<8 | 3)
	CmdCardScan  = ModeCode(1<<8 | 4)
)

// Reply mode/codes.
const (
	ReplyCurrentMode       = ModeCode(0<<8 | 1)
	ReplyCardInfoReport    = ModeCode(0<<8 | 2)
	ReplyCardPresent       = ModeCode(1<<8 | 1)
	ReplyCardData          = ModeCode(1<<8 | 2)
	ReplyPinEntryComplete  = ModeCode(1<<8 | 3)
)

// MaxAPDU is the largest APDU TRS will carry in a SEND_APDU or
// ENTER_PIN command, or a CARD_DATA reply.
const MaxAPDU = 64

// ErrInvalidModeCode is returned by Validate and by the codec entry
// points for any (mode, code) pair outside spec.md §4.7's table.
var ErrInvalidModeCode = errors.New("trs: invalid mode/code")

// Validate applies the codec-entry validation rule from spec.md §4.7:
// code must be nonzero, mode must be 0 or 1, mode 0 codes go up to 2,
// mode 1 codes go up to 4.
func Validate(mc ModeCode) error {
	mode, code := mc.Mode(), mc.Code()
	if code == 0 {
		return ErrInvalidModeCode
	}
	if mode != 0 && mode != 1 {
		return ErrInvalidModeCode
	}
	if mode == 0 && code > 2 {
		return ErrInvalidModeCode
	}
	if mode == 1 && code > 4 {
		return ErrInvalidModeCode
	}
	return nil
}

// State tracks a PD's current TRS mode. Per spec.md §9's open question,
// transitions beyond the initial state are not specified by the source
// this protocol was distilled from; State holds the mode most recently
// accepted by a MODE_SET command, and pdfsm resets it to 0 on TERMINATE.
type State struct {
	Mode byte
}

// AcceptsCommand reports whether a mode-1 command may be processed: mode
// 0 commands (MODE_GET/MODE_SET) are always allowed, mode 1 commands
// require a prior matching MODE_SET (spec.md §4.7).
func (s *State) AcceptsCommand(mc ModeCode) bool {
	if mc.Mode() == 0 {
		return true
	}
	return s.Mode == 1
}

// ModeSetCmd is the body of a MODE_SET command.
type ModeSetCmd struct {
	Mode   byte
	Config byte
}

// SendAPDUCmd is the body of a SEND_APDU command.
type SendAPDUCmd struct {
	APDU []byte // length <= MaxAPDU
}

// EnterPINCmd is the body of an ENTER_PIN command (spec.md §4.7).
type EnterPINCmd struct {
	Timeout                 byte
	Timeout2                byte
	FormatString            byte
	PinBlockString          byte
	PinLengthFormat         byte
	PinMaxExtraDigit        uint16
	PinEntryValidCondition  byte
	PinNumMessages          byte
	LanguageID              uint16
	MsgIndex                byte
	TeoPrologue             [3]byte
	APDU                    []byte // length <= MaxAPDU
}

// Command is a tagged union over the TRS command variants.
type Command struct {
	ModeCode ModeCode
	ModeSet  *ModeSetCmd
	SendAPDU *SendAPDUCmd
	EnterPIN *EnterPINCmd
}

func tooBig(field string, have, max int) error {
	return fmt.Errorf("trs: %s length %d exceeds capacity %d", field, have, max)
}
