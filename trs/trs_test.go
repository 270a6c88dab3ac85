package trs

import (
	"bytes"
	"testing"
)

func TestValidateRejectsZeroCode(t *testing.T) {
	if err := Validate(Pack(0, 0)); err == nil {
		t.Fatal("expected error for code 0")
	}
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	if err := Validate(Pack(2, 1)); err == nil {
		t.Fatal("expected error for mode 2")
	}
}

func TestValidateRejectsCodeOutOfRangeForMode(t *testing.T) {
	if err := Validate(Pack(0, 3)); err == nil {
		t.Fatal("expected error for mode 0 code 3")
	}
	if err := Validate(Pack(1, 5)); err == nil {
		t.Fatal("expected error for mode 1 code 5")
	}
}

func TestValidateAcceptsEveryTableEntry(t *testing.T) {
	valid := []ModeCode{
		CmdModeGet, CmdModeSet, CmdSendAPDU, CmdTerminate, CmdEnterPIN, CmdCardScan,
	}
	for _, mc := range valid {
		if err := Validate(mc); err != nil {
			t.Errorf("Validate(%v) = %v, want nil", mc, err)
		}
	}
}

func TestModeSetGatesMode1Commands(t *testing.T) {
	s := &State{Mode: 0}
	if s.AcceptsCommand(CmdSendAPDU) {
		t.Fatal("mode 1 command accepted before MODE_SET")
	}
	if !s.AcceptsCommand(CmdModeSet) {
		t.Fatal("MODE_SET should always be accepted")
	}
	s.Mode = 1
	if !s.AcceptsCommand(CmdSendAPDU) {
		t.Fatal("mode 1 command rejected after MODE_SET to mode 1")
	}
}

func roundTripCommand(t *testing.T, cmd Command) Command {
	t.Helper()
	buf := make([]byte, 256)
	state := &State{Mode: 1}
	n, err := EncodeCommand(buf, cmd)
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	got, err := DecodeCommand(buf[:n], state)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	return got
}

func TestModeGetRoundTrip(t *testing.T) {
	got := roundTripCommand(t, Command{ModeCode: CmdModeGet})
	if got.ModeCode != CmdModeGet {
		t.Fatalf("got %v", got.ModeCode)
	}
}

func TestModeSetRoundTrip(t *testing.T) {
	cmd := Command{ModeCode: CmdModeSet, ModeSet: &ModeSetCmd{Mode: 1, Config: 7}}
	got := roundTripCommand(t, cmd)
	if got.ModeSet == nil || got.ModeSet.Mode != 1 || got.ModeSet.Config != 7 {
		t.Fatalf("got %+v", got.ModeSet)
	}
}

func TestSendAPDURoundTrip(t *testing.T) {
	apdu := []byte{0x00, 0xA4, 0x04, 0x00, 0x02, 0x3F, 0x00}
	cmd := Command{ModeCode: CmdSendAPDU, SendAPDU: &SendAPDUCmd{APDU: apdu}}
	got := roundTripCommand(t, cmd)
	if got.SendAPDU == nil || !bytes.Equal(got.SendAPDU.APDU, apdu) {
		t.Fatalf("got %+v", got.SendAPDU)
	}
}

func TestSendAPDURejectsOversizeAPDU(t *testing.T) {
	apdu := make([]byte, MaxAPDU+1)
	buf := make([]byte, 256)
	_, err := EncodeCommand(buf, Command{ModeCode: CmdSendAPDU, SendAPDU: &SendAPDUCmd{APDU: apdu}})
	if err == nil {
		t.Fatal("expected error for oversize APDU")
	}
}

func TestEnterPINRoundTrip(t *testing.T) {
	cmd := Command{
		ModeCode: CmdEnterPIN,
		EnterPIN: &EnterPINCmd{
			Timeout: 30, Timeout2: 10, FormatString: 1, PinBlockString: 2,
			PinLengthFormat: 4, PinMaxExtraDigit: 0x0408, PinEntryValidCondition: 3,
			PinNumMessages: 1, LanguageID: 0x0409, MsgIndex: 0,
			TeoPrologue: [3]byte{1, 2, 3},
			APDU:        []byte{0x00, 0x20, 0x00, 0x00},
		},
	}
	got := roundTripCommand(t, cmd)
	if got.EnterPIN == nil {
		t.Fatal("nil EnterPIN")
	}
	want, have := cmd.EnterPIN, got.EnterPIN
	switch {
	case have.Timeout != want.Timeout, have.Timeout2 != want.Timeout2,
		have.FormatString != want.FormatString, have.PinBlockString != want.PinBlockString,
		have.PinLengthFormat != want.PinLengthFormat, have.PinMaxExtraDigit != want.PinMaxExtraDigit,
		have.PinEntryValidCondition != want.PinEntryValidCondition, have.PinNumMessages != want.PinNumMessages,
		have.LanguageID != want.LanguageID, have.MsgIndex != want.MsgIndex,
		have.TeoPrologue != want.TeoPrologue:
		t.Fatalf("got %+v, want %+v", have, want)
	}
	if !bytes.Equal(have.APDU, want.APDU) {
		t.Fatalf("APDU mismatch: got %v, want %v", have.APDU, want.APDU)
	}
}

func TestTerminateAndCardScanRoundTrip(t *testing.T) {
	for _, mc := range []ModeCode{CmdTerminate, CmdCardScan} {
		got := roundTripCommand(t, Command{ModeCode: mc})
		if got.ModeCode != mc {
			t.Fatalf("got %v, want %v", got.ModeCode, mc)
		}
	}
}

func TestDecodeCommandRejectsUnknownModeCode(t *testing.T) {
	state := &State{Mode: 1}
	buf := []byte{9, 9}
	if _, err := DecodeCommand(buf, state); err == nil {
		t.Fatal("expected error for invalid mode/code")
	}
}

func TestDecodeCommandRejectsMode1BeforeModeSet(t *testing.T) {
	state := &State{Mode: 0}
	buf := []byte{1, 2, 0} // CmdTerminate, reader=0
	if _, err := DecodeCommand(buf, state); err == nil {
		t.Fatal("expected rejection before MODE_SET")
	}
}

func roundTripReply(t *testing.T, reply Reply) Reply {
	t.Helper()
	buf := make([]byte, 256)
	n, err := EncodeReply(buf, reply)
	if err != nil {
		t.Fatalf("EncodeReply: %v", err)
	}
	got, err := DecodeReply(buf[:n])
	if err != nil {
		t.Fatalf("DecodeReply: %v", err)
	}
	return got
}

func TestCurrentModeReplyRoundTrip(t *testing.T) {
	reply := Reply{ModeCode: ReplyCurrentMode, ModeReport: &ModeReport{Mode: 1, Config: 2}}
	got := roundTripReply(t, reply)
	if got.ModeReport == nil || *got.ModeReport != *reply.ModeReport {
		t.Fatalf("got %+v", got.ModeReport)
	}
}

func TestCardInfoReportRoundTrip(t *testing.T) {
	reply := Reply{ModeCode: ReplyCardInfoReport, CardInfoReport: &CardInfoReport{
		Reader: 0, Protocol: 1, CSN: []byte{1, 2, 3, 4}, ProtocolData: []byte{9, 9},
	}}
	got := roundTripReply(t, reply)
	if got.CardInfoReport == nil ||
		!bytes.Equal(got.CardInfoReport.CSN, reply.CardInfoReport.CSN) ||
		!bytes.Equal(got.CardInfoReport.ProtocolData, reply.CardInfoReport.ProtocolData) {
		t.Fatalf("got %+v", got.CardInfoReport)
	}
}

func TestCardPresentReplyRoundTrip(t *testing.T) {
	reply := Reply{ModeCode: ReplyCardPresent, CardStatus: &CardStatus{Reader: 0, Status: 1}}
	got := roundTripReply(t, reply)
	if got.CardStatus == nil || *got.CardStatus != *reply.CardStatus {
		t.Fatalf("got %+v", got.CardStatus)
	}
}

func TestCardDataReplyRoundTrip(t *testing.T) {
	reply := Reply{ModeCode: ReplyCardData, CardData: &CardData{
		Reader: 0, Status: 0, APDU: []byte{0x90, 0x00},
	}}
	got := roundTripReply(t, reply)
	if got.CardData == nil || !bytes.Equal(got.CardData.APDU, reply.CardData.APDU) {
		t.Fatalf("got %+v", got.CardData)
	}
}

func TestPinEntryCompleteReplyRoundTrip(t *testing.T) {
	reply := Reply{ModeCode: ReplyPinEntryComplete, PinEntryComplete: &PinEntryComplete{
		Reader: 0, Status: 1, Tries: 2,
	}}
	got := roundTripReply(t, reply)
	if got.PinEntryComplete == nil || *got.PinEntryComplete != *reply.PinEntryComplete {
		t.Fatalf("got %+v", got.PinEntryComplete)
	}
}

func TestDecodeReplyRejectsUnknownModeCode(t *testing.T) {
	if _, err := DecodeReply([]byte{9, 9}); err == nil {
		t.Fatal("expected error for invalid mode/code")
	}
}
