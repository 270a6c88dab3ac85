package pd

import (
	"testing"

	"github.com/osdp-go/osdp/channel"
	"github.com/osdp-go/osdp/secure"
)

func TestNewRecordSizesRxBufToMaxFrame(t *testing.T) {
	a, _ := channel.Loopback(64)
	r := New(1, 9600, 0, a, 4, MaxFrameStandard)
	if len(r.RxBuf) != MaxFrameStandard {
		t.Fatalf("len(RxBuf) = %d, want %d", len(r.RxBuf), MaxFrameStandard)
	}
	if r.Cmd.Cap() != 4 {
		t.Fatalf("Cmd.Cap() = %d, want 4", r.Cmd.Cap())
	}
}

func TestNextSeqCyclesSkippingZero(t *testing.T) {
	r := &Record{}
	var seen []byte
	for i := 0; i < 4; i++ {
		r.NextSeq()
		seen = append(seen, r.SeqNumber)
	}
	want := []byte{1, 2, 3, 1}
	for i, s := range seen {
		if s != want[i] {
			t.Fatalf("seq sequence = %v, want %v", seen, want)
		}
	}
}

func TestResetForInitClearsSCAndAwaitResp(t *testing.T) {
	r := &Record{SeqNumber: 2, State: StateOnline, SC: &secure.Channel{Active: true}}
	r.Flags = r.Flags.Set(FlagSCActive | FlagAwaitResp)
	r.ResetForInit()
	if r.SeqNumber != 0 {
		t.Fatalf("SeqNumber = %d, want 0", r.SeqNumber)
	}
	if r.State != StateInit {
		t.Fatalf("State = %v, want INIT", r.State)
	}
	if r.Flags.Has(FlagSCActive) || r.Flags.Has(FlagAwaitResp) {
		t.Fatalf("flags not cleared: %v", r.Flags)
	}
}

func TestOnlineReflectsState(t *testing.T) {
	r := &Record{State: StateCapDet}
	if r.Online() {
		t.Fatal("expected not online")
	}
	r.State = StateOnline
	if !r.Online() {
		t.Fatal("expected online")
	}
}
