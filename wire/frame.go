// Package wire implements the OSDP PHY codec (spec.md §4.1): packing a
// command/reply id and payload into a framed buffer with an optional
// Secure Channel Block, MAC, and CRC16/checksum trailer, and the
// reverse decode with sequence and SCB/MAC validation.
package wire

import (
	"crypto/subtle"
	"errors"

	"github.com/osdp-go/osdp/pd"
	"github.com/osdp-go/osdp/proto"
)

// Sentinel errors corresponding to spec.md §7's FrameFormat,
// FrameIncomplete, FrameSkip, and SequenceMismatch/SecureChannelFailure
// outcomes.
var (
	ErrFormat        = errors.New("wire: malformed frame")
	ErrIncomplete    = errors.New("wire: incomplete frame, need more bytes")
	ErrSkip          = errors.New("wire: frame not addressed to this PD")
	ErrSeqMismatch   = errors.New("wire: sequence number mismatch")
	ErrSecureChannel = errors.New("wire: secure channel verification failed")
)

// Control byte bit layout: bits 0-1 carry the sequence number (0-3),
// bit 2 selects CRC16 over checksum8, bit 3 marks an SCB present.
const (
	ctrlSeqMask    = 0x03
	ctrlCRCPresent = 0x04
	ctrlSCBPresent = 0x08
)

// minHeaderLen is SOM+addr+len(2)+ctrl.
const minHeaderLen = 5

func isEncSCB(t byte) bool { return t == proto.SCS17 || t == proto.SCS18 }

// encryptedLen returns the size of plainLen bytes once secure.EncryptData
// pads them with its 0x80 terminator and rounds up to a 16-byte block,
// without actually encrypting anything yet.
func encryptedLen(plainLen int) int {
	return (plainLen/16 + 1) * 16
}

// scbAuthenticated reports whether scbType is one of the MAC-bearing
// classes (15-18); 11-14 are handshake frames carrying their own
// cryptogram/random payload in the clear.
func scbAuthenticated(t byte) bool {
	return t == proto.SCS15 || t == proto.SCS16 || t == proto.SCS17 || t == proto.SCS18
}

// PackInit writes the frame header (SOM, address, length placeholder,
// control byte, and optional SCB) into buf and returns the offset at
// which the caller must write the command/reply id followed by its
// payload. scbType is 0 for no SCB, or one of proto.SCS11..SCS18.
func PackInit(rec *pd.Record, buf []byte, isReply, useChecksum bool, scbType byte) (int, error) {
	need := minHeaderLen
	if scbType != 0 {
		need += 2
	}
	if len(buf) < need {
		return 0, ErrFormat
	}
	buf[0] = proto.SOM
	addr := rec.Address
	if isReply {
		addr |= proto.AddrReplyBit
	}
	buf[1] = addr
	buf[2] = 0
	buf[3] = 0
	ctrl := rec.SeqNumber & ctrlSeqMask
	if !useChecksum {
		ctrl |= ctrlCRCPresent
	}
	n := minHeaderLen
	if scbType != 0 {
		ctrl |= ctrlSCBPresent
		buf[5] = 2 // SCB length, including this byte and the type byte
		buf[6] = scbType
		n = 7
	}
	buf[4] = ctrl
	return n, nil
}

// PackFinalize patches the length field, applies Secure Channel
// MAC/encryption to the id+payload segment written since PackInit per
// the SCB class in the control byte, appends the 4-byte MAC tag when
// applicable, computes the trailer, and returns the total frame length.
// buf[:length] must be exactly what PackInit's offset plus the caller's
// id+payload writes produced.
func PackFinalize(rec *pd.Record, buf []byte, length, maxLen int) (int, error) {
	limit := len(buf)
	if maxLen < limit {
		limit = maxLen
	}
	if length < minHeaderLen || length > limit {
		return 0, ErrFormat
	}
	ctrl := buf[4]
	useCRC := ctrl&ctrlCRCPresent != 0
	hasSCB := ctrl&ctrlSCBPresent != 0

	dataStart := minHeaderLen
	var scbType byte
	if hasSCB {
		dataStart = 7
		scbType = buf[6]
	}
	if dataStart >= length {
		return 0, ErrFormat
	}
	id := buf[dataStart]
	isReply := buf[1]&proto.AddrReplyBit != 0
	isCmd := !isReply

	n := length
	secured := hasSCB && scbAuthenticated(scbType) && proto.IsDataCarrying(id)
	trailerLen := 1
	if useCRC {
		trailerLen = 2
	}

	// The length field must hold its final on-wire value before the MAC
	// is computed, since the MAC covers the whole header: precompute it
	// from the (possibly padded) payload size rather than patching it
	// in after the fact, or Decode's reconstruction of the authenticated
	// bytes would never match what was actually sent.
	finalN := n
	if secured {
		finalN += 4
		if isEncSCB(scbType) {
			finalN = dataStart + 1 + encryptedLen(n-dataStart-1) + 4
		}
	}
	total := finalN + trailerLen
	if total > limit {
		return 0, ErrFormat
	}
	buf[2] = byte(total)
	buf[3] = byte(total >> 8)

	if secured {
		// Encrypt before computing the MAC: EncryptData's IV comes from
		// the chain value as it stands *before* this frame's MAC updates
		// it, which matches Decode's order (decrypt, then verify). Doing
		// it the other way round would have the sender encrypt under the
		// post-update chain while the receiver decrypts under the
		// pre-update one, and the two would never agree. ComputeMAC
		// still authenticates the plaintext, so its input is snapshotted
		// before the payload bytes are overwritten with ciphertext.
		macInput := buf[:n]
		if isEncSCB(scbType) {
			macInput = append([]byte(nil), buf[:n]...)
			payload := buf[dataStart+1 : n]
			enc, err := rec.SC.EncryptData(isCmd, payload)
			if err != nil {
				return 0, err
			}
			if dataStart+1+len(enc)+4 > limit {
				return 0, ErrFormat
			}
			copy(buf[dataStart+1:], enc)
			n = dataStart + 1 + len(enc)
		}
		mac, err := rec.SC.ComputeMAC(isCmd, macInput)
		if err != nil {
			return 0, err
		}
		if n+4 > limit {
			return 0, ErrFormat
		}
		copy(buf[n:n+4], mac[12:16])
		n += 4
	}
	if useCRC {
		crc := crc16(buf[:n])
		buf[n] = byte(crc)
		buf[n+1] = byte(crc >> 8)
	} else {
		buf[n] = checksum8(buf[:n])
	}
	return total, nil
}

// Decode validates and, for Secure Channel frames, authenticates and
// decrypts a received frame in place. On success it returns the offset
// of the id byte and the combined length of id+payload; buf is
// rewritten so that region holds the plaintext. rec.SeqNumber is
// treated as the expected next sequence number unless
// pd.FlagSkipSeqCheck is set; a frame with seq 0 is always accepted (it
// signals a comms reset, per spec.md §3) without advancing the check.
func Decode(rec *pd.Record, buf []byte, length int) (offset, n int, err error) {
	if length < 4 {
		return 0, 0, ErrIncomplete
	}
	if buf[0] != proto.SOM {
		return 0, 0, ErrFormat
	}
	total := int(buf[2]) | int(buf[3])<<8
	if total < minHeaderLen {
		return 0, 0, ErrFormat
	}
	if length < total {
		return 0, 0, ErrIncomplete
	}

	addrByte := buf[1]
	addr := addrByte &^ proto.AddrReplyBit
	isReply := addrByte&proto.AddrReplyBit != 0
	if addr != rec.Address && addr != proto.AddrBroadcast {
		return 0, 0, ErrSkip
	}

	ctrl := buf[4]
	seq := ctrl & ctrlSeqMask
	useCRC := ctrl&ctrlCRCPresent != 0
	hasSCB := ctrl&ctrlSCBPresent != 0

	trailerLen := 1
	if useCRC {
		trailerLen = 2
	}
	if total < minHeaderLen+trailerLen {
		return 0, 0, ErrFormat
	}

	if useCRC {
		got := uint16(buf[total-2]) | uint16(buf[total-1])<<8
		want := crc16(buf[:total-2])
		if got != want {
			return 0, 0, ErrFormat
		}
	} else {
		got := buf[total-1]
		want := checksum8(buf[:total-1])
		if got != want {
			return 0, 0, ErrFormat
		}
	}

	dataStart := minHeaderLen
	var scbType byte
	if hasSCB {
		if total < 7+trailerLen {
			return 0, 0, ErrFormat
		}
		scbType = buf[6]
		dataStart = 7
	}
	if dataStart >= total-trailerLen {
		return 0, 0, ErrFormat
	}
	id := buf[dataStart]

	if !rec.Flags.Has(pd.FlagSkipSeqCheck) && seq != 0 && seq != rec.SeqNumber {
		return 0, 0, ErrSeqMismatch
	}

	dataEnd := total - trailerLen
	isCmd := !isReply

	if hasSCB && scbAuthenticated(scbType) && proto.IsDataCarrying(id) {
		if dataEnd-4 < dataStart+1 {
			return 0, 0, ErrFormat
		}
		macEnd := dataEnd - 4
		wantTag := buf[macEnd:dataEnd]

		if isEncSCB(scbType) {
			ciphertext := buf[dataStart+1 : macEnd]
			plain, derr := rec.SC.DecryptData(isCmd, ciphertext)
			if derr != nil {
				return 0, 0, ErrSecureChannel
			}
			verify := make([]byte, dataStart+1+len(plain))
			copy(verify, buf[:dataStart+1])
			copy(verify[dataStart+1:], plain)
			mac, merr := rec.SC.ComputeMAC(isCmd, verify)
			if merr != nil {
				return 0, 0, merr
			}
			if subtle.ConstantTimeCompare(mac[12:16], wantTag) != 1 {
				return 0, 0, ErrSecureChannel
			}
			copy(buf[dataStart+1:], plain)
			dataEnd = dataStart + 1 + len(plain)
		} else {
			mac, merr := rec.SC.ComputeMAC(isCmd, buf[:macEnd])
			if merr != nil {
				return 0, 0, merr
			}
			if subtle.ConstantTimeCompare(mac[12:16], wantTag) != 1 {
				return 0, 0, ErrSecureChannel
			}
			dataEnd = macEnd
		}
	}

	return dataStart, dataEnd - dataStart, nil
}

// DataOffset returns the byte offset of the command/reply id within an
// already-decoded frame.
func DataOffset(buf []byte) int {
	if len(buf) > 4 && buf[4]&ctrlSCBPresent != 0 {
		return 7
	}
	return 5
}

// FrameLen reads the total frame length from an already-buffered
// header (valid once at least 4 bytes have arrived), without otherwise
// validating or decoding the frame. Callers use it to skip or discard
// a frame that Decode rejected.
func FrameLen(buf []byte) (int, bool) {
	if len(buf) < 4 {
		return 0, false
	}
	return int(buf[2]) | int(buf[3])<<8, true
}

// SMB returns the raw [len, type] Secure Channel Block header of an
// already-decoded frame, or nil if none is present.
func SMB(buf []byte) []byte {
	if len(buf) < 7 || buf[4]&ctrlSCBPresent == 0 {
		return nil
	}
	return buf[5:7]
}
