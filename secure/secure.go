// Package secure implements the OSDP Secure Channel described in
// spec.md §4.2: key derivation, cryptogram exchange, MAC chaining, and
// AES-CBC payload encryption. All primitives come from crypto/aes,
// crypto/cipher, crypto/rand, and crypto/subtle — the same building
// blocks the pack's card/GlobalPlatform secure-channel code (3DES/DES
// ECB+CBC with ISO 7816-4 padding) and the go-ethereum scwallet secure
// channel (AES-CBC with a MAC-chained IV, ISO padding with a 0x80
// terminator) use, generalized from their DES/ECDH setting to OSDP's
// AES-128 + shared-secret-diversification setting.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"errors"
)

// ErrMAC names a MAC or cryptogram verification failure. No function in
// this package returns it: cryptogram checks report a bool, and package
// wire reports a frame MAC failure as wire.ErrSecureChannel.
var ErrMAC = errors.New("secure: mac/cryptogram verification failed")

// DefaultSCBKD is the well-known install-mode default Secure Channel
// Base Key. It is used only when a PD has not yet been provisioned with
// a real SCBK (spec.md §4.2, §4.5 SC_INIT).
var DefaultSCBKD = [16]byte{
	0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	0x09, 0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16,
}

// Channel holds one PD's secure channel key material and handshake
// state (spec.md §3's secure-channel block).
type Channel struct {
	SCBK  [16]byte
	SEnc  [16]byte
	SMac1 [16]byte
	SMac2 [16]byte
	RMac  [16]byte
	CMac  [16]byte

	CPRandom     [8]byte
	PDRandom     [8]byte
	PDClientUID  [8]byte
	CPCryptogram [16]byte
	PDCryptogram [16]byte

	Active bool
}

// Init clears session material and selects the base key, following
// spec.md's sc_init: install mode + SCBKD fallback uses the well-known
// default, otherwise the provisioned SCBK is kept.
func (c *Channel) Init(useSCBKD bool) {
	c.SEnc = [16]byte{}
	c.SMac1 = [16]byte{}
	c.SMac2 = [16]byte{}
	c.RMac = [16]byte{}
	c.CMac = [16]byte{}
	c.CPCryptogram = [16]byte{}
	c.PDCryptogram = [16]byte{}
	c.Active = false
	if useSCBKD {
		c.SCBK = DefaultSCBKD
	}
}

// NewCPRandom fills CPRandom with fresh random bytes via crypto/rand,
// as required to start a CMD_CHLNG exchange.
func (c *Channel) NewCPRandom() error {
	_, err := rand.Read(c.CPRandom[:])
	return err
}

// NewPDRandom fills PDRandom with fresh random bytes via crypto/rand,
// the PD-side counterpart of NewCPRandom used when answering CMD_CHLNG.
func (c *Channel) NewPDRandom() error {
	_, err := rand.Read(c.PDRandom[:])
	return err
}

// ecbEncryptBlock encrypts exactly one 16-byte block under key.
func ecbEncryptBlock(key, block [16]byte) [16]byte {
	b, err := aes.NewCipher(key[:])
	if err != nil {
		// key is always 16 bytes; aes.NewCipher cannot fail for a
		// correctly sized key.
		panic(err)
	}
	var out [16]byte
	b.Encrypt(out[:], block[:])
	return out
}

// ComputeSCBK derives a per-PD SCBK from the CP's master key and the
// PD's client UID, per spec.md's compute_scbk: AES-ECB of a
// diversification block built from the UID.
func ComputeSCBK(masterKey [16]byte, clientUID [8]byte) [16]byte {
	var block [16]byte
	copy(block[:8], clientUID[:])
	copy(block[8:], clientUID[:])
	return ecbEncryptBlock(masterKey, block)
}

// sessionKeyBlock builds the fixed-plaintext block used to derive one
// session key: a constant tag byte, a fixed marker, and the low 6 bytes
// of cp_random — the "AES-ECB on fixed plaintexts mixing the random"
// construction spec.md §4.2 calls for.
func sessionKeyBlock(tag byte, cpRandom [8]byte) [16]byte {
	var block [16]byte
	block[0] = tag
	block[1] = 0x82
	copy(block[2:8], cpRandom[:6])
	return block
}

const (
	tagSEnc  byte = 0x01
	tagSMac1 byte = 0x02
	tagSMac2 byte = 0x03
)

// ComputeSessionKeys derives s_enc, s_mac1, s_mac2 from scbk and
// cp_random. It is a pure function of its inputs: identical (scbk,
// cp_random) pairs always yield identical session keys (spec.md §8).
func ComputeSessionKeys(scbk [16]byte, cpRandom [8]byte) (sEnc, sMac1, sMac2 [16]byte) {
	sEnc = ecbEncryptBlock(scbk, sessionKeyBlock(tagSEnc, cpRandom))
	sMac1 = ecbEncryptBlock(scbk, sessionKeyBlock(tagSMac1, cpRandom))
	sMac2 = ecbEncryptBlock(scbk, sessionKeyBlock(tagSMac2, cpRandom))
	return
}

// DeriveSessionKeys populates c.SEnc/SMac1/SMac2 from c.SCBK and
// c.CPRandom.
func (c *Channel) DeriveSessionKeys() {
	c.SEnc, c.SMac1, c.SMac2 = ComputeSessionKeys(c.SCBK, c.CPRandom)
}

// ComputeCPCryptogram encrypts pd_random||cp_random under s_enc,
// producing the cryptogram the CP must verify against the PD's claim.
func (c *Channel) ComputeCPCryptogram() [16]byte {
	var block [16]byte
	copy(block[:8], c.PDRandom[:])
	copy(block[8:], c.CPRandom[:])
	c.CPCryptogram = ecbEncryptBlock(c.SEnc, block)
	return c.CPCryptogram
}

// ComputePDCryptogram encrypts cp_random||pd_random under s_enc, the
// PD-side counterpart of ComputeCPCryptogram.
func (c *Channel) ComputePDCryptogram() [16]byte {
	var block [16]byte
	copy(block[:8], c.CPRandom[:])
	copy(block[8:], c.PDRandom[:])
	c.PDCryptogram = ecbEncryptBlock(c.SEnc, block)
	return c.PDCryptogram
}

// VerifyCPCryptogram checks a cryptogram claimed by the CP (received by
// a PD during CMD_SCRYPT) in constant time.
func (c *Channel) VerifyCPCryptogram(claimed [16]byte) bool {
	want := c.ComputeCPCryptogram()
	return subtle.ConstantTimeCompare(want[:], claimed[:]) == 1
}

// VerifyPDCryptogram checks a cryptogram claimed by the PD (received by
// a CP during REPLY_CCRYPT) in constant time.
func (c *Channel) VerifyPDCryptogram(claimed [16]byte) bool {
	want := c.ComputePDCryptogram()
	return subtle.ConstantTimeCompare(want[:], claimed[:]) == 1
}

// ComputeRMacI seeds the reply-MAC chain from the completed SCRYPT
// exchange. Both CP and PD call this once cp_cryptogram has been
// verified, and both command (c_mac) and reply (r_mac) chains start
// from the same seed.
func (c *Channel) ComputeRMacI() {
	seed := ecbEncryptBlock(c.SMac1, c.CPCryptogram)
	c.RMac = seed
	c.CMac = seed
}

// pad appends the OSDP payload terminator (0x80) followed by zero bytes
// up to the next 16-byte boundary (spec.md §4.1).
func pad(data []byte) []byte {
	padded := make([]byte, 0, (len(data)/16+1)*16)
	padded = append(padded, data...)
	padded = append(padded, 0x80)
	for len(padded)%16 != 0 {
		padded = append(padded, 0x00)
	}
	return padded
}

// unpad strips the 0x80 terminator and trailing zeros appended by pad.
func unpad(data []byte) ([]byte, error) {
	for i := len(data) - 1; i >= 0 && i >= len(data)-16; i-- {
		switch data[i] {
		case 0x00:
			continue
		case 0x80:
			return data[:i], nil
		default:
			return nil, errors.New("secure: invalid padding")
		}
	}
	return nil, errors.New("secure: padding terminator not found")
}

func invert(b [16]byte) [16]byte {
	var out [16]byte
	for i := range b {
		out[i] = ^b[i]
	}
	return out
}

// EncryptData pads and AES-128-CBC-encrypts data, using the bitwise
// inverse of the active MAC chain value as the IV, per spec.md §4.2.
func (c *Channel) EncryptData(isCmd bool, data []byte) ([]byte, error) {
	chain := c.RMac
	if isCmd {
		chain = c.CMac
	}
	iv := invert(chain)
	block, err := aes.NewCipher(c.SEnc[:])
	if err != nil {
		return nil, err
	}
	plain := pad(data)
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(out, plain)
	return out, nil
}

// DecryptData is the inverse of EncryptData.
func (c *Channel) DecryptData(isCmd bool, data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%16 != 0 {
		return nil, errors.New("secure: ciphertext not block aligned")
	}
	chain := c.RMac
	if isCmd {
		chain = c.CMac
	}
	iv := invert(chain)
	block, err := aes.NewCipher(c.SEnc[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(out, data)
	return unpad(out)
}

// ComputeMAC updates the rolling MAC chain for the given direction with
// data (the frame-to-be: header + SCB + plaintext payload) and returns
// the full 16-byte chain value. The caller appends only the last 4
// bytes as the wire authentication tag (spec.md §4.1).
func (c *Channel) ComputeMAC(isCmd bool, data []byte) ([16]byte, error) {
	chain := &c.RMac
	if isCmd {
		chain = &c.CMac
	}
	block, err := aes.NewCipher(c.SMac1[:])
	if err != nil {
		return [16]byte{}, err
	}
	padded := pad(data)
	iv := *chain
	cbc := cipher.NewCBCEncrypter(block, iv[:])
	out := make([]byte, len(padded))
	cbc.CryptBlocks(out, padded)

	var last [16]byte
	copy(last[:], out[len(out)-16:])
	result := ecbEncryptBlock(c.SMac2, last)
	*chain = result
	return result, nil
}
