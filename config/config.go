// Package config loads the YAML file that drives an osdp.Context: the
// master key, the list of PDs to manage, and the channel each one rides
// on. It follows the typed-struct-plus-yaml.Decoder pattern the
// sdmconfig/reset config packages use: strict unknown-field rejection,
// an explicit Validate with one error per bad field, and config-relative
// resolution for any file-valued field.
package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every Validate failure so callers can distinguish a
// bad config from an I/O or parse error (spec.md §7's ConfigInvalid).
var ErrInvalid = fmt.Errorf("config: invalid")

// ChannelKind selects which Channel implementation a PD entry binds to.
type ChannelKind string

const (
	ChannelLoopback ChannelKind = "loopback"
	ChannelPCSC     ChannelKind = "pcsc"
)

// Config is the top-level document.
type Config struct {
	Role          string   `yaml:"role"` // "cp" or "pd"
	MasterKeyHex  string   `yaml:"master_key_hex"`
	MasterKeyFile string   `yaml:"master_key_file"`
	SecureChannel bool     `yaml:"secure_channel"`
	PDs           []PDSpec `yaml:"pds"`
}

// PDSpec describes one managed PD: its address/baud, queue sizing, the
// channel it rides on, and an optional already-provisioned SCBK.
type PDSpec struct {
	Offset      *int        `yaml:"offset"`
	Address     *int        `yaml:"address"`
	BaudRate    int         `yaml:"baud_rate"`
	QueueDepth  int         `yaml:"queue_depth"`
	MaxFrame    int         `yaml:"max_frame"`
	Channel     ChannelKind `yaml:"channel"`
	ReaderIndex *int        `yaml:"reader_index"` // required when channel: pcsc
	SerialHex   string      `yaml:"serial_hex"`   // diversifies the SCBK from the master key
	SCBKHex     string      `yaml:"scbk_hex"`     // overrides diversification with a fixed key
}

// Load reads and validates a YAML config file at path.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.resolvePaths(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) resolvePaths(configPath string) {
	dir := filepath.Dir(configPath)
	c.MasterKeyFile = resolvePath(dir, c.MasterKeyFile)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

// Validate checks every field spec.md §3's Context/PD record setup
// requires before a Context can be built, returning the first problem
// found wrapped in ErrInvalid.
func (c *Config) Validate() error {
	if c.Role != "cp" && c.Role != "pd" {
		return fmt.Errorf("%w: role must be \"cp\" or \"pd\", got %q", ErrInvalid, c.Role)
	}
	if strings.TrimSpace(c.MasterKeyHex) == "" && strings.TrimSpace(c.MasterKeyFile) == "" {
		return fmt.Errorf("%w: one of master_key_hex or master_key_file is required", ErrInvalid)
	}
	if strings.TrimSpace(c.MasterKeyHex) != "" && strings.TrimSpace(c.MasterKeyFile) != "" {
		return fmt.Errorf("%w: master_key_hex and master_key_file are mutually exclusive", ErrInvalid)
	}
	if len(c.PDs) == 0 {
		return fmt.Errorf("%w: at least one entry under pds is required", ErrInvalid)
	}
	seenOffsets := map[int]bool{}
	for i, p := range c.PDs {
		if err := p.validate(i); err != nil {
			return err
		}
		if seenOffsets[*p.Offset] {
			return fmt.Errorf("%w: pds[%d].offset %d is duplicated", ErrInvalid, i, *p.Offset)
		}
		seenOffsets[*p.Offset] = true
	}
	return nil
}

func (p *PDSpec) validate(i int) error {
	if p.Offset == nil {
		return fmt.Errorf("%w: pds[%d].offset is required", ErrInvalid, i)
	}
	if *p.Offset < 0 {
		return fmt.Errorf("%w: pds[%d].offset must be >= 0", ErrInvalid, i)
	}
	if p.Address == nil {
		return fmt.Errorf("%w: pds[%d].address is required", ErrInvalid, i)
	}
	if *p.Address < 0 || *p.Address > 0x7F {
		return fmt.Errorf("%w: pds[%d].address must be 0..127", ErrInvalid, i)
	}
	if p.BaudRate <= 0 {
		return fmt.Errorf("%w: pds[%d].baud_rate must be > 0", ErrInvalid, i)
	}
	if p.QueueDepth <= 0 {
		return fmt.Errorf("%w: pds[%d].queue_depth must be > 0", ErrInvalid, i)
	}
	if p.MaxFrame <= 0 {
		return fmt.Errorf("%w: pds[%d].max_frame must be > 0", ErrInvalid, i)
	}
	switch p.Channel {
	case ChannelLoopback:
	case ChannelPCSC:
		if p.ReaderIndex == nil {
			return fmt.Errorf("%w: pds[%d].reader_index is required for channel: pcsc", ErrInvalid, i)
		}
		if *p.ReaderIndex < 0 {
			return fmt.Errorf("%w: pds[%d].reader_index must be >= 0", ErrInvalid, i)
		}
	default:
		return fmt.Errorf("%w: pds[%d].channel must be %q or %q, got %q", ErrInvalid, i, ChannelLoopback, ChannelPCSC, p.Channel)
	}
	if p.SerialHex != "" {
		if _, err := decodeKeyHex(p.SerialHex, 8); err != nil {
			return fmt.Errorf("%w: pds[%d].serial_hex: %v", ErrInvalid, i, err)
		}
	}
	if p.SCBKHex != "" {
		if _, err := decodeKeyHex(p.SCBKHex, 16); err != nil {
			return fmt.Errorf("%w: pds[%d].scbk_hex: %v", ErrInvalid, i, err)
		}
	}
	return nil
}

// MasterKey resolves the configured master key to its 16 raw bytes,
// reading master_key_file if master_key_hex was not given directly.
func (c *Config) MasterKey() ([16]byte, error) {
	var key [16]byte
	hexStr := c.MasterKeyHex
	if hexStr == "" {
		data, err := os.ReadFile(c.MasterKeyFile)
		if err != nil {
			return key, fmt.Errorf("config: read master key file: %w", err)
		}
		hexStr = strings.TrimSpace(string(data))
	}
	raw, err := decodeKeyHex(hexStr, 16)
	if err != nil {
		return key, fmt.Errorf("config: master key: %w", err)
	}
	copy(key[:], raw)
	return key, nil
}

func decodeKeyHex(s string, wantLen int) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != wantLen {
		return nil, fmt.Errorf("want %d bytes, got %d", wantLen, len(raw))
	}
	return raw, nil
}
