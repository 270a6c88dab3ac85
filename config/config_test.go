package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const validYAML = `
role: cp
master_key_hex: "000102030405060708090a0b0c0d0e0f"
secure_channel: true
pds:
  - offset: 0
    address: 1
    baud_rate: 9600
    queue_depth: 4
    max_frame: 256
    channel: loopback
`

func TestLoadValid(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "osdp.yaml", validYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Role != "cp" {
		t.Fatalf("Role = %q, want cp", cfg.Role)
	}
	if len(cfg.PDs) != 1 || *cfg.PDs[0].Offset != 0 {
		t.Fatalf("unexpected PDs: %+v", cfg.PDs)
	}

	key, err := cfg.MasterKey()
	if err != nil {
		t.Fatalf("MasterKey: %v", err)
	}
	if key[0] != 0x00 || key[15] != 0x0f {
		t.Fatalf("unexpected master key: %x", key)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "osdp.yaml", validYAML+"\nbogus_field: true\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown field")
	}
}

func TestValidateMissingMasterKey(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "osdp.yaml", `
role: cp
pds:
  - offset: 0
    address: 1
    baud_rate: 9600
    queue_depth: 4
    max_frame: 256
    channel: loopback
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected ErrInvalid for missing master key")
	}
}

func TestValidatePCSCRequiresReaderIndex(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "osdp.yaml", `
role: cp
master_key_hex: "000102030405060708090a0b0c0d0e0f"
pds:
  - offset: 0
    address: 1
    baud_rate: 9600
    queue_depth: 4
    max_frame: 256
    channel: pcsc
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected ErrInvalid for missing reader_index")
	}
}

func TestValidateDuplicateOffset(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "osdp.yaml", `
role: cp
master_key_hex: "000102030405060708090a0b0c0d0e0f"
pds:
  - offset: 0
    address: 1
    baud_rate: 9600
    queue_depth: 4
    max_frame: 256
    channel: loopback
  - offset: 0
    address: 2
    baud_rate: 9600
    queue_depth: 4
    max_frame: 256
    channel: loopback
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected ErrInvalid for duplicated offset")
	}
}

func TestMasterKeyFromFile(t *testing.T) {
	dir := t.TempDir()
	keyPath := writeConfig(t, dir, "master.hex", "000102030405060708090a0b0c0d0e0f\n")
	_ = keyPath
	path := writeConfig(t, dir, "osdp.yaml", `
role: cp
master_key_file: master.hex
pds:
  - offset: 0
    address: 1
    baud_rate: 9600
    queue_depth: 4
    max_frame: 256
    channel: loopback
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	key, err := cfg.MasterKey()
	if err != nil {
		t.Fatalf("MasterKey: %v", err)
	}
	if key[0] != 0x00 || key[15] != 0x0f {
		t.Fatalf("unexpected master key: %x", key)
	}
}
