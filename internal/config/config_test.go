package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWithNoPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	want := Default()
	want.BlockSize = cfg.BlockSize // deduced from MTU, not part of Default's literal fields
	if *cfg != *want {
		t.Fatalf("Load(\"\") = %+v, want %+v", cfg, want)
	}
	if cfg.BlockSize < MinBlockSize {
		t.Fatalf("deduced block size %d below minimum", cfg.BlockSize)
	}
}

func TestLoadOverlaysFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.toml")
	toml := `
listen_address = "127.0.0.1:9001"
mtu = 256
window_size = 3
`
	if err := os.WriteFile(path, []byte(toml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9001" {
		t.Fatalf("ListenAddress = %q, want overridden value", cfg.ListenAddress)
	}
	if cfg.MTU != 256 {
		t.Fatalf("MTU = %d, want 256", cfg.MTU)
	}
	if cfg.WindowSize != 3 {
		t.Fatalf("WindowSize = %d, want 3", cfg.WindowSize)
	}
	// Untouched by the file, so it should retain the default.
	if cfg.StoragePath != Default().StoragePath {
		t.Fatalf("StoragePath = %q, want default %q", cfg.StoragePath, Default().StoragePath)
	}
}

func TestLoadRejectsOversizedMTU(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.toml")
	if err := os.WriteFile(path, []byte("mtu = 4096\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("Load with mtu > MaxMTU = nil error, want rejection")
	}
}

func TestLoadRejectsUndersizedBlockSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.toml")
	if err := os.WriteFile(path, []byte("block_size = 16\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("Load with undersized block_size = nil error, want rejection")
	}
}
