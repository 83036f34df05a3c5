// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	defer os.Chdir(wd) //nolint:errcheck
	os.Chdir(dir)       //nolint:errcheck

	cfg, actions, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 3128 || cfg.Workers != 2 || cfg.Threads != 32 || cfg.Auth != "ANY" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if actions.Save || actions.Help {
		t.Fatalf("unexpected actions set: %+v", actions)
	}
}

func TestLoadCLIOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	defer os.Chdir(wd) //nolint:errcheck
	os.Chdir(dir)       //nolint:errcheck

	cfg, _, err := Load([]string{"--port=8888", "--workers=4", "--auth=NTLM"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8888 || cfg.Workers != 4 || cfg.Auth != "NTLM" {
		t.Fatalf("CLI overrides not applied: %+v", cfg)
	}
}

func TestLoadPrecedenceCLIOverEnvOverINI(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	defer os.Chdir(wd) //nolint:errcheck
	os.Chdir(dir)       //nolint:errcheck

	iniPath := filepath.Join(dir, "px.ini")
	if err := os.WriteFile(iniPath, []byte("[proxy]\nport = 1111\n[settings]\nworkers = 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PX_PORT", "2222")

	cfg, _, err := Load([]string{"--config", iniPath, "--port=3333"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 3333 {
		t.Fatalf("port = %d, want 3333 (CLI wins)", cfg.Port)
	}
	if cfg.Workers != 9 {
		t.Fatalf("workers = %d, want 9 (INI, no env/CLI override)", cfg.Workers)
	}
}

func TestSaveRoundTrips(t *testing.T) {
	dir := t.TempDir()
	cfg := defaults()
	cfg.Port = 4444
	cfg.Idle = 45 * time.Second

	path := filepath.Join(dir, "out.ini")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	wd, _ := os.Getwd()
	defer os.Chdir(wd) //nolint:errcheck
	os.Chdir(dir)       //nolint:errcheck

	loaded, _, err := Load([]string{"--config", path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Port != 4444 || loaded.Idle != 45*time.Second {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
}
