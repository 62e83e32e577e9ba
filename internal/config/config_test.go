package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsWhenNoConfigFile(t *testing.T) {
	s, err := Load(t.TempDir(), Flags{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.RPCPort != 5500 {
		t.Errorf("got RPCPort=%d, want 5500", s.RPCPort)
	}
	if s.Simulate {
		t.Errorf("got Simulate=true, want false")
	}
	if s.PersistHighWaterMark != 1024 {
		t.Errorf("got PersistHighWaterMark=%d, want 1024", s.PersistHighWaterMark)
	}
}

func TestLoadReadsConfigFileAndFlagsOverride(t *testing.T) {
	dir := t.TempDir()
	contents := "rpc_port: 9999\npersist_root: /tmp/sessions\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s, err := Load(dir, Flags{Simulate: true, StartMacro: "Startup"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.RPCPort != 9999 {
		t.Errorf("got RPCPort=%d, want 9999", s.RPCPort)
	}
	if s.PersistRoot != "/tmp/sessions" {
		t.Errorf("got PersistRoot=%q, want /tmp/sessions", s.PersistRoot)
	}
	if !s.Simulate {
		t.Errorf("got Simulate=false, want true (from flags)")
	}
	if s.StartMacro != "Startup" {
		t.Errorf("got StartMacro=%q, want Startup", s.StartMacro)
	}
}

func TestLoadWithoutConfigDirStillAppliesFlags(t *testing.T) {
	s, err := Load("", Flags{NoSave: true})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !s.NoSave {
		t.Errorf("got NoSave=false, want true")
	}
}
