package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Clouded-Sabre/Pseudo-Socket/lib"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
log_level: debug
link:
  address: 2
  bind: 127.0.0.1:9000
  peers:
    - link: 1
      addr: 127.0.0.1:9001
core:
  tick_period_ms: 5
connection:
  window_size: 8
  connect_retries: 4
`)
	cfg, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Link.Address != 2 || len(cfg.Link.Peers) != 1 || cfg.Link.Peers[0].Addr != "127.0.0.1:9001" {
		t.Errorf("unexpected link settings %+v", cfg.Link)
	}
	if cfg.Core.TickPeriod != 5 || cfg.Connection.WindowSize != 8 || cfg.Connection.ConnectRetries != 4 {
		t.Errorf("explicit keys not applied: %+v %+v", cfg.Core, cfg.Connection)
	}
	// keys left out keep their defaults
	if cfg.Core.PortLimit != lib.DefaultPortLimit || cfg.Connection.CloseRetries != 3 || cfg.Link.MTU != 26 {
		t.Errorf("defaults lost: %+v %+v", cfg.Core, cfg.Connection)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
log_level = "warn"

[link]
address = 7
mtu = 64

[[link.peers]]
link = 8
addr = "10.0.0.8:7080"

[connection]
retransmit_timeout_ms = 250
`)
	coreCfg, connCfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if connCfg.RetransmitTimeout != 250 || connCfg.WindowSize != lib.DefaultWindowSize {
		t.Errorf("connection config %+v", connCfg)
	}
	if coreCfg.PortLimit != lib.DefaultPortLimit {
		t.Errorf("core config %+v", coreCfg)
	}

	cfg, _ := ReadConfig(path)
	if cfg.Link.MTU != 64 || cfg.Link.Peers[0].Link != 8 {
		t.Errorf("link config %+v", cfg.Link)
	}
}

func TestLoadInvalid(t *testing.T) {
	testCases := []struct {
		name, content string
	}{
		{"mtu.yaml", "link:\n  mtu: 6\n"},
		{"ports.yaml", "core:\n  port_limit: 300\n"},
		{"rto.yaml", "core:\n  tick_period_ms: 10\nconnection:\n  retransmit_timeout_ms: 5\n"},
		{"level.yaml", "log_level: loud\n"},
		{"syntax.toml", "log_level = \n"},
	}
	for _, tc := range testCases {
		if _, err := ReadConfig(writeFile(t, tc.name, tc.content)); err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
	}
	if _, err := ReadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("missing file: expected an error")
	}
}

func TestSetupLogging(t *testing.T) {
	if err := SetupLogging("trace"); err != nil {
		t.Errorf("SetupLogging(trace): %v", err)
	}
	if err := SetupLogging("nope"); err == nil {
		t.Errorf("expected error for unknown level")
	}
	SetupLogging("info")
}

func TestOpenLink(t *testing.T) {
	cfg := Default()
	cfg.Link.Bind = "127.0.0.1:0"
	cfg.Link.Peers = []PeerConfig{{Link: 2, Addr: "127.0.0.1:9"}}
	l, err := cfg.OpenLink()
	if err != nil {
		t.Skipf("udp unavailable: %v", err)
	}
	defer l.Close()
	if l.Address() != cfg.Link.Address || l.MTU() != cfg.Link.MTU {
		t.Errorf("link %d mtu %d", l.Address(), l.MTU())
	}

	cfg.Link.Peers = []PeerConfig{{Link: 2, Addr: "not an address"}}
	if _, err := cfg.OpenLink(); err == nil {
		t.Errorf("expected error for a bad peer address")
	}
}
