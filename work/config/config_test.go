package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "missing.json"))
	def := Default()
	if cfg.PortalURL != def.PortalURL {
		t.Errorf("PortalURL = %q, want %q", cfg.PortalURL, def.PortalURL)
	}
	if cfg.PlaybackStartPolls != 8 {
		t.Errorf("PlaybackStartPolls = %d, want 8", cfg.PlaybackStartPolls)
	}
	if cfg.PlaybackPollInterval != time.Second {
		t.Errorf("PlaybackPollInterval = %v, want 1s", cfg.PlaybackPollInterval)
	}
	if len(cfg.TLSCiphers) != 1 || cfg.TLSCiphers[0] != "AES128-SHA" {
		t.Errorf("TLSCiphers = %v", cfg.TLSCiphers)
	}
}

func TestLoadParsesDurationsAndDefaultsTheRest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
  "portalURL": "https://portal.example/",
  "portalVariant": "FORM",
  "relayPort": 9911,
  "requestTimeout": "3s",
  "playbackPollInterval": "250ms",
  "adaptiveAvailable": false
}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path)
	if cfg.PortalURL != "https://portal.example" {
		t.Errorf("PortalURL = %q, trailing slash should be trimmed", cfg.PortalURL)
	}
	if cfg.PortalVariant != VariantForm {
		t.Errorf("PortalVariant = %q, want %q", cfg.PortalVariant, VariantForm)
	}
	if cfg.RelayPort != 9911 {
		t.Errorf("RelayPort = %d", cfg.RelayPort)
	}
	if cfg.RequestTimeout != 3*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.RequestTimeout)
	}
	if cfg.PlaybackPollInterval != 250*time.Millisecond {
		t.Errorf("PlaybackPollInterval = %v", cfg.PlaybackPollInterval)
	}
	if cfg.AdaptiveAvailable {
		t.Error("AdaptiveAvailable should honour an explicit false")
	}
	if cfg.RelayChunkSize != Default().RelayChunkSize {
		t.Errorf("RelayChunkSize = %d, want default", cfg.RelayChunkSize)
	}
}

func TestLoadInvalidDurationFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"requestTimeout":"soon","relayPort":1234}`), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := Load(path)
	if cfg.RelayPort != Default().RelayPort {
		t.Errorf("invalid file should fall back to defaults, got port %d", cfg.RelayPort)
	}
}

func TestApplyStoreOverrides(t *testing.T) {
	tests := []struct {
		name    string
		in      StoreOverrides
		addr    string
		port    int
		useISA  bool
		version int
	}{
		{"empty keeps config", StoreOverrides{}, "127.0.0.1", 8090, false, 21},
		{"all set", StoreOverrides{"0.0.0.0", "9000", "true", "19"}, "0.0.0.0", 9000, true, 19},
		{"invalid ignored", StoreOverrides{"", "http", "maybe", "x"}, "127.0.0.1", 8090, false, 21},
		{"port out of range", StoreOverrides{RelayPort: "70000"}, "127.0.0.1", 8090, false, 21},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.ApplyStoreOverrides(tt.in)
			if cfg.RelayAddress != tt.addr || cfg.RelayPort != tt.port || cfg.UseAdaptive != tt.useISA || cfg.PlayerVersion != tt.version {
				t.Errorf("got %s:%d isa=%v v=%d", cfg.RelayAddress, cfg.RelayPort, cfg.UseAdaptive, cfg.PlayerVersion)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	cfg.PortalURL = "vpn.example"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for portal URL without scheme")
	}
	cfg = Default()
	cfg.CertPath = filepath.Join(t.TempDir(), "nope.pem")
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing cert file")
	}
}

func TestExampleConfigLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.json")
	if err := CreateExampleConfig(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := loadFromFile(path)
	if err != nil {
		t.Fatalf("example config did not parse: %v\n%s", err, data)
	}
	if cfg.RelayShutdownGrace != Default().RelayShutdownGrace {
		t.Errorf("RelayShutdownGrace = %v", cfg.RelayShutdownGrace)
	}
}

func TestRelayBaseURL(t *testing.T) {
	cfg := Default()
	if got := cfg.RelayBaseURL(); got != "http://127.0.0.1:8090" {
		t.Errorf("RelayBaseURL() = %q", got)
	}
	if got := cfg.PortalEndpoint("Login/Login"); got != "https://vpn.nvt.gov.hu/Login/Login" {
		t.Errorf("PortalEndpoint() = %q", got)
	}
}
