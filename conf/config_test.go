package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestInitConfig(t *testing.T) {
	dir := t.TempDir()
	body := `
[API]
Port = 9090

[Ledger]
Backend = "leveldb"

[Scheduler]
ReservationTTL = "2m"
Comparator = "cheapest"

[Settlement]
MaxAttempts = 7
BackoffCap = "10s"

[Chain]
Backend = "simulated"
Faucet = 1000
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := InitConfig(dir); err != nil {
		t.Fatalf("init config: %v", err)
	}
	c := GetConfig()
	if c.API.Port != 9090 || c.Ledger.Backend != "leveldb" {
		t.Fatalf("unexpected config %+v", c)
	}
	if c.Scheduler.ReservationTTL.Duration != 2*time.Minute {
		t.Fatalf("expected ttl 2m, got %v", c.Scheduler.ReservationTTL)
	}
	if c.Settlement.BackoffCap.Duration != 10*time.Second || c.Settlement.BackoffBase.Duration != time.Second {
		t.Fatalf("unexpected backoff %+v", c.Settlement)
	}
	if c.Settlement.MaxAttempts != 7 || c.Settlement.MaxPolls != 20 {
		t.Fatalf("unexpected settlement budgets %+v", c.Settlement)
	}
	if c.Ledger.Path != filepath.Join(dir, "ledger") {
		t.Fatalf("unexpected ledger path %s", c.Ledger.Path)
	}
}

func TestInitConfigMissingRequired(t *testing.T) {
	dir := t.TempDir()
	body := "[API]\nPort = 9090\n"
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := InitConfig(dir); err == nil {
		t.Fatalf("expected error for missing Ledger section")
	}
}

func TestBadDuration(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}
