package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
logging:
  level: debug
  console: true
telegram:
  token: "123:abc"
  chat_id: -100200300
  threads:
    furnaces: 12
scheduler:
  timezone: "Europe/Moscow"
  workers: 4
  misfire_grace: "1h"
storage:
  driver: sqlite
  path: ./prodpulse.db
shift:
  first_shift: "08:00"
  second_shift: "20:00"
sensors:
  opc:
    endpoint: "opc.tcp://10.0.0.5:4840"
    timeout: "5s"
    sensors:
      - id: furnace_a
        node_id: "ns=2;s=Line1.Counter"
        title: "Furnace A"
        metric_unit: "t"
        enabled: true
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.ChatID != -100200300 {
		t.Fatalf("chat_id = %d", cfg.Telegram.ChatID)
	}
	if cfg.Sensors.OPC == nil || len(cfg.Sensors.OPC.Sensors) != 1 {
		t.Fatalf("opc sensors not parsed: %+v", cfg.Sensors)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML+"\nbogus_section: 1\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("want error for unknown top-level key")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{
			Shift:   ShiftConfig{FirstShift: "08:00", SecondShift: "20:00"},
			Storage: StorageConfig{Driver: "memory"},
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("minimal config should validate: %v", err)
	}

	cfg := base()
	cfg.Shift.FirstShift = "8 o'clock"
	if err := cfg.Validate(); err == nil {
		t.Fatal("want error for malformed shift time")
	}

	cfg = base()
	cfg.Storage.Driver = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Fatal("want error for unknown storage driver")
	}

	cfg = base()
	cfg.Notifier = &NotifierConfig{Enabled: true}
	if err := cfg.Validate(); err == nil {
		t.Fatal("want error for enabled notifier without telegram token")
	}

	cfg = base()
	cfg.Sensors.OPC = &OPCConfig{
		Endpoint: "opc.tcp://host:4840",
		Sensors:  []SensorDef{{ID: "a"}, {ID: "a"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("want error for duplicate sensor ids")
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Shift:   ShiftConfig{FirstShift: "08:00", SecondShift: "20:00"},
	}
	changed, _ := SummarizeChange(oldCfg, newCfg)
	want := map[string]bool{"logging": true, "shift": true}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v", changed)
	}
	for _, c := range changed {
		if !want[c] {
			t.Fatalf("unexpected section %q in %v", c, changed)
		}
	}
}
