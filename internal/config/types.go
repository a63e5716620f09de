package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Notifier controls the async delivery pipeline. If omitted it defaults
	// to enabled with conservative worker/rate settings.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	Storage StorageConfig `json:"storage"`
	Shift   ShiftConfig   `json:"shift"`
	Sensors SensorsConfig `json:"sensors"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`

	// Threads maps a chat label used by job definitions to a forum topic
	// thread inside ChatID. An empty label routes to the main thread.
	Threads map[string]int `json:"threads,omitempty"`

	// ReportThreadID receives shift reports regardless of the job's chat label.
	// Zero routes reports to the job's own thread.
	ReportThreadID int `json:"report_thread_id,omitempty"`
}

// SchedulerConfig controls trigger evaluation and the execution pool.
//
// All durations are Go duration strings (e.g. "30s", "1h").
type SchedulerConfig struct {
	Timezone  string `json:"timezone,omitempty"`
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`

	// MisfireGrace drops a firing that has been queued longer than this.
	// Defaults to "1h".
	MisfireGrace string `json:"misfire_grace,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// StorageConfig selects the series store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./prodpulse.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // "sqlite" or "memory"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ShiftConfig fixes the two production shift boundaries as local wall times.
type ShiftConfig struct {
	FirstShift  string `json:"first_shift"`  // "HH:MM", e.g. "08:00"
	SecondShift string `json:"second_shift"` // "HH:MM", e.g. "20:00"

	// SkipEqCondition skips the unchanged-snapshot check: when true,
	// identical consecutive snapshots are stored and announced instead of
	// being suppressed.
	SkipEqCondition bool `json:"skip_eq_condition,omitempty"`
}

// SensorsConfig declares the sensor transports. A section left nil means no
// sensors of that type are configured.
type SensorsConfig struct {
	OPC    *OPCConfig    `json:"opc,omitempty"`
	Modbus *ModbusConfig `json:"modbus,omitempty"`
}

type OPCConfig struct {
	Endpoint string      `json:"endpoint"`
	Timeout  string      `json:"timeout,omitempty"` // Go duration string
	Sensors  []SensorDef `json:"sensors"`
}

type ModbusConfig struct {
	Address string      `json:"address"` // host:port
	SlaveID int         `json:"slave_id,omitempty"`
	Timeout string      `json:"timeout,omitempty"` // Go duration string
	Sensors []SensorDef `json:"sensors"`
}

// SensorDef is one addressable sensor. NodeID addresses OPC UA nodes;
// Register/Quantity address Modbus holding registers.
type SensorDef struct {
	ID          string  `json:"id"`
	NodeID      string  `json:"node_id,omitempty"`
	Register    int     `json:"register,omitempty"`
	Quantity    int     `json:"quantity,omitempty"`
	Title       string  `json:"title,omitempty"`
	MetricUnit  string  `json:"metric_unit,omitempty"`
	Coefficient float64 `json:"coefficient,omitempty"`
	Enabled     bool    `json:"enabled"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Validate performs structural checks that do not need live resources.
func (c *Config) Validate() error {
	if _, err := parseWallClock(c.Shift.FirstShift); err != nil {
		return fmt.Errorf("shift.first_shift: %w", err)
	}
	if _, err := parseWallClock(c.Shift.SecondShift); err != nil {
		return fmt.Errorf("shift.second_shift: %w", err)
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if _, err := ParseDurationField("scheduler.misfire_grace", c.Scheduler.MisfireGrace); err != nil {
		return err
	}

	switch strings.TrimSpace(c.Storage.Driver) {
	case "", "sqlite", "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}

	if n := c.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token required when notifier is enabled")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id required when notifier is enabled")
		}
		for _, field := range []struct{ path, raw string }{
			{"notifier.retry_base", n.RetryBase},
			{"notifier.retry_max_delay", n.RetryMaxDelay},
			{"notifier.dedup_window", n.DedupWindow},
		} {
			if _, err := ParseDurationField(field.path, field.raw); err != nil {
				return err
			}
		}
	}

	seen := make(map[string]string)
	check := func(kind string, defs []SensorDef) error {
		for _, d := range defs {
			id := strings.TrimSpace(d.ID)
			if id == "" {
				return fmt.Errorf("sensors.%s: sensor with empty id", kind)
			}
			if prev, dup := seen[id]; dup {
				return fmt.Errorf("sensors.%s: id %q already declared under %s", kind, id, prev)
			}
			seen[id] = kind
		}
		return nil
	}
	if c.Sensors.OPC != nil {
		if strings.TrimSpace(c.Sensors.OPC.Endpoint) == "" {
			return fmt.Errorf("sensors.opc.endpoint required")
		}
		if _, err := ParseDurationField("sensors.opc.timeout", c.Sensors.OPC.Timeout); err != nil {
			return err
		}
		if err := check("opc", c.Sensors.OPC.Sensors); err != nil {
			return err
		}
	}
	if c.Sensors.Modbus != nil {
		if strings.TrimSpace(c.Sensors.Modbus.Address) == "" {
			return fmt.Errorf("sensors.modbus.address required")
		}
		if _, err := ParseDurationField("sensors.modbus.timeout", c.Sensors.Modbus.Timeout); err != nil {
			return err
		}
		if err := check("modbus", c.Sensors.Modbus.Sensors); err != nil {
			return err
		}
	}
	return nil
}

func parseWallClock(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing value")
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want HH:MM: %w", err)
	}
	return t, nil
}
