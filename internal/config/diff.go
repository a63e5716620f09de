package config

import (
	"reflect"
	"strings"

	logx "prodpulse/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (tokens) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Telegram (never log token)
	if oldCfg.Telegram.ChatID != newCfg.Telegram.ChatID ||
		oldCfg.Telegram.ReportThreadID != newCfg.Telegram.ReportThreadID ||
		!reflect.DeepEqual(oldCfg.Telegram.Threads, newCfg.Telegram.Threads) ||
		strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
			logx.Int("telegram.thread_count", len(newCfg.Telegram.Threads)),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.String("scheduler.misfire_grace", newCfg.Scheduler.MisfireGrace),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Shift != newCfg.Shift {
		changed = append(changed, "shift")
		attrs = append(attrs,
			logx.String("shift.first", newCfg.Shift.FirstShift),
			logx.String("shift.second", newCfg.Shift.SecondShift),
		)
	}
	if !reflect.DeepEqual(oldCfg.Sensors, newCfg.Sensors) {
		changed = append(changed, "sensors")
		attrs = append(attrs,
			logx.Bool("sensors.opc", newCfg.Sensors.OPC != nil),
			logx.Bool("sensors.modbus", newCfg.Sensors.Modbus != nil),
		)
	}
	// Pprof (never log token)
	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		attrs = append(attrs, logx.Bool("pprof.enabled", newCfg.Pprof.Enabled))
	}

	return changed, attrs
}
