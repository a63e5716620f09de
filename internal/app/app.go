// Package app assembles the monitoring engine: config, logging, storage,
// sensor transports, the notification pipeline and the job scheduler.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"prodpulse/internal/config"
	"prodpulse/internal/eventbus"
	"prodpulse/internal/idle"
	"prodpulse/internal/notify"
	"prodpulse/internal/observability/pprof"
	"prodpulse/internal/production"
	"prodpulse/internal/sched"
	"prodpulse/internal/sensor"
	"prodpulse/internal/sensor/modbus"
	"prodpulse/internal/sensor/opc"
	"prodpulse/internal/shiftclock"
	"prodpulse/internal/storage"
	logx "prodpulse/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	opc   *opc.Client
	mb    *modbus.Client

	notif *notify.Service
	sched *sched.Scheduler
	pprof *pprof.Service

	cancelWatch context.CancelFunc
	watchDone   chan struct{}
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: bus}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// build wires the services from an already validated config.
func (a *App) build(cfg *config.Config) error {
	log := a.log

	store, err := openStore(cfg.Storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store = store

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
		loc = l
	}
	clock, err := shiftclock.New(cfg.Shift.FirstShift, cfg.Shift.SecondShift, loc)
	if err != nil {
		return err
	}

	registry := sensor.NewRegistry()
	if oc := cfg.Sensors.OPC; oc != nil {
		timeout, err := config.ParseDurationOrDefault("sensors.opc.timeout", oc.Timeout, 10*time.Second)
		if err != nil {
			return err
		}
		a.opc = opc.New(opc.Config{
			Endpoint: oc.Endpoint,
			Timeout:  timeout,
			Sensors:  opcSensors(oc.Sensors),
		}, log.With(logx.String("comp", "opc")))
		registry.Register(sensor.TypeOPC, a.opc)
	}
	if mc := cfg.Sensors.Modbus; mc != nil {
		timeout, err := config.ParseDurationOrDefault("sensors.modbus.timeout", mc.Timeout, 10*time.Second)
		if err != nil {
			return err
		}
		a.mb = modbus.New(modbus.Config{
			Address: mc.Address,
			SlaveID: byte(mc.SlaveID),
			Timeout: timeout,
			Sensors: modbusSensors(mc.Sensors),
		}, log.With(logx.String("comp", "modbus")))
		registry.Register(sensor.TypeModbus, a.mb)
	}
	agg := sensor.NewAggregator(registry, log.With(logx.String("comp", "sensors")))

	ncfg, err := mapNotifierConfig(cfg.Notifier)
	if err != nil {
		return err
	}
	sender, err := buildSender(ncfg.Enabled, cfg.Telegram.Token, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return err
	}
	a.notif = notify.New(ncfg, sender, log.With(logx.String("comp", "notify")), a.bus)

	misfire, err := config.ParseDurationOrDefault("scheduler.misfire_grace", cfg.Scheduler.MisfireGrace, time.Hour)
	if err != nil {
		return err
	}
	a.sched = sched.New(sched.Config{
		Timezone:        cfg.Scheduler.Timezone,
		Workers:         cfg.Scheduler.Workers,
		QueueSize:       cfg.Scheduler.QueueSize,
		MisfireGrace:    misfire,
		SkipEqCondition: cfg.Shift.SkipEqCondition,
	}, sched.Deps{
		Log:      log.With(logx.String("comp", "sched")),
		Bus:      a.bus,
		Store:    store,
		Recorder: production.NewRecorder(store, log.With(logx.String("comp", "recorder"))),
		Sensors:  agg,
		Idle:     idle.New(log.With(logx.String("comp", "idle"))),
		Notifier: a.notif,
		Router:   notify.NewRouter(cfg.Telegram.ChatID, cfg.Telegram.Threads, cfg.Telegram.ReportThreadID),
		Clock:    clock,
	})

	pcfg, err := mapPprofConfig(cfg.Pprof)
	if err != nil {
		return err
	}
	a.pprof = pprof.New(pcfg, log.With(logx.String("comp", "pprof")))
	return nil
}

// Scheduler exposes the job lifecycle for operational tooling.
func (a *App) Scheduler() *sched.Scheduler { return a.sched }

func (a *App) Start(ctx context.Context) error {
	a.notif.Start(ctx)
	if err := a.sched.Start(ctx); err != nil {
		return err
	}
	if err := a.pprof.Start(); err != nil {
		a.log.Error("pprof not started", logx.Err(err))
	}

	watchCtx, cancel := context.WithCancel(ctx)
	a.cancelWatch = cancel
	a.watchDone = make(chan struct{})
	sub := a.cfgm.Subscribe(8)
	go func() {
		defer close(a.watchDone)
		a.reloadLoop(watchCtx, sub)
	}()
	go func() {
		if err := a.cfgm.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
			a.log.Error("config watcher exited", logx.Err(err))
		}
	}()

	// Debug-level event trace; components publish, nobody is required to listen.
	events, unsub := a.bus.Subscribe(128)
	go func() {
		defer unsub()
		for {
			select {
			case <-watchCtx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}()

	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancelWatch != nil {
		a.cancelWatch()
		select {
		case <-a.watchDone:
		case <-ctx.Done():
		}
	}

	a.sched.Stop(ctx)
	a.notif.Stop(ctx)
	a.pprof.Stop(ctx)

	if a.opc != nil {
		_ = a.opc.Close(ctx)
	}
	if a.mb != nil {
		_ = a.mb.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

// reloadLoop applies hot-reloadable sections of a validated config reload:
// logging and pprof. Storage, sensor and shift changes need a restart and
// are only reported.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts; only the newest config matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}

			sections, attrs := config.SummarizeChange(last, cfg)
			if len(sections) == 0 {
				a.log.Debug("config reload without effective changes")
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
			last = cfg

			for _, s := range sections {
				switch s {
				case "storage", "sensors", "shift", "scheduler", "telegram", "notifier":
					a.log.Warn("section change needs a restart to take effect", logx.String("section", s))
				}
			}

			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			if pcfg, err := mapPprofConfig(cfg.Pprof); err != nil {
				a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
			} else {
				a.pprof.Reconfigure(ctx, pcfg)
			}
		}
	}
}

func openStore(cfg config.StorageConfig, log logx.Logger) (storage.Store, error) {
	switch strings.TrimSpace(cfg.Driver) {
	case "memory":
		log.Info("using in-memory store; series are lost on restart")
		return storage.NewMemory(), nil
	case "", "sqlite":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.BusyTimeout, 5*time.Second)
		if err != nil {
			return nil, err
		}
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			path = "./prodpulse.db"
		}
		return storage.Open(storage.Config{Path: path, BusyTimeout: busy}, log)
	default:
		return nil, fmt.Errorf("storage.driver: unknown driver %q", cfg.Driver)
	}
}

// buildSender returns the Telegram sender, or a stub when the notifier is
// disabled so the pipeline can still be constructed without a token.
func buildSender(enabled bool, token string, log logx.Logger) (notify.Sender, error) {
	if !enabled {
		return notify.SendFunc(func(context.Context, notify.Target, notify.Notification) error {
			return notify.ErrDisabled
		}), nil
	}
	return notify.NewTelegram(token, log)
}

func mapNotifierConfig(n *config.NotifierConfig) (notify.Config, error) {
	if n == nil {
		return notify.Config{Enabled: true}, nil
	}
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notify.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notify.Config{}, err
	}
	dedup, err := config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 0)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedup,
		DedupMaxEntries: n.DedupMaxEntries,
	}, nil
}

func mapPprofConfig(p config.PprofConfig) (pprof.Config, error) {
	read, err := config.ParseDurationOrDefault("pprof.read_timeout", p.ReadTimeout, 5*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	// WriteTimeout defaults to 0: CPU profiles stream longer than any sane
	// write deadline.
	write, err := config.ParseDurationOrDefault("pprof.write_timeout", p.WriteTimeout, 0)
	if err != nil {
		return pprof.Config{}, err
	}
	idleT, err := config.ParseDurationOrDefault("pprof.idle_timeout", p.IdleTimeout, time.Minute)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:       p.Enabled,
		Addr:          p.Addr,
		Prefix:        p.Prefix,
		Token:         p.Token,
		AllowInsecure: p.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idleT,
	}, nil
}

func opcSensors(defs []config.SensorDef) []opc.Sensor {
	out := make([]opc.Sensor, 0, len(defs))
	for _, d := range defs {
		out = append(out, opc.Sensor{
			ID:          d.ID,
			NodeID:      d.NodeID,
			Title:       d.Title,
			MetricUnit:  d.MetricUnit,
			Coefficient: d.Coefficient,
			Enabled:     d.Enabled,
		})
	}
	return out
}

func modbusSensors(defs []config.SensorDef) []modbus.Sensor {
	out := make([]modbus.Sensor, 0, len(defs))
	for _, d := range defs {
		out = append(out, modbus.Sensor{
			ID:          d.ID,
			Register:    uint16(d.Register),
			Quantity:    uint16(d.Quantity),
			Title:       d.Title,
			MetricUnit:  d.MetricUnit,
			Coefficient: d.Coefficient,
			Enabled:     d.Enabled,
		})
	}
	return out
}
