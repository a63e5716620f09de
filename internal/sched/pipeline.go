package sched

import (
	"context"
	"fmt"
	"time"

	"prodpulse/internal/eventbus"
	"prodpulse/internal/idle"
	"prodpulse/internal/notify"
	"prodpulse/internal/production"
	"prodpulse/internal/sensor"
	logx "prodpulse/pkg/logx"
)

// reportLookback pulls the shift window back so a report child firing just
// after a boundary describes the shift that ended, not the one that began.
const reportLookback = time.Hour

// runCumulative is the counter pipeline: read, delta against history,
// store, announce. A sensor fault never aborts the cycle; it only picks
// the alert wording when the cycle turns out idle.
func (s *Scheduler) runCumulative(ctx context.Context, def Job) error {
	values, _, hasFault := s.agg.Read(ctx, def.Sensors, def.Summation)
	if len(values) == 0 {
		// Every read failed and nothing was summed; there is no value to
		// delta against.
		s.markIdle(ctx, def, hasFault, "no_data")
		return nil
	}

	sample, err := s.rec.Record(ctx, def.Name, values, true, false)
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}
	if sample == nil {
		// Counter did not grow; a stalled line looks exactly like this.
		s.markIdle(ctx, def, hasFault, "no_growth")
		return nil
	}
	s.idle.Reset(def.Name)
	s.publishSample(def.Name)

	if !def.TgSend {
		return nil
	}

	produced, shiftSpeed, err := s.rec.ShiftProduction(ctx, def.Name, sample.Value, def.SpeedInfo)
	if err != nil {
		s.log.Warn("shift production unavailable", logx.String("job", def.Name), logx.Err(err))
	}
	if produced == 0 {
		// No checkpoint yet: fall back to the instantaneous increment.
		produced = sample.Difference
	}

	window := s.clock.Compute(s.now(), 0, false)
	text := production.ProductionMessage(
		sample.Speed, shiftSpeed, produced,
		sample.MetricUnit, window.Label, def.Description, def.SpeedInfo,
	)
	return s.deliver(ctx, def, "production", s.router.Resolve(def.Chat), text)
}

// runSimple is the snapshot pipeline for non-counter jobs. An unchanged
// snapshot counts toward the idle streak; SkipEqCondition turns that
// suppression off and every snapshot is stored.
func (s *Scheduler) runSimple(ctx context.Context, def Job) error {
	values, _, hasFault := s.agg.Read(ctx, def.Sensors, def.Summation)
	if len(values) == 0 {
		s.markIdle(ctx, def, hasFault, "no_data")
		return nil
	}

	if !s.cfg.SkipEqCondition {
		last, err := s.rec.LatestSnapshot(ctx, def.Name)
		if err != nil {
			return fmt.Errorf("latest snapshot: %w", err)
		}
		if last != nil && equalValues(last.Values, values) {
			s.markIdle(ctx, def, hasFault, "unchanged")
			return nil
		}
	}

	if _, err := s.rec.Record(ctx, def.Name, values, false, false); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	s.idle.Reset(def.Name)
	s.publishSample(def.Name)

	if !def.TgSend {
		return nil
	}
	window := s.clock.Compute(s.now(), 0, false)
	text := production.ValuesMessage(values, window.Label, def.Description)
	return s.deliver(ctx, def, "values", s.router.Resolve(def.Chat), text)
}

// runShiftReport closes a shift for the parent series: it records a forced
// sample, advances the checkpoint chain and announces the shift totals.
func (s *Scheduler) runShiftReport(ctx context.Context, def Job) error {
	key := def.SeriesKey()

	// The child fires 30s after the boundary; look back past it so the
	// window describes the shift that just ended.
	window := s.clock.Compute(s.now(), reportLookback, false)

	values, _, hasFault := s.agg.Read(ctx, def.Sensors, def.Summation)
	if hasFault {
		s.log.Warn("shift report reading faulted", logx.String("job", def.Name))
	}
	if len(values) == 0 {
		// The report must close the shift regardless; checkpoint against a
		// zero sentinel.
		values = []sensor.TitledValue{{}}
	}

	sample, err := s.rec.Record(ctx, key, values, true, true)
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}
	if sample == nil {
		return fmt.Errorf("shift report for %q: no sample", def.Name)
	}
	s.publishSample(key)

	produced, _, perDay, err := s.rec.Checkpoint(ctx, key, sample.Value, sample.MetricUnit, def.SpeedInfo)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	text := production.ReportMessage(window, sample.Value, produced, perDay, sample.MetricUnit, def.Description)
	if err := s.deliver(ctx, def, "report", s.router.ResolveReport(def.Chat), text); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventReportSent, Time: s.now(), Data: map[string]any{
			"job": def.Name, "produced": produced, "per_day": perDay,
		}})
	}
	return nil
}

// TriggerReportNow re-sends the previous shift's report from stored data,
// without reading sensors or advancing the checkpoint chain. name may be the
// parent job or either child.
func (s *Scheduler) TriggerReportNow(ctx context.Context, name string) error {
	parent := stripChildSuffix(name)

	s.mu.Lock()
	e, ok := s.jobs[parent]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, parent)
	}
	def := e.def
	if !def.ShiftReport {
		return fmt.Errorf("%w: %s", ErrNotConfigured, parent)
	}

	window := s.clock.Compute(s.now(), 0, true)

	var (
		value, produced, perDay float64
		unit                    string
	)
	cp, err := s.rec.LastCheckpoint(ctx, parent)
	if err != nil {
		return fmt.Errorf("last checkpoint: %w", err)
	}
	switch {
	case cp != nil:
		value, produced, unit = cp.Value, cp.Difference, cp.MetricUnit
		perDay, err = s.rec.DayProduction(ctx, parent+production.ShiftReportSuffix, produced)
		if err != nil {
			return fmt.Errorf("day production: %w", err)
		}
	default:
		snap, err := s.rec.LatestSnapshot(ctx, parent)
		if err != nil {
			return fmt.Errorf("latest snapshot: %w", err)
		}
		if snap == nil {
			return fmt.Errorf("%w: no recorded data for %q", ErrNotFound, parent)
		}
		value, produced, perDay, unit = snap.Value, snap.Difference, snap.Difference, snap.MetricUnit
	}

	text := production.ReportMessage(window, value, produced, perDay, unit, def.Description)
	n := notify.Notification{Kind: "report", Target: s.router.ResolveReport(def.Chat), Text: text}
	if err := s.nt.SendNow(ctx, n); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventReportSent, Time: s.now(), Data: map[string]any{
			"job": parent, "manual": true,
		}})
	}
	return nil
}

// markIdle advances the job's idle streak and sends the debounced alert when
// the streak crosses the threshold. reason names why this cycle stored nothing.
func (s *Scheduler) markIdle(ctx context.Context, def Job, hasFault bool, reason string) {
	fire, kind := s.idle.Mark(def.Name, hasFault)
	s.publishSkip(def.Name, reason)
	if !fire {
		return
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventIdleAlert, Time: s.now(), Data: map[string]any{
			"job": def.Name, "kind": string(kind),
		}})
	}
	if !def.TgSend {
		return
	}

	text := production.IdleMessage(def.Description)
	if kind == idle.KindFault {
		text = production.FaultMessage(def.Description)
	}
	if err := s.deliver(ctx, def, "idle", s.router.Resolve(def.Chat), text); err != nil {
		s.log.Warn("idle alert delivery failed", logx.String("job", def.Name), logx.Err(err))
	}
}

// deliver enqueues one message; a full or stopped pipeline is logged, never
// fatal to the firing.
func (s *Scheduler) deliver(ctx context.Context, def Job, kind string, to notify.Target, text string) error {
	if s.nt == nil {
		return nil
	}
	err := s.nt.Notify(ctx, notify.Notification{Kind: kind, Target: to, Text: text})
	if err != nil {
		s.log.Warn("notification not queued", logx.String("job", def.Name), logx.String("kind", kind), logx.Err(err))
	}
	return nil
}

func (s *Scheduler) publishSample(key string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.EventSampleStored, Time: s.now(), Data: map[string]any{
		"series": key,
	}})
}

func equalValues(a, b []sensor.TitledValue) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
