package production

import (
	"context"
	"time"

	"prodpulse/internal/sensor"
	"prodpulse/internal/storage"
	logx "prodpulse/pkg/logx"
)

// ShiftReportSuffix names the derived series that carries per-shift
// checkpoints for jobs with shift reporting enabled.
const ShiftReportSuffix = "_shift_report"

// Recorder persists accepted samples into per-job series and computes
// shift- and day-scoped totals against stored history.
type Recorder struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time
}

func NewRecorder(store storage.Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log, now: time.Now}
}

// Record stores one firing's aggregated values into the job's series.
//
// For cumulative single-sensor jobs the increment and rate against the
// last stored sample are computed first; a non-positive increment
// suppresses the write (returns nil) unless this is a forced shift-report
// cycle, which must always record a checkpoint to preserve the per-shift
// baseline chain. Other jobs store the snapshot as-is.
func (r *Recorder) Record(ctx context.Context, key string, values []sensor.TitledValue, cumulative, shiftReport bool) (*storage.Sample, error) {
	if cumulative && len(values) == 1 {
		return r.recordCumulative(ctx, key, values[0], shiftReport)
	}

	sample := storage.Sample{At: r.now(), Values: values}
	if err := r.store.Append(ctx, key, sample); err != nil {
		return nil, err
	}
	return &sample, nil
}

func (r *Recorder) recordCumulative(ctx context.Context, key string, v sensor.TitledValue, shiftReport bool) (*storage.Sample, error) {
	last, err := r.store.Last(ctx, key, 0)
	if err != nil {
		return nil, err
	}

	sample := storage.Sample{
		At:         r.now(),
		Value:      v.Value,
		MetricUnit: v.MetricUnit,
	}
	if last != nil {
		sample.Difference = Difference(&last.Value, v.Value)
		if sample.Difference <= 0 && !shiftReport {
			return nil, nil
		}
		sample.Speed = Speed(sample.Difference, sample.At.Sub(last.At).Seconds())
	}

	if err := r.store.Append(ctx, key, sample); err != nil {
		return nil, err
	}
	return &sample, nil
}

// ShiftProduction computes the running total produced in the current
// shift: the rollover-aware difference between the current counter value
// and the last shift-report checkpoint. Without a checkpoint both results
// are zero (the caller falls back to the instantaneous difference).
// With speedInfo the shift-scoped rate against the checkpoint's age is
// also returned.
func (r *Recorder) ShiftProduction(ctx context.Context, key string, currentValue float64, speedInfo bool) (produced, shiftSpeed float64, err error) {
	checkpoint, err := r.store.Last(ctx, key+ShiftReportSuffix, 0)
	if err != nil {
		return 0, 0, err
	}
	if checkpoint == nil {
		return 0, 0, nil
	}

	produced = Difference(&checkpoint.Value, currentValue)
	if speedInfo {
		shiftSpeed = Speed(produced, r.now().Sub(checkpoint.At).Seconds())
	}
	return produced, shiftSpeed, nil
}

// Checkpoint closes the current shift for the series: it computes the
// produced total since the previous checkpoint, appends a new checkpoint to
// the shift-report series and returns the produced amount, the shift rate
// and the per-day total.
func (r *Recorder) Checkpoint(ctx context.Context, key string, current float64, metricUnit string, speedInfo bool) (produced, shiftSpeed, perDay float64, err error) {
	produced, shiftSpeed, err = r.ShiftProduction(ctx, key, current, speedInfo)
	if err != nil {
		return 0, 0, 0, err
	}

	shiftKey := key + ShiftReportSuffix
	cp := storage.Sample{
		At:         r.now(),
		Value:      current,
		Difference: produced,
		Speed:      shiftSpeed,
		MetricUnit: metricUnit,
	}
	if err := r.store.Append(ctx, shiftKey, cp); err != nil {
		return 0, 0, 0, err
	}

	perDay, err = r.DayProduction(ctx, shiftKey, produced)
	if err != nil {
		return 0, 0, 0, err
	}
	return produced, shiftSpeed, perDay, nil
}

// DayProduction computes the daily total as the previous stored record's
// difference plus the current one.
//
// The baseline is deliberately the second-most-recent record (skip=1):
// by the time a shift report runs, the current firing's own sample is the
// most recent one. For night shifts spanning midnight this can read a
// record from the previous calendar day; that literal behavior is kept.
func (r *Recorder) DayProduction(ctx context.Context, key string, difference float64) (float64, error) {
	prev, err := r.store.Last(ctx, key, 1)
	if err != nil {
		return 0, err
	}
	if prev == nil {
		return difference, nil
	}
	return prev.Difference + difference, nil
}

// LastCheckpoint returns the most recent shift-report checkpoint for the
// series, or nil when no report has run yet.
func (r *Recorder) LastCheckpoint(ctx context.Context, key string) (*storage.Sample, error) {
	return r.store.Last(ctx, key+ShiftReportSuffix, 0)
}

// LatestSnapshot returns the most recent sample of the job's own series.
// Used by manual report requests, which report on stored data instead of
// reading sensors.
func (r *Recorder) LatestSnapshot(ctx context.Context, key string) (*storage.Sample, error) {
	return r.store.Last(ctx, key, 0)
}
