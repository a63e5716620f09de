package production

import (
	"context"
	"testing"
	"time"

	"prodpulse/internal/sensor"
	"prodpulse/internal/storage"
	logx "prodpulse/pkg/logx"
)

func testRecorder(t *testing.T, now time.Time) (*Recorder, storage.Store) {
	t.Helper()
	st := storage.NewMemory()
	r := NewRecorder(st, logx.Nop())
	r.now = func() time.Time { return now }
	return r, st
}

func tv(v float64) []sensor.TitledValue {
	return []sensor.TitledValue{{Title: "Counter", Value: v, MetricUnit: "t"}}
}

func TestRecordFirstSampleHasZeroDifference(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	r, _ := testRecorder(t, now)

	got, err := r.Record(context.Background(), "press_line_one", tv(42), true, false)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got == nil {
		t.Fatal("first sample must be stored")
	}
	if got.Difference != 0 || got.Speed != 0 || got.Value != 42 {
		t.Fatalf("unexpected first sample: %+v", got)
	}
}

func TestRecordComputesDifferenceAndSpeed(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	r, st := testRecorder(t, start)
	ctx := context.Background()

	if _, err := r.Record(ctx, "press_line_one", tv(100), true, false); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// One hour later the counter moved by 50: rate is 50/h.
	r.now = func() time.Time { return start.Add(time.Hour) }
	got, err := r.Record(ctx, "press_line_one", tv(150), true, false)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got == nil {
		t.Fatal("growing sample must be stored")
	}
	if got.Difference != 50 {
		t.Fatalf("Difference = %v, want 50", got.Difference)
	}
	if got.Speed != 50 {
		t.Fatalf("Speed = %v, want 50", got.Speed)
	}

	last, err := st.Last(ctx, "press_line_one", 0)
	if err != nil || last == nil || last.Value != 150 {
		t.Fatalf("stored sample mismatch: %+v, %v", last, err)
	}
}

func TestRecordSuppressesZeroGrowth(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	r, st := testRecorder(t, now)
	ctx := context.Background()

	if _, err := r.Record(ctx, "press_line_one", tv(100), true, false); err != nil {
		t.Fatalf("Record: %v", err)
	}

	r.now = func() time.Time { return now.Add(time.Minute) }
	got, err := r.Record(ctx, "press_line_one", tv(100), true, false)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got != nil {
		t.Fatalf("zero growth must be suppressed, got %+v", got)
	}

	// A forced shift-report cycle always records the checkpoint.
	got, err = r.Record(ctx, "press_line_one", tv(100), true, true)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got == nil {
		t.Fatal("shift-report cycle must not be suppressed")
	}

	last, err := st.Last(ctx, "press_line_one", 0)
	if err != nil || last == nil {
		t.Fatalf("Last: %+v, %v", last, err)
	}
	if last.Difference != 0 {
		t.Fatalf("checkpoint difference = %v, want 0", last.Difference)
	}
}

func TestRecordCounterReset(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	r, _ := testRecorder(t, now)
	ctx := context.Background()

	if _, err := r.Record(ctx, "press_line_one", tv(100), true, false); err != nil {
		t.Fatalf("Record: %v", err)
	}
	r.now = func() time.Time { return now.Add(time.Hour) }
	got, err := r.Record(ctx, "press_line_one", tv(30), true, false)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got == nil || got.Difference != 30 {
		t.Fatalf("reset difference = %+v, want 30", got)
	}
}

func TestRecordSnapshotJobs(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	r, _ := testRecorder(t, now)

	values := []sensor.TitledValue{
		{Title: "Furnace A", Value: 12, MetricUnit: "t"},
		{Title: "Furnace B", Value: 0, MetricUnit: "t"},
	}
	got, err := r.Record(context.Background(), "furnace_group_snapshot", values, false, false)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got == nil || len(got.Values) != 2 {
		t.Fatalf("snapshot not stored: %+v", got)
	}
}

func TestShiftProduction(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	r, st := testRecorder(t, now)
	ctx := context.Background()

	// No checkpoint yet: caller falls back to the instantaneous difference.
	produced, speed, err := r.ShiftProduction(ctx, "press_line_one", 500, true)
	if err != nil {
		t.Fatalf("ShiftProduction: %v", err)
	}
	if produced != 0 || speed != 0 {
		t.Fatalf("expected zero without checkpoint, got %v/%v", produced, speed)
	}

	// Checkpoint from the shift start, two hours ago.
	checkpoint := storage.Sample{At: now.Add(-2 * time.Hour), Value: 400, MetricUnit: "t"}
	if err := st.Append(ctx, "press_line_one"+ShiftReportSuffix, checkpoint); err != nil {
		t.Fatalf("Append: %v", err)
	}

	produced, speed, err = r.ShiftProduction(ctx, "press_line_one", 500, true)
	if err != nil {
		t.Fatalf("ShiftProduction: %v", err)
	}
	if produced != 100 {
		t.Fatalf("produced = %v, want 100", produced)
	}
	if speed != 50 {
		t.Fatalf("shift speed = %v, want 50", speed)
	}

	// Counter reset below the checkpoint: the reading itself is the total.
	produced, _, err = r.ShiftProduction(ctx, "press_line_one", 25, false)
	if err != nil {
		t.Fatalf("ShiftProduction: %v", err)
	}
	if produced != 25 {
		t.Fatalf("produced after reset = %v, want 25", produced)
	}
}

func TestDayProductionUsesOffsetOneLookback(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 20, 0, 30, 0, time.UTC)
	r, st := testRecorder(t, now)
	ctx := context.Background()

	// The day total deliberately reads the second-most-recent record:
	// by report time the current firing's sample is already appended.
	for i, diff := range []float64{10, 70, 30} {
		s := storage.Sample{At: now.Add(time.Duration(i-3) * time.Hour), Difference: diff}
		if err := st.Append(ctx, "press_line_one", s); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := r.DayProduction(ctx, "press_line_one", 30)
	if err != nil {
		t.Fatalf("DayProduction: %v", err)
	}
	if got != 100 {
		t.Fatalf("DayProduction = %v, want 70+30", got)
	}
}

func TestDayProductionWithoutHistory(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 20, 0, 30, 0, time.UTC)
	r, _ := testRecorder(t, now)

	got, err := r.DayProduction(context.Background(), "press_line_one", 15)
	if err != nil {
		t.Fatalf("DayProduction: %v", err)
	}
	if got != 15 {
		t.Fatalf("DayProduction = %v, want current difference", got)
	}
}

func TestCheckpointChain(t *testing.T) {
	t.Parallel()
	am := time.Date(2025, 3, 10, 8, 0, 30, 0, time.UTC)
	r, _ := testRecorder(t, am)
	ctx := context.Background()

	// Morning report: no previous checkpoint, nothing produced yet.
	produced, speed, perDay, err := r.Checkpoint(ctx, "press_line_one", 1000, "t", true)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if produced != 0 || speed != 0 || perDay != 0 {
		t.Fatalf("first checkpoint = produced %v speed %v perDay %v, want zeros", produced, speed, perDay)
	}

	// Evening report 12h later: 120 units since the morning checkpoint.
	r.now = func() time.Time { return am.Add(12 * time.Hour) }
	produced, speed, perDay, err = r.Checkpoint(ctx, "press_line_one", 1120, "t", true)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if produced != 120 {
		t.Fatalf("produced = %v, want 120", produced)
	}
	if speed != 10 {
		t.Fatalf("shift speed = %v, want 10/h over 12h", speed)
	}
	// Day total adds the previous checkpoint's difference.
	if perDay != 120 {
		t.Fatalf("perDay = %v, want 0+120", perDay)
	}

	// Next morning: night shift produced 80, day total covers both shifts.
	r.now = func() time.Time { return am.Add(24 * time.Hour) }
	produced, _, perDay, err = r.Checkpoint(ctx, "press_line_one", 1200, "t", false)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if produced != 80 {
		t.Fatalf("produced = %v, want 80", produced)
	}
	if perDay != 200 {
		t.Fatalf("perDay = %v, want 120+80", perDay)
	}

	cp, err := r.LastCheckpoint(ctx, "press_line_one")
	if err != nil || cp == nil {
		t.Fatalf("LastCheckpoint: %v %v", cp, err)
	}
	if cp.Value != 1200 || cp.Difference != 80 {
		t.Fatalf("unexpected last checkpoint: %+v", cp)
	}
}
