package sched

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"prodpulse/internal/notify"
	"prodpulse/internal/sensor"
	"prodpulse/internal/storage"
)

func freshFiring(name string) firing {
	return firing{name: name, at: time.Now()}
}

func TestRunCumulativeAnnouncesDelta(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	if err := f.s.CreateJob(ctx, counterJob("press_line_one")); err != nil {
		t.Fatal(err)
	}
	err := f.store.Append(ctx, "press_line_one", storage.Sample{
		At:         time.Now().Add(-time.Minute),
		Value:      100,
		MetricUnit: "t",
	})
	if err != nil {
		t.Fatal(err)
	}

	f.agg.set(tvs(150), false, false)
	f.s.execOne(ctx, freshFiring("press_line_one"))

	msgs := f.nt.queuedMsgs()
	if len(msgs) != 1 {
		t.Fatalf("queued %d notifications, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0].Text, "50.0t") {
		t.Fatalf("message misses the produced delta:\n%s", msgs[0].Text)
	}
	if !strings.Contains(msgs[0].Text, "Press line one") {
		t.Fatalf("message misses the description:\n%s", msgs[0].Text)
	}
	want := notify.Target{ChatID: -100, ThreadID: 12}
	if msgs[0].Target != want {
		t.Fatalf("target = %+v, want %+v", msgs[0].Target, want)
	}

	// A counter that did not grow stores nothing and stays quiet.
	f.s.execOne(ctx, freshFiring("press_line_one"))
	if got := f.nt.queuedMsgs(); len(got) != 1 {
		t.Fatalf("flat counter produced %d notifications, want 1", len(got))
	}
}

func TestIdleAlertDebounce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	if err := f.s.CreateJob(ctx, counterJob("press_line_one")); err != nil {
		t.Fatal(err)
	}
	err := f.store.Append(ctx, "press_line_one", storage.Sample{
		At:         time.Now().Add(-time.Minute),
		Value:      1000,
		MetricUnit: "t",
	})
	if err != nil {
		t.Fatal(err)
	}
	f.agg.set(tvs(0), true, false)

	for i := 0; i < 4; i++ {
		f.s.execOne(ctx, freshFiring("press_line_one"))
	}
	msgs := f.nt.queuedMsgs()
	if len(msgs) != 1 {
		t.Fatalf("queued %d alerts across 4 idle cycles, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0].Text, "idle") {
		t.Fatalf("unexpected alert text: %s", msgs[0].Text)
	}

	// One good reading resets the streak; the next run of zeros alerts again.
	f.agg.set(tvs(500), false, false)
	f.s.execOne(ctx, freshFiring("press_line_one"))
	f.agg.set(tvs(0), true, false)
	for i := 0; i < 3; i++ {
		f.s.execOne(ctx, freshFiring("press_line_one"))
	}
	// 1 idle alert + 1 production message + 1 idle alert.
	if got := f.nt.queuedMsgs(); len(got) != 3 {
		t.Fatalf("queued %d notifications, want 3", len(got))
	}
}

func TestFaultAlertWording(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	if err := f.s.CreateJob(ctx, counterJob("press_line_one")); err != nil {
		t.Fatal(err)
	}
	f.agg.set(nil, false, true)

	for i := 0; i < 3; i++ {
		f.s.execOne(ctx, freshFiring("press_line_one"))
	}
	msgs := f.nt.queuedMsgs()
	if len(msgs) != 1 {
		t.Fatalf("queued %d alerts, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0].Text, "fault state") {
		t.Fatalf("fault alert got idle wording: %s", msgs[0].Text)
	}
}

func TestRunSimpleSkipsUnchangedSnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	def := Job{
		Name:        "silo_level_all",
		Description: "Silo levels",
		Kind:        KindSimple,
		Trigger:     Trigger{Interval: time.Minute},
		Sensors: []sensor.Ref{
			{ID: "silo_1", Type: sensor.TypeOPC},
			{ID: "silo_2", Type: sensor.TypeOPC},
		},
		TgSend: true,
		Chat:   "furnaces",
	}
	if err := f.s.CreateJob(ctx, def); err != nil {
		t.Fatal(err)
	}

	snapshot := []sensor.TitledValue{
		{Title: "Silo 1", Value: 41.5, MetricUnit: "t"},
		{Title: "Silo 2", Value: 12, MetricUnit: "t"},
	}
	f.agg.set(snapshot, false, false)
	f.s.execOne(ctx, freshFiring("silo_level_all"))
	f.s.execOne(ctx, freshFiring("silo_level_all"))
	if got := f.nt.queuedMsgs(); len(got) != 1 {
		t.Fatalf("unchanged snapshot re-announced: %d messages", len(got))
	}

	snapshot[1].Value = 13
	f.agg.set(snapshot, false, false)
	f.s.execOne(ctx, freshFiring("silo_level_all"))
	msgs := f.nt.queuedMsgs()
	if len(msgs) != 2 {
		t.Fatalf("changed snapshot not announced: %d messages", len(msgs))
	}
	if !strings.Contains(msgs[1].Text, "Silo 2") || !strings.Contains(msgs[1].Text, "13.0t") {
		t.Fatalf("snapshot message misses a row:\n%s", msgs[1].Text)
	}
}

func TestIdleAlertOnStalledCounter(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	if err := f.s.CreateJob(ctx, counterJob("press_line_one")); err != nil {
		t.Fatal(err)
	}
	err := f.store.Append(ctx, "press_line_one", storage.Sample{
		At:         time.Now().Add(-time.Minute),
		Value:      1000,
		MetricUnit: "t",
	})
	if err != nil {
		t.Fatal(err)
	}

	// The counter holds a positive value but never moves.
	f.agg.set(tvs(1000), false, false)
	for i := 0; i < 5; i++ {
		f.s.execOne(ctx, freshFiring("press_line_one"))
	}

	msgs := f.nt.queuedMsgs()
	if len(msgs) != 1 {
		t.Fatalf("queued %d alerts across 5 flat cycles, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0].Text, "idle") {
		t.Fatalf("unexpected alert text: %s", msgs[0].Text)
	}
}

func TestIdleAlertOnUnchangedSnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	def := Job{
		Name:        "silo_level_all",
		Description: "Silo levels",
		Kind:        KindSimple,
		Trigger:     Trigger{Interval: time.Minute},
		Sensors:     []sensor.Ref{{ID: "silo_1", Type: sensor.TypeOPC}},
		TgSend:      true,
		Chat:        "furnaces",
	}
	if err := f.s.CreateJob(ctx, def); err != nil {
		t.Fatal(err)
	}

	f.agg.set([]sensor.TitledValue{{Title: "Silo 1", Value: 41.5, MetricUnit: "t"}}, false, false)
	for i := 0; i < 4; i++ {
		f.s.execOne(ctx, freshFiring("silo_level_all"))
	}

	// First snapshot announces, the next three count an idle streak and
	// the third of them crosses the alert threshold.
	msgs := f.nt.queuedMsgs()
	if len(msgs) != 2 {
		t.Fatalf("queued %d notifications, want snapshot + idle alert", len(msgs))
	}
	if !strings.Contains(msgs[1].Text, "idle") {
		t.Fatalf("unexpected alert text: %s", msgs[1].Text)
	}
}

func TestFaultedReadStillRecordsGrowth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	if err := f.s.CreateJob(ctx, counterJob("press_line_one")); err != nil {
		t.Fatal(err)
	}
	err := f.store.Append(ctx, "press_line_one", storage.Sample{
		At:         time.Now().Add(-time.Minute),
		Value:      100,
		MetricUnit: "t",
	})
	if err != nil {
		t.Fatal(err)
	}

	// One sensor of the group faulted but the summed counter still grew.
	f.agg.set(tvs(150), false, true)
	f.s.execOne(ctx, freshFiring("press_line_one"))

	msgs := f.nt.queuedMsgs()
	if len(msgs) != 1 {
		t.Fatalf("queued %d notifications, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0].Text, "50.0t") {
		t.Fatalf("grown counter not announced:\n%s", msgs[0].Text)
	}
	last, err := f.store.Last(ctx, "press_line_one", 0)
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || last.Value != 150 {
		t.Fatalf("grown sample not stored: %+v", last)
	}
}

func TestSkipEqConditionStoresEverySnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{SkipEqCondition: true})
	ctx := context.Background()

	def := Job{
		Name:        "silo_level_all",
		Description: "Silo levels",
		Kind:        KindSimple,
		Trigger:     Trigger{Interval: time.Minute},
		Sensors:     []sensor.Ref{{ID: "silo_1", Type: sensor.TypeOPC}},
		TgSend:      true,
		Chat:        "furnaces",
	}
	if err := f.s.CreateJob(ctx, def); err != nil {
		t.Fatal(err)
	}

	f.agg.set([]sensor.TitledValue{{Title: "Silo 1", Value: 41.5, MetricUnit: "t"}}, false, false)
	f.s.execOne(ctx, freshFiring("silo_level_all"))
	f.s.execOne(ctx, freshFiring("silo_level_all"))

	if got := f.nt.queuedMsgs(); len(got) != 2 {
		t.Fatalf("queued %d notifications, want both identical snapshots announced", len(got))
	}
}

func TestRunShiftReport(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	def := counterJob("press_line_one")
	def.ShiftReport = true
	if err := f.s.CreateJob(ctx, def); err != nil {
		t.Fatal(err)
	}
	// Previous shift closed at counter 1000.
	err := f.store.Append(ctx, "press_line_one_shift_report", storage.Sample{
		At:         time.Now().Add(-12 * time.Hour),
		Value:      1000,
		MetricUnit: "t",
	})
	if err != nil {
		t.Fatal(err)
	}

	f.agg.set(tvs(1150), false, false)
	f.s.execOne(ctx, freshFiring("press_line_one_shift_report_am"))

	msgs := f.nt.queuedMsgs()
	if len(msgs) != 1 {
		t.Fatalf("queued %d reports, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0].Text, "150.0t") {
		t.Fatalf("report misses the shift total:\n%s", msgs[0].Text)
	}
	want := notify.Target{ChatID: -100, ThreadID: 99}
	if msgs[0].Target != want {
		t.Fatalf("report target = %+v, want report thread %+v", msgs[0].Target, want)
	}

	// The checkpoint chain advanced to the current counter value.
	cp, err := f.store.Last(ctx, "press_line_one_shift_report", 0)
	if err != nil {
		t.Fatal(err)
	}
	if cp == nil || cp.Value != 1150 || cp.Difference != 150 {
		t.Fatalf("checkpoint not advanced: %+v", cp)
	}
}

func TestTriggerReportNow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	def := counterJob("press_line_one")
	def.ShiftReport = true
	if err := f.s.CreateJob(ctx, def); err != nil {
		t.Fatal(err)
	}
	// 10:00 lands in the day shift, so the previous shift is the night one
	// and the report carries the per-day row.
	f.s.now = func() time.Time { return time.Date(2026, time.March, 14, 10, 0, 0, 0, time.UTC) }
	now := time.Now()
	for _, cp := range []storage.Sample{
		{At: now.Add(-24 * time.Hour), Value: 880, Difference: 120, MetricUnit: "t"},
		{At: now.Add(-12 * time.Hour), Value: 1030, Difference: 150, MetricUnit: "t"},
	} {
		if err := f.store.Append(ctx, "press_line_one_shift_report", cp); err != nil {
			t.Fatal(err)
		}
	}

	// Child names resolve to the parent.
	if err := f.s.TriggerReportNow(ctx, "press_line_one_shift_report_pm"); err != nil {
		t.Fatalf("TriggerReportNow: %v", err)
	}
	f.nt.mu.Lock()
	direct := append([]notify.Notification(nil), f.nt.direct...)
	f.nt.mu.Unlock()
	if len(direct) != 1 {
		t.Fatalf("sent %d direct messages, want 1", len(direct))
	}
	// Shift total 150, day total 120+150.
	if !strings.Contains(direct[0].Text, "150.0t") || !strings.Contains(direct[0].Text, "270.0t") {
		t.Fatalf("manual report totals wrong:\n%s", direct[0].Text)
	}
	if direct[0].Target.ThreadID != 99 {
		t.Fatalf("manual report thread = %d, want 99", direct[0].Target.ThreadID)
	}

	// Nothing was appended: a manual resend never advances the chain.
	cp, err := f.store.Last(ctx, "press_line_one_shift_report", 0)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Value != 1030 {
		t.Fatalf("manual report advanced the checkpoint chain: %+v", cp)
	}
}

func TestTriggerReportNowErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	if err := f.s.TriggerReportNow(ctx, "no_such_job_x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if err := f.s.CreateJob(ctx, counterJob("press_line_two")); err != nil {
		t.Fatal(err)
	}
	if err := f.s.TriggerReportNow(ctx, "press_line_two"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}

	def := counterJob("press_line_one")
	def.ShiftReport = true
	if err := f.s.CreateJob(ctx, def); err != nil {
		t.Fatal(err)
	}
	// No checkpoint and no snapshot yet.
	if err := f.s.TriggerReportNow(ctx, "press_line_one"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for empty history", err)
	}

	err := f.store.Append(ctx, "press_line_one_shift_report", storage.Sample{
		At: time.Now(), Value: 1030, Difference: 150, MetricUnit: "t",
	})
	if err != nil {
		t.Fatal(err)
	}
	f.nt.mu.Lock()
	f.nt.sendErr = errors.New("telegram: 502")
	f.nt.mu.Unlock()
	if err := f.s.TriggerReportNow(ctx, "press_line_one"); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("err = %v, want ErrDeliveryFailed", err)
	}
}
