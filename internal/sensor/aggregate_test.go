package sensor

import (
	"context"
	"errors"
	"testing"

	logx "prodpulse/pkg/logx"
)

// tableReader serves canned results per sensor ID.
type tableReader map[string]struct {
	v   TitledValue
	err error
}

func (r tableReader) Read(_ context.Context, ref Ref) (TitledValue, error) {
	entry, ok := r[ref.ID]
	if !ok {
		return TitledValue{}, ErrUnknownSensor
	}
	return entry.v, entry.err
}

func refs(ids ...string) []Ref {
	out := make([]Ref, 0, len(ids))
	for _, id := range ids {
		out = append(out, Ref{ID: id, Type: TypeOPC})
	}
	return out
}

func TestAggregateSummationWithFault(t *testing.T) {
	t.Parallel()
	r := tableReader{
		"a": {v: TitledValue{Title: "A", Value: 10, MetricUnit: "t"}},
		"b": {err: errors.New("link down")},
		"c": {v: TitledValue{Title: "C", Value: 5, MetricUnit: "t"}},
	}
	agg := NewAggregator(r, logx.Nop())

	values, isAllZero, hasFault := agg.Read(context.Background(), refs("a", "b", "c"), true)
	if len(values) != 1 {
		t.Fatalf("expected single summed value, got %d", len(values))
	}
	if values[0].Value != 15 {
		t.Fatalf("sum = %v, want 15", values[0].Value)
	}
	if values[0].Title != "C" {
		t.Fatalf("title = %q, want last contributing sensor", values[0].Title)
	}
	if !hasFault {
		t.Fatal("expected hasFault=true")
	}
	if isAllZero {
		t.Fatal("expected isAllZero=false")
	}
}

func TestAggregateListOrderAndDrops(t *testing.T) {
	t.Parallel()
	r := tableReader{
		"a": {v: TitledValue{Title: "A", Value: 1, MetricUnit: "t"}},
		"b": {err: errors.New("timeout")},
		"c": {v: TitledValue{Title: "C", Value: 2, MetricUnit: "t"}},
	}
	agg := NewAggregator(r, logx.Nop())

	values, _, hasFault := agg.Read(context.Background(), refs("a", "b", "c"), false)
	if len(values) != 2 {
		t.Fatalf("expected 2 values, got %d", len(values))
	}
	if values[0].Title != "A" || values[1].Title != "C" {
		t.Fatalf("order not preserved: %+v", values)
	}
	if !hasFault {
		t.Fatal("expected hasFault=true for dropped read")
	}
}

func TestAggregateAllAbsent(t *testing.T) {
	t.Parallel()
	r := tableReader{}
	agg := NewAggregator(r, logx.Nop())

	values, isAllZero, hasFault := agg.Read(context.Background(), refs("x", "y"), true)
	if len(values) != 1 || values[0].Value != 0 {
		t.Fatalf("expected single zero value, got %+v", values)
	}
	if !isAllZero || !hasFault {
		t.Fatalf("isAllZero=%v hasFault=%v, want true/true", isAllZero, hasFault)
	}
}

func TestAggregateDisabledIsNotFault(t *testing.T) {
	t.Parallel()
	r := tableReader{
		"a": {err: ErrDisabled},
		"b": {v: TitledValue{Title: "B", Value: 0, MetricUnit: "t"}},
	}
	agg := NewAggregator(r, logx.Nop())

	values, isAllZero, hasFault := agg.Read(context.Background(), refs("a", "b"), false)
	if hasFault {
		t.Fatal("disabled sensor must not raise the fault flag")
	}
	if !isAllZero {
		t.Fatal("zero reading should keep isAllZero=true")
	}
	if len(values) != 1 {
		t.Fatalf("expected 1 value, got %d", len(values))
	}
}

func TestRegistryDispatch(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	reg.Register(TypeOPC, ReadFunc(func(_ context.Context, ref Ref) (TitledValue, error) {
		return TitledValue{Title: ref.ID, Value: 7, MetricUnit: "t"}, nil
	}))

	v, err := reg.Read(context.Background(), Ref{ID: "s1", Type: TypeOPC})
	if err != nil || v.Value != 7 {
		t.Fatalf("Read = %+v, %v", v, err)
	}

	if _, err := reg.Read(context.Background(), Ref{ID: "s2", Type: TypeModbus}); !errors.Is(err, ErrUnknownSensor) {
		t.Fatalf("expected ErrUnknownSensor, got %v", err)
	}
}

func TestCoefficient(t *testing.T) {
	t.Parallel()
	if Coefficient(0) != 1 || Coefficient(-2) != 1 {
		t.Fatal("non-positive coefficient must collapse to 1")
	}
	if Coefficient(2.5) != 2.5 {
		t.Fatal("positive coefficient must pass through")
	}
}
