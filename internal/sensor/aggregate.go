package sensor

import (
	"context"
	"errors"

	logx "prodpulse/pkg/logx"
)

// Aggregator reads a job's sensor set in input order and combines the
// results per job policy.
type Aggregator struct {
	reader Reader
	log    logx.Logger
}

func NewAggregator(reader Reader, log logx.Logger) *Aggregator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Aggregator{reader: reader, log: log}
}

// Read reads every sensor and aggregates.
//
// With summation=true the numeric values are summed into one TitledValue
// carrying the title and unit of the last successfully read sensor. With
// summation=false one TitledValue per successful read is returned, in
// input order; absent reads are dropped (but still count toward hasFault).
//
// If no sensor yields a value, a single zero-valued TitledValue is
// returned so downstream snapshots stay well-formed.
//
// isAllZero is true iff every successfully read value is <= 0.
func (a *Aggregator) Read(ctx context.Context, refs []Ref, summation bool) (values []TitledValue, isAllZero bool, hasFault bool) {
	title, unit := "Unknown", "~"
	isAllZero = true

	var sum float64
	n := 0
	for _, ref := range refs {
		v, err := a.reader.Read(ctx, ref)
		if err != nil {
			if errors.Is(err, ErrDisabled) {
				continue
			}
			// Fault is a signal, not a hard failure: keep aggregating.
			hasFault = true
			a.log.Warn("sensor read failed",
				logx.String("sensor", ref.ID),
				logx.String("type", string(ref.Type)),
				logx.Err(err))
			continue
		}

		if v.Value > 0 {
			isAllZero = false
		}
		n++
		if summation {
			sum += v.Value
			title, unit = v.Title, v.MetricUnit
		} else {
			values = append(values, v)
		}
	}

	if n == 0 {
		return []TitledValue{{Title: title, Value: 0, MetricUnit: unit}}, isAllZero, hasFault
	}
	if summation {
		return []TitledValue{{Title: title, Value: sum, MetricUnit: unit}}, isAllZero, hasFault
	}
	return values, isAllZero, hasFault
}
