package storage

import (
	"context"
	"errors"
	"time"

	"prodpulse/internal/sensor"
)

var ErrNotFound = errors.New("not found")

// Config configures the sqlite-backed store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Sample is one stored reading of a job's series. Immutable once written.
//
// Cumulative single-sensor jobs fill Value/Difference/Speed/MetricUnit;
// simple and multi-sensor jobs fill Values instead.
type Sample struct {
	At         time.Time
	Value      float64
	Difference float64
	Speed      float64
	MetricUnit string

	Values []sensor.TitledValue
}

// Cumulative reports which of the two sample shapes this record carries.
func (s Sample) Cumulative() bool { return len(s.Values) == 0 }

// Store is the persistence API consumed by the engine.
//
// Last with skip=0 returns the most recent sample of a series, skip=1 the
// one before it, and so on; (nil, nil) when the series has no such record.
// Query returns samples ordered by time ascending.
type Store interface {
	CreateSeries(ctx context.Context, key string) error
	DropSeries(ctx context.Context, key string) error
	Append(ctx context.Context, key string, s Sample) error
	Last(ctx context.Context, key string, skip int) (*Sample, error)
	Query(ctx context.Context, key string, from, to time.Time, limit int) ([]Sample, error)

	PutJob(ctx context.Context, name string, def []byte) error
	DeleteJob(ctx context.Context, name string) error
	ListJobs(ctx context.Context) (map[string][]byte, error)

	Close() error
}
