package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"prodpulse/internal/sensor"
	logx "prodpulse/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// tsLayout keeps every stored timestamp the same width so the TEXT
// columns compare and sort chronologically. RFC3339Nano trims trailing
// zeros, which breaks lexicographic ordering for sub-second neighbors.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite store, creating the schema when missing.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. A single
	// connection also gives every firing read-your-last-write visibility.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateSeries(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO series(key, created_at) VALUES(?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		key, fmtTime(time.Now()),
	)
	return err
}

func (s *sqliteStore) DropSeries(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM samples WHERE series_key = ?`, key); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM series WHERE key = ?`, key); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Append(ctx context.Context, key string, sample Sample) error {
	if sample.At.IsZero() {
		sample.At = time.Now()
	}
	var valuesJSON any
	if len(sample.Values) > 0 {
		b, err := json.Marshal(sample.Values)
		if err != nil {
			return fmt.Errorf("encode values: %w", err)
		}
		valuesJSON = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO samples(series_key, at, value, difference, speed, metric_unit, values_json)
		 VALUES(?,?,?,?,?,?,?)`,
		key, fmtTime(sample.At),
		sample.Value, sample.Difference, sample.Speed,
		nullStr(sample.MetricUnit), valuesJSON,
	)
	return err
}

func (s *sqliteStore) Last(ctx context.Context, key string, skip int) (*Sample, error) {
	if skip < 0 {
		skip = 0
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT at, value, difference, speed, metric_unit, values_json
		 FROM samples WHERE series_key = ?
		 ORDER BY at DESC, id DESC LIMIT 1 OFFSET ?`,
		key, skip,
	)
	sample, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sample, nil
}

func (s *sqliteStore) Query(ctx context.Context, key string, from, to time.Time, limit int) ([]Sample, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, value, difference, speed, metric_unit, values_json
		 FROM samples WHERE series_key = ? AND at >= ? AND at <= ?
		 ORDER BY at ASC, id ASC LIMIT ?`,
		key, fmtTime(from), fmtTime(to), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sample)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutJob(ctx context.Context, name string, def []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(name, def_json, updated_at) VALUES(?,?,?)
		 ON CONFLICT(name) DO UPDATE SET def_json=excluded.def_json, updated_at=excluded.updated_at`,
		name, string(def), fmtTime(time.Now()),
	)
	return err
}

func (s *sqliteStore) DeleteJob(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListJobs(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, def_json FROM jobs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]byte{}
	for rows.Next() {
		var name, def string
		if err := rows.Scan(&name, &def); err != nil {
			return nil, err
		}
		out[name] = []byte(def)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSample(row rowScanner) (*Sample, error) {
	var (
		at         string
		metricUnit sql.NullString
		valuesJSON sql.NullString
		sample     Sample
	)
	if err := row.Scan(&at, &sample.Value, &sample.Difference, &sample.Speed, &metricUnit, &valuesJSON); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return nil, fmt.Errorf("bad sample timestamp %q: %w", at, err)
	}
	sample.At = ts
	sample.MetricUnit = metricUnit.String
	if valuesJSON.Valid && valuesJSON.String != "" {
		var values []sensor.TitledValue
		if err := json.Unmarshal([]byte(valuesJSON.String), &values); err != nil {
			return nil, fmt.Errorf("decode values: %w", err)
		}
		sample.Values = values
	}
	return &sample, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
