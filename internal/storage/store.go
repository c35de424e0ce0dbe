package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"presencewatch/internal/config"
	"presencewatch/internal/model"
)

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// Store persists observations. The database assigns both the id and the
// time of every row; callers never supply a timestamp.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveObservation(ctx context.Context, obs model.Observation) (int64, error)
	ListObservations(ctx context.Context, q Query) ([]model.Observation, error)
}

// Query selects observations after a cursor. Zero values disable a filter;
// results are ordered by assigned time, then id.
type Query struct {
	AfterID int64
	Since   time.Time
	Limit   int
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

// dialect holds what differs between the SQL backends.
type dialect struct {
	ddl         []string
	placeholder func(n int) string
	formatTime  func(t time.Time) any
}

type baseStore struct {
	db *sql.DB
	dialect
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Init(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range b.ddl {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) SaveObservation(ctx context.Context, obs model.Observation) (int64, error) {
	if b.db == nil {
		return 0, nil
	}
	query := fmt.Sprintf(`INSERT INTO observations (uuid, state, sd) VALUES (%s, %s, %s) RETURNING id`,
		b.placeholder(1), b.placeholder(2), b.placeholder(3))
	var id int64
	if err := b.db.QueryRowContext(ctx, query, obs.UUID, string(obs.State), obs.SD).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert observation: %w", err)
	}
	return id, nil
}

func (b *baseStore) ListObservations(ctx context.Context, q Query) ([]model.Observation, error) {
	if b.db == nil {
		return nil, nil
	}
	var (
		where []string
		args  []any
	)
	if q.AfterID > 0 {
		args = append(args, q.AfterID)
		where = append(where, "id > "+b.placeholder(len(args)))
	}
	if !q.Since.IsZero() {
		args = append(args, b.formatTime(q.Since))
		where = append(where, "time >= "+b.placeholder(len(args)))
	}
	query := `SELECT id, uuid, time, state, sd FROM observations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY time ASC, id ASC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += " LIMIT " + b.placeholder(len(args))
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()
	out := make([]model.Observation, 0)
	for rows.Next() {
		var (
			id    int64
			ts    dbTime
			state string
			obs   model.Observation
		)
		if err := rows.Scan(&id, &obs.UUID, &ts, &state, &obs.SD); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		obs.ID = strconv.FormatInt(id, 10)
		obs.Time = ts.Time
		obs.State = model.PresenceState(state)
		out = append(out, obs)
	}
	return out, rows.Err()
}

// dbTime scans timestamps stored natively or as RFC 3339 text.
type dbTime struct {
	time.Time
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		t.Time = time.Time{}
		return nil
	}
	return fmt.Errorf("unsupported time value %T", src)
}

func (t *dbTime) parse(v string) error {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, v); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unsupported time format %q", v)
}
