package storage

import (
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteTimeLayout = "2006-01-02T15:04:05.000Z"

type sqliteStore struct {
	baseStore
}

// NewSQLite opens a local store. The time column defaults to the database
// clock in millisecond RFC 3339 text so lexical and time order agree.
func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:presencewatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared across queries.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db, dialect: sqliteDialect}}, nil
}

var sqliteDialect = dialect{
	ddl: []string{
		`CREATE TABLE IF NOT EXISTS observations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL,
			time TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			state TEXT NOT NULL,
			sd REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_observations_time ON observations(time, id)`,
		`CREATE INDEX IF NOT EXISTS idx_observations_uuid ON observations(uuid)`,
	},
	placeholder: func(int) string { return "?" },
	formatTime: func(t time.Time) any {
		return t.UTC().Format(sqliteTimeLayout)
	},
}
