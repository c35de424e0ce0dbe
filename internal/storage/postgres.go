package storage

import (
	"database/sql"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/presencewatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return newPostgresFromDB(db), nil
}

func newPostgresFromDB(db *sql.DB) *postgresStore {
	return &postgresStore{baseStore{db: db, dialect: postgresDialect}}
}

var postgresDialect = dialect{
	ddl: []string{
		`CREATE TABLE IF NOT EXISTS observations (
			id BIGSERIAL PRIMARY KEY,
			uuid TEXT NOT NULL,
			time TIMESTAMPTZ NOT NULL DEFAULT now(),
			state TEXT NOT NULL,
			sd DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_observations_time ON observations(time, id)`,
		`CREATE INDEX IF NOT EXISTS idx_observations_uuid ON observations(uuid)`,
	},
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	formatTime: func(t time.Time) any {
		return t.UTC()
	},
}
