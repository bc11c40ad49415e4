package db

import (
	"errors"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Postgres SQLSTATE for unique_violation
const pgUniqueViolation = "23505"

type dialect struct {
	name   string
	schema string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
}

var sqliteDialect = dialect{
	name: DriverSQLite,
	schema: `
	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		item TEXT NOT NULL,
		pickup TEXT NOT NULL,
		drop_location TEXT NOT NULL,
		pickup_lat REAL,
		pickup_lng REAL,
		drop_lat REAL,
		drop_lng REAL,
		fare TEXT NOT NULL DEFAULT '0',
		delivery_type TEXT NOT NULL DEFAULT 'walker',
		secret_code TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		fulfiller_name TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_status_created ON requests(status, created_at);
	`,
}

var postgresDialect = dialect{
	name: DriverPostgres,
	schema: `
	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		item TEXT NOT NULL,
		pickup TEXT NOT NULL,
		drop_location TEXT NOT NULL,
		pickup_lat DOUBLE PRECISION,
		pickup_lng DOUBLE PRECISION,
		drop_lat DOUBLE PRECISION,
		drop_lng DOUBLE PRECISION,
		fare TEXT NOT NULL DEFAULT '0',
		delivery_type TEXT NOT NULL DEFAULT 'walker',
		secret_code TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		fulfiller_name TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_status_created ON requests(status, created_at DESC);
	`,
	numbered: true,
}

func dialectFor(driver string) (dialect, bool) {
	switch driver {
	case DriverSQLite:
		return sqliteDialect, true
	case DriverPostgres:
		return postgresDialect, true
	}
	return dialect{}, false
}

// rebind rewrites ? placeholders for drivers that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	return false
}
