package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/centromex/vassist/internal/models"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// publicColumns never include secret_code.
const publicColumns = `id, item, pickup, drop_location, pickup_lat, pickup_lng, drop_lat, drop_lng,
	fare, delivery_type, status, fulfiller_name, created_at, updated_at`

type DB struct {
	conn    *sql.DB
	dialect dialect
}

// newSQL opens a SQL-backed store without waiting for it or migrating; Open does both.
func newSQL(driver, dsn string) (*DB, error) {
	d, ok := dialectFor(driver)
	if !ok {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// One writer at a time; the conditional UPDATE still decides every race.
		conn.SetMaxOpenConns(1)
	}

	return &DB{conn: conn, dialect: d}, nil
}

func (db *DB) migrate(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, db.dialect.schema)
	return err
}

// Create inserts a new request as PENDING with no fulfiller
func (db *DB) Create(ctx context.Context, req *models.Request) error {
	now := time.Now().UTC()
	req.Status = models.StatusPending
	req.FulfillerName = nil
	req.CreatedAt = now
	req.UpdatedAt = now

	_, err := db.conn.ExecContext(ctx, db.dialect.rebind(
		`INSERT INTO requests (id, item, pickup, drop_location, pickup_lat, pickup_lng, drop_lat, drop_lng,
		                       fare, delivery_type, secret_code, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		req.ID, req.Item, req.PickupLocation, req.DropLocation,
		req.PickupLat, req.PickupLng, req.DropLat, req.DropLng,
		req.Fare, string(req.DeliveryMode), req.SecretCode, string(req.Status),
		req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create %s: %w", req.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create request: %w", err)
	}
	return nil
}

// GetByID retrieves a request by ID, secret code included
func (db *DB) GetByID(ctx context.Context, id string) (*models.Request, error) {
	row := db.conn.QueryRowContext(ctx, db.dialect.rebind(
		`SELECT `+publicColumns+`, secret_code FROM requests WHERE id = ?`), id)

	req, err := scanRequest(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return req, nil
}

// ListByStatus returns the newest requests in a status
func (db *DB) ListByStatus(ctx context.Context, status models.RequestStatus, limit int) ([]models.Request, error) {
	rows, err := db.conn.QueryContext(ctx, db.dialect.rebind(
		`SELECT `+publicColumns+` FROM requests
		 WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT ?`),
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	requests := make([]models.Request, 0, limit)
	for rows.Next() {
		req, err := scanRequest(rows, false)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		requests = append(requests, *req)
	}
	return requests, rows.Err()
}

// ConditionalUpdate applies m only while the stored status equals expected.
// The check and the write are one statement.
func (db *DB) ConditionalUpdate(ctx context.Context, id string, expected models.RequestStatus, m models.Mutation) (*models.Request, error) {
	row := db.conn.QueryRowContext(ctx, db.dialect.rebind(
		`UPDATE requests
		 SET status = ?, fulfiller_name = COALESCE(?, fulfiller_name), updated_at = ?
		 WHERE id = ? AND status = ?
		 RETURNING `+publicColumns),
		string(m.Status), m.FulfillerName, time.Now().UTC(), id, string(expected),
	)

	req, err := scanRequest(row, false)
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update request: %w", err)
	}

	// Zero rows: the decision is already made, only explain it.
	var exists int
	err = db.conn.QueryRowContext(ctx, db.dialect.rebind(`SELECT 1 FROM requests WHERE id = ?`), id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check request: %w", err)
	}
	return nil, fmt.Errorf("update %s from %s: %w", id, expected, ErrConflict)
}

// PurgeTerminal deletes finished requests older than the specified duration
func (db *DB) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := db.conn.ExecContext(ctx, db.dialect.rebind(
		`DELETE FROM requests WHERE status IN (?, ?) AND updated_at < ?`),
		string(models.StatusDelivered), string(models.StatusCancelled), cutoff,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner, withSecret bool) (*models.Request, error) {
	var (
		req                                    models.Request
		pickupLat, pickupLng, dropLat, dropLng sql.NullFloat64
		fulfiller                              sql.NullString
		mode, status                           string
		createdAt, updatedAt                   sqlTime
	)
	dest := []any{
		&req.ID, &req.Item, &req.PickupLocation, &req.DropLocation,
		&pickupLat, &pickupLng, &dropLat, &dropLng,
		&req.Fare, &mode, &status, &fulfiller, &createdAt, &updatedAt,
	}
	if withSecret {
		dest = append(dest, &req.SecretCode)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	req.DeliveryMode = models.DeliveryMode(mode)
	req.Status = models.RequestStatus(status)
	req.PickupLat = nullFloat(pickupLat)
	req.PickupLng = nullFloat(pickupLng)
	req.DropLat = nullFloat(dropLat)
	req.DropLng = nullFloat(dropLng)
	if fulfiller.Valid {
		name := fulfiller.String
		req.FulfillerName = &name
	}
	req.CreatedAt = createdAt.Time
	req.UpdatedAt = updatedAt.Time
	return &req, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// sqlTime scans timestamps from drivers that hand back either time.Time or text.
type sqlTime struct {
	time.Time
}

var sqlTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func (t *sqlTime) Scan(src any) error {
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
	return fmt.Errorf("cannot scan %T into timestamp", src)
}

func (t *sqlTime) parse(s string) error {
	for _, layout := range sqlTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}
