package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/centromex/vassist/internal/models"
)

var (
	ErrNotFound      = errors.New("request not found")
	ErrAlreadyExists = errors.New("request id already exists")
	// ErrConflict means the stored status did not match the expected one.
	ErrConflict = errors.New("request status changed")
)

// Store is the durable table of requests.
//
// ConditionalUpdate is the only way status and fulfiller change. It is a
// single atomic compare-and-swap on status, so callers in different processes
// need no shared lock.
type Store interface {
	// Create inserts a new PENDING request. A duplicate id is a hard
	// ErrAlreadyExists, never a silent no-op.
	Create(ctx context.Context, req *models.Request) error
	// GetByID returns the full record, secret code included.
	GetByID(ctx context.Context, id string) (*models.Request, error)
	// ListByStatus returns up to limit records, newest first, without secret codes.
	ListByStatus(ctx context.Context, status models.RequestStatus, limit int) ([]models.Request, error)
	ConditionalUpdate(ctx context.Context, id string, expected models.RequestStatus, m models.Mutation) (*models.Request, error)
	// PurgeTerminal deletes delivered and cancelled requests not updated for olderThan.
	PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

const defaultConnectTimeout = 30 * time.Second

type Config struct {
	Driver         string
	DSN            string
	ConnectTimeout time.Duration // how long Open keeps retrying the first ping
}

// Open connects to the configured backend, waits for it to answer and
// prepares the schema.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Driver {
	case DriverSQLite, DriverPostgres:
		store, err = newSQL(cfg.Driver, cfg.DSN)
	case DriverRedis:
		store, err = newRedisFromDSN(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := waitReady(ctx, store, cfg.ConnectTimeout, logger); err != nil {
		_ = store.Close()
		return nil, err
	}

	if m, ok := store.(interface{ migrate(context.Context) error }); ok {
		if err := m.migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	logger.Info("Connected to request store", zap.String("driver", cfg.Driver))
	return store, nil
}

func waitReady(ctx context.Context, store Store, maxWait time.Duration, logger *zap.Logger) error {
	if maxWait <= 0 {
		maxWait = defaultConnectTimeout
	}
	// BackOff is stateful, build a fresh one per call.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxWait

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return store.Ping(ctx)
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		logger.Warn("Store not ready, retrying",
			zap.Int("attempt", attempt), zap.Duration("next", next), zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("store unreachable after %d attempts: %w", attempt, err)
	}
	return nil
}
