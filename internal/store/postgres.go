package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore implements Store on a PostgreSQL database.
type PostgresStore struct {
	db         *pgxpool.Pool
	logger     *zap.Logger
	retryCount int
	retryDelay time.Duration
}

// NewPostgresStore creates a new PostgresStore.
// It expects a connected pgxpool.Pool with the schema migrated.
func NewPostgresStore(db *pgxpool.Pool, logger *zap.Logger, retryCount int, retryDelay time.Duration) *PostgresStore {
	return &PostgresStore{
		db:         db,
		logger:     logger.Named("store"),
		retryCount: retryCount,
		retryDelay: retryDelay,
	}
}

// Connect opens a pool, pings the database and applies migrations.
func Connect(ctx context.Context, url string, logger *zap.Logger) (*pgxpool.Pool, error) {
	logger.Info("Connecting to PostgreSQL")

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("creating pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := RunMigrations(pool); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("PostgreSQL connected and schema migrated")
	return pool, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

func (s *PostgresStore) retry(ctx context.Context, operation string, fn func() error) error {
	return WithRetry(ctx, s.logger, operation, s.retryCount, s.retryDelay, fn)
}

var _ Store = (*PostgresStore)(nil)
