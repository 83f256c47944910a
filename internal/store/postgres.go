// Package store provides the PostgreSQL-backed tenant token store. The
// broker only reads tokens; creation and revocation happen outside it.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/BaudehloBiz/jobber-backend/internal/model"
)

// ErrTokenNotFound is returned when no active token record matches.
var ErrTokenNotFound = errors.New("token not found")

// PostgresTokenStore implements auth.TokenStore for PostgreSQL.
type PostgresTokenStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresTokenStore creates a token store and verifies connectivity.
func NewPostgresTokenStore(ctx context.Context, connString string, logger *zap.Logger) (*PostgresTokenStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresTokenStore{
		pool:   pool,
		logger: logger,
	}, nil
}

// Migrate creates the token table if it does not exist.
func (s *PostgresTokenStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS customer_tokens (
			token text PRIMARY KEY,
			customer_id text NOT NULL,
			is_active boolean NOT NULL DEFAULT true,
			description text NOT NULL DEFAULT '',
			created_at timestamptz NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("token store migration failed: %w", err)
	}
	return nil
}

// FindActiveToken returns the token record matching token with the active
// flag set, or ErrTokenNotFound.
func (s *PostgresTokenStore) FindActiveToken(ctx context.Context, token string) (*model.TenantToken, error) {
	var record model.TenantToken
	err := s.pool.QueryRow(ctx, `
		SELECT token, customer_id, is_active, description, created_at
		FROM customer_tokens
		WHERE token = $1 AND is_active = true`,
		token).Scan(
		&record.Token,
		&record.CustomerID,
		&record.IsActive,
		&record.Description,
		&record.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}

	return &record, nil
}

// Ping checks the database connection.
func (s *PostgresTokenStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresTokenStore) Close() {
	s.pool.Close()
}
