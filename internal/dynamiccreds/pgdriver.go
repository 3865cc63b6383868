package dynamiccreds

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zncore/vault-agent/internal/core/resilience"
)

// PGClient executes dynamic-credential SQL against a PostgreSQL target
// using a pooled pgx connection, retried per execRetryPolicy for the
// same transient-connection-error cases resilience.DefaultErrorChecker
// was built to classify.
type PGClient struct {
	pool *pgxpool.Pool
}

// NewPGClient opens a pool for dsn sized to maxPoolSize.
func NewPGClient(ctx context.Context, dsn string, maxPoolSize int) (*PGClient, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse dsn: %v", ErrConfigNotFound, err)
	}
	if maxPoolSize > 0 {
		cfg.MaxConns = int32(maxPoolSize)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres pool: %v", ErrDBConnectionFailed, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", ErrDBConnectionFailed, err)
	}
	return &PGClient{pool: pool}, nil
}

// execRetryPolicy retries a single create/revoke statement across a brief
// connection blip without risking a double-execution of a multi-statement
// script; DDL/DCL statements like CREATE ROLE and GRANT are each run as
// their own Exec call precisely so this retry is safe to apply per-statement.
var execRetryPolicy = &resilience.RetryPolicy{
	MaxRetries:   2,
	BaseDelay:    200 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2.0,
	Jitter:       true,
	ErrorChecker: &resilience.DefaultErrorChecker{},
}

// Exec runs statement against the pool, retrying on transient connection
// errors per execRetryPolicy.
func (c *PGClient) Exec(ctx context.Context, statement string) error {
	policy := *execRetryPolicy
	policy.OperationName = "pgdriver.exec"
	err := resilience.WithRetry(ctx, &policy, func() error {
		_, err := c.pool.Exec(ctx, statement)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSQLExecutionFailed, err)
	}
	return nil
}

// Close closes the underlying pool.
func (c *PGClient) Close() error {
	c.pool.Close()
	return nil
}
