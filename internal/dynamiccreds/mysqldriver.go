package dynamiccreds

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/zncore/vault-agent/internal/core/resilience"
)

// MySQLClient executes dynamic-credential SQL against a MySQL target
// via database/sql, pooled the same way as PGClient.
type MySQLClient struct {
	db *sql.DB
}

// NewMySQLClient opens a pool for dsn sized to maxPoolSize.
func NewMySQLClient(ctx context.Context, dsn string, maxPoolSize int) (*MySQLClient, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open mysql pool: %v", ErrDBConnectionFailed, err)
	}
	if maxPoolSize > 0 {
		db.SetMaxOpenConns(maxPoolSize)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping mysql: %v", ErrDBConnectionFailed, err)
	}
	return &MySQLClient{db: db}, nil
}

// Exec runs statement against the pool, retrying on transient connection
// errors the same way PGClient.Exec does.
func (c *MySQLClient) Exec(ctx context.Context, statement string) error {
	policy := *execRetryPolicy
	policy.OperationName = "mysqldriver.exec"
	err := resilience.WithRetry(ctx, &policy, func() error {
		_, err := c.db.ExecContext(ctx, statement)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSQLExecutionFailed, err)
	}
	return nil
}

// Close closes the underlying pool.
func (c *MySQLClient) Close() error {
	return c.db.Close()
}
