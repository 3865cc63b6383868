package dynamiccreds

import "context"

// DBClient executes templated SQL statements against a dynamic-secrets
// connection's target database. Implementations are engine-specific
// (pgdriver.go, mysqldriver.go) but share this narrow surface so the
// agent's create/renew/revoke logic stays engine-agnostic.
type DBClient interface {
	Exec(ctx context.Context, statement string) error
	Close() error
}
