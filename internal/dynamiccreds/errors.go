package dynamiccreds

import "errors"

// Error codes returned in an error{code} reply, per spec §4.8.
const (
	CodeDBConnectionFailed = "DB_CONNECTION_FAILED"
	CodeSQLExecutionFailed = "SQL_EXECUTION_FAILED"
	CodeConfigNotFound     = "CONFIG_NOT_FOUND"
	CodeDecryptionFailed   = "DECRYPTION_FAILED"
	CodeTimeout            = "TIMEOUT"
	CodeUnknown            = "UNKNOWN"
)

var (
	ErrConfigNotFound     = errors.New("dynamiccreds: connection config not found")
	ErrDecryptionFailed   = errors.New("dynamiccreds: envelope decryption failed")
	ErrStaleConfigVersion = errors.New("dynamiccreds: config version is not newer than the stored one")
	ErrRoleNotFound       = errors.New("dynamiccreds: role not found in connection config")
	ErrUnsupportedEngine  = errors.New("dynamiccreds: unsupported database engine")
	ErrSQLExecutionFailed = errors.New("dynamiccreds: sql execution failed")
	ErrDBConnectionFailed = errors.New("dynamiccreds: database connection failed")
)

// CodeFor maps an internal error to the wire error code it should be
// reported as. Unrecognized errors map to CodeUnknown rather than
// leaking internal detail to the vault.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, ErrConfigNotFound), errors.Is(err, ErrRoleNotFound):
		return CodeConfigNotFound
	case errors.Is(err, ErrDecryptionFailed):
		return CodeDecryptionFailed
	case errors.Is(err, ErrSQLExecutionFailed):
		return CodeSQLExecutionFailed
	case errors.Is(err, ErrDBConnectionFailed):
		return CodeDBConnectionFailed
	case err == nil:
		return ""
	default:
		return CodeUnknown
	}
}
