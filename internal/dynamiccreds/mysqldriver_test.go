package dynamiccreds

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMySQLClient_Exec_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	statement := "CREATE USER 'svc_readonly_ab12cd'@'%' IDENTIFIED BY 'secret'"
	mock.ExpectExec(statement).WillReturnResult(sqlmock.NewResult(0, 0))

	client := &MySQLClient{db: db}
	err = client.Exec(context.Background(), statement)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLClient_Exec_RetriesThenSucceeds(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	statement := "GRANT SELECT ON app.* TO 'svc_readonly_ab12cd'@'%'"
	mock.ExpectExec(statement).WillReturnError(assertableSQLErr{})
	mock.ExpectExec(statement).WillReturnResult(sqlmock.NewResult(0, 0))

	client := &MySQLClient{db: db}
	err = client.Exec(context.Background(), statement)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLClient_Exec_PermanentFailureReturnsSQLExecutionFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	statement := "DROP ROLE 'svc_readonly_ab12cd'@'%'"
	for i := 0; i <= execRetryPolicy.MaxRetries; i++ {
		mock.ExpectExec(statement).WillReturnError(assertableSQLErr{})
	}

	client := &MySQLClient{db: db}
	err = client.Exec(context.Background(), statement)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSQLExecutionFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type assertableSQLErr struct{}

func (assertableSQLErr) Error() string { return "Error 1045: access denied" }

func init() {
	// the retry policy's backoff is irrelevant to what these tests assert,
	// but keep it short so the permanent-failure case doesn't sleep through
	// its two retries.
	execRetryPolicy.BaseDelay = time.Millisecond
	execRetryPolicy.MaxDelay = 5 * time.Millisecond
}
