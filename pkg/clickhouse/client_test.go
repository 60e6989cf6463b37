package clickhouse

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitSchemaRunsStatementsInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	c := NewWithDB(db)

	stmts := SchemaStatements("qf_test")
	for _, s := range stmts {
		mock.ExpectExec(regexp.QuoteMeta(s)).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, c.InitSchema(context.Background(), stmts))
	require.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectClose()
	require.NoError(t, c.Close())
}

func TestInitSchemaStopsAtFirstFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE DATABASE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("code: 81, unknown database"))

	err = NewWithDB(db).InitSchema(context.Background(), []string{
		"CREATE DATABASE IF NOT EXISTS qf",
		"CREATE TABLE IF NOT EXISTS qf.t (x UInt8) ENGINE = Memory",
		"CREATE TABLE IF NOT EXISTS qf.u (x UInt8) ENGINE = Memory",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "statement 2")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOptions(t *testing.T) {
	cfg := defaultConfig()
	for _, o := range []Option{
		WithAddr("ch.internal", 0),
		WithDatabase("market"),
		WithCredentials("reader", "secret"),
		WithHTTP(true),
		WithAsyncInsert(true, true),
		WithMaxExecutionTime(time.Minute),
	} {
		o(&cfg)
	}

	opts := cfg.options()
	assert.Equal(t, []string{"ch.internal:9000"}, opts.Addr)
	assert.Equal(t, ch.HTTP, opts.Protocol)
	assert.Equal(t, "market", opts.Auth.Database)
	assert.Equal(t, "reader", opts.Auth.Username)
	assert.Equal(t, 60, opts.Settings["max_execution_time"])
	assert.Equal(t, 1, opts.Settings["async_insert"])
	assert.Equal(t, 1, opts.Settings["wait_for_async_insert"])

	_, err := NewClient(context.Background())
	assert.Error(t, err)
}
