package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/polyquery/polyquery/internal/datasource"
)

func newMockBackend(t *testing.T) (*Backend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	ds := datasource.Datasource{
		ID:         "pg",
		Type:       datasource.TypePostgreSQL,
		Enabled:    true,
		Connection: &datasource.ConnectionConfig{DSN: "postgresql://alice:pw@db/app"},
	}
	b := New(ds, Options{
		OpenFunc: func(driver, dsn string) (*sql.DB, error) {
			if driver != "pgx" {
				t.Fatalf("driver = %q, want pgx", driver)
			}
			return db, nil
		},
	})
	mock.ExpectPing()
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return b, mock
}

func TestConnectResolvesEnvReference(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	var gotDSN string
	ds := datasource.Datasource{
		ID:         "pg",
		Type:       datasource.TypePostgreSQL,
		Connection: &datasource.ConnectionConfig{DSNEnv: "PG_DSN"},
	}
	b := New(ds, Options{
		LookupEnv: func(key string) (string, bool) {
			if key == "PG_DSN" {
				return "postgres://db/app", true
			}
			return "", false
		},
		OpenFunc: func(driver, dsn string) (*sql.DB, error) {
			gotDSN = dsn
			return db, nil
		},
	})
	mock.ExpectPing()
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if gotDSN != "postgresql://db/app" {
		t.Fatalf("dsn = %q, want normalized postgresql form", gotDSN)
	}
}

func TestConnectMasksCredentialsInError(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	ds := datasource.Datasource{
		ID:         "pg",
		Type:       datasource.TypePostgreSQL,
		Connection: &datasource.ConnectionConfig{DSN: "postgresql://alice:s3cret@db/app"},
	}
	b := New(ds, Options{
		OpenFunc: func(driver, dsn string) (*sql.DB, error) { return db, nil },
	})
	mock.ExpectPing().WillReturnError(errors.New("refused"))
	err = b.Connect(context.Background())
	if !errors.Is(err, datasource.ErrConnection) {
		t.Fatalf("Connect() error = %v, want ErrConnection", err)
	}
	if msg := err.Error(); containsSecret(msg) {
		t.Fatalf("error leaks credentials: %q", msg)
	}
}

func containsSecret(msg string) bool {
	for i := 0; i+6 <= len(msg); i++ {
		if msg[i:i+6] == "s3cret" {
			return true
		}
	}
	return false
}

func TestExecuteRejectsMutatingStatements(t *testing.T) {
	b, _ := newMockBackend(t)
	_, err := b.Execute(context.Background(), "DELETE FROM users", 10, time.Second)
	if !errors.Is(err, datasource.ErrExecution) {
		t.Fatalf("Execute() error = %v, want ErrExecution", err)
	}
}

func TestExecuteTruncatesAtMaxResults(t *testing.T) {
	b, mock := newMockBackend(t)
	rows := sqlmock.NewRows([]string{"id"})
	for i := 1; i <= 4; i++ {
		rows.AddRow(int64(i))
	}
	mock.ExpectQuery("SELECT id FROM users").WillReturnRows(rows)

	result, err := b.Execute(context.Background(), "SELECT id FROM users;", 2, time.Second)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 2 || result.TotalRows != 4 || !result.Truncated {
		t.Fatalf("result = %+v", result)
	}
}

func TestExecuteTimeout(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectQuery("SELECT pg_sleep").
		WillDelayFor(200 * time.Millisecond).
		WillReturnRows(sqlmock.NewRows([]string{"x"}))

	_, err := b.Execute(context.Background(), "SELECT pg_sleep(10)", 10, 10*time.Millisecond)
	if !errors.Is(err, datasource.ErrExecutionTimeout) {
		t.Fatalf("Execute() error = %v, want ErrExecutionTimeout", err)
	}

	// Cleanup after a timeout must stay safe.
	mock.ExpectClose()
	if err := b.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() after timeout error = %v", err)
	}
	if err := b.Disconnect(context.Background()); err != nil {
		t.Fatalf("second Disconnect() error = %v", err)
	}
}

func TestMapExecErrDriverCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	// Drivers wrap the cancellation in their own error text once the
	// deadline fires; the expired context still identifies a timeout.
	err := mapExecErr(ctx, errors.New("canceling query due to user request"))
	if !errors.Is(err, datasource.ErrExecutionTimeout) {
		t.Fatalf("mapExecErr() = %v, want ErrExecutionTimeout", err)
	}

	err = mapExecErr(context.Background(), errors.New("syntax error"))
	if !errors.Is(err, datasource.ErrExecution) || errors.Is(err, datasource.ErrExecutionTimeout) {
		t.Fatalf("mapExecErr() = %v, want plain ErrExecution", err)
	}
}

func TestSchemaFromInformationSchema(t *testing.T) {
	b, mock := newMockBackend(t)
	rows := sqlmock.NewRows([]string{"table_name", "column_name", "data_type", "is_nullable"}).
		AddRow("users", "id", "bigint", "NO").
		AddRow("users", "email", "text", "YES").
		AddRow("orders", "total", "numeric", "NO")
	mock.ExpectQuery("information_schema.columns").WillReturnRows(rows)

	schema, err := b.Schema(context.Background())
	if err != nil {
		t.Fatalf("Schema() error = %v", err)
	}
	if len(schema) != 2 {
		t.Fatalf("len(schema) = %d, want 2", len(schema))
	}
	users := schema["users"]
	if len(users) != 2 || users[0].Name != "id" || users[0].Nullable {
		t.Fatalf("users fields = %+v", users)
	}
	if !users[1].Nullable {
		t.Fatal("email should be nullable")
	}
}

func TestExecuteRequiresConnection(t *testing.T) {
	ds := datasource.Datasource{
		ID:         "pg",
		Type:       datasource.TypePostgreSQL,
		Connection: &datasource.ConnectionConfig{DSN: "postgresql://db/app"},
	}
	b := New(ds, Options{})
	_, err := b.Execute(context.Background(), "SELECT 1", 10, time.Second)
	if !errors.Is(err, datasource.ErrConnection) {
		t.Fatalf("Execute() error = %v, want ErrConnection", err)
	}
}
