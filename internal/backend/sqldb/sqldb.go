// Package sqldb implements the backend capability for relational datasources
// (PostgreSQL, MySQL, MariaDB, SQLite) over database/sql.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/polyquery/polyquery/internal/backend"
	"github.com/polyquery/polyquery/internal/datasource"
)

type Options struct {
	Logger *slog.Logger
	// LookupEnv resolves connection string env references. Defaults to
	// os.LookupEnv via the registry wiring.
	LookupEnv func(string) (string, bool)
	// OpenFunc overrides sql.Open in tests.
	OpenFunc func(driver, dsn string) (*sql.DB, error)
}

type Backend struct {
	ds     datasource.Datasource
	logger *slog.Logger
	lookup func(string) (string, bool)
	open   func(driver, dsn string) (*sql.DB, error)

	mu sync.Mutex
	db *sql.DB
}

func New(ds datasource.Datasource, opts Options) *Backend {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	open := opts.OpenFunc
	if open == nil {
		open = sql.Open
	}
	return &Backend{
		ds:     ds,
		logger: logger.With("datasource_id", ds.ID, "datasource_type", string(ds.Type)),
		lookup: opts.LookupEnv,
		open:   open,
	}
}

func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return nil
	}

	dsn, err := b.ds.Connection.ResolveDSN(b.lookup)
	if err != nil {
		return err
	}
	driver, normalized, err := backend.NormalizeDSN(b.ds.Type, dsn)
	if err != nil {
		return err
	}

	db, err := b.open(driver, normalized)
	if err != nil {
		return fmt.Errorf("%w: open %s (%s): %v", datasource.ErrConnection, b.ds.ID, backend.MaskDSN(normalized), err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("%w: ping %s (%s): %v", datasource.ErrConnection, b.ds.ID, backend.MaskDSN(normalized), err)
	}

	b.db = db
	b.logger.Debug("sql backend connected")
	return nil
}

func (b *Backend) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *Backend) Validate(ctx context.Context) bool {
	b.mu.Lock()
	db := b.db
	b.mu.Unlock()
	if db == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		b.logger.Warn("sql backend validation failed", "error", err)
		return false
	}
	return true
}

func (b *Backend) Execute(ctx context.Context, query string, maxResults int, timeout time.Duration) (*datasource.RawResult, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	query = backend.StripTrailingSemicolons(query)
	if err := backend.GuardReadOnlySQL(query); err != nil {
		return nil, err
	}

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	rows, err := db.QueryContext(execCtx, query)
	if err != nil {
		return nil, mapExecErr(execCtx, err)
	}
	defer rows.Close()

	result, err := backend.CollectRows(rows, maxResults)
	if err != nil {
		return nil, mapExecErr(execCtx, err)
	}
	return result, nil
}

func (b *Backend) Schema(ctx context.Context) (datasource.Schema, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	if b.ds.Type == datasource.TypeSQLite {
		return b.sqliteSchema(ctx, db)
	}
	return b.infoSchema(ctx, db)
}

func (b *Backend) Tables(ctx context.Context) ([]string, error) {
	schema, err := b.Schema(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	return names, nil
}

func (b *Backend) conn() (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil, fmt.Errorf("%w: backend %s is not connected", datasource.ErrConnection, b.ds.ID)
	}
	return b.db, nil
}

func (b *Backend) infoSchema(ctx context.Context, db *sql.DB) (datasource.Schema, error) {
	query := `SELECT table_name, column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = 'public'
ORDER BY table_name, ordinal_position`
	if b.ds.Type == datasource.TypeMySQL || b.ds.Type == datasource.TypeMariaDB {
		query = `SELECT table_name, column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = DATABASE()
ORDER BY table_name, ordinal_position`
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, mapExecErr(ctx, err)
	}
	defer rows.Close()

	schema := datasource.Schema{}
	for rows.Next() {
		var table, column, dataType, nullable string
		if err := rows.Scan(&table, &column, &dataType, &nullable); err != nil {
			return nil, fmt.Errorf("scan schema row: %w", err)
		}
		schema[table] = append(schema[table], datasource.Field{
			Name:     column,
			Type:     dataType,
			Nullable: nullable == "YES",
		})
	}
	return schema, rows.Err()
}

func (b *Backend) sqliteSchema(ctx context.Context, db *sql.DB) (datasource.Schema, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, mapExecErr(ctx, err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	schema := datasource.Schema{}
	for _, table := range tables {
		infoRows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
		if err != nil {
			return nil, mapExecErr(ctx, err)
		}
		for infoRows.Next() {
			var (
				cid        int
				name, typ  string
				notNull    int
				defaultVal sql.NullString
				pk         int
			)
			if err := infoRows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
				infoRows.Close()
				return nil, fmt.Errorf("scan table_info row: %w", err)
			}
			schema[table] = append(schema[table], datasource.Field{
				Name:     name,
				Type:     typ,
				Nullable: notNull == 0,
			})
		}
		if err := infoRows.Err(); err != nil {
			infoRows.Close()
			return nil, err
		}
		infoRows.Close()
	}
	return schema, nil
}

// mapExecErr folds driver failures into the error taxonomy. Drivers report
// their own cancellation errors when the deadline fires mid-query, so the
// context is consulted as well as the error chain.
func mapExecErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", datasource.ErrExecutionTimeout, err)
	}
	if errors.Is(err, datasource.ErrExecution) {
		return err
	}
	return fmt.Errorf("%w: %v", datasource.ErrExecution, err)
}
