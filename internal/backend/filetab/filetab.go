// Package filetab implements the backend capability for tabular-file
// datasources. CSV and Parquet files and spreadsheet sheets are materialized
// as views in an in-memory DuckDB database and queried with SQL. A {{table}}
// or {{sheet}} placeholder in the query is substituted with the resolved
// view name.
package filetab

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/xuri/excelize/v2"

	"github.com/polyquery/polyquery/internal/backend"
	"github.com/polyquery/polyquery/internal/datasource"
	"github.com/polyquery/polyquery/internal/storage"
)

type Options struct {
	Logger *slog.Logger
	// Store resolves FileConfig.ObjectKey references. Optional when every
	// file datasource uses local paths.
	Store storage.ObjectStore
}

type Backend struct {
	ds     datasource.Datasource
	logger *slog.Logger
	store  storage.ObjectStore

	mu      sync.Mutex
	db      *sql.DB
	workDir string
	tables  []string
}

func New(ds datasource.Datasource, opts Options) *Backend {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		ds:     ds,
		logger: logger.With("datasource_id", ds.ID, "datasource_type", string(ds.Type)),
		store:  opts.Store,
	}
}

// Connect materializes the configured file as DuckDB views. For CSV the view
// is named after the normalized file name; for spreadsheets one view per
// sheet is created (or just the configured sheet).
func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return nil
	}

	workDir, err := os.MkdirTemp("", "polyquery-filetab-")
	if err != nil {
		return fmt.Errorf("%w: create work dir: %v", datasource.ErrConnection, err)
	}

	localPath, err := b.materialize(ctx, workDir)
	if err != nil {
		_ = os.RemoveAll(workDir)
		return err
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		_ = os.RemoveAll(workDir)
		return fmt.Errorf("%w: open duckdb: %v", datasource.ErrConnection, err)
	}

	tables, err := b.createViews(ctx, db, workDir, localPath)
	if err != nil {
		_ = db.Close()
		_ = os.RemoveAll(workDir)
		return err
	}

	b.db = db
	b.workDir = workDir
	b.tables = tables
	b.logger.Debug("file backend loaded", "tables", tables)
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
	b.tables = nil
	if b.workDir != "" {
		_ = os.RemoveAll(b.workDir)
		b.workDir = ""
	}
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
		b.logger.Warn("file backend validation failed", "error", err)
		return false
	}
	return true
}

func (b *Backend) Execute(ctx context.Context, query string, maxResults int, timeout time.Duration) (*datasource.RawResult, error) {
	b.mu.Lock()
	db := b.db
	tables := b.tables
	b.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("%w: backend %s is not connected", datasource.ErrConnection, b.ds.ID)
	}

	query = SubstitutePlaceholders(query, tables)
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
	b.mu.Lock()
	db := b.db
	tables := b.tables
	b.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("%w: backend %s is not connected", datasource.ErrConnection, b.ds.ID)
	}

	schema := datasource.Schema{}
	for _, table := range tables {
		rows, err := db.QueryContext(ctx, fmt.Sprintf("DESCRIBE %s", quoteIdent(table)))
		if err != nil {
			return nil, mapExecErr(ctx, err)
		}
		fields, err := describeFields(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		schema[table] = fields
	}
	return schema, nil
}

func (b *Backend) Tables(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil, fmt.Errorf("%w: backend %s is not connected", datasource.ErrConnection, b.ds.ID)
	}
	out := make([]string, len(b.tables))
	copy(out, b.tables)
	return out, nil
}

// materialize makes the configured file available on local disk, downloading
// from the object store when an object key is configured.
func (b *Backend) materialize(ctx context.Context, workDir string) (string, error) {
	cfg := b.ds.File
	if cfg.Path != "" {
		if _, err := os.Stat(cfg.Path); err != nil {
			return "", fmt.Errorf("%w: file %q: %v", datasource.ErrConnection, cfg.Path, err)
		}
		return cfg.Path, nil
	}

	if b.store == nil {
		return "", fmt.Errorf("%w: datasource %s references object %q but no object store is configured", datasource.ErrConnection, b.ds.ID, cfg.ObjectKey)
	}
	reader, err := b.store.Get(ctx, cfg.ObjectKey)
	if err != nil {
		return "", fmt.Errorf("%w: get object %q: %v", datasource.ErrConnection, cfg.ObjectKey, err)
	}
	defer reader.Close()

	localPath := filepath.Join(workDir, filepath.Base(cfg.ObjectKey))
	out, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: write local file: %v", datasource.ErrConnection, err)
	}
	if _, err := io.Copy(out, reader); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("%w: download object %q: %v", datasource.ErrConnection, cfg.ObjectKey, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("%w: close local file: %v", datasource.ErrConnection, err)
	}
	return localPath, nil
}

func (b *Backend) createViews(ctx context.Context, db *sql.DB, workDir, localPath string) ([]string, error) {
	switch b.ds.Type {
	case datasource.TypeCSV:
		table := backend.NormalizeName(strings.TrimSuffix(filepath.Base(localPath), filepath.Ext(localPath)))
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_csv_auto(%s)`, quoteIdent(table), quoteString(localPath))
		if _, err := db.ExecContext(ctx, viewSQL); err != nil {
			return nil, fmt.Errorf("%w: load csv %q: %v", datasource.ErrConnection, localPath, err)
		}
		return []string{table}, nil
	case datasource.TypeParquet:
		table := backend.NormalizeName(strings.TrimSuffix(filepath.Base(localPath), filepath.Ext(localPath)))
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(table), quoteString(localPath))
		if _, err := db.ExecContext(ctx, viewSQL); err != nil {
			return nil, fmt.Errorf("%w: load parquet %q: %v", datasource.ErrConnection, localPath, err)
		}
		return []string{table}, nil
	case datasource.TypeExcel:
		return b.createSheetViews(ctx, db, workDir, localPath)
	default:
		return nil, fmt.Errorf("%w: filetab cannot serve %q", datasource.ErrUnsupportedType, b.ds.Type)
	}
}

// createSheetViews converts each selected sheet to a temp CSV and exposes it
// as a view named after the normalized sheet name.
func (b *Backend) createSheetViews(ctx context.Context, db *sql.DB, workDir, localPath string) ([]string, error) {
	book, err := excelize.OpenFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open workbook %q: %v", datasource.ErrConnection, localPath, err)
	}
	defer book.Close()

	sheets := book.GetSheetList()
	if b.ds.File.Sheet != "" {
		sheets = []string{b.ds.File.Sheet}
	}

	var tables []string
	for index, sheet := range sheets {
		sheetRows, err := book.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("%w: read sheet %q: %v", datasource.ErrConnection, sheet, err)
		}
		if len(sheetRows) == 0 {
			continue
		}

		csvPath := filepath.Join(workDir, fmt.Sprintf("sheet_%d.csv", index))
		if err := writeCSV(csvPath, sheetRows); err != nil {
			return nil, fmt.Errorf("%w: stage sheet %q: %v", datasource.ErrConnection, sheet, err)
		}

		table := backend.NormalizeName(sheet)
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_csv_auto(%s)`, quoteIdent(table), quoteString(csvPath))
		if _, err := db.ExecContext(ctx, viewSQL); err != nil {
			return nil, fmt.Errorf("%w: load sheet %q: %v", datasource.ErrConnection, sheet, err)
		}
		tables = append(tables, table)
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("%w: workbook %q has no non-empty sheets", datasource.ErrConnection, localPath)
	}
	return tables, nil
}

func writeCSV(path string, rows [][]string) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	writer := csv.NewWriter(out)

	// GetRows trims trailing empty cells; pad to the header width so the
	// staged CSV stays rectangular.
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}
	for _, row := range rows {
		padded := row
		if len(row) < width {
			padded = append(append([]string{}, row...), make([]string, width-len(row))...)
		}
		if err := writer.Write(padded); err != nil {
			_ = out.Close()
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// SubstitutePlaceholders replaces {{table}} and {{sheet}} markers with the
// first resolved view name.
func SubstitutePlaceholders(query string, tables []string) string {
	if len(tables) == 0 {
		return query
	}
	target := quoteIdent(tables[0])
	query = strings.ReplaceAll(query, "{{table}}", target)
	query = strings.ReplaceAll(query, "{{sheet}}", target)
	return query
}

func describeFields(rows *sql.Rows) ([]datasource.Field, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("describe columns: %w", err)
	}
	values := make([]any, len(columns))
	pointers := make([]any, len(columns))
	for i := range values {
		pointers[i] = &values[i]
	}

	var fields []datasource.Field
	for rows.Next() {
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("scan describe row: %w", err)
		}
		field := datasource.Field{Nullable: true}
		if len(values) > 0 {
			field.Name = asString(values[0])
		}
		if len(values) > 1 {
			field.Type = strings.ToLower(asString(values[1]))
		}
		if len(values) > 2 {
			field.Nullable = strings.EqualFold(asString(values[2]), "yes")
		}
		fields = append(fields, field)
	}
	return fields, rows.Err()
}

func asString(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case []byte:
		return string(typed)
	default:
		return fmt.Sprintf("%v", typed)
	}
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}

// mapExecErr folds driver failures into the error taxonomy, consulting the
// context because DuckDB reports its own cancellation error text when the
// deadline fires mid-query.
func mapExecErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", datasource.ErrExecutionTimeout, err)
	}
	if errors.Is(err, datasource.ErrExecution) {
		return err
	}
	return fmt.Errorf("%w: %v", datasource.ErrExecution, err)
}
