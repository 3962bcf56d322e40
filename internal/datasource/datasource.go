package datasource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound         = errors.New("datasource: not found")
	ErrInvalidConfig    = errors.New("datasource: invalid configuration")
	ErrInvalidMode      = errors.New("datasource: invalid query mode")
	ErrUnsupportedType  = errors.New("datasource: unsupported type")
	ErrConnection       = errors.New("datasource: connection failed")
	ErrExecution        = errors.New("datasource: query execution failed")
	ErrExecutionTimeout = errors.New("datasource: query execution timed out")
)

// Type is the concrete backend kind of a datasource.
type Type string

const (
	TypePostgreSQL Type = "postgresql"
	TypeMySQL      Type = "mysql"
	TypeSQLite     Type = "sqlite"
	TypeSQLServer  Type = "sqlserver"
	TypeMariaDB    Type = "mariadb"
	TypeMongoDB    Type = "mongodb"
	TypeDynamoDB   Type = "dynamodb"
	TypeCSV        Type = "csv"
	TypeExcel      Type = "excel"
	TypeParquet    Type = "parquet"
)

// Category groups datasource types by the query surface they expose.
type Category string

const (
	CategorySQL   Category = "sql"
	CategoryNoSQL Category = "nosql"
	CategoryFile  Category = "file"
)

// Mode restricts which datasource categories are eligible for a request.
type Mode string

const (
	ModeSQL   Mode = "sql"
	ModeNoSQL Mode = "nosql"
	ModeFiles Mode = "files"
	ModeMixed Mode = "mixed"
)

func ParseType(raw string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case TypePostgreSQL, TypeMySQL, TypeSQLite, TypeSQLServer, TypeMariaDB,
		TypeMongoDB, TypeDynamoDB, TypeCSV, TypeExcel, TypeParquet:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, raw)
	}
}

func ParseMode(raw string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(raw)))
	switch m {
	case ModeSQL, ModeNoSQL, ModeFiles, ModeMixed:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

// Category derives the grouping from the type. The mapping is fixed for the
// lifetime of a datasource.
func (t Type) Category() Category {
	switch t {
	case TypeMongoDB, TypeDynamoDB:
		return CategoryNoSQL
	case TypeCSV, TypeExcel, TypeParquet:
		return CategoryFile
	default:
		return CategorySQL
	}
}

// Includes reports whether datasources of the given category are eligible
// under this mode.
func (m Mode) Includes(c Category) bool {
	switch m {
	case ModeMixed:
		return true
	case ModeSQL:
		return c == CategorySQL
	case ModeNoSQL:
		return c == CategoryNoSQL
	case ModeFiles:
		return c == CategoryFile
	default:
		return false
	}
}

// ConnectionConfig describes how to reach a database-backed datasource. DSN
// holds the raw connection string and is never serialized; DSNEnv names an
// environment variable that resolves to it, which is what snapshots persist.
type ConnectionConfig struct {
	DSN      string `json:"-"`
	DSNEnv   string `json:"dsn_env,omitempty"`
	Database string `json:"database,omitempty"`
}

// ResolveDSN returns the effective connection string, consulting lookup for
// DSNEnv when no raw DSN is set.
func (c ConnectionConfig) ResolveDSN(lookup func(string) (string, bool)) (string, error) {
	if c.DSN != "" {
		return c.DSN, nil
	}
	if c.DSNEnv == "" {
		return "", fmt.Errorf("%w: no connection string configured", ErrInvalidConfig)
	}
	if lookup == nil {
		return "", fmt.Errorf("%w: no resolver for env reference %q", ErrInvalidConfig, c.DSNEnv)
	}
	dsn, ok := lookup(c.DSNEnv)
	if !ok || strings.TrimSpace(dsn) == "" {
		return "", fmt.Errorf("%w: env %q is not set", ErrInvalidConfig, c.DSNEnv)
	}
	return dsn, nil
}

// FileConfig describes a tabular-file datasource. Exactly one of Path (local
// file) or ObjectKey (object store) must be set. Sheet narrows spreadsheet
// loading to a single sheet; empty means all sheets.
type FileConfig struct {
	Path      string `json:"path,omitempty"`
	ObjectKey string `json:"object_key,omitempty"`
	Sheet     string `json:"sheet,omitempty"`
	Delimiter string `json:"delimiter,omitempty"`
}

// Field describes one column or document field.
type Field struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Nullable bool     `json:"nullable"`
	Samples  []string `json:"samples,omitempty"`
}

// Schema maps table/collection/sheet names to their ordered field lists.
type Schema map[string][]Field

// SchemaCache is a time-bounded snapshot of a datasource's schema.
type SchemaCache struct {
	Schema   Schema
	CachedAt time.Time
	TTL      time.Duration
}

// Fresh reports whether the cache is still within its TTL at the given time.
func (c *SchemaCache) Fresh(now time.Time) bool {
	if c == nil || c.Schema == nil {
		return false
	}
	return now.Before(c.CachedAt.Add(c.TTL))
}

type Datasource struct {
	ID          string
	Name        string
	Type        Type
	Description string
	Enabled     bool
	Connection  *ConnectionConfig
	File        *FileConfig
	Cache       *SchemaCache
	CreatedAt   time.Time
}

func (d Datasource) Category() Category {
	return d.Type.Category()
}

// Validate enforces the category/config pairing: file types carry exactly a
// file configuration, everything else exactly a connection configuration.
func (d Datasource) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidConfig)
	}
	if _, err := ParseType(string(d.Type)); err != nil {
		return err
	}
	switch d.Category() {
	case CategoryFile:
		if d.Connection != nil {
			return fmt.Errorf("%w: %s datasource %q must not carry a connection config", ErrInvalidConfig, d.Type, d.ID)
		}
		if d.File == nil || (d.File.Path == "" && d.File.ObjectKey == "") {
			return fmt.Errorf("%w: %s datasource %q requires a file path or object key", ErrInvalidConfig, d.Type, d.ID)
		}
	default:
		if d.File != nil {
			return fmt.Errorf("%w: %s datasource %q must not carry a file config", ErrInvalidConfig, d.Type, d.ID)
		}
		if d.Connection == nil || (d.Connection.DSN == "" && d.Connection.DSNEnv == "") {
			return fmt.Errorf("%w: %s datasource %q requires a connection string", ErrInvalidConfig, d.Type, d.ID)
		}
		if d.Category() == CategoryNoSQL && d.Connection.Database == "" {
			return fmt.Errorf("%w: %s datasource %q requires a database name", ErrInvalidConfig, d.Type, d.ID)
		}
	}
	return nil
}

func (d Datasource) clone() Datasource {
	out := d
	if d.Connection != nil {
		conn := *d.Connection
		out.Connection = &conn
	}
	if d.File != nil {
		file := *d.File
		out.File = &file
	}
	if d.Cache != nil {
		cache := *d.Cache
		out.Cache = &cache
	}
	return out
}

// Column describes one column of a raw execution result.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// RawResult is what a backend returns from Execute before result shaping.
// TotalRows counts everything the query matched, even when Rows was truncated
// to the caller's limit.
type RawResult struct {
	Rows      []map[string]any
	Columns   []Column
	TotalRows int
	Truncated bool
}

// Backend is the uniform capability contract every concrete datasource driver
// satisfies. Execute must truncate at maxResults rather than fail, and must
// surface ErrExecutionTimeout instead of blocking past the timeout. After any
// failure, Disconnect remains safe to call.
type Backend interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Validate(ctx context.Context) bool
	Execute(ctx context.Context, query string, maxResults int, timeout time.Duration) (*RawResult, error)
	Schema(ctx context.Context) (Schema, error)
	Tables(ctx context.Context) ([]string, error)
}

// Factory constructs a backend capability for one datasource.
type Factory func(ds Datasource) (Backend, error)

// WithConnection connects the backend, runs fn, and disconnects regardless of
// fn's outcome. A disconnect failure never masks fn's error.
func WithConnection(ctx context.Context, b Backend, fn func(ctx context.Context) error) error {
	if err := b.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		_ = b.Disconnect(context.WithoutCancel(ctx))
	}()
	return fn(ctx)
}
