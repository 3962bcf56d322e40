// Package factory wires the concrete backend implementations into the
// type-keyed constructor map the registry consumes.
package factory

import (
	"log/slog"
	"os"

	"github.com/polyquery/polyquery/internal/backend/filetab"
	"github.com/polyquery/polyquery/internal/backend/mongodb"
	"github.com/polyquery/polyquery/internal/backend/sqldb"
	"github.com/polyquery/polyquery/internal/datasource"
	"github.com/polyquery/polyquery/internal/storage"
)

type Options struct {
	Logger    *slog.Logger
	Store     storage.ObjectStore
	LookupEnv func(string) (string, bool)
}

// Default returns the factory map for every supported datasource type.
// DynamoDB and SQL Server are declared in the type taxonomy but have no
// driver wired; requesting a backend for them surfaces ErrUnsupportedType
// from the registry.
func Default(opts Options) map[datasource.Type]datasource.Factory {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	sqlFactory := func(ds datasource.Datasource) (datasource.Backend, error) {
		return sqldb.New(ds, sqldb.Options{Logger: logger, LookupEnv: lookup}), nil
	}
	fileFactory := func(ds datasource.Datasource) (datasource.Backend, error) {
		return filetab.New(ds, filetab.Options{Logger: logger, Store: opts.Store}), nil
	}

	return map[datasource.Type]datasource.Factory{
		datasource.TypePostgreSQL: sqlFactory,
		datasource.TypeMySQL:      sqlFactory,
		datasource.TypeMariaDB:    sqlFactory,
		datasource.TypeSQLite:     sqlFactory,
		datasource.TypeMongoDB: func(ds datasource.Datasource) (datasource.Backend, error) {
			return mongodb.New(ds, mongodb.Options{Logger: logger, LookupEnv: lookup}), nil
		},
		datasource.TypeCSV:     fileFactory,
		datasource.TypeExcel:   fileFactory,
		datasource.TypeParquet: fileFactory,
	}
}
